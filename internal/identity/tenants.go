package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"planora.org/internal/ids"
)

const defaultTenantPlan = "free"

// Tenants resolves and mutates tenant memberships, and re-issues session
// tokens on tenant switch.
type Tenants struct {
	store  Store
	signer *Signer
	ledger *Ledger
	now    func() time.Time
}

// NewTenants constructs the membership service.
func NewTenants(store Store, signer *Signer, ledger *Ledger) *Tenants {
	return &Tenants{store: store, signer: signer, ledger: ledger, now: time.Now}
}

// List returns the tenants where the account holds an active membership,
// most recently joined first.
func (t *Tenants) List(ctx context.Context, accountID string) ([]*Tenant, error) {
	return t.store.Tenants(ctx).ListForAccount(ctx, accountID)
}

// Verify reports whether the account has an active membership in the tenant.
func (t *Tenants) Verify(ctx context.Context, accountID, tenantID string) (bool, error) {
	m, err := t.store.Memberships(ctx).Find(ctx, accountID, tenantID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return m.Status == MembershipActive, nil
}

// Create inserts a tenant together with an active admin membership for the
// owner in one transaction.
func (t *Tenants) Create(ctx context.Context, name, ownerID string) (*Tenant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("identity: tenant name is required")
	}
	tenant := &Tenant{
		ID:   ids.New(),
		Name: name,
		Plan: defaultTenantPlan,
	}
	if err := t.store.Tenants(ctx).CreateWithOwner(ctx, tenant, ownerID); err != nil {
		return nil, err
	}
	return tenant, nil
}

// Switch re-issues a session token scoped to tenantID. It fails ErrNotAMember
// unless the account holds an active membership there.
func (t *Tenants) Switch(ctx context.Context, accountID, tenantID string, meta RequestMeta) (*Session, error) {
	ok, err := t.Verify(ctx, accountID, tenantID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAMember
	}
	account, err := t.store.Accounts(ctx).Find(ctx, accountID)
	if err != nil {
		return nil, err
	}
	token, exp, err := t.signer.Issue(account.ID, account.Role, tenantID, 0)
	if err != nil {
		return nil, err
	}
	t.ledger.Emit(SecurityEvent{
		AccountID:  account.ID,
		Email:      account.Email,
		Kind:       EventTenantSwitched,
		SourceAddr: meta.SourceAddr,
		UserAgent:  meta.UserAgent,
		Success:    true,
		Detail:     "tenant " + tenantID,
	})
	return &Session{Token: token, TenantID: tenantID, ExpiresAt: exp}, nil
}

// EnsureDefault guarantees the invariant that every account entering a
// session-minting path holds at least one active membership. It returns the
// account's current tenant, creating a default workspace when none exists.
// The operation is idempotent and safe to call on every login.
func (t *Tenants) EnsureDefault(ctx context.Context, account *Account) (*Tenant, error) {
	tenants, err := t.store.Tenants(ctx).ListForAccount(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	if len(tenants) > 0 {
		return tenants[0], nil
	}
	return t.Create(ctx, defaultTenantName(account), account.ID)
}

// defaultTenantName derives a workspace name from the display name, falling
// back to the email local-part.
func defaultTenantName(a *Account) string {
	name := strings.TrimSpace(a.DisplayName)
	if name == "" {
		name = a.Email
		if at := strings.IndexByte(name, '@'); at > 0 {
			name = name[:at]
		}
	}
	return name + "'s Workspace"
}
