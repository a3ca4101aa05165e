package identity

import (
	"context"
	"time"
)

// Store describes the persistence operations the identity subsystem needs.
// Implementations must return ErrNotFound and ErrConflict for the
// corresponding conditions so callers can branch without store-specific
// knowledge.
type Store interface {
	Accounts(ctx context.Context) AccountStore
	Tenants(ctx context.Context) TenantStore
	Memberships(ctx context.Context) MembershipStore
	SecurityEvents(ctx context.Context) SecurityEventStore
}

// AccountStore manages accounts and their credential state.
type AccountStore interface {
	Create(ctx context.Context, a *Account) error
	Find(ctx context.Context, id string) (*Account, error)
	FindByEmail(ctx context.Context, email string) (*Account, error)
	UpdateProfile(ctx context.Context, id string, upd ProfileUpdate) (*Account, error)

	// SetPendingTwoFactorSecret stores a candidate secret during enrollment
	// without enabling the second factor.
	SetPendingTwoFactorSecret(ctx context.Context, id, secret string) error
	// EnableTwoFactor promotes the pending secret and records recovery-code
	// digests in one write.
	EnableTwoFactor(ctx context.Context, id, secret string, recoveryDigests []string) error
	DisableTwoFactor(ctx context.Context, id string) error
	// ConsumeRecoveryCode atomically removes the digest if present, so a
	// recovery code verifies at most once even under concurrent submission.
	ConsumeRecoveryCode(ctx context.Context, id, digest string) (bool, error)

	// RecordFailedLogin atomically increments the failure counter and, when
	// the new count reaches threshold, sets locked_until to lockUntil.
	// Returns the post-increment count and the effective lock expiry.
	// Increments must be serialized per account: a lost update would let a
	// credential-stuffing burst slip under the threshold.
	RecordFailedLogin(ctx context.Context, id string, threshold int, lockUntil time.Time) (int, *time.Time, error)
	// ResetLockout clears the failure counter and lock expiry.
	ResetLockout(ctx context.Context, id string) error
}

// TenantStore manages tenants.
type TenantStore interface {
	// CreateWithOwner inserts the tenant and an active admin membership for
	// ownerID atomically.
	CreateWithOwner(ctx context.Context, t *Tenant, ownerID string) error
	Find(ctx context.Context, id string) (*Tenant, error)
	// ListForAccount returns tenants where the account holds an active
	// membership, most recently joined first.
	ListForAccount(ctx context.Context, accountID string) ([]*Tenant, error)
}

// MembershipStore manages account-tenant relationships.
type MembershipStore interface {
	Create(ctx context.Context, m *Membership) error
	Find(ctx context.Context, accountID, tenantID string) (*Membership, error)
	ListByAccount(ctx context.Context, accountID string) ([]*Membership, error)
}

// SecurityEventStore appends immutable security events.
type SecurityEventStore interface {
	Append(ctx context.Context, ev *SecurityEvent) error
}
