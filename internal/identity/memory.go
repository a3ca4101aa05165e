package identity

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"planora.org/internal/ids"
)

// MemoryStore is an in-process Store used by tests and DSN-less local runs.
// A single mutex serializes all mutations, which also gives
// RecordFailedLogin the per-account atomicity the ledger requires.
type MemoryStore struct {
	mu          sync.Mutex
	accounts    map[string]*Account // by id
	byEmail     map[string]string   // email -> id
	tenants     map[string]*Tenant
	memberships map[string][]*Membership // by account id
	events      []*SecurityEvent
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[string]*Account),
		byEmail:     make(map[string]string),
		tenants:     make(map[string]*Tenant),
		memberships: make(map[string][]*Membership),
	}
}

func (m *MemoryStore) Accounts(context.Context) AccountStore           { return (*memAccounts)(m) }
func (m *MemoryStore) Tenants(context.Context) TenantStore             { return (*memTenants)(m) }
func (m *MemoryStore) Memberships(context.Context) MembershipStore     { return (*memMemberships)(m) }
func (m *MemoryStore) SecurityEvents(context.Context) SecurityEventStore { return (*memEvents)(m) }

// Events returns a snapshot of appended security events, oldest first.
func (m *MemoryStore) Events() []*SecurityEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*SecurityEvent, len(m.events))
	for i, ev := range m.events {
		cp := *ev
		out[i] = &cp
	}
	return out
}

type memAccounts MemoryStore

func (m *memAccounts) Create(_ context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[a.Email]; ok {
		return ErrConflict
	}
	if a.ID == "" {
		a.ID = ids.New()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	cp := *a
	m.accounts[a.ID] = &cp
	m.byEmail[a.Email] = a.ID
	return nil
}

func (m *memAccounts) Find(_ context.Context, id string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memAccounts) FindByEmail(_ context.Context, email string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.accounts[id]
	return &cp, nil
}

func (m *memAccounts) UpdateProfile(_ context.Context, id string, upd ProfileUpdate) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	if upd.DisplayName != nil {
		a.DisplayName = *upd.DisplayName
	}
	if upd.AvatarURL != nil {
		a.AvatarURL = *upd.AvatarURL
	}
	a.UpdatedAt = time.Now().UTC()
	cp := *a
	return &cp, nil
}

func (m *memAccounts) SetPendingTwoFactorSecret(_ context.Context, id, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.TwoFactorPending = secret
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memAccounts) EnableTwoFactor(_ context.Context, id, secret string, recoveryDigests []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.TwoFactorSecret = secret
	a.TwoFactorPending = ""
	a.TwoFactorEnabled = true
	a.RecoveryCodes = slices.Clone(recoveryDigests)
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memAccounts) DisableTwoFactor(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.TwoFactorSecret = ""
	a.TwoFactorPending = ""
	a.TwoFactorEnabled = false
	a.RecoveryCodes = nil
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memAccounts) ConsumeRecoveryCode(_ context.Context, id, digest string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return false, ErrNotFound
	}
	idx := slices.Index(a.RecoveryCodes, digest)
	if idx < 0 {
		return false, nil
	}
	a.RecoveryCodes = slices.Delete(a.RecoveryCodes, idx, idx+1)
	a.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *memAccounts) RecordFailedLogin(_ context.Context, id string, threshold int, lockUntil time.Time) (int, *time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return 0, nil, ErrNotFound
	}
	a.FailedLogins++
	if a.FailedLogins >= threshold && a.LockedUntil == nil {
		until := lockUntil.UTC()
		a.LockedUntil = &until
	}
	a.UpdatedAt = time.Now().UTC()
	var lockedUntil *time.Time
	if a.LockedUntil != nil {
		cp := *a.LockedUntil
		lockedUntil = &cp
	}
	return a.FailedLogins, lockedUntil, nil
}

func (m *memAccounts) ResetLockout(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.FailedLogins = 0
	a.LockedUntil = nil
	a.UpdatedAt = time.Now().UTC()
	return nil
}

type memTenants MemoryStore

func (m *memTenants) CreateWithOwner(_ context.Context, t *Tenant, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = ids.New()
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	cp := *t
	m.tenants[t.ID] = &cp
	m.memberships[ownerID] = append(m.memberships[ownerID], &Membership{
		AccountID: ownerID,
		TenantID:  t.ID,
		Role:      MemberRoleAdmin,
		Status:    MembershipActive,
		JoinedAt:  now,
	})
	return nil
}

func (m *memTenants) Find(_ context.Context, id string) (*Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memTenants) ListForAccount(_ context.Context, accountID string) ([]*Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := slices.Clone(m.memberships[accountID])
	sort.Slice(members, func(i, j int) bool { return members[i].JoinedAt.After(members[j].JoinedAt) })
	var out []*Tenant
	for _, mem := range members {
		if mem.Status != MembershipActive {
			continue
		}
		if t, ok := m.tenants[mem.TenantID]; ok {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memMemberships MemoryStore

func (m *memMemberships) Create(_ context.Context, mem *Membership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.memberships[mem.AccountID] {
		if existing.TenantID == mem.TenantID {
			return ErrConflict
		}
	}
	if mem.JoinedAt.IsZero() {
		mem.JoinedAt = time.Now().UTC()
	}
	cp := *mem
	m.memberships[mem.AccountID] = append(m.memberships[mem.AccountID], &cp)
	return nil
}

func (m *memMemberships) Find(_ context.Context, accountID, tenantID string) (*Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mem := range m.memberships[accountID] {
		if mem.TenantID == tenantID {
			cp := *mem
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memMemberships) ListByAccount(_ context.Context, accountID string) ([]*Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Membership, 0, len(m.memberships[accountID]))
	for _, mem := range m.memberships[accountID] {
		cp := *mem
		out = append(out, &cp)
	}
	return out, nil
}

type memEvents MemoryStore

func (m *memEvents) Append(_ context.Context, ev *SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ev
	m.events = append(m.events, &cp)
	return nil
}
