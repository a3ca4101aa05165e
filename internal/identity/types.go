package identity

import "time"

// Account roles carried in session tokens.
const (
	RoleUser  = "user"
	RoleStaff = "staff"
)

// Account statuses.
const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

// Membership roles within a tenant.
const (
	MemberRoleAdmin  = "admin"
	MemberRoleMember = "member"
	MemberRoleViewer = "viewer"
)

// Membership statuses.
const (
	MembershipActive  = "active"
	MembershipPending = "pending"
)

// Account represents a registered user. PasswordHash is empty for accounts
// provisioned through a federated identity provider. Credential material is
// excluded from JSON so it can never leak through an API response.
type Account struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Role        string `json:"role"`
	Status      string `json:"status"`

	PasswordHash     string `json:"-"`
	FederatedSubject string `json:"-"`

	TwoFactorEnabled bool     `json:"two_factor_enabled"`
	TwoFactorSecret  string   `json:"-"`
	TwoFactorPending string   `json:"-"`
	RecoveryCodes    []string `json:"-"`

	FailedLogins int        `json:"-"`
	LockedUntil  *time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Tenant is an isolated customer workspace. Every authenticated session is
// scoped to exactly one tenant.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Plan      string    `json:"plan"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Membership grants an account a role within a tenant. (AccountID, TenantID)
// pairs are unique.
type Membership struct {
	AccountID string    `json:"account_id"`
	TenantID  string    `json:"tenant_id"`
	Role      string    `json:"role"`
	Status    string    `json:"status"`
	JoinedAt  time.Time `json:"joined_at"`
}

// SecurityEvent is an append-only record of an authentication-relevant
// action. Events are never mutated or deleted.
type SecurityEvent struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"account_id,omitempty"`
	Email      string    `json:"email,omitempty"`
	Kind       string    `json:"kind"`
	SourceAddr string    `json:"source_addr,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Success    bool      `json:"success"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Session is a freshly minted bearer credential. Tokens are stateless; the
// server keeps no record of them.
type Session struct {
	Token     string    `json:"token"`
	TenantID  string    `json:"tenant_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TwoFactorChallenge is returned instead of a Session when the account has
// two-factor authentication enabled.
type TwoFactorChallenge struct {
	Email string `json:"email"`
}

// LoginResult is the shared response shape of the password and federated
// login paths: exactly one of Session or Challenge is set.
type LoginResult struct {
	Session   *Session            `json:"session,omitempty"`
	Challenge *TwoFactorChallenge `json:"challenge,omitempty"`
}

// RequestMeta carries per-request attribution recorded in security events.
type RequestMeta struct {
	SourceAddr string
	UserAgent  string
}

// TwoFactorSetup is the result of beginning 2FA enrollment.
type TwoFactorSetup struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioning_uri"`
}

// ProfileUpdate lists the fields an account may change about itself. Nil
// fields are left untouched.
type ProfileUpdate struct {
	DisplayName *string `json:"display_name,omitempty"`
	AvatarURL   *string `json:"avatar_url,omitempty"`
}
