package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"planora.org/internal/ids"
	"planora.org/internal/obs"
)

var sixDigits = regexp.MustCompile(`^[0-9]{6}$`)

// Service orchestrates registration, login, two-factor authentication,
// federated session exchange and profile maintenance. It composes the
// password hasher, token signer, TOTP engine, security ledger and tenant
// membership service.
type Service struct {
	store    Store
	signer   *Signer
	totp     *TOTP
	ledger   *Ledger
	tenants  *Tenants
	provider Provider
	notifier Notifier
	now      func() time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithProvider enables federated session exchange against the given identity
// provider.
func WithProvider(p Provider) Option {
	return func(s *Service) { s.provider = p }
}

// WithNotifier overrides the notification sink.
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the identity service.
func NewService(store Store, signer *Signer, ledger *Ledger, tenants *Tenants, opts ...Option) *Service {
	s := &Service{
		store:    store,
		signer:   signer,
		totp:     NewTOTP(signer.issuer),
		ledger:   ledger,
		tenants:  tenants,
		notifier: LogNotifier{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterResult is the response of a successful registration.
type RegisterResult struct {
	Account *Account `json:"account"`
	Tenant  *Tenant  `json:"tenant"`
	Session *Session `json:"session"`
}

// Register creates an account, its tenant and a first session. tenantName is
// optional; when empty a default workspace is derived from the display name.
func (s *Service) Register(ctx context.Context, email, password, displayName, tenantName string, meta RequestMeta) (*RegisterResult, error) {
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: invalid email", ErrInvalidCredentials)
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	accounts := s.store.Accounts(ctx)
	if _, err := accounts.FindByEmail(ctx, email); err == nil {
		return nil, ErrDuplicateEmail
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	account := &Account{
		ID:           ids.New(),
		Email:        email,
		DisplayName:  strings.TrimSpace(displayName),
		Role:         RoleUser,
		Status:       StatusActive,
		PasswordHash: hash,
	}
	if err := accounts.Create(ctx, account); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, ErrDuplicateEmail
		}
		return nil, err
	}

	var tenant *Tenant
	if strings.TrimSpace(tenantName) != "" {
		tenant, err = s.tenants.Create(ctx, tenantName, account.ID)
	} else {
		tenant, err = s.tenants.EnsureDefault(ctx, account)
	}
	if err != nil {
		return nil, err
	}

	session, err := s.mint(account, tenant.ID)
	if err != nil {
		return nil, err
	}
	s.ledger.Emit(SecurityEvent{
		AccountID:  account.ID,
		Email:      account.Email,
		Kind:       EventRegistration,
		SourceAddr: meta.SourceAddr,
		UserAgent:  meta.UserAgent,
		Success:    true,
	})
	obs.Registrations.Inc()
	go s.notifier.SendWelcome(account.Email, account.DisplayName)
	return &RegisterResult{Account: account, Tenant: tenant, Session: session}, nil
}

// Login authenticates with email and password. Unknown emails and password
// mismatches fail identically so callers cannot enumerate accounts. Accounts
// with two-factor enabled receive a challenge instead of a session.
func (s *Service) Login(ctx context.Context, email, password string, meta RequestMeta) (*LoginResult, error) {
	email = normalizeEmail(email)
	account, err := s.store.Accounts(ctx).FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			compareDummy(password)
			// Pre-authentication failure: attributable only by email.
			s.ledger.Emit(SecurityEvent{
				Email:      email,
				Kind:       EventLoginFailed,
				SourceAddr: meta.SourceAddr,
				UserAgent:  meta.UserAgent,
				Detail:     "unknown email",
			})
			obs.Logins.WithLabelValues("failure").Inc()
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if account.Status != StatusActive {
		return nil, ErrInvalidCredentials
	}
	if err := s.ledger.Gate(ctx, account, meta); err != nil {
		return nil, err
	}

	// Federated-only accounts carry no password hash. A password attempt
	// against one is an ordinary mismatch, with the same cost and the same
	// lockout accounting.
	ok := false
	if account.PasswordHash == "" {
		compareDummy(password)
	} else {
		var err error
		ok, err = VerifyPassword(account.PasswordHash, password)
		if err != nil {
			return nil, err
		}
	}
	if !ok {
		if err := s.recordFailure(ctx, account, EventLoginFailed, meta); err != nil {
			return nil, err
		}
		obs.Logins.WithLabelValues("failure").Inc()
		return nil, ErrInvalidCredentials
	}

	if account.TwoFactorEnabled {
		s.ledger.Emit(SecurityEvent{
			AccountID:  account.ID,
			Email:      account.Email,
			Kind:       EventTwoFactorChallenge,
			SourceAddr: meta.SourceAddr,
			UserAgent:  meta.UserAgent,
			Success:    true,
		})
		return &LoginResult{Challenge: &TwoFactorChallenge{Email: account.Email}}, nil
	}

	session, err := s.completeLogin(ctx, account, EventLoginSucceeded, meta)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Session: session}, nil
}

// VerifyTwoFactorLogin finishes a challenged login. The code may be the
// current TOTP code or an unused recovery code; recovery codes are consumed
// on success. Invalid codes count toward lockout.
func (s *Service) VerifyTwoFactorLogin(ctx context.Context, email, code string, meta RequestMeta) (*Session, error) {
	email = normalizeEmail(email)
	account, err := s.store.Accounts(ctx).FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !account.TwoFactorEnabled || account.TwoFactorSecret == "" {
		return nil, ErrInvalidCredentials
	}
	if err := s.ledger.Gate(ctx, account, meta); err != nil {
		return nil, err
	}

	event := EventLoginSucceeded
	switch {
	case sixDigits.MatchString(strings.TrimSpace(code)) && s.totp.VerifyCode(account.TwoFactorSecret, code):
	default:
		used, err := s.store.Accounts(ctx).ConsumeRecoveryCode(ctx, account.ID, HashRecoveryCode(code))
		if err != nil {
			return nil, err
		}
		if !used {
			if err := s.recordFailure(ctx, account, EventTwoFactorFailed, meta); err != nil {
				return nil, err
			}
			obs.Logins.WithLabelValues("failure").Inc()
			return nil, ErrInvalidTwoFactorCode
		}
		event = EventRecoveryCodeUsed
	}
	return s.completeLogin(ctx, account, event, meta)
}

// ExchangeFederatedSession validates a provider-issued token and yields the
// same response shape as Login. Accounts are provisioned on first contact
// without a password hash; on later logins mutable profile fields are
// refreshed from the provider.
func (s *Service) ExchangeFederatedSession(ctx context.Context, providerToken, tenantNameHint string, meta RequestMeta) (*LoginResult, error) {
	if s.provider == nil {
		return nil, ErrFederatedVerification
	}
	ext, err := s.provider.Verify(ctx, providerToken)
	if err != nil {
		return nil, err
	}

	accounts := s.store.Accounts(ctx)
	account, err := accounts.FindByEmail(ctx, ext.Email)
	switch {
	case errors.Is(err, ErrNotFound):
		account = &Account{
			ID:               ids.New(),
			Email:            ext.Email,
			DisplayName:      ext.DisplayName,
			AvatarURL:        ext.AvatarURL,
			Role:             RoleUser,
			Status:           StatusActive,
			FederatedSubject: ext.SubjectID,
		}
		if err := accounts.Create(ctx, account); err != nil {
			return nil, err
		}
		if strings.TrimSpace(tenantNameHint) != "" {
			if _, err := s.tenants.Create(ctx, tenantNameHint, account.ID); err != nil {
				return nil, err
			}
		}
	case err != nil:
		return nil, err
	default:
		if account.Status != StatusActive {
			return nil, ErrInvalidCredentials
		}
		if upd := profileDrift(account, ext); upd != nil {
			if account, err = accounts.UpdateProfile(ctx, account.ID, *upd); err != nil {
				return nil, err
			}
		}
	}

	if err := s.ledger.Gate(ctx, account, meta); err != nil {
		return nil, err
	}
	if account.TwoFactorEnabled {
		return &LoginResult{Challenge: &TwoFactorChallenge{Email: account.Email}}, nil
	}
	session, err := s.completeLogin(ctx, account, EventFederatedLogin, meta)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Session: session}, nil
}

// BeginTwoFactorSetup generates a secret for enrollment. The secret stays
// pending until EnableTwoFactor verifies the user's authenticator produces
// matching codes.
func (s *Service) BeginTwoFactorSetup(ctx context.Context, accountID string) (*TwoFactorSetup, error) {
	account, err := s.store.Accounts(ctx).Find(ctx, accountID)
	if err != nil {
		return nil, err
	}
	secret, err := s.totp.GenerateSecret()
	if err != nil {
		return nil, err
	}
	if err := s.store.Accounts(ctx).SetPendingTwoFactorSecret(ctx, account.ID, secret); err != nil {
		return nil, err
	}
	return &TwoFactorSetup{
		Secret:          secret,
		ProvisioningURI: s.totp.ProvisioningURI(secret, account.Email),
	}, nil
}

// EnableTwoFactor verifies a code against the pending secret, turns the
// second factor on and returns single-use recovery codes. The plaintext
// codes are shown exactly once; only digests are stored.
func (s *Service) EnableTwoFactor(ctx context.Context, accountID, code string, meta RequestMeta) ([]string, error) {
	account, err := s.store.Accounts(ctx).Find(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.TwoFactorPending == "" {
		return nil, ErrInvalidTwoFactorCode
	}
	if !s.totp.VerifyCode(account.TwoFactorPending, code) {
		return nil, ErrInvalidTwoFactorCode
	}
	codes, err := GenerateRecoveryCodes()
	if err != nil {
		return nil, err
	}
	digests := make([]string, len(codes))
	for i, c := range codes {
		digests[i] = HashRecoveryCode(c)
	}
	if err := s.store.Accounts(ctx).EnableTwoFactor(ctx, account.ID, account.TwoFactorPending, digests); err != nil {
		return nil, err
	}
	s.ledger.Emit(SecurityEvent{
		AccountID:  account.ID,
		Email:      account.Email,
		Kind:       EventTwoFactorEnabled,
		SourceAddr: meta.SourceAddr,
		UserAgent:  meta.UserAgent,
		Success:    true,
	})
	return codes, nil
}

// DisableTwoFactor turns the second factor off after verifying a current
// code.
func (s *Service) DisableTwoFactor(ctx context.Context, accountID, code string, meta RequestMeta) error {
	account, err := s.store.Accounts(ctx).Find(ctx, accountID)
	if err != nil {
		return err
	}
	if !account.TwoFactorEnabled || !s.totp.VerifyCode(account.TwoFactorSecret, code) {
		return ErrInvalidTwoFactorCode
	}
	if err := s.store.Accounts(ctx).DisableTwoFactor(ctx, account.ID); err != nil {
		return err
	}
	s.ledger.Emit(SecurityEvent{
		AccountID:  account.ID,
		Email:      account.Email,
		Kind:       EventTwoFactorDisabled,
		SourceAddr: meta.SourceAddr,
		UserAgent:  meta.UserAgent,
		Success:    true,
	})
	return nil
}

// UpdateProfile applies a whitelist-only field update. Password, role and
// credential state are not reachable through this path.
func (s *Service) UpdateProfile(ctx context.Context, accountID string, upd ProfileUpdate, meta RequestMeta) (*Account, error) {
	account, err := s.store.Accounts(ctx).UpdateProfile(ctx, accountID, upd)
	if err != nil {
		return nil, err
	}
	s.ledger.Emit(SecurityEvent{
		AccountID:  account.ID,
		Email:      account.Email,
		Kind:       EventProfileUpdated,
		SourceAddr: meta.SourceAddr,
		UserAgent:  meta.UserAgent,
		Success:    true,
	})
	return account, nil
}

// Logout records the audit event. Tokens are stateless, so there is no
// server-side session to destroy; clients discard the token.
func (s *Service) Logout(ctx context.Context, accountID string, meta RequestMeta) {
	s.ledger.Emit(SecurityEvent{
		AccountID:  accountID,
		Kind:       EventLogout,
		SourceAddr: meta.SourceAddr,
		UserAgent:  meta.UserAgent,
		Success:    true,
	})
}

// completeLogin resets lockout state, guarantees a tenant and mints the
// session token.
func (s *Service) completeLogin(ctx context.Context, account *Account, event string, meta RequestMeta) (*Session, error) {
	if err := s.ledger.RecordSuccess(ctx, account, event, meta); err != nil {
		return nil, err
	}
	tenant, err := s.tenants.EnsureDefault(ctx, account)
	if err != nil {
		return nil, err
	}
	session, err := s.mint(account, tenant.ID)
	if err != nil {
		return nil, err
	}
	obs.Logins.WithLabelValues("success").Inc()
	return session, nil
}

func (s *Service) recordFailure(ctx context.Context, account *Account, kind string, meta RequestMeta) error {
	locked, err := s.ledger.RecordFailure(ctx, account, kind, meta)
	if err != nil {
		return err
	}
	if locked {
		go s.notifier.SendLockoutNotice(account.Email)
	}
	return nil
}

func (s *Service) mint(account *Account, tenantID string) (*Session, error) {
	token, exp, err := s.signer.Issue(account.ID, account.Role, tenantID, 0)
	if err != nil {
		return nil, err
	}
	return &Session{Token: token, TenantID: tenantID, ExpiresAt: exp}, nil
}

// profileDrift compares the stored profile with the provider's latest view
// and returns the update to apply, or nil when nothing changed.
func profileDrift(account *Account, ext *ExternalIdentity) *ProfileUpdate {
	var upd ProfileUpdate
	changed := false
	if ext.DisplayName != "" && ext.DisplayName != account.DisplayName {
		upd.DisplayName = &ext.DisplayName
		changed = true
	}
	if ext.AvatarURL != "" && ext.AvatarURL != account.AvatarURL {
		upd.AvatarURL = &ext.AvatarURL
		changed = true
	}
	if !changed {
		return nil
	}
	return &upd
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
