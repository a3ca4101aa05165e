package identity

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type serviceFixture struct {
	store   *MemoryStore
	signer  *Signer
	ledger  *Ledger
	tenants *Tenants
	svc     *Service
}

func newServiceFixture(t *testing.T, opts ...Option) *serviceFixture {
	t.Helper()
	store := NewMemoryStore()
	signer, err := NewSigner("test-secret-0123456789", "planora-test", time.Hour)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	ledger := NewLedger(store, 5, 30*time.Minute)
	t.Cleanup(ledger.Close)
	tenants := NewTenants(store, signer, ledger)
	return &serviceFixture{
		store:   store,
		signer:  signer,
		ledger:  ledger,
		tenants: tenants,
		svc:     NewService(store, signer, ledger, tenants, opts...),
	}
}

const testPassword = "Correct-Horse7Battery"

func (f *serviceFixture) register(t *testing.T, email, displayName string) *RegisterResult {
	t.Helper()
	res, err := f.svc.Register(context.Background(), email, testPassword, displayName, "", RequestMeta{})
	if err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
	return res
}

// currentCode computes the TOTP an authenticator app would show right now.
func currentCode(t *testing.T, secret string) string {
	t.Helper()
	key, err := totpEncoding.DecodeString(secret)
	if err != nil {
		t.Fatalf("decode secret: %v", err)
	}
	return hotp(key, uint64(time.Now().Unix()/totpPeriod))
}

func TestRegisterIssuesSessionAndTenant(t *testing.T) {
	f := newServiceFixture(t)

	res, err := f.svc.Register(context.Background(), "  Ada@Example.COM ", testPassword, "Ada", "", RequestMeta{})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if res.Account.Email != "ada@example.com" {
		t.Fatalf("email not normalized: %q", res.Account.Email)
	}
	if res.Account.PasswordHash == "" || res.Account.PasswordHash == testPassword {
		t.Fatal("password not hashed")
	}
	if res.Tenant.Name != "Ada's Workspace" {
		t.Fatalf("tenant name = %q", res.Tenant.Name)
	}
	if res.Tenant.Plan != defaultTenantPlan {
		t.Fatalf("tenant plan = %q", res.Tenant.Plan)
	}

	claims, err := f.signer.Verify(res.Session.Token)
	if err != nil {
		t.Fatalf("session token invalid: %v", err)
	}
	if claims.Subject != res.Account.ID || claims.TenantID != res.Tenant.ID {
		t.Fatalf("claims %q/%q do not match account/tenant", claims.Subject, claims.TenantID)
	}
}

func TestRegisterNamedTenant(t *testing.T) {
	f := newServiceFixture(t)
	res, err := f.svc.Register(context.Background(), "bo@example.com", testPassword, "Bo", "Acme Robotics", RequestMeta{})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if res.Tenant.Name != "Acme Robotics" {
		t.Fatalf("tenant name = %q", res.Tenant.Name)
	}
}

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	f := newServiceFixture(t)
	f.register(t, "dup@example.com", "First")

	_, err := f.svc.Register(context.Background(), "DUP@example.com", testPassword, "Second", "", RequestMeta{})
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("got %v, want ErrDuplicateEmail", err)
	}
}

func TestRegisterRejectsWeakPassword(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.svc.Register(context.Background(), "weak@example.com", "short", "Weak", "", RequestMeta{})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("got %v, want ErrWeakPassword", err)
	}
}

func TestLoginSuccess(t *testing.T) {
	f := newServiceFixture(t)
	reg := f.register(t, "login@example.com", "Login")

	res, err := f.svc.Login(context.Background(), "login@example.com", testPassword, RequestMeta{})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.Challenge != nil {
		t.Fatal("unexpected two-factor challenge")
	}
	if res.Session == nil || res.Session.TenantID != reg.Tenant.ID {
		t.Fatalf("session = %+v", res.Session)
	}
}

func TestLoginFailsUniformly(t *testing.T) {
	f := newServiceFixture(t)
	f.register(t, "known@example.com", "Known")

	_, badUser := f.svc.Login(context.Background(), "ghost@example.com", testPassword, RequestMeta{})
	_, badPass := f.svc.Login(context.Background(), "known@example.com", "Wrong-Horse7Battery", RequestMeta{})
	if !errors.Is(badUser, ErrInvalidCredentials) || !errors.Is(badPass, ErrInvalidCredentials) {
		t.Fatalf("unknown email: %v, wrong password: %v, want ErrInvalidCredentials for both", badUser, badPass)
	}
}

func TestLoginLockoutAfterRepeatedFailures(t *testing.T) {
	f := newServiceFixture(t)
	f.register(t, "target@example.com", "Target")

	for i := 0; i < 5; i++ {
		_, err := f.svc.Login(context.Background(), "target@example.com", "Wrong-Horse7Battery", RequestMeta{})
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: got %v, want ErrInvalidCredentials", i+1, err)
		}
	}

	// Even the correct password bounces off a locked account.
	_, err := f.svc.Login(context.Background(), "target@example.com", testPassword, RequestMeta{})
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("got %v, want ErrAccountLocked", err)
	}
	var locked *LockedError
	if !errors.As(err, &locked) || locked.RetryAfter <= 0 {
		t.Fatalf("lock error carries no retry hint: %v", err)
	}
}

func TestLoginRejectsDisabledAccount(t *testing.T) {
	f := newServiceFixture(t)
	reg := f.register(t, "gone@example.com", "Gone")

	f.store.mu.Lock()
	f.store.accounts[reg.Account.ID].Status = StatusDisabled
	f.store.mu.Unlock()

	_, err := f.svc.Login(context.Background(), "gone@example.com", testPassword, RequestMeta{})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("got %v, want ErrInvalidCredentials", err)
	}
}

func TestTwoFactorLifecycle(t *testing.T) {
	f := newServiceFixture(t)
	reg := f.register(t, "tfa@example.com", "TFA")
	ctx := context.Background()
	meta := RequestMeta{}

	setup, err := f.svc.BeginTwoFactorSetup(ctx, reg.Account.ID)
	if err != nil {
		t.Fatalf("begin setup: %v", err)
	}
	if setup.Secret == "" || !strings.HasPrefix(setup.ProvisioningURI, "otpauth://totp/") {
		t.Fatalf("setup = %+v", setup)
	}

	// Enabling demands proof the authenticator was enrolled.
	if _, err := f.svc.EnableTwoFactor(ctx, reg.Account.ID, "000000", meta); !errors.Is(err, ErrInvalidTwoFactorCode) {
		t.Fatalf("enable with bogus code: got %v, want ErrInvalidTwoFactorCode", err)
	}

	recovery, err := f.svc.EnableTwoFactor(ctx, reg.Account.ID, currentCode(t, setup.Secret), meta)
	if err != nil {
		t.Fatalf("enable: %v", err)
	}
	if len(recovery) != recoveryCodeCount {
		t.Fatalf("got %d recovery codes, want %d", len(recovery), recoveryCodeCount)
	}

	// Password alone now yields a challenge, not a session.
	res, err := f.svc.Login(ctx, "tfa@example.com", testPassword, meta)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.Session != nil || res.Challenge == nil || res.Challenge.Email != "tfa@example.com" {
		t.Fatalf("expected challenge, got %+v", res)
	}

	// Finish with the current code.
	session, err := f.svc.VerifyTwoFactorLogin(ctx, "tfa@example.com", currentCode(t, setup.Secret), meta)
	if err != nil {
		t.Fatalf("verify code: %v", err)
	}
	if session.Token == "" {
		t.Fatal("empty session token")
	}

	// Wrong codes count toward lockout and fail distinctly.
	if _, err := f.svc.VerifyTwoFactorLogin(ctx, "tfa@example.com", "000000", meta); !errors.Is(err, ErrInvalidTwoFactorCode) {
		t.Fatalf("got %v, want ErrInvalidTwoFactorCode", err)
	}

	// Disabling requires a current code too.
	if err := f.svc.DisableTwoFactor(ctx, reg.Account.ID, "000000", meta); !errors.Is(err, ErrInvalidTwoFactorCode) {
		t.Fatalf("disable with bogus code: got %v, want ErrInvalidTwoFactorCode", err)
	}
	if err := f.svc.DisableTwoFactor(ctx, reg.Account.ID, currentCode(t, setup.Secret), meta); err != nil {
		t.Fatalf("disable: %v", err)
	}
	res, err = f.svc.Login(ctx, "tfa@example.com", testPassword, meta)
	if err != nil {
		t.Fatalf("login after disable: %v", err)
	}
	if res.Session == nil {
		t.Fatal("expected session after two-factor disabled")
	}
}

func TestRecoveryCodeIsSingleUse(t *testing.T) {
	f := newServiceFixture(t)
	reg := f.register(t, "rec@example.com", "Rec")
	ctx := context.Background()
	meta := RequestMeta{}

	setup, err := f.svc.BeginTwoFactorSetup(ctx, reg.Account.ID)
	if err != nil {
		t.Fatalf("begin setup: %v", err)
	}
	recovery, err := f.svc.EnableTwoFactor(ctx, reg.Account.ID, currentCode(t, setup.Secret), meta)
	if err != nil {
		t.Fatalf("enable: %v", err)
	}

	if _, err := f.svc.VerifyTwoFactorLogin(ctx, "rec@example.com", recovery[0], meta); err != nil {
		t.Fatalf("recovery login: %v", err)
	}
	if _, err := f.svc.VerifyTwoFactorLogin(ctx, "rec@example.com", recovery[0], meta); !errors.Is(err, ErrInvalidTwoFactorCode) {
		t.Fatalf("reused recovery code: got %v, want ErrInvalidTwoFactorCode", err)
	}
	// The rest of the batch is still valid.
	if _, err := f.svc.VerifyTwoFactorLogin(ctx, "rec@example.com", recovery[1], meta); err != nil {
		t.Fatalf("second recovery code: %v", err)
	}
}

type stubProvider struct {
	ext *ExternalIdentity
	err error
}

func (p *stubProvider) Verify(context.Context, string) (*ExternalIdentity, error) {
	return p.ext, p.err
}

func TestFederatedExchangeProvisionsAccount(t *testing.T) {
	provider := &stubProvider{ext: &ExternalIdentity{
		SubjectID:   "idp|123",
		Email:       "fed@example.com",
		DisplayName: "Fed User",
		AvatarURL:   "https://avatars.example.com/fed.png",
	}}
	f := newServiceFixture(t, WithProvider(provider))
	ctx := context.Background()

	res, err := f.svc.ExchangeFederatedSession(ctx, "provider-token", "", RequestMeta{})
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if res.Session == nil {
		t.Fatal("expected session")
	}

	account, err := f.store.Accounts(ctx).FindByEmail(ctx, "fed@example.com")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if account.FederatedSubject != "idp|123" {
		t.Fatalf("federated subject = %q", account.FederatedSubject)
	}
	if account.PasswordHash != "" {
		t.Fatal("federated account has a password hash")
	}

	// Later logins refresh drifted profile fields from the provider.
	provider.ext.DisplayName = "Fed U. Renamed"
	if _, err := f.svc.ExchangeFederatedSession(ctx, "provider-token", "", RequestMeta{}); err != nil {
		t.Fatalf("second exchange: %v", err)
	}
	account, _ = f.store.Accounts(ctx).FindByEmail(ctx, "fed@example.com")
	if account.DisplayName != "Fed U. Renamed" {
		t.Fatalf("display name = %q, want refreshed value", account.DisplayName)
	}
}

func TestPasswordLoginAgainstFederatedAccount(t *testing.T) {
	provider := &stubProvider{ext: &ExternalIdentity{
		SubjectID: "idp|456",
		Email:     "fedonly@example.com",
	}}
	f := newServiceFixture(t, WithProvider(provider))
	ctx := context.Background()

	if _, err := f.svc.ExchangeFederatedSession(ctx, "provider-token", "", RequestMeta{}); err != nil {
		t.Fatalf("exchange: %v", err)
	}

	// A password attempt against an account with no hash is an ordinary
	// mismatch, indistinguishable from a wrong password.
	_, err := f.svc.Login(ctx, "fedonly@example.com", testPassword, RequestMeta{})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("login: got %v, want ErrInvalidCredentials", err)
	}

	// The mismatch counts toward lockout like any other.
	account, err := f.store.Accounts(ctx).FindByEmail(ctx, "fedonly@example.com")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if account.FailedLogins != 1 {
		t.Fatalf("failed logins = %d, want 1", account.FailedLogins)
	}
}

func TestFederatedExchangeFailsClosed(t *testing.T) {
	f := newServiceFixture(t)
	if _, err := f.svc.ExchangeFederatedSession(context.Background(), "token", "", RequestMeta{}); !errors.Is(err, ErrFederatedVerification) {
		t.Fatalf("no provider: got %v, want ErrFederatedVerification", err)
	}

	f = newServiceFixture(t, WithProvider(&stubProvider{err: ErrFederatedVerification}))
	if _, err := f.svc.ExchangeFederatedSession(context.Background(), "token", "", RequestMeta{}); !errors.Is(err, ErrFederatedVerification) {
		t.Fatalf("provider rejection: got %v, want ErrFederatedVerification", err)
	}
}

func TestUpdateProfileWhitelist(t *testing.T) {
	f := newServiceFixture(t)
	reg := f.register(t, "prof@example.com", "Before")

	name := "After"
	avatar := "https://avatars.example.com/a.png"
	account, err := f.svc.UpdateProfile(context.Background(), reg.Account.ID, ProfileUpdate{
		DisplayName: &name,
		AvatarURL:   &avatar,
	}, RequestMeta{})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if account.DisplayName != "After" || account.AvatarURL != avatar {
		t.Fatalf("profile = %q/%q", account.DisplayName, account.AvatarURL)
	}
	if account.Email != "prof@example.com" {
		t.Fatal("email changed through profile update")
	}

	// Partial update leaves the other field alone.
	other := "https://avatars.example.com/b.png"
	account, err = f.svc.UpdateProfile(context.Background(), reg.Account.ID, ProfileUpdate{AvatarURL: &other}, RequestMeta{})
	if err != nil {
		t.Fatalf("partial update: %v", err)
	}
	if account.DisplayName != "After" {
		t.Fatalf("display name reset to %q", account.DisplayName)
	}
}
