package identity

import (
	"errors"
	"fmt"
	"time"
)

// Operational errors surfaced to callers with a stable kind. Store and
// infrastructure failures are wrapped separately and reported as generic
// internal errors at the HTTP boundary.
var (
	ErrDuplicateEmail        = errors.New("identity: email already registered")
	ErrWeakPassword          = errors.New("identity: password too weak")
	ErrInvalidCredentials    = errors.New("identity: invalid credentials")
	ErrAccountLocked         = errors.New("identity: account locked")
	ErrInvalidTwoFactorCode  = errors.New("identity: invalid two-factor code")
	ErrNotAMember            = errors.New("identity: not a member of tenant")
	ErrFederatedVerification = errors.New("identity: federated verification failed")
	ErrTokenInvalid          = errors.New("identity: invalid token")
	ErrTokenExpired          = errors.New("identity: token expired")
	ErrHashFormat            = errors.New("identity: malformed password hash")
	ErrNotFound              = errors.New("identity: not found")
	ErrConflict              = errors.New("identity: already exists")
)

// LockedError reports a rejected attempt against a locked account along with
// the remaining lockout time. It unwraps to ErrAccountLocked.
type LockedError struct {
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("identity: account locked, retry in %ds", int(e.RetryAfter.Seconds()))
}

func (e *LockedError) Unwrap() error { return ErrAccountLocked }
