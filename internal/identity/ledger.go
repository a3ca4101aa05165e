package identity

import (
	"context"
	"strconv"
	"time"

	"planora.org/internal/ids"
	"planora.org/internal/obs"
)

// Security event kinds appended by the ledger and the issuer.
const (
	EventRegistration       = "registration_succeeded"
	EventLoginSucceeded     = "login_succeeded"
	EventLoginFailed        = "login_failed"
	EventAccountLocked      = "account_locked"
	EventAccountUnlocked    = "account_unlocked"
	EventTwoFactorChallenge = "two_factor_challenge"
	EventTwoFactorFailed    = "two_factor_failed"
	EventTwoFactorEnabled   = "two_factor_enabled"
	EventTwoFactorDisabled  = "two_factor_disabled"
	EventRecoveryCodeUsed   = "recovery_code_used"
	EventFederatedLogin     = "federated_login"
	EventProfileUpdated     = "profile_updated"
	EventTenantSwitched     = "tenant_switched"
	EventLogout             = "logout"
)

const (
	ledgerQueueSize    = 256
	ledgerWriteTimeout = 5 * time.Second
)

// Ledger records authentication events and enforces failed-attempt lockout.
//
// Event persistence is best-effort: entries flow through a buffered channel
// to a single writer goroutine, are attempted with a background context so a
// client disconnect cannot abandon them, and failures are logged and
// swallowed. An audit outage must never block authentication.
type Ledger struct {
	store     Store
	threshold int
	lockFor   time.Duration
	now       func() time.Time

	queue chan *SecurityEvent
	done  chan struct{}
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithLedgerClock overrides the time source, for tests.
func WithLedgerClock(fn func() time.Time) LedgerOption {
	return func(l *Ledger) {
		if fn != nil {
			l.now = fn
		}
	}
}

// NewLedger constructs the ledger and starts its event writer. Call Close to
// flush and stop it.
func NewLedger(store Store, threshold int, lockFor time.Duration, opts ...LedgerOption) *Ledger {
	if threshold <= 0 {
		threshold = 5
	}
	if lockFor <= 0 {
		lockFor = 30 * time.Minute
	}
	l := &Ledger{
		store:     store,
		threshold: threshold,
		lockFor:   lockFor,
		now:       time.Now,
		queue:     make(chan *SecurityEvent, ledgerQueueSize),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.run()
	return l
}

func (l *Ledger) run() {
	defer close(l.done)
	for ev := range l.queue {
		ctx, cancel := context.WithTimeout(context.Background(), ledgerWriteTimeout)
		if err := l.store.SecurityEvents(ctx).Append(ctx, ev); err != nil {
			obs.LogEvent("security_event_write_failed", map[string]any{
				"kind":  ev.Kind,
				"error": err.Error(),
			})
		}
		cancel()
	}
}

// Close drains pending events and stops the writer.
func (l *Ledger) Close() {
	close(l.queue)
	<-l.done
}

// Emit queues a security event for persistence. Emit never blocks: when the
// queue is full the event is dropped with a log line.
func (l *Ledger) Emit(ev SecurityEvent) {
	ev.ID = ids.New()
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = l.now().UTC()
	}
	select {
	case l.queue <- &ev:
	default:
		obs.LogEvent("security_event_dropped", map[string]any{"kind": ev.Kind})
	}
}

// Gate rejects attempts against a locked account. An expired lock is cleared
// before the new attempt is evaluated, transitioning the account back to the
// unlocked state.
func (l *Ledger) Gate(ctx context.Context, a *Account, meta RequestMeta) error {
	if a.LockedUntil == nil {
		return nil
	}
	now := l.now().UTC()
	if now.Before(*a.LockedUntil) {
		return &LockedError{RetryAfter: a.LockedUntil.Sub(now)}
	}
	if err := l.store.Accounts(ctx).ResetLockout(ctx, a.ID); err != nil {
		return err
	}
	a.FailedLogins = 0
	a.LockedUntil = nil
	l.Emit(SecurityEvent{
		AccountID:  a.ID,
		Email:      a.Email,
		Kind:       EventAccountUnlocked,
		SourceAddr: meta.SourceAddr,
		UserAgent:  meta.UserAgent,
		Success:    true,
	})
	return nil
}

// RecordFailure counts a failed attempt. It reports whether this attempt
// crossed the lockout threshold; the increment is atomic at the store so a
// concurrent burst locks exactly once.
func (l *Ledger) RecordFailure(ctx context.Context, a *Account, kind string, meta RequestMeta) (locked bool, err error) {
	lockUntil := l.now().UTC().Add(l.lockFor)
	count, lockedUntil, err := l.store.Accounts(ctx).RecordFailedLogin(ctx, a.ID, l.threshold, lockUntil)
	if err != nil {
		return false, err
	}
	l.Emit(SecurityEvent{
		AccountID:  a.ID,
		Email:      a.Email,
		Kind:       kind,
		SourceAddr: meta.SourceAddr,
		UserAgent:  meta.UserAgent,
		Detail:     "failure " + strconv.Itoa(count) + " of " + strconv.Itoa(l.threshold),
	})
	if count == l.threshold && lockedUntil != nil {
		obs.AccountLockouts.Inc()
		l.Emit(SecurityEvent{
			AccountID:  a.ID,
			Email:      a.Email,
			Kind:       EventAccountLocked,
			SourceAddr: meta.SourceAddr,
			UserAgent:  meta.UserAgent,
			Detail:     "locked until " + lockedUntil.UTC().Format(time.RFC3339),
		})
		return true, nil
	}
	return false, nil
}

// RecordSuccess resets lockout state after a successful authentication.
func (l *Ledger) RecordSuccess(ctx context.Context, a *Account, kind string, meta RequestMeta) error {
	if a.FailedLogins > 0 || a.LockedUntil != nil {
		if err := l.store.Accounts(ctx).ResetLockout(ctx, a.ID); err != nil {
			return err
		}
		a.FailedLogins = 0
		a.LockedUntil = nil
	}
	l.Emit(SecurityEvent{
		AccountID:  a.ID,
		Email:      a.Email,
		Kind:       kind,
		SourceAddr: meta.SourceAddr,
		UserAgent:  meta.UserAgent,
		Success:    true,
	})
	return nil
}
