package identity

import "planora.org/internal/obs"

// Notifier dispatches account emails. Calls are fire-and-forget: the issuer
// never depends on their success.
type Notifier interface {
	SendWelcome(email, name string)
	SendLockoutNotice(email string)
}

// LogNotifier records notifications as log lines. It stands in for the
// platform's mail service in local runs and tests.
type LogNotifier struct{}

func (LogNotifier) SendWelcome(email, name string) {
	obs.LogEvent("notify_welcome", map[string]any{"email": email, "name": name})
}

func (LogNotifier) SendLockoutNotice(email string) {
	obs.LogEvent("notify_lockout", map[string]any{"email": email})
}
