// Package ratelimit implements fixed-window request counters keyed by
// subject id or source address.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLimited is the sentinel all governor rejections unwrap to.
var ErrLimited = errors.New("ratelimit: too many requests")

// LimitedError reports a rejected request and when the window resets.
type LimitedError struct {
	RetryAfter time.Duration
}

func (e *LimitedError) Error() string {
	return fmt.Sprintf("ratelimit: too many requests, retry in %ds", int(e.RetryAfter.Seconds()))
}

func (e *LimitedError) Unwrap() error { return ErrLimited }

type window struct {
	count   int
	resetAt time.Time
}

// Governor counts requests per key within a fixed window. All handlers share
// one Governor per concern; the map is guarded by a single mutex since the
// critical section is a map lookup and an integer increment.
type Governor struct {
	mu      sync.Mutex
	windows map[string]*window

	ceiling int
	span    time.Duration
	now     func() time.Time

	stop chan struct{}
	once sync.Once
}

// sweepEvery bounds how long an expired window can linger before eviction.
const sweepEvery = time.Minute

// New constructs a Governor allowing ceiling requests per span for each key
// and starts its eviction sweep. Call Close when done.
func New(ceiling int, span time.Duration) *Governor {
	g := &Governor{
		windows: make(map[string]*window),
		ceiling: ceiling,
		span:    span,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go g.sweep()
	return g
}

// Allow admits or rejects one request for key. The first request of a window
// initializes count=1; requests past the ceiling fail with a LimitedError
// carrying the time until the window resets.
func (g *Governor) Allow(key string) error {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()

	w, ok := g.windows[key]
	if !ok || now.After(w.resetAt) {
		g.windows[key] = &window{count: 1, resetAt: now.Add(g.span)}
		return nil
	}
	w.count++
	if w.count > g.ceiling {
		return &LimitedError{RetryAfter: w.resetAt.Sub(now)}
	}
	return nil
}

// Close stops the eviction sweep.
func (g *Governor) Close() {
	g.once.Do(func() { close(g.stop) })
}

// sweep evicts keys whose window has been expired for longer than one
// additional window length, bounding memory growth under churning keys.
func (g *Governor) sweep() {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.evictExpired()
		}
	}
}

func (g *Governor) evictExpired() {
	cutoff := g.now().Add(-g.span)
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, w := range g.windows {
		if w.resetAt.Before(cutoff) {
			delete(g.windows, key)
		}
	}
}

// size reports the tracked key count, for tests.
func (g *Governor) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.windows)
}
