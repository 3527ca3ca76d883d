// Package session owns local session identity, idle-gap detection and
// start/stop timing for behaviors that carry a duration.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/oochihiro/pychatcat/internal/models"
	"github.com/oochihiro/pychatcat/internal/taxonomy"
)

// DefaultIdleThreshold is the gap between two calls that counts as idle time.
const DefaultIdleThreshold = 60 * time.Second

// NewID derives a local session id from the wall clock and the user id.
func NewID(now time.Time, userID string) models.SessionID {
	if userID == "" {
		userID = models.AnonymousUser
	}
	return models.SessionID(fmt.Sprintf("session_%d_%s", now.Unix(), userID))
}

// Tracker keeps the last-activity time and the pending behavior starts of
// one running session. It is safe for concurrent use.
type Tracker struct {
	mu           sync.Mutex
	now          func() time.Time
	threshold    time.Duration
	lastActivity time.Time
	pending      map[taxonomy.Code]time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithIdleThreshold overrides DefaultIdleThreshold. Non-positive values are ignored.
func WithIdleThreshold(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.threshold = d
		}
	}
}

// NewTracker creates a Tracker whose last activity is now.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		now:       time.Now,
		threshold: DefaultIdleThreshold,
		pending:   make(map[taxonomy.Code]time.Time),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.lastActivity = t.now()
	return t
}

// Threshold returns the idle threshold in use.
func (t *Tracker) Threshold() time.Duration {
	return t.threshold
}

// Touch records an activity at the current time. When the gap since the
// previous activity reaches the idle threshold it returns the gap and true.
func (t *Tracker) Touch() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	gap := now.Sub(t.lastActivity)
	t.lastActivity = now
	if gap >= t.threshold {
		return gap, true
	}
	return 0, false
}

// Start records the start time of code, replacing any earlier pending start.
func (t *Tracker) Start(code taxonomy.Code) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[code] = t.now()
}

// End removes the pending start of code and returns the elapsed seconds.
// It returns nil when no start is pending.
func (t *Tracker) End(code taxonomy.Code) *float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	started, ok := t.pending[code]
	if !ok {
		return nil
	}
	delete(t.pending, code)
	return models.Float(t.now().Sub(started).Seconds())
}

// Pending reports whether code has an unmatched start.
func (t *Tracker) Pending(code taxonomy.Code) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[code]
	return ok
}

// Reset clears pending starts and restarts the idle clock.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = make(map[taxonomy.Code]time.Time)
	t.lastActivity = t.now()
}
