// Package quota enforces per-provider daily call budgets shared across all
// concurrent investigations. The tracker refuses calls past the limit for
// the remainder of the day; it never throttles-and-waits.
package quota

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"citywatch/internal/logging"
)

// Store abstracts counter persistence so quota can survive process
// restarts without changing the tracker interface.
type Store interface {
	// Load returns the persisted counters (key -> used count).
	Load() (map[string]int, error)
	// Save persists the counters.
	Save(map[string]int) error
}

// Tracker is the one piece of shared mutable state between investigation
// sessions. TryConsume is a single check-and-increment under the mutex.
type Tracker struct {
	mu            sync.Mutex
	used          map[string]int // "<provider>[/<capability>]/<day>" -> count
	limits        map[string]int // provider id -> daily limit
	loc           *time.Location
	perCapability bool
	store         Store
	now           func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLocation sets the timezone daily windows reset in (default UTC).
func WithLocation(loc *time.Location) Option {
	return func(t *Tracker) { t.loc = loc }
}

// WithPerCapability keys counters by provider AND capability instead of
// one shared pool per provider.
func WithPerCapability() Option {
	return func(t *Tracker) { t.perCapability = true }
}

// WithStore attaches persistence. Existing counters are loaded eagerly.
func WithStore(s Store) Option {
	return func(t *Tracker) { t.store = s }
}

// WithClock overrides time for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New builds a tracker. limits maps provider id to daily limit; providers
// absent from the map are unmetered and TryConsume always succeeds for
// them.
func New(limits map[string]int, opts ...Option) *Tracker {
	t := &Tracker{
		used:   make(map[string]int),
		limits: make(map[string]int, len(limits)),
		loc:    time.UTC,
		now:    time.Now,
	}
	for id, lim := range limits {
		if lim > 0 {
			t.limits[id] = lim
		}
	}
	for _, o := range opts {
		o(t)
	}
	if t.store != nil {
		if counters, err := t.store.Load(); err == nil {
			t.used = counters
		} else {
			logging.Quota("load persisted counters failed, starting empty: %v", err)
		}
	}
	return t
}

// key builds the counter key for the current day. A new day produces a
// fresh key, so reset is implicit: old days are never mutated.
func (t *Tracker) key(providerID, capability string) string {
	day := t.now().In(t.loc).Format("2006-01-02")
	if t.perCapability && capability != "" {
		return providerID + "/" + capability + "/" + day
	}
	return providerID + "/" + day
}

// Metered reports whether the provider is under shared daily accounting.
func (t *Tracker) Metered(providerID string) bool {
	_, ok := t.limits[providerID]
	return ok
}

// TryConsume atomically checks used < limit and increments on success.
// Unmetered providers always succeed without bookkeeping.
func (t *Tracker) TryConsume(providerID, capability string) bool {
	limit, metered := t.limits[providerID]
	if !metered {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	k := t.key(providerID, capability)
	if t.used[k] >= limit {
		logging.Quota("%s refused: %d/%d used", k, t.used[k], limit)
		return false
	}
	t.used[k]++
	t.persistLocked()
	return true
}

// Remaining returns the calls left today, or -1 for unmetered providers.
func (t *Tracker) Remaining(providerID, capability string) int {
	limit, metered := t.limits[providerID]
	if !metered {
		return -1
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	left := limit - t.used[t.key(providerID, capability)]
	if left < 0 {
		left = 0
	}
	return left
}

// Snapshot returns today's usage per counter key, for operator display.
func (t *Tracker) Snapshot() map[string]State {
	t.mu.Lock()
	defer t.mu.Unlock()

	day := t.now().In(t.loc).Format("2006-01-02")
	out := make(map[string]State)
	for k, used := range t.used {
		if !strings.HasSuffix(k, day) {
			continue
		}
		providerID := strings.SplitN(k, "/", 2)[0]
		out[k] = State{
			ProviderID: providerID,
			Date:       day,
			UsedCount:  used,
			DailyLimit: t.limits[providerID],
		}
	}
	return out
}

// State is one provider's quota standing for one day.
type State struct {
	ProviderID string `json:"provider_id"`
	Date       string `json:"date"`
	UsedCount  int    `json:"used_count"`
	DailyLimit int    `json:"daily_limit"`
}

func (s State) String() string {
	return fmt.Sprintf("%s %s: %d/%d", s.ProviderID, s.Date, s.UsedCount, s.DailyLimit)
}

// persistLocked saves counters after pruning days older than yesterday.
// Caller must hold the mutex. Persistence failures are logged, never
// surfaced.
func (t *Tracker) persistLocked() {
	if t.store == nil {
		return
	}
	cutoff := t.now().In(t.loc).AddDate(0, 0, -1).Format("2006-01-02")
	for k := range t.used {
		parts := strings.Split(k, "/")
		if day := parts[len(parts)-1]; day < cutoff {
			delete(t.used, k)
		}
	}
	if err := t.store.Save(t.used); err != nil {
		logging.Quota("persist counters failed: %v", err)
	}
}
