// Package aggregator debounces the message fragments a user sends in quick
// succession and flushes them as one batch once the user has gone quiet.
//
// Ingest is the producer side and is called from channel callbacks. A
// Scheduler scans the known users on a fixed tick and flushes every user
// whose last append is older than the inactivity interval.
package aggregator

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hrygo/kbot/plugin/chat_apps"
)

// Flush outcomes reported to the Observer.
const (
	FlushStatusOK     = "ok"
	FlushStatusEmpty  = "empty"
	FlushStatusFailed = "failed"
	FlushStatusPanic  = "panic"
)

// Observer receives aggregator events, typically for metrics.
type Observer interface {
	ObserveIngest(kind chat_apps.MessageKind)
	ObserveFlush(status string, d time.Duration)
	ObserveProcessorError(processor string)
	SetPendingUsers(n int)
}

type noopObserver struct{}

func (noopObserver) ObserveIngest(chat_apps.MessageKind) {}
func (noopObserver) ObserveFlush(string, time.Duration)  {}
func (noopObserver) ObserveProcessorError(string)        {}
func (noopObserver) SetPendingUsers(int)                 {}

// userQueue is the pending batch of one user.
//
// lastActivity is only ever set by an append. A flush empties units but
// leaves lastActivity alone.
type userQueue struct {
	mu           sync.Mutex
	units        []chat_apps.KMessage
	lastActivity time.Time
	flushing     bool
}

func (q *userQueue) append(units []chat_apps.KMessage, now time.Time) {
	q.mu.Lock()
	q.units = append(q.units, units...)
	q.lastActivity = now
	q.mu.Unlock()
}

// Aggregator holds the pending units of every user.
// Safe for concurrent use.
type Aggregator struct {
	// mu guards the users map. Ingest holds the read lock for the whole
	// append so an idle queue is never reaped under a concurrent producer.
	mu    sync.RWMutex
	users map[string]*userQueue

	now      func() time.Time
	logger   *slog.Logger
	observer Observer

	pipeline pipeline
}

// Option customizes an Aggregator.
type Option func(*Aggregator)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithObserver sets the event observer.
func WithObserver(o Observer) Option {
	return func(a *Aggregator) {
		if o != nil {
			a.observer = o
		}
	}
}

// New creates an empty Aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		users:    make(map[string]*userQueue),
		now:      time.Now,
		logger:   slog.Default(),
		observer: noopObserver{},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.pipeline.init(a)
	return a
}

// Ingest appends units to the pending queue of userID and refreshes its
// last-activity time. An empty units slice is a no-op.
func (a *Aggregator) Ingest(userID string, units []chat_apps.KMessage) {
	if len(units) == 0 {
		return
	}

	a.mu.RLock()
	if q, ok := a.users[userID]; ok {
		q.append(units, a.now())
		a.mu.RUnlock()
	} else {
		a.mu.RUnlock()
		a.mu.Lock()
		q, ok = a.users[userID]
		if !ok {
			q = &userQueue{}
			a.users[userID] = q
		}
		q.append(units, a.now())
		a.mu.Unlock()
	}

	for _, u := range units {
		a.observer.ObserveIngest(u.Kind)
	}
}

// claim swaps out the pending batch of a user whose last append is at least
// interval before now. A user already flushing is never claimed, which keeps
// batches of one user in order.
func (a *Aggregator) claim(userID string, now time.Time, interval time.Duration) ([]chat_apps.KMessage, bool) {
	a.mu.RLock()
	q, ok := a.users[userID]
	a.mu.RUnlock()
	if !ok {
		return nil, false
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.flushing || len(q.units) == 0 || now.Sub(q.lastActivity) < interval {
		return nil, false
	}
	batch := q.units
	q.units = nil
	q.flushing = true
	return batch, true
}

// release marks the flush of userID as finished.
func (a *Aggregator) release(userID string) {
	a.mu.RLock()
	q, ok := a.users[userID]
	a.mu.RUnlock()
	if !ok {
		return
	}
	q.mu.Lock()
	q.flushing = false
	q.mu.Unlock()
}

// reap drops queues that are empty, not flushing and quiet for at least
// interval, and reports the number of users with pending units.
func (a *Aggregator) reap(now time.Time, interval time.Duration) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	pending := 0
	for id, q := range a.users {
		q.mu.Lock()
		switch {
		case len(q.units) > 0:
			pending++
		case !q.flushing && now.Sub(q.lastActivity) >= interval:
			delete(a.users, id)
		}
		q.mu.Unlock()
	}
	return pending
}

// Users returns the ids of users with a queue, sorted.
func (a *Aggregator) Users() []string {
	a.mu.RLock()
	ids := make([]string, 0, len(a.users))
	for id := range a.users {
		ids = append(ids, id)
	}
	a.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Pending returns a copy of the units waiting for userID.
func (a *Aggregator) Pending(userID string) []chat_apps.KMessage {
	a.mu.RLock()
	q, ok := a.users[userID]
	a.mu.RUnlock()
	if !ok {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]chat_apps.KMessage, len(q.units))
	copy(out, q.units)
	return out
}
