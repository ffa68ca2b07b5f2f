// Package metrics tracks per-platform delivery health for chat channels.
// The snapshots back the /healthz endpoint; counters for dashboards live in
// ai/metrics.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/hrygo/kbot/plugin/chat_apps"
)

// EventType represents the type of channel event being tracked.
type EventType string

const (
	EventReceived      EventType = "received"
	EventValidated     EventType = "validated"
	EventParseError    EventType = "parse_error"
	EventIngested      EventType = "ingested"
	EventResponseSent  EventType = "response_sent"
	EventResponseError EventType = "response_error"
)

const maxRecentErrors = 10

// ErrorRecord records details of an error.
type ErrorRecord struct {
	Timestamp time.Time `json:"timestamp"`
	EventType EventType `json:"event_type"`
	Error     string    `json:"error"`
}

type channelStats struct {
	received       int64
	validated      int64
	parseErrors    int64
	ingested       int64
	responsesSent  int64
	responseErrors int64

	lastReceived time.Time
	lastError    time.Time
	recentErrors []ErrorRecord
}

// Registry holds delivery stats for every platform that produced an event.
type Registry struct {
	mu    sync.Mutex
	stats map[chat_apps.Platform]*channelStats
	now   func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		stats: make(map[chat_apps.Platform]*channelStats),
		now:   time.Now,
	}
}

// RecordEvent records a channel event. err is kept for error events only.
func (r *Registry) RecordEvent(platform chat_apps.Platform, eventType EventType, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.stats[platform]
	if !ok {
		s = &channelStats{recentErrors: make([]ErrorRecord, 0, maxRecentErrors)}
		r.stats[platform] = s
	}

	now := r.now()
	switch eventType {
	case EventReceived:
		s.received++
		s.lastReceived = now
	case EventValidated:
		s.validated++
	case EventParseError:
		s.parseErrors++
		s.addError(now, eventType, err)
	case EventIngested:
		s.ingested++
	case EventResponseSent:
		s.responsesSent++
	case EventResponseError:
		s.responseErrors++
		s.addError(now, eventType, err)
	}
}

func (s *channelStats) addError(ts time.Time, eventType EventType, err error) {
	s.lastError = ts
	if err == nil {
		return
	}
	s.recentErrors = append(s.recentErrors, ErrorRecord{Timestamp: ts, EventType: eventType, Error: err.Error()})
	if len(s.recentErrors) > maxRecentErrors {
		s.recentErrors = s.recentErrors[1:]
	}
}

// Snapshot is a point-in-time copy of one platform's stats.
type Snapshot struct {
	Platform       chat_apps.Platform `json:"platform"`
	Received       int64              `json:"received"`
	Validated      int64              `json:"validated"`
	ParseErrors    int64              `json:"parse_errors"`
	Ingested       int64              `json:"ingested"`
	ResponsesSent  int64              `json:"responses_sent"`
	ResponseErrors int64              `json:"response_errors"`
	LastReceived   time.Time          `json:"last_received,omitzero"`
	LastError      time.Time          `json:"last_error,omitzero"`
	RecentErrors   []ErrorRecord      `json:"recent_errors,omitempty"`
}

// Get returns the snapshot for platform, or nil when it has no events.
func (r *Registry) Get(platform chat_apps.Platform) *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.stats[platform]
	if !ok {
		return nil
	}
	return s.snapshot(platform)
}

// All returns snapshots of every platform, ordered by platform name.
func (r *Registry) All() []*Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Snapshot, 0, len(r.stats))
	for p, s := range r.stats {
		out = append(out, s.snapshot(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out
}

func (s *channelStats) snapshot(p chat_apps.Platform) *Snapshot {
	return &Snapshot{
		Platform:       p,
		Received:       s.received,
		Validated:      s.validated,
		ParseErrors:    s.parseErrors,
		Ingested:       s.ingested,
		ResponsesSent:  s.responsesSent,
		ResponseErrors: s.responseErrors,
		LastReceived:   s.lastReceived,
		LastError:      s.lastError,
		RecentErrors:   append([]ErrorRecord(nil), s.recentErrors...),
	}
}

// SuccessRate is validated / received as a percentage.
func (s *Snapshot) SuccessRate() float64 {
	if s.Received == 0 {
		return 100.0
	}
	return float64(s.Validated) / float64(s.Received) * 100.0
}

// ErrorRate is failed replies / attempted replies as a percentage.
func (s *Snapshot) ErrorRate() float64 {
	total := s.ResponsesSent + s.ResponseErrors
	if total == 0 {
		return 0.0
	}
	return float64(s.ResponseErrors) / float64(total) * 100.0
}
