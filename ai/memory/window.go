package memory

import (
	"sort"
	"sync"
	"time"
)

// DefaultMaxPairs is used when a non-positive window capacity is configured.
const DefaultMaxPairs = 10

// ContextWindow is the bounded history of one user.
//
// history never holds more than maxPairs entries. records indexes every
// exchange ever recorded for the user and is not pruned by window eviction,
// only by clear or an explicit retention policy (see ContextStore.PruneRecords).
type ContextWindow struct {
	// turn serializes chat turns so prompt building, the model call and the
	// append are consistent for a user. Reads only take mu.
	turn sync.Mutex

	mu       sync.RWMutex
	maxPairs int
	history  []Pair
	records  map[string]*ConversationRecord
}

func newContextWindow(maxPairs int) *ContextWindow {
	if maxPairs <= 0 {
		maxPairs = DefaultMaxPairs
	}
	return &ContextWindow{
		maxPairs: maxPairs,
		history:  make([]Pair, 0, maxPairs),
		records:  make(map[string]*ConversationRecord),
	}
}

// addPair appends one exchange and returns the pairs evicted to make room.
// Exactly max(0, len(history)+1-maxPairs) leading pairs are removed.
func (w *ContextWindow) addPair(user, ai string, rec *ConversationRecord) []Pair {
	w.mu.Lock()
	defer w.mu.Unlock()

	var removed []Pair
	if n := len(w.history) + 1 - w.maxPairs; n > 0 {
		removed = make([]Pair, n)
		copy(removed, w.history[:n])

		kept := make([]Pair, len(w.history)-n, w.maxPairs)
		copy(kept, w.history[n:])
		w.history = kept
	}

	w.history = append(w.history, Pair{User: user, AI: ai})
	w.records[rec.ID] = rec
	return removed
}

// snapshot returns a copy of the active history.
func (w *ContextWindow) snapshot() []Pair {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]Pair, len(w.history))
	copy(out, w.history)
	return out
}

func (w *ContextWindow) record(id string) (*ConversationRecord, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	rec, ok := w.records[id]
	return rec, ok
}

// allRecords returns the record index ordered by start time.
func (w *ContextWindow) allRecords() []*ConversationRecord {
	w.mu.RLock()
	out := make([]*ConversationRecord, 0, len(w.records))
	for _, rec := range w.records {
		out = append(out, rec)
	}
	w.mu.RUnlock()

	sortByStart(out)
	return out
}

func (w *ContextWindow) clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.history = make([]Pair, 0, w.maxPairs)
	w.records = make(map[string]*ConversationRecord)
}

// pruneRecords applies the retention policy to the record index and
// returns the number of records dropped. Zero values disable a limit.
func (w *ContextWindow) pruneRecords(maxRecords int, ttl time.Duration, now time.Time) int {
	if maxRecords <= 0 && ttl <= 0 {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	dropped := 0
	if ttl > 0 {
		cutoff := now.Add(-ttl)
		for id, rec := range w.records {
			if rec.StartTime.Before(cutoff) {
				delete(w.records, id)
				dropped++
			}
		}
	}

	if maxRecords > 0 && len(w.records) > maxRecords {
		ordered := make([]*ConversationRecord, 0, len(w.records))
		for _, rec := range w.records {
			ordered = append(ordered, rec)
		}
		sortByStart(ordered)
		for _, rec := range ordered[:len(ordered)-maxRecords] {
			delete(w.records, rec.ID)
			dropped++
		}
	}
	return dropped
}

func sortByStart(records []*ConversationRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].StartTime.Equal(records[j].StartTime) {
			return records[i].ID < records[j].ID
		}
		return records[i].StartTime.Before(records[j].StartTime)
	})
}
