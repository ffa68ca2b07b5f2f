// Package memory provides the per-user conversational context window used to
// ground every model call in recent history.
//
// A ContextStore owns one ContextWindow per user. Each window keeps at most
// MaxPairs (user, ai) exchanges; older pairs are evicted FIFO and handed to
// the registered eviction hooks. Every exchange also produces a
// ConversationRecord that stays queryable after its pair has left the window.
package memory

import (
	"context"
	"time"
)

// ModelSession turns a fully formatted prompt into a model response.
// It is the only extension point of the context engine.
type ModelSession interface {
	Respond(ctx context.Context, prompt string) (string, error)
}

// ModelSessionFunc adapts a plain function to ModelSession.
type ModelSessionFunc func(ctx context.Context, prompt string) (string, error)

// Respond calls f(ctx, prompt).
func (f ModelSessionFunc) Respond(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Pair is one (user message, ai response) exchange in a window.
type Pair struct {
	User string `json:"user"`
	AI   string `json:"ai"`
}

// EvictionHook is notified when an insertion pushes pairs out of a window.
// recordID is the id of the record whose insertion caused the eviction.
type EvictionHook interface {
	OnEvict(ctx context.Context, userID string, evicted []Pair, recordID string) error
}

// HookFunc adapts a plain function to EvictionHook.
type HookFunc func(ctx context.Context, userID string, evicted []Pair, recordID string) error

// OnEvict calls f.
func (f HookFunc) OnEvict(ctx context.Context, userID string, evicted []Pair, recordID string) error {
	return f(ctx, userID, evicted, recordID)
}

// Observer receives context engine events, typically for metrics.
type Observer interface {
	ObserveChat(success bool, d time.Duration)
	ObserveEviction(pairs int)
	ObserveHookError()
}

type noopObserver struct{}

func (noopObserver) ObserveChat(bool, time.Duration) {}
func (noopObserver) ObserveEviction(int)             {}
func (noopObserver) ObserveHookError()               {}
