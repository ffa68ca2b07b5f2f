package aggregator

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
)

// MessageProcessor transforms the normalized text of a flushed batch.
// An empty result contributes nothing to the batch text.
type MessageProcessor func(ctx context.Context, userID, text string) (string, error)

type processorEntry struct {
	id   uint64
	name string
	fn   MessageProcessor
}

// ProcessorHandle identifies a registered processor.
type ProcessorHandle struct {
	id uint64
	p  *pipeline
}

// Remove unregisters the processor. It is safe to call more than once.
func (h ProcessorHandle) Remove() {
	if h.p == nil {
		return
	}
	h.p.remove(h.id)
}

// pipeline is the ordered processor list. Reads load a snapshot, writes
// replace it.
type pipeline struct {
	agg *Aggregator

	mu      sync.Mutex
	entries atomic.Pointer[[]processorEntry]
	nextID  uint64
}

func (p *pipeline) init(agg *Aggregator) {
	p.agg = agg
	empty := []processorEntry{}
	p.entries.Store(&empty)
}

func (p *pipeline) add(name string, fn MessageProcessor) ProcessorHandle {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	current := *p.entries.Load()
	next := make([]processorEntry, len(current), len(current)+1)
	copy(next, current)
	next = append(next, processorEntry{id: p.nextID, name: name, fn: fn})
	p.entries.Store(&next)
	return ProcessorHandle{id: p.nextID, p: p}
}

func (p *pipeline) remove(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	current := *p.entries.Load()
	next := make([]processorEntry, 0, len(current))
	for _, e := range current {
		if e.id != id {
			next = append(next, e)
		}
	}
	p.entries.Store(&next)
}

// RegisterMessageProcessor appends a processor. Processors run in
// registration order.
func (a *Aggregator) RegisterMessageProcessor(name string, fn MessageProcessor) ProcessorHandle {
	return a.pipeline.add(name, fn)
}

// Process runs every processor over text, in registration order, and
// concatenates their non-empty outputs with no separator. A failing
// processor is logged and skipped.
func (a *Aggregator) Process(ctx context.Context, userID, text string) string {
	var b strings.Builder
	for _, e := range *a.pipeline.entries.Load() {
		out, err := a.runProcessor(ctx, e, userID, text)
		if err != nil {
			a.observer.ObserveProcessorError(e.name)
			a.logger.Warn("aggregator: message processor failed",
				"processor", e.name,
				"user_id", userID,
				"error", err,
			)
			continue
		}
		b.WriteString(out)
	}
	return b.String()
}

func (a *Aggregator) runProcessor(ctx context.Context, e processorEntry, userID, text string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("aggregator: message processor panicked",
				"processor", e.name,
				"user_id", userID,
				"stack", string(debug.Stack()),
			)
			out, err = "", fmt.Errorf("processor %s panicked: %v", e.name, r)
		}
	}()
	return e.fn(ctx, userID, text)
}
