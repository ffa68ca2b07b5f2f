package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hrygo/kbot/plugin/chat_apps"
)

// Batch is the processed content of one flush.
type Batch struct {
	UserID string
	// Units are the flushed units, in ingestion order.
	Units []chat_apps.KMessage
	// Text is the concatenated processor output. Never empty.
	Text string
}

// Last returns the most recent unit of the batch.
func (b Batch) Last() chat_apps.KMessage {
	if len(b.Units) == 0 {
		return chat_apps.KMessage{}
	}
	return b.Units[len(b.Units)-1]
}

// FlushHandler consumes a processed batch, typically by sending it to the
// context store and delivering the reply. An error fails the flush; the
// batch is dropped.
type FlushHandler func(ctx context.Context, batch Batch) error

// SchedulerConfig configures the flush scheduler.
type SchedulerConfig struct {
	// Interval is the inactivity interval after which a user is flushed.
	Interval time.Duration

	// TickInterval is how often users are scanned.
	TickInterval time.Duration

	// MaxConcurrentFlushes bounds flushes in flight across users.
	MaxConcurrentFlushes int
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:             5 * time.Second,
		TickInterval:         time.Second,
		MaxConcurrentFlushes: 8,
	}
}

// Scheduler is the single background worker that flushes quiet users.
//
// Each flush runs in its own goroutine so a slow model call for one user
// never delays the scan of the others. A user is not claimed again until
// its previous flush has returned.
type Scheduler struct {
	agg     *Aggregator
	handler FlushHandler
	config  SchedulerConfig
	logger  *slog.Logger

	sem     *semaphore.Weighted
	flushes sync.WaitGroup
	// resume is the first user the next scan visits. Only the scan
	// goroutine touches it.
	resume string

	running atomic.Bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewScheduler creates a flush scheduler for agg.
func NewScheduler(agg *Aggregator, handler FlushHandler, cfg SchedulerConfig) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.MaxConcurrentFlushes <= 0 {
		cfg.MaxConcurrentFlushes = def.MaxConcurrentFlushes
	}

	return &Scheduler{
		agg:     agg,
		handler: handler,
		config:  cfg,
		logger:  agg.logger,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrentFlushes)),
	}
}

// Start starts the scan loop. Flushes run on a context detached from
// ctx's cancellation so Stop can let them finish.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return // Already running
	}

	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(context.WithoutCancel(ctx), s.stopCh, s.done)

	s.logger.Info("aggregator: flush scheduler started",
		"interval", s.config.Interval,
		"tick", s.config.TickInterval,
		"max_concurrent_flushes", s.config.MaxConcurrentFlushes,
	)
}

// Stop stops scanning, lets the current tick finish and waits for the
// flushes in flight.
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return // Not running
	}

	close(s.stopCh)
	<-s.done
	s.flushes.Wait()

	s.logger.Info("aggregator: flush scheduler stopped")
}

// Run starts the scheduler and blocks until ctx is cancelled, then stops
// it. It always returns nil.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start(ctx)
	<-ctx.Done()
	s.Stop()
	return nil
}

// run is the scan loop.
func (s *Scheduler) run(ctx context.Context, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-stopCh:
			return
		}
	}
}

// tick performs a single scan. A panic is logged and the loop continues.
func (s *Scheduler) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("aggregator: scheduler tick panicked",
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	s.scan(ctx, s.agg.now())
}

// scan claims every user that has been quiet for the interval and starts
// its flush.
func (s *Scheduler) scan(ctx context.Context, now time.Time) {
	users := s.agg.Users()
	start := 0
	if s.resume != "" {
		start = sort.SearchStrings(users, s.resume)
	}
	s.resume = ""

	for i := range users {
		userID := users[(start+i)%len(users)]
		// At capacity: leave the batch queued and start here next tick.
		if !s.sem.TryAcquire(1) {
			s.resume = userID
			break
		}
		units, ok := s.agg.claim(userID, now, s.config.Interval)
		if !ok {
			s.sem.Release(1)
			continue
		}

		s.flushes.Add(1)
		go s.flush(ctx, userID, units)
	}

	s.agg.observer.SetPendingUsers(s.agg.reap(now, s.config.Interval))
}

// flush runs the processors over one claimed batch and hands the result to
// the handler.
func (s *Scheduler) flush(ctx context.Context, userID string, units []chat_apps.KMessage) {
	start := time.Now()
	status := FlushStatusOK

	defer s.flushes.Done()
	defer s.sem.Release(1)
	defer s.agg.release(userID)
	defer func() {
		if r := recover(); r != nil {
			status = FlushStatusPanic
			s.logger.Error("aggregator: flush panicked",
				"user_id", userID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
		s.agg.observer.ObserveFlush(status, time.Since(start))
	}()

	text := s.agg.Process(ctx, userID, chat_apps.RenderUnits(units))
	if text == "" {
		status = FlushStatusEmpty
		s.logger.Debug("aggregator: batch produced no text", "user_id", userID, "units", len(units))
		return
	}

	if err := s.handler(ctx, Batch{UserID: userID, Units: units, Text: text}); err != nil {
		status = FlushStatusFailed
		s.logger.Warn("aggregator: flush failed, batch dropped",
			"user_id", userID,
			"units", len(units),
			"error", fmt.Errorf("handle batch: %w", err),
		)
	}
}
