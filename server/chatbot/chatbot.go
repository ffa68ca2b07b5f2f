// Package chatbot wires the pieces of the bot together: inbound events are
// queued in the aggregator, quiet users are flushed through the processors
// into a scoped context store, and the model's answer is sent back through
// the channel the conversation came from.
package chatbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hrygo/kbot/ai/memory"
	"github.com/hrygo/kbot/internal/scope"
	"github.com/hrygo/kbot/plugin/chat_apps"
	"github.com/hrygo/kbot/plugin/chat_apps/aggregator"
	"github.com/hrygo/kbot/plugin/chat_apps/channels"
	chatmetrics "github.com/hrygo/kbot/plugin/chat_apps/metrics"
	"github.com/hrygo/kbot/plugin/chat_apps/processors"
)

// DefaultResetReply confirms a /reset command.
const DefaultResetReply = "Context cleared."

// Metrics receives every event the bot produces.
type Metrics interface {
	aggregator.Observer
	memory.Observer
	ObserveRejected(platform chat_apps.Platform, segmentType string)
	ObserveSendError(platform chat_apps.Platform)
}

type noopMetrics struct{}

func (noopMetrics) ObserveIngest(chat_apps.MessageKind)        {}
func (noopMetrics) ObserveFlush(string, time.Duration)         {}
func (noopMetrics) ObserveProcessorError(string)               {}
func (noopMetrics) SetPendingUsers(int)                        {}
func (noopMetrics) ObserveChat(bool, time.Duration)            {}
func (noopMetrics) ObserveEviction(int)                        {}
func (noopMetrics) ObserveHookError()                          {}
func (noopMetrics) ObserveRejected(chat_apps.Platform, string) {}
func (noopMetrics) ObserveSendError(chat_apps.Platform)        {}

// Config configures the bot.
type Config struct {
	Scheduler aggregator.SchedulerConfig
	// Context is the base context configuration; SystemPrompt is taken
	// from SystemPrompts per scope.
	Context       memory.Config
	SystemPrompts map[chat_apps.SenderKind]string
	// ChatFilter is a CEL expression over user_id and text.
	ChatFilter      string
	JanitorInterval time.Duration
	ResetReply      string
}

// ArchiveFunc returns the eviction hook for a scope.
type ArchiveFunc func(scope string) memory.EvictionHook

// Option customizes a Bot.
type Option func(*Bot)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bot) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(b *Bot) {
		if m != nil {
			b.metrics = m
		}
	}
}

// WithHealth sets the per-platform delivery tracker.
func WithHealth(r *chatmetrics.Registry) Option {
	return func(b *Bot) {
		if r != nil {
			b.health = r
		}
	}
}

// WithArchive registers an eviction hook on every context store. It may be
// given more than once.
func WithArchive(fn ArchiveFunc) Option {
	return func(b *Bot) {
		if fn != nil {
			b.archives = append(b.archives, fn)
		}
	}
}

// WithClock sets the aggregator clock.
func WithClock(now func() time.Time) Option {
	return func(b *Bot) {
		if now != nil {
			b.now = now
		}
	}
}

// Bot owns the aggregator, the flush scheduler and the context stores.
type Bot struct {
	cfg     Config
	session memory.ModelSession
	router  *channels.ChannelRouter

	agg       *aggregator.Aggregator
	scheduler *aggregator.Scheduler
	contexts  *scope.Registry[*memory.ContextStore]

	logger   *slog.Logger
	metrics  Metrics
	health   *chatmetrics.Registry
	archives []ArchiveFunc
	now      func() time.Time
}

// New builds a bot that answers through session and replies via router.
func New(session memory.ModelSession, router *channels.ChannelRouter, cfg Config, opts ...Option) (*Bot, error) {
	if cfg.ResetReply == "" {
		cfg.ResetReply = DefaultResetReply
	}

	b := &Bot{
		cfg:     cfg,
		session: session,
		router:  router,
		logger:  slog.Default(),
		metrics: noopMetrics{},
		health:  chatmetrics.NewRegistry(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}

	b.agg = aggregator.New(
		aggregator.WithLogger(b.logger),
		aggregator.WithObserver(b.metrics),
		aggregator.WithClock(b.now),
	)

	b.contexts = scope.NewRegistry(b.newContextStore)
	for _, sk := range []chat_apps.SenderKind{chat_apps.SenderPrivate, chat_apps.SenderGroup} {
		if _, err := b.contexts.Get(string(sk)); err != nil {
			return nil, err
		}
	}

	// Commands run first so they see the raw text.
	b.agg.RegisterMessageProcessor("reset", processors.NewCommand("reset", b.reset))
	gate, err := processors.NewCELGate(cfg.ChatFilter)
	if err != nil {
		return nil, fmt.Errorf("chat filter: %w", err)
	}
	b.agg.RegisterMessageProcessor("chat_filter", gate)

	b.scheduler = aggregator.NewScheduler(b.agg, b.handleBatch, cfg.Scheduler)
	return b, nil
}

func (b *Bot) newContextStore(key string) (*memory.ContextStore, error) {
	sk := chat_apps.SenderKind(key)
	if !sk.IsValid() {
		return nil, fmt.Errorf("unknown scope")
	}

	cfg := b.cfg.Context
	cfg.SystemPrompt = b.cfg.SystemPrompts[sk]
	cs := memory.NewContextStore(b.session, cfg,
		memory.WithLogger(b.logger.With("scope", key)),
		memory.WithObserver(b.metrics),
	)
	for _, archive := range b.archives {
		cs.RegisterHook(archive(key))
	}
	return cs, nil
}

// Aggregator returns the message aggregator.
func (b *Bot) Aggregator() *aggregator.Aggregator {
	return b.agg
}

// Contexts returns the context stores keyed by scope.
func (b *Bot) Contexts() *scope.Registry[*memory.ContextStore] {
	return b.contexts
}

// Platforms lists the platforms with a registered channel.
func (b *Bot) Platforms() []chat_apps.Platform {
	return b.router.Platforms()
}

// Health returns the per-platform delivery tracker.
func (b *Bot) Health() *chatmetrics.Registry {
	return b.health
}

// Ingest queues the units of an inbound event. Rejected segments are
// counted and logged, never fatal.
func (b *Bot) Ingest(_ context.Context, in *chat_apps.Inbound) {
	for _, r := range in.Rejected {
		b.metrics.ObserveRejected(in.Platform, r.Type)
		b.logger.Debug("chatbot: segment rejected", "platform", in.Platform, "user_id", in.UserID, "type", r.Type, "reason", r.Reason)
	}
	if len(in.Units) == 0 {
		return
	}

	key := SessionKeyFor(in)
	b.agg.Ingest(key.String(), in.Units)
	b.health.RecordEvent(in.Platform, chatmetrics.EventIngested, nil)
}

// HandleWebhook validates, normalizes and ingests a pushed event.
// ErrIgnoredEvent is returned for events that carry no message.
func (b *Bot) HandleWebhook(ctx context.Context, platform chat_apps.Platform, headers map[string]string, body []byte) error {
	if !platform.IsValid() {
		return channels.ErrNoChannelForPlatform
	}
	b.health.RecordEvent(platform, chatmetrics.EventReceived, nil)

	in, err := b.router.HandleWebhook(ctx, platform, headers, body)
	switch {
	case err == nil:
	case errors.Is(err, channels.ErrIgnoredEvent):
		b.health.RecordEvent(platform, chatmetrics.EventValidated, nil)
		return err
	case errors.Is(err, channels.ErrInvalidPayload):
		b.health.RecordEvent(platform, chatmetrics.EventParseError, err)
		return err
	default:
		return err
	}

	b.health.RecordEvent(platform, chatmetrics.EventValidated, nil)
	b.Ingest(ctx, in)
	return nil
}

// handleBatch sends a flushed batch to the scope's context store and
// delivers the answer.
func (b *Bot) handleBatch(ctx context.Context, batch aggregator.Batch) error {
	key, err := ParseSessionKey(batch.UserID)
	if err != nil {
		return err
	}
	cs, err := b.contexts.Get(key.Scope())
	if err != nil {
		return err
	}

	resp, recordID, err := cs.Chat(ctx, batch.UserID, batch.Text)
	if err != nil {
		return err
	}
	b.logger.Debug("chatbot: answered batch", "user_id", batch.UserID, "record_id", recordID, "units", len(batch.Units))

	return b.reply(ctx, key, resp)
}

// reset clears the session's context and confirms it to the user.
func (b *Bot) reset(ctx context.Context, userID string) error {
	key, err := ParseSessionKey(userID)
	if err != nil {
		return err
	}
	cs, err := b.contexts.Get(key.Scope())
	if err != nil {
		return err
	}
	cs.Clear(userID)
	b.logger.Info("chatbot: context reset", "user_id", userID)
	return b.reply(ctx, key, b.cfg.ResetReply)
}

func (b *Bot) reply(ctx context.Context, key SessionKey, text string) error {
	msg := &chat_apps.OutgoingMessage{
		PlatformChatID: key.ChatID,
		Sender:         key.Sender,
		Content:        text,
	}
	if err := b.router.SendResponse(ctx, key.Platform, msg); err != nil {
		b.metrics.ObserveSendError(key.Platform)
		b.health.RecordEvent(key.Platform, chatmetrics.EventResponseError, err)
		return fmt.Errorf("reply to %s: %w", key, err)
	}
	b.health.RecordEvent(key.Platform, chatmetrics.EventResponseSent, nil)
	return nil
}

// Run runs the flush scheduler, the record janitors and every polling
// channel until ctx is cancelled. In-flight flushes finish before it
// returns.
func (b *Bot) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return b.scheduler.Run(ctx) })

	b.contexts.Each(func(_ string, cs *memory.ContextStore) {
		g.Go(func() error { return cs.RunJanitor(ctx, b.cfg.JanitorInterval) })
	})

	for _, p := range b.router.Pollers() {
		g.Go(func() error {
			if err := p.Poll(ctx, b.Ingest); err != nil {
				return fmt.Errorf("%s poller: %w", p.Name(), err)
			}
			return nil
		})
	}

	return g.Wait()
}
