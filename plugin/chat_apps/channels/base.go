// Package channels provides the ChatChannel interface for all chat platform integrations.
package channels

import (
	"context"
	"io"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"github.com/hrygo/kbot/plugin/chat_apps"
)

// ChatChannel defines the interface for all chat platform integrations.
// Each platform (Telegram, OneBot) implements this interface.
type ChatChannel interface {
	// Name returns the platform name (e.g., "telegram", "onebot").
	Name() chat_apps.Platform

	// SendMessage sends a single text message to the chat platform.
	SendMessage(ctx context.Context, msg *chat_apps.OutgoingMessage) error

	// Close closes any open connections and releases resources.
	Close() error
}

// WebhookChannel is a channel that receives events by HTTP push.
type WebhookChannel interface {
	ChatChannel

	// ValidateWebhook verifies the incoming webhook request.
	// Returns an error if the request signature is invalid or the request is malformed.
	ValidateWebhook(headers map[string]string, body []byte) error

	// ParseEvent normalizes a webhook payload. Events that carry no user
	// message return ErrIgnoredEvent.
	ParseEvent(ctx context.Context, payload []byte) (*chat_apps.Inbound, error)
}

// IngestFunc receives normalized inbound events.
type IngestFunc func(ctx context.Context, in *chat_apps.Inbound)

// Poller is a channel that pulls events from its platform.
type Poller interface {
	ChatChannel

	// Poll delivers events to ingest until ctx is cancelled.
	Poll(ctx context.Context, ingest IngestFunc) error
}

// NewSendLimiter returns the outbound limiter used by channels.
// A non-positive rate disables limiting.
func NewSendLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// ChannelRouter dispatches webhooks to, and replies through, the registered
// channels. Concurrent-safe for Register and GetChannel operations.
type ChannelRouter struct {
	mu       sync.RWMutex
	registry map[chat_apps.Platform]ChatChannel
}

// NewChannelRouter creates a new channel router.
func NewChannelRouter() *ChannelRouter {
	return &ChannelRouter{
		registry: make(map[chat_apps.Platform]ChatChannel),
	}
}

// Register registers a chat channel for a platform.
// Concurrent-safe: uses write lock.
func (r *ChannelRouter) Register(channel ChatChannel) {
	r.mu.Lock()
	r.registry[channel.Name()] = channel
	r.mu.Unlock()
}

// GetChannel returns the channel for a platform, or nil if not registered.
// Concurrent-safe: uses read lock.
func (r *ChannelRouter) GetChannel(platform chat_apps.Platform) ChatChannel {
	r.mu.RLock()
	ch := r.registry[platform]
	r.mu.RUnlock()
	return ch
}

// Platforms lists the registered platforms, sorted.
func (r *ChannelRouter) Platforms() []chat_apps.Platform {
	r.mu.RLock()
	out := make([]chat_apps.Platform, 0, len(r.registry))
	for p := range r.registry {
		out = append(out, p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Pollers returns the registered channels that pull their own events.
func (r *ChannelRouter) Pollers() []Poller {
	var out []Poller
	for _, p := range r.Platforms() {
		if poller, ok := r.GetChannel(p).(Poller); ok {
			out = append(out, poller)
		}
	}
	return out
}

// HandleWebhook validates and normalizes an incoming webhook request.
func (r *ChannelRouter) HandleWebhook(ctx context.Context, platform chat_apps.Platform, headers map[string]string, body []byte) (*chat_apps.Inbound, error) {
	channel, ok := r.GetChannel(platform).(WebhookChannel)
	if !ok {
		return nil, ErrNoChannelForPlatform
	}

	// Validate webhook signature
	if err := channel.ValidateWebhook(headers, body); err != nil {
		return nil, err
	}

	return channel.ParseEvent(ctx, body)
}

// SendResponse sends a single response message to a chat platform.
func (r *ChannelRouter) SendResponse(ctx context.Context, platform chat_apps.Platform, msg *chat_apps.OutgoingMessage) error {
	channel := r.GetChannel(platform)
	if channel == nil {
		return ErrNoChannelForPlatform
	}

	return channel.SendMessage(ctx, msg)
}

// Errors
var (
	ErrNoChannelForPlatform = &ChannelError{Code: "NO_CHANNEL", Message: "no channel registered for platform"}
	ErrInvalidSignature     = &ChannelError{Code: "INVALID_SIGNATURE", Message: "webhook signature validation failed"}
	ErrInvalidPayload       = &ChannelError{Code: "INVALID_PAYLOAD", Message: "could not parse webhook payload"}
	ErrUnsupportedSegment   = &ChannelError{Code: "UNSUPPORTED_SEGMENT", Message: "message segment type is not supported"}
	ErrIgnoredEvent         = &ChannelError{Code: "IGNORED", Message: "event carries no user message"}
	ErrSendFailed           = &ChannelError{Code: "SEND_FAILED", Message: "failed to deliver message"}
)

// ChannelError represents an error in channel operations.
type ChannelError struct {
	Code    string
	Message string
	Err     error
}

// Wrap returns a copy of e carrying err as its cause. errors.Is matches
// the copy against e by code.
func (e *ChannelError) Wrap(err error) *ChannelError {
	return &ChannelError{Code: e.Code, Message: e.Message, Err: err}
}

func (e *ChannelError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a ChannelError with the same code.
func (e *ChannelError) Is(target error) bool {
	t, ok := target.(*ChannelError)
	return ok && t.Code == e.Code
}

// io.Closer interface for cleanup
var _ io.Closer = (*ChannelRouter)(nil)

// Close closes all registered channels.
// Concurrent-safe: uses write lock.
func (r *ChannelRouter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, channel := range r.registry {
		if err := channel.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
