// Package onebot implements the OneBot v11 (QQ) channel over HTTP: events
// arrive as HTTP posts, replies go through the OneBot HTTP API.
package onebot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hrygo/kbot/plugin/chat_apps"
	"github.com/hrygo/kbot/plugin/chat_apps/channels"
)

const DefaultRatePerSecond = 5

// OneBotConfig holds configuration for the OneBot channel.
type OneBotConfig struct {
	// APIURL is the base URL of the OneBot HTTP API, e.g. http://127.0.0.1:5700.
	APIURL string
	// AccessToken is sent as a Bearer token on API calls.
	AccessToken string
	// Secret enables X-Signature verification of incoming posts.
	Secret        string
	RatePerSecond float64
}

// OneBotChannel implements WebhookChannel for OneBot v11.
type OneBotChannel struct {
	config  *OneBotConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewOneBotChannel creates a new OneBot channel.
func NewOneBotChannel(config *OneBotConfig) (*OneBotChannel, error) {
	if config.APIURL == "" {
		return nil, fmt.Errorf("onebot: api url is required")
	}
	if config.RatePerSecond == 0 {
		config.RatePerSecond = DefaultRatePerSecond
	}
	return &OneBotChannel{
		config: config,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: channels.NewSendLimiter(config.RatePerSecond),
	}, nil
}

// Name returns the platform name.
func (o *OneBotChannel) Name() chat_apps.Platform {
	return chat_apps.PlatformOneBot
}

// ValidateWebhook verifies the X-Signature header when a secret is set.
func (o *OneBotChannel) ValidateWebhook(headers map[string]string, body []byte) error {
	if o.config.Secret == "" {
		return nil
	}

	signature := headerValue(headers, SignatureHeader)
	if signature == "" {
		slog.Warn("onebot: missing signature header")
		return channels.ErrInvalidSignature
	}
	if !VerifySignature(o.config.Secret, signature, body) {
		slog.Warn("onebot: signature mismatch")
		return channels.ErrInvalidSignature
	}
	return nil
}

func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// ParseEvent normalizes a OneBot post. Non-message posts (heartbeats,
// notices, requests) return ErrIgnoredEvent.
func (o *OneBotChannel) ParseEvent(_ context.Context, payload []byte) (*chat_apps.Inbound, error) {
	in, err := parseEvent(payload)
	if err != nil {
		return nil, err
	}
	for _, r := range in.Rejected {
		slog.Debug("onebot: segment rejected", "user_id", in.UserID, "type", r.Type, "reason", r.Reason)
	}
	return in, nil
}

// apiResponse is the OneBot HTTP API envelope.
type apiResponse struct {
	Status  string `json:"status"`
	RetCode int    `json:"retcode"`
	Message string `json:"message"`
	Wording string `json:"wording"`
}

// SendMessage sends a text message through send_private_msg or
// send_group_msg depending on the sender kind.
func (o *OneBotChannel) SendMessage(ctx context.Context, msg *chat_apps.OutgoingMessage) error {
	id, err := strconv.ParseInt(msg.PlatformChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}

	action := "send_private_msg"
	payload := map[string]any{"user_id": id, "message": msg.Content}
	if msg.Sender == chat_apps.SenderGroup {
		action = "send_group_msg"
		payload = map[string]any{"group_id": id, "message": msg.Content}
	}
	// Plain text, not CQ codes.
	payload["auto_escape"] = true

	if err := o.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("onebot: wait for send slot: %w", err)
	}

	slog.Debug("onebot: sending message", "action", action, "chat_id", msg.PlatformChatID)
	if err := o.callAPI(ctx, action, payload); err != nil {
		return channels.ErrSendFailed.Wrap(err)
	}
	return nil
}

func (o *OneBotChannel) callAPI(ctx context.Context, action string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	url := strings.TrimRight(o.config.APIURL, "/") + "/" + action
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.config.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+o.config.AccessToken)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		slog.Error("onebot: api returned non-200 status",
			"action", action,
			"status", resp.StatusCode,
			"response", string(respBody),
		)
		return fmt.Errorf("%s returned status %d", action, resp.StatusCode)
	}

	var result apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if result.RetCode != 0 {
		return fmt.Errorf("OneBot API error %d: %s", result.RetCode, firstNonEmpty(result.Wording, result.Message, result.Status))
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Close closes the OneBot channel.
func (o *OneBotChannel) Close() error {
	o.client.CloseIdleConnections()
	return nil
}

// Ensure OneBotChannel implements WebhookChannel
var _ channels.WebhookChannel = (*OneBotChannel)(nil)
