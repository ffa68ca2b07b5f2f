package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/kbot/ai/memory"
)

var (
	// timeout bounds one webhook request. Hooks run on the chat path.
	timeout = 5 * time.Second
)

// EvictionPayload is posted for every batch of evicted history pairs.
type EvictionPayload struct {
	Scope     string        `json:"scope"`
	UserID    string        `json:"user_id"`
	RecordID  string        `json:"record_id"`
	Pairs     []memory.Pair `json:"pairs"`
	EvictedAt int64         `json:"evicted_at"`
}

// Post posts payload as JSON to url. A non-2xx status is an error.
func Post(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal webhook request to %s", url)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrapf(err, "failed to construct webhook request to %s", url)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed to post webhook to %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return errors.Errorf("failed to post webhook %s, status code: %d, response body: %s", url, resp.StatusCode, b)
	}
	return nil
}

// EvictionHook forwards evicted pairs of one scope to an HTTP endpoint.
type EvictionHook struct {
	URL    string
	Scope  string
	client *http.Client
}

var _ memory.EvictionHook = (*EvictionHook)(nil)

// NewEvictionHook returns a hook posting to url.
func NewEvictionHook(url, scope string) *EvictionHook {
	return &EvictionHook{
		URL:    url,
		Scope:  scope,
		client: &http.Client{Timeout: timeout},
	}
}

// OnEvict posts the evicted pairs.
func (h *EvictionHook) OnEvict(ctx context.Context, userID string, evicted []memory.Pair, recordID string) error {
	payload := &EvictionPayload{
		Scope:     h.Scope,
		UserID:    userID,
		RecordID:  recordID,
		Pairs:     evicted,
		EvictedAt: time.Now().Unix(),
	}
	if err := Post(ctx, h.client, h.URL, payload); err != nil {
		return err
	}
	slog.Debug("webhook: evicted pairs forwarded", "url", h.URL, "scope", h.Scope, "user_id", userID, "count", len(evicted))
	return nil
}
