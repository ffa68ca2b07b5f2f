package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/kbot/ai/memory"
	"github.com/hrygo/kbot/ai/metrics"
	"github.com/hrygo/kbot/internal/profile"
	"github.com/hrygo/kbot/plugin/chat_apps"
	"github.com/hrygo/kbot/plugin/chat_apps/channels"
	"github.com/hrygo/kbot/plugin/chat_apps/channels/onebot"
	"github.com/hrygo/kbot/server/chatbot"
)

func newTestServer(t *testing.T) (*Server, *metrics.PrometheusExporter) {
	t.Helper()

	ch, err := onebot.NewOneBotChannel(&onebot.OneBotConfig{APIURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	router := channels.NewChannelRouter()
	router.Register(ch)

	exporter := metrics.NewPrometheusExporter(metrics.DefaultConfig())
	session := memory.ModelSessionFunc(func(context.Context, string) (string, error) { return "ok", nil })
	bot, err := chatbot.New(session, router, chatbot.Config{Context: memory.DefaultConfig()}, chatbot.WithMetrics(exporter))
	require.NoError(t, err)

	p := &profile.Profile{Mode: "prod", Addr: "127.0.0.1", Port: 0}
	s, err := NewServer(context.Background(), p, bot, nil, exporter.Handler())
	require.NoError(t, err)
	return s, exporter
}

func TestNewServer_RequiresBot(t *testing.T) {
	_, err := NewServer(context.Background(), &profile.Profile{}, nil, nil, nil)
	assert.Error(t, err)
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	s.Bot.Ingest(context.Background(), &chat_apps.Inbound{
		Platform: chat_apps.PlatformOneBot,
		UserID:   "1",
		ChatID:   "1",
		Sender:   chat_apps.SenderPrivate,
		Units: []chat_apps.KMessage{{
			ID:       chat_apps.NewMessageID("1", "1"),
			Kind:     chat_apps.MessageKindText,
			Sender:   chat_apps.SenderPrivate,
			Platform: chat_apps.PlatformOneBot,
			Content:  "hi",
		}},
	})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotEmpty(t, resp.Version.Version)
	assert.NotEmpty(t, resp.Version.Minor)
	assert.Equal(t, []chat_apps.Platform{chat_apps.PlatformOneBot}, resp.Platforms)
	assert.Equal(t, 1, resp.PendingUsers)
	assert.False(t, resp.Archive)
	require.Len(t, resp.Channels, 1)
	assert.Equal(t, int64(1), resp.Channels[0].Ingested)
}

func TestMetricsEndpoint(t *testing.T) {
	s, exporter := newTestServer(t)
	exporter.ObserveIngest(chat_apps.MessageKindText)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "kbot_aggregator_units_ingested_total")
}

func TestStartAndShutdown(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	require.NotNil(t, s.Addr())

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", s.Addr()))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Shutdown(ctx))

	_, err = http.Get(fmt.Sprintf("http://%s/healthz", s.Addr()))
	assert.Error(t, err)
}
