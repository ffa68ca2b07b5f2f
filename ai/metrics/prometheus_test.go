package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/kbot/ai/core/llm"
	"github.com/hrygo/kbot/plugin/chat_apps"
	"github.com/hrygo/kbot/plugin/chat_apps/aggregator"
)

func TestPrometheusExporter(t *testing.T) {
	exporter := NewPrometheusExporter(DefaultConfig())

	t.Run("Aggregator", func(t *testing.T) {
		exporter.ObserveIngest(chat_apps.MessageKindText)
		exporter.ObserveIngest(chat_apps.MessageKindText)
		exporter.ObserveIngest(chat_apps.MessageKindImage)
		exporter.ObserveFlush(aggregator.FlushStatusOK, 100*time.Millisecond)
		exporter.ObserveFlush(aggregator.FlushStatusFailed, time.Second)
		exporter.ObserveProcessorError("cel")
		exporter.SetPendingUsers(3)

		assert.InDelta(t, 2, testutil.ToFloat64(exporter.unitsIngested.WithLabelValues("text")), 0)
		assert.InDelta(t, 1, testutil.ToFloat64(exporter.unitsIngested.WithLabelValues("image")), 0)
		assert.InDelta(t, 1, testutil.ToFloat64(exporter.flushes.WithLabelValues("ok")), 0)
		assert.InDelta(t, 1, testutil.ToFloat64(exporter.processorErrors.WithLabelValues("cel")), 0)
		assert.InDelta(t, 3, testutil.ToFloat64(exporter.pendingUsers), 0)
	})

	t.Run("Channels", func(t *testing.T) {
		exporter.ObserveRejected(chat_apps.PlatformOneBot, "json")
		exporter.ObserveSendError(chat_apps.PlatformTelegram)

		assert.InDelta(t, 1, testutil.ToFloat64(exporter.unitsRejected.WithLabelValues("onebot", "json")), 0)
		assert.InDelta(t, 1, testutil.ToFloat64(exporter.deliveryFails.WithLabelValues("telegram")), 0)
	})

	t.Run("Context", func(t *testing.T) {
		exporter.ObserveChat(true, 200*time.Millisecond)
		exporter.ObserveChat(false, 2*time.Second)
		exporter.ObserveEviction(2)
		exporter.ObserveEviction(1)
		exporter.ObserveHookError()

		assert.InDelta(t, 1, testutil.ToFloat64(exporter.chatRequests.WithLabelValues("success")), 0)
		assert.InDelta(t, 1, testutil.ToFloat64(exporter.chatRequests.WithLabelValues("error")), 0)
		assert.InDelta(t, 3, testutil.ToFloat64(exporter.evictedPairs), 0)
		assert.InDelta(t, 1, testutil.ToFloat64(exporter.hookErrors), 0)
	})

	t.Run("LLM", func(t *testing.T) {
		exporter.ObserveTokens("deepseek", "deepseek-chat", &llm.LLMCallStats{PromptTokens: 100, CompletionTokens: 50, CacheReadTokens: 80})
		exporter.ObserveTokens("deepseek", "deepseek-chat", &llm.LLMCallStats{PromptTokens: 10, CompletionTokens: 5})

		assert.InDelta(t, 110, testutil.ToFloat64(exporter.llmTokensUsed.WithLabelValues("deepseek", "deepseek-chat", "prompt")), 0)
		assert.InDelta(t, 55, testutil.ToFloat64(exporter.llmTokensUsed.WithLabelValues("deepseek", "deepseek-chat", "completion")), 0)
		assert.InDelta(t, 80, testutil.ToFloat64(exporter.llmTokensCached.WithLabelValues("deepseek", "deepseek-chat")), 0)
	})
}

func TestPrometheusExporterHandler(t *testing.T) {
	exporter := NewPrometheusExporter(DefaultConfig())

	exporter.ObserveIngest(chat_apps.MessageKindText)
	exporter.ObserveFlush(aggregator.FlushStatusOK, 10*time.Millisecond)
	exporter.ObserveChat(true, 100*time.Millisecond)
	exporter.ObserveTokens("openai", "gpt-4o", &llm.LLMCallStats{PromptTokens: 1})

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	w := httptest.NewRecorder()
	exporter.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "kbot_aggregator_units_ingested_total")
	assert.Contains(t, body, "kbot_aggregator_flushes_total")
	assert.Contains(t, body, "kbot_context_chat_requests_total")
	assert.Contains(t, body, "kbot_llm_tokens_total")
}

func TestPrometheusExporterCustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	exporter := NewPrometheusExporter(Config{Registry: reg})
	assert.Same(t, reg, exporter.Registry())

	exporter.SetPendingUsers(1)
	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func BenchmarkPrometheusExporter(b *testing.B) {
	exporter := NewPrometheusExporter(DefaultConfig())

	b.Run("ObserveIngest", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			exporter.ObserveIngest(chat_apps.MessageKindText)
		}
	})

	b.Run("ObserveChat", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			exporter.ObserveChat(true, 100*time.Millisecond)
		}
	})
}
