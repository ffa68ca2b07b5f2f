// Package metrics provides Prometheus metrics export for the bot pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hrygo/kbot/ai/core/llm"
	"github.com/hrygo/kbot/ai/memory"
	"github.com/hrygo/kbot/plugin/chat_apps"
	"github.com/hrygo/kbot/plugin/chat_apps/aggregator"
)

const namespace = "kbot"

// PrometheusExporter exports aggregator, context and LLM metrics in
// Prometheus format. It satisfies memory.Observer, aggregator.Observer and
// llm.UsageObserver so one instance can be handed to every component.
type PrometheusExporter struct {
	registry *prometheus.Registry

	// Aggregator metrics
	unitsIngested   *prometheus.CounterVec
	unitsRejected   *prometheus.CounterVec
	flushes         *prometheus.CounterVec
	flushLatency    *prometheus.HistogramVec
	processorErrors *prometheus.CounterVec
	pendingUsers    prometheus.Gauge

	// Context metrics
	chatRequests  *prometheus.CounterVec
	chatLatency   prometheus.Histogram
	evictedPairs  prometheus.Counter
	hookErrors    prometheus.Counter
	deliveryFails *prometheus.CounterVec

	// LLM token metrics
	llmTokensUsed   *prometheus.CounterVec
	llmTokensCached *prometheus.CounterVec
}

// Config configures the Prometheus exporter.
type Config struct {
	// Registry to use (if nil, creates a new one)
	Registry *prometheus.Registry

	// Buckets for latency histograms (in seconds)
	LatencyBuckets []float64
}

// DefaultConfig returns default Prometheus configuration.
func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}
}

// NewPrometheusExporter creates a new Prometheus exporter.
func NewPrometheusExporter(cfg Config) *PrometheusExporter {
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	buckets := cfg.LatencyBuckets
	if len(buckets) == 0 {
		buckets = DefaultConfig().LatencyBuckets
	}

	e := &PrometheusExporter{registry: registry}

	e.unitsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "units_ingested_total",
			Help:      "Total number of message units queued for aggregation",
		},
		[]string{"kind"},
	)

	e.unitsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "units_rejected_total",
			Help:      "Total number of inbound segments rejected by a channel normalizer",
		},
		[]string{"platform", "type"},
	)

	e.flushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "flushes_total",
			Help:      "Total number of flushed batches by outcome",
		},
		[]string{"status"},
	)

	e.flushLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "flush_latency_seconds",
			Help:      "Time spent processing one flushed batch",
			Buckets:   buckets,
		},
		[]string{"status"},
	)

	e.processorErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "processor_errors_total",
			Help:      "Total number of failed message processor invocations",
		},
		[]string{"processor"},
	)

	e.pendingUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "pending_users",
			Help:      "Number of users with queued units awaiting flush",
		},
	)

	e.chatRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "context",
			Name:      "chat_requests_total",
			Help:      "Total number of model calls made through the context store",
		},
		[]string{"status"},
	)

	e.chatLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "context",
			Name:      "chat_latency_seconds",
			Help:      "Model call latency in seconds",
			Buckets:   buckets,
		},
	)

	e.evictedPairs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "context",
			Name:      "evicted_pairs_total",
			Help:      "Total number of history pairs evicted from context windows",
		},
	)

	e.hookErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "context",
			Name:      "hook_errors_total",
			Help:      "Total number of failed eviction hook invocations",
		},
	)

	e.deliveryFails = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "send_errors_total",
			Help:      "Total number of replies that could not be delivered",
		},
		[]string{"platform"},
	)

	e.llmTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "Total LLM tokens used",
		},
		[]string{"provider", "model", "token_type"},
	)

	e.llmTokensCached = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "tokens_cached_total",
			Help:      "Total LLM tokens served from the provider cache",
		},
		[]string{"provider", "model"},
	)

	// Register all metrics
	registry.MustRegister(
		e.unitsIngested,
		e.unitsRejected,
		e.flushes,
		e.flushLatency,
		e.processorErrors,
		e.pendingUsers,
		e.chatRequests,
		e.chatLatency,
		e.evictedPairs,
		e.hookErrors,
		e.deliveryFails,
		e.llmTokensUsed,
		e.llmTokensCached,
	)

	return e
}

// ObserveIngest counts one queued unit.
func (e *PrometheusExporter) ObserveIngest(kind chat_apps.MessageKind) {
	e.unitsIngested.WithLabelValues(kind.String()).Inc()
}

// ObserveFlush records the outcome and duration of one flushed batch.
func (e *PrometheusExporter) ObserveFlush(status string, d time.Duration) {
	e.flushes.WithLabelValues(status).Inc()
	e.flushLatency.WithLabelValues(status).Observe(d.Seconds())
}

// ObserveProcessorError counts a failed or panicking processor.
func (e *PrometheusExporter) ObserveProcessorError(processor string) {
	e.processorErrors.WithLabelValues(processor).Inc()
}

// SetPendingUsers sets the number of users still holding queued units.
func (e *PrometheusExporter) SetPendingUsers(n int) {
	e.pendingUsers.Set(float64(n))
}

// ObserveRejected counts segments a channel could not normalize.
func (e *PrometheusExporter) ObserveRejected(platform chat_apps.Platform, segmentType string) {
	e.unitsRejected.WithLabelValues(string(platform), segmentType).Inc()
}

// ObserveSendError counts a reply that failed to reach the platform.
func (e *PrometheusExporter) ObserveSendError(platform chat_apps.Platform) {
	e.deliveryFails.WithLabelValues(string(platform)).Inc()
}

// ObserveChat records a model call made through the context store.
func (e *PrometheusExporter) ObserveChat(success bool, d time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	e.chatRequests.WithLabelValues(status).Inc()
	e.chatLatency.Observe(d.Seconds())
}

// ObserveEviction counts pairs dropped from a context window.
func (e *PrometheusExporter) ObserveEviction(pairs int) {
	e.evictedPairs.Add(float64(pairs))
}

// ObserveHookError counts a failed eviction hook.
func (e *PrometheusExporter) ObserveHookError() {
	e.hookErrors.Inc()
}

// ObserveTokens records LLM token usage.
func (e *PrometheusExporter) ObserveTokens(provider, model string, stats *llm.LLMCallStats) {
	e.llmTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(stats.PromptTokens))
	e.llmTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(stats.CompletionTokens))
	if stats.CacheReadTokens > 0 {
		e.llmTokensCached.WithLabelValues(provider, model).Add(float64(stats.CacheReadTokens))
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (e *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (e *PrometheusExporter) Registry() *prometheus.Registry {
	return e.registry
}

var (
	_ memory.Observer     = (*PrometheusExporter)(nil)
	_ aggregator.Observer = (*PrometheusExporter)(nil)
	_ llm.UsageObserver   = (*PrometheusExporter)(nil)
)
