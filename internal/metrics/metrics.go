// Package metrics exports hub activity in Prometheus format. An Exporter
// holds the instruments; a Collector feeds it from the hub's event stream so
// the chat core itself stays metrics-free.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zjrosen/confab/internal/chat/events"
	"github.com/zjrosen/confab/internal/log"
	"github.com/zjrosen/confab/internal/pubsub"
)

// Exporter holds the hub's Prometheus instruments.
type Exporter struct {
	registry *prometheus.Registry

	messagesTotal   *prometheus.CounterVec
	responsesTotal  *prometheus.CounterVec
	responseLatency *prometheus.HistogramVec
	droppedTotal    prometheus.Counter
	generating      prometheus.Gauge
	sleeping        prometheus.Gauge
	topicChanges    prometheus.Counter
}

// Config configures the exporter.
type Config struct {
	// Registry to use (if nil, creates a new one).
	Registry *prometheus.Registry
	// LatencyBuckets for the response latency histogram, in seconds.
	LatencyBuckets []float64
}

// DefaultConfig returns default buckets tuned for LLM round-trips.
func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}
}

// NewExporter creates and registers the hub instruments.
func NewExporter(cfg Config) *Exporter {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &Exporter{registry: registry}

	e.messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "confab",
			Subsystem: "hub",
			Name:      "messages_total",
			Help:      "Messages broadcast, labelled by sender type and room",
		},
		[]string{"sender_type", "room"},
	)

	e.responsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "confab",
			Subsystem: "hub",
			Name:      "ai_responses_total",
			Help:      "AI generation outcomes, labelled by AI id and status",
		},
		[]string{"ai", "status"},
	)

	e.responseLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "confab",
			Subsystem: "hub",
			Name:      "ai_response_latency_seconds",
			Help:      "AI generation latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"ai"},
	)

	e.droppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "confab",
			Subsystem: "hub",
			Name:      "broker_dropped_total",
			Help:      "Messages dropped due to broker queue overflow",
		},
	)

	e.generating = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "confab",
			Subsystem: "hub",
			Name:      "ai_generating",
			Help:      "Number of AIs currently generating",
		},
	)

	e.sleeping = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "confab",
			Subsystem: "hub",
			Name:      "sleeping",
			Help:      "1 while the hub is asleep, 0 otherwise",
		},
	)

	e.topicChanges = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "confab",
			Subsystem: "hub",
			Name:      "topic_changes_total",
			Help:      "Topic changes observed",
		},
	)

	registry.MustRegister(
		e.messagesTotal,
		e.responsesTotal,
		e.responseLatency,
		e.droppedTotal,
		e.generating,
		e.sleeping,
		e.topicChanges,
	)
	return e
}

// Handler returns the HTTP handler for the metrics endpoint.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Collector subscribes to the hub's event broker and updates the exporter.
type Collector struct {
	exporter *Exporter
}

// NewCollector creates a collector feeding e.
func NewCollector(e *Exporter) *Collector {
	return &Collector{exporter: e}
}

// Listen subscribes immediately and returns the consume loop, so events
// published after Listen returns are never missed even when the loop runs
// on its own goroutine. The loop exits when ctx is cancelled or the broker
// closes.
func (c *Collector) Listen(ctx context.Context, broker *pubsub.Broker[events.Event]) func() {
	ch := broker.Subscribe(ctx)
	return func() {
		for ev := range ch {
			c.observe(ev.Payload)
		}
	}
}

func (c *Collector) observe(ev events.Event) {
	e := c.exporter
	switch ev.Type {
	case events.MessageBroadcast:
		if ev.Message != nil {
			e.messagesTotal.WithLabelValues(string(ev.Message.SenderType), ev.RoomID).Inc()
		}
	case events.AIGeneratingStart:
		e.generating.Inc()
	case events.AIGeneratingStop:
		e.generating.Dec()
	case events.AIResponse:
		e.responsesTotal.WithLabelValues(ev.AIID, "success").Inc()
		e.responseLatency.WithLabelValues(ev.AIID).Observe(float64(ev.ResponseTimeMs) / 1000.0)
	case events.AIError:
		e.responsesTotal.WithLabelValues(ev.AIID, "error").Inc()
	case events.AIsSleeping:
		e.sleeping.Set(1)
	case events.AIsAwakened:
		e.sleeping.Set(0)
	case events.TopicChanged:
		e.topicChanges.Inc()
	case events.BrokerOverflow:
		e.droppedTotal.Inc()
	}
}

// Serve exposes /metrics on addr until ctx is cancelled. Blocks.
func (e *Exporter) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info(log.CatMetrics, "metrics listener started", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
