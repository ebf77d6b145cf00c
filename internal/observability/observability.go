// Package observability implements C14: structured logging via zerolog
// with task_id/agent_id/request_id fields, Prometheus counters for the
// daemon's key operations, and OTLP tracer setup (health composition lives
// in internal/api, not here). Grounded on the predecessor's scattered log.Printf call
// sites, standardized here the way the pack's prometheus-using repos
// (cuemby-warren, hortator-ai-Hortator) register their own counters.
package observability

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// NewLogger builds the daemon's root zerolog.Logger, writing structured
// JSON to out, or to stderr when out is nil (always JSON, never console
// output, since the daemon usually runs under a supervisor).
func NewLogger(out io.Writer, level zerolog.Level) zerolog.Logger {
	if out == nil {
		out = os.Stderr
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

type loggerContextKey struct{}

// WithLogger attaches a request-scoped logger (already carrying
// request_id/task_id/agent_id fields) to ctx.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, logger)
}

// FromContext recovers the logger WithLogger attached, falling back to a
// disabled logger so call sites never need a nil check.
func FromContext(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(loggerContextKey{}).(zerolog.Logger); ok {
		return logger
	}
	return zerolog.Nop()
}

// ForTask returns a child logger scoped to task_id/agent_id, the
// field pair spec.md requires on every task-related log line.
func ForTask(base zerolog.Logger, taskID, agentID string) zerolog.Logger {
	ctx := base.With()
	if taskID != "" {
		ctx = ctx.Str("task_id", taskID)
	}
	if agentID != "" {
		ctx = ctx.Str("agent_id", agentID)
	}
	return ctx.Logger()
}

// Metrics bundles every Prometheus collector the daemon registers,
// covering task counters, a delegation latency histogram, the connected
// worker gauge, and rate-limit and hub-drop counters.
type Metrics struct {
	TasksCreated      *prometheus.CounterVec
	TasksCompleted    *prometheus.CounterVec
	DelegationLatency *prometheus.HistogramVec
	WorkersConnected  prometheus.Gauge
	RateLimitRejects  *prometheus.CounterVec
	HubDrops          *prometheus.CounterVec
}

// NewMetrics registers the daemon's collectors against registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		TasksCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loomd_tasks_created_total",
			Help: "Tasks created, labeled by priority.",
		}, []string{"priority"}),
		TasksCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loomd_tasks_completed_total",
			Help: "Tasks that reached a terminal state, labeled by outcome.",
		}, []string{"state"}),
		DelegationLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loomd_delegation_duration_seconds",
			Help:    "Delegation round-trip latency, labeled by role.",
			Buckets: prometheus.DefBuckets,
		}, []string{"role"}),
		WorkersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "loomd_workers_connected",
			Help: "Currently connected ACP worker sessions.",
		}),
		RateLimitRejects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loomd_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter, labeled by limit tier.",
		}, []string{"tier"}),
		HubDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loomd_hub_outbound_drops_total",
			Help: "Outbound messages dropped for backpressure, labeled by reason.",
		}, []string{"reason"}),
	}
}

// ObserveDelegation records one delegation's round-trip time.
func (m *Metrics) ObserveDelegation(role string, d time.Duration) {
	m.DelegationLatency.WithLabelValues(role).Observe(d.Seconds())
}

// NewTracerProvider builds an OTLP/gRPC-exporting TracerProvider for the
// spans internal/orchestrator emits around dispatch/delegation. Callers
// that don't set an OTLP collector endpoint should skip calling this —
// otel.Tracer falls back to a safe no-op when no provider is registered,
// so tracing is opt-in rather than a hard startup dependency.
func NewTracerProvider(ctx context.Context, endpoint, serviceName string) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}
