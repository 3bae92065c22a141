// Package metrics exposes engine and HTTP metrics in the Prometheus format.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	xerrors "GeoAttest-Chain/internal/errors"
)

const namespace = "geoattest"

// Plugin call stages.
const (
	StageVerify   = "verify"
	StageEvaluate = "evaluate"
)

// Metrics owns a private registry so tests and embedded engines do not
// collide on the global one.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
	pluginCalls  *prometheus.CounterVec
	pluginTime   *prometheus.HistogramVec
	assessments  *prometheus.CounterVec
	credibility  prometheus.Histogram
	published    *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by handler, method and status code.",
		}, []string{"handler", "method", "code"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		pluginCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_calls_total",
			Help:      "Plugin invocations by stage, plugin and result code.",
		}, []string{"stage", "plugin", "result"}),
		pluginTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "plugin_call_duration_seconds",
			Help:      "Plugin invocation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"stage", "plugin"}),
		assessments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assessments_total",
			Help:      "Completed assessments by outcome.",
		}, []string{"outcome"}),
		credibility: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "assessment_credibility",
			Help:      "Overall credibility of completed assessments.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attestations_published_total",
			Help:      "Attestations handed to the outbox by schema and result.",
		}, []string{"schema", "result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.httpLatency,
		m.pluginCalls, m.pluginTime,
		m.assessments, m.credibility,
		m.published,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveHTTPRequest records one HTTP request.
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	m.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// PluginHook returns a callback recording plugin calls of stage. An empty
// code is a success.
func (m *Metrics) PluginHook(stage string) func(plugin string, code xerrors.Code, elapsed time.Duration) {
	return func(plugin string, code xerrors.Code, elapsed time.Duration) {
		result := "ok"
		if code != "" {
			result = string(code)
		}
		m.pluginCalls.WithLabelValues(stage, plugin, result).Inc()
		m.pluginTime.WithLabelValues(stage, plugin).Observe(elapsed.Seconds())
	}
}

// ObserveAssessment records a finished assessment.
func (m *Metrics) ObserveAssessment(outcome string, overall float64) {
	m.assessments.WithLabelValues(outcome).Inc()
	m.credibility.Observe(overall)
}

// ObservePublish records an outbox hand-off.
func (m *Metrics) ObservePublish(schema string, err error) {
	result := "ok"
	if err != nil {
		result = string(xerrors.CodeOf(err))
	}
	m.published.WithLabelValues(schema, result).Inc()
}

// Handler serves the registry in the text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// StartServer serves /metrics on addr until ctx is cancelled.
func (m *Metrics) StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
