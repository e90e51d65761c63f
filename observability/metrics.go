package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles Prometheus collectors for the agent loop. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry       *prometheus.Registry
	ToolCalls      *prometheus.CounterVec
	ToolDuration   *prometheus.HistogramVec
	ModelRequests  *prometheus.CounterVec
	ModelDuration  *prometheus.HistogramVec
	Iterations     prometheus.Counter
	PrunedToolBody prometheus.Counter
	LoopDetections prometheus.Counter
	Stops          *prometheus.CounterVec
}

// NewMetrics constructs a metrics registry with agent loop collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	toolCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drowcoder_tool_calls_total",
		Help: "Tool calls by tool name and outcome",
	}, []string{"tool", "success"})

	toolDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "drowcoder_tool_duration_seconds",
		Help:    "Tool call duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"tool"})

	modelReqs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drowcoder_model_requests_total",
		Help: "Model requests by outcome",
	}, []string{"outcome"})

	modelDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "drowcoder_model_request_duration_seconds",
		Help:    "Model request duration in seconds",
		Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"outcome"})

	iterations := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drowcoder_loop_iterations_total",
		Help: "Conversation loop iterations",
	})

	pruned := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drowcoder_pruned_tool_bodies_total",
		Help: "Tool message bodies replaced in model views",
	})

	loops := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drowcoder_loop_detections_total",
		Help: "Repeating tool call patterns detected",
	})

	stops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drowcoder_loop_stops_total",
		Help: "Conversation loop stops by reason",
	}, []string{"reason"})

	reg.MustRegister(toolCalls, toolDur, modelReqs, modelDur, iterations, pruned, loops, stops)

	return &Metrics{
		registry:       reg,
		ToolCalls:      toolCalls,
		ToolDuration:   toolDur,
		ModelRequests:  modelReqs,
		ModelDuration:  modelDur,
		Iterations:     iterations,
		PrunedToolBody: pruned,
		LoopDetections: loops,
		Stops:          stops,
	}
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordToolCall records one tool invocation.
func (m *Metrics) RecordToolCall(tool string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	if tool == "" {
		tool = "unknown"
	}
	m.ToolCalls.WithLabelValues(tool, strconv.FormatBool(success)).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordModelRequest records one backend call.
func (m *Metrics) RecordModelRequest(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.ModelRequests.WithLabelValues(outcome).Inc()
	m.ModelDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordIteration counts a loop iteration.
func (m *Metrics) RecordIteration() {
	if m == nil {
		return
	}
	m.Iterations.Inc()
}

// RecordPruned adds n replaced tool bodies.
func (m *Metrics) RecordPruned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.PrunedToolBody.Add(float64(n))
}

// RecordLoopDetection counts a detected loop.
func (m *Metrics) RecordLoopDetection() {
	if m == nil {
		return
	}
	m.LoopDetections.Inc()
}

// RecordStop counts a loop stop by reason.
func (m *Metrics) RecordStop(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.Stops.WithLabelValues(reason).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
