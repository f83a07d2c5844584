package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	turnsTotal   *prometheus.CounterVec
	turnDuration prometheus.Histogram

	retrievalDuration      prometheus.Histogram
	retrievalDegradedTotal prometheus.Counter
	indexChunksTotal       prometheus.Gauge
	indexSyncDuration      prometheus.Histogram

	toolCallsTotal    *prometheus.CounterVec
	toolCallDuration  *prometheus.HistogramVec
	modelCallsTotal   *prometheus.CounterVec
	modelCallDuration *prometheus.HistogramVec
	modelRetriesTotal *prometheus.CounterVec

	evaluationsTotal *prometheus.CounterVec

	activeSessions        prometheus.Gauge
	sessionAppendDuration prometheus.Histogram
	sessionsExpiredTotal  prometheus.Counter

	laneWaitDuration   prometheus.Histogram
	laneConflictsTotal prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			turnsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ragent_turns_total",
					Help: "Processed turns by outcome.",
				},
				[]string{"outcome"},
			),
			turnDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "ragent_turn_duration_seconds",
					Help:    "End-to-end turn processing duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			retrievalDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "ragent_retrieval_duration_seconds",
					Help:    "Retriever search duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			retrievalDegradedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "ragent_retrieval_degraded_total",
					Help: "Turns that continued with empty context after a retrieval failure.",
				},
			),
			indexChunksTotal: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "ragent_index_chunks_total",
					Help: "Chunks currently held in the document index.",
				},
			),
			indexSyncDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "ragent_index_sync_duration_seconds",
					Help:    "Document index sync duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			toolCallsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ragent_tool_calls_total",
					Help: "Tool invocations by tool and status (ok or error kind).",
				},
				[]string{"tool", "status"},
			),
			toolCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "ragent_tool_call_duration_seconds",
					Help:    "Tool invocation duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			modelCallsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ragent_model_calls_total",
					Help: "Model generate calls by client and status.",
				},
				[]string{"client", "status"},
			),
			modelCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "ragent_model_call_duration_seconds",
					Help:    "Model generate call duration in seconds by client.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"client"},
			),
			modelRetriesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ragent_model_retries_total",
					Help: "Model call retries by client.",
				},
				[]string{"client"},
			),
			evaluationsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ragent_evaluations_total",
					Help: "Evaluation reports by result (pass or fail).",
				},
				[]string{"result"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "ragent_active_sessions",
					Help: "Sessions currently holding a lane.",
				},
			),
			sessionAppendDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "ragent_session_append_duration_seconds",
					Help:    "Session store append duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			sessionsExpiredTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "ragent_sessions_expired_total",
					Help: "Sessions removed by the expiry policy.",
				},
			),
			laneWaitDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "ragent_lane_wait_duration_seconds",
					Help:    "Time spent waiting for a session lane in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			laneConflictsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "ragent_lane_conflicts_total",
					Help: "Lane acquisitions that timed out.",
				},
			),
		}

		prometheus.MustRegister(
			m.turnsTotal,
			m.turnDuration,
			m.retrievalDuration,
			m.retrievalDegradedTotal,
			m.indexChunksTotal,
			m.indexSyncDuration,
			m.toolCallsTotal,
			m.toolCallDuration,
			m.modelCallsTotal,
			m.modelCallDuration,
			m.modelRetriesTotal,
			m.evaluationsTotal,
			m.activeSessions,
			m.sessionAppendDuration,
			m.sessionsExpiredTotal,
			m.laneWaitDuration,
			m.laneConflictsTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordTurn(outcome string, duration time.Duration) {
	m := getMetrics()
	m.turnsTotal.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(duration.Seconds())
}

func RecordRetrieval(duration time.Duration, degraded bool) {
	m := getMetrics()
	m.retrievalDuration.Observe(duration.Seconds())
	if degraded {
		m.retrievalDegradedTotal.Inc()
	}
}

func RecordIndexSync(duration time.Duration, chunks int) {
	m := getMetrics()
	m.indexSyncDuration.Observe(duration.Seconds())
	m.indexChunksTotal.Set(float64(chunks))
}

// RecordToolCall counts a tool invocation. status is "ok" or the tool error kind.
func RecordToolCall(tool, status string, duration time.Duration) {
	m := getMetrics()
	m.toolCallsTotal.WithLabelValues(tool, status).Inc()
	m.toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordModelCall(client string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.modelCallsTotal.WithLabelValues(client, status).Inc()
	m.modelCallDuration.WithLabelValues(client).Observe(duration.Seconds())
}

func RecordModelRetry(client string) {
	getMetrics().modelRetriesTotal.WithLabelValues(client).Inc()
}

func RecordEvaluation(passed bool) {
	result := "fail"
	if passed {
		result = "pass"
	}
	getMetrics().evaluationsTotal.WithLabelValues(result).Inc()
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionAppend(duration time.Duration) {
	getMetrics().sessionAppendDuration.Observe(duration.Seconds())
}

func RecordSessionsExpired(count int) {
	getMetrics().sessionsExpiredTotal.Add(float64(count))
}

func RecordLaneWait(duration time.Duration, conflict bool) {
	m := getMetrics()
	m.laneWaitDuration.Observe(duration.Seconds())
	if conflict {
		m.laneConflictsTotal.Inc()
	}
}
