package metrics

import (
	"bufio"
	"errors"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lottery_layer",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lottery_layer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lottery_layer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	roundsOpened = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lottery_rounds_opened_total",
			Help: "Total number of lottery rounds opened.",
		},
	)

	entries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lottery_entries_total",
			Help: "Total number of accepted entries.",
		},
	)

	settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lottery_settlements_total",
			Help: "Settlement attempts by result.",
		},
		[]string{"result"},
	)

	randomnessRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lottery_randomness_requests_total",
			Help: "Total number of randomness requests issued on close.",
		},
	)

	state = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lottery_state",
			Help: "Current round state (0 closed, 1 open, 2 calculating).",
		},
	)

	pool = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lottery_pool_base_units",
			Help: "Pooled balance in native base units.",
		},
	)

	entrants = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lottery_entrants",
			Help: "Entries recorded in the current round.",
		},
	)

	settlementDelay = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lottery_settlement_delay_seconds",
			Help:    "Time between closing a round and its settlement.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		},
	)

	automationExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lottery_layer",
			Subsystem: "automation",
			Name:      "job_runs_total",
			Help:      "Total number of automation job dispatches.",
		},
		[]string{"job", "success"},
	)

	automationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lottery_layer",
			Subsystem: "automation",
			Name:      "job_run_duration_seconds",
			Help:      "Duration of automation job executions.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"job"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		roundsOpened,
		entries,
		settlements,
		randomnessRequests,
		state,
		pool,
		entrants,
		settlementDelay,
		automationExecutions,
		automationDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordRoundOpened counts an opened round.
func RecordRoundOpened() {
	roundsOpened.Inc()
}

// RecordEntry counts an accepted entry.
func RecordEntry() {
	entries.Inc()
}

// RecordRandomnessRequest counts a randomness request issued on close.
func RecordRandomnessRequest() {
	randomnessRequests.Inc()
}

// RecordSettlement counts a settlement attempt. delay is only observed for
// successful settlements.
func RecordSettlement(result string, delay time.Duration) {
	if result == "" {
		result = "unknown"
	}
	settlements.WithLabelValues(result).Inc()
	if result == "paid" && delay > 0 {
		settlementDelay.Observe(delay.Seconds())
	}
}

// SetRoundGauges publishes the current state, pool and entrant count.
func SetRoundGauges(stateOrdinal int, poolBaseUnits *uint256.Int, entrantCount int) {
	state.Set(float64(stateOrdinal))
	entrants.Set(float64(entrantCount))
	if poolBaseUnits == nil {
		pool.Set(0)
		return
	}
	f, _ := new(big.Float).SetInt(poolBaseUnits.ToBig()).Float64()
	pool.Set(f)
}

// RecordAutomationExecution records metrics for automation job dispatches.
func RecordAutomationExecution(job string, duration time.Duration, success bool) {
	if job == "" {
		job = "unknown"
	}
	if duration <= 0 {
		duration = time.Millisecond
	}
	result := "false"
	if success {
		result = "true"
	}
	automationExecutions.WithLabelValues(job, result).Inc()
	automationDuration.WithLabelValues(job).Observe(duration.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) >= 4 && parts[1] == "lottery" && parts[2] == "players" {
		return "/" + strings.Join(parts[:3], "/") + "/:index"
	}
	if len(parts) > 3 {
		parts = parts[:3]
	}
	return "/" + strings.Join(parts, "/")
}
