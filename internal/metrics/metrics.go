package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/simplethrottle/internal/version"
)

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec
	errorsTotal    *prometheus.CounterVec

	profilingActive prometheus.Gauge

	// throttle metrics
	checksTotal        *prometheus.CounterVec
	incrementsTotal    *prometheus.CounterVec
	resetsTotal        prometheus.Counter
	storeErrorsTotal   *prometheus.CounterVec
	scriptReloadsTotal prometheus.Counter
	throttleOpDuration *prometheus.HistogramVec
	throttleLimit      *prometheus.GaugeVec

	guardDeniedTotal prometheus.Counter
}

// New returns a fresh registry + standard collectors + HTTP metrics
// safe labels only (method, route, code, throttle name) to avoid
// cardinality explosions; throttle names come from config, not requests
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered HTTP handler panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		checksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "throttle_checks_total",
			Help: "Total admission checks by throttle and outcome (allowed|denied)",
		}, []string{"throttle", "outcome"}),
		incrementsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "throttle_increments_total",
			Help: "Total increment operations by throttle",
		}, []string{"throttle"}),
		resetsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "throttle_resets_total",
			Help: "Total reset operations",
		}),
		storeErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "throttle_store_errors_total",
			Help: "Total store/transport failures surfaced to callers, by operation",
		}, []string{"op"}),
		scriptReloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "throttle_script_reloads_total",
			Help: "Times the window script had to be reloaded after the store forgot it",
		}),
		throttleOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "throttle_op_duration_seconds",
			Help:    "Store round-trip latency by operation",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}, []string{"op"}),
		throttleLimit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "throttle_limit",
			Help: "Configured limit per throttle (events per window)",
		}, []string{"throttle"}),
		guardDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_guard_denied_total",
			Help: "Total requests rejected by the local per-IP guard",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.buildInfo,
		m.errorsTotal,
		m.profilingActive,
		m.checksTotal,
		m.incrementsTotal,
		m.resetsTotal,
		m.storeErrorsTotal,
		m.scriptReloadsTotal,
		m.throttleOpDuration,
		m.throttleLimit,
		m.guardDeniedTotal,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi *version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncCheck(throttle string, allowed bool) {
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	m.checksTotal.WithLabelValues(throttle, outcome).Inc()
}

func (m *ServerMetrics) IncIncrement(throttle string) {
	m.incrementsTotal.WithLabelValues(throttle).Inc()
}

func (m *ServerMetrics) IncReset() {
	m.resetsTotal.Inc()
}

func (m *ServerMetrics) IncStoreError(op string) {
	m.storeErrorsTotal.WithLabelValues(op).Inc()
}

func (m *ServerMetrics) IncScriptReload() {
	m.scriptReloadsTotal.Inc()
}

func (m *ServerMetrics) ObserveThrottleOp(op string, seconds float64) {
	m.throttleOpDuration.WithLabelValues(op).Observe(seconds)
}

func (m *ServerMetrics) SetThrottleLimit(throttle string, limit float64) {
	m.throttleLimit.WithLabelValues(throttle).Set(limit)
}

func (m *ServerMetrics) IncGuardDenied() {
	m.guardDeniedTotal.Inc()
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}
