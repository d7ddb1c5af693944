// Package metrics owns the prometheus registry served on the ops listener.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/windowgate/internal/version"
)

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec

	profilingActive prometheus.Gauge

	decisionsTotal     *prometheus.CounterVec
	trackedIdentifiers *prometheus.GaugeVec
	sweptTotal         *prometheus.CounterVec
	capacityTotal      *prometheus.CounterVec
	backendErrorsTotal *prometheus.CounterVec
	policySource       *prometheus.GaugeVec
}

// New returns a fresh registry with the go and process collectors, HTTP
// metrics and rate limit metrics. Labels are bounded: policy names come from
// configuration and never from requests.
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
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{64, 128, 256, 512, 1024, 4096, 16384},
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered handler panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_decisions_total",
			Help: "Rate limit decisions by policy and outcome (admitted, rejected)",
		}, []string{"policy", "outcome"}),
		trackedIdentifiers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ratelimit_tracked_identifiers",
			Help: "Identifiers currently held by the in-memory store, by policy",
		}, []string{"policy"}),
		sweptTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_swept_identifiers_total",
			Help: "Idle identifiers removed by the sweep, by policy",
		}, []string{"policy"}),
		capacityTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_capacity_reached_total",
			Help: "Times the identifier cap started evicting least recently seen identifiers, by policy",
		}, []string{"policy"}),
		backendErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_backend_errors_total",
			Help: "Distributed backend failures by policy and the fail mode applied",
		}, []string{"policy", "fail_mode"}),
		policySource: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ratelimit_policy_source_info",
			Help: "Where policies were loaded from (label carries value, gauge is always 1)",
		}, []string{"source"}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.buildInfo,
		m.profilingActive,
		m.decisionsTotal,
		m.trackedIdentifiers,
		m.sweptTotal,
		m.capacityTotal,
		m.backendErrorsTotal,
		m.policySource,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

func (m *ServerMetrics) IncHTTPPanic() {
	m.httpPanicTotal.Inc()
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         vi.App,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildID,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

func (m *ServerMetrics) ObserveDecision(policy string, admitted bool) {
	outcome := "rejected"
	if admitted {
		outcome = "admitted"
	}
	m.decisionsTotal.WithLabelValues(policy, outcome).Inc()
}

func (m *ServerMetrics) SetTrackedIdentifiers(policy string, n int) {
	m.trackedIdentifiers.WithLabelValues(policy).Set(float64(n))
}

func (m *ServerMetrics) AddSwept(policy string, n int) {
	if n > 0 {
		m.sweptTotal.WithLabelValues(policy).Add(float64(n))
	}
}

func (m *ServerMetrics) IncCapacity(policy string) {
	m.capacityTotal.WithLabelValues(policy).Inc()
}

func (m *ServerMetrics) IncBackendError(policy, failMode string) {
	m.backendErrorsTotal.WithLabelValues(policy, failMode).Inc()
}

func (m *ServerMetrics) SetPolicySource(source string) {
	m.policySource.Reset() // clear previous label value
	m.policySource.WithLabelValues(source).Set(1)
}
