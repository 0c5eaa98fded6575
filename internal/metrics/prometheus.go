// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var durationBuckets = []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// coach_inflight_requests
	inFlight prometheus.Gauge

	// coach_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// coach_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// coach_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// coach_rejections_total{reason}
	rejections *prometheus.CounterVec

	// coach_upstream_calls_total{mode,outcome}
	upstreamCalls *prometheus.CounterVec

	// coach_upstream_call_duration_seconds{mode,outcome}
	upstreamDuration *prometheus.HistogramVec

	// coach_upstream_retries_total
	upstreamRetries prometheus.Counter

	// coach_stream_bytes_total
	streamBytes prometheus.Counter

	// coach_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// coach_dependency_health{dependency}
	dependencyHealth *prometheus.GaugeVec

	// coach_error_reports_total{result}
	errorReports *prometheus.CounterVec

	// coach_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coach_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coach_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coach_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (until the handler returns; excludes stream relay)",
				Buckets: durationBuckets,
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coach_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coach_rejections_total",
				Help: "Requests rejected before reaching the upstream, by reason",
			},
			[]string{"reason"},
		),

		upstreamCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coach_upstream_calls_total",
				Help: "Upstream completion calls by response mode and outcome",
			},
			[]string{"mode", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coach_upstream_call_duration_seconds",
				Help:    "Upstream call duration in seconds (streaming: until headers arrive)",
				Buckets: durationBuckets,
			},
			[]string{"mode", "outcome"},
		),

		upstreamRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coach_upstream_retries_total",
			Help: "Buffered upstream calls retried after a transport failure",
		}),

		streamBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coach_stream_bytes_total",
			Help: "Bytes relayed to clients on streaming responses",
		}),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coach_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		dependencyHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "coach_dependency_health",
				Help: "Dependency health status (1=ok, 0=degraded)",
			},
			[]string{"dependency"},
		),

		errorReports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coach_error_reports_total",
				Help: "Error reports handed to the error sink, by result (delivered, failed, dropped)",
			},
			[]string{"result"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "coach_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.rejections,
		r.upstreamCalls,
		r.upstreamDuration,
		r.upstreamRetries,
		r.streamBytes,
		r.rateLimitTotal,
		r.dependencyHealth,
		r.errorReports,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes int) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
}

// RecordRejection counts a request answered before the upstream call.
func (r *Registry) RecordRejection(reason string) {
	r.rejections.WithLabelValues(reason).Inc()
}

// ObserveUpstreamCall records one upstream call. attempts > 1 means the
// buffered call was retried.
func (r *Registry) ObserveUpstreamCall(mode, outcome string, attempts int, dur time.Duration) {
	r.upstreamCalls.WithLabelValues(mode, outcome).Inc()
	r.upstreamDuration.WithLabelValues(mode, outcome).Observe(dur.Seconds())
	if attempts > 1 {
		r.upstreamRetries.Add(float64(attempts - 1))
	}
}

func (r *Registry) AddStreamBytes(n int64) {
	if n > 0 {
		r.streamBytes.Add(float64(n))
	}
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) SetDependencyHealth(dependency string, ok bool) {
	if ok {
		r.dependencyHealth.WithLabelValues(dependency).Set(1)
		return
	}
	r.dependencyHealth.WithLabelValues(dependency).Set(0)
}

// ErrorReportDelivered implements errsink.Observer.
func (r *Registry) ErrorReportDelivered(count int, ok bool) {
	result := "delivered"
	if !ok {
		result = "failed"
	}
	r.errorReports.WithLabelValues(result).Add(float64(count))
}

// ErrorReportDropped implements errsink.Observer.
func (r *Registry) ErrorReportDropped() {
	r.errorReports.WithLabelValues("dropped").Inc()
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}
