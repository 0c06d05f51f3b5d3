package metrics

import "github.com/prometheus/client_golang/prometheus"

var HTTPRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "promptgen_http_requests_total",
		Help: "Total number of HTTP requests received",
	},
	[]string{"route", "status", "method"},
)

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "promptgen_http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"route", "method"},
)

var RateLimitRejectionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "promptgen_rate_limit_rejections_total",
		Help: "Total number of HTTP requests rejected by the per-user rate limiter",
	},
)

var CacheRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "promptgen_cache_requests_total",
		Help: "Cache lookups by payload class and outcome (local_hit, remote_hit, miss)",
	},
	[]string{"class", "result"},
)

var CacheRemoteErrorsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "promptgen_cache_remote_errors_total",
		Help: "Failures talking to the shared cache tier",
	},
	[]string{"class", "op"},
)

var QuotaDecisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "promptgen_quota_decisions_total",
		Help: "Quota gate decisions by plan tier",
	},
	[]string{"plan", "decision"},
)

var ProviderRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "promptgen_provider_requests_total",
		Help: "Completion provider attempts by outcome",
	},
	[]string{"outcome"},
)

var ProviderRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "promptgen_provider_request_duration_seconds",
		Help:    "Duration of single completion provider attempts",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	},
	[]string{"outcome"},
)

var GenerationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "promptgen_generations_total",
		Help: "Completed generations by mode, source and cache status",
	},
	[]string{"mode", "source", "cached"},
)

var GenerationFailuresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "promptgen_generation_failures_total",
		Help: "Generations that ended in the FAILED state",
	},
	[]string{"mode", "code"},
)

var GenerationDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "promptgen_generation_duration_seconds",
		Help:    "End-to-end generation time",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"mode", "source"},
)

var BackgroundWritesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "promptgen_background_writes_total",
		Help: "Fire-and-forget history/statistics/event writes by kind and outcome",
	},
	[]string{"kind", "outcome"},
)

func InitAPIMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(RateLimitRejectionsTotal)
}

func InitPipelineMetrics() {
	prometheus.MustRegister(CacheRequestsTotal)
	prometheus.MustRegister(CacheRemoteErrorsTotal)
	prometheus.MustRegister(QuotaDecisionsTotal)
	prometheus.MustRegister(ProviderRequestsTotal)
	prometheus.MustRegister(ProviderRequestDuration)
	prometheus.MustRegister(GenerationsTotal)
	prometheus.MustRegister(GenerationFailuresTotal)
	prometheus.MustRegister(GenerationDuration)
	prometheus.MustRegister(BackgroundWritesTotal)
}

// Init registers every collector with the default registry. Call it once at
// start-up.
func Init() {
	InitAPIMetrics()
	InitPipelineMetrics()
}
