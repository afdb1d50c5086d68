package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "labmesh_query_duration_seconds",
			Help:    "Answer pipeline duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"mode"},
	)

	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labmesh_query_total",
			Help: "Total number of queries processed",
		},
		[]string{"status"},
	)

	ExtractionJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labmesh_extraction_jobs_total",
			Help: "Extraction jobs by terminal status",
		},
		[]string{"status"},
	)

	ExtractionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "labmesh_extraction_duration_seconds",
			Help:    "End-to-end extraction job duration",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		},
	)

	ParsingQuality = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labmesh_parsing_quality_total",
			Help: "Parsed documents by quality grade",
		},
		[]string{"quality"},
	)

	MeasurementsGated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "labmesh_measurements_gated_total",
			Help: "Candidate measurements dropped by the evidence gate",
		},
	)

	RetrievalMode = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labmesh_retrieval_mode_total",
			Help: "Queries answered per retrieval mode",
		},
		[]string{"mode"},
	)

	VerificationCaveats = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "labmesh_verification_caveats_total",
			Help: "Answers that received the numeric-verification caveat",
		},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labmesh_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"stage"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labmesh_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labmesh_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	CorrelationJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labmesh_correlation_jobs_total",
			Help: "Correlation jobs by terminal status",
		},
		[]string{"status"},
	)
)

func Init() {
	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(QueryTotal)
	prometheus.MustRegister(ExtractionJobs)
	prometheus.MustRegister(ExtractionDuration)
	prometheus.MustRegister(ParsingQuality)
	prometheus.MustRegister(MeasurementsGated)
	prometheus.MustRegister(RetrievalMode)
	prometheus.MustRegister(VerificationCaveats)
	prometheus.MustRegister(LLMTokensUsed)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(CorrelationJobs)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
