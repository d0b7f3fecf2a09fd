package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quarry_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	ConversationsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quarry_conversations_active",
		Help: "Number of active conversations",
	})

	MessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quarry_messages_total",
		Help: "Total messages processed",
	})

	ReasoningRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_reasoning_runs_total",
		Help: "Total reasoning runs by terminal action",
	}, []string{"action"})

	ReasoningIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quarry_reasoning_iterations",
		Help:    "Retrieval iterations per reasoning run",
		Buckets: []float64{1, 2, 3, 4, 5, 6},
	})

	SubqueriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quarry_subqueries_total",
		Help: "Total subqueries executed against the corpus",
	})

	CorpusExpansionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quarry_corpus_expansions_total",
		Help: "Total corpus expansion suggestions issued",
	})

	LLMRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_llm_requests_total",
		Help: "Total LLM requests",
	}, []string{"model", "status"})

	LLMRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quarry_llm_request_duration_seconds",
		Help:    "LLM request duration",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"model"})

	LLMParseFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_llm_parse_failures_total",
		Help: "LLM responses that failed strict JSON parsing",
	}, []string{"stage"})

	EmbeddingRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quarry_embedding_request_duration_seconds",
		Help:    "Embedding request duration",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	})
)
