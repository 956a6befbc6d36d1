// Package metrics exposes Prometheus collectors. A nil *Collector is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector groups every metric the service records
type Collector struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	searchRequestsTotal *prometheus.CounterVec
	searchDuration      *prometheus.HistogramVec
	searchResults       prometheus.Histogram

	rerankFallbacks prometheus.Counter

	answersTotal    *prometheus.CounterVec
	answerDuration  prometheus.Histogram
	citationRemoved prometheus.Counter

	providerRequestsTotal *prometheus.CounterVec
	providerDuration      *prometheus.HistogramVec

	pipelineTransitions *prometheus.CounterVec
	embedFailures       *prometheus.CounterVec

	queryLogDropped prometheus.Counter
	gapAlerts       prometheus.Counter
	gapsActive      prometheus.Gauge
	jobRuns         *prometheus.CounterVec
}

// NewCollector registers the collectors on reg (the default registerer when nil)
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Collector{
		httpRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),

		searchRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_requests_total",
			Help:      "Searches by mode (hybrid, degraded, vector_only) and outcome",
		}, []string{"mode", "outcome"}),
		searchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Hybrid search latency",
			Buckets:   []float64{.025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"mode"}),
		searchResults: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_results",
			Help:      "Number of merged results per search",
			Buckets:   []float64{0, 1, 3, 5, 10, 20, 50},
		}),

		rerankFallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rerank_fallbacks_total",
			Help:      "Re-rank calls that fell back to the merged score",
		}),

		answersTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answers_total",
			Help:      "Answers by outcome (answered, abstained, error) and language",
		}, []string{"outcome", "language"}),
		answerDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "answer_duration_seconds",
			Help:      "End to end answer latency",
			Buckets:   []float64{.5, 1, 2, 5, 10, 20, 40, 80},
		}),
		citationRemoved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "citations_removed_total",
			Help:      "Citation markers stripped because they referenced no supplied source",
		}),

		providerRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "LLM provider calls by provider and outcome class",
		}, []string{"provider", "outcome"}),
		providerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_duration_seconds",
			Help:      "LLM provider call latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),

		pipelineTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_transitions_total",
			Help:      "Document stage transitions",
		}, []string{"from", "to"}),
		embedFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_embed_failures_total",
			Help:      "Chunk/embed stage failures by whether a retry was scheduled",
		}, []string{"retry_scheduled"}),

		queryLogDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_log_dropped_total",
			Help:      "Query log entries dropped because the buffer was full or the write failed",
		}),
		gapAlerts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gap_alerts_total",
			Help:      "Knowledge gap alert emails sent",
		}),
		gapsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gaps_active",
			Help:      "Active knowledge gaps after the last analysis",
		}),
		jobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Batch job runs by job and outcome (ok, error, skipped)",
		}, []string{"job", "outcome"}),
	}
}

func (c *Collector) RecordHTTP(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (c *Collector) RecordSearch(mode, outcome string, results int, d time.Duration) {
	if c == nil {
		return
	}
	c.searchRequestsTotal.WithLabelValues(mode, outcome).Inc()
	c.searchDuration.WithLabelValues(mode).Observe(d.Seconds())
	c.searchResults.Observe(float64(results))
}

func (c *Collector) RecordRerankFallback() {
	if c == nil {
		return
	}
	c.rerankFallbacks.Inc()
}

func (c *Collector) RecordAnswer(outcome, language string, removedCitations int, d time.Duration) {
	if c == nil {
		return
	}
	c.answersTotal.WithLabelValues(outcome, language).Inc()
	c.answerDuration.Observe(d.Seconds())
	c.citationRemoved.Add(float64(removedCitations))
}

func (c *Collector) RecordProvider(provider, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.providerRequestsTotal.WithLabelValues(provider, outcome).Inc()
	c.providerDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func (c *Collector) RecordTransition(from, to string) {
	if c == nil {
		return
	}
	c.pipelineTransitions.WithLabelValues(from, to).Inc()
}

func (c *Collector) RecordEmbedFailure(retryScheduled bool) {
	if c == nil {
		return
	}
	c.embedFailures.WithLabelValues(strconv.FormatBool(retryScheduled)).Inc()
}

func (c *Collector) RecordQueryLogDropped() {
	if c == nil {
		return
	}
	c.queryLogDropped.Inc()
}

func (c *Collector) RecordGapAlert() {
	if c == nil {
		return
	}
	c.gapAlerts.Inc()
}

func (c *Collector) SetActiveGaps(n int) {
	if c == nil {
		return
	}
	c.gapsActive.Set(float64(n))
}

func (c *Collector) RecordJob(job, outcome string) {
	if c == nil {
		return
	}
	c.jobRuns.WithLabelValues(job, outcome).Inc()
}
