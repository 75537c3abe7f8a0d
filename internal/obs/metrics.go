// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jamesross/pmcad/internal/config"
)

var (
	DocsClaimed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pmcad_docs_claimed_total",
		Help: "Total number of documents claimed by a stage driver",
	}, []string{"stage"})
	DocsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pmcad_docs_completed_total",
		Help: "Total number of documents marked done by a stage driver, regardless of step outcome",
	}, []string{"stage"})
	StepFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pmcad_step_failures_total",
		Help: "Total number of sub-pipeline step attempts that ended in the taxonomy's InfoError",
	}, []string{"stage", "step"})
	StepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pmcad_step_duration_seconds",
		Help:    "Histogram of sub-pipeline step wall-clock durations",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage", "step"})
	LLMCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pmcad_llm_calls_total",
		Help: "Total number of LLM.Query calls issued by stage callables",
	}, []string{"stage"})
	LLMErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pmcad_llm_errors_total",
		Help: "Total number of LLM.Query calls that returned an error",
	}, []string{"stage"})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pmcad_queue_depth",
		Help: "Current number of not-yet-done items in a store queue",
	}, []string{"queue"})
	StageInflight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pmcad_stage_inflight",
		Help: "Current number of documents claimed in-flight by a stage",
	}, []string{"stage"})
	RateLimiterWaitSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pmcad_rate_limiter_wait_seconds",
		Help:    "Time spent blocked acquiring the cross-process global rate limiter",
		Buckets: prometheus.DefBuckets,
	}, []string{"service"})
	JudgeMatchRate = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pmcad_judge_matches_total",
		Help: "Total number of ontology candidate judgments that resolved to a non-None match, by db_type",
	}, []string{"db_type"})
	ComposerRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pmcad_composer_restarts_total",
		Help: "Total number of times the composer restarted a crashed stage process",
	}, []string{"stage"})
)

func init() {
	prometheus.MustRegister(
		DocsClaimed, DocsCompleted, StepFailures, StepDuration,
		LLMCalls, LLMErrors, QueueDepth, StageInflight,
		RateLimiterWaitSeconds, JudgeMatchRate, ComposerRestarts,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled
// shutdown. Unlike StartHTTPServer it registers no health endpoints;
// cmd/pmcad itself starts StartHTTPServer for both run-stage and compose.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
