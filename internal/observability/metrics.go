package observability

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "odr_http_requests_total",
		Help: "HTTP requests by route pattern, method and status code",
	}, []string{"route", "method", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odr_http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	LLMRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odr_llm_request_duration_seconds",
		Help:    "Duration of model inference requests",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
	}, []string{"model", "kind"})

	LLMRequestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "odr_llm_request_errors_total",
		Help: "Failed model inference requests",
	}, []string{"model", "kind"})

	SearchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "odr_search_requests_total",
		Help: "Web search requests by provider and outcome",
	}, []string{"provider", "status"})

	PipelineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "odr_pipeline_runs_total",
		Help: "Finished research pipelines by final status",
	}, []string{"status"})

	PipelineStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odr_pipeline_stage_duration_seconds",
		Help:    "Duration of research pipeline stages",
		Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300, 600},
	}, []string{"stage"})

	PipelineActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "odr_pipeline_active",
		Help: "Research pipelines currently running",
	})

	BenchmarkModelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odr_benchmark_model_duration_seconds",
		Help:    "Report generation time per benchmarked model",
		Buckets: []float64{1, 5, 10, 20, 30, 60, 120, 300},
	}, []string{"model", "status"})
)

// RegisterPoolGauge exports the number of busy pipeline workers as reported
// by running. Registering twice keeps the first collector.
func RegisterPoolGauge(running func() int) error {
	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "odr_pipeline_workers_busy",
		Help: "Pipeline pool workers currently running a job",
	}, func() float64 { return float64(running()) })

	err := prometheus.Register(gauge)

	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		return nil
	}

	return err
}
