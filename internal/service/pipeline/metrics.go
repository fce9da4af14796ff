package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veda_pipeline_stage_failures_total",
		Help: "Pipeline stage failures recovered by fallback, by stage.",
	}, []string{"stage"})

	generationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "veda_pipeline_generation_seconds",
		Help:    "Time spent in the generation stage.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	}, []string{"mode"})
)
