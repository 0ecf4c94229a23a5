package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stepRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trivianft_workflow_step_retries_total",
		Help: "Number of retried workflow steps.",
	}, []string{"workflow", "step"})

	stepFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trivianft_workflow_step_failures_total",
		Help: "Number of workflow steps that exhausted retries or failed permanently.",
	}, []string{"workflow", "step"})

	operationsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trivianft_workflow_operations_total",
		Help: "Number of workflow operations finished, by workflow and outcome.",
	}, []string{"workflow", "outcome"})
)
