// Package metrics holds the Prometheus collectors for rule dispatch and
// workflow transitions. Collectors register with the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RulesEvaluated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dealflow_rules_evaluated_total",
		Help: "Total number of candidate rules evaluated, by outcome",
	}, []string{"entity_type", "trigger_type", "outcome"})

	ActionsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dealflow_rule_actions_total",
		Help: "Total number of rule actions executed",
	}, []string{"action", "result"})

	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dealflow_dispatch_duration_seconds",
		Help:    "Duration of a trigger dispatch",
		Buckets: prometheus.DefBuckets,
	}, []string{"trigger_type"})

	WorkflowTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dealflow_workflow_transitions_total",
		Help: "Total number of workflow step moves",
	}, []string{"entity_type", "result"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dealflow_http_requests_total",
		Help: "Total number of API requests",
	}, []string{"method", "route", "status_code"})

	ScheduledRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dealflow_scheduled_runs_total",
		Help: "Total number of scheduled rule runs",
	}, []string{"result"})
)
