package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	workflowsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forgeline_engine_workflows_started_total",
		Help: "Workflows that entered their first stage.",
	})
	workflowsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forgeline_engine_workflows_finished_total",
		Help: "Workflows that reached a terminal status.",
	}, []string{"status"})
	stageTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forgeline_engine_stage_transitions_total",
		Help: "Stage results applied to the state machine.",
	}, []string{"outcome"})
	tasksDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forgeline_engine_tasks_dispatched_total",
		Help: "Agent tasks published to task channels.",
	})
	resultsDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forgeline_engine_results_discarded_total",
		Help: "Agent results discarded before applying.",
	}, []string{"reason"})
	casConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forgeline_engine_cas_conflicts_total",
		Help: "Optimistic-concurrency conflicts on workflow writes.",
	})
	tasksReaped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forgeline_engine_tasks_reaped_total",
		Help: "Tasks recovered by the pending and timeout reapers.",
	}, []string{"reaper"})
)
