// Package metrics holds the Prometheus collectors shared by the scheduler,
// executors and triggerer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	executorOpenSlots = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "windsock_executor_open_slots",
			Help: "Number of open slots on the executor",
		},
		[]string{"executor"},
	)

	executorQueued = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "windsock_executor_queued_workloads",
			Help: "Number of workloads queued on the executor and not yet launched",
		},
		[]string{"executor"},
	)

	executorRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "windsock_executor_running_workloads",
			Help: "Number of workloads the executor has launched and not yet finished",
		},
		[]string{"executor"},
	)

	stateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "windsock_task_instance_transitions_total",
			Help: "Task instance state transitions by target state",
		},
		[]string{"state"},
	)

	callbacksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "windsock_callbacks_finished_total",
			Help: "Executor callbacks finished by final state",
		},
		[]string{"state"},
	)

	zombies = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "windsock_zombies_killed_total",
			Help: "Running task instances failed because their heartbeat went stale",
		},
	)

	schedulerLoop = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "windsock_scheduler_loop_duration_seconds",
			Help:    "Duration of one scheduler loop iteration",
			Buckets: prometheus.DefBuckets,
		},
	)

	triggersRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "windsock_triggerer_running_triggers",
			Help: "Triggers currently running in this triggerer",
		},
	)
)

// RecordExecutorSlots publishes an executor's slot usage.
func RecordExecutorSlots(executor string, open, queued, running int) {
	executorOpenSlots.WithLabelValues(executor).Set(float64(open))
	executorQueued.WithLabelValues(executor).Set(float64(queued))
	executorRunning.WithLabelValues(executor).Set(float64(running))
}

// RecordStateTransition counts a task instance moving into state.
func RecordStateTransition(state string) {
	stateTransitions.WithLabelValues(state).Inc()
}

// RecordCallbackFinished counts a callback reaching a final state.
func RecordCallbackFinished(state string) {
	callbacksFinished.WithLabelValues(state).Inc()
}

// RecordZombie counts a zombie task instance.
func RecordZombie() {
	zombies.Inc()
}

// ObserveSchedulerLoop records how long one scheduler iteration took.
func ObserveSchedulerLoop(d time.Duration) {
	schedulerLoop.Observe(d.Seconds())
}

// SetRunningTriggers publishes the number of running triggers.
func SetRunningTriggers(n int) {
	triggersRunning.Set(float64(n))
}
