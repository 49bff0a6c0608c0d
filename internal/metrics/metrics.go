// Package metrics holds the domain counters exported on /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	SecretWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "secretflow_secret_writes_total",
		Help: "Secret mutations landed in the version store, by operation.",
	}, []string{"op"})

	ApprovalTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "secretflow_approval_transitions_total",
		Help: "Approval request state transitions, by target status.",
	}, []string{"status"})

	SnapshotsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "secretflow_snapshots_created_total",
		Help: "Snapshots committed.",
	})

	Rollbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "secretflow_rollbacks_total",
		Help: "Snapshot rollbacks, by result.",
	}, []string{"result"})

	PermissionDenials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "secretflow_permission_denials_total",
		Help: "Permission checks that denied access, by subject.",
	}, []string{"subject"})

	WorkerTasksDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "secretflow_worker_tasks_dropped_total",
		Help: "Background tasks rejected because the worker pool was saturated or closed.",
	})
)

func init() {
	prometheus.MustRegister(SecretWrites, ApprovalTransitions, SnapshotsCreated, Rollbacks, PermissionDenials, WorkerTasksDropped)
}
