package v1

// TaskInstanceState represents the current state of a task instance.
// The empty string is the state of a task instance nothing has looked at yet.
type TaskInstanceState string

const (
	StateNone           TaskInstanceState = ""
	StateScheduled      TaskInstanceState = "scheduled"
	StateQueued         TaskInstanceState = "queued"
	StateRunning        TaskInstanceState = "running"
	StateSuccess        TaskInstanceState = "success"
	StateFailed         TaskInstanceState = "failed"
	StateUpForRetry     TaskInstanceState = "up_for_retry"
	StateUpstreamFailed TaskInstanceState = "upstream_failed"
	StateSkipped        TaskInstanceState = "skipped"
	StateDeferred       TaskInstanceState = "deferred"
	StateRemoved        TaskInstanceState = "removed"
)

// Finished reports whether no further transitions are expected.
func (s TaskInstanceState) Finished() bool {
	switch s {
	case StateSuccess, StateFailed, StateSkipped, StateUpstreamFailed, StateRemoved:
		return true
	}
	return false
}

// Failed reports whether the state counts as a failure for trigger rules.
func (s TaskInstanceState) Failed() bool {
	return s == StateFailed || s == StateUpstreamFailed
}

func (s TaskInstanceState) String() string {
	if s == StateNone {
		return "none"
	}
	return string(s)
}

// DagRunState represents the overall state of a DAG run.
type DagRunState string

const (
	DagRunQueued  DagRunState = "queued"
	DagRunRunning DagRunState = "running"
	DagRunSuccess DagRunState = "success"
	DagRunFailed  DagRunState = "failed"
)

// Finished reports whether the run has completed.
func (s DagRunState) Finished() bool {
	return s == DagRunSuccess || s == DagRunFailed
}

// CallbackState represents the lifecycle of an executor callback.
type CallbackState string

const (
	CallbackPending CallbackState = "pending"
	CallbackQueued  CallbackState = "queued"
	CallbackRunning CallbackState = "running"
	CallbackSuccess CallbackState = "success"
	CallbackFailed  CallbackState = "failed"
)
