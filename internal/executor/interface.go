// Package executor provides the Executor interface, the bookkeeping shared by
// all executors, and the registry the scheduler routes workloads through.
package executor

import (
	"context"
	"errors"

	v1 "github.com/kination/windsock/api/v1"
	"github.com/kination/windsock/internal/workloads"
)

var (
	// ErrUnsupportedWorkload is returned when an executor is handed a workload it cannot run.
	ErrUnsupportedWorkload = errors.New("unsupported workload")
	// ErrExecutorNotFound is returned by the registry for unknown executor names.
	ErrExecutorNotFound = errors.New("executor not found")
)

// Executor runs workloads handed to it by the scheduler and reports back what
// happened to them through its event buffer.
type Executor interface {
	// Name is the name the scheduler routes workloads by
	Name() string

	// Start prepares the executor; called once before the first heartbeat
	Start(ctx context.Context) error

	// QueueWorkload accepts a workload; it is launched on a later heartbeat
	QueueWorkload(w workloads.Workload) error

	// HasTask reports whether the key is queued or running
	HasTask(key v1.WorkloadKey) bool

	// Heartbeat launches queued workloads into open slots and syncs state
	Heartbeat(ctx context.Context) error

	// GetEventBuffer drains state changes, optionally only for the given DAGs
	GetEventBuffer(dagIDs ...string) map[v1.WorkloadKey]workloads.Result

	// OpenSlots is how many more workloads may run right now
	OpenSlots() int

	// SlotsAvailable is OpenSlots minus workloads queued but not yet launched
	SlotsAvailable() int

	// End waits for running workloads to finish
	End(ctx context.Context) error

	// Terminate stops running workloads without waiting
	Terminate(ctx context.Context) error
}

// Backend is the part of an executor that actually launches and tracks work.
type Backend interface {
	// ExecuteAsync launches a workload; it must not wait for it to finish
	ExecuteAsync(ctx context.Context, w workloads.Routable) error

	// Sync reports state changes of launched workloads back through the Base
	Sync(ctx context.Context) error
}
