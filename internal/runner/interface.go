// Package runner provides workload execution.
// Runner is what a worker uses to actually run a task or callback workload
// it received from an executor.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	v1 "github.com/kination/windsock/api/v1"
	"github.com/kination/windsock/internal/workloads"
)

var (
	// ErrTaskNotFound is returned when the workload names a task the DAG source does not know
	ErrTaskNotFound = errors.New("task not found")
	// ErrInvalidToken is returned when the workload token does not match the workload
	ErrInvalidToken = errors.New("invalid workload token")
)

// Runner defines the interface for workload execution.
type Runner interface {
	// Run executes a workload to completion and returns the result
	Run(ctx context.Context, w workloads.Routable) *RunResult
}

// DagSource resolves the DAG a workload belongs to
type DagSource interface {
	GetDag(dagID string) (*v1.Dag, error)
}

// RunResult contains the result of workload execution
type RunResult struct {
	// Key is the key of the executed workload
	Key v1.WorkloadKey

	// State is the final state: success, failed or deferred
	State v1.TaskInstanceState

	// Message contains any additional information
	Message string

	// Deferral is set when State is deferred
	Deferral *workloads.Deferral
}

// Result converts the run result into the executor's result type
func (r *RunResult) Result() workloads.Result {
	res := workloads.Result{Key: r.Key, State: r.State, Deferral: r.Deferral}
	if r.State == v1.StateFailed {
		res.Err = errors.New(r.Message)
	}
	return res
}

// RunnerConfig holds configuration for the runner
type RunnerConfig struct {
	// BashPath runs Bash tasks
	BashPath string

	// PythonPath runs Python tasks
	PythonPath string

	// LogDir is where task logs are written, by workload log path.
	// Output is discarded when empty.
	LogDir string

	// Validator checks workload tokens when set
	Validator workloads.TokenValidator
}

// DefaultRunnerConfig returns the default runner configuration
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		BashPath:   "/bin/bash",
		PythonPath: "python3",
	}
}

// DeferError is returned by a Go task that wants to wait on a trigger
// instead of holding a worker slot.
type DeferError struct {
	Classpath string
	Kwargs    map[string]any
	Timeout   time.Duration
}

func (e *DeferError) Error() string {
	return fmt.Sprintf("task deferred to trigger %s", e.Classpath)
}

// Defer returns a DeferError for the given trigger.
func Defer(classpath string, kwargs map[string]any, timeout time.Duration) error {
	return &DeferError{Classpath: classpath, Kwargs: kwargs, Timeout: timeout}
}
