// Package sdk builds DAGs in Go code. Go tasks are registered with the
// runner under the DAG and task they belong to; bash tasks run a command.
package sdk

import (
	"errors"
	"fmt"
	"time"

	v1 "github.com/kination/windsock/api/v1"
	"github.com/kination/windsock/internal/dagbag"
	"github.com/kination/windsock/internal/runner"
)

// Task represents a unit of work in a DAG
type Task struct {
	Name string
	// Fn runs the task; when nil, Command runs as a bash task
	Fn           runner.TaskFunc
	Command      string
	Dependencies []string
	Options      []TaskOption
}

// TaskOption customizes the spec of a task
type TaskOption func(*v1.TaskSpec)

// WithRetries retries a failed task n times, delay apart
func WithRetries(n int, delay time.Duration) TaskOption {
	return func(t *v1.TaskSpec) {
		t.Retries = n
		t.RetryDelay = delay
	}
}

// WithExponentialBackoff doubles the retry delay on every try, up to maxDelay
func WithExponentialBackoff(maxDelay time.Duration) TaskOption {
	return func(t *v1.TaskSpec) {
		t.RetryExponentialBackoff = true
		t.MaxRetryDelay = maxDelay
	}
}

// WithPool runs the task in a pool, taking slots of it
func WithPool(name string, slots int) TaskOption {
	return func(t *v1.TaskSpec) {
		t.Pool = name
		t.PoolSlots = slots
	}
}

func WithQueue(queue string) TaskOption {
	return func(t *v1.TaskSpec) { t.Queue = queue }
}

func WithPriority(weight int, rule v1.WeightRule) TaskOption {
	return func(t *v1.TaskSpec) {
		t.PriorityWeight = weight
		t.WeightRule = rule
	}
}

func WithTriggerRule(rule v1.TriggerRule) TaskOption {
	return func(t *v1.TaskSpec) { t.TriggerRule = rule }
}

// WithExecutor routes the task to a named executor
func WithExecutor(name string, config map[string]any) TaskOption {
	return func(t *v1.TaskSpec) {
		t.Executor = name
		t.ExecutorConfig = config
	}
}

func WithTimeout(d time.Duration) TaskOption {
	return func(t *v1.TaskSpec) { t.ExecutionTimeout = d }
}

// DAGBuilder provides fluent API for building DAGs
type DAGBuilder struct {
	dag   v1.Dag
	funcs map[string]runner.TaskFunc
	errs  []error
}

// NewDAG creates a new DAG builder
func NewDAG(dagID string) *DAGBuilder {
	return &DAGBuilder{
		dag:   v1.Dag{DagID: dagID},
		funcs: make(map[string]runner.TaskFunc),
	}
}

// Schedule sets an "@every <duration>" schedule
func (b *DAGBuilder) Schedule(every time.Duration) *DAGBuilder {
	b.dag.Spec.Schedule = "@every " + every.String()
	return b
}

// MaxActive limits concurrently running tasks and active runs of the DAG
func (b *DAGBuilder) MaxActive(tasks, runs int) *DAGBuilder {
	b.dag.Spec.MaxActiveTasks = tasks
	b.dag.Spec.MaxActiveRuns = runs
	return b
}

// OnSuccess sets the callback run when a run succeeds
func (b *DAGBuilder) OnSuccess(path string, kwargs map[string]any) *DAGBuilder {
	b.dag.Spec.OnSuccessCallback = &v1.CallbackRef{Path: path, Kwargs: kwargs}
	return b
}

// OnFailure sets the callback run when a run fails
func (b *DAGBuilder) OnFailure(path string, kwargs map[string]any) *DAGBuilder {
	b.dag.Spec.OnFailureCallback = &v1.CallbackRef{Path: path, Kwargs: kwargs}
	return b
}

// AddTask adds a Go task with optional dependencies
func (b *DAGBuilder) AddTask(name string, fn runner.TaskFunc, deps ...string) *DAGBuilder {
	return b.add(Task{Name: name, Fn: fn, Dependencies: deps})
}

// AddBashTask adds a task running command with optional dependencies
func (b *DAGBuilder) AddBashTask(name, command string, deps ...string) *DAGBuilder {
	return b.add(Task{Name: name, Command: command, Dependencies: deps})
}

// AddSequential adds tasks that run sequentially (each depends on previous)
func (b *DAGBuilder) AddSequential(tasks ...Task) *DAGBuilder {
	var prevName string
	for _, t := range tasks {
		if prevName != "" {
			t.Dependencies = append([]string{prevName}, t.Dependencies...)
		}
		b.add(t)
		prevName = t.Name
	}
	return b
}

// AddParallel adds tasks that run in parallel (same dependencies)
func (b *DAGBuilder) AddParallel(afterTask string, tasks ...Task) *DAGBuilder {
	for _, t := range tasks {
		if afterTask != "" {
			t.Dependencies = append([]string{afterTask}, t.Dependencies...)
		}
		b.add(t)
	}
	return b
}

// AddJoin adds a task that runs once any of waitFor succeeded and the rest are done
func (b *DAGBuilder) AddJoin(name string, fn runner.TaskFunc, waitFor ...string) *DAGBuilder {
	return b.add(Task{
		Name:         name,
		Fn:           fn,
		Dependencies: waitFor,
		Options:      []TaskOption{WithTriggerRule(v1.TriggerOneSuccess)},
	})
}

func (b *DAGBuilder) add(t Task) *DAGBuilder {
	spec := v1.TaskSpec{Name: t.Name, Dependencies: t.Dependencies}
	switch {
	case t.Fn != nil && t.Command != "":
		b.errs = append(b.errs, fmt.Errorf("task %q has both a function and a command", t.Name))
		return b
	case t.Fn != nil:
		spec.Type = v1.TaskTypeGo
		b.funcs[t.Name] = t.Fn
	default:
		spec.Type = v1.TaskTypeBash
		spec.Command = t.Command
	}
	for _, opt := range t.Options {
		opt(&spec)
	}
	b.dag.Spec.Tasks = append(b.dag.Spec.Tasks, spec)
	return b
}

// Build validates the DAG and returns it with defaults filled in
func (b *DAGBuilder) Build() (*v1.Dag, error) {
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("%w: %s: %w", dagbag.ErrInvalidDag, b.dag.DagID, errors.Join(b.errs...))
	}
	dag := b.dag.Clone()
	if err := dagbag.Prepare(dag); err != nil {
		return nil, err
	}
	return dag, nil
}

// Register adds the DAG to bag and its Go tasks to tasks
func (b *DAGBuilder) Register(bag *dagbag.DagBag, tasks *runner.TaskRegistry) error {
	dag, err := b.Build()
	if err != nil {
		return err
	}
	if err := bag.Register(dag); err != nil {
		return err
	}
	for name, fn := range b.funcs {
		tasks.Register(dag.DagID, name, fn)
	}
	return nil
}
