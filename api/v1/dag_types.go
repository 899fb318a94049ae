package v1

import (
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// TaskType defines the type of task
type TaskType string

const (
	TaskTypeBash   TaskType = "Bash"
	TaskTypePython TaskType = "Python"
	TaskTypeGo     TaskType = "Go"
)

// TriggerRule decides, from the states of its upstream tasks, whether a task runs.
type TriggerRule string

const (
	TriggerAllSuccess  TriggerRule = "all_success"
	TriggerAllFailed   TriggerRule = "all_failed"
	TriggerAllDone     TriggerRule = "all_done"
	TriggerOneSuccess  TriggerRule = "one_success"
	TriggerOneFailed   TriggerRule = "one_failed"
	TriggerNoneFailed  TriggerRule = "none_failed"
	TriggerNoneSkipped TriggerRule = "none_skipped"
	TriggerAlways      TriggerRule = "always"
)

// WeightRule controls how the effective priority weight of a task is computed.
type WeightRule string

const (
	WeightDownstream WeightRule = "downstream"
	WeightUpstream   WeightRule = "upstream"
	WeightAbsolute   WeightRule = "absolute"
)

const (
	DefaultPool  = "default_pool"
	DefaultQueue = "default"
)

// TaskSpec defines the task spec
type TaskSpec struct {
	Name         string   `json:"name" yaml:"name"`
	Type         TaskType `json:"type" yaml:"type"`
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"` // Parent tasks that must be finished before this task is evaluated

	// Execution details for each task type
	Command string            `json:"command,omitempty" yaml:"command,omitempty"` // For Bash tasks
	Script  string            `json:"script,omitempty" yaml:"script,omitempty"`   // For Python code
	Image   string            `json:"image,omitempty" yaml:"image,omitempty"`     // Custom container image for the pod executor
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	TriggerRule TriggerRule `json:"triggerRule,omitempty" yaml:"trigger_rule,omitempty"`

	Retries                 int           `json:"retries,omitempty" yaml:"retries,omitempty"`
	RetryDelay              time.Duration `json:"retryDelay,omitempty" yaml:"retry_delay,omitempty"`
	RetryExponentialBackoff bool          `json:"retryExponentialBackoff,omitempty" yaml:"retry_exponential_backoff,omitempty"`
	MaxRetryDelay           time.Duration `json:"maxRetryDelay,omitempty" yaml:"max_retry_delay,omitempty"`
	ExecutionTimeout        time.Duration `json:"executionTimeout,omitempty" yaml:"execution_timeout,omitempty"`

	PriorityWeight int `json:"priorityWeight,omitempty" yaml:"priority_weight,omitempty"`
	// WeightTotal is PriorityWeight after the weight rule is applied at load time.
	WeightTotal int        `json:"weightTotal,omitempty" yaml:"-"`
	WeightRule  WeightRule `json:"weightRule,omitempty" yaml:"weight_rule,omitempty"`
	Pool        string     `json:"pool,omitempty" yaml:"pool,omitempty"`
	PoolSlots   int        `json:"poolSlots,omitempty" yaml:"pool_slots,omitempty"`
	Queue       string     `json:"queue,omitempty" yaml:"queue,omitempty"`
	Executor    string     `json:"executor,omitempty" yaml:"executor,omitempty"`

	ExecutorConfig map[string]any `json:"executorConfig,omitempty" yaml:"executor_config,omitempty"`
}

// DefaultRetryDelay is used when a task with retries does not set one.
const DefaultRetryDelay = 300 * time.Second

// WithDefaults returns a copy of the task with unset fields filled in.
func (t TaskSpec) WithDefaults() TaskSpec {
	if t.Type == "" {
		t.Type = TaskTypeBash
	}
	if t.TriggerRule == "" {
		t.TriggerRule = TriggerAllSuccess
	}
	if t.RetryDelay == 0 {
		t.RetryDelay = DefaultRetryDelay
	}
	if t.PriorityWeight == 0 {
		t.PriorityWeight = 1
	}
	if t.WeightRule == "" {
		t.WeightRule = WeightDownstream
	}
	if t.Pool == "" {
		t.Pool = DefaultPool
	}
	if t.PoolSlots == 0 {
		t.PoolSlots = 1
	}
	if t.Queue == "" {
		t.Queue = DefaultQueue
	}
	return t
}

// EffectivePriorityWeight is the weight task instances are scheduled with.
func (t *TaskSpec) EffectivePriorityWeight() int {
	if t.WeightTotal > 0 {
		return t.WeightTotal
	}
	return t.PriorityWeight
}

// CallbackRef points at a callback registered under an import path.
type CallbackRef struct {
	Path   string         `json:"path" yaml:"path"`
	Kwargs map[string]any `json:"kwargs,omitempty" yaml:"kwargs,omitempty"`
}

// DagSpec defines the complete specification of a DAG as defined by the user.
type DagSpec struct {
	Tasks []TaskSpec `json:"tasks" yaml:"tasks"`

	// Schedule is either empty (manual runs only) or "@every <duration>".
	Schedule       string `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	MaxActiveTasks int    `json:"maxActiveTasks,omitempty" yaml:"max_active_tasks,omitempty"`
	MaxActiveRuns  int    `json:"maxActiveRuns,omitempty" yaml:"max_active_runs,omitempty"`

	OnSuccessCallback *CallbackRef `json:"onSuccessCallback,omitempty" yaml:"on_success_callback,omitempty"`
	OnFailureCallback *CallbackRef `json:"onFailureCallback,omitempty" yaml:"on_failure_callback,omitempty"`
}

// Dag is a loaded DAG definition together with the bundle it came from.
type Dag struct {
	DagID string `json:"dagId" yaml:"dag_id"`

	// RelativeFileloc is the path of the defining file inside its bundle.
	RelativeFileloc string `json:"relativeFileloc,omitempty" yaml:"-"`
	BundleName      string `json:"bundleName,omitempty" yaml:"-"`
	BundleVersion   string `json:"bundleVersion,omitempty" yaml:"-"`
	Paused          bool   `json:"paused,omitempty" yaml:"paused,omitempty"`

	// VersionID changes whenever the DAG definition does.
	VersionID uuid.UUID `json:"versionId" yaml:"-"`

	Spec DagSpec `json:"spec" yaml:"spec"`
}

// Task returns the task spec with the given name.
func (d *Dag) Task(name string) (*TaskSpec, bool) {
	for i := range d.Spec.Tasks {
		if d.Spec.Tasks[i].Name == name {
			return &d.Spec.Tasks[i], true
		}
	}
	return nil, false
}

// Downstream returns the names of tasks that list name as a dependency.
func (d *Dag) Downstream(name string) []string {
	var out []string
	for _, t := range d.Spec.Tasks {
		for _, dep := range t.Dependencies {
			if dep == name {
				out = append(out, t.Name)
				break
			}
		}
	}
	return out
}

// Leaves returns tasks nothing depends on.
func (d *Dag) Leaves() []string {
	hasDownstream := make(map[string]bool)
	for _, t := range d.Spec.Tasks {
		for _, dep := range t.Dependencies {
			hasDownstream[dep] = true
		}
	}
	var leaves []string
	for _, t := range d.Spec.Tasks {
		if !hasDownstream[t.Name] {
			leaves = append(leaves, t.Name)
		}
	}
	return leaves
}

// Clone returns a deep copy of the DAG.
func (d *Dag) Clone() *Dag {
	c := *d
	c.Spec.Tasks = make([]TaskSpec, len(d.Spec.Tasks))
	for i, t := range d.Spec.Tasks {
		t.Dependencies = slices.Clone(t.Dependencies)
		t.Env = maps.Clone(t.Env)
		t.ExecutorConfig = maps.Clone(t.ExecutorConfig)
		c.Spec.Tasks[i] = t
	}
	if d.Spec.OnSuccessCallback != nil {
		cb := *d.Spec.OnSuccessCallback
		cb.Kwargs = maps.Clone(cb.Kwargs)
		c.Spec.OnSuccessCallback = &cb
	}
	if d.Spec.OnFailureCallback != nil {
		cb := *d.Spec.OnFailureCallback
		cb.Kwargs = maps.Clone(cb.Kwargs)
		c.Spec.OnFailureCallback = &cb
	}
	return &c
}
