package v1

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// WorkloadKey identifies a workload inside an executor.
// It is implemented by TaskInstanceKey and CallbackKey, both comparable.
type WorkloadKey interface {
	workloadKey()
	String() string
}

// TaskInstanceKey identifies one try of a task instance.
type TaskInstanceKey struct {
	DagID     string
	TaskID    string
	RunID     string
	TryNumber int
	MapIndex  int
}

func (TaskInstanceKey) workloadKey() {}

func (k TaskInstanceKey) String() string {
	return fmt.Sprintf("%s.%s.%s[try=%d,map=%d]", k.DagID, k.TaskID, k.RunID, k.TryNumber, k.MapIndex)
}

// CallbackKey is the string form of a callback id.
type CallbackKey string

func (CallbackKey) workloadKey() {}

func (k CallbackKey) String() string { return string(k) }

// DagRunType records why a run exists.
type DagRunType string

const (
	RunTypeManual    DagRunType = "manual"
	RunTypeScheduled DagRunType = "scheduled"
)

// DagRun represents one execution of a DAG.
type DagRun struct {
	DagID          string            `json:"dagId"`
	RunID          string            `json:"runId"`
	RunType        DagRunType        `json:"runType"`
	State          DagRunState       `json:"state"`
	LogicalDate    time.Time         `json:"logicalDate"`
	Conf           map[string]any    `json:"conf,omitempty"`
	BundleVersion  string            `json:"bundleVersion,omitempty"`
	ContextCarrier map[string]string `json:"contextCarrier,omitempty"`
	QueuedAt       *time.Time        `json:"queuedAt,omitempty"`
	StartDate      *time.Time        `json:"startDate,omitempty"`
	EndDate        *time.Time        `json:"endDate,omitempty"`
}

// Clone returns a copy that shares no maps with the receiver.
func (r *DagRun) Clone() *DagRun {
	c := *r
	c.Conf = maps.Clone(r.Conf)
	c.ContextCarrier = maps.Clone(r.ContextCarrier)
	return &c
}

// TaskInstance is the scheduler's record of a task within a DAG run.
type TaskInstance struct {
	ID             uuid.UUID         `json:"id"`
	DagVersionID   uuid.UUID         `json:"dagVersionId"`
	DagID          string            `json:"dagId"`
	TaskID         string            `json:"taskId"`
	RunID          string            `json:"runId"`
	MapIndex       int               `json:"mapIndex"`
	TryNumber      int               `json:"tryNumber"`
	State          TaskInstanceState `json:"state"`
	Pool           string            `json:"pool"`
	PoolSlots      int               `json:"poolSlots"`
	Queue          string            `json:"queue"`
	PriorityWeight int               `json:"priorityWeight"`
	Executor       string            `json:"executor,omitempty"`
	ExecutorConfig map[string]any    `json:"executorConfig,omitempty"`

	QueuedAt      *time.Time `json:"queuedAt,omitempty"`
	StartDate     *time.Time `json:"startDate,omitempty"`
	EndDate       *time.Time `json:"endDate,omitempty"`
	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty"`
	NextRetryAt   *time.Time `json:"nextRetryAt,omitempty"`

	TriggerID      *int64         `json:"triggerId,omitempty"`
	TriggerTimeout *time.Time     `json:"triggerTimeout,omitempty"`
	NextKwargs     map[string]any `json:"nextKwargs,omitempty"`

	ContextCarrier map[string]string `json:"contextCarrier,omitempty"`
	Message        string            `json:"message,omitempty"`
}

// Key returns the key of the current try.
func (ti *TaskInstance) Key() TaskInstanceKey {
	return TaskInstanceKey{
		DagID:     ti.DagID,
		TaskID:    ti.TaskID,
		RunID:     ti.RunID,
		TryNumber: ti.TryNumber,
		MapIndex:  ti.MapIndex,
	}
}

// Clone returns a copy that shares no maps with the receiver.
func (ti *TaskInstance) Clone() *TaskInstance {
	c := *ti
	c.ExecutorConfig = maps.Clone(ti.ExecutorConfig)
	c.NextKwargs = maps.Clone(ti.NextKwargs)
	c.ContextCarrier = maps.Clone(ti.ContextCarrier)
	return &c
}

// ExecutorConfigImage is the executor_config key holding a task's container image
const ExecutorConfigImage = "image"

// NewTaskInstance creates the first, not yet scheduled, instance of task in run.
func NewTaskInstance(dag *Dag, task TaskSpec, run *DagRun, dagVersionID uuid.UUID) *TaskInstance {
	executorConfig := maps.Clone(task.ExecutorConfig)
	if task.Image != "" {
		if executorConfig == nil {
			executorConfig = make(map[string]any)
		}
		if _, set := executorConfig[ExecutorConfigImage]; !set {
			executorConfig[ExecutorConfigImage] = task.Image
		}
	}
	return &TaskInstance{
		ID:             uuid.New(),
		DagVersionID:   dagVersionID,
		DagID:          dag.DagID,
		TaskID:         task.Name,
		RunID:          run.RunID,
		MapIndex:       -1,
		State:          StateNone,
		Pool:           task.Pool,
		PoolSlots:      task.PoolSlots,
		Queue:          task.Queue,
		PriorityWeight: task.EffectivePriorityWeight(),
		Executor:       task.Executor,
		ExecutorConfig: executorConfig,
	}
}

// CallbackFetchMethod tells the worker how to locate a callback.
type CallbackFetchMethod string

const (
	// FetchDagAttribute reads the callback off the DAG definition.
	FetchDagAttribute CallbackFetchMethod = "dag_attribute"
	// FetchImportPath resolves the callback through a registered import path.
	FetchImportPath CallbackFetchMethod = "import_path"
)

// Callback is a callback the scheduler wants an executor to run.
type Callback struct {
	ID          uuid.UUID           `json:"id"`
	FetchMethod CallbackFetchMethod `json:"fetchMethod"`
	Data        map[string]any      `json:"data"`
	State       CallbackState       `json:"state"`
	DagID       string              `json:"dagId"`
	RunID       string              `json:"runId"`
	Executor    string              `json:"executor,omitempty"`
	Output      string              `json:"output,omitempty"`
	CreatedAt   time.Time           `json:"createdAt"`
}

// Key returns the executor key for the callback.
func (c *Callback) Key() CallbackKey { return CallbackKey(c.ID.String()) }

// Clone returns a copy that shares no maps with the receiver.
func (c *Callback) Clone() *Callback {
	cp := *c
	cp.Data = maps.Clone(c.Data)
	return &cp
}

// Trigger is a deferred task's wait condition, run by the triggerer.
type Trigger struct {
	ID              int64      `json:"id"`
	Classpath       string     `json:"classpath"`
	EncryptedKwargs string     `json:"encryptedKwargs"`
	TaskInstanceID  *uuid.UUID `json:"taskInstanceId,omitempty"`
	TimeoutAfter    *time.Time `json:"timeoutAfter,omitempty"`
	Claimed         bool       `json:"claimed,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// Pool limits how many task instances assigned to it may run at once.
type Pool struct {
	Name string `json:"name" yaml:"name"`
	// Slots is the capacity; a negative value means unlimited.
	Slots       int    `json:"slots" yaml:"slots"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}
