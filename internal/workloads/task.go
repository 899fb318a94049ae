package workloads

import (
	"encoding/json"
	"fmt"
	"maps"

	"github.com/google/uuid"

	v1 "github.com/kination/windsock/api/v1"
)

// TaskInstanceDTO is the minimal view of a task instance that executors and workers need.
type TaskInstanceDTO struct {
	ID             uuid.UUID `json:"id"`
	DagVersionID   uuid.UUID `json:"dag_version_id"`
	TaskID         string    `json:"task_id"`
	DagID          string    `json:"dag_id"`
	RunID          string    `json:"run_id"`
	TryNumber      int       `json:"try_number"`
	MapIndex       int       `json:"map_index"`
	PoolSlots      int       `json:"pool_slots"`
	Queue          string    `json:"queue"`
	PriorityWeight int       `json:"priority_weight"`

	// ExecutorConfig is available to the executor in-process but never serialized.
	ExecutorConfig map[string]any `json:"-"`

	ParentContextCarrier map[string]string `json:"parent_context_carrier"`
	ContextCarrier       map[string]string `json:"context_carrier"`

	// NextKwargs is the payload of the trigger event a resumed task was waiting for.
	NextKwargs map[string]any `json:"next_kwargs,omitempty"`
}

// UnmarshalJSON defaults map_index to -1 when it is absent.
func (t *TaskInstanceDTO) UnmarshalJSON(data []byte) error {
	type alias TaskInstanceDTO
	a := alias{MapIndex: -1}
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*t = TaskInstanceDTO(a)
	return nil
}

// Key returns the task instance key of this try.
func (t *TaskInstanceDTO) Key() v1.TaskInstanceKey {
	return v1.TaskInstanceKey{
		DagID:     t.DagID,
		TaskID:    t.TaskID,
		RunID:     t.RunID,
		TryNumber: t.TryNumber,
		MapIndex:  t.MapIndex,
	}
}

// NewTaskInstanceDTO copies the fields workers need out of a task instance.
func NewTaskInstanceDTO(ti *v1.TaskInstance) TaskInstanceDTO {
	return TaskInstanceDTO{
		ID:             ti.ID,
		DagVersionID:   ti.DagVersionID,
		TaskID:         ti.TaskID,
		DagID:          ti.DagID,
		RunID:          ti.RunID,
		TryNumber:      ti.TryNumber,
		MapIndex:       ti.MapIndex,
		PoolSlots:      ti.PoolSlots,
		Queue:          ti.Queue,
		PriorityWeight: ti.PriorityWeight,
		ExecutorConfig: maps.Clone(ti.ExecutorConfig),
		ContextCarrier: maps.Clone(ti.ContextCarrier),
		NextKwargs:     maps.Clone(ti.NextKwargs),
	}
}

// ExecuteTask asks an executor to run one try of a task.
type ExecuteTask struct {
	BaseDagBundleWorkload

	TI                TaskInstanceDTO `json:"ti"`
	SentryIntegration string          `json:"sentry_integration"`
}

var _ Routable = (*ExecuteTask)(nil)

func (*ExecuteTask) Kind() Type { return TypeExecuteTask }

func (w *ExecuteTask) Key() v1.WorkloadKey { return w.TI.Key() }
func (w *ExecuteTask) DagID() string       { return w.TI.DagID }
func (w *ExecuteTask) QueueName() string   { return w.TI.Queue }
func (w *ExecuteTask) PriorityWeight() int { return w.TI.PriorityWeight }
func (w *ExecuteTask) Subject() string     { return w.TI.ID.String() }
func (w *ExecuteTask) Identity() string    { return w.TI.ID.String() }

// MarshalJSON writes the workload with its type discriminator.
func (w ExecuteTask) MarshalJSON() ([]byte, error) {
	type alias ExecuteTask
	return json.Marshal(struct {
		alias
		Type Type `json:"type"`
	}{alias(w), TypeExecuteTask})
}

// MakeExecuteTask builds the workload for the current try of ti.
func MakeExecuteTask(ti *v1.TaskInstance, run *v1.DagRun, dag *v1.Dag, opts MakeOptions) (*ExecuteTask, error) {
	dto := NewTaskInstanceDTO(ti)
	if run != nil {
		dto.ParentContextCarrier = maps.Clone(run.ContextCarrier)
	}

	tmpl := opts.LogTemplate
	if tmpl == nil {
		tmpl = DefaultLogTemplate()
	}
	fname, err := tmpl.Render(&dto)
	if err != nil {
		return nil, err
	}

	token, err := GenerateToken(ti.ID.String(), opts.Generator)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token for %s: %w", ti.Key(), err)
	}

	return &ExecuteTask{
		BaseDagBundleWorkload: BaseDagBundleWorkload{
			BaseWorkload: BaseWorkload{Token: token},
			DagRelPath:   relPathFor(opts, dag),
			BundleInfo:   bundleFor(opts, dag, run),
			LogPath:      &fname,
		},
		TI:                dto,
		SentryIntegration: opts.SentryIntegration,
	}, nil
}
