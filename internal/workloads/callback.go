package workloads

import (
	"encoding/json"
	"fmt"
	"maps"

	v1 "github.com/kination/windsock/api/v1"
)

// CallbackDTO is the minimal view of a callback that executors and workers need.
type CallbackDTO struct {
	// ID is a UUID stored as a string.
	ID          string                 `json:"id"`
	FetchMethod v1.CallbackFetchMethod `json:"fetch_method"`
	Data        map[string]any         `json:"data"`
}

// Key returns the callback id as its key.
func (c *CallbackDTO) Key() v1.CallbackKey { return v1.CallbackKey(c.ID) }

// Path is the import path stored under data["path"], or "" when missing.
func (c *CallbackDTO) Path() string {
	p, _ := c.Data["path"].(string)
	return p
}

// Kwargs is data["kwargs"], or an empty map when missing.
func (c *CallbackDTO) Kwargs() map[string]any {
	if kw, ok := c.Data["kwargs"].(map[string]any); ok {
		return kw
	}
	return map[string]any{}
}

// NewCallbackDTO copies a callback model.
func NewCallbackDTO(cb *v1.Callback) CallbackDTO {
	return CallbackDTO{
		ID:          cb.ID.String(),
		FetchMethod: cb.FetchMethod,
		Data:        maps.Clone(cb.Data),
	}
}

// ExecuteCallback asks an executor to run a callback.
type ExecuteCallback struct {
	BaseDagBundleWorkload

	Callback CallbackDTO `json:"callback"`
}

var _ Routable = (*ExecuteCallback)(nil)

func (*ExecuteCallback) Kind() Type { return TypeExecuteCallback }

func (w *ExecuteCallback) Key() v1.WorkloadKey { return w.Callback.Key() }

// DagID is unknown for a callback workload; callbacks are not filtered by DAG.
func (w *ExecuteCallback) DagID() string       { return "" }
func (w *ExecuteCallback) QueueName() string   { return v1.DefaultQueue }
func (w *ExecuteCallback) PriorityWeight() int { return 0 }
func (w *ExecuteCallback) Subject() string     { return w.Callback.ID }
func (w *ExecuteCallback) Identity() string    { return w.Callback.ID }

// MarshalJSON writes the workload with its type discriminator.
func (w ExecuteCallback) MarshalJSON() ([]byte, error) {
	type alias ExecuteCallback
	return json.Marshal(struct {
		alias
		Type Type `json:"type"`
	}{alias(w), TypeExecuteCallback})
}

// MakeExecuteCallback builds the workload for a callback belonging to run.
func MakeExecuteCallback(cb *v1.Callback, run *v1.DagRun, dag *v1.Dag, opts MakeOptions) (*ExecuteCallback, error) {
	// TODO: render callback log paths from a configurable template like task logs.
	fname := "executor_callbacks/" + cb.ID.String()

	token, err := GenerateToken(cb.ID.String(), opts.Generator)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token for callback %s: %w", cb.ID, err)
	}

	return &ExecuteCallback{
		BaseDagBundleWorkload: BaseDagBundleWorkload{
			BaseWorkload: BaseWorkload{Token: token},
			DagRelPath:   relPathFor(opts, dag),
			BundleInfo:   bundleFor(opts, dag, run),
			LogPath:      &fname,
		},
		Callback: NewCallbackDTO(cb),
	}, nil
}
