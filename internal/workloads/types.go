package workloads

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	v1 "github.com/kination/windsock/api/v1"
)

// ErrUnknownWorkloadType is returned when the "type" discriminator is missing or unknown.
var ErrUnknownWorkloadType = errors.New("unknown workload type")

// Decode reads any workload document, dispatching on its "type" field.
func Decode(data []byte) (Workload, error) {
	var probe struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to read workload type: %w", err)
	}

	var w Workload
	switch probe.Type {
	case TypeExecuteTask:
		w = &ExecuteTask{}
	case TypeExecuteCallback:
		w = &ExecuteCallback{}
	case TypeRunTrigger:
		w = &RunTrigger{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkloadType, probe.Type)
	}

	if err := json.Unmarshal(data, w); err != nil {
		return nil, fmt.Errorf("failed to decode %s workload: %w", probe.Type, err)
	}
	return w, nil
}

// Encode writes a workload document, discriminator included.
func Encode(w Workload) ([]byte, error) {
	return json.Marshal(w)
}

// Deferral describes the trigger a task asked to wait on.
type Deferral struct {
	Classpath string         `json:"classpath"`
	Kwargs    map[string]any `json:"kwargs,omitempty"`
	Timeout   time.Duration  `json:"timeout,omitempty"`
}

// Result is what an executor reports about a workload: its key, the state it
// reached and, for failures, the error.
type Result struct {
	Key      v1.WorkloadKey
	State    v1.TaskInstanceState
	Err      error
	Deferral *Deferral
}
