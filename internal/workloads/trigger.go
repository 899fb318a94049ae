package workloads

import (
	"encoding/json"
	"time"
)

// RunTrigger asks the triggerer to run an async trigger until it fires.
//
// Consumers must validate Classpath themselves; only registered classpaths
// should ever be run.
type RunTrigger struct {
	ID int64 `json:"id"`
	// TI is nil for triggers that are not attached to a task instance.
	TI              *TaskInstanceDTO `json:"ti"`
	Classpath       string           `json:"classpath"`
	EncryptedKwargs string           `json:"encrypted_kwargs"`
	TimeoutAfter    *time.Time       `json:"timeout_after"`
}

func (*RunTrigger) Kind() Type { return TypeRunTrigger }

// MarshalJSON writes the workload with its type discriminator.
func (w RunTrigger) MarshalJSON() ([]byte, error) {
	type alias RunTrigger
	return json.Marshal(struct {
		alias
		Type Type `json:"type"`
	}{alias(w), TypeRunTrigger})
}
