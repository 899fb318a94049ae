package pod

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	v1 "github.com/kination/windsock/api/v1"
	"github.com/kination/windsock/internal/workloads"
)

// MaxTerminationMessage is the size Kubernetes cuts termination messages at
const MaxTerminationMessage = 4096

// ErrDeferralTooLarge is returned when a deferral cannot fit the termination message.
// The workload is recorded as failed instead.
var ErrDeferralTooLarge = errors.New("deferral does not fit the termination message")

// TerminationMessage is what a worker pod leaves in its termination log
type TerminationMessage struct {
	State    v1.TaskInstanceState `json:"state"`
	Message  string               `json:"message,omitempty"`
	Deferral *workloads.Deferral  `json:"deferral,omitempty"`
}

// WriteTerminationMessage writes the outcome of a workload to path. Long
// messages are shortened to fit; a deferral is never shortened, and one that
// does not fit turns the outcome into a failure.
func WriteTerminationMessage(path string, msg TerminationMessage) error {
	data, err := encodeTerminationMessage(msg)
	var tooLarge error
	if err == nil && len(data) > MaxTerminationMessage && msg.Deferral != nil {
		deferral, _ := json.Marshal(msg.Deferral)
		tooLarge = fmt.Errorf("%w: trigger %s needs %d bytes", ErrDeferralTooLarge, msg.Deferral.Classpath, len(deferral))
		data, err = encodeTerminationMessage(TerminationMessage{State: v1.StateFailed, Message: tooLarge.Error()})
	}
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write termination message: %w", err)
	}
	return tooLarge
}

// encodeTerminationMessage trims Message until the document fits
func encodeTerminationMessage(msg TerminationMessage) ([]byte, error) {
	for {
		data, err := json.Marshal(msg)
		if err != nil {
			return nil, err
		}
		over := len(data) - MaxTerminationMessage
		if over <= 0 || msg.Message == "" {
			return data, nil
		}
		msg.Message = strings.ToValidUTF8(msg.Message[:max(0, len(msg.Message)-over)], "")
	}
}

// readTerminationMessage parses what reportSucceeded finds in a container status
func readTerminationMessage(raw string) (TerminationMessage, error) {
	var msg TerminationMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return msg, fmt.Errorf("unreadable termination message: %w", err)
	}
	if msg.State == v1.StateDeferred && msg.Deferral == nil {
		return msg, errors.New("deferred termination message has no deferral")
	}
	return msg, nil
}
