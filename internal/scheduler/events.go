package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	v1 "github.com/kination/windsock/api/v1"
	"github.com/kination/windsock/internal/executor"
	"github.com/kination/windsock/internal/metrics"
	"github.com/kination/windsock/internal/store"
	"github.com/kination/windsock/internal/triggerer"
	"github.com/kination/windsock/internal/workloads"
)

// forgetter is implemented by executors that can drop a key without an event
type forgetter interface {
	Forget(key v1.WorkloadKey)
}

func (s *DefaultScheduler) processExecutorEvents(ctx context.Context) error {
	for _, ex := range s.executors.All() {
		events := ex.GetEventBuffer()
		keys := make([]v1.WorkloadKey, 0, len(events))
		for k := range events {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

		for _, key := range keys {
			var err error
			switch k := key.(type) {
			case v1.TaskInstanceKey:
				err = s.handleTaskEvent(ctx, k, events[key])
			case v1.CallbackKey:
				err = s.handleCallbackEvent(ctx, k, events[key])
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// findTaskInstance looks up the task instance a key points at, whatever its try
func (s *DefaultScheduler) findTaskInstance(ctx context.Context, key v1.TaskInstanceKey) (*v1.TaskInstance, error) {
	tis, err := s.store.ListTaskInstances(ctx, store.TaskInstanceFilter{DagID: key.DagID, RunID: key.RunID})
	if err != nil {
		return nil, fmt.Errorf("failed to list task instances of %s: %w", key.RunID, err)
	}
	for _, ti := range tis {
		if ti.TaskID == key.TaskID && ti.MapIndex == key.MapIndex {
			return ti, nil
		}
	}
	return nil, nil
}

func (s *DefaultScheduler) handleTaskEvent(ctx context.Context, key v1.TaskInstanceKey, result workloads.Result) error {
	ti, err := s.findTaskInstance(ctx, key)
	if err != nil {
		return err
	}
	if ti == nil {
		log.Info("Executor reported on an unknown task instance", "key", key.String(), "state", result.State.String())
		return nil
	}
	if ti.TryNumber != key.TryNumber {
		log.Info("Ignoring executor event for a stale try", "key", key.String(), "currentTry", ti.TryNumber, "state", result.State.String())
		return nil
	}
	if ti.State != v1.StateQueued && ti.State != v1.StateRunning {
		log.V(1).Info("Ignoring executor event, task instance is no longer active",
			"key", key.String(), "state", ti.State.String(), "event", result.State.String())
		return nil
	}

	now := s.now()
	switch result.State {
	case v1.StateRunning:
		ti.LastHeartbeat = &now
		if ti.StartDate == nil {
			ti.StartDate = &now
		}
		return s.transition(ctx, ti, v1.StateRunning)

	case v1.StateSuccess:
		ti.Message = ""
		return s.transition(ctx, ti, v1.StateSuccess)

	case v1.StateFailed:
		message := "Executor reported task instance failed"
		if result.Err != nil {
			message = result.Err.Error()
		}
		return s.handleFailure(ctx, ti, message)

	case v1.StateDeferred:
		return s.deferTaskInstance(ctx, ti, result.Deferral)
	}
	log.Info("Ignoring executor event with unexpected state", "key", key.String(), "state", result.State.String())
	return nil
}

// deferTaskInstance hands the task instance's wait condition to the triggerer
func (s *DefaultScheduler) deferTaskInstance(ctx context.Context, ti *v1.TaskInstance, d *workloads.Deferral) error {
	if d == nil {
		return s.handleFailure(ctx, ti, "Task deferred without a trigger")
	}
	if s.cipher == nil {
		return s.handleFailure(ctx, ti, "Task deferred but no trigger kwargs key is configured")
	}
	sealed, err := s.cipher.Encrypt(d.Kwargs)
	if err != nil {
		return s.handleFailure(ctx, ti, fmt.Sprintf("Failed to seal trigger kwargs: %v", err))
	}

	now := s.now()
	trigger := &v1.Trigger{
		Classpath:       d.Classpath,
		EncryptedKwargs: sealed,
		TaskInstanceID:  &ti.ID,
		CreatedAt:       now,
	}
	if d.Timeout > 0 {
		timeout := now.Add(d.Timeout)
		trigger.TimeoutAfter = &timeout
	}
	if err := s.store.CreateTrigger(ctx, trigger); err != nil {
		return fmt.Errorf("failed to create trigger for %s: %w", ti.Key(), err)
	}

	ti.TriggerID = &trigger.ID
	ti.TriggerTimeout = trigger.TimeoutAfter
	ti.NextKwargs = nil
	log.Info("Task instance deferred", "dag", ti.DagID, "task", ti.TaskID, "run", ti.RunID, "trigger", trigger.ID, "classpath", d.Classpath)
	return s.transition(ctx, ti, v1.StateDeferred)
}

func (s *DefaultScheduler) handleCallbackEvent(ctx context.Context, key v1.CallbackKey, result workloads.Result) error {
	id, err := uuid.Parse(string(key))
	if err != nil {
		log.Error(err, "Executor reported a callback with a bad id", "key", key.String())
		return nil
	}
	cb, err := s.store.GetCallback(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		log.Info("Executor reported on an unknown callback", "callback", key.String())
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get callback %s: %w", key, err)
	}

	switch result.State {
	case v1.StateRunning:
		cb.State = v1.CallbackRunning
	case v1.StateSuccess:
		cb.State = v1.CallbackSuccess
		metrics.RecordCallbackFinished(string(cb.State))
	case v1.StateFailed:
		cb.State = v1.CallbackFailed
		if result.Err != nil {
			cb.Output = result.Err.Error()
		}
		metrics.RecordCallbackFinished(string(cb.State))
		log.Info("Callback failed", "callback", key.String(), "dag", cb.DagID, "run", cb.RunID, "output", cb.Output)
	default:
		return nil
	}
	if err := s.store.UpdateCallback(ctx, cb); err != nil {
		return fmt.Errorf("failed to update callback %s: %w", key, err)
	}
	return nil
}

func (s *DefaultScheduler) processTriggerEvents(ctx context.Context) error {
	if s.triggers == nil {
		return nil
	}
	for _, ev := range s.triggers.GetEvents() {
		if err := s.handleTriggerEvent(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *DefaultScheduler) handleTriggerEvent(ctx context.Context, ev triggerer.Event) error {
	defer s.deleteTrigger(ctx, ev.TriggerID)

	if ev.TaskInstanceID == nil {
		return nil
	}
	ti, err := s.store.GetTaskInstance(ctx, *ev.TaskInstanceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get task instance %s: %w", ev.TaskInstanceID, err)
	}
	if ti.State != v1.StateDeferred || ti.TriggerID == nil || *ti.TriggerID != ev.TriggerID {
		log.V(1).Info("Ignoring trigger event, task instance is no longer waiting on it", "trigger", ev.TriggerID, "key", ti.Key().String())
		return nil
	}

	switch ev.Kind {
	case triggerer.EventFired:
		ti.NextKwargs = ev.Payload
		if ti.NextKwargs == nil {
			ti.NextKwargs = map[string]any{}
		}
		ti.TriggerID = nil
		ti.TriggerTimeout = nil
		log.Info("Trigger fired, resuming task instance", "dag", ti.DagID, "task", ti.TaskID, "run", ti.RunID, "trigger", ev.TriggerID)
		return s.transition(ctx, ti, v1.StateScheduled)
	case triggerer.EventTimeout:
		return s.handleFailure(ctx, ti, "Trigger timeout")
	default:
		message := "Trigger failure"
		if ev.Err != nil {
			message = "Trigger failure: " + ev.Err.Error()
		}
		return s.handleFailure(ctx, ti, message)
	}
}

func (s *DefaultScheduler) deleteTrigger(ctx context.Context, id int64) {
	if err := s.store.DeleteTrigger(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Error(err, "Failed to delete trigger", "trigger", id)
	}
}

// expireDeferrals fails deferred task instances whose trigger timeout passed,
// whether or not a triggerer reported it.
func (s *DefaultScheduler) expireDeferrals(ctx context.Context) error {
	tis, err := s.store.ListTaskInstances(ctx, store.TaskInstanceFilter{States: []v1.TaskInstanceState{v1.StateDeferred}})
	if err != nil {
		return fmt.Errorf("failed to list deferred task instances: %w", err)
	}
	now := s.now()
	for _, ti := range tis {
		if ti.TriggerTimeout == nil || now.Before(*ti.TriggerTimeout) {
			continue
		}
		if ti.TriggerID != nil {
			s.deleteTrigger(ctx, *ti.TriggerID)
		}
		if err := s.handleFailure(ctx, ti, "Trigger timeout"); err != nil {
			return err
		}
	}
	return nil
}

// failZombies fails running task instances that stopped heartbeating
func (s *DefaultScheduler) failZombies(ctx context.Context) error {
	tis, err := s.store.ListTaskInstances(ctx, store.TaskInstanceFilter{States: []v1.TaskInstanceState{v1.StateRunning}})
	if err != nil {
		return fmt.Errorf("failed to list running task instances: %w", err)
	}
	now := s.now()
	for _, ti := range tis {
		last := ti.LastHeartbeat
		if last == nil {
			last = ti.StartDate
		}
		if last == nil || now.Sub(*last) <= s.config.ZombieThreshold {
			continue
		}

		log.Info("Detected zombie task instance", "dag", ti.DagID, "task", ti.TaskID, "run", ti.RunID,
			"try", ti.TryNumber, "lastHeartbeat", last.Format(time.RFC3339))
		metrics.RecordZombie()
		if ex, err := s.executors.Get(ti.Executor); err == nil {
			if f, ok := ex.(forgetter); ok {
				f.Forget(ti.Key())
			}
		}
		if err := s.handleFailure(ctx, ti, "Task instance detected as zombie"); err != nil {
			return err
		}
	}
	return nil
}

var _ forgetter = (*executor.Base)(nil)
