// Package triggerer runs the wait conditions of deferred tasks and reports
// back when they fire, time out or fail.
package triggerer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	ctrl "sigs.k8s.io/controller-runtime"

	v1 "github.com/kination/windsock/api/v1"
	"github.com/kination/windsock/internal/metrics"
	"github.com/kination/windsock/internal/store"
	"github.com/kination/windsock/internal/workloads"
)

var log = ctrl.Log.WithName("triggerer")

// EventKind is the outcome of a trigger
type EventKind string

const (
	EventFired   EventKind = "fired"
	EventTimeout EventKind = "timeout"
	EventFailed  EventKind = "failed"
)

// Event reports the outcome of one trigger
type Event struct {
	TriggerID int64
	// TaskInstanceID is nil for triggers not attached to a task instance
	TaskInstanceID *uuid.UUID
	Kind           EventKind
	Payload        map[string]any
	Err            error
}

// Config holds triggerer settings
type Config struct {
	// Capacity is the maximum number of triggers run at once
	Capacity int `yaml:"capacity"`
	// PollInterval is how often the store is checked for new triggers
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DefaultConfig returns the default triggerer configuration
func DefaultConfig() Config {
	return Config{
		Capacity:     1000,
		PollInterval: time.Second,
	}
}

// Triggerer claims triggers from the store and runs them until they produce an event.
type Triggerer struct {
	store    store.Store
	registry *Registry
	cipher   *KwargsCipher
	cfg      Config

	mu      sync.Mutex
	running map[int64]context.CancelFunc
	events  []Event
	adopted bool
	wg      sync.WaitGroup
}

// New creates a triggerer. A nil registry gets the built-in triggers.
func New(st store.Store, registry *Registry, cipher *KwargsCipher, cfg Config) *Triggerer {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Triggerer{
		store:    st,
		registry: registry,
		cipher:   cipher,
		cfg:      cfg,
		running:  make(map[int64]context.CancelFunc),
	}
}

// Registry returns the trigger registry
func (t *Triggerer) Registry() *Registry {
	return t.registry
}

// Run polls the store until ctx is done, then stops every running trigger.
func (t *Triggerer) Run(ctx context.Context) error {
	log.Info("Starting triggerer", "capacity", t.cfg.Capacity, "interval", t.cfg.PollInterval)
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := t.RunOnce(ctx); err != nil {
			log.Error(err, "Triggerer loop failed")
		}
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce cancels triggers removed from the store and starts newly claimed ones.
func (t *Triggerer) RunOnce(ctx context.Context) error {
	all, err := t.store.ListTriggers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list triggers: %w", err)
	}
	present := make(map[int64]bool, len(all))
	for _, tr := range all {
		present[tr.ID] = true
	}

	t.mu.Lock()
	for id, cancel := range t.running {
		if !present[id] {
			log.Info("Trigger was removed, cancelling", "trigger", id)
			cancel()
			delete(t.running, id)
		}
	}
	var start []*v1.Trigger
	if !t.adopted {
		// triggers claimed by an earlier process that never reported back
		for _, tr := range all {
			if tr.Claimed {
				start = append(start, tr)
			}
		}
		t.adopted = true
	}
	free := t.cfg.Capacity - len(t.running) - len(start)
	t.mu.Unlock()

	if free > 0 {
		claimed, err := t.store.ClaimTriggers(ctx, free)
		if err != nil {
			return fmt.Errorf("failed to claim triggers: %w", err)
		}
		start = append(start, claimed...)
	}

	for _, tr := range start {
		w, err := t.workloadFor(ctx, tr)
		if err != nil {
			log.Error(err, "Failed to build trigger workload", "trigger", tr.ID)
			t.emit(Event{TriggerID: tr.ID, TaskInstanceID: tr.TaskInstanceID, Kind: EventFailed, Err: err})
			continue
		}
		t.start(ctx, w, tr.TaskInstanceID)
	}

	metrics.SetRunningTriggers(t.RunningCount())
	return nil
}

func (t *Triggerer) workloadFor(ctx context.Context, tr *v1.Trigger) (*workloads.RunTrigger, error) {
	w := &workloads.RunTrigger{
		ID:              tr.ID,
		Classpath:       tr.Classpath,
		EncryptedKwargs: tr.EncryptedKwargs,
		TimeoutAfter:    tr.TimeoutAfter,
	}
	if tr.TaskInstanceID != nil {
		ti, err := t.store.GetTaskInstance(ctx, *tr.TaskInstanceID)
		if err != nil {
			return nil, fmt.Errorf("failed to load task instance %s: %w", tr.TaskInstanceID, err)
		}
		dto := workloads.NewTaskInstanceDTO(ti)
		w.TI = &dto
	}
	return w, nil
}

// start runs one trigger in its own goroutine. The trigger context is detached
// from ctx so a finished loop iteration does not cancel it.
func (t *Triggerer) start(ctx context.Context, w *workloads.RunTrigger, tiID *uuid.UUID) {
	fail := func(err error) {
		t.emit(Event{TriggerID: w.ID, TaskInstanceID: tiID, Kind: EventFailed, Err: err})
	}

	fn, err := t.registry.Get(w.Classpath)
	if err != nil {
		fail(err)
		return
	}
	kwargs, err := t.cipher.Decrypt(w.EncryptedKwargs)
	if err != nil {
		fail(err)
		return
	}
	if w.TimeoutAfter != nil && !time.Now().Before(*w.TimeoutAfter) {
		t.emit(Event{TriggerID: w.ID, TaskInstanceID: tiID, Kind: EventTimeout})
		return
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if w.TimeoutAfter != nil {
		runCtx, cancel = context.WithDeadline(context.WithoutCancel(ctx), *w.TimeoutAfter)
	} else {
		runCtx, cancel = context.WithCancel(context.WithoutCancel(ctx))
	}

	t.mu.Lock()
	if _, dup := t.running[w.ID]; dup {
		t.mu.Unlock()
		cancel()
		return
	}
	t.running[w.ID] = cancel
	t.mu.Unlock()

	logger := log.WithValues("trigger", w.ID, "classpath", w.Classpath)
	if w.TI != nil {
		logger = logger.WithValues("dag", w.TI.DagID, "task", w.TI.TaskID, "run", w.TI.RunID)
	}
	logger.Info("Trigger started")

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer cancel()

		payload, err := fn(runCtx, kwargs)

		t.mu.Lock()
		_, stillOwned := t.running[w.ID]
		delete(t.running, w.ID)
		t.mu.Unlock()
		if !stillOwned {
			// removed from the store or stopped; nobody is waiting for it
			return
		}

		ev := Event{TriggerID: w.ID, TaskInstanceID: tiID}
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			ev.Kind = EventTimeout
			logger.Info("Trigger timed out")
		case err != nil:
			ev.Kind = EventFailed
			ev.Err = err
			logger.Error(err, "Trigger failed")
		default:
			ev.Kind = EventFired
			ev.Payload = payload
			logger.Info("Trigger fired")
		}
		t.emit(ev)
	}()
}

func (t *Triggerer) emit(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, ev)
}

// GetEvents drains the buffered trigger events
func (t *Triggerer) GetEvents() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.events
	t.events = nil
	return out
}

// RunningCount returns the number of triggers currently running
func (t *Triggerer) RunningCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.running)
}

// Stop cancels every running trigger and waits for them to return.
// Their rows stay claimed and are adopted by the next triggerer.
func (t *Triggerer) Stop() {
	t.mu.Lock()
	for id, cancel := range t.running {
		cancel()
		delete(t.running, id)
	}
	t.mu.Unlock()
	t.wg.Wait()
	metrics.SetRunningTriggers(0)
}
