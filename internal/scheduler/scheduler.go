package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	ctrl "sigs.k8s.io/controller-runtime"

	v1 "github.com/kination/windsock/api/v1"
	"github.com/kination/windsock/internal/executor"
	"github.com/kination/windsock/internal/metrics"
	"github.com/kination/windsock/internal/store"
	"github.com/kination/windsock/internal/triggerer"
	"github.com/kination/windsock/internal/workloads"
)

var log = ctrl.Log.WithName("scheduler")

// Options are the collaborators of the scheduler
type Options struct {
	Store     store.Store
	Executors *executor.Registry
	// Triggers is optional; without it deferred tasks only ever time out
	Triggers TriggerEventSource
	// Cipher seals trigger kwargs; without it deferring fails the task
	Cipher      *triggerer.KwargsCipher
	Tokens      workloads.TokenGenerator
	LogTemplate *workloads.LogTemplate
	Now         func() time.Time
}

// DefaultScheduler implements the Scheduler interface with configurable policies.
type DefaultScheduler struct {
	mu     sync.Mutex
	config SchedulerConfig

	store     store.Store
	executors *executor.Registry
	triggers  TriggerEventSource
	cipher    *triggerer.KwargsCipher
	makeOpts  workloads.MakeOptions
	now       func() time.Time

	// dags is the snapshot of stored DAGs taken at the start of a loop
	dags map[string]*v1.Dag
}

var _ Scheduler = (*DefaultScheduler)(nil)

// NewScheduler creates a new DefaultScheduler with the given configuration
func NewScheduler(config SchedulerConfig, opts Options) *DefaultScheduler {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &DefaultScheduler{
		config:    config.withDefaults(),
		store:     opts.Store,
		executors: opts.Executors,
		triggers:  opts.Triggers,
		cipher:    opts.Cipher,
		makeOpts: workloads.MakeOptions{
			Generator:   opts.Tokens,
			LogTemplate: opts.LogTemplate,
		},
		now:  func() time.Time { return now().UTC() },
		dags: make(map[string]*v1.Dag),
	}
}

// Name returns the scheduler name
func (s *DefaultScheduler) Name() string {
	return "default-scheduler"
}

// Policy returns the scheduling policy
func (s *DefaultScheduler) Policy() Policy {
	return s.config.Policy
}

// Config returns the scheduler configuration
func (s *DefaultScheduler) Config() SchedulerConfig {
	return s.config
}

// Start creates default_pool if needed, starts every executor and resets
// task instances and callbacks a previous scheduler left queued or running
// on executors that no longer know them.
func (s *DefaultScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.store.GetPool(ctx, v1.DefaultPool); errors.Is(err, store.ErrNotFound) {
		log.Info("Creating default pool", "slots", s.config.DefaultPoolSlots)
		pool := &v1.Pool{Name: v1.DefaultPool, Slots: s.config.DefaultPoolSlots, Description: "Default pool"}
		if err := s.store.SavePool(ctx, pool); err != nil {
			return fmt.Errorf("failed to create default pool: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to read default pool: %w", err)
	}

	for _, ex := range s.executors.All() {
		if err := ex.Start(ctx); err != nil {
			return fmt.Errorf("failed to start executor %s: %w", ex.Name(), err)
		}
	}

	return s.resetOrphans(ctx)
}

func (s *DefaultScheduler) resetOrphans(ctx context.Context) error {
	tis, err := s.store.ListTaskInstances(ctx, store.TaskInstanceFilter{States: []v1.TaskInstanceState{v1.StateQueued, v1.StateRunning}})
	if err != nil {
		return fmt.Errorf("failed to list active task instances: %w", err)
	}
	for _, ti := range tis {
		ex, err := s.executors.Get(ti.Executor)
		if err == nil && ex.HasTask(ti.Key()) {
			continue
		}
		log.Info("Resetting orphaned task instance", "dag", ti.DagID, "task", ti.TaskID, "run", ti.RunID, "state", ti.State.String())
		ti.QueuedAt = nil
		ti.LastHeartbeat = nil
		if err := s.transition(ctx, ti, v1.StateNone); err != nil {
			return err
		}
	}

	cbs, err := s.store.ListCallbacks(ctx, v1.CallbackQueued, v1.CallbackRunning)
	if err != nil {
		return fmt.Errorf("failed to list active callbacks: %w", err)
	}
	for _, cb := range cbs {
		ex, err := s.executors.Get(cb.Executor)
		if err == nil && ex.HasTask(cb.Key()) {
			continue
		}
		log.Info("Resetting orphaned callback", "callback", cb.ID.String(), "dag", cb.DagID)
		cb.State = v1.CallbackPending
		if err := s.store.UpdateCallback(ctx, cb); err != nil {
			return fmt.Errorf("failed to reset callback %s: %w", cb.ID, err)
		}
	}
	return nil
}

// Run starts the scheduler and loops every heartbeat interval until ctx is done.
// On the way out executors are given the chance to finish their work.
func (s *DefaultScheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	log.Info("Scheduler started", "policy", s.config.Policy, "interval", s.config.HeartbeatInterval)

	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Error(err, "Scheduler loop failed")
		}
		select {
		case <-ctx.Done():
			s.end()
			return nil
		case <-ticker.C:
		}
	}
}

func (s *DefaultScheduler) end() {
	log.Info("Scheduler stopping, waiting for executors")
	// Workloads still running past the zombie threshold are left to the next scheduler.
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ZombieThreshold)
	defer cancel()
	for _, ex := range s.executors.All() {
		if err := ex.End(ctx); err != nil {
			log.Error(err, "Executor did not end cleanly", "executor", ex.Name())
		}
	}
}

// RunOnce runs one scheduling loop.
func (s *DefaultScheduler) RunOnce(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	started := time.Now()
	defer func() { metrics.ObserveSchedulerLoop(time.Since(started)) }()

	if err := s.loadDags(ctx); err != nil {
		return err
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"create scheduled runs", s.createScheduledRuns},
		{"start queued runs", s.startQueuedRuns},
		{"process executor events", s.processExecutorEvents},
		{"process trigger events", s.processTriggerEvents},
		{"expire deferrals", s.expireDeferrals},
		{"find zombies", s.failZombies},
		{"resolve dependencies", s.resolveDependencies},
		{"queue task instances", s.queueScheduled},
		{"queue callbacks", s.queueCallbacks},
		{"heartbeat executors", s.heartbeatExecutors},
		{"complete runs", s.completeRuns},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}
	return nil
}

func (s *DefaultScheduler) loadDags(ctx context.Context) error {
	dags, err := s.store.ListDags(ctx)
	if err != nil {
		return fmt.Errorf("failed to list dags: %w", err)
	}
	s.dags = make(map[string]*v1.Dag, len(dags))
	for _, d := range dags {
		s.dags[d.DagID] = d
	}
	return nil
}

func (s *DefaultScheduler) heartbeatExecutors(ctx context.Context) error {
	for _, ex := range s.executors.All() {
		if err := ex.Heartbeat(ctx); err != nil {
			log.Error(err, "Executor heartbeat failed", "executor", ex.Name())
		}
	}
	return nil
}

// transition moves ti to state and persists it
func (s *DefaultScheduler) transition(ctx context.Context, ti *v1.TaskInstance, state v1.TaskInstanceState) error {
	if ti.State != state {
		log.V(1).Info("Task instance state change", "dag", ti.DagID, "task", ti.TaskID, "run", ti.RunID,
			"try", ti.TryNumber, "from", ti.State.String(), "to", state.String())
		metrics.RecordStateTransition(state.String())
	}
	ti.State = state
	if state.Finished() && ti.EndDate == nil {
		now := s.now()
		ti.EndDate = &now
	}
	if err := s.store.UpdateTaskInstance(ctx, ti); err != nil {
		return fmt.Errorf("failed to update task instance %s: %w", ti.Key(), err)
	}
	return nil
}

// handleFailure retries the task instance if it has tries left, or fails it.
func (s *DefaultScheduler) handleFailure(ctx context.Context, ti *v1.TaskInstance, message string) error {
	now := s.now()
	ti.Message = message
	ti.EndDate = &now
	ti.TriggerID = nil
	ti.TriggerTimeout = nil

	var task *v1.TaskSpec
	if dag, ok := s.dags[ti.DagID]; ok {
		task, _ = dag.Task(ti.TaskID)
	}
	if task != nil && ti.TryNumber <= task.Retries {
		next := now.Add(retryDelay(task, ti.TryNumber))
		ti.NextRetryAt = &next
		log.Info("Task instance failed, will retry", "dag", ti.DagID, "task", ti.TaskID, "run", ti.RunID,
			"try", ti.TryNumber, "retries", task.Retries, "nextRetryAt", next, "reason", message)
		return s.transition(ctx, ti, v1.StateUpForRetry)
	}

	log.Info("Task instance failed", "dag", ti.DagID, "task", ti.TaskID, "run", ti.RunID, "try", ti.TryNumber, "reason", message)
	return s.transition(ctx, ti, v1.StateFailed)
}
