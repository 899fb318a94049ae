package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	v1 "github.com/kination/windsock/api/v1"
	"github.com/kination/windsock/internal/executor"
	"github.com/kination/windsock/internal/store"
	"github.com/kination/windsock/internal/workloads"
)

// resolveDependencies evaluates trigger rules for every running run until
// nothing changes, so skips and upstream failures propagate in one loop.
func (s *DefaultScheduler) resolveDependencies(ctx context.Context) error {
	runs, err := s.store.ListDagRuns(ctx, store.DagRunFilter{States: []v1.DagRunState{v1.DagRunRunning}})
	if err != nil {
		return fmt.Errorf("failed to list running runs: %w", err)
	}
	for _, run := range runs {
		dag, ok := s.dags[run.DagID]
		if !ok {
			log.V(1).Info("Run of an unknown DAG", "dag", run.DagID, "run", run.RunID)
			continue
		}
		if err := s.resolveRun(ctx, dag, run); err != nil {
			return err
		}
	}
	return nil
}

func (s *DefaultScheduler) resolveRun(ctx context.Context, dag *v1.Dag, run *v1.DagRun) error {
	tis, err := s.store.ListTaskInstances(ctx, store.TaskInstanceFilter{DagID: run.DagID, RunID: run.RunID})
	if err != nil {
		return fmt.Errorf("failed to list task instances of %s: %w", run.RunID, err)
	}
	byTask, err := s.verifyIntegrity(ctx, dag, run, tis)
	if err != nil {
		return err
	}

	now := s.now()
	for changed := true; changed; {
		changed = false
		for _, task := range dag.Spec.Tasks {
			ti := byTask[task.Name]
			switch ti.State {
			case v1.StateUpForRetry:
				if ti.NextRetryAt != nil && now.Before(*ti.NextRetryAt) {
					continue
				}
				if err := s.scheduleTaskInstance(ctx, ti); err != nil {
					return err
				}
				continue
			case v1.StateNone:
			default:
				continue
			}

			upstream := make([]v1.TaskInstanceState, 0, len(task.Dependencies))
			for _, dep := range task.Dependencies {
				upstream = append(upstream, byTask[dep].State)
			}
			var err error
			switch evaluate(task.TriggerRule, summarize(upstream)) {
			case decisionRun:
				err = s.scheduleTaskInstance(ctx, ti)
			case decisionSkip:
				err = s.transition(ctx, ti, v1.StateSkipped)
				changed = true
			case decisionUpstreamFailed:
				err = s.transition(ctx, ti, v1.StateUpstreamFailed)
				changed = true
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// verifyIntegrity adds task instances for tasks added to the DAG after the run
// was created and marks those of removed tasks as removed.
func (s *DefaultScheduler) verifyIntegrity(ctx context.Context, dag *v1.Dag, run *v1.DagRun, tis []*v1.TaskInstance) (map[string]*v1.TaskInstance, error) {
	byTask := make(map[string]*v1.TaskInstance, len(tis))
	for _, ti := range tis {
		if ti.MapIndex != -1 {
			continue
		}
		byTask[ti.TaskID] = ti
		if _, ok := dag.Task(ti.TaskID); !ok && !ti.State.Finished() {
			log.Info("Task was removed from the DAG", "dag", ti.DagID, "task", ti.TaskID, "run", ti.RunID)
			if err := s.transition(ctx, ti, v1.StateRemoved); err != nil {
				return nil, err
			}
		}
	}

	var missing []*v1.TaskInstance
	for _, task := range dag.Spec.Tasks {
		if _, ok := byTask[task.Name]; !ok {
			ti := v1.NewTaskInstance(dag, task, run, dag.VersionID)
			missing = append(missing, ti)
			byTask[task.Name] = ti
		}
	}
	if len(missing) > 0 {
		if err := s.store.CreateTaskInstances(ctx, missing); err != nil {
			return nil, fmt.Errorf("failed to add task instances to %s: %w", run.RunID, err)
		}
	}
	return byTask, nil
}

// scheduleTaskInstance makes ti eligible for queueing. Starting a new try
// bumps the try number; resuming a deferred task does not go through here.
func (s *DefaultScheduler) scheduleTaskInstance(ctx context.Context, ti *v1.TaskInstance) error {
	ti.TryNumber++
	ti.NextRetryAt = nil
	ti.StartDate = nil
	ti.EndDate = nil
	ti.QueuedAt = nil
	ti.LastHeartbeat = nil
	ti.NextKwargs = nil
	return s.transition(ctx, ti, v1.StateScheduled)
}

// candidate is a scheduled task instance with what ordering and limits need
type candidate struct {
	ti    *v1.TaskInstance
	run   *v1.DagRun
	dag   *v1.Dag
	order int
}

// queueScheduled is the critical section: it queues scheduled task instances
// on their executors within DAG, pool and executor limits.
func (s *DefaultScheduler) queueScheduled(ctx context.Context) error {
	scheduled, err := s.store.ListTaskInstances(ctx, store.TaskInstanceFilter{States: []v1.TaskInstanceState{v1.StateScheduled}})
	if err != nil {
		return fmt.Errorf("failed to list scheduled task instances: %w", err)
	}
	if len(scheduled) == 0 {
		return nil
	}
	active, err := s.store.ListTaskInstances(ctx, store.TaskInstanceFilter{States: []v1.TaskInstanceState{v1.StateQueued, v1.StateRunning}})
	if err != nil {
		return fmt.Errorf("failed to list active task instances: %w", err)
	}

	activePerDag := make(map[string]int)
	poolUsed := make(map[string]int)
	for _, ti := range active {
		activePerDag[ti.DagID]++
		poolUsed[ti.Pool] += ti.PoolSlots
	}

	candidates, err := s.candidates(ctx, scheduled)
	if err != nil {
		return err
	}
	s.orderCandidates(candidates, activePerDag)

	pools := make(map[string]*v1.Pool)
	budget := make(map[string]int)
	queued := 0
	for _, c := range candidates {
		if queued >= s.config.MaxTIsPerLoop {
			break
		}
		ti := c.ti

		if activePerDag[ti.DagID] >= s.maxActiveTasks(c.dag) {
			continue
		}

		pool, ok := pools[ti.Pool]
		if !ok {
			pool, err = s.store.GetPool(ctx, ti.Pool)
			if errors.Is(err, store.ErrNotFound) {
				log.Info("Task instance uses a pool that does not exist", "dag", ti.DagID, "task", ti.TaskID, "pool", ti.Pool)
				pool = nil
			} else if err != nil {
				return fmt.Errorf("failed to get pool %s: %w", ti.Pool, err)
			}
			pools[ti.Pool] = pool
		}
		if pool == nil {
			continue
		}
		if pool.Slots >= 0 && poolUsed[ti.Pool]+ti.PoolSlots > pool.Slots {
			continue
		}

		ex, err := s.executors.Get(ti.Executor)
		if err != nil {
			log.Error(err, "Task instance names an unknown executor", "dag", ti.DagID, "task", ti.TaskID, "executor", ti.Executor)
			if err := s.failWithoutRetry(ctx, ti, err.Error()); err != nil {
				return err
			}
			continue
		}
		if _, ok := budget[ex.Name()]; !ok {
			budget[ex.Name()] = ex.SlotsAvailable()
		}
		if budget[ex.Name()] <= 0 {
			continue
		}

		ok, err = s.enqueue(ctx, c, ex)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		activePerDag[ti.DagID]++
		poolUsed[ti.Pool] += ti.PoolSlots
		budget[ex.Name()]--
		queued++
	}
	return nil
}

// candidates pairs scheduled task instances with their running run and DAG.
// Task instances of runs that are not running wait.
func (s *DefaultScheduler) candidates(ctx context.Context, scheduled []*v1.TaskInstance) ([]candidate, error) {
	runs := make(map[string]*v1.DagRun)
	out := make([]candidate, 0, len(scheduled))
	for _, ti := range scheduled {
		dag, ok := s.dags[ti.DagID]
		if !ok {
			continue
		}
		runKey := ti.DagID + "/" + ti.RunID
		run, ok := runs[runKey]
		if !ok {
			var err error
			run, err = s.store.GetDagRun(ctx, ti.DagID, ti.RunID)
			if errors.Is(err, store.ErrNotFound) {
				run = nil
			} else if err != nil {
				return nil, fmt.Errorf("failed to get run %s: %w", ti.RunID, err)
			}
			runs[runKey] = run
		}
		if run == nil || run.State != v1.DagRunRunning {
			continue
		}
		order := slices.IndexFunc(dag.Spec.Tasks, func(t v1.TaskSpec) bool { return t.Name == ti.TaskID })
		out = append(out, candidate{ti: ti, run: run, dag: dag, order: order})
	}
	return out, nil
}

func comparePriority(a, b candidate) int {
	if a.ti.PriorityWeight != b.ti.PriorityWeight {
		return b.ti.PriorityWeight - a.ti.PriorityWeight
	}
	return compareFIFO(a, b)
}

func compareFIFO(a, b candidate) int {
	if c := a.run.LogicalDate.Compare(b.run.LogicalDate); c != 0 {
		return c
	}
	if a.order != b.order {
		return a.order - b.order
	}
	switch ka, kb := a.ti.Key().String(), b.ti.Key().String(); {
	case ka < kb:
		return -1
	case ka > kb:
		return 1
	}
	return 0
}

// orderCandidates sorts candidates by the configured policy
func (s *DefaultScheduler) orderCandidates(candidates []candidate, activePerDag map[string]int) {
	switch s.config.Policy {
	case PolicyFIFO:
		slices.SortStableFunc(candidates, compareFIFO)
	case PolicyFairShare:
		fairShare(candidates, activePerDag)
	default:
		slices.SortStableFunc(candidates, comparePriority)
	}
}

// fairShare interleaves DAGs round robin, least busy DAG first, each DAG's
// own task instances in priority order.
func fairShare(candidates []candidate, activePerDag map[string]int) {
	groups := make(map[string][]candidate)
	for _, c := range candidates {
		groups[c.ti.DagID] = append(groups[c.ti.DagID], c)
	}
	dagIDs := make([]string, 0, len(groups))
	for id, g := range groups {
		slices.SortStableFunc(g, comparePriority)
		dagIDs = append(dagIDs, id)
	}
	sort.Slice(dagIDs, func(i, j int) bool {
		ai, aj := activePerDag[dagIDs[i]], activePerDag[dagIDs[j]]
		if ai != aj {
			return ai < aj
		}
		return dagIDs[i] < dagIDs[j]
	})

	// rewritten in place; every group holds its own copies
	out := candidates[:0]
	for round := 0; len(out) < len(candidates); round++ {
		for _, id := range dagIDs {
			if round < len(groups[id]) {
				out = append(out, groups[id][round])
			}
		}
	}
}

// enqueue builds the task's workload, hands it to ex and marks the task instance queued.
// It reports false when the task instance was failed instead.
func (s *DefaultScheduler) enqueue(ctx context.Context, c candidate, ex executor.Executor) (bool, error) {
	ti := c.ti
	w, err := workloads.MakeExecuteTask(ti, c.run, c.dag, s.makeOpts)
	if err != nil {
		return false, s.failWithoutRetry(ctx, ti, fmt.Sprintf("Failed to build workload: %v", err))
	}
	if err := ex.QueueWorkload(w); err != nil {
		return false, s.failWithoutRetry(ctx, ti, fmt.Sprintf("Executor refused workload: %v", err))
	}

	now := s.now()
	ti.QueuedAt = &now
	ti.Executor = ex.Name()
	log.Info("Queued task instance", "dag", ti.DagID, "task", ti.TaskID, "run", ti.RunID,
		"try", ti.TryNumber, "executor", ex.Name(), "priority", ti.PriorityWeight)
	return true, s.transition(ctx, ti, v1.StateQueued)
}

func (s *DefaultScheduler) failWithoutRetry(ctx context.Context, ti *v1.TaskInstance, message string) error {
	ti.Message = message
	return s.transition(ctx, ti, v1.StateFailed)
}

// queueCallbacks hands pending callbacks to their executors
func (s *DefaultScheduler) queueCallbacks(ctx context.Context) error {
	cbs, err := s.store.ListCallbacks(ctx, v1.CallbackPending)
	if err != nil {
		return fmt.Errorf("failed to list pending callbacks: %w", err)
	}
	for _, cb := range cbs {
		ex, err := s.executors.Get(cb.Executor)
		if err != nil {
			log.Error(err, "Callback names an unknown executor", "callback", cb.ID.String(), "executor", cb.Executor)
			continue
		}

		dag, ok := s.dags[cb.DagID]
		if !ok {
			dag = &v1.Dag{DagID: cb.DagID}
		}
		run, err := s.store.GetDagRun(ctx, cb.DagID, cb.RunID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("failed to get run %s: %w", cb.RunID, err)
		}

		w, err := workloads.MakeExecuteCallback(cb, run, dag, s.makeOpts)
		if err != nil {
			return fmt.Errorf("failed to build callback workload %s: %w", cb.ID, err)
		}
		if err := ex.QueueWorkload(w); err != nil {
			log.Error(err, "Executor refused callback", "callback", cb.ID.String(), "executor", ex.Name())
			continue
		}
		cb.State = v1.CallbackQueued
		cb.Executor = ex.Name()
		if err := s.store.UpdateCallback(ctx, cb); err != nil {
			return fmt.Errorf("failed to update callback %s: %w", cb.ID, err)
		}
		log.Info("Queued callback", "callback", cb.ID.String(), "dag", cb.DagID, "run", cb.RunID, "executor", ex.Name())
	}
	return nil
}
