package scheduler

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"time"

	"github.com/google/uuid"

	v1 "github.com/kination/windsock/api/v1"
	"github.com/kination/windsock/internal/dagbag"
	"github.com/kination/windsock/internal/store"
)

// runID builds ids like "scheduled__2026-01-02T03:04:05Z"
func runID(runType v1.DagRunType, logicalDate time.Time) string {
	return fmt.Sprintf("%s__%s", runType, logicalDate.UTC().Format(time.RFC3339Nano))
}

func (s *DefaultScheduler) maxActiveRuns(dag *v1.Dag) int {
	if dag.Spec.MaxActiveRuns > 0 {
		return dag.Spec.MaxActiveRuns
	}
	return s.config.MaxActiveRunsPerDag
}

func (s *DefaultScheduler) maxActiveTasks(dag *v1.Dag) int {
	if dag.Spec.MaxActiveTasks > 0 {
		return dag.Spec.MaxActiveTasks
	}
	return s.config.MaxActiveTasksPerDag
}

// TriggerDagRun creates a queued manual run of a DAG
func (s *DefaultScheduler) TriggerDagRun(ctx context.Context, dagID string, conf map[string]any) (*v1.DagRun, error) {
	dag, err := s.store.GetDag(ctx, dagID)
	if err != nil {
		return nil, fmt.Errorf("failed to get dag %s: %w", dagID, err)
	}
	now := s.now()
	run, err := s.createRun(ctx, dag, v1.RunTypeManual, now, conf)
	if err != nil {
		return nil, err
	}
	log.Info("Triggered DAG run", "dag", dagID, "run", run.RunID)
	return run, nil
}

func (s *DefaultScheduler) createRun(ctx context.Context, dag *v1.Dag, runType v1.DagRunType, logicalDate time.Time, conf map[string]any) (*v1.DagRun, error) {
	now := s.now()
	run := &v1.DagRun{
		DagID:         dag.DagID,
		RunID:         runID(runType, logicalDate),
		RunType:       runType,
		State:         v1.DagRunQueued,
		LogicalDate:   logicalDate,
		Conf:          maps.Clone(conf),
		BundleVersion: dag.BundleVersion,
		QueuedAt:      &now,
	}
	if err := s.store.CreateDagRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run %s of %s: %w", run.RunID, dag.DagID, err)
	}

	tis := make([]*v1.TaskInstance, 0, len(dag.Spec.Tasks))
	for _, task := range dag.Spec.Tasks {
		tis = append(tis, v1.NewTaskInstance(dag, task, run, dag.VersionID))
	}
	if err := s.store.CreateTaskInstances(ctx, tis); err != nil {
		return nil, fmt.Errorf("failed to create task instances of %s: %w", run.RunID, err)
	}
	return run, nil
}

// createScheduledRuns creates the latest due run of every unpaused scheduled DAG.
// Intervals missed while nothing ran are not backfilled.
func (s *DefaultScheduler) createScheduledRuns(ctx context.Context) error {
	now := s.now()
	for _, dag := range sortedDags(s.dags) {
		if dag.Paused || dag.Spec.Schedule == "" {
			continue
		}
		interval, err := dagbag.ParseSchedule(dag.Spec.Schedule)
		if err != nil {
			log.Error(err, "Skipping DAG with a bad schedule", "dag", dag.DagID)
			continue
		}

		runs, err := s.store.ListDagRuns(ctx, store.DagRunFilter{DagID: dag.DagID})
		if err != nil {
			return fmt.Errorf("failed to list runs of %s: %w", dag.DagID, err)
		}
		var last *time.Time
		active := 0
		for _, r := range runs {
			if !r.State.Finished() {
				active++
			}
			if r.RunType == v1.RunTypeScheduled && (last == nil || r.LogicalDate.After(*last)) {
				d := r.LogicalDate
				last = &d
			}
		}
		if active >= s.maxActiveRuns(dag) {
			continue
		}

		next := now
		if last != nil {
			elapsed := now.Sub(*last)
			if elapsed < interval {
				continue
			}
			next = last.Add(elapsed / interval * interval)
		}

		run, err := s.createRun(ctx, dag, v1.RunTypeScheduled, next, nil)
		if errors.Is(err, store.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return err
		}
		log.Info("Created scheduled run", "dag", dag.DagID, "run", run.RunID)
	}
	return nil
}

// startQueuedRuns moves queued runs to running, oldest first, within max active runs
func (s *DefaultScheduler) startQueuedRuns(ctx context.Context) error {
	runs, err := s.store.ListDagRuns(ctx, store.DagRunFilter{States: []v1.DagRunState{v1.DagRunQueued, v1.DagRunRunning}})
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].LogicalDate.Before(runs[j].LogicalDate) })

	running := make(map[string]int)
	for _, r := range runs {
		if r.State == v1.DagRunRunning {
			running[r.DagID]++
		}
	}
	for _, r := range runs {
		if r.State != v1.DagRunQueued {
			continue
		}
		dag, ok := s.dags[r.DagID]
		if !ok || dag.Paused || running[r.DagID] >= s.maxActiveRuns(dag) {
			continue
		}
		now := s.now()
		r.State = v1.DagRunRunning
		r.StartDate = &now
		if err := s.store.UpdateDagRun(ctx, r); err != nil {
			return fmt.Errorf("failed to start run %s: %w", r.RunID, err)
		}
		running[r.DagID]++
		log.Info("DAG run started", "dag", r.DagID, "run", r.RunID)
	}
	return nil
}

// completeRuns finishes running runs whose task instances are all finished.
// A run fails when any of its leaves failed.
func (s *DefaultScheduler) completeRuns(ctx context.Context) error {
	runs, err := s.store.ListDagRuns(ctx, store.DagRunFilter{States: []v1.DagRunState{v1.DagRunRunning}})
	if err != nil {
		return fmt.Errorf("failed to list running runs: %w", err)
	}
	for _, run := range runs {
		dag, ok := s.dags[run.DagID]
		if !ok {
			continue
		}
		tis, err := s.store.ListTaskInstances(ctx, store.TaskInstanceFilter{DagID: run.DagID, RunID: run.RunID})
		if err != nil {
			return fmt.Errorf("failed to list task instances of %s: %w", run.RunID, err)
		}

		states := make(map[string]v1.TaskInstanceState, len(tis))
		unfinished := false
		for _, ti := range tis {
			states[ti.TaskID] = ti.State
			if !ti.State.Finished() {
				unfinished = true
			}
		}
		if unfinished {
			continue
		}

		run.State = v1.DagRunSuccess
		reason := "success"
		for _, leaf := range dag.Leaves() {
			if states[leaf].Failed() {
				run.State = v1.DagRunFailed
				reason = "task_failure"
				break
			}
		}
		now := s.now()
		run.EndDate = &now
		if err := s.store.UpdateDagRun(ctx, run); err != nil {
			return fmt.Errorf("failed to finish run %s: %w", run.RunID, err)
		}
		log.Info("DAG run finished", "dag", run.DagID, "run", run.RunID, "state", run.State)

		if err := s.createDagCallback(ctx, dag, run, reason); err != nil {
			return err
		}
	}
	return nil
}

// createDagCallback records the success or failure callback of a finished run, if the DAG has one
func (s *DefaultScheduler) createDagCallback(ctx context.Context, dag *v1.Dag, run *v1.DagRun, reason string) error {
	ref := dag.Spec.OnSuccessCallback
	if run.State == v1.DagRunFailed {
		ref = dag.Spec.OnFailureCallback
	}
	if ref == nil {
		return nil
	}

	kwargs := maps.Clone(ref.Kwargs)
	if kwargs == nil {
		kwargs = make(map[string]any)
	}
	kwargs["context"] = map[string]any{
		"dag_id": run.DagID,
		"run_id": run.RunID,
		"state":  string(run.State),
		"reason": reason,
	}
	cb := &v1.Callback{
		ID:          uuid.New(),
		FetchMethod: v1.FetchImportPath,
		Data:        map[string]any{"path": ref.Path, "kwargs": kwargs},
		State:       v1.CallbackPending,
		DagID:       run.DagID,
		RunID:       run.RunID,
		CreatedAt:   s.now(),
	}
	if err := s.store.CreateCallback(ctx, cb); err != nil {
		return fmt.Errorf("failed to create callback for %s: %w", run.RunID, err)
	}
	log.Info("Created DAG callback", "dag", run.DagID, "run", run.RunID, "path", ref.Path, "callback", cb.ID.String())
	return nil
}

func sortedDags(dags map[string]*v1.Dag) []*v1.Dag {
	out := make([]*v1.Dag, 0, len(dags))
	for _, d := range dags {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DagID < out[j].DagID })
	return out
}
