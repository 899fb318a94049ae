// Package memory provides an in-process Store, used by tests and single-process runs.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	v1 "github.com/kination/windsock/api/v1"
	"github.com/kination/windsock/internal/store"
)

var _ store.Store = (*Store)(nil)

type runKey struct{ dagID, runID string }

type tiKey struct {
	dagID, runID, taskID string
	mapIndex             int
}

// Store keeps everything in maps guarded by a single mutex.
type Store struct {
	mu sync.RWMutex

	dags      map[string]*v1.Dag
	runs      map[runKey]*v1.DagRun
	tis       map[uuid.UUID]*v1.TaskInstance
	tiIndex   map[tiKey]uuid.UUID
	callbacks map[uuid.UUID]*v1.Callback
	triggers  map[int64]*v1.Trigger
	pools     map[string]*v1.Pool

	nextTriggerID int64
}

// New creates an empty store
func New() *Store {
	return &Store{
		dags:      make(map[string]*v1.Dag),
		runs:      make(map[runKey]*v1.DagRun),
		tis:       make(map[uuid.UUID]*v1.TaskInstance),
		tiIndex:   make(map[tiKey]uuid.UUID),
		callbacks: make(map[uuid.UUID]*v1.Callback),
		triggers:  make(map[int64]*v1.Trigger),
		pools:     make(map[string]*v1.Pool),
	}
}

func (s *Store) SaveDag(_ context.Context, dag *v1.Dag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := dag.Clone()
	if prev, ok := s.dags[dag.DagID]; ok {
		c.Paused = prev.Paused
	}
	s.dags[dag.DagID] = c
	return nil
}

func (s *Store) GetDag(_ context.Context, dagID string) (*v1.Dag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dags[dagID]
	if !ok {
		return nil, fmt.Errorf("dag %s: %w", dagID, store.ErrNotFound)
	}
	return d.Clone(), nil
}

func (s *Store) ListDags(_ context.Context) ([]*v1.Dag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*v1.Dag, 0, len(s.dags))
	for _, d := range s.dags {
		out = append(out, d.Clone())
	}
	slices.SortFunc(out, func(a, b *v1.Dag) int { return cmp.Compare(a.DagID, b.DagID) })
	return out, nil
}

func (s *Store) SetDagPaused(_ context.Context, dagID string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dags[dagID]
	if !ok {
		return fmt.Errorf("dag %s: %w", dagID, store.ErrNotFound)
	}
	d.Paused = paused
	return nil
}

func (s *Store) CreateDagRun(_ context.Context, run *v1.DagRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := runKey{run.DagID, run.RunID}
	if _, ok := s.runs[k]; ok {
		return fmt.Errorf("dag run %s/%s: %w", run.DagID, run.RunID, store.ErrAlreadyExists)
	}
	s.runs[k] = run.Clone()
	return nil
}

func (s *Store) GetDagRun(_ context.Context, dagID, runID string) (*v1.DagRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runKey{dagID, runID}]
	if !ok {
		return nil, fmt.Errorf("dag run %s/%s: %w", dagID, runID, store.ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *Store) UpdateDagRun(_ context.Context, run *v1.DagRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := runKey{run.DagID, run.RunID}
	if _, ok := s.runs[k]; !ok {
		return fmt.Errorf("dag run %s/%s: %w", run.DagID, run.RunID, store.ErrNotFound)
	}
	s.runs[k] = run.Clone()
	return nil
}

func (s *Store) ListDagRuns(_ context.Context, filter store.DagRunFilter) ([]*v1.DagRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*v1.DagRun
	for _, r := range s.runs {
		if filter.Match(r) {
			out = append(out, r.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *v1.DagRun) int {
		return cmp.Or(a.LogicalDate.Compare(b.LogicalDate), cmp.Compare(a.DagID, b.DagID), cmp.Compare(a.RunID, b.RunID))
	})
	return out, nil
}

func indexKey(ti *v1.TaskInstance) tiKey {
	return tiKey{ti.DagID, ti.RunID, ti.TaskID, ti.MapIndex}
}

func (s *Store) CreateTaskInstances(_ context.Context, tis []*v1.TaskInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ti := range tis {
		if _, ok := s.tiIndex[indexKey(ti)]; ok {
			return fmt.Errorf("task instance %s: %w", ti.Key(), store.ErrAlreadyExists)
		}
	}
	for _, ti := range tis {
		s.tis[ti.ID] = ti.Clone()
		s.tiIndex[indexKey(ti)] = ti.ID
	}
	return nil
}

func (s *Store) GetTaskInstance(_ context.Context, id uuid.UUID) (*v1.TaskInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ti, ok := s.tis[id]
	if !ok {
		return nil, fmt.Errorf("task instance %s: %w", id, store.ErrNotFound)
	}
	return ti.Clone(), nil
}

func (s *Store) UpdateTaskInstance(_ context.Context, ti *v1.TaskInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tis[ti.ID]; !ok {
		return fmt.Errorf("task instance %s: %w", ti.ID, store.ErrNotFound)
	}
	s.tis[ti.ID] = ti.Clone()
	return nil
}

func (s *Store) ListTaskInstances(_ context.Context, filter store.TaskInstanceFilter) ([]*v1.TaskInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*v1.TaskInstance
	for _, ti := range s.tis {
		if filter.Match(ti) {
			out = append(out, ti.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *v1.TaskInstance) int {
		return cmp.Or(
			cmp.Compare(a.DagID, b.DagID),
			cmp.Compare(a.RunID, b.RunID),
			cmp.Compare(a.TaskID, b.TaskID),
			cmp.Compare(a.MapIndex, b.MapIndex),
		)
	})
	return out, nil
}

func (s *Store) CreateCallback(_ context.Context, cb *v1.Callback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.callbacks[cb.ID]; ok {
		return fmt.Errorf("callback %s: %w", cb.ID, store.ErrAlreadyExists)
	}
	s.callbacks[cb.ID] = cb.Clone()
	return nil
}

func (s *Store) GetCallback(_ context.Context, id uuid.UUID) (*v1.Callback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cb, ok := s.callbacks[id]
	if !ok {
		return nil, fmt.Errorf("callback %s: %w", id, store.ErrNotFound)
	}
	return cb.Clone(), nil
}

func (s *Store) UpdateCallback(_ context.Context, cb *v1.Callback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.callbacks[cb.ID]; !ok {
		return fmt.Errorf("callback %s: %w", cb.ID, store.ErrNotFound)
	}
	s.callbacks[cb.ID] = cb.Clone()
	return nil
}

func (s *Store) ListCallbacks(_ context.Context, states ...v1.CallbackState) ([]*v1.Callback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*v1.Callback
	for _, cb := range s.callbacks {
		if len(states) == 0 || slices.Contains(states, cb.State) {
			out = append(out, cb.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *v1.Callback) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID.String(), b.ID.String()))
	})
	return out, nil
}

func (s *Store) CreateTrigger(_ context.Context, trigger *v1.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTriggerID++
	trigger.ID = s.nextTriggerID
	c := *trigger
	s.triggers[c.ID] = &c
	return nil
}

func (s *Store) GetTrigger(_ context.Context, id int64) (*v1.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.triggers[id]
	if !ok {
		return nil, fmt.Errorf("trigger %d: %w", id, store.ErrNotFound)
	}
	c := *t
	return &c, nil
}

func (s *Store) sortedTriggers() []*v1.Trigger {
	out := make([]*v1.Trigger, 0, len(s.triggers))
	for _, t := range s.triggers {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b *v1.Trigger) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (s *Store) ListTriggers(_ context.Context) ([]*v1.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.sortedTriggers()
	for i, t := range out {
		c := *t
		out[i] = &c
	}
	return out, nil
}

func (s *Store) ClaimTriggers(_ context.Context, limit int) ([]*v1.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*v1.Trigger
	for _, t := range s.sortedTriggers() {
		if len(out) >= limit {
			break
		}
		if t.Claimed {
			continue
		}
		t.Claimed = true
		c := *t
		out = append(out, &c)
	}
	return out, nil
}

func (s *Store) DeleteTrigger(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.triggers[id]; !ok {
		return fmt.Errorf("trigger %d: %w", id, store.ErrNotFound)
	}
	delete(s.triggers, id)
	return nil
}

func (s *Store) SavePool(_ context.Context, pool *v1.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *pool
	s.pools[pool.Name] = &c
	return nil
}

func (s *Store) GetPool(_ context.Context, name string) (*v1.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pools[name]
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", name, store.ErrNotFound)
	}
	c := *p
	return &c, nil
}

func (s *Store) ListPools(_ context.Context) ([]*v1.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*v1.Pool, 0, len(s.pools))
	for _, p := range s.pools {
		c := *p
		out = append(out, &c)
	}
	slices.SortFunc(out, func(a, b *v1.Pool) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }
