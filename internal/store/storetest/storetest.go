// Package storetest holds the behaviour every Store implementation must share.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/kination/windsock/api/v1"
	"github.com/kination/windsock/internal/store"
)

// Run exercises s against the Store contract
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("Dags", func(t *testing.T) { testDags(t, newStore(t)) })
	t.Run("DagRuns", func(t *testing.T) { testDagRuns(t, newStore(t)) })
	t.Run("TaskInstances", func(t *testing.T) { testTaskInstances(t, newStore(t)) })
	t.Run("Callbacks", func(t *testing.T) { testCallbacks(t, newStore(t)) })
	t.Run("Triggers", func(t *testing.T) { testTriggers(t, newStore(t)) })
	t.Run("Pools", func(t *testing.T) { testPools(t, newStore(t)) })
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleDag(id string) *v1.Dag {
	return &v1.Dag{
		DagID:           id,
		RelativeFileloc: id + ".yaml",
		Spec: v1.DagSpec{
			Schedule: "@every 1h",
			Tasks: []v1.TaskSpec{
				{Name: "extract", Command: "echo extract", Retries: 2, RetryDelay: time.Minute},
				{Name: "load", Dependencies: []string{"extract"}, Env: map[string]string{"A": "b"}},
			},
			OnFailureCallback: &v1.CallbackRef{Path: "alerts.page", Kwargs: map[string]any{"team": "data"}},
		},
	}
}

func testDags(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.GetDag(ctx, "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	require.NoError(t, s.SaveDag(ctx, sampleDag("b")))
	require.NoError(t, s.SaveDag(ctx, sampleDag("a")))

	got, err := s.GetDag(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, sampleDag("b").Spec.Tasks, got.Spec.Tasks)
	assert.Equal(t, "alerts.page", got.Spec.OnFailureCallback.Path)

	// mutating a returned copy does not leak into the store
	got.Spec.Tasks[0].Name = "changed"
	again, err := s.GetDag(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "extract", again.Spec.Tasks[0].Name)

	require.NoError(t, s.SetDagPaused(ctx, "b", true))
	require.NoError(t, s.SaveDag(ctx, sampleDag("b")))
	again, err = s.GetDag(ctx, "b")
	require.NoError(t, err)
	assert.True(t, again.Paused, "re-saving a DAG keeps the paused flag")

	assert.True(t, errors.Is(s.SetDagPaused(ctx, "missing", true), store.ErrNotFound))

	dags, err := s.ListDags(ctx)
	require.NoError(t, err)
	require.Len(t, dags, 2)
	assert.Equal(t, "a", dags[0].DagID)
	assert.Equal(t, "b", dags[1].DagID)

	assert.NoError(t, s.Ping(ctx))
}

func testDagRuns(t *testing.T, s store.Store) {
	ctx := context.Background()

	r1 := &v1.DagRun{DagID: "d", RunID: "r1", RunType: v1.RunTypeManual, State: v1.DagRunQueued, LogicalDate: epoch.Add(time.Hour)}
	r2 := &v1.DagRun{DagID: "d", RunID: "r2", RunType: v1.RunTypeScheduled, State: v1.DagRunRunning, LogicalDate: epoch}
	r3 := &v1.DagRun{DagID: "other", RunID: "r1", State: v1.DagRunRunning, LogicalDate: epoch, Conf: map[string]any{"k": "v"}}
	for _, r := range []*v1.DagRun{r1, r2, r3} {
		require.NoError(t, s.CreateDagRun(ctx, r))
	}
	assert.True(t, errors.Is(s.CreateDagRun(ctx, r1), store.ErrAlreadyExists))

	got, err := s.GetDagRun(ctx, "other", "r1")
	require.NoError(t, err)
	assert.Equal(t, "v", got.Conf["k"])
	assert.True(t, got.LogicalDate.Equal(epoch))

	running, err := s.ListDagRuns(ctx, store.DagRunFilter{States: []v1.DagRunState{v1.DagRunRunning}})
	require.NoError(t, err)
	assert.Len(t, running, 2)

	forD, err := s.ListDagRuns(ctx, store.DagRunFilter{DagID: "d"})
	require.NoError(t, err)
	require.Len(t, forD, 2)
	assert.Equal(t, "r2", forD[0].RunID, "ordered by logical date")

	now := epoch.Add(2 * time.Hour)
	r1.State = v1.DagRunSuccess
	r1.EndDate = &now
	require.NoError(t, s.UpdateDagRun(ctx, r1))
	got, err = s.GetDagRun(ctx, "d", "r1")
	require.NoError(t, err)
	assert.Equal(t, v1.DagRunSuccess, got.State)
	require.NotNil(t, got.EndDate)
	assert.True(t, got.EndDate.Equal(now))

	_, err = s.GetDagRun(ctx, "d", "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
	assert.True(t, errors.Is(s.UpdateDagRun(ctx, &v1.DagRun{DagID: "d", RunID: "missing"}), store.ErrNotFound))
}

func testTaskInstances(t *testing.T, s store.Store) {
	ctx := context.Background()
	dag := sampleDag("d")
	run := &v1.DagRun{DagID: "d", RunID: "r1", LogicalDate: epoch}
	version := uuid.New()

	extract := v1.NewTaskInstance(dag, dag.Spec.Tasks[0].WithDefaults(), run, version)
	load := v1.NewTaskInstance(dag, dag.Spec.Tasks[1].WithDefaults(), run, version)
	require.NoError(t, s.CreateTaskInstances(ctx, []*v1.TaskInstance{extract, load}))

	dup := v1.NewTaskInstance(dag, dag.Spec.Tasks[0].WithDefaults(), run, version)
	assert.True(t, errors.Is(s.CreateTaskInstances(ctx, []*v1.TaskInstance{dup}), store.ErrAlreadyExists))

	got, err := s.GetTaskInstance(ctx, extract.ID)
	require.NoError(t, err)
	assert.Equal(t, extract.Key(), got.Key())
	assert.Equal(t, v1.StateNone, got.State)
	assert.Equal(t, version, got.DagVersionID)

	now := epoch.Add(time.Minute)
	got.State = v1.StateQueued
	got.TryNumber = 1
	got.QueuedAt = &now
	require.NoError(t, s.UpdateTaskInstance(ctx, got))

	queued, err := s.ListTaskInstances(ctx, store.TaskInstanceFilter{States: []v1.TaskInstanceState{v1.StateQueued}})
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, extract.ID, queued[0].ID)
	assert.Equal(t, 1, queued[0].TryNumber)

	none, err := s.ListTaskInstances(ctx, store.TaskInstanceFilter{DagID: "d", RunID: "r1", States: []v1.TaskInstanceState{v1.StateNone}})
	require.NoError(t, err)
	require.Len(t, none, 1)
	assert.Equal(t, "load", none[0].TaskID)

	all, err := s.ListTaskInstances(ctx, store.TaskInstanceFilter{DagID: "d", RunID: "r1"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "extract", all[0].TaskID)

	_, err = s.GetTaskInstance(ctx, uuid.New())
	assert.True(t, errors.Is(err, store.ErrNotFound))
	assert.True(t, errors.Is(s.UpdateTaskInstance(ctx, &v1.TaskInstance{ID: uuid.New()}), store.ErrNotFound))
}

func testCallbacks(t *testing.T, s store.Store) {
	ctx := context.Background()
	first := &v1.Callback{
		ID: uuid.New(), FetchMethod: v1.FetchImportPath, State: v1.CallbackPending,
		Data: map[string]any{"path": "alerts.page"}, DagID: "d", RunID: "r1", CreatedAt: epoch,
	}
	second := &v1.Callback{ID: uuid.New(), FetchMethod: v1.FetchDagAttribute, State: v1.CallbackPending, CreatedAt: epoch.Add(time.Second)}
	require.NoError(t, s.CreateCallback(ctx, second))
	require.NoError(t, s.CreateCallback(ctx, first))
	assert.True(t, errors.Is(s.CreateCallback(ctx, first), store.ErrAlreadyExists))

	pending, err := s.ListCallbacks(ctx, v1.CallbackPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID, "ordered by creation")
	assert.Equal(t, "alerts.page", pending[0].Data["path"])

	first.State = v1.CallbackSuccess
	require.NoError(t, s.UpdateCallback(ctx, first))
	got, err := s.GetCallback(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.CallbackSuccess, got.State)

	pending, err = s.ListCallbacks(ctx, v1.CallbackPending, v1.CallbackQueued)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	all, err := s.ListCallbacks(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = s.GetCallback(ctx, uuid.New())
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func testTriggers(t *testing.T, s store.Store) {
	ctx := context.Background()
	tiID := uuid.New()
	timeout := epoch.Add(time.Hour)

	var ids []int64
	for i := 0; i < 3; i++ {
		tr := &v1.Trigger{Classpath: "sleep", EncryptedKwargs: "x", TaskInstanceID: &tiID, TimeoutAfter: &timeout, CreatedAt: epoch}
		require.NoError(t, s.CreateTrigger(ctx, tr))
		assert.NotZero(t, tr.ID)
		ids = append(ids, tr.ID)
	}
	assert.Less(t, ids[0], ids[1])

	got, err := s.GetTrigger(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "sleep", got.Classpath)
	assert.Equal(t, tiID, *got.TaskInstanceID)
	assert.True(t, got.TimeoutAfter.Equal(timeout))
	assert.False(t, got.Claimed)

	claimed, err := s.ClaimTriggers(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, ids[0], claimed[0].ID)
	assert.True(t, claimed[0].Claimed)

	claimed, err = s.ClaimTriggers(ctx, 5)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, ids[2], claimed[0].ID)

	require.NoError(t, s.DeleteTrigger(ctx, ids[1]))
	assert.True(t, errors.Is(s.DeleteTrigger(ctx, ids[1]), store.ErrNotFound))
	_, err = s.GetTrigger(ctx, ids[1])
	assert.True(t, errors.Is(err, store.ErrNotFound))

	all, err := s.ListTriggers(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testPools(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.SavePool(ctx, &v1.Pool{Name: "default_pool", Slots: 128}))
	require.NoError(t, s.SavePool(ctx, &v1.Pool{Name: "api", Slots: 2, Description: "rate limited"}))
	require.NoError(t, s.SavePool(ctx, &v1.Pool{Name: "api", Slots: 3}))

	p, err := s.GetPool(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, 3, p.Slots)

	pools, err := s.ListPools(ctx)
	require.NoError(t, err)
	require.Len(t, pools, 2)
	assert.Equal(t, "api", pools[0].Name)

	_, err = s.GetPool(ctx, "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
