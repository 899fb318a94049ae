package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/kination/windsock/api/v1"
	"github.com/kination/windsock/internal/workloads"
)

type recordingBackend struct {
	launched []v1.WorkloadKey
	failOn   map[v1.WorkloadKey]bool
	syncs    int
}

func (r *recordingBackend) ExecuteAsync(ctx context.Context, w workloads.Routable) error {
	if r.failOn[w.Key()] {
		return errors.New("launch failed")
	}
	r.launched = append(r.launched, w.Key())
	return nil
}

func (r *recordingBackend) Sync(ctx context.Context) error {
	r.syncs++
	return nil
}

func taskWorkload(dagID, taskID string, priority int) *workloads.ExecuteTask {
	return &workloads.ExecuteTask{
		TI: workloads.TaskInstanceDTO{
			ID:             uuid.New(),
			DagID:          dagID,
			TaskID:         taskID,
			RunID:          "run",
			TryNumber:      1,
			MapIndex:       -1,
			Queue:          v1.DefaultQueue,
			PriorityWeight: priority,
		},
	}
}

func callbackWorkload() *workloads.ExecuteCallback {
	return &workloads.ExecuteCallback{Callback: workloads.CallbackDTO{ID: uuid.NewString()}}
}

func TestBase_HeartbeatRespectsParallelismAndPriority(t *testing.T) {
	backend := &recordingBackend{}
	base := NewBase("test", 2, backend)

	low := taskWorkload("d", "low", 1)
	high := taskWorkload("d", "high", 10)
	mid := taskWorkload("d", "mid", 5)
	for _, w := range []*workloads.ExecuteTask{low, high, mid} {
		require.NoError(t, base.QueueWorkload(w))
	}

	require.NoError(t, base.Heartbeat(context.Background()))

	assert.Equal(t, []v1.WorkloadKey{high.Key(), mid.Key()}, backend.launched)
	assert.Equal(t, 0, base.OpenSlots())
	assert.Equal(t, 1, base.QueuedCount())
	assert.True(t, base.HasTask(low.Key()))
	assert.Equal(t, 1, backend.syncs)

	base.Success(high.Key())
	require.NoError(t, base.Heartbeat(context.Background()))
	assert.Equal(t, low.Key(), backend.launched[2])
}

func TestBase_CallbacksBeforeTasks(t *testing.T) {
	backend := &recordingBackend{}
	base := NewBase("test", 1, backend)

	task := taskWorkload("d", "t", 100)
	cb := callbackWorkload()
	require.NoError(t, base.QueueWorkload(task))
	require.NoError(t, base.QueueWorkload(cb))

	require.NoError(t, base.Heartbeat(context.Background()))
	assert.Equal(t, []v1.WorkloadKey{cb.Key()}, backend.launched)
}

func TestBase_UnlimitedParallelism(t *testing.T) {
	backend := &recordingBackend{}
	base := NewBase("test", 0, backend)
	for i := 0; i < 50; i++ {
		require.NoError(t, base.QueueWorkload(taskWorkload("d", uuid.NewString(), 1)))
	}
	require.NoError(t, base.Heartbeat(context.Background()))
	assert.Len(t, backend.launched, 50)
	assert.Greater(t, base.OpenSlots(), 0)
}

func TestBase_RejectsTriggers(t *testing.T) {
	base := NewBase("test", 1, &recordingBackend{})
	err := base.QueueWorkload(&workloads.RunTrigger{ID: 1})
	assert.True(t, errors.Is(err, ErrUnsupportedWorkload))
}

func TestBase_DuplicateQueueIgnored(t *testing.T) {
	backend := &recordingBackend{}
	base := NewBase("test", 0, backend)
	w := taskWorkload("d", "t", 1)
	require.NoError(t, base.QueueWorkload(w))
	require.NoError(t, base.QueueWorkload(w))
	require.NoError(t, base.Heartbeat(context.Background()))
	assert.Len(t, backend.launched, 1)
}

func TestBase_LaunchFailureBecomesFailedEvent(t *testing.T) {
	w := taskWorkload("d", "t", 1)
	backend := &recordingBackend{failOn: map[v1.WorkloadKey]bool{w.Key(): true}}
	base := NewBase("test", 1, backend)
	require.NoError(t, base.QueueWorkload(w))
	require.NoError(t, base.Heartbeat(context.Background()))

	events := base.GetEventBuffer()
	require.Contains(t, events, w.Key())
	assert.Equal(t, v1.StateFailed, events[w.Key()].State)
	assert.Error(t, events[w.Key()].Err)
	assert.Equal(t, 1, base.OpenSlots())
}

func TestBase_StillRunningKeyIsRetriedThenDropped(t *testing.T) {
	backend := &recordingBackend{}
	base := NewBase("test", 0, backend)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	base.now = func() time.Time { return now }

	w := taskWorkload("d", "t", 1)
	require.NoError(t, base.QueueWorkload(w))
	require.NoError(t, base.Heartbeat(context.Background()))
	require.Len(t, backend.launched, 1)

	// the same key comes back while the first launch is still running
	require.NoError(t, base.QueueWorkload(w))
	for i := 0; i < 3; i++ {
		require.NoError(t, base.Heartbeat(context.Background()))
	}
	assert.Equal(t, 1, base.QueuedCount(), "kept queued inside the retry window")

	now = now.Add(11 * time.Second)
	require.NoError(t, base.Heartbeat(context.Background()))
	assert.Equal(t, 0, base.QueuedCount(), "dropped after the retry window")
	assert.Len(t, backend.launched, 1)
}

func TestBase_RunningHeartbeatKeepsSlot(t *testing.T) {
	backend := &recordingBackend{}
	base := NewBase("test", 1, backend)
	w := taskWorkload("d", "t", 1)
	require.NoError(t, base.QueueWorkload(w))
	require.NoError(t, base.Heartbeat(context.Background()))

	base.Running(w.Key())
	assert.Equal(t, 0, base.OpenSlots())
	assert.Equal(t, v1.StateRunning, base.GetEventBuffer()[w.Key()].State)

	base.Success(w.Key())
	base.Running(w.Key())
	events := base.GetEventBuffer()
	assert.Equal(t, v1.StateSuccess, events[w.Key()].State, "late heartbeat must not mask the final state")
	assert.Equal(t, 1, base.OpenSlots())
}

func TestBase_Deferred(t *testing.T) {
	base := NewBase("test", 1, &recordingBackend{})
	w := taskWorkload("d", "t", 1)
	require.NoError(t, base.QueueWorkload(w))
	require.NoError(t, base.Heartbeat(context.Background()))

	base.Deferred(w.Key(), &workloads.Deferral{Classpath: "sleep"})
	ev := base.GetEventBuffer()[w.Key()]
	assert.Equal(t, v1.StateDeferred, ev.State)
	require.NotNil(t, ev.Deferral)
	assert.Equal(t, "sleep", ev.Deferral.Classpath)
	assert.Equal(t, 1, base.OpenSlots())
}

func TestBase_GetEventBufferFiltersByDag(t *testing.T) {
	base := NewBase("test", 0, &recordingBackend{})
	a := taskWorkload("dag_a", "t", 1)
	b := taskWorkload("dag_b", "t", 1)
	cb := callbackWorkload()
	for _, w := range []workloads.Routable{a, b, cb} {
		require.NoError(t, base.QueueWorkload(w))
	}
	require.NoError(t, base.Heartbeat(context.Background()))
	base.Success(a.Key())
	base.Success(b.Key())
	base.Success(cb.Key())

	events := base.GetEventBuffer("dag_a")
	assert.Len(t, events, 2)
	assert.Contains(t, events, a.Key())
	assert.Contains(t, events, cb.Key())

	rest := base.GetEventBuffer()
	assert.Len(t, rest, 1)
	assert.Contains(t, rest, b.Key())
	assert.Empty(t, base.GetEventBuffer())
}
