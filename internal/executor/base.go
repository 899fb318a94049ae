package executor

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	ctrl "sigs.k8s.io/controller-runtime"

	v1 "github.com/kination/windsock/api/v1"
	"github.com/kination/windsock/internal/metrics"
	"github.com/kination/windsock/internal/workloads"
)

var log = ctrl.Log.WithName("executor")

const (
	// a workload whose key is still running is retried at least this many times ...
	runningRetryMinTries = 3
	// ... and for at least this long before it is dropped from the queue
	runningRetryMinWindow = 10 * time.Second
)

type runningRetryAttempt struct {
	tries     int
	firstSeen time.Time
}

func (a *runningRetryAttempt) canTryAgain(now time.Time) bool {
	a.tries++
	return a.tries < runningRetryMinTries || now.Sub(a.firstSeen) < runningRetryMinWindow
}

// Base keeps the queued/running/event bookkeeping every executor needs.
// Concrete executors embed it and supply a Backend.
type Base struct {
	name        string
	parallelism int
	backend     Backend

	mu       sync.Mutex
	queued   map[v1.WorkloadKey]workloads.Routable
	running  map[v1.WorkloadKey]struct{}
	events   map[v1.WorkloadKey]workloads.Result
	attempts map[v1.WorkloadKey]*runningRetryAttempt

	now func() time.Time
}

// NewBase creates the shared executor state. parallelism 0 means unlimited.
func NewBase(name string, parallelism int, backend Backend) *Base {
	return &Base{
		name:        name,
		parallelism: parallelism,
		backend:     backend,
		queued:      make(map[v1.WorkloadKey]workloads.Routable),
		running:     make(map[v1.WorkloadKey]struct{}),
		events:      make(map[v1.WorkloadKey]workloads.Result),
		attempts:    make(map[v1.WorkloadKey]*runningRetryAttempt),
		now:         time.Now,
	}
}

// Name returns the executor name
func (b *Base) Name() string {
	return b.name
}

// QueueWorkload adds a task or callback workload to the queue
func (b *Base) QueueWorkload(w workloads.Workload) error {
	rw, ok := w.(workloads.Routable)
	if !ok {
		return fmt.Errorf("%w: %s cannot run %s", ErrUnsupportedWorkload, b.name, w.Kind())
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := rw.Key()
	if _, exists := b.queued[key]; exists {
		log.Info("Could not queue workload, already queued", "executor", b.name, "key", key.String())
		return nil
	}
	b.queued[key] = rw
	return nil
}

// HasTask reports whether key is queued or running
func (b *Base) HasTask(key v1.WorkloadKey) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, queued := b.queued[key]
	_, running := b.running[key]
	return queued || running
}

// OpenSlots returns the number of workloads that may still be launched
func (b *Base) OpenSlots() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openSlotsLocked()
}

func (b *Base) openSlotsLocked() int {
	if b.parallelism <= 0 {
		return math.MaxInt32
	}
	return b.parallelism - len(b.running)
}

// SlotsAvailable returns how many more workloads may be queued
func (b *Base) SlotsAvailable() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.parallelism <= 0 {
		return math.MaxInt32
	}
	return b.parallelism - len(b.running) - len(b.queued)
}

// QueuedCount returns the number of queued, not yet launched workloads
func (b *Base) QueuedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queued)
}

// RunningKeys returns a snapshot of the running keys
func (b *Base) RunningKeys() []v1.WorkloadKey {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]v1.WorkloadKey, 0, len(b.running))
	for k := range b.running {
		keys = append(keys, k)
	}
	return keys
}

// Heartbeat launches queued workloads into open slots, then syncs the backend
func (b *Base) Heartbeat(ctx context.Context) error {
	launch := b.takeLaunchable()

	for _, w := range launch {
		if err := b.backend.ExecuteAsync(ctx, w); err != nil {
			log.Error(err, "Failed to launch workload", "executor", b.name, "key", w.Key().String())
			b.Fail(w.Key(), err)
		}
	}

	b.mu.Lock()
	metrics.RecordExecutorSlots(b.name, b.openSlotsLocked(), len(b.queued), len(b.running))
	b.mu.Unlock()

	if err := b.backend.Sync(ctx); err != nil {
		return fmt.Errorf("executor %s sync failed: %w", b.name, err)
	}
	return nil
}

// takeLaunchable moves up to open-slots workloads from queued to running, highest priority first.
func (b *Base) takeLaunchable() []workloads.Routable {
	b.mu.Lock()
	defer b.mu.Unlock()

	open := b.openSlotsLocked()
	if open <= 0 {
		log.V(1).Info("Executor has no open slots", "executor", b.name)
		return nil
	}

	ordered := make([]workloads.Routable, 0, len(b.queued))
	for _, w := range b.queued {
		ordered = append(ordered, w)
	}
	slices.SortStableFunc(ordered, comparePriority)

	now := b.now()
	var launch []workloads.Routable
	for _, w := range ordered {
		if len(launch) >= open {
			break
		}
		key := w.Key()
		if _, isRunning := b.running[key]; isRunning {
			attempt, ok := b.attempts[key]
			if !ok {
				attempt = &runningRetryAttempt{firstSeen: now}
				b.attempts[key] = attempt
			}
			if attempt.canTryAgain(now) {
				log.Info("Workload is still running, will retry queueing", "executor", b.name, "key", key.String(), "tries", attempt.tries)
				continue
			}
			log.Error(nil, "Could not queue workload, still running after retries", "executor", b.name, "key", key.String(), "tries", attempt.tries)
			delete(b.attempts, key)
			delete(b.queued, key)
			continue
		}
		delete(b.attempts, key)
		delete(b.queued, key)
		b.running[key] = struct{}{}
		launch = append(launch, w)
	}
	return launch
}

// comparePriority puts callbacks first, then tasks by descending priority weight, then key for determinism.
func comparePriority(a, b workloads.Routable) int {
	_, aCallback := a.(*workloads.ExecuteCallback)
	_, bCallback := b.(*workloads.ExecuteCallback)
	if aCallback != bCallback {
		if aCallback {
			return -1
		}
		return 1
	}
	if a.PriorityWeight() != b.PriorityWeight() {
		return b.PriorityWeight() - a.PriorityWeight()
	}
	switch ka, kb := a.Key().String(), b.Key().String(); {
	case ka < kb:
		return -1
	case ka > kb:
		return 1
	}
	return 0
}

// ChangeState records a state change; removeRunning frees the slot
func (b *Base) ChangeState(result workloads.Result, removeRunning bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.running[result.Key]; !ok {
		if !removeRunning {
			// a late heartbeat for something that already finished
			return
		}
		log.V(1).Info("Could not find key in running", "executor", b.name, "key", result.Key.String())
	}
	if removeRunning {
		delete(b.running, result.Key)
	}

	if prev, ok := b.events[result.Key]; ok && result.State == v1.StateRunning && prev.State != v1.StateRunning {
		return
	}
	b.events[result.Key] = result
}

// Running records a liveness heartbeat; the workload keeps its slot
func (b *Base) Running(key v1.WorkloadKey) {
	b.ChangeState(workloads.Result{Key: key, State: v1.StateRunning}, false)
}

// Success records a successful finish
func (b *Base) Success(key v1.WorkloadKey) {
	b.ChangeState(workloads.Result{Key: key, State: v1.StateSuccess}, true)
}

// Fail records a failed finish
func (b *Base) Fail(key v1.WorkloadKey, err error) {
	b.ChangeState(workloads.Result{Key: key, State: v1.StateFailed, Err: err}, true)
}

// Deferred records that the task handed itself to the triggerer
func (b *Base) Deferred(key v1.WorkloadKey, d *workloads.Deferral) {
	b.ChangeState(workloads.Result{Key: key, State: v1.StateDeferred, Deferral: d}, true)
}

// Report records an arbitrary result, freeing the slot unless it is a heartbeat
func (b *Base) Report(result workloads.Result) {
	b.ChangeState(result, result.State != v1.StateRunning)
}

// GetEventBuffer drains buffered events. With dagIDs, only task events for
// those DAGs are drained; callback events are always drained.
func (b *Base) GetEventBuffer(dagIDs ...string) map[v1.WorkloadKey]workloads.Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(dagIDs) == 0 {
		out := b.events
		b.events = make(map[v1.WorkloadKey]workloads.Result)
		return out
	}

	out := make(map[v1.WorkloadKey]workloads.Result)
	for key, ev := range b.events {
		if tk, ok := key.(v1.TaskInstanceKey); ok && !slices.Contains(dagIDs, tk.DagID) {
			continue
		}
		out[key] = ev
		delete(b.events, key)
	}
	return out
}

// Forget drops queued and running state for key without emitting an event
func (b *Base) Forget(key v1.WorkloadKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queued, key)
	delete(b.running, key)
	delete(b.attempts, key)
}
