package scheduler

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	v1 "github.com/kination/windsock/api/v1"
	"github.com/kination/windsock/internal/dagbag"
	"github.com/kination/windsock/internal/executor"
	"github.com/kination/windsock/internal/store"
	"github.com/kination/windsock/internal/store/memory"
	"github.com/kination/windsock/internal/triggerer"
	"github.com/kination/windsock/internal/workloads"
)

// recordingBackend launches nothing; tests report outcomes through the Base.
type recordingBackend struct {
	mu       sync.Mutex
	launched []workloads.Routable
}

func (b *recordingBackend) ExecuteAsync(_ context.Context, w workloads.Routable) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.launched = append(b.launched, w)
	return nil
}

func (b *recordingBackend) Sync(context.Context) error { return nil }

type fakeExecutor struct {
	*executor.Base
	backend *recordingBackend
}

func newFakeExecutor(name string, parallelism int) *fakeExecutor {
	b := &recordingBackend{}
	return &fakeExecutor{Base: executor.NewBase(name, parallelism, b), backend: b}
}

func (f *fakeExecutor) Start(context.Context) error     { return nil }
func (f *fakeExecutor) End(context.Context) error       { return nil }
func (f *fakeExecutor) Terminate(context.Context) error { return nil }

func (f *fakeExecutor) launched() []workloads.Routable {
	f.backend.mu.Lock()
	defer f.backend.mu.Unlock()
	return append([]workloads.Routable(nil), f.backend.launched...)
}

type triggerEvents struct {
	mu     sync.Mutex
	events []triggerer.Event
}

func (t *triggerEvents) push(ev triggerer.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, ev)
}

func (t *triggerEvents) GetEvents() []triggerer.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.events
	t.events = nil
	return out
}

type harness struct {
	ctx      context.Context
	store    *memory.Store
	exec     *fakeExecutor
	triggers *triggerEvents
	cipher   *triggerer.KwargsCipher
	clock    time.Time
	sched    *DefaultScheduler
}

func newHarness(cfg SchedulerConfig, parallelism int) *harness {
	key, err := triggerer.GenerateKey()
	Expect(err).NotTo(HaveOccurred())
	raw, err := triggerer.ParseKey(key)
	Expect(err).NotTo(HaveOccurred())
	cipher, err := triggerer.NewKwargsCipher(raw)
	Expect(err).NotTo(HaveOccurred())

	h := &harness{
		ctx:      context.Background(),
		store:    memory.New(),
		exec:     newFakeExecutor("fake", parallelism),
		triggers: &triggerEvents{},
		cipher:   cipher,
		clock:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	registry := executor.NewRegistry()
	registry.Register(h.exec)

	h.sched = NewScheduler(cfg, Options{
		Store:     h.store,
		Executors: registry,
		Triggers:  h.triggers,
		Cipher:    cipher,
		Now:       func() time.Time { return h.clock },
	})
	Expect(h.sched.Start(h.ctx)).To(Succeed())
	return h
}

func (h *harness) addDag(dag *v1.Dag) *v1.Dag {
	Expect(dagbag.Prepare(dag)).To(Succeed())
	Expect(h.store.SaveDag(h.ctx, dag)).To(Succeed())
	return dag
}

func (h *harness) trigger(dagID string) *v1.DagRun {
	run, err := h.sched.TriggerDagRun(h.ctx, dagID, nil)
	Expect(err).NotTo(HaveOccurred())
	return run
}

func (h *harness) tick() {
	Expect(h.sched.RunOnce(h.ctx)).To(Succeed())
}

func (h *harness) advance(d time.Duration) {
	h.clock = h.clock.Add(d)
}

func (h *harness) ti(run *v1.DagRun, taskID string) *v1.TaskInstance {
	tis, err := h.store.ListTaskInstances(h.ctx, store.TaskInstanceFilter{DagID: run.DagID, RunID: run.RunID})
	Expect(err).NotTo(HaveOccurred())
	for _, ti := range tis {
		if ti.TaskID == taskID {
			return ti
		}
	}
	Fail("no task instance " + taskID)
	return nil
}

func (h *harness) run(run *v1.DagRun) *v1.DagRun {
	r, err := h.store.GetDagRun(h.ctx, run.DagID, run.RunID)
	Expect(err).NotTo(HaveOccurred())
	return r
}

func (h *harness) state(run *v1.DagRun, taskID string) v1.TaskInstanceState {
	return h.ti(run, taskID).State
}

func task(name string, deps ...string) v1.TaskSpec {
	return v1.TaskSpec{Name: name, Type: v1.TaskTypeGo, Dependencies: deps}
}
