package scheduler

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	v1 "github.com/kination/windsock/api/v1"
	"github.com/kination/windsock/internal/store"
	"github.com/kination/windsock/internal/triggerer"
	"github.com/kination/windsock/internal/workloads"
)

var _ = Describe("DefaultScheduler", func() {
	var h *harness

	BeforeEach(func() {
		h = newHarness(DefaultSchedulerConfig(), 8)
	})

	It("creates default_pool on start", func() {
		pool, err := h.store.GetPool(h.ctx, v1.DefaultPool)
		Expect(err).NotTo(HaveOccurred())
		Expect(pool.Slots).To(Equal(128))
	})

	Context("with a linear DAG", func() {
		var run *v1.DagRun

		BeforeEach(func() {
			h.addDag(&v1.Dag{DagID: "etl", Spec: v1.DagSpec{Tasks: []v1.TaskSpec{task("extract"), task("load", "extract")}}})
			run = h.trigger("etl")
		})

		It("runs tasks in dependency order and finishes the run", func() {
			Expect(h.run(run).State).To(Equal(v1.DagRunQueued))

			h.tick()
			Expect(h.run(run).State).To(Equal(v1.DagRunRunning))
			extract := h.ti(run, "extract")
			Expect(extract.State).To(Equal(v1.StateQueued))
			Expect(extract.TryNumber).To(Equal(1))
			Expect(extract.Executor).To(Equal("fake"))
			Expect(h.state(run, "load")).To(Equal(v1.StateNone))
			Expect(h.exec.launched()).To(HaveLen(1))

			h.exec.Running(extract.Key())
			h.tick()
			extract = h.ti(run, "extract")
			Expect(extract.State).To(Equal(v1.StateRunning))
			Expect(*extract.LastHeartbeat).To(Equal(h.clock))

			h.exec.Success(extract.Key())
			h.tick()
			Expect(h.state(run, "extract")).To(Equal(v1.StateSuccess))
			Expect(h.state(run, "load")).To(Equal(v1.StateQueued))

			h.exec.Success(h.ti(run, "load").Key())
			h.tick()
			finished := h.run(run)
			Expect(finished.State).To(Equal(v1.DagRunSuccess))
			Expect(finished.EndDate).NotTo(BeNil())
		})

		It("ignores events for a stale try", func() {
			h.tick()
			extract := h.ti(run, "extract")
			stale := extract.Key()
			stale.TryNumber = 7
			h.exec.Fail(stale, errors.New("not this one"))
			h.tick()
			Expect(h.state(run, "extract")).To(Equal(v1.StateQueued))
		})

		It("fails running task instances that stop heartbeating", func() {
			h.tick()
			extract := h.ti(run, "extract")
			h.exec.Running(extract.Key())
			h.tick()

			h.advance(6 * time.Minute)
			h.tick()
			extract = h.ti(run, "extract")
			Expect(extract.State).To(Equal(v1.StateFailed))
			Expect(extract.Message).To(Equal("Task instance detected as zombie"))
			Expect(h.exec.HasTask(extract.Key())).To(BeFalse())
			Expect(h.state(run, "load")).To(Equal(v1.StateUpstreamFailed))
			Expect(h.run(run).State).To(Equal(v1.DagRunFailed))
		})
	})

	Context("with retries and a failure callback", func() {
		var run *v1.DagRun

		BeforeEach(func() {
			flaky := task("flaky")
			flaky.Retries = 1
			flaky.RetryDelay = 10 * time.Second
			h.addDag(&v1.Dag{DagID: "retry", Spec: v1.DagSpec{
				OnFailureCallback: &v1.CallbackRef{Path: "alerts.page", Kwargs: map[string]any{"team": "data"}},
				Tasks:             []v1.TaskSpec{flaky, task("after", "flaky")},
			}})
			run = h.trigger("retry")
			h.tick()
		})

		It("retries after the delay, then fails downstream and runs the callback", func() {
			first := h.ti(run, "flaky")
			h.exec.Fail(first.Key(), errors.New("boom"))
			h.tick()

			flaky := h.ti(run, "flaky")
			Expect(flaky.State).To(Equal(v1.StateUpForRetry))
			Expect(flaky.Message).To(Equal("boom"))
			Expect(*flaky.NextRetryAt).To(Equal(h.clock.Add(10 * time.Second)))

			h.advance(5 * time.Second)
			h.tick()
			Expect(h.state(run, "flaky")).To(Equal(v1.StateUpForRetry))

			h.advance(6 * time.Second)
			h.tick()
			flaky = h.ti(run, "flaky")
			Expect(flaky.State).To(Equal(v1.StateQueued))
			Expect(flaky.TryNumber).To(Equal(2))

			// the first try reporting late changes nothing
			h.exec.Success(first.Key())
			h.tick()
			Expect(h.state(run, "flaky")).To(Equal(v1.StateQueued))

			h.exec.Fail(flaky.Key(), errors.New("boom again"))
			h.tick()
			Expect(h.state(run, "flaky")).To(Equal(v1.StateFailed))
			Expect(h.state(run, "after")).To(Equal(v1.StateUpstreamFailed))
			Expect(h.run(run).State).To(Equal(v1.DagRunFailed))

			cbs, err := h.store.ListCallbacks(h.ctx, v1.CallbackPending)
			Expect(err).NotTo(HaveOccurred())
			Expect(cbs).To(HaveLen(1))
			Expect(cbs[0].FetchMethod).To(Equal(v1.FetchImportPath))
			Expect(cbs[0].Data["path"]).To(Equal("alerts.page"))
			kwargs := cbs[0].Data["kwargs"].(map[string]any)
			Expect(kwargs["team"]).To(Equal("data"))
			Expect(kwargs["context"]).To(HaveKeyWithValue("reason", "task_failure"))

			h.tick()
			launched := h.exec.launched()
			cbWorkload, ok := launched[len(launched)-1].(*workloads.ExecuteCallback)
			Expect(ok).To(BeTrue())
			Expect(cbWorkload.Callback.Path()).To(Equal("alerts.page"))

			h.exec.Success(cbs[0].Key())
			h.tick()
			cb, err := h.store.GetCallback(h.ctx, cbs[0].ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(cb.State).To(Equal(v1.CallbackSuccess))
		})
	})

	Context("when a task defers", func() {
		var run *v1.DagRun

		BeforeEach(func() {
			h.addDag(&v1.Dag{DagID: "sensor", Spec: v1.DagSpec{Tasks: []v1.TaskSpec{task("wait")}}})
			run = h.trigger("sensor")
			h.tick()
		})

		deferWait := func(timeout time.Duration) *v1.TaskInstance {
			ti := h.ti(run, "wait")
			h.exec.Deferred(ti.Key(), &workloads.Deferral{
				Classpath: triggerer.TimeDelta,
				Kwargs:    map[string]any{"delta": "1m"},
				Timeout:   timeout,
			})
			h.tick()
			return h.ti(run, "wait")
		}

		It("stores an encrypted trigger and resumes the same try when it fires", func() {
			ti := deferWait(time.Hour)
			Expect(ti.State).To(Equal(v1.StateDeferred))
			Expect(ti.TriggerID).NotTo(BeNil())
			Expect(*ti.TriggerTimeout).To(Equal(h.clock.Add(time.Hour)))

			trigger, err := h.store.GetTrigger(h.ctx, *ti.TriggerID)
			Expect(err).NotTo(HaveOccurred())
			Expect(trigger.Classpath).To(Equal(triggerer.TimeDelta))
			kwargs, err := h.cipher.Decrypt(trigger.EncryptedKwargs)
			Expect(err).NotTo(HaveOccurred())
			Expect(kwargs).To(Equal(map[string]any{"delta": "1m"}))

			h.triggers.push(triggerer.Event{
				TriggerID:      trigger.ID,
				TaskInstanceID: &ti.ID,
				Kind:           triggerer.EventFired,
				Payload:        map[string]any{"moment": "now"},
			})
			h.tick()

			resumed := h.ti(run, "wait")
			Expect(resumed.State).To(Equal(v1.StateQueued))
			Expect(resumed.TryNumber).To(Equal(1))
			Expect(resumed.NextKwargs).To(Equal(map[string]any{"moment": "now"}))
			_, err = h.store.GetTrigger(h.ctx, trigger.ID)
			Expect(errors.Is(err, store.ErrNotFound)).To(BeTrue())

			launched := h.exec.launched()
			w := launched[len(launched)-1].(*workloads.ExecuteTask)
			Expect(w.TI.NextKwargs).To(Equal(map[string]any{"moment": "now"}))
		})

		It("fails the task when the trigger times out", func() {
			ti := deferWait(time.Minute)
			Expect(ti.State).To(Equal(v1.StateDeferred))

			h.advance(2 * time.Minute)
			h.tick()
			ti = h.ti(run, "wait")
			Expect(ti.State).To(Equal(v1.StateFailed))
			Expect(ti.Message).To(Equal("Trigger timeout"))
			triggers, err := h.store.ListTriggers(h.ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(triggers).To(BeEmpty())
		})

		It("fails the task when the trigger errors", func() {
			ti := deferWait(0)
			h.triggers.push(triggerer.Event{
				TriggerID:      *ti.TriggerID,
				TaskInstanceID: &ti.ID,
				Kind:           triggerer.EventFailed,
				Err:            errors.New("sensor exploded"),
			})
			h.tick()
			ti = h.ti(run, "wait")
			Expect(ti.State).To(Equal(v1.StateFailed))
			Expect(ti.Message).To(Equal("Trigger failure: sensor exploded"))
		})
	})

	Context("limits", func() {
		It("respects pool slots", func() {
			Expect(h.store.SavePool(h.ctx, &v1.Pool{Name: "tiny", Slots: 1})).To(Succeed())
			a, b := task("a"), task("b")
			a.Pool, b.Pool = "tiny", "tiny"
			h.addDag(&v1.Dag{DagID: "pooled", Spec: v1.DagSpec{Tasks: []v1.TaskSpec{a, b}}})
			run := h.trigger("pooled")

			h.tick()
			Expect(h.state(run, "a")).To(Equal(v1.StateQueued))
			Expect(h.state(run, "b")).To(Equal(v1.StateScheduled))

			h.exec.Success(h.ti(run, "a").Key())
			h.tick()
			Expect(h.state(run, "b")).To(Equal(v1.StateQueued))
		})

		It("leaves task instances of missing pools scheduled", func() {
			a := task("a")
			a.Pool = "nowhere"
			h.addDag(&v1.Dag{DagID: "lost", Spec: v1.DagSpec{Tasks: []v1.TaskSpec{a}}})
			run := h.trigger("lost")
			h.tick()
			Expect(h.state(run, "a")).To(Equal(v1.StateScheduled))
		})

		It("respects max active tasks of a DAG", func() {
			h.addDag(&v1.Dag{DagID: "narrow", Spec: v1.DagSpec{MaxActiveTasks: 1, Tasks: []v1.TaskSpec{task("a"), task("b")}}})
			run := h.trigger("narrow")
			h.tick()
			Expect(h.state(run, "a")).To(Equal(v1.StateQueued))
			Expect(h.state(run, "b")).To(Equal(v1.StateScheduled))
		})

		It("starts no more runs than max active runs", func() {
			h.addDag(&v1.Dag{DagID: "serial", Spec: v1.DagSpec{MaxActiveRuns: 1, Tasks: []v1.TaskSpec{task("a")}}})
			first := h.trigger("serial")
			h.advance(time.Second)
			second := h.trigger("serial")

			h.tick()
			Expect(h.run(first).State).To(Equal(v1.DagRunRunning))
			Expect(h.run(second).State).To(Equal(v1.DagRunQueued))
			Expect(h.ti(second, "a").State).To(Equal(v1.StateNone))

			h.exec.Success(h.ti(first, "a").Key())
			h.tick()
			Expect(h.run(first).State).To(Equal(v1.DagRunSuccess))
			Expect(h.run(second).State).To(Equal(v1.DagRunQueued))

			h.tick()
			Expect(h.run(second).State).To(Equal(v1.DagRunRunning))
			Expect(h.state(second, "a")).To(Equal(v1.StateQueued))
		})

		It("creates no scheduled run while max active runs are in flight", func() {
			h.addDag(&v1.Dag{DagID: "slow", Spec: v1.DagSpec{Schedule: "@every 1h", MaxActiveRuns: 1, Tasks: []v1.TaskSpec{task("a")}}})
			h.tick()
			h.advance(2 * time.Hour)
			h.tick()
			runs, err := h.store.ListDagRuns(h.ctx, store.DagRunFilter{DagID: "slow"})
			Expect(err).NotTo(HaveOccurred())
			Expect(runs).To(HaveLen(1))
		})

		It("fails task instances routed to an unknown executor", func() {
			a := task("a")
			a.Executor = "mars"
			h.addDag(&v1.Dag{DagID: "astray", Spec: v1.DagSpec{Tasks: []v1.TaskSpec{a}}})
			run := h.trigger("astray")
			h.tick()
			Expect(h.state(run, "a")).To(Equal(v1.StateFailed))
		})
	})

	Context("ordering with one executor slot", func() {
		BeforeEach(func() {
			h = newHarness(DefaultSchedulerConfig(), 1)
		})

		It("queues the heaviest task first", func() {
			low, high := task("low"), task("high")
			low.WeightRule, high.WeightRule = v1.WeightAbsolute, v1.WeightAbsolute
			high.PriorityWeight = 5
			h.addDag(&v1.Dag{DagID: "weighted", Spec: v1.DagSpec{Tasks: []v1.TaskSpec{low, high}}})
			run := h.trigger("weighted")

			h.tick()
			Expect(h.state(run, "high")).To(Equal(v1.StateQueued))
			Expect(h.state(run, "low")).To(Equal(v1.StateScheduled))
		})

		It("queues the oldest run first under FIFO", func() {
			cfg := DefaultSchedulerConfig()
			cfg.Policy = PolicyFIFO
			h = newHarness(cfg, 1)

			heavy := task("a")
			heavy.PriorityWeight = 100
			h.addDag(&v1.Dag{DagID: "fifo", Spec: v1.DagSpec{Tasks: []v1.TaskSpec{heavy}}})
			first := h.trigger("fifo")
			h.advance(time.Second)
			second := h.trigger("fifo")

			h.tick()
			Expect(h.state(first, "a")).To(Equal(v1.StateQueued))
			Expect(h.state(second, "a")).To(Equal(v1.StateScheduled))
		})
	})

	Context("fair share with two executor slots", func() {
		BeforeEach(func() {
			cfg := DefaultSchedulerConfig()
			cfg.Policy = PolicyFairShare
			h = newHarness(cfg, 2)
			h.addDag(&v1.Dag{DagID: "aaa", Spec: v1.DagSpec{Tasks: []v1.TaskSpec{task("a1"), task("a2"), task("a3")}}})
			h.addDag(&v1.Dag{DagID: "zzz", Spec: v1.DagSpec{Tasks: []v1.TaskSpec{task("z1"), task("z2")}}})
		})

		It("alternates DAGs and favours the least busy one", func() {
			busy := h.trigger("aaa")
			h.advance(time.Second)
			quiet := h.trigger("zzz")

			h.tick()
			Expect(h.state(busy, "a1")).To(Equal(v1.StateQueued))
			Expect(h.state(quiet, "z1")).To(Equal(v1.StateQueued))
			Expect(h.state(busy, "a2")).To(Equal(v1.StateScheduled))

			h.exec.Success(h.ti(quiet, "z1").Key())
			h.tick()
			Expect(h.state(quiet, "z2")).To(Equal(v1.StateQueued))
			Expect(h.state(busy, "a2")).To(Equal(v1.StateScheduled))
			Expect(h.state(busy, "a3")).To(Equal(v1.StateScheduled))
		})
	})

	Context("when the DAG changes during a run", func() {
		It("adds task instances for new tasks and removes those of dropped tasks", func() {
			h.addDag(&v1.Dag{DagID: "evolving", Spec: v1.DagSpec{Tasks: []v1.TaskSpec{task("a"), task("b", "a")}}})
			run := h.trigger("evolving")
			h.tick()
			Expect(h.state(run, "a")).To(Equal(v1.StateQueued))
			Expect(h.state(run, "b")).To(Equal(v1.StateNone))

			h.addDag(&v1.Dag{DagID: "evolving", Spec: v1.DagSpec{Tasks: []v1.TaskSpec{task("a"), task("c", "a")}}})
			h.tick()
			Expect(h.state(run, "b")).To(Equal(v1.StateRemoved))
			Expect(h.state(run, "c")).To(Equal(v1.StateNone))

			h.exec.Success(h.ti(run, "a").Key())
			h.tick()
			Expect(h.state(run, "c")).To(Equal(v1.StateQueued))

			h.exec.Success(h.ti(run, "c").Key())
			h.tick()
			Expect(h.run(run).State).To(Equal(v1.DagRunSuccess))
		})
	})

	Context("scheduled DAGs", func() {
		It("creates one run per interval without catching up", func() {
			h.addDag(&v1.Dag{DagID: "hourly", Spec: v1.DagSpec{Schedule: "@every 1h", Tasks: []v1.TaskSpec{task("a")}}})

			h.tick()
			h.tick()
			runs, err := h.store.ListDagRuns(h.ctx, store.DagRunFilter{DagID: "hourly"})
			Expect(err).NotTo(HaveOccurred())
			Expect(runs).To(HaveLen(1))
			Expect(runs[0].RunType).To(Equal(v1.RunTypeScheduled))
			Expect(runs[0].RunID).To(Equal("scheduled__2026-03-01T12:00:00Z"))

			h.advance(5*time.Hour + 30*time.Minute)
			h.tick()
			runs, err = h.store.ListDagRuns(h.ctx, store.DagRunFilter{DagID: "hourly"})
			Expect(err).NotTo(HaveOccurred())
			Expect(runs).To(HaveLen(2))
			ids := []string{runs[0].RunID, runs[1].RunID}
			Expect(ids).To(ContainElement("scheduled__2026-03-01T17:00:00Z"))
		})

		It("does not schedule paused DAGs", func() {
			h.addDag(&v1.Dag{DagID: "paused", Spec: v1.DagSpec{Schedule: "@every 1h", Tasks: []v1.TaskSpec{task("a")}}})
			Expect(h.store.SetDagPaused(h.ctx, "paused", true)).To(Succeed())
			h.tick()
			runs, err := h.store.ListDagRuns(h.ctx, store.DagRunFilter{DagID: "paused"})
			Expect(err).NotTo(HaveOccurred())
			Expect(runs).To(BeEmpty())
		})
	})

	It("resets task instances no executor knows about on start", func() {
		h.addDag(&v1.Dag{DagID: "orphans", Spec: v1.DagSpec{Tasks: []v1.TaskSpec{task("a")}}})
		run := h.trigger("orphans")
		h.tick()
		Expect(h.state(run, "a")).To(Equal(v1.StateQueued))

		h.exec.Forget(h.ti(run, "a").Key())
		Expect(h.sched.Start(h.ctx)).To(Succeed())
		Expect(h.state(run, "a")).To(Equal(v1.StateNone))

		h.tick()
		a := h.ti(run, "a")
		Expect(a.State).To(Equal(v1.StateQueued))
		Expect(a.TryNumber).To(Equal(2))
	})

	It("refuses to trigger unknown DAGs", func() {
		_, err := h.sched.TriggerDagRun(h.ctx, "ghost", nil)
		Expect(errors.Is(err, store.ErrNotFound)).To(BeTrue())
	})
})
