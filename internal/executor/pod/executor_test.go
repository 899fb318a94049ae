package pod

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/apimachinery/pkg/util/validation"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	v1 "github.com/kination/windsock/api/v1"
	"github.com/kination/windsock/internal/workloads"
)

func newTestScheme() *runtime.Scheme {
	scheme := runtime.NewScheme()
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	return scheme
}

func newTestExecutor(t *testing.T) (*Executor, client.Client) {
	t.Helper()
	c := fake.NewClientBuilder().
		WithScheme(newTestScheme()).
		WithStatusSubresource(&corev1.Pod{}).
		Build()
	return New(Config{Namespace: "jobs", Image: "windsock:test"}, c), c
}

func newTaskWorkload(executorConfig map[string]any) *workloads.ExecuteTask {
	return &workloads.ExecuteTask{
		TI: workloads.TaskInstanceDTO{
			ID:             uuid.MustParse("0b9a3f4e-6d1c-4f0a-9a2b-5c7e8d9f0a1b"),
			DagID:          "etl",
			TaskID:         "extract",
			RunID:          "manual__1",
			TryNumber:      2,
			MapIndex:       -1,
			Queue:          v1.DefaultQueue,
			ExecutorConfig: executorConfig,
		},
	}
}

func getPod(t *testing.T, c client.Client, name string) *corev1.Pod {
	t.Helper()
	pod := &corev1.Pod{}
	if err := c.Get(context.Background(), types.NamespacedName{Name: name, Namespace: "jobs"}, pod); err != nil {
		t.Fatalf("failed to get pod %s: %v", name, err)
	}
	return pod
}

func setStatus(t *testing.T, c client.Client, name string, status corev1.PodStatus) {
	t.Helper()
	pod := getPod(t, c, name)
	pod.Status = status
	if err := c.Status().Update(context.Background(), pod); err != nil {
		t.Fatalf("failed to update pod status: %v", err)
	}
}

func launch(t *testing.T, e *Executor, w workloads.Routable) string {
	t.Helper()
	if err := e.QueueWorkload(w); err != nil {
		t.Fatalf("QueueWorkload failed: %v", err)
	}
	if err := e.Heartbeat(context.Background()); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for name, lp := range e.launched {
		if lp.key == w.Key() {
			return name
		}
	}
	t.Fatalf("no pod launched for %s", w.Key())
	return ""
}

func TestNew_Defaults(t *testing.T) {
	e := New(Config{}, fake.NewClientBuilder().WithScheme(newTestScheme()).Build())
	if e.Name() != "kubernetes" {
		t.Errorf("expected default name kubernetes, got %s", e.Name())
	}
	if e.cfg.Namespace != "default" || e.cfg.Image != "windsock:latest" {
		t.Errorf("unexpected defaults: %+v", e.cfg)
	}
}

func TestExecutor_BuildPod(t *testing.T) {
	e, _ := newTestExecutor(t)
	w := newTaskWorkload(map[string]any{"image": "etl:1.2", "cpu": "500m", "memory": "1Gi"})
	data, err := workloads.Encode(w)
	if err != nil {
		t.Fatal(err)
	}

	pod, err := e.buildPod(w, data)
	if err != nil {
		t.Fatalf("buildPod failed: %v", err)
	}

	launchID := pod.Annotations[annotationID]
	if len(launchID) != launchIDLength {
		t.Errorf("unexpected launch id %q", launchID)
	}
	if pod.Name != "windsock-0b9a3f4e-6d1c-4f0a-9a2b-5c7e8d9f0a1b-2-"+launchID {
		t.Errorf("unexpected pod name %s", pod.Name)
	}
	if len(pod.Name) > 63 {
		t.Errorf("pod name too long: %d", len(pod.Name))
	}
	if pod.Namespace != "jobs" {
		t.Errorf("expected namespace jobs, got %s", pod.Namespace)
	}
	if pod.Labels[labelDag] != "etl" || pod.Labels[labelTask] != "extract" || pod.Labels[labelTry] != "2" {
		t.Errorf("unexpected labels %v", pod.Labels)
	}
	if pod.Spec.RestartPolicy != corev1.RestartPolicyNever {
		t.Errorf("expected RestartPolicyNever, got %s", pod.Spec.RestartPolicy)
	}

	container := pod.Spec.Containers[0]
	if container.Name != "task-runner" {
		t.Errorf("expected container name task-runner, got %s", container.Name)
	}
	if container.Image != "etl:1.2" {
		t.Errorf("expected image from executor_config, got %s", container.Image)
	}
	if got := container.Resources.Limits[corev1.ResourceCPU]; !got.Equal(resource.MustParse("500m")) {
		t.Errorf("unexpected cpu limit %s", got.String())
	}
	if got := container.Resources.Requests[corev1.ResourceMemory]; !got.Equal(resource.MustParse("1Gi")) {
		t.Errorf("unexpected memory request %s", got.String())
	}

	if len(container.Args) != 3 || container.Args[0] != "run-workload" || container.Args[1] != "--json" {
		t.Fatalf("unexpected args %v", container.Args)
	}
	decoded, err := workloads.Decode([]byte(container.Args[2]))
	if err != nil {
		t.Fatalf("pod args do not hold a workload: %v", err)
	}
	if decoded.(*workloads.ExecuteTask).TI.Key() != w.TI.Key() {
		t.Errorf("decoded workload has a different key")
	}
}

func TestExecutor_BuildPod_BadResources(t *testing.T) {
	e, _ := newTestExecutor(t)
	w := newTaskWorkload(map[string]any{"cpu": "lots"})
	if _, err := e.buildPod(w, []byte("{}")); err == nil {
		t.Error("expected an error for a bad cpu quantity")
	}
}

func TestExecutor_BuildPod_Callback(t *testing.T) {
	e, _ := newTestExecutor(t)
	w := &workloads.ExecuteCallback{Callback: workloads.CallbackDTO{ID: "2f1e0d9c-8b7a-4c6d-9e5f-4a3b2c1d0e9f"}}
	pod, err := e.buildPod(w, []byte("{}"))
	if err != nil {
		t.Fatal(err)
	}
	if pod.Name != "windsock-cb-2f1e0d9c-8b7a-4c6d-9e5f-4a3b2c1d0e9f-"+pod.Annotations[annotationID] {
		t.Errorf("unexpected pod name %s", pod.Name)
	}
	if pod.Spec.Containers[0].Image != "windsock:test" {
		t.Errorf("callbacks should use the executor image, got %s", pod.Spec.Containers[0].Image)
	}
}

func TestExecutor_Lifecycle(t *testing.T) {
	e, c := newTestExecutor(t)
	w := newTaskWorkload(nil)
	name := launch(t, e, w)

	getPod(t, c, name)
	if e.LaunchedCount() != 1 {
		t.Fatalf("expected 1 launched pod, got %d", e.LaunchedCount())
	}

	setStatus(t, c, name, corev1.PodStatus{Phase: corev1.PodRunning})
	if err := e.Heartbeat(context.Background()); err != nil {
		t.Fatal(err)
	}
	events := e.GetEventBuffer()
	if events[w.Key()].State != v1.StateRunning {
		t.Errorf("expected running heartbeat, got %v", events)
	}
	if !e.HasTask(w.Key()) {
		t.Error("running workload should keep its slot")
	}

	setStatus(t, c, name, corev1.PodStatus{Phase: corev1.PodSucceeded})
	if err := e.Heartbeat(context.Background()); err != nil {
		t.Fatal(err)
	}
	events = e.GetEventBuffer()
	if events[w.Key()].State != v1.StateSuccess {
		t.Errorf("expected success, got %v", events)
	}
	if e.HasTask(w.Key()) || e.LaunchedCount() != 0 {
		t.Error("finished workload should be released")
	}

	err := c.Get(context.Background(), types.NamespacedName{Name: name, Namespace: "jobs"}, &corev1.Pod{})
	if err == nil {
		t.Error("finished pod should be deleted")
	}
}

func TestExecutor_FailedPod(t *testing.T) {
	e, c := newTestExecutor(t)
	w := newTaskWorkload(nil)
	name := launch(t, e, w)

	setStatus(t, c, name, corev1.PodStatus{
		Phase: corev1.PodFailed,
		ContainerStatuses: []corev1.ContainerStatus{{
			Name:  containerName,
			State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{ExitCode: 3, Message: "disk full"}},
		}},
	})
	if err := e.Heartbeat(context.Background()); err != nil {
		t.Fatal(err)
	}
	result := e.GetEventBuffer()[w.Key()]
	if result.State != v1.StateFailed {
		t.Fatalf("expected failed, got %s", result.State)
	}
	if !strings.Contains(result.Err.Error(), "exit code 3: disk full") {
		t.Errorf("unexpected error %v", result.Err)
	}
}

func TestExecutor_ImagePullFailure(t *testing.T) {
	e, c := newTestExecutor(t)
	w := newTaskWorkload(nil)
	name := launch(t, e, w)

	setStatus(t, c, name, corev1.PodStatus{
		Phase: corev1.PodPending,
		ContainerStatuses: []corev1.ContainerStatus{{
			Name:  containerName,
			State: corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{Reason: "ImagePullBackOff"}},
		}},
	})
	if err := e.Heartbeat(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := e.GetEventBuffer()[w.Key()].State; got != v1.StateFailed {
		t.Errorf("expected failed, got %s", got)
	}
}

func TestExecutor_DeferredViaTerminationMessage(t *testing.T) {
	e, c := newTestExecutor(t)
	w := newTaskWorkload(nil)
	name := launch(t, e, w)

	msg, _ := json.Marshal(TerminationMessage{
		State:    v1.StateDeferred,
		Deferral: &workloads.Deferral{Classpath: "windsock.triggers.TimeDelta", Kwargs: map[string]any{"delta": "1m"}},
	})
	setStatus(t, c, name, corev1.PodStatus{
		Phase: corev1.PodSucceeded,
		ContainerStatuses: []corev1.ContainerStatus{{
			Name:  containerName,
			State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{Message: string(msg)}},
		}},
	})
	if err := e.Heartbeat(context.Background()); err != nil {
		t.Fatal(err)
	}
	result := e.GetEventBuffer()[w.Key()]
	if result.State != v1.StateDeferred || result.Deferral == nil || result.Deferral.Classpath != "windsock.triggers.TimeDelta" {
		t.Errorf("expected deferral, got %+v", result)
	}
}

func TestExecutor_MissingPod(t *testing.T) {
	e, c := newTestExecutor(t)
	clock := time.Now()
	e.now = func() time.Time { return clock }

	w := newTaskWorkload(nil)
	name := launch(t, e, w)
	if err := c.Delete(context.Background(), getPod(t, c, name)); err != nil {
		t.Fatal(err)
	}

	if err := e.Heartbeat(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(e.GetEventBuffer()) != 0 {
		t.Error("a missing pod should get a grace period")
	}

	clock = clock.Add(2 * time.Minute)
	if err := e.Heartbeat(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := e.GetEventBuffer()[w.Key()].State; got != v1.StateFailed {
		t.Errorf("expected failed after the grace period, got %s", got)
	}
}

func TestExecutor_Terminate(t *testing.T) {
	e, c := newTestExecutor(t)
	w := newTaskWorkload(nil)
	name := launch(t, e, w)

	if err := e.Terminate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := e.GetEventBuffer()[w.Key()].State; got != v1.StateFailed {
		t.Errorf("expected failed, got %s", got)
	}
	err := c.Get(context.Background(), types.NamespacedName{Name: name, Namespace: "jobs"}, &corev1.Pod{})
	if err == nil {
		t.Error("terminated pod should be deleted")
	}
}

func TestExecutor_StartRemovesFinishedPods(t *testing.T) {
	e, c := newTestExecutor(t)
	w := newTaskWorkload(nil)
	name := launch(t, e, w)
	setStatus(t, c, name, corev1.PodStatus{Phase: corev1.PodFailed})

	fresh := New(Config{Namespace: "jobs"}, c)
	if err := fresh.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	err := c.Get(context.Background(), types.NamespacedName{Name: name, Namespace: "jobs"}, &corev1.Pod{})
	if err == nil {
		t.Error("leftover finished pod should be deleted")
	}
}

func TestWriteTerminationMessage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "termination-log")
	long := strings.Repeat("x", 5000)
	if err := WriteTerminationMessage(path, TerminationMessage{State: v1.StateFailed, Message: long}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) > 4096 {
		t.Errorf("termination message is %d bytes", len(data))
	}
	var msg TerminationMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.State != v1.StateFailed {
		t.Errorf("unexpected state %s", msg.State)
	}
}

func succeededWithMessage(message string) corev1.PodStatus {
	return corev1.PodStatus{
		Phase: corev1.PodSucceeded,
		ContainerStatuses: []corev1.ContainerStatus{{
			Name:  containerName,
			State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{Message: message}},
		}},
	}
}

func TestExecutor_UnreadableTerminationMessageFails(t *testing.T) {
	tests := []struct {
		name    string
		message string
	}{
		{"cut short", `{"state":"deferred","deferral":{"classpath":"windsock.triggers.TimeDelta","kwargs":{"delta":"1`},
		{"deferred without deferral", `{"state":"deferred"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, c := newTestExecutor(t)
			w := newTaskWorkload(nil)
			name := launch(t, e, w)

			setStatus(t, c, name, succeededWithMessage(tt.message))
			if err := e.Heartbeat(context.Background()); err != nil {
				t.Fatal(err)
			}
			if got := e.GetEventBuffer()[w.Key()].State; got != v1.StateFailed {
				t.Errorf("expected failed, got %s", got)
			}
		})
	}
}

func TestExecutor_OversizedDeferralFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "termination-log")
	err := WriteTerminationMessage(path, TerminationMessage{
		State:    v1.StateDeferred,
		Deferral: &workloads.Deferral{Classpath: "windsock.triggers.TimeDelta", Kwargs: map[string]any{"blob": strings.Repeat("x", 5000)}},
	})
	if !errors.Is(err, ErrDeferralTooLarge) {
		t.Fatalf("expected ErrDeferralTooLarge, got %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) > MaxTerminationMessage {
		t.Errorf("termination message is %d bytes", len(data))
	}

	e, c := newTestExecutor(t)
	w := newTaskWorkload(nil)
	name := launch(t, e, w)
	setStatus(t, c, name, succeededWithMessage(string(data)))
	if err := e.Heartbeat(context.Background()); err != nil {
		t.Fatal(err)
	}
	result := e.GetEventBuffer()[w.Key()]
	if result.State != v1.StateFailed {
		t.Fatalf("expected failed, got %s", result.State)
	}
	if !strings.Contains(result.Err.Error(), "deferral does not fit") {
		t.Errorf("unexpected error %v", result.Err)
	}
}

func TestExecutor_ResumedDeferralGetsANewPod(t *testing.T) {
	e, c := newTestExecutor(t)
	w := newTaskWorkload(nil)
	first := launch(t, e, w)

	msg, _ := json.Marshal(TerminationMessage{
		State:    v1.StateDeferred,
		Deferral: &workloads.Deferral{Classpath: "windsock.triggers.TimeDelta", Kwargs: map[string]any{"delta": "1m"}},
	})
	setStatus(t, c, first, succeededWithMessage(string(msg)))
	// the deferred pod lingers, as it would behind a finalizer
	e.untrack(first)
	e.Forget(w.Key())

	second := launch(t, e, w)
	if second == first {
		t.Fatalf("resumed task reused pod %s", first)
	}
	setStatus(t, c, second, corev1.PodStatus{Phase: corev1.PodSucceeded})
	if err := e.Heartbeat(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := e.GetEventBuffer()[w.Key()].State; got != v1.StateSuccess {
		t.Errorf("expected the resumed try to succeed, got %s", got)
	}
}

func TestExecutor_TaskImage(t *testing.T) {
	e, c := newTestExecutor(t)
	dag := &v1.Dag{DagID: "etl"}
	task := v1.TaskSpec{Name: "extract", Type: v1.TaskTypeBash, Command: "true", Image: "etl:2"}.WithDefaults()
	ti := v1.NewTaskInstance(dag, task, &v1.DagRun{DagID: "etl", RunID: "manual__1"}, uuid.New())
	ti.TryNumber = 1
	w := &workloads.ExecuteTask{TI: workloads.NewTaskInstanceDTO(ti)}

	name := launch(t, e, w)
	if got := getPod(t, c, name).Spec.Containers[0].Image; got != "etl:2" {
		t.Errorf("expected the task image, got %s", got)
	}
}

func TestLabelValue(t *testing.T) {
	if got := labelValue("etl"); got != "etl" {
		t.Errorf("valid value changed to %s", got)
	}
	long := strings.Repeat("daily_", 20)
	got := labelValue(long)
	if errs := validation.IsValidLabelValue(got); len(errs) != 0 {
		t.Errorf("%q is not a valid label value: %v", got, errs)
	}
	if got == labelValue(long+"x") {
		t.Error("different values should not share a label")
	}
	if got != labelValue(long) {
		t.Error("label values should be stable")
	}

	e, _ := newTestExecutor(t)
	w := newTaskWorkload(nil)
	w.TI.DagID = long
	pod, err := e.buildPod(w, []byte("{}"))
	if err != nil {
		t.Fatal(err)
	}
	if errs := validation.IsValidLabelValue(pod.Labels[labelDag]); len(errs) != 0 {
		t.Errorf("dag label is invalid: %v", errs)
	}
}
