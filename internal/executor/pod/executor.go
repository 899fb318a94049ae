// Package pod provides the Executor that runs each workload in its own Kubernetes Pod.
package pod

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	utilrand "k8s.io/apimachinery/pkg/util/rand"
	"k8s.io/apimachinery/pkg/util/validation"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	v1 "github.com/kination/windsock/api/v1"
	"github.com/kination/windsock/internal/executor"
	"github.com/kination/windsock/internal/workloads"
)

var log = ctrl.Log.WithName("executor").WithName("pod")

const (
	labelName      = "app.kubernetes.io/name"
	labelPartOf    = "app.kubernetes.io/part-of"
	labelManagedBy = "app.kubernetes.io/managed-by"
	labelExecutor  = "windsock.io/executor"
	labelDag       = "windsock.io/dag"
	labelTask      = "windsock.io/task"
	labelTry       = "windsock.io/try"
	annotationKey  = "windsock.io/key"
	annotationID   = "windsock.io/launch-id"

	containerName = "task-runner"
)

// TerminationLogEnv tells run-workload where to leave its TerminationMessage
const TerminationLogEnv = "WINDSOCK_TERMINATION_LOG"

// Config holds pod executor settings
type Config struct {
	Name        string `yaml:"name"`
	Namespace   string `yaml:"namespace"`
	Image       string `yaml:"image"`
	Parallelism int    `yaml:"parallelism"`
	// ServiceAccount runs the worker pods; empty uses the namespace default
	ServiceAccount string `yaml:"service_account"`
	// MissingPodGracePeriod is how long a launched pod may be absent before the workload fails
	MissingPodGracePeriod time.Duration `yaml:"missing_pod_grace_period"`
}

// DefaultConfig returns the default pod executor configuration
func DefaultConfig() Config {
	return Config{
		Name:                  "kubernetes",
		Namespace:             "default",
		Image:                 "windsock:latest",
		Parallelism:           32,
		MissingPodGracePeriod: time.Minute,
	}
}

type launchedPod struct {
	key        v1.WorkloadKey
	launchedAt time.Time
}

var _ executor.Executor = (*Executor)(nil)

// Executor implements executor.Executor with one Pod per workload
type Executor struct {
	*executor.Base

	client client.Client
	cfg    Config

	mu       sync.Mutex
	launched map[string]launchedPod
	now      func() time.Time
}

// New creates a new pod executor
func New(cfg Config, c client.Client) *Executor {
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.Namespace == "" {
		cfg.Namespace = def.Namespace
	}
	if cfg.Image == "" {
		cfg.Image = def.Image
	}
	if cfg.MissingPodGracePeriod <= 0 {
		cfg.MissingPodGracePeriod = def.MissingPodGracePeriod
	}
	e := &Executor{
		client:   c,
		cfg:      cfg,
		launched: make(map[string]launchedPod),
		now:      time.Now,
	}
	e.Base = executor.NewBase(cfg.Name, cfg.Parallelism, e)
	return e
}

// Start removes finished pods an earlier scheduler left behind
func (e *Executor) Start(ctx context.Context) error {
	pods, err := e.listPods(ctx)
	if err != nil {
		return err
	}
	for i := range pods {
		pod := &pods[i]
		if pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed {
			log.Info("Removing leftover pod", "pod", pod.Name, "phase", pod.Status.Phase)
			e.deletePod(ctx, pod.Name)
		}
	}
	return nil
}

// ExecuteAsync creates the pod for a workload
func (e *Executor) ExecuteAsync(ctx context.Context, w workloads.Routable) error {
	data, err := workloads.Encode(w)
	if err != nil {
		return fmt.Errorf("failed to encode workload: %w", err)
	}
	pod, err := e.buildPod(w, data)
	if err != nil {
		return err
	}

	if err := e.client.Create(ctx, pod); err != nil {
		return fmt.Errorf("failed to create pod: %w", err)
	}

	e.mu.Lock()
	e.launched[pod.Name] = launchedPod{key: w.Key(), launchedAt: e.now()}
	e.mu.Unlock()
	log.Info("Created pod", "pod", pod.Name, "key", w.Key().String())
	return nil
}

// Sync maps the phase of every launched pod to a state change.
// Finished pods are deleted once their outcome is recorded.
func (e *Executor) Sync(ctx context.Context) error {
	pods, err := e.listPods(ctx)
	if err != nil {
		return err
	}
	byName := make(map[string]*corev1.Pod, len(pods))
	for i := range pods {
		byName[pods[i].Name] = &pods[i]
	}

	e.mu.Lock()
	launched := maps.Clone(e.launched)
	e.mu.Unlock()

	now := e.now()
	for name, lp := range launched {
		pod, ok := byName[name]
		if !ok {
			if now.Sub(lp.launchedAt) > e.cfg.MissingPodGracePeriod {
				e.Fail(lp.key, fmt.Errorf("pod %s disappeared", name))
				e.untrack(name)
			}
			continue
		}

		switch pod.Status.Phase {
		case corev1.PodRunning:
			e.Running(lp.key)
		case corev1.PodSucceeded:
			e.reportSucceeded(lp.key, pod)
			e.deletePod(ctx, name)
			e.untrack(name)
		case corev1.PodFailed:
			e.Fail(lp.key, fmt.Errorf("pod %s failed: %s", name, failureReason(pod)))
			e.deletePod(ctx, name)
			e.untrack(name)
		case corev1.PodPending:
			if reason, stuck := unschedulableImage(pod); stuck {
				e.Fail(lp.key, fmt.Errorf("pod %s cannot start: %s", name, reason))
				e.deletePod(ctx, name)
				e.untrack(name)
			}
		}
	}
	return nil
}

// reportSucceeded reads the termination message: a deferred task exits 0 and
// leaves its deferral there. A message that cannot be read fails the workload,
// since it may have been a deferral cut short.
func (e *Executor) reportSucceeded(key v1.WorkloadKey, pod *corev1.Pod) {
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.Name != containerName || cs.State.Terminated == nil || cs.State.Terminated.Message == "" {
			continue
		}
		msg, err := readTerminationMessage(cs.State.Terminated.Message)
		if err != nil {
			e.Fail(key, fmt.Errorf("pod %s: %w", pod.Name, err))
			return
		}
		switch msg.State {
		case v1.StateDeferred:
			e.Deferred(key, msg.Deferral)
			return
		case v1.StateFailed:
			e.Fail(key, fmt.Errorf("pod %s: %s", pod.Name, msg.Message))
			return
		}
	}
	e.Success(key)
}

func (e *Executor) untrack(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.launched, name)
}

// End waits for launched pods to finish
func (e *Executor) End(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		if err := e.Sync(ctx); err != nil {
			return err
		}
		if e.LaunchedCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Terminate deletes every launched pod and fails its workload
func (e *Executor) Terminate(ctx context.Context) error {
	e.mu.Lock()
	launched := maps.Clone(e.launched)
	e.launched = make(map[string]launchedPod)
	e.mu.Unlock()

	for name, lp := range launched {
		e.deletePod(ctx, name)
		e.Fail(lp.key, fmt.Errorf("pod %s was terminated", name))
	}
	return nil
}

// LaunchedCount returns the number of pods being tracked
func (e *Executor) LaunchedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.launched)
}

func (e *Executor) listPods(ctx context.Context) ([]corev1.Pod, error) {
	var list corev1.PodList
	err := e.client.List(ctx, &list,
		client.InNamespace(e.cfg.Namespace),
		client.MatchingLabels{labelManagedBy: "windsock", labelExecutor: labelValue(e.cfg.Name)},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pods: %w", err)
	}
	return list.Items, nil
}

func (e *Executor) deletePod(ctx context.Context, name string) {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: e.cfg.Namespace,
		},
	}
	if err := e.client.Delete(ctx, pod); err != nil && !errors.IsNotFound(err) {
		log.Error(err, "Failed to delete pod", "pod", name)
	}
}

// buildPod converts a workload to the pod that runs it
func (e *Executor) buildPod(w workloads.Routable, data []byte) (*corev1.Pod, error) {
	labels := map[string]string{
		labelName:      "windsock",
		labelPartOf:    "windsock",
		labelManagedBy: "windsock",
		labelExecutor:  labelValue(e.cfg.Name),
	}
	image := e.cfg.Image
	var resources corev1.ResourceRequirements

	if et, ok := w.(*workloads.ExecuteTask); ok {
		labels[labelDag] = labelValue(et.TI.DagID)
		labels[labelTask] = labelValue(et.TI.TaskID)
		labels[labelTry] = strconv.Itoa(et.TI.TryNumber)

		cfg := et.TI.ExecutorConfig
		if img, ok := cfg[v1.ExecutorConfigImage].(string); ok && img != "" {
			image = img
		}
		var err error
		resources, err = buildResources(cfg)
		if err != nil {
			return nil, fmt.Errorf("bad executor_config for %s: %w", w.Key(), err)
		}
	}

	launchID := utilrand.String(launchIDLength)
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName(w, launchID),
			Namespace: e.cfg.Namespace,
			Labels:    labels,
			Annotations: map[string]string{
				annotationKey: w.Key().String(),
				annotationID:  launchID,
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy:      corev1.RestartPolicyNever,
			ServiceAccountName: e.cfg.ServiceAccount,
			Containers: []corev1.Container{
				{
					Name:                     containerName,
					Image:                    image,
					Command:                  []string{"windsock"},
					Args:                     []string{"run-workload", "--json", string(data)},
					Env:                      buildEnv(map[string]string{TerminationLogEnv: corev1.TerminationMessagePathDefault}),
					Resources:                resources,
					TerminationMessagePolicy: corev1.TerminationMessageReadFile,
				},
			},
		},
	}, nil
}

// buildResources reads "cpu" and "memory" from executor_config as requests and limits
func buildResources(cfg map[string]any) (corev1.ResourceRequirements, error) {
	var out corev1.ResourceRequirements
	for key, name := range map[string]corev1.ResourceName{"cpu": corev1.ResourceCPU, "memory": corev1.ResourceMemory} {
		s, ok := cfg[key].(string)
		if !ok || s == "" {
			continue
		}
		q, err := resource.ParseQuantity(s)
		if err != nil {
			return out, fmt.Errorf("%s: %w", key, err)
		}
		if out.Requests == nil {
			out.Requests = corev1.ResourceList{}
			out.Limits = corev1.ResourceList{}
		}
		out.Requests[name] = q
		out.Limits[name] = q
	}
	return out, nil
}

// buildEnv converts map to EnvVar slice
func buildEnv(envMap map[string]string) []corev1.EnvVar {
	keys := make([]string, 0, len(envMap))
	for k := range envMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	envVars := make([]corev1.EnvVar, 0, len(keys))
	for _, k := range keys {
		envVars = append(envVars, corev1.EnvVar{
			Name:  k,
			Value: envMap[k],
		})
	}
	return envVars
}

// launchIDLength is the length of the random suffix that makes every pod name unique
const launchIDLength = 5

// podName is unique per launch. A task resumed after a deferral keeps its
// try number, so the try alone does not tell its pods apart.
func podName(w workloads.Routable, launchID string) string {
	if k, ok := w.Key().(v1.TaskInstanceKey); ok {
		return fmt.Sprintf("windsock-%s-%d-%s", w.Identity(), k.TryNumber, launchID)
	}
	return fmt.Sprintf("windsock-cb-%s-%s", w.Identity(), launchID)
}

func failureReason(pod *corev1.Pod) string {
	for _, cs := range pod.Status.ContainerStatuses {
		if t := cs.State.Terminated; t != nil {
			if t.Message != "" {
				return fmt.Sprintf("exit code %d: %s", t.ExitCode, t.Message)
			}
			return fmt.Sprintf("exit code %d (%s)", t.ExitCode, t.Reason)
		}
	}
	if pod.Status.Reason != "" {
		return pod.Status.Reason
	}
	return "unknown reason"
}

func unschedulableImage(pod *corev1.Pod) (string, bool) {
	for _, cs := range pod.Status.ContainerStatuses {
		if w := cs.State.Waiting; w != nil {
			switch w.Reason {
			case "ErrImagePull", "ImagePullBackOff", "InvalidImageName":
				return w.Reason, true
			}
		}
	}
	return "", false
}

// labelValue returns s when it is a valid label value. Anything else, a long
// DAG id for instance, keeps a readable prefix and ends in a hash of s.
func labelValue(s string) string {
	if len(validation.IsValidLabelValue(s)) == 0 {
		return s
	}
	sum := sha256.Sum256([]byte(s))
	hash := hex.EncodeToString(sum[:])[:10]

	prefix := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '-'
	}, s)
	if len(prefix) > validation.LabelValueMaxLength-len(hash)-1 {
		prefix = prefix[:validation.LabelValueMaxLength-len(hash)-1]
	}
	prefix = strings.Trim(prefix, "-_.")
	if prefix == "" {
		return hash
	}
	return prefix + "-" + hash
}
