package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"

	ctrl "sigs.k8s.io/controller-runtime"

	v1 "github.com/kination/windsock/api/v1"
	"github.com/kination/windsock/internal/workloads"
)

var log = ctrl.Log.WithName("runner")

// DefaultRunner implements the Runner interface for task and callback workloads.
type DefaultRunner struct {
	dags      DagSource
	tasks     *TaskRegistry
	callbacks *CallbackRegistry
	config    RunnerConfig
}

// NewRunner creates a new DefaultRunner
func NewRunner(dags DagSource, tasks *TaskRegistry, callbacks *CallbackRegistry, config RunnerConfig) *DefaultRunner {
	if tasks == nil {
		tasks = NewTaskRegistry()
	}
	if callbacks == nil {
		callbacks = NewCallbackRegistry()
	}
	return &DefaultRunner{
		dags:      dags,
		tasks:     tasks,
		callbacks: callbacks,
		config:    config,
	}
}

// NewDefaultRunner creates a runner with default configuration
func NewDefaultRunner(dags DagSource, tasks *TaskRegistry, callbacks *CallbackRegistry) *DefaultRunner {
	return NewRunner(dags, tasks, callbacks, DefaultRunnerConfig())
}

// Run executes a workload
func (r *DefaultRunner) Run(ctx context.Context, w workloads.Routable) *RunResult {
	if err := r.checkToken(w); err != nil {
		log.Error(err, "Refusing workload", "key", w.Key().String())
		return failed(w.Key(), err)
	}

	switch wl := w.(type) {
	case *workloads.ExecuteTask:
		return r.runTask(ctx, wl)
	case *workloads.ExecuteCallback:
		return r.runCallback(ctx, wl)
	default:
		return failed(w.Key(), fmt.Errorf("cannot run workload of type %s", w.Kind()))
	}
}

func (r *DefaultRunner) checkToken(w workloads.Routable) error {
	if r.config.Validator == nil {
		return nil
	}
	var token string
	switch wl := w.(type) {
	case *workloads.ExecuteTask:
		token = wl.Token
	case *workloads.ExecuteCallback:
		token = wl.Token
	}
	sub, err := r.config.Validator.Validate(token)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if sub != w.Subject() {
		return fmt.Errorf("%w: token subject %q does not match %q", ErrInvalidToken, sub, w.Subject())
	}
	return nil
}

func (r *DefaultRunner) runTask(ctx context.Context, w *workloads.ExecuteTask) *RunResult {
	key := w.Key()
	if r.dags == nil {
		return failed(key, fmt.Errorf("%w: no DAG source configured", ErrTaskNotFound))
	}
	dag, err := r.dags.GetDag(w.TI.DagID)
	if err != nil {
		return failed(key, err)
	}
	task, ok := dag.Task(w.TI.TaskID)
	if !ok {
		return failed(key, fmt.Errorf("%w: %s.%s", ErrTaskNotFound, w.TI.DagID, w.TI.TaskID))
	}

	out, closeOut, err := r.openLog(w.LogPath)
	if err != nil {
		return failed(key, err)
	}
	defer closeOut()

	if task.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.ExecutionTimeout)
		defer cancel()
	}

	log.Info("Running task", "dag", w.TI.DagID, "task", w.TI.TaskID, "run", w.TI.RunID, "try", w.TI.TryNumber, "type", task.Type)

	err = r.execute(ctx, w, task, out)
	if ctx.Err() == context.DeadlineExceeded && err != nil {
		err = fmt.Errorf("task timed out after %s: %w", task.ExecutionTimeout, err)
	}

	var deferErr *DeferError
	switch {
	case errors.As(err, &deferErr):
		log.Info("Task deferred", "key", key.String(), "trigger", deferErr.Classpath)
		return &RunResult{
			Key:     key,
			State:   v1.StateDeferred,
			Message: deferErr.Error(),
			Deferral: &workloads.Deferral{
				Classpath: deferErr.Classpath,
				Kwargs:    deferErr.Kwargs,
				Timeout:   deferErr.Timeout,
			},
		}
	case err != nil:
		log.Error(err, "Task failed", "key", key.String())
		return failed(key, err)
	}
	log.Info("Task succeeded", "key", key.String())
	return &RunResult{Key: key, State: v1.StateSuccess, Message: "Task completed"}
}

func (r *DefaultRunner) execute(ctx context.Context, w *workloads.ExecuteTask, task *v1.TaskSpec, out io.Writer) (err error) {
	switch task.Type {
	case v1.TaskTypeBash, "":
		return r.command(ctx, w, task, out, r.config.BashPath, "-c", task.Command)
	case v1.TaskTypePython:
		return r.command(ctx, w, task, out, r.config.PythonPath, "-c", task.Script)
	case v1.TaskTypeGo:
		fn, err := r.tasks.Get(w.TI.DagID, w.TI.TaskID)
		if err != nil {
			return err
		}
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("task panicked: %v", p)
			}
		}()
		return fn(ctx, &TaskContext{
			TI:   w.TI,
			Task: task,
			Log:  log.WithValues("dag", w.TI.DagID, "task", w.TI.TaskID, "try", w.TI.TryNumber),
		})
	default:
		return fmt.Errorf("unknown task type %q", task.Type)
	}
}

func (r *DefaultRunner) command(ctx context.Context, w *workloads.ExecuteTask, task *v1.TaskSpec, out io.Writer, bin string, args ...string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Env = append(os.Environ(), taskEnv(w, task)...)

	var stderr bytes.Buffer
	cmd.Stdout = out
	cmd.Stderr = io.MultiWriter(out, &stderr)

	if err := cmd.Run(); err != nil {
		if msg := bytes.TrimSpace(stderr.Bytes()); len(msg) > 0 {
			return fmt.Errorf("%w: %s", err, lastLine(msg))
		}
		return err
	}
	return nil
}

// taskEnv is the task's own env plus the identity of the try being run
func taskEnv(w *workloads.ExecuteTask, task *v1.TaskSpec) []string {
	env := make([]string, 0, len(task.Env)+6)
	keys := make([]string, 0, len(task.Env))
	for k := range task.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+task.Env[k])
	}

	env = append(env,
		"WINDSOCK_DAG_ID="+w.TI.DagID,
		"WINDSOCK_TASK_ID="+w.TI.TaskID,
		"WINDSOCK_RUN_ID="+w.TI.RunID,
		"WINDSOCK_TRY_NUMBER="+strconv.Itoa(w.TI.TryNumber),
		"WINDSOCK_MAP_INDEX="+strconv.Itoa(w.TI.MapIndex),
	)
	if w.LogPath != nil {
		env = append(env, "WINDSOCK_LOG_PATH="+*w.LogPath)
	}
	return env
}

func lastLine(b []byte) string {
	if i := bytes.LastIndexByte(b, '\n'); i >= 0 {
		return string(b[i+1:])
	}
	return string(b)
}

// openLog opens the task log under LogDir, or discards output when there is none
func (r *DefaultRunner) openLog(logPath *string) (io.Writer, func(), error) {
	if r.config.LogDir == "" || logPath == nil {
		return io.Discard, func() {}, nil
	}
	full := filepath.Join(r.config.LogDir, filepath.FromSlash(*logPath))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open task log: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

func (r *DefaultRunner) runCallback(ctx context.Context, w *workloads.ExecuteCallback) *RunResult {
	key := w.Key()
	ok, msg := r.callbacks.ExecuteCallback(ctx, w.Callback, log.WithValues("callback", w.Callback.ID))
	if !ok {
		return &RunResult{Key: key, State: v1.StateFailed, Message: msg}
	}
	return &RunResult{Key: key, State: v1.StateSuccess}
}

// Config returns the runner configuration
func (r *DefaultRunner) Config() RunnerConfig {
	return r.config
}

// Tasks returns the Go task registry
func (r *DefaultRunner) Tasks() *TaskRegistry {
	return r.tasks
}

// Callbacks returns the callback registry
func (r *DefaultRunner) Callbacks() *CallbackRegistry {
	return r.callbacks
}

func failed(key v1.WorkloadKey, err error) *RunResult {
	return &RunResult{Key: key, State: v1.StateFailed, Message: err.Error()}
}
