package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/go-logr/logr"

	v1 "github.com/kination/windsock/api/v1"
	"github.com/kination/windsock/internal/workloads"
)

// TaskContext is what a Go task function gets to work with
type TaskContext struct {
	TI   workloads.TaskInstanceDTO
	Task *v1.TaskSpec
	Log  logr.Logger
}

// Resumed reports whether the task is resuming after a trigger fired
func (tc *TaskContext) Resumed() bool {
	return tc.TI.NextKwargs != nil
}

// TriggerEvent returns the payload of the trigger the task waited on
func (tc *TaskContext) TriggerEvent() map[string]any {
	return tc.TI.NextKwargs
}

// TaskFunc is the body of a Go task
type TaskFunc func(ctx context.Context, tc *TaskContext) error

// TaskRegistry maps dag id + task id to Go task functions
type TaskRegistry struct {
	mu    sync.RWMutex
	funcs map[string]TaskFunc
}

// NewTaskRegistry creates an empty task registry
func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{funcs: make(map[string]TaskFunc)}
}

func taskRef(dagID, taskID string) string {
	return dagID + "/" + taskID
}

// Register adds the function for a task
func (r *TaskRegistry) Register(dagID, taskID string, fn TaskFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[taskRef(dagID, taskID)] = fn
}

// Get looks up the function for a task
func (r *TaskRegistry) Get(dagID, taskID string) (TaskFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.funcs[taskRef(dagID, taskID)]
	if !ok {
		return nil, fmt.Errorf("no Go function registered for %s", taskRef(dagID, taskID))
	}
	return fn, nil
}

// Refs returns the registered "dag/task" references, sorted
func (r *TaskRegistry) Refs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	refs := make([]string, 0, len(r.funcs))
	for ref := range r.funcs {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// CallbackFunc is a plain callback, called with the callback kwargs
type CallbackFunc func(ctx context.Context, kwargs map[string]any) error

// Notifier is the callable a NotifierFactory builds
type Notifier interface {
	Notify(ctx context.Context, taskContext map[string]any) error
}

// NotifierFactory builds a Notifier from the callback kwargs
type NotifierFactory func(kwargs map[string]any) (Notifier, error)

// CallbackRegistry maps import paths to callbacks
type CallbackRegistry struct {
	mu        sync.RWMutex
	funcs     map[string]CallbackFunc
	notifiers map[string]NotifierFactory
}

// NewCallbackRegistry creates an empty callback registry
func NewCallbackRegistry() *CallbackRegistry {
	return &CallbackRegistry{
		funcs:     make(map[string]CallbackFunc),
		notifiers: make(map[string]NotifierFactory),
	}
}

// Register adds a function callback under path
func (r *CallbackRegistry) Register(path string, fn CallbackFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[path] = fn
	delete(r.notifiers, path)
}

// RegisterNotifier adds a notifier factory under path
func (r *CallbackRegistry) RegisterNotifier(path string, factory NotifierFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifiers[path] = factory
	delete(r.funcs, path)
}

func (r *CallbackRegistry) lookup(path string) (CallbackFunc, NotifierFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if fn, ok := r.funcs[path]; ok {
		return fn, nil, true
	}
	if f, ok := r.notifiers[path]; ok {
		return nil, f, true
	}
	return nil, nil, false
}
