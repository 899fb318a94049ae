package triggerer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrTriggerNotFound is returned for classpaths nothing registered
var ErrTriggerNotFound = errors.New("trigger not registered")

// Built-in trigger classpaths
const (
	// TimeDelta waits for kwargs["delta"], a Go duration string or a number of seconds.
	TimeDelta = "windsock.triggers.TimeDelta"
	// DateTime waits until kwargs["moment"], an RFC 3339 timestamp.
	DateTime = "windsock.triggers.DateTime"
)

// TriggerFunc waits for a condition and returns the event payload handed to
// the resumed task. It must return when ctx is done.
type TriggerFunc func(ctx context.Context, kwargs map[string]any) (map[string]any, error)

// Registry maps classpaths to trigger functions.
// Only registered classpaths are ever run.
type Registry struct {
	mu       sync.RWMutex
	triggers map[string]TriggerFunc
}

// NewRegistry creates a registry holding the built-in time triggers
func NewRegistry() *Registry {
	r := &Registry{triggers: make(map[string]TriggerFunc)}
	r.Register(TimeDelta, timeDeltaTrigger)
	r.Register(DateTime, dateTimeTrigger)
	return r
}

// Register adds or replaces a trigger
func (r *Registry) Register(classpath string, fn TriggerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers[classpath] = fn
}

// Get returns the trigger for classpath
func (r *Registry) Get(classpath string) (TriggerFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.triggers[classpath]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTriggerNotFound, classpath)
	}
	return fn, nil
}

// Classpaths returns every registered classpath in order
func (r *Registry) Classpaths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.triggers))
	for cp := range r.triggers {
		out = append(out, cp)
	}
	sort.Strings(out)
	return out
}

func timeDeltaTrigger(ctx context.Context, kwargs map[string]any) (map[string]any, error) {
	var delta time.Duration
	switch v := kwargs["delta"].(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("bad delta: %w", err)
		}
		delta = d
	case float64:
		delta = time.Duration(v * float64(time.Second))
	case int:
		delta = time.Duration(v) * time.Second
	default:
		return nil, fmt.Errorf("delta must be a duration string or seconds, got %T", kwargs["delta"])
	}
	return waitUntil(ctx, time.Now().Add(delta))
}

func dateTimeTrigger(ctx context.Context, kwargs map[string]any) (map[string]any, error) {
	s, _ := kwargs["moment"].(string)
	moment, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, fmt.Errorf("bad moment: %w", err)
	}
	return waitUntil(ctx, moment)
}

func waitUntil(ctx context.Context, moment time.Time) (map[string]any, error) {
	timer := time.NewTimer(time.Until(moment))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return map[string]any{"moment": moment.UTC().Format(time.RFC3339Nano)}, nil
	}
}
