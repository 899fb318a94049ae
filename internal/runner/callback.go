package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/kination/windsock/internal/workloads"
)

// ErrCallbackNotFound is returned for import paths nothing registered
var ErrCallbackNotFound = errors.New("callback not registered")

// KindError is an error that names its own kind in callback failure messages
type KindError interface {
	error
	Kind() string
}

type panicError struct{ value any }

func (e panicError) Error() string { return fmt.Sprint(e.value) }
func (e panicError) Kind() string  { return "Panic" }

// errorKind names the kind of a callback error: its own Kind when it has one,
// a well-known sentinel, or "Error".
func errorKind(err error) string {
	var kinded KindError
	switch {
	case errors.As(err, &kinded):
		return kinded.Kind()
	case errors.Is(err, ErrCallbackNotFound):
		return "CallbackNotFound"
	case errors.Is(err, context.DeadlineExceeded):
		return "DeadlineExceeded"
	case errors.Is(err, context.Canceled):
		return "Canceled"
	}
	return "Error"
}

// ExecuteCallback runs a callback and reports whether it succeeded.
//
// Plain functions are called with data["kwargs"]. Notifier factories are
// built from data["kwargs"] and the notifier is then called with
// kwargs["context"], or an empty map when there is none.
func (r *CallbackRegistry) ExecuteCallback(ctx context.Context, cb workloads.CallbackDTO, log logr.Logger) (bool, string) {
	path := cb.Path()
	kwargs := cb.Kwargs()

	if path == "" {
		return false, "Callback path not found in data."
	}

	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = panicError{value: p}
			}
		}()

		fn, factory, ok := r.lookup(path)
		if !ok {
			return fmt.Errorf("%w: %s", ErrCallbackNotFound, path)
		}

		log.V(1).Info("Executing callback", "path", path, "kwargs", kwargs)
		if fn != nil {
			return fn(ctx, kwargs)
		}

		notifier, err := factory(kwargs)
		if err != nil {
			return err
		}
		taskContext, _ := kwargs["context"].(map[string]any)
		if taskContext == nil {
			taskContext = map[string]any{}
		}
		log.V(1).Info("Calling notifier with context", "path", path)
		return notifier.Notify(ctx, taskContext)
	}()

	if err != nil {
		msg := fmt.Sprintf("Callback execution failed: %s: %v", errorKind(err), err)
		log.Error(err, "Callback execution failed", "path", path, "kwargs", kwargs)
		return false, msg
	}

	log.Info(fmt.Sprintf("Callback %s executed successfully.", path))
	return true, ""
}
