package main

import (
	"context"
	"time"

	"github.com/kination/windsock/internal/dagbag"
	"github.com/kination/windsock/internal/runner"
	"github.com/kination/windsock/internal/triggerer"
	"github.com/kination/windsock/pkg/sdk"
)

// LogCallback logs the run context it is called with
const LogCallback = "windsock.callbacks.log"

// registerBuiltins adds the callbacks and example DAGs shipped with the binary
func registerBuiltins(bag *dagbag.DagBag, tasks *runner.TaskRegistry, callbacks *runner.CallbackRegistry) error {
	callbacks.Register(LogCallback, func(ctx context.Context, kwargs map[string]any) error {
		runCtx, _ := kwargs["context"].(map[string]any)
		log.Info("DAG run finished",
			"dag", runCtx["dag_id"], "run", runCtx["run_id"], "state", runCtx["state"], "reason", runCtx["reason"])
		return nil
	})

	return sdk.NewDAG("windsock_example_deferrable").
		OnSuccess(LogCallback, nil).
		OnFailure(LogCallback, nil).
		AddSequential(
			sdk.Task{Name: "wait", Fn: func(ctx context.Context, tc *runner.TaskContext) error {
				if tc.Resumed() {
					tc.Log.Info("Trigger fired", "event", tc.TriggerEvent())
					return nil
				}
				return runner.Defer(triggerer.TimeDelta, map[string]any{"delta": "30s"}, 5*time.Minute)
			}},
			sdk.Task{Name: "announce", Command: "echo waited for the trigger"},
		).
		Register(bag, tasks)
}
