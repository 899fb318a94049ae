// Package local provides an executor that runs workloads in-process on worker goroutines.
package local

import (
	"context"
	"sync"
	"time"

	ctrl "sigs.k8s.io/controller-runtime"

	v1 "github.com/kination/windsock/api/v1"
	"github.com/kination/windsock/internal/executor"
	"github.com/kination/windsock/internal/runner"
	"github.com/kination/windsock/internal/workloads"
)

var log = ctrl.Log.WithName("executor").WithName("local")

// DefaultHeartbeatInterval is how often a running workload reports liveness
const DefaultHeartbeatInterval = 5 * time.Second

// Config holds the local executor settings
type Config struct {
	Name              string        `yaml:"name"`
	Parallelism       int           `yaml:"parallelism"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// Executor runs workloads with an in-process runner
type Executor struct {
	*executor.Base

	runner   runner.Runner
	interval time.Duration

	results chan workloads.Result

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ executor.Executor = (*Executor)(nil)

// New creates a local executor
func New(cfg Config, r runner.Runner) *Executor {
	if cfg.Name == "" {
		cfg.Name = "local"
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	e := &Executor{
		runner:   r,
		interval: cfg.HeartbeatInterval,
		results:  make(chan workloads.Result, 1024),
	}
	e.Base = executor.NewBase(cfg.Name, cfg.Parallelism, e)
	return e
}

// Start prepares the context workloads run under
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ctx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))
	log.Info("Starting local executor", "name", e.Name(), "heartbeat", e.interval)
	return nil
}

func (e *Executor) runContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx == nil {
		e.ctx, e.cancel = context.WithCancel(context.Background())
	}
	return e.ctx
}

// ExecuteAsync runs the workload on its own goroutine
func (e *Executor) ExecuteAsync(_ context.Context, w workloads.Routable) error {
	ctx := e.runContext()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx, w)
	}()
	return nil
}

func (e *Executor) run(ctx context.Context, w workloads.Routable) {
	key := w.Key()
	done := make(chan struct{})
	go e.heartbeat(key, done)

	res := e.runner.Run(ctx, w)
	close(done)

	e.results <- res.Result()
}

// heartbeat reports the workload as running until done is closed
func (e *Executor) heartbeat(key v1.WorkloadKey, done <-chan struct{}) {
	e.results <- workloads.Result{Key: key, State: v1.StateRunning}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			select {
			case e.results <- workloads.Result{Key: key, State: v1.StateRunning}:
			case <-done:
				return
			}
		}
	}
}

// Sync moves results reported by workers into the event buffer
func (e *Executor) Sync(_ context.Context) error {
	for {
		select {
		case res := <-e.results:
			e.Report(res)
		default:
			return nil
		}
	}
}

// End waits for running workloads to finish
func (e *Executor) End(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	for {
		select {
		case <-done:
			return e.Sync(ctx)
		case res := <-e.results:
			e.Report(res)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Terminate cancels running workloads and waits for them to return
func (e *Executor) Terminate(ctx context.Context) error {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Unlock()
	log.Info("Terminating local executor", "name", e.Name())
	return e.End(ctx)
}
