package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	v1 "github.com/kination/windsock/api/v1"
	"github.com/kination/windsock/internal/runner"
	"github.com/kination/windsock/internal/workloads"
)

// WorkerConfig holds queue worker settings
type WorkerConfig struct {
	// Name identifies the worker in result hashes; defaults to the hostname
	Name        string   `yaml:"name"`
	Queues      []string `yaml:"queues"`
	Concurrency int      `yaml:"concurrency"`
	KeyPrefix   string   `yaml:"key_prefix"`
	// HeartbeatInterval is how often a running workload's heartbeat is refreshed
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// PopTimeout bounds each blocking pop so shutdown is noticed
	PopTimeout time.Duration `yaml:"pop_timeout"`
}

// DefaultWorkerConfig returns the default worker configuration
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Queues:            []string{v1.DefaultQueue},
		Concurrency:       4,
		KeyPrefix:         "windsock:",
		HeartbeatInterval: 10 * time.Second,
		PopTimeout:        5 * time.Second,
	}
}

// Worker pops workloads from Redis queues and runs them
type Worker struct {
	client *redis.Client
	runner runner.Runner
	keys   keys
	cfg    WorkerConfig
}

// NewWorker creates a queue worker
func NewWorker(cfg WorkerConfig, client *redis.Client, r runner.Runner) *Worker {
	def := DefaultWorkerConfig()
	if len(cfg.Queues) == 0 {
		cfg.Queues = def.Queues
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = def.PopTimeout
	}
	if cfg.Name == "" {
		cfg.Name, _ = os.Hostname()
	}
	return &Worker{client: client, runner: r, keys: newKeys(cfg.KeyPrefix), cfg: cfg}
}

// Run consumes the configured queues with Concurrency goroutines until ctx is done
func (w *Worker) Run(ctx context.Context) error {
	log.Info("Starting worker", "name", w.cfg.Name, "queues", w.cfg.Queues, "concurrency", w.cfg.Concurrency)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			for ctx.Err() == nil {
				if _, err := w.ProcessOne(ctx); err != nil && ctx.Err() == nil {
					log.Error(err, "Failed to process workload")
					time.Sleep(time.Second)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// ProcessOne waits up to PopTimeout for a workload and runs it.
// It reports whether a workload was run.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	queues := make([]string, len(w.cfg.Queues))
	for i, q := range w.cfg.Queues {
		queues[i] = w.keys.queue(q)
	}
	popped, err := w.client.BRPop(ctx, w.cfg.PopTimeout, queues...).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to pop workload: %w", err)
	}

	var env envelope
	if err := json.Unmarshal([]byte(popped[1]), &env); err != nil {
		return false, fmt.Errorf("bad envelope on %s: %w", popped[0], err)
	}
	resultKey := w.keys.result(env.ID)

	decoded, err := workloads.Decode(env.Workload)
	if err != nil {
		return true, w.report(ctx, resultKey, &runner.RunResult{State: v1.StateFailed, Message: err.Error()})
	}
	rw, ok := decoded.(workloads.Routable)
	if !ok {
		return true, w.report(ctx, resultKey, &runner.RunResult{State: v1.StateFailed, Message: fmt.Sprintf("cannot run %s workloads", decoded.Kind())})
	}

	log.Info("Running workload", "key", rw.Key().String(), "queue", popped[0])
	if err := w.client.HSet(ctx, resultKey, fieldState, string(v1.StateRunning), fieldHeartbeat, formatTime(time.Now()), fieldWorker, w.cfg.Name).Err(); err != nil {
		// put it back where BRPop takes from, so the next pop retries it
		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), requeueTimeout)
		defer cancel()
		if perr := w.client.RPush(pushCtx, popped[0], popped[1]).Err(); perr != nil {
			return true, fmt.Errorf("failed to mark %s running: %w; requeue failed: %w", rw.Key(), err, perr)
		}
		return true, fmt.Errorf("failed to mark %s running, requeued: %w", rw.Key(), err)
	}

	hbCtx, stop := context.WithCancel(ctx)
	defer stop()
	go w.heartbeat(hbCtx, resultKey)

	res := w.runner.Run(ctx, rw)
	stop()
	return true, w.report(ctx, resultKey, res)
}

// requeueTimeout bounds putting back a workload this worker could not start
const requeueTimeout = 5 * time.Second

func (w *Worker) heartbeat(ctx context.Context, resultKey string) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.client.HSet(ctx, resultKey, fieldHeartbeat, formatTime(time.Now())).Err(); err != nil && ctx.Err() == nil {
				log.Error(err, "Failed to refresh heartbeat", "result", resultKey)
			}
		}
	}
}

func (w *Worker) report(ctx context.Context, resultKey string, res *runner.RunResult) error {
	values := []any{fieldState, string(res.State), fieldMessage, res.Message, fieldHeartbeat, formatTime(time.Now())}
	if res.Deferral != nil {
		d, err := json.Marshal(res.Deferral)
		if err != nil {
			return fmt.Errorf("failed to encode deferral: %w", err)
		}
		values = append(values, fieldDeferral, string(d))
	}
	// the scheduler may be gone; keep the result from outliving it forever
	pipe := w.client.TxPipeline()
	pipe.HSet(ctx, resultKey, values...)
	pipe.Expire(ctx, resultKey, resultTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to report result: %w", err)
	}
	return nil
}
