package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	ctrl "sigs.k8s.io/controller-runtime"

	v1 "github.com/kination/windsock/api/v1"
	"github.com/kination/windsock/internal/executor"
	"github.com/kination/windsock/internal/workloads"
)

var log = ctrl.Log.WithName("executor").WithName("redisq")

// Config holds the queue executor settings
type Config struct {
	Name        string `yaml:"name"`
	Parallelism int    `yaml:"parallelism"`
	KeyPrefix   string `yaml:"key_prefix"`
	// StaleAfter fails a running workload whose worker stopped heartbeating
	StaleAfter time.Duration `yaml:"stale_after"`
}

// DefaultConfig returns the default queue executor configuration
func DefaultConfig() Config {
	return Config{
		Name:        "redis",
		Parallelism: 64,
		KeyPrefix:   "windsock:",
		StaleAfter:  2 * time.Minute,
	}
}

type pushed struct {
	key   v1.WorkloadKey
	queue string
	body  string
}

// Executor pushes workloads to Redis lists and reads back what workers report
type Executor struct {
	*executor.Base

	client *redis.Client
	keys   keys
	cfg    Config

	mu      sync.Mutex
	pending map[string]pushed
	now     func() time.Time
}

var _ executor.Executor = (*Executor)(nil)

// New creates a queue executor
func New(cfg Config, client *redis.Client) *Executor {
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	e := &Executor{
		client:  client,
		keys:    newKeys(cfg.KeyPrefix),
		cfg:     cfg,
		pending: make(map[string]pushed),
		now:     time.Now,
	}
	e.Base = executor.NewBase(cfg.Name, cfg.Parallelism, e)
	return e
}

// Start checks the Redis connection
func (e *Executor) Start(ctx context.Context) error {
	if err := e.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return nil
}

// ExecuteAsync records the workload as queued and pushes it to its queue
func (e *Executor) ExecuteAsync(ctx context.Context, w workloads.Routable) error {
	data, err := workloads.Encode(w)
	if err != nil {
		return fmt.Errorf("failed to encode workload: %w", err)
	}
	id := resultID(w)
	body, err := json.Marshal(envelope{ID: id, Workload: data})
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	queue := e.keys.queue(w.QueueName())
	pipe := e.client.TxPipeline()
	pipe.HSet(ctx, e.keys.result(id), fieldState, stateQueued, fieldHeartbeat, formatTime(e.now()))
	pipe.Expire(ctx, e.keys.result(id), resultTTL)
	pipe.LPush(ctx, queue, body)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push workload: %w", err)
	}

	e.mu.Lock()
	e.pending[id] = pushed{key: w.Key(), queue: queue, body: string(body)}
	e.mu.Unlock()
	log.V(1).Info("Pushed workload", "queue", queue, "key", w.Key().String())
	return nil
}

// Sync reads the result hash of every pushed workload
func (e *Executor) Sync(ctx context.Context) error {
	e.mu.Lock()
	pending := maps.Clone(e.pending)
	e.mu.Unlock()

	now := e.now()
	for id, p := range pending {
		fields, err := e.client.HGetAll(ctx, e.keys.result(id)).Result()
		if err != nil {
			return fmt.Errorf("failed to read result of %s: %w", p.key, err)
		}
		if len(fields) == 0 {
			e.Fail(p.key, errors.New("workload result disappeared"))
			e.forget(id)
			continue
		}

		switch v1.TaskInstanceState(fields[fieldState]) {
		case v1.StateRunning:
			hb, ok := parseTime(fields[fieldHeartbeat])
			if ok && now.Sub(hb) > e.cfg.StaleAfter {
				e.Fail(p.key, fmt.Errorf("worker %s stopped heartbeating", fields[fieldWorker]))
				e.finish(ctx, id)
				continue
			}
			e.Running(p.key)
		case v1.StateSuccess:
			e.Success(p.key)
			e.finish(ctx, id)
		case v1.StateFailed:
			e.Fail(p.key, errors.New(fields[fieldMessage]))
			e.finish(ctx, id)
		case v1.StateDeferred:
			var d workloads.Deferral
			if err := json.Unmarshal([]byte(fields[fieldDeferral]), &d); err != nil {
				e.Fail(p.key, fmt.Errorf("unreadable deferral: %w", err))
			} else {
				e.Deferred(p.key, &d)
			}
			e.finish(ctx, id)
		}
	}
	return nil
}

func (e *Executor) forget(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, id)
}

// finish drops a collected result
func (e *Executor) finish(ctx context.Context, id string) {
	e.forget(id)
	if err := e.client.Del(ctx, e.keys.result(id)).Err(); err != nil {
		log.Error(err, "Failed to delete result", "id", id)
	}
}

// PendingCount returns the number of pushed workloads without a final result
func (e *Executor) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// End waits for workers to report on every pushed workload
func (e *Executor) End(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		if err := e.Sync(ctx); err != nil {
			return err
		}
		if e.PendingCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Terminate pulls workloads no worker picked up back off their queues and
// fails everything pushed. Workers already running a workload finish it.
func (e *Executor) Terminate(ctx context.Context) error {
	e.mu.Lock()
	pending := e.pending
	e.pending = make(map[string]pushed)
	e.mu.Unlock()

	for id, p := range pending {
		if err := e.client.LRem(ctx, p.queue, 0, p.body).Err(); err != nil {
			log.Error(err, "Failed to remove workload from queue", "queue", p.queue, "key", p.key.String())
		}
		if err := e.client.Del(ctx, e.keys.result(id)).Err(); err != nil {
			log.Error(err, "Failed to delete result", "id", id)
		}
		e.Fail(p.key, errors.New("executor terminated"))
	}
	return nil
}
