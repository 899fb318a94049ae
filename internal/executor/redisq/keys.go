// Package redisq provides a queue executor over Redis lists and the worker
// that consumes them. Workloads are pushed to one list per queue; workers
// report state and liveness into one hash per workload.
package redisq

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	v1 "github.com/kination/windsock/api/v1"
	"github.com/kination/windsock/internal/workloads"
)

// Hash fields of a workload result
const (
	fieldState     = "state"
	fieldMessage   = "message"
	fieldDeferral  = "deferral"
	fieldHeartbeat = "heartbeat"
	fieldWorker    = "worker"
)

// stateQueued marks a workload no worker picked up yet
const stateQueued = "queued"

// resultTTL bounds how long finished results linger when nobody collects them
const resultTTL = 24 * time.Hour

// ClientConfig holds Redis connection settings
type ClientConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// NewClient creates a Redis client from the config
func NewClient(cfg ClientConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

type keys struct {
	prefix string
}

func newKeys(prefix string) keys {
	if prefix == "" {
		prefix = "windsock:"
	}
	return keys{prefix: prefix}
}

// queue returns the list a queue's workloads are pushed to
func (k keys) queue(name string) string {
	if name == "" {
		name = v1.DefaultQueue
	}
	return k.prefix + "queue:" + name
}

// result returns the hash a workload's state is reported in
func (k keys) result(id string) string {
	return k.prefix + "result:" + id
}

// resultID is unique per try of a task, or per callback
func resultID(w workloads.Routable) string {
	if tk, ok := w.Key().(v1.TaskInstanceKey); ok {
		return fmt.Sprintf("%s:%d", w.Identity(), tk.TryNumber)
	}
	return "cb:" + w.Identity()
}

// envelope is what travels through a queue list
type envelope struct {
	ID       string          `json:"id"`
	Workload json.RawMessage `json:"workload"`
}

func formatTime(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

func parseTime(s string) (time.Time, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}
