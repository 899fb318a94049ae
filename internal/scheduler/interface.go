// Package scheduler drives task instances through their states: it creates
// DAG runs, resolves dependencies, queues work on executors and reacts to
// what executors and the triggerer report back.
package scheduler

import (
	"context"
	"time"

	v1 "github.com/kination/windsock/api/v1"
	"github.com/kination/windsock/internal/triggerer"
)

// Policy defines the order scheduled task instances are queued in
type Policy string

const (
	// PolicyFIFO queues by run logical date, then task order within the DAG
	PolicyFIFO Policy = "FIFO"
	// PolicyPriority queues by priority weight, then run logical date
	PolicyPriority Policy = "Priority"
	// PolicyFairShare alternates between DAGs, least busy first
	PolicyFairShare Policy = "FairShare"
)

// Scheduler defines the interface of the scheduling loop.
type Scheduler interface {
	// Name returns the scheduler name
	Name() string

	// Policy returns the scheduling policy
	Policy() Policy

	// Start prepares executors and resets task instances orphaned by a previous run
	Start(ctx context.Context) error

	// RunOnce runs one scheduling loop
	RunOnce(ctx context.Context) error

	// Run loops until ctx is done
	Run(ctx context.Context) error

	// TriggerDagRun creates a manual run of a DAG
	TriggerDagRun(ctx context.Context, dagID string, conf map[string]any) (*v1.DagRun, error)
}

// TriggerEventSource hands over the outcomes of deferred tasks' triggers.
type TriggerEventSource interface {
	GetEvents() []triggerer.Event
}

// SchedulerConfig holds configuration for the scheduler
type SchedulerConfig struct {
	Policy Policy `yaml:"policy"`
	// HeartbeatInterval is the pause between loops
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// ZombieThreshold is how long a running task may go without a heartbeat
	ZombieThreshold time.Duration `yaml:"zombie_threshold"`
	// MaxTIsPerLoop caps how many task instances one loop queues
	MaxTIsPerLoop int `yaml:"max_tis_per_loop"`
	// MaxActiveTasksPerDag applies to DAGs that do not set max_active_tasks
	MaxActiveTasksPerDag int `yaml:"max_active_tasks_per_dag"`
	// MaxActiveRunsPerDag applies to DAGs that do not set max_active_runs
	MaxActiveRunsPerDag int `yaml:"max_active_runs_per_dag"`
	// DefaultPoolSlots sizes default_pool when it does not exist yet
	DefaultPoolSlots int `yaml:"default_pool_slots"`
}

// DefaultSchedulerConfig returns the default scheduler configuration
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Policy:               PolicyPriority,
		HeartbeatInterval:    5 * time.Second,
		ZombieThreshold:      5 * time.Minute,
		MaxTIsPerLoop:        512,
		MaxActiveTasksPerDag: 16,
		MaxActiveRunsPerDag:  16,
		DefaultPoolSlots:     128,
	}
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	def := DefaultSchedulerConfig()
	if c.Policy == "" {
		c.Policy = def.Policy
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.ZombieThreshold <= 0 {
		c.ZombieThreshold = def.ZombieThreshold
	}
	if c.MaxTIsPerLoop <= 0 {
		c.MaxTIsPerLoop = def.MaxTIsPerLoop
	}
	if c.MaxActiveTasksPerDag <= 0 {
		c.MaxActiveTasksPerDag = def.MaxActiveTasksPerDag
	}
	if c.MaxActiveRunsPerDag <= 0 {
		c.MaxActiveRunsPerDag = def.MaxActiveRunsPerDag
	}
	if c.DefaultPoolSlots == 0 {
		c.DefaultPoolSlots = def.DefaultPoolSlots
	}
	return c
}
