// Package store provides storage interfaces for DAGs, DAG runs, task
// instances, callbacks, triggers and pools.
package store

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"

	v1 "github.com/kination/windsock/api/v1"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when creating a record whose key is taken
	ErrAlreadyExists = errors.New("already exists")
)

// Store defines the interface for scheduler state persistence.
// Implementations return copies; callers must Update to persist changes.
type Store interface {
	// DAG operations
	SaveDag(ctx context.Context, dag *v1.Dag) error
	GetDag(ctx context.Context, dagID string) (*v1.Dag, error)
	ListDags(ctx context.Context) ([]*v1.Dag, error)
	SetDagPaused(ctx context.Context, dagID string, paused bool) error

	// DAG run operations
	CreateDagRun(ctx context.Context, run *v1.DagRun) error
	GetDagRun(ctx context.Context, dagID, runID string) (*v1.DagRun, error)
	UpdateDagRun(ctx context.Context, run *v1.DagRun) error
	ListDagRuns(ctx context.Context, filter DagRunFilter) ([]*v1.DagRun, error)

	// Task instance operations
	CreateTaskInstances(ctx context.Context, tis []*v1.TaskInstance) error
	GetTaskInstance(ctx context.Context, id uuid.UUID) (*v1.TaskInstance, error)
	UpdateTaskInstance(ctx context.Context, ti *v1.TaskInstance) error
	ListTaskInstances(ctx context.Context, filter TaskInstanceFilter) ([]*v1.TaskInstance, error)

	// Callback operations
	CreateCallback(ctx context.Context, cb *v1.Callback) error
	GetCallback(ctx context.Context, id uuid.UUID) (*v1.Callback, error)
	UpdateCallback(ctx context.Context, cb *v1.Callback) error
	ListCallbacks(ctx context.Context, states ...v1.CallbackState) ([]*v1.Callback, error)

	// Trigger operations. CreateTrigger assigns trigger.ID.
	CreateTrigger(ctx context.Context, trigger *v1.Trigger) error
	GetTrigger(ctx context.Context, id int64) (*v1.Trigger, error)
	ListTriggers(ctx context.Context) ([]*v1.Trigger, error)
	// ClaimTriggers marks up to limit unclaimed triggers as claimed and returns them
	ClaimTriggers(ctx context.Context, limit int) ([]*v1.Trigger, error)
	DeleteTrigger(ctx context.Context, id int64) error

	// Pool operations
	SavePool(ctx context.Context, pool *v1.Pool) error
	GetPool(ctx context.Context, name string) (*v1.Pool, error)
	ListPools(ctx context.Context) ([]*v1.Pool, error)

	// Health check
	Ping(ctx context.Context) error

	// Close releases resources
	Close() error
}

// DagRunFilter selects DAG runs. Zero fields match everything.
type DagRunFilter struct {
	DagID  string
	States []v1.DagRunState
}

// Match reports whether run passes the filter
func (f DagRunFilter) Match(run *v1.DagRun) bool {
	if f.DagID != "" && run.DagID != f.DagID {
		return false
	}
	return len(f.States) == 0 || slices.Contains(f.States, run.State)
}

// TaskInstanceFilter selects task instances. Zero fields match everything.
type TaskInstanceFilter struct {
	DagID  string
	RunID  string
	States []v1.TaskInstanceState
}

// Match reports whether ti passes the filter
func (f TaskInstanceFilter) Match(ti *v1.TaskInstance) bool {
	if f.DagID != "" && ti.DagID != f.DagID {
		return false
	}
	if f.RunID != "" && ti.RunID != f.RunID {
		return false
	}
	return len(f.States) == 0 || slices.Contains(f.States, ti.State)
}

// StoreConfig holds configuration for creating a store
type StoreConfig struct {
	// Type is the store backend type (sqlite, memory)
	Type StoreType `yaml:"type"`
	// ConnectionString is the database path for sqlite
	ConnectionString string `yaml:"connection_string"`
	// WAL enables write-ahead logging for sqlite
	WAL bool `yaml:"wal"`
	// Timeout is the default operation timeout
	Timeout time.Duration `yaml:"timeout"`
}

// StoreType defines the type of store backend
type StoreType string

const (
	// StoreTypeSQLite persists state in a SQLite database file
	StoreTypeSQLite StoreType = "sqlite"
	// StoreTypeMemory uses in-memory storage (for testing)
	StoreTypeMemory StoreType = "memory"
)

// DefaultStoreConfig returns the default store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:             StoreTypeSQLite,
		ConnectionString: "windsock.db",
		WAL:              true,
		Timeout:          30 * time.Second,
	}
}
