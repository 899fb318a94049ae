// Package sqlite provides a SQLite Store for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	v1 "github.com/kination/windsock/api/v1"
	"github.com/kination/windsock/internal/store"
)

var _ store.Store = (*Store)(nil)

// sortableTime keeps a fixed width so indexed timestamps order lexically
const sortableTime = "2006-01-02T15:04:05.000000000Z"

// Store keeps each record as a JSON document next to the columns it is queried by.
type Store struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path, or ":memory:".
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New opens the database and runs migrations.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS dags (
			dag_id TEXT PRIMARY KEY,
			paused INTEGER NOT NULL DEFAULT 0,
			data TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS dag_runs (
			dag_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			state TEXT NOT NULL,
			logical_date TEXT NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY (dag_id, run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dag_runs_state ON dag_runs(state)`,
		`CREATE TABLE IF NOT EXISTS task_instances (
			id TEXT PRIMARY KEY,
			dag_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			map_index INTEGER NOT NULL,
			state TEXT NOT NULL,
			data TEXT NOT NULL,
			UNIQUE (dag_id, run_id, task_id, map_index)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_instances_state ON task_instances(state)`,
		`CREATE INDEX IF NOT EXISTS idx_task_instances_run ON task_instances(dag_id, run_id)`,
		`CREATE TABLE IF NOT EXISTS callbacks (
			id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			created_at TEXT NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_callbacks_state ON callbacks(state)`,
		`CREATE TABLE IF NOT EXISTS triggers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			claimed INTEGER NOT NULL DEFAULT 0,
			data TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pools (
			name TEXT PRIMARY KEY,
			data TEXT NOT NULL
		)`,
	}
	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}
	return string(b), nil
}

func decode[T any](data string) (*T, error) {
	var v T
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &v, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// queryAll runs a query returning a single data column and decodes every row.
func queryAll[T any](ctx context.Context, db *sql.DB, query string, args ...any) ([]*T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		v, err := decode[T](data)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func queryOne[T any](ctx context.Context, db *sql.DB, what string, query string, args ...any) (*T, error) {
	var data string
	err := db.QueryRowContext(ctx, query, args...).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", what, err)
	}
	return decode[T](data)
}

// mustAffect turns a zero-row update into ErrNotFound
func mustAffect(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return nil
}

// inClause renders "col IN (?,?,...)" for n values
func inClause(col string, n int) string {
	return col + " IN (" + strings.TrimSuffix(strings.Repeat("?,", n), ",") + ")"
}

func (s *Store) SaveDag(ctx context.Context, dag *v1.Dag) error {
	data, err := encode(dag)
	if err != nil {
		return err
	}
	// the stored paused flag wins over the one in the file
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dags (dag_id, paused, data) VALUES (?, ?, ?)
		ON CONFLICT(dag_id) DO UPDATE SET data = excluded.data`,
		dag.DagID, boolInt(dag.Paused), data)
	if err != nil {
		return fmt.Errorf("failed to save dag: %w", err)
	}
	return nil
}

func (s *Store) scanDag(row interface{ Scan(...any) error }) (*v1.Dag, error) {
	var data string
	var paused int
	if err := row.Scan(&data, &paused); err != nil {
		return nil, err
	}
	d, err := decode[v1.Dag](data)
	if err != nil {
		return nil, err
	}
	d.Paused = paused != 0
	return d, nil
}

func (s *Store) GetDag(ctx context.Context, dagID string) (*v1.Dag, error) {
	d, err := s.scanDag(s.db.QueryRowContext(ctx, `SELECT data, paused FROM dags WHERE dag_id = ?`, dagID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dag %s: %w", dagID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dag: %w", err)
	}
	return d, nil
}

func (s *Store) ListDags(ctx context.Context) ([]*v1.Dag, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data, paused FROM dags ORDER BY dag_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list dags: %w", err)
	}
	defer rows.Close()

	var out []*v1.Dag
	for rows.Next() {
		d, err := s.scanDag(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dag: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) SetDagPaused(ctx context.Context, dagID string, paused bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE dags SET paused = ? WHERE dag_id = ?`, boolInt(paused), dagID)
	if err != nil {
		return fmt.Errorf("failed to update dag: %w", err)
	}
	return mustAffect(res, "dag "+dagID)
}

func (s *Store) CreateDagRun(ctx context.Context, run *v1.DagRun) error {
	data, err := encode(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dag_runs (dag_id, run_id, state, logical_date, data) VALUES (?, ?, ?, ?, ?)`,
		run.DagID, run.RunID, string(run.State), run.LogicalDate.UTC().Format(sortableTime), data)
	if isUniqueViolation(err) {
		return fmt.Errorf("dag run %s/%s: %w", run.DagID, run.RunID, store.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create dag run: %w", err)
	}
	return nil
}

func (s *Store) GetDagRun(ctx context.Context, dagID, runID string) (*v1.DagRun, error) {
	return queryOne[v1.DagRun](ctx, s.db, "dag run "+dagID+"/"+runID,
		`SELECT data FROM dag_runs WHERE dag_id = ? AND run_id = ?`, dagID, runID)
}

func (s *Store) UpdateDagRun(ctx context.Context, run *v1.DagRun) error {
	data, err := encode(run)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE dag_runs SET state = ?, logical_date = ?, data = ? WHERE dag_id = ? AND run_id = ?`,
		string(run.State), run.LogicalDate.UTC().Format(sortableTime), data, run.DagID, run.RunID)
	if err != nil {
		return fmt.Errorf("failed to update dag run: %w", err)
	}
	return mustAffect(res, "dag run "+run.DagID+"/"+run.RunID)
}

func (s *Store) ListDagRuns(ctx context.Context, filter store.DagRunFilter) ([]*v1.DagRun, error) {
	query := `SELECT data FROM dag_runs WHERE 1=1`
	var args []any
	if filter.DagID != "" {
		query += ` AND dag_id = ?`
		args = append(args, filter.DagID)
	}
	if len(filter.States) > 0 {
		query += ` AND ` + inClause("state", len(filter.States))
		for _, st := range filter.States {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY logical_date, dag_id, run_id`
	return queryAll[v1.DagRun](ctx, s.db, query, args...)
}

func (s *Store) CreateTaskInstances(ctx context.Context, tis []*v1.TaskInstance) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, ti := range tis {
		data, err := encode(ti)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_instances (id, dag_id, run_id, task_id, map_index, state, data)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			ti.ID.String(), ti.DagID, ti.RunID, ti.TaskID, ti.MapIndex, string(ti.State), data)
		if isUniqueViolation(err) {
			return fmt.Errorf("task instance %s: %w", ti.Key(), store.ErrAlreadyExists)
		}
		if err != nil {
			return fmt.Errorf("failed to create task instance: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetTaskInstance(ctx context.Context, id uuid.UUID) (*v1.TaskInstance, error) {
	return queryOne[v1.TaskInstance](ctx, s.db, "task instance "+id.String(),
		`SELECT data FROM task_instances WHERE id = ?`, id.String())
}

func (s *Store) UpdateTaskInstance(ctx context.Context, ti *v1.TaskInstance) error {
	data, err := encode(ti)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE task_instances SET state = ?, data = ? WHERE id = ?`,
		string(ti.State), data, ti.ID.String())
	if err != nil {
		return fmt.Errorf("failed to update task instance: %w", err)
	}
	return mustAffect(res, "task instance "+ti.ID.String())
}

func (s *Store) ListTaskInstances(ctx context.Context, filter store.TaskInstanceFilter) ([]*v1.TaskInstance, error) {
	query := `SELECT data FROM task_instances WHERE 1=1`
	var args []any
	if filter.DagID != "" {
		query += ` AND dag_id = ?`
		args = append(args, filter.DagID)
	}
	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if len(filter.States) > 0 {
		query += ` AND ` + inClause("state", len(filter.States))
		for _, st := range filter.States {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY dag_id, run_id, task_id, map_index`
	return queryAll[v1.TaskInstance](ctx, s.db, query, args...)
}

func (s *Store) CreateCallback(ctx context.Context, cb *v1.Callback) error {
	data, err := encode(cb)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO callbacks (id, state, created_at, data) VALUES (?, ?, ?, ?)`,
		cb.ID.String(), string(cb.State), cb.CreatedAt.UTC().Format(sortableTime), data)
	if isUniqueViolation(err) {
		return fmt.Errorf("callback %s: %w", cb.ID, store.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create callback: %w", err)
	}
	return nil
}

func (s *Store) GetCallback(ctx context.Context, id uuid.UUID) (*v1.Callback, error) {
	return queryOne[v1.Callback](ctx, s.db, "callback "+id.String(),
		`SELECT data FROM callbacks WHERE id = ?`, id.String())
}

func (s *Store) UpdateCallback(ctx context.Context, cb *v1.Callback) error {
	data, err := encode(cb)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE callbacks SET state = ?, data = ? WHERE id = ?`,
		string(cb.State), data, cb.ID.String())
	if err != nil {
		return fmt.Errorf("failed to update callback: %w", err)
	}
	return mustAffect(res, "callback "+cb.ID.String())
}

func (s *Store) ListCallbacks(ctx context.Context, states ...v1.CallbackState) ([]*v1.Callback, error) {
	query := `SELECT data FROM callbacks`
	var args []any
	if len(states) > 0 {
		query += ` WHERE ` + inClause("state", len(states))
		for _, st := range states {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at, id`
	return queryAll[v1.Callback](ctx, s.db, query, args...)
}

func (s *Store) CreateTrigger(ctx context.Context, trigger *v1.Trigger) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO triggers (claimed, data) VALUES (?, '{}')`, boolInt(trigger.Claimed))
	if err != nil {
		return fmt.Errorf("failed to create trigger: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read trigger id: %w", err)
	}

	c := *trigger
	c.ID = id
	data, err := encode(&c)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE triggers SET data = ? WHERE id = ?`, data, id); err != nil {
		return fmt.Errorf("failed to create trigger: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	trigger.ID = id
	return nil
}

func (s *Store) scanTriggers(ctx context.Context, query string, args ...any) ([]*v1.Trigger, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list triggers: %w", err)
	}
	defer rows.Close()

	var out []*v1.Trigger
	for rows.Next() {
		var data string
		var claimed int
		if err := rows.Scan(&data, &claimed); err != nil {
			return nil, fmt.Errorf("failed to scan trigger: %w", err)
		}
		t, err := decode[v1.Trigger](data)
		if err != nil {
			return nil, err
		}
		t.Claimed = claimed != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) GetTrigger(ctx context.Context, id int64) (*v1.Trigger, error) {
	out, err := s.scanTriggers(ctx, `SELECT data, claimed FROM triggers WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("trigger %d: %w", id, store.ErrNotFound)
	}
	return out[0], nil
}

func (s *Store) ListTriggers(ctx context.Context) ([]*v1.Trigger, error) {
	return s.scanTriggers(ctx, `SELECT data, claimed FROM triggers ORDER BY id`)
}

func (s *Store) ClaimTriggers(ctx context.Context, limit int) ([]*v1.Trigger, error) {
	if limit <= 0 {
		return nil, nil
	}
	out, err := s.scanTriggers(ctx, `SELECT data, claimed FROM triggers WHERE claimed = 0 ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	for _, t := range out {
		if _, err := s.db.ExecContext(ctx, `UPDATE triggers SET claimed = 1 WHERE id = ?`, t.ID); err != nil {
			return nil, fmt.Errorf("failed to claim trigger %d: %w", t.ID, err)
		}
		t.Claimed = true
	}
	return out, nil
}

func (s *Store) DeleteTrigger(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete trigger: %w", err)
	}
	return mustAffect(res, fmt.Sprintf("trigger %d", id))
}

func (s *Store) SavePool(ctx context.Context, pool *v1.Pool) error {
	data, err := encode(pool)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pools (name, data) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET data = excluded.data`, pool.Name, data)
	if err != nil {
		return fmt.Errorf("failed to save pool: %w", err)
	}
	return nil
}

func (s *Store) GetPool(ctx context.Context, name string) (*v1.Pool, error) {
	return queryOne[v1.Pool](ctx, s.db, "pool "+name, `SELECT data FROM pools WHERE name = ?`, name)
}

func (s *Store) ListPools(ctx context.Context) ([]*v1.Pool, error) {
	return queryAll[v1.Pool](ctx, s.db, `SELECT data FROM pools ORDER BY name`)
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}
