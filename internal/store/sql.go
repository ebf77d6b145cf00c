// Package store owns the daemon's persistence clients: a SQL store
// (sqlite for single-node deployments, postgres for clustered ones) and a
// Redis-backed KV/pub-sub store for ephemeral coordination channels. It is
// grounded on the predecessor's internal/database/database.go, generalized
// from the predecessor's fixed sqlite-only providers/agents schema into a
// driver-agnostic store serving patterns, tasks, rl_experiences,
// context_snapshots and the worker roster named in SPEC_FULL.md.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/jordanhubbard/loomd/internal/apperrors"
)

// Driver identifies which SQL backend a SQLStore was opened against.
type Driver string

const (
	DriverSQLite   Driver = "sqlite3"
	DriverPostgres Driver = "postgres"
)

// SQLStore wraps a *sql.DB with the connection pool tuning and schema
// migration the daemon needs, independent of which backend is in use.
type SQLStore struct {
	db     *sql.DB
	driver Driver
}

// OpenSQLite opens (creating if absent) a sqlite database at path and runs
// migrations. Sqlite's single-writer model caps the pool at one connection.
func OpenSQLite(path string) (*SQLStore, error) {
	db, err := sql.Open(string(DriverSQLite), path+"?_journal=WAL&_timeout=5000&_fk=true")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, "open sqlite store", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	s := &SQLStore{db: db, driver: DriverSQLite}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres opens a postgres connection pool against dsn and runs
// migrations. Intended for multi-node deployments per SPEC_FULL.md's
// domain-stack table.
func OpenPostgres(dsn string) (*SQLStore, error) {
	db, err := sql.Open(string(DriverPostgres), dsn)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, "open postgres store", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	s := &SQLStore{db: db, driver: DriverPostgres}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB returns the underlying connection pool for components that need
// direct access (patterns, tasks, rl) to run their own prepared queries.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Driver reports which backend this store was opened against, since a few
// queries (UPSERT syntax, placeholder style) differ between sqlite and postgres.
func (s *SQLStore) Driver() Driver { return s.driver }

// Placeholder returns the positional-parameter placeholder for position n
// (1-based), "?" for sqlite and "$n" for postgres.
func (s *SQLStore) Placeholder(n int) string {
	if s.driver == DriverPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return apperrors.Wrap(apperrors.Transport, "store ping", err)
	}
	return nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS patterns (
		id TEXT PRIMARY KEY,
		agent_id TEXT,
		pattern_type TEXT NOT NULL,
		content TEXT NOT NULL,
		embedding BLOB,
		success_count INTEGER NOT NULL DEFAULT 0,
		failure_count INTEGER NOT NULL DEFAULT 0,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_patterns_type ON patterns(pattern_type)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		priority TEXT NOT NULL,
		state TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		terminated_at TIMESTAMP,
		assigned_agent TEXT,
		output TEXT,
		error TEXT,
		tokens_used INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state)`,
	`CREATE TABLE IF NOT EXISTS rl_experiences (
		id TEXT PRIMARY KEY,
		algorithm TEXT NOT NULL,
		state_json TEXT NOT NULL,
		action_json TEXT NOT NULL,
		reward REAL NOT NULL,
		next_state_json TEXT NOT NULL,
		done INTEGER NOT NULL,
		recorded_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rl_experiences_algorithm ON rl_experiences(algorithm)`,
	`CREATE TABLE IF NOT EXISTS context_snapshots (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		task_id TEXT,
		raw_tokens INTEGER NOT NULL,
		compressed_tokens INTEGER NOT NULL,
		strategy TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_context_snapshots_agent ON context_snapshots(agent_id)`,
	`CREATE TABLE IF NOT EXISTS workers (
		id TEXT PRIMARY KEY,
		role TEXT NOT NULL,
		status TEXT NOT NULL,
		connected_at TIMESTAMP NOT NULL,
		last_seen_at TIMESTAMP NOT NULL,
		success_count INTEGER NOT NULL DEFAULT 0,
		failure_count INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workers_role ON workers(role)`,
	`CREATE TABLE IF NOT EXISTS token_ledgers (
		agent_id TEXT PRIMARY KEY,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		context_tokens INTEGER NOT NULL DEFAULT 0,
		message_count INTEGER NOT NULL DEFAULT 0,
		peak_context_tokens INTEGER NOT NULL DEFAULT 0,
		compression_savings INTEGER NOT NULL DEFAULT 0
	)`,
}

// postgresSchema mirrors sqliteSchema with postgres-native types (BYTEA,
// BOOLEAN, BIGSERIAL-free TEXT ids kept identical so queries stay portable).
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS patterns (
		id TEXT PRIMARY KEY,
		agent_id TEXT,
		pattern_type TEXT NOT NULL,
		content TEXT NOT NULL,
		embedding BYTEA,
		success_count BIGINT NOT NULL DEFAULT 0,
		failure_count BIGINT NOT NULL DEFAULT 0,
		metadata TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_patterns_type ON patterns(pattern_type)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		priority TEXT NOT NULL,
		state TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		terminated_at TIMESTAMPTZ,
		assigned_agent TEXT,
		output TEXT,
		error TEXT,
		tokens_used BIGINT NOT NULL DEFAULT 0,
		duration_ms BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state)`,
	`CREATE TABLE IF NOT EXISTS rl_experiences (
		id TEXT PRIMARY KEY,
		algorithm TEXT NOT NULL,
		state_json TEXT NOT NULL,
		action_json TEXT NOT NULL,
		reward DOUBLE PRECISION NOT NULL,
		next_state_json TEXT NOT NULL,
		done BOOLEAN NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rl_experiences_algorithm ON rl_experiences(algorithm)`,
	`CREATE TABLE IF NOT EXISTS context_snapshots (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		task_id TEXT,
		raw_tokens BIGINT NOT NULL,
		compressed_tokens BIGINT NOT NULL,
		strategy TEXT,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_context_snapshots_agent ON context_snapshots(agent_id)`,
	`CREATE TABLE IF NOT EXISTS workers (
		id TEXT PRIMARY KEY,
		role TEXT NOT NULL,
		status TEXT NOT NULL,
		connected_at TIMESTAMPTZ NOT NULL,
		last_seen_at TIMESTAMPTZ NOT NULL,
		success_count BIGINT NOT NULL DEFAULT 0,
		failure_count BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workers_role ON workers(role)`,
	`CREATE TABLE IF NOT EXISTS token_ledgers (
		agent_id TEXT PRIMARY KEY,
		input_tokens BIGINT NOT NULL DEFAULT 0,
		output_tokens BIGINT NOT NULL DEFAULT 0,
		context_tokens BIGINT NOT NULL DEFAULT 0,
		message_count BIGINT NOT NULL DEFAULT 0,
		peak_context_tokens BIGINT NOT NULL DEFAULT 0,
		compression_savings BIGINT NOT NULL DEFAULT 0
	)`,
}

func (s *SQLStore) migrate(ctx context.Context) error {
	stmts := sqliteSchema
	if s.driver == DriverPostgres {
		stmts = postgresSchema
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return apperrors.Wrap(apperrors.Internal, "run migration", err)
		}
	}
	return nil
}
