package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the single SQLite-backed persistence layer. All repositories
// are methods on Store; every multi-row write runs in one transaction.
type Store struct {
	db *sql.DB
}

// migrations are applied in order at open; each version runs at most once.
var migrations = []string{
	// v1: capture
	`CREATE TABLE IF NOT EXISTS source (
		source_id   TEXT PRIMARY KEY,
		source_type TEXT NOT NULL,
		uri         TEXT NOT NULL UNIQUE,
		created_ts  INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS blob (
		blob_id    TEXT PRIMARY KEY,
		sha256     TEXT NOT NULL,
		path       TEXT NOT NULL,
		mime       TEXT NOT NULL DEFAULT '',
		size_bytes INTEGER NOT NULL DEFAULT 0,
		source_id  TEXT NOT NULL REFERENCES source(source_id),
		created_ts INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_blob_sha256 ON blob(sha256);
	CREATE TABLE IF NOT EXISTS file_state (
		path         TEXT PRIMARY KEY,
		mtime_ns     INTEGER NOT NULL,
		size_bytes   INTEGER NOT NULL,
		sha256       TEXT NOT NULL,
		last_seen_ts INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS jobs (
		job_id      TEXT PRIMARY KEY,
		type        TEXT NOT NULL,
		status      TEXT NOT NULL DEFAULT 'queued',
		attempts    INTEGER NOT NULL DEFAULT 0,
		next_run_ts INTEGER NOT NULL,
		payload     TEXT NOT NULL DEFAULT '{}',
		error_text  TEXT NOT NULL DEFAULT '',
		created_ts  INTEGER NOT NULL,
		updated_ts  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_lease ON jobs(status, next_run_ts, created_ts);`,

	// v2: memory cards + FTS + embeddings
	`CREATE TABLE IF NOT EXISTS memory_card (
		memory_id    TEXT PRIMARY KEY,
		type         TEXT NOT NULL DEFAULT 'memory',
		source_time  INTEGER NOT NULL,
		created_at   INTEGER NOT NULL,
		summary      TEXT NOT NULL DEFAULT '',
		content_text TEXT NOT NULL DEFAULT '',
		metadata     TEXT NOT NULL DEFAULT '{}',
		blob_id      TEXT NOT NULL DEFAULT '',
		trace_id     TEXT NOT NULL DEFAULT ''
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_card_blob_trace
		ON memory_card(blob_id, trace_id)
		WHERE blob_id != '' AND trace_id != '';
	CREATE INDEX IF NOT EXISTS idx_card_created ON memory_card(created_at);
	CREATE VIRTUAL TABLE IF NOT EXISTS memory_card_fts USING fts5(
		memory_id UNINDEXED, summary, content_text
	);
	CREATE TABLE IF NOT EXISTS embedding (
		embedding_id TEXT PRIMARY KEY,
		memory_id    TEXT NOT NULL REFERENCES memory_card(memory_id),
		modality     TEXT NOT NULL,
		vector_ref   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_embedding_memory ON embedding(memory_id);`,

	// v3: knowledge graph
	`CREATE TABLE IF NOT EXISTS graph_node (
		node_id    TEXT PRIMARY KEY,
		node_type  TEXT NOT NULL,
		props      TEXT NOT NULL DEFAULT '{}',
		created_ts INTEGER NOT NULL,
		updated_ts INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS graph_edge (
		edge_id    TEXT PRIMARY KEY,
		from_id    TEXT NOT NULL REFERENCES graph_node(node_id),
		to_id      TEXT NOT NULL REFERENCES graph_node(node_id),
		edge_type  TEXT NOT NULL,
		weight     REAL NOT NULL DEFAULT 0.5,
		valid_from INTEGER NOT NULL,
		valid_to   INTEGER,
		provenance TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_edge_from ON graph_edge(from_id);
	CREATE INDEX IF NOT EXISTS idx_edge_to ON graph_edge(to_id);`,

	// v4: execution graph
	`CREATE TABLE IF NOT EXISTS exec_trace (
		trace_id     TEXT PRIMARY KEY,
		started_ts   INTEGER NOT NULL,
		finished_ts  INTEGER,
		status       TEXT NOT NULL DEFAULT 'running',
		root_call_id TEXT NOT NULL DEFAULT '',
		metadata     TEXT NOT NULL DEFAULT '{}'
	);
	CREATE TABLE IF NOT EXISTS exec_node (
		exec_node_id TEXT PRIMARY KEY,
		trace_id     TEXT NOT NULL REFERENCES exec_trace(trace_id),
		call_id      TEXT NOT NULL DEFAULT '',
		tool_name    TEXT NOT NULL DEFAULT '',
		state        TEXT NOT NULL DEFAULT 'pending',
		attempt      INTEGER NOT NULL DEFAULT 1,
		timeout_ms   INTEGER NOT NULL DEFAULT 0,
		started_ts   INTEGER NOT NULL,
		finished_ts  INTEGER,
		error_text   TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_exec_node_trace ON exec_node(trace_id);
	CREATE TABLE IF NOT EXISTS exec_edge (
		from_exec_node TEXT NOT NULL,
		to_exec_node   TEXT NOT NULL,
		condition      TEXT NOT NULL DEFAULT 'on_ok',
		PRIMARY KEY (from_exec_node, to_exec_node)
	);
	CREATE TABLE IF NOT EXISTS tool_call (
		call_id    TEXT PRIMARY KEY,
		tool_name  TEXT NOT NULL,
		trace_id   TEXT NOT NULL DEFAULT '',
		ts         INTEGER NOT NULL,
		inputs     TEXT NOT NULL DEFAULT '{}',
		outputs    TEXT NOT NULL DEFAULT '{}',
		status     TEXT NOT NULL DEFAULT 'ok',
		elapsed_ms INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_tool_call_trace ON tool_call(trace_id);`,

	// v5: conversations + search history
	`CREATE TABLE IF NOT EXISTS conversation (
		conversation_id TEXT PRIMARY KEY,
		title           TEXT NOT NULL DEFAULT '',
		created_at      INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS conversation_turn (
		turn_id         TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversation(conversation_id),
		user_text       TEXT NOT NULL,
		assistant_text  TEXT NOT NULL DEFAULT '',
		verdict         TEXT NOT NULL DEFAULT '',
		trace_id        TEXT NOT NULL DEFAULT '',
		citations_json  TEXT NOT NULL DEFAULT '[]',
		evidence_json   TEXT NOT NULL DEFAULT '[]',
		created_at      INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turn_conversation ON conversation_turn(conversation_id, created_at);
	CREATE TABLE IF NOT EXISTS chat_citation (
		citation_id TEXT PRIMARY KEY,
		turn_id     TEXT NOT NULL REFERENCES conversation_turn(turn_id),
		memory_id   TEXT NOT NULL,
		quote       TEXT NOT NULL DEFAULT '',
		span_start  INTEGER NOT NULL DEFAULT 0,
		span_end    INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS search_query (
		search_id    TEXT PRIMARY KEY,
		query_text   TEXT NOT NULL,
		filters      TEXT NOT NULL DEFAULT '{}',
		result_count INTEGER NOT NULL DEFAULT 0,
		trace_id     TEXT NOT NULL DEFAULT '',
		created_at   INTEGER NOT NULL
	);`,
}

// Open opens (creating if needed) the SQLite database at path and applies
// pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// between the watcher, workers, and handlers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_ts INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for i, stmt := range migrations {
		version := i + 1
		if version <= current {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			if strings.Contains(err.Error(), "no such module: fts5") {
				return fmt.Errorf("migration %d failed: %w (SQLite was compiled without FTS5; build with -tags sqlite_fts5, see Makefile)", version, err)
			}
			return fmt.Errorf("migration %d failed: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, applied_ts) VALUES (?, strftime('%s','now'))`, version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", version, err)
		}
		slog.Debug("applied migration", "version", version)
	}
	return nil
}

// Ping reports database liveness.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
