// Package persistence owns all durable state of the orchestration kernel:
// agents, tasks, channels, inbox messages, epics, schedules, sessions, and
// the append-only agent log. It is the only package that touches the
// database; every other component holds borrowed views returned from
// transactional reads.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/agent-swarm/internal/bus"
	"github.com/basket/agent-swarm/internal/shared"
)

// DefaultChannelID is the well-known identifier of the seeded channel that
// every deployment starts with.
const DefaultChannelID = "00000000-0000-0000-0000-000000000001"

const defaultChannelName = "general"

// Store is the process-wide handle to the database. One instance per
// process; sqlite serialises writers underneath.
type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

// DefaultDBPath resolves the database location when no config is present.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agent-swarm", "agent-swarm-db.sqlite")
}

// Open opens or creates the database at path, applies the schema, and seeds
// the default channel. The schema application is idempotent and tolerates a
// crash-interrupted prior run.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create db directory: %v", ErrStoreUnavailable, err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite3: %v", ErrStoreUnavailable, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrMigrationFailed, err)
	}
	return store, nil
}

// DB exposes the raw handle for read-model queries in tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("%w: set pragma %q: %v", ErrStoreUnavailable, q, err)
		}
	}
	return nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's 5s
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// ±25% jitter.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
// The error string is matched to avoid importing the sqlite3 package in
// non-CGO code paths.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

// withTx runs fn inside a transaction with busy-retry. On error the
// transaction rolls back and the error is rethrown.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("%w: begin tx: %v", ErrStoreUnavailable, err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: commit: %v", ErrStoreUnavailable, err)
		}
		return nil
	})
}

// migrate applies the schema idempotently: create-if-missing tables,
// additive column migrations with "duplicate column" tolerated, then
// indexes, then seed rows. Each statement is individually atomic so a crash
// mid-migration resumes cleanly on the next boot.
func (s *Store) migrate(ctx context.Context) error {
	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			is_lead INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'idle' CHECK(status IN ('idle', 'busy', 'offline')),
			max_tasks INTEGER NOT NULL DEFAULT 1,
			empty_poll_count INTEGER NOT NULL DEFAULT 0,
			role TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			capabilities TEXT NOT NULL DEFAULT '[]',
			claude_md TEXT NOT NULL DEFAULT '',
			soul_md TEXT NOT NULL DEFAULT '',
			identity_md TEXT NOT NULL DEFAULT '',
			setup_script TEXT NOT NULL DEFAULT '',
			tools_md TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			last_updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS agent_tasks (
			id TEXT PRIMARY KEY,
			agent_id TEXT REFERENCES agents(id) ON DELETE SET NULL,
			creator_agent_id TEXT,
			task TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN (
				'backlog', 'unassigned', 'offered', 'reviewing', 'pending',
				'in_progress', 'paused', 'completed', 'failed', 'cancelled')),
			source TEXT NOT NULL DEFAULT 'api' CHECK(source IN ('mcp', 'slack', 'api', 'github', 'agentmail')),
			task_type TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '[]',
			priority INTEGER NOT NULL DEFAULT 0,
			depends_on TEXT NOT NULL DEFAULT '[]',
			offered_to TEXT,
			offered_at TEXT,
			accepted_at TEXT,
			rejection_reason TEXT,
			slack_channel TEXT,
			slack_thread_ts TEXT,
			github_repo TEXT,
			github_issue_number INTEGER,
			agentmail_thread_id TEXT,
			mention_message_id TEXT,
			mention_channel_id TEXT,
			epic_id TEXT REFERENCES epics(id) ON DELETE SET NULL,
			parent_task_id TEXT,
			claude_session_id TEXT,
			created_at TEXT NOT NULL,
			last_updated_at TEXT NOT NULL,
			finished_at TEXT,
			notified_at TEXT,
			failure_reason TEXT,
			output TEXT,
			progress TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS agent_logs (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			agent_id TEXT,
			task_id TEXT,
			old_value TEXT,
			new_value TEXT,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS channels (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			created_by TEXT REFERENCES agents(id) ON DELETE SET NULL,
			created_at TEXT NOT NULL,
			last_updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS channel_messages (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL REFERENCES channels(id),
			sender_agent_id TEXT,
			content TEXT NOT NULL,
			mentions TEXT NOT NULL DEFAULT '[]',
			parent_message_id TEXT,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS channel_read_states (
			agent_id TEXT NOT NULL,
			channel_id TEXT NOT NULL REFERENCES channels(id),
			last_read_at TEXT NOT NULL,
			processing_since TEXT,
			PRIMARY KEY (agent_id, channel_id)
		);`,
		`CREATE TABLE IF NOT EXISTS inbox_messages (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			content TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT 'api' CHECK(source IN ('mcp', 'slack', 'api', 'github', 'agentmail')),
			status TEXT NOT NULL DEFAULT 'unread' CHECK(status IN ('unread', 'processing', 'read', 'responded', 'delegated')),
			slack_channel TEXT,
			slack_thread_ts TEXT,
			agentmail_thread_id TEXT,
			delegated_to_task_id TEXT,
			response_text TEXT,
			processing_since TEXT,
			created_at TEXT NOT NULL,
			last_updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS epics (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			goal TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'draft' CHECK(status IN ('draft', 'active', 'paused', 'completed', 'cancelled')),
			priority INTEGER NOT NULL DEFAULT 0,
			tags TEXT NOT NULL DEFAULT '[]',
			lead_agent_id TEXT,
			channel_id TEXT REFERENCES channels(id) ON DELETE SET NULL,
			progress_notified_at TEXT,
			created_at TEXT NOT NULL,
			last_updated_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			cron_expression TEXT,
			interval_ms INTEGER,
			task_template TEXT NOT NULL,
			task_type TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '[]',
			priority INTEGER NOT NULL DEFAULT 0,
			target_agent_id TEXT,
			enabled INTEGER NOT NULL DEFAULT 1,
			last_run_at TEXT,
			next_run_at TEXT,
			timezone TEXT NOT NULL DEFAULT 'UTC',
			consecutive_errors INTEGER NOT NULL DEFAULT 0,
			last_error_at TEXT,
			last_error_message TEXT,
			created_at TEXT NOT NULL,
			last_updated_at TEXT NOT NULL,
			CHECK ((cron_expression IS NULL) != (interval_ms IS NULL))
		);`,
		`CREATE TABLE IF NOT EXISTS active_sessions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			task_id TEXT,
			trigger_type TEXT NOT NULL,
			inbox_message_id TEXT,
			task_description TEXT,
			started_at TEXT NOT NULL,
			last_heartbeat_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS session_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL,
			task_id TEXT,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS session_costs (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			task_id TEXT,
			claude_session_id TEXT,
			model TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0.0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS context_versions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			field TEXT NOT NULL,
			content TEXT NOT NULL,
			version INTEGER NOT NULL,
			change_source TEXT NOT NULL DEFAULT 'api' CHECK(change_source IN ('system', 'api', 'self_edit', 'lead_coaching', 'session_sync')),
			changed_by_agent_id TEXT,
			change_reason TEXT,
			content_hash TEXT NOT NULL,
			previous_version_id TEXT,
			created_at TEXT NOT NULL,
			UNIQUE (agent_id, field, version)
		);`,
	}

	for _, stmt := range tableStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Additive column migrations for databases created by earlier builds.
	// "duplicate column name" means the column already exists.
	alterStatements := []struct {
		stmt string
		desc string
	}{
		{stmt: `ALTER TABLE agent_tasks ADD COLUMN claude_session_id TEXT;`, desc: "agent_tasks.claude_session_id"},
		{stmt: `ALTER TABLE agent_tasks ADD COLUMN progress TEXT;`, desc: "agent_tasks.progress"},
		{stmt: `ALTER TABLE inbox_messages ADD COLUMN processing_since TEXT;`, desc: "inbox_messages.processing_since"},
		{stmt: `ALTER TABLE session_costs ADD COLUMN duration_ms INTEGER NOT NULL DEFAULT 0;`, desc: "session_costs.duration_ms"},
		{stmt: `ALTER TABLE scheduled_tasks ADD COLUMN timezone TEXT NOT NULL DEFAULT 'UTC';`, desc: "scheduled_tasks.timezone"},
	}
	for _, a := range alterStatements {
		if _, err := s.db.ExecContext(ctx, a.stmt); err != nil && !strings.Contains(err.Error(), "duplicate column name") {
			return fmt.Errorf("add %s: %w", a.desc, err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_agent_status ON agent_tasks(agent_id, status, priority DESC, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON agent_tasks(status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_offered_to ON agent_tasks(offered_to, status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_epic ON agent_tasks(epic_id);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_notified ON agent_tasks(status, notified_at);`,
		`CREATE INDEX IF NOT EXISTS idx_logs_task ON agent_logs(task_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_logs_agent ON agent_logs(agent_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_channel ON channel_messages(channel_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_inbox_agent_status ON inbox_messages(agent_id, status, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_due ON scheduled_tasks(enabled, next_run_at);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_agent ON active_sessions(agent_id);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_task ON active_sessions(task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_costs_agent ON session_costs(agent_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_context_versions ON context_versions(agent_id, field, version DESC);`,
	}
	for _, stmt := range indexStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	// Seed the default channel.
	now := shared.Now()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (id, name, description, created_at, last_updated_at)
		VALUES (?, ?, 'Shared channel for all agents', ?, ?)
		ON CONFLICT(id) DO NOTHING;
	`, DefaultChannelID, defaultChannelName, now, now); err != nil {
		return fmt.Errorf("seed default channel: %w", err)
	}
	return nil
}

// publish emits a bus event when a bus is attached.
func (s *Store) publish(topic string, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

// --- small scan/marshal helpers shared across entity files ---

func marshalStrings(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalStrings(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

