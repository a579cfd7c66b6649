// Package store persists tasks, LLM usage records, prompt versions,
// feedback, and evaluations in SQLite.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite connection with task-service operations.
type Store struct {
	conn *sql.DB
}

// Open creates or opens a SQLite database at the given path.
// It enables WAL mode, foreign keys, and runs migrations.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// migrate creates or updates the database schema.
func (s *Store) migrate() error {
	schema := `
-- Tasks table: one row per submitted bug-fix task
CREATE TABLE IF NOT EXISTS tasks (
    id                   TEXT PRIMARY KEY,
    user_id              TEXT NOT NULL,
    repo_url             TEXT NOT NULL,
    bug_description      TEXT NOT NULL,
    test_command         TEXT NOT NULL DEFAULT '',
    priority             INTEGER NOT NULL DEFAULT 0,
    status               TEXT NOT NULL,
    progress             INTEGER NOT NULL DEFAULT 0,
    workspace_path       TEXT,
    branch               TEXT,
    pr_url               TEXT,
    fix_summary          TEXT,
    error                TEXT,
    log                  TEXT NOT NULL DEFAULT '',
    test_output          TEXT,
    behavioral_test_path TEXT,
    created_at           DATETIME NOT NULL,
    started_at           DATETIME,
    completed_at         DATETIME,
    updated_at           DATETIME NOT NULL
);

-- Usage records: one row per LLM call attempt, success or error, written
-- before the response is returned to the caller
CREATE TABLE IF NOT EXISTS usage_records (
    id                    INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id               TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    user_id               TEXT NOT NULL,
    purpose               TEXT NOT NULL,
    model                 TEXT NOT NULL,
    prompt_name           TEXT,
    prompt_version        TEXT,
    prompt_schema_version TEXT,
    prompt_tokens         INTEGER NOT NULL,
    completion_tokens     INTEGER NOT NULL,
    total_tokens          INTEGER NOT NULL,
    cost_usd              REAL NOT NULL,
    latency_ms            INTEGER NOT NULL DEFAULT 0,
    status                TEXT NOT NULL DEFAULT 'success',
    error                 TEXT,
    created_at            DATETIME NOT NULL
);

-- Prompt versions: audit trail of which prompt texts were in use,
-- recorded on first use per (name, version)
CREATE TABLE IF NOT EXISTS prompt_versions (
    name           TEXT NOT NULL,
    version        TEXT NOT NULL,
    schema_version TEXT NOT NULL,
    checksum       TEXT NOT NULL,
    first_used_at  DATETIME NOT NULL,
    PRIMARY KEY (name, version)
);

-- Feedback table: user ratings on completed tasks
CREATE TABLE IF NOT EXISTS feedback (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id     TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    rating      INTEGER NOT NULL,
    comment     TEXT,
    created_at  DATETIME NOT NULL
);

-- Evaluation cases: the behavioral test synthesized for a task
CREATE TABLE IF NOT EXISTS evaluation_cases (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id     TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    file_path   TEXT NOT NULL,
    run_command TEXT NOT NULL,
    created_at  DATETIME NOT NULL
);

-- Evaluation results: one verdict per execution or final assessment
CREATE TABLE IF NOT EXISTS evaluation_results (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    case_id      INTEGER REFERENCES evaluation_cases(id) ON DELETE CASCADE,
    task_id      TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    phase        TEXT NOT NULL,
    verdict      TEXT NOT NULL,
    details_json TEXT,
    created_at   DATETIME NOT NULL
);

-- Indexes for common queries
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id);
CREATE INDEX IF NOT EXISTS idx_usage_task ON usage_records(task_id);
CREATE INDEX IF NOT EXISTS idx_usage_user_time ON usage_records(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_eval_results_task ON evaluation_results(task_id);
`

	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}
