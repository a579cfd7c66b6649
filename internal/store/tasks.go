package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Status is a task's lifecycle status as reported to clients. While a task
// runs, the status mirrors the pipeline state it is in.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusTimeout   Status = "TIMEOUT"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status is a final one.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout || s == StatusCancelled
}

// Task is one submitted bug-fix request and everything recorded about it.
// The task's ID is also its job handle in the queue.
type Task struct {
	ID             string
	UserID         string
	RepoURL        string
	BugDescription string
	TestCommand    string
	Priority       int
	Status         Status
	Progress       int

	// WorkspacePath is set once the clone succeeds and never changes
	// afterward.
	WorkspacePath *string

	Branch     *string
	PRURL      *string
	FixSummary *string
	Error      *string
	Log        string

	// TestOutput holds the tail of the most recent test run.
	TestOutput *string

	// BehavioralTestPath is the workspace-relative path of the synthesized
	// reproduction test, when one was written.
	BehavioralTestPath *string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

const taskColumns = `id, user_id, repo_url, bug_description, test_command,
       priority, status, progress, workspace_path, branch, pr_url,
       fix_summary, error, log, test_output, behavioral_test_path,
       created_at, started_at, completed_at, updated_at`

// CreateTask inserts a new task in QUEUED status.
func (s *Store) CreateTask(task *Task) error {
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = StatusQueued
	}

	query := `
		INSERT INTO tasks (
			id, user_id, repo_url, bug_description, test_command,
			priority, status, progress, workspace_path, branch, pr_url,
			fix_summary, error, log, test_output, behavioral_test_path,
			created_at, started_at, completed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.conn.Exec(
		query,
		task.ID,
		task.UserID,
		task.RepoURL,
		task.BugDescription,
		task.TestCommand,
		task.Priority,
		task.Status,
		task.Progress,
		task.WorkspacePath,
		task.Branch,
		task.PRURL,
		task.FixSummary,
		task.Error,
		task.Log,
		task.TestOutput,
		task.BehavioralTestPath,
		task.CreatedAt,
		task.StartedAt,
		task.CompletedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by its ID.
// Returns nil, nil if the task does not exist.
func (s *Store) GetTask(id string) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`

	task := &Task{}
	err := s.conn.QueryRow(query, id).Scan(
		&task.ID,
		&task.UserID,
		&task.RepoURL,
		&task.BugDescription,
		&task.TestCommand,
		&task.Priority,
		&task.Status,
		&task.Progress,
		&task.WorkspacePath,
		&task.Branch,
		&task.PRURL,
		&task.FixSummary,
		&task.Error,
		&task.Log,
		&task.TestOutput,
		&task.BehavioralTestPath,
		&task.CreatedAt,
		&task.StartedAt,
		&task.CompletedAt,
		&task.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// ListTasks returns tasks ordered newest first, optionally filtered by user.
func (s *Store) ListTasks(userID string, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []interface{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task := &Task{}
		err := rows.Scan(
			&task.ID,
			&task.UserID,
			&task.RepoURL,
			&task.BugDescription,
			&task.TestCommand,
			&task.Priority,
			&task.Status,
			&task.Progress,
			&task.WorkspacePath,
			&task.Branch,
			&task.PRURL,
			&task.FixSummary,
			&task.Error,
			&task.Log,
			&task.TestOutput,
			&task.BehavioralTestPath,
			&task.CreatedAt,
			&task.StartedAt,
			&task.CompletedAt,
			&task.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// UpdateTaskStatus records a status and progress change. Sets started_at on
// the first non-queued status and completed_at on terminal statuses.
func (s *Store) UpdateTaskStatus(id string, status Status, progress int, taskErr *string) error {
	now := time.Now().UTC()

	var query string
	var args []interface{}
	if status.Terminal() {
		query = `UPDATE tasks SET status = ?, progress = ?, error = ?, completed_at = ?, updated_at = ? WHERE id = ?`
		args = []interface{}{status, progress, taskErr, now, now, id}
	} else if status == StatusQueued {
		query = `UPDATE tasks SET status = ?, progress = ?, error = ?, updated_at = ? WHERE id = ?`
		args = []interface{}{status, progress, taskErr, now, id}
	} else {
		query = `UPDATE tasks SET status = ?, progress = ?, error = ?, updated_at = ?,
			started_at = COALESCE(started_at, ?) WHERE id = ?`
		args = []interface{}{status, progress, taskErr, now, now, id}
	}

	result, err := s.conn.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("task not found: %s", id)
	}
	return nil
}

// UpdateTaskResult records the fix outcome fields.
func (s *Store) UpdateTaskResult(id string, branch, prURL, fixSummary *string) error {
	query := `UPDATE tasks SET branch = ?, pr_url = ?, fix_summary = ?, updated_at = ? WHERE id = ?`
	result, err := s.conn.Exec(query, branch, prURL, fixSummary, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update task result: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("task not found: %s", id)
	}
	return nil
}

// SetTaskWorkspace records the workspace directory. The path is written
// once; later calls against a task that already has one leave it unchanged.
func (s *Store) SetTaskWorkspace(id, path string) error {
	query := `UPDATE tasks SET workspace_path = COALESCE(workspace_path, ?), updated_at = ? WHERE id = ?`
	return s.execTask(query, "set workspace", path, time.Now().UTC(), id)
}

// SetTaskTestOutput replaces the stored tail of the most recent test run.
func (s *Store) SetTaskTestOutput(id, output string) error {
	query := `UPDATE tasks SET test_output = ?, updated_at = ? WHERE id = ?`
	return s.execTask(query, "set test output", output, time.Now().UTC(), id)
}

// SetTaskBehavioralTest records where the synthesized reproduction test
// was written, relative to the workspace.
func (s *Store) SetTaskBehavioralTest(id, path string) error {
	query := `UPDATE tasks SET behavioral_test_path = ?, updated_at = ? WHERE id = ?`
	return s.execTask(query, "set behavioral test", path, time.Now().UTC(), id)
}

func (s *Store) execTask(query, op string, args ...interface{}) error {
	result, err := s.conn.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("task not found: %s", args[len(args)-1])
	}
	return nil
}

// AppendLog appends text to the task's execution log and bumps updated_at,
// which watchers use as their change signal.
func (s *Store) AppendLog(id, text string) error {
	query := `UPDATE tasks SET log = log || ?, updated_at = ? WHERE id = ?`
	result, err := s.conn.Exec(query, text, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("task not found: %s", id)
	}
	return nil
}

// CountTasksByStatus returns a status histogram for the stats endpoint.
func (s *Store) CountTasksByStatus() (map[Status]int, error) {
	rows, err := s.conn.Query(`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counts: %w", err)
	}
	return counts, nil
}
