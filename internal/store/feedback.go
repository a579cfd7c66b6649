package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Feedback is a user rating of a completed task.
type Feedback struct {
	ID        int64
	TaskID    string
	Rating    int
	Comment   string
	CreatedAt time.Time
}

// EvaluationCase is the behavioral test synthesized for a task: a test file
// written into the workspace plus the command that runs it.
type EvaluationCase struct {
	ID         int64
	TaskID     string
	FilePath   string
	RunCommand string
	CreatedAt  time.Time
}

// EvaluationResult is one recorded verdict about a task's fix. Results tied
// to a behavioral test carry its case ID; final assessments may not.
type EvaluationResult struct {
	ID          int64
	CaseID      *int64
	TaskID      string
	Phase       string
	Verdict     string
	DetailsJSON string
	CreatedAt   time.Time
}

// AddFeedback records a rating for a task. Ratings run 1 to 5.
func (s *Store) AddFeedback(fb *Feedback) error {
	if fb.Rating < 1 || fb.Rating > 5 {
		return fmt.Errorf("rating must be between 1 and 5, got %d", fb.Rating)
	}
	fb.CreatedAt = time.Now().UTC()

	result, err := s.conn.Exec(
		`INSERT INTO feedback (task_id, rating, comment, created_at) VALUES (?, ?, ?, ?)`,
		fb.TaskID, fb.Rating, fb.Comment, fb.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add feedback: %w", err)
	}
	fb.ID, _ = result.LastInsertId()
	return nil
}

// ListFeedback returns feedback for a task, oldest first.
func (s *Store) ListFeedback(taskID string) ([]*Feedback, error) {
	rows, err := s.conn.Query(
		`SELECT id, task_id, rating, comment, created_at FROM feedback WHERE task_id = ? ORDER BY id`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}
	defer rows.Close()

	var out []*Feedback
	for rows.Next() {
		fb := &Feedback{}
		if err := rows.Scan(&fb.ID, &fb.TaskID, &fb.Rating, &fb.Comment, &fb.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan feedback: %w", err)
		}
		out = append(out, fb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating feedback: %w", err)
	}
	return out, nil
}

// AddEvaluationCase records the behavioral test written for a task.
func (s *Store) AddEvaluationCase(ec *EvaluationCase) error {
	ec.CreatedAt = time.Now().UTC()

	result, err := s.conn.Exec(
		`INSERT INTO evaluation_cases (task_id, file_path, run_command, created_at) VALUES (?, ?, ?, ?)`,
		ec.TaskID, ec.FilePath, ec.RunCommand, ec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add evaluation case: %w", err)
	}
	ec.ID, _ = result.LastInsertId()
	return nil
}

// GetEvaluationCase returns the behavioral test for a task, or nil, nil if
// none was synthesized.
func (s *Store) GetEvaluationCase(taskID string) (*EvaluationCase, error) {
	ec := &EvaluationCase{}
	err := s.conn.QueryRow(
		`SELECT id, task_id, file_path, run_command, created_at
		 FROM evaluation_cases WHERE task_id = ? ORDER BY id DESC LIMIT 1`,
		taskID,
	).Scan(&ec.ID, &ec.TaskID, &ec.FilePath, &ec.RunCommand, &ec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get evaluation case: %w", err)
	}
	return ec, nil
}

// AddEvaluationResult records a verdict for a task.
func (s *Store) AddEvaluationResult(er *EvaluationResult) error {
	er.CreatedAt = time.Now().UTC()

	result, err := s.conn.Exec(
		`INSERT INTO evaluation_results (case_id, task_id, phase, verdict, details_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		er.CaseID, er.TaskID, er.Phase, er.Verdict, er.DetailsJSON, er.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add evaluation result: %w", err)
	}
	er.ID, _ = result.LastInsertId()
	return nil
}

// ListEvaluationResults returns a task's verdicts, oldest first.
func (s *Store) ListEvaluationResults(taskID string) ([]*EvaluationResult, error) {
	rows, err := s.conn.Query(
		`SELECT id, case_id, task_id, phase, verdict, details_json, created_at
		 FROM evaluation_results WHERE task_id = ? ORDER BY id`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list evaluation results: %w", err)
	}
	defer rows.Close()

	var out []*EvaluationResult
	for rows.Next() {
		er := &EvaluationResult{}
		var details sql.NullString
		if err := rows.Scan(&er.ID, &er.CaseID, &er.TaskID, &er.Phase, &er.Verdict, &details, &er.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan evaluation result: %w", err)
		}
		er.DetailsJSON = details.String
		out = append(out, er)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating evaluation results: %w", err)
	}
	return out, nil
}
