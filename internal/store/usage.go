package store

import (
	"fmt"
	"time"
)

// UsageRecord is one LLM call attempt's accounting row. Every attempt is
// written, failures included, so budget checks never undercount.
type UsageRecord struct {
	ID                  int64
	TaskID              string
	UserID              string
	Purpose             string
	Model               string
	PromptName          string
	PromptVersion       string
	PromptSchemaVersion string
	PromptTokens        int
	CompletionTokens    int
	TotalTokens         int
	CostUSD             float64
	LatencyMS           int64
	Status              string
	Error               string
	CreatedAt           time.Time
}

// RecordUsage inserts a usage record. TotalTokens is derived from the
// prompt and completion counts when left zero, and Status defaults to
// "success".
func (s *Store) RecordUsage(rec *UsageRecord) error {
	rec.CreatedAt = time.Now().UTC()
	if rec.TotalTokens == 0 {
		rec.TotalTokens = rec.PromptTokens + rec.CompletionTokens
	}
	if rec.Status == "" {
		rec.Status = "success"
	}

	query := `
		INSERT INTO usage_records (
			task_id, user_id, purpose, model, prompt_name, prompt_version,
			prompt_schema_version, prompt_tokens, completion_tokens,
			total_tokens, cost_usd, latency_ms, status, error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.conn.Exec(
		query,
		rec.TaskID,
		rec.UserID,
		rec.Purpose,
		rec.Model,
		rec.PromptName,
		rec.PromptVersion,
		rec.PromptSchemaVersion,
		rec.PromptTokens,
		rec.CompletionTokens,
		rec.TotalTokens,
		rec.CostUSD,
		rec.LatencyMS,
		rec.Status,
		rec.Error,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	rec.ID, _ = result.LastInsertId()
	return nil
}

// TaskTokens returns the total tokens consumed by a task so far.
func (s *Store) TaskTokens(taskID string) (int, error) {
	var total int
	err := s.conn.QueryRow(
		`SELECT COALESCE(SUM(total_tokens), 0) FROM usage_records WHERE task_id = ?`,
		taskID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum task tokens: %w", err)
	}
	return total, nil
}

// TaskCost returns the total cost in USD consumed by a task so far.
func (s *Store) TaskCost(taskID string) (float64, error) {
	var total float64
	err := s.conn.QueryRow(
		`SELECT COALESCE(SUM(cost_usd), 0) FROM usage_records WHERE task_id = ?`,
		taskID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum task cost: %w", err)
	}
	return total, nil
}

// UserCostSince returns a user's total cost in USD since the given time.
func (s *Store) UserCostSince(userID string, since time.Time) (float64, error) {
	var total float64
	err := s.conn.QueryRow(
		`SELECT COALESCE(SUM(cost_usd), 0) FROM usage_records WHERE user_id = ? AND created_at >= ?`,
		userID, since,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum user cost: %w", err)
	}
	return total, nil
}

// UsageSummary aggregates a task's usage for the usage endpoint.
type UsageSummary struct {
	TaskID      string         `json:"task_id"`
	Calls       int            `json:"calls"`
	TotalTokens int            `json:"total_tokens"`
	TotalCost   float64        `json:"total_cost_usd"`
	ByPurpose   map[string]int `json:"calls_by_purpose"`
}

// TaskUsageSummary returns the aggregate usage for a task.
func (s *Store) TaskUsageSummary(taskID string) (*UsageSummary, error) {
	summary := &UsageSummary{TaskID: taskID, ByPurpose: make(map[string]int)}

	err := s.conn.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_records WHERE task_id = ?`,
		taskID,
	).Scan(&summary.Calls, &summary.TotalTokens, &summary.TotalCost)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}

	rows, err := s.conn.Query(
		`SELECT purpose, COUNT(*) FROM usage_records WHERE task_id = ? GROUP BY purpose`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to group usage by purpose: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var purpose string
		var n int
		if err := rows.Scan(&purpose, &n); err != nil {
			return nil, fmt.Errorf("failed to scan usage group: %w", err)
		}
		summary.ByPurpose[purpose] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage groups: %w", err)
	}
	return summary, nil
}

// PromptVersion is one prompt revision the service has used, identified by
// name and semantic version.
type PromptVersion struct {
	Name          string
	Version       string
	SchemaVersion string
	Checksum      string
	FirstUsedAt   time.Time
}

// RecordPromptVersion notes that a prompt revision is in use. Repeat calls
// for the same name and version are no-ops.
func (s *Store) RecordPromptVersion(name, version, schemaVersion, checksum string) error {
	_, err := s.conn.Exec(
		`INSERT OR IGNORE INTO prompt_versions (name, version, schema_version, checksum, first_used_at)
		 VALUES (?, ?, ?, ?, ?)`,
		name, version, schemaVersion, checksum, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record prompt version: %w", err)
	}
	return nil
}

// ListPromptVersions returns every prompt revision seen so far.
func (s *Store) ListPromptVersions() ([]*PromptVersion, error) {
	rows, err := s.conn.Query(
		`SELECT name, version, schema_version, checksum, first_used_at
		 FROM prompt_versions ORDER BY name, version`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list prompt versions: %w", err)
	}
	defer rows.Close()

	var out []*PromptVersion
	for rows.Next() {
		pv := &PromptVersion{}
		if err := rows.Scan(&pv.Name, &pv.Version, &pv.SchemaVersion, &pv.Checksum, &pv.FirstUsedAt); err != nil {
			return nil, fmt.Errorf("failed to scan prompt version: %w", err)
		}
		out = append(out, pv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating prompt versions: %w", err)
	}
	return out, nil
}
