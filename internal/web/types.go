package web

import (
	"time"

	"github.com/asaproj/asa/internal/store"
)

// submitRequest is the body of POST /api/tasks.
type submitRequest struct {
	UserID         string `json:"user_id"`
	RepoURL        string `json:"repo_url"`
	BugDescription string `json:"bug_description"`
	TestCommand    string `json:"test_command,omitempty"`
	Priority       string `json:"priority,omitempty"`
}

// taskResponse is the client view of a task. The execution log is served
// separately by the logs endpoint.
type taskResponse struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	RepoURL        string     `json:"repo_url"`
	BugDescription string     `json:"bug_description"`
	TestCommand    string     `json:"test_command,omitempty"`
	Priority       int        `json:"priority"`
	Status         string     `json:"status"`
	Progress       int        `json:"progress"`
	Branch         *string    `json:"branch,omitempty"`
	PRURL          *string    `json:"pr_url,omitempty"`
	FixSummary     *string    `json:"fix_summary,omitempty"`
	Error          *string    `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func toTaskResponse(task *store.Task) *taskResponse {
	return &taskResponse{
		ID:             task.ID,
		UserID:         task.UserID,
		RepoURL:        task.RepoURL,
		BugDescription: task.BugDescription,
		TestCommand:    task.TestCommand,
		Priority:       task.Priority,
		Status:         string(task.Status),
		Progress:       task.Progress,
		Branch:         task.Branch,
		PRURL:          task.PRURL,
		FixSummary:     task.FixSummary,
		Error:          task.Error,
		CreatedAt:      task.CreatedAt,
		StartedAt:      task.StartedAt,
		CompletedAt:    task.CompletedAt,
		UpdatedAt:      task.UpdatedAt,
	}
}

// progressResponse is the body of GET /api/tasks/{id}/progress.
type progressResponse struct {
	Status             string  `json:"status"`
	ProgressPercentage int     `json:"progress_percentage"`
	DurationSeconds    float64 `json:"duration_seconds"`
	CurrentStep        string  `json:"current_step"`
}

// jobResponse is the body of GET /api/tasks/{id}/job: the queue's view of
// the submission. Priority is omitted once the handle has aged out.
type jobResponse struct {
	TaskID     string     `json:"task_id"`
	Status     string     `json:"status"`
	Priority   string     `json:"priority,omitempty"`
	EnqueuedAt *time.Time `json:"enqueued_at,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// prResponse is the body of GET /api/tasks/{id}/pr.
type prResponse struct {
	TaskID string  `json:"task_id"`
	Branch *string `json:"branch,omitempty"`
	PRURL  *string `json:"pr_url,omitempty"`
	HasPR  bool    `json:"has_pr"`
}

// usageResponse wraps the store's usage aggregate with how much of each
// budget the task has consumed.
type usageResponse struct {
	*store.UsageSummary
	TokenBudgetPct float64 `json:"token_budget_pct"`
	CostBudgetPct  float64 `json:"cost_budget_pct"`
}

// feedbackRequest is the body of POST /api/tasks/{id}/feedback.
type feedbackRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment,omitempty"`
}

// errorResponse is the uniform error body. Reason is set on admission
// rejections so clients can distinguish the gate that bounced them.
type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}
