package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/asaproj/asa/internal/faults"
	"github.com/asaproj/asa/internal/gitops"
	"github.com/asaproj/asa/internal/queue"
	"github.com/asaproj/asa/internal/store"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, &errorResponse{Error: msg})
}

// handleSubmit admits a task. Admission and task-row creation happen before
// the response so a 201 always refers to a persisted, queued task.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req.UserID = strings.TrimSpace(req.UserID)
	req.BugDescription = strings.TrimSpace(req.BugDescription)
	if req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.BugDescription == "" {
		s.writeError(w, http.StatusBadRequest, "bug_description is required")
		return
	}
	if _, err := gitops.ParseRepoURL(req.RepoURL); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	priority := queue.PriorityNormal
	if req.Priority == string(queue.PriorityHigh) {
		priority = queue.PriorityHigh
	}

	job, err := s.queue.Submit(req.UserID, priority)
	if err != nil {
		if faults.IsKind(err, faults.KindQueueFull) {
			reason := rejectionReason(err)
			if s.metrics != nil {
				s.metrics.RecordRejected(reason)
			}
			s.writeJSON(w, http.StatusTooManyRequests, &errorResponse{Error: err.Error(), Reason: reason})
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	task := &store.Task{
		ID:             job.ID,
		UserID:         req.UserID,
		RepoURL:        req.RepoURL,
		BugDescription: req.BugDescription,
		TestCommand:    req.TestCommand,
		Priority:       priorityRank(priority),
	}
	if err := s.store.CreateTask(task); err != nil {
		// the admitted job has no task row to run against; evict it
		if _, cancelErr := s.queue.Cancel(job.ID); cancelErr != nil {
			s.logger.Warn("failed to evict job after store error", zap.Error(cancelErr))
		}
		s.logger.Error("failed to create task", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to persist task")
		return
	}

	if s.metrics != nil {
		s.metrics.RecordSubmitted(string(priority))
	}
	s.logger.Info("task submitted",
		zap.String("task_id", job.ID),
		zap.String("user_id", req.UserID),
		zap.String("priority", string(priority)))

	s.writeJSON(w, http.StatusCreated, toTaskResponse(task))
}

func priorityRank(p queue.Priority) int {
	if p == queue.PriorityHigh {
		return 1
	}
	return 0
}

// rejectionReason pulls the admission gate name out of a queue_full error.
func rejectionReason(err error) string {
	var fe *faults.Error
	if errors.As(err, &fe) {
		if reason, ok := fe.Details["reason"].(string); ok {
			return reason
		}
	}
	return "queue_full"
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	tasks, err := s.store.ListTasks(r.URL.Query().Get("user_id"), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]*taskResponse, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, toTaskResponse(task))
	}
	s.writeJSON(w, http.StatusOK, out)
}

// loadTask fetches the task for the path's {id}, writing the error response
// itself when the task cannot be served.
func (s *Server) loadTask(w http.ResponseWriter, r *http.Request) *store.Task {
	id := r.PathValue("id")
	task, err := s.store.GetTask(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return nil
	}
	if task == nil {
		s.writeError(w, http.StatusNotFound, "unknown task: "+id)
		return nil
	}
	return task
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	task := s.loadTask(w, r)
	if task == nil {
		return
	}
	s.writeJSON(w, http.StatusOK, toTaskResponse(task))
}

// handleCancel requests cancellation. Queued tasks stop immediately,
// running tasks stop at their next state boundary; either way the request
// is accepted, not completed, so the response is 202.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	task := s.loadTask(w, r)
	if task == nil {
		return
	}
	if task.Status.Terminal() {
		s.writeError(w, http.StatusConflict, "task already finished with status "+string(task.Status))
		return
	}

	jobStatus, err := s.queue.Cancel(task.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if jobStatus == queue.JobCancelled {
		// never dequeued, so no worker will persist the terminal row
		if err := s.store.UpdateTaskStatus(task.ID, store.StatusCancelled, 0, nil); err != nil {
			s.logger.Warn("failed to persist cancellation", zap.Error(err))
		}
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": task.ID,
		"status":  string(jobStatus),
	})
}

// handleLogs serves the execution log as plain text. A tail query parameter
// limits the response to the last N lines.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	task := s.loadTask(w, r)
	if task == nil {
		return
	}

	logText := task.Log
	if tailStr := r.URL.Query().Get("tail"); tailStr != "" {
		n, err := strconv.Atoi(tailStr)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "tail must be a non-negative integer")
			return
		}
		logText = tailLines(logText, n)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(logText))
}

func tailLines(text string, n int) string {
	if n == 0 {
		return ""
	}
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n") + "\n"
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	task := s.loadTask(w, r)
	if task == nil {
		return
	}

	var duration float64
	if task.StartedAt != nil {
		end := time.Now().UTC()
		if task.CompletedAt != nil {
			end = *task.CompletedAt
		}
		duration = end.Sub(*task.StartedAt).Seconds()
	}

	s.writeJSON(w, http.StatusOK, &progressResponse{
		Status:             string(task.Status),
		ProgressPercentage: task.Progress,
		DurationSeconds:    duration,
		CurrentStep:        string(task.Status),
	})
}

// handleJob reports the queue's view of the task: admission status and
// timing. Terminal handles are retained for a TTL; once one ages out the
// status reads expired and timing falls back to the task row.
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	task := s.loadTask(w, r)
	if task == nil {
		return
	}

	job := s.queue.Get(task.ID)
	if job == nil {
		s.writeJSON(w, http.StatusOK, &jobResponse{
			TaskID:     task.ID,
			Status:     string(queue.JobExpired),
			EnqueuedAt: &task.CreatedAt,
			StartedAt:  task.StartedAt,
			FinishedAt: task.CompletedAt,
		})
		return
	}

	resp := &jobResponse{
		TaskID:     task.ID,
		Status:     string(job.Status()),
		Priority:   string(job.Priority),
		EnqueuedAt: &job.EnqueuedAt,
	}
	if started := job.StartedAt(); !started.IsZero() {
		resp.StartedAt = &started
	}
	if finished := job.FinishedAt(); !finished.IsZero() {
		resp.FinishedAt = &finished
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePR(w http.ResponseWriter, r *http.Request) {
	task := s.loadTask(w, r)
	if task == nil {
		return
	}
	s.writeJSON(w, http.StatusOK, &prResponse{
		TaskID: task.ID,
		Branch: task.Branch,
		PRURL:  task.PRURL,
		HasPR:  task.PRURL != nil,
	})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	task := s.loadTask(w, r)
	if task == nil {
		return
	}
	summary, err := s.store.TaskUsageSummary(task.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, &usageResponse{
		UsageSummary:   summary,
		TokenBudgetPct: budgetPct(float64(summary.TotalTokens), float64(s.cfg.Budget.MaxTokensPerTask)),
		CostBudgetPct:  budgetPct(summary.TotalCost, s.cfg.Budget.MaxCostPerTaskUSD),
	})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	task := s.loadTask(w, r)
	if task == nil {
		return
	}

	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	fb := &store.Feedback{TaskID: task.ID, Rating: req.Rating, Comment: req.Comment}
	if err := s.store.AddFeedback(fb); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"id": fb.ID, "task_id": fb.TaskID})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountTasksByStatus()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"queue":   s.queue.Stats(),
		"tasks":   counts,
		"workers": s.cfg.Workers,
		"limits": map[string]int{
			"max_queue_size":          s.cfg.Queue.MaxQueueSize,
			"max_concurrent_jobs":     s.cfg.Queue.MaxConcurrentJobs,
			"max_per_user_concurrent": s.cfg.Queue.MaxPerUserConcurrent,
		},
	})
}

// budgetPct reports used as a percentage of limit, clamped to 100.
func budgetPct(used, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	pct := used / limit * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
