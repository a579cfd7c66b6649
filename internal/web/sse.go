package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/asaproj/asa/internal/store"
)

// handleEvents streams one task's lifecycle over SSE. The client gets an
// immediate snapshot, an update event whenever the task row changes, and a
// single final event when the task reaches a terminal status, after which
// the stream closes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	task := s.loadTask(w, r)
	if task == nil {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	if task.Status.Terminal() {
		s.sendEvent(w, flusher, "final", task)
		return
	}
	s.sendEvent(w, flusher, "snapshot", task)

	// updated_at is bumped by every status change and log append, so it is
	// the change signal.
	lastSeen := task.UpdatedAt

	ticker := time.NewTicker(s.watchPoll)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		current, err := s.store.GetTask(task.ID)
		if err != nil || current == nil {
			s.logger.Warn("task vanished during event stream",
				zap.String("task_id", task.ID), zap.Error(err))
			return
		}

		if current.Status.Terminal() {
			s.sendEvent(w, flusher, "final", current)
			return
		}
		if current.UpdatedAt.After(lastSeen) {
			lastSeen = current.UpdatedAt
			s.sendEvent(w, flusher, "update", current)
		}
	}
}

func (s *Server) sendEvent(w http.ResponseWriter, flusher http.Flusher, event string, task *store.Task) {
	data, err := json.Marshal(toTaskResponse(task))
	if err != nil {
		s.logger.Warn("failed to encode event", zap.Error(err))
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}
