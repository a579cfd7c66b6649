// Package queue admits, orders, and hands out bug-fix jobs. Admission is
// all-or-nothing under one lock so capacity checks and enqueue are atomic.
package queue

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	gocache "github.com/patrickmn/go-cache"

	"github.com/asaproj/asa/internal/config"
	"github.com/asaproj/asa/internal/faults"
)

// Priority orders jobs within the queue.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

// JobStatus is the queue's view of a job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobFinished  JobStatus = "finished"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"

	// JobExpired is never held by a live handle; it is the status reported
	// for jobs whose handle aged out of TTL retention.
	JobExpired JobStatus = "expired"
)

// Terminal reports whether the status is a final one.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobFinished, JobFailed, JobCancelled, JobExpired:
		return true
	}
	return false
}

// Job is one admitted unit of work. The job ID doubles as the task ID
// everywhere else in the system.
type Job struct {
	ID         string
	UserID     string
	Priority   Priority
	EnqueuedAt time.Time

	mu         sync.Mutex
	status     JobStatus
	startedAt  time.Time
	finishedAt time.Time
	cancelCh   chan struct{}
}

// Status returns the job's current queue status.
func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// StartedAt returns when a worker picked the job up, or the zero time
// while it is still queued.
func (j *Job) StartedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.startedAt
}

// FinishedAt returns when the job reached a terminal status, or the zero
// time while it is still queued or running.
func (j *Job) FinishedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finishedAt
}

// CancelRequested reports whether cancellation has been requested.
func (j *Job) CancelRequested() bool {
	select {
	case <-j.cancelCh:
		return true
	default:
		return false
	}
}

// CancelChan returns a channel closed when cancellation is requested.
func (j *Job) CancelChan() <-chan struct{} {
	return j.cancelCh
}

func (j *Job) setStatus(s JobStatus) {
	j.mu.Lock()
	j.status = s
	if s.Terminal() {
		j.finishedAt = time.Now().UTC()
	}
	j.mu.Unlock()
}

func (j *Job) setStarted() {
	j.mu.Lock()
	j.status = JobRunning
	j.startedAt = time.Now().UTC()
	j.mu.Unlock()
}

// Stats is a point-in-time snapshot for the stats endpoint and metrics.
type Stats struct {
	Queued     int            `json:"queued"`
	Running    int            `json:"running"`
	PerUser    map[string]int `json:"active_per_user"`
	MaxQueue   int            `json:"max_queue_size"`
	MaxRunning int            `json:"max_concurrent_jobs"`
	MaxPerUser int            `json:"max_per_user_concurrent"`
}

// Queue is a two-priority FIFO with per-user fairness gates and TTL
// retention of finished job handles.
type Queue struct {
	cfg config.QueueConfig

	mu      sync.Mutex
	high    []*Job
	normal  []*Job
	queued  map[string]*Job
	running map[string]*Job
	// perUser counts active jobs (queued plus running) per user.
	perUser map[string]int
	entropy *ulid.MonotonicEntropy

	// finished retains terminal handles until their TTL expires.
	finished *gocache.Cache
}

// New creates a queue with the given limits.
func New(cfg config.QueueConfig) *Queue {
	return &Queue{
		cfg:      cfg,
		queued:   make(map[string]*Job),
		running:  make(map[string]*Job),
		perUser:  make(map[string]int),
		entropy:  ulid.Monotonic(rand.Reader, 0),
		finished: gocache.New(cfg.ResultTTL, 10*time.Minute),
	}
}

// admitLocked evaluates the three backpressure gates in order: global queue
// depth, execution slots, then the per-user cap. Callers hold q.mu so the
// checks see one consistent snapshot.
func (q *Queue) admitLocked(userID string) *faults.Error {
	if len(q.queued) >= q.cfg.MaxQueueSize {
		return faults.Newf(faults.KindQueueFull, "queue is at capacity (%d)", q.cfg.MaxQueueSize).
			WithDetail("reason", "queue_full")
	}
	if len(q.running) >= q.cfg.MaxConcurrentJobs {
		return faults.Newf(faults.KindQueueFull, "all %d execution slots are busy", q.cfg.MaxConcurrentJobs).
			WithDetail("reason", "busy")
	}
	if q.perUser[userID] >= q.cfg.MaxPerUserConcurrent {
		return faults.Newf(faults.KindQueueFull, "user %s has %d active tasks (limit %d)", userID, q.perUser[userID], q.cfg.MaxPerUserConcurrent).
			WithDetail("reason", "per_user_limit")
	}
	return nil
}

// CanAdmit reports whether a submission from the user would be admitted
// right now, and if not, which gate would deny it. The answer is advisory;
// Submit re-evaluates the gates atomically with the enqueue.
func (q *Queue) CanAdmit(userID string) (bool, string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.admitLocked(userID); err != nil {
		reason, _ := err.Details["reason"].(string)
		return false, reason
	}
	return true, ""
}

// Submit admits a job or rejects it with a queue_full error carrying the
// specific gate that failed. The job ID is minted under the same lock as
// the capacity checks.
func (q *Queue) Submit(userID string, priority Priority) (*Job, error) {
	if priority != PriorityHigh {
		priority = PriorityNormal
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.admitLocked(userID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &Job{
		ID:         ulid.MustNew(ulid.Timestamp(now), q.entropy).String(),
		UserID:     userID,
		Priority:   priority,
		EnqueuedAt: now,
		status:     JobQueued,
		cancelCh:   make(chan struct{}),
	}

	if priority == PriorityHigh {
		q.high = append(q.high, job)
	} else {
		q.normal = append(q.normal, job)
	}
	q.queued[job.ID] = job
	q.perUser[userID]++

	return job, nil
}

// Dequeue hands out the next job, high priority first, or nil when nothing
// is eligible. The global concurrency gate is enforced here as well so
// workers beyond the limit idle.
func (q *Queue) Dequeue() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.running) >= q.cfg.MaxConcurrentJobs {
		return nil
	}

	var job *Job
	if len(q.high) > 0 {
		job, q.high = q.high[0], q.high[1:]
	} else if len(q.normal) > 0 {
		job, q.normal = q.normal[0], q.normal[1:]
	} else {
		return nil
	}

	delete(q.queued, job.ID)
	q.running[job.ID] = job
	job.setStarted()
	return job
}

// Release returns a running job's slot and retains the handle for its TTL.
func (q *Queue) Release(job *Job, status JobStatus) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.running[job.ID]; !ok {
		return
	}
	delete(q.running, job.ID)
	q.decUser(job.UserID)

	job.setStatus(status)
	ttl := q.cfg.ResultTTL
	if status == JobFailed {
		ttl = q.cfg.FailureTTL
	}
	q.finished.Set(job.ID, job, ttl)
}

// Cancel requests cancellation. Queued jobs are removed immediately;
// running jobs get their cancel channel closed and finish on their own.
// Returns the job's status after the request, or queue_full's sibling
// not-found error when the ID is unknown.
func (q *Queue) Cancel(id string) (JobStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if job, ok := q.queued[id]; ok {
		delete(q.queued, id)
		q.removeFromSlices(job)
		q.decUser(job.UserID)
		job.setStatus(JobCancelled)
		close(job.cancelCh)
		q.finished.Set(job.ID, job, q.cfg.ResultTTL)
		return JobCancelled, nil
	}

	if job, ok := q.running[id]; ok {
		if !job.CancelRequested() {
			close(job.cancelCh)
		}
		return JobRunning, nil
	}

	if cached, ok := q.finished.Get(id); ok {
		return cached.(*Job).Status(), nil
	}

	return "", faults.Newf(faults.KindInvalidInput, "unknown job: %s", id)
}

// Get returns the handle for a job in any retained state, or nil.
func (q *Queue) Get(id string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if job, ok := q.queued[id]; ok {
		return job
	}
	if job, ok := q.running[id]; ok {
		return job
	}
	if cached, ok := q.finished.Get(id); ok {
		return cached.(*Job)
	}
	return nil
}

// Stats returns a snapshot of queue occupancy.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	perUser := make(map[string]int, len(q.perUser))
	for user, n := range q.perUser {
		perUser[user] = n
	}
	return Stats{
		Queued:     len(q.queued),
		Running:    len(q.running),
		PerUser:    perUser,
		MaxQueue:   q.cfg.MaxQueueSize,
		MaxRunning: q.cfg.MaxConcurrentJobs,
		MaxPerUser: q.cfg.MaxPerUserConcurrent,
	}
}

func (q *Queue) decUser(userID string) {
	if q.perUser[userID] <= 1 {
		delete(q.perUser, userID)
	} else {
		q.perUser[userID]--
	}
}

func (q *Queue) removeFromSlices(job *Job) {
	filter := func(jobs []*Job) []*Job {
		out := jobs[:0]
		for _, j := range jobs {
			if j.ID != job.ID {
				out = append(out, j)
			}
		}
		return out
	}
	if job.Priority == PriorityHigh {
		q.high = filter(q.high)
	} else {
		q.normal = filter(q.normal)
	}
}
