package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Pool runs a fixed number of workers that drain the queue. Workers poll
// rather than block so shutdown and cancellation stay simple.
type Pool struct {
	runner  *Runner
	deps    Deps
	workers int
	poll    time.Duration
}

// NewPool creates a pool over shared dependencies.
func NewPool(deps Deps) *Pool {
	workers := deps.Config.Workers
	if workers < 1 {
		workers = 1
	}
	poll := deps.Config.Queue.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &Pool{
		runner:  NewRunner(deps),
		deps:    deps,
		workers: workers,
		poll:    poll,
	}
}

// Run starts the workers and blocks until the context is cancelled. Jobs
// already executing finish their current task before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	p.deps.Logger.Info("worker pool starting", zap.Int("workers", p.workers))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		id := i
		g.Go(func() error {
			return p.work(ctx, id)
		})
	}

	err := g.Wait()
	p.deps.Logger.Info("worker pool stopped")
	if err == context.Canceled {
		return nil
	}
	return err
}

func (p *Pool) work(ctx context.Context, id int) error {
	logger := p.deps.Logger.With(zap.Int("worker", id))
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		job := p.deps.Queue.Dequeue()
		if job == nil {
			continue
		}

		logger.Info("picked up job",
			zap.String("task_id", job.ID),
			zap.String("priority", string(job.Priority)),
			zap.Duration("queued_for", time.Since(job.EnqueuedAt)))

		p.runner.Execute(ctx, job)
		p.updateQueueGauges()
	}
}

func (p *Pool) updateQueueGauges() {
	if p.deps.Metrics == nil {
		return
	}
	stats := p.deps.Queue.Stats()
	p.deps.Metrics.UpdateQueueStats(stats.Queued, stats.Running)
}
