// Package cron drives scheduled agent runs off a ticker loop.
package cron

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/agent"
	"github.com/agentdesk/agentdesk/internal/common/logger"
)

// Job is one scheduled instruction set for an agent.
type Job struct {
	ID           string        `json:"id"`
	AgentID      string        `json:"agent_id"`
	Instructions string        `json:"instructions"`
	Interval     time.Duration `json:"interval"`
	LastRunAt    time.Time     `json:"last_run_at"`
}

// Due reports whether the job should run at now.
func (j *Job) Due(now time.Time) bool {
	return j.LastRunAt.IsZero() || !now.Before(j.LastRunAt.Add(j.Interval))
}

// JobSource supplies due jobs. Implemented by the CRM scheduling layer.
type JobSource interface {
	DueJobs(ctx context.Context, now time.Time) ([]*Job, error)
	MarkRun(ctx context.Context, jobID string, at time.Time) error
}

// CronExecutor dispatches one scheduled run. Implemented by the
// orchestrator; a tick that lands while the previous run for the same job
// is still active returns nil without spawning.
type CronExecutor interface {
	RunCron(ctx context.Context, ag *agent.Agent, jobID, instructions string) error
}

// Runner polls the job source and dispatches due jobs.
type Runner struct {
	source   JobSource
	executor CronExecutor
	agents   agent.Source
	interval time.Duration
	logger   *logger.Logger

	wg sync.WaitGroup
}

// NewRunner creates a new cron runner polling at the given interval.
func NewRunner(source JobSource, executor CronExecutor, agents agent.Source, interval time.Duration, log *logger.Logger) *Runner {
	return &Runner{
		source:   source,
		executor: executor,
		agents:   agents,
		interval: interval,
		logger:   log.WithFields(zap.String("component", "cron")),
	}
}

// Run loops until ctx is cancelled, then waits for in-flight dispatches.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("cron runner started", zap.Duration("interval", r.interval))
	defer r.logger.Info("cron runner stopped")

	for {
		select {
		case <-ctx.Done():
			r.wg.Wait()
			return
		case now := <-ticker.C:
			r.Tick(ctx, now.UTC())
		}
	}
}

// Tick fetches due jobs and dispatches each on its own goroutine. Runs can
// outlast the tick; overlap protection is the per-key registry, not the
// ticker.
func (r *Runner) Tick(ctx context.Context, now time.Time) {
	jobs, err := r.source.DueJobs(ctx, now)
	if err != nil {
		r.logger.Error("failed to list due jobs", zap.Error(err))
		return
	}

	for _, job := range jobs {
		if err := r.source.MarkRun(ctx, job.ID, now); err != nil {
			r.logger.Error("failed to mark job run",
				zap.String("job_id", job.ID), zap.Error(err))
			continue
		}

		r.wg.Add(1)
		go func(job *Job) {
			defer r.wg.Done()
			r.dispatch(ctx, job)
		}(job)
	}
}

func (r *Runner) dispatch(ctx context.Context, job *Job) {
	ag, err := r.agents.GetAgent(ctx, job.AgentID)
	if err != nil {
		r.logger.Error("failed to resolve agent for job",
			zap.String("job_id", job.ID),
			zap.String("agent_id", job.AgentID),
			zap.Error(err))
		return
	}

	if err := r.executor.RunCron(ctx, ag, job.ID, job.Instructions); err != nil {
		r.logger.Error("scheduled run failed",
			zap.String("job_id", job.ID),
			zap.String("agent_id", job.AgentID),
			zap.Error(err))
	}
}
