package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/castqueue/internal/domain"
	"github.com/phrazzld/castqueue/internal/platform/logger"
	"github.com/phrazzld/castqueue/internal/store"
)

// RunnerConfig holds configuration for the runner.
type RunnerConfig struct {
	// DispatchInterval is how often a dispatch pass runs regardless of
	// triggers. If zero, defaults to 30 seconds.
	DispatchInterval time.Duration

	// ReconcileOnStart fails jobs left processing by a previous process.
	ReconcileOnStart bool
}

// DefaultRunnerConfig returns a RunnerConfig with reasonable defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		DispatchInterval: 30 * time.Second,
		ReconcileOnStart: true,
	}
}

// Runner ties the scheduler and supervisor to the process lifecycle.
type Runner struct {
	jobs       JobStore
	scheduler  *Scheduler
	supervisor *Supervisor
	config     RunnerConfig
	logger     *slog.Logger
	now        func() time.Time

	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// NewRunner creates a Runner.
func NewRunner(jobs JobStore, scheduler *Scheduler, supervisor *Supervisor, config RunnerConfig, log *slog.Logger) *Runner {
	if config.DispatchInterval <= 0 {
		config.DispatchInterval = 30 * time.Second
	}

	log = log.With("component", "runner")
	ctx, cancel := context.WithCancel(logger.WithLogger(context.Background(), log))

	return &Runner{
		jobs:       jobs,
		scheduler:  scheduler,
		supervisor: supervisor,
		config:     config,
		logger:     log,
		now:        time.Now,
		ctx:        ctx,
		cancelFunc: cancel,
	}
}

// Start reconciles leftovers from a previous run, fills the free slots and
// starts the periodic dispatch tick.
func (r *Runner) Start() error {
	if r.config.ReconcileOnStart {
		if _, err := r.Recover(r.ctx); err != nil {
			return fmt.Errorf("failed to recover jobs: %w", err)
		}
	}

	if err := r.scheduler.Dispatch(r.ctx); err != nil {
		return fmt.Errorf("initial dispatch failed: %w", err)
	}

	r.wg.Add(1)
	go r.dispatchTicker()

	return nil
}

// Stop halts the ticker, then cancels running jobs and waits for their
// outcome to be recorded.
func (r *Runner) Stop() {
	r.cancelFunc()
	r.wg.Wait()
	r.supervisor.Shutdown()
}

// Recover marks every job still processing as failed. Nothing can be running
// for them yet because this process has not launched any work, and status
// never moves back to waiting. It returns the number of jobs reconciled.
func (r *Runner) Recover(ctx context.Context) (int, error) {
	processing, err := r.jobs.List(ctx, store.JobFilter{
		Statuses: []domain.JobStatus{domain.JobStatusProcessing},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list processing jobs: %w", err)
	}

	r.logger.Info("reconciling interrupted jobs", "processing_count", len(processing))

	reconciled := 0
	for _, job := range processing {
		if r.scheduler.Holds(job.ID) {
			continue
		}
		_, err := r.jobs.Update(ctx, job.ID, func(j *domain.Job) error {
			if j.Status != domain.JobStatusProcessing {
				return errSkip
			}
			return j.MarkFailed(RestartFailureReason, r.now())
		})
		if err != nil {
			if !errors.Is(err, errSkip) {
				r.logger.Error("failed to reconcile job", "job_id", job.ID, "error", err)
			}
			continue
		}
		reconciled++
	}
	return reconciled, nil
}

// dispatchTicker runs a dispatch pass on every tick as a safety net for lost
// triggers.
func (r *Runner) dispatchTicker() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return

		case <-ticker.C:
			if err := r.scheduler.Dispatch(r.ctx); err != nil {
				r.logger.Error("periodic dispatch failed", "error", err)
			}
		}
	}
}
