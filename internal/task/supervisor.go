package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/phrazzld/castqueue/internal/domain"
	"github.com/phrazzld/castqueue/internal/metrics"
	"github.com/phrazzld/castqueue/internal/platform/logger"
	"github.com/phrazzld/castqueue/internal/store"
)

var tracer = otel.Tracer("castqueue/task")

// SupervisorConfig holds configuration for the execution supervisor.
type SupervisorConfig struct {
	// StatusWriteRetries is how many times a failed terminal status write is
	// retried before giving up.
	StatusWriteRetries int

	// RetryBaseDelay is the first backoff step between write attempts.
	// If zero, defaults to 200ms.
	RetryBaseDelay time.Duration

	// CleanupTempDir removes the job's temp directory once execution ends.
	CleanupTempDir bool
}

// Supervisor runs promoted jobs and persists their outcome. It owns the
// cancellation handle of every job it is running.
type Supervisor struct {
	executor Executor
	jobs     JobStore
	cfg      SupervisorConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger
	pool     *workerPool
	now      func() time.Time

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelCauseFunc
}

// NewSupervisor creates a Supervisor. A nil m uses unregistered collectors.
func NewSupervisor(
	executor Executor,
	jobs JobStore,
	cfg SupervisorConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) (*Supervisor, error) {
	if executor == nil {
		return nil, fmt.Errorf("executor cannot be nil")
	}
	if jobs == nil {
		return nil, fmt.Errorf("job store cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.StatusWriteRetries < 1 {
		cfg.StatusWriteRetries = 1
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 200 * time.Millisecond
	}
	if m == nil {
		m = metrics.New(nil)
	}

	return &Supervisor{
		executor: executor,
		jobs:     jobs,
		cfg:      cfg,
		metrics:  m,
		logger:   logger.With("component", "supervisor"),
		pool:     newWorkerPool(),
		now:      time.Now,
		cancels:  make(map[uuid.UUID]context.CancelCauseFunc),
	}, nil
}

// Accepting reports whether Launch can start new work.
func (s *Supervisor) Accepting() bool {
	return s.pool.Accepting()
}

// Launch starts job on its own worker and returns immediately. done runs
// after the outcome is persisted, the cancellation handle is dropped and the
// temp directory is cleaned, whatever the outcome was.
func (s *Supervisor) Launch(job *domain.Job, done func()) error {
	ctx, cancel := context.WithCancelCause(s.pool.ctx)
	ctx = logger.WithLogger(ctx, s.logger.With("job_id", job.ID))

	s.mu.Lock()
	s.cancels[job.ID] = cancel
	s.mu.Unlock()

	started := s.pool.Go(func() {
		s.run(ctx, job, done)
	})
	if !started {
		s.unregister(job.ID)
		cancel(ErrShuttingDown)
		return ErrShuttingDown
	}
	return nil
}

// Cancel signals the running job's cancellation handle. It reports whether
// the job was running in this process.
func (s *Supervisor) Cancel(id uuid.UUID) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	s.mu.Unlock()

	if ok {
		cancel(errStopped)
	}
	return ok
}

// Running returns the number of jobs with a live cancellation handle.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cancels)
}

// Shutdown cancels every running job and waits for their workers to finish
// recording the outcome.
func (s *Supervisor) Shutdown() {
	s.logger.Info("stopping supervisor", "running", s.Running())
	s.pool.Stop(errShutdown)
}

func (s *Supervisor) unregister(id uuid.UUID) {
	s.mu.Lock()
	delete(s.cancels, id)
	s.mu.Unlock()
}

func (s *Supervisor) run(ctx context.Context, job *domain.Job, done func()) {
	log := logger.FromContext(ctx)
	start := s.now()

	defer func() {
		s.unregister(job.ID)
		s.cleanup(log, job)
		done()
	}()

	ctx, span := tracer.Start(ctx, "job.execute",
		trace.WithAttributes(
			attribute.String("job.id", job.ID.String()),
			attribute.String("job.owner", job.OwnerID),
		),
	)
	defer span.End()

	log.Info("job execution started")
	result, execErr := s.execute(ctx, job)

	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())
	}

	// the outcome must be recorded even when ctx was cancelled by shutdown
	writeCtx := context.WithoutCancel(ctx)
	final, err := s.finish(writeCtx, job.ID, result, s.failureReason(ctx, execErr))
	if err != nil {
		s.metrics.StatusWriteFailures.Inc()
		log.Error("failed to record job outcome", "error", err)
		return
	}

	if final == domain.JobStatusCompleted {
		// a duplicate that claimed after this job may have failed since
		if err := s.jobs.ClaimFingerprint(writeCtx, job.Fingerprint, job.ID); err != nil {
			log.Warn("failed to claim fingerprint on completion", "error", err)
		}
	}

	span.SetAttributes(attribute.String("job.status", string(final)))
	s.metrics.JobsFinished.WithLabelValues(string(final)).Inc()
	s.metrics.JobDuration.WithLabelValues(string(final)).Observe(s.now().Sub(start).Seconds())
	log.Info("job execution finished",
		"status", final,
		"duration_ms", s.now().Sub(start).Milliseconds())
}

// execute calls the executor and converts a panic into an error.
func (s *Supervisor) execute(ctx context.Context, job *domain.Job) (result domain.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.executor.Execute(ctx, job)
}

// failureReason returns the text recorded for execErr, or "" when the
// execution succeeded.
func (s *Supervisor) failureReason(ctx context.Context, execErr error) string {
	if execErr == nil {
		return ""
	}
	if errors.Is(context.Cause(ctx), errShutdown) {
		return ShutdownFailureReason
	}
	if msg := execErr.Error(); msg != "" {
		return msg
	}
	return domain.GenericFailureReason
}

// finish applies the terminal transition for an execution outcome. The job is
// re-read under its lock: if it is no longer processing (a stop request won
// the race) the outcome is discarded and the stored status is returned.
// Transient store errors are retried with exponential backoff.
func (s *Supervisor) finish(ctx context.Context, id uuid.UUID, result domain.Result, reason string) (domain.JobStatus, error) {
	var final domain.JobStatus

	apply := func(job *domain.Job) error {
		if job.Status != domain.JobStatusProcessing {
			final = job.Status
			return errSkip
		}
		now := s.now()
		switch {
		case reason != "":
			final = domain.JobStatusFailed
			return job.MarkFailed(reason, now)
		case result.Empty():
			final = domain.JobStatusFailed
			return job.MarkFailed(domain.GenericFailureReason, now)
		default:
			final = domain.JobStatusCompleted
			return job.MarkCompleted(result, now)
		}
	}

	backoff := retry.WithMaxRetries(uint64(s.cfg.StatusWriteRetries), retry.NewExponential(s.cfg.RetryBaseDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, err := s.jobs.Update(ctx, id, apply)
		switch {
		case err == nil, errors.Is(err, errSkip):
			return nil
		case errors.Is(err, store.ErrNotFound),
			errors.Is(err, domain.ErrInvalidTransition),
			errors.Is(err, store.ErrInvalidEntity):
			return err
		default:
			logger.FromContext(ctx).Warn("terminal status write failed, retrying", "error", err)
			return retry.RetryableError(err)
		}
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// deleted by cleanup while running
			return "", fmt.Errorf("job record vanished: %w", err)
		}
		return "", err
	}
	return final, nil
}

// cleanup removes the job's temp directory when configured to.
func (s *Supervisor) cleanup(log *slog.Logger, job *domain.Job) {
	dir := job.Parameters.Output.TempDir
	if !s.cfg.CleanupTempDir || dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		log.Warn("failed to remove temp directory", "dir", dir, "error", err)
	}
}
