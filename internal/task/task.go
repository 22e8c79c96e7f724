package task

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/phrazzld/castqueue/internal/domain"
	"github.com/phrazzld/castqueue/internal/store"
)

// RestartFailureReason is recorded on jobs found processing at startup.
const RestartFailureReason = "interrupted by service restart"

// ShutdownFailureReason is recorded on jobs cut short by a graceful shutdown.
const ShutdownFailureReason = "interrupted by service shutdown"

var (
	// ErrNotStoppable is returned when a stop request targets a job that
	// already reached a terminal status.
	ErrNotStoppable = errors.New("job is not stoppable")

	// ErrShuttingDown is returned when work is offered to a stopped supervisor.
	ErrShuttingDown = errors.New("supervisor is shutting down")

	// errStopped is the cancellation cause of a job stopped by its owner.
	errStopped = errors.New("job stopped")

	// errShutdown is the cancellation cause of jobs running at shutdown.
	errShutdown = errors.New(ShutdownFailureReason)

	// errSkip aborts a store update whose status guard did not hold.
	errSkip = errors.New("status guard failed")
)

// Executor runs the execution step of one job. ctx is cancelled when the job
// is stopped or the process shuts down; implementations should check it
// between steps and return promptly once it is done.
type Executor interface {
	Execute(ctx context.Context, job *domain.Job) (domain.Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, job *domain.Job) (domain.Result, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, job *domain.Job) (domain.Result, error) {
	return f(ctx, job)
}

// JobStore is the part of the job repository the scheduler needs.
// *store.JobStore satisfies it.
type JobStore interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	Update(ctx context.Context, id uuid.UUID, fn func(job *domain.Job) error) (*domain.Job, error)
	List(ctx context.Context, filter store.JobFilter) ([]*domain.Job, error)
	LookupFingerprint(ctx context.Context, fp string) (uuid.UUID, bool, error)
	ClaimFingerprint(ctx context.Context, fp string, id uuid.UUID) error
}

var _ JobStore = (*store.JobStore)(nil)
