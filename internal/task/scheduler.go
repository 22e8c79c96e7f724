package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/castqueue/internal/domain"
	"github.com/phrazzld/castqueue/internal/metrics"
	"github.com/phrazzld/castqueue/internal/store"
)

// QueueStatus is a snapshot of slot occupancy.
type QueueStatus struct {
	MaxConcurrent int         `json:"max_concurrent_jobs"`
	Processing    int         `json:"current_processing"`
	ProcessingIDs []uuid.UUID `json:"processing_jobs"`
}

// Scheduler owns the execution slots and promotes waiting jobs into them,
// oldest first.
//
// A slot is taken before a job is marked processing and released only after
// its worker has recorded the outcome, so the number of jobs executing in this
// process never exceeds the limit. Every status change goes through
// JobStore.Update with a guard on the current status, which keeps dispatch
// safe against concurrent stop requests and completions.
type Scheduler struct {
	jobs       JobStore
	supervisor *Supervisor
	max        int
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time

	// dispatchMu serializes dispatch passes
	dispatchMu sync.Mutex

	mu         sync.Mutex
	processing map[uuid.UUID]struct{}
}

// NewScheduler creates a Scheduler with maxConcurrent slots.
func NewScheduler(
	jobs JobStore,
	supervisor *Supervisor,
	maxConcurrent int,
	m *metrics.Metrics,
	logger *slog.Logger,
) (*Scheduler, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job store cannot be nil")
	}
	if supervisor == nil {
		return nil, fmt.Errorf("supervisor cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if maxConcurrent <= 0 {
		return nil, fmt.Errorf("max concurrent jobs must be positive, got %d", maxConcurrent)
	}
	if m == nil {
		m = metrics.New(nil)
	}
	m.Capacity.Set(float64(maxConcurrent))

	return &Scheduler{
		jobs:       jobs,
		supervisor: supervisor,
		max:        maxConcurrent,
		metrics:    m,
		logger:     logger.With("component", "scheduler"),
		now:        time.Now,
		processing: make(map[uuid.UUID]struct{}),
	}, nil
}

// Status returns the current slot occupancy with ids in ascending order.
// A stopped job keeps its slot, and stays listed, until its worker returns.
func (s *Scheduler) Status() QueueStatus {
	s.mu.Lock()
	ids := make([]uuid.UUID, 0, len(s.processing))
	for id := range s.processing {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return QueueStatus{MaxConcurrent: s.max, Processing: len(ids), ProcessingIDs: ids}
}

// Holds reports whether id currently occupies a slot in this process.
func (s *Scheduler) Holds(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processing[id]
	return ok
}

func (s *Scheduler) reserve(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.processing) >= s.max {
		return false
	}
	s.processing[id] = struct{}{}
	s.metrics.Processing.Set(float64(len(s.processing)))
	return true
}

func (s *Scheduler) release(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.processing, id)
	s.metrics.Processing.Set(float64(len(s.processing)))
}

func (s *Scheduler) full() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.processing) >= s.max
}

// Dispatch runs one promotion pass: waiting jobs are visited oldest first and
// started until no slot is left. Duplicates of a completed job are resolved
// without taking a slot. Dispatch is safe to call from any goroutine; passes
// do not overlap.
func (s *Scheduler) Dispatch(ctx context.Context) error {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	if s.full() || !s.supervisor.Accepting() {
		return nil
	}

	waiting, err := s.jobs.List(ctx, store.JobFilter{
		Statuses: []domain.JobStatus{domain.JobStatusWaiting},
	})
	if err != nil {
		return fmt.Errorf("failed to list waiting jobs: %w", err)
	}

	for _, job := range waiting {
		if s.full() || !s.supervisor.Accepting() {
			break
		}
		if err := s.admit(ctx, job); err != nil {
			s.logger.Error("failed to dispatch job", "job_id", job.ID, "error", err)
		}
	}
	return nil
}

// admit resolves job as a duplicate or starts it.
func (s *Scheduler) admit(ctx context.Context, job *domain.Job) error {
	log := s.logger.With("job_id", job.ID)

	if original, ok := s.completedDuplicate(ctx, job); ok {
		_, err := s.jobs.Update(ctx, job.ID, func(j *domain.Job) error {
			if j.Status != domain.JobStatusWaiting {
				return errSkip
			}
			return j.MarkRepeated(original, s.now())
		})
		if errors.Is(err, errSkip) || errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to mark job repeated: %w", err)
		}
		s.metrics.JobsRepeated.Inc()
		log.Info("job resolved as duplicate", "repeated_of", original)
		return nil
	}

	if !s.reserve(job.ID) {
		return nil
	}

	if err := s.jobs.ClaimFingerprint(ctx, job.Fingerprint, job.ID); err != nil {
		log.Warn("failed to claim fingerprint", "error", err)
	}

	started, err := s.jobs.Update(ctx, job.ID, func(j *domain.Job) error {
		if j.Status != domain.JobStatusWaiting {
			return errSkip
		}
		return j.MarkProcessing(s.now())
	})
	if err != nil {
		s.release(job.ID)
		if errors.Is(err, errSkip) || errors.Is(err, store.ErrNotFound) {
			log.Debug("job left waiting before dispatch")
			return nil
		}
		return fmt.Errorf("failed to mark job processing: %w", err)
	}

	// the pass may have been triggered by a request whose context ends soon
	detached := context.WithoutCancel(ctx)
	err = s.supervisor.Launch(started, func() {
		s.release(started.ID)
		if err := s.Dispatch(detached); err != nil {
			s.logger.Error("dispatch after job end failed", "error", err)
		}
	})
	if err != nil {
		s.release(started.ID)
		_, _ = s.jobs.Update(detached, started.ID, func(j *domain.Job) error {
			if j.Status != domain.JobStatusProcessing {
				return errSkip
			}
			return j.MarkFailed(ShutdownFailureReason, s.now())
		})
		return fmt.Errorf("failed to launch job: %w", err)
	}

	log.Info("job dispatched", "processing", s.Status().Processing)
	return nil
}

// completedDuplicate returns the id of a different, completed job that holds
// job's fingerprint. A missing or unreadable target counts as no duplicate.
func (s *Scheduler) completedDuplicate(ctx context.Context, job *domain.Job) (uuid.UUID, bool) {
	id, ok, err := s.jobs.LookupFingerprint(ctx, job.Fingerprint)
	if err != nil {
		s.logger.Warn("fingerprint lookup failed", "job_id", job.ID, "error", err)
		return uuid.Nil, false
	}
	if !ok || id == job.ID {
		return uuid.Nil, false
	}

	original, err := s.jobs.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("failed to read fingerprint owner", "job_id", job.ID, "original", id, "error", err)
		}
		return uuid.Nil, false
	}
	if original.Status != domain.JobStatusCompleted {
		return uuid.Nil, false
	}
	return id, true
}

// StopJob stops a waiting or processing job. A processing job is marked
// stopped first and its worker is signalled afterwards; the worker's outcome
// is then discarded. It returns the status the job had before the stop, or
// ErrNotStoppable for terminal jobs.
func (s *Scheduler) StopJob(ctx context.Context, id uuid.UUID) (domain.JobStatus, error) {
	var previous domain.JobStatus
	_, err := s.jobs.Update(ctx, id, func(j *domain.Job) error {
		previous = j.Status
		if j.IsTerminal() {
			return fmt.Errorf("%w: status is %s", ErrNotStoppable, j.Status)
		}
		return j.MarkStopped(s.now())
	})
	if err != nil {
		return previous, err
	}

	if previous == domain.JobStatusProcessing {
		if !s.supervisor.Cancel(id) {
			s.logger.Warn("stopped job has no local worker", "job_id", id)
		}
	}
	s.logger.Info("job stopped", "job_id", id, "previous_status", previous)
	return previous, nil
}
