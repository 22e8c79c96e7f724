package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/castqueue/internal/domain"
)

func TestNewScheduler_Validation(t *testing.T) {
	h := newHarness(t, 1)
	logger := setupTestLogger()

	_, err := NewScheduler(nil, h.supervisor, 1, nil, logger)
	assert.Error(t, err)
	_, err = NewScheduler(h.jobs, nil, 1, nil, logger)
	assert.Error(t, err)
	_, err = NewScheduler(h.jobs, h.supervisor, 0, nil, logger)
	assert.Error(t, err)
	_, err = NewScheduler(h.jobs, h.supervisor, 1, nil, nil)
	assert.Error(t, err)
}

func TestScheduler_ExampleScenario(t *testing.T) {
	h := newHarness(t, 2)
	a := h.submit(t, "")
	b := h.submit(t, "")
	c := h.submit(t, "")
	d := h.submit(t, "")

	h.dispatch(t)

	assert.Equal(t, domain.JobStatusProcessing, h.status(t, a.ID))
	assert.Equal(t, domain.JobStatusProcessing, h.status(t, b.ID))
	assert.Equal(t, domain.JobStatusWaiting, h.status(t, c.ID))
	assert.Equal(t, domain.JobStatusWaiting, h.status(t, d.ID))
	assert.ElementsMatch(t, []uuid.UUID{a.ID, b.ID}, h.scheduler.Status().ProcessingIDs)

	h.executor.release(a.ID)
	h.waitStatus(t, a.ID, domain.JobStatusCompleted)
	h.waitStatus(t, c.ID, domain.JobStatusProcessing)

	assert.Equal(t, domain.JobStatusProcessing, h.status(t, b.ID))
	assert.Equal(t, domain.JobStatusWaiting, h.status(t, d.ID))

	status := h.scheduler.Status()
	assert.Equal(t, 2, status.MaxConcurrent)
	assert.Equal(t, 2, status.Processing)
	assert.ElementsMatch(t, []uuid.UUID{b.ID, c.ID}, status.ProcessingIDs)

	h.executor.release(b.ID)
	h.executor.release(c.ID)
	h.executor.release(d.ID)
	h.waitStatus(t, d.ID, domain.JobStatusCompleted)
}

func TestScheduler_ConcurrencyBound(t *testing.T) {
	const limit = 3
	h := newHarness(t, limit)

	jobs := make([]*domain.Job, 0, 12)
	for i := 0; i < 12; i++ {
		jobs = append(jobs, h.submit(t, ""))
	}

	// several triggers at once must not over-dispatch
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		go func() {
			_ = h.scheduler.Dispatch(context.Background())
			done <- struct{}{}
		}()
	}
	for i := 0; i < 5; i++ {
		<-done
	}
	assert.LessOrEqual(t, h.scheduler.Status().Processing, limit)

	for _, j := range jobs {
		h.executor.release(j.ID)
	}
	for _, j := range jobs {
		h.waitStatus(t, j.ID, domain.JobStatusCompleted)
	}

	assert.LessOrEqual(t, atomic.LoadInt32(&h.executor.maxActive), int32(limit))
	assert.Equal(t, int32(len(jobs)), atomic.LoadInt32(&h.executor.calls))
	h.waitIdle(t)
	assert.Equal(t, float64(len(jobs)), testutil.ToFloat64(h.metrics.JobsFinished.WithLabelValues("completed")))
}

func TestScheduler_FIFOWithSingleSlot(t *testing.T) {
	h := newHarness(t, 1)

	jobs := make([]*domain.Job, 0, 4)
	for i := 0; i < 4; i++ {
		jobs = append(jobs, h.submit(t, ""))
	}
	h.dispatch(t)

	want := make([]uuid.UUID, 0, len(jobs))
	for _, j := range jobs {
		h.executor.waitStarted(t, j.ID)
		h.executor.release(j.ID)
		want = append(want, j.ID)
	}
	h.waitStatus(t, jobs[3].ID, domain.JobStatusCompleted)

	assert.Equal(t, want, h.executor.finishedOrder())
}

func TestScheduler_SameTimestampTieBreaksOnID(t *testing.T) {
	h := newHarness(t, 1)
	at := h.base

	first, err := domain.NewJob(uuid.MustParse("00000000-0000-0000-0000-00000000000a"), "o", domain.Parameters{}, "fa", at)
	require.NoError(t, err)
	second, err := domain.NewJob(uuid.MustParse("00000000-0000-0000-0000-00000000000b"), "o", domain.Parameters{}, "fb", at)
	require.NoError(t, err)
	require.NoError(t, h.raw.Create(context.Background(), second))
	require.NoError(t, h.raw.Create(context.Background(), first))

	h.dispatch(t)
	assert.Equal(t, domain.JobStatusProcessing, h.status(t, first.ID))
	assert.Equal(t, domain.JobStatusWaiting, h.status(t, second.ID))

	h.executor.release(first.ID)
	h.executor.release(second.ID)
	h.waitStatus(t, second.ID, domain.JobStatusCompleted)
}

func TestScheduler_DuplicateOfCompletedJob(t *testing.T) {
	h := newHarness(t, 1)

	first := h.submit(t, "same")
	h.dispatch(t)
	h.executor.release(first.ID)
	h.waitStatus(t, first.ID, domain.JobStatusCompleted)
	h.waitIdle(t)

	second := h.submit(t, "same")
	third := h.submit(t, "")
	h.dispatch(t)

	repeated := h.waitStatus(t, second.ID, domain.JobStatusRepeated)
	require.NotNil(t, repeated.RepeatedOf)
	assert.Equal(t, first.ID, *repeated.RepeatedOf)
	assert.Nil(t, repeated.Result)

	// the duplicate took no slot, so the next job started in the same pass
	assert.Equal(t, domain.JobStatusProcessing, h.status(t, third.ID))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.JobsRepeated))

	h.executor.release(third.ID)
	h.waitStatus(t, third.ID, domain.JobStatusCompleted)
	assert.Equal(t, int32(2), atomic.LoadInt32(&h.executor.calls))
}

func TestScheduler_DuplicatesDispatchedTogetherBothRun(t *testing.T) {
	h := newHarness(t, 2)

	first := h.submit(t, "same")
	second := h.submit(t, "same")
	h.dispatch(t)

	assert.Equal(t, domain.JobStatusProcessing, h.status(t, first.ID))
	assert.Equal(t, domain.JobStatusProcessing, h.status(t, second.ID))

	// last claim wins
	owner, ok, err := h.raw.LookupFingerprint(context.Background(), "same")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, second.ID, owner)

	h.executor.release(first.ID)
	h.executor.release(second.ID)
	h.waitStatus(t, first.ID, domain.JobStatusCompleted)
	h.waitStatus(t, second.ID, domain.JobStatusCompleted)
}

func TestScheduler_CompletionReclaimsFingerprint(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	x := h.submit(t, "same")
	y := h.submit(t, "same")
	h.executor.result = func(job *domain.Job) (domain.Result, error) {
		if job.ID == y.ID {
			return domain.Result{}, errors.New("tts quota exceeded")
		}
		return domain.Result{TranscriptPath: "/out/transcript_" + job.ID.String() + ".txt"}, nil
	}
	h.dispatch(t)

	owner, _, err := h.raw.LookupFingerprint(ctx, "same")
	require.NoError(t, err)
	require.Equal(t, y.ID, owner)

	h.executor.release(y.ID)
	h.waitStatus(t, y.ID, domain.JobStatusFailed)
	h.executor.release(x.ID)
	h.waitStatus(t, x.ID, domain.JobStatusCompleted)
	h.waitIdle(t)

	owner, ok, err := h.raw.LookupFingerprint(ctx, "same")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, x.ID, owner)

	z := h.submit(t, "same")
	h.dispatch(t)
	repeated := h.waitStatus(t, z.ID, domain.JobStatusRepeated)
	require.NotNil(t, repeated.RepeatedOf)
	assert.Equal(t, x.ID, *repeated.RepeatedOf)
}

func TestScheduler_OrphanedFingerprintIsNotDuplicate(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	require.NoError(t, h.raw.ClaimFingerprint(ctx, "orphan", uuid.New()))

	job := h.submit(t, "orphan")
	h.dispatch(t)
	assert.Equal(t, domain.JobStatusProcessing, h.status(t, job.ID))

	h.executor.release(job.ID)
	h.waitStatus(t, job.ID, domain.JobStatusCompleted)
}

func TestScheduler_FingerprintOfUnfinishedJobIsNotDuplicate(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	failed := h.submit(t, "fp")
	h.executor.result = func(job *domain.Job) (domain.Result, error) { return domain.Result{}, nil }
	h.dispatch(t)
	h.executor.release(failed.ID)
	h.waitStatus(t, failed.ID, domain.JobStatusFailed)
	h.waitIdle(t)

	owner, ok, err := h.raw.LookupFingerprint(ctx, "fp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, failed.ID, owner)

	h.executor.result = nil
	retry := h.submit(t, "fp")
	h.dispatch(t)
	assert.Equal(t, domain.JobStatusProcessing, h.status(t, retry.ID))
	h.executor.release(retry.ID)
	h.waitStatus(t, retry.ID, domain.JobStatusCompleted)
}

func TestScheduler_StopWaitingJob(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	running := h.submit(t, "")
	queued := h.submit(t, "")
	h.dispatch(t)

	previous, err := h.scheduler.StopJob(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusWaiting, previous)
	assert.Equal(t, domain.JobStatusStopped, h.status(t, queued.ID))

	h.executor.release(running.ID)
	h.waitStatus(t, running.ID, domain.JobStatusCompleted)
	h.waitIdle(t)

	assert.Equal(t, domain.JobStatusStopped, h.status(t, queued.ID))
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.executor.calls))
}

func TestScheduler_StopProcessingJob(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	job := h.submit(t, "")
	next := h.submit(t, "")
	h.dispatch(t)
	h.executor.waitStarted(t, job.ID)

	previous, err := h.scheduler.StopJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, previous)

	// observers see stopped before the worker reacts
	assert.Equal(t, domain.JobStatusStopped, h.status(t, job.ID))

	// the freed slot goes to the next job
	h.waitStatus(t, next.ID, domain.JobStatusProcessing)
	stopped := h.waitStatus(t, job.ID, domain.JobStatusStopped)
	assert.Nil(t, stopped.Result)
	assert.Empty(t, stopped.FailureReason)

	h.executor.release(next.ID)
	h.waitStatus(t, next.ID, domain.JobStatusCompleted)
}

func TestScheduler_StopDiscardsLateResult(t *testing.T) {
	h := newHarness(t, 1)
	h.executor.ignoreCancel = true
	ctx := context.Background()

	job := h.submit(t, "")
	h.dispatch(t)
	h.executor.waitStarted(t, job.ID)

	_, err := h.scheduler.StopJob(ctx, job.ID)
	require.NoError(t, err)

	// the slot stays taken until the worker returns
	assert.Equal(t, domain.JobStatusStopped, h.status(t, job.ID))
	assert.Equal(t, []uuid.UUID{job.ID}, h.scheduler.Status().ProcessingIDs)

	h.executor.release(job.ID)
	h.waitIdle(t)
	assert.Empty(t, h.scheduler.Status().ProcessingIDs)

	final, err := h.raw.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusStopped, final.Status)
	assert.Nil(t, final.Result)
}

func TestScheduler_StopTerminalJobRejected(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	job := h.submit(t, "")
	h.dispatch(t)
	h.executor.release(job.ID)
	h.waitStatus(t, job.ID, domain.JobStatusCompleted)

	previous, err := h.scheduler.StopJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotStoppable)
	assert.Equal(t, domain.JobStatusCompleted, previous)
	assert.Equal(t, domain.JobStatusCompleted, h.status(t, job.ID))

	_, err = h.scheduler.StopJob(ctx, uuid.New())
	assert.Error(t, err)
}

func TestScheduler_NoDispatchAfterShutdown(t *testing.T) {
	h := newHarness(t, 1)
	job := h.submit(t, "")

	h.supervisor.Shutdown()
	h.dispatch(t)

	assert.Equal(t, domain.JobStatusWaiting, h.status(t, job.ID))
}
