package task

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/castqueue/internal/domain"
	"github.com/phrazzld/castqueue/internal/metrics"
	"github.com/phrazzld/castqueue/internal/platform/memory"
	"github.com/phrazzld/castqueue/internal/store"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// gateExecutor blocks every job until its gate is opened or its context ends.
type gateExecutor struct {
	mu        sync.Mutex
	gates     map[uuid.UUID]chan struct{}
	finished  []uuid.UUID
	started   chan uuid.UUID
	active    int32
	maxActive int32
	calls     int32

	// ignoreCancel makes the executor finish normally even after a stop
	ignoreCancel bool
	result       func(job *domain.Job) (domain.Result, error)
}

func newGateExecutor() *gateExecutor {
	return &gateExecutor{
		gates:   make(map[uuid.UUID]chan struct{}),
		started: make(chan uuid.UUID, 100),
	}
}

func (e *gateExecutor) gate(id uuid.UUID) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.gates[id]
	if !ok {
		g = make(chan struct{})
		e.gates[id] = g
	}
	return g
}

func (e *gateExecutor) release(id uuid.UUID) {
	close(e.gate(id))
}

func (e *gateExecutor) finishedOrder() []uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]uuid.UUID(nil), e.finished...)
}

func (e *gateExecutor) Execute(ctx context.Context, job *domain.Job) (domain.Result, error) {
	atomic.AddInt32(&e.calls, 1)
	cur := atomic.AddInt32(&e.active, 1)
	defer atomic.AddInt32(&e.active, -1)
	for {
		prev := atomic.LoadInt32(&e.maxActive)
		if cur <= prev || atomic.CompareAndSwapInt32(&e.maxActive, prev, cur) {
			break
		}
	}

	e.started <- job.ID

	if e.ignoreCancel {
		<-e.gate(job.ID)
	} else {
		select {
		case <-e.gate(job.ID):
		case <-ctx.Done():
			return domain.Result{}, ctx.Err()
		}
	}

	e.mu.Lock()
	e.finished = append(e.finished, job.ID)
	e.mu.Unlock()

	if e.result != nil {
		return e.result(job)
	}
	return domain.Result{
		TranscriptPath: "/out/transcript_" + job.ID.String() + ".txt",
		AudioPath:      "/out/podcast_" + job.ID.String() + ".wav",
	}, nil
}

func (e *gateExecutor) waitStarted(t *testing.T, want uuid.UUID) {
	t.Helper()
	select {
	case id := <-e.started:
		require.Equal(t, want, id, "unexpected job started")
	case <-time.After(2 * time.Second):
		t.Fatalf("job %s did not start", want)
	}
}

// flakyStore fails terminal writes for processing jobs a fixed number of times.
type flakyStore struct {
	JobStore
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) Update(ctx context.Context, id uuid.UUID, fn func(job *domain.Job) error) (*domain.Job, error) {
	f.mu.Lock()
	if f.failures > 0 {
		if cur, err := f.JobStore.Get(ctx, id); err == nil && cur.Status == domain.JobStatusProcessing {
			f.failures--
			f.mu.Unlock()
			return nil, errors.New("connection reset by peer")
		}
	}
	f.mu.Unlock()
	return f.JobStore.Update(ctx, id, fn)
}

type harness struct {
	jobs       JobStore
	raw        *store.JobStore
	executor   *gateExecutor
	metrics    *metrics.Metrics
	supervisor *Supervisor
	scheduler  *Scheduler
	base       time.Time
	seq        int
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	wrap       func(JobStore) JobStore
	supervisor SupervisorConfig
}

func withStoreWrapper(wrap func(JobStore) JobStore) harnessOption {
	return func(c *harnessConfig) { c.wrap = wrap }
}

func withSupervisorConfig(cfg SupervisorConfig) harnessOption {
	return func(c *harnessConfig) { c.supervisor = cfg }
}

func newHarness(t *testing.T, maxConcurrent int, opts ...harnessOption) *harness {
	t.Helper()

	cfg := harnessConfig{supervisor: SupervisorConfig{StatusWriteRetries: 3, RetryBaseDelay: time.Millisecond}}
	for _, opt := range opts {
		opt(&cfg)
	}

	raw := store.NewJobStore(memory.NewKV(), store.JobStoreConfig{
		JobPrefix:         "job:",
		FingerprintPrefix: "job_hash:",
		TTL:               time.Hour,
	})
	var jobs JobStore = raw
	if cfg.wrap != nil {
		jobs = cfg.wrap(raw)
	}

	logger := setupTestLogger()
	m := metrics.New(nil)
	exec := newGateExecutor()

	sup, err := NewSupervisor(exec, jobs, cfg.supervisor, m, logger)
	require.NoError(t, err)
	sched, err := NewScheduler(jobs, sup, maxConcurrent, m, logger)
	require.NoError(t, err)

	t.Cleanup(sup.Shutdown)

	return &harness{
		jobs:       jobs,
		raw:        raw,
		executor:   exec,
		metrics:    m,
		supervisor: sup,
		scheduler:  sched,
		base:       time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC),
	}
}

// submit stores a waiting job created one second after the previous one.
func (h *harness) submit(t *testing.T, fingerprint string) *domain.Job {
	t.Helper()
	h.seq++
	if fingerprint == "" {
		fingerprint = uuid.NewString()
	}
	job, err := domain.NewJob(uuid.New(), "owner@example.com", domain.Parameters{Text: "t"}, fingerprint,
		h.base.Add(time.Duration(h.seq)*time.Second))
	require.NoError(t, err)
	require.NoError(t, h.raw.Create(context.Background(), job))
	return job
}

func (h *harness) dispatch(t *testing.T) {
	t.Helper()
	require.NoError(t, h.scheduler.Dispatch(context.Background()))
}

func (h *harness) status(t *testing.T, id uuid.UUID) domain.JobStatus {
	t.Helper()
	job, err := h.raw.Get(context.Background(), id)
	require.NoError(t, err)
	return job.Status
}

func (h *harness) waitStatus(t *testing.T, id uuid.UUID, want domain.JobStatus) *domain.Job {
	t.Helper()
	var job *domain.Job
	require.Eventually(t, func() bool {
		j, err := h.raw.Get(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.Status == want
	}, 2*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.scheduler.Status().Processing == 0
	}, 2*time.Second, 5*time.Millisecond)
}
