package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/castqueue/internal/config"
	"github.com/phrazzld/castqueue/internal/domain"
	"github.com/phrazzld/castqueue/internal/events"
	"github.com/phrazzld/castqueue/internal/metrics"
	"github.com/phrazzld/castqueue/internal/platform/memory"
	"github.com/phrazzld/castqueue/internal/store"
	"github.com/phrazzld/castqueue/internal/task"
)

const (
	alice = "alice@example.com"
	bob   = "bob@example.com"
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// MockQueueController mocks the QueueController interface
type MockQueueController struct {
	mock.Mock
}

func (m *MockQueueController) Status() task.QueueStatus {
	args := m.Called()
	return args.Get(0).(task.QueueStatus)
}

func (m *MockQueueController) Holds(id uuid.UUID) bool {
	args := m.Called(id)
	return args.Bool(0)
}

func (m *MockQueueController) StopJob(ctx context.Context, id uuid.UUID) (domain.JobStatus, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(domain.JobStatus), args.Error(1)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []*events.JobEvent
	err    error
}

func (e *recordingEmitter) EmitEvent(_ context.Context, event *events.JobEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	return e.err
}

type jobFixture struct {
	svc     *JobService
	jobs    *store.JobStore
	queue   *MockQueueController
	emitter *recordingEmitter
	metrics *metrics.Metrics
	cfg     config.JobsConfig
}

func newJobFixture(t *testing.T) *jobFixture {
	t.Helper()

	root := t.TempDir()
	cfg := config.JobsConfig{
		MaxConcurrentJobs: 2,
		OutputDirectory:   root + "/output",
		TempDirectory:     root + "/tmp",
		CleanupOnComplete: true,
	}
	files := config.FilesConfig{
		AllowedExtensions: []string{".pdf", ".txt"},
		MaxFileSizeMB:     1,
	}

	jobs := store.NewJobStore(memory.NewKV(), store.JobStoreConfig{
		JobPrefix:         "job:",
		FingerprintPrefix: "job_hash:",
	})
	queue := &MockQueueController{}
	emitter := &recordingEmitter{}
	m := metrics.New(nil)

	svc, err := NewJobService(jobs, queue, emitter, m, cfg, files, setupTestLogger())
	require.NoError(t, err)
	svc.now = func() time.Time { return baseTime }

	return &jobFixture{svc: svc, jobs: jobs, queue: queue, emitter: emitter, metrics: m, cfg: cfg}
}

// seed stores a job for owner created age before baseTime and moves it
// through the given transition.
func (f *jobFixture) seed(t *testing.T, owner string, age time.Duration, mutate func(j *domain.Job)) *domain.Job {
	t.Helper()
	id := uuid.New()
	job, err := domain.NewJob(id, owner, domain.Parameters{Text: "t-" + id.String()}, "fp-"+id.String(), baseTime.Add(-age))
	require.NoError(t, err)
	if mutate != nil {
		mutate(job)
	}
	require.NoError(t, f.jobs.Create(context.Background(), job))
	return job
}

func completed(result domain.Result) func(j *domain.Job) {
	return func(j *domain.Job) {
		_ = j.MarkProcessing(baseTime)
		_ = j.MarkCompleted(result, baseTime)
	}
}

func processing(j *domain.Job) {
	_ = j.MarkProcessing(baseTime)
}
