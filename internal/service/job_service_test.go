package service

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/castqueue/internal/config"
	"github.com/phrazzld/castqueue/internal/domain"
	"github.com/phrazzld/castqueue/internal/events"
	"github.com/phrazzld/castqueue/internal/store"
	"github.com/phrazzld/castqueue/internal/task"
)

func TestNewJobService_Validation(t *testing.T) {
	jobs := store.NewJobStore(nil, store.JobStoreConfig{})
	queue := &MockQueueController{}
	emitter := &recordingEmitter{}
	log := setupTestLogger()

	_, err := NewJobService(nil, queue, emitter, nil, config.JobsConfig{}, config.FilesConfig{}, log)
	assert.Error(t, err)
	_, err = NewJobService(jobs, nil, emitter, nil, config.JobsConfig{}, config.FilesConfig{}, log)
	assert.Error(t, err)
	_, err = NewJobService(jobs, queue, nil, nil, config.JobsConfig{}, config.FilesConfig{}, log)
	assert.Error(t, err)
	_, err = NewJobService(jobs, queue, emitter, nil, config.JobsConfig{}, config.FilesConfig{}, nil)
	assert.Error(t, err)

	svc, err := NewJobService(jobs, queue, emitter, nil, config.JobsConfig{}, config.FilesConfig{}, log)
	require.NoError(t, err)
	assert.NotNil(t, svc.metrics)
}

func TestJobService_Submit(t *testing.T) {
	ctx := context.Background()
	f := newJobFixture(t)

	job, err := f.svc.Submit(ctx, alice, SubmitRequest{
		URLs:           []string{"https://example.com/a"},
		Text:           "extra notes",
		TTSModel:       "gemini",
		TranscriptOnly: true,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusWaiting, job.Status)
	assert.Equal(t, alice, job.OwnerID)
	assert.Equal(t, baseTime, job.CreatedAt)
	assert.NotEmpty(t, job.Fingerprint)
	assert.Equal(t, filepath.Join(f.cfg.OutputDirectory, job.ID.String()), job.Parameters.Output.AudioDir)
	assert.Equal(t, filepath.Join(f.cfg.TempDirectory, job.ID.String()), job.Parameters.Output.TempDir)
	assert.DirExists(t, job.Parameters.Output.AudioDir)
	assert.DirExists(t, job.Parameters.Output.TempDir)

	stored, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Fingerprint, stored.Fingerprint)

	require.Len(t, f.emitter.events, 1)
	assert.Equal(t, events.JobSubmitted, f.emitter.events[0].Type)
	assert.Equal(t, job.ID, f.emitter.events[0].JobID)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.JobsSubmitted))
}

func TestJobService_SubmitSameRequestSameFingerprint(t *testing.T) {
	ctx := context.Background()
	f := newJobFixture(t)
	req := SubmitRequest{URLs: []string{"https://example.com/a"}, Text: "same"}

	first, err := f.svc.Submit(ctx, alice, req)
	require.NoError(t, err)
	second, err := f.svc.Submit(ctx, bob, req)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, first.Parameters.Output.TempDir, second.Parameters.Output.TempDir)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
}

func TestJobService_SubmitUploads(t *testing.T) {
	ctx := context.Background()
	f := newJobFixture(t)

	job, err := f.svc.Submit(ctx, alice, SubmitRequest{
		URLs:       []string{"https://example.com/a"},
		Files:      []Upload{{Filename: "../notes.TXT", Content: strings.NewReader("file body")}},
		Transcript: &Upload{Filename: "script.txt", Content: strings.NewReader("Person1: hi")},
	})
	require.NoError(t, err)

	require.Len(t, job.Parameters.Sources, 2)
	saved := job.Parameters.Sources[0]
	assert.Equal(t, filepath.Join(job.Parameters.Output.TempDir, "notes.TXT"), saved)
	assert.Equal(t, "https://example.com/a", job.Parameters.Sources[1])

	data, err := os.ReadFile(saved)
	require.NoError(t, err)
	assert.Equal(t, "file body", string(data))

	data, err = os.ReadFile(job.Parameters.TranscriptPath)
	require.NoError(t, err)
	assert.Equal(t, "Person1: hi", string(data))
}

func TestJobService_SubmitRejects(t *testing.T) {
	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{"no input", SubmitRequest{}},
		{"blank text only", SubmitRequest{Text: "   "}},
		{"blank url", SubmitRequest{URLs: []string{""}}},
		{"disallowed extension", SubmitRequest{Files: []Upload{{Filename: "run.exe", Content: strings.NewReader("x")}}}},
		{"oversized upload", SubmitRequest{Files: []Upload{{
			Filename: "big.txt",
			Content:  bytes.NewReader(make([]byte, 1024*1024+1)),
		}}}},
		{"duplicate file names", SubmitRequest{Files: []Upload{
			{Filename: "notes.txt", Content: strings.NewReader("first")},
			{Filename: "other/notes.txt", Content: strings.NewReader("second")},
		}}},
		{"transcript named like a file", SubmitRequest{
			Files:      []Upload{{Filename: "script.txt", Content: strings.NewReader("source")}},
			Transcript: &Upload{Filename: "script.txt", Content: strings.NewReader("Person1: hi")},
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newJobFixture(t)

			job, err := f.svc.Submit(context.Background(), alice, tc.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.Nil(t, job)

			jobs, err := f.jobs.List(context.Background(), store.JobFilter{})
			require.NoError(t, err)
			assert.Empty(t, jobs)
			assert.Empty(t, f.emitter.events)

			entries, _ := os.ReadDir(f.cfg.TempDirectory)
			assert.Empty(t, entries)
		})
	}
}

func TestJobService_SubmitEmitFailureIsNotFatal(t *testing.T) {
	f := newJobFixture(t)
	f.emitter.err = errors.New("no handlers")

	job, err := f.svc.Submit(context.Background(), alice, SubmitRequest{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusWaiting, job.Status)
}

func TestJobService_Get(t *testing.T) {
	ctx := context.Background()
	f := newJobFixture(t)
	job := f.seed(t, alice, 0, nil)

	got, err := f.svc.Get(ctx, alice, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)

	_, err = f.svc.Get(ctx, bob, job.ID)
	assert.ErrorIs(t, err, ErrNotOwned)

	_, err = f.svc.Get(ctx, alice, uuid.New())
	assert.ErrorIs(t, err, store.ErrJobNotFound)

	var serviceErr *ServiceError
	require.ErrorAs(t, err, &serviceErr)
	assert.Equal(t, "get_job", serviceErr.Operation)
}

func TestJobService_List(t *testing.T) {
	ctx := context.Background()
	f := newJobFixture(t)

	old := f.seed(t, alice, 2*time.Hour, nil)
	var recent []*domain.Job
	for i := 0; i < 5; i++ {
		recent = append(recent, f.seed(t, alice, time.Duration(50-i)*time.Minute, nil))
	}
	done := f.seed(t, alice, 10*time.Minute, completed(domain.Result{TranscriptPath: "t.txt"}))
	f.seed(t, bob, time.Minute, nil)

	running := uuid.New()
	queueStatus := task.QueueStatus{MaxConcurrent: 2, Processing: 1, ProcessingIDs: []uuid.UUID{running}}
	f.queue.On("Status").Return(queueStatus)

	t.Run("defaults to the last hour", func(t *testing.T) {
		res, err := f.svc.List(ctx, alice, ListQuery{})
		require.NoError(t, err)
		assert.Equal(t, 6, res.Total)
		assert.Equal(t, 1, res.Page)
		assert.Equal(t, DefaultPageSize, res.PageSize)
		require.Len(t, res.Jobs, 6)
		assert.Equal(t, recent[0].ID, res.Jobs[0].ID)
		assert.Equal(t, done.ID, res.Jobs[5].ID)
		assert.Equal(t, queueStatus, res.Queue)
	})

	t.Run("wider time range", func(t *testing.T) {
		res, err := f.svc.List(ctx, alice, ListQuery{TimeRangeMinutes: 180})
		require.NoError(t, err)
		assert.Equal(t, 7, res.Total)
		assert.Equal(t, old.ID, res.Jobs[0].ID)
	})

	t.Run("status filter", func(t *testing.T) {
		res, err := f.svc.List(ctx, alice, ListQuery{Status: domain.JobStatusCompleted})
		require.NoError(t, err)
		require.Len(t, res.Jobs, 1)
		assert.Equal(t, done.ID, res.Jobs[0].ID)
	})

	t.Run("pagination", func(t *testing.T) {
		res, err := f.svc.List(ctx, alice, ListQuery{Page: 2, PageSize: 4})
		require.NoError(t, err)
		assert.Equal(t, 6, res.Total)
		require.Len(t, res.Jobs, 2)
		assert.Equal(t, recent[4].ID, res.Jobs[0].ID)

		res, err = f.svc.List(ctx, alice, ListQuery{Page: 5, PageSize: 4})
		require.NoError(t, err)
		assert.Empty(t, res.Jobs)
		assert.NotNil(t, res.Jobs)
	})

	t.Run("page size is capped", func(t *testing.T) {
		res, err := f.svc.List(ctx, alice, ListQuery{PageSize: 1000})
		require.NoError(t, err)
		assert.Equal(t, MaxPageSize, res.PageSize)
	})

	t.Run("unknown status", func(t *testing.T) {
		_, err := f.svc.List(ctx, alice, ListQuery{Status: "bogus"})
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})
}

func TestJobService_StopJobs(t *testing.T) {
	ctx := context.Background()
	f := newJobFixture(t)

	waiting := f.seed(t, alice, 0, nil)
	done := f.seed(t, alice, 0, completed(domain.Result{TranscriptPath: "t.txt"}))
	foreign := f.seed(t, bob, 0, nil)
	broken := f.seed(t, alice, 0, nil)
	missing := uuid.New()

	f.queue.On("StopJob", mock.Anything, waiting.ID).Return(domain.JobStatusWaiting, nil)
	f.queue.On("StopJob", mock.Anything, done.ID).
		Return(domain.JobStatusCompleted, task.ErrNotStoppable)
	f.queue.On("StopJob", mock.Anything, broken.ID).
		Return(domain.JobStatus(""), errors.New("store unavailable"))

	res, err := f.svc.StopJobs(ctx, alice, []uuid.UUID{waiting.ID, done.ID, foreign.ID, missing, broken.ID})
	require.NoError(t, err)

	assert.Equal(t, []uuid.UUID{waiting.ID}, res.Stopped)
	assert.ElementsMatch(t, []uuid.UUID{done.ID, foreign.ID, missing, broken.ID}, res.NotStoppable)
	f.queue.AssertNotCalled(t, "StopJob", mock.Anything, foreign.ID)
	f.queue.AssertNotCalled(t, "StopJob", mock.Anything, missing)
	f.queue.AssertExpectations(t)
}

func TestJobService_Cleanup(t *testing.T) {
	ctx := context.Background()

	writeFile := func(t *testing.T, path string) string {
		t.Helper()
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))
		return path
	}

	t.Run("deletes old jobs and keeps running ones", func(t *testing.T) {
		f := newJobFixture(t)
		f.queue.On("Holds", mock.Anything).Return(false)

		dir := t.TempDir()
		audio := writeFile(t, filepath.Join(dir, "podcast.wav"))
		tempDir := filepath.Join(dir, "tmp")
		writeFile(t, filepath.Join(tempDir, "upload.txt"))

		oldDone := f.seed(t, alice, 72*time.Hour, func(j *domain.Job) {
			j.Parameters.Output.TempDir = tempDir
			completed(domain.Result{AudioPath: audio})(j)
		})
		require.NoError(t, f.jobs.ClaimFingerprint(ctx, oldDone.Fingerprint, oldDone.ID))
		oldRunning := f.seed(t, alice, 72*time.Hour, processing)
		recent := f.seed(t, alice, time.Hour, nil)
		foreign := f.seed(t, bob, 72*time.Hour, nil)

		days := 2
		res, err := f.svc.Cleanup(ctx, alice, CleanupQuery{BeforeDays: &days})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Deleted)
		assert.Equal(t, 2, res.Skipped)

		_, err = f.jobs.Get(ctx, oldDone.ID)
		assert.ErrorIs(t, err, store.ErrJobNotFound)
		for _, kept := range []*domain.Job{oldRunning, recent, foreign} {
			_, err = f.jobs.Get(ctx, kept.ID)
			assert.NoError(t, err)
		}

		_, ok, err := f.jobs.LookupFingerprint(ctx, oldDone.Fingerprint)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.NoFileExists(t, audio)
		assert.NoDirExists(t, tempDir)
	})

	t.Run("status filter without cutoff", func(t *testing.T) {
		f := newJobFixture(t)
		f.queue.On("Holds", mock.Anything).Return(false)

		waiting := f.seed(t, alice, 0, nil)
		done := f.seed(t, alice, 0, completed(domain.Result{TranscriptPath: "missing.txt"}))

		res, err := f.svc.Cleanup(ctx, alice, CleanupQuery{Status: domain.JobStatusCompleted})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Deleted)
		assert.Equal(t, 0, res.Skipped)

		_, err = f.jobs.Get(ctx, done.ID)
		assert.ErrorIs(t, err, store.ErrJobNotFound)
		_, err = f.jobs.Get(ctx, waiting.ID)
		assert.NoError(t, err)
	})

	t.Run("skips a job held by the scheduler", func(t *testing.T) {
		f := newJobFixture(t)
		held := f.seed(t, alice, 0, nil)
		f.queue.On("Holds", held.ID).Return(true)

		res, err := f.svc.Cleanup(ctx, alice, CleanupQuery{})
		require.NoError(t, err)
		assert.Equal(t, 0, res.Deleted)
		assert.Equal(t, 1, res.Skipped)
	})

	t.Run("keeps a newer fingerprint claim", func(t *testing.T) {
		f := newJobFixture(t)
		f.queue.On("Holds", mock.Anything).Return(false)

		old := f.seed(t, alice, 0, completed(domain.Result{TranscriptPath: "t.txt"}))
		newer := uuid.New()
		require.NoError(t, f.jobs.ClaimFingerprint(ctx, old.Fingerprint, newer))

		_, err := f.svc.Cleanup(ctx, alice, CleanupQuery{})
		require.NoError(t, err)

		id, ok, err := f.jobs.LookupFingerprint(ctx, old.Fingerprint)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, newer, id)
	})

	t.Run("keeps files when cleanup is disabled", func(t *testing.T) {
		f := newJobFixture(t)
		f.svc.jobsCfg.CleanupOnComplete = false
		f.queue.On("Holds", mock.Anything).Return(false)

		audio := writeFile(t, filepath.Join(t.TempDir(), "podcast.wav"))
		f.seed(t, alice, 0, completed(domain.Result{AudioPath: audio}))

		res, err := f.svc.Cleanup(ctx, alice, CleanupQuery{})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Deleted)
		assert.FileExists(t, audio)
	})

	t.Run("rejects bad input", func(t *testing.T) {
		f := newJobFixture(t)
		negative := -1
		_, err := f.svc.Cleanup(ctx, alice, CleanupQuery{BeforeDays: &negative})
		assert.ErrorIs(t, err, ErrInvalidRequest)
		_, err = f.svc.Cleanup(ctx, alice, CleanupQuery{Status: "bogus"})
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})
}

func TestJobService_ResolveArtifact(t *testing.T) {
	ctx := context.Background()
	f := newJobFixture(t)
	dir := t.TempDir()

	original := f.seed(t, alice, time.Hour, func(j *domain.Job) {
		audio := filepath.Join(dir, "podcast_"+j.ID.String()+".wav")
		text := filepath.Join(dir, "transcript_"+j.ID.String()+".txt")
		require.NoError(t, os.WriteFile(audio, []byte("RIFF"), 0o644))
		require.NoError(t, os.WriteFile(text, []byte("hi"), 0o644))
		completed(domain.Result{AudioPath: audio, TranscriptPath: text})(j)
	})
	repeat := f.seed(t, alice, 0, func(j *domain.Job) { _ = j.MarkRepeated(original.ID, baseTime) })
	orphan := f.seed(t, alice, 0, func(j *domain.Job) { _ = j.MarkRepeated(uuid.New(), baseTime) })
	waiting := f.seed(t, alice, 0, nil)
	textOnly := f.seed(t, alice, 0, completed(domain.Result{TranscriptPath: filepath.Join(dir, "gone.txt")}))

	t.Run("completed job", func(t *testing.T) {
		art, err := f.svc.ResolveArtifact(ctx, alice, original.ID, ArtifactAudio)
		require.NoError(t, err)
		assert.Equal(t, "podcast_"+original.ID.String()+".wav", art.Filename)
		assert.Equal(t, "audio/wav", art.ContentType)

		art, err = f.svc.ResolveArtifact(ctx, alice, original.ID, ArtifactText)
		require.NoError(t, err)
		assert.Equal(t, "transcript_"+original.ID.String()+".txt", art.Filename)
	})

	t.Run("repeated job serves the original renamed", func(t *testing.T) {
		art, err := f.svc.ResolveArtifact(ctx, alice, repeat.ID, ArtifactAudio)
		require.NoError(t, err)
		assert.Equal(t, original.Result.AudioPath, art.Path)
		assert.Equal(t, "podcast_"+repeat.ID.String()+".wav", art.Filename)
	})

	tests := []struct {
		name  string
		owner string
		id    uuid.UUID
		kind  ArtifactKind
		want  error
	}{
		{"original gone", alice, orphan.ID, ArtifactAudio, ErrOriginalNotFound},
		{"not completed", alice, waiting.ID, ArtifactText, ErrJobNotCompleted},
		{"no audio produced", alice, textOnly.ID, ArtifactAudio, ErrArtifactNotFound},
		{"file removed", alice, textOnly.ID, ArtifactText, ErrArtifactNotFound},
		{"other owner", bob, original.ID, ArtifactAudio, ErrNotOwned},
		{"unknown job", alice, uuid.New(), ArtifactAudio, store.ErrJobNotFound},
		{"unknown kind", alice, original.ID, ArtifactKind("video"), ErrInvalidRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.ResolveArtifact(ctx, tc.owner, tc.id, tc.kind)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}
