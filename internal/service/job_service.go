package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/castqueue/internal/config"
	"github.com/phrazzld/castqueue/internal/domain"
	"github.com/phrazzld/castqueue/internal/events"
	"github.com/phrazzld/castqueue/internal/fingerprint"
	"github.com/phrazzld/castqueue/internal/metrics"
	"github.com/phrazzld/castqueue/internal/platform/logger"
	"github.com/phrazzld/castqueue/internal/store"
	"github.com/phrazzld/castqueue/internal/task"
)

const (
	// DefaultTimeRangeMinutes is the list window used when none is given.
	DefaultTimeRangeMinutes = 60
	// DefaultPageSize is the list page size used when none is given.
	DefaultPageSize = 20
	// MaxPageSize caps the list page size.
	MaxPageSize = 100
)

// JobRepository is the part of the job store the service needs.
// *store.JobStore satisfies it.
type JobRepository interface {
	Create(ctx context.Context, job *domain.Job) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	List(ctx context.Context, filter store.JobFilter) ([]*domain.Job, error)
	DeleteIf(ctx context.Context, id uuid.UUID, fn func(job *domain.Job) error) (*domain.Job, error)
	ReleaseFingerprint(ctx context.Context, fp string, id uuid.UUID) error
}

var _ JobRepository = (*store.JobStore)(nil)

// QueueController is the part of the scheduler the service needs.
// *task.Scheduler satisfies it.
type QueueController interface {
	Status() task.QueueStatus
	Holds(id uuid.UUID) bool
	StopJob(ctx context.Context, id uuid.UUID) (domain.JobStatus, error)
}

var _ QueueController = (*task.Scheduler)(nil)

// Upload is a file received with a submission.
type Upload struct {
	Filename string
	Content  io.Reader
}

// SubmitRequest carries everything a caller can specify for a new job.
type SubmitRequest struct {
	URLs           []string
	Files          []Upload
	Transcript     *Upload
	Text           string
	TTSModel       string
	TranscriptOnly bool
	Generation     map[string]any
	Conversation   map[string]any
}

// ListQuery filters and pages a job listing. Zero values select the defaults.
type ListQuery struct {
	Status           domain.JobStatus
	TimeRangeMinutes int
	Page             int
	PageSize         int
}

// ListResult is one page of an owner's jobs plus current slot occupancy.
type ListResult struct {
	Total    int
	Page     int
	PageSize int
	Jobs     []*domain.Job
	Queue    task.QueueStatus
}

// StopResult partitions a batch stop request.
type StopResult struct {
	Stopped      []uuid.UUID
	NotStoppable []uuid.UUID
}

// CleanupQuery selects jobs for retention cleanup. A nil BeforeDays matches
// every age; an empty Status matches every status.
type CleanupQuery struct {
	BeforeDays *int
	Status     domain.JobStatus
}

// CleanupResult counts the outcome of a retention cleanup.
type CleanupResult struct {
	Deleted int
	Skipped int
}

// ArtifactKind names a downloadable result file.
type ArtifactKind string

// Downloadable artifacts.
const (
	ArtifactAudio ArtifactKind = "audio"
	ArtifactText  ArtifactKind = "text"
)

// Artifact locates a result file to serve.
type Artifact struct {
	Path        string
	Filename    string
	ContentType string
}

// JobService admits jobs and exposes the owner-scoped query and control
// operations on them.
type JobService struct {
	jobs    JobRepository
	queue   QueueController
	emitter events.EventEmitter
	metrics *metrics.Metrics
	jobsCfg config.JobsConfig
	files   config.FilesConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewJobService creates a JobService.
func NewJobService(
	jobs JobRepository,
	queue QueueController,
	emitter events.EventEmitter,
	m *metrics.Metrics,
	jobsCfg config.JobsConfig,
	files config.FilesConfig,
	logger *slog.Logger,
) (*JobService, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job repository cannot be nil")
	}
	if queue == nil {
		return nil, fmt.Errorf("queue controller cannot be nil")
	}
	if emitter == nil {
		return nil, fmt.Errorf("event emitter cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if m == nil {
		m = metrics.New(nil)
	}

	return &JobService{
		jobs:    jobs,
		queue:   queue,
		emitter: emitter,
		metrics: m,
		jobsCfg: jobsCfg,
		files:   files,
		logger:  logger.With("component", "job_service"),
		now:     time.Now,
	}, nil
}

func (s *JobService) log(ctx context.Context) *slog.Logger {
	return logger.FromContextOrDefault(ctx, s.logger)
}

// Submit validates the request, lays out the job's directories, stores the
// uploads, fingerprints the resolved parameters and records the job as
// waiting. A dispatch is triggered through the event emitter.
func (s *JobService) Submit(ctx context.Context, ownerID string, req SubmitRequest) (*domain.Job, error) {
	const op = "submit_job"
	log := s.log(ctx)

	if len(req.URLs) == 0 && len(req.Files) == 0 && req.Transcript == nil && strings.TrimSpace(req.Text) == "" {
		return nil, invalidRequest(op, "at least one url, file, transcript or text is required")
	}
	for _, u := range req.URLs {
		if strings.TrimSpace(u) == "" {
			return nil, invalidRequest(op, "urls must not be empty")
		}
	}
	for _, f := range req.Files {
		if err := s.checkExtension(f.Filename); err != nil {
			return nil, NewServiceError(op, err.Error(), ErrInvalidRequest)
		}
	}
	if name, dup := duplicateUploadName(req); dup {
		return nil, invalidRequest(op, fmt.Sprintf("duplicate upload file name %q", name))
	}

	id := uuid.New()
	outDir := filepath.Join(s.jobsCfg.OutputDirectory, id.String())
	tempDir := filepath.Join(s.jobsCfg.TempDirectory, id.String())
	for _, dir := range []string{outDir, tempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, NewServiceError(op, "failed to create job directory", err)
		}
	}
	cleanupDirs := func() {
		_ = os.RemoveAll(outDir)
		_ = os.RemoveAll(tempDir)
	}

	sources := make([]string, 0, len(req.Files)+len(req.URLs))
	for _, f := range req.Files {
		path, err := s.saveUpload(tempDir, f)
		if err != nil {
			cleanupDirs()
			return nil, NewServiceError(op, "failed to save upload", err)
		}
		sources = append(sources, path)
	}
	sources = append(sources, req.URLs...)

	params := domain.Parameters{
		Sources:        sources,
		Text:           req.Text,
		TTSModel:       req.TTSModel,
		TranscriptOnly: req.TranscriptOnly,
		Generation:     req.Generation,
		Conversation:   req.Conversation,
		Output: domain.OutputSettings{
			TranscriptDir: outDir,
			AudioDir:      outDir,
			TempDir:       tempDir,
		},
	}
	if req.Transcript != nil {
		path, err := s.saveUpload(tempDir, *req.Transcript)
		if err != nil {
			cleanupDirs()
			return nil, NewServiceError(op, "failed to save transcript", err)
		}
		params.TranscriptPath = path
	}

	job, err := domain.NewJob(id, ownerID, params, fingerprint.Compute(params), s.now())
	if err != nil {
		cleanupDirs()
		return nil, NewServiceError(op, "invalid job", fmt.Errorf("%w: %v", ErrInvalidRequest, err))
	}

	if err := s.jobs.Create(ctx, job); err != nil {
		cleanupDirs()
		log.Error("failed to store job", "job_id", id, "error", err)
		return nil, NewServiceError(op, "failed to store job", err)
	}
	s.metrics.JobsSubmitted.Inc()

	log.Info("job submitted",
		"job_id", job.ID,
		"owner_id", ownerID,
		"sources", len(sources),
		"fingerprint", job.Fingerprint)

	if err := s.emitter.EmitEvent(ctx, events.NewJobEvent(events.JobSubmitted, job.ID, ownerID)); err != nil {
		// the periodic dispatch tick still picks the job up
		log.Warn("failed to emit job submitted event", "job_id", job.ID, "error", err)
	}

	return job, nil
}

func (s *JobService) checkExtension(filename string) error {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, allowed := range s.files.AllowedExtensions {
		if strings.EqualFold(ext, allowed) {
			return nil
		}
	}
	return fmt.Errorf("unsupported file type %q, allowed: %s", ext, strings.Join(s.files.AllowedExtensions, ", "))
}

// duplicateUploadName reports the first base name shared by two uploads.
// Uploads are saved flat into the job's temp directory.
func duplicateUploadName(req SubmitRequest) (string, bool) {
	uploads := req.Files
	if req.Transcript != nil {
		uploads = append(uploads[:len(uploads):len(uploads)], *req.Transcript)
	}
	seen := make(map[string]struct{}, len(uploads))
	for _, u := range uploads {
		name := filepath.Base(u.Filename)
		if _, ok := seen[name]; ok {
			return name, true
		}
		seen[name] = struct{}{}
	}
	return "", false
}

// saveUpload copies u into dir under its base name. The copy fails once it
// exceeds the configured size limit.
func (s *JobService) saveUpload(dir string, u Upload) (string, error) {
	name := filepath.Base(u.Filename)
	if name == "." || name == string(filepath.Separator) || name == "" {
		return "", fmt.Errorf("%w: upload has no file name", ErrInvalidRequest)
	}
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	limit := int64(s.files.MaxFileSizeMB) * 1024 * 1024
	n, err := io.Copy(f, io.LimitReader(u.Content, limit+1))
	if err != nil {
		return "", err
	}
	if n > limit {
		return "", fmt.Errorf("%w: file %s exceeds %d MB", ErrInvalidRequest, name, s.files.MaxFileSizeMB)
	}
	return path, nil
}

// Get returns the caller's job.
func (s *JobService) Get(ctx context.Context, ownerID string, id uuid.UUID) (*domain.Job, error) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return nil, NewServiceError("get_job", "failed to get job", err)
	}
	if !job.OwnedBy(ownerID) {
		s.log(ctx).Warn("job access denied", "job_id", id, "owner_id", ownerID)
		return nil, NewServiceError("get_job", "job belongs to another user", ErrNotOwned)
	}
	return job, nil
}

// List returns one page of the caller's jobs created within the time range,
// oldest first, together with the scheduler's slot occupancy.
func (s *JobService) List(ctx context.Context, ownerID string, q ListQuery) (*ListResult, error) {
	if q.Status != "" && !q.Status.Valid() {
		return nil, invalidRequest("list_jobs", fmt.Sprintf("unknown status %q", q.Status))
	}
	if q.TimeRangeMinutes <= 0 {
		q.TimeRangeMinutes = DefaultTimeRangeMinutes
	}
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}

	filter := store.JobFilter{
		OwnerID:      ownerID,
		CreatedAfter: s.now().Add(-time.Duration(q.TimeRangeMinutes) * time.Minute),
	}
	if q.Status != "" {
		filter.Statuses = []domain.JobStatus{q.Status}
	}

	jobs, err := s.jobs.List(ctx, filter)
	if err != nil {
		return nil, NewServiceError("list_jobs", "failed to list jobs", err)
	}

	result := &ListResult{
		Total:    len(jobs),
		Page:     q.Page,
		PageSize: q.PageSize,
		Jobs:     []*domain.Job{},
		Queue:    s.queue.Status(),
	}
	start := (q.Page - 1) * q.PageSize
	if start < len(jobs) {
		end := start + q.PageSize
		if end > len(jobs) {
			end = len(jobs)
		}
		result.Jobs = jobs[start:end]
	}
	return result, nil
}

// StopJobs stops each of the caller's jobs that has not reached a terminal
// status. Unknown ids, jobs of other users and terminal jobs are reported as
// not stoppable.
func (s *JobService) StopJobs(ctx context.Context, ownerID string, ids []uuid.UUID) (*StopResult, error) {
	log := s.log(ctx)
	result := &StopResult{Stopped: []uuid.UUID{}, NotStoppable: []uuid.UUID{}}

	for _, id := range ids {
		job, err := s.jobs.Get(ctx, id)
		if err != nil {
			if !errors.Is(err, store.ErrJobNotFound) {
				log.Error("failed to read job for stop", "job_id", id, "error", err)
			}
			result.NotStoppable = append(result.NotStoppable, id)
			continue
		}
		if !job.OwnedBy(ownerID) {
			log.Warn("stop denied for job of another user", "job_id", id, "owner_id", ownerID)
			result.NotStoppable = append(result.NotStoppable, id)
			continue
		}

		if _, err := s.queue.StopJob(ctx, id); err != nil {
			if !errors.Is(err, task.ErrNotStoppable) {
				log.Error("failed to stop job", "job_id", id, "error", err)
			}
			result.NotStoppable = append(result.NotStoppable, id)
			continue
		}
		result.Stopped = append(result.Stopped, id)
	}

	log.Info("stop request handled",
		"owner_id", ownerID,
		"stopped", len(result.Stopped),
		"not_stoppable", len(result.NotStoppable))
	return result, nil
}

// errStillProcessing aborts the deletion of a job that is running.
var errStillProcessing = errors.New("job is processing")

// Cleanup deletes the caller's jobs matching q. Jobs newer than the cutoff
// and jobs still processing are skipped. Each deleted job releases its
// fingerprint entry if that entry still points at it, and, when cleanup is
// enabled, its temp directory and result files are removed.
func (s *JobService) Cleanup(ctx context.Context, ownerID string, q CleanupQuery) (*CleanupResult, error) {
	const op = "cleanup_jobs"
	log := s.log(ctx)

	if q.Status != "" && !q.Status.Valid() {
		return nil, invalidRequest(op, fmt.Sprintf("unknown status %q", q.Status))
	}
	if q.BeforeDays != nil && *q.BeforeDays < 0 {
		return nil, invalidRequest(op, "before_days must not be negative")
	}

	filter := store.JobFilter{OwnerID: ownerID}
	if q.Status != "" {
		filter.Statuses = []domain.JobStatus{q.Status}
	}
	jobs, err := s.jobs.List(ctx, filter)
	if err != nil {
		return nil, NewServiceError(op, "failed to list jobs", err)
	}

	var cutoff time.Time
	if q.BeforeDays != nil {
		cutoff = s.now().AddDate(0, 0, -*q.BeforeDays)
	}

	result := &CleanupResult{}
	for _, candidate := range jobs {
		if !cutoff.IsZero() && candidate.CreatedAt.After(cutoff) {
			result.Skipped++
			continue
		}

		deleted, err := s.jobs.DeleteIf(ctx, candidate.ID, func(job *domain.Job) error {
			if job.Status == domain.JobStatusProcessing || s.queue.Holds(job.ID) {
				return errStillProcessing
			}
			return nil
		})
		if err != nil {
			switch {
			case errors.Is(err, errStillProcessing):
				result.Skipped++
			case errors.Is(err, store.ErrJobNotFound):
			default:
				return result, NewServiceError(op, "failed to delete job", err)
			}
			continue
		}

		if err := s.jobs.ReleaseFingerprint(ctx, deleted.Fingerprint, deleted.ID); err != nil {
			log.Warn("failed to release fingerprint", "job_id", deleted.ID, "error", err)
		}
		if s.jobsCfg.CleanupOnComplete {
			s.removeFiles(log, deleted)
		}
		result.Deleted++
	}

	log.Info("job cleanup finished",
		"owner_id", ownerID,
		"deleted", result.Deleted,
		"skipped", result.Skipped)
	return result, nil
}

func (s *JobService) removeFiles(log *slog.Logger, job *domain.Job) {
	if dir := job.Parameters.Output.TempDir; dir != "" {
		if err := os.RemoveAll(dir); err != nil {
			log.Warn("failed to remove temp directory", "job_id", job.ID, "path", dir, "error", err)
		}
	}
	if job.Result == nil {
		return
	}
	for _, path := range []string{job.Result.AudioPath, job.Result.TranscriptPath} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("failed to remove result file", "job_id", job.ID, "path", path, "error", err)
		}
	}
}

// ResolveArtifact locates the result file of kind for the caller's job. A
// repeated job serves its original's file, renamed after the requesting job.
func (s *JobService) ResolveArtifact(ctx context.Context, ownerID string, id uuid.UUID, kind ArtifactKind) (*Artifact, error) {
	const op = "download_artifact"

	if kind != ArtifactAudio && kind != ArtifactText {
		return nil, invalidRequest(op, fmt.Sprintf("unknown artifact %q", kind))
	}

	job, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	source := job
	switch job.Status {
	case domain.JobStatusCompleted:
	case domain.JobStatusRepeated:
		original, err := s.jobs.Get(ctx, *job.RepeatedOf)
		if err != nil || original.Status != domain.JobStatusCompleted {
			return nil, NewServiceError(op, "original job unavailable", ErrOriginalNotFound)
		}
		source = original
	default:
		return nil, NewServiceError(op, fmt.Sprintf("job status is %s", job.Status), ErrJobNotCompleted)
	}

	var path, contentType string
	if source.Result != nil {
		switch kind {
		case ArtifactAudio:
			path, contentType = source.Result.AudioPath, "audio/wav"
		case ArtifactText:
			path, contentType = source.Result.TranscriptPath, "text/plain; charset=utf-8"
		}
	}
	if path == "" {
		return nil, NewServiceError(op, fmt.Sprintf("job has no %s artifact", kind), ErrArtifactNotFound)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, NewServiceError(op, fmt.Sprintf("%s file missing", kind), ErrArtifactNotFound)
	}

	filename := filepath.Base(path)
	if source.ID != job.ID {
		filename = strings.ReplaceAll(filename, source.ID.String(), job.ID.String())
	}
	return &Artifact{Path: path, Filename: filename, ContentType: contentType}, nil
}
