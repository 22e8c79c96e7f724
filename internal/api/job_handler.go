package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/phrazzld/castqueue/internal/api/shared"
	"github.com/phrazzld/castqueue/internal/domain"
	"github.com/phrazzld/castqueue/internal/platform/logger"
	"github.com/phrazzld/castqueue/internal/service"
)

// multipartMemory is how much of a multipart body is buffered in memory
// before spilling to temp files.
const multipartMemory = 32 << 20

// JobService is the job API the handlers need.
// *service.JobService satisfies it.
type JobService interface {
	Submit(ctx context.Context, ownerID string, req service.SubmitRequest) (*domain.Job, error)
	Get(ctx context.Context, ownerID string, id uuid.UUID) (*domain.Job, error)
	List(ctx context.Context, ownerID string, q service.ListQuery) (*service.ListResult, error)
	StopJobs(ctx context.Context, ownerID string, ids []uuid.UUID) (*service.StopResult, error)
	Cleanup(ctx context.Context, ownerID string, q service.CleanupQuery) (*service.CleanupResult, error)
	ResolveArtifact(ctx context.Context, ownerID string, id uuid.UUID, kind service.ArtifactKind) (*service.Artifact, error)
}

// JobHandler handles job submission, queries and control requests.
type JobHandler struct {
	jobs            JobService
	maxRequestBytes int64
	logger          *slog.Logger
}

// NewJobHandler creates a JobHandler. maxRequestBytes bounds a whole
// submission body including uploads.
func NewJobHandler(jobs JobService, maxRequestBytes int64, logger *slog.Logger) *JobHandler {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for JobHandler")
	}
	return &JobHandler{
		jobs:            jobs,
		maxRequestBytes: maxRequestBytes,
		logger:          logger.With(slog.String("component", "job_handler")),
	}
}

// Submit handles POST /api/jobs. The body is either a JSON SubmitJobRequest
// or a multipart form with the same fields, uploaded "files" and an optional
// "transcript_file".
func (h *JobHandler) Submit(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	var (
		body    SubmitJobRequest
		uploads []service.Upload
		script  *service.Upload
	)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBytes)
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				shared.RespondWithError(w, r, http.StatusRequestEntityTooLarge, "Request too large")
				return
			}
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid multipart form")
			return
		}
		defer func() { _ = r.MultipartForm.RemoveAll() }()

		var msg string
		if body, msg = formToRequest(r.MultipartForm); msg != "" {
			shared.RespondWithError(w, r, http.StatusBadRequest, msg)
			return
		}

		var closers []io.Closer
		defer func() {
			for _, c := range closers {
				_ = c.Close()
			}
		}()
		for _, fh := range r.MultipartForm.File["files"] {
			f, err := fh.Open()
			if err != nil {
				HandleAPIError(w, r, err, "Failed to read upload")
				return
			}
			closers = append(closers, f)
			uploads = append(uploads, service.Upload{Filename: fh.Filename, Content: f})
		}
		if fhs := r.MultipartForm.File["transcript_file"]; len(fhs) > 0 {
			f, err := fhs[0].Open()
			if err != nil {
				HandleAPIError(w, r, err, "Failed to read transcript")
				return
			}
			closers = append(closers, f)
			script = &service.Upload{Filename: fhs[0].Filename, Content: f}
		}
	} else if err := shared.DecodeJSON(w, r, &body); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}

	if err := shared.ValidateRequest(body); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	job, err := h.jobs.Submit(r.Context(), owner, service.SubmitRequest{
		URLs:           body.URLs,
		Files:          uploads,
		Transcript:     script,
		Text:           body.Text,
		TTSModel:       body.TTSModel,
		TranscriptOnly: body.TranscriptOnly,
		Generation:     body.Config,
		Conversation:   body.Conversation,
	})
	if err != nil {
		HandleAPIError(w, r, err, "Failed to submit job")
		return
	}

	log.Debug("job accepted", "job_id", job.ID)
	shared.RespondWithJSON(w, r, http.StatusAccepted, SubmitJobResponse{
		JobID:   job.ID,
		Status:  string(job.Status),
		Message: "Job submitted and waiting to be processed. Poll /api/jobs/" + job.ID.String() + " for its status.",
	})
}

// formToRequest reads the non-file fields of a multipart submission. It
// returns a client message when a field is malformed.
func formToRequest(form *multipart.Form) (SubmitJobRequest, string) {
	value := func(name string) string {
		if v := form.Value[name]; len(v) > 0 {
			return v[0]
		}
		return ""
	}

	req := SubmitJobRequest{
		Text:     value("text"),
		TTSModel: value("tts_model"),
	}
	for _, u := range form.Value["urls"] {
		if u = strings.TrimSpace(u); u != "" {
			req.URLs = append(req.URLs, u)
		}
	}
	if raw := value("transcript_only"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return req, "Invalid transcript_only: must be a boolean"
		}
		req.TranscriptOnly = b
	}
	if raw := value("config"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Config); err != nil {
			return req, "Invalid config: must be a JSON object"
		}
	}
	if raw := value("conversation_config"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Conversation); err != nil {
			return req, "Invalid conversation_config: must be a JSON object"
		}
	}
	return req, ""
}

// Get handles GET /api/jobs/{id}.
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	id, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	job, err := h.jobs.Get(r.Context(), owner, id)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to get job")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, jobToView(job))
}

// List handles GET /api/jobs.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	q := ListJobsQuery{Status: r.URL.Query().Get("status")}
	for _, p := range []struct {
		name string
		dst  *int
		def  int
	}{
		{"time_range", &q.TimeRange, service.DefaultTimeRangeMinutes},
		{"page", &q.Page, 1},
		{"page_size", &q.PageSize, service.DefaultPageSize},
	} {
		v, ok := queryInt(r, p.name, p.def)
		if !ok {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid "+p.name+": must be an integer")
			return
		}
		*p.dst = v
	}
	if err := shared.ValidateRequest(q); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	res, err := h.jobs.List(r.Context(), owner, service.ListQuery{
		Status:           domain.JobStatus(q.Status),
		TimeRangeMinutes: q.TimeRange,
		Page:             q.Page,
		PageSize:         q.PageSize,
	})
	if err != nil {
		HandleAPIError(w, r, err, "Failed to list jobs")
		return
	}

	views := make([]JobView, 0, len(res.Jobs))
	for _, job := range res.Jobs {
		views = append(views, jobToView(job))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, ListJobsResponse{
		OwnerID:     owner,
		TotalJobs:   res.Total,
		Page:        res.Page,
		PageSize:    res.PageSize,
		Jobs:        views,
		QueueStatus: res.Queue,
	})
}

// Stop handles POST /api/jobs/stop.
func (h *JobHandler) Stop(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	var req StopJobsRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	ids := make([]uuid.UUID, 0, len(req.JobIDs))
	for _, raw := range req.JobIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid job_ids: invalid id")
			return
		}
		ids = append(ids, id)
	}

	res, err := h.jobs.StopJobs(r.Context(), owner, ids)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to stop jobs")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, stopResultToResponse(res))
}

// Clear handles DELETE and POST /api/jobs/clear. Query: before_days, status.
func (h *JobHandler) Clear(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	q := service.CleanupQuery{Status: domain.JobStatus(r.URL.Query().Get("status"))}
	if r.URL.Query().Has("before_days") {
		days, ok := queryInt(r, "before_days", 0)
		if !ok {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid before_days: must be an integer")
			return
		}
		q.BeforeDays = &days
	}

	res, err := h.jobs.Cleanup(r.Context(), owner, q)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to clear jobs")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, ClearJobsResponse{
		DeletedCount: res.Deleted,
		SkippedCount: res.Skipped,
	})
}

// DownloadAudio handles GET /api/jobs/{id}/download/audio.
func (h *JobHandler) DownloadAudio(w http.ResponseWriter, r *http.Request) {
	h.download(w, r, service.ArtifactAudio)
}

// DownloadText handles GET /api/jobs/{id}/download/text.
func (h *JobHandler) DownloadText(w http.ResponseWriter, r *http.Request) {
	h.download(w, r, service.ArtifactText)
}

func (h *JobHandler) download(w http.ResponseWriter, r *http.Request, kind service.ArtifactKind) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	id, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	artifact, err := h.jobs.ResolveArtifact(r.Context(), owner, id, kind)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to resolve file")
		return
	}

	f, err := os.Open(artifact.Path)
	if err != nil {
		HandleAPIError(w, r, service.NewServiceError("download_artifact", "failed to open file",
			errors.Join(service.ErrArtifactNotFound, err)), "")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		HandleAPIError(w, r, err, "Failed to read file")
		return
	}

	w.Header().Set("Content-Type", artifact.ContentType)
	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("attachment", map[string]string{"filename": artifact.Filename}))
	http.ServeContent(w, r, artifact.Filename, info.ModTime(), f)
}
