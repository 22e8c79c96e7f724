package api

import (
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/castqueue/internal/domain"
	"github.com/phrazzld/castqueue/internal/fingerprint"
	"github.com/phrazzld/castqueue/internal/service"
	"github.com/phrazzld/castqueue/internal/task"
)

// RegisterRequest defines the payload for the user registration endpoint.
type RegisterRequest struct {
	Email    string `json:"email"    validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// LoginRequest defines the payload for the user login endpoint.
type LoginRequest struct {
	Email    string `json:"email"    validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// ChangePasswordRequest defines the payload for the password change endpoint.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password"     validate:"required,min=8,max=72"`
}

// TokenResponse is returned by a successful login.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// UserResponse describes an account without its credentials.
type UserResponse struct {
	Email     string    `json:"email"`
	IsActive  bool      `json:"is_active"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
}

// SetAdminRequest toggles the admin flag.
type SetAdminRequest struct {
	IsAdmin *bool `json:"is_admin" validate:"required"`
}

// SubmitJobRequest is the JSON form of a submission. Multipart submissions
// carry the same fields as form values plus uploaded files.
type SubmitJobRequest struct {
	URLs           []string       `json:"urls"                validate:"omitempty,max=50,dive,required,max=2048"`
	Text           string         `json:"text"                validate:"max=200000"`
	TTSModel       string         `json:"tts_model"           validate:"max=100"`
	TranscriptOnly bool           `json:"transcript_only"`
	Config         map[string]any `json:"config"`
	Conversation   map[string]any `json:"conversation_config"`
}

// SubmitJobResponse acknowledges an admitted job.
type SubmitJobResponse struct {
	JobID   uuid.UUID `json:"job_id"`
	Status  string    `json:"status"`
	Message string    `json:"message"`
}

// ListJobsQuery holds the parsed query string of GET /api/jobs.
type ListJobsQuery struct {
	Status    string `validate:"omitempty,oneof=waiting processing completed failed stopped repeated"`
	TimeRange int    `validate:"gte=1"`
	Page      int    `validate:"gte=1"`
	PageSize  int    `validate:"gte=1,lte=100"`
}

// ListJobsResponse is one page of jobs plus the scheduler's occupancy.
type ListJobsResponse struct {
	OwnerID     string           `json:"user_id"`
	TotalJobs   int              `json:"total_jobs"`
	Page        int              `json:"page"`
	PageSize    int              `json:"page_size"`
	Jobs        []JobView        `json:"jobs"`
	QueueStatus task.QueueStatus `json:"queue_status"`
}

// StopJobsRequest names the jobs to stop.
type StopJobsRequest struct {
	JobIDs []string `json:"job_ids" validate:"required,min=1,max=100,dive,uuid"`
}

// StopJobsResponse partitions a batch stop.
type StopJobsResponse struct {
	StoppedJobs      []uuid.UUID `json:"stopped_jobs"`
	NotStoppableJobs []uuid.UUID `json:"not_stoppable_jobs"`
}

// ClearJobsResponse reports a retention cleanup.
type ClearJobsResponse struct {
	DeletedCount int `json:"deleted_count"`
	SkippedCount int `json:"skipped_count"`
}

// JobView is the client-facing rendering of a job record. Local sources are
// reduced to their base names; the failure reason and the original job id
// only appear for failed and repeated jobs respectively.
type JobView struct {
	JobID               uuid.UUID      `json:"job_id"`
	Status              string         `json:"status"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
	Sources             []string       `json:"urls,omitempty"`
	HasText             bool           `json:"has_text,omitempty"`
	TTSModel            string         `json:"tts_model,omitempty"`
	TranscriptOnly      bool           `json:"transcript_only"`
	Config              map[string]any `json:"config,omitempty"`
	Conversation        map[string]any `json:"conversation_config,omitempty"`
	FailureReason       string         `json:"fail_reason,omitempty"`
	RepeatedOf          *uuid.UUID     `json:"repeated_job_id,omitempty"`
	AudioAvailable      bool           `json:"audio_available"`
	TranscriptAvailable bool           `json:"transcript_available"`
}

func jobToView(job *domain.Job) JobView {
	sources := make([]string, 0, len(job.Parameters.Sources))
	for _, src := range job.Parameters.Sources {
		if fingerprint.IsNetworkSource(src) {
			sources = append(sources, src)
		} else {
			sources = append(sources, filepath.Base(src))
		}
	}

	view := JobView{
		JobID:          job.ID,
		Status:         string(job.Status),
		CreatedAt:      job.CreatedAt,
		UpdatedAt:      job.UpdatedAt,
		Sources:        sources,
		HasText:        job.Parameters.Text != "",
		TTSModel:       job.Parameters.TTSModel,
		TranscriptOnly: job.Parameters.TranscriptOnly,
		Config:         job.Parameters.Generation,
		Conversation:   job.Parameters.Conversation,
	}
	switch job.Status {
	case domain.JobStatusFailed:
		view.FailureReason = job.FailureReason
	case domain.JobStatusRepeated:
		view.RepeatedOf = job.RepeatedOf
	}
	if job.Result != nil {
		view.AudioAvailable = job.Result.AudioPath != ""
		view.TranscriptAvailable = job.Result.TranscriptPath != ""
	}
	return view
}

func userToResponse(user *domain.User) UserResponse {
	return UserResponse{
		Email:     user.Email,
		IsActive:  user.IsActive,
		IsAdmin:   user.IsAdmin,
		CreatedAt: user.CreatedAt,
	}
}

func stopResultToResponse(res *service.StopResult) StopJobsResponse {
	return StopJobsResponse{
		StoppedJobs:      res.Stopped,
		NotStoppableJobs: res.NotStoppable,
	}
}
