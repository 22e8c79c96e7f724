package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

// Possible job status values.
const (
	JobStatusWaiting    JobStatus = "waiting"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusStopped    JobStatus = "stopped"
	JobStatusRepeated   JobStatus = "repeated"
)

// GenericFailureReason is recorded when an execution returns without any artifact.
const GenericFailureReason = "execution produced no valid result"

// allowed lists the statuses reachable from each non-terminal status.
// Nothing ever moves back to waiting.
var allowed = map[JobStatus][]JobStatus{
	JobStatusWaiting:    {JobStatusProcessing, JobStatusRepeated, JobStatusStopped},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed, JobStatusStopped},
}

// ParseJobStatus converts s into a JobStatus.
func ParseJobStatus(s string) (JobStatus, error) {
	status := JobStatus(s)
	if !status.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidJobStatus, s)
	}
	return status, nil
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusWaiting, JobStatusProcessing, JobStatusCompleted,
		JobStatusFailed, JobStatusStopped, JobStatusRepeated:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is possible from s.
func (s JobStatus) Terminal() bool {
	_, ok := allowed[s]
	return s.Valid() && !ok
}

// CanTransitionTo reports whether next is reachable from s.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, candidate := range allowed[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// OutputSettings holds the per-job artifact locations. They are derived from
// the job id and never take part in fingerprinting.
type OutputSettings struct {
	TranscriptDir string `json:"transcript_dir,omitempty"`
	AudioDir      string `json:"audio_dir,omitempty"`
	TempDir       string `json:"temp_dir,omitempty"`
}

// Parameters is the resolved execution configuration of a job. The scheduler
// never looks inside it; it is handed verbatim to the executor.
type Parameters struct {
	Sources        []string       `json:"sources,omitempty"`
	Text           string         `json:"text,omitempty"`
	TranscriptPath string         `json:"transcript_path,omitempty"`
	TTSModel       string         `json:"tts_model,omitempty"`
	TranscriptOnly bool           `json:"transcript_only"`
	Generation     map[string]any `json:"generation,omitempty"`
	Conversation   map[string]any `json:"conversation,omitempty"`
	Output         OutputSettings `json:"output"`
}

// HasInput reports whether the parameters name anything to work from.
func (p Parameters) HasInput() bool {
	return len(p.Sources) > 0 || p.Text != "" || p.TranscriptPath != ""
}

// Result holds the artifacts of a completed job.
type Result struct {
	TranscriptPath string `json:"transcript_path,omitempty"`
	AudioPath      string `json:"audio_path,omitempty"`
}

// Empty reports whether the result names no artifact at all.
func (r Result) Empty() bool {
	return r.TranscriptPath == "" && r.AudioPath == ""
}

// Job is one submitted generation request and its lifecycle.
type Job struct {
	ID            uuid.UUID  `json:"job_id"`
	OwnerID       string     `json:"owner_id"`
	Status        JobStatus  `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	Fingerprint   string     `json:"fingerprint"`
	Parameters    Parameters `json:"parameters"`
	Result        *Result    `json:"result,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	RepeatedOf    *uuid.UUID `json:"repeated_of,omitempty"`
}

// NewJob creates a waiting job with the given id.
func NewJob(id uuid.UUID, ownerID string, params Parameters, fingerprint string, now time.Time) (*Job, error) {
	job := &Job{
		ID:          id,
		OwnerID:     ownerID,
		Status:      JobStatusWaiting,
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
		Fingerprint: fingerprint,
		Parameters:  params,
	}

	if err := job.Validate(); err != nil {
		return nil, err
	}
	return job, nil
}

// Validate checks the record's structural invariants.
func (j *Job) Validate() error {
	if j.ID == uuid.Nil {
		return NewValidationError("job_id", "cannot be empty", ErrInvalidID)
	}
	if j.OwnerID == "" {
		return NewValidationError("owner_id", "cannot be empty", nil)
	}
	if !j.Status.Valid() {
		return NewValidationError("status", "is not a known status", ErrInvalidJobStatus)
	}
	if j.Fingerprint == "" {
		return NewValidationError("fingerprint", "cannot be empty", nil)
	}
	if (j.Status == JobStatusRepeated) != (j.RepeatedOf != nil) {
		return NewValidationError("repeated_of", "must be set exactly when status is repeated", nil)
	}
	return nil
}

// IsTerminal reports whether the job has reached a final status.
func (j *Job) IsTerminal() bool {
	return j.Status.Terminal()
}

// OwnedBy reports whether ownerID submitted this job.
func (j *Job) OwnedBy(ownerID string) bool {
	return j.OwnerID == ownerID
}

func (j *Job) transition(next JobStatus, now time.Time) error {
	if !j.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, next)
	}
	j.Status = next
	j.UpdatedAt = now.UTC()
	return nil
}

// MarkProcessing moves a waiting job into execution.
func (j *Job) MarkProcessing(now time.Time) error {
	return j.transition(JobStatusProcessing, now)
}

// MarkCompleted records the artifacts of a successful execution.
func (j *Job) MarkCompleted(result Result, now time.Time) error {
	if result.Empty() {
		return ErrEmptyResult
	}
	if err := j.transition(JobStatusCompleted, now); err != nil {
		return err
	}
	j.Result = &result
	return nil
}

// MarkFailed records why execution failed.
func (j *Job) MarkFailed(reason string, now time.Time) error {
	if err := j.transition(JobStatusFailed, now); err != nil {
		return err
	}
	if reason == "" {
		reason = GenericFailureReason
	}
	j.FailureReason = reason
	return nil
}

// MarkRepeated points the job at an already completed job with the same fingerprint.
func (j *Job) MarkRepeated(original uuid.UUID, now time.Time) error {
	if original == uuid.Nil || original == j.ID {
		return NewValidationError("repeated_of", "must reference another job", ErrInvalidID)
	}
	if err := j.transition(JobStatusRepeated, now); err != nil {
		return err
	}
	j.RepeatedOf = &original
	return nil
}

// MarkStopped records a user stop request.
func (j *Job) MarkStopped(now time.Time) error {
	return j.transition(JobStatusStopped, now)
}
