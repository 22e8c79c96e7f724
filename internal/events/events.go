package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Job event types.
const (
	// JobSubmitted is emitted after a new waiting job has been stored.
	JobSubmitted = "job_submitted"

	// JobStopped is emitted after a stop request has been persisted.
	JobStopped = "job_stopped"
)

// JobEvent describes a change to a job's lifecycle.
type JobEvent struct {
	// ID is a unique identifier for this event
	ID uuid.UUID `json:"id"`

	// Type is one of the Job* constants
	Type string `json:"type"`

	JobID   uuid.UUID `json:"job_id"`
	OwnerID string    `json:"owner_id"`

	// CreatedAt is the timestamp when the event was created
	CreatedAt time.Time `json:"created_at"`
}

// NewJobEvent creates a JobEvent of the given type.
func NewJobEvent(eventType string, jobID uuid.UUID, ownerID string) *JobEvent {
	return &JobEvent{
		ID:        uuid.New(),
		Type:      eventType,
		JobID:     jobID,
		OwnerID:   ownerID,
		CreatedAt: time.Now().UTC(),
	}
}

// EventHandler defines an interface for components that can handle events.
type EventHandler interface {
	// HandleEvent processes the given event within the provided context.
	HandleEvent(ctx context.Context, event *JobEvent) error
}

// EventEmitter defines an interface for components that can emit events.
type EventEmitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	EmitEvent(ctx context.Context, event *JobEvent) error
}
