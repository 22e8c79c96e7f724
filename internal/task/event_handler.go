package task

import (
	"context"
	"log/slog"

	"github.com/phrazzld/castqueue/internal/events"
)

// DispatchEventHandler runs a dispatch pass whenever a job is submitted.
type DispatchEventHandler struct {
	scheduler interface {
		Dispatch(ctx context.Context) error
	}
	logger *slog.Logger
}

// NewDispatchEventHandler creates a handler that triggers scheduler.
func NewDispatchEventHandler(
	scheduler interface {
		Dispatch(ctx context.Context) error
	},
	logger *slog.Logger,
) *DispatchEventHandler {
	return &DispatchEventHandler{
		scheduler: scheduler,
		logger:    logger.With("component", "dispatch_event_handler"),
	}
}

// HandleEvent implements events.EventHandler.
func (h *DispatchEventHandler) HandleEvent(ctx context.Context, event *events.JobEvent) error {
	if event.Type != events.JobSubmitted {
		h.logger.Debug("ignoring event", "event_type", event.Type, "event_id", event.ID)
		return nil
	}

	h.logger.Debug("job submitted, dispatching", "job_id", event.JobID, "event_id", event.ID)
	return h.scheduler.Dispatch(context.WithoutCancel(ctx))
}

var _ events.EventHandler = (*DispatchEventHandler)(nil)
