package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/car-rental-booking/internal/jobs"
)

// CompletionRunner runs one completion pass.
type CompletionRunner interface {
	RunOnce(ctx context.Context) (jobs.CompleterReport, error)
}

// JobsHandler exposes scheduler triggers.
type JobsHandler struct {
	completer CompletionRunner
	log       *slog.Logger
}

// NewJobsHandler returns a JobsHandler.
func NewJobsHandler(completer CompletionRunner, log *slog.Logger) *JobsHandler {
	return &JobsHandler{completer: completer, log: log.With("component", "http")}
}

// Complete handles POST /internal/jobs/complete.
func (h *JobsHandler) Complete(c echo.Context) error {
	rep, err := h.completer.RunOnce(c.Request().Context())
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, rep)
}
