// Package handler exposes the booking ledger, deposit cases, the payment
// webhook and job triggers over HTTP.
package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/car-rental-booking/internal/model"
)

// retryAfterSeconds is sent with 503 responses for stale writes.
const retryAfterSeconds = "1"

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrConflict),
		errors.Is(err, model.ErrTooLateToCancel),
		errors.Is(err, model.ErrInvalidState),
		errors.Is(err, model.ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, model.ErrStaleVersion):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, model.ErrInvalidInput), errors.Is(err, model.ErrInvalidSignature):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// respondError writes {"error": ...}.  Internal errors are logged and their
// text is not sent to the client.
func respondError(c echo.Context, log *slog.Logger, err error) error {
	code := statusFor(err)
	msg := err.Error()
	switch code {
	case http.StatusServiceUnavailable:
		c.Response().Header().Set("Retry-After", retryAfterSeconds)
	case http.StatusInternalServerError:
		log.Error("request failed", "method", c.Request().Method, "path", c.Path(), "err", err)
		msg = "internal error"
	}
	return c.JSON(code, echo.Map{"error": msg})
}
