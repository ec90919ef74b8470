package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/car-rental-booking/internal/model"
	"github.com/iliyamo/car-rental-booking/internal/webhook"
)

const maxWebhookBody = 1 << 20

// Ingester handles one signed delivery.
type Ingester interface {
	Ingest(ctx context.Context, payload []byte, signature string) (webhook.Result, error)
}

// WebhookHandler serves POST /webhooks/payments.
type WebhookHandler struct {
	ingester Ingester
	log      *slog.Logger
}

// NewWebhookHandler returns a WebhookHandler.
func NewWebhookHandler(in Ingester, log *slog.Logger) *WebhookHandler {
	if in == nil {
		panic("nil ingester passed to NewWebhookHandler")
	}
	return &WebhookHandler{ingester: in, log: log.With("component", "http")}
}

// Payments answers 2xx once the delivery is ingested, deduplicated or
// knowingly ignored.  Any other answer makes the provider redeliver.
func (h *WebhookHandler) Payments(c echo.Context) error {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Response(), c.Request().Body, maxWebhookBody))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unreadable body"})
	}
	res, err := h.ingester.Ingest(c.Request().Context(), payload, c.Request().Header.Get(webhook.SignatureHeader))
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, echo.Map{
			"received":  true,
			"event_id":  res.EventID,
			"duplicate": res.Duplicate,
			"ignored":   res.Ignored || res.Outcome.Dropped,
		})
	case errors.Is(err, model.ErrUnrecognizedEventType):
		return c.JSON(http.StatusOK, echo.Map{"received": true, "ignored": true})
	}
	return respondError(c, h.log, err)
}
