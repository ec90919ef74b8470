package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/car-rental-booking/internal/middleware"
	"github.com/iliyamo/car-rental-booking/internal/model"
)

// DepositCases is the deposit case manager surface.
type DepositCases interface {
	FileCase(ctx context.Context, bookingID string, amountCents int64) (*model.DepositCase, error)
	GetCase(ctx context.Context, id string) (*model.DepositCase, error)
	OpenCaseForBooking(ctx context.Context, bookingID string) (*model.DepositCase, error)
	StartReview(ctx context.Context, caseID string) (*model.DepositCase, error)
	Resolve(ctx context.Context, caseID string, outcome model.CaseStatus) (*model.DepositCase, error)
}

// BookingReader loads bookings for access checks.
type BookingReader interface {
	GetBooking(ctx context.Context, id string) (*model.Booking, error)
}

// DepositHandler serves deposit case routes.
type DepositHandler struct {
	cases    DepositCases
	bookings BookingReader
	log      *slog.Logger
}

// NewDepositHandler returns a DepositHandler.
func NewDepositHandler(cases DepositCases, bookings BookingReader, log *slog.Logger) *DepositHandler {
	if cases == nil || bookings == nil {
		panic("nil dependency passed to NewDepositHandler")
	}
	return &DepositHandler{cases: cases, bookings: bookings, log: log.With("component", "http")}
}

// File handles POST /v1/bookings/:id/deposit-cases.  Only the booking's host
// may file.
func (h *DepositHandler) File(c echo.Context) error {
	var body struct {
		AmountCents int64 `json:"amount_cents"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	ctx := c.Request().Context()
	b, err := h.bookings.GetBooking(ctx, c.Param("id"))
	if err != nil {
		return respondError(c, h.log, err)
	}
	if b.HostID != middleware.Actor(c).ID {
		return respondError(c, h.log, model.ErrForbidden)
	}
	dc, err := h.cases.FileCase(ctx, b.ID, body.AmountCents)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusCreated, dc)
}

// Get handles GET /v1/deposit-cases/:id for booking parties and operators.
func (h *DepositHandler) Get(c echo.Context) error {
	ctx := c.Request().Context()
	dc, err := h.cases.GetCase(ctx, c.Param("id"))
	if err != nil {
		return respondError(c, h.log, err)
	}
	if err := h.authorize(ctx, middleware.Actor(c), dc.BookingID); err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, dc)
}

// OpenCase handles GET /v1/bookings/:id/deposit-case, returning the
// booking's unresolved case for booking parties and operators.
func (h *DepositHandler) OpenCase(c echo.Context) error {
	ctx := c.Request().Context()
	bookingID := c.Param("id")
	if err := h.authorize(ctx, middleware.Actor(c), bookingID); err != nil {
		return respondError(c, h.log, err)
	}
	dc, err := h.cases.OpenCaseForBooking(ctx, bookingID)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, dc)
}

// authorize admits operators and the parties of the booking.
func (h *DepositHandler) authorize(ctx context.Context, actor model.Actor, bookingID string) error {
	if actor.Role == model.RoleOperator {
		return nil
	}
	b, err := h.bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	if !b.IsParty(actor.ID) {
		return model.ErrForbidden
	}
	return nil
}

// Review handles POST /v1/deposit-cases/:id/review.
func (h *DepositHandler) Review(c echo.Context) error {
	dc, err := h.cases.StartReview(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, dc)
}

// Resolve handles POST /v1/deposit-cases/:id/resolve with an outcome of
// "retained" or "reversed".
func (h *DepositHandler) Resolve(c echo.Context) error {
	var body struct {
		Outcome model.CaseStatus `json:"outcome"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	dc, err := h.cases.Resolve(c.Request().Context(), c.Param("id"), body.Outcome)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, dc)
}
