package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/car-rental-booking/internal/ledger"
	"github.com/iliyamo/car-rental-booking/internal/middleware"
	"github.com/iliyamo/car-rental-booking/internal/model"
)

// BookingService is the ledger surface exposed to callers.
type BookingService interface {
	CreatePendingBooking(ctx context.Context, in ledger.NewBooking) (*model.Booking, error)
	GetBooking(ctx context.Context, id string) (*model.Booking, error)
	OpenCheckoutSession(ctx context.Context, bookingID string) (*model.CheckoutSession, error)
	CancelReservation(ctx context.Context, bookingID string, actor model.Actor) (*model.Booking, error)
}

// BookingHandler serves /v1/bookings.
type BookingHandler struct {
	bookings BookingService
	log      *slog.Logger
}

// NewBookingHandler returns a BookingHandler.
func NewBookingHandler(b BookingService, log *slog.Logger) *BookingHandler {
	if b == nil {
		panic("nil booking service passed to NewBookingHandler")
	}
	return &BookingHandler{bookings: b, log: log.With("component", "http")}
}

type createBookingRequest struct {
	CarID          string    `json:"car_id"`
	HostID         string    `json:"host_id"`
	StartAt        time.Time `json:"start_at"`
	EndAt          time.Time `json:"end_at"`
	AmountDueCents int64     `json:"amount_due_cents"`
	Currency       string    `json:"currency"`
}

// Create handles POST /v1/bookings.  The renter is the caller.
func (h *BookingHandler) Create(c echo.Context) error {
	var body createBookingRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.StartAt.IsZero() || body.EndAt.IsZero() {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "start_at and end_at are required"})
	}
	actor := middleware.Actor(c)
	b, err := h.bookings.CreatePendingBooking(c.Request().Context(), ledger.NewBooking{
		CarID:          body.CarID,
		RenterID:       actor.ID,
		HostID:         body.HostID,
		Range:          model.DateRange{Start: body.StartAt, End: body.EndAt},
		AmountDueCents: body.AmountDueCents,
		Currency:       body.Currency,
	})
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusCreated, b)
}

// Get handles GET /v1/bookings/:id for the renter, the host and operators.
func (h *BookingHandler) Get(c echo.Context) error {
	b, err := h.visibleBooking(c)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, b)
}

// Checkout handles POST /v1/bookings/:id/checkout.  Only the renter pays.
func (h *BookingHandler) Checkout(c echo.Context) error {
	ctx := c.Request().Context()
	b, err := h.bookings.GetBooking(ctx, c.Param("id"))
	if err != nil {
		return respondError(c, h.log, err)
	}
	if b.RenterID != middleware.Actor(c).ID {
		return respondError(c, h.log, model.ErrForbidden)
	}
	sess, err := h.bookings.OpenCheckoutSession(ctx, b.ID)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusCreated, sess)
}

// Cancel handles POST /v1/bookings/:id/cancel.
func (h *BookingHandler) Cancel(c echo.Context) error {
	b, err := h.bookings.CancelReservation(c.Request().Context(), c.Param("id"), middleware.Actor(c))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *BookingHandler) visibleBooking(c echo.Context) (*model.Booking, error) {
	b, err := h.bookings.GetBooking(c.Request().Context(), c.Param("id"))
	if err != nil {
		return nil, err
	}
	actor := middleware.Actor(c)
	if actor.Role != model.RoleOperator && !b.IsParty(actor.ID) {
		return nil, fmt.Errorf("%w: not a party to booking %s", model.ErrForbidden, b.ID)
	}
	return b, nil
}
