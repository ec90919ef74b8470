// Package memory is an in-process implementation of store.Store with the
// same conflict and versioning rules as the MySQL repository.  It backs the
// unit tests and local runs without a database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/car-rental-booking/internal/model"
	"github.com/iliyamo/car-rental-booking/internal/store"
)

// Store keeps every record in maps guarded by one mutex, which makes each
// call atomic.
type Store struct {
	mu       sync.Mutex
	bookings map[string]model.Booking
	sessions map[string]model.CheckoutSession
	events   map[string]model.WebhookEvent
	cases    map[string]model.DepositCase
	refunds  map[string]model.RefundRequest
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		bookings: make(map[string]model.Booking),
		sessions: make(map[string]model.CheckoutSession),
		events:   make(map[string]model.WebhookEvent),
		cases:    make(map[string]model.DepositCase),
		refunds:  make(map[string]model.RefundRequest),
	}
}

// ---- bookings

func (s *Store) CreateBooking(_ context.Context, b *model.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bookings[b.ID]; ok {
		return fmt.Errorf("%w: booking %s exists", model.ErrConflict, b.ID)
	}
	for _, other := range s.bookings {
		if other.CarID != b.CarID || !blocksCar(other.Status) {
			continue
		}
		if other.Range().Overlaps(b.Range()) {
			return fmt.Errorf("%w: car %s already booked for an overlapping range", model.ErrConflict, b.CarID)
		}
	}
	s.bookings[b.ID] = *b
	return nil
}

func (s *Store) GetBooking(_ context.Context, id string) (*model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &b, nil
}

func (s *Store) CommitBooking(_ context.Context, w store.BookingWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.bookings[w.Booking.ID]
	if !ok {
		return model.ErrNotFound
	}
	if cur.Version != w.ExpectedVersion || w.Booking.Version != w.ExpectedVersion+1 {
		return model.ErrStaleVersion
	}
	if w.AttachSession != nil {
		if _, ok := s.sessions[w.AttachSession.ID]; !ok {
			return fmt.Errorf("session %s: %w", w.AttachSession.ID, model.ErrNotFound)
		}
	}
	if w.Refund != nil {
		for _, r := range s.refunds {
			if r.BookingID == w.Refund.BookingID {
				return fmt.Errorf("%w: refund already requested for booking %s", model.ErrConflict, r.BookingID)
			}
		}
	}

	s.bookings[w.Booking.ID] = *w.Booking
	if w.AttachSession != nil {
		sess := s.sessions[w.AttachSession.ID]
		sess.ProviderSessionID = w.AttachSession.ProviderSessionID
		s.sessions[sess.ID] = sess
	}
	if w.CloseSession != nil {
		s.closeSessionLocked(*w.CloseSession)
	}
	if w.Refund != nil {
		s.refunds[w.Refund.ID] = *w.Refund
	}
	return nil
}

func (s *Store) ListEndedBookings(_ context.Context, now time.Time, limit int) ([]model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Booking
	for _, b := range s.bookings {
		if b.Status == model.StatusConfirmed && !b.EndAt.After(now) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndAt.Before(out[j].EndAt) })
	return truncate(out, limit), nil
}

func blocksCar(st model.BookingStatus) bool {
	return st == model.StatusPendingPayment || st == model.StatusConfirmed
}

// ---- sessions

func (s *Store) ReserveSession(_ context.Context, sess *model.CheckoutSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.sessions {
		if o.BookingID == sess.BookingID && o.Status == model.SessionCreated {
			return fmt.Errorf("%w: booking %s has an open checkout session", model.ErrConflict, sess.BookingID)
		}
	}
	s.sessions[sess.ID] = *sess
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (*model.CheckoutSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &sess, nil
}

func (s *Store) GetOpenSession(_ context.Context, bookingID string) (*model.CheckoutSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.BookingID == bookingID && sess.Status == model.SessionCreated {
			return &sess, nil
		}
	}
	return nil, model.ErrNotFound
}

func (s *Store) GetSessionByProviderID(_ context.Context, providerSessionID string) (*model.CheckoutSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if providerSessionID == "" {
		return nil, model.ErrNotFound
	}
	for _, sess := range s.sessions {
		if sess.ProviderSessionID == providerSessionID {
			return &sess, nil
		}
	}
	return nil, model.ErrNotFound
}

func (s *Store) CloseSession(_ context.Context, c store.SessionChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[c.SessionID]; !ok {
		return model.ErrNotFound
	}
	s.closeSessionLocked(c)
	return nil
}

func (s *Store) closeSessionLocked(c store.SessionChange) {
	sess, ok := s.sessions[c.SessionID]
	if !ok || sess.Status != model.SessionCreated {
		return
	}
	sess.Status = c.Status
	s.sessions[sess.ID] = sess
}

func (s *Store) ListStaleSessions(_ context.Context, createdBefore time.Time, limit int) ([]model.CheckoutSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.CheckoutSession
	for _, sess := range s.sessions {
		if sess.Status == model.SessionCreated && sess.CreatedAt.Before(createdBefore) {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastReconciledAt, out[j].LastReconciledAt
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return truncate(out, limit), nil
}

func (s *Store) MarkSessionReconciled(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return model.ErrNotFound
	}
	sess.LastReconciledAt = &at
	s.sessions[id] = sess
	return nil
}

// ---- events

func (s *Store) BeginEvent(_ context.Context, ev *model.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.events[ev.ProviderEventID]; ok {
		if cur.ProcessedAt != nil {
			return model.ErrDuplicateEvent
		}
		return nil
	}
	s.events[ev.ProviderEventID] = *ev
	return nil
}

func (s *Store) MarkEventProcessed(_ context.Context, providerEventID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[providerEventID]
	if !ok {
		return model.ErrNotFound
	}
	ev.ProcessedAt = &at
	s.events[providerEventID] = ev
	return nil
}

// Event returns the recorded event, for assertions.
func (s *Store) Event(providerEventID string) (model.WebhookEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[providerEventID]
	return ev, ok
}

// ---- deposit cases

func (s *Store) CreateCase(_ context.Context, c *model.DepositCase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.cases {
		if o.BookingID == c.BookingID && o.Status.Open() {
			return fmt.Errorf("%w: booking %s has an open deposit case", model.ErrConflict, c.BookingID)
		}
	}
	s.cases[c.ID] = *c
	return nil
}

func (s *Store) GetCase(_ context.Context, id string) (*model.DepositCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &c, nil
}

func (s *Store) GetOpenCase(_ context.Context, bookingID string) (*model.DepositCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.cases {
		if c.BookingID == bookingID && c.Status.Open() {
			return &c, nil
		}
	}
	return nil, model.ErrNotFound
}

func (s *Store) UpdateCase(_ context.Context, c *model.DepositCase, from model.CaseStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.cases[c.ID]
	if !ok {
		return model.ErrNotFound
	}
	if cur.Status != from {
		return model.ErrStaleVersion
	}
	s.cases[c.ID] = *c
	return nil
}

// ---- refunds

func (s *Store) GetRefund(_ context.Context, id string) (*model.RefundRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.refunds[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &r, nil
}

func (s *Store) ClaimRefund(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.refunds[id]
	if !ok {
		return false, model.ErrNotFound
	}
	if r.Status != model.RefundQueued {
		return false, nil
	}
	r.Status = model.RefundSubmitted
	r.UpdatedAt = at
	s.refunds[id] = r
	return true, nil
}

func (s *Store) FinishRefund(_ context.Context, id string, status model.RefundStatus, providerRefundID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.refunds[id]
	if !ok {
		return model.ErrNotFound
	}
	if r.Status != model.RefundSubmitted {
		return model.ErrStaleVersion
	}
	r.Status = status
	r.ProviderRefundID = providerRefundID
	r.UpdatedAt = at
	s.refunds[id] = r
	return nil
}

func (s *Store) ListQueuedRefunds(_ context.Context, createdBefore time.Time, limit int) ([]model.RefundRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.RefundRequest
	for _, r := range s.refunds {
		if r.Status == model.RefundQueued && r.CreatedAt.Before(createdBefore) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return truncate(out, limit), nil
}

// RefundsForBooking returns the refund requests of a booking, for assertions.
func (s *Store) RefundsForBooking(bookingID string) []model.RefundRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.RefundRequest
	for _, r := range s.refunds {
		if r.BookingID == bookingID {
			out = append(out, r)
		}
	}
	return out
}

func truncate[T any](in []T, limit int) []T {
	if limit > 0 && len(in) > limit {
		return in[:limit]
	}
	return in
}
