package model

import "time"

// CaseStatus is the state of a deposit dispute.
type CaseStatus string

const (
	CaseSubmitted   CaseStatus = "case_submitted"
	CaseUnderReview CaseStatus = "under_review"
	CaseRetained    CaseStatus = "retained"
	CaseReversed    CaseStatus = "reversed"
)

// Open reports whether the case still awaits a resolution.
func (s CaseStatus) Open() bool { return s == CaseSubmitted || s == CaseUnderReview }

// DepositCase is a host-filed claim against the held deposit of a completed
// booking.  Resolving a case never changes the booking's own status.
type DepositCase struct {
	ID                 string     `json:"id"`
	BookingID          string     `json:"booking_id"`
	Status             CaseStatus `json:"status"`
	AmountClaimedCents int64      `json:"amount_claimed_cents"`
	FiledAt            time.Time  `json:"filed_at"`
	ResolvedAt         *time.Time `json:"resolved_at,omitempty"`
}
