package model

import (
	"fmt"
	"time"
)

// transitions lists the legal rental state changes reachable through the
// public ledger operations.
var transitions = map[RentalStatus][]RentalStatus{
	RentalStatusPending:  {RentalStatusApproved, RentalStatusRejected},
	RentalStatusApproved: {RentalStatusActive},
	RentalStatusActive:   {RentalStatusCompleted, RentalStatusCancelled},
}

// CheckTransition returns a conflict error naming both states when moving a
// rental from one state to the other is not allowed.
func CheckTransition(from, to RentalStatus) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: cannot move rental to %s while it is %s", ErrConflict, to, from)
}

// Rental is one advertiser's lease of a credential for a time window.
// LeaseSecret is an encrypted copy of the credential secret taken at
// approval; it is independent of later rotations and is cleared when the
// rental ends.
type Rental struct {
	ID                string
	InfluencerID      string
	AdvertiserID      string
	CredentialID      string
	KeyID             string
	CredentialVersion int
	Platform          string
	Status            RentalStatus
	PaymentStatus     PaymentStatus
	StartAt           time.Time
	EndAt             time.Time
	Scopes            []string
	Fee               int64
	LeaseSecret       string
	LeaseExpiresAt    *time.Time
	SlotHeld          bool
	Quota             QuotaWindow
	EndReason         string
	CreatedAt         time.Time
	DecidedAt         *time.Time
	ActivatedAt       *time.Time
	EndedAt           *time.Time
}

// HasLease reports whether a lease-scoped secret is currently attached.
func (r Rental) HasLease() bool {
	return r.LeaseSecret != ""
}

// LeaseExpired reports whether the rental's lease has lapsed at now. A rental
// without a lease expiry is treated as expired so callers fail closed.
func (r Rental) LeaseExpired(now time.Time) bool {
	if r.LeaseExpiresAt == nil {
		return true
	}
	return now.After(*r.LeaseExpiresAt)
}

// RentalWindow is the requested lease period.
type RentalWindow struct {
	Start time.Time
	End   time.Time
}

// Validate checks the window is well formed and not entirely in the past.
func (w RentalWindow) Validate(now time.Time) error {
	if w.Start.IsZero() || w.End.IsZero() {
		return fmt.Errorf("%w: rental window requires start and end", ErrValidation)
	}
	if !w.End.After(w.Start) {
		return fmt.Errorf("%w: rental window end must be after start", ErrValidation)
	}
	if !w.End.After(now) {
		return fmt.Errorf("%w: rental window has already ended", ErrValidation)
	}
	return nil
}

// LeaseExpiry returns the expiry for a lease copy: the earlier of the rental
// end and the credential expiry.
func LeaseExpiry(rentalEnd, credentialExpiry time.Time) time.Time {
	if credentialExpiry.Before(rentalEnd) {
		return credentialExpiry
	}
	return rentalEnd
}
