package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ericfisherdev/keyrental/internal/domain/model"
	"github.com/ericfisherdev/keyrental/internal/domain/port/driven"
)

// End reasons recorded on terminal rentals.
const (
	ReasonCompleted       = "completed"
	ReasonCancelled       = "cancelled"
	ReasonRejected        = "rejected"
	ReasonLeaseExpired    = "lease expired"
	ReasonRevoked         = "credential revoked"
	ReasonPaymentFailed   = "payment failed"
	ReasonPaymentRefunded = "payment refunded"
)

// QuotaLimits are the per-window limits given to new rentals.
type QuotaLimits struct {
	Daily   int64
	Monthly int64
}

// RentalRequest is an advertiser's request to lease an influencer's account.
type RentalRequest struct {
	InfluencerID string
	AccountID    string
	Window       model.RentalWindow
	Scopes       []string
}

// RentalLedger owns the rental state machine. It gates approval on a
// concurrency slot, mints the lease copy, and returns the slot whenever a
// rental ends.
type RentalLedger struct {
	rentals     driven.RentalStore
	creds       driven.CredentialStore
	credentials *CredentialService
	slots       *SlotManager
	cipher      driven.Cipher
	events      driven.EventSink
	limits      QuotaLimits
	interval    time.Duration
	now         func() time.Time
}

// NewRentalLedger creates a new RentalLedger. interval drives the lease
// sweep started by Start. A nil now uses time.Now.
func NewRentalLedger(
	rentals driven.RentalStore,
	creds driven.CredentialStore,
	credentials *CredentialService,
	slots *SlotManager,
	cipher driven.Cipher,
	events driven.EventSink,
	limits QuotaLimits,
	interval time.Duration,
	now func() time.Time,
) *RentalLedger {
	if limits.Daily <= 0 {
		limits.Daily = model.DefaultDailyLimit
	}
	if limits.Monthly <= 0 {
		limits.Monthly = model.DefaultMonthlyLimit
	}
	return &RentalLedger{
		rentals:     rentals,
		creds:       creds,
		credentials: credentials,
		slots:       slots,
		cipher:      cipher,
		events:      events,
		limits:      limits,
		interval:    interval,
		now:         clock(now),
	}
}

// RequestRental records a pending rental. The fee is computed here from the
// window and the credential's fee schedule.
func (l *RentalLedger) RequestRental(ctx context.Context, p model.Principal, req RentalRequest) (*model.Rental, error) {
	if p.Role != model.RoleAdvertiser {
		return nil, fmt.Errorf("%w: only advertisers may request rentals", model.ErrAuthorization)
	}
	if strings.TrimSpace(req.InfluencerID) == "" || strings.TrimSpace(req.AccountID) == "" {
		return nil, fmt.Errorf("%w: influencer id and account id are required", model.ErrValidation)
	}
	if len(req.Scopes) == 0 {
		return nil, fmt.Errorf("%w: at least one scope is required", model.ErrValidation)
	}

	now := l.now().UTC()
	if err := req.Window.Validate(now); err != nil {
		return nil, err
	}

	cred, err := l.creds.GetByAccount(ctx, req.InfluencerID, req.AccountID)
	if err != nil {
		return nil, err
	}
	if !cred.IsUsable(now) {
		return nil, unusableError(*cred, now)
	}
	if !cred.HasScopes(req.Scopes) {
		return nil, fmt.Errorf("%w: requested scopes exceed the credential's scopes", model.ErrValidation)
	}

	fee, err := model.ComputeFee(req.Window, cred.Fees)
	if err != nil {
		return nil, err
	}

	rental := model.Rental{
		ID:                uuid.NewString(),
		InfluencerID:      cred.InfluencerID,
		AdvertiserID:      p.ID,
		CredentialID:      cred.ID,
		KeyID:             cred.KeyID,
		CredentialVersion: cred.Version,
		Platform:          cred.Platform,
		Status:            model.RentalStatusPending,
		PaymentStatus:     model.PaymentStatusPending,
		StartAt:           req.Window.Start.UTC(),
		EndAt:             req.Window.End.UTC(),
		Scopes:            req.Scopes,
		Fee:               fee,
		Quota:             model.NewQuotaWindow(l.limits.Daily, l.limits.Monthly, now),
		CreatedAt:         now,
	}
	if err := l.rentals.Create(ctx, rental); err != nil {
		return nil, err
	}

	slog.Info("rental requested", "rental_id", rental.ID, "credential_id", cred.ID, "advertiser_id", p.ID, "fee", fee)
	return &rental, nil
}

// GetRental returns the rental to either party or a privileged caller.
func (l *RentalLedger) GetRental(ctx context.Context, p model.Principal, id string) (*model.Rental, error) {
	rental, err := l.rentals.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeParty(p, rental); err != nil {
		return nil, err
	}
	return rental, nil
}

// DecideRental applies the owning influencer's decision to a pending rental.
// Approval takes a concurrency slot and mints the lease copy; if the copy
// cannot be issued the slot is given back before the error is returned. A
// racing approval of the same rental fails on the slot acquire with
// model.ErrConflict and never releases the slot the winner holds.
func (l *RentalLedger) DecideRental(ctx context.Context, p model.Principal, id string, decision model.Decision) (*model.Rental, error) {
	var target model.RentalStatus
	switch decision {
	case model.DecisionApprove:
		target = model.RentalStatusApproved
	case model.DecisionReject:
		target = model.RentalStatusRejected
	default:
		return nil, fmt.Errorf("%w: unknown decision %q", model.ErrValidation, decision)
	}

	rental, err := l.rentals.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	cred, err := l.creds.Get(ctx, rental.CredentialID)
	if err != nil {
		return nil, err
	}
	if p.Role != model.RoleInfluencer || p.ID != cred.InfluencerID {
		return nil, fmt.Errorf("%w: only the owning influencer may decide rental %q", model.ErrAuthorization, id)
	}
	if err := model.CheckTransition(rental.Status, target); err != nil {
		return nil, err
	}

	now := l.now().UTC()
	if target == model.RentalStatusRejected {
		rental.Status = model.RentalStatusRejected
		rental.DecidedAt = &now
		rental.EndedAt = &now
		rental.EndReason = ReasonRejected
		if err := l.rentals.Transition(ctx, *rental, model.RentalStatusPending); err != nil {
			return nil, err
		}
		slog.Info("rental rejected", "rental_id", id)
		return rental, nil
	}

	if !cred.IsUsable(now) {
		return nil, unusableError(*cred, now)
	}

	acquired, err := l.slots.TryAcquire(ctx, *cred, id)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, fmt.Errorf("credential %q: %w", cred.ID, model.ErrSlotUnavailable)
	}

	lease, err := l.credentials.IssueLease(ctx, *cred, rental.Scopes, model.LeaseExpiry(rental.EndAt, cred.ExpiresAt))
	if err != nil {
		l.compensate(ctx, cred.ID, id)
		return nil, err
	}

	rental.Status = model.RentalStatusApproved
	rental.KeyID = cred.KeyID
	rental.CredentialVersion = lease.Version
	rental.LeaseSecret = lease.Secret
	rental.LeaseExpiresAt = &lease.ExpiresAt
	rental.SlotHeld = true
	rental.DecidedAt = &now
	if err := l.rentals.Transition(ctx, *rental, model.RentalStatusPending); err != nil {
		l.compensate(ctx, cred.ID, id)
		return nil, err
	}

	slog.Info("rental approved", "rental_id", id, "credential_id", cred.ID, "credential_version", lease.Version)
	return rental, nil
}

// compensate gives back a slot taken for an approval that did not complete.
func (l *RentalLedger) compensate(ctx context.Context, credentialID, rentalID string) {
	if err := l.slots.Release(ctx, credentialID, rentalID); err != nil {
		slog.Error("slot compensation failed", "credential_id", credentialID, "rental_id", rentalID, "error", err)
	}
}

// ActivateRental moves an approved rental to active once payment is
// confirmed. A repeated confirmation for an active rental is a no-op. A
// confirmation that arrives after the lease lapsed cancels the rental, returns
// its slot and reports model.ErrExpired.
func (l *RentalLedger) ActivateRental(ctx context.Context, id string) (*model.Rental, error) {
	rental, err := l.rentals.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rental.Status == model.RentalStatusActive {
		return rental, nil
	}
	if err := model.CheckTransition(rental.Status, model.RentalStatusActive); err != nil {
		return nil, err
	}
	if !rental.SlotHeld {
		return nil, fmt.Errorf("%w: rental %q no longer holds a slot", model.ErrConflict, id)
	}
	now := l.now().UTC()
	if rental.LeaseExpired(now) {
		if err := l.end(ctx, rental, model.RentalStatusCancelled, ReasonLeaseExpired); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: lease for rental %q lapsed before payment", model.ErrExpired, id)
	}

	rental.Status = model.RentalStatusActive
	rental.PaymentStatus = model.PaymentStatusCompleted
	rental.ActivatedAt = &now
	if err := l.rentals.Transition(ctx, *rental, model.RentalStatusApproved); err != nil {
		return nil, err
	}

	slog.Info("rental activated", "rental_id", id)
	return rental, nil
}

// CompleteRental ends an active rental as completed or cancelled. Either
// party or a privileged caller may end it. Ending a rental again with the
// same outcome is a no-op.
func (l *RentalLedger) CompleteRental(ctx context.Context, p model.Principal, id string, outcome model.RentalStatus) (*model.Rental, error) {
	if outcome != model.RentalStatusCompleted && outcome != model.RentalStatusCancelled {
		return nil, fmt.Errorf("%w: outcome must be completed or cancelled", model.ErrValidation)
	}

	rental, err := l.rentals.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeParty(p, rental); err != nil {
		return nil, err
	}

	if rental.Status == outcome {
		// Duplicate delivery. end released the slot the first time.
		return rental, nil
	}
	if err := model.CheckTransition(rental.Status, outcome); err != nil {
		return nil, err
	}

	reason := ReasonCompleted
	if outcome == model.RentalStatusCancelled {
		reason = ReasonCancelled
	}
	if err := l.end(ctx, rental, outcome, reason); err != nil {
		return nil, err
	}
	return rental, nil
}

// end moves a rental to a terminal status, clears its lease copy and returns
// its slot. It does not check the transition table; callers do.
func (l *RentalLedger) end(ctx context.Context, rental *model.Rental, status model.RentalStatus, reason string) error {
	from := rental.Status
	now := l.now().UTC()

	rental.Status = status
	rental.LeaseSecret = ""
	rental.EndReason = reason
	rental.EndedAt = &now
	if err := l.rentals.Transition(ctx, *rental, from); err != nil {
		return err
	}

	if err := l.slots.Release(ctx, rental.CredentialID, rental.ID); err != nil {
		return fmt.Errorf("release slot for rental %q: %w", rental.ID, err)
	}
	rental.SlotHeld = false

	slog.Info("rental ended", "rental_id", rental.ID, "from", from, "status", status, "reason", reason)
	return nil
}

// FetchLeaseSecret returns the lease copy's plaintext to the leasing
// advertiser while the rental is active and its lease has not lapsed.
func (l *RentalLedger) FetchLeaseSecret(ctx context.Context, p model.Principal, id string) ([]byte, error) {
	rental, err := l.rentals.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Role != model.RoleAdvertiser || p.ID != rental.AdvertiserID {
		return nil, fmt.Errorf("%w: only the leasing advertiser may read rental %q", model.ErrAuthorization, id)
	}
	if rental.Status != model.RentalStatusActive {
		return nil, fmt.Errorf("%w: rental %q is %s", model.ErrConflict, id, rental.Status)
	}
	if rental.LeaseExpired(l.now()) || !rental.HasLease() {
		return nil, fmt.Errorf("%w: lease for rental %q has expired", model.ErrExpired, id)
	}

	plaintext, err := l.cipher.Decrypt(rental.LeaseSecret)
	if err != nil {
		return nil, fmt.Errorf("decrypt lease for rental %q: %w", id, err)
	}
	return plaintext, nil
}

// HandlePaymentEvent applies a payment collaborator event. Completed
// payments activate the rental. Failed payments abandon an approved rental.
// Refunds cancel an active rental or abandon an approved one.
func (l *RentalLedger) HandlePaymentEvent(ctx context.Context, ev model.PaymentEvent) (*model.Rental, error) {
	switch ev.Status {
	case model.PaymentStatusCompleted:
		return l.ActivateRental(ctx, ev.RentalID)
	case model.PaymentStatusFailed, model.PaymentStatusRefunded:
	default:
		return nil, fmt.Errorf("%w: unsupported payment status %q", model.ErrValidation, ev.Status)
	}

	rental, err := l.rentals.Get(ctx, ev.RentalID)
	if err != nil {
		return nil, err
	}
	rental.PaymentStatus = ev.Status

	reason := ReasonPaymentFailed
	if ev.Status == model.PaymentStatusRefunded {
		reason = ReasonPaymentRefunded
	}

	switch {
	case rental.Status == model.RentalStatusApproved:
		err = l.end(ctx, rental, model.RentalStatusCancelled, reason)
	case rental.Status == model.RentalStatusActive && ev.Status == model.PaymentStatusRefunded:
		err = l.end(ctx, rental, model.RentalStatusCancelled, reason)
	default:
		err = l.rentals.SetPaymentStatus(ctx, rental.ID, ev.Status)
	}
	if err != nil {
		return nil, err
	}

	slog.Info("payment event applied", "rental_id", rental.ID, "payment_status", ev.Status, "status", rental.Status)
	return rental, nil
}

// RevokeCredential revokes the credential and ends every rental still
// relying on it: active rentals are force-completed, approved ones are
// cancelled and pending ones rejected.
func (l *RentalLedger) RevokeCredential(ctx context.Context, p model.Principal, credentialID string) (*model.Credential, error) {
	cred, err := l.credentials.Revoke(ctx, p, credentialID)
	if err != nil {
		return nil, err
	}

	rentals, err := l.rentals.ListByCredential(ctx, credentialID,
		model.RentalStatusPending, model.RentalStatusApproved, model.RentalStatusActive)
	if err != nil {
		return nil, fmt.Errorf("list rentals for revoked credential %q: %w", credentialID, err)
	}

	var errs []error
	for i := range rentals {
		rental := &rentals[i]
		switch rental.Status {
		case model.RentalStatusActive:
			if err := l.forceComplete(ctx, rental, ReasonRevoked); err != nil {
				errs = append(errs, err)
			}
		case model.RentalStatusApproved:
			if err := l.end(ctx, rental, model.RentalStatusCancelled, ReasonRevoked); err != nil {
				errs = append(errs, err)
			}
		case model.RentalStatusPending:
			if err := l.end(ctx, rental, model.RentalStatusRejected, ReasonRevoked); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		return cred, fmt.Errorf("end rentals for revoked credential %q: %w", credentialID, errors.Join(errs...))
	}
	return cred, nil
}

func (l *RentalLedger) forceComplete(ctx context.Context, rental *model.Rental, reason string) error {
	if err := l.end(ctx, rental, model.RentalStatusCompleted, reason); err != nil {
		return err
	}
	emit(ctx, l.events, model.Event{
		Type:         model.EventRentalForceCompleted,
		CredentialID: rental.CredentialID,
		RentalID:     rental.ID,
		InfluencerID: rental.InfluencerID,
		AdvertiserID: rental.AdvertiserID,
		At:           l.now().UTC(),
		Attributes:   map[string]string{"reason": reason},
	})
	return nil
}

// SweepExpired ends rentals whose lease has lapsed and returns how many it
// ended. Active rentals are force-completed. Approved rentals that were never
// paid are cancelled so their slot goes back to the credential.
func (l *RentalLedger) SweepExpired(ctx context.Context) (int, error) {
	expired, err := l.rentals.ListLeaseExpired(ctx, l.now())
	if err != nil {
		return 0, fmt.Errorf("list expired leases: %w", err)
	}

	var ended int
	for i := range expired {
		if ctx.Err() != nil {
			return ended, ctx.Err()
		}
		rental := &expired[i]
		var err error
		switch rental.Status {
		case model.RentalStatusActive:
			err = l.forceComplete(ctx, rental, ReasonLeaseExpired)
		case model.RentalStatusApproved:
			err = l.end(ctx, rental, model.RentalStatusCancelled, ReasonLeaseExpired)
		default:
			continue
		}
		if err != nil {
			slog.Error("ending lapsed rental failed", "rental_id", rental.ID, "status", rental.Status, "error", err)
			continue
		}
		ended++
	}
	return ended, nil
}

// Start runs an immediate sweep, then sweeps on the configured interval.
// Start blocks until the context is canceled.
func (l *RentalLedger) Start(ctx context.Context) {
	l.sweep(ctx)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("lease sweeper stopped")
			return
		case <-ticker.C:
			l.sweep(ctx)
		}
	}
}

func (l *RentalLedger) sweep(ctx context.Context) {
	ended, err := l.SweepExpired(ctx)
	if err != nil {
		slog.Error("lease sweep failed", "error", err)
		return
	}
	if ended > 0 {
		slog.Info("lease sweep complete", "ended", ended)
	}
}
