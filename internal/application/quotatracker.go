package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ericfisherdev/keyrental/internal/domain/model"
	"github.com/ericfisherdev/keyrental/internal/domain/port/driven"
)

// recordAttempts bounds the retries of one usage write.
const recordAttempts = 5

// QuotaConfig holds the quota settings applied by QuotaTracker.
type QuotaConfig struct {
	Location     *time.Location
	AlertPercent int64
}

// UsageReport is the usage view plus the most recent calls.
type UsageReport struct {
	View   model.QuotaView
	Recent []model.UsageEvent
}

// QuotaTracker meters credential calls against a rental's daily and monthly
// quota. Calendar resets are evaluated in the configured location.
type QuotaTracker struct {
	rentals      driven.RentalStore
	creds        driven.CredentialStore
	events       driven.EventSink
	loc          *time.Location
	alertPercent int64
	now          func() time.Time
	newBackOff   func() backoff.BackOff
}

// NewQuotaTracker creates a new QuotaTracker. A nil now uses time.Now.
func NewQuotaTracker(
	rentals driven.RentalStore,
	creds driven.CredentialStore,
	events driven.EventSink,
	cfg QuotaConfig,
	now func() time.Time,
) *QuotaTracker {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	percent := cfg.AlertPercent
	if percent <= 0 {
		percent = model.DefaultAlertPercent
	}
	return &QuotaTracker{
		rentals:      rentals,
		creds:        creds,
		events:       events,
		loc:          loc,
		alertPercent: percent,
		now:          clock(now),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 20 * time.Millisecond
			b.MaxInterval = time.Second
			return backoff.WithMaxRetries(b, recordAttempts)
		},
	}
}

// RecordUsage counts one call against the rental in a single store
// transaction, emitting a quota.alert for each window whose alert threshold
// this call crossed.
func (t *QuotaTracker) RecordUsage(ctx context.Context, rentalID, endpoint string, statusCode int) (model.QuotaView, error) {
	rental, err := t.rentals.Get(ctx, rentalID)
	if err != nil {
		return model.QuotaView{}, err
	}
	return t.record(ctx, rental, endpoint, statusCode)
}

func (t *QuotaTracker) record(ctx context.Context, rental *model.Rental, endpoint string, statusCode int) (model.QuotaView, error) {
	now := t.now().UTC()
	ev := model.UsageEvent{At: now, Endpoint: endpoint, StatusCode: statusCode}

	var alerts []model.QuotaAlert
	window, err := t.rentals.RecordUsage(ctx, rental.ID, ev, func(w *model.QuotaWindow) {
		alerts = w.Record(now, t.loc, t.alertPercent)
	})
	if err != nil {
		return model.QuotaView{}, err
	}

	if err := t.creds.IncrementUsage(ctx, rental.CredentialID); err != nil {
		slog.Warn("credential usage counter not updated", "credential_id", rental.CredentialID, "error", err)
	}

	for _, a := range alerts {
		slog.Info("quota alert", "rental_id", rental.ID, "window", a.Window, "used", a.Used, "limit", a.Limit)
		emit(ctx, t.events, model.Event{
			Type:         model.EventQuotaAlert,
			CredentialID: rental.CredentialID,
			RentalID:     rental.ID,
			InfluencerID: rental.InfluencerID,
			AdvertiserID: rental.AdvertiserID,
			At:           now,
			Attributes: map[string]string{
				"window":  a.Window,
				"used":    strconv.FormatInt(a.Used, 10),
				"limit":   strconv.FormatInt(a.Limit, 10),
				"percent": strconv.FormatInt(t.alertPercent, 10),
			},
		})
	}

	return window.View(now, t.loc), nil
}

// RecordAccess is the gated entry point for a leased call: the caller must
// hold the active lease and the quota must not already be exceeded. The
// write is retried with exponential backoff; a count is never dropped
// without an error being logged and returned.
func (t *QuotaTracker) RecordAccess(ctx context.Context, p model.Principal, rentalID, endpoint string, statusCode int) (model.QuotaView, error) {
	rental, err := t.rentals.Get(ctx, rentalID)
	if err != nil {
		return model.QuotaView{}, err
	}
	if !p.IsPrivileged() && !(p.Role == model.RoleAdvertiser && p.ID == rental.AdvertiserID) {
		return model.QuotaView{}, fmt.Errorf("%w: only the leasing advertiser may record access", model.ErrAuthorization)
	}
	if rental.Status != model.RentalStatusActive {
		return model.QuotaView{}, fmt.Errorf("%w: rental %q is %s", model.ErrConflict, rental.ID, rental.Status)
	}
	now := t.now()
	if rental.LeaseExpired(now) {
		return model.QuotaView{}, fmt.Errorf("%w: lease for rental %q has expired", model.ErrExpired, rental.ID)
	}

	if view := rental.Quota.View(now, t.loc); !view.WithinLimits {
		return view, fmt.Errorf("%w: rental %q", model.ErrQuotaExceeded, rental.ID)
	}

	var view model.QuotaView
	attempt := 0
	op := func() error {
		attempt++
		v, err := t.record(ctx, rental, endpoint, statusCode)
		if err != nil {
			if !isRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		view = v
		return nil
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("usage record retry", "rental_id", rental.ID, "attempt", attempt, "wait", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(t.newBackOff(), ctx), notify); err != nil {
		slog.Error("usage record failed", "rental_id", rental.ID, "endpoint", endpoint, "attempts", attempt, "error", err)
		return model.QuotaView{}, fmt.Errorf("record usage for rental %q: %w", rental.ID, err)
	}
	return view, nil
}

// CheckLimits reports the rental's quota state without writing anything.
func (t *QuotaTracker) CheckLimits(ctx context.Context, rentalID string) (model.QuotaView, error) {
	rental, err := t.rentals.Get(ctx, rentalID)
	if err != nil {
		return model.QuotaView{}, err
	}
	return rental.Quota.View(t.now(), t.loc), nil
}

// GetUsage returns the quota view and up to limit recent calls to either
// party of the rental or a privileged caller.
func (t *QuotaTracker) GetUsage(ctx context.Context, p model.Principal, rentalID string, limit int) (*UsageReport, error) {
	rental, err := t.rentals.Get(ctx, rentalID)
	if err != nil {
		return nil, err
	}
	if err := authorizeParty(p, rental); err != nil {
		return nil, err
	}

	recent, err := t.rentals.ListUsage(ctx, rentalID, limit)
	if err != nil {
		return nil, err
	}
	return &UsageReport{View: rental.Quota.View(t.now(), t.loc), Recent: recent}, nil
}

// authorizeParty allows the rental's advertiser, its influencer and
// privileged callers.
func authorizeParty(p model.Principal, rental *model.Rental) error {
	switch {
	case p.IsPrivileged():
		return nil
	case p.Role == model.RoleAdvertiser && p.ID == rental.AdvertiserID:
		return nil
	case p.Role == model.RoleInfluencer && p.ID == rental.InfluencerID:
		return nil
	}
	return fmt.Errorf("%w: %s %q is not a party to rental %q", model.ErrAuthorization, p.Role, p.ID, rental.ID)
}

// isRetryable reports whether err could succeed on a second attempt.
func isRetryable(err error) bool {
	for _, permanent := range []error{
		model.ErrNotFound, model.ErrValidation, model.ErrAuthorization,
		model.ErrConflict, model.ErrExpired,
		context.Canceled, context.DeadlineExceeded,
	} {
		if errors.Is(err, permanent) {
			return false
		}
	}
	return true
}
