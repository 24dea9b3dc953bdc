package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ericfisherdev/keyrental/internal/domain/model"
	"github.com/ericfisherdev/keyrental/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.RentalStore = (*RentalRepo)(nil)

// RentalRepo is the SQLite implementation of the RentalStore port interface.
// The quota window is stored inline on the rental row; usage history lives in
// usage_events and is trimmed to model.UsageHistoryLimit rows per rental.
type RentalRepo struct {
	db *DB
}

// NewRentalRepo creates a new RentalRepo backed by the given DB.
func NewRentalRepo(db *DB) *RentalRepo {
	return &RentalRepo{db: db}
}

const rentalColumns = `
	id, influencer_id, advertiser_id, credential_id, key_id, credential_version, platform,
	status, payment_status, start_at, end_at, scopes, fee,
	lease_secret, lease_expires_at, slot_held,
	daily_limit, monthly_limit, daily_used, monthly_used, total_used,
	last_daily_reset, last_monthly_reset, daily_alerted, monthly_alerted,
	end_reason, created_at, decided_at, activated_at, ended_at`

// Create stores a new rental.
func (r *RentalRepo) Create(ctx context.Context, rental model.Rental) error {
	const query = `INSERT INTO rentals (` + rentalColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	scopesJSON, err := marshalScopes(rental.Scopes)
	if err != nil {
		return err
	}

	q := rental.Quota
	_, err = r.db.Writer.ExecContext(ctx, query,
		rental.ID, rental.InfluencerID, rental.AdvertiserID, rental.CredentialID, rental.KeyID, rental.CredentialVersion, rental.Platform,
		string(rental.Status), string(rental.PaymentStatus), formatTime(rental.StartAt), formatTime(rental.EndAt), scopesJSON, rental.Fee,
		rental.LeaseSecret, formatNullTime(rental.LeaseExpiresAt), boolToInt(rental.SlotHeld),
		q.DailyLimit, q.MonthlyLimit, q.DailyUsed, q.MonthlyUsed, q.TotalUsed,
		formatTime(q.LastDailyReset), formatTime(q.LastMonthlyReset), boolToInt(q.DailyAlerted), boolToInt(q.MonthlyAlerted),
		rental.EndReason, formatTime(rental.CreatedAt), formatNullTime(rental.DecidedAt), formatNullTime(rental.ActivatedAt), formatNullTime(rental.EndedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint") {
			return fmt.Errorf("%w: credential %q", model.ErrNotFound, rental.CredentialID)
		}
		return fmt.Errorf("insert rental %q: %w", rental.ID, err)
	}
	return nil
}

// Get returns the rental with the given id.
func (r *RentalRepo) Get(ctx context.Context, id string) (*model.Rental, error) {
	query := `SELECT ` + rentalColumns + ` FROM rentals WHERE id = ?`
	rental, err := scanRental(r.db.Reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: rental %q", model.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get rental %q: %w", id, err)
	}
	return rental, nil
}

// ListByCredential returns rentals against the credential, optionally
// filtered to the given statuses, oldest first.
func (r *RentalRepo) ListByCredential(ctx context.Context, credentialID string, statuses ...model.RentalStatus) ([]model.Rental, error) {
	query := `SELECT ` + rentalColumns + ` FROM rentals WHERE credential_id = ?`
	args := []any{credentialID}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, s := range statuses {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		query += ` AND status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at`
	return r.list(ctx, query, args...)
}

// ListLeaseExpired returns approved and active rentals whose lease expired
// before now.
func (r *RentalRepo) ListLeaseExpired(ctx context.Context, now time.Time) ([]model.Rental, error) {
	query := `SELECT ` + rentalColumns + ` FROM rentals
		WHERE status IN ('approved', 'active') AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
		ORDER BY lease_expires_at`
	return r.list(ctx, query, formatTime(now))
}

// Transition persists the rental's state fields if its stored status still
// equals from.
func (r *RentalRepo) Transition(ctx context.Context, rental model.Rental, from model.RentalStatus) error {
	const query = `
		UPDATE rentals
		SET status = ?, payment_status = ?, key_id = ?, credential_version = ?,
		    lease_secret = ?, lease_expires_at = ?, end_reason = ?,
		    decided_at = ?, activated_at = ?, ended_at = ?
		WHERE id = ? AND status = ?
	`
	res, err := r.db.Writer.ExecContext(ctx, query,
		string(rental.Status), string(rental.PaymentStatus), rental.KeyID, rental.CredentialVersion,
		rental.LeaseSecret, formatNullTime(rental.LeaseExpiresAt), rental.EndReason,
		formatNullTime(rental.DecidedAt), formatNullTime(rental.ActivatedAt), formatNullTime(rental.EndedAt),
		rental.ID, string(from),
	)
	if err != nil {
		return fmt.Errorf("transition rental %q: %w", rental.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		current, err := r.Get(ctx, rental.ID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: cannot move rental to %s while it is %s", model.ErrConflict, rental.Status, current.Status)
	}
	return nil
}

// SetPaymentStatus records the payment collaborator's latest status.
func (r *RentalRepo) SetPaymentStatus(ctx context.Context, id string, status model.PaymentStatus) error {
	res, err := r.db.Writer.ExecContext(ctx, `UPDATE rentals SET payment_status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("set payment status for rental %q: %w", id, err)
	}
	return requireRow(res, "rental", id)
}

// RecordUsage applies apply to the quota window and appends ev to the usage
// history in one writer transaction, so concurrent calls for the same rental
// are serialised and none is lost.
func (r *RentalRepo) RecordUsage(ctx context.Context, id string, ev model.UsageEvent, apply func(*model.QuotaWindow)) (model.QuotaWindow, error) {
	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return model.QuotaWindow{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		w                          model.QuotaWindow
		lastDaily, lastMonthly     string
		dailyAlerted, monthAlerted int
	)
	err = tx.QueryRowContext(ctx, `
		SELECT daily_limit, monthly_limit, daily_used, monthly_used, total_used,
		       last_daily_reset, last_monthly_reset, daily_alerted, monthly_alerted
		FROM rentals WHERE id = ?
	`, id).Scan(
		&w.DailyLimit, &w.MonthlyLimit, &w.DailyUsed, &w.MonthlyUsed, &w.TotalUsed,
		&lastDaily, &lastMonthly, &dailyAlerted, &monthAlerted,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.QuotaWindow{}, fmt.Errorf("%w: rental %q", model.ErrNotFound, id)
	}
	if err != nil {
		return model.QuotaWindow{}, fmt.Errorf("load quota for rental %q: %w", id, err)
	}
	if w.LastDailyReset, err = parseTime(lastDaily); err != nil {
		return model.QuotaWindow{}, fmt.Errorf("parse last_daily_reset: %w", err)
	}
	if w.LastMonthlyReset, err = parseTime(lastMonthly); err != nil {
		return model.QuotaWindow{}, fmt.Errorf("parse last_monthly_reset: %w", err)
	}
	w.DailyAlerted = dailyAlerted != 0
	w.MonthlyAlerted = monthAlerted != 0

	apply(&w)

	if _, err := tx.ExecContext(ctx, `
		UPDATE rentals
		SET daily_used = ?, monthly_used = ?, total_used = ?,
		    last_daily_reset = ?, last_monthly_reset = ?, daily_alerted = ?, monthly_alerted = ?
		WHERE id = ?
	`, w.DailyUsed, w.MonthlyUsed, w.TotalUsed,
		formatTime(w.LastDailyReset), formatTime(w.LastMonthlyReset), boolToInt(w.DailyAlerted), boolToInt(w.MonthlyAlerted),
		id,
	); err != nil {
		return model.QuotaWindow{}, fmt.Errorf("update quota for rental %q: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO usage_events (rental_id, at, endpoint, status_code) VALUES (?, ?, ?, ?)`,
		id, formatTime(ev.At), ev.Endpoint, ev.StatusCode,
	); err != nil {
		return model.QuotaWindow{}, fmt.Errorf("append usage for rental %q: %w", id, err)
	}

	// Keep only the newest UsageHistoryLimit events. When fewer exist the
	// subquery yields NULL and nothing is deleted.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM usage_events
		WHERE rental_id = ? AND id <= (
			SELECT id FROM usage_events WHERE rental_id = ? ORDER BY id DESC LIMIT 1 OFFSET ?
		)
	`, id, id, model.UsageHistoryLimit); err != nil {
		return model.QuotaWindow{}, fmt.Errorf("trim usage history for rental %q: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return model.QuotaWindow{}, fmt.Errorf("commit usage for rental %q: %w", id, err)
	}
	return w, nil
}

// ListUsage returns the most recent usage events, newest first.
func (r *RentalRepo) ListUsage(ctx context.Context, id string, limit int) ([]model.UsageEvent, error) {
	if limit <= 0 || limit > model.UsageHistoryLimit {
		limit = model.UsageHistoryLimit
	}
	rows, err := r.db.Reader.QueryContext(ctx,
		`SELECT at, endpoint, status_code FROM usage_events WHERE rental_id = ? ORDER BY id DESC LIMIT ?`,
		id, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list usage for rental %q: %w", id, err)
	}
	defer rows.Close()

	var events []model.UsageEvent
	for rows.Next() {
		var ev model.UsageEvent
		var at string
		if err := rows.Scan(&at, &ev.Endpoint, &ev.StatusCode); err != nil {
			return nil, fmt.Errorf("scan usage event: %w", err)
		}
		if ev.At, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("parse usage event time: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage events: %w", err)
	}
	return events, nil
}

func (r *RentalRepo) list(ctx context.Context, query string, args ...any) ([]model.Rental, error) {
	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rentals: %w", err)
	}
	defer rows.Close()

	var rentals []model.Rental
	for rows.Next() {
		rental, err := scanRental(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rental: %w", err)
		}
		rentals = append(rentals, *rental)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rentals: %w", err)
	}
	return rentals, nil
}

func scanRental(row rowScanner) (*model.Rental, error) {
	var (
		rt                                      model.Rental
		status, payment, scopesJSON             string
		startAt, endAt, createdAt               string
		lastDaily, lastMonthly                  string
		slotHeld, dailyAlerted, monthlyAlerted  int
		leaseExpires, decided, activated, ended sql.NullString
	)
	err := row.Scan(
		&rt.ID, &rt.InfluencerID, &rt.AdvertiserID, &rt.CredentialID, &rt.KeyID, &rt.CredentialVersion, &rt.Platform,
		&status, &payment, &startAt, &endAt, &scopesJSON, &rt.Fee,
		&rt.LeaseSecret, &leaseExpires, &slotHeld,
		&rt.Quota.DailyLimit, &rt.Quota.MonthlyLimit, &rt.Quota.DailyUsed, &rt.Quota.MonthlyUsed, &rt.Quota.TotalUsed,
		&lastDaily, &lastMonthly, &dailyAlerted, &monthlyAlerted,
		&rt.EndReason, &createdAt, &decided, &activated, &ended,
	)
	if err != nil {
		return nil, err
	}

	rt.Status = model.RentalStatus(status)
	rt.PaymentStatus = model.PaymentStatus(payment)
	rt.SlotHeld = slotHeld != 0
	rt.Quota.DailyAlerted = dailyAlerted != 0
	rt.Quota.MonthlyAlerted = monthlyAlerted != 0

	if err := json.Unmarshal([]byte(scopesJSON), &rt.Scopes); err != nil {
		return nil, fmt.Errorf("unmarshal scopes: %w", err)
	}

	for _, f := range []struct {
		dst *time.Time
		src string
	}{
		{&rt.StartAt, startAt},
		{&rt.EndAt, endAt},
		{&rt.CreatedAt, createdAt},
		{&rt.Quota.LastDailyReset, lastDaily},
		{&rt.Quota.LastMonthlyReset, lastMonthly},
	} {
		if *f.dst, err = parseTime(f.src); err != nil {
			return nil, err
		}
	}

	for _, f := range []struct {
		dst **time.Time
		src sql.NullString
	}{
		{&rt.LeaseExpiresAt, leaseExpires},
		{&rt.DecidedAt, decided},
		{&rt.ActivatedAt, activated},
		{&rt.EndedAt, ended},
	} {
		if *f.dst, err = parseNullTime(f.src); err != nil {
			return nil, err
		}
	}

	return &rt, nil
}

func marshalScopes(scopes []string) (string, error) {
	if scopes == nil {
		scopes = []string{}
	}
	b, err := json.Marshal(scopes)
	if err != nil {
		return "", fmt.Errorf("marshal scopes: %w", err)
	}
	return string(b), nil
}
