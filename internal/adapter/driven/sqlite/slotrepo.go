package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ericfisherdev/keyrental/internal/domain/model"
	"github.com/ericfisherdev/keyrental/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.SlotStore = (*SlotRepo)(nil)

// SlotRepo is the SQLite implementation of the SlotStore port interface.
//
// The slot counter lives on the credential row (active_leases) and each
// rental carries a slot_held flag. Acquire and release flip the flag and move
// the counter inside one writer transaction, and the counter move is a
// conditional UPDATE (active_leases < concurrency_cap) so the cap check and
// the increment are a single statement. There is no separate count query
// whose result could go stale before the write.
type SlotRepo struct {
	db *DB
}

// NewSlotRepo creates a new SlotRepo backed by the given DB.
func NewSlotRepo(db *DB) *SlotRepo {
	return &SlotRepo{db: db}
}

// AcquireSlot takes one slot on the credential for the rental if one is free.
// A rental that already holds a slot is a conflict.
func (r *SlotRepo) AcquireSlot(ctx context.Context, credentialID, rentalID string) (bool, int, error) {
	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE rentals SET slot_held = 1 WHERE id = ? AND credential_id = ? AND slot_held = 0`,
		rentalID, credentialID,
	)
	if err != nil {
		return false, 0, fmt.Errorf("mark slot held for rental %q: %w", rentalID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, 0, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		held, err := rentalHoldsSlot(ctx, tx, credentialID, rentalID)
		if err != nil {
			return false, 0, err
		}
		if !held {
			return false, 0, fmt.Errorf("%w: rental %q against credential %q", model.ErrNotFound, rentalID, credentialID)
		}
		return false, 0, fmt.Errorf("%w: rental %q already holds a slot", model.ErrConflict, rentalID)
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE credentials
		SET active_leases = active_leases + 1,
		    available = CASE WHEN active_leases + 1 < concurrency_cap THEN 1 ELSE 0 END
		WHERE id = ? AND status = 'active' AND active_leases < concurrency_cap
	`, credentialID)
	if err != nil {
		return false, 0, fmt.Errorf("take slot on credential %q: %w", credentialID, err)
	}
	n, err = res.RowsAffected()
	if err != nil {
		return false, 0, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		// Cap reached (or credential not active): the deferred rollback
		// undoes the slot_held flag and leaves availability untouched.
		return false, 0, nil
	}

	free, err := freeSlots(ctx, tx, credentialID)
	if err != nil {
		return false, 0, err
	}
	if err := tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("commit slot acquire: %w", err)
	}
	return true, free, nil
}

// ReleaseSlot gives back the rental's slot. A second release is a no-op.
func (r *SlotRepo) ReleaseSlot(ctx context.Context, credentialID, rentalID string) (bool, error) {
	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE rentals SET slot_held = 0 WHERE id = ? AND credential_id = ? AND slot_held = 1`,
		rentalID, credentialID,
	)
	if err != nil {
		return false, fmt.Errorf("clear slot held for rental %q: %w", rentalID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE credentials
		SET active_leases = active_leases - 1,
		    available = CASE WHEN status = 'active' AND active_leases - 1 < concurrency_cap THEN 1 ELSE 0 END
		WHERE id = ? AND active_leases > 0
	`, credentialID); err != nil {
		return false, fmt.Errorf("return slot on credential %q: %w", credentialID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit slot release: %w", err)
	}
	return true, nil
}

func rentalHoldsSlot(ctx context.Context, tx *sql.Tx, credentialID, rentalID string) (bool, error) {
	var held int
	err := tx.QueryRowContext(ctx,
		`SELECT slot_held FROM rentals WHERE id = ? AND credential_id = ?`, rentalID, credentialID,
	).Scan(&held)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read slot_held for rental %q: %w", rentalID, err)
	}
	return held == 1, nil
}

func freeSlots(ctx context.Context, tx *sql.Tx, credentialID string) (int, error) {
	var free int
	err := tx.QueryRowContext(ctx,
		`SELECT concurrency_cap - active_leases FROM credentials WHERE id = ?`, credentialID,
	).Scan(&free)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: credential %q", model.ErrNotFound, credentialID)
	}
	if err != nil {
		return 0, fmt.Errorf("read free slots for credential %q: %w", credentialID, err)
	}
	return free, nil
}
