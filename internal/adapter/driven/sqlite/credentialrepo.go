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
var _ driven.CredentialStore = (*CredentialRepo)(nil)

// CredentialRepo is the SQLite implementation of the CredentialStore port interface.
// Secrets arrive already encrypted; the repo never sees plaintext.
type CredentialRepo struct {
	db *DB
}

// NewCredentialRepo creates a new CredentialRepo backed by the given DB.
func NewCredentialRepo(db *DB) *CredentialRepo {
	return &CredentialRepo{db: db}
}

const credentialColumns = `
	id, influencer_id, account_id, platform, key_id, version, encrypted_secret,
	status, available, concurrency_cap, active_leases, scopes,
	hourly_rate, daily_rate, weekly_rate,
	rotation_enabled, rotation_interval_days, rotation_notify_lead_days, rotation_auto,
	next_rotation_at, rotation_notified_at, usage_count,
	created_at, last_rotated_at, expires_at`

// Create stores a new credential.
func (r *CredentialRepo) Create(ctx context.Context, cred model.Credential) error {
	const query = `INSERT INTO credentials (` + credentialColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	scopesJSON, err := marshalScopes(cred.Scopes)
	if err != nil {
		return err
	}

	next := cred.NextRotationAt
	_, err = r.db.Writer.ExecContext(ctx, query,
		cred.ID, cred.InfluencerID, cred.AccountID, cred.Platform, cred.KeyID, cred.Version, cred.EncryptedSecret,
		string(cred.Status), boolToInt(cred.Available), cred.ConcurrencyCap, cred.ActiveLeases, scopesJSON,
		cred.Fees.HourlyRate, cred.Fees.DailyRate, cred.Fees.WeeklyRate,
		boolToInt(cred.Rotation.Enabled), cred.Rotation.IntervalDays, cred.Rotation.NotifyLeadDays, boolToInt(cred.Rotation.AutoRotate),
		formatNullTime(&next), formatNullTime(cred.RotationNotifiedAt), cred.UsageCount,
		formatTime(cred.CreatedAt), formatTime(cred.LastRotatedAt), formatTime(cred.ExpiresAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("%w: credential already registered for account %q", model.ErrConflict, cred.AccountID)
		}
		return fmt.Errorf("insert credential %q: %w", cred.ID, err)
	}
	return nil
}

// Get returns the credential with the given id.
func (r *CredentialRepo) Get(ctx context.Context, id string) (*model.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE id = ?`
	cred, err := scanCredential(r.db.Reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: credential %q", model.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get credential %q: %w", id, err)
	}
	return cred, nil
}

// GetByAccount returns the credential registered for the influencer's account.
func (r *CredentialRepo) GetByAccount(ctx context.Context, influencerID, accountID string) (*model.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE influencer_id = ? AND account_id = ?`
	cred, err := scanCredential(r.db.Reader.QueryRowContext(ctx, query, influencerID, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no credential for account %q of influencer %q", model.ErrNotFound, accountID, influencerID)
	}
	if err != nil {
		return nil, fmt.Errorf("get credential for account %q: %w", accountID, err)
	}
	return cred, nil
}

// ListByInfluencer returns every credential owned by the influencer, oldest first.
func (r *CredentialRepo) ListByInfluencer(ctx context.Context, influencerID string) ([]model.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE influencer_id = ? ORDER BY created_at`
	return r.list(ctx, query, influencerID)
}

// ListRotationDue returns active credentials with rotation enabled whose next
// rotation is at or before now.
func (r *CredentialRepo) ListRotationDue(ctx context.Context, now time.Time) ([]model.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials
		WHERE status = 'active' AND rotation_enabled = 1
		  AND next_rotation_at IS NOT NULL AND next_rotation_at <= ?
		ORDER BY next_rotation_at`
	return r.list(ctx, query, formatTime(now))
}

// ListRotationBetween returns active credentials with rotation enabled whose
// next rotation falls in (after, until].
func (r *CredentialRepo) ListRotationBetween(ctx context.Context, after, until time.Time) ([]model.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials
		WHERE status = 'active' AND rotation_enabled = 1
		  AND next_rotation_at IS NOT NULL AND next_rotation_at > ? AND next_rotation_at <= ?
		ORDER BY next_rotation_at`
	return r.list(ctx, query, formatTime(after), formatTime(until))
}

// UpdateSecret replaces the encrypted secret if the stored version still
// equals expectedVersion and bumps the version by one.
func (r *CredentialRepo) UpdateSecret(ctx context.Context, id string, expectedVersion int, encrypted string, rotatedAt, nextRotation time.Time) error {
	const query = `
		UPDATE credentials
		SET encrypted_secret = ?, version = version + 1, last_rotated_at = ?,
		    next_rotation_at = ?, rotation_notified_at = NULL
		WHERE id = ? AND version = ?
	`
	res, err := r.db.Writer.ExecContext(ctx, query,
		encrypted, formatTime(rotatedAt), formatNullTime(&nextRotation), id, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update secret for credential %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update secret for credential %q: %w", id, err)
	}
	if n == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: credential %q is no longer at version %d", model.ErrConflict, id, expectedVersion)
	}
	return nil
}

// UpdateRotationPolicy persists a new policy and its recomputed due date.
func (r *CredentialRepo) UpdateRotationPolicy(ctx context.Context, id string, policy model.RotationPolicy, nextRotation time.Time) error {
	const query = `
		UPDATE credentials
		SET rotation_enabled = ?, rotation_interval_days = ?, rotation_notify_lead_days = ?,
		    rotation_auto = ?, next_rotation_at = ?, rotation_notified_at = NULL
		WHERE id = ?
	`
	res, err := r.db.Writer.ExecContext(ctx, query,
		boolToInt(policy.Enabled), policy.IntervalDays, policy.NotifyLeadDays, boolToInt(policy.AutoRotate),
		formatNullTime(&nextRotation), id,
	)
	if err != nil {
		return fmt.Errorf("update rotation policy for credential %q: %w", id, err)
	}
	return requireRow(res, "credential", id)
}

// MarkRotationNotified records when a rotation-due reminder was emitted.
func (r *CredentialRepo) MarkRotationNotified(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE credentials SET rotation_notified_at = ? WHERE id = ?`
	res, err := r.db.Writer.ExecContext(ctx, query, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("mark rotation notified for credential %q: %w", id, err)
	}
	return requireRow(res, "credential", id)
}

// SetStatus changes the lifecycle status and recomputes availability.
func (r *CredentialRepo) SetStatus(ctx context.Context, id string, status model.CredentialStatus) error {
	const query = `
		UPDATE credentials
		SET status = ?,
		    available = CASE WHEN ? = 'active' AND active_leases < concurrency_cap THEN 1 ELSE 0 END
		WHERE id = ?
	`
	res, err := r.db.Writer.ExecContext(ctx, query, string(status), string(status), id)
	if err != nil {
		return fmt.Errorf("set status for credential %q: %w", id, err)
	}
	return requireRow(res, "credential", id)
}

// IncrementUsage adds one to the lifetime usage counter.
func (r *CredentialRepo) IncrementUsage(ctx context.Context, id string) error {
	const query = `UPDATE credentials SET usage_count = usage_count + 1 WHERE id = ?`
	res, err := r.db.Writer.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("increment usage for credential %q: %w", id, err)
	}
	return requireRow(res, "credential", id)
}

func (r *CredentialRepo) list(ctx context.Context, query string, args ...any) ([]model.Credential, error) {
	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var creds []model.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		creds = append(creds, *cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return creds, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*model.Credential, error) {
	var (
		c                                   model.Credential
		status, scopesJSON                  string
		available, rotEnabled, rotAuto      int
		nextRotation, notifiedAt            sql.NullString
		createdAt, lastRotatedAt, expiresAt string
	)
	err := row.Scan(
		&c.ID, &c.InfluencerID, &c.AccountID, &c.Platform, &c.KeyID, &c.Version, &c.EncryptedSecret,
		&status, &available, &c.ConcurrencyCap, &c.ActiveLeases, &scopesJSON,
		&c.Fees.HourlyRate, &c.Fees.DailyRate, &c.Fees.WeeklyRate,
		&rotEnabled, &c.Rotation.IntervalDays, &c.Rotation.NotifyLeadDays, &rotAuto,
		&nextRotation, &notifiedAt, &c.UsageCount,
		&createdAt, &lastRotatedAt, &expiresAt,
	)
	if err != nil {
		return nil, err
	}

	c.Status = model.CredentialStatus(status)
	c.Available = available != 0
	c.Rotation.Enabled = rotEnabled != 0
	c.Rotation.AutoRotate = rotAuto != 0

	if err := json.Unmarshal([]byte(scopesJSON), &c.Scopes); err != nil {
		return nil, fmt.Errorf("unmarshal scopes: %w", err)
	}

	next, err := parseNullTime(nextRotation)
	if err != nil {
		return nil, fmt.Errorf("parse next_rotation_at: %w", err)
	}
	if next != nil {
		c.NextRotationAt = *next
	}
	if c.RotationNotifiedAt, err = parseNullTime(notifiedAt); err != nil {
		return nil, fmt.Errorf("parse rotation_notified_at: %w", err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if c.LastRotatedAt, err = parseTime(lastRotatedAt); err != nil {
		return nil, fmt.Errorf("parse last_rotated_at: %w", err)
	}
	if c.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}

	return &c, nil
}

// requireRow converts a zero-row update into model.ErrNotFound.
func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %q", model.ErrNotFound, kind, id)
	}
	return nil
}
