package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/ericfisherdev/keyrental/internal/domain/model"
)

// setupTestDB creates a named shared in-memory SQLite database for testing.
// Writer and reader connections share the same in-memory database via cache=shared.
// A unique name derived from t.Name() ensures isolation between parallel tests.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	// Percent-encode the test name so it's a safe SQLite URI filename component
	// and cannot be misinterpreted as query parameters in the "file:%s?..." DSN.
	safeName := url.PathEscape(t.Name())
	// WAL mode is not applicable to in-memory databases; omit journal_mode pragma.
	dsn := fmt.Sprintf(
		"file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=cache_size(-64000)",
		safeName,
	)

	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("create test db writer: %v", err)
	}
	writer.SetMaxOpenConns(1)
	if err := writer.PingContext(context.Background()); err != nil {
		_ = writer.Close()
		t.Fatalf("ping test db writer: %v", err)
	}

	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = writer.Close()
		t.Fatalf("create test db reader: %v", err)
	}
	reader.SetMaxOpenConns(4)
	if err := reader.PingContext(context.Background()); err != nil {
		_ = reader.Close()
		_ = writer.Close()
		t.Fatalf("ping test db reader: %v", err)
	}

	db := &DB{Writer: writer, Reader: reader, path: dsn}

	if _, err := RunMigrations(db.Writer); err != nil {
		_ = db.Close()
		t.Fatalf("run migrations: %v", err)
	}

	t.Cleanup(func() { _ = db.Close() })

	return db
}

var fixtureTime = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// seedCredential stores an active credential with the given cap.
func seedCredential(t *testing.T, db *DB, id string, concurrencyCap int) model.Credential {
	t.Helper()

	cred := model.Credential{
		ID:              id,
		InfluencerID:    "inf-1",
		AccountID:       "acct-" + id,
		Platform:        "instagram",
		KeyID:           "key-" + id,
		Version:         1,
		EncryptedSecret: "ciphertext-v1",
		Status:          model.CredentialStatusActive,
		Available:       true,
		ConcurrencyCap:  concurrencyCap,
		Scopes:          []string{"read", "insights"},
		Fees:            model.FeeSchedule{HourlyRate: 100, DailyRate: 2000, WeeklyRate: 10000},
		Rotation:        model.DefaultRotationPolicy(),
		NextRotationAt:  fixtureTime.AddDate(0, 0, 90),
		CreatedAt:       fixtureTime,
		LastRotatedAt:   fixtureTime,
		ExpiresAt:       fixtureTime.AddDate(1, 0, 0),
	}
	if err := NewCredentialRepo(db).Create(context.Background(), cred); err != nil {
		t.Fatalf("seed credential: %v", err)
	}
	return cred
}

// seedRental stores a pending rental against the credential.
func seedRental(t *testing.T, db *DB, id, credentialID string) model.Rental {
	t.Helper()

	rental := model.Rental{
		ID:            id,
		InfluencerID:  "inf-1",
		AdvertiserID:  "adv-1",
		CredentialID:  credentialID,
		KeyID:         "key-" + credentialID,
		Platform:      "instagram",
		Status:        model.RentalStatusPending,
		PaymentStatus: model.PaymentStatusPending,
		StartAt:       fixtureTime,
		EndAt:         fixtureTime.AddDate(0, 0, 3),
		Scopes:        []string{"read"},
		Fee:           6000,
		Quota:         model.NewQuotaWindow(1000, 30000, fixtureTime),
		CreatedAt:     fixtureTime,
	}
	if err := NewRentalRepo(db).Create(context.Background(), rental); err != nil {
		t.Fatalf("seed rental: %v", err)
	}
	return rental
}
