package httphandler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/keyrental/internal/adapter/driven/events"
	"github.com/ericfisherdev/keyrental/internal/adapter/driven/keycipher"
	"github.com/ericfisherdev/keyrental/internal/adapter/driven/sqlite"
	httphandler "github.com/ericfisherdev/keyrental/internal/adapter/driving/http"
	"github.com/ericfisherdev/keyrental/internal/application"
	"github.com/ericfisherdev/keyrental/internal/domain/model"
)

var (
	influencer = model.Principal{ID: "inf-1", Role: model.RoleInfluencer}
	advertiser = model.Principal{ID: "adv-1", Role: model.RoleAdvertiser}
	rival      = model.Principal{ID: "adv-2", Role: model.RoleAdvertiser}
	platform   = model.Principal{ID: "payments", Role: model.RoleSystem}
)

// setupMux wires the real services over a temporary SQLite database.
// Rentals get a daily limit of 2 so quota refusals are easy to reach.
func setupMux(t *testing.T) http.Handler {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	db, err := sqlite.NewDB(ctx, filepath.Join(t.TempDir(), "keyrental.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = sqlite.RunMigrations(db.Writer)
	require.NoError(t, err)

	cipher, err := keycipher.New([]byte("test-secret-key-with-enough-bytes"))
	require.NoError(t, err)

	sink := events.NewChannelSink(events.DefaultBuffer)
	go sink.Run(ctx)

	creds := sqlite.NewCredentialRepo(db)
	rentals := sqlite.NewRentalRepo(db)

	credentials := application.NewCredentialService(creds, cipher, sink, nil)
	slots := application.NewSlotManager(sqlite.NewSlotRepo(db), sink, nil)
	quota := application.NewQuotaTracker(rentals, creds, sink,
		application.QuotaConfig{Location: time.UTC, AlertPercent: 80}, nil)
	scheduler := application.NewRotationScheduler(creds, credentials, sink, time.Minute, nil)
	ledger := application.NewRentalLedger(rentals, creds, credentials, slots, cipher, sink,
		application.QuotaLimits{Daily: 2, Monthly: 100}, time.Minute, nil)

	h := httphandler.NewHandler(credentials, ledger, quota, scheduler, slog.Default())
	return httphandler.NewServeMux(h, slog.Default())
}

func do(t *testing.T, mux http.Handler, p *model.Principal, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if p != nil {
		req.Header.Set("X-Principal-ID", p.ID)
		req.Header.Set("X-Principal-Role", string(p.Role))
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	err := json.NewDecoder(rec.Body).Decode(v)
	require.NoError(t, err)
}

func issueCredential(t *testing.T, mux http.Handler, account string, concurrencyCap int) httphandler.CredentialResponse {
	t.Helper()
	rec := do(t, mux, &influencer, http.MethodPost, "/api/v1/credentials", httphandler.IssueCredentialRequest{
		AccountID:      account,
		Secret:         "secret-" + account,
		Platform:       "instagram",
		ConcurrencyCap: concurrencyCap,
		Scopes:         []string{"read", "insights"},
		Fees:           &httphandler.FeeSchedulePayload{HourlyRate: 100, DailyRate: 2000, WeeklyRate: 10000},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var cred httphandler.CredentialResponse
	decodeJSON(t, rec, &cred)
	return cred
}

func requestRental(t *testing.T, mux http.Handler, p model.Principal, account string) httphandler.RentalResponse {
	t.Helper()
	start := time.Now().UTC()
	rec := do(t, mux, &p, http.MethodPost, "/api/v1/rentals", httphandler.RentalRequestBody{
		InfluencerID: influencer.ID,
		AccountID:    account,
		StartAt:      start,
		EndAt:        start.Add(72 * time.Hour),
		Scopes:       []string{"read"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var rental httphandler.RentalResponse
	decodeJSON(t, rec, &rental)
	return rental
}

func activate(t *testing.T, mux http.Handler, rentalID string) {
	t.Helper()
	rec := do(t, mux, &influencer, http.MethodPost, "/api/v1/rentals/"+rentalID+"/decision",
		httphandler.DecisionRequest{Decision: "approve"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, mux, &platform, http.MethodPost, "/api/v1/payments/events",
		httphandler.PaymentEventRequest{RentalID: rentalID, Status: "completed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

// --- Tests ---

func TestHealth(t *testing.T) {
	mux := setupMux(t)

	rec := do(t, mux, nil, http.MethodGet, "/api/v1/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "ok", resp["status"])
	assert.NotEmpty(t, resp["time"])
}

func TestPrincipalRequired(t *testing.T) {
	mux := setupMux(t)

	tests := []struct {
		name string
		p    *model.Principal
	}{
		{"no headers", nil},
		{"unknown role", &model.Principal{ID: "x", Role: "superuser"}},
		{"missing id", &model.Principal{Role: model.RoleInfluencer}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, mux, tt.p, http.MethodGet, "/api/v1/credentials/any", nil)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestIssueCredential(t *testing.T) {
	mux := setupMux(t)

	cred := issueCredential(t, mux, "acct-1", 2)
	assert.NotEmpty(t, cred.ID)
	assert.Equal(t, "inf-1", cred.InfluencerID)
	assert.Equal(t, 1, cred.Version)
	assert.Equal(t, "active", cred.Status)
	assert.True(t, cred.Available)
	assert.Equal(t, 2, cred.ConcurrencyCap)
	assert.Equal(t, []string{"read", "insights"}, cred.Scopes)
	assert.True(t, cred.Rotation.Enabled)
	assert.Equal(t, 90, cred.Rotation.IntervalDays)

	rec := do(t, mux, &influencer, http.MethodGet, "/api/v1/credentials/"+cred.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret-acct-1")

	tests := []struct {
		name       string
		p          model.Principal
		body       any
		wantStatus int
	}{
		{"duplicate account", influencer, httphandler.IssueCredentialRequest{AccountID: "acct-1", Secret: "x"}, http.StatusConflict},
		{"empty secret", influencer, httphandler.IssueCredentialRequest{AccountID: "acct-2"}, http.StatusBadRequest},
		{"advertiser", advertiser, httphandler.IssueCredentialRequest{AccountID: "acct-2", Secret: "x"}, http.StatusForbidden},
		{"unknown field", influencer, map[string]any{"account_id": "acct-2", "secret": "x", "colour": "red"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, mux, &tt.p, http.MethodPost, "/api/v1/credentials", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
		})
	}
}

func TestCredentialSecretAndRotation(t *testing.T) {
	mux := setupMux(t)
	cred := issueCredential(t, mux, "acct-1", 1)
	base := "/api/v1/credentials/" + cred.ID

	rec := do(t, mux, &influencer, http.MethodGet, base+"/secret", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	var secret httphandler.SecretResponse
	decodeJSON(t, rec, &secret)
	assert.Equal(t, "secret-acct-1", secret.Secret)

	rec = do(t, mux, &advertiser, http.MethodGet, base+"/secret", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, mux, &influencer, http.MethodPost, base+"/rotate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var rotated httphandler.RotateResponse
	decodeJSON(t, rec, &rotated)
	assert.Equal(t, 2, rotated.Credential.Version)
	assert.NotEmpty(t, rotated.Secret)

	rec = do(t, mux, &influencer, http.MethodGet, base+"/secret", nil)
	decodeJSON(t, rec, &secret)
	assert.Equal(t, rotated.Secret, secret.Secret)

	rec = do(t, mux, &influencer, http.MethodPut, base+"/rotation-policy", httphandler.RotationPolicyRequest{
		Enabled: true, IntervalDays: 3, NotifyLeadDays: 1,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, mux, &influencer, http.MethodGet, "/api/v1/rotations/due?days=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var due []httphandler.CredentialResponse
	decodeJSON(t, rec, &due)
	require.Len(t, due, 1)
	assert.Equal(t, cred.ID, due[0].ID)

	rec = do(t, mux, &influencer, http.MethodGet, "/api/v1/rotations/due?days=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, mux, &advertiser, http.MethodGet, "/api/v1/rotations/due", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, mux, &influencer, http.MethodGet, "/api/v1/credentials/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRentalLifecycle(t *testing.T) {
	mux := setupMux(t)
	issueCredential(t, mux, "acct-1", 1)

	first := requestRental(t, mux, advertiser, "acct-1")
	second := requestRental(t, mux, rival, "acct-1")
	assert.Equal(t, "pending", first.Status)
	assert.Equal(t, int64(6000), first.Fee)
	assert.False(t, first.HasLease)

	rec := do(t, mux, &advertiser, http.MethodPost, "/api/v1/rentals/"+first.ID+"/decision",
		httphandler.DecisionRequest{Decision: "approve"})
	assert.Equal(t, http.StatusForbidden, rec.Code, "only the influencer decides")

	rec = do(t, mux, &influencer, http.MethodPost, "/api/v1/rentals/"+first.ID+"/decision",
		httphandler.DecisionRequest{Decision: "approve"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var approved httphandler.RentalResponse
	decodeJSON(t, rec, &approved)
	assert.Equal(t, "approved", approved.Status)
	assert.True(t, approved.HasLease)
	assert.NotEmpty(t, approved.LeaseExpiresAt)

	rec = do(t, mux, &influencer, http.MethodPost, "/api/v1/rentals/"+second.ID+"/decision",
		httphandler.DecisionRequest{Decision: "approve"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "try again later")

	rec = do(t, mux, &advertiser, http.MethodPost, "/api/v1/payments/events",
		httphandler.PaymentEventRequest{RentalID: first.ID, Status: "completed"})
	assert.Equal(t, http.StatusForbidden, rec.Code, "advertisers cannot fake payments")

	rec = do(t, mux, &platform, http.MethodPost, "/api/v1/payments/events",
		httphandler.PaymentEventRequest{RentalID: first.ID, Status: "completed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var active httphandler.RentalResponse
	decodeJSON(t, rec, &active)
	assert.Equal(t, "active", active.Status)
	assert.Equal(t, "completed", active.PaymentStatus)

	rec = do(t, mux, &advertiser, http.MethodGet, "/api/v1/rentals/"+first.ID+"/secret", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var lease httphandler.SecretResponse
	decodeJSON(t, rec, &lease)
	assert.Equal(t, "secret-acct-1", lease.Secret)

	rec = do(t, mux, &rival, http.MethodGet, "/api/v1/rentals/"+first.ID, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, mux, &advertiser, http.MethodPost, "/api/v1/rentals/"+first.ID+"/complete",
		httphandler.CompleteRequest{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var done httphandler.RentalResponse
	decodeJSON(t, rec, &done)
	assert.Equal(t, "completed", done.Status)
	assert.False(t, done.HasLease)

	rec = do(t, mux, &advertiser, http.MethodGet, "/api/v1/rentals/"+first.ID+"/secret", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// The slot is free again.
	rec = do(t, mux, &influencer, http.MethodPost, "/api/v1/rentals/"+second.ID+"/decision",
		httphandler.DecisionRequest{Decision: "approve"})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestUsageQuota(t *testing.T) {
	mux := setupMux(t)
	issueCredential(t, mux, "acct-1", 1)
	rental := requestRental(t, mux, advertiser, "acct-1")
	activate(t, mux, rental.ID)
	path := "/api/v1/rentals/" + rental.ID + "/usage"

	for i := 0; i < 2; i++ {
		rec := do(t, mux, &advertiser, http.MethodPost, path, httphandler.UsageRequest{Endpoint: "/media", StatusCode: 200})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := do(t, mux, &advertiser, http.MethodPost, path, httphandler.UsageRequest{Endpoint: "/media", StatusCode: 200})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = do(t, mux, &advertiser, http.MethodPost, path, httphandler.UsageRequest{StatusCode: 200})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, mux, &rival, http.MethodPost, path, httphandler.UsageRequest{Endpoint: "/media", StatusCode: 200})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, mux, &influencer, http.MethodGet, path+"?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var usage httphandler.UsageResponse
	decodeJSON(t, rec, &usage)
	assert.False(t, usage.Quota.WithinLimits)
	assert.True(t, usage.Quota.Daily.Exceeded)
	assert.Equal(t, int64(2), usage.Quota.Daily.Used)
	assert.Equal(t, int64(0), usage.Quota.Daily.Remaining)
	assert.Equal(t, int64(2), usage.Quota.Total)
	require.Len(t, usage.Recent, 1)
	assert.Equal(t, "/media", usage.Recent[0].Endpoint)

	rec = do(t, mux, &influencer, http.MethodGet, path+"?limit=lots", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRevokeCredential_EndsRentals(t *testing.T) {
	mux := setupMux(t)
	cred := issueCredential(t, mux, "acct-1", 2)
	active := requestRental(t, mux, advertiser, "acct-1")
	activate(t, mux, active.ID)
	pending := requestRental(t, mux, rival, "acct-1")

	rec := do(t, mux, &advertiser, http.MethodPost, "/api/v1/credentials/"+cred.ID+"/revoke", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, mux, &influencer, http.MethodPost, "/api/v1/credentials/"+cred.ID+"/revoke", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var revoked httphandler.CredentialResponse
	decodeJSON(t, rec, &revoked)
	assert.Equal(t, "revoked", revoked.Status)
	assert.False(t, revoked.Available)

	wantStatus := map[string]string{active.ID: "completed", pending.ID: "rejected"}
	for id, want := range wantStatus {
		rec = do(t, mux, &influencer, http.MethodGet, "/api/v1/rentals/"+id, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var got httphandler.RentalResponse
		decodeJSON(t, rec, &got)
		assert.Equal(t, want, got.Status, id)
		assert.Equal(t, application.ReasonRevoked, got.EndReason)
	}

	rec = do(t, mux, &influencer, http.MethodGet, "/api/v1/credentials/"+cred.ID+"/secret", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPaymentEvent_Validation(t *testing.T) {
	mux := setupMux(t)

	rec := do(t, mux, &platform, http.MethodPost, "/api/v1/payments/events",
		httphandler.PaymentEventRequest{Status: "completed"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, mux, &platform, http.MethodPost, "/api/v1/payments/events",
		httphandler.PaymentEventRequest{RentalID: "missing", Status: "chargeback"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, mux, &platform, http.MethodPost, "/api/v1/payments/events",
		httphandler.PaymentEventRequest{RentalID: "missing", Status: "completed"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOversizedBodyRejected(t *testing.T) {
	mux := setupMux(t)

	rec := do(t, mux, &influencer, http.MethodPost, "/api/v1/credentials", httphandler.IssueCredentialRequest{
		AccountID: "acct-1",
		Secret:    strings.Repeat("x", 128<<10),
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
