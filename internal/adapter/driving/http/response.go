package httphandler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ericfisherdev/keyrental/internal/domain/model"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error string `json:"error"`
}

// --- Requests ---

// IssueCredentialRequest is the body of POST /api/v1/credentials.
type IssueCredentialRequest struct {
	InfluencerID   string                 `json:"influencer_id"`
	AccountID      string                 `json:"account_id"`
	Secret         string                 `json:"secret"`
	Platform       string                 `json:"platform"`
	ExpiresAt      *time.Time             `json:"expires_at"`
	ConcurrencyCap int                    `json:"concurrency_cap"`
	Scopes         []string               `json:"scopes"`
	Fees           *FeeSchedulePayload    `json:"fees"`
	Rotation       *RotationPolicyRequest `json:"rotation"`
}

// FeeSchedulePayload carries rates in minor currency units.
type FeeSchedulePayload struct {
	HourlyRate int64 `json:"hourly_rate"`
	DailyRate  int64 `json:"daily_rate"`
	WeeklyRate int64 `json:"weekly_rate"`
}

// RotationPolicyRequest is the body of PUT /api/v1/credentials/{id}/rotation-policy.
type RotationPolicyRequest struct {
	Enabled        bool `json:"enabled"`
	IntervalDays   int  `json:"interval_days"`
	NotifyLeadDays int  `json:"notify_lead_days"`
	AutoRotate     bool `json:"auto_rotate"`
}

// RentalRequestBody is the body of POST /api/v1/rentals.
type RentalRequestBody struct {
	InfluencerID string    `json:"influencer_id"`
	AccountID    string    `json:"account_id"`
	StartAt      time.Time `json:"start_at"`
	EndAt        time.Time `json:"end_at"`
	Scopes       []string  `json:"scopes"`
}

// DecisionRequest is the body of POST /api/v1/rentals/{id}/decision.
type DecisionRequest struct {
	Decision string `json:"decision"`
}

// CompleteRequest is the body of POST /api/v1/rentals/{id}/complete.
// An empty outcome means completed.
type CompleteRequest struct {
	Outcome string `json:"outcome"`
}

// UsageRequest is the body of POST /api/v1/rentals/{id}/usage.
type UsageRequest struct {
	Endpoint   string `json:"endpoint"`
	StatusCode int    `json:"status_code"`
}

// PaymentEventRequest is the body of POST /api/v1/payments/events.
type PaymentEventRequest struct {
	RentalID string `json:"rental_id"`
	Status   string `json:"status"`
}

// --- Responses ---

// CredentialResponse is the JSON representation of credential metadata.
type CredentialResponse struct {
	ID             string                `json:"id"`
	InfluencerID   string                `json:"influencer_id"`
	AccountID      string                `json:"account_id"`
	Platform       string                `json:"platform"`
	KeyID          string                `json:"key_id"`
	Version        int                   `json:"version"`
	Status         string                `json:"status"`
	Available      bool                  `json:"available"`
	ConcurrencyCap int                   `json:"concurrency_cap"`
	ActiveLeases   int                   `json:"active_leases"`
	Scopes         []string              `json:"scopes"`
	Fees           FeeSchedulePayload    `json:"fees"`
	Rotation       RotationPolicyRequest `json:"rotation"`
	NextRotationAt string                `json:"next_rotation_at,omitempty"`
	UsageCount     int64                 `json:"usage_count"`
	CreatedAt      string                `json:"created_at"`
	LastRotatedAt  string                `json:"last_rotated_at"`
	ExpiresAt      string                `json:"expires_at"`
}

// RotateResponse carries the rotated credential and its new secret.
type RotateResponse struct {
	Credential CredentialResponse `json:"credential"`
	Secret     string             `json:"secret"`
}

// SecretResponse carries decrypted secret material.
type SecretResponse struct {
	Secret string `json:"secret"`
}

// RentalResponse is the JSON representation of a rental. The lease secret
// is served separately.
type RentalResponse struct {
	ID                string   `json:"id"`
	InfluencerID      string   `json:"influencer_id"`
	AdvertiserID      string   `json:"advertiser_id"`
	CredentialID      string   `json:"credential_id"`
	KeyID             string   `json:"key_id"`
	CredentialVersion int      `json:"credential_version"`
	Platform          string   `json:"platform"`
	Status            string   `json:"status"`
	PaymentStatus     string   `json:"payment_status"`
	StartAt           string   `json:"start_at"`
	EndAt             string   `json:"end_at"`
	Scopes            []string `json:"scopes"`
	Fee               int64    `json:"fee"`
	HasLease          bool     `json:"has_lease"`
	LeaseExpiresAt    string   `json:"lease_expires_at,omitempty"`
	EndReason         string   `json:"end_reason,omitempty"`
	CreatedAt         string   `json:"created_at"`
	DecidedAt         string   `json:"decided_at,omitempty"`
	ActivatedAt       string   `json:"activated_at,omitempty"`
	EndedAt           string   `json:"ended_at,omitempty"`
}

// QuotaWindowResponse is the state of one quota window.
type QuotaWindowResponse struct {
	Used      int64 `json:"used"`
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
	Exceeded  bool  `json:"exceeded"`
}

// QuotaResponse is the result of a limit check.
type QuotaResponse struct {
	WithinLimits bool                `json:"within_limits"`
	Daily        QuotaWindowResponse `json:"daily"`
	Monthly      QuotaWindowResponse `json:"monthly"`
	Total        int64               `json:"total"`
}

// UsageEventResponse is one metered call.
type UsageEventResponse struct {
	At         string `json:"at"`
	Endpoint   string `json:"endpoint"`
	StatusCode int    `json:"status_code"`
}

// UsageResponse is the body of GET /api/v1/rentals/{id}/usage.
type UsageResponse struct {
	Quota  QuotaResponse        `json:"quota"`
	Recent []UsageEventResponse `json:"recent"`
}

// HealthResponse is the JSON representation of a health check.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// --- Conversion functions ---

func toCredentialResponse(c model.Credential) CredentialResponse {
	scopes := c.Scopes
	if scopes == nil {
		scopes = []string{}
	}

	resp := CredentialResponse{
		ID:             c.ID,
		InfluencerID:   c.InfluencerID,
		AccountID:      c.AccountID,
		Platform:       c.Platform,
		KeyID:          c.KeyID,
		Version:        c.Version,
		Status:         string(c.Status),
		Available:      c.Available,
		ConcurrencyCap: c.ConcurrencyCap,
		ActiveLeases:   c.ActiveLeases,
		Scopes:         scopes,
		Fees: FeeSchedulePayload{
			HourlyRate: c.Fees.HourlyRate,
			DailyRate:  c.Fees.DailyRate,
			WeeklyRate: c.Fees.WeeklyRate,
		},
		Rotation: RotationPolicyRequest{
			Enabled:        c.Rotation.Enabled,
			IntervalDays:   c.Rotation.IntervalDays,
			NotifyLeadDays: c.Rotation.NotifyLeadDays,
			AutoRotate:     c.Rotation.AutoRotate,
		},
		UsageCount:    c.UsageCount,
		CreatedAt:     formatTime(c.CreatedAt),
		LastRotatedAt: formatTime(c.LastRotatedAt),
		ExpiresAt:     formatTime(c.ExpiresAt),
	}
	if !c.NextRotationAt.IsZero() {
		resp.NextRotationAt = formatTime(c.NextRotationAt)
	}
	return resp
}

func toRentalResponse(r model.Rental) RentalResponse {
	scopes := r.Scopes
	if scopes == nil {
		scopes = []string{}
	}

	return RentalResponse{
		ID:                r.ID,
		InfluencerID:      r.InfluencerID,
		AdvertiserID:      r.AdvertiserID,
		CredentialID:      r.CredentialID,
		KeyID:             r.KeyID,
		CredentialVersion: r.CredentialVersion,
		Platform:          r.Platform,
		Status:            string(r.Status),
		PaymentStatus:     string(r.PaymentStatus),
		StartAt:           formatTime(r.StartAt),
		EndAt:             formatTime(r.EndAt),
		Scopes:            scopes,
		Fee:               r.Fee,
		HasLease:          r.HasLease(),
		LeaseExpiresAt:    formatOptionalTime(r.LeaseExpiresAt),
		EndReason:         r.EndReason,
		CreatedAt:         formatTime(r.CreatedAt),
		DecidedAt:         formatOptionalTime(r.DecidedAt),
		ActivatedAt:       formatOptionalTime(r.ActivatedAt),
		EndedAt:           formatOptionalTime(r.EndedAt),
	}
}

func toQuotaResponse(v model.QuotaView) QuotaResponse {
	return QuotaResponse{
		WithinLimits: v.WithinLimits,
		Daily:        toQuotaWindowResponse(v.Daily),
		Monthly:      toQuotaWindowResponse(v.Monthly),
		Total:        v.Total,
	}
}

func toQuotaWindowResponse(u model.QuotaUsage) QuotaWindowResponse {
	return QuotaWindowResponse{
		Used:      u.Used,
		Limit:     u.Limit,
		Remaining: u.Remaining,
		Exceeded:  u.Exceeded,
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
