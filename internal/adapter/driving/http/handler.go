package httphandler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ericfisherdev/keyrental/internal/application"
	"github.com/ericfisherdev/keyrental/internal/domain/model"
)

// Principal headers are set by the auth collaborator in front of this service.
const (
	headerPrincipalID   = "X-Principal-ID"
	headerPrincipalRole = "X-Principal-Role"
)

// slotRetryAfter is the Retry-After hint, in seconds, sent when a credential
// has no free rental slot.
const slotRetryAfter = "60"

// Handler is the HTTP driving adapter that serves the REST API.
type Handler struct {
	credentials *application.CredentialService
	ledger      *application.RentalLedger
	quota       *application.QuotaTracker
	scheduler   *application.RotationScheduler
	logger      *slog.Logger
}

// NewHandler creates a Handler with all required dependencies.
func NewHandler(
	credentials *application.CredentialService,
	ledger *application.RentalLedger,
	quota *application.QuotaTracker,
	scheduler *application.RotationScheduler,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		credentials: credentials,
		ledger:      ledger,
		quota:       quota,
		scheduler:   scheduler,
		logger:      logger,
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with logging and recovery middleware.
func NewServeMux(h *Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/credentials", h.IssueCredential)
	mux.HandleFunc("GET /api/v1/credentials/{id}", h.GetCredential)
	mux.HandleFunc("POST /api/v1/credentials/{id}/rotate", h.RotateCredential)
	mux.HandleFunc("PUT /api/v1/credentials/{id}/rotation-policy", h.UpdateRotationPolicy)
	mux.HandleFunc("POST /api/v1/credentials/{id}/revoke", h.RevokeCredential)
	mux.HandleFunc("GET /api/v1/credentials/{id}/secret", h.GetCredentialSecret)
	mux.HandleFunc("GET /api/v1/rotations/due", h.ListDueRotations)

	mux.HandleFunc("POST /api/v1/rentals", h.RequestRental)
	mux.HandleFunc("GET /api/v1/rentals/{id}", h.GetRental)
	mux.HandleFunc("POST /api/v1/rentals/{id}/decision", h.DecideRental)
	mux.HandleFunc("POST /api/v1/rentals/{id}/complete", h.CompleteRental)
	mux.HandleFunc("GET /api/v1/rentals/{id}/secret", h.GetLeaseSecret)
	mux.HandleFunc("POST /api/v1/rentals/{id}/usage", h.RecordUsage)
	mux.HandleFunc("GET /api/v1/rentals/{id}/usage", h.GetUsage)

	mux.HandleFunc("POST /api/v1/payments/events", h.PaymentEvent)
	mux.HandleFunc("GET /api/v1/health", h.Health)

	// Recovery sits inside logging so panics are caught before the request is logged.
	wrapped := bodyLimitMiddleware(mux)
	wrapped = recoveryMiddleware(logger, wrapped)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// Health returns a simple health check response.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}

// principal resolves the caller from the auth collaborator's headers. On
// failure it writes a 401 and returns false.
func principal(w http.ResponseWriter, r *http.Request) (model.Principal, bool) {
	id := r.Header.Get(headerPrincipalID)
	role := model.Role(r.Header.Get(headerPrincipalRole))

	switch role {
	case model.RoleInfluencer, model.RoleAdvertiser, model.RoleAdmin, model.RoleSystem:
	default:
		writeError(w, http.StatusUnauthorized, "missing or unknown principal role")
		return model.Principal{}, false
	}
	if id == "" {
		writeError(w, http.StatusUnauthorized, "missing principal id")
		return model.Principal{}, false
	}
	return model.Principal{ID: id, Role: role}, true
}

// decodeBody decodes a JSON request body into v, rejecting unknown fields.
// On failure it writes a 400 and returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// intQuery parses an optional non-negative integer query parameter.
func intQuery(r *http.Request, key string, def int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// writeDomainError maps a domain error kind onto an HTTP status. Unclassified
// errors are logged and reported as 500 without detail.
func (h *Handler) writeDomainError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, model.ErrSlotUnavailable):
		w.Header().Set("Retry-After", slotRetryAfter)
		writeError(w, http.StatusConflict, "no rental slot is free for this credential, try again later")
	case errors.Is(err, model.ErrQuotaExceeded):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, model.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrAuthorization):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, model.ErrExpired):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, model.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("request failed", "op", op, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
