package httphandler

import (
	"net/http"

	"github.com/ericfisherdev/keyrental/internal/application"
	"github.com/ericfisherdev/keyrental/internal/domain/model"
)

const defaultUsageLimit = 50

// RequestRental files a pending rental for the calling advertiser.
func (h *Handler) RequestRental(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req RentalRequestBody
	if !decodeBody(w, r, &req) {
		return
	}

	rental, err := h.ledger.RequestRental(r.Context(), p, application.RentalRequest{
		InfluencerID: req.InfluencerID,
		AccountID:    req.AccountID,
		Window:       model.RentalWindow{Start: req.StartAt, End: req.EndAt},
		Scopes:       req.Scopes,
	})
	if err != nil {
		h.writeDomainError(w, "request rental", err)
		return
	}

	writeJSON(w, http.StatusCreated, toRentalResponse(*rental))
}

// GetRental returns a rental to either party.
func (h *Handler) GetRental(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	rental, err := h.ledger.GetRental(r.Context(), p, r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, "get rental", err)
		return
	}

	writeJSON(w, http.StatusOK, toRentalResponse(*rental))
}

// DecideRental approves or rejects a pending rental.
func (h *Handler) DecideRental(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req DecisionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	rental, err := h.ledger.DecideRental(r.Context(), p, r.PathValue("id"), model.Decision(req.Decision))
	if err != nil {
		h.writeDomainError(w, "decide rental", err)
		return
	}

	writeJSON(w, http.StatusOK, toRentalResponse(*rental))
}

// CompleteRental ends an active rental as completed or cancelled.
func (h *Handler) CompleteRental(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req CompleteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	outcome := model.RentalStatus(req.Outcome)
	if outcome == "" {
		outcome = model.RentalStatusCompleted
	}

	rental, err := h.ledger.CompleteRental(r.Context(), p, r.PathValue("id"), outcome)
	if err != nil {
		h.writeDomainError(w, "complete rental", err)
		return
	}

	writeJSON(w, http.StatusOK, toRentalResponse(*rental))
}

// GetLeaseSecret returns the rental's lease-scoped secret to the advertiser.
func (h *Handler) GetLeaseSecret(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	secret, err := h.ledger.FetchLeaseSecret(r.Context(), p, r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, "fetch lease secret", err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, SecretResponse{Secret: string(secret)})
}

// RecordUsage meters one credential call for an active rental.
func (h *Handler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req UsageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint is required")
		return
	}

	view, err := h.quota.RecordAccess(r.Context(), p, r.PathValue("id"), req.Endpoint, req.StatusCode)
	if err != nil {
		h.writeDomainError(w, "record usage", err)
		return
	}

	writeJSON(w, http.StatusOK, toQuotaResponse(view))
}

// GetUsage returns the rental's quota state and recent calls.
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	limit, ok := intQuery(r, "limit", defaultUsageLimit)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	limit = min(limit, model.UsageHistoryLimit)

	report, err := h.quota.GetUsage(r.Context(), p, r.PathValue("id"), limit)
	if err != nil {
		h.writeDomainError(w, "get usage", err)
		return
	}

	recent := make([]UsageEventResponse, 0, len(report.Recent))
	for _, ev := range report.Recent {
		recent = append(recent, UsageEventResponse{
			At:         formatTime(ev.At),
			Endpoint:   ev.Endpoint,
			StatusCode: ev.StatusCode,
		})
	}

	writeJSON(w, http.StatusOK, UsageResponse{
		Quota:  toQuotaResponse(report.View),
		Recent: recent,
	})
}

// PaymentEvent applies a payment collaborator notification. Only the
// platform itself may deliver these.
func (h *Handler) PaymentEvent(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if !p.IsPrivileged() {
		writeError(w, http.StatusForbidden, "payment events are accepted from the platform only")
		return
	}

	var req PaymentEventRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RentalID == "" {
		writeError(w, http.StatusBadRequest, "rental_id is required")
		return
	}

	rental, err := h.ledger.HandlePaymentEvent(r.Context(), model.PaymentEvent{
		RentalID: req.RentalID,
		Status:   model.PaymentStatus(req.Status),
	})
	if err != nil {
		h.writeDomainError(w, "payment event", err)
		return
	}

	writeJSON(w, http.StatusOK, toRentalResponse(*rental))
}
