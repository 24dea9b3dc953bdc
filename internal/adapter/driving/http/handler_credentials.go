package httphandler

import (
	"net/http"

	"github.com/ericfisherdev/keyrental/internal/application"
	"github.com/ericfisherdev/keyrental/internal/domain/model"
)

// defaultDueDays is the look-ahead used when ?days is not given.
const defaultDueDays = model.DefaultRotationNotifyLeadDays

// IssueCredential stores a new credential for an influencer's account.
func (h *Handler) IssueCredential(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req IssueCredentialRequest
	if !decodeBody(w, r, &req) {
		return
	}

	cred, err := h.credentials.Issue(r.Context(), p, req.toIssueRequest())
	if err != nil {
		h.writeDomainError(w, "issue credential", err)
		return
	}

	writeJSON(w, http.StatusCreated, toCredentialResponse(*cred))
}

// GetCredential returns credential metadata. The secret is never included.
func (h *Handler) GetCredential(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	cred, err := h.credentials.Get(r.Context(), p, r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, "get credential", err)
		return
	}

	writeJSON(w, http.StatusOK, toCredentialResponse(*cred))
}

// RotateCredential replaces the credential's secret immediately and returns
// the new secret once.
func (h *Handler) RotateCredential(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	res, err := h.credentials.RotateNow(r.Context(), p, r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, "rotate credential", err)
		return
	}

	writeJSON(w, http.StatusOK, RotateResponse{
		Credential: toCredentialResponse(*res.Credential),
		Secret:     string(res.Secret),
	})
}

// UpdateRotationPolicy replaces the credential's rotation policy.
func (h *Handler) UpdateRotationPolicy(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req RotationPolicyRequest
	if !decodeBody(w, r, &req) {
		return
	}

	cred, err := h.credentials.UpdateRotationPolicy(r.Context(), p, r.PathValue("id"), req.toModel())
	if err != nil {
		h.writeDomainError(w, "update rotation policy", err)
		return
	}

	writeJSON(w, http.StatusOK, toCredentialResponse(*cred))
}

// RevokeCredential revokes the credential and ends its open rentals.
func (h *Handler) RevokeCredential(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	cred, err := h.ledger.RevokeCredential(r.Context(), p, r.PathValue("id"))
	if err != nil {
		if cred != nil {
			// The credential is revoked; only ending some rentals failed.
			h.logger.Error("revoke left rentals open", "credential_id", cred.ID, "error", err)
			writeJSON(w, http.StatusOK, toCredentialResponse(*cred))
			return
		}
		h.writeDomainError(w, "revoke credential", err)
		return
	}

	writeJSON(w, http.StatusOK, toCredentialResponse(*cred))
}

// GetCredentialSecret returns the decrypted live secret to its owner.
func (h *Handler) GetCredentialSecret(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	secret, err := h.credentials.FetchDecrypted(r.Context(), p, r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, "fetch credential secret", err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, SecretResponse{Secret: string(secret)})
}

// ListDueRotations returns credentials whose rotation falls within ?days.
func (h *Handler) ListDueRotations(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	days, ok := intQuery(r, "days", defaultDueDays)
	if !ok {
		writeError(w, http.StatusBadRequest, "days must be a non-negative integer")
		return
	}

	due, err := h.scheduler.ListDueForRotation(r.Context(), p, days)
	if err != nil {
		h.writeDomainError(w, "list due rotations", err)
		return
	}

	resp := make([]CredentialResponse, 0, len(due))
	for _, c := range due {
		resp = append(resp, toCredentialResponse(c))
	}

	writeJSON(w, http.StatusOK, resp)
}

func (req IssueCredentialRequest) toIssueRequest() application.IssueRequest {
	opts := model.IssueOptions{
		Platform:       req.Platform,
		ConcurrencyCap: req.ConcurrencyCap,
		Scopes:         req.Scopes,
	}
	if req.ExpiresAt != nil {
		opts.ExpiresAt = *req.ExpiresAt
	}
	if req.Fees != nil {
		opts.Fees = model.FeeSchedule{
			HourlyRate: req.Fees.HourlyRate,
			DailyRate:  req.Fees.DailyRate,
			WeeklyRate: req.Fees.WeeklyRate,
		}
	}
	if req.Rotation != nil {
		policy := req.Rotation.toModel()
		opts.Rotation = &policy
	}

	return application.IssueRequest{
		InfluencerID: req.InfluencerID,
		AccountID:    req.AccountID,
		Secret:       []byte(req.Secret),
		Options:      opts,
	}
}

func (req RotationPolicyRequest) toModel() model.RotationPolicy {
	return model.RotationPolicy{
		Enabled:        req.Enabled,
		IntervalDays:   req.IntervalDays,
		NotifyLeadDays: req.NotifyLeadDays,
		AutoRotate:     req.AutoRotate,
	}
}
