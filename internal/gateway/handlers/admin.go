package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/modelpay/keysource/internal/gateway/ledger"
	"github.com/modelpay/keysource/internal/gateway/policy"
)

// getPolicy returns the stored platform policy, bypassing the resolver
// cache so admins always see the live row.
func (h *Handlers) getPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := h.policyDB.Get(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("policy read failed")
		writeError(w, http.StatusInternalServerError, "Internal Error", "could not load policy")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// putPolicy replaces the platform policy and refreshes the resolver so
// the change applies to the next request, not the next cache expiry.
func (h *Handlers) putPolicy(w http.ResponseWriter, r *http.Request) {
	var p policy.Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}

	if err := h.policyDB.Update(r.Context(), p); err != nil {
		h.logger.Error().Err(err).Msg("policy update failed")
		writeError(w, http.StatusInternalServerError, "Internal Error", "could not update policy")
		return
	}

	refreshed, err := h.policies.ForceRefresh(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("policy refresh failed after update")
		writeError(w, http.StatusInternalServerError, "Internal Error", "policy stored but cache refresh failed")
		return
	}
	writeJSON(w, http.StatusOK, refreshed)
}

func (h *Handlers) refreshPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := h.policies.ForceRefresh(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("policy refresh failed")
		writeError(w, http.StatusInternalServerError, "Internal Error", "could not refresh policy")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type grantRequest struct {
	UserID      string `json:"userId"`
	AmountCents int64  `json:"amountCents"`
	Reference   string `json:"reference"`
	Description string `json:"description"`
}

// grantCredits tops up a user's balance. The reference makes replays
// safe; when the caller does not supply one a fresh id is minted.
func (h *Handlers) grantCredits(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if req.UserID == "" || req.AmountCents <= 0 {
		writeError(w, http.StatusUnprocessableEntity, "Validation Error", "userId and a positive amountCents are required")
		return
	}
	if req.Reference == "" {
		req.Reference = uuid.NewString()
	}
	if req.Description == "" {
		req.Description = "manual credit grant"
	}

	tx, err := h.credits.Credit(r.Context(), req.UserID, req.AmountCents, req.Reference, req.Description)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateReference) {
			writeError(w, http.StatusConflict, "Duplicate Reference", "this reference was already applied")
			return
		}
		h.logger.Error().Err(err).Msg("credit grant failed")
		writeError(w, http.StatusInternalServerError, "Internal Error", "could not grant credits")
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}
