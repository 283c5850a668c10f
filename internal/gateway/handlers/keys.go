package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/modelpay/keysource/internal/gateway/dispatch"
	"github.com/modelpay/keysource/internal/gateway/keystore"
	"github.com/modelpay/keysource/internal/gateway/providers"
	"github.com/modelpay/keysource/internal/gateway/routing"
)

type addKeyRequest struct {
	Provider string `json:"provider"`
	APIKey   string `json:"apiKey"`
}

// addKey validates the submitted key against the live provider before it
// is stored. A failed probe never persists anything.
func (h *Handlers) addKey(w http.ResponseWriter, r *http.Request) {
	var req addKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}

	rec, err := h.keys.AddOrReplaceKey(r.Context(), userID(r.Context()), req.Provider, req.APIKey)
	if err != nil {
		if errors.Is(err, keystore.ErrUnknownProvider) || errors.Is(err, keystore.ErrValidationFailed) {
			writeError(w, http.StatusUnprocessableEntity, "Validation Error", err.Error())
			return
		}
		h.logger.Error().Err(err).Msg("add key failed")
		writeError(w, http.StatusInternalServerError, "Internal Error", "could not store key")
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *Handlers) listKeys(w http.ResponseWriter, r *http.Request) {
	recs, err := h.keys.ListKeys(r.Context(), userID(r.Context()))
	if err != nil {
		h.logger.Error().Err(err).Msg("list keys failed")
		writeError(w, http.StatusInternalServerError, "Internal Error", "could not list keys")
		return
	}
	if recs == nil {
		recs = []keystore.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handlers) deleteKey(w http.ResponseWriter, r *http.Request) {
	err := h.keys.DeleteKey(r.Context(), userID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, keystore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Not Found", "no such key")
			return
		}
		h.logger.Error().Err(err).Msg("delete key failed")
		writeError(w, http.StatusInternalServerError, "Internal Error", "could not delete key")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// testKey re-probes a stored key on demand. Both outcomes return the
// refreshed record; the isValid field carries the answer.
func (h *Handlers) testKey(w http.ResponseWriter, r *http.Request) {
	rec, err := h.keys.Revalidate(r.Context(), userID(r.Context()), chi.URLParam(r, "id"))
	if err != nil && !errors.Is(err, keystore.ErrValidationFailed) {
		if errors.Is(err, keystore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Not Found", "no such key")
			return
		}
		h.logger.Error().Err(err).Msg("test key failed")
		writeError(w, http.StatusInternalServerError, "Internal Error", "could not test key")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type settingsFlags struct {
	ByokEnabled             bool `json:"byokEnabled"`
	ByokUsesInternalCredits bool `json:"byokUsesInternalCredits"`
	ByokOnlyMode            bool `json:"byokOnlyMode"`
}

type settingsKeySource struct {
	Source string `json:"source"`
	Reason string `json:"reason"`
}

type settingsResponse struct {
	Enabled       bool              `json:"enabled"`
	Flags         settingsFlags     `json:"flags"`
	HasCredits    bool              `json:"hasCredits"`
	HasByokKeys   bool              `json:"hasByokKeys"`
	ByokProviders []string          `json:"byokProviders"`
	KeySource     settingsKeySource `json:"keySource"`
}

// keySourceSettings previews the routing decision the next chat request
// would get, without touching any provider.
func (h *Handlers) keySourceSettings(w http.ResponseWriter, r *http.Request) {
	rc, _, err := h.dispatcher.BuildContext(r.Context(), userID(r.Context()), dispatch.Task{Operation: providers.OperationChat})
	if err != nil {
		h.logger.Error().Err(err).Msg("settings lookup failed")
		writeError(w, http.StatusInternalServerError, "Internal Error", "could not load settings")
		return
	}

	v := routing.Decide(rc)
	reason := v.Rule
	if v.Source == routing.SourceError {
		reason = string(v.Reason)
	}

	byokProviders := rc.Providers()
	if byokProviders == nil {
		byokProviders = []string{}
	}

	writeJSON(w, http.StatusOK, settingsResponse{
		Enabled: rc.Policy.ByokEnabled,
		Flags: settingsFlags{
			ByokEnabled:             rc.Policy.ByokEnabled,
			ByokUsesInternalCredits: rc.Policy.ByokUsesInternalCredits,
			ByokOnlyMode:            rc.Policy.ByokOnlyMode,
		},
		HasCredits:    rc.HasCredits,
		HasByokKeys:   rc.HasByok(),
		ByokProviders: byokProviders,
		KeySource:     settingsKeySource{Source: string(v.Source), Reason: reason},
	})
}

// byokUsage reports per-provider BYOK consumption for the caller, default
// window 30 days.
func (h *Handlers) byokUsage(w http.ResponseWriter, r *http.Request) {
	days := 30
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "Validation Error", "days must be a number")
			return
		}
		days = n
	}

	rep, err := h.recorder.ByokReport(r.Context(), userID(r.Context()), days)
	if err != nil {
		h.logger.Error().Err(err).Msg("usage report failed")
		writeError(w, http.StatusInternalServerError, "Internal Error", "could not build usage report")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
