package handlers

import (
	"net/http"

	"github.com/modelpay/keysource/internal/gateway/ledger"
)

type creditsResponse struct {
	BalanceCents int64                `json:"balanceCents"`
	HasCredits   bool                 `json:"hasCredits"`
	Transactions []ledger.Transaction `json:"transactions"`
}

// creditSummary returns the caller's balance and recent ledger activity.
func (h *Handlers) creditSummary(w http.ResponseWriter, r *http.Request) {
	uid := userID(r.Context())

	balance, err := h.credits.Balance(r.Context(), uid)
	if err != nil {
		h.logger.Error().Err(err).Msg("balance lookup failed")
		writeError(w, http.StatusInternalServerError, "Internal Error", "could not load balance")
		return
	}

	txs, err := h.credits.RecentTransactions(r.Context(), uid, 20)
	if err != nil {
		h.logger.Error().Err(err).Msg("transaction lookup failed")
		writeError(w, http.StatusInternalServerError, "Internal Error", "could not load transactions")
		return
	}
	if txs == nil {
		txs = []ledger.Transaction{}
	}

	writeJSON(w, http.StatusOK, creditsResponse{
		BalanceCents: balance,
		HasCredits:   balance > 0,
		Transactions: txs,
	})
}
