package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/webhook"

	"github.com/modelpay/keysource/internal/gateway/ledger"
)

// maxWebhookBytes bounds the Stripe payload read. Checkout events are a
// few KB; anything larger is not ours.
const maxWebhookBytes = 64 << 10

// stripeWebhook turns completed checkout sessions into credit top-ups.
// The Stripe event id is the ledger reference, so redelivery of the same
// event credits at most once.
func (h *Handlers) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid Request", "could not read payload")
		return
	}

	event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), h.cfg.StripeWebhookSecret)
	if err != nil {
		h.logger.Warn().Err(err).Msg("stripe signature rejected")
		writeError(w, http.StatusBadRequest, "Invalid Request", "signature verification failed")
		return
	}

	if event.Type != "checkout.session.completed" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid Request", "malformed checkout session")
		return
	}
	if sess.ClientReferenceID == "" {
		h.logger.Warn().Str("session", sess.ID).Msg("checkout session missing client reference")
		writeError(w, http.StatusBadRequest, "Invalid Request", "client_reference_id is required")
		return
	}
	if sess.AmountTotal <= 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	_, err = h.credits.Credit(r.Context(), sess.ClientReferenceID, sess.AmountTotal, event.ID, "stripe checkout "+sess.ID)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateReference) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "already_credited"})
			return
		}
		// A 5xx makes Stripe retry the delivery later.
		h.logger.Error().Err(err).Str("event", event.ID).Msg("credit from checkout failed")
		writeError(w, http.StatusInternalServerError, "Internal Error", "could not apply credit")
		return
	}

	h.logger.Info().
		Str("event", event.ID).
		Str("user_id", sess.ClientReferenceID).
		Int64("amount_cents", sess.AmountTotal).
		Msg("checkout credited")
	writeJSON(w, http.StatusOK, map[string]string{"status": "credited"})
}
