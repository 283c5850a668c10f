// Package handlers is the HTTP surface of the key-source router: inference
// endpoints over the dispatcher, BYOK key management, credit queries, admin
// policy control, and the Stripe top-up webhook.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/modelpay/keysource/internal/gateway/dispatch"
	"github.com/modelpay/keysource/internal/gateway/keystore"
	"github.com/modelpay/keysource/internal/gateway/ledger"
	"github.com/modelpay/keysource/internal/gateway/policy"
	"github.com/modelpay/keysource/internal/gateway/providers"
	"github.com/modelpay/keysource/internal/gateway/usage"
	"github.com/modelpay/keysource/internal/shared/config"
	"github.com/modelpay/keysource/internal/shared/database"
	"github.com/modelpay/keysource/internal/shared/metrics"
)

// Redis is the slice of the redis client the HTTP layer uses: the per-user
// rate limiter and the readiness probe. A nil Redis disables both.
type Redis interface {
	CheckRateLimit(ctx context.Context, userID string, limit int) (bool, int, time.Duration, error)
	Ping(ctx context.Context) error
}

// Deps carries everything the HTTP layer is wired to.
type Deps struct {
	Config      *config.Config
	DB          *database.DB
	Redis       Redis
	Keys        *keystore.Store
	Credits     *ledger.Store
	PolicyStore *policy.Store
	Policies    *policy.Resolver
	Dispatcher  *dispatch.Dispatcher
	Recorder    *usage.Recorder
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
}

type Handlers struct {
	cfg        *config.Config
	db         *database.DB
	redis      Redis
	keys       *keystore.Store
	credits    *ledger.Store
	policyDB   *policy.Store
	policies   *policy.Resolver
	dispatcher *dispatch.Dispatcher
	recorder   *usage.Recorder
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

func New(d Deps) *Handlers {
	return &Handlers{
		cfg:        d.Config,
		db:         d.DB,
		redis:      d.Redis,
		keys:       d.Keys,
		credits:    d.Credits,
		policyDB:   d.PolicyStore,
		policies:   d.Policies,
		dispatcher: d.Dispatcher,
		recorder:   d.Recorder,
		metrics:    d.Metrics,
		logger:     d.Logger.With().Str("component", "http").Logger(),
	}
}

// Routes assembles the router. Everything under /v1 requires a bearer JWT;
// admin routes additionally require the is_staff claim. Health, metrics,
// and the Stripe webhook are unauthenticated (the webhook authenticates by
// signature instead).
func (h *Handlers) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(h.cors)
	r.Use(h.requestLogger)

	r.Get("/health", h.health)
	r.Get("/health/ready", h.ready)
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	if h.cfg.StripeEnabled() {
		r.Post("/webhooks/stripe", h.stripeWebhook)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(h.auth)
		r.Use(h.rateLimit)

		r.Route("/api-keys", func(r chi.Router) {
			r.Get("/", h.listKeys)
			r.Post("/", h.addKey)
			r.Get("/settings", h.keySourceSettings)
			r.Get("/usage", h.byokUsage)
			r.Delete("/{id}", h.deleteKey)
			r.Post("/{id}/test", h.testKey)
		})

		r.Get("/credits", h.creditSummary)

		r.Post("/chat/completions", h.chatCompletions)
		r.Post("/embeddings", h.embeddings)
		r.Post("/audio/transcriptions", h.transcriptions)

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.requireStaff)
			r.Get("/policy", h.getPolicy)
			r.Put("/policy", h.putPolicy)
			r.Post("/policy/refresh", h.refreshPolicy)
			r.Post("/credits/grant", h.grantCredits)
		})
	})

	return r
}

// apiError is the uniform error envelope.
type apiError struct {
	Error   string      `json:"error"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// insufficientCredits is the data block of a 402: the full routing context
// the user needs to fix the problem themselves.
type insufficientCredits struct {
	Reason        string   `json:"reason"`
	ByokOnlyMode  bool     `json:"byokOnlyMode"`
	HasCredits    bool     `json:"hasCredits"`
	HasByok       bool     `json:"hasByok"`
	ByokProviders []string `json:"byokProviders"`
	Suggestion    string   `json:"suggestion"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, title, message string) {
	writeJSON(w, status, apiError{Error: title, Message: message})
}

// writeDispatchError maps dispatcher failures onto HTTP statuses: routing
// rejections become 402 with the self-service payload, invalid requests 400,
// exhausted or rejected provider calls 502. A canceled request gets no body;
// the client is gone.
func (h *Handlers) writeDispatchError(w http.ResponseWriter, r *http.Request, err error) {
	var re *dispatch.RoutingError
	if errors.As(err, &re) {
		suggestion := re.Reason.Suggestion()
		providersList := re.ByokProviders
		if providersList == nil {
			providersList = []string{}
		}
		writeJSON(w, http.StatusPaymentRequired, apiError{
			Error:   "Insufficient Credits",
			Message: suggestion,
			Data: insufficientCredits{
				Reason:        string(re.Reason),
				ByokOnlyMode:  re.Policy.ByokOnlyMode,
				HasCredits:    re.HasCredits,
				HasByok:       len(re.ByokProviders) > 0,
				ByokProviders: providersList,
				Suggestion:    suggestion,
			},
		})
		return
	}

	if providers.IsCanceled(err) {
		return
	}

	var perr *providers.Error
	if errors.As(err, &perr) {
		switch perr.Kind {
		case providers.ErrorKindInvalidRequest:
			writeError(w, http.StatusBadRequest, "Invalid Request", perr.Message)
		case providers.ErrorKindAuth:
			writeError(w, http.StatusBadGateway, "Provider Rejected Credentials",
				"the stored "+perr.Provider+" key was rejected upstream and no fallback was available; re-test the key under /v1/api-keys")
		default:
			writeError(w, http.StatusBadGateway, "Upstream Unavailable",
				"the provider did not respond after retries, please try again")
		}
		return
	}

	h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("dispatch failed")
	writeError(w, http.StatusInternalServerError, "Internal Error", "something went wrong")
}

func setRoutingHeaders(w http.ResponseWriter, res *dispatch.Result) {
	w.Header().Set("X-Request-Id", res.RequestID)
	w.Header().Set("X-Key-Source", string(res.Source))
	w.Header().Set("X-Provider", res.Provider)
}
