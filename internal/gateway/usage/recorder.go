package usage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/modelpay/keysource/internal/gateway/keystore"
	"github.com/modelpay/keysource/internal/gateway/ledger"
	"github.com/modelpay/keysource/internal/gateway/providers"
	"github.com/modelpay/keysource/internal/gateway/routing"
	"github.com/modelpay/keysource/internal/shared/database"
	"github.com/modelpay/keysource/internal/shared/metrics"
)

// Attempt is a finished provider attempt the platform owes a ledger row
// for. The dispatcher builds one per request that reached a provider.
type Attempt struct {
	UserID           string
	RequestID        string
	Source           routing.Source
	KeyID            string
	Provider         string
	Model            string
	Operation        providers.Operation
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	DurationSeconds  float64
	LatencyMs        int64
	Succeeded        bool
	ErrorMessage     string
}

// Recorder routes each attempt to exactly one ledger: byok_usage_events
// when the final credential was the user's key, the credit ledger when it
// was the platform key.
type Recorder struct {
	db      *database.DB
	ledger  *ledger.Store
	keys    *keystore.Store
	prices  *PriceBook
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewRecorder(db *database.DB, led *ledger.Store, keys *keystore.Store, m *metrics.Metrics, logger zerolog.Logger) *Recorder {
	return &Recorder{
		db:      db,
		ledger:  led,
		keys:    keys,
		prices:  NewPriceBook(db),
		metrics: m,
		logger:  logger.With().Str("component", "usage").Logger(),
	}
}

// EstimateCostCents prices an attempt. Token operations use the pricing
// table; transcription is priced on reported audio duration.
func (r *Recorder) EstimateCostCents(ctx context.Context, a Attempt) int64 {
	if a.Operation == providers.OperationTranscription {
		return transcriptionCostCents(a.DurationSeconds)
	}

	rates, ok, err := r.prices.Lookup(ctx, a.Provider, a.Model)
	if err != nil {
		r.logger.Error().Err(err).Str("model", a.Model).Msg("pricing lookup failed, using fallback rate")
		return fallbackCostCents(a.TotalTokens)
	}
	if !ok {
		r.logger.Warn().Str("provider", a.Provider).Str("model", a.Model).Msg("model not priced, using fallback rate")
		return fallbackCostCents(a.TotalTokens)
	}
	return tokenCostCents(rates, a.PromptTokens, a.CompletionTokens)
}

// Record writes the attempt to its ledger. Called exactly once per attempt
// that reached a provider; error verdicts never get here.
func (r *Recorder) Record(ctx context.Context, a Attempt) error {
	// The row must land even when the caller is already gone: a canceled
	// stream still bills the tokens the provider reported.
	ctx = context.WithoutCancel(ctx)

	switch a.Source {
	case routing.SourceByok:
		return r.recordByok(ctx, a)
	case routing.SourceInternal:
		return r.recordInternal(ctx, a)
	default:
		return fmt.Errorf("attempt with unbillable source %q", a.Source)
	}
}

func (r *Recorder) recordByok(ctx context.Context, a Attempt) error {
	cost := r.EstimateCostCents(ctx, a)

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO byok_usage_events (
			id, user_id, key_id, provider, model, operation,
			prompt_tokens, completion_tokens, total_tokens,
			estimated_cost_cents, latency_ms, succeeded, error_message,
			request_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		uuid.NewString(), a.UserID, a.KeyID, a.Provider, a.Model, string(a.Operation),
		a.PromptTokens, a.CompletionTokens, a.TotalTokens,
		cost, a.LatencyMs, a.Succeeded, nullableMessage(a.ErrorMessage),
		a.RequestID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert byok usage event: %w", err)
	}

	if err := r.keys.RecordUsage(ctx, a.KeyID, int64(a.TotalTokens)); err != nil {
		// The billable row is already written; the counter drift is
		// cosmetic and self-heals on the next use.
		r.logger.Error().Err(err).Str("keyId", a.KeyID).Msg("key usage counter update failed")
	}
	return nil
}

func (r *Recorder) recordInternal(ctx context.Context, a Attempt) error {
	cost := r.EstimateCostCents(ctx, a)
	meta := ledger.UsageMeta{
		Provider:         a.Provider,
		Model:            a.Model,
		Operation:        string(a.Operation),
		PromptTokens:     a.PromptTokens,
		CompletionTokens: a.CompletionTokens,
		TotalTokens:      a.TotalTokens,
		LatencyMs:        a.LatencyMs,
		RequestID:        a.RequestID,
	}

	_, err := r.ledger.Debit(ctx, a.UserID, cost, meta)
	if err == nil {
		r.metrics.CreditDebitsTotal.WithLabelValues("ok").Inc()
		return nil
	}
	if !errors.Is(err, ledger.ErrInsufficientCredit) {
		r.metrics.CreditDebitsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("debit credits: %w", err)
	}

	// The balance dropped below the exact cost while the call was in
	// flight. The work already happened, so drain what is left.
	rec, err := r.ledger.DebitRemaining(ctx, a.UserID, meta)
	if err != nil {
		r.metrics.CreditDebitsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("drain credits: %w", err)
	}
	r.metrics.CreditDebitsTotal.WithLabelValues("drained").Inc()
	r.logger.Warn().
		Str("userId", a.UserID).
		Str("requestId", a.RequestID).
		Int64("costCents", cost).
		Int64("drainedCents", rec.AmountCents).
		Msg("balance below cost at record time, drained remainder")
	return nil
}

func nullableMessage(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ProviderBreakdown is one provider's slice of the BYOK usage report.
type ProviderBreakdown struct {
	Provider           string `json:"provider"`
	Requests           int64  `json:"requests"`
	PromptTokens       int64  `json:"promptTokens"`
	CompletionTokens   int64  `json:"completionTokens"`
	TotalTokens        int64  `json:"totalTokens"`
	EstimatedCostCents int64  `json:"estimatedCostCents"`
}

// Report aggregates a user's BYOK usage over a trailing window.
type Report struct {
	Days               int                 `json:"days"`
	Requests           int64               `json:"requests"`
	TotalTokens        int64               `json:"totalTokens"`
	EstimatedCostCents int64               `json:"estimatedCostCents"`
	Providers          []ProviderBreakdown `json:"providers"`
}

// ByokReport aggregates byok_usage_events for the user over the last N
// days. days is clamped to [1, 365] and defaults to 30.
func (r *Recorder) ByokReport(ctx context.Context, userID string, days int) (*Report, error) {
	if days <= 0 {
		days = 30
	}
	if days > 365 {
		days = 365
	}
	since := time.Now().UTC().AddDate(0, 0, -days)

	rows, err := r.db.QueryContext(ctx, `
		SELECT provider,
		       COUNT(*),
		       COALESCE(SUM(prompt_tokens), 0),
		       COALESCE(SUM(completion_tokens), 0),
		       COALESCE(SUM(total_tokens), 0),
		       COALESCE(SUM(estimated_cost_cents), 0)
		FROM byok_usage_events
		WHERE user_id = ? AND created_at >= ?
		GROUP BY provider
	`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("aggregate byok usage: %w", err)
	}
	defer rows.Close()

	report := &Report{Days: days}
	for rows.Next() {
		var b ProviderBreakdown
		if err := rows.Scan(&b.Provider, &b.Requests, &b.PromptTokens, &b.CompletionTokens, &b.TotalTokens, &b.EstimatedCostCents); err != nil {
			return nil, fmt.Errorf("scan byok usage: %w", err)
		}
		report.Providers = append(report.Providers, b)
		report.Requests += b.Requests
		report.TotalTokens += b.TotalTokens
		report.EstimatedCostCents += b.EstimatedCostCents
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(report.Providers, func(i, j int) bool {
		return report.Providers[i].Provider < report.Providers[j].Provider
	})
	return report, nil
}
