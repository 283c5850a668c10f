// Package usage writes the outcome of every billable attempt to exactly
// one of the two ledgers and aggregates the BYOK usage report.
package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"github.com/modelpay/keysource/internal/shared/database"
)

// Transcription is billed on audio minutes, not tokens.
const transcriptionCentsPerMinute = 0.6

// Models missing from the pricing table are charged this flat per-1k rate
// on total tokens until an operator seeds a real price.
const fallbackCentsPer1K = 1.0

// Pricing is the per-1k-token rate pair for one model.
type Pricing struct {
	InputCentsPer1K  float64
	OutputCentsPer1K float64
}

// PriceBook reads the model_pricing table.
type PriceBook struct {
	db *database.DB
}

func NewPriceBook(db *database.DB) *PriceBook {
	return &PriceBook{db: db}
}

// Lookup returns the rates for a model, and whether the model is priced.
func (p *PriceBook) Lookup(ctx context.Context, provider, model string) (Pricing, bool, error) {
	var rates Pricing
	err := p.db.QueryRowContext(ctx, `
		SELECT input_cents_per_1k, output_cents_per_1k
		FROM model_pricing WHERE provider = ? AND model = ?
	`, provider, model).Scan(&rates.InputCentsPer1K, &rates.OutputCentsPer1K)
	if errors.Is(err, sql.ErrNoRows) {
		return Pricing{}, false, nil
	}
	if err != nil {
		return Pricing{}, false, fmt.Errorf("lookup pricing: %w", err)
	}
	return rates, true, nil
}

// tokenCostCents prices a token-based attempt, rounded up to whole cents,
// never below one cent once any token was consumed.
func tokenCostCents(rates Pricing, promptTokens, completionTokens int) int64 {
	raw := float64(promptTokens)/1000*rates.InputCentsPer1K +
		float64(completionTokens)/1000*rates.OutputCentsPer1K
	cents := int64(math.Ceil(raw))
	if cents < 1 && promptTokens+completionTokens > 0 {
		cents = 1
	}
	return cents
}

// transcriptionCostCents prices audio by duration, rounded up, never below
// one cent once any audio was processed.
func transcriptionCostCents(durationSeconds float64) int64 {
	if durationSeconds <= 0 {
		return 0
	}
	cents := int64(math.Ceil(durationSeconds / 60 * transcriptionCentsPerMinute))
	if cents < 1 {
		cents = 1
	}
	return cents
}

func fallbackCostCents(totalTokens int) int64 {
	if totalTokens <= 0 {
		return 0
	}
	cents := int64(math.Ceil(float64(totalTokens) / 1000 * fallbackCentsPer1K))
	if cents < 1 {
		cents = 1
	}
	return cents
}
