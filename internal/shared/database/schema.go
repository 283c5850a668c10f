package database

import (
	"context"
	"fmt"
	"time"
)

// DDL is written to the subset both postgres and sqlite accept: TEXT ids
// generated in Go, BIGINT counters, explicit timestamps bound from Go.

const createAPIKeys = `
CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	secret_ciphertext TEXT NOT NULL,
	key_hint TEXT NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	is_valid BOOLEAN NOT NULL DEFAULT TRUE,
	last_error TEXT,
	auth_failures BIGINT NOT NULL DEFAULT 0,
	total_requests BIGINT NOT NULL DEFAULT 0,
	total_tokens BIGINT NOT NULL DEFAULT 0,
	last_used_at TIMESTAMP,
	last_validated_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE (user_id, provider)
);
CREATE INDEX IF NOT EXISTS idx_api_keys_user ON api_keys (user_id);
`

const createCreditBalances = `
CREATE TABLE IF NOT EXISTS credit_balances (
	user_id TEXT PRIMARY KEY,
	balance_cents BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL
);
`

const createCreditTransactions = `
CREATE TABLE IF NOT EXISTS credit_transactions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	amount_cents BIGINT NOT NULL,
	balance_after_cents BIGINT NOT NULL,
	provider TEXT,
	model TEXT,
	operation TEXT,
	prompt_tokens BIGINT NOT NULL DEFAULT 0,
	completion_tokens BIGINT NOT NULL DEFAULT 0,
	total_tokens BIGINT NOT NULL DEFAULT 0,
	latency_ms BIGINT NOT NULL DEFAULT 0,
	request_id TEXT,
	reference TEXT,
	description TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credit_tx_user ON credit_transactions (user_id, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_tx_reference ON credit_transactions (reference) WHERE reference IS NOT NULL;
`

const createByokUsageEvents = `
CREATE TABLE IF NOT EXISTS byok_usage_events (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	key_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	operation TEXT NOT NULL,
	prompt_tokens BIGINT NOT NULL DEFAULT 0,
	completion_tokens BIGINT NOT NULL DEFAULT 0,
	total_tokens BIGINT NOT NULL DEFAULT 0,
	estimated_cost_cents BIGINT NOT NULL DEFAULT 0,
	latency_ms BIGINT NOT NULL DEFAULT 0,
	succeeded BOOLEAN NOT NULL,
	error_message TEXT,
	request_id TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_byok_usage_user ON byok_usage_events (user_id, created_at);
`

const createRoutingPolicies = `
CREATE TABLE IF NOT EXISTS routing_policies (
	id BIGINT PRIMARY KEY,
	byok_enabled BOOLEAN NOT NULL DEFAULT TRUE,
	byok_uses_internal_credits BOOLEAN NOT NULL DEFAULT FALSE,
	byok_only_mode BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at TIMESTAMP NOT NULL
);
`

const createModelPricing = `
CREATE TABLE IF NOT EXISTS model_pricing (
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	input_cents_per_1k REAL NOT NULL,
	output_cents_per_1k REAL NOT NULL,
	PRIMARY KEY (provider, model)
);
`

// Migrate applies the schema and seeds the default policy row and pricing
// table. Safe to run repeatedly.
func (db *DB) Migrate(ctx context.Context) error {
	ddl := []string{
		createAPIKeys,
		createCreditBalances,
		createCreditTransactions,
		createByokUsageEvents,
		createRoutingPolicies,
		createModelPricing,
	}
	for _, stmt := range ddl {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}

	now := time.Now().UTC()

	// BYOK-first defaults: user keys on, double-dipping off, no lockout.
	_, err := db.ExecContext(ctx, `
		INSERT INTO routing_policies (id, byok_enabled, byok_uses_internal_credits, byok_only_mode, updated_at)
		VALUES (1, TRUE, FALSE, FALSE, ?)
		ON CONFLICT (id) DO NOTHING
	`, now)
	if err != nil {
		return fmt.Errorf("seed routing policy: %w", err)
	}

	for _, p := range defaultPricing {
		_, err := db.ExecContext(ctx, `
			INSERT INTO model_pricing (provider, model, input_cents_per_1k, output_cents_per_1k)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (provider, model) DO NOTHING
		`, p.provider, p.model, p.inputCentsPer1k, p.outputCentsPer1k)
		if err != nil {
			return fmt.Errorf("seed model pricing: %w", err)
		}
	}

	return nil
}

// Seed pricing in cents per 1k tokens. Operators adjust rows in place;
// unknown models fall back to a flat default at estimation time.
var defaultPricing = []struct {
	provider         string
	model            string
	inputCentsPer1k  float64
	outputCentsPer1k float64
}{
	{"openai", "gpt-4o", 0.25, 1.0},
	{"openai", "gpt-4o-mini", 0.015, 0.06},
	{"openai", "text-embedding-3-small", 0.002, 0},
	{"anthropic", "claude-sonnet-4-5-20250929", 0.3, 1.5},
	{"anthropic", "claude-3-5-haiku-20241022", 0.08, 0.4},
	{"gemini", "gemini-2.5-pro", 0.125, 0.5},
	{"gemini", "gemini-2.5-flash", 0.01, 0.04},
	{"gemini", "gemini-2.0-flash", 0.01, 0.04},
}
