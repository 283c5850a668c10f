package usage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelpay/keysource/internal/gateway/keystore"
	"github.com/modelpay/keysource/internal/gateway/ledger"
	"github.com/modelpay/keysource/internal/gateway/providers"
	"github.com/modelpay/keysource/internal/gateway/routing"
	"github.com/modelpay/keysource/internal/shared/database"
	"github.com/modelpay/keysource/internal/shared/metrics"
	"github.com/modelpay/keysource/internal/shared/secrets"
)

type okValidator struct{}

func (okValidator) ValidateKey(ctx context.Context, provider, apiKey string) error { return nil }

type testEnv struct {
	recorder *Recorder
	ledger   *ledger.Store
	keys     *keystore.Store
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	db, err := database.Open(database.DriverSQLite, filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	enc, err := secrets.NewEncryptor("usage-test-passphrase")
	require.NoError(t, err)

	led := ledger.New(db)
	keys := keystore.New(db, enc, okValidator{}, 3)
	rec := NewRecorder(db, led, keys, metrics.New(), zerolog.Nop())
	return testEnv{recorder: rec, ledger: led, keys: keys}
}

func TestTokenCostCents(t *testing.T) {
	tests := []struct {
		name             string
		rates            Pricing
		prompt, complete int
		want             int64
	}{
		{"rounds up", Pricing{InputCentsPer1K: 0.25, OutputCentsPer1K: 1.0}, 1000, 1000, 2},
		{"exact cents", Pricing{InputCentsPer1K: 0.25, OutputCentsPer1K: 1.0}, 4000, 2000, 3},
		{"tiny usage floors at one cent", Pricing{InputCentsPer1K: 0.015, OutputCentsPer1K: 0.06}, 10, 5, 1},
		{"zero tokens cost nothing", Pricing{InputCentsPer1K: 0.25, OutputCentsPer1K: 1.0}, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tokenCostCents(tt.rates, tt.prompt, tt.complete))
		})
	}
}

func TestTranscriptionCostCents(t *testing.T) {
	assert.Equal(t, int64(0), transcriptionCostCents(0))
	assert.Equal(t, int64(1), transcriptionCostCents(30))
	assert.Equal(t, int64(6), transcriptionCostCents(600))
}

func TestFallbackCostCents(t *testing.T) {
	assert.Equal(t, int64(0), fallbackCostCents(0))
	assert.Equal(t, int64(1), fallbackCostCents(500))
	assert.Equal(t, int64(4), fallbackCostCents(4000))
}

func TestEstimateCostFromPricingTable(t *testing.T) {
	env := newTestEnv(t)

	cost := env.recorder.EstimateCostCents(context.Background(), Attempt{
		Provider:         providers.OpenAI,
		Model:            "gpt-4o",
		Operation:        providers.OperationChat,
		PromptTokens:     4000,
		CompletionTokens: 2000,
		TotalTokens:      6000,
	})
	assert.Equal(t, int64(3), cost)
}

func TestEstimateCostUnknownModelUsesFallback(t *testing.T) {
	env := newTestEnv(t)

	cost := env.recorder.EstimateCostCents(context.Background(), Attempt{
		Provider:    providers.OpenAI,
		Model:       "experimental-model",
		Operation:   providers.OperationChat,
		TotalTokens: 4000,
	})
	assert.Equal(t, int64(4), cost)
}

func TestEstimateCostTranscription(t *testing.T) {
	env := newTestEnv(t)

	cost := env.recorder.EstimateCostCents(context.Background(), Attempt{
		Provider:        providers.OpenAI,
		Model:           "whisper-1",
		Operation:       providers.OperationTranscription,
		DurationSeconds: 600,
	})
	assert.Equal(t, int64(6), cost)
}

func TestRecordByokWritesSingleLedger(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	keyRec, err := env.keys.AddOrReplaceKey(ctx, "user-1", providers.OpenAI, "sk-test-abcd1234")
	require.NoError(t, err)

	err = env.recorder.Record(ctx, Attempt{
		UserID:           "user-1",
		RequestID:        uuid.NewString(),
		Source:           routing.SourceByok,
		KeyID:            keyRec.ID,
		Provider:         providers.OpenAI,
		Model:            "gpt-4o-mini",
		Operation:        providers.OperationChat,
		PromptTokens:     900,
		CompletionTokens: 100,
		TotalTokens:      1000,
		LatencyMs:        420,
		Succeeded:        true,
	})
	require.NoError(t, err)

	report, err := env.recorder.ByokReport(ctx, "user-1", 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Requests)
	assert.Equal(t, int64(1000), report.TotalTokens)

	// The key counters moved with the event.
	stored, err := env.keys.GetKey(ctx, "user-1", keyRec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.TotalRequests)
	assert.Equal(t, int64(1000), stored.TotalTokens)

	// And the credit ledger stayed untouched.
	txs, err := env.ledger.RecentTransactions(ctx, "user-1", 10)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestRecordInternalDebitsOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.ledger.Credit(ctx, "user-1", 100, "", "")
	require.NoError(t, err)

	err = env.recorder.Record(ctx, Attempt{
		UserID:           "user-1",
		RequestID:        "req-internal",
		Source:           routing.SourceInternal,
		Provider:         providers.OpenAI,
		Model:            "gpt-4o",
		Operation:        providers.OperationChat,
		PromptTokens:     4000,
		CompletionTokens: 2000,
		TotalTokens:      6000,
		Succeeded:        true,
	})
	require.NoError(t, err)

	balance, err := env.ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(97), balance)

	txs, err := env.ledger.RecentTransactions(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, ledger.KindDebit, txs[0].Kind)
	assert.Equal(t, int64(3), txs[0].AmountCents)
	assert.Equal(t, "req-internal", txs[0].RequestID)

	// No byok row for an internal attempt.
	report, err := env.recorder.ByokReport(ctx, "user-1", 30)
	require.NoError(t, err)
	assert.Equal(t, int64(0), report.Requests)
}

func TestRecordInternalDrainsWhenBalanceFellShort(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.ledger.Credit(ctx, "user-1", 2, "", "")
	require.NoError(t, err)

	// Costs 3 cents, only 2 remain: the attempt already ran, so the
	// remainder is drained instead of rejected.
	err = env.recorder.Record(ctx, Attempt{
		UserID:           "user-1",
		RequestID:        "req-drain",
		Source:           routing.SourceInternal,
		Provider:         providers.OpenAI,
		Model:            "gpt-4o",
		Operation:        providers.OperationChat,
		PromptTokens:     4000,
		CompletionTokens: 2000,
		TotalTokens:      6000,
		Succeeded:        true,
	})
	require.NoError(t, err)

	balance, err := env.ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	txs, err := env.ledger.RecentTransactions(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, ledger.KindDebit, txs[0].Kind)
	assert.Equal(t, int64(2), txs[0].AmountCents, "drained exactly what was left")
}

func TestRecordRejectsErrorSource(t *testing.T) {
	env := newTestEnv(t)

	err := env.recorder.Record(context.Background(), Attempt{
		UserID: "user-1",
		Source: routing.SourceError,
	})
	assert.Error(t, err)
}

func TestByokReportWindowAndClamp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	keyRec, err := env.keys.AddOrReplaceKey(ctx, "user-1", providers.OpenAI, "sk-test-abcd1234")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, env.recorder.Record(ctx, Attempt{
			UserID:      "user-1",
			RequestID:   uuid.NewString(),
			Source:      routing.SourceByok,
			KeyID:       keyRec.ID,
			Provider:    providers.OpenAI,
			Model:       "gpt-4o-mini",
			Operation:   providers.OperationChat,
			TotalTokens: 100,
			Succeeded:   true,
		}))
	}

	// One stale event outside any window we query.
	_, err = env.recorder.db.ExecContext(ctx, `
		INSERT INTO byok_usage_events (
			id, user_id, key_id, provider, model, operation,
			prompt_tokens, completion_tokens, total_tokens,
			estimated_cost_cents, latency_ms, succeeded, error_message,
			request_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, 0, 0, 50, 1, 0, ?, NULL, ?, ?)
	`, uuid.NewString(), "user-1", keyRec.ID, providers.OpenAI, "gpt-4o-mini", "chat",
		true, uuid.NewString(), time.Now().UTC().AddDate(-2, 0, 0))
	require.NoError(t, err)

	report, err := env.recorder.ByokReport(ctx, "user-1", 30)
	require.NoError(t, err)
	assert.Equal(t, 30, report.Days)
	assert.Equal(t, int64(2), report.Requests)
	assert.Equal(t, int64(200), report.TotalTokens)
	require.Len(t, report.Providers, 1)
	assert.Equal(t, providers.OpenAI, report.Providers[0].Provider)

	// Out-of-range day counts clamp instead of failing.
	report, err = env.recorder.ByokReport(ctx, "user-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 30, report.Days)

	report, err = env.recorder.ByokReport(ctx, "user-1", 9999)
	require.NoError(t, err)
	assert.Equal(t, 365, report.Days)
	assert.Equal(t, int64(2), report.Requests, "two-year-old event stays outside the clamped window")
}
