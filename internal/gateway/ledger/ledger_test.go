package ledger

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelpay/keysource/internal/shared/database"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(database.DriverSQLite, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return New(db)
}

func chatMeta() UsageMeta {
	return UsageMeta{
		Provider:         "openai",
		Model:            "gpt-4o-mini",
		Operation:        "chat",
		PromptTokens:     90,
		CompletionTokens: 10,
		TotalTokens:      100,
		LatencyMs:        250,
		RequestID:        "req-1",
	}
}

func TestBalanceUnknownUserIsZero(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	balance, err := s.Balance(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	ok, err := s.HasSpendableCredit(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreditAccumulates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Credit(ctx, "user-1", 500, "", "signup grant")
	require.NoError(t, err)
	assert.Equal(t, KindTopup, first.Kind)
	assert.Equal(t, int64(500), first.AmountCents)
	assert.Equal(t, int64(500), first.BalanceAfterCents)

	second, err := s.Credit(ctx, "user-1", 250, "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(750), second.BalanceAfterCents)

	balance, err := s.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(750), balance)

	ok, err := s.HasSpendableCredit(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCreditRejectsNonPositiveAmount(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Credit(context.Background(), "user-1", 0, "", "")
	assert.Error(t, err)

	_, err = s.Credit(context.Background(), "user-1", -5, "", "")
	assert.Error(t, err)
}

func TestCreditDuplicateReference(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Credit(ctx, "user-1", 1000, "evt_123", "checkout")
	require.NoError(t, err)

	_, err = s.Credit(ctx, "user-1", 1000, "evt_123", "checkout replay")
	assert.ErrorIs(t, err, ErrDuplicateReference)

	balance, err := s.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance, "replay must not change the balance")

	txs, err := s.RecentTransactions(ctx, "user-1", 10)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestDebitChargesAndRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Credit(ctx, "user-1", 500, "", "")
	require.NoError(t, err)

	rec, err := s.Debit(ctx, "user-1", 120, chatMeta())
	require.NoError(t, err)
	assert.Equal(t, KindDebit, rec.Kind)
	assert.Equal(t, int64(120), rec.AmountCents)
	assert.Equal(t, int64(380), rec.BalanceAfterCents)
	assert.Equal(t, "openai", rec.Provider)
	assert.Equal(t, "gpt-4o-mini", rec.Model)
	assert.Equal(t, "chat", rec.Operation)
	assert.Equal(t, 100, rec.TotalTokens)
	assert.Equal(t, "req-1", rec.RequestID)

	balance, err := s.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(380), balance)
}

func TestDebitInsufficientCredit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Credit(ctx, "user-1", 100, "", "")
	require.NoError(t, err)

	_, err = s.Debit(ctx, "user-1", 101, chatMeta())
	assert.ErrorIs(t, err, ErrInsufficientCredit)

	// The failed debit must leave no trace in either table.
	balance, err := s.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	txs, err := s.RecentTransactions(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, KindTopup, txs[0].Kind)
}

func TestDebitUnknownUser(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Debit(context.Background(), "nobody", 1, chatMeta())
	assert.ErrorIs(t, err, ErrInsufficientCredit)
}

func TestDebitExactBalance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Credit(ctx, "user-1", 100, "", "")
	require.NoError(t, err)

	rec, err := s.Debit(ctx, "user-1", 100, chatMeta())
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.BalanceAfterCents)

	ok, err := s.HasSpendableCredit(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDebitRemainingDrainsToZero(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Credit(ctx, "user-1", 70, "", "")
	require.NoError(t, err)

	rec, err := s.DebitRemaining(ctx, "user-1", chatMeta())
	require.NoError(t, err)
	assert.Equal(t, int64(70), rec.AmountCents)
	assert.Equal(t, int64(0), rec.BalanceAfterCents)

	balance, err := s.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestDebitRemainingOnEmptyBalanceStillRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// No balance row at all: the attempt already ran upstream, so a
	// zero-amount row still documents it.
	rec, err := s.DebitRemaining(ctx, "nobody", chatMeta())
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.AmountCents)

	txs, err := s.RecentTransactions(ctx, "nobody", 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, KindDebit, txs[0].Kind)
	assert.Equal(t, int64(0), txs[0].AmountCents)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Credit(ctx, "user-1", 300, "", "")
	require.NoError(t, err)

	const workers = 8
	results := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = s.Debit(ctx, "user-1", 100, chatMeta())
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrInsufficientCredit)
		}
	}
	assert.Equal(t, 3, succeeded, "only three 100-cent debits fit in 300 cents")

	balance, err := s.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	txs, err := s.RecentTransactions(ctx, "user-1", 20)
	require.NoError(t, err)
	debits := 0
	for _, tx := range txs {
		if tx.Kind == KindDebit {
			debits++
		}
	}
	assert.Equal(t, succeeded, debits, "exactly one row per successful debit")
}

func TestRecentTransactionsScopedToUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Credit(ctx, "user-1", 100, "", "")
	require.NoError(t, err)
	_, err = s.Credit(ctx, "user-2", 200, "", "")
	require.NoError(t, err)
	_, err = s.Debit(ctx, "user-1", 40, chatMeta())
	require.NoError(t, err)

	txs, err := s.RecentTransactions(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	for _, tx := range txs {
		assert.Equal(t, "user-1", tx.UserID)
	}
}
