// Package ledger owns internal credit balances and the credit transaction
// log. Every internal-key billable attempt lands here as exactly one
// transaction row; BYOK usage is logged elsewhere.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/modelpay/keysource/internal/shared/database"
)

var (
	ErrInsufficientCredit = errors.New("insufficient credit")
	ErrDuplicateReference = errors.New("reference already applied")
)

// Transaction kinds.
const (
	KindDebit = "debit"
	KindTopup = "topup"
)

// UsageMeta describes the upstream work a debit paid for.
type UsageMeta struct {
	Provider         string
	Model            string
	Operation        string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	LatencyMs        int64
	RequestID        string
}

// Transaction is one credit ledger row.
type Transaction struct {
	ID                string     `json:"id"`
	UserID            string     `json:"-"`
	Kind              string     `json:"kind"`
	AmountCents       int64      `json:"amountCents"`
	BalanceAfterCents int64      `json:"balanceAfterCents"`
	Provider          string     `json:"provider,omitempty"`
	Model             string     `json:"model,omitempty"`
	Operation         string     `json:"operation,omitempty"`
	PromptTokens      int        `json:"promptTokens,omitempty"`
	CompletionTokens  int        `json:"completionTokens,omitempty"`
	TotalTokens       int        `json:"totalTokens,omitempty"`
	LatencyMs         int64      `json:"latencyMs,omitempty"`
	RequestID         string     `json:"requestId,omitempty"`
	Reference         string     `json:"reference,omitempty"`
	Description       string     `json:"description,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}

// Store is the credit ledger.
type Store struct {
	db *database.DB
}

func New(db *database.DB) *Store {
	return &Store{db: db}
}

// Balance returns the user's current balance in cents. Users without a
// balance row have zero credit.
func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `
		SELECT balance_cents FROM credit_balances WHERE user_id = ?
	`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

// HasSpendableCredit reports whether the balance is strictly positive. This
// is the uncached read the routing engine builds its decision on.
func (s *Store) HasSpendableCredit(ctx context.Context, userID string) (bool, error) {
	balance, err := s.Balance(ctx, userID)
	if err != nil {
		return false, err
	}
	return balance > 0, nil
}

// Credit adds funds and writes a topup transaction. reference, when set, is
// unique across the ledger: re-applying the same reference (a replayed
// webhook) returns ErrDuplicateReference and changes nothing.
func (s *Store) Credit(ctx context.Context, userID string, amountCents int64, reference, description string) (*Transaction, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("credit amount must be positive, got %d", amountCents)
	}

	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if reference != "" {
		var exists int
		err := tx.QueryRowContext(ctx, `
			SELECT 1 FROM credit_transactions WHERE reference = ?
		`, reference).Scan(&exists)
		if err == nil {
			return nil, ErrDuplicateReference
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("check reference: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_balances (user_id, balance_cents, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			balance_cents = credit_balances.balance_cents + excluded.balance_cents,
			updated_at = excluded.updated_at
	`, userID, amountCents, now); err != nil {
		return nil, fmt.Errorf("apply credit: %w", err)
	}

	var balanceAfter int64
	if err := tx.QueryRowContext(ctx, `
		SELECT balance_cents FROM credit_balances WHERE user_id = ?
	`, userID).Scan(&balanceAfter); err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}

	rec := &Transaction{
		ID:                uuid.NewString(),
		UserID:            userID,
		Kind:              KindTopup,
		AmountCents:       amountCents,
		BalanceAfterCents: balanceAfter,
		Reference:         reference,
		Description:       description,
		CreatedAt:         now,
	}
	if err := insertTransaction(ctx, tx, rec); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateReference
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateReference
		}
		return nil, err
	}
	return rec, nil
}

// Debit atomically charges amountCents if and only if the full amount is
// covered. The guard and the subtraction are one conditional UPDATE, so
// concurrent debits can never drive the balance negative.
func (s *Store) Debit(ctx context.Context, userID string, amountCents int64, meta UsageMeta) (*Transaction, error) {
	if amountCents < 0 {
		return nil, fmt.Errorf("debit amount must be non-negative, got %d", amountCents)
	}

	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE credit_balances
		SET balance_cents = balance_cents - ?, updated_at = ?
		WHERE user_id = ? AND balance_cents >= ?
	`, amountCents, now, userID, amountCents)
	if err != nil {
		return nil, fmt.Errorf("apply debit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrInsufficientCredit
	}

	var balanceAfter int64
	if err := tx.QueryRowContext(ctx, `
		SELECT balance_cents FROM credit_balances WHERE user_id = ?
	`, userID).Scan(&balanceAfter); err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}

	rec := debitTransaction(userID, amountCents, balanceAfter, now, meta)
	if err := insertTransaction(ctx, tx, rec); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rec, nil
}

// DebitRemaining drains whatever balance is left, possibly zero, and writes
// the transaction row for it. The usage recorder calls this when the exact
// cost arrived after the balance dropped below it mid-flight: the attempt
// already ran, so it is billed what remains instead of being rejected.
func (s *Store) DebitRemaining(ctx context.Context, userID string, meta UsageMeta) (*Transaction, error) {
	const maxAttempts = 4

	now := time.Now().UTC()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		balance, err := s.Balance(ctx, userID)
		if err != nil {
			return nil, err
		}

		tx, err := s.db.BeginTx(ctx)
		if err != nil {
			return nil, err
		}

		if balance > 0 {
			// Compare-and-set against the balance we just read; a losing
			// race means another writer moved it and we retry.
			res, err := tx.ExecContext(ctx, `
				UPDATE credit_balances
				SET balance_cents = 0, updated_at = ?
				WHERE user_id = ? AND balance_cents = ?
			`, now, userID, balance)
			if err != nil {
				tx.Rollback()
				return nil, fmt.Errorf("drain balance: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				tx.Rollback()
				return nil, err
			}
			if n == 0 {
				tx.Rollback()
				continue
			}
		}

		rec := debitTransaction(userID, balance, 0, now, meta)
		if err := insertTransaction(ctx, tx, rec); err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return rec, nil
	}

	return nil, fmt.Errorf("drain balance for %s: too much contention", userID)
}

// RecentTransactions lists the newest ledger rows for a user.
func (s *Store) RecentTransactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, kind, amount_cents, balance_after_cents,
		       provider, model, operation,
		       prompt_tokens, completion_tokens, total_tokens, latency_ms,
		       request_id, reference, description, created_at
		FROM credit_transactions
		WHERE user_id = ?
		ORDER BY created_at DESC, id
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var t Transaction
		var provider, model, operation, requestID, reference sql.NullString
		if err := rows.Scan(
			&t.ID, &t.UserID, &t.Kind, &t.AmountCents, &t.BalanceAfterCents,
			&provider, &model, &operation,
			&t.PromptTokens, &t.CompletionTokens, &t.TotalTokens, &t.LatencyMs,
			&requestID, &reference, &t.Description, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Provider = provider.String
		t.Model = model.String
		t.Operation = operation.String
		t.RequestID = requestID.String
		t.Reference = reference.String
		out = append(out, t)
	}
	return out, rows.Err()
}

func debitTransaction(userID string, amountCents, balanceAfter int64, now time.Time, meta UsageMeta) *Transaction {
	return &Transaction{
		ID:                uuid.NewString(),
		UserID:            userID,
		Kind:              KindDebit,
		AmountCents:       amountCents,
		BalanceAfterCents: balanceAfter,
		Provider:          meta.Provider,
		Model:             meta.Model,
		Operation:         meta.Operation,
		PromptTokens:      meta.PromptTokens,
		CompletionTokens:  meta.CompletionTokens,
		TotalTokens:       meta.TotalTokens,
		LatencyMs:         meta.LatencyMs,
		RequestID:         meta.RequestID,
		CreatedAt:         now,
	}
}

func insertTransaction(ctx context.Context, tx *database.Tx, t *Transaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (
			id, user_id, kind, amount_cents, balance_after_cents,
			provider, model, operation,
			prompt_tokens, completion_tokens, total_tokens, latency_ms,
			request_id, reference, description, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.UserID, t.Kind, t.AmountCents, t.BalanceAfterCents,
		nullable(t.Provider), nullable(t.Model), nullable(t.Operation),
		t.PromptTokens, t.CompletionTokens, t.TotalTokens, t.LatencyMs,
		nullable(t.RequestID), nullable(t.Reference), t.Description, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
