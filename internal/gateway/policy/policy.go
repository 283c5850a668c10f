// Package policy holds the platform-wide switches that steer the routing
// decision, plus the cached resolver the hot path reads them through.
package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/modelpay/keysource/internal/shared/database"
)

// Policy is the platform operator's switch set. A single row backs it; the
// three flags combine with per-user state inside the routing engine.
type Policy struct {
	ByokEnabled             bool `json:"byokEnabled"`
	ByokUsesInternalCredits bool `json:"byokUsesInternalCredits"`
	ByokOnlyMode            bool `json:"byokOnlyMode"`
}

// Default is the posture the platform ships with and the resolver falls
// back to when the store has never answered: user keys allowed, billed to
// the key owner, platform keys still available.
func Default() Policy {
	return Policy{ByokEnabled: true}
}

// Store reads and writes the single policy row.
type Store struct {
	db *database.DB
}

func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// Get loads the active policy. The row is seeded by migration; a missing
// row means the database was never migrated.
func (s *Store) Get(ctx context.Context) (Policy, error) {
	var p Policy
	err := s.db.QueryRowContext(ctx, `
		SELECT byok_enabled, byok_uses_internal_credits, byok_only_mode
		FROM routing_policies WHERE id = 1
	`).Scan(&p.ByokEnabled, &p.ByokUsesInternalCredits, &p.ByokOnlyMode)
	if errors.Is(err, sql.ErrNoRows) {
		return Policy{}, fmt.Errorf("routing policy row missing, run migrations")
	}
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	return p, nil
}

// Update replaces the active policy.
func (s *Store) Update(ctx context.Context, p Policy) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE routing_policies
		SET byok_enabled = ?, byok_uses_internal_credits = ?, byok_only_mode = ?, updated_at = ?
		WHERE id = 1
	`, p.ByokEnabled, p.ByokUsesInternalCredits, p.ByokOnlyMode, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update policy: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("routing policy row missing, run migrations")
	}
	return nil
}
