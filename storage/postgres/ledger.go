package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ledger implements billing.Ledger with rows in the claims table.
// An expired claim is taken over by the next Claim for the same key.
type Ledger struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewLedger creates a ledger on an existing pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool, now: time.Now}
}

// Claim implements billing.Ledger
func (l *Ledger) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := l.now().UTC()
	var claimed string
	err := l.pool.QueryRow(ctx,
		`INSERT INTO claims (key, expires_at) VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET expires_at = EXCLUDED.expires_at
				WHERE claims.expires_at <= $3
			RETURNING key`,
		key, now.Add(ttl), now).Scan(&claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", key, err)
	}
	return true, nil
}

// Release implements billing.Ledger
func (l *Ledger) Release(ctx context.Context, key string) error {
	if _, err := l.pool.Exec(ctx, `DELETE FROM claims WHERE key = $1`, key); err != nil {
		return fmt.Errorf("failed to release %s: %w", key, err)
	}
	return nil
}
