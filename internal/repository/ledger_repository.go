package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/carmelita-app/backend/internal/models"
)

type LedgerRepository struct {
	db *sql.DB
}

func NewLedgerRepository(db *sql.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// AddCredits applies a relative increment to the user's balance, creating the
// row on first use. The add happens inside the UPDATE so concurrent deliveries
// for the same user cannot lose an update.
func (r *LedgerRepository) AddCredits(ctx context.Context, userID string, delta int) error {
	if delta <= 0 {
		return fmt.Errorf("credit delta must be positive, got %d", delta)
	}
	const query = `
INSERT INTO credit_balances (user_id, credits)
VALUES (?, ?)
ON DUPLICATE KEY UPDATE credits = credits + VALUES(credits), updated_at = NOW()`
	if _, err := r.db.ExecContext(ctx, query, userID, delta); err != nil {
		return fmt.Errorf("add credits: %w", err)
	}
	return nil
}

// Balance returns the user's current balance. A missing row reads as zero.
func (r *LedgerRepository) Balance(ctx context.Context, userID string) (int, error) {
	const query = `SELECT credits FROM credit_balances WHERE user_id = ?`
	var credits int
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&credits); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("scan balance: %w", err)
	}
	return credits, nil
}

// Get returns the full balance record, or nil when the user has none yet.
func (r *LedgerRepository) Get(ctx context.Context, userID string) (*models.CreditBalance, error) {
	const query = `SELECT user_id, credits, created_at, updated_at FROM credit_balances WHERE user_id = ?`
	row := r.db.QueryRowContext(ctx, query, userID)
	var b models.CreditBalance
	if err := row.Scan(&b.UserID, &b.Credits, &b.CreatedAt, &b.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan balance record: %w", err)
	}
	return &b, nil
}
