package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/carmelita-app/backend/internal/models"
)

type GenerationRepository struct {
	db *sql.DB
}

func NewGenerationRepository(db *sql.DB) *GenerationRepository {
	return &GenerationRepository{db: db}
}

func (r *GenerationRepository) Log(ctx context.Context, userID string, kind models.GenerationKind, model, prompt string) error {
	const query = `INSERT INTO generation_logs (user_id, kind, model, prompt) VALUES (?, ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, query, userID, string(kind), model, prompt); err != nil {
		return fmt.Errorf("insert generation log: %w", err)
	}
	return nil
}

func (r *GenerationRepository) CountForUser(ctx context.Context, userID string) (int, error) {
	const query = `SELECT COUNT(*) FROM generation_logs WHERE user_id = ?`
	var count int
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count generations: %w", err)
	}
	return count, nil
}
