package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/carmelita-app/backend/internal/models"
)

type GrantRepository struct {
	db *sql.DB
}

func NewGrantRepository(db *sql.DB) *GrantRepository {
	return &GrantRepository{db: db}
}

func (r *GrantRepository) Create(ctx context.Context, grant *models.CreditGrant) error {
	const query = `
INSERT INTO credit_grants (user_id, event_id, item_id, credits, source, raw_payload)
VALUES (?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query, grant.UserID, grant.EventID, grant.ItemID, grant.Credits, grant.Source, grant.RawPayload)
	if err != nil {
		return fmt.Errorf("insert credit grant: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	grant.ID = id
	return nil
}

func (r *GrantRepository) ListRecent(ctx context.Context, limit int) ([]models.CreditGrant, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	const query = `
SELECT id, user_id, COALESCE(event_id, ''), COALESCE(item_id, ''), credits, source, COALESCE(raw_payload, ''), created_at
FROM credit_grants
ORDER BY id DESC
LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list credit grants: %w", err)
	}
	defer rows.Close()

	var grants []models.CreditGrant
	for rows.Next() {
		var g models.CreditGrant
		if err := rows.Scan(&g.ID, &g.UserID, &g.EventID, &g.ItemID, &g.Credits, &g.Source, &g.RawPayload, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credit grant: %w", err)
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}
