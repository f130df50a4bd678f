package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ip2tor/shop/internal/models"
)

type DenyListRepository struct {
	pool *pgxpool.Pool
}

func NewDenyListRepository(pool *pgxpool.Pool) *DenyListRepository {
	return &DenyListRepository{pool: pool}
}

// IsDenied reports whether target matches a denying entry exactly
func (r *DenyListRepository) IsDenied(ctx context.Context, target string) (bool, error) {
	var denied bool
	query := `SELECT EXISTS (SELECT 1 FROM deny_list WHERE target = $1 AND status > 5)`
	if err := r.pool.QueryRow(ctx, query, target).Scan(&denied); err != nil {
		return false, fmt.Errorf("check deny list: %w", err)
	}
	return denied, nil
}

// Upsert adds or re-ranks a deny list entry
func (r *DenyListRepository) Upsert(ctx context.Context, e *models.DenyListEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	query := `
		INSERT INTO deny_list (id, target, status, comment) VALUES ($1, $2, $3, $4)
		ON CONFLICT (target) DO UPDATE SET status = EXCLUDED.status, comment = EXCLUDED.comment
	`
	if _, err := r.pool.Exec(ctx, query, e.ID, e.Target, int16(e.Status), e.Comment); err != nil {
		return fmt.Errorf("upsert deny list entry: %w", err)
	}
	return nil
}
