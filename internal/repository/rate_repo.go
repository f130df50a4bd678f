package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ip2tor/shop/internal/models"
)

type RateRepository struct {
	pool *pgxpool.Pool
}

func NewRateRepository(pool *pgxpool.Pool) *RateRepository {
	return &RateRepository{pool: pool}
}

// Insert stores one observed rate
func (r *RateRepository) Insert(ctx context.Context, rate *models.FiatRate) error {
	if rate.ID == "" {
		rate.ID = uuid.New().String()
	}
	query := `
		INSERT INTO fiat_rates (id, coin, fiat, rate_cents, source)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`
	err := r.pool.QueryRow(ctx, query, rate.ID, rate.Coin, rate.Fiat, rate.RateCents, rate.Source).
		Scan(&rate.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert fiat rate: %w", err)
	}
	return nil
}

// Average returns the mean rate in cents observed since the given time.
// ok is false when no rate was recorded in that window.
func (r *RateRepository) Average(ctx context.Context, fiat string, since time.Time) (int64, bool, error) {
	var avg *int64
	query := `SELECT round(avg(rate_cents))::bigint FROM fiat_rates WHERE fiat = $1 AND created_at >= $2`
	if err := r.pool.QueryRow(ctx, query, fiat, since).Scan(&avg); err != nil {
		return 0, false, fmt.Errorf("average fiat rate: %w", err)
	}
	if avg == nil {
		return 0, false, nil
	}
	return *avg, true, nil
}
