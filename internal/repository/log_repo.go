package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ip2tor/shop/internal/models"
)

// LogRepository is the append-only audit trail of status changes
type LogRepository struct {
	pool *pgxpool.Pool
}

func NewLogRepository(pool *pgxpool.Pool) *LogRepository {
	return &LogRepository{pool: pool}
}

// Create appends a change log entry
func (r *LogRepository) Create(ctx context.Context, entry *models.ChangeLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	query := `
		INSERT INTO change_logs (id, object_type, object_id, actor, message)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`

	err := r.pool.QueryRow(ctx, query,
		entry.ID, entry.ObjectType, entry.ObjectID, entry.Actor, entry.Message,
	).Scan(&entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert change log: %w", err)
	}

	return nil
}

// ListByObject retrieves the newest entries of one object
func (r *LogRepository) ListByObject(ctx context.Context, objectType, objectID string, limit int) ([]*models.ChangeLog, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, object_type, object_id, actor, message, created_at
		FROM change_logs
		WHERE object_type = $1 AND object_id = $2
		ORDER BY created_at DESC
		LIMIT $3
	`

	rows, err := r.pool.Query(ctx, query, objectType, objectID, limit)
	if err != nil {
		return nil, fmt.Errorf("query change logs: %w", err)
	}
	defer rows.Close()

	var entries []*models.ChangeLog
	for rows.Next() {
		e := &models.ChangeLog{}
		if err := rows.Scan(&e.ID, &e.ObjectType, &e.ObjectID, &e.Actor, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan change log: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// LogAction is a helper to log an action
func (r *LogRepository) LogAction(ctx context.Context, objectType, objectID, actor, message string) error {
	return r.Create(ctx, &models.ChangeLog{
		ObjectType: objectType,
		ObjectID:   objectID,
		Actor:      actor,
		Message:    message,
	})
}
