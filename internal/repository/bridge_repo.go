package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ip2tor/shop/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStatusConflict is returned by status-guarded writes when the row
	// no longer has the status the caller read.
	ErrStatusConflict = errors.New("status changed concurrently")
)

const bridgeColumns = `
	id, kind, host_id, status, port, port_range_id, suspend_after, is_monitored,
	comment, target, public_key, last_invoice_id, created_at, updated_at`

type BridgeRepository struct {
	pool *pgxpool.Pool
}

func NewBridgeRepository(pool *pgxpool.Pool) *BridgeRepository {
	return &BridgeRepository{pool: pool}
}

// Create creates a new bridge or tunnel
func (r *BridgeRepository) Create(ctx context.Context, b *models.Bridge) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	query := `
		INSERT INTO bridges (
			id, kind, host_id, status, port, port_range_id, suspend_after, is_monitored,
			comment, target, public_key, last_invoice_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`
	err := r.pool.QueryRow(ctx, query,
		b.ID, string(b.Kind), b.HostID, string(b.Status), b.Port, b.PortRangeID, b.SuspendAfter, b.IsMonitored,
		b.Comment, b.Target, b.PublicKey, b.LastInvoiceID,
	).Scan(&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert bridge: %w", err)
	}
	return nil
}

// GetByID retrieves a bridge by id
func (r *BridgeRepository) GetByID(ctx context.Context, id string) (*models.Bridge, error) {
	query := `SELECT ` + bridgeColumns + ` FROM bridges WHERE id = $1`
	return r.scanBridge(r.pool.QueryRow(ctx, query, id))
}

// ListByStatus retrieves all bridges in one status
func (r *BridgeRepository) ListByStatus(ctx context.Context, status models.BridgeStatus) ([]*models.Bridge, error) {
	query := `SELECT ` + bridgeColumns + ` FROM bridges WHERE status = $1 ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("query bridges: %w", err)
	}
	defer rows.Close()

	return r.scanBridges(rows)
}

// ListByHost retrieves the bridges of a host, optionally filtered by status
func (r *BridgeRepository) ListByHost(ctx context.Context, hostID string, status models.BridgeStatus) ([]*models.Bridge, error) {
	query := `
		SELECT ` + bridgeColumns + ` FROM bridges
		WHERE host_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at
	`

	rows, err := r.pool.Query(ctx, query, hostID, string(status))
	if err != nil {
		return nil, fmt.Errorf("query host bridges: %w", err)
	}
	defer rows.Close()

	return r.scanBridges(rows)
}

// Update writes all mutable fields, but only if the row still has the
// expected status
func (r *BridgeRepository) Update(ctx context.Context, b *models.Bridge, expected models.BridgeStatus) error {
	query := `
		UPDATE bridges SET
			status = $1,
			port = $2,
			port_range_id = $3,
			suspend_after = $4,
			is_monitored = $5,
			comment = $6,
			last_invoice_id = $7,
			updated_at = now()
		WHERE id = $8 AND status = $9
		RETURNING updated_at
	`
	err := r.pool.QueryRow(ctx, query,
		string(b.Status), b.Port, b.PortRangeID, b.SuspendAfter, b.IsMonitored, b.Comment,
		b.LastInvoiceID, b.ID, string(expected),
	).Scan(&b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrStatusConflict
		}
		return fmt.Errorf("update bridge: %w", err)
	}
	return nil
}

// Delete removes a bridge row. Callers release its port first.
func (r *BridgeRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM bridges WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete bridge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountByHostAndStatus aggregates bridges for metrics
func (r *BridgeRepository) CountByHostAndStatus(ctx context.Context) ([]models.StatusCount, error) {
	query := `SELECT host_id, status, count(*) FROM bridges GROUP BY host_id, status ORDER BY host_id, status`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count bridges: %w", err)
	}
	defer rows.Close()

	var counts []models.StatusCount
	for rows.Next() {
		var c models.StatusCount
		if err := rows.Scan(&c.HostID, &c.Status, &c.Count); err != nil {
			return nil, fmt.Errorf("scan bridge count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

func (r *BridgeRepository) scanBridge(row pgx.Row) (*models.Bridge, error) {
	b, err := scanBridgeRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan bridge: %w", err)
	}
	return b, nil
}

func (r *BridgeRepository) scanBridges(rows pgx.Rows) ([]*models.Bridge, error) {
	var bridges []*models.Bridge
	for rows.Next() {
		b, err := scanBridgeRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bridge row: %w", err)
		}
		bridges = append(bridges, b)
	}
	return bridges, rows.Err()
}

func scanBridgeRow(row pgx.Row) (*models.Bridge, error) {
	b := &models.Bridge{}
	var kind, status string
	err := row.Scan(
		&b.ID, &kind, &b.HostID, &status, &b.Port, &b.PortRangeID, &b.SuspendAfter, &b.IsMonitored,
		&b.Comment, &b.Target, &b.PublicKey, &b.LastInvoiceID, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Kind = models.ProductKind(kind)
	b.Status = models.BridgeStatus(status)
	return b, nil
}
