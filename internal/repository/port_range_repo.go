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
	ErrPortInUse      = errors.New("port already in use")
	ErrPortNotInUse   = errors.New("port not in use")
	ErrPortOutOfRange = errors.New("port outside of range")
	ErrRangeOverlap   = errors.New("port range overlaps another range of the host")
)

// PortRangeRepository keeps the used ports of a range in
// port_range_used_ports. Every mutation locks the range row first, so
// allocations on one range are serialized across workers.
type PortRangeRepository struct {
	pool *pgxpool.Pool
}

func NewPortRangeRepository(pool *pgxpool.Pool) *PortRangeRepository {
	return &PortRangeRepository{pool: pool}
}

// Upsert creates a port range, or moves the bounds of an existing one, after
// validating them. Ranges of one host may not overlap, whatever their kind.
func (r *PortRangeRepository) Upsert(ctx context.Context, pr *models.PortRange) error {
	if err := pr.Validate(); err != nil {
		return err
	}
	if pr.ID == "" {
		pr.ID = uuid.New().String()
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// the host row serializes range changes of one host
	var hostID string
	if err := tx.QueryRow(ctx, `SELECT id FROM hosts WHERE id = $1 FOR UPDATE`, pr.HostID).Scan(&hostID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock host: %w", err)
	}

	var overlaps bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM port_ranges
			WHERE host_id = $1 AND id <> $2 AND start_port <= $4 AND end_port >= $3
		)`, pr.HostID, pr.ID, pr.Start, pr.End).Scan(&overlaps)
	if err != nil {
		return fmt.Errorf("check range overlap: %w", err)
	}
	if overlaps {
		return fmt.Errorf("%d-%d: %w", pr.Start, pr.End, ErrRangeOverlap)
	}

	query := `
		INSERT INTO port_ranges (id, host_id, kind, start_port, end_port)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET start_port = EXCLUDED.start_port, end_port = EXCLUDED.end_port
		RETURNING created_at
	`
	err = tx.QueryRow(ctx, query, pr.ID, pr.HostID, string(pr.Kind), pr.Start, pr.End).Scan(&pr.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert port range: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListByHost retrieves the ranges of a host for one product kind, with the
// number of used ports
func (r *PortRangeRepository) ListByHost(ctx context.Context, hostID string, kind models.ProductKind) ([]*models.PortRange, error) {
	query := `
		SELECT pr.id, pr.host_id, pr.kind, pr.start_port, pr.end_port, pr.created_at,
		       count(u.port)
		FROM port_ranges pr
		LEFT JOIN port_range_used_ports u ON u.range_id = pr.id
		WHERE pr.host_id = $1 AND pr.kind = $2
		GROUP BY pr.id
		ORDER BY pr.start_port
	`
	rows, err := r.pool.Query(ctx, query, hostID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("query port ranges: %w", err)
	}
	defer rows.Close()

	var ranges []*models.PortRange
	for rows.Next() {
		pr := &models.PortRange{}
		var k string
		if err := rows.Scan(&pr.ID, &pr.HostID, &k, &pr.Start, &pr.End, &pr.CreatedAt, &pr.UsedCount); err != nil {
			return nil, fmt.Errorf("scan port range: %w", err)
		}
		pr.Kind = models.ProductKind(k)
		ranges = append(ranges, pr)
	}
	return ranges, rows.Err()
}

// FindByPort returns the range of one kind on a host that contains port
func (r *PortRangeRepository) FindByPort(ctx context.Context, hostID string, kind models.ProductKind, port int) (*models.PortRange, error) {
	query := `
		SELECT id, host_id, kind, start_port, end_port, created_at
		FROM port_ranges
		WHERE host_id = $1 AND kind = $2 AND start_port <= $3 AND end_port >= $3
		ORDER BY start_port, id
		LIMIT 1
	`
	pr := &models.PortRange{}
	var k string
	err := r.pool.QueryRow(ctx, query, hostID, string(kind), port).Scan(&pr.ID, &pr.HostID, &k, &pr.Start, &pr.End, &pr.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find port range: %w", err)
	}
	pr.Kind = models.ProductKind(k)
	return pr, nil
}

// IsUsed reports whether port is marked used in the range
func (r *PortRangeRepository) IsUsed(ctx context.Context, rangeID string, port int) (bool, error) {
	var used bool
	query := `SELECT EXISTS (SELECT 1 FROM port_range_used_ports WHERE range_id = $1 AND port = $2)`
	if err := r.pool.QueryRow(ctx, query, rangeID, port).Scan(&used); err != nil {
		return false, fmt.Errorf("check port: %w", err)
	}
	return used, nil
}

// UsedPorts lists the used ports of a range in ascending order
func (r *PortRangeRepository) UsedPorts(ctx context.Context, rangeID string) ([]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT port FROM port_range_used_ports WHERE range_id = $1 ORDER BY port`, rangeID)
	if err != nil {
		return nil, fmt.Errorf("query used ports: %w", err)
	}
	defer rows.Close()

	var ports []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan used port: %w", err)
		}
		ports = append(ports, p)
	}
	return ports, rows.Err()
}

// MarkUsed adds port to the used set. It fails with ErrPortInUse if another
// caller got there first.
func (r *PortRangeRepository) MarkUsed(ctx context.Context, rangeID string, port int) error {
	return r.withLockedRange(ctx, rangeID, func(tx pgx.Tx, start, end int) error {
		if port < start || port > end {
			return ErrPortOutOfRange
		}
		tag, err := tx.Exec(ctx,
			`INSERT INTO port_range_used_ports (range_id, port) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			rangeID, port)
		if err != nil {
			return fmt.Errorf("mark port used: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrPortInUse
		}
		return nil
	})
}

// Release removes port from the used set. It fails with ErrPortNotInUse if
// the port was not allocated.
func (r *PortRangeRepository) Release(ctx context.Context, rangeID string, port int) error {
	return r.withLockedRange(ctx, rangeID, func(tx pgx.Tx, _, _ int) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM port_range_used_ports WHERE range_id = $1 AND port = $2`,
			rangeID, port)
		if err != nil {
			return fmt.Errorf("release port: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrPortNotInUse
		}
		return nil
	})
}

func (r *PortRangeRepository) withLockedRange(ctx context.Context, rangeID string, fn func(tx pgx.Tx, start, end int) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var start, end int
	err = tx.QueryRow(ctx, `SELECT start_port, end_port FROM port_ranges WHERE id = $1 FOR UPDATE`, rangeID).
		Scan(&start, &end)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock port range: %w", err)
	}

	if err := fn(tx, start, end); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
