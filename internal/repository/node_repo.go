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

const nodeColumns = `
	id, name, owner_id, kind, priority, is_enabled, is_alive, hostname, port,
	tls_cert, tls_verify, socket_path, macaroon_admin, macaroon_invoice,
	macaroon_readonly, created_at, updated_at`

type NodeRepository struct {
	pool *pgxpool.Pool
}

func NewNodeRepository(pool *pgxpool.Pool) *NodeRepository {
	return &NodeRepository{pool: pool}
}

// Upsert creates or updates a lightning node
func (r *NodeRepository) Upsert(ctx context.Context, n *models.LightningNode) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	query := `
		INSERT INTO lightning_nodes (
			id, name, owner_id, kind, priority, is_enabled, hostname, port,
			tls_cert, tls_verify, socket_path, macaroon_admin, macaroon_invoice, macaroon_readonly
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			owner_id = EXCLUDED.owner_id,
			kind = EXCLUDED.kind,
			priority = EXCLUDED.priority,
			is_enabled = EXCLUDED.is_enabled,
			hostname = EXCLUDED.hostname,
			port = EXCLUDED.port,
			tls_cert = EXCLUDED.tls_cert,
			tls_verify = EXCLUDED.tls_verify,
			socket_path = EXCLUDED.socket_path,
			macaroon_admin = EXCLUDED.macaroon_admin,
			macaroon_invoice = EXCLUDED.macaroon_invoice,
			macaroon_readonly = EXCLUDED.macaroon_readonly,
			updated_at = now()
	`
	_, err := r.pool.Exec(ctx, query,
		n.ID, n.Name, n.OwnerID, string(n.Kind), n.Priority, n.IsEnabled, n.Hostname, n.Port,
		n.TLSCert, n.TLSVerify, n.SocketPath, n.MacaroonAdmin, n.MacaroonInvoice, n.MacaroonReadonly,
	)
	if err != nil {
		return fmt.Errorf("upsert lightning node: %w", err)
	}
	return nil
}

// GetByID retrieves a node by id
func (r *NodeRepository) GetByID(ctx context.Context, id string) (*models.LightningNode, error) {
	query := `SELECT ` + nodeColumns + ` FROM lightning_nodes WHERE id = $1`
	n, err := scanNode(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get lightning node: %w", err)
	}
	return n, nil
}

// ListByOwner retrieves the nodes of an owner ordered by priority
func (r *NodeRepository) ListByOwner(ctx context.Context, ownerID string) ([]*models.LightningNode, error) {
	query := `SELECT ` + nodeColumns + ` FROM lightning_nodes WHERE owner_id = $1 ORDER BY priority, created_at`
	return r.list(ctx, query, ownerID)
}

// List retrieves all nodes
func (r *NodeRepository) List(ctx context.Context) ([]*models.LightningNode, error) {
	query := `SELECT ` + nodeColumns + ` FROM lightning_nodes ORDER BY owner_id, priority`
	return r.list(ctx, query)
}

// SetAlive stores the result of a liveness check
func (r *NodeRepository) SetAlive(ctx context.Context, id string, alive bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE lightning_nodes SET is_alive = $1 WHERE id = $2`, alive, id)
	if err != nil {
		return fmt.Errorf("set node alive: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *NodeRepository) list(ctx context.Context, query string, args ...any) ([]*models.LightningNode, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query lightning nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*models.LightningNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lightning node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func scanNode(row pgx.Row) (*models.LightningNode, error) {
	n := &models.LightningNode{}
	var kind string
	err := row.Scan(
		&n.ID, &n.Name, &n.OwnerID, &kind, &n.Priority, &n.IsEnabled, &n.IsAlive, &n.Hostname, &n.Port,
		&n.TLSCert, &n.TLSVerify, &n.SocketPath, &n.MacaroonAdmin, &n.MacaroonInvoice,
		&n.MacaroonReadonly, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	n.Kind = models.NodeKind(kind)
	return n, nil
}
