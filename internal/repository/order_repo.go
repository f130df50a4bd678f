package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ip2tor/shop/internal/models"
)

type OrderRepository struct {
	pool *pgxpool.Pool
}

func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create inserts an order together with its items in one transaction
func (r *OrderRepository) Create(ctx context.Context, o *models.PurchaseOrder) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO purchase_orders (id, owner_id, status, message)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`, o.ID, o.OwnerID, string(o.Status), o.Message).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for _, item := range o.Items {
		if item.ID == "" {
			item.ID = uuid.New().String()
		}
		item.OrderID = o.ID
		_, err := tx.Exec(ctx, `
			INSERT INTO purchase_order_items (id, order_id, position, quantity, price_msat, product_kind, product_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, item.ID, item.OrderID, item.Position, item.Quantity, item.PriceMsat,
			string(item.Product.Kind), item.Product.ID)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetByID retrieves an order with its items
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*models.PurchaseOrder, error) {
	o := &models.PurchaseOrder{}
	var status string
	err := r.pool.QueryRow(ctx, `
		SELECT id, owner_id, status, message, created_at, updated_at
		FROM purchase_orders WHERE id = $1
	`, id).Scan(&o.ID, &o.OwnerID, &status, &o.Message, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	o.Status = models.OrderStatus(status)

	rows, err := r.pool.Query(ctx, `
		SELECT id, order_id, position, quantity, price_msat, product_kind, product_id
		FROM purchase_order_items WHERE order_id = $1 ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		item := &models.PurchaseOrderItem{}
		var kind string
		if err := rows.Scan(&item.ID, &item.OrderID, &item.Position, &item.Quantity,
			&item.PriceMsat, &kind, &item.Product.ID); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		item.Product.Kind = models.ProductKind(kind)
		o.Items = append(o.Items, item)
	}
	return o, rows.Err()
}

// UpdateStatus moves an order from one status to another. It fails with
// ErrStatusConflict if the order is no longer in status from.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id string, from, to models.OrderStatus, message string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE purchase_orders SET status = $1, message = $2, updated_at = now()
		WHERE id = $3 AND status = $4
	`, string(to), message, id, string(from))
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}

// ListStale returns the orders in one of statuses that were last updated
// before the given time, oldest first. Items are not loaded.
func (r *OrderRepository) ListStale(ctx context.Context, statuses []models.OrderStatus, before time.Time) ([]*models.PurchaseOrder, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, owner_id, status, message, created_at, updated_at
		FROM purchase_orders
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at
	`, names, before)
	if err != nil {
		return nil, fmt.Errorf("query stale orders: %w", err)
	}
	defer rows.Close()

	var orders []*models.PurchaseOrder
	for rows.Next() {
		o := &models.PurchaseOrder{}
		var status string
		if err := rows.Scan(&o.ID, &o.OwnerID, &status, &o.Message, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan stale order: %w", err)
		}
		o.Status = models.OrderStatus(status)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// SetMessage replaces the user-facing message of an order
func (r *OrderRepository) SetMessage(ctx context.Context, id, message string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE purchase_orders SET message = $1, updated_at = now() WHERE id = $2`, message, id)
	if err != nil {
		return fmt.Errorf("set order message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountByStatus aggregates orders for metrics
func (r *OrderRepository) CountByStatus(ctx context.Context) ([]models.StatusCount, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, count(*) FROM purchase_orders GROUP BY status ORDER BY status`)
	if err != nil {
		return nil, fmt.Errorf("count orders: %w", err)
	}
	defer rows.Close()

	var counts []models.StatusCount
	for rows.Next() {
		var c models.StatusCount
		if err := rows.Scan(&c.Status, &c.Count); err != nil {
			return nil, fmt.Errorf("scan order count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}
