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

const invoiceColumns = `
	id, order_id, node_id, label, memo, amount_msat, payment_hash, payment_request,
	preimage, expiry_seconds, expires_at, created_at_node, paid_at, status, qr_image_path,
	tax_currency, tax_rate_cents, info_currency, info_rate_cents, created_at, updated_at`

type InvoiceRepository struct {
	pool *pgxpool.Pool
}

func NewInvoiceRepository(pool *pgxpool.Pool) *InvoiceRepository {
	return &InvoiceRepository{pool: pool}
}

// Create inserts a new invoice
func (r *InvoiceRepository) Create(ctx context.Context, inv *models.Invoice) error {
	if inv.ID == "" {
		inv.ID = uuid.New().String()
	}
	query := `
		INSERT INTO invoices (
			id, order_id, node_id, label, memo, amount_msat, payment_hash, payment_request,
			preimage, expiry_seconds, expires_at, created_at_node, paid_at, status, qr_image_path,
			tax_currency, tax_rate_cents, info_currency, info_rate_cents
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		RETURNING created_at, updated_at
	`
	err := r.pool.QueryRow(ctx, query,
		inv.ID, inv.OrderID, inv.NodeID, inv.Label, inv.Memo, inv.AmountMsat,
		nullBytes(inv.PaymentHash), inv.PaymentRequest, nullBytes(inv.Preimage),
		inv.ExpirySeconds, inv.ExpiresAt, inv.CreatedAtNode, inv.PaidAt,
		int16(inv.Status), inv.QRImagePath,
		inv.TaxCurrency, inv.TaxRateCents, inv.InfoCurrency, inv.InfoRateCents,
	).Scan(&inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert invoice: %w", err)
	}
	return nil
}

// GetByID retrieves an invoice by id
func (r *InvoiceRepository) GetByID(ctx context.Context, id string) (*models.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	return scanInvoice(r.pool.QueryRow(ctx, query, id))
}

// GetByPaymentHash retrieves an invoice by its payment hash
func (r *InvoiceRepository) GetByPaymentHash(ctx context.Context, hash []byte) (*models.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE payment_hash = $1`
	return scanInvoice(r.pool.QueryRow(ctx, query, hash))
}

// ListByOrder retrieves the invoices of an order, newest first
func (r *InvoiceRepository) ListByOrder(ctx context.Context, orderID string) ([]*models.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE order_id = $1 ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("query invoices: %w", err)
	}
	defer rows.Close()

	return scanInvoices(rows)
}

// ListByStatus retrieves the invoices in one status, oldest first
func (r *InvoiceRepository) ListByStatus(ctx context.Context, status models.InvoiceStatus) ([]*models.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE status = $1 ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query, int16(status))
	if err != nil {
		return nil, fmt.Errorf("query invoices by status: %w", err)
	}
	defer rows.Close()

	return scanInvoices(rows)
}

func scanInvoices(rows pgx.Rows) ([]*models.Invoice, error) {
	var invoices []*models.Invoice
	for rows.Next() {
		inv, err := scanInvoiceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invoice row: %w", err)
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

// Update writes the synced fields of an invoice, guarded by the status the
// caller read
func (r *InvoiceRepository) Update(ctx context.Context, inv *models.Invoice, expected models.InvoiceStatus) error {
	query := `
		UPDATE invoices SET
			payment_hash = $1,
			payment_request = $2,
			preimage = $3,
			expiry_seconds = $4,
			expires_at = $5,
			created_at_node = $6,
			paid_at = $7,
			status = $8,
			qr_image_path = $9,
			updated_at = now()
		WHERE id = $10 AND status = $11
		RETURNING updated_at
	`
	err := r.pool.QueryRow(ctx, query,
		nullBytes(inv.PaymentHash), inv.PaymentRequest, nullBytes(inv.Preimage),
		inv.ExpirySeconds, inv.ExpiresAt, inv.CreatedAtNode, inv.PaidAt,
		int16(inv.Status), inv.QRImagePath,
		inv.ID, int16(expected),
	).Scan(&inv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrStatusConflict
		}
		return fmt.Errorf("update invoice: %w", err)
	}
	return nil
}

// nullBytes keeps empty hashes NULL so the unique constraints ignore them
func nullBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func scanInvoice(row pgx.Row) (*models.Invoice, error) {
	inv, err := scanInvoiceRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan invoice: %w", err)
	}
	return inv, nil
}

func scanInvoiceRow(row pgx.Row) (*models.Invoice, error) {
	inv := &models.Invoice{}
	var status int16
	err := row.Scan(
		&inv.ID, &inv.OrderID, &inv.NodeID, &inv.Label, &inv.Memo, &inv.AmountMsat,
		&inv.PaymentHash, &inv.PaymentRequest, &inv.Preimage,
		&inv.ExpirySeconds, &inv.ExpiresAt, &inv.CreatedAtNode, &inv.PaidAt,
		&status, &inv.QRImagePath,
		&inv.TaxCurrency, &inv.TaxRateCents, &inv.InfoCurrency, &inv.InfoRateCents,
		&inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inv.Status = models.InvoiceStatus(status)
	return inv, nil
}
