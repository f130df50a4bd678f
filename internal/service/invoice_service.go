package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ip2tor/shop/internal/config"
	"github.com/ip2tor/shop/internal/events"
	"github.com/ip2tor/shop/internal/models"
)

// Rates are the exchange rates frozen on an invoice at creation.
type Rates struct {
	TaxCurrency   string
	TaxRateCents  *int64
	InfoCurrency  string
	InfoRateCents *int64
}

// InvoiceService creates lightning invoices for orders and keeps them in
// sync with the issuing node.
type InvoiceService struct {
	cfg       config.InvoiceConfig
	invoices  InvoiceStore
	nodes     NodeResolver
	qr        QRGenerator
	audit     AuditLog
	publisher Publisher
	now       func() time.Time
}

func NewInvoiceService(
	cfg config.InvoiceConfig,
	invoices InvoiceStore,
	nodes NodeResolver,
	qr QRGenerator,
	auditLog AuditLog,
	publisher Publisher,
) *InvoiceService {
	return &InvoiceService{
		cfg:       cfg,
		invoices:  invoices,
		nodes:     nodes,
		qr:        qr,
		audit:     auditLog,
		publisher: publisher,
		now:       time.Now,
	}
}

// SetClock replaces the time source.
func (s *InvoiceService) SetClock(now func() time.Time) {
	s.now = now
}

// Get returns an invoice by id.
func (s *InvoiceService) Get(ctx context.Context, id string) (*models.Invoice, error) {
	return s.invoices.GetByID(ctx, id)
}

// ListByOrder returns the invoices of an order.
func (s *InvoiceService) ListByOrder(ctx context.Context, orderID string) ([]*models.Invoice, error) {
	return s.invoices.ListByOrder(ctx, orderID)
}

// Create stores a new invoice for the order total, has node issue it and
// runs a first sync. A node failure leaves the stored invoice in INITIAL.
func (s *InvoiceService) Create(ctx context.Context, order *models.PurchaseOrder, node *models.LightningNode, rates Rates) (*models.Invoice, error) {
	client, err := s.nodes.Client(node)
	if err != nil {
		return nil, fmt.Errorf("client of node %s: %w", node.ID, err)
	}

	expiry := s.cfg.Expiry
	inv := &models.Invoice{
		ID:            uuid.New().String(),
		OrderID:       order.ID,
		NodeID:        node.ID,
		Label:         "ip2tor-" + order.ID,
		Memo:          "PO: " + order.ID,
		AmountMsat:    order.TotalPriceMsat(),
		ExpirySeconds: int64(expiry / time.Second),
		Status:        models.InvoiceInitial,
		TaxCurrency:   rates.TaxCurrency,
		TaxRateCents:  rates.TaxRateCents,
		InfoCurrency:  rates.InfoCurrency,
		InfoRateCents: rates.InfoRateCents,
	}
	if err := s.invoices.Create(ctx, inv); err != nil {
		return nil, fmt.Errorf("store invoice: %w", err)
	}

	created, err := client.CreateInvoice(ctx, inv.Memo, inv.AmountMsat, expiry)
	if err != nil {
		audit(ctx, s.audit, models.ObjectInvoice, inv.ID, models.ActorSystem,
			fmt.Sprintf("node %s failed to create invoice: %v", node.Name, err))
		return inv, fmt.Errorf("create invoice on node %s: %w", node.ID, err)
	}

	inv.PaymentHash = created.PaymentHash
	inv.PaymentRequest = created.PaymentRequest
	createdAt := created.CreatedAt.UTC()
	inv.CreatedAtNode = &createdAt
	if created.Expiry > 0 {
		inv.ExpirySeconds = int64(created.Expiry / time.Second)
	}
	expiresAt := createdAt.Add(time.Duration(inv.ExpirySeconds) * time.Second)
	inv.ExpiresAt = &expiresAt
	inv.Status = models.InvoiceUnpaid

	if err := s.invoices.Update(ctx, inv, models.InvoiceInitial); err != nil {
		return nil, fmt.Errorf("mark invoice %s unpaid: %w", inv.ID, err)
	}
	audit(ctx, s.audit, models.ObjectInvoice, inv.ID, models.ActorSystem,
		fmt.Sprintf("created on node %s: %s", node.Name, inv.AmountHuman()))

	return s.Sync(ctx, inv.ID)
}

// Sync looks the invoice up on its node, backfills missing fields and
// applies the settlement or expiry the node reports. Paid and expired are
// terminal; an unchanged remote state writes nothing.
func (s *InvoiceService) Sync(ctx context.Context, id string) (*models.Invoice, error) {
	inv, err := s.invoices.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get invoice %s: %w", id, err)
	}
	if inv.Status == models.InvoiceInitial || len(inv.PaymentHash) == 0 {
		return inv, nil
	}

	_, client, err := s.nodes.ClientByID(ctx, inv.NodeID)
	if err != nil {
		return inv, fmt.Errorf("client of invoice %s: %w", id, err)
	}
	remote, err := client.LookupInvoice(ctx, inv.PaymentHash)
	if err != nil {
		return inv, fmt.Errorf("lookup invoice %s: %w", id, err)
	}

	now := s.now().UTC()
	expected := inv.Status
	changed := backfill(inv, remote.Preimage, remote.PaymentRequest, remote.CreatedAt, remote.Expiry)

	if s.qr != nil && inv.PaymentRequest != "" && inv.QRImagePath == "" {
		path, err := s.qr.Generate(ctx, inv.ID, "lightning:"+inv.PaymentRequest)
		if err != nil {
			logger("invoice").Warn().Err(err).Str("invoice_id", inv.ID).Msg("qr image not generated")
		} else {
			inv.QRImagePath = path
			changed = true
		}
	}

	var paid, expired, late bool
	switch {
	case remote.Settled && inv.Status == models.InvoiceUnpaid:
		paidAt := now
		if remote.SettledAt != nil {
			paidAt = remote.SettledAt.UTC()
		}
		inv.PaidAt = &paidAt
		inv.Status = models.InvoicePaid
		paid, changed = true, true
	case remote.Settled && inv.Status == models.InvoiceExpired && inv.PaidAt == nil:
		// late settlement stays expired; paid_at records it once
		settledAt := now
		if remote.SettledAt != nil {
			settledAt = remote.SettledAt.UTC()
		}
		inv.PaidAt = &settledAt
		late, changed = true, true
	case !remote.Settled && inv.Status == models.InvoiceUnpaid && inv.HasExpired(now):
		inv.Status = models.InvoiceExpired
		expired, changed = true, true
	}

	if !changed {
		return inv, nil
	}
	if err := s.invoices.Update(ctx, inv, expected); err != nil {
		if errors.Is(err, ErrStatusConflict) {
			logger("invoice").Info().Str("invoice_id", id).Msg("invoice changed concurrently, keeping stored state")
			return s.invoices.GetByID(ctx, id)
		}
		return inv, fmt.Errorf("update invoice %s: %w", id, err)
	}

	switch {
	case paid:
		audit(ctx, s.audit, models.ObjectInvoice, inv.ID, models.ActorSystem, "status unpaid -> paid")
		logger("invoice").Info().Str("invoice_id", inv.ID).Str("order_id", inv.OrderID).
			Int64("amount_msat", inv.AmountMsat).Msg("invoice paid")
		s.publishPaid(ctx, inv)
	case expired:
		audit(ctx, s.audit, models.ObjectInvoice, inv.ID, models.ActorSystem, "status unpaid -> expired")
		s.publishExpired(ctx, inv, now)
	case late:
		logger("invoice").Warn().Str("invoice_id", inv.ID).Str("order_id", inv.OrderID).
			Msg("settlement of expired invoice detected")
		audit(ctx, s.audit, models.ObjectInvoice, inv.ID, models.ActorSystem, "late settlement detected")
	}
	return inv, nil
}

// SyncUnpaid syncs every unpaid invoice with its node and expires the due
// ones locally when their node cannot be asked. It returns how many invoices
// left unpaid.
func (s *InvoiceService) SyncUnpaid(ctx context.Context) (int, error) {
	unpaid, err := s.invoices.ListByStatus(ctx, models.InvoiceUnpaid)
	if err != nil {
		return 0, fmt.Errorf("list unpaid invoices: %w", err)
	}

	changed := 0
	var errs []error
	for _, inv := range unpaid {
		got, err := s.Sync(ctx, inv.ID)
		if err != nil {
			logger("invoice").Warn().Err(err).Str("invoice_id", inv.ID).Msg("sync of unpaid invoice failed")
			if got, err = s.ExpireIfDue(ctx, inv.ID); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		if got.Status != models.InvoiceUnpaid {
			changed++
		}
	}
	return changed, errors.Join(errs...)
}

// ExpireIfDue marks an unpaid invoice expired without asking the node, once
// its expiry has passed.
func (s *InvoiceService) ExpireIfDue(ctx context.Context, id string) (*models.Invoice, error) {
	inv, err := s.invoices.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get invoice %s: %w", id, err)
	}
	now := s.now().UTC()
	if inv.Status != models.InvoiceUnpaid || !inv.HasExpired(now) {
		return inv, nil
	}
	inv.Status = models.InvoiceExpired
	if err := s.invoices.Update(ctx, inv, models.InvoiceUnpaid); err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return s.invoices.GetByID(ctx, id)
		}
		return nil, fmt.Errorf("expire invoice %s: %w", id, err)
	}
	audit(ctx, s.audit, models.ObjectInvoice, inv.ID, models.ActorSystem, "status unpaid -> expired locally")
	s.publishExpired(ctx, inv, now)
	return inv, nil
}

func (s *InvoiceService) publishPaid(ctx context.Context, inv *models.Invoice) {
	if s.publisher == nil {
		return
	}
	err := s.publisher.PublishInvoicePaid(ctx, events.InvoicePaid{
		InvoiceID:  inv.ID,
		OrderID:    inv.OrderID,
		AmountMsat: inv.AmountMsat,
		PaidAt:     *inv.PaidAt,
	})
	if err != nil {
		audit(ctx, s.audit, models.ObjectInvoice, inv.ID, models.ActorSystem,
			fmt.Sprintf("payment handling failed: %v", err))
	}
}

func (s *InvoiceService) publishExpired(ctx context.Context, inv *models.Invoice, at time.Time) {
	if s.publisher == nil {
		return
	}
	err := s.publisher.PublishInvoiceExpired(ctx, events.InvoiceExpired{
		InvoiceID: inv.ID,
		OrderID:   inv.OrderID,
		ExpiredAt: at,
	})
	if err != nil {
		audit(ctx, s.audit, models.ObjectInvoice, inv.ID, models.ActorSystem,
			fmt.Sprintf("expiry handling failed: %v", err))
	}
}

// backfill copies remote fields the invoice does not have yet. Stored
// values are never overwritten.
func backfill(inv *models.Invoice, preimage []byte, request string, createdAt *time.Time, expiry time.Duration) bool {
	changed := false
	if len(inv.Preimage) == 0 && len(preimage) > 0 {
		inv.Preimage = append([]byte(nil), preimage...)
		changed = true
	}
	if inv.PaymentRequest == "" && request != "" {
		inv.PaymentRequest = request
		changed = true
	}
	if inv.CreatedAtNode == nil && createdAt != nil {
		t := createdAt.UTC()
		inv.CreatedAtNode = &t
		changed = true
	}
	if inv.ExpirySeconds == 0 && expiry > 0 {
		inv.ExpirySeconds = int64(expiry / time.Second)
		changed = true
	}
	if inv.ExpiresAt == nil && inv.CreatedAtNode != nil && inv.ExpirySeconds > 0 {
		t := inv.CreatedAtNode.Add(time.Duration(inv.ExpirySeconds) * time.Second)
		inv.ExpiresAt = &t
		changed = true
	}
	return changed
}
