package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ip2tor/shop/internal/config"
	"github.com/ip2tor/shop/internal/lnnode"
	"github.com/ip2tor/shop/internal/models"
	"github.com/ip2tor/shop/internal/service"
)

// Defaults of the order retry policy
const (
	DefaultOrderMaxAttempts = 5
	DefaultOrderRetryDelay  = 30 * time.Second
)

type OrderProcessor interface {
	Process(ctx context.Context, orderID string) error
}

type InvoiceSyncer interface {
	Sync(ctx context.Context, id string) (*models.Invoice, error)
	ExpireIfDue(ctx context.Context, id string) (*models.Invoice, error)
	SyncUnpaid(ctx context.Context) (int, error)
}

type OrderRecoverer interface {
	Recover(ctx context.Context) (service.RecoveryReport, error)
}

type BridgeMaintainer interface {
	Sweep(ctx context.Context) (service.SweepReport, error)
	Delete(ctx context.Context, id string) error
}

type NodeChecker interface {
	CheckAlive(ctx context.Context) (int, error)
}

type RateFetcher interface {
	Fetch(ctx context.Context) error
}

type MetricsUpdater interface {
	Update(ctx context.Context) error
}

// Handlers binds the task types to the services.
type Handlers struct {
	Orders   OrderProcessor
	Recovery OrderRecoverer
	Invoices InvoiceSyncer
	Bridges  BridgeMaintainer
	Nodes    NodeChecker
	Rates    RateFetcher
	Metrics  MetricsUpdater
	Client   *Client

	SyncDelay        time.Duration
	SyncMaxAttempts  int
	OrderMaxAttempts int
	OrderRetryDelay  time.Duration

	Now func() time.Time
}

// NewHandlers takes the polling policy from the invoice config.
func NewHandlers(cfg config.InvoiceConfig, client *Client) *Handlers {
	return &Handlers{
		Client:           client,
		SyncDelay:        cfg.SyncDelay,
		SyncMaxAttempts:  cfg.SyncMaxAttempts,
		OrderMaxAttempts: DefaultOrderMaxAttempts,
		OrderRetryDelay:  DefaultOrderRetryDelay,
		Now:              time.Now,
	}
}

// Register adds the handlers of all configured services to w.
func (h *Handlers) Register(w *Worker) {
	if h.Orders != nil {
		w.Handle(TypeOrderProcess, h.ProcessOrder)
	}
	if h.Recovery != nil {
		w.Handle(TypeOrdersRecover, h.RecoverOrders)
	}
	if h.Invoices != nil {
		w.Handle(TypeInvoiceSync, h.SyncInvoice)
		w.Handle(TypeInvoicesUnpaid, h.SyncUnpaidInvoices)
	}
	if h.Bridges != nil {
		w.Handle(TypeBridgesSweep, h.SweepBridges)
		w.Handle(TypeResourceDelete, h.DeleteBridge)
	}
	if h.Nodes != nil {
		w.Handle(TypeNodesAlive, h.CheckNodes)
	}
	if h.Rates != nil {
		w.Handle(TypeRatesFetch, func(ctx context.Context, _ *Task) error { return h.Rates.Fetch(ctx) })
	}
	if h.Metrics != nil {
		w.Handle(TypeMetricsUpdate, func(ctx context.Context, _ *Task) error { return h.Metrics.Update(ctx) })
	}
}

// ProcessOrder runs the order pipeline. Node transport failures are retried
// with a growing delay up to OrderMaxAttempts.
func (h *Handlers) ProcessOrder(ctx context.Context, t *Task) error {
	var p OrderPayload
	if err := t.Decode(&p); err != nil {
		return err
	}
	err := h.Orders.Process(ctx, p.OrderID)
	if err == nil {
		return nil
	}
	if !lnnode.IsRetryable(err) || p.Attempt >= h.OrderMaxAttempts {
		return fmt.Errorf("process order %s (attempt %d): %w", p.OrderID, p.Attempt, err)
	}

	delay := h.OrderRetryDelay * time.Duration(p.Attempt)
	log.Warn().Str("component", "worker").Err(err).Str("order_id", p.OrderID).
		Int("attempt", p.Attempt).Dur("retry_in", delay).Msg("order processing will be retried")
	return h.Client.scheduleOrderRetry(ctx, p.OrderID, p.Attempt+1, delay)
}

// SyncInvoice polls one invoice and queues the next poll until the invoice
// is paid or expired. Transport failures count as attempts. Other errors
// stop the polling. When the attempts are used up the invoice is expired
// locally if it is due; otherwise one more poll is queued for the moment
// it expires, so polling always ends with the invoice's expiry.
func (h *Handlers) SyncInvoice(ctx context.Context, t *Task) error {
	var p InvoiceSyncPayload
	if err := t.Decode(&p); err != nil {
		return err
	}
	l := log.With().Str("component", "worker").Str("invoice_id", p.InvoiceID).Int("attempt", p.Attempt).Logger()

	inv, err := h.Invoices.Sync(ctx, p.InvoiceID)
	switch {
	case err != nil && !lnnode.IsRetryable(err):
		return fmt.Errorf("sync invoice %s: %w", p.InvoiceID, err)
	case err != nil:
		l.Warn().Err(err).Msg("invoice sync failed, will retry")
	case inv.Status.Terminal():
		l.Debug().Str("status", inv.Status.String()).Msg("invoice polling finished")
		return nil
	}

	if p.Attempt < h.SyncMaxAttempts {
		return h.Client.ScheduleInvoiceSync(ctx, p.InvoiceID, p.Attempt+1, h.SyncDelay)
	}

	inv, err = h.Invoices.ExpireIfDue(ctx, p.InvoiceID)
	if err != nil {
		return fmt.Errorf("expire invoice %s: %w", p.InvoiceID, err)
	}
	if inv.Status != models.InvoiceUnpaid || inv.ExpiresAt == nil {
		l.Info().Str("status", inv.Status.String()).Msg("invoice polling finished after last attempt")
		return nil
	}
	delay := max(inv.ExpiresAt.Sub(h.Now()), 0) + h.SyncDelay
	l.Info().Time("expires_at", *inv.ExpiresAt).Dur("next_in", delay).Msg("attempts used up, polling again at expiry")
	return h.Client.ScheduleInvoiceSync(ctx, p.InvoiceID, p.Attempt+1, delay)
}

// SyncUnpaidInvoices catches payments and expiries the per-invoice polling
// and the settlement streams missed.
func (h *Handlers) SyncUnpaidInvoices(ctx context.Context, _ *Task) error {
	changed, err := h.Invoices.SyncUnpaid(ctx)
	if err != nil {
		return err
	}
	if changed > 0 {
		log.Info().Str("component", "worker").Int("changed", changed).Msg("unpaid invoices synced")
	}
	return nil
}

// RecoverOrders requeues stalled orders and finishes paid ones.
func (h *Handlers) RecoverOrders(ctx context.Context, _ *Task) error {
	report, err := h.Recovery.Recover(ctx)
	if err != nil {
		return err
	}
	if report.Requeued > 0 || report.Fulfilled > 0 {
		log.Info().Str("component", "worker").Int("requeued", report.Requeued).
			Int("fulfilled", report.Fulfilled).Int("failures", report.Failures).Msg("orders recovered")
	}
	return nil
}

func (h *Handlers) SweepBridges(ctx context.Context, _ *Task) error {
	_, err := h.Bridges.Sweep(ctx)
	return err
}

func (h *Handlers) DeleteBridge(ctx context.Context, t *Task) error {
	var p BridgePayload
	if err := t.Decode(&p); err != nil {
		return err
	}
	return h.Bridges.Delete(ctx, p.BridgeID)
}

func (h *Handlers) CheckNodes(ctx context.Context, _ *Task) error {
	changed, err := h.Nodes.CheckAlive(ctx)
	if err != nil {
		return err
	}
	if changed > 0 {
		log.Info().Str("component", "worker").Int("changed", changed).Msg("node liveness updated")
	}
	return nil
}
