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

// Rejection messages stored on orders
const (
	MsgItemCount     = "order must contain exactly one item"
	MsgZeroTotal     = "order total must be greater than zero"
	MsgHostDisabled  = "Host is disabled"
	MsgDenied        = "Target is on Deny List"
	MsgNotHTTPS      = "Target is not HTTPS"
	MsgNoNode        = "no owned nodes found"
	MsgInvoiceExpiry = "invoice expired"
)

// rejection stops processing and moves the order to rejected.
type rejection struct {
	message string
	err     error
}

func (r *rejection) Error() string { return r.message }

// operatorExits lists the statuses an operator may set and where from. A nil
// list means any status.
var operatorExits = map[models.OrderStatus][]models.OrderStatus{
	models.OrderNeedsRefund: {models.OrderPaid, models.OrderFulfilled},
	models.OrderNeedsDelete: nil,
	models.OrderArchived:    {models.OrderFulfilled, models.OrderRejected},
}

// stalledStatuses are worked through by Process without waiting on anyone.
// An order that stays in one of them was dropped by a worker.
var stalledStatuses = []models.OrderStatus{
	models.OrderInitial,
	models.OrderNeedsLocalChecks,
	models.OrderNeedsRemoteChecks,
	models.OrderNeedsInvoice,
}

// RecoveryReport counts what one recovery run did.
type RecoveryReport struct {
	Requeued  int `json:"requeued"`
	Fulfilled int `json:"fulfilled"`
	Failures  int `json:"failures"`
}

// extendable are the bridge statuses that can be paid for again.
var extendable = map[models.BridgeStatus]bool{
	models.BridgeActive:       true,
	models.BridgeNeedsSuspend: true,
	models.BridgeSuspended:    true,
}

// OrderInput is a customer's order form.
type OrderInput struct {
	Product     string
	HostID      string
	TosAccepted bool
	Comment     string
	Target      string
	PublicKey   string
}

// OrderService validates purchase orders and drives them to an invoice.
type OrderService struct {
	cfg       *config.Config
	orders    OrderStore
	hosts     HostStore
	bridges   *BridgeService
	denyList  DenyListStore
	rates     *RateService
	reach     ReachabilityChecker
	nodes     NodeResolver
	invoices  *InvoiceService
	scheduler Scheduler
	audit     AuditLog
	now       func() time.Time
}

func NewOrderService(
	cfg *config.Config,
	orders OrderStore,
	hosts HostStore,
	bridges *BridgeService,
	denyList DenyListStore,
	rates *RateService,
	reach ReachabilityChecker,
	nodes NodeResolver,
	invoices *InvoiceService,
	scheduler Scheduler,
	auditLog AuditLog,
) *OrderService {
	return &OrderService{
		cfg:       cfg,
		orders:    orders,
		hosts:     hosts,
		bridges:   bridges,
		denyList:  denyList,
		rates:     rates,
		reach:     reach,
		nodes:     nodes,
		invoices:  invoices,
		scheduler: scheduler,
		audit:     auditLog,
		now:       time.Now,
	}
}

// SetClock replaces the time source.
func (s *OrderService) SetClock(now func() time.Time) {
	s.now = now
}

// Get returns an order with its invoices.
func (s *OrderService) Get(ctx context.Context, id string) (*models.PurchaseOrder, []*models.Invoice, error) {
	order, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	invoices, err := s.invoices.ListByOrder(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return order, invoices, nil
}

// CreateOrder validates the form, creates the bridge and an order for it and
// queues the order for processing.
func (s *OrderService) CreateOrder(ctx context.Context, in OrderInput) (*models.PurchaseOrder, error) {
	kind, err := models.ParseProductKind(in.Product)
	if err != nil {
		return nil, &ValidationError{Field: "product", Reason: err.Error()}
	}
	host, err := s.hosts.GetByID(ctx, in.HostID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &ValidationError{Field: "host_id", Reason: "unknown host"}
		}
		return nil, fmt.Errorf("get host %s: %w", in.HostID, err)
	}
	if !host.IsEnabled || !host.Offers(kind) {
		return nil, &ValidationError{Field: "host_id", Reason: fmt.Sprintf("host does not offer %s", kind)}
	}
	if !in.TosAccepted {
		return nil, &ValidationError{Field: "tos_accepted", Reason: "Must accept Terms of Service (ToS): " + host.TermsOfServiceURL}
	}
	if err := models.ValidateProductFields(kind, in.Target, in.PublicKey, in.Comment); err != nil {
		field := "target"
		if kind == models.ProductRsshTunnel {
			field = "public_key"
		}
		if len(in.Comment) > models.MaxCommentLength {
			field = "comment"
		}
		return nil, &ValidationError{Field: field, Reason: err.Error()}
	}

	bridge := &models.Bridge{
		Kind:        kind,
		HostID:      host.ID,
		Comment:     in.Comment,
		Target:      in.Target,
		PublicKey:   in.PublicKey,
		IsMonitored: kind == models.ProductTorBridge,
	}
	if err := s.bridges.Create(ctx, bridge); err != nil {
		return nil, err
	}
	if bridge.Status == models.BridgeFailed {
		return nil, &ValidationError{Field: "host_id", Reason: "no free port on host"}
	}

	return s.newOrder(ctx, bridge, host.InitialPrice(kind), "order placed")
}

// Extend creates an order for another period of an existing bridge at the
// host's extension price.
func (s *OrderService) Extend(ctx context.Context, bridgeID string) (*models.PurchaseOrder, error) {
	bridge, err := s.bridges.Get(ctx, bridgeID)
	if err != nil {
		return nil, err
	}
	if !extendable[bridge.Status] {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("%s in status %s cannot be extended", bridge.Kind, bridge.Status)}
	}
	host, err := s.hosts.GetByID(ctx, bridge.HostID)
	if err != nil {
		return nil, fmt.Errorf("get host %s: %w", bridge.HostID, err)
	}
	if !host.IsEnabled {
		return nil, &ValidationError{Field: "host_id", Reason: MsgHostDisabled}
	}
	return s.newOrder(ctx, bridge, host.ExtensionPrice(bridge.Kind), "extension ordered")
}

func (s *OrderService) newOrder(ctx context.Context, bridge *models.Bridge, price int64, msg string) (*models.PurchaseOrder, error) {
	order := &models.PurchaseOrder{
		ID:     uuid.New().String(),
		Status: models.OrderInitial,
		Items: []*models.PurchaseOrderItem{{
			Position:  0,
			Quantity:  1,
			PriceMsat: price,
			Product:   bridge.Ref(),
		}},
	}
	if err := s.orders.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("store order: %w", err)
	}
	audit(ctx, s.audit, models.ObjectOrder, order.ID, models.ActorCustomer, msg)

	if err := s.scheduler.ScheduleOrderProcessing(ctx, order.ID); err != nil {
		logger("order").Error().Err(err).Str("order_id", order.ID).Msg("order processing not queued")
	}
	return order, nil
}

// Process runs the order pipeline from the order's current status up to the
// point where it waits for payment. Orders past that point are left alone.
func (s *OrderService) Process(ctx context.Context, orderID string) error {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("get order %s: %w", orderID, err)
	}

	for {
		var next models.OrderStatus
		var err error
		switch order.Status {
		case models.OrderInitial:
			next, err = s.checkItems(order)
		case models.OrderNeedsLocalChecks:
			next, err = s.localChecks(ctx, order)
		case models.OrderNeedsRemoteChecks:
			next, err = s.remoteChecks(ctx, order)
		case models.OrderNeedsInvoice:
			next, err = s.issueInvoice(ctx, order)
		default:
			return nil
		}

		var rej *rejection
		if errors.As(err, &rej) {
			return s.reject(ctx, order, rej)
		}
		if err != nil {
			return err
		}

		if err := s.orders.UpdateStatus(ctx, order.ID, order.Status, next, ""); err != nil {
			if errors.Is(err, ErrStatusConflict) {
				logger("order").Info().Str("order_id", order.ID).Str("status", string(order.Status)).
					Msg("order moved concurrently, stopping")
				return nil
			}
			return fmt.Errorf("order %s %s -> %s: %w", order.ID, order.Status, next, err)
		}
		audit(ctx, s.audit, models.ObjectOrder, order.ID, models.ActorWorker,
			fmt.Sprintf("status %s -> %s", order.Status, next))
		order.Status = next
	}
}

func (s *OrderService) checkItems(order *models.PurchaseOrder) (models.OrderStatus, error) {
	if len(order.Items) != 1 {
		return "", &rejection{message: MsgItemCount}
	}
	if order.TotalPriceMsat() <= 0 {
		return "", &rejection{message: MsgZeroTotal}
	}
	return models.OrderNeedsLocalChecks, nil
}

func (s *OrderService) orderBridge(ctx context.Context, order *models.PurchaseOrder) (*models.Bridge, *models.Host, error) {
	if len(order.Items) != 1 {
		return nil, nil, &rejection{message: MsgItemCount}
	}
	bridge, err := s.bridges.Get(ctx, order.Items[0].Product.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("get product of order %s: %w", order.ID, err)
	}
	host, err := s.hosts.GetByID(ctx, bridge.HostID)
	if err != nil {
		return nil, nil, fmt.Errorf("get host %s: %w", bridge.HostID, err)
	}
	return bridge, host, nil
}

func (s *OrderService) localChecks(ctx context.Context, order *models.PurchaseOrder) (models.OrderStatus, error) {
	bridge, host, err := s.orderBridge(ctx, order)
	if err != nil {
		return "", err
	}
	if !host.IsEnabled {
		return "", &rejection{message: MsgHostDisabled}
	}
	if bridge.Kind == models.ProductTorBridge {
		denied, err := s.denyList.IsDenied(ctx, bridge.Target)
		if err != nil {
			return "", fmt.Errorf("check deny list: %w", err)
		}
		if denied {
			return "", &rejection{message: MsgDenied}
		}
	}
	return models.OrderNeedsRemoteChecks, nil
}

func (s *OrderService) remoteChecks(ctx context.Context, order *models.PurchaseOrder) (models.OrderStatus, error) {
	bridge, _, err := s.orderBridge(ctx, order)
	if err != nil {
		return "", err
	}
	if bridge.Kind != models.ProductTorBridge {
		return models.OrderNeedsInvoice, nil
	}
	port, err := bridge.TargetPort()
	if err != nil {
		return "", &rejection{message: err.Error()}
	}
	if s.cfg.Tor.WhitelistedPort(port) {
		return models.OrderNeedsInvoice, nil
	}
	if err := s.reach.CheckHTTPS(ctx, bridge.Target); err != nil {
		logger("order").Info().Err(err).Str("order_id", order.ID).Str("target", bridge.Target).Msg("https check failed")
		return "", &rejection{message: MsgNotHTTPS}
	}
	return models.OrderNeedsInvoice, nil
}

func (s *OrderService) issueInvoice(ctx context.Context, order *models.PurchaseOrder) (models.OrderStatus, error) {
	existing, err := s.invoices.ListByOrder(ctx, order.ID)
	if err != nil {
		return "", fmt.Errorf("list invoices: %w", err)
	}
	for _, inv := range existing {
		if inv.Status == models.InvoiceUnpaid || inv.Status == models.InvoicePaid {
			return s.awaitPayment(ctx, inv)
		}
	}

	_, host, err := s.orderBridge(ctx, order)
	if err != nil {
		return "", err
	}
	node, err := s.nodes.First(ctx, host.OwnerID)
	if err != nil {
		if errors.Is(err, ErrNoEligibleNode) {
			return "", &rejection{message: MsgNoNode, err: err}
		}
		return "", fmt.Errorf("select node: %w", err)
	}

	var rates Rates
	if s.rates != nil {
		rates, err = s.rates.Current(ctx)
		if err != nil {
			logger("order").Warn().Err(err).Str("order_id", order.ID).Msg("exchange rates unavailable")
		}
	}

	inv, err := s.invoices.Create(ctx, order, node, rates)
	if err != nil {
		return "", err
	}
	return s.awaitPayment(ctx, inv)
}

func (s *OrderService) awaitPayment(ctx context.Context, inv *models.Invoice) (models.OrderStatus, error) {
	if inv.Status == models.InvoiceUnpaid {
		if err := s.scheduler.ScheduleInvoiceSync(ctx, inv.ID, 1, s.cfg.Invoice.SyncDelay); err != nil {
			return "", fmt.Errorf("schedule sync of invoice %s: %w", inv.ID, err)
		}
	}
	return models.OrderNeedsToBePaid, nil
}

func (s *OrderService) reject(ctx context.Context, order *models.PurchaseOrder, rej *rejection) error {
	err := s.orders.UpdateStatus(ctx, order.ID, order.Status, models.OrderRejected, rej.message)
	if err != nil && !errors.Is(err, ErrStatusConflict) {
		return fmt.Errorf("reject order %s: %w", order.ID, err)
	}
	if err == nil {
		audit(ctx, s.audit, models.ObjectOrder, order.ID, models.ActorWorker,
			fmt.Sprintf("status %s -> rejected: %s", order.Status, rej.message))
		logger("order").Info().Str("order_id", order.ID).Str("reason", rej.message).Msg("order rejected")
	}
	if rej.err != nil {
		return fmt.Errorf("order %s: %w", order.ID, rej.err)
	}
	return nil
}

// HandleInvoicePaid moves the order of a paid invoice to paid.
func (s *OrderService) HandleInvoicePaid(ctx context.Context, ev events.InvoicePaid) error {
	for _, from := range []models.OrderStatus{models.OrderNeedsToBePaid, models.OrderNeedsInvoice} {
		err := s.orders.UpdateStatus(ctx, ev.OrderID, from, models.OrderPaid, "")
		if errors.Is(err, ErrStatusConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("mark order %s paid: %w", ev.OrderID, err)
		}
		audit(ctx, s.audit, models.ObjectOrder, ev.OrderID, models.ActorSystem,
			fmt.Sprintf("status %s -> paid (invoice %s)", from, ev.InvoiceID))
		return nil
	}
	logger("order").Warn().Str("order_id", ev.OrderID).Str("invoice_id", ev.InvoiceID).
		Msg("payment for order not waiting for payment")
	return nil
}

// HandleInvoiceExpired notes the expiry on the order.
func (s *OrderService) HandleInvoiceExpired(ctx context.Context, ev events.InvoiceExpired) error {
	if err := s.orders.SetMessage(ctx, ev.OrderID, MsgInvoiceExpiry); err != nil {
		return fmt.Errorf("note expiry on order %s: %w", ev.OrderID, err)
	}
	audit(ctx, s.audit, models.ObjectOrder, ev.OrderID, models.ActorSystem, MsgInvoiceExpiry)
	return nil
}

// Recover queues orders that sat in a pre-payment status for longer than
// the stale age, and applies the payment of orders left in paid by a failed
// payment handler.
func (s *OrderService) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	var errs []error
	before := s.now().UTC().Add(-s.cfg.Shop.OrderStaleAge)

	stalled, err := s.orders.ListStale(ctx, stalledStatuses, before)
	if err != nil {
		return report, fmt.Errorf("list stalled orders: %w", err)
	}
	for _, order := range stalled {
		if err := s.scheduler.ScheduleOrderProcessing(ctx, order.ID); err != nil {
			report.Failures++
			errs = append(errs, fmt.Errorf("requeue order %s: %w", order.ID, err))
			continue
		}
		logger("order").Info().Str("order_id", order.ID).Str("status", string(order.Status)).Msg("stalled order requeued")
		report.Requeued++
	}

	paid, err := s.orders.ListStale(ctx, []models.OrderStatus{models.OrderPaid}, before)
	if err != nil {
		return report, fmt.Errorf("list paid orders: %w", err)
	}
	for _, order := range paid {
		if err := s.fulfill(ctx, order); err != nil {
			report.Failures++
			errs = append(errs, err)
			continue
		}
		report.Fulfilled++
	}
	return report, errors.Join(errs...)
}

// fulfill applies the paid invoice of an order to its bridges again.
func (s *OrderService) fulfill(ctx context.Context, order *models.PurchaseOrder) error {
	invoices, err := s.invoices.ListByOrder(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("invoices of order %s: %w", order.ID, err)
	}
	var paid *models.Invoice
	for _, inv := range invoices {
		if inv.Status == models.InvoicePaid && inv.PaidAt != nil {
			paid = inv
			break
		}
	}
	if paid == nil {
		return fmt.Errorf("order %s is paid but has no paid invoice", order.ID)
	}

	ev := events.InvoicePaid{InvoiceID: paid.ID, OrderID: order.ID, AmountMsat: paid.AmountMsat, PaidAt: *paid.PaidAt}
	if err := s.bridges.HandleInvoicePaid(ctx, ev); err != nil {
		return fmt.Errorf("fulfill order %s: %w", order.ID, err)
	}
	audit(ctx, s.audit, models.ObjectOrder, order.ID, models.ActorWorker,
		fmt.Sprintf("payment of invoice %s applied by recovery", paid.ID))
	logger("order").Info().Str("order_id", order.ID).Str("invoice_id", paid.ID).Msg("paid order recovered")
	return nil
}

// OperatorTransition applies an operator exit: needs_refund, needs_delete or archived.
func (s *OrderService) OperatorTransition(ctx context.Context, id string, to models.OrderStatus, actor, message string) (*models.PurchaseOrder, error) {
	allowedFrom, ok := operatorExits[to]
	if !ok {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("operators cannot set %q", to)}
	}
	order, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if allowedFrom != nil && !containsStatus(allowedFrom, order.Status) {
		return nil, fmt.Errorf("order %s %s -> %s: %w", id, order.Status, to, ErrInvalidTransition)
	}
	if err := s.orders.UpdateStatus(ctx, id, order.Status, to, message); err != nil {
		return nil, fmt.Errorf("order %s %s -> %s: %w", id, order.Status, to, err)
	}
	audit(ctx, s.audit, models.ObjectOrder, id, actor, fmt.Sprintf("status %s -> %s: %s", order.Status, to, message))
	order.Status = to
	order.Message = message
	return order, nil
}

// Stats counts orders by status.
func (s *OrderService) Stats(ctx context.Context) ([]models.StatusCount, error) {
	return s.orders.CountByStatus(ctx)
}

func containsStatus(list []models.OrderStatus, s models.OrderStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
