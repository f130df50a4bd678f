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

// conflictRetries bounds the reload-and-retry loop on status conflicts.
const conflictRetries = 3

// bridgeTransitions lists the statuses each status may move to.
var bridgeTransitions = map[models.BridgeStatus][]models.BridgeStatus{
	models.BridgeInitial:       {models.BridgeNeedsActivate, models.BridgeNeedsDelete, models.BridgeFailed},
	models.BridgeNeedsActivate: {models.BridgeActive, models.BridgeFailed, models.BridgeNeedsDelete},
	models.BridgeActive:        {models.BridgeNeedsSuspend, models.BridgeArchived, models.BridgeFailed, models.BridgeNeedsDelete},
	models.BridgeNeedsSuspend:  {models.BridgeSuspended, models.BridgeNeedsActivate, models.BridgeFailed, models.BridgeNeedsDelete},
	models.BridgeSuspended:     {models.BridgeNeedsActivate, models.BridgeArchived, models.BridgeFailed, models.BridgeNeedsDelete},
	models.BridgeArchived:      {models.BridgeNeedsDelete},
	models.BridgeFailed:        {models.BridgeArchived, models.BridgeNeedsDelete},
}

// hostReportable are the statuses a host may report for its bridges.
var hostReportable = map[models.BridgeStatus]bool{
	models.BridgeActive:    true,
	models.BridgeSuspended: true,
	models.BridgeFailed:    true,
}

// CanTransition reports whether a bridge may move from one status to another.
func CanTransition(from, to models.BridgeStatus) bool {
	for _, s := range bridgeTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SweepReport counts what one sweep changed.
type SweepReport struct {
	InitialExpired   int `json:"initial_expired"`
	FailedExpired    int `json:"failed_expired"`
	SuspendedExpired int `json:"suspended_expired"`
	Suspended        int `json:"suspended"`
	Deleted          int `json:"deleted"`
	Failures         int `json:"failures"`
}

// BridgeService drives tor bridges and rssh tunnels through their lifecycle.
type BridgeService struct {
	cfg         config.ShopConfig
	bridges     BridgeStore
	hosts       HostStore
	orders      OrderStore
	ports       *PortAllocator
	provisioner Provisioner
	audit       AuditLog
	now         func() time.Time
}

func NewBridgeService(
	cfg config.ShopConfig,
	bridges BridgeStore,
	hosts HostStore,
	orders OrderStore,
	ports *PortAllocator,
	provisioner Provisioner,
	auditLog AuditLog,
) *BridgeService {
	return &BridgeService{
		cfg:         cfg,
		bridges:     bridges,
		hosts:       hosts,
		orders:      orders,
		ports:       ports,
		provisioner: provisioner,
		audit:       auditLog,
		now:         time.Now,
	}
}

// SetClock replaces the time source.
func (s *BridgeService) SetClock(now func() time.Time) {
	s.now = now
}

func (s *BridgeService) Get(ctx context.Context, id string) (*models.Bridge, error) {
	return s.bridges.GetByID(ctx, id)
}

// ListByHost returns the bridges of a host; an empty status lists all.
func (s *BridgeService) ListByHost(ctx context.Context, hostID string, status models.BridgeStatus) ([]*models.Bridge, error) {
	return s.bridges.ListByHost(ctx, hostID, status)
}

// Create allocates a port on the bridge's host and stores the bridge. When
// no port is free the bridge is stored as failed.
func (s *BridgeService) Create(ctx context.Context, b *models.Bridge) error {
	host, err := s.hosts.GetByID(ctx, b.HostID)
	if err != nil {
		return fmt.Errorf("get host %s: %w", b.HostID, err)
	}
	if b.ID == "" {
		b.ID = uuid.New().String()
	}

	port, rangeID, ok, err := s.ports.AllocateRandomPort(ctx, host.ID, b.Kind)
	if err != nil {
		return fmt.Errorf("allocate port: %w", err)
	}
	b.Status = models.BridgeInitial
	if ok {
		b.Port = &port
		b.PortRangeID = &rangeID
	} else {
		b.Port, b.PortRangeID = nil, nil
		b.Status = models.BridgeFailed
	}
	b.SuspendAfter = s.initialSuspendAfter(host, s.now().UTC())

	if err := s.bridges.Create(ctx, b); err != nil {
		if rerr := s.ports.ReleaseBridgePort(ctx, b); rerr != nil {
			logger("bridge").Error().Err(rerr).Int("port", port).Msg("port of unsaved bridge not released")
		}
		return fmt.Errorf("store bridge: %w", err)
	}

	msg := fmt.Sprintf("created with port %d", port)
	if !ok {
		msg = "no free port"
		logger("bridge").Warn().Str("bridge_id", b.ID).Str("host_id", host.ID).Msg("bridge created without port")
	}
	audit(ctx, s.audit, models.ObjectBridge, b.ID, models.ActorSystem, msg)
	return nil
}

func (s *BridgeService) initialSuspendAfter(host *models.Host, now time.Time) time.Time {
	if host.Duration() == 0 {
		return models.SuspendNever
	}
	return now.Add(host.Duration() + s.cfg.BridgeGraceTime)
}

// HandleInvoicePaid applies a payment to the bridges bought by the order and
// marks the order fulfilled. A payment already applied to a bridge is not
// applied twice, so a failed run can be repeated.
func (s *BridgeService) HandleInvoicePaid(ctx context.Context, ev events.InvoicePaid) error {
	order, err := s.orders.GetByID(ctx, ev.OrderID)
	if err != nil {
		return fmt.Errorf("get order %s: %w", ev.OrderID, err)
	}
	for _, item := range order.Items {
		if err := s.applyPayment(ctx, item.Product.ID, ev.InvoiceID); err != nil {
			return fmt.Errorf("apply payment to %s %s: %w", item.Product.Kind, item.Product.ID, err)
		}
	}

	err = s.orders.UpdateStatus(ctx, order.ID, models.OrderPaid, models.OrderFulfilled, "")
	if err != nil {
		if errors.Is(err, ErrStatusConflict) {
			logger("bridge").Warn().Str("order_id", order.ID).Msg("order not in paid status, left as is")
			return nil
		}
		return fmt.Errorf("fulfill order %s: %w", order.ID, err)
	}
	audit(ctx, s.audit, models.ObjectOrder, order.ID, models.ActorSystem, "status paid -> fulfilled")
	return nil
}

func (s *BridgeService) applyPayment(ctx context.Context, bridgeID, invoiceID string) error {
	for attempt := 0; attempt < conflictRetries; attempt++ {
		b, err := s.bridges.GetByID(ctx, bridgeID)
		if err != nil {
			return err
		}
		if b.LastInvoiceID != nil && *b.LastInvoiceID == invoiceID {
			return nil
		}
		host, err := s.hosts.GetByID(ctx, b.HostID)
		if err != nil {
			return fmt.Errorf("get host %s: %w", b.HostID, err)
		}

		now := s.now().UTC()
		expected := b.Status
		var msg string
		switch b.Status {
		case models.BridgeInitial:
			b.Status = models.BridgeNeedsActivate
			msg = "paid, status initial -> needs_activate"
		case models.BridgeActive:
			if b.SuspendAfter.Equal(models.SuspendNever) {
				return nil
			}
			b.SuspendAfter = b.SuspendAfter.Add(host.Duration())
			msg = fmt.Sprintf("extended, suspend after %s", b.SuspendAfter.Format(time.RFC3339))
		case models.BridgeSuspended, models.BridgeNeedsSuspend:
			b.Status = models.BridgeNeedsActivate
			if b.SuspendAfter.Before(now) {
				if host.Duration() == 0 {
					b.SuspendAfter = models.SuspendNever
				} else {
					b.SuspendAfter = now.Add(host.Duration())
				}
			}
			msg = fmt.Sprintf("paid, status %s -> needs_activate", expected)
		default:
			logger("bridge").Warn().Str("bridge_id", b.ID).Str("status", string(b.Status)).
				Msg("payment for bridge in final status ignored")
			return nil
		}

		b.LastInvoiceID = &invoiceID
		err = s.bridges.Update(ctx, b, expected)
		if errors.Is(err, ErrStatusConflict) {
			continue
		}
		if err != nil {
			return err
		}
		audit(ctx, s.audit, models.ObjectBridge, b.ID, models.ActorSystem, fmt.Sprintf("%s (invoice %s)", msg, invoiceID))
		return nil
	}
	return fmt.Errorf("bridge %s: %w", bridgeID, ErrStatusConflict)
}

// Transition moves a bridge to a new status. Entering active asks the
// provisioner to activate it and entering needs_suspend to suspend it.
func (s *BridgeService) Transition(ctx context.Context, id string, to models.BridgeStatus, actor string) (*models.Bridge, error) {
	b, err := s.bridges.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, b, to, actor)
}

// HostTransition applies a status reported by the bridge's host.
func (s *BridgeService) HostTransition(ctx context.Context, hostID, id string, to models.BridgeStatus) (*models.Bridge, error) {
	if !hostReportable[to] {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("hosts cannot report %q", to)}
	}
	b, err := s.bridges.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.HostID != hostID {
		return nil, ErrNotFound
	}
	return s.transition(ctx, b, to, models.ActorHost)
}

func (s *BridgeService) transition(ctx context.Context, b *models.Bridge, to models.BridgeStatus, actor string) (*models.Bridge, error) {
	from := b.Status
	if from == to {
		return b, nil
	}
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("bridge %s %s -> %s: %w", b.ID, from, to, ErrInvalidTransition)
	}
	b.Status = to
	if err := s.bridges.Update(ctx, b, from); err != nil {
		return nil, fmt.Errorf("bridge %s %s -> %s: %w", b.ID, from, to, err)
	}
	audit(ctx, s.audit, models.ObjectBridge, b.ID, actor, fmt.Sprintf("status %s -> %s", from, to))

	if s.provisioner != nil {
		var hookErr error
		switch to {
		case models.BridgeActive:
			hookErr = s.provisioner.ProcessActivation(ctx, b)
		case models.BridgeNeedsSuspend:
			hookErr = s.provisioner.ProcessSuspension(ctx, b)
		}
		if hookErr != nil {
			logger("bridge").Error().Err(hookErr).Str("bridge_id", b.ID).Str("status", string(to)).Msg("provisioning hook failed")
			audit(ctx, s.audit, models.ObjectBridge, b.ID, models.ActorSystem, fmt.Sprintf("provisioning failed: %v", hookErr))
		}
	}
	return b, nil
}

// Delete releases the bridge's port and removes it. Only bridges in
// needs_delete can be deleted.
func (s *BridgeService) Delete(ctx context.Context, id string) error {
	b, err := s.bridges.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if b.Status != models.BridgeNeedsDelete {
		return fmt.Errorf("delete bridge %s in status %s: %w", id, b.Status, ErrInvalidTransition)
	}
	if err := s.ports.ReleaseBridgePort(ctx, b); err != nil {
		return fmt.Errorf("bridge %s: %w", id, err)
	}
	if err := s.bridges.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete bridge %s: %w", id, err)
	}
	audit(ctx, s.audit, models.ObjectBridge, id, models.ActorSystem, "deleted")
	return nil
}

// Sweep applies the time based transitions and deletes bridges marked for
// deletion. It keeps going past failing bridges and returns their errors.
func (s *BridgeService) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	var errs []error
	now := s.now().UTC()

	fail := func(err error) {
		report.Failures++
		errs = append(errs, err)
	}

	initial, err := s.bridges.ListByStatus(ctx, models.BridgeInitial)
	if err != nil {
		return report, fmt.Errorf("list initial bridges: %w", err)
	}
	for _, b := range initial {
		if now.Sub(b.CreatedAt) <= s.cfg.InitialMaxAge {
			continue
		}
		if _, err := s.transition(ctx, b, models.BridgeNeedsDelete, models.ActorSystem); err != nil {
			fail(err)
			continue
		}
		report.InitialExpired++
	}

	// failed at creation for lack of a port
	failed, err := s.bridges.ListByStatus(ctx, models.BridgeFailed)
	if err != nil {
		return report, fmt.Errorf("list failed bridges: %w", err)
	}
	for _, b := range failed {
		if b.Port != nil || now.Sub(b.CreatedAt) <= s.cfg.InitialMaxAge {
			continue
		}
		if _, err := s.transition(ctx, b, models.BridgeNeedsDelete, models.ActorSystem); err != nil {
			fail(err)
			continue
		}
		report.FailedExpired++
	}

	suspended, err := s.bridges.ListByStatus(ctx, models.BridgeSuspended)
	if err != nil {
		return report, fmt.Errorf("list suspended bridges: %w", err)
	}
	for _, b := range suspended {
		if now.Sub(b.UpdatedAt) <= s.cfg.SuspendedMaxAge {
			continue
		}
		if _, err := s.transition(ctx, b, models.BridgeNeedsDelete, models.ActorSystem); err != nil {
			fail(err)
			continue
		}
		report.SuspendedExpired++
	}

	active, err := s.bridges.ListByStatus(ctx, models.BridgeActive)
	if err != nil {
		return report, fmt.Errorf("list active bridges: %w", err)
	}
	for _, b := range active {
		if !now.After(b.SuspendAfter) {
			continue
		}
		if _, err := s.transition(ctx, b, models.BridgeNeedsSuspend, models.ActorSystem); err != nil {
			fail(err)
			continue
		}
		report.Suspended++
	}

	doomed, err := s.bridges.ListByStatus(ctx, models.BridgeNeedsDelete)
	if err != nil {
		return report, fmt.Errorf("list bridges to delete: %w", err)
	}
	for _, b := range doomed {
		if err := s.Delete(ctx, b.ID); err != nil {
			fail(err)
			continue
		}
		report.Deleted++
	}

	logger("bridge").Info().Int("initial_expired", report.InitialExpired).
		Int("failed_expired", report.FailedExpired).Int("suspended_expired", report.SuspendedExpired).Int("suspended", report.Suspended).
		Int("deleted", report.Deleted).Int("failures", report.Failures).Msg("sweep finished")
	return report, errors.Join(errs...)
}

// Monitoring lists the monitored active bridges of a host for telegraf.
func (s *BridgeService) Monitoring(ctx context.Context, hostID string) ([]*models.MonitoringEntry, error) {
	bridges, err := s.bridges.ListByHost(ctx, hostID, models.BridgeActive)
	if err != nil {
		return nil, err
	}
	entries := make([]*models.MonitoringEntry, 0, len(bridges))
	for _, b := range bridges {
		if !b.IsMonitored || b.Port == nil {
			continue
		}
		entries = append(entries, &models.MonitoringEntry{ID: b.ID, Port: *b.Port, Target: b.Target})
	}
	return entries, nil
}
