package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ip2tor/shop/internal/events"
	"github.com/ip2tor/shop/internal/lnnode"
	"github.com/ip2tor/shop/internal/models"
	"github.com/ip2tor/shop/internal/repository"
)

// Errors callers of this package check with errors.Is.
var (
	ErrNotFound          = repository.ErrNotFound
	ErrStatusConflict    = repository.ErrStatusConflict
	ErrPortInUse         = repository.ErrPortInUse
	ErrPortNotInUse      = repository.ErrPortNotInUse
	ErrPortOutOfRange    = repository.ErrPortOutOfRange
	ErrNoEligibleNode    = lnnode.ErrNoEligibleNode
	ErrValidation        = errors.New("validation failed")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError is a rejected customer or operator input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

type HostStore interface {
	GetByID(ctx context.Context, id string) (*models.Host, error)
	List(ctx context.Context) ([]*models.Host, error)
	CheckIn(ctx context.Context, id string, status models.CheckInStatus, message string, at time.Time) error
	GetOwner(ctx context.Context, id string) (*models.Owner, error)
}

type PortRangeStore interface {
	ListByHost(ctx context.Context, hostID string, kind models.ProductKind) ([]*models.PortRange, error)
	FindByPort(ctx context.Context, hostID string, kind models.ProductKind, port int) (*models.PortRange, error)
	UsedPorts(ctx context.Context, rangeID string) ([]int, error)
	MarkUsed(ctx context.Context, rangeID string, port int) error
	Release(ctx context.Context, rangeID string, port int) error
}

type BridgeStore interface {
	Create(ctx context.Context, b *models.Bridge) error
	GetByID(ctx context.Context, id string) (*models.Bridge, error)
	ListByStatus(ctx context.Context, status models.BridgeStatus) ([]*models.Bridge, error)
	ListByHost(ctx context.Context, hostID string, status models.BridgeStatus) ([]*models.Bridge, error)
	Update(ctx context.Context, b *models.Bridge, expected models.BridgeStatus) error
	Delete(ctx context.Context, id string) error
	CountByHostAndStatus(ctx context.Context) ([]models.StatusCount, error)
}

type OrderStore interface {
	Create(ctx context.Context, o *models.PurchaseOrder) error
	GetByID(ctx context.Context, id string) (*models.PurchaseOrder, error)
	UpdateStatus(ctx context.Context, id string, from, to models.OrderStatus, message string) error
	SetMessage(ctx context.Context, id, message string) error
	CountByStatus(ctx context.Context) ([]models.StatusCount, error)
	ListStale(ctx context.Context, statuses []models.OrderStatus, before time.Time) ([]*models.PurchaseOrder, error)
}

type InvoiceStore interface {
	Create(ctx context.Context, inv *models.Invoice) error
	GetByID(ctx context.Context, id string) (*models.Invoice, error)
	GetByPaymentHash(ctx context.Context, hash []byte) (*models.Invoice, error)
	ListByOrder(ctx context.Context, orderID string) ([]*models.Invoice, error)
	ListByStatus(ctx context.Context, status models.InvoiceStatus) ([]*models.Invoice, error)
	Update(ctx context.Context, inv *models.Invoice, expected models.InvoiceStatus) error
}

type DenyListStore interface {
	IsDenied(ctx context.Context, target string) (bool, error)
}

type RateStore interface {
	Insert(ctx context.Context, rate *models.FiatRate) error
	Average(ctx context.Context, fiat string, since time.Time) (int64, bool, error)
}

// AuditLog appends change log entries.
type AuditLog interface {
	LogAction(ctx context.Context, objectType, objectID, actor, message string) error
}

// NodeResolver finds lightning nodes and their clients.
type NodeResolver interface {
	First(ctx context.Context, ownerID string) (*models.LightningNode, error)
	All(ctx context.Context) ([]*models.LightningNode, error)
	Client(node *models.LightningNode) (lnnode.Client, error)
	ClientByID(ctx context.Context, id string) (*models.LightningNode, lnnode.Client, error)
	SetAlive(ctx context.Context, id string, alive bool) error
}

// ReachabilityChecker checks whether a bridge target speaks HTTPS.
type ReachabilityChecker interface {
	CheckHTTPS(ctx context.Context, target string) error
}

// QRGenerator renders content into an image and returns its media path.
type QRGenerator interface {
	Generate(ctx context.Context, name, content string) (string, error)
}

type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Provisioner is told when a bridge must be brought up or taken down on its host.
type Provisioner interface {
	ProcessActivation(ctx context.Context, b *models.Bridge) error
	ProcessSuspension(ctx context.Context, b *models.Bridge) error
}

// Scheduler enqueues background work.
type Scheduler interface {
	ScheduleOrderProcessing(ctx context.Context, orderID string) error
	ScheduleInvoiceSync(ctx context.Context, invoiceID string, attempt int, delay time.Duration) error
}

// Publisher announces invoice outcomes.
type Publisher interface {
	PublishInvoicePaid(ctx context.Context, ev events.InvoicePaid) error
	PublishInvoiceExpired(ctx context.Context, ev events.InvoiceExpired) error
}

// RateSource fetches current BTC prices in fiat cents.
type RateSource interface {
	Name() string
	FetchBTC(ctx context.Context, fiats []string) (map[string]int64, error)
}

func audit(ctx context.Context, a AuditLog, objectType, objectID, actor, message string) {
	if a == nil {
		return
	}
	if err := a.LogAction(ctx, objectType, objectID, actor, message); err != nil {
		logger("audit").Warn().Err(err).Str("object", objectType).Str("id", objectID).Msg("audit entry lost")
	}
}
