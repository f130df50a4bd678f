// Package events carries invoice outcomes from the invoice lifecycle to the
// order and bridge lifecycles. Subscribers are registered explicitly at
// startup and run synchronously in registration order.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// InvoicePaid is published once, after an invoice was stored as paid.
type InvoicePaid struct {
	InvoiceID  string
	OrderID    string
	AmountMsat int64
	PaidAt     time.Time
}

// InvoiceExpired is published once, after an invoice was stored as expired.
type InvoiceExpired struct {
	InvoiceID string
	OrderID   string
	ExpiredAt time.Time
}

type subscription[T any] struct {
	name string
	fn   func(context.Context, T) error
}

// Bus dispatches events to the subscribers registered for them.
type Bus struct {
	mu      sync.RWMutex
	paid    []subscription[InvoicePaid]
	expired []subscription[InvoiceExpired]
}

func NewBus() *Bus {
	return &Bus{}
}

// OnInvoicePaid registers fn for InvoicePaid events.
func (b *Bus) OnInvoicePaid(name string, fn func(context.Context, InvoicePaid) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paid = append(b.paid, subscription[InvoicePaid]{name: name, fn: fn})
}

// OnInvoiceExpired registers fn for InvoiceExpired events.
func (b *Bus) OnInvoiceExpired(name string, fn func(context.Context, InvoiceExpired) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expired = append(b.expired, subscription[InvoiceExpired]{name: name, fn: fn})
}

// PublishInvoicePaid runs every InvoicePaid subscriber. A failing
// subscriber does not stop the ones after it; all failures are returned.
func (b *Bus) PublishInvoicePaid(ctx context.Context, ev InvoicePaid) error {
	b.mu.RLock()
	subs := append([]subscription[InvoicePaid](nil), b.paid...)
	b.mu.RUnlock()
	return publish(ctx, "invoice_paid", subs, ev)
}

// PublishInvoiceExpired runs every InvoiceExpired subscriber.
func (b *Bus) PublishInvoiceExpired(ctx context.Context, ev InvoiceExpired) error {
	b.mu.RLock()
	subs := append([]subscription[InvoiceExpired](nil), b.expired...)
	b.mu.RUnlock()
	return publish(ctx, "invoice_expired", subs, ev)
}

func publish[T any](ctx context.Context, event string, subs []subscription[T], ev T) error {
	var errs []error
	for _, sub := range subs {
		if err := sub.fn(ctx, ev); err != nil {
			log.Error().Err(err).Str("component", "events").Str("event", event).
				Str("subscriber", sub.name).Msg("subscriber failed")
			errs = append(errs, fmt.Errorf("%s: %w", sub.name, err))
		}
	}
	return errors.Join(errs...)
}
