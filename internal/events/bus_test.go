package events

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestPublishInvoicePaidRunsSubscribersInOrder(t *testing.T) {
	bus := NewBus()
	var calls []string
	bus.OnInvoicePaid("orders", func(ctx context.Context, ev InvoicePaid) error {
		calls = append(calls, "orders:"+ev.OrderID)
		return errors.New("boom")
	})
	bus.OnInvoicePaid("bridges", func(ctx context.Context, ev InvoicePaid) error {
		calls = append(calls, "bridges:"+ev.OrderID)
		return nil
	})

	err := bus.PublishInvoicePaid(context.Background(), InvoicePaid{InvoiceID: "i1", OrderID: "o1"})
	if err == nil || !strings.Contains(err.Error(), "orders: boom") {
		t.Fatalf("expected joined subscriber error, got %v", err)
	}
	if len(calls) != 2 || calls[0] != "orders:o1" || calls[1] != "bridges:o1" {
		t.Fatalf("unexpected call order: %v", calls)
	}
}

func TestPublishInvoiceExpiredWithoutSubscribers(t *testing.T) {
	bus := NewBus()
	if err := bus.PublishInvoiceExpired(context.Background(), InvoiceExpired{InvoiceID: "i1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
