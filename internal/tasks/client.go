package tasks

import (
	"context"
	"time"
)

// Client enqueues tasks on behalf of the services.
type Client struct {
	queue Queue
}

func NewClient(queue Queue) *Client {
	return &Client{queue: queue}
}

func (c *Client) enqueue(ctx context.Context, typ string, payload any, delay time.Duration) error {
	t, err := NewTask(typ, payload)
	if err != nil {
		return err
	}
	return c.queue.Enqueue(ctx, t, delay)
}

// ScheduleOrderProcessing queues the first processing attempt of an order.
func (c *Client) ScheduleOrderProcessing(ctx context.Context, orderID string) error {
	return c.enqueue(ctx, TypeOrderProcess, OrderPayload{OrderID: orderID, Attempt: 1}, 0)
}

func (c *Client) scheduleOrderRetry(ctx context.Context, orderID string, attempt int, delay time.Duration) error {
	return c.enqueue(ctx, TypeOrderProcess, OrderPayload{OrderID: orderID, Attempt: attempt}, delay)
}

// ScheduleInvoiceSync queues a poll of an invoice after delay.
func (c *Client) ScheduleInvoiceSync(ctx context.Context, invoiceID string, attempt int, delay time.Duration) error {
	return c.enqueue(ctx, TypeInvoiceSync, InvoiceSyncPayload{InvoiceID: invoiceID, Attempt: attempt}, delay)
}

// ScheduleBridgeDeletion queues the deletion of a bridge marked needs_delete.
func (c *Client) ScheduleBridgeDeletion(ctx context.Context, bridgeID string) error {
	return c.enqueue(ctx, TypeResourceDelete, BridgePayload{BridgeID: bridgeID}, 0)
}

// Trigger queues a payload-less maintenance task to run now.
func (c *Client) Trigger(ctx context.Context, typ string) error {
	return c.enqueue(ctx, typ, nil, 0)
}
