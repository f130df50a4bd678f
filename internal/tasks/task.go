// Package tasks runs the background work of the shop: order processing,
// invoice polling and the periodic maintenance jobs. Tasks are queued in
// redis and executed by a pool of workers.
package tasks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task types
const (
	TypeOrderProcess   = "order:process"
	TypeInvoiceSync    = "invoice:sync"
	TypeNodesAlive     = "nodes:check_alive"
	TypeBridgesSweep   = "bridges:sweep"
	TypeRatesFetch     = "rates:fetch"
	TypeMetricsUpdate  = "metrics:update"
	TypeResourceDelete = "bridges:delete"
	TypeInvoicesUnpaid = "invoices:sync_unpaid"
	TypeOrdersRecover  = "orders:recover"
)

// Priority selects the ready list a task waits in.
type Priority string

const (
	PriorityHigh    Priority = "high"
	PriorityDefault Priority = "default"
	PriorityLow     Priority = "low"
)

// priorities in dequeue order
var priorities = []Priority{PriorityHigh, PriorityDefault, PriorityLow}

func (p Priority) normalize() Priority {
	switch p {
	case PriorityHigh, PriorityLow:
		return p
	}
	return PriorityDefault
}

// priorityOf puts customer facing work ahead of maintenance.
func priorityOf(typ string) Priority {
	switch typ {
	case TypeOrderProcess, TypeInvoiceSync:
		return PriorityHigh
	case TypeRatesFetch, TypeMetricsUpdate:
		return PriorityLow
	}
	return PriorityDefault
}

// Task is one unit of queued work.
type Task struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Priority Priority        `json:"priority"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Enqueued time.Time       `json:"enqueued"`

	// raw is the encoded form the task was claimed as
	raw string
}

// NewTask builds a task with a JSON encoded payload. A nil payload is left empty.
func NewTask(typ string, payload any) (*Task, error) {
	t := &Task{ID: uuid.New().String(), Type: typ, Priority: priorityOf(typ), Enqueued: time.Now().UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", typ, err)
		}
		t.Payload = raw
	}
	return t, nil
}

// Decode unmarshals the payload into v.
func (t *Task) Decode(v any) error {
	if len(t.Payload) == 0 {
		return fmt.Errorf("task %s (%s) has no payload", t.ID, t.Type)
	}
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", t.Type, err)
	}
	return nil
}

// OrderPayload is carried by order:process tasks.
type OrderPayload struct {
	OrderID string `json:"order_id"`
	Attempt int    `json:"attempt"`
}

// InvoiceSyncPayload is carried by invoice:sync tasks.
type InvoiceSyncPayload struct {
	InvoiceID string `json:"invoice_id"`
	Attempt   int    `json:"attempt"`
}

// BridgePayload is carried by bridges:delete tasks.
type BridgePayload struct {
	BridgeID string `json:"bridge_id"`
}
