package models

import (
	"time"
)

// Object types written to the change log
const (
	ObjectOrder   = "purchase_order"
	ObjectInvoice = "invoice"
	ObjectBridge  = "bridge"
	ObjectHost    = "host"
	ObjectNode    = "lightning_node"
)

// Actors recorded in the change log
const (
	ActorSystem   = "system"
	ActorWorker   = "worker"
	ActorCustomer = "customer"
	ActorHost     = "host"
	ActorOperator = "operator"
)

// ChangeLog is an append-only audit entry
type ChangeLog struct {
	ID         string
	ObjectType string
	ObjectID   string
	Actor      string
	Message    string
	CreatedAt  time.Time
}

// DenyListStatus ranks a deny list entry; values above 5 deny
type DenyListStatus int

const (
	DenyInitial     DenyListStatus = 0
	DenyProposed    DenyListStatus = 1
	DenyInReview    DenyListStatus = 2
	DenyNeutral     DenyListStatus = 4
	DenyRecommended DenyListStatus = 7
	DenyDenied      DenyListStatus = 9
)

// DenyListEntry is a target that may not be bridged
type DenyListEntry struct {
	ID        string
	Target    string
	Status    DenyListStatus
	Comment   string
	CreatedAt time.Time
}

// IsDenied reports whether the entry blocks its target.
func (e *DenyListEntry) IsDenied() bool {
	return e.Status > 5
}

// FiatRate is one observed BTC exchange rate in fiat cents
type FiatRate struct {
	ID        string
	Coin      string
	Fiat      string
	RateCents int64
	Source    string
	CreatedAt time.Time
}

// StatusCount is one row of a count-by-status aggregation
type StatusCount struct {
	HostID string
	Status string
	Count  int
}
