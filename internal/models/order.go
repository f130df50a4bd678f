package models

import "time"

// OrderStatus is the status of a purchase order
type OrderStatus string

const (
	OrderInitial           OrderStatus = "initial"
	OrderNeedsLocalChecks  OrderStatus = "needs_local_checks"
	OrderNeedsRemoteChecks OrderStatus = "needs_remote_checks"
	OrderNeedsInvoice      OrderStatus = "needs_invoice"
	OrderNeedsToBePaid     OrderStatus = "needs_to_be_paid"
	OrderPaid              OrderStatus = "paid"
	OrderFulfilled         OrderStatus = "fulfilled"
	OrderArchived          OrderStatus = "archived"
	OrderRejected          OrderStatus = "rejected"
	OrderNeedsRefund       OrderStatus = "needs_refund"
	OrderNeedsDelete       OrderStatus = "needs_delete"
)

// PurchaseOrder is the root aggregate of a purchase
type PurchaseOrder struct {
	ID        string
	OwnerID   *string
	Status    OrderStatus
	Message   string
	Items     []*PurchaseOrderItem
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PurchaseOrderItem is one line of an order
type PurchaseOrderItem struct {
	ID        string
	OrderID   string
	Position  int
	Quantity  int
	PriceMsat int64
	Product   ProductRef
}

// TotalMsat returns the item total in msat.
func (i *PurchaseOrderItem) TotalMsat() int64 {
	return int64(i.Quantity) * i.PriceMsat
}

// TotalPriceMsat sums quantity times price over all items.
func (o *PurchaseOrder) TotalPriceMsat() int64 {
	var total int64
	for _, item := range o.Items {
		total += item.TotalMsat()
	}
	return total
}

// TotalPriceSat is the total in full satoshi.
func (o *PurchaseOrder) TotalPriceSat() int64 {
	return o.TotalPriceMsat() / 1000
}
