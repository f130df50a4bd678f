package models

import (
	"encoding/hex"
	"fmt"
	"time"
)

// InvoiceStatus is the status of a lightning invoice
type InvoiceStatus int

const (
	InvoiceInitial InvoiceStatus = 0
	InvoiceUnpaid  InvoiceStatus = 1
	InvoicePaid    InvoiceStatus = 2
	InvoiceExpired InvoiceStatus = 3
)

func (s InvoiceStatus) String() string {
	switch s {
	case InvoiceInitial:
		return "initial"
	case InvoiceUnpaid:
		return "unpaid"
	case InvoicePaid:
		return "paid"
	case InvoiceExpired:
		return "expired"
	}
	return "unknown"
}

// Terminal reports whether no further status change is allowed.
func (s InvoiceStatus) Terminal() bool {
	return s == InvoicePaid || s == InvoiceExpired
}

// Invoice wraps a lightning invoice created for a purchase order
type Invoice struct {
	ID             string
	OrderID        string
	NodeID         string
	Label          string
	Memo           string
	AmountMsat     int64
	PaymentHash    []byte
	PaymentRequest string
	Preimage       []byte
	ExpirySeconds  int64
	ExpiresAt      *time.Time
	CreatedAtNode  *time.Time
	PaidAt         *time.Time
	Status         InvoiceStatus
	QRImagePath    string

	TaxCurrency   string
	TaxRateCents  *int64
	InfoCurrency  string
	InfoRateCents *int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasExpired reports whether the expiry timestamp has passed.
func (i *Invoice) HasExpired(now time.Time) bool {
	return i.ExpiresAt != nil && now.After(*i.ExpiresAt)
}

// AmountFullSatoshi is the amount in whole satoshi.
func (i *Invoice) AmountFullSatoshi() int64 {
	return i.AmountMsat / 1000
}

// AmountBTC formats the amount in bitcoin with eight decimals.
func (i *Invoice) AmountBTC() string {
	return fmt.Sprintf("%.8f", float64(i.AmountMsat)/1e11)
}

// AmountHuman is a readable amount, e.g. "25 sat" or "1.5 million sat".
func (i *Invoice) AmountHuman() string {
	return IntWord(i.AmountFullSatoshi()) + " sat"
}

// PaymentHashHex returns the hex encoded payment hash.
func (i *Invoice) PaymentHashHex() string {
	return hex.EncodeToString(i.PaymentHash)
}

// IntWord converts large integers to a friendly text representation.
func IntWord(n int64) string {
	v := float64(n)
	switch {
	case n >= 1_000_000_000_000:
		return fmt.Sprintf("%.1f trillion", v/1e12)
	case n >= 1_000_000_000:
		return fmt.Sprintf("%.1f billion", v/1e9)
	case n >= 1_000_000:
		return fmt.Sprintf("%.1f million", v/1e6)
	}
	return fmt.Sprintf("%d", n)
}
