package models

import (
	"testing"
	"time"
)

func TestHostIsAlive(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-4 * time.Minute)
	stale := now.Add(-6 * time.Minute)

	tests := []struct {
		name   string
		date   *time.Time
		status CheckInStatus
		want   bool
	}{
		{"never checked in", nil, CheckInHello, false},
		{"recent hello", &recent, CheckInHello, true},
		{"stale hello", &stale, CheckInHello, false},
		{"recent goodbye", &recent, CheckInGoodbye, false},
		{"recent farewell", &recent, CheckInFarewell, false},
	}
	for _, tt := range tests {
		h := &Host{CheckInDate: tt.date, CheckInStatus: tt.status}
		if got := h.IsAlive(now); got != tt.want {
			t.Fatalf("%s: IsAlive = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestValidateTarget(t *testing.T) {
	tests := []struct {
		target  string
		wantErr string
	}{
		{"notonion.com:80", "must be .onion address"},
		{"abcdefghijklmnop.onion", "must be .onion address"},
		{"abcdefghijklmnop.onion:http", "must include a numeric port"},
		{"abcdefghijklmnop.onion:443", ""},
	}
	for _, tt := range tests {
		err := ValidateTarget(tt.target)
		if tt.wantErr == "" {
			if err != nil {
				t.Fatalf("ValidateTarget(%q) unexpected error: %v", tt.target, err)
			}
			continue
		}
		if err == nil || err.Error() != tt.wantErr {
			t.Fatalf("ValidateTarget(%q) = %v, want %q", tt.target, err, tt.wantErr)
		}
	}
}

func TestValidateProductFields(t *testing.T) {
	if err := ValidateProductFields(ProductRsshTunnel, "", "", ""); err == nil {
		t.Fatalf("expected missing public key to fail")
	}
	if err := ValidateProductFields(ProductRsshTunnel, "", "ssh-ed25519 AAAA", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	long := make([]byte, MaxCommentLength+1)
	for i := range long {
		long[i] = 'x'
	}
	if err := ValidateProductFields(ProductTorBridge, "a.onion:80", "", string(long)); err == nil {
		t.Fatalf("expected long comment to fail")
	}
	if err := ValidateProductFields(ProductTorBridge, "", "", ""); err == nil {
		t.Fatalf("expected missing target to fail")
	}
}

func TestOrderTotals(t *testing.T) {
	o := &PurchaseOrder{Items: []*PurchaseOrderItem{
		{Quantity: 1, PriceMsat: 25000},
		{Quantity: 2, PriceMsat: 1500},
	}}
	if got := o.TotalPriceMsat(); got != 28000 {
		t.Fatalf("TotalPriceMsat = %d, want 28000", got)
	}
	if got := o.TotalPriceSat(); got != 28 {
		t.Fatalf("TotalPriceSat = %d, want 28", got)
	}
}

func TestInvoiceAmounts(t *testing.T) {
	inv := &Invoice{AmountMsat: 25000}
	if got := inv.AmountFullSatoshi(); got != 25 {
		t.Fatalf("AmountFullSatoshi = %d", got)
	}
	if got := inv.AmountBTC(); got != "0.00000025" {
		t.Fatalf("AmountBTC = %s", got)
	}
	if got := IntWord(1_500_000); got != "1.5 million" {
		t.Fatalf("IntWord = %s", got)
	}
	if got := IntWord(999); got != "999" {
		t.Fatalf("IntWord = %s", got)
	}
}

func TestInvoiceHasExpired(t *testing.T) {
	now := time.Now()
	inv := &Invoice{}
	if inv.HasExpired(now) {
		t.Fatalf("invoice without expiry must not expire")
	}
	past := now.Add(-time.Second)
	inv.ExpiresAt = &past
	if !inv.HasExpired(now) {
		t.Fatalf("expected invoice to be expired")
	}
}

func TestPortRangeValidate(t *testing.T) {
	tests := []struct {
		start, end int
		ok         bool
	}{
		{10000, 10002, true},
		{10002, 10002, false},
		{9999, 10002, false},
		{60000, 65536, false},
	}
	for _, tt := range tests {
		r := &PortRange{Start: tt.start, End: tt.end}
		if err := r.Validate(); (err == nil) != tt.ok {
			t.Fatalf("Validate(%d-%d) = %v, want ok=%v", tt.start, tt.end, err, tt.ok)
		}
	}
	r := &PortRange{Start: 10000, End: 10019, UsedCount: 17}
	if r.Utilization() != 0.85 {
		t.Fatalf("Utilization = %f", r.Utilization())
	}
}

func TestNodeMacaroonFallback(t *testing.T) {
	n := &LightningNode{MacaroonAdmin: "aa"}
	if n.InvoiceMacaroon() != "aa" || n.ReadonlyMacaroon() != "aa" {
		t.Fatalf("expected admin macaroon fallback")
	}
	n.MacaroonInvoice = "bb"
	if n.InvoiceMacaroon() != "bb" {
		t.Fatalf("expected invoice macaroon")
	}
	n.Kind = NodeLndGRPC
	n.Hostname = "node.local"
	if got := n.Address(); got != "node.local:10009" {
		t.Fatalf("Address = %s", got)
	}
}

func TestValidateHostName(t *testing.T) {
	for _, name := range []string{"my_host", "www", "Shop"} {
		if ValidateHostName(name) == nil {
			t.Fatalf("expected %q to be rejected", name)
		}
	}
	if err := ValidateHostName("bridge1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
