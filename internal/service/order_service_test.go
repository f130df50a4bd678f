package service

import (
	"errors"
	"testing"
	"time"

	"github.com/ip2tor/shop/internal/lnnode"
	"github.com/ip2tor/shop/internal/models"
)

func TestProcessOrderCreatesOneInvoice(t *testing.T) {
	f := newFixture(t)
	order, inv := f.placeTorOrder("abcdefghijklmnop.onion:80")

	if order.Status != models.OrderNeedsToBePaid {
		t.Fatalf("expected needs_to_be_paid, got %s", order.Status)
	}
	if inv.AmountMsat != 25000 {
		t.Fatalf("expected 25000 msat, got %d", inv.AmountMsat)
	}
	if len(f.scheduler.orders) != 1 || f.scheduler.orders[0] != order.ID {
		t.Fatalf("order processing not scheduled: %v", f.scheduler.orders)
	}
	if len(f.scheduler.syncs) != 1 || f.scheduler.syncs[0].invoiceID != inv.ID || f.scheduler.syncs[0].attempt != 1 {
		t.Fatalf("invoice sync not scheduled: %+v", f.scheduler.syncs)
	}
	if len(f.reach.targets) != 1 {
		t.Fatalf("expected one https check, got %v", f.reach.targets)
	}

	// processing again is a no-op
	if err := f.orderSvc.Process(f.ctx, order.ID); err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	f.onlyInvoice(order.ID)
}

func TestCreateOrderRejectsNonOnionTarget(t *testing.T) {
	f := newFixture(t)
	_, err := f.orderSvc.CreateOrder(f.ctx, OrderInput{
		Product:     string(models.ProductTorBridge),
		HostID:      f.host.ID,
		TosAccepted: true,
		Target:      "notonion.com:80",
	})
	if !isValidation(err, "must be .onion address") {
		t.Fatalf("expected onion validation error, got %v", err)
	}
	if len(f.orders.orders) != 0 || len(f.invoices.invoices) != 0 || len(f.bridges.bridges) != 0 {
		t.Fatalf("rejected form left records behind")
	}
}

func TestCreateOrderValidation(t *testing.T) {
	tests := []struct {
		name   string
		input  OrderInput
		reason string
	}{
		{
			name:   "terms not accepted",
			input:  OrderInput{Product: "tor_bridge", HostID: "host-1", Target: "abc.onion:443"},
			reason: "Must accept Terms of Service (ToS): https://example.com/tos",
		},
		{
			name:   "unknown product",
			input:  OrderInput{Product: "vpn", HostID: "host-1", TosAccepted: true},
			reason: "unknown product",
		},
		{
			name:   "unknown host",
			input:  OrderInput{Product: "tor_bridge", HostID: "nope", TosAccepted: true, Target: "abc.onion:443"},
			reason: "unknown host",
		},
		{
			name:   "missing public key",
			input:  OrderInput{Product: "rssh_tunnel", HostID: "host-1", TosAccepted: true},
			reason: "public_key is required",
		},
		{
			name:   "comment too long",
			input:  OrderInput{Product: "tor_bridge", HostID: "host-1", TosAccepted: true, Target: "abc.onion:443", Comment: "0123456789012345678901234567890123456789012"},
			reason: "comment must be at most 42 characters",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.orderSvc.CreateOrder(f.ctx, tt.input)
			if !isValidation(err, tt.reason) {
				t.Fatalf("expected %q, got %v", tt.reason, err)
			}
		})
	}
}

func TestCreateOrderWithoutFreePort(t *testing.T) {
	f := newFixture(t)
	delete(f.ports.ranges, "range-rssh")

	_, err := f.orderSvc.CreateOrder(f.ctx, OrderInput{
		Product: "rssh_tunnel", HostID: "host-1", TosAccepted: true, PublicKey: "ssh-ed25519 AAAA",
	})
	if !isValidation(err, "no free port") {
		t.Fatalf("expected no free port error, got %v", err)
	}
	failed, _ := f.bridges.ListByStatus(f.ctx, models.BridgeFailed)
	if len(failed) != 1 || failed[0].Port != nil {
		t.Fatalf("expected one failed bridge without port, got %+v", failed)
	}
}

func TestProcessRejections(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		setup   func(f *fixture)
		message string
		wantErr error
	}{
		{
			name:    "deny list",
			target:  "denied.onion:443",
			setup:   func(f *fixture) { f.deny["denied.onion:443"] = true },
			message: MsgDenied,
		},
		{
			name:    "not https",
			target:  "plain.onion:80",
			setup:   func(f *fixture) { f.reach.err = errors.New("tls: first record does not look like a TLS handshake") },
			message: MsgNotHTTPS,
		},
		{
			name:    "host disabled after ordering",
			target:  "abc.onion:443",
			setup:   func(f *fixture) { h := *f.host; h.IsEnabled = false; f.hosts.put(&h) },
			message: MsgHostDisabled,
		},
		{
			name:    "no eligible node",
			target:  "abc.onion:443",
			setup:   func(f *fixture) { f.node.IsAlive = false },
			message: MsgNoNode,
			wantErr: ErrNoEligibleNode,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			order, err := f.orderSvc.CreateOrder(f.ctx, OrderInput{
				Product: "tor_bridge", HostID: "host-1", TosAccepted: true, Target: tt.target,
			})
			if err != nil {
				t.Fatalf("CreateOrder: %v", err)
			}
			tt.setup(f)

			err = f.orderSvc.Process(f.ctx, order.ID)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
			} else if err != nil {
				t.Fatalf("Process: %v", err)
			}

			got := f.reloadOrder(order.ID)
			if got.Status != models.OrderRejected || got.Message != tt.message {
				t.Fatalf("expected rejected %q, got %s %q", tt.message, got.Status, got.Message)
			}
			if len(f.invoices.invoices) != 0 {
				t.Fatalf("rejected order got an invoice")
			}
		})
	}
}

func TestProcessSkipsReachabilityForWhitelistedPort(t *testing.T) {
	f := newFixture(t)
	order, _ := f.placeTorOrder("lnnode1234567890.onion:9735")
	if order.Status != models.OrderNeedsToBePaid {
		t.Fatalf("unexpected status %s", order.Status)
	}
	if len(f.reach.targets) != 0 {
		t.Fatalf("whitelisted port was checked: %v", f.reach.targets)
	}
}

func TestProcessRejectsMultiItemOrders(t *testing.T) {
	f := newFixture(t)
	order := &models.PurchaseOrder{
		Status: models.OrderInitial,
		Items: []*models.PurchaseOrderItem{
			{Position: 0, Quantity: 1, PriceMsat: 1000, Product: models.ProductRef{Kind: models.ProductTorBridge, ID: "a"}},
			{Position: 1, Quantity: 1, PriceMsat: 1000, Product: models.ProductRef{Kind: models.ProductTorBridge, ID: "b"}},
		},
	}
	if err := f.orders.Create(f.ctx, order); err != nil {
		t.Fatal(err)
	}
	if err := f.orderSvc.Process(f.ctx, order.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := f.reloadOrder(order.ID); got.Status != models.OrderRejected || got.Message != MsgItemCount {
		t.Fatalf("expected multi-item rejection, got %s %q", got.Status, got.Message)
	}
}

func TestProcessResumesAfterNodeFailure(t *testing.T) {
	f := newFixture(t)
	order, err := f.orderSvc.CreateOrder(f.ctx, OrderInput{
		Product: "rssh_tunnel", HostID: "host-1", TosAccepted: true, PublicKey: "ssh-ed25519 AAAA",
	})
	if err != nil {
		t.Fatal(err)
	}

	f.fakeNode().SetFailure(&lnnode.TransportError{Op: "create", Err: errors.New("timeout")})
	err = f.orderSvc.Process(f.ctx, order.ID)
	if !lnnode.IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if got := f.reloadOrder(order.ID).Status; got != models.OrderNeedsInvoice {
		t.Fatalf("expected order to wait in needs_invoice, got %s", got)
	}

	f.fakeNode().SetFailure(nil)
	if err := f.orderSvc.Process(f.ctx, order.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := f.reloadOrder(order.ID).Status; got != models.OrderNeedsToBePaid {
		t.Fatalf("expected needs_to_be_paid, got %s", got)
	}
	invs, _ := f.invoices.ListByOrder(f.ctx, order.ID)
	unpaid := 0
	for _, inv := range invs {
		if inv.Status == models.InvoiceUnpaid {
			unpaid++
			if inv.AmountMsat != models.DefaultRsshTunnelPrice {
				t.Fatalf("unexpected amount %d", inv.AmountMsat)
			}
		}
	}
	if unpaid != 1 {
		t.Fatalf("expected one unpaid invoice, got %d of %d", unpaid, len(invs))
	}
	if len(f.reach.targets) != 0 {
		t.Fatalf("rssh tunnels must not be checked for reachability")
	}
}

func TestInvoiceCarriesAveragedRates(t *testing.T) {
	f := newFixture(t)
	for _, cents := range []int64{5000000, 5000100} {
		_ = f.rates.Insert(f.ctx, &models.FiatRate{Coin: "BTC", Fiat: "EUR", RateCents: cents})
	}
	_, inv := f.placeTorOrder("abcdefghijklmnop.onion:443")
	if inv.TaxCurrency != "EUR" || inv.TaxRateCents == nil || *inv.TaxRateCents != 5000050 {
		t.Fatalf("unexpected tax rate: %s %v", inv.TaxCurrency, inv.TaxRateCents)
	}
	if inv.InfoCurrency != "USD" || inv.InfoRateCents != nil {
		t.Fatalf("unexpected info rate: %s %v", inv.InfoCurrency, inv.InfoRateCents)
	}
}

func TestOperatorTransition(t *testing.T) {
	f := newFixture(t)
	order, inv := f.placeTorOrder("abcdefghijklmnop.onion:443")

	if _, err := f.orderSvc.OperatorTransition(f.ctx, order.ID, models.OrderNeedsRefund, models.ActorOperator, "refund"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("refund of unpaid order must fail, got %v", err)
	}
	if _, err := f.orderSvc.OperatorTransition(f.ctx, order.ID, models.OrderPaid, models.ActorOperator, ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("operators must not mark orders paid, got %v", err)
	}

	f.settle(inv)
	if _, err := f.invoiceSvc.Sync(f.ctx, inv.ID); err != nil {
		t.Fatal(err)
	}
	got, err := f.orderSvc.OperatorTransition(f.ctx, order.ID, models.OrderNeedsRefund, models.ActorOperator, "customer complaint")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if got.Status != models.OrderNeedsRefund || f.reloadOrder(order.ID).Message != "customer complaint" {
		t.Fatalf("unexpected order after refund: %+v", got)
	}
	if _, err := f.orderSvc.OperatorTransition(f.ctx, order.ID, models.OrderNeedsDelete, models.ActorOperator, "cleanup"); err != nil {
		t.Fatalf("needs_delete from any status: %v", err)
	}
}

func TestRecoverFulfillsOrderLeftPaid(t *testing.T) {
	f := newFixture(t)
	order, inv := f.placeTorOrder("abcdefghijklmnop.onion:443")
	bridgeID := order.Items[0].Product.ID

	f.bridges.failUpdates(errors.New("connection reset"))
	f.settle(inv)
	if _, err := f.invoiceSvc.Sync(f.ctx, inv.ID); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if got := f.reloadOrder(order.ID).Status; got != models.OrderPaid {
		t.Fatalf("order status = %s, want paid", got)
	}

	// too recent to be touched
	f.bridges.failUpdates(nil)
	if report, err := f.orderSvc.Recover(f.ctx); err != nil || report.Fulfilled != 0 {
		t.Fatalf("early recovery: %+v, %v", report, err)
	}

	f.clock.Advance(11 * time.Minute)
	report, err := f.orderSvc.Recover(f.ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if report.Fulfilled != 1 || report.Failures != 0 {
		t.Fatalf("report = %+v", report)
	}
	if got := f.reloadOrder(order.ID).Status; got != models.OrderFulfilled {
		t.Fatalf("order status = %s", got)
	}
	b := f.reloadBridge(bridgeID)
	if b.Status != models.BridgeNeedsActivate || b.LastInvoiceID == nil || *b.LastInvoiceID != inv.ID {
		t.Fatalf("bridge status %s, last invoice %v", b.Status, b.LastInvoiceID)
	}
}

func TestRecoverRequeuesStalledOrders(t *testing.T) {
	f := newFixture(t)
	order, err := f.orderSvc.CreateOrder(f.ctx, OrderInput{
		Product:     string(models.ProductTorBridge),
		HostID:      f.host.ID,
		TosAccepted: true,
		Target:      "abcdefghijklmnop.onion:443",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	scheduled := len(f.scheduler.orders)

	f.clock.Advance(11 * time.Minute)
	report, err := f.orderSvc.Recover(f.ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if report.Requeued != 1 {
		t.Fatalf("report = %+v", report)
	}
	if got := f.scheduler.orders[scheduled:]; len(got) != 1 || got[0] != order.ID {
		t.Fatalf("requeued %v", got)
	}
}
