package lnnode

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

type fakeInvoice struct {
	preimage   []byte
	request    string
	amountMsat int64
	createdAt  time.Time
	expiry     time.Duration
	settledAt  *time.Time
	settleIdx  uint64
}

// FakeNode is an in-memory node for development setups and tests.
// Invoices are settled by calling Settle.
type FakeNode struct {
	mu       sync.Mutex
	alias    string
	alive    bool
	failure  error
	invoices map[string]*fakeInvoice
	settled  []string
	subs     map[chan SettledInvoice]chan error
	now      func() time.Time
}

func NewFakeNode(alias string) *FakeNode {
	return &FakeNode{
		alias:    alias,
		alive:    true,
		invoices: make(map[string]*fakeInvoice),
		subs:     make(map[chan SettledInvoice]chan error),
		now:      time.Now,
	}
}

// SetClock replaces the time source.
func (f *FakeNode) SetClock(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

// SetAlive controls the CheckAlive result.
func (f *FakeNode) SetAlive(alive bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = alive
}

// SetFailure makes CreateInvoice and LookupInvoice return err until reset with nil.
func (f *FakeNode) SetFailure(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failure = err
}

func (f *FakeNode) GetInfo(ctx context.Context) (*Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sum := sha256.Sum256([]byte(f.alias))
	return &Info{
		IdentityPubkey: "02" + hex.EncodeToString(sum[:]),
		Alias:          f.alias,
		SyncedToChain:  true,
		Version:        "fake",
	}, nil
}

func (f *FakeNode) CreateInvoice(ctx context.Context, memo string, amountMsat int64, expiry time.Duration) (*CreatedInvoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failure != nil {
		return nil, f.failure
	}

	preimage := make([]byte, 32)
	if _, err := rand.Read(preimage); err != nil {
		return nil, fmt.Errorf("fake preimage: %w", err)
	}
	hash := sha256.Sum256(preimage)
	key := hex.EncodeToString(hash[:])

	inv := &fakeInvoice{
		preimage:   preimage,
		request:    fmt.Sprintf("lnbcrt%dn1fake%s", amountMsat/100, key[:24]),
		amountMsat: amountMsat,
		createdAt:  f.now().UTC().Truncate(time.Second),
		expiry:     expiry,
	}
	f.invoices[key] = inv

	return &CreatedInvoice{
		PaymentHash:    hash[:],
		PaymentRequest: inv.request,
		CreatedAt:      inv.createdAt,
		Expiry:         expiry,
	}, nil
}

func (f *FakeNode) LookupInvoice(ctx context.Context, paymentHash []byte) (*LookedUpInvoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failure != nil {
		return nil, f.failure
	}

	inv, ok := f.invoices[hex.EncodeToString(paymentHash)]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	created := inv.createdAt
	res := &LookedUpInvoice{
		PaymentRequest: inv.request,
		CreatedAt:      &created,
		Expiry:         inv.expiry,
		AmountMsat:     inv.amountMsat,
	}
	if inv.settledAt != nil {
		settled := *inv.settledAt
		res.Settled = true
		res.SettledAt = &settled
		res.Preimage = append([]byte(nil), inv.preimage...)
	}
	return res, nil
}

// Settle marks an invoice as paid and notifies stream subscribers.
func (f *FakeNode) Settle(paymentHash []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := hex.EncodeToString(paymentHash)
	inv, ok := f.invoices[key]
	if !ok {
		return ErrInvoiceNotFound
	}
	if inv.settledAt != nil {
		return nil
	}
	now := f.now().UTC().Truncate(time.Second)
	inv.settledAt = &now
	f.settled = append(f.settled, key)
	inv.settleIdx = uint64(len(f.settled))

	ev := inv.event(paymentHash)
	for ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

// DropStreams ends every open settlement stream with a transport error.
func (f *FakeNode) DropStreams() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, stop := range f.subs {
		select {
		case stop <- &TransportError{Op: "subscribe_invoices", Err: errors.New("stream reset")}:
		default:
		}
	}
}

func (f *FakeNode) StreamSettled(ctx context.Context, afterIndex uint64) (<-chan SettledInvoice, <-chan error, error) {
	f.mu.Lock()
	var replay []SettledInvoice
	for i := afterIndex; afterIndex > 0 && i < uint64(len(f.settled)); i++ {
		hash, _ := hex.DecodeString(f.settled[i])
		replay = append(replay, f.invoices[f.settled[i]].event(hash))
	}
	ch := make(chan SettledInvoice, 16+len(replay))
	for _, ev := range replay {
		ch <- ev
	}
	stop := make(chan error, 1)
	f.subs[ch] = stop
	f.mu.Unlock()

	errs := make(chan error, 1)
	go func() {
		var err error
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case err = <-stop:
		}
		f.mu.Lock()
		delete(f.subs, ch)
		f.mu.Unlock()
		errs <- err
		close(ch)
		close(errs)
	}()
	return ch, errs, nil
}

func (inv *fakeInvoice) event(paymentHash []byte) SettledInvoice {
	return SettledInvoice{
		PaymentHash: append([]byte(nil), paymentHash...),
		Preimage:    append([]byte(nil), inv.preimage...),
		SettledAt:   *inv.settledAt,
		AmountMsat:  inv.amountMsat,
		SettleIndex: inv.settleIdx,
	}
}

func (f *FakeNode) CheckAlive(ctx context.Context) (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.alive {
		return false, "fake node switched off"
	}
	return true, "ok"
}

func (f *FakeNode) Close() error { return nil }
