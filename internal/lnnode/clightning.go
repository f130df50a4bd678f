package lnnode

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ip2tor/shop/internal/models"
)

// msatValue decodes amounts given either as a number or as "1000msat".
type msatValue int64

func (m *msatValue) UnmarshalJSON(b []byte) error {
	s := strings.TrimSuffix(strings.Trim(string(b), `"`), "msat")
	if s == "" || s == "null" {
		*m = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*m = msatValue(v)
	return nil
}

type clnInvoice struct {
	Label           string    `json:"label"`
	Bolt11          string    `json:"bolt11"`
	PaymentHash     string    `json:"payment_hash"`
	PaymentPreimage string    `json:"payment_preimage"`
	Status          string    `json:"status"`
	ExpiresAt       int64     `json:"expires_at"`
	PaidAt          int64     `json:"paid_at"`
	PayIndex        uint64    `json:"pay_index"`
	AmountMsat      msatValue `json:"amount_msat"`
	AmountRecvMsat  msatValue `json:"amount_received_msat"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// CLightning talks to Core Lightning over its JSON-RPC unix socket.
type CLightning struct {
	node   *models.LightningNode
	nextID atomic.Int64
}

func NewCLightning(node *models.LightningNode) (*CLightning, error) {
	if node.SocketPath == "" {
		return nil, fmt.Errorf("%w: clightning node %s needs a socket path", ErrNotConfigured, node.Name)
	}
	return &CLightning{node: node}, nil
}

func (c *CLightning) call(ctx context.Context, method string, params map[string]any, out any) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.node.SocketPath)
	if err != nil {
		return &TransportError{Op: method, Err: err}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if params == nil {
		params = map[string]any{}
	}
	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      c.nextID.Add(1),
		"method":  method,
		"params":  params,
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return &TransportError{Op: method, Err: err}
	}

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return &TransportError{Op: method, Err: err}
	}
	if resp.Error != nil {
		return fmt.Errorf("%s: clightning error %d: %s", method, resp.Error.Code, resp.Error.Message)
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

func (c *CLightning) GetInfo(ctx context.Context) (*Info, error) {
	var r struct {
		ID                  string `json:"id"`
		Alias               string `json:"alias"`
		NumPeers            int    `json:"num_peers"`
		NumActiveChannels   int    `json:"num_active_channels"`
		BlockHeight         int64  `json:"blockheight"`
		Version             string `json:"version"`
		WarningBitcoindSync string `json:"warning_bitcoind_sync"`
	}
	if err := c.call(ctx, "getinfo", nil, &r); err != nil {
		return nil, err
	}
	return &Info{
		IdentityPubkey:    r.ID,
		Alias:             r.Alias,
		NumPeers:          r.NumPeers,
		NumActiveChannels: r.NumActiveChannels,
		BlockHeight:       r.BlockHeight,
		SyncedToChain:     r.WarningBitcoindSync == "",
		Version:           r.Version,
	}, nil
}

func (c *CLightning) CreateInvoice(ctx context.Context, memo string, amountMsat int64, expiry time.Duration) (*CreatedInvoice, error) {
	var r struct {
		PaymentHash string `json:"payment_hash"`
		Bolt11      string `json:"bolt11"`
		ExpiresAt   int64  `json:"expires_at"`
	}
	params := map[string]any{
		"amount_msat": amountMsat,
		"label":       "ip2tor-" + uuid.New().String(),
		"description": memo,
		"expiry":      int64(expiry / time.Second),
	}
	if err := c.call(ctx, "invoice", params, &r); err != nil {
		return nil, err
	}
	hash, err := hex.DecodeString(r.PaymentHash)
	if err != nil {
		return nil, fmt.Errorf("invoice: decode payment hash: %w", err)
	}
	return &CreatedInvoice{
		PaymentHash:    hash,
		PaymentRequest: r.Bolt11,
		CreatedAt:      time.Unix(r.ExpiresAt, 0).Add(-expiry).UTC(),
		Expiry:         expiry,
	}, nil
}

func (c *CLightning) LookupInvoice(ctx context.Context, paymentHash []byte) (*LookedUpInvoice, error) {
	var r struct {
		Invoices []clnInvoice `json:"invoices"`
	}
	params := map[string]any{"payment_hash": hex.EncodeToString(paymentHash)}
	if err := c.call(ctx, "listinvoices", params, &r); err != nil {
		return nil, err
	}
	if len(r.Invoices) == 0 {
		return nil, fmt.Errorf("listinvoices: %w", ErrInvoiceNotFound)
	}
	inv := r.Invoices[0]

	res := &LookedUpInvoice{
		Settled:        inv.Status == "paid",
		PaymentRequest: inv.Bolt11,
		AmountMsat:     int64(inv.AmountMsat),
	}
	if res.Settled {
		res.SettledAt = unixTime(inv.PaidAt)
		if pre, err := hex.DecodeString(inv.PaymentPreimage); err == nil {
			res.Preimage = pre
		}
	}
	return res, nil
}

// StreamSettled follows waitanyinvoice from afterIndex, or from the
// current pay index when afterIndex is zero.
func (c *CLightning) StreamSettled(ctx context.Context, afterIndex uint64) (<-chan SettledInvoice, <-chan error, error) {
	last := afterIndex
	if last == 0 {
		var start struct {
			Invoices []clnInvoice `json:"invoices"`
		}
		if err := c.call(ctx, "listinvoices", nil, &start); err != nil {
			return nil, nil, err
		}
		for _, inv := range start.Invoices {
			if inv.PayIndex > last {
				last = inv.PayIndex
			}
		}
	}

	out := make(chan SettledInvoice)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errs)
		for {
			var inv clnInvoice
			if err := c.call(ctx, "waitanyinvoice", map[string]any{"lastpay_index": last}, &inv); err != nil {
				if ctx.Err() != nil {
					err = ctx.Err()
				}
				errs <- err
				return
			}
			last = inv.PayIndex
			if inv.Status != "paid" {
				continue
			}
			hash, err := hex.DecodeString(inv.PaymentHash)
			if err != nil {
				continue
			}
			pre, _ := hex.DecodeString(inv.PaymentPreimage)
			ev := SettledInvoice{
				PaymentHash: hash,
				Preimage:    pre,
				SettledAt:   time.Unix(inv.PaidAt, 0).UTC(),
				AmountMsat:  int64(inv.AmountRecvMsat),
				SettleIndex: inv.PayIndex,
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return out, errs, nil
}

func (c *CLightning) CheckAlive(ctx context.Context) (bool, string) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := c.GetInfo(ctx); err != nil {
		return false, err.Error()
	}
	return true, "ok"
}

func (c *CLightning) Close() error { return nil }
