package lnnode

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"

	"github.com/ip2tor/shop/internal/models"
)

const maxGRPCMsgSize = 50 * 1024 * 1024

// macaroonCredential attaches a hex macaroon to every RPC as lnd expects.
type macaroonCredential struct {
	macaroon string
}

func (m macaroonCredential) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"macaroon": m.macaroon}, nil
}

func (m macaroonCredential) RequireTransportSecurity() bool {
	return true
}

// LndGRPC talks to lnd over its gRPC API. Invoice calls use the invoice
// macaroon, GetInfo the readonly one.
type LndGRPC struct {
	node     *models.LightningNode
	conn     *grpc.ClientConn
	ln       lnrpc.LightningClient
	invoice  grpc.CallOption
	readonly grpc.CallOption
}

func NewLndGRPC(node *models.LightningNode) (*LndGRPC, error) {
	if node.Hostname == "" || node.MacaroonAdmin == "" {
		return nil, fmt.Errorf("%w: lnd node %s needs hostname and admin macaroon", ErrNotConfigured, node.Name)
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if node.TLSCert != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(node.TLSCert)) {
			return nil, fmt.Errorf("%w: invalid tls certificate for node %s", ErrNotConfigured, node.Name)
		}
		tlsCfg.RootCAs = pool
	} else if !node.TLSVerify {
		tlsCfg.InsecureSkipVerify = true
	}

	conn, err := grpc.NewClient(node.Address(),
		grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxGRPCMsgSize)),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc client for %s: %w", node.Address(), err)
	}

	return &LndGRPC{
		node:     node,
		conn:     conn,
		ln:       lnrpc.NewLightningClient(conn),
		invoice:  grpc.PerRPCCredentials(macaroonCredential{macaroon: node.InvoiceMacaroon()}),
		readonly: grpc.PerRPCCredentials(macaroonCredential{macaroon: node.ReadonlyMacaroon()}),
	}, nil
}

func (c *LndGRPC) GetInfo(ctx context.Context) (*Info, error) {
	resp, err := c.ln.GetInfo(ctx, &lnrpc.GetInfoRequest{}, c.readonly)
	if err != nil {
		return nil, mapGRPCError("get_info", err)
	}
	return &Info{
		IdentityPubkey:    resp.IdentityPubkey,
		Alias:             resp.Alias,
		NumPeers:          int(resp.NumPeers),
		NumActiveChannels: int(resp.NumActiveChannels),
		BlockHeight:       int64(resp.BlockHeight),
		SyncedToChain:     resp.SyncedToChain,
		Version:           resp.Version,
	}, nil
}

func (c *LndGRPC) CreateInvoice(ctx context.Context, memo string, amountMsat int64, expiry time.Duration) (*CreatedInvoice, error) {
	resp, err := c.ln.AddInvoice(ctx, &lnrpc.Invoice{
		Memo:      memo,
		ValueMsat: amountMsat,
		Expiry:    int64(expiry / time.Second),
	}, c.invoice)
	if err != nil {
		return nil, mapGRPCError("add_invoice", err)
	}

	created := &CreatedInvoice{
		PaymentHash:    resp.RHash,
		PaymentRequest: resp.PaymentRequest,
		CreatedAt:      time.Now().UTC().Truncate(time.Second),
		Expiry:         expiry,
	}
	// the creation date is only known to the node
	if inv, err := c.LookupInvoice(ctx, resp.RHash); err == nil && inv.CreatedAt != nil {
		created.CreatedAt = *inv.CreatedAt
		created.Expiry = inv.Expiry
	}
	return created, nil
}

func (c *LndGRPC) LookupInvoice(ctx context.Context, paymentHash []byte) (*LookedUpInvoice, error) {
	inv, err := c.ln.LookupInvoice(ctx, &lnrpc.PaymentHash{RHash: paymentHash}, c.invoice)
	if err != nil {
		return nil, mapGRPCError("lookup_invoice", err)
	}
	return lookedUpFromRPC(inv), nil
}

func lookedUpFromRPC(inv *lnrpc.Invoice) *LookedUpInvoice {
	res := &LookedUpInvoice{
		Settled:        inv.State == lnrpc.Invoice_SETTLED,
		PaymentRequest: inv.PaymentRequest,
		CreatedAt:      unixTime(inv.CreationDate),
		Expiry:         time.Duration(inv.Expiry) * time.Second,
		AmountMsat:     inv.ValueMsat,
	}
	if res.Settled {
		res.SettledAt = unixTime(inv.SettleDate)
		res.Preimage = inv.RPreimage
	}
	return res
}

func (c *LndGRPC) StreamSettled(ctx context.Context, afterIndex uint64) (<-chan SettledInvoice, <-chan error, error) {
	stream, err := c.ln.SubscribeInvoices(ctx, &lnrpc.InvoiceSubscription{SettleIndex: afterIndex}, c.invoice)
	if err != nil {
		return nil, nil, mapGRPCError("subscribe_invoices", err)
	}

	out := make(chan SettledInvoice)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errs)
		for {
			inv, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = &TransportError{Op: "subscribe_invoices", Err: io.ErrUnexpectedEOF}
				}
				errs <- mapGRPCError("subscribe_invoices", err)
				return
			}
			if inv.State != lnrpc.Invoice_SETTLED {
				continue
			}
			ev := SettledInvoice{
				PaymentHash: inv.RHash,
				Preimage:    inv.RPreimage,
				SettledAt:   time.Unix(inv.SettleDate, 0).UTC(),
				AmountMsat:  inv.AmtPaidMsat,
				SettleIndex: inv.SettleIndex,
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

func (c *LndGRPC) CheckAlive(ctx context.Context) (bool, string) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := c.GetInfo(ctx); err != nil {
		return false, err.Error()
	}
	return true, "ok"
}

func (c *LndGRPC) Close() error {
	return c.conn.Close()
}

func mapGRPCError(op string, err error) error {
	var te *TransportError
	if errors.As(err, &te) || errors.Is(err, context.Canceled) {
		return err
	}
	st, ok := status.FromError(err)
	if !ok {
		return &TransportError{Op: op, Err: err}
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%s: %w", op, ErrInvoiceNotFound)
	case codes.Unauthenticated, codes.PermissionDenied:
		return fmt.Errorf("%s: %w: %s", op, ErrAuth, st.Message())
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return &TransportError{Op: op, Err: err}
	case codes.Unimplemented:
		return fmt.Errorf("%s: %w", op, ErrNotSupported)
	}
	if strings.Contains(st.Message(), "unable to locate invoice") {
		return fmt.Errorf("%s: %w", op, ErrInvoiceNotFound)
	}
	return fmt.Errorf("%s: %s", op, st.Message())
}
