package models

import (
	"fmt"
	"time"
)

// NodeKind selects the lightning backend implementation
type NodeKind string

const (
	NodeFake       NodeKind = "fake"
	NodeLndGRPC    NodeKind = "lnd_grpc"
	NodeLndREST    NodeKind = "lnd_rest"
	NodeCLightning NodeKind = "clightning"
)

// Default ports of the lnd APIs
const (
	DefaultLndGRPCPort = 10009
	DefaultLndRESTPort = 8080
)

// LightningNode holds the connection settings of one lightning node
type LightningNode struct {
	ID        string
	Name      string
	OwnerID   string
	Kind      NodeKind
	Priority  int
	IsEnabled bool
	IsAlive   bool

	Hostname   string
	Port       int
	TLSCert    string // PEM
	TLSVerify  bool
	SocketPath string // clightning rpc socket

	MacaroonAdmin    string // hex
	MacaroonInvoice  string
	MacaroonReadonly string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// InvoiceMacaroon falls back to the admin macaroon.
func (n *LightningNode) InvoiceMacaroon() string {
	if n.MacaroonInvoice != "" {
		return n.MacaroonInvoice
	}
	return n.MacaroonAdmin
}

// ReadonlyMacaroon falls back to the admin macaroon.
func (n *LightningNode) ReadonlyMacaroon() string {
	if n.MacaroonReadonly != "" {
		return n.MacaroonReadonly
	}
	return n.MacaroonAdmin
}

// Address returns host:port, using the default port of the backend if unset.
func (n *LightningNode) Address() string {
	port := n.Port
	if port == 0 {
		switch n.Kind {
		case NodeLndGRPC:
			port = DefaultLndGRPCPort
		case NodeLndREST:
			port = DefaultLndRESTPort
		}
	}
	return fmt.Sprintf("%s:%d", n.Hostname, port)
}

// Eligible reports whether invoices may be created on this node.
func (n *LightningNode) Eligible() bool {
	return n.IsEnabled && n.IsAlive
}
