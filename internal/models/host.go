package models

import (
	"errors"
	"strings"
	"time"
)

// CheckInStatus is the status a host reports on check-in.
type CheckInStatus int

const (
	CheckInHello    CheckInStatus = 0
	CheckInGoodbye  CheckInStatus = 1
	CheckInFarewell CheckInStatus = 2
)

// HostAliveWindow is how long a hello check-in keeps a host alive.
const HostAliveWindow = 5 * time.Minute

// Host defaults (prices in msat, duration in seconds)
const (
	DefaultTorBridgeDuration       = 86400
	DefaultTorBridgePriceInitial   = 25000
	DefaultTorBridgePriceExtension = 20000
	DefaultRsshTunnelPrice         = 1000
)

var reservedHostNames = map[string]bool{"www": true, "shop": true}

// ParseCheckInStatus accepts the names used by the host agents.
func ParseCheckInStatus(s string) (CheckInStatus, error) {
	switch strings.ToLower(s) {
	case "hello", "0":
		return CheckInHello, nil
	case "goodbye", "1":
		return CheckInGoodbye, nil
	case "farewell", "2":
		return CheckInFarewell, nil
	}
	return 0, errors.New("ci_status must be one of hello, goodbye, farewell")
}

func (s CheckInStatus) String() string {
	switch s {
	case CheckInHello:
		return "hello"
	case CheckInGoodbye:
		return "goodbye"
	case CheckInFarewell:
		return "farewell"
	}
	return "unknown"
}

// Owner is the operator owning hosts and lightning nodes
type Owner struct {
	ID    string
	Name  string
	Email string
}

// Host is a machine offering bridge and tunnel capacity
type Host struct {
	ID      string
	IP      string
	Name    string
	OwnerID string

	IsEnabled         bool
	OffersTorBridges  bool
	OffersRsshTunnels bool

	TorBridgeDuration       int64 // seconds, 0 means never suspend
	TorBridgePriceInitial   int64 // msat
	TorBridgePriceExtension int64 // msat
	RsshTunnelPrice         int64 // msat

	TermsOfService    string
	TermsOfServiceURL string

	CheckInDate    *time.Time
	CheckInStatus  CheckInStatus
	CheckInMessage string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsAlive reports whether the host said hello within the alive window.
func (h *Host) IsAlive(now time.Time) bool {
	if h.CheckInDate == nil {
		return false
	}
	return now.Sub(*h.CheckInDate) < HostAliveWindow && h.CheckInStatus == CheckInHello
}

// Offers reports whether the host sells the given product kind.
func (h *Host) Offers(kind ProductKind) bool {
	switch kind {
	case ProductTorBridge:
		return h.OffersTorBridges
	case ProductRsshTunnel:
		return h.OffersRsshTunnels
	}
	return false
}

// InitialPrice is the price of a new resource of the given kind.
func (h *Host) InitialPrice(kind ProductKind) int64 {
	if kind == ProductRsshTunnel {
		return h.RsshTunnelPrice
	}
	return h.TorBridgePriceInitial
}

// ExtensionPrice is the price for extending an existing resource.
func (h *Host) ExtensionPrice(kind ProductKind) int64 {
	if kind == ProductRsshTunnel {
		return h.RsshTunnelPrice
	}
	return h.TorBridgePriceExtension
}

// Duration returns the bridge duration; zero means unlimited.
func (h *Host) Duration() time.Duration {
	return time.Duration(h.TorBridgeDuration) * time.Second
}

// ValidateHostName rejects names that cannot be used as a subdomain.
func ValidateHostName(name string) error {
	if strings.Contains(name, "_") {
		return errors.New("host name must not contain an underscore")
	}
	if reservedHostNames[strings.ToLower(name)] {
		return errors.New("host name is reserved")
	}
	return nil
}
