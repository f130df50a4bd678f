package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ProductKind tags the purchasable resource variants
type ProductKind string

const (
	ProductTorBridge  ProductKind = "tor_bridge"
	ProductRsshTunnel ProductKind = "rssh_tunnel"
)

// ParseProductKind validates a product name from the API.
func ParseProductKind(s string) (ProductKind, error) {
	switch ProductKind(s) {
	case ProductTorBridge, ProductRsshTunnel:
		return ProductKind(s), nil
	}
	return "", fmt.Errorf("unknown product %q", s)
}

// ProductRef points at the resource an order item buys.
type ProductRef struct {
	Kind ProductKind
	ID   string
}

// BridgeStatus is the lifecycle status of a bridge or tunnel
type BridgeStatus string

const (
	BridgeInitial       BridgeStatus = "initial"
	BridgeNeedsActivate BridgeStatus = "needs_activate"
	BridgeActive        BridgeStatus = "active"
	BridgeNeedsSuspend  BridgeStatus = "needs_suspend"
	BridgeSuspended     BridgeStatus = "suspended"
	BridgeArchived      BridgeStatus = "archived"
	BridgeNeedsDelete   BridgeStatus = "needs_delete"
	BridgeFailed        BridgeStatus = "failed"
)

// Valid reports whether s is a known status.
func (s BridgeStatus) Valid() bool {
	switch s {
	case BridgeInitial, BridgeNeedsActivate, BridgeActive, BridgeNeedsSuspend,
		BridgeSuspended, BridgeArchived, BridgeNeedsDelete, BridgeFailed:
		return true
	}
	return false
}

// SuspendNever is stored as suspend_after for hosts selling unlimited durations.
var SuspendNever = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// Field limits from the order form
const (
	MaxCommentLength   = 42
	MaxPublicKeyLength = 5000
)

// Bridge is a Tor bridge or a reverse SSH tunnel sold on a host
type Bridge struct {
	ID            string
	Kind          ProductKind
	HostID        string
	Status        BridgeStatus
	Port          *int
	PortRangeID   *string // range Port was allocated from
	SuspendAfter  time.Time
	IsMonitored   bool
	Comment       string
	Target        string  // tor bridges: <name>.onion:<port>
	PublicKey     string  // rssh tunnels
	LastInvoiceID *string // last invoice whose payment was applied
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Ref returns the product reference used by order items.
func (b *Bridge) Ref() ProductRef {
	return ProductRef{Kind: b.Kind, ID: b.ID}
}

// TargetPort returns the port part of a tor target.
func (b *Bridge) TargetPort() (int, error) {
	return parseTargetPort(b.Target)
}

// ValidateTarget checks a tor bridge target of the form <name>.onion:<port>.
func ValidateTarget(target string) error {
	if !strings.Contains(target, ".onion:") {
		return errors.New("must be .onion address")
	}
	if _, err := parseTargetPort(target); err != nil {
		return err
	}
	return nil
}

func parseTargetPort(target string) (int, error) {
	parts := strings.Split(target, ":")
	port, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil || len(parts) < 2 {
		return 0, errors.New("must include a numeric port")
	}
	if port < 1 || port > 65535 {
		return 0, errors.New("port must be between 1 and 65535")
	}
	return port, nil
}

// ValidateProductFields checks the fields a product kind requires.
func ValidateProductFields(kind ProductKind, target, publicKey, comment string) error {
	if len(comment) > MaxCommentLength {
		return fmt.Errorf("comment must be at most %d characters", MaxCommentLength)
	}
	switch kind {
	case ProductTorBridge:
		if target == "" {
			return errors.New("target is required for tor bridges")
		}
		return ValidateTarget(target)
	case ProductRsshTunnel:
		if strings.TrimSpace(publicKey) == "" {
			return errors.New("public_key is required for rssh tunnels")
		}
		if len(publicKey) > MaxPublicKeyLength {
			return fmt.Errorf("public_key must be at most %d characters", MaxPublicKeyLength)
		}
		return nil
	}
	return fmt.Errorf("unknown product %q", kind)
}
