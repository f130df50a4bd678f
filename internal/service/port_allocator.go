package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/ip2tor/shop/internal/models"
)

// PortAllocator hands out ports from the port ranges of a host.
type PortAllocator struct {
	ranges PortRangeStore
	intN   func(n int) int
	perm   func(n int) []int
}

func NewPortAllocator(ranges PortRangeStore) *PortAllocator {
	return &PortAllocator{ranges: ranges, intN: rand.IntN, perm: rand.Perm}
}

// AllocateRandomPort picks a random range of the host and kind that is below
// the utilization limit and marks a random free port of it as used. ok is
// false when no range is eligible or the chosen range has no free port.
func (a *PortAllocator) AllocateRandomPort(ctx context.Context, hostID string, kind models.ProductKind) (port int, rangeID string, ok bool, err error) {
	ranges, err := a.ranges.ListByHost(ctx, hostID, kind)
	if err != nil {
		return 0, "", false, fmt.Errorf("list port ranges: %w", err)
	}

	eligible := make([]*models.PortRange, 0, len(ranges))
	for _, r := range ranges {
		if r.Utilization() < models.MaxRangeUtilization {
			eligible = append(eligible, r)
		}
	}
	if len(eligible) == 0 {
		logger("ports").Warn().Str("host_id", hostID).Str("kind", string(kind)).Msg("no port range below utilization limit")
		return 0, "", false, nil
	}

	r := eligible[a.intN(len(eligible))]
	used, err := a.ranges.UsedPorts(ctx, r.ID)
	if err != nil {
		return 0, "", false, fmt.Errorf("used ports of range %s: %w", r.ID, err)
	}
	known := make(map[int]bool, len(used))
	for _, p := range used {
		known[p] = true
	}

	for _, offset := range a.perm(r.Size()) {
		candidate := r.Start + offset
		if known[candidate] {
			continue
		}
		err := a.ranges.MarkUsed(ctx, r.ID, candidate)
		switch {
		case err == nil:
			return candidate, r.ID, true, nil
		case errors.Is(err, ErrPortInUse):
			// taken by a concurrent allocation since UsedPorts
			continue
		default:
			return 0, "", false, fmt.Errorf("mark port %d used: %w", candidate, err)
		}
	}

	logger("ports").Warn().Str("range_id", r.ID).Msg("port range exhausted")
	return 0, "", false, nil
}

// MarkUsed reserves a specific port. It fails with ErrPortInUse if the port
// is taken and ErrPortOutOfRange if it lies outside the range.
func (a *PortAllocator) MarkUsed(ctx context.Context, rangeID string, port int) error {
	return a.ranges.MarkUsed(ctx, rangeID, port)
}

// Release returns a port to its range. It fails with ErrPortNotInUse if the
// port was not marked used.
func (a *PortAllocator) Release(ctx context.Context, rangeID string, port int) error {
	return a.ranges.Release(ctx, rangeID, port)
}

// ReleaseBridgePort returns the port of a bridge to the range it was
// allocated from. Bridges stored without a range id fall back to the range
// of the bridge's kind that contains the port.
func (a *PortAllocator) ReleaseBridgePort(ctx context.Context, b *models.Bridge) error {
	if b.Port == nil {
		return nil
	}
	port := *b.Port
	rangeID := ""
	if b.PortRangeID != nil {
		rangeID = *b.PortRangeID
	} else {
		r, err := a.ranges.FindByPort(ctx, b.HostID, b.Kind, port)
		if err != nil {
			return fmt.Errorf("find range of port %d: %w", port, err)
		}
		rangeID = r.ID
	}
	if err := a.ranges.Release(ctx, rangeID, port); err != nil {
		return fmt.Errorf("release port %d: %w", port, err)
	}
	return nil
}
