package models

import (
	"fmt"
	"time"
)

// Port bounds for ranges handed out to hosts
const (
	PortRangeMin = 10000
	PortRangeMax = 65535
)

// MaxRangeUtilization is the share of used ports above which a range is skipped.
const MaxRangeUtilization = 0.85

// PortRange is an inclusive range of ports on one host
type PortRange struct {
	ID        string
	HostID    string
	Kind      ProductKind
	Start     int
	End       int
	UsedCount int
	CreatedAt time.Time
}

// Size returns the number of ports in the range.
func (r *PortRange) Size() int {
	return r.End - r.Start + 1
}

// Contains reports whether port lies within the range.
func (r *PortRange) Contains(port int) bool {
	return port >= r.Start && port <= r.End
}

// Overlaps reports whether the two ranges share a port.
func (r *PortRange) Overlaps(o *PortRange) bool {
	return r.Start <= o.End && o.Start <= r.End
}

// Utilization is the used share of the range between 0 and 1.
func (r *PortRange) Utilization() float64 {
	if r.Size() <= 0 {
		return 1
	}
	return float64(r.UsedCount) / float64(r.Size())
}

// Validate checks the range bounds.
func (r *PortRange) Validate() error {
	if r.Start < PortRangeMin || r.End > PortRangeMax {
		return fmt.Errorf("port range must be within %d-%d", PortRangeMin, PortRangeMax)
	}
	if r.Start >= r.End {
		return fmt.Errorf("port range start (%d) must be lower than end (%d)", r.Start, r.End)
	}
	return nil
}
