package service

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/ip2tor/shop/internal/events"
)

// Redis keys of the exported metrics
const (
	MetricsPaymentsKey     = "ip2tor.metrics.payments.sats"
	MetricsOrdersKey       = "ip2tor.metrics.orders"
	metricsBridgeKeyPrefix = "ip2tor.metrics.bridges."
)

// MetricsStore is the subset of the redis client the metrics need.
type MetricsStore interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// Metrics exports shop counters into redis for the host dashboards.
type Metrics struct {
	store   MetricsStore
	bridges BridgeStore
	orders  OrderStore
}

func NewMetrics(store MetricsStore, bridges BridgeStore, orders OrderStore) *Metrics {
	return &Metrics{store: store, bridges: bridges, orders: orders}
}

// BridgeKey is the hash holding the bridge counts of a host.
func BridgeKey(hostID string) string {
	return metricsBridgeKeyPrefix + hostID
}

// Update writes the bridge counts per host and status and the order counts
// per status.
func (m *Metrics) Update(ctx context.Context) error {
	counts, err := m.bridges.CountByHostAndStatus(ctx)
	if err != nil {
		return fmt.Errorf("count bridges: %w", err)
	}
	perHost := make(map[string][]interface{})
	for _, c := range counts {
		perHost[c.HostID] = append(perHost[c.HostID], c.Status, c.Count)
	}
	for hostID, values := range perHost {
		if err := m.store.HSet(ctx, BridgeKey(hostID), values...).Err(); err != nil {
			return fmt.Errorf("store bridge metrics of %s: %w", hostID, err)
		}
	}

	orders, err := m.orders.CountByStatus(ctx)
	if err != nil {
		return fmt.Errorf("count orders: %w", err)
	}
	if len(orders) == 0 {
		return nil
	}
	values := make([]interface{}, 0, 2*len(orders))
	for _, c := range orders {
		values = append(values, c.Status, c.Count)
	}
	if err := m.store.HSet(ctx, MetricsOrdersKey, values...).Err(); err != nil {
		return fmt.Errorf("store order metrics: %w", err)
	}
	return nil
}

// HandleInvoicePaid appends the paid amount in satoshi to the payment list.
func (m *Metrics) HandleInvoicePaid(ctx context.Context, ev events.InvoicePaid) error {
	sats := strconv.FormatInt(ev.AmountMsat/1000, 10)
	if err := m.store.RPush(ctx, MetricsPaymentsKey, sats).Err(); err != nil {
		logger("metrics").Warn().Err(err).Str("invoice_id", ev.InvoiceID).Msg("payment metric lost")
	}
	return nil
}
