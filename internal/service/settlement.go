package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ip2tor/shop/internal/lnnode"
	"github.com/ip2tor/shop/internal/models"
)

// Reconnect backoff of the settlement streams
const (
	StreamBackoffMin = time.Second
	StreamBackoffMax = 5 * time.Minute
)

// StreamRescanInterval is how often the node list is reloaded to pick up
// added, removed or disabled nodes.
const StreamRescanInterval = time.Minute

// SettlementStreamer follows the settled invoice stream of every enabled
// node and syncs the matching invoices as payments arrive. Reconnects
// resume after the last settle index seen on that node.
type SettlementStreamer struct {
	nodes      NodeResolver
	invoices   InvoiceStore
	sync       *InvoiceService
	backoffMin time.Duration
	backoffMax time.Duration
	rescan     time.Duration

	mu      sync.Mutex
	indexes map[string]uint64
}

func NewSettlementStreamer(nodes NodeResolver, invoices InvoiceStore, sync *InvoiceService) *SettlementStreamer {
	return &SettlementStreamer{
		nodes:      nodes,
		invoices:   invoices,
		sync:       sync,
		backoffMin: StreamBackoffMin,
		backoffMax: StreamBackoffMax,
		rescan:     StreamRescanInterval,
		indexes:    make(map[string]uint64),
	}
}

// SetBackoff overrides the reconnect backoff bounds.
func (s *SettlementStreamer) SetBackoff(min, max time.Duration) {
	s.backoffMin, s.backoffMax = min, max
}

// SetRescanInterval overrides StreamRescanInterval.
func (s *SettlementStreamer) SetRescanInterval(d time.Duration) {
	s.rescan = d
}

// Run streams from all enabled nodes until ctx is done.
func (s *SettlementStreamer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	following := make(map[string]context.CancelFunc)

	ticker := time.NewTicker(s.rescan)
	defer ticker.Stop()
	for {
		if err := s.reconcile(ctx, g, following); err != nil && ctx.Err() == nil {
			logger("settlement").Warn().Err(err).Msg("node list reload failed")
		}
		select {
		case <-ctx.Done():
			for _, cancel := range following {
				cancel()
			}
			return g.Wait()
		case <-ticker.C:
		}
	}
}

// reconcile starts a follower for every enabled node that has none and
// stops the followers of nodes that were disabled or removed.
func (s *SettlementStreamer) reconcile(ctx context.Context, g *errgroup.Group, following map[string]context.CancelFunc) error {
	nodes, err := s.nodes.All(ctx)
	if err != nil {
		return err
	}
	enabled := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		if !node.IsEnabled {
			continue
		}
		enabled[node.ID] = true
		if _, ok := following[node.ID]; ok {
			continue
		}
		fctx, cancel := context.WithCancel(ctx)
		following[node.ID] = cancel
		id := node.ID
		g.Go(func() error {
			s.follow(fctx, id)
			return nil
		})
	}
	for id, cancel := range following {
		if !enabled[id] {
			cancel()
			delete(following, id)
		}
	}
	return nil
}

func (s *SettlementStreamer) follow(ctx context.Context, nodeID string) {
	l := logger("settlement").With().Str("node_id", nodeID).Logger()
	backoff := s.backoffMin

	for {
		received, err := s.stream(ctx, nodeID)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, lnnode.ErrNotSupported) {
			l.Info().Msg("node does not stream settlements, relying on polling")
			return
		}
		if received > 0 {
			backoff = s.backoffMin
		}
		l.Warn().Err(err).Dur("retry_in", backoff).Uint64("settle_index", s.lastIndex(nodeID)).Msg("settlement stream ended")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.backoffMax {
			backoff = s.backoffMax
		}
	}
}

// stream consumes one stream until it breaks and returns how many
// settlements it delivered. The node row and client are resolved afresh
// on every call.
func (s *SettlementStreamer) stream(ctx context.Context, nodeID string) (int, error) {
	node, client, err := s.nodes.ClientByID(ctx, nodeID)
	if err != nil {
		return 0, err
	}
	settled, errs, err := client.StreamSettled(ctx, s.lastIndex(nodeID))
	if err != nil {
		return 0, err
	}

	received := 0
	for ev := range settled {
		received++
		s.handle(ctx, node, ev)
		s.advance(nodeID, ev.SettleIndex)
	}
	return received, <-errs
}

func (s *SettlementStreamer) lastIndex(nodeID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexes[nodeID]
}

func (s *SettlementStreamer) advance(nodeID string, index uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index > s.indexes[nodeID] {
		s.indexes[nodeID] = index
	}
}

func (s *SettlementStreamer) handle(ctx context.Context, node *models.LightningNode, ev lnnode.SettledInvoice) {
	inv, err := s.invoices.GetByPaymentHash(ctx, ev.PaymentHash)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			logger("settlement").Error().Err(err).Str("node_id", node.ID).Msg("invoice lookup failed")
		}
		return
	}
	if inv.NodeID != node.ID {
		return
	}
	if _, err := s.sync.Sync(ctx, inv.ID); err != nil {
		logger("settlement").Error().Err(err).Str("invoice_id", inv.ID).Msg("sync after settlement failed")
	}
}
