package service

import (
	"context"
	"fmt"
	"time"

	"github.com/ip2tor/shop/internal/models"
)

// aliveCheckTimeout bounds a single node liveness check.
const aliveCheckTimeout = 30 * time.Second

// NodeService watches the liveness of the lightning nodes.
type NodeService struct {
	nodes  NodeResolver
	hosts  HostStore
	mailer Mailer
	audit  AuditLog
}

func NewNodeService(nodes NodeResolver, hosts HostStore, mailer Mailer, auditLog AuditLog) *NodeService {
	return &NodeService{nodes: nodes, hosts: hosts, mailer: mailer, audit: auditLog}
}

// CheckAlive pings every enabled node and stores changed liveness. The
// node owner is mailed about every change.
func (s *NodeService) CheckAlive(ctx context.Context) (changed int, err error) {
	nodes, err := s.nodes.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("list nodes: %w", err)
	}
	for _, node := range nodes {
		if !node.IsEnabled {
			continue
		}
		alive, reason := s.ping(ctx, node)
		if alive == node.IsAlive {
			continue
		}
		if err := s.nodes.SetAlive(ctx, node.ID, alive); err != nil {
			logger("node").Error().Err(err).Str("node_id", node.ID).Msg("liveness not stored")
			continue
		}
		changed++

		msg := fmt.Sprintf("alive %t -> %t: %s", node.IsAlive, alive, reason)
		logger("node").Info().Str("node_id", node.ID).Str("node", node.Name).Bool("alive", alive).Str("reason", reason).Msg("node liveness changed")
		audit(ctx, s.audit, models.ObjectNode, node.ID, models.ActorSystem, msg)
		s.notifyOwner(ctx, node, alive, reason)
	}
	return changed, nil
}

func (s *NodeService) ping(ctx context.Context, node *models.LightningNode) (bool, string) {
	client, err := s.nodes.Client(node)
	if err != nil {
		return false, err.Error()
	}
	ctx, cancel := context.WithTimeout(ctx, aliveCheckTimeout)
	defer cancel()
	return client.CheckAlive(ctx)
}

func (s *NodeService) notifyOwner(ctx context.Context, node *models.LightningNode, alive bool, reason string) {
	if s.mailer == nil || node.OwnerID == "" {
		return
	}
	owner, err := s.hosts.GetOwner(ctx, node.OwnerID)
	if err != nil || owner.Email == "" {
		return
	}
	state := "down"
	if alive {
		state = "up"
	}
	subject := fmt.Sprintf("[IP2Tor] node %s is %s", node.Name, state)
	body := fmt.Sprintf("Hello %s,\n\nthe lightning node %s (%s) is now %s.\nReason: %s\n", owner.Name, node.Name, node.Address(), state, reason)
	if err := s.mailer.Send(ctx, owner.Email, subject, body); err != nil {
		logger("node").Warn().Err(err).Str("node_id", node.ID).Msg("owner not notified")
	}
}
