package client

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/ip2tor/shop/internal/models"
)

// HostAgentProvisioner leaves the network work to the agent running on
// each host. The agent polls its bridges by status over the host API and
// reports back; the hooks only record what the agent will pick up.
type HostAgentProvisioner struct{}

func NewHostAgentProvisioner() *HostAgentProvisioner {
	return &HostAgentProvisioner{}
}

func (p *HostAgentProvisioner) ProcessActivation(ctx context.Context, b *models.Bridge) error {
	ev := log.Info().Str("component", "provisioner").Str("bridge_id", b.ID).
		Str("host_id", b.HostID).Str("kind", string(b.Kind))
	if b.Port != nil {
		ev = ev.Int("port", *b.Port)
	}
	ev.Time("suspend_after", b.SuspendAfter).Msg("bridge activated")
	return nil
}

func (p *HostAgentProvisioner) ProcessSuspension(ctx context.Context, b *models.Bridge) error {
	log.Info().Str("component", "provisioner").Str("bridge_id", b.ID).
		Str("host_id", b.HostID).Msg("bridge queued for suspension on host")
	return nil
}
