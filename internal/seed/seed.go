// Package seed loads owners, hosts, port ranges, lightning nodes and deny
// list entries from a YAML file into the database.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/ip2tor/shop/internal/models"
)

type File struct {
	Owners   []Owner     `yaml:"owners"`
	Hosts    []Host      `yaml:"hosts"`
	Nodes    []Node      `yaml:"nodes"`
	DenyList []DenyEntry `yaml:"deny_list"`
}

type Owner struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
}

type Host struct {
	ID                      string      `yaml:"id"`
	IP                      string      `yaml:"ip"`
	Name                    string      `yaml:"name"`
	OwnerID                 string      `yaml:"owner_id"`
	IsEnabled               bool        `yaml:"is_enabled"`
	OffersTorBridges        bool        `yaml:"offers_tor_bridges"`
	OffersRsshTunnels       bool        `yaml:"offers_rssh_tunnels"`
	TorBridgeDuration       *int64      `yaml:"tor_bridge_duration"`
	TorBridgePriceInitial   int64       `yaml:"tor_bridge_price_initial"`
	TorBridgePriceExtension int64       `yaml:"tor_bridge_price_extension"`
	RsshTunnelPrice         int64       `yaml:"rssh_tunnel_price"`
	TermsOfService          string      `yaml:"terms_of_service"`
	TermsOfServiceURL       string      `yaml:"terms_of_service_url"`
	PortRanges              []PortRange `yaml:"port_ranges"`
}

type PortRange struct {
	ID    string `yaml:"id"`
	Kind  string `yaml:"kind"`
	Start int    `yaml:"start"`
	End   int    `yaml:"end"`
}

type Node struct {
	ID               string `yaml:"id"`
	Name             string `yaml:"name"`
	OwnerID          string `yaml:"owner_id"`
	Kind             string `yaml:"kind"`
	Priority         int    `yaml:"priority"`
	IsEnabled        bool   `yaml:"is_enabled"`
	Hostname         string `yaml:"hostname"`
	Port             int    `yaml:"port"`
	TLSCert          string `yaml:"tls_cert"`
	TLSVerify        bool   `yaml:"tls_verify"`
	SocketPath       string `yaml:"socket_path"`
	MacaroonAdmin    string `yaml:"macaroon_admin"`
	MacaroonInvoice  string `yaml:"macaroon_invoice"`
	MacaroonReadonly string `yaml:"macaroon_readonly"`
}

type DenyEntry struct {
	Target  string `yaml:"target"`
	Status  int    `yaml:"status"`
	Comment string `yaml:"comment"`
}

type HostWriter interface {
	UpsertOwner(ctx context.Context, o *models.Owner) error
	Upsert(ctx context.Context, h *models.Host) error
}

type PortRangeWriter interface {
	Upsert(ctx context.Context, pr *models.PortRange) error
}

type NodeWriter interface {
	Upsert(ctx context.Context, n *models.LightningNode) error
}

type DenyListWriter interface {
	Upsert(ctx context.Context, e *models.DenyListEntry) error
}

// Stores receive the seeded rows
type Stores struct {
	Hosts      HostWriter
	PortRanges PortRangeWriter
	Nodes      NodeWriter
	DenyList   DenyListWriter
}

// Summary counts what Apply wrote
type Summary struct {
	Owners     int
	Hosts      int
	PortRanges int
	Nodes      int
	DenyList   int
}

// Load reads and validates a seed file
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes and validates seed YAML. Unknown keys are rejected.
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file File
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return &file, nil
		}
		return nil, fmt.Errorf("decode seed file: %w", err)
	}
	if err := file.Validate(); err != nil {
		return nil, err
	}
	return &file, nil
}

// Validate checks the references and values that the database would not
func (f *File) Validate() error {
	var errs []error
	owners := make(map[string]bool, len(f.Owners))
	for i, o := range f.Owners {
		if err := checkID(o.ID, true); err != nil {
			errs = append(errs, fmt.Errorf("owners[%d]: %w", i, err))
		}
		owners[o.ID] = true
	}
	for i, h := range f.Hosts {
		if err := checkID(h.ID, false); err != nil {
			errs = append(errs, fmt.Errorf("hosts[%d]: %w", i, err))
		}
		if h.IP == "" {
			errs = append(errs, fmt.Errorf("hosts[%d]: ip is required", i))
		}
		if err := models.ValidateHostName(h.Name); err != nil {
			errs = append(errs, fmt.Errorf("hosts[%d]: %w", i, err))
		}
		if !owners[h.OwnerID] {
			errs = append(errs, fmt.Errorf("hosts[%d]: unknown owner %q", i, h.OwnerID))
		}
		var ranges []models.PortRange
		for j, pr := range h.PortRanges {
			if err := checkID(pr.ID, true); err != nil {
				errs = append(errs, fmt.Errorf("hosts[%d].port_ranges[%d]: %w", i, j, err))
			}
			kind, err := models.ParseProductKind(pr.Kind)
			if err != nil {
				errs = append(errs, fmt.Errorf("hosts[%d].port_ranges[%d]: %w", i, j, err))
				continue
			}
			r := models.PortRange{Kind: kind, Start: pr.Start, End: pr.End}
			if err := r.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("hosts[%d].port_ranges[%d]: %w", i, j, err))
			}
			for _, prev := range ranges {
				if r.Overlaps(&prev) {
					errs = append(errs, fmt.Errorf("hosts[%d].port_ranges[%d]: overlaps %d-%d", i, j, prev.Start, prev.End))
				}
			}
			ranges = append(ranges, r)
		}
	}
	for i, n := range f.Nodes {
		if err := checkID(n.ID, true); err != nil {
			errs = append(errs, fmt.Errorf("nodes[%d]: %w", i, err))
		}
		switch models.NodeKind(n.Kind) {
		case models.NodeFake, models.NodeLndGRPC, models.NodeLndREST, models.NodeCLightning:
		default:
			errs = append(errs, fmt.Errorf("nodes[%d]: unknown kind %q", i, n.Kind))
		}
		if !owners[n.OwnerID] {
			errs = append(errs, fmt.Errorf("nodes[%d]: unknown owner %q", i, n.OwnerID))
		}
	}
	for i, d := range f.DenyList {
		if d.Target == "" {
			errs = append(errs, fmt.Errorf("deny_list[%d]: target is required", i))
		}
	}
	return errors.Join(errs...)
}

// checkID accepts UUIDs. Ranges and nodes need fixed ids so a second run
// updates them instead of adding copies.
func checkID(id string, required bool) error {
	if id == "" {
		if required {
			return errors.New("id is required")
		}
		return nil
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("id %q is not a uuid", id)
	}
	return nil
}

// Apply upserts everything in f. Running it twice leaves the same rows.
func Apply(ctx context.Context, stores Stores, f *File) (Summary, error) {
	var sum Summary

	for _, o := range f.Owners {
		owner := &models.Owner{ID: o.ID, Name: o.Name, Email: o.Email}
		if err := stores.Hosts.UpsertOwner(ctx, owner); err != nil {
			return sum, fmt.Errorf("owner %s: %w", o.ID, err)
		}
		sum.Owners++
	}

	for _, h := range f.Hosts {
		host := h.model()
		if err := stores.Hosts.Upsert(ctx, host); err != nil {
			return sum, fmt.Errorf("host %s: %w", h.IP, err)
		}
		sum.Hosts++

		for _, pr := range h.PortRanges {
			kind, _ := models.ParseProductKind(pr.Kind)
			r := &models.PortRange{ID: pr.ID, HostID: host.ID, Kind: kind, Start: pr.Start, End: pr.End}
			if err := stores.PortRanges.Upsert(ctx, r); err != nil {
				return sum, fmt.Errorf("port range %d-%d of host %s: %w", pr.Start, pr.End, h.IP, err)
			}
			sum.PortRanges++
		}
	}

	for _, n := range f.Nodes {
		node := n.model()
		if err := stores.Nodes.Upsert(ctx, node); err != nil {
			return sum, fmt.Errorf("node %s: %w", n.Name, err)
		}
		sum.Nodes++
	}

	for _, d := range f.DenyList {
		entry := &models.DenyListEntry{Target: d.Target, Status: models.DenyListStatus(d.Status), Comment: d.Comment}
		if err := stores.DenyList.Upsert(ctx, entry); err != nil {
			return sum, fmt.Errorf("deny list %s: %w", d.Target, err)
		}
		sum.DenyList++
	}

	log.Info().Str("component", "seed").Int("owners", sum.Owners).Int("hosts", sum.Hosts).
		Int("port_ranges", sum.PortRanges).Int("nodes", sum.Nodes).Int("deny_list", sum.DenyList).
		Msg("seed applied")
	return sum, nil
}

func (h Host) model() *models.Host {
	host := &models.Host{
		ID:                      h.ID,
		IP:                      h.IP,
		Name:                    h.Name,
		OwnerID:                 h.OwnerID,
		IsEnabled:               h.IsEnabled,
		OffersTorBridges:        h.OffersTorBridges,
		OffersRsshTunnels:       h.OffersRsshTunnels,
		TorBridgeDuration:       models.DefaultTorBridgeDuration,
		TorBridgePriceInitial:   h.TorBridgePriceInitial,
		TorBridgePriceExtension: h.TorBridgePriceExtension,
		RsshTunnelPrice:         h.RsshTunnelPrice,
		TermsOfService:          h.TermsOfService,
		TermsOfServiceURL:       h.TermsOfServiceURL,
	}
	if h.TorBridgeDuration != nil {
		host.TorBridgeDuration = *h.TorBridgeDuration
	}
	if host.TorBridgePriceInitial == 0 {
		host.TorBridgePriceInitial = models.DefaultTorBridgePriceInitial
	}
	if host.TorBridgePriceExtension == 0 {
		host.TorBridgePriceExtension = models.DefaultTorBridgePriceExtension
	}
	if host.RsshTunnelPrice == 0 {
		host.RsshTunnelPrice = models.DefaultRsshTunnelPrice
	}
	return host
}

func (n Node) model() *models.LightningNode {
	return &models.LightningNode{
		ID:               n.ID,
		Name:             n.Name,
		OwnerID:          n.OwnerID,
		Kind:             models.NodeKind(n.Kind),
		Priority:         n.Priority,
		IsEnabled:        n.IsEnabled,
		Hostname:         n.Hostname,
		Port:             n.Port,
		TLSCert:          n.TLSCert,
		TLSVerify:        n.TLSVerify,
		SocketPath:       n.SocketPath,
		MacaroonAdmin:    n.MacaroonAdmin,
		MacaroonInvoice:  n.MacaroonInvoice,
		MacaroonReadonly: n.MacaroonReadonly,
	}
}
