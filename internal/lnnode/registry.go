package lnnode

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ip2tor/shop/internal/models"
)

// NodeStore is the persistence the registry needs.
type NodeStore interface {
	GetByID(ctx context.Context, id string) (*models.LightningNode, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*models.LightningNode, error)
	List(ctx context.Context) ([]*models.LightningNode, error)
	SetAlive(ctx context.Context, id string, alive bool) error
}

// Builder constructs the client for a node.
type Builder interface {
	Build(node *models.LightningNode) (Client, error)
}

// Factory builds clients by node kind. Fake nodes are kept per node id so
// repeated builds share their invoices.
type Factory struct {
	mu    sync.Mutex
	fakes map[string]*FakeNode
}

func NewFactory() *Factory {
	return &Factory{fakes: make(map[string]*FakeNode)}
}

func (f *Factory) Build(node *models.LightningNode) (Client, error) {
	switch node.Kind {
	case models.NodeFake:
		f.mu.Lock()
		defer f.mu.Unlock()
		fake, ok := f.fakes[node.ID]
		if !ok {
			fake = NewFakeNode(node.Name)
			f.fakes[node.ID] = fake
		}
		return fake, nil
	case models.NodeLndGRPC:
		return NewLndGRPC(node)
	case models.NodeLndREST:
		return NewLndREST(node)
	case models.NodeCLightning:
		return NewCLightning(node)
	}
	return nil, fmt.Errorf("%w: unknown node kind %q", ErrNotConfigured, node.Kind)
}

type cachedClient struct {
	updatedAt time.Time
	client    Client
}

// Registry resolves the nodes an owner may use and hands out their clients.
type Registry struct {
	store   NodeStore
	builder Builder
	cache   *InfoCache

	mu      sync.Mutex
	clients map[string]cachedClient
}

func NewRegistry(store NodeStore, builder Builder, cache *InfoCache) *Registry {
	return &Registry{
		store:   store,
		builder: builder,
		cache:   cache,
		clients: make(map[string]cachedClient),
	}
}

// EligibleNodes returns the owner's enabled and alive nodes, lowest
// priority value first.
func (r *Registry) EligibleNodes(ctx context.Context, ownerID string) ([]*models.LightningNode, error) {
	nodes, err := r.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list nodes of owner %s: %w", ownerID, err)
	}
	eligible := make([]*models.LightningNode, 0, len(nodes))
	for _, n := range nodes {
		if n.Eligible() {
			eligible = append(eligible, n)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Priority < eligible[j].Priority
	})
	return eligible, nil
}

// First returns the preferred eligible node of an owner.
func (r *Registry) First(ctx context.Context, ownerID string) (*models.LightningNode, error) {
	nodes, err := r.EligibleNodes(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, ErrNoEligibleNode
	}
	return nodes[0], nil
}

// All lists every configured node.
func (r *Registry) All(ctx context.Context) ([]*models.LightningNode, error) {
	return r.store.List(ctx)
}

// Client returns the client of a node, rebuilding it when the node's
// settings are newer than the ones it was built from. A stale node row
// gets the cached client.
func (r *Registry) Client(node *models.LightningNode) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cc, ok := r.clients[node.ID]; ok {
		if !node.UpdatedAt.After(cc.updatedAt) {
			return cc.client, nil
		}
		_ = cc.client.Close()
		delete(r.clients, node.ID)
	}

	c, err := r.builder.Build(node)
	if err != nil {
		return nil, err
	}
	r.clients[node.ID] = cachedClient{updatedAt: node.UpdatedAt, client: c}
	return c, nil
}

// ClientByID loads a node and returns it with its client.
func (r *Registry) ClientByID(ctx context.Context, id string) (*models.LightningNode, Client, error) {
	node, err := r.store.GetByID(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("get node %s: %w", id, err)
	}
	c, err := r.Client(node)
	if err != nil {
		return nil, nil, err
	}
	return node, c, nil
}

// GetInfo returns the node info, served from the cache when fresh.
func (r *Registry) GetInfo(ctx context.Context, node *models.LightningNode) (*Info, error) {
	c, err := r.Client(node)
	if err != nil {
		return nil, err
	}
	if r.cache == nil {
		return c.GetInfo(ctx)
	}
	return r.cache.GetInfo(ctx, node.ID, c)
}

// SetAlive stores the liveness of a node.
func (r *Registry) SetAlive(ctx context.Context, id string, alive bool) error {
	return r.store.SetAlive(ctx, id, alive)
}

// Close closes all built clients.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, cc := range r.clients {
		_ = cc.client.Close()
		delete(r.clients, id)
	}
}
