package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ip2tor/shop/internal/config"
	"github.com/ip2tor/shop/internal/events"
	"github.com/ip2tor/shop/internal/lnnode"
	"github.com/ip2tor/shop/internal/models"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// ==================== stores ====================

type memHosts struct {
	mu     sync.Mutex
	hosts  map[string]*models.Host
	owners map[string]*models.Owner
}

func newMemHosts() *memHosts {
	return &memHosts{hosts: map[string]*models.Host{}, owners: map[string]*models.Owner{}}
}

func (s *memHosts) put(h *models.Host) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *h
	s.hosts[h.ID] = &cp
}

func (s *memHosts) GetByID(ctx context.Context, id string) (*models.Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hosts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *h
	return &cp, nil
}

func (s *memHosts) List(ctx context.Context) ([]*models.Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Host
	for _, h := range s.hosts {
		cp := *h
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memHosts) CheckIn(ctx context.Context, id string, status models.CheckInStatus, message string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hosts[id]
	if !ok {
		return ErrNotFound
	}
	h.CheckInDate = &at
	h.CheckInStatus = status
	h.CheckInMessage = message
	return nil
}

func (s *memHosts) GetOwner(ctx context.Context, id string) (*models.Owner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.owners[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o, nil
}

type memPorts struct {
	mu     sync.Mutex
	ranges map[string]*models.PortRange
	used   map[string]map[int]bool
}

func newMemPorts() *memPorts {
	return &memPorts{ranges: map[string]*models.PortRange{}, used: map[string]map[int]bool{}}
}

func (s *memPorts) add(r *models.PortRange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ranges[r.ID] = r
	s.used[r.ID] = map[int]bool{}
}

func (s *memPorts) isUsed(rangeID string, port int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used[rangeID][port]
}

func (s *memPorts) ListByHost(ctx context.Context, hostID string, kind models.ProductKind) ([]*models.PortRange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.PortRange
	for _, r := range s.ranges {
		if r.HostID == hostID && r.Kind == kind {
			cp := *r
			cp.UsedCount = len(s.used[r.ID])
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, nil
}

func (s *memPorts) FindByPort(ctx context.Context, hostID string, kind models.ProductKind, port int) (*models.PortRange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *models.PortRange
	for _, r := range s.ranges {
		if r.HostID != hostID || r.Kind != kind || !r.Contains(port) {
			continue
		}
		if found == nil || r.Start < found.Start || (r.Start == found.Start && r.ID < found.ID) {
			found = r
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func (s *memPorts) UsedPorts(ctx context.Context, rangeID string) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for p := range s.used[rangeID] {
		out = append(out, p)
	}
	sort.Ints(out)
	return out, nil
}

func (s *memPorts) MarkUsed(ctx context.Context, rangeID string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.ranges[rangeID]
	if !ok {
		return ErrNotFound
	}
	if !r.Contains(port) {
		return ErrPortOutOfRange
	}
	if s.used[rangeID][port] {
		return ErrPortInUse
	}
	s.used[rangeID][port] = true
	return nil
}

func (s *memPorts) Release(ctx context.Context, rangeID string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.used[rangeID][port] {
		return ErrPortNotInUse
	}
	delete(s.used[rangeID], port)
	return nil
}

type memBridges struct {
	mu        sync.Mutex
	bridges   map[string]*models.Bridge
	now       func() time.Time
	updateErr error
}

func (s *memBridges) failUpdates(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateErr = err
}

func newMemBridges(now func() time.Time) *memBridges {
	return &memBridges{bridges: map[string]*models.Bridge{}, now: now}
}

func (s *memBridges) put(b *models.Bridge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.bridges[b.ID] = &cp
}

func (s *memBridges) Create(ctx context.Context, b *models.Bridge) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	b.CreatedAt = s.now()
	b.UpdatedAt = b.CreatedAt
	s.put(b)
	return nil
}

func (s *memBridges) GetByID(ctx context.Context, id string) (*models.Bridge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bridges[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *memBridges) list(match func(*models.Bridge) bool) []*models.Bridge {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Bridge
	for _, b := range s.bridges {
		if match(b) {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *memBridges) ListByStatus(ctx context.Context, status models.BridgeStatus) ([]*models.Bridge, error) {
	return s.list(func(b *models.Bridge) bool { return b.Status == status }), nil
}

func (s *memBridges) ListByHost(ctx context.Context, hostID string, status models.BridgeStatus) ([]*models.Bridge, error) {
	return s.list(func(b *models.Bridge) bool {
		return b.HostID == hostID && (status == "" || b.Status == status)
	}), nil
}

func (s *memBridges) Update(ctx context.Context, b *models.Bridge, expected models.BridgeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	cur, ok := s.bridges[b.ID]
	if !ok || cur.Status != expected {
		return ErrStatusConflict
	}
	b.UpdatedAt = s.now()
	cp := *b
	s.bridges[b.ID] = &cp
	return nil
}

func (s *memBridges) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bridges[id]; !ok {
		return ErrNotFound
	}
	delete(s.bridges, id)
	return nil
}

func (s *memBridges) CountByHostAndStatus(ctx context.Context) ([]models.StatusCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[[2]string]int{}
	for _, b := range s.bridges {
		counts[[2]string{b.HostID, string(b.Status)}]++
	}
	var out []models.StatusCount
	for k, n := range counts {
		out = append(out, models.StatusCount{HostID: k[0], Status: k[1], Count: n})
	}
	return out, nil
}

type memOrders struct {
	mu     sync.Mutex
	orders map[string]*models.PurchaseOrder
	now    func() time.Time
}

func newMemOrders(now func() time.Time) *memOrders {
	return &memOrders{orders: map[string]*models.PurchaseOrder{}, now: now}
}

func copyOrder(o *models.PurchaseOrder) *models.PurchaseOrder {
	cp := *o
	cp.Items = nil
	for _, item := range o.Items {
		ic := *item
		cp.Items = append(cp.Items, &ic)
	}
	return &cp
}

func (s *memOrders) Create(ctx context.Context, o *models.PurchaseOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	o.CreatedAt = s.now()
	o.UpdatedAt = o.CreatedAt
	for _, item := range o.Items {
		if item.ID == "" {
			item.ID = uuid.New().String()
		}
		item.OrderID = o.ID
	}
	s.orders[o.ID] = copyOrder(o)
	return nil
}

func (s *memOrders) GetByID(ctx context.Context, id string) (*models.PurchaseOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOrder(o), nil
}

func (s *memOrders) UpdateStatus(ctx context.Context, id string, from, to models.OrderStatus, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok || o.Status != from {
		return ErrStatusConflict
	}
	o.Status = to
	o.Message = message
	o.UpdatedAt = s.now()
	return nil
}

func (s *memOrders) SetMessage(ctx context.Context, id, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return ErrNotFound
	}
	o.Message = message
	return nil
}

func (s *memOrders) ListStale(ctx context.Context, statuses []models.OrderStatus, before time.Time) ([]*models.PurchaseOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.PurchaseOrder
	for _, o := range s.orders {
		if containsStatus(statuses, o.Status) && o.UpdatedAt.Before(before) {
			out = append(out, copyOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (s *memOrders) CountByStatus(ctx context.Context) ([]models.StatusCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[string]int{}
	for _, o := range s.orders {
		counts[string(o.Status)]++
	}
	var out []models.StatusCount
	for status, n := range counts {
		out = append(out, models.StatusCount{Status: status, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Status < out[j].Status })
	return out, nil
}

type memInvoices struct {
	mu       sync.Mutex
	invoices map[string]*models.Invoice
	writes   int
	now      func() time.Time
}

func newMemInvoices(now func() time.Time) *memInvoices {
	return &memInvoices{invoices: map[string]*models.Invoice{}, now: now}
}

func (s *memInvoices) Create(ctx context.Context, inv *models.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv.CreatedAt = s.now()
	inv.UpdatedAt = inv.CreatedAt
	cp := *inv
	s.invoices[inv.ID] = &cp
	s.writes++
	return nil
}

func (s *memInvoices) GetByID(ctx context.Context, id string) (*models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (s *memInvoices) GetByPaymentHash(ctx context.Context, hash []byte) (*models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inv := range s.invoices {
		if len(hash) > 0 && bytes.Equal(inv.PaymentHash, hash) {
			cp := *inv
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memInvoices) ListByOrder(ctx context.Context, orderID string) ([]*models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Invoice
	for _, inv := range s.invoices {
		if inv.OrderID == orderID {
			cp := *inv
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memInvoices) ListByStatus(ctx context.Context, status models.InvoiceStatus) ([]*models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Invoice
	for _, inv := range s.invoices {
		if inv.Status == status {
			cp := *inv
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memInvoices) Update(ctx context.Context, inv *models.Invoice, expected models.InvoiceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.invoices[inv.ID]
	if !ok || cur.Status != expected {
		return ErrStatusConflict
	}
	inv.UpdatedAt = s.now()
	cp := *inv
	s.invoices[inv.ID] = &cp
	s.writes++
	return nil
}

type memDenyList map[string]bool

func (d memDenyList) IsDenied(ctx context.Context, target string) (bool, error) {
	return d[target], nil
}

type memRates struct {
	mu    sync.Mutex
	rates []*models.FiatRate
	now   func() time.Time
}

func (s *memRates) Insert(ctx context.Context, rate *models.FiatRate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rate.CreatedAt = s.now()
	s.rates = append(s.rates, rate)
	return nil
}

func (s *memRates) Average(ctx context.Context, fiat string, since time.Time) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum, n int64
	for _, r := range s.rates {
		if r.Fiat == fiat && !r.CreatedAt.Before(since) {
			sum += r.RateCents
			n++
		}
	}
	if n == 0 {
		return 0, false, nil
	}
	return (sum + n/2) / n, true, nil
}

type memNodes struct {
	mu    sync.Mutex
	nodes map[string]*models.LightningNode
}

func (s *memNodes) GetByID(ctx context.Context, id string) (*models.LightningNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (s *memNodes) ListByOwner(ctx context.Context, ownerID string) ([]*models.LightningNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.LightningNode
	for _, n := range s.nodes {
		if n.OwnerID == ownerID {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memNodes) List(ctx context.Context) ([]*models.LightningNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.LightningNode
	for _, n := range s.nodes {
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

func (s *memNodes) SetAlive(ctx context.Context, id string, alive bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return ErrNotFound
	}
	n.IsAlive = alive
	return nil
}

type auditEntry struct {
	objectType, objectID, actor, message string
}

type memAudit struct {
	mu      sync.Mutex
	entries []auditEntry
}

func (a *memAudit) LogAction(ctx context.Context, objectType, objectID, actor, message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, auditEntry{objectType, objectID, actor, message})
	return nil
}

func (a *memAudit) count(objectID, message string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, e := range a.entries {
		if e.objectID == objectID && e.message == message {
			n++
		}
	}
	return n
}

// ==================== collaborators ====================

type fakeReach struct {
	mu      sync.Mutex
	err     error
	targets []string
}

func (r *fakeReach) CheckHTTPS(ctx context.Context, target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets = append(r.targets, target)
	return r.err
}

type fakeQR struct{ calls int }

func (q *fakeQR) Generate(ctx context.Context, name, content string) (string, error) {
	q.calls++
	return "qr/" + name + ".png", nil
}

type sentMail struct{ to, subject, body string }

type fakeMailer struct{ sent []sentMail }

func (m *fakeMailer) Send(ctx context.Context, to, subject, body string) error {
	m.sent = append(m.sent, sentMail{to, subject, body})
	return nil
}

type fakeProvisioner struct {
	mu          sync.Mutex
	activated   []string
	suspended   []string
	activateErr error
}

func (p *fakeProvisioner) ProcessActivation(ctx context.Context, b *models.Bridge) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activated = append(p.activated, b.ID)
	return p.activateErr
}

func (p *fakeProvisioner) ProcessSuspension(ctx context.Context, b *models.Bridge) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.suspended = append(p.suspended, b.ID)
	return nil
}

type scheduledSync struct {
	invoiceID string
	attempt   int
	delay     time.Duration
}

type fakeScheduler struct {
	mu     sync.Mutex
	orders []string
	syncs  []scheduledSync
}

func (s *fakeScheduler) ScheduleOrderProcessing(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = append(s.orders, orderID)
	return nil
}

func (s *fakeScheduler) ScheduleInvoiceSync(ctx context.Context, invoiceID string, attempt int, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncs = append(s.syncs, scheduledSync{invoiceID, attempt, delay})
	return nil
}

type fakeMetricsStore struct {
	mu     sync.Mutex
	hashes map[string]map[string]interface{}
	lists  map[string][]interface{}
}

func newFakeMetricsStore() *fakeMetricsStore {
	return &fakeMetricsStore{hashes: map[string]map[string]interface{}{}, lists: map[string][]interface{}{}}
}

func (m *fakeMetricsStore) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = map[string]interface{}{}
		m.hashes[key] = h
	}
	for i := 0; i+1 < len(values); i += 2 {
		h[fmt.Sprint(values[i])] = values[i+1]
	}
	return redis.NewIntResult(int64(len(values)/2), nil)
}

func (m *fakeMetricsStore) RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append(m.lists[key], values...)
	return redis.NewIntResult(int64(len(m.lists[key])), nil)
}

func (m *fakeMetricsStore) list(key string) []interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]interface{}(nil), m.lists[key]...)
}

// ==================== fixture ====================

type fixture struct {
	t     *testing.T
	ctx   context.Context
	clock *testClock
	cfg   *config.Config

	hosts    *memHosts
	ports    *memPorts
	bridges  *memBridges
	orders   *memOrders
	invoices *memInvoices
	deny     memDenyList
	rates    *memRates
	nodes    *memNodes
	audit    *memAudit

	reach       *fakeReach
	qr          *fakeQR
	mailer      *fakeMailer
	provisioner *fakeProvisioner
	scheduler   *fakeScheduler
	metrics     *fakeMetricsStore

	factory  *lnnode.Factory
	registry *lnnode.Registry
	bus      *events.Bus

	allocator  *PortAllocator
	invoiceSvc *InvoiceService
	bridgeSvc  *BridgeService
	orderSvc   *OrderService
	hostSvc    *HostService
	nodeSvc    *NodeService
	rateSvc    *RateService
	metricsSvc *Metrics

	host *models.Host
	node *models.LightningNode
}

func testConfig() *config.Config {
	return &config.Config{
		Shop: config.ShopConfig{
			BridgeGraceTime: 600 * time.Second,
			InitialMaxAge:   3 * 24 * time.Hour,
			SuspendedMaxAge: 45 * 24 * time.Hour,
			OrderStaleAge:   10 * time.Minute,
		},
		Invoice: config.InvoiceConfig{
			Expiry:          time.Hour,
			SyncDelay:       5 * time.Second,
			SyncMaxAttempts: 180,
		},
		Tor: config.TorConfig{PortWhitelist: []int{9735, 10009}},
		Rates: config.RatesConfig{
			TaxCurrency:  "EUR",
			InfoCurrency: "USD",
			Window:       time.Hour,
		},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := newTestClock()
	f := &fixture{
		t:           t,
		ctx:         context.Background(),
		clock:       clock,
		cfg:         testConfig(),
		hosts:       newMemHosts(),
		ports:       newMemPorts(),
		bridges:     newMemBridges(clock.Now),
		orders:      newMemOrders(clock.Now),
		invoices:    newMemInvoices(clock.Now),
		deny:        memDenyList{},
		rates:       &memRates{now: clock.Now},
		nodes:       &memNodes{nodes: map[string]*models.LightningNode{}},
		audit:       &memAudit{},
		reach:       &fakeReach{},
		qr:          &fakeQR{},
		mailer:      &fakeMailer{},
		provisioner: &fakeProvisioner{},
		scheduler:   &fakeScheduler{},
		metrics:     newFakeMetricsStore(),
		factory:     lnnode.NewFactory(),
		bus:         events.NewBus(),
	}
	f.registry = lnnode.NewRegistry(f.nodes, f.factory, nil)

	f.hosts.owners["owner-1"] = &models.Owner{ID: "owner-1", Name: "Alice", Email: "alice@example.com"}
	ciDate := clock.Now()
	f.host = &models.Host{
		ID:                      "host-1",
		IP:                      "10.0.0.1",
		Name:                    "bridge-host",
		OwnerID:                 "owner-1",
		IsEnabled:               true,
		OffersTorBridges:        true,
		OffersRsshTunnels:       true,
		TorBridgeDuration:       models.DefaultTorBridgeDuration,
		TorBridgePriceInitial:   models.DefaultTorBridgePriceInitial,
		TorBridgePriceExtension: models.DefaultTorBridgePriceExtension,
		RsshTunnelPrice:         models.DefaultRsshTunnelPrice,
		TermsOfServiceURL:       "https://example.com/tos",
		CheckInDate:             &ciDate,
		CheckInStatus:           models.CheckInHello,
	}
	f.hosts.put(f.host)
	f.ports.add(&models.PortRange{ID: "range-tor", HostID: "host-1", Kind: models.ProductTorBridge, Start: 20000, End: 20099})
	f.ports.add(&models.PortRange{ID: "range-rssh", HostID: "host-1", Kind: models.ProductRsshTunnel, Start: 30000, End: 30099})

	f.node = &models.LightningNode{ID: "node-1", Name: "fake-1", OwnerID: "owner-1", Kind: models.NodeFake, Priority: 1, IsEnabled: true, IsAlive: true}
	f.nodes.nodes[f.node.ID] = f.node
	f.fakeNode().SetClock(clock.Now)

	f.allocator = NewPortAllocator(f.ports)
	f.invoiceSvc = NewInvoiceService(f.cfg.Invoice, f.invoices, f.registry, f.qr, f.audit, f.bus)
	f.invoiceSvc.SetClock(clock.Now)
	f.bridgeSvc = NewBridgeService(f.cfg.Shop, f.bridges, f.hosts, f.orders, f.allocator, f.provisioner, f.audit)
	f.bridgeSvc.SetClock(clock.Now)
	f.rateSvc = NewRateService(f.cfg.Rates, f.rates, nil)
	f.rateSvc.SetClock(clock.Now)
	f.orderSvc = NewOrderService(f.cfg, f.orders, f.hosts, f.bridgeSvc, f.deny, f.rateSvc, f.reach,
		f.registry, f.invoiceSvc, f.scheduler, f.audit)
	f.orderSvc.SetClock(clock.Now)
	f.hostSvc = NewHostService(f.hosts, f.audit)
	f.hostSvc.SetClock(clock.Now)
	f.nodeSvc = NewNodeService(f.registry, f.hosts, f.mailer, f.audit)
	f.metricsSvc = NewMetrics(f.metrics, f.bridges, f.orders)

	f.bus.OnInvoicePaid("orders", f.orderSvc.HandleInvoicePaid)
	f.bus.OnInvoicePaid("bridges", f.bridgeSvc.HandleInvoicePaid)
	f.bus.OnInvoicePaid("metrics", f.metricsSvc.HandleInvoicePaid)
	f.bus.OnInvoiceExpired("orders", f.orderSvc.HandleInvoiceExpired)
	return f
}

func (f *fixture) fakeNode() *lnnode.FakeNode {
	f.t.Helper()
	c, err := f.factory.Build(f.node)
	if err != nil {
		f.t.Fatalf("build fake node: %v", err)
	}
	return c.(*lnnode.FakeNode)
}

// placeTorOrder creates a tor bridge order and processes it up to payment.
func (f *fixture) placeTorOrder(target string) (*models.PurchaseOrder, *models.Invoice) {
	f.t.Helper()
	order, err := f.orderSvc.CreateOrder(f.ctx, OrderInput{
		Product:     string(models.ProductTorBridge),
		HostID:      f.host.ID,
		TosAccepted: true,
		Target:      target,
	})
	if err != nil {
		f.t.Fatalf("CreateOrder: %v", err)
	}
	if err := f.orderSvc.Process(f.ctx, order.ID); err != nil {
		f.t.Fatalf("Process: %v", err)
	}
	return f.reloadOrder(order.ID), f.onlyInvoice(order.ID)
}

func (f *fixture) reloadOrder(id string) *models.PurchaseOrder {
	f.t.Helper()
	o, err := f.orders.GetByID(f.ctx, id)
	if err != nil {
		f.t.Fatalf("get order: %v", err)
	}
	return o
}

func (f *fixture) reloadBridge(id string) *models.Bridge {
	f.t.Helper()
	b, err := f.bridges.GetByID(f.ctx, id)
	if err != nil {
		f.t.Fatalf("get bridge: %v", err)
	}
	return b
}

func (f *fixture) onlyInvoice(orderID string) *models.Invoice {
	f.t.Helper()
	invs, _ := f.invoices.ListByOrder(f.ctx, orderID)
	if len(invs) != 1 {
		f.t.Fatalf("expected exactly one invoice for order %s, got %d", orderID, len(invs))
	}
	return invs[0]
}

func (f *fixture) settle(inv *models.Invoice) {
	f.t.Helper()
	if err := f.fakeNode().Settle(inv.PaymentHash); err != nil {
		f.t.Fatalf("settle: %v", err)
	}
}

func isValidation(err error, reason string) bool {
	var ve *ValidationError
	return errors.As(err, &ve) && errors.Is(err, ErrValidation) && strings.Contains(ve.Reason, reason)
}
