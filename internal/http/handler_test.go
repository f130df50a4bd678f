package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ip2tor/shop/internal/config"
	"github.com/ip2tor/shop/internal/db"
	"github.com/ip2tor/shop/internal/models"
	"github.com/ip2tor/shop/internal/service"
)

const testSecret = "test-secret-for-handlers"

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type stubHosts struct {
	hosts    map[string]*models.Host
	checkins []string
}

func (s *stubHosts) List(ctx context.Context) ([]*models.Host, error) {
	var out []*models.Host
	for _, h := range s.hosts {
		out = append(out, h)
	}
	return out, nil
}

func (s *stubHosts) Get(ctx context.Context, id string) (*models.Host, error) {
	h, ok := s.hosts[id]
	if !ok {
		return nil, service.ErrNotFound
	}
	return h, nil
}

func (s *stubHosts) CheckIn(ctx context.Context, hostID, status, message string) (*models.Host, error) {
	ci, err := models.ParseCheckInStatus(status)
	if err != nil {
		return nil, &service.ValidationError{Field: "ci_status", Reason: err.Error()}
	}
	h, err := s.Get(ctx, hostID)
	if err != nil {
		return nil, err
	}
	s.checkins = append(s.checkins, hostID+":"+status)
	h.CheckInStatus, h.CheckInDate = ci, &testNow
	return h, nil
}

func (s *stubHosts) Now() time.Time { return testNow }

type stubOrders struct {
	orders      map[string]*models.PurchaseOrder
	transitions []string
}

func (s *stubOrders) CreateOrder(ctx context.Context, in service.OrderInput) (*models.PurchaseOrder, error) {
	if !in.TosAccepted {
		return nil, &service.ValidationError{Field: "tos_accepted", Reason: "Must accept Terms of Service (ToS): https://example.com/tos"}
	}
	o := &models.PurchaseOrder{ID: fmt.Sprintf("order-%d", len(s.orders)+1), Status: models.OrderInitial}
	s.orders[o.ID] = o
	return o, nil
}

func (s *stubOrders) Get(ctx context.Context, id string) (*models.PurchaseOrder, []*models.Invoice, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, nil, service.ErrNotFound
	}
	inv := &models.Invoice{ID: "inv-1", OrderID: id, AmountMsat: 25000, Status: models.InvoiceUnpaid,
		PaymentRequest: "lnbc1fake", QRImagePath: "qr/inv-1.png", Preimage: []byte("secret")}
	return o, []*models.Invoice{inv}, nil
}

func (s *stubOrders) Extend(ctx context.Context, bridgeID string) (*models.PurchaseOrder, error) {
	if bridgeID != "bridge-1" {
		return nil, service.ErrNotFound
	}
	o := &models.PurchaseOrder{ID: "extension-1", Status: models.OrderInitial}
	s.orders[o.ID] = o
	return o, nil
}

func (s *stubOrders) OperatorTransition(ctx context.Context, id string, to models.OrderStatus, actor, message string) (*models.PurchaseOrder, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, service.ErrNotFound
	}
	if to == models.OrderNeedsRefund && o.Status != models.OrderFulfilled {
		return nil, fmt.Errorf("order %s: %w", id, service.ErrInvalidTransition)
	}
	s.transitions = append(s.transitions, actor+":"+string(to))
	o.Status = to
	return o, nil
}

func (s *stubOrders) Stats(ctx context.Context) ([]models.StatusCount, error) {
	return []models.StatusCount{{Status: "fulfilled", Count: 3}, {Status: "rejected", Count: 1}}, nil
}

type stubInvoices struct{}

func (stubInvoices) Get(ctx context.Context, id string) (*models.Invoice, error) {
	return nil, service.ErrNotFound
}

type stubBridges struct {
	bridges  map[string]*models.Bridge
	sweepErr error
}

func (s *stubBridges) Get(ctx context.Context, id string) (*models.Bridge, error) {
	b, ok := s.bridges[id]
	if !ok {
		return nil, service.ErrNotFound
	}
	return b, nil
}

func (s *stubBridges) ListByHost(ctx context.Context, hostID string, status models.BridgeStatus) ([]*models.Bridge, error) {
	var out []*models.Bridge
	for _, b := range s.bridges {
		if b.HostID == hostID && (status == "" || b.Status == status) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *stubBridges) Transition(ctx context.Context, id string, to models.BridgeStatus, actor string) (*models.Bridge, error) {
	b, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !service.CanTransition(b.Status, to) {
		return nil, service.ErrInvalidTransition
	}
	b.Status = to
	return b, nil
}

func (s *stubBridges) HostTransition(ctx context.Context, hostID, id string, to models.BridgeStatus) (*models.Bridge, error) {
	b, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.HostID != hostID {
		return nil, service.ErrNotFound
	}
	return s.Transition(ctx, id, to, models.ActorHost)
}

func (s *stubBridges) Sweep(ctx context.Context) (service.SweepReport, error) {
	if s.sweepErr != nil {
		return service.SweepReport{Deleted: 1, Failures: 1}, s.sweepErr
	}
	return service.SweepReport{Suspended: 2}, nil
}

func (s *stubBridges) Monitoring(ctx context.Context, hostID string) ([]*models.MonitoringEntry, error) {
	return []*models.MonitoringEntry{{ID: "bridge-1", Port: 20001, Target: "abc.onion:443"}}, nil
}

type stubTasks struct{ deletions []string }

func (s *stubTasks) ScheduleBridgeDeletion(ctx context.Context, id string) error {
	s.deletions = append(s.deletions, id)
	return nil
}

type stubQueue struct{}

func (stubQueue) Pending(ctx context.Context) (int64, int64, error) { return 4, 1, nil }

type testEnv struct {
	t       *testing.T
	handler http.Handler
	hosts   *stubHosts
	orders  *stubOrders
	bridges *stubBridges
	tasks   *stubTasks
	audit   *stubAudit
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	port := 20001
	env := &testEnv{
		t: t,
		hosts: &stubHosts{hosts: map[string]*models.Host{
			"host-1": {ID: "host-1", Name: "bridge-host", IsEnabled: true, OffersTorBridges: true},
		}},
		orders: &stubOrders{orders: map[string]*models.PurchaseOrder{}},
		bridges: &stubBridges{bridges: map[string]*models.Bridge{
			"bridge-1": {ID: "bridge-1", Kind: models.ProductTorBridge, HostID: "host-1", Status: models.BridgeNeedsActivate, Port: &port},
		}},
		tasks: &stubTasks{},
		audit: &stubAudit{},
	}
	cfg := &config.Config{
		Server: config.ServerConfig{Mode: gin.TestMode, BaseURL: "https://shop.example.com/"},
		JWT:    config.JWTConfig{SecretKey: testSecret},
		Media:  config.MediaConfig{URL: "https://shop.example.com/media"},
	}
	srv := NewServer(cfg, Services{
		Hosts:    env.hosts,
		Orders:   env.orders,
		Invoices: stubInvoices{},
		Bridges:  env.bridges,
		Tasks:    env.tasks,
		Queue:    stubQueue{},
		Audit:    env.audit,
		Tables:   stubTables{},
	})
	env.handler = srv.Handler()
	return env
}

func (e *testEnv) token(role, subject string) string {
	e.t.Helper()
	tok, err := IssueToken(testSecret, role, subject, time.Hour)
	if err != nil {
		e.t.Fatalf("IssueToken: %v", err)
	}
	return tok
}

func (e *testEnv) do(method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			e.t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)

	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w, body := env.do(http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health = %d %v", w.Code, body)
	}
}

func TestCreateOrder(t *testing.T) {
	env := newTestEnv(t)

	w, body := env.do(http.MethodPost, "/api/v1/public/orders", "", map[string]any{
		"product": "tor_bridge", "host_id": "host-1", "tos_accepted": true, "target": "abc.onion:443",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %v", w.Code, body)
	}
	if body["url"] != "https://shop.example.com/api/v1/public/orders/order-1" {
		t.Fatalf("url = %v", body["url"])
	}

	w, body = env.do(http.MethodPost, "/api/v1/public/orders", "", map[string]any{
		"product": "tor_bridge", "host_id": "host-1", "target": "abc.onion:443",
	})
	if w.Code != http.StatusBadRequest || body["field"] != "tos_accepted" {
		t.Fatalf("missing ToS: %d %v", w.Code, body)
	}

	w, _ = env.do(http.MethodPost, "/api/v1/public/orders", "", map[string]any{"host_id": "host-1"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing product accepted: %d", w.Code)
	}
}

func TestGetOrderHidesPreimage(t *testing.T) {
	env := newTestEnv(t)
	env.orders.orders["order-9"] = &models.PurchaseOrder{ID: "order-9", Status: models.OrderNeedsToBePaid}

	w, _ := env.do(http.MethodGet, "/api/v1/public/orders/order-9", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if bytes.Contains(w.Body.Bytes(), []byte("preimage")) {
		t.Fatalf("preimage leaked: %s", w.Body.String())
	}
	if !bytes.Contains(w.Body.Bytes(), []byte(`"qr_image":"https://shop.example.com/media/qr/inv-1.png"`)) {
		t.Fatalf("qr url missing: %s", w.Body.String())
	}

	if w, _ := env.do(http.MethodGet, "/api/v1/public/orders/missing", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing order: %d", w.Code)
	}
	if w, _ := env.do(http.MethodGet, "/api/v1/public/invoices/missing", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing invoice: %d", w.Code)
	}
}

func TestExtendBridge(t *testing.T) {
	env := newTestEnv(t)
	w, body := env.do(http.MethodPost, "/api/v1/public/bridges/bridge-1/extend", "", nil)
	if w.Code != http.StatusCreated || body["id"] != "extension-1" {
		t.Fatalf("extend = %d %v", w.Code, body)
	}
}

func TestHostAPIAuth(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"garbage", "not-a-jwt", http.StatusUnauthorized},
		{"admin token", env.token(RoleAdmin, "ops"), http.StatusForbidden},
		{"host token", env.token(RoleHost, "host-1"), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := env.do(http.MethodGet, "/api/v1/host/monitoring", tt.token, nil)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}

	forged, _ := IssueToken("other-secret", RoleHost, "host-1", time.Hour)
	if w, _ := env.do(http.MethodGet, "/api/v1/host/monitoring", forged, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("token with wrong key accepted: %d", w.Code)
	}
}

func TestHostCheckInAndBridges(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(RoleHost, "host-1")

	w, body := env.do(http.MethodPost, "/api/v1/host/check-in", tok, map[string]string{"ci_status": "hello"})
	if w.Code != http.StatusOK || body["ci_status"] != "hello" {
		t.Fatalf("check-in = %d %v", w.Code, body)
	}
	if len(env.hosts.checkins) != 1 || env.hosts.checkins[0] != "host-1:hello" {
		t.Fatalf("check-ins = %v", env.hosts.checkins)
	}
	if w, _ := env.do(http.MethodPost, "/api/v1/host/check-in", tok, map[string]string{"ci_status": "nap"}); w.Code != http.StatusBadRequest {
		t.Fatalf("bad status accepted: %d", w.Code)
	}

	w, body = env.do(http.MethodGet, "/api/v1/host/bridges?status=needs_activate", tok, nil)
	if w.Code != http.StatusOK || len(body["bridges"].([]any)) != 1 {
		t.Fatalf("bridges = %d %v", w.Code, body)
	}
	if w, _ := env.do(http.MethodGet, "/api/v1/host/bridges?status=bogus", tok, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bogus status accepted: %d", w.Code)
	}

	w, body = env.do(http.MethodPost, "/api/v1/host/bridges/bridge-1/status", tok, map[string]string{"status": "active"})
	if w.Code != http.StatusOK || body["status"] != "active" {
		t.Fatalf("report = %d %v", w.Code, body)
	}
	if w, _ := env.do(http.MethodPost, "/api/v1/host/bridges/bridge-1/status", tok, map[string]string{"status": "initial"}); w.Code != http.StatusConflict {
		t.Fatalf("invalid transition: %d", w.Code)
	}

	other := env.token(RoleHost, "host-2")
	if w, _ := env.do(http.MethodPost, "/api/v1/host/bridges/bridge-1/status", other, map[string]string{"status": "failed"}); w.Code != http.StatusNotFound {
		t.Fatalf("foreign host: %d", w.Code)
	}
}

func TestAdminAPI(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(RoleAdmin, "ops")
	env.orders.orders["order-1"] = &models.PurchaseOrder{ID: "order-1", Status: models.OrderFulfilled}

	w, body := env.do(http.MethodPost, "/api/v1/admin/orders/order-1/status", tok, map[string]string{"status": "needs_refund"})
	if w.Code != http.StatusOK || body["status"] != "needs_refund" {
		t.Fatalf("refund = %d %v", w.Code, body)
	}
	if env.orders.transitions[0] != "operator:needs_refund" {
		t.Fatalf("actor not recorded: %v", env.orders.transitions)
	}

	w, body = env.do(http.MethodGet, "/api/v1/admin/stats", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats = %d", w.Code)
	}
	if body["orders"].(map[string]any)["fulfilled"].(float64) != 3 || body["tasks"].(map[string]any)["scheduled"].(float64) != 4 {
		t.Fatalf("stats body = %v", body)
	}

	w, body = env.do(http.MethodPost, "/api/v1/admin/sweep", tok, nil)
	if w.Code != http.StatusOK || body["report"].(map[string]any)["suspended"].(float64) != 2 {
		t.Fatalf("sweep = %d %v", w.Code, body)
	}
	env.bridges.sweepErr = errors.New("bridge x: port not in use")
	w, body = env.do(http.MethodPost, "/api/v1/admin/sweep", tok, nil)
	if w.Code != http.StatusOK || body["error"] == nil {
		t.Fatalf("partial sweep = %d %v", w.Code, body)
	}

	w, _ = env.do(http.MethodPost, "/api/v1/admin/bridges/bridge-1/status", tok, map[string]string{"status": "needs_delete"})
	if w.Code != http.StatusOK {
		t.Fatalf("delete = %d", w.Code)
	}
	if len(env.tasks.deletions) != 1 || env.tasks.deletions[0] != "bridge-1" {
		t.Fatalf("deletion not queued: %v", env.tasks.deletions)
	}

	if w, _ := env.do(http.MethodGet, "/api/v1/admin/stats", env.token(RoleHost, "host-1"), nil); w.Code != http.StatusForbidden {
		t.Fatalf("host token on admin api: %d", w.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatalf("first requests must pass")
	}
	if rl.Allow("a") {
		t.Fatalf("third request must be limited")
	}
	if !rl.Allow("b") {
		t.Fatalf("keys are limited independently")
	}
}

func TestIssueTokenRejectsUnknownRole(t *testing.T) {
	if _, err := IssueToken(testSecret, "root", "x", 0); err == nil {
		t.Fatalf("expected error")
	}
}

type stubAudit struct {
	objectType, objectID string
	limit                int
}

func (a *stubAudit) ListByObject(_ context.Context, objectType, objectID string, limit int) ([]*models.ChangeLog, error) {
	a.objectType, a.objectID, a.limit = objectType, objectID, limit
	return []*models.ChangeLog{
		{ID: "log-2", ObjectType: objectType, ObjectID: objectID, Actor: "system", Message: "paid", CreatedAt: testNow},
		{ID: "log-1", ObjectType: objectType, ObjectID: objectID, Actor: "system", Message: "created", CreatedAt: testNow.Add(-time.Minute)},
	}, nil
}

type stubTables struct{}

func (stubTables) TableCounts(context.Context) ([]db.TableCount, error) {
	return []db.TableCount{{Name: "bridges", Rows: 12}, {Name: "hosts", Rows: 2}}, nil
}

func TestAdminAuditLog(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(RoleAdmin, "ops")

	w, body := env.do(http.MethodGet, "/api/v1/admin/logs/orders/order-1?limit=1000", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("logs = %d %v", w.Code, body)
	}
	if env.audit.objectType != models.ObjectOrder || env.audit.objectID != "order-1" {
		t.Fatalf("queried %s/%s", env.audit.objectType, env.audit.objectID)
	}
	if env.audit.limit != maxAuditLimit {
		t.Fatalf("limit = %d, want capped at %d", env.audit.limit, maxAuditLimit)
	}
	entries := body["entries"].([]any)
	if len(entries) != 2 || entries[0].(map[string]any)["message"] != "paid" {
		t.Fatalf("entries = %v", entries)
	}

	tests := []struct {
		path string
		want int
	}{
		{"/api/v1/admin/logs/wallets/x", http.StatusBadRequest},
		{"/api/v1/admin/logs/bridges/x?limit=0", http.StatusBadRequest},
		{"/api/v1/admin/logs/bridges/x?limit=ten", http.StatusBadRequest},
		{"/api/v1/admin/logs/bridges/x", http.StatusOK},
	}
	for _, tt := range tests {
		if w, _ := env.do(http.MethodGet, tt.path, tok, nil); w.Code != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, w.Code, tt.want)
		}
	}
}

func TestAdminTables(t *testing.T) {
	env := newTestEnv(t)
	w, body := env.do(http.MethodGet, "/api/v1/admin/tables", env.token(RoleAdmin, "ops"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("tables = %d", w.Code)
	}
	tables := body["tables"].([]any)
	if len(tables) != 2 || tables[0].(map[string]any)["rows"].(float64) != 12 {
		t.Fatalf("tables = %v", tables)
	}
}
