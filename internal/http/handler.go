package http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/ip2tor/shop/internal/models"
	"github.com/ip2tor/shop/internal/service"
)

type HostAPI interface {
	List(ctx context.Context) ([]*models.Host, error)
	Get(ctx context.Context, id string) (*models.Host, error)
	CheckIn(ctx context.Context, hostID, status, message string) (*models.Host, error)
	Now() time.Time
}

type OrderAPI interface {
	CreateOrder(ctx context.Context, in service.OrderInput) (*models.PurchaseOrder, error)
	Get(ctx context.Context, id string) (*models.PurchaseOrder, []*models.Invoice, error)
	Extend(ctx context.Context, bridgeID string) (*models.PurchaseOrder, error)
	OperatorTransition(ctx context.Context, id string, to models.OrderStatus, actor, message string) (*models.PurchaseOrder, error)
	Stats(ctx context.Context) ([]models.StatusCount, error)
}

type InvoiceAPI interface {
	Get(ctx context.Context, id string) (*models.Invoice, error)
}

type BridgeAPI interface {
	Get(ctx context.Context, id string) (*models.Bridge, error)
	ListByHost(ctx context.Context, hostID string, status models.BridgeStatus) ([]*models.Bridge, error)
	Transition(ctx context.Context, id string, to models.BridgeStatus, actor string) (*models.Bridge, error)
	HostTransition(ctx context.Context, hostID, id string, to models.BridgeStatus) (*models.Bridge, error)
	Sweep(ctx context.Context) (service.SweepReport, error)
	Monitoring(ctx context.Context, hostID string) ([]*models.MonitoringEntry, error)
}

// DeletionScheduler queues the removal of bridges marked needs_delete
type DeletionScheduler interface {
	ScheduleBridgeDeletion(ctx context.Context, bridgeID string) error
}

// QueueStats reports the task backlog
type QueueStats interface {
	Pending(ctx context.Context) (scheduled, ready int64, err error)
}

// Services are the collaborators of the handlers. Tasks, Queue, Audit and
// Tables are optional.
type Services struct {
	Hosts    HostAPI
	Orders   OrderAPI
	Invoices InvoiceAPI
	Bridges  BridgeAPI
	Tasks    DeletionScheduler
	Queue    QueueStats
	Audit    AuditReader
	Tables   TableStats
}

type Handler struct {
	svc      Services
	baseURL  string
	mediaURL string
}

func NewHandler(services Services, baseURL, mediaURL string) *Handler {
	return &Handler{
		svc:      services,
		baseURL:  strings.TrimRight(baseURL, "/"),
		mediaURL: strings.TrimRight(mediaURL, "/"),
	}
}

// respondError maps service errors to status codes. Unexpected errors are
// logged and hidden from the client.
func respondError(c *gin.Context, err error) {
	var ve *service.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Reason, "field": ve.Field})
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, service.ErrInvalidTransition), errors.Is(err, service.ErrStatusConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrNoEligibleNode):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		log.Error().Str("component", "http").Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (h *Handler) orderURL(id string) string {
	return h.baseURL + "/api/v1/public/orders/" + id
}

// ==================== Public API Handlers ====================

func (h *Handler) ListHosts(c *gin.Context) {
	hosts, err := h.svc.Hosts.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	now := h.svc.Hosts.Now()
	resp := make([]*models.HostResponse, 0, len(hosts))
	for _, host := range hosts {
		resp = append(resp, models.NewHostResponse(host, now))
	}
	c.JSON(http.StatusOK, gin.H{"hosts": resp})
}

func (h *Handler) GetHost(c *gin.Context) {
	host, err := h.svc.Hosts.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.NewHostResponse(host, h.svc.Hosts.Now()))
}

// CreateOrder validates the request synchronously; the rest of the pipeline
// runs in the worker
func (h *Handler) CreateOrder(c *gin.Context) {
	var req models.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order, err := h.svc.Orders.CreateOrder(c.Request.Context(), service.OrderInput{
		Product:     req.Product,
		HostID:      req.HostID,
		TosAccepted: req.TosAccepted,
		Comment:     req.Comment,
		Target:      req.Target,
		PublicKey:   req.PublicKey,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, models.CreateOrderResponse{ID: order.ID, URL: h.orderURL(order.ID)})
}

func (h *Handler) GetOrder(c *gin.Context) {
	order, invoices, err := h.svc.Orders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.NewOrderResponse(order, invoices, h.mediaURL))
}

func (h *Handler) GetInvoice(c *gin.Context) {
	inv, err := h.svc.Invoices.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.NewInvoiceResponse(inv, h.mediaURL))
}

func (h *Handler) GetBridge(c *gin.Context) {
	b, err := h.svc.Bridges.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.NewBridgeResponse(b))
}

// ExtendBridge orders another period of an existing bridge
func (h *Handler) ExtendBridge(c *gin.Context) {
	order, err := h.svc.Orders.Extend(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.CreateOrderResponse{ID: order.ID, URL: h.orderURL(order.ID)})
}

// ==================== Host API Handlers ====================

func (h *Handler) CheckIn(c *gin.Context) {
	var req models.CheckInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	host, err := h.svc.Hosts.CheckIn(c.Request.Context(), c.GetString(ctxSubject), req.CIStatus, req.CIMessage)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.NewHostResponse(host, h.svc.Hosts.Now()))
}

// ListHostBridges lists the bridges of the calling host, optionally by status
func (h *Handler) ListHostBridges(c *gin.Context) {
	status := models.BridgeStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + string(status)})
		return
	}
	bridges, err := h.svc.Bridges.ListByHost(c.Request.Context(), c.GetString(ctxSubject), status)
	if err != nil {
		respondError(c, err)
		return
	}
	resp := make([]*models.BridgeResponse, 0, len(bridges))
	for _, b := range bridges {
		resp = append(resp, models.NewBridgeResponse(b))
	}
	c.JSON(http.StatusOK, gin.H{"bridges": resp})
}

// ReportBridgeStatus applies the status the host agent reached for a bridge
func (h *Handler) ReportBridgeStatus(c *gin.Context) {
	var req models.BridgeStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	b, err := h.svc.Bridges.HostTransition(c.Request.Context(), c.GetString(ctxSubject), c.Param("id"), models.BridgeStatus(req.Status))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.NewBridgeResponse(b))
}

// Monitoring lists what telegraf on the host should watch
func (h *Handler) Monitoring(c *gin.Context) {
	entries, err := h.svc.Bridges.Monitoring(c.Request.Context(), c.GetString(ctxSubject))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bridges": entries})
}

// ==================== Admin API Handlers ====================

func (h *Handler) SetOrderStatus(c *gin.Context) {
	var req models.OrderStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order, err := h.svc.Orders.OperatorTransition(c.Request.Context(), c.Param("id"),
		models.OrderStatus(req.Status), models.ActorOperator, req.Message)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.NewOrderResponse(order, nil, h.mediaURL))
}

// SetBridgeStatus moves a bridge as an operator. Bridges moved to
// needs_delete are queued for deletion.
func (h *Handler) SetBridgeStatus(c *gin.Context) {
	var req models.BridgeStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	to := models.BridgeStatus(req.Status)
	if !to.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + req.Status})
		return
	}

	ctx := c.Request.Context()
	b, err := h.svc.Bridges.Transition(ctx, c.Param("id"), to, models.ActorOperator)
	if err != nil {
		respondError(c, err)
		return
	}
	if to == models.BridgeNeedsDelete && h.svc.Tasks != nil {
		if err := h.svc.Tasks.ScheduleBridgeDeletion(ctx, b.ID); err != nil {
			log.Warn().Str("component", "http").Err(err).Str("bridge_id", b.ID).Msg("deletion not queued, sweep will pick it up")
		}
	}
	c.JSON(http.StatusOK, models.NewBridgeResponse(b))
}

func (h *Handler) Stats(c *gin.Context) {
	ctx := c.Request.Context()
	orders, err := h.svc.Orders.Stats(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	counts := make(map[string]int, len(orders))
	for _, sc := range orders {
		counts[sc.Status] = sc.Count
	}
	resp := gin.H{"orders": counts}

	if h.svc.Queue != nil {
		scheduled, ready, err := h.svc.Queue.Pending(ctx)
		if err != nil {
			log.Warn().Str("component", "http").Err(err).Msg("queue stats unavailable")
		} else {
			resp["tasks"] = gin.H{"scheduled": scheduled, "ready": ready}
		}
	}
	c.JSON(http.StatusOK, resp)
}

// Sweep runs the bridge sweep now. Failures of single bridges are reported
// next to the counts.
func (h *Handler) Sweep(c *gin.Context) {
	report, err := h.svc.Bridges.Sweep(c.Request.Context())
	resp := gin.H{"report": report}
	if err != nil {
		if report.Failures == 0 {
			respondError(c, err)
			return
		}
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}
