package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ip2tor/shop/internal/db"
	"github.com/ip2tor/shop/internal/models"
)

// AuditReader lists the change log of one object
type AuditReader interface {
	ListByObject(ctx context.Context, objectType, objectID string, limit int) ([]*models.ChangeLog, error)
}

// TableStats reports row estimates per table
type TableStats interface {
	TableCounts(ctx context.Context) ([]db.TableCount, error)
}

// path names of the objects that write change log entries
var auditObjectTypes = map[string]string{
	"bridges":  models.ObjectBridge,
	"orders":   models.ObjectOrder,
	"invoices": models.ObjectInvoice,
	"hosts":    models.ObjectHost,
	"nodes":    models.ObjectNode,
}

const maxAuditLimit = 500

type changeLogResponse struct {
	ID        string    `json:"id"`
	Actor     string    `json:"actor"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditLog returns the newest change log entries of an object
// GET /logs/:type/:id?limit=50
func (h *Handler) AuditLog(c *gin.Context) {
	if h.svc.Audit == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "audit log not available"})
		return
	}
	objectType, ok := auditObjectTypes[c.Param("type")]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown object type", "field": "type"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive number", "field": "limit"})
		return
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}

	entries, err := h.svc.Audit.ListByObject(c.Request.Context(), objectType, c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	resp := make([]changeLogResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, changeLogResponse{ID: e.ID, Actor: e.Actor, Message: e.Message, CreatedAt: e.CreatedAt})
	}
	c.JSON(http.StatusOK, gin.H{"type": objectType, "id": c.Param("id"), "entries": resp})
}

// Tables returns the shop tables with approximate row counts
// GET /tables
func (h *Handler) Tables(c *gin.Context) {
	if h.svc.Tables == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "table stats not available"})
		return
	}
	counts, err := h.svc.Tables.TableCounts(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tables": counts})
}
