package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/salvacell/offsync/internal/errors"
	"github.com/salvacell/offsync/internal/models"
	"github.com/salvacell/offsync/internal/offline"
)

var knownEntities = map[string]bool{
	models.EntityCliente:   true,
	models.EntityOrden:     true,
	models.EntityEquipo:    true,
	models.EntityRefaccion: true,
	models.EntityAccesorio: true,
}

func registerRecordRoutes(r *gin.Engine, h *handlers) {
	g := r.Group("/api/records/:entity", h.requireEntity)
	g.GET("", h.listRecords)
	g.POST("", h.createRecord)
	g.GET("/:id", h.getRecord)
	g.PATCH("/:id", h.updateRecord)
	g.DELETE("/:id", h.deleteRecord)

	r.POST("/api/refresh/customers", h.refreshCustomers)
	r.POST("/api/refresh/inventory", h.refreshInventory)
}

func (h *handlers) requireEntity(c *gin.Context) {
	if !knownEntities[c.Param("entity")] {
		writeError(c, apperrors.Newf(apperrors.ErrInvalid, "unknown entity %q", c.Param("entity")))
		c.Abort()
		return
	}
	c.Next()
}

type recordQuery struct {
	Q          string `form:"q"`
	Estado     string `form:"estado"`
	ClienteID  string `form:"clienteId"`
	FechaDesde string `form:"fechaDesde" validate:"omitempty,datetime=2006-01-02"`
	FechaHasta string `form:"fechaHasta" validate:"omitempty,datetime=2006-01-02"`
}

// listRecords searches one entity. Orders take the order filters; the
// catalog entities use their own search fields.
func (h *handlers) listRecords(c *gin.Context) {
	var q recordQuery
	if err := bindQuery(c, &q, h.v); err != nil {
		return
	}
	ctx := c.Request.Context()
	svc := h.deps.Offline

	var (
		recs []*models.Record
		err  error
	)
	switch entity := c.Param("entity"); entity {
	case models.EntityOrden:
		recs, err = svc.ListOrders(ctx, offline.OrderFilter{
			Estado:     q.Estado,
			ClienteID:  q.ClienteID,
			FechaDesde: q.FechaDesde,
			FechaHasta: q.FechaHasta,
		})
	case models.EntityCliente:
		recs, err = svc.SearchCustomers(ctx, q.Q)
	case models.EntityRefaccion:
		recs, err = svc.SearchParts(ctx, q.Q)
	case models.EntityAccesorio:
		recs, err = svc.SearchAccessories(ctx, q.Q)
	default:
		recs, err = svc.List(ctx, entity)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": flattenAll(recs)})
}

func (h *handlers) getRecord(c *gin.Context) {
	rec, err := h.deps.Offline.Get(c.Request.Context(), c.Param("entity"), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec.Flatten())
}

type recordRequest struct {
	Fields map[string]interface{} `json:"fields" validate:"required,min=1"`
}

func (h *handlers) createRecord(c *gin.Context) {
	var req recordRequest
	if err := bindJSON(c, &req, h.v); err != nil {
		return
	}
	rec, err := h.deps.Offline.Create(c.Request.Context(), c.Param("entity"), req.Fields)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Location", "/api/records/"+rec.Entity+"/"+rec.ID)
	c.JSON(http.StatusCreated, rec.Flatten())
}

func (h *handlers) updateRecord(c *gin.Context) {
	var req recordRequest
	if err := bindJSON(c, &req, h.v); err != nil {
		return
	}
	rec, err := h.deps.Offline.Update(c.Request.Context(), c.Param("entity"), c.Param("id"), req.Fields)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec.Flatten())
}

func (h *handlers) deleteRecord(c *gin.Context) {
	if err := h.deps.Offline.Delete(c.Request.Context(), c.Param("entity"), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) refreshCustomers(c *gin.Context) {
	n, err := h.deps.Offline.RefreshCustomers(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"customers": n, "online": h.deps.Network.IsOnline()})
}

func (h *handlers) refreshInventory(c *gin.Context) {
	parts, accessories, err := h.deps.Offline.RefreshInventory(c.Request.Context())
	body := gin.H{"parts": parts, "accessories": accessories, "online": h.deps.Network.IsOnline()}
	if err != nil {
		body["error"] = string(apperrors.CodeOf(err))
		body["message"] = err.Error()
		c.JSON(statusFor(apperrors.CodeOf(err)), body)
		return
	}
	c.JSON(http.StatusOK, body)
}

func flattenAll(recs []*models.Record) []map[string]interface{} {
	out := make([]map[string]interface{}, len(recs))
	for i, r := range recs {
		out[i] = r.Flatten()
	}
	return out
}
