package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"

	apperrors "github.com/salvacell/offsync/internal/errors"
	"github.com/salvacell/offsync/internal/logging"
	"github.com/salvacell/offsync/internal/models"
)

type handlers struct {
	deps Deps
	v    *validatorv10.Validate
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "offsync",
		"online":  h.deps.Network.IsOnline(),
	})
}

func (h *handlers) syncState(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Engine.State())
}

type triggerQuery struct {
	Wait bool `form:"wait"`
}

// syncTrigger requests a pass. With ?wait=true it runs the pass inline and
// returns its result.
func (h *handlers) syncTrigger(c *gin.Context) {
	var q triggerQuery
	if err := bindQuery(c, &q, h.v); err != nil {
		return
	}

	if !q.Wait {
		online := h.deps.Network.IsOnline()
		h.deps.Engine.Trigger()
		c.JSON(http.StatusAccepted, gin.H{"triggered": online})
		return
	}

	result, err := h.deps.Engine.SyncNow(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type queueQuery struct {
	Status string `form:"status" validate:"omitempty,oneof=pending error synced"`
}

func (h *handlers) listQueue(c *gin.Context) {
	var q queueQuery
	if err := bindQuery(c, &q, h.v); err != nil {
		return
	}
	ctx := c.Request.Context()

	items, err := h.deps.Queue.List(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	if q.Status != "" {
		filtered := items[:0]
		for _, it := range items {
			if string(it.Status) == q.Status {
				filtered = append(filtered, it)
			}
		}
		items = filtered
	}
	if items == nil {
		items = []*models.PendingOperation{}
	}

	stats, err := h.deps.Queue.Stats(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "stats": stats, "maxRetries": h.deps.Queue.MaxRetries()})
}

type retryQuery struct {
	All bool `form:"all"`
}

// retryQueue requeues failed items under the cap and runs a pass. With
// ?all=true exhausted items are reset too and the pass is only triggered.
func (h *handlers) retryQueue(c *gin.Context) {
	var q retryQuery
	if err := bindQuery(c, &q, h.v); err != nil {
		return
	}
	ctx := c.Request.Context()

	if q.All {
		n, err := h.deps.Queue.ResetAllRetries(ctx)
		if err != nil {
			writeError(c, err)
			return
		}
		h.refreshPending(c)
		h.deps.Engine.Trigger()
		c.JSON(http.StatusAccepted, gin.H{"reset": n})
		return
	}

	result, err := h.deps.Engine.RetryFailed(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *handlers) purgeSynced(c *gin.Context) {
	n, err := h.deps.Engine.CleanSynced(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": n})
}

func (h *handlers) resetItem(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(c, apperrors.Newf(apperrors.ErrInvalid, "invalid queue id %q", c.Param("id")))
		return
	}
	if err := h.deps.Queue.ResetRetries(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	h.refreshPending(c)
	h.deps.Engine.Trigger()
	c.JSON(http.StatusOK, gin.H{"reset": id})
}

func (h *handlers) refreshPending(c *gin.Context) {
	if _, err := h.deps.Engine.RefreshPendingCount(c.Request.Context()); err != nil {
		logging.Warn("Failed to refresh pending count", map[string]interface{}{"error": err.Error()})
	}
}

func (h *handlers) networkInfo(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Network.ConnectionInfo(c.Request.Context(), h.deps.ProbeTimeout))
}

type networkRequest struct {
	Online *bool `json:"online" validate:"required"`
}

// setNetwork lets a platform adapter push connectivity transitions.
func (h *handlers) setNetwork(c *gin.Context) {
	var req networkRequest
	if err := bindJSON(c, &req, h.v); err != nil {
		return
	}
	h.deps.Network.SetOnline(*req.Online)
	c.JSON(http.StatusOK, gin.H{"online": h.deps.Network.IsOnline()})
}
