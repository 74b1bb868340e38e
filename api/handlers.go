package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mohans/genq/service"
	"github.com/mohans/genq/task"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	svc *service.Service
	log *slog.Logger
}

// NewHandlers creates a new handlers instance
func NewHandlers(svc *service.Service, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{svc: svc, log: log.With("component", "api")}
}

// Submit returns the handler for POST submissions of kind.
func (h *Handlers) Submit(kind task.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "cannot read request body"})
			return
		}
		receipt, err := h.svc.Enqueue(c.Request.Context(), kind, body, service.Meta{ClientIP: c.ClientIP()})
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "task": receipt})
	}
}

// Status returns the handler for GET .../status/:taskId. A non-empty domain
// hides tasks of other domains.
func (h *Handlers) Status(domain string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("taskId")
		if !inDomain(id, domain) {
			h.fail(c, service.ErrNotFound)
			return
		}
		view, err := h.svc.Status(c.Request.Context(), id)
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "task": view})
	}
}

// Cancel handles DELETE /api/tasks/:taskId
func (h *Handlers) Cancel(c *gin.Context) {
	rec, err := h.svc.Cancel(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "task": rec})
}

// Audio returns the handler for GET .../audio/:taskId
func (h *Handlers) Audio(domain string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("taskId")
		if !inDomain(id, domain) {
			h.fail(c, service.ErrNotFound)
			return
		}
		h.stream(c, func() (*service.Download, error) { return h.svc.Audio(c.Request.Context(), id) })
	}
}

// Video handles GET /api/tts-to-video/video/:taskId
func (h *Handlers) Video(c *gin.Context) {
	id := c.Param("taskId")
	if !inDomain(id, task.DomainTTSToVideo) {
		h.fail(c, service.ErrNotFound)
		return
	}
	h.stream(c, func() (*service.Download, error) { return h.svc.Video(c.Request.Context(), id) })
}

func (h *Handlers) stream(c *gin.Context, open func() (*service.Download, error)) {
	d, err := open()
	if err != nil {
		h.fail(c, err)
		return
	}
	defer d.Body.Close()
	c.DataFromReader(http.StatusOK, -1, d.ContentType, d.Body, map[string]string{
		"Content-Disposition": fmt.Sprintf(`attachment; filename="%s"`, d.FileName),
	})
}

// Stats handles GET /api/queue/stats
func (h *Handlers) Stats(c *gin.Context) {
	stats, err := h.svc.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "stats": stats})
}

// Health handles GET /health
func (h *Handlers) Health(c *gin.Context) {
	health := h.svc.Health(c.Request.Context())
	code := http.StatusOK
	if !health.OK {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, health)
}

func inDomain(id, domain string) bool {
	if domain == "" {
		return true
	}
	route, ok := task.RouteForID(id)
	return ok && route.Domain == domain
}

func (h *Handlers) fail(c *gin.Context, err error) {
	var (
		ve *service.ValidationError
		ce *service.ConflictError
	)
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": ve.Error(), "problems": ve.Problems})
	case errors.As(err, &ce):
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": ce.Reason, "status": ce.Status})
	case errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrNoArtifact):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": err.Error()})
	default:
		h.log.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
	}
}
