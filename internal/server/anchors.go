package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sovereign-ledger/sovereign/internal/anchor"
	"github.com/sovereign-ledger/sovereign/internal/bundle"
	"github.com/sovereign-ledger/sovereign/internal/tsa"
)

// AnchorHandler exposes anchor inspection, forced anchoring, and evidence
// export.
type AnchorHandler struct {
	manager  *anchor.Manager
	exporter *bundle.Exporter
	logger   *zap.Logger
}

// NewAnchorHandler creates a new AnchorHandler.
func NewAnchorHandler(m *anchor.Manager, x *bundle.Exporter, logger *zap.Logger) *AnchorHandler {
	return &AnchorHandler{manager: m, exporter: x, logger: logger}
}

// Register mounts the anchor routes on the given router group.
func (h *AnchorHandler) Register(rg *gin.RouterGroup) {
	a := rg.Group("/anchors")
	{
		a.GET("", h.List)
		a.GET("/:id", h.Get)
		a.POST("/verify", h.Verify)
		a.POST("/force", h.Force)
	}
	rg.GET("/export", h.Export)
}

// List handles GET /anchors.
func (h *AnchorHandler) List(c *gin.Context) {
	anchors, err := h.manager.Store().List(c.Request.Context())
	if err != nil {
		h.logger.Error("list anchors", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list anchors"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"anchors": anchors, "count": len(anchors)})
}

// Get handles GET /anchors/:id.
func (h *AnchorHandler) Get(c *gin.Context) {
	a, err := h.manager.Store().GetAnchor(c.Request.Context(), c.Param("id"))
	if errors.Is(err, anchor.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "anchor not found"})
		return
	}
	if err != nil {
		h.logger.Error("get anchor", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read anchor"})
		return
	}
	c.JSON(http.StatusOK, a)
}

// Verify handles POST /anchors/verify. Walks the anchor chain against the
// live ledger.
func (h *AnchorHandler) Verify(c *gin.Context) {
	if err := h.manager.VerifyAnchors(c.Request.Context()); err != nil {
		h.logger.Warn("anchor verification failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// Force handles POST /anchors/force. Anchors all uncovered entries
// regardless of batch completeness.
func (h *AnchorHandler) Force(c *gin.Context) {
	a, err := h.manager.ForceAnchor(c.Request.Context())
	switch {
	case errors.Is(err, tsa.ErrHalted),
		errors.Is(err, tsa.ErrMonotonicViolation),
		errors.Is(err, tsa.ErrClockSkew):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case errors.Is(err, anchor.ErrTooFewBackends):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.logger.Error("force anchor", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create anchor"})
		return
	}

	c.JSON(http.StatusCreated, a)
}

// Export handles GET /export?from=N&to=M. Streams a compliance bundle.
func (h *AnchorHandler) Export(c *gin.Context) {
	var from, to uint64 = 0, ^uint64(0)
	var err error
	if v := c.Query("from"); v != "" {
		if from, err = strconv.ParseUint(v, 10, 64); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be a non-negative integer"})
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = strconv.ParseUint(v, 10, 64); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be a non-negative integer"})
			return
		}
	}

	b, err := h.exporter.Export(c.Request.Context(), from, to)
	if err != nil {
		h.logger.Error("export bundle", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build bundle"})
		return
	}

	c.Header("Content-Disposition", `attachment; filename="sovereign-bundle.json"`)
	c.Header("Content-Type", "application/json")
	c.Status(http.StatusOK)
	if err := b.WriteTo(c.Writer); err != nil {
		h.logger.Error("stream bundle", zap.Error(err))
	}
}
