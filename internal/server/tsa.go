package server

import (
	"encoding/hex"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sovereign-ledger/sovereign/internal/tsa"
)

// TSAHandler serves timestamp tokens from a co-located authority, wire
// compatible with the tsa client.
type TSAHandler struct {
	authority *tsa.Authority
	logger    *zap.Logger
}

// NewTSAHandler creates a new TSAHandler.
func NewTSAHandler(a *tsa.Authority, logger *zap.Logger) *TSAHandler {
	return &TSAHandler{authority: a, logger: logger}
}

// Register mounts the timestamp route on the engine root.
func (h *TSAHandler) Register(r *gin.Engine) {
	r.POST("/timestamp", h.Issue)
}

type timestampRequest struct {
	Digest string `json:"digest" binding:"required"`
}

// Issue handles POST /timestamp.
func (h *TSAHandler) Issue(c *gin.Context) {
	var req timestampRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "digest is required"})
		return
	}
	digest, err := hex.DecodeString(req.Digest)
	if err != nil || len(digest) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "digest must be hex"})
		return
	}

	tok, err := h.authority.RequestTimestamp(c.Request.Context(), digest)
	if err != nil {
		h.logger.Error("issue timestamp", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tok.Raw})
}
