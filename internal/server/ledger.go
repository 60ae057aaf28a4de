package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sovereign-ledger/sovereign/internal/ledger"
)

// LedgerHandler exposes the append and verification endpoints of the audit
// ledger.
type LedgerHandler struct {
	ledger *ledger.Ledger
	logger *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(l *ledger.Ledger, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: l, logger: logger}
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledger")
	{
		l.GET("", h.Overview)
		l.POST("/entries", h.Append)
		l.GET("/entries/:seq", h.GetEntry)
		l.GET("/verify", h.Verify)
		l.POST("/unfreeze", h.Unfreeze)
	}
}

type appendRequest struct {
	EventType string `json:"event_type" binding:"required"`
	Payload   []byte `json:"payload" binding:"required"`
}

// Append handles POST /ledger/entries.
func (h *LedgerHandler) Append(c *gin.Context) {
	var req appendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "event_type and payload are required"})
		return
	}

	e, err := h.ledger.Append(c.Request.Context(), req.EventType, req.Payload)
	if errors.Is(err, ledger.ErrFrozen) {
		c.JSON(http.StatusConflict, gin.H{"error": "ledger is frozen pending operator review"})
		return
	}
	if err != nil {
		h.logger.Error("ledger append", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to append entry"})
		return
	}

	RecordAppend()
	c.JSON(http.StatusCreated, e)
}

// Overview handles GET /ledger: chain length, head hash, and freeze state.
func (h *LedgerHandler) Overview(c *gin.Context) {
	count, err := h.ledger.Len(c.Request.Context())
	if err != nil {
		h.logger.Error("ledger Len", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}

	frozen, reason := h.ledger.Frozen()
	resp := gin.H{
		"entries": count,
		"head":    h.ledger.Head(),
		"frozen":  frozen,
	}
	if frozen {
		resp["freeze_reason"] = reason
	}
	c.JSON(http.StatusOK, resp)
}

// GetEntry handles GET /ledger/entries/:seq.
func (h *LedgerHandler) GetEntry(c *gin.Context) {
	seq, err := strconv.ParseUint(c.Param("seq"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "seq must be a non-negative integer"})
		return
	}

	e, err := h.ledger.Get(c.Request.Context(), seq)
	if errors.Is(err, ledger.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
		return
	}
	if err != nil {
		h.logger.Error("ledger get", zap.Uint64("seq", seq), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read entry"})
		return
	}

	c.JSON(http.StatusOK, e)
}

type unfreezeRequest struct {
	Operator string `json:"operator" binding:"required"`
}

// Unfreeze handles POST /ledger/unfreeze. The operator identity is required
// and logged; clearing a freeze without fixing the underlying violation just
// freezes again on the next verification.
func (h *LedgerHandler) Unfreeze(c *gin.Context) {
	var req unfreezeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "operator is required"})
		return
	}

	frozen, _ := h.ledger.Frozen()
	if !frozen {
		c.JSON(http.StatusConflict, gin.H{"error": "ledger is not frozen"})
		return
	}

	h.ledger.Unfreeze(req.Operator)
	c.JSON(http.StatusOK, gin.H{"frozen": false})
}

// Verify handles GET /ledger/verify?from=N&to=M. With no bounds it walks the
// whole chain.
func (h *LedgerHandler) Verify(c *gin.Context) {
	ctx := c.Request.Context()

	count, err := h.ledger.Len(ctx)
	if err != nil {
		h.logger.Error("ledger Len", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}
	if count == 0 {
		c.JSON(http.StatusOK, gin.H{"valid": true, "checked": 0})
		return
	}

	from, to := uint64(0), count-1
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

	res, err := h.ledger.VerifyChain(ctx, from, to)
	if err != nil {
		h.logger.Error("verify chain", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification could not complete"})
		return
	}

	RecordVerification(res.Valid)
	if !res.Valid {
		h.logger.Warn("chain verification failed",
			zap.Uint64p("first_failure", res.FirstFailure),
			zap.String("reason", res.Reason))
	}
	c.JSON(http.StatusOK, res)
}
