package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/aaron031291/grace-2-sub022/internal/signing"
	"github.com/aaron031291/grace-2-sub022/internal/trust"
	"github.com/aaron031291/grace-2-sub022/internal/trustledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// maxRangeSpan bounds the entries returned by one range query.
const maxRangeSpan = 1000

// LedgerHandler exposes HTTP endpoints for the trust ledger.
type LedgerHandler struct {
	svc    *trust.Service
	logger *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(svc *trust.Service, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{svc: svc, logger: logger}
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledger")
	{
		l.GET("", h.Overview)
		l.GET("/verify", h.Verify)
		l.GET("/entries", h.ListEntries)
		l.POST("/entries", h.Append)
		l.GET("/entries/:seq", h.GetEntry)
	}
}

// Overview handles GET /ledger: returns the chain length and current root hash.
func (h *LedgerHandler) Overview(c *gin.Context) {
	count, root, err := h.svc.LedgerInfo(c.Request.Context())
	if err != nil {
		h.logger.Error("ledger info", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": count,
		"root":    root,
	})
}

// Verify handles GET /ledger/verify?from=: walks the chain and reports
// every issue found.
func (h *LedgerHandler) Verify(c *gin.Context) {
	from, err := strconv.ParseInt(c.DefaultQuery("from", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be an integer"})
		return
	}

	res, a, err := h.svc.VerifyChain(c.Request.Context(), from)
	if err != nil {
		var rangeErr *trustledger.RangeError
		if errors.As(err, &rangeErr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("ledger verify", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify ledger"})
		return
	}

	body := gin.H{"result": res}
	if a != nil {
		body["anomaly"] = a
	}
	c.JSON(http.StatusOK, body)
}

// ListEntries handles GET /ledger/entries?start=&end=: returns entries
// start..end inclusive.
func (h *LedgerHandler) ListEntries(c *gin.Context) {
	start, err := strconv.ParseInt(c.DefaultQuery("start", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start must be an integer"})
		return
	}
	end := start + 99
	if v := c.Query("end"); v != "" {
		if end, err = strconv.ParseInt(v, 10, 64); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "end must be an integer"})
			return
		}
	}
	if end-start >= maxRangeSpan {
		c.JSON(http.StatusBadRequest, gin.H{"error": "range exceeds " + strconv.Itoa(maxRangeSpan) + " entries"})
		return
	}

	seq, err := h.svc.ReadRange(c.Request.Context(), start, end)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	entries, err := trustledger.Collect(seq)
	if err != nil {
		h.logger.Error("ledger read range", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read ledger"})
		return
	}
	if entries == nil {
		entries = []*trustledger.LogEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// GetEntry handles GET /ledger/entries/:seq: returns a single ledger entry.
func (h *LedgerHandler) GetEntry(c *gin.Context) {
	seq, err := strconv.ParseInt(c.Param("seq"), 10, 64)
	if err != nil || seq < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "seq must be a non-negative integer"})
		return
	}

	entry, err := h.svc.Entry(c.Request.Context(), seq)
	if err != nil {
		if errors.Is(err, trustledger.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
			return
		}
		h.logger.Error("ledger get", zap.Int64("seq", seq), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read ledger"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

type appendRequest struct {
	EventType      string   `json:"event_type" binding:"required"`
	Actor          string   `json:"actor"`
	Resource       string   `json:"resource"`
	Payload        any      `json:"payload"`
	TrustScore     *float64 `json:"trust_score"`
	GovernanceTier string   `json:"governance_tier"`
}

// Append handles POST /ledger/entries: appends an auditable fact.
func (h *LedgerHandler) Append(c *gin.Context) {
	var req appendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entry, err := h.svc.AppendEvent(c.Request.Context(), trustledger.AppendRequest{
		EventType:      req.EventType,
		Actor:          req.Actor,
		Resource:       req.Resource,
		Payload:        req.Payload,
		TrustScore:     req.TrustScore,
		GovernanceTier: req.GovernanceTier,
	})
	if err != nil {
		writeAppendError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func writeAppendError(c *gin.Context, logger *zap.Logger, err error) {
	var (
		encErr    *signing.EncodingError
		appendErr *trustledger.AppendFailure
	)
	switch {
	case errors.Is(err, trustledger.ErrInvalidTrustScore),
		errors.Is(err, trustledger.ErrEventTypeRequired),
		errors.As(err, &encErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &appendErr):
		logger.Error("ledger append exhausted retries", zap.Int("attempts", appendErr.Attempts), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger unavailable"})
	default:
		logger.Error("ledger append", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to append entry"})
	}
}
