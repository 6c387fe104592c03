package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/aaron031291/grace-2-sub022/internal/anomaly"
	"github.com/aaron031291/grace-2-sub022/internal/governance"
	"github.com/aaron031291/grace-2-sub022/internal/healing"
	"github.com/aaron031291/grace-2-sub022/internal/trust"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AnomalyHandler exposes anomalies, verification signals, healing and the
// governance escalation stream.
type AnomalyHandler struct {
	svc       *trust.Service
	broker    *governance.Broker // nil = no escalation stream
	keepAlive time.Duration
	logger    *zap.Logger
}

// NewAnomalyHandler creates a new AnomalyHandler.
func NewAnomalyHandler(svc *trust.Service, logger *zap.Logger) *AnomalyHandler {
	return &AnomalyHandler{svc: svc, keepAlive: 15 * time.Second, logger: logger}
}

// SetBroker enables GET /governance/stream.
func (h *AnomalyHandler) SetBroker(b *governance.Broker, keepAlive time.Duration) {
	h.broker = b
	if keepAlive > 0 {
		h.keepAlive = keepAlive
	}
}

// Register mounts the anomaly routes.
func (h *AnomalyHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/anomalies", h.List)
	rg.GET("/anomalies/:id", h.Get)
	rg.POST("/anomalies/:id/heal", h.Heal)
	rg.POST("/signals/verification", h.ReportVerification)
	rg.GET("/verification-events", h.ListEvents)
	if h.broker != nil {
		rg.GET("/governance/stream", h.broker.Stream(h.keepAlive))
	}
}

func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}

// List handles GET /anomalies?open=true&limit=.
func (h *AnomalyHandler) List(c *gin.Context) {
	openOnly := c.Query("open") == "true"
	list, err := h.svc.Detector().List(c.Request.Context(), openOnly, queryLimit(c))
	if err != nil {
		h.logger.Error("list anomalies", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list anomalies"})
		return
	}
	if list == nil {
		list = []*anomaly.Anomaly{}
	}
	c.JSON(http.StatusOK, gin.H{"anomalies": list, "count": len(list)})
}

// Get handles GET /anomalies/:id: returns the anomaly and its healing attempts.
func (h *AnomalyHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	a, err := h.svc.Detector().Get(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, anomaly.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "anomaly not found"})
			return
		}
		h.logger.Error("get anomaly", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get anomaly"})
		return
	}

	body := gin.H{"anomaly": a}
	attempts, err := h.svc.Attempts(ctx, a.ID)
	switch {
	case err == nil:
		if attempts == nil {
			attempts = []*healing.Attempt{}
		}
		body["attempts"] = attempts
	case errors.Is(err, trust.ErrHealingDisabled):
	default:
		h.logger.Warn("list healing attempts", zap.String("anomaly_id", a.ID), zap.Error(err))
	}
	c.JSON(http.StatusOK, body)
}

// Heal handles POST /anomalies/:id/heal: runs one remediation attempt now.
func (h *AnomalyHandler) Heal(c *gin.Context) {
	att, err := h.svc.Handle(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, anomaly.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "anomaly not found"})
		case errors.Is(err, healing.ErrAlreadyInFlight), errors.Is(err, healing.ErrAlreadyResolved):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, trust.ErrHealingDisabled):
			c.JSON(http.StatusNotImplemented, gin.H{"error": err.Error()})
		default:
			h.logger.Error("heal anomaly", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to heal anomaly"})
		}
		return
	}
	c.JSON(http.StatusOK, att)
}

type verificationRequest struct {
	VerificationType string         `json:"verification_type" binding:"required"`
	TargetComponent  string         `json:"target_component"`
	Method           string         `json:"method"`
	Result           string         `json:"result"`
	Passed           bool           `json:"passed"`
	AnomalyScore     float64        `json:"anomaly_score"`
	Confidence       float64        `json:"confidence"`
	Details          map[string]any `json:"details"`
	VerifiedBy       string         `json:"verified_by"`
}

// ReportVerification handles POST /signals/verification: records an
// externally produced verification event and classifies it.
func (h *AnomalyHandler) ReportVerification(c *gin.Context) {
	var req verificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ev := &anomaly.VerificationEvent{
		VerificationType: req.VerificationType,
		TargetComponent:  req.TargetComponent,
		Method:           req.Method,
		Result:           req.Result,
		Passed:           req.Passed,
		AnomalyScore:     req.AnomalyScore,
		Confidence:       req.Confidence,
		Details:          req.Details,
		VerifiedBy:       req.VerifiedBy,
	}
	a, err := h.svc.ReportVerification(c.Request.Context(), ev)
	if err != nil {
		h.logger.Error("report verification", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record verification event"})
		return
	}

	body := gin.H{"event": ev}
	if a != nil {
		body["anomaly"] = a
	}
	c.JSON(http.StatusCreated, body)
}

// ListEvents handles GET /verification-events?limit=.
func (h *AnomalyHandler) ListEvents(c *gin.Context) {
	events, err := h.svc.Detector().Events(c.Request.Context(), queryLimit(c))
	if err != nil {
		h.logger.Error("list verification events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list events"})
		return
	}
	if events == nil {
		events = []*anomaly.VerificationEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}
