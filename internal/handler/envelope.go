package handler

import (
	"errors"
	"net/http"

	"github.com/aaron031291/grace-2-sub022/internal/signing"
	"github.com/aaron031291/grace-2-sub022/internal/trust"
	"github.com/aaron031291/grace-2-sub022/internal/trustledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// EnvelopeHandler exposes signing, action submission and key endpoints.
type EnvelopeHandler struct {
	svc    *trust.Service
	logger *zap.Logger
}

// NewEnvelopeHandler creates a new EnvelopeHandler.
func NewEnvelopeHandler(svc *trust.Service, logger *zap.Logger) *EnvelopeHandler {
	return &EnvelopeHandler{svc: svc, logger: logger}
}

// Register mounts the envelope, action and key routes.
func (h *EnvelopeHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/envelopes", h.Create)
	rg.POST("/envelopes/verify", h.Verify)
	rg.POST("/actions", h.Submit)
	rg.GET("/keys", h.ListKeys)
	rg.POST("/keys/rotate", h.RotateKey)
}

type envelopeRequest struct {
	ActionID   string `json:"action_id"`
	Actor      string `json:"actor" binding:"required"`
	ActionType string `json:"action_type" binding:"required"`
	Resource   string `json:"resource"`
	InputData  any    `json:"input_data"`
}

func (r envelopeRequest) envelope() signing.ActionEnvelope {
	return signing.ActionEnvelope{
		ActionID:   r.ActionID,
		Actor:      r.Actor,
		ActionType: r.ActionType,
		Resource:   r.Resource,
		InputData:  r.InputData,
	}
}

// Create handles POST /envelopes: signs an envelope without side effects.
func (h *EnvelopeHandler) Create(c *gin.Context) {
	var req envelopeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	signed, err := h.svc.CreateEnvelope(c.Request.Context(), req.envelope())
	if err != nil {
		var encErr *signing.EncodingError
		if errors.As(err, &encErr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("create envelope", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to sign envelope"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"envelope": req.envelope(), "signed": signed})
}

type verifyRequest struct {
	Envelope envelopeRequest         `json:"envelope"`
	Signed   *signing.SignedEnvelope `json:"signed" binding:"required"`
}

// Verify handles POST /envelopes/verify: checks a signature against the
// historical key that produced it.
func (h *EnvelopeHandler) Verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ok, err := h.svc.VerifyEnvelope(c.Request.Context(), req.Envelope.envelope(), req.Signed)
	if err != nil {
		var malformed *signing.MalformedInputError
		if errors.As(err, &malformed) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("verify envelope", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify envelope"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": ok})
}

// Submit handles POST /actions: records a signed action, then scans it.
func (h *EnvelopeHandler) Submit(c *gin.Context) {
	var req envelopeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub, err := h.svc.SubmitAction(c.Request.Context(), req.envelope())
	if err != nil {
		var encErr *signing.EncodingError
		var appendErr *trustledger.AppendFailure
		switch {
		case errors.Is(err, trust.ErrActorQuarantined):
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		case errors.Is(err, trust.ErrActorThrottled):
			c.Header("Retry-After", "5")
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
		case errors.As(err, &encErr):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.As(err, &appendErr):
			h.logger.Error("submit action: ledger unavailable", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger unavailable"})
		default:
			h.logger.Error("submit action", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit action"})
		}
		return
	}
	c.JSON(http.StatusAccepted, sub)
}

// ListKeys handles GET /keys: lists every signing key epoch, public halves only.
func (h *EnvelopeHandler) ListKeys(c *gin.Context) {
	keys, err := h.svc.Engine().Keys().Keys(c.Request.Context())
	if err != nil {
		h.logger.Error("list keys", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list keys"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

// RotateKey handles POST /keys/rotate: retires the active key.
func (h *EnvelopeHandler) RotateKey(c *gin.Context) {
	ctx := c.Request.Context()
	key, err := h.svc.Engine().Keys().Rotate(ctx)
	if err != nil {
		h.logger.Error("rotate key", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to rotate key"})
		return
	}
	if _, err := h.svc.AppendEvent(ctx, trustledger.AppendRequest{
		EventType: "signing_key_rotated",
		Actor:     "operator",
		Resource:  "key/" + key.KID,
		Payload:   map[string]any{"kid": key.KID, "activated_at": key.ActivatedAt},
	}); err != nil {
		h.logger.Warn("record key rotation", zap.Error(err))
	}
	c.JSON(http.StatusCreated, key.Public())
}
