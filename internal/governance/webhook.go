package governance

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aaron031291/grace-2-sub022/internal/signing"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Headers set on every webhook delivery.
const (
	HeaderSignature = "X-Trust-Signature"
	HeaderToken     = "X-Trust-Token"
)

// tokenTTL bounds how long a delivery token is accepted by receivers.
const tokenTTL = 5 * time.Minute

// WebhookConfig configures a WebhookNotifier.
type WebhookConfig struct {
	URL     string
	Secret  string
	Timeout time.Duration
	// Delays between attempts; defaults to 1s, 5s, 25s.
	Delays []time.Duration
	// OAuth2, when set, authenticates deliveries with a client-credentials
	// bearer token.
	OAuth2 *clientcredentials.Config
}

func (c WebhookConfig) withDefaults() WebhookConfig {
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	if len(c.Delays) == 0 {
		c.Delays = []time.Duration{1 * time.Second, 5 * time.Second, 25 * time.Second}
	}
	return c
}

// MaxDelivery is the longest a Notify call can take when every attempt runs
// to its timeout. Callers bounding Notify with a deadline need at least this
// much for the last retry to be made.
func (c WebhookConfig) MaxDelivery() time.Duration {
	c = c.withDefaults()
	total := time.Duration(len(c.Delays)+1) * c.Timeout
	for _, d := range c.Delays {
		total += d
	}
	return total
}

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// DeliveryClaims are carried in the X-Trust-Token JWT. BodySHA256 binds the
// token to the exact request body.
type DeliveryClaims struct {
	BodySHA256 string `json:"body_sha256"`
	jwt.RegisteredClaims
}

// WebhookNotifier POSTs escalations as JSON. Each delivery carries an
// HMAC-SHA256 body signature and an EdDSA JWT signed with the active
// signing key, so receivers can authenticate it against GET /keys.
type WebhookNotifier struct {
	cfg        WebhookConfig
	keys       signing.KeyStore
	httpClient *http.Client
	onMetrics  MetricsRecorder
	logger     *zap.Logger
}

// NewWebhookNotifier creates a WebhookNotifier. keys may be nil, in which
// case no token header is sent.
func NewWebhookNotifier(cfg WebhookConfig, keys signing.KeyStore, logger *zap.Logger) *WebhookNotifier {
	cfg = cfg.withDefaults()

	client := &http.Client{Timeout: cfg.Timeout}
	if cfg.OAuth2 != nil {
		base := context.WithValue(context.Background(), oauth2.HTTPClient, client)
		client = cfg.OAuth2.Client(base)
		client.Timeout = cfg.Timeout
	}
	return &WebhookNotifier{
		cfg:        cfg,
		keys:       keys,
		httpClient: client,
		logger:     logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (w *WebhookNotifier) SetMetricsRecorder(fn MetricsRecorder) {
	w.onMetrics = fn
}

// Notify implements Notifier. It makes one attempt plus one retry per
// configured delay and returns an error only when every attempt failed.
func (w *WebhookNotifier) Notify(ctx context.Context, e Escalation) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal escalation: %w", err)
	}
	signature := signPayload(body, w.cfg.Secret)

	token := ""
	if w.keys != nil {
		token, err = w.deliveryToken(ctx, e.ID, body)
		if err != nil {
			return fmt.Errorf("sign delivery token: %w", err)
		}
	}

	var lastErr string
	for attempt := 0; attempt <= len(w.cfg.Delays); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.cfg.Delays[attempt-1]):
			}
		}

		success, status, errMsg := w.doDelivery(ctx, body, signature, token)
		if w.onMetrics != nil {
			w.onMetrics(success)
		}
		if success {
			w.logger.Info("governance: escalation delivered",
				zap.String("escalation_id", e.ID),
				zap.Int("status", status),
				zap.Int("attempt", attempt+1),
			)
			return nil
		}
		lastErr = errMsg
		w.logger.Warn("governance: webhook delivery failed",
			zap.String("url", w.cfg.URL),
			zap.Int("attempt", attempt+1),
			zap.String("error", errMsg),
		)
	}
	return fmt.Errorf("webhook delivery to %s failed: %s", w.cfg.URL, lastErr)
}

// doDelivery performs a single HTTP POST delivery.
func (w *WebhookNotifier) doDelivery(ctx context.Context, body []byte, signature, token string) (bool, int, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return false, 0, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, signature)
	if token != "" {
		req.Header.Set(HeaderToken, token)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return false, 0, err.Error()
	}
	defer resp.Body.Close()
	io.ReadAll(io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	errMsg := ""
	if !success {
		errMsg = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return success, resp.StatusCode, errMsg
}

func (w *WebhookNotifier) deliveryToken(ctx context.Context, subject string, body []byte) (string, error) {
	key, err := w.keys.Active(ctx)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(body)
	now := time.Now().UTC()
	claims := DeliveryClaims{
		BodySHA256: hex.EncodeToString(sum[:]),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    key.Signer,
			Subject:   subject,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = key.KID
	return token.SignedString(key.PrivateKey())
}

// VerifyDelivery checks a received webhook: the token must be a valid EdDSA
// JWT from a key known to keys and must be bound to body.
func VerifyDelivery(ctx context.Context, keys signing.KeyStore, token string, body []byte) (*DeliveryClaims, error) {
	claims := &DeliveryClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			kid, _ := tok.Header["kid"].(string)
			key, err := keys.PublicKey(ctx, kid)
			if err != nil {
				return nil, err
			}
			return ed25519.PublicKey(key.PublicKey), nil
		},
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(body)
	if claims.BodySHA256 != hex.EncodeToString(sum[:]) {
		return nil, errors.New("token not bound to body")
	}
	return claims, nil
}

// VerifySignature reports whether header is the HMAC signature of body.
func VerifySignature(body []byte, secret, header string) bool {
	return hmac.Equal([]byte(signPayload(body, secret)), []byte(header))
}

// signPayload computes an HMAC-SHA256 signature.
func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
