package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is wrapped by APIError for 404 responses.
var ErrNotFound = errors.New("not found")

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.StatusCode, e.Message)
}

// Unwrap lets errors.Is(err, ErrNotFound) match 404 responses.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

// LedgerInfo is the result of GET /ledger.
type LedgerInfo struct {
	Entries int64  `json:"entries"`
	Root    string `json:"root"`
}

// Entry is one ledger entry.
type Entry struct {
	EntryID        string          `json:"entry_id"`
	Sequence       int64           `json:"sequence_number"`
	PrevHash       string          `json:"prev_hash"`
	Hash           string          `json:"hash"`
	Timestamp      time.Time       `json:"timestamp"`
	EventType      string          `json:"event_type"`
	Actor          string          `json:"actor"`
	Resource       string          `json:"resource"`
	Payload        json.RawMessage `json:"payload"`
	TrustScore     *float64        `json:"trust_score,omitempty"`
	GovernanceTier string          `json:"governance_tier,omitempty"`
}

// AppendRequest is the payload for Append.
type AppendRequest struct {
	EventType      string   `json:"event_type"`
	Actor          string   `json:"actor,omitempty"`
	Resource       string   `json:"resource,omitempty"`
	Payload        any      `json:"payload,omitempty"`
	TrustScore     *float64 `json:"trust_score,omitempty"`
	GovernanceTier string   `json:"governance_tier,omitempty"`
}

// ChainBreak is one issue found by chain verification.
type ChainBreak struct {
	EntryID  string `json:"entry_id"`
	Sequence int64  `json:"sequence_number"`
	Reason   string `json:"reason"`
	Detail   string `json:"detail,omitempty"`
}

// VerifyResult is the result of GET /ledger/verify.
type VerifyResult struct {
	FromSequence    int64        `json:"from_sequence"`
	ToSequence      int64        `json:"to_sequence"`
	TotalEntries    int64        `json:"total_entries"`
	VerifiedEntries int64        `json:"verified_entries"`
	ChainIntegrity  bool         `json:"chain_integrity"`
	Issues          []ChainBreak `json:"issues"`
	AnomalyID       string       `json:"-"`
}

// Envelope describes one action to sign.
type Envelope struct {
	ActionID   string `json:"action_id,omitempty"`
	Actor      string `json:"actor"`
	ActionType string `json:"action_type"`
	Resource   string `json:"resource,omitempty"`
	InputData  any    `json:"input_data,omitempty"`
}

// Signed is the signature record produced for an Envelope.
type Signed struct {
	Signature string    `json:"signature"`
	InputHash string    `json:"input_hash"`
	KeyID     string    `json:"kid"`
	Signer    string    `json:"signer"`
	SignedAt  time.Time `json:"signed_at"`
}

// Submission is the result of SubmitAction.
type Submission struct {
	Envelope Envelope        `json:"envelope"`
	Signed   Signed          `json:"signed"`
	Entry    Entry           `json:"entry"`
	Threat   json.RawMessage `json:"threat"`
	Anomaly  *Anomaly        `json:"anomaly,omitempty"`
}

// Key is the public half of one signing key epoch.
type Key struct {
	KID         string     `json:"kid"`
	Signer      string     `json:"signer"`
	PublicKey   []byte     `json:"public_key"`
	ActivatedAt time.Time  `json:"activated_at"`
	RetiredAt   *time.Time `json:"retired_at,omitempty"`
}

// Anomaly is an anomaly record.
type Anomaly struct {
	ID              string          `json:"anomaly_id"`
	Type            string          `json:"type"`
	Severity        string          `json:"severity"`
	SourceComponent string          `json:"source_component"`
	DetectedAt      time.Time       `json:"detected_at"`
	Evidence        json.RawMessage `json:"evidence"`
	Resolved        bool            `json:"resolved"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
	Escalations     int             `json:"escalations"`
}

// Attempt is one healing attempt.
type Attempt struct {
	ID          string     `json:"attempt_id"`
	AnomalyID   string     `json:"anomaly_id"`
	Number      int        `json:"attempt_number"`
	ActionTaken string     `json:"action_taken"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Outcome     string     `json:"outcome,omitempty"`
	Details     string     `json:"details,omitempty"`
}

// Client talks to one trustd server.
type Client struct {
	base       string
	httpClient *http.Client
	token      string
	actor      string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return errors.New("http client is nil")
		}
		c.httpClient = hc
		return nil
	}
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.httpClient.Timeout = d
		return nil
	}
}

// WithBearerToken attaches a bearer token to every request, for servers
// deployed behind an authenticating proxy.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.token = token
		return nil
	}
}

// WithActor names the agent requests are made for. trustd rate-limits each
// actor separately from the client's address.
func WithActor(actor string) Option {
	return func(c *Client) error {
		c.actor = actor
		return nil
	}
}

// New creates a Client for the server at base, e.g. "http://localhost:8080".
func New(base string, opts ...Option) (*Client, error) {
	if base == "" {
		return nil, errors.New("server URL is required")
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// LedgerInfo returns the ledger length and root hash.
func (c *Client) LedgerInfo(ctx context.Context) (*LedgerInfo, error) {
	var out LedgerInfo
	if err := c.call(ctx, http.MethodGet, "/api/v1/ledger", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyChain verifies the ledger from fromSequence. When the server opened
// an anomaly for a broken chain its id is set on the result.
func (c *Client) VerifyChain(ctx context.Context, fromSequence int64) (*VerifyResult, error) {
	var out struct {
		Result  VerifyResult `json:"result"`
		Anomaly *Anomaly     `json:"anomaly"`
	}
	path := "/api/v1/ledger/verify?from=" + strconv.FormatInt(fromSequence, 10)
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if out.Anomaly != nil {
		out.Result.AnomalyID = out.Anomaly.ID
	}
	return &out.Result, nil
}

// Entries returns entries start..end inclusive.
func (c *Client) Entries(ctx context.Context, start, end int64) ([]Entry, error) {
	q := url.Values{}
	q.Set("start", strconv.FormatInt(start, 10))
	q.Set("end", strconv.FormatInt(end, 10))
	var out struct {
		Entries []Entry `json:"entries"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/ledger/entries?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// Entry returns the entry at seq.
func (c *Client) Entry(ctx context.Context, seq int64) (*Entry, error) {
	var out Entry
	if err := c.call(ctx, http.MethodGet, "/api/v1/ledger/entries/"+strconv.FormatInt(seq, 10), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Append appends an entry to the ledger.
func (c *Client) Append(ctx context.Context, req AppendRequest) (*Entry, error) {
	var out Entry
	if err := c.call(ctx, http.MethodPost, "/api/v1/ledger/entries", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Sign signs env without recording it.
func (c *Client) Sign(ctx context.Context, env Envelope) (*Signed, error) {
	var out struct {
		Signed Signed `json:"signed"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/v1/envelopes", env, &out); err != nil {
		return nil, err
	}
	return &out.Signed, nil
}

// Verify checks signed against env. A false result is not an error.
func (c *Client) Verify(ctx context.Context, env Envelope, signed Signed) (bool, error) {
	body := map[string]any{"envelope": env, "signed": signed}
	var out struct {
		Valid bool `json:"valid"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/v1/envelopes/verify", body, &out); err != nil {
		return false, err
	}
	return out.Valid, nil
}

// SubmitAction signs, records and scans an action.
func (c *Client) SubmitAction(ctx context.Context, env Envelope) (*Submission, error) {
	var out Submission
	if err := c.call(ctx, http.MethodPost, "/api/v1/actions", env, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Keys lists every signing key epoch.
func (c *Client) Keys(ctx context.Context) ([]Key, error) {
	var out struct {
		Keys []Key `json:"keys"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/keys", nil, &out); err != nil {
		return nil, err
	}
	return out.Keys, nil
}

// RotateKey retires the active signing key and returns the new one.
func (c *Client) RotateKey(ctx context.Context) (*Key, error) {
	var out Key
	if err := c.call(ctx, http.MethodPost, "/api/v1/keys/rotate", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Anomalies lists anomalies, newest first.
func (c *Client) Anomalies(ctx context.Context, openOnly bool, limit int) ([]Anomaly, error) {
	q := url.Values{}
	if openOnly {
		q.Set("open", "true")
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Anomalies []Anomaly `json:"anomalies"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/anomalies?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Anomalies, nil
}

// Heal runs one remediation attempt for the anomaly now.
func (c *Client) Heal(ctx context.Context, anomalyID string) (*Attempt, error) {
	var out Attempt
	if err := c.call(ctx, http.MethodPost, "/api/v1/anomalies/"+url.PathEscape(anomalyID)+"/heal", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// call sends a JSON request and decodes a JSON response into out.
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.actor != "" {
		req.Header.Set("X-Trust-Actor", c.actor)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
