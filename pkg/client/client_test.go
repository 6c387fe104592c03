package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aaron031291/grace-2-sub022/internal/anomaly"
	"github.com/aaron031291/grace-2-sub022/internal/handler"
	"github.com/aaron031291/grace-2-sub022/internal/signing"
	"github.com/aaron031291/grace-2-sub022/internal/threat"
	"github.com/aaron031291/grace-2-sub022/internal/trust"
	"github.com/aaron031291/grace-2-sub022/internal/trustledger"
	"github.com/aaron031291/grace-2-sub022/pkg/client"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ── Test server ─────────────────────────────────────────────────────────

func newServer(t *testing.T) *client.Client {
	t.Helper()
	gin.SetMode(gin.TestMode)

	keys, err := signing.NewMemoryKeyStore("trustd")
	if err != nil {
		t.Fatal(err)
	}
	repo := anomaly.NewMemoryRepository()
	svc := trust.New(
		signing.NewEngine(keys),
		trustledger.New(trustledger.NewMemoryStore(), trustledger.Config{}, zap.NewNop()),
		threat.NewScanner(threat.Config{}, zap.NewNop()),
		anomaly.NewDetector(repo, repo, nil, anomaly.Config{}, zap.NewNop()),
		nil, nil, zap.NewNop(),
	)
	t.Cleanup(svc.Close)

	r := gin.New()
	v1 := r.Group("/api/v1")
	handler.NewLedgerHandler(svc, zap.NewNop()).Register(v1)
	handler.NewEnvelopeHandler(svc, zap.NewNop()).Register(v1)
	handler.NewAnomalyHandler(svc, zap.NewNop()).Register(v1)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	c, err := client.New(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	return c
}

// ── Tests ───────────────────────────────────────────────────────────────

func TestNew_requiresURL(t *testing.T) {
	if _, err := client.New(""); err == nil {
		t.Error("expected error for empty URL")
	}
	if _, err := client.New("http://x", client.WithHTTPClient(nil)); err == nil {
		t.Error("expected error for nil http client")
	}
}

func TestLedger_appendReadVerify(t *testing.T) {
	c := newServer(t)
	ctx := context.Background()

	for _, ev := range []string{"boot", "task_executed"} {
		if _, err := c.Append(ctx, client.AppendRequest{EventType: ev, Actor: "system"}); err != nil {
			t.Fatalf("append %s: %v", ev, err)
		}
	}

	info, err := c.LedgerInfo(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if info.Entries != 2 {
		t.Errorf("entries: got %d, want 2", info.Entries)
	}

	entries, err := c.Entries(ctx, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[1].PrevHash != entries[0].Hash {
		t.Errorf("entries not chained: %+v", entries)
	}
	if info.Root != entries[1].Hash {
		t.Errorf("root %s != last hash %s", info.Root, entries[1].Hash)
	}

	res, err := c.VerifyChain(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !res.ChainIntegrity || res.VerifiedEntries != 2 || res.AnomalyID != "" {
		t.Errorf("verify: %+v", res)
	}
}

func TestEntry_notFound(t *testing.T) {
	c := newServer(t)

	_, err := c.Entry(context.Background(), 42)
	if !errors.Is(err, client.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "entry not found" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAppend_badRequest(t *testing.T) {
	c := newServer(t)

	score := 2.0
	_, err := c.Append(context.Background(), client.AppendRequest{EventType: "x", TrustScore: &score})
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestEnvelopes_signVerifyRotate(t *testing.T) {
	c := newServer(t)
	ctx := context.Background()

	env := client.Envelope{
		ActionID:   "act-1",
		Actor:      "agent-7",
		ActionType: "payment.send",
		InputData:  map[string]any{"amount": 10},
	}
	signed, err := c.Sign(ctx, env)
	if err != nil {
		t.Fatal(err)
	}
	if signed.KeyID == "" || signed.Signature == "" {
		t.Fatalf("incomplete signature: %+v", signed)
	}

	if _, err := c.RotateKey(ctx); err != nil {
		t.Fatal(err)
	}
	keys, err := c.Keys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[0].KID != signed.KeyID {
		t.Fatalf("unexpected key history: %+v", keys)
	}

	ok, err := c.Verify(ctx, env, *signed)
	if err != nil || !ok {
		t.Errorf("signature from retired key rejected: ok=%v err=%v", ok, err)
	}

	env.InputData = map[string]any{"amount": 99}
	ok, err = c.Verify(ctx, env, *signed)
	if err != nil || ok {
		t.Errorf("tampered envelope accepted: ok=%v err=%v", ok, err)
	}

	open, err := c.Anomalies(ctx, true, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].Type != string(anomaly.TypeVerificationFailure) {
		t.Errorf("expected one verification anomaly, got %+v", open)
	}
}

func TestSubmitAction_threat(t *testing.T) {
	c := newServer(t)

	sub, err := c.SubmitAction(context.Background(), client.Envelope{
		Actor:      "agent-7",
		ActionType: "shell.exec",
		InputData:  map[string]any{"cmd": "ls; rm -rf /"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if sub.Envelope.ActionID == "" {
		t.Error("server did not assign an action id")
	}
	if sub.Anomaly == nil || sub.Anomaly.Type != string(anomaly.TypeThreatPatternMatch) {
		t.Errorf("expected threat anomaly, got %+v", sub.Anomaly)
	}
}

func TestHeal_disabled(t *testing.T) {
	c := newServer(t)

	_, err := c.Heal(context.Background(), "anything")
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %v", err)
	}
}

func TestWithActor_setsHeader(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get(handler.HeaderActor)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"entries":0,"root":""}`))
	}))
	defer srv.Close()

	c, err := client.New(srv.URL, client.WithActor("agent-7"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.LedgerInfo(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got != "agent-7" {
		t.Errorf("%s: got %q, want agent-7", handler.HeaderActor, got)
	}
}
