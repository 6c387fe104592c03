package governance_test

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aaron031291/grace-2-sub022/internal/governance"
	"github.com/aaron031291/grace-2-sub022/internal/signing"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var ctx = context.Background()

func escalation() governance.Escalation {
	return governance.Escalation{
		ID:          "esc-1",
		AnomalyID:   "an-1",
		AnomalyType: "integrity_violation",
		Severity:    "critical",
		Reason:      governance.ReasonCriticalAnomaly,
		RaisedAt:    time.Now().UTC(),
	}
}

func TestWebhookNotifier_signsDelivery(t *testing.T) {
	keys, err := signing.NewMemoryKeyStore("trustd")
	if err != nil {
		t.Fatal(err)
	}

	type received struct {
		body      []byte
		signature string
		token     string
	}
	got := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{body, r.Header.Get(governance.HeaderSignature), r.Header.Get(governance.HeaderToken)}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := governance.NewWebhookNotifier(governance.WebhookConfig{URL: srv.URL, Secret: "s3cret"}, keys, zap.NewNop())
	if err := n.Notify(ctx, escalation()); err != nil {
		t.Fatal(err)
	}

	r := <-got
	if !governance.VerifySignature(r.body, "s3cret", r.signature) {
		t.Error("HMAC signature did not verify")
	}
	if governance.VerifySignature(r.body, "other", r.signature) {
		t.Error("HMAC signature verified with the wrong secret")
	}
	claims, err := governance.VerifyDelivery(ctx, keys, r.token, r.body)
	if err != nil {
		t.Fatalf("delivery token rejected: %v", err)
	}
	if claims.Subject != "esc-1" || claims.Issuer != "trustd" {
		t.Errorf("unexpected claims: %+v", claims)
	}
	if _, err := governance.VerifyDelivery(ctx, keys, r.token, []byte(`{"forged":true}`)); err == nil {
		t.Error("token accepted for a different body")
	}
}

func TestWebhookNotifier_retriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var outcomes []bool
	n := governance.NewWebhookNotifier(governance.WebhookConfig{
		URL:    srv.URL,
		Delays: []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond},
	}, nil, zap.NewNop())
	n.SetMetricsRecorder(func(ok bool) { outcomes = append(outcomes, ok) })

	if err := n.Notify(ctx, escalation()); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls: got %d, want 3", calls.Load())
	}
	if len(outcomes) != 3 || outcomes[2] != true {
		t.Errorf("metrics outcomes: %v", outcomes)
	}
}

func TestWebhookNotifier_exhaustedRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := governance.NewWebhookNotifier(governance.WebhookConfig{
		URL:    srv.URL,
		Delays: []time.Duration{time.Millisecond},
	}, nil, zap.NewNop())

	if err := n.Notify(ctx, escalation()); err == nil {
		t.Error("expected error after exhausting retries")
	}
	if calls.Load() != 2 {
		t.Errorf("calls: got %d, want 2", calls.Load())
	}
}

func TestMulti_joinsErrors(t *testing.T) {
	var delivered int
	ok := governance.NotifierFunc(func(context.Context, governance.Escalation) error {
		delivered++
		return nil
	})
	boom := errors.New("boom")
	failing := governance.NotifierFunc(func(context.Context, governance.Escalation) error { return boom })

	err := governance.Multi{failing, ok, failing}.Notify(ctx, escalation())
	if !errors.Is(err, boom) {
		t.Errorf("expected joined error, got %v", err)
	}
	if delivered != 1 {
		t.Errorf("healthy notifier skipped after a failure")
	}
}

func TestBroker_fansOut(t *testing.T) {
	b := governance.NewBroker(zap.NewNop())
	a, cancelA := b.Subscribe()
	c, cancelC := b.Subscribe()
	defer cancelC()

	if err := b.Notify(ctx, escalation()); err != nil {
		t.Fatal(err)
	}
	for _, ch := range []<-chan governance.Escalation{a, c} {
		select {
		case e := <-ch:
			if e.ID != "esc-1" {
				t.Errorf("unexpected escalation %+v", e)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive escalation")
		}
	}

	cancelA()
	cancelA()
	if b.Subscribers() != 1 {
		t.Errorf("subscribers: got %d, want 1", b.Subscribers())
	}
}

func TestBroker_streamsServerSentEvents(t *testing.T) {
	gin.SetMode(gin.TestMode)
	b := governance.NewBroker(zap.NewNop())
	r := gin.New()
	r.GET("/stream", b.Stream(time.Hour))
	srv := httptest.NewServer(r)
	defer srv.Close()

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	req, _ := http.NewRequestWithContext(reqCtx, http.MethodGet, srv.URL+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for b.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := b.Notify(ctx, escalation()); err != nil {
		t.Fatal(err)
	}

	sc := bufio.NewScanner(resp.Body)
	var sawEvent, sawData bool
	for sc.Scan() {
		line := sc.Text()
		if line == "event:escalation" {
			sawEvent = true
		}
		if strings.HasPrefix(line, "data:") && strings.Contains(line, `"anomaly_id":"an-1"`) {
			sawData = true
			break
		}
	}
	if !sawEvent || !sawData {
		t.Errorf("stream missing escalation event (event=%v data=%v)", sawEvent, sawData)
	}
}
