package health_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aaron031291/grace-2-sub022/internal/anomaly"
	"github.com/aaron031291/grace-2-sub022/internal/health"
	"github.com/aaron031291/grace-2-sub022/internal/trustledger"
	"go.uber.org/zap"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var ctx = context.Background()

// ── Stubs ────────────────────────────────────────────────────────────────

type stubVerifier struct {
	res *trustledger.ChainVerificationResult
	err error
}

func (s *stubVerifier) VerifyChain(context.Context, int64) (*trustledger.ChainVerificationResult, error) {
	return s.res, s.err
}

func intact() *trustledger.ChainVerificationResult {
	return &trustledger.ChainVerificationResult{ToSequence: 2, TotalEntries: 3, VerifiedEntries: 3, ChainIntegrity: true}
}

func broken() *trustledger.ChainVerificationResult {
	return &trustledger.ChainVerificationResult{
		ToSequence:      2,
		TotalEntries:    3,
		VerifiedEntries: 2,
		Issues: []trustledger.ChainBreak{
			{EntryID: "e-1", Sequence: 1, Reason: trustledger.ReasonHashMismatch},
		},
	}
}

func newDetector() *anomaly.Detector {
	repo := anomaly.NewMemoryRepository()
	return anomaly.NewDetector(repo, repo, nil, anomaly.Config{}, zap.NewNop())
}

func status(t *testing.T, srv *grpchealth.Server) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := srv.Check(ctx, &healthpb.HealthCheckRequest{Service: health.ServiceName})
	if err != nil {
		t.Fatal(err)
	}
	return resp.Status
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestCheck_intactChainServes(t *testing.T) {
	det := newDetector()
	srv := grpchealth.NewServer()
	m := health.New(&stubVerifier{res: intact()}, det, srv, health.Config{}, zap.NewNop())

	var metrics []bool
	m.SetMetricsRecord(func(ok bool, _ time.Duration) { metrics = append(metrics, ok) })

	if _, err := m.Check(ctx); err != nil {
		t.Fatal(err)
	}
	if got := status(t, srv); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status: got %s", got)
	}

	events, _ := det.Events(ctx, 0)
	if len(events) != 1 || !events[0].Passed || events[0].VerificationType != "chain_integrity" {
		t.Errorf("events: %+v", events)
	}
	open, _ := det.Open(ctx)
	if len(open) != 0 {
		t.Errorf("intact chain opened %d anomalies", len(open))
	}
	if len(metrics) != 1 || !metrics[0] {
		t.Errorf("metrics: %v", metrics)
	}
}

func TestCheck_brokenChainRaisesCriticalAnomalyOnce(t *testing.T) {
	det := newDetector()
	srv := grpchealth.NewServer()
	v := &stubVerifier{res: broken()}
	m := health.New(v, det, srv, health.Config{}, zap.NewNop())

	var raised []*anomaly.Anomaly
	m.SetAnomalyHandler(func(_ context.Context, a *anomaly.Anomaly) { raised = append(raised, a) })

	for i := 0; i < 2; i++ {
		if _, err := m.Check(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if got := status(t, srv); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("status: got %s", got)
	}

	open, _ := det.Open(ctx)
	if len(open) != 1 {
		t.Fatalf("open anomalies: got %d, want 1", len(open))
	}
	if open[0].Type != anomaly.TypeIntegrityViolation || open[0].Severity != anomaly.SeverityCritical {
		t.Errorf("anomaly: %+v", open[0])
	}
	if len(raised) != 2 || raised[0].ID != raised[1].ID {
		t.Errorf("re-checking the same break should return the same anomaly: %+v", raised)
	}

	v.res = intact()
	if _, err := m.Check(ctx); err != nil {
		t.Fatal(err)
	}
	if got := status(t, srv); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status after recovery: got %s", got)
	}
}

func TestCheck_verifyErrorStopsServing(t *testing.T) {
	srv := grpchealth.NewServer()
	boom := errors.New("store offline")
	m := health.New(&stubVerifier{err: boom}, newDetector(), srv, health.Config{}, zap.NewNop())

	if _, err := m.Check(ctx); !errors.Is(err, boom) {
		t.Errorf("expected store error, got %v", err)
	}
	if got := status(t, srv); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("status: got %s", got)
	}
}
