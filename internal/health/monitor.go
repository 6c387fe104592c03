// Package health periodically verifies the ledger hash chain and reports the
// result to the anomaly detector and the gRPC health service.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/aaron031291/grace-2-sub022/internal/anomaly"
	"github.com/aaron031291/grace-2-sub022/internal/trustledger"
	"go.uber.org/zap"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name the monitor reports under.
const ServiceName = "trust.Ledger"

// Config holds monitor configuration.
type Config struct {
	CheckInterval time.Duration
	CheckTimeout  time.Duration
}

// ChainVerifier verifies the ledger.
type ChainVerifier interface {
	VerifyChain(ctx context.Context, fromSequence int64) (*trustledger.ChainVerificationResult, error)
}

// Reporter receives verification events and chain signals.
type Reporter interface {
	Record(ctx context.Context, ev *anomaly.VerificationEvent) error
	Classify(ctx context.Context, sig anomaly.Signal) (*anomaly.Anomaly, error)
}

// AnomalyFunc is called with every anomaly the monitor raises.
type AnomalyFunc func(ctx context.Context, a *anomaly.Anomaly)

// MetricsRecordFunc is an optional callback for recording check results.
type MetricsRecordFunc func(intact bool, d time.Duration)

// Monitor runs periodic chain-integrity checks.
type Monitor struct {
	ledger   ChainVerifier
	reporter Reporter
	server   *grpchealth.Server
	cfg      Config

	onAnomaly AnomalyFunc
	onMetrics MetricsRecordFunc
	logger    *zap.Logger

	mu         sync.Mutex
	lastIntact bool
}

// New creates a Monitor. server may be nil when no gRPC health endpoint is
// exposed.
func New(ledger ChainVerifier, reporter Reporter, server *grpchealth.Server, cfg Config, logger *zap.Logger) *Monitor {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	if cfg.CheckTimeout == 0 {
		cfg.CheckTimeout = time.Minute
	}
	return &Monitor{
		ledger:     ledger,
		reporter:   reporter,
		server:     server,
		cfg:        cfg,
		logger:     logger,
		lastIntact: true,
	}
}

// SetAnomalyHandler configures the callback for raised anomalies, typically
// the healing orchestrator.
func (m *Monitor) SetAnomalyHandler(fn AnomalyFunc) {
	m.onAnomaly = fn
}

// SetMetricsRecord configures the metrics recording callback.
func (m *Monitor) SetMetricsRecord(fn MetricsRecordFunc) {
	m.onMetrics = fn
}

// Run checks the chain once immediately and then every CheckInterval until
// ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.tick(ctx)

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
	defer cancel()
	if _, err := m.Check(cctx); err != nil {
		m.logger.Error("health: chain check", zap.Error(err))
	}
}

// Check verifies the whole chain, records the outcome and updates the
// serving status. On a broken chain it reports a ChainSignal to the detector.
func (m *Monitor) Check(ctx context.Context) (*trustledger.ChainVerificationResult, error) {
	res, err := m.ledger.VerifyChain(ctx, 0)
	if err != nil {
		m.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
		return nil, err
	}
	if m.onMetrics != nil {
		m.onMetrics(res.ChainIntegrity, res.Duration)
	}

	ev := &anomaly.VerificationEvent{
		VerificationType: "chain_integrity",
		TargetComponent:  "ledger",
		Method:           "hash_chain",
		Result:           "intact",
		Passed:           res.ChainIntegrity,
		Confidence:       1,
		Details: map[string]any{
			"from_sequence":    res.FromSequence,
			"to_sequence":      res.ToSequence,
			"total_entries":    res.TotalEntries,
			"verified_entries": res.VerifiedEntries,
			"issues":           len(res.Issues),
		},
		VerifiedBy: "health_monitor",
	}
	if !res.ChainIntegrity {
		ev.Result = "broken"
		ev.AnomalyScore = 1
	}
	if err := m.reporter.Record(ctx, ev); err != nil {
		m.logger.Warn("health: record verification event", zap.Error(err))
	}

	m.mu.Lock()
	wasIntact := m.lastIntact
	m.lastIntact = res.ChainIntegrity
	m.mu.Unlock()

	if res.ChainIntegrity {
		if !wasIntact {
			m.logger.Info("health: chain intact again", zap.Int64("entries", res.TotalEntries))
		}
		m.setStatus(healthpb.HealthCheckResponse_SERVING)
		return res, nil
	}

	m.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	m.logger.Warn("health: chain broken",
		zap.Int("issues", len(res.Issues)),
		zap.Int64("total_entries", res.TotalEntries),
	)

	a, err := m.reporter.Classify(ctx, anomaly.ChainSignal{Result: res})
	if err != nil {
		return res, err
	}
	if a != nil && m.onAnomaly != nil {
		m.onAnomaly(ctx, a)
	}
	return res, nil
}

func (m *Monitor) setStatus(s healthpb.HealthCheckResponse_ServingStatus) {
	if m.server == nil {
		return
	}
	m.server.SetServingStatus(ServiceName, s)
	m.server.SetServingStatus("", s)
}
