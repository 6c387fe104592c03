package healing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aaron031291/grace-2-sub022/internal/anomaly"
	"github.com/aaron031291/grace-2-sub022/internal/governance"
	"github.com/aaron031291/grace-2-sub022/internal/trustledger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Ledger event types written by the orchestrator.
const (
	EventHealingSucceeded = "healing_succeeded"
	EventHealingFailed    = "healing_failed"
	EventHealingTimeout   = "healing_timeout"
	EventHealingEscalated = "healing_escalated"
)

const actorName = "healing_orchestrator"

// Config holds orchestrator settings.
type Config struct {
	AttemptTimeout time.Duration
	// MaxRetries is the number of re-attempts after the first failure
	// before the anomaly is escalated.
	MaxRetries    int
	RetryBackoff  time.Duration
	MaxConcurrent int
	SweepInterval time.Duration
	// NotifyTimeout bounds each governance notification, webhook retries
	// included. Defaults to DefaultNotifyTimeout.
	NotifyTimeout time.Duration
}

// DefaultNotifyTimeout covers a default webhook delivery with every retry.
const DefaultNotifyTimeout = 2 * time.Minute

// Anomalies is the subset of the anomaly detector the orchestrator needs.
type Anomalies interface {
	Get(ctx context.Context, id string) (*anomaly.Anomaly, error)
	Open(ctx context.Context) ([]*anomaly.Anomaly, error)
	Resolve(ctx context.Context, id string) error
	Escalate(ctx context.Context, id string) (*anomaly.Anomaly, error)
	Record(ctx context.Context, ev *anomaly.VerificationEvent) error
}

// Appender appends auditable facts to the ledger.
type Appender interface {
	Append(ctx context.Context, req trustledger.AppendRequest) (*trustledger.LogEntry, error)
}

// AttemptRecordFunc is invoked with every completed attempt.
type AttemptRecordFunc func(a *Attempt)

// trigger says who asked for an attempt.
type trigger int

const (
	// triggerOperator restarts an escalated anomaly's retry budget.
	triggerOperator trigger = iota
	// triggerSignal is a detector signal or sweep; it defers to pending
	// retries and escalations.
	triggerSignal
	// triggerRetry is a scheduled re-attempt.
	triggerRetry
)

// track is the orchestrator's private per-anomaly state.
type track struct {
	inFlight     bool
	failures     int
	retryPending bool
	escalated    bool
	notified     bool
	// operator is set when an operator restarted an escalated budget.
	operator bool
}

// Orchestrator runs healing attempts. It owns Attempt records and holds only
// back-references to anomalies.
type Orchestrator struct {
	anomalies Anomalies
	selector  Selector
	executor  Executor
	ledger    Appender
	notifier  governance.Notifier
	attempts  AttemptRepository
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time

	mu     sync.Mutex
	tracks map[string]*track

	onAttempt AttemptRecordFunc

	// background work (scheduled retries, critical notifications) runs
	// under baseCtx and is drained by Close.
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an Orchestrator. A nil selector uses DefaultCapabilities and a
// nil notifier discards escalations.
func New(
	anomalies Anomalies,
	selector Selector,
	executor Executor,
	ledger Appender,
	notifier governance.Notifier,
	attempts AttemptRepository,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.AttemptTimeout == 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.NotifyTimeout == 0 {
		cfg.NotifyTimeout = DefaultNotifyTimeout
	}
	if selector == nil {
		selector = DefaultCapabilities()
	}
	if notifier == nil {
		notifier = governance.Nop{}
	}
	if attempts == nil {
		attempts = NewMemoryAttemptRepository()
	}

	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		anomalies: anomalies,
		selector:  selector,
		executor:  executor,
		ledger:    ledger,
		notifier:  notifier,
		attempts:  attempts,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		tracks:    make(map[string]*track),
		baseCtx:   base,
		cancel:    cancel,
	}
}

// SetAttemptRecorder configures the completed-attempt callback.
func (o *Orchestrator) SetAttemptRecorder(fn AttemptRecordFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onAttempt = fn
}

// Handle runs one remediation attempt for the anomaly on an operator's
// behalf and returns it once it has left the attempting state. It fails with
// ErrAlreadyInFlight while another attempt for the same anomaly is
// attempting. Calling Handle on an escalated anomaly restarts its retry
// budget.
func (o *Orchestrator) Handle(ctx context.Context, a *anomaly.Anomaly) (*Attempt, error) {
	if a == nil {
		return nil, errors.New("anomaly is required")
	}
	return o.handle(ctx, a.ID, triggerOperator)
}

// HandleID is Handle for callers that only hold the anomaly id.
func (o *Orchestrator) HandleID(ctx context.Context, anomalyID string) (*Attempt, error) {
	return o.handle(ctx, anomalyID, triggerOperator)
}

// HandleSignal runs an attempt for an anomaly reported by the detector or
// the health monitor. Repeated reports of the same anomaly never extend its
// retry budget: they fail with ErrRetryScheduled while a re-attempt is
// waiting and with ErrEscalated once the budget is spent.
func (o *Orchestrator) HandleSignal(ctx context.Context, a *anomaly.Anomaly) (*Attempt, error) {
	if a == nil {
		return nil, errors.New("anomaly is required")
	}
	return o.handle(ctx, a.ID, triggerSignal)
}

func (o *Orchestrator) handle(ctx context.Context, anomalyID string, by trigger) (*Attempt, error) {
	a, err := o.anomalies.Get(ctx, anomalyID)
	if err != nil {
		return nil, err
	}
	if a.Resolved {
		return nil, ErrAlreadyResolved
	}

	o.mu.Lock()
	tr, ok := o.tracks[a.ID]
	if !ok {
		tr = &track{}
		o.tracks[a.ID] = tr
	}
	if by == triggerRetry {
		tr.retryPending = false
	}
	if tr.inFlight {
		o.mu.Unlock()
		return nil, ErrAlreadyInFlight
	}
	switch {
	case by == triggerOperator && tr.escalated:
		tr.escalated = false
		tr.failures = 0
		tr.operator = true
	case by != triggerOperator && tr.escalated:
		o.mu.Unlock()
		return nil, ErrEscalated
	case by == triggerSignal && tr.retryPending:
		o.mu.Unlock()
		return nil, ErrRetryScheduled
	}
	tr.inFlight = true
	number := tr.failures + 1
	notifyCritical := a.Severity == anomaly.SeverityCritical && !tr.notified
	if notifyCritical {
		tr.notified = true
	}
	o.mu.Unlock()

	if notifyCritical {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.notify(o.baseCtx, a, governance.ReasonCriticalAnomaly, 0)
		}()
	}

	// Bookkeeping must survive caller cancellation so the attempt never
	// stays in the attempting state.
	bg := context.WithoutCancel(ctx)

	action, err := o.selector.Select(ctx, a)
	if err != nil {
		o.release(a.ID)
		return nil, fmt.Errorf("select healing action: %w", err)
	}

	att := &Attempt{
		ID:          uuid.NewString(),
		AnomalyID:   a.ID,
		Number:      number,
		ActionTaken: action,
		Status:      StatusAttempting,
		StartedAt:   o.now().UTC(),
	}
	if err := o.attempts.Create(bg, att); err != nil {
		o.release(a.ID)
		return nil, fmt.Errorf("create healing attempt: %w", err)
	}
	o.logger.Info("healing attempt started",
		zap.String("anomaly_id", a.ID),
		zap.String("attempt_id", att.ID),
		zap.String("action", string(action)),
		zap.Int("attempt", number),
	)

	outcome, details := o.execute(ctx, action, a)
	completed := o.now().UTC()
	att.CompletedAt = &completed
	att.Outcome = outcome
	att.Details = details
	att.Status = StatusFailed
	if outcome == OutcomeSuccess {
		att.Status = StatusResolved
	}
	if err := o.attempts.Update(bg, att); err != nil {
		o.logger.Error("update healing attempt", zap.String("attempt_id", att.ID), zap.Error(err))
	}
	o.record(bg, a, att)

	o.mu.Lock()
	tr.inFlight = false
	var retry, escalate bool
	if outcome == OutcomeSuccess {
		delete(o.tracks, a.ID)
	} else {
		tr.failures++
		switch {
		case tr.failures > o.cfg.MaxRetries:
			tr.escalated = true
			escalate = true
		case !tr.retryPending:
			// An operator attempt made during a backoff reuses the
			// re-attempt already scheduled.
			tr.retryPending = true
			retry = true
		}
	}
	failures := tr.failures
	reason := governance.ReasonRetriesExhausted
	if tr.operator {
		reason = governance.ReasonOperatorRequested
	}
	hook := o.onAttempt
	o.mu.Unlock()

	if hook != nil {
		cp := *att
		hook(&cp)
	}
	switch {
	case retry:
		o.scheduleRetry(a.ID, failures)
	case escalate:
		o.escalate(bg, a, failures, reason)
	}
	return att, nil
}

type execResult struct {
	details string
	err     error
}

// execute runs the executor under AttemptTimeout. It returns as soon as the
// timeout fires even if the executor ignores cancellation.
func (o *Orchestrator) execute(ctx context.Context, action Action, a *anomaly.Anomaly) (Outcome, string) {
	actx, cancel := context.WithTimeout(ctx, o.cfg.AttemptTimeout)
	defer cancel()

	done := make(chan execResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- execResult{err: fmt.Errorf("executor panic: %v", r)}
			}
		}()
		details, err := o.executor.Execute(actx, action, a.ID, a.Evidence)
		done <- execResult{details, err}
	}()

	select {
	case r := <-done:
		switch {
		case r.err == nil:
			return OutcomeSuccess, r.details
		case errors.Is(r.err, context.DeadlineExceeded):
			return OutcomeTimeout, r.err.Error()
		default:
			return OutcomeFailure, r.err.Error()
		}
	case <-actx.Done():
		if errors.Is(actx.Err(), context.DeadlineExceeded) {
			return OutcomeTimeout, fmt.Sprintf("attempt exceeded %s", o.cfg.AttemptTimeout)
		}
		return OutcomeFailure, "attempt cancelled: " + actx.Err().Error()
	}
}

// record documents a completed attempt as a verification event and a
// ledger entry, and resolves the anomaly on success.
func (o *Orchestrator) record(ctx context.Context, a *anomaly.Anomaly, att *Attempt) {
	passed := att.Outcome == OutcomeSuccess
	if passed {
		if err := o.anomalies.Resolve(ctx, a.ID); err != nil {
			o.logger.Error("resolve anomaly", zap.String("anomaly_id", a.ID), zap.Error(err))
		}
	}

	confidence := 1.0
	if att.Outcome == OutcomeTimeout {
		confidence = 0.5
	}
	ev := &anomaly.VerificationEvent{
		VerificationType: "healing",
		TargetComponent:  a.SourceComponent,
		Method:           string(att.ActionTaken),
		Result:           string(att.Outcome),
		Passed:           passed,
		Confidence:       confidence,
		Details: map[string]any{
			"anomaly_id":     a.ID,
			"attempt_id":     att.ID,
			"attempt_number": att.Number,
		},
		VerifiedBy: actorName,
	}
	if !passed {
		ev.AnomalyScore = float64(a.Severity.Rank()+1) / 4
	}
	if err := o.anomalies.Record(ctx, ev); err != nil {
		o.logger.Error("record healing verification event", zap.String("attempt_id", att.ID), zap.Error(err))
	}

	eventType := EventHealingSucceeded
	switch att.Outcome {
	case OutcomeFailure:
		eventType = EventHealingFailed
	case OutcomeTimeout:
		eventType = EventHealingTimeout
	}
	o.appendLedger(ctx, eventType, a, map[string]any{
		"attempt_id":     att.ID,
		"attempt_number": att.Number,
		"action":         att.ActionTaken,
		"outcome":        att.Outcome,
		"details":        att.Details,
	})

	o.logger.Info("healing attempt completed",
		zap.String("anomaly_id", a.ID),
		zap.String("attempt_id", att.ID),
		zap.String("outcome", string(att.Outcome)),
	)
}

func (o *Orchestrator) appendLedger(ctx context.Context, eventType string, a *anomaly.Anomaly, payload map[string]any) {
	if o.ledger == nil {
		return
	}
	payload["anomaly_id"] = a.ID
	payload["anomaly_type"] = a.Type
	if _, err := o.ledger.Append(ctx, trustledger.AppendRequest{
		EventType:      eventType,
		Actor:          actorName,
		Resource:       "anomaly/" + a.ID,
		Payload:        payload,
		GovernanceTier: string(a.Severity),
	}); err != nil {
		o.logger.Error("append healing ledger entry",
			zap.String("event_type", eventType),
			zap.String("anomaly_id", a.ID),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) scheduleRetry(anomalyID string, failures int) {
	delay := o.cfg.RetryBackoff << (failures - 1)
	o.logger.Info("healing re-attempt scheduled",
		zap.String("anomaly_id", anomalyID),
		zap.Int("failures", failures),
		zap.Duration("backoff", delay),
	)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-o.baseCtx.Done():
			return
		case <-timer.C:
		}

		_, err := o.handle(o.baseCtx, anomalyID, triggerRetry)
		switch {
		case err == nil, errors.Is(err, ErrAlreadyInFlight), errors.Is(err, ErrAlreadyResolved), errors.Is(err, ErrEscalated):
		default:
			o.logger.Error("healing re-attempt", zap.String("anomaly_id", anomalyID), zap.Error(err))
		}
	}()
}

// escalate raises the anomaly's severity and surfaces it to governance once
// the retry budget is exhausted.
func (o *Orchestrator) escalate(ctx context.Context, a *anomaly.Anomaly, failures int, reason string) {
	updated, err := o.anomalies.Escalate(ctx, a.ID)
	if err != nil {
		o.logger.Error("escalate anomaly", zap.String("anomaly_id", a.ID), zap.Error(err))
		updated = a
	}
	o.appendLedger(ctx, EventHealingEscalated, updated, map[string]any{
		"failures":      failures,
		"severity_from": a.Severity,
		"severity_to":   updated.Severity,
	})
	o.notify(ctx, updated, reason, failures)
}

func (o *Orchestrator) notify(ctx context.Context, a *anomaly.Anomaly, reason string, attempts int) {
	nctx, cancel := context.WithTimeout(ctx, o.cfg.NotifyTimeout)
	defer cancel()

	esc := governance.Escalation{
		ID:          uuid.NewString(),
		AnomalyID:   a.ID,
		AnomalyType: string(a.Type),
		Severity:    string(a.Severity),
		Reason:      reason,
		Attempts:    attempts,
		Evidence:    a.Evidence,
		RaisedAt:    o.now().UTC(),
	}
	if err := o.notifier.Notify(nctx, esc); err != nil {
		o.logger.Error("governance notification failed",
			zap.String("anomaly_id", a.ID),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return
	}
	o.logger.Warn("anomaly escalated to governance",
		zap.String("anomaly_id", a.ID),
		zap.String("severity", string(a.Severity)),
		zap.String("reason", reason),
	)
}

// skipped reports whether err only means another path already owns the
// anomaly.
func skipped(err error) bool {
	return errors.Is(err, ErrAlreadyInFlight) ||
		errors.Is(err, ErrAlreadyResolved) ||
		errors.Is(err, ErrRetryScheduled) ||
		errors.Is(err, ErrEscalated)
}

func (o *Orchestrator) release(anomalyID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if tr, ok := o.tracks[anomalyID]; ok {
		tr.inFlight = false
	}
}

// Attempts returns the attempts made for an anomaly, oldest first.
func (o *Orchestrator) Attempts(ctx context.Context, anomalyID string) ([]*Attempt, error) {
	return o.attempts.ListByAnomaly(ctx, anomalyID)
}

// Sweep handles every open anomaly that is not already attempting, waiting
// for a scheduled retry, or escalated, with at most MaxConcurrent attempts
// at once. It returns the number of attempts made.
func (o *Orchestrator) Sweep(ctx context.Context) (int, error) {
	open, err := o.anomalies.Open(ctx)
	if err != nil {
		return 0, fmt.Errorf("list open anomalies: %w", err)
	}

	sem := make(chan struct{}, o.cfg.MaxConcurrent)
	var (
		wg      sync.WaitGroup
		handled atomic.Int64
	)
	for _, a := range open {
		o.mu.Lock()
		tr, ok := o.tracks[a.ID]
		skip := ok && (tr.inFlight || tr.retryPending || tr.escalated)
		o.mu.Unlock()
		if skip {
			continue
		}

		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if _, err := o.handle(ctx, id, triggerSignal); err != nil {
				if !skipped(err) {
					o.logger.Warn("sweep: handle anomaly", zap.String("anomaly_id", id), zap.Error(err))
				}
				return
			}
			handled.Add(1)
		}(a.ID)
	}
	wg.Wait()
	return int(handled.Load()), nil
}

// Run sweeps open anomalies every SweepInterval until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := o.Sweep(ctx)
			if err != nil {
				o.logger.Error("healing sweep", zap.Error(err))
				continue
			}
			if n > 0 {
				o.logger.Info("healing sweep completed", zap.Int("attempts", n))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close stops scheduled retries and waits for background work to finish.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}
