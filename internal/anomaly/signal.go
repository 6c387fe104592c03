package anomaly

import (
	"github.com/aaron031291/grace-2-sub022/internal/threat"
	"github.com/aaron031291/grace-2-sub022/internal/trustledger"
)

// Signal is an input to the Detector. The concrete kinds are ChainSignal,
// ThreatSignal and VerificationSignal.
type Signal interface {
	source() string
}

// ChainSignal carries the result of a ledger verification pass.
type ChainSignal struct {
	Result *trustledger.ChainVerificationResult
}

func (ChainSignal) source() string { return "ledger" }

// ThreatSignal carries the alerts raised by one scan of an action.
type ThreatSignal struct {
	ActionID   string
	Actor      string
	ActionType string
	Alerts     []threat.Alert
}

func (ThreatSignal) source() string { return "threat_scanner" }

// VerificationSignal carries a completed verification event.
type VerificationSignal struct {
	Event *VerificationEvent
}

func (s VerificationSignal) source() string {
	if s.Event != nil && s.Event.TargetComponent != "" {
		return s.Event.TargetComponent
	}
	return "verification"
}
