package trust_test

import (
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/aaron031291/grace-2-sub022/internal/healing"
	"github.com/aaron031291/grace-2-sub022/internal/trust"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func TestPlaybook_actions(t *testing.T) {
	s := newStack(t, false)
	pb := trust.NewPlaybook(s.svc, zap.NewNop())

	details, err := pb.Execute(ctx, healing.ActionReverifyChain, "an-1", nil)
	if err != nil || !strings.Contains(details, "chain intact") {
		t.Errorf("reverify: %q %v", details, err)
	}

	before, _ := s.svc.Engine().Keys().Active(ctx)
	if _, err := pb.Execute(ctx, healing.ActionRotateSigningKey, "an-1", nil); err != nil {
		t.Fatal(err)
	}
	after, _ := s.svc.Engine().Keys().Active(ctx)
	if before.KID == after.KID {
		t.Error("signing key not rotated")
	}

	evidence := []byte(`{"verification_type":"envelope","details":{"actor":"agent-9"}}`)
	if _, err := pb.Execute(ctx, healing.ActionThrottleActor, "an-2", evidence); err != nil {
		t.Fatal(err)
	}
	_, throttled := s.svc.Gate().Restrictions()
	if !slices.Contains(throttled, "agent-9") {
		t.Errorf("throttled: %v", throttled)
	}

	if _, err := pb.Execute(ctx, healing.ActionQuarantineActor, "an-3", []byte(`{}`)); err == nil {
		t.Error("expected error when evidence names no actor")
	}
	if _, err := pb.Execute(ctx, healing.ActionManualReview, "an-4", nil); !errors.Is(err, trust.ErrManualReview) {
		t.Errorf("expected ErrManualReview, got %v", err)
	}
	if _, err := pb.Execute(ctx, healing.Action("reboot_universe"), "an-5", nil); err == nil {
		t.Error("expected error for unknown action")
	}
}

func TestActorGate(t *testing.T) {
	g := trust.NewActorGate(rate.Limit(0.001), 1)

	if err := g.Allow("a"); err != nil {
		t.Fatal(err)
	}

	g.Throttle("a")
	if err := g.Allow("a"); err != nil {
		t.Errorf("burst should allow one action: %v", err)
	}
	if err := g.Allow("a"); !errors.Is(err, trust.ErrActorThrottled) {
		t.Errorf("expected ErrActorThrottled, got %v", err)
	}

	g.Quarantine("a")
	if err := g.Allow("a"); !errors.Is(err, trust.ErrActorQuarantined) {
		t.Errorf("expected ErrActorQuarantined, got %v", err)
	}

	g.Release("a")
	if err := g.Allow("a"); err != nil {
		t.Errorf("released actor still restricted: %v", err)
	}
}
