package trust

import (
	"errors"
	"sync"

	"golang.org/x/time/rate"
)

var (
	// ErrActorQuarantined is returned by SubmitAction for a quarantined actor.
	ErrActorQuarantined = errors.New("actor is quarantined")

	// ErrActorThrottled is returned by SubmitAction when a throttled actor
	// exceeds its allowance.
	ErrActorThrottled = errors.New("actor is throttled")
)

// ActorGate holds the per-actor restrictions applied by remediation.
type ActorGate struct {
	mu          sync.Mutex
	quarantined map[string]bool
	throttled   map[string]*rate.Limiter
	limit       rate.Limit
	burst       int
}

// NewActorGate creates an ActorGate. Throttled actors are allowed limit
// actions per second with the given burst.
func NewActorGate(limit rate.Limit, burst int) *ActorGate {
	if limit <= 0 {
		limit = rate.Limit(0.2)
	}
	if burst <= 0 {
		burst = 1
	}
	return &ActorGate{
		quarantined: make(map[string]bool),
		throttled:   make(map[string]*rate.Limiter),
		limit:       limit,
		burst:       burst,
	}
}

// Quarantine blocks every further action from actor.
func (g *ActorGate) Quarantine(actor string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.quarantined[actor] = true
}

// Throttle rate-limits actor. Throttling an already throttled actor keeps
// its current allowance.
func (g *ActorGate) Throttle(actor string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.throttled[actor]; !ok {
		g.throttled[actor] = rate.NewLimiter(g.limit, g.burst)
	}
}

// Release lifts every restriction on actor.
func (g *ActorGate) Release(actor string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.quarantined, actor)
	delete(g.throttled, actor)
}

// Allow reports whether actor may submit an action now.
func (g *ActorGate) Allow(actor string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.quarantined[actor] {
		return ErrActorQuarantined
	}
	if l, ok := g.throttled[actor]; ok && !l.Allow() {
		return ErrActorThrottled
	}
	return nil
}

// Restrictions lists the restricted actors by kind.
func (g *ActorGate) Restrictions() (quarantined, throttled []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for a := range g.quarantined {
		quarantined = append(quarantined, a)
	}
	for a := range g.throttled {
		throttled = append(throttled, a)
	}
	return quarantined, throttled
}
