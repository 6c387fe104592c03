package handler

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// HeaderActor names the acting agent a request is made for. It selects the
// per-actor rate limit bucket; it is not an authentication credential.
const HeaderActor = "X-Trust-Actor"

// bucketIdle is how long an unused bucket is kept.
const bucketIdle = 10 * time.Minute

// RateLimitConfig sizes the token buckets applied to each request.
type RateLimitConfig struct {
	// IPRate and IPBurst bound each client address.
	IPRate  float64
	IPBurst int
	// ActorRate and ActorBurst bound each agent named in X-Trust-Actor,
	// across all addresses. A zero ActorRate disables the actor bucket.
	ActorRate  float64
	ActorBurst int
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type bucketSet struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*bucket
}

func newBucketSet(rps float64, burst int) *bucketSet {
	if burst < 1 {
		burst = 1
	}
	return &bucketSet{limit: rate.Limit(rps), burst: burst, buckets: make(map[string]*bucket)}
}

// reserve takes a token for key. It returns zero when the request may
// proceed, otherwise how long the caller should wait.
func (s *bucketSet) reserve(key string, now time.Time) time.Duration {
	s.mu.Lock()
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.buckets[key] = b
	}
	b.lastSeen = now
	s.mu.Unlock()

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return time.Second
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return d
	}
	return 0
}

func (s *bucketSet) prune(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, b := range s.buckets {
		if now.Sub(b.lastSeen) > bucketIdle {
			delete(s.buckets, key)
		}
	}
}

// RateLimiter returns a Gin middleware that enforces token-bucket limits per
// client address and, when X-Trust-Actor is sent, per acting agent. Idle
// buckets are pruned every five minutes until ctx is done.
func RateLimiter(ctx context.Context, cfg RateLimitConfig) gin.HandlerFunc {
	byIP := newBucketSet(cfg.IPRate, cfg.IPBurst)
	var byActor *bucketSet
	if cfg.ActorRate > 0 {
		byActor = newBucketSet(cfg.ActorRate, cfg.ActorBurst)
	}

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				byIP.prune(now)
				if byActor != nil {
					byActor.prune(now)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return func(c *gin.Context) {
		now := time.Now()
		wait := byIP.reserve(c.ClientIP(), now)
		if actor := c.GetHeader(HeaderActor); wait == 0 && actor != "" && byActor != nil {
			wait = byActor.reserve(actor, now)
		}
		if wait > 0 {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
