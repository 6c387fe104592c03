package anomaly

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// FingerprintGuard arbitrates which detector opens the anomaly for a given
// evidence fingerprint. Claim returns true for exactly one caller until the
// fingerprint is released.
type FingerprintGuard interface {
	Claim(ctx context.Context, fingerprint string) (bool, error)
	Release(ctx context.Context, fingerprint string) error
}

// MemoryGuard is an in-process FingerprintGuard.
type MemoryGuard struct {
	mu      sync.Mutex
	claimed map[string]struct{}
}

// NewMemoryGuard creates an empty MemoryGuard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{claimed: make(map[string]struct{})}
}

// Claim implements FingerprintGuard.
func (g *MemoryGuard) Claim(_ context.Context, fp string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.claimed[fp]; ok {
		return false, nil
	}
	g.claimed[fp] = struct{}{}
	return true, nil
}

// Release implements FingerprintGuard.
func (g *MemoryGuard) Release(_ context.Context, fp string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.claimed, fp)
	return nil
}

// RedisGuard shares fingerprint claims between detector processes with
// SET NX. Claims expire after TTL so a crashed process cannot hold one
// forever.
type RedisGuard struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisGuard creates a RedisGuard. A zero ttl defaults to 24h.
func NewRedisGuard(client *redis.Client, prefix string, ttl time.Duration) *RedisGuard {
	if prefix == "" {
		prefix = "trust:anomaly:fp:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisGuard{client: client, prefix: prefix, ttl: ttl}
}

// Claim implements FingerprintGuard.
func (g *RedisGuard) Claim(ctx context.Context, fp string) (bool, error) {
	return g.client.SetNX(ctx, g.prefix+fp, time.Now().UTC().Format(time.RFC3339), g.ttl).Result()
}

// Release implements FingerprintGuard.
func (g *RedisGuard) Release(ctx context.Context, fp string) error {
	return g.client.Del(ctx, g.prefix+fp).Err()
}
