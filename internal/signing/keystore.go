package signing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrKeyNotFound is returned when no key matches a key id or epoch lookup.
var ErrKeyNotFound = errors.New("signing key not found")

// SigningKey is one epoch of a signer's key history. A key is active from
// ActivatedAt until RetiredAt; RetiredAt is nil for the current key.
type SigningKey struct {
	KID         string            `json:"kid"`
	Signer      string            `json:"signer"`
	PublicKey   ed25519.PublicKey `json:"public_key"`
	ActivatedAt time.Time         `json:"activated_at"`
	RetiredAt   *time.Time        `json:"retired_at,omitempty"`

	private ed25519.PrivateKey
}

// Active reports whether the key was the signer's current key at t.
func (k *SigningKey) Active(t time.Time) bool {
	if t.Before(k.ActivatedAt) {
		return false
	}
	return k.RetiredAt == nil || t.Before(*k.RetiredAt)
}

// PrivateKey returns the private half, or nil when only the public key is known.
func (k *SigningKey) PrivateKey() ed25519.PrivateKey { return k.private }

// Public returns a copy of the key without its private half.
func (k *SigningKey) Public() *SigningKey {
	cp := *k
	cp.private = nil
	return &cp
}

// KeyStore provides the active signing key and the historical public keys
// needed to verify signatures produced before a rotation.
type KeyStore interface {
	// Active returns the current key, including its private half.
	Active(ctx context.Context) (*SigningKey, error)

	// PublicKey returns the key with the given id, active or retired.
	PublicKey(ctx context.Context, kid string) (*SigningKey, error)

	// PublicKeyAt returns the key that was active for signer at t.
	PublicKeyAt(ctx context.Context, signer string, t time.Time) (*SigningKey, error)

	// Rotate retires the current key and activates a freshly generated one.
	Rotate(ctx context.Context) (*SigningKey, error)

	// Keys lists every epoch, oldest first, without private halves.
	Keys(ctx context.Context) ([]*SigningKey, error)
}

// KeyID derives the stable key identifier from a public key.
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// generateKey creates a new ed25519 epoch for signer activated at now.
func generateKey(signer string, now time.Time) (*SigningKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &SigningKey{
		KID:         KeyID(pub),
		Signer:      signer,
		PublicKey:   pub,
		ActivatedAt: now.UTC(),
		private:     priv,
	}, nil
}

// keyRing is the epoch list shared by the KeyStore implementations.
// Callers hold their own lock around every method.
type keyRing struct {
	signer string
	keys   []*SigningKey
}

func (r *keyRing) active() (*SigningKey, error) {
	for i := len(r.keys) - 1; i >= 0; i-- {
		if r.keys[i].RetiredAt == nil {
			return r.keys[i], nil
		}
	}
	return nil, ErrKeyNotFound
}

func (r *keyRing) byKID(kid string) (*SigningKey, error) {
	for _, k := range r.keys {
		if k.KID == kid {
			return k.Public(), nil
		}
	}
	return nil, fmt.Errorf("kid %s: %w", kid, ErrKeyNotFound)
}

func (r *keyRing) at(signer string, t time.Time) (*SigningKey, error) {
	for i := len(r.keys) - 1; i >= 0; i-- {
		k := r.keys[i]
		if k.Signer == signer && k.Active(t) {
			return k.Public(), nil
		}
	}
	return nil, fmt.Errorf("signer %s at %s: %w", signer, t.Format(time.RFC3339Nano), ErrKeyNotFound)
}

func (r *keyRing) rotate(now time.Time) (*SigningKey, error) {
	next, err := generateKey(r.signer, now)
	if err != nil {
		return nil, err
	}
	if cur, err := r.active(); err == nil {
		retired := now.UTC()
		cur.RetiredAt = &retired
	}
	r.keys = append(r.keys, next)
	return next, nil
}

func (r *keyRing) list() []*SigningKey {
	out := make([]*SigningKey, 0, len(r.keys))
	for _, k := range r.keys {
		out = append(out, k.Public())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ActivatedAt.Before(out[j].ActivatedAt) })
	return out
}

// MemoryKeyStore is an in-memory, thread-safe KeyStore. Keys do not survive
// a restart, so signatures it produced cannot be verified by a later process
// unless the public keys are exported.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	ring keyRing
	now  func() time.Time
}

// NewMemoryKeyStore creates a MemoryKeyStore for signer with one active key.
func NewMemoryKeyStore(signer string) (*MemoryKeyStore, error) {
	s := &MemoryKeyStore{ring: keyRing{signer: signer}, now: time.Now}
	if _, err := s.ring.rotate(s.now()); err != nil {
		return nil, err
	}
	return s, nil
}

// Active implements KeyStore.
func (s *MemoryKeyStore) Active(_ context.Context) (*SigningKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, err := s.ring.active()
	if err != nil {
		return nil, err
	}
	cp := *k
	return &cp, nil
}

// PublicKey implements KeyStore.
func (s *MemoryKeyStore) PublicKey(_ context.Context, kid string) (*SigningKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ring.byKID(kid)
}

// PublicKeyAt implements KeyStore.
func (s *MemoryKeyStore) PublicKeyAt(_ context.Context, signer string, t time.Time) (*SigningKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ring.at(signer, t)
}

// Rotate implements KeyStore.
func (s *MemoryKeyStore) Rotate(_ context.Context) (*SigningKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, err := s.ring.rotate(s.now())
	if err != nil {
		return nil, err
	}
	return k.Public(), nil
}

// Keys implements KeyStore.
func (s *MemoryKeyStore) Keys(_ context.Context) ([]*SigningKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ring.list(), nil
}
