package signing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

const (
	keysFile = "keys.json"

	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	saltSize     = 16
	nonceSize    = 24
	sealedKeyLen = 32
)

// sealedKey is the on-disk form of one key epoch. The private seed is sealed
// with secretbox under a key derived from the store passphrase.
type sealedKey struct {
	KID         string     `json:"kid"`
	Signer      string     `json:"signer"`
	PublicKey   []byte     `json:"public_key"`
	Salt        []byte     `json:"salt"`
	Nonce       []byte     `json:"nonce"`
	SealedSeed  []byte     `json:"sealed_seed"`
	ActivatedAt time.Time  `json:"activated_at"`
	RetiredAt   *time.Time `json:"retired_at,omitempty"`
}

type keyFile struct {
	Keys []sealedKey `json:"keys"`
}

// FileKeyStore is a KeyStore that persists its key epochs to a directory.
// It creates the first key on first run and reloads the full history on
// subsequent starts, so retired public keys stay available for verification.
type FileKeyStore struct {
	mu         sync.RWMutex
	dir        string
	passphrase []byte
	ring       keyRing
	now        func() time.Time
}

// NewFileKeyStore returns a FileKeyStore for signer that stores keys in dir.
// Call LoadOrCreate before use.
func NewFileKeyStore(dir, signer, passphrase string) *FileKeyStore {
	return &FileKeyStore{
		dir:        dir,
		passphrase: []byte(passphrase),
		ring:       keyRing{signer: signer},
		now:        time.Now,
	}
}

// LoadOrCreate loads the key history from disk if it exists; creates a new
// history with one active key otherwise.
func (s *FileKeyStore) LoadOrCreate() error {
	if len(s.passphrase) == 0 {
		return errors.New("key store passphrase is required")
	}
	err := s.Load()
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return s.Create()
}

// Load reads and unseals the key history.
func (s *FileKeyStore) Load() error {
	raw, err := os.ReadFile(filepath.Join(s.dir, keysFile))
	if err != nil {
		return fmt.Errorf("read key file: %w", err)
	}
	var kf keyFile
	if err := json.Unmarshal(raw, &kf); err != nil {
		return fmt.Errorf("decode key file: %w", err)
	}

	keys := make([]*SigningKey, 0, len(kf.Keys))
	for _, sk := range kf.Keys {
		k, err := s.unseal(sk)
		if err != nil {
			return fmt.Errorf("unseal key %s: %w", sk.KID, err)
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return errors.New("key file holds no keys")
	}

	s.mu.Lock()
	s.ring.keys = keys
	s.mu.Unlock()
	return nil
}

// Create generates the first key and writes the key file.
func (s *FileKeyStore) Create() error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create key dir %q: %w", s.dir, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.ring.rotate(s.now()); err != nil {
		return err
	}
	return s.persist()
}

// Active implements KeyStore.
func (s *FileKeyStore) Active(_ context.Context) (*SigningKey, error) {
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
func (s *FileKeyStore) PublicKey(_ context.Context, kid string) (*SigningKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ring.byKID(kid)
}

// PublicKeyAt implements KeyStore.
func (s *FileKeyStore) PublicKeyAt(_ context.Context, signer string, t time.Time) (*SigningKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ring.at(signer, t)
}

// Rotate implements KeyStore. The new epoch is durable before it is returned.
func (s *FileKeyStore) Rotate(_ context.Context) (*SigningKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := make([]*SigningKey, len(s.ring.keys))
	for i, k := range s.ring.keys {
		cp := *k
		prev[i] = &cp
	}
	k, err := s.ring.rotate(s.now())
	if err != nil {
		return nil, err
	}
	if err := s.persist(); err != nil {
		s.ring.keys = prev
		return nil, err
	}
	return k.Public(), nil
}

// Keys implements KeyStore.
func (s *FileKeyStore) Keys(_ context.Context) ([]*SigningKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ring.list(), nil
}

// persist writes the key file atomically. Callers hold s.mu.
func (s *FileKeyStore) persist() error {
	kf := keyFile{Keys: make([]sealedKey, 0, len(s.ring.keys))}
	for _, k := range s.ring.keys {
		sk, err := s.seal(k)
		if err != nil {
			return err
		}
		kf.Keys = append(kf.Keys, sk)
	}
	raw, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("encode key file: %w", err)
	}

	tmp := filepath.Join(s.dir, keysFile+".tmp")
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, keysFile)); err != nil {
		return fmt.Errorf("replace key file: %w", err)
	}
	return nil
}

func (s *FileKeyStore) seal(k *SigningKey) (sealedKey, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return sealedKey{}, fmt.Errorf("generate salt: %w", err)
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return sealedKey{}, fmt.Errorf("generate nonce: %w", err)
	}
	boxKey, err := s.deriveKey(salt)
	if err != nil {
		return sealedKey{}, err
	}
	sealed := secretbox.Seal(nil, k.private.Seed(), &nonce, boxKey)
	return sealedKey{
		KID:         k.KID,
		Signer:      k.Signer,
		PublicKey:   k.PublicKey,
		Salt:        salt,
		Nonce:       nonce[:],
		SealedSeed:  sealed,
		ActivatedAt: k.ActivatedAt,
		RetiredAt:   k.RetiredAt,
	}, nil
}

func (s *FileKeyStore) unseal(sk sealedKey) (*SigningKey, error) {
	if len(sk.Nonce) != nonceSize {
		return nil, errors.New("bad nonce length")
	}
	boxKey, err := s.deriveKey(sk.Salt)
	if err != nil {
		return nil, err
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sk.Nonce)
	seed, ok := secretbox.Open(nil, sk.SealedSeed, &nonce, boxKey)
	if !ok {
		return nil, errors.New("wrong passphrase or corrupted key")
	}
	if len(seed) != ed25519.SeedSize {
		return nil, errors.New("bad seed length")
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	if KeyID(pub) != sk.KID {
		return nil, errors.New("key id does not match public key")
	}
	return &SigningKey{
		KID:         sk.KID,
		Signer:      sk.Signer,
		PublicKey:   pub,
		ActivatedAt: sk.ActivatedAt,
		RetiredAt:   sk.RetiredAt,
		private:     priv,
	}, nil
}

func (s *FileKeyStore) deriveKey(salt []byte) (*[sealedKeyLen]byte, error) {
	dk, err := scrypt.Key(s.passphrase, salt, scryptN, scryptR, scryptP, sealedKeyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	var key [sealedKeyLen]byte
	copy(key[:], dk)
	return &key, nil
}
