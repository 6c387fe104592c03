package signing

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// ActionEnvelope is one requested action, prior to signing.
type ActionEnvelope struct {
	ActionID   string `json:"action_id"`
	Actor      string `json:"actor"`
	ActionType string `json:"action_type"`
	Resource   string `json:"resource"`
	InputData  any    `json:"input_data"`
}

// SignedEnvelope carries the outputs of CreateEnvelope. KeyID and SignedAt
// let a verifier resolve the correct historical key after a rotation.
type SignedEnvelope struct {
	Signature string    `json:"signature"`
	InputHash string    `json:"input_hash"`
	KeyID     string    `json:"kid"`
	Signer    string    `json:"signer"`
	SignedAt  time.Time `json:"signed_at"`
}

// EncodingError is returned by CreateEnvelope when input_data has no
// canonical byte form.
type EncodingError struct {
	Err error
}

func (e *EncodingError) Error() string { return "canonicalize input_data: " + e.Err.Error() }
func (e *EncodingError) Unwrap() error { return e.Err }

// MalformedInputError is returned by the verify calls when the signed
// message cannot be reconstructed from the supplied input_data.
type MalformedInputError struct {
	Err error
}

func (e *MalformedInputError) Error() string { return "reconstruct envelope message: " + e.Err.Error() }
func (e *MalformedInputError) Unwrap() error { return e.Err }

// Engine signs and verifies action envelopes with keys from a KeyStore.
type Engine struct {
	keys KeyStore
	now  func() time.Time
}

// NewEngine creates an Engine backed by keys.
func NewEngine(keys KeyStore) *Engine {
	return &Engine{keys: keys, now: time.Now}
}

// Keys returns the engine's key store.
func (e *Engine) Keys() KeyStore { return e.keys }

// InputHash returns the hex SHA-256 of the canonical form of input.
func InputHash(input any) (string, error) {
	canon, err := Canonicalize(input)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// Message builds the exact byte string that is signed for env.
func Message(env ActionEnvelope, inputHash string) []byte {
	return []byte(strings.Join([]string{
		env.ActionID, env.Actor, env.ActionType, env.Resource, inputHash,
	}, ":"))
}

// CreateEnvelope signs env with the active key. It has no side effects.
func (e *Engine) CreateEnvelope(ctx context.Context, env ActionEnvelope) (*SignedEnvelope, error) {
	inputHash, err := InputHash(env.InputData)
	if err != nil {
		return nil, &EncodingError{Err: err}
	}
	key, err := e.keys.Active(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active key: %w", err)
	}
	if key.PrivateKey() == nil {
		return nil, fmt.Errorf("active key %s has no private half", key.KID)
	}

	sig := ed25519.Sign(key.PrivateKey(), Message(env, inputHash))
	return &SignedEnvelope{
		Signature: hex.EncodeToString(sig),
		InputHash: inputHash,
		KeyID:     key.KID,
		Signer:    key.Signer,
		SignedAt:  e.now().UTC(),
	}, nil
}

// VerifyEnvelope recomputes the message for env and checks signatureHex
// against publicKey. Any cryptographic mismatch yields false with a nil
// error; only an input_data that cannot be canonicalised is an error.
func (e *Engine) VerifyEnvelope(env ActionEnvelope, signatureHex string, publicKey ed25519.PublicKey) (bool, error) {
	inputHash, err := InputHash(env.InputData)
	if err != nil {
		return false, &MalformedInputError{Err: err}
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return false, nil
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false, nil
	}
	return ed25519.Verify(publicKey, Message(env, inputHash), sig), nil
}

// VerifyEnvelopeAt verifies env against the historical key that produced
// signed. The key is looked up by id first; when the id is unknown the key
// that was active for the signer at SignedAt is used. Either way the key
// must belong to signed.Signer and must have been active at SignedAt, so a
// retired key cannot vouch for signatures dated after its retirement. An
// unresolvable or out-of-epoch key is a verification failure, not an error.
//
// SignedAt is not part of the signed message. The epoch check rejects a
// retired key id presented with a later timestamp; it cannot stop a holder
// of a retired private key from backdating, which is why retired private
// halves never leave the key store.
func (e *Engine) VerifyEnvelopeAt(ctx context.Context, env ActionEnvelope, signed *SignedEnvelope) (bool, error) {
	if _, err := InputHash(env.InputData); err != nil {
		return false, &MalformedInputError{Err: err}
	}
	if signed == nil {
		return false, nil
	}

	key, err := e.keys.PublicKey(ctx, signed.KeyID)
	if err != nil {
		key, err = e.keys.PublicKeyAt(ctx, signed.Signer, signed.SignedAt)
		if err != nil {
			return false, nil
		}
	}
	if key.Signer != signed.Signer || !key.Active(signed.SignedAt) {
		return false, nil
	}
	return e.VerifyEnvelope(env, signed.Signature, key.PublicKey)
}
