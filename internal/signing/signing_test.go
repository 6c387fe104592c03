package signing_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/aaron031291/grace-2-sub022/internal/signing"
)

var ctx = context.Background()

func newEngine(t *testing.T) (*signing.Engine, *signing.MemoryKeyStore) {
	t.Helper()
	keys, err := signing.NewMemoryKeyStore("trustd")
	if err != nil {
		t.Fatal(err)
	}
	return signing.NewEngine(keys), keys
}

func baseEnvelope() signing.ActionEnvelope {
	return signing.ActionEnvelope{
		ActionID:   "act-1",
		Actor:      "agent-7",
		ActionType: "file.write",
		Resource:   "/srv/data/report.txt",
		InputData: map[string]any{
			"path":  "/srv/data/report.txt",
			"bytes": 42,
			"opts":  map[string]any{"mode": "append", "sync": true},
		},
	}
}

func activePublicKey(t *testing.T, keys signing.KeyStore) []byte {
	t.Helper()
	k, err := keys.Active(ctx)
	if err != nil {
		t.Fatal(err)
	}
	return k.PublicKey
}

func TestCreateEnvelope_roundTrip(t *testing.T) {
	engine, keys := newEngine(t)
	env := baseEnvelope()

	signed, err := engine.CreateEnvelope(ctx, env)
	if err != nil {
		t.Fatal(err)
	}
	if len(signed.InputHash) != 64 {
		t.Errorf("input hash: got %d hex chars, want 64", len(signed.InputHash))
	}

	ok, err := engine.VerifyEnvelope(env, signed.Signature, activePublicKey(t, keys))
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("VerifyEnvelope() = false for an untouched envelope")
	}
}

func TestVerifyEnvelope_detectsEveryFieldChange(t *testing.T) {
	engine, keys := newEngine(t)
	signed, err := engine.CreateEnvelope(ctx, baseEnvelope())
	if err != nil {
		t.Fatal(err)
	}
	pub := activePublicKey(t, keys)

	tests := []struct {
		name   string
		mutate func(e *signing.ActionEnvelope)
	}{
		{"actor", func(e *signing.ActionEnvelope) { e.Actor = "agent-8" }},
		{"action type", func(e *signing.ActionEnvelope) { e.ActionType = "file.delete" }},
		{"resource", func(e *signing.ActionEnvelope) { e.Resource = "/etc/passwd" }},
		{"action id", func(e *signing.ActionEnvelope) { e.ActionID = "act-2" }},
		{"input value", func(e *signing.ActionEnvelope) {
			e.InputData = map[string]any{
				"path":  "/srv/data/report.txt",
				"bytes": 43,
				"opts":  map[string]any{"mode": "append", "sync": true},
			}
		}},
		{"nested input key", func(e *signing.ActionEnvelope) {
			e.InputData = map[string]any{
				"path":  "/srv/data/report.txt",
				"bytes": 42,
				"opts":  map[string]any{"mode": "append", "fsync": true},
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := baseEnvelope()
			tt.mutate(&env)
			ok, err := engine.VerifyEnvelope(env, signed.Signature, pub)
			if err != nil {
				t.Fatal(err)
			}
			if ok {
				t.Error("VerifyEnvelope() = true after mutation")
			}
		})
	}
}

func TestVerifyEnvelope_keyOrderIndependent(t *testing.T) {
	engine, keys := newEngine(t)
	env := baseEnvelope()
	env.InputData = map[string]any{"b": 1, "a": map[string]any{"y": 2, "x": 1}}

	signed, err := engine.CreateEnvelope(ctx, env)
	if err != nil {
		t.Fatal(err)
	}

	type inner struct {
		X int `json:"x"`
		Y int `json:"y"`
	}
	type outer struct {
		A inner `json:"a"`
		B int   `json:"b"`
	}
	env.InputData = outer{A: inner{X: 1, Y: 2}, B: 1}

	ok, err := engine.VerifyEnvelope(env, signed.Signature, activePublicKey(t, keys))
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("struct and map with equal JSON should verify against the same signature")
	}
}

func TestVerifyEnvelope_garbageSignatureIsFalse(t *testing.T) {
	engine, keys := newEngine(t)
	pub := activePublicKey(t, keys)

	for _, sig := range []string{"", "zz", "abcd", string(make([]byte, 128))} {
		ok, err := engine.VerifyEnvelope(baseEnvelope(), sig, pub)
		if err != nil {
			t.Errorf("signature %q: unexpected error %v", sig, err)
		}
		if ok {
			t.Errorf("signature %q: verified", sig)
		}
	}
}

func TestVerifyEnvelope_wrongKeyIsFalse(t *testing.T) {
	engine, _ := newEngine(t)
	signed, err := engine.CreateEnvelope(ctx, baseEnvelope())
	if err != nil {
		t.Fatal(err)
	}
	other, err := signing.NewMemoryKeyStore("someone-else")
	if err != nil {
		t.Fatal(err)
	}

	ok, err := engine.VerifyEnvelope(baseEnvelope(), signed.Signature, activePublicKey(t, other))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("signature verified under an unrelated key")
	}
}

func TestCreateEnvelope_encodingError(t *testing.T) {
	engine, _ := newEngine(t)
	env := baseEnvelope()
	env.InputData = map[string]any{"ratio": math.NaN()}

	_, err := engine.CreateEnvelope(ctx, env)
	var encErr *signing.EncodingError
	if !errors.As(err, &encErr) {
		t.Fatalf("expected *EncodingError, got %v", err)
	}

	env.InputData = map[string]any{"ch": make(chan int)}
	if _, err := engine.CreateEnvelope(ctx, env); !errors.As(err, &encErr) {
		t.Fatalf("expected *EncodingError for channel input, got %v", err)
	}
}

func TestVerifyEnvelope_malformedInput(t *testing.T) {
	engine, keys := newEngine(t)
	env := baseEnvelope()
	env.InputData = map[string]any{"f": func() {}}

	ok, err := engine.VerifyEnvelope(env, "00", activePublicKey(t, keys))
	var malformed *signing.MalformedInputError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected *MalformedInputError, got %v", err)
	}
	if ok {
		t.Error("malformed input must never verify")
	}
}

func TestVerifyEnvelopeAt_afterRotation(t *testing.T) {
	engine, keys := newEngine(t)
	env := baseEnvelope()

	before, err := engine.CreateEnvelope(ctx, env)
	if err != nil {
		t.Fatal(err)
	}
	rotated, err := keys.Rotate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rotated.KID == before.KeyID {
		t.Fatal("rotation produced the same key id")
	}
	after, err := engine.CreateEnvelope(ctx, env)
	if err != nil {
		t.Fatal(err)
	}
	if after.KeyID != rotated.KID {
		t.Errorf("new envelope signed with %s, want %s", after.KeyID, rotated.KID)
	}

	for name, signed := range map[string]*signing.SignedEnvelope{"before": before, "after": after} {
		ok, err := engine.VerifyEnvelopeAt(ctx, env, signed)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Errorf("%s rotation: envelope failed historical verification", name)
		}
	}

	// The retired key still resolves by epoch when the key id is unknown.
	byTime := *before
	byTime.KeyID = "unknown"
	ok, err := engine.VerifyEnvelopeAt(ctx, env, &byTime)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("epoch lookup failed to resolve the retired key")
	}

	// The old signature must not verify under the new key.
	ok, err = engine.VerifyEnvelope(env, before.Signature, activePublicKey(t, keys))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("pre-rotation signature verified under the new key")
	}
}

func TestVerifyEnvelopeAt_retiredKeyOutsideEpoch(t *testing.T) {
	engine, keys := newEngine(t)
	env := baseEnvelope()

	signed, err := engine.CreateEnvelope(ctx, env)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := keys.Rotate(ctx); err != nil {
		t.Fatal(err)
	}

	cases := map[string]func(s *signing.SignedEnvelope){
		"dated after retirement":  func(s *signing.SignedEnvelope) { s.SignedAt = time.Now().Add(time.Hour) },
		"dated before activation": func(s *signing.SignedEnvelope) { s.SignedAt = s.SignedAt.Add(-24 * time.Hour) },
		"missing timestamp":       func(s *signing.SignedEnvelope) { s.SignedAt = time.Time{} },
		"other signer":            func(s *signing.SignedEnvelope) { s.Signer = "intruder" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			forged := *signed
			mutate(&forged)
			ok, err := engine.VerifyEnvelopeAt(ctx, env, &forged)
			if err != nil {
				t.Fatal(err)
			}
			if ok {
				t.Error("retired key verified outside its epoch")
			}
		})
	}

	ok, err := engine.VerifyEnvelopeAt(ctx, env, signed)
	if err != nil || !ok {
		t.Errorf("in-epoch signature rejected: %v %v", ok, err)
	}
}

func TestKeys_listsRetiredEpochs(t *testing.T) {
	_, keys := newEngine(t)
	if _, err := keys.Rotate(ctx); err != nil {
		t.Fatal(err)
	}
	list, err := keys.Keys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 epochs, got %d", len(list))
	}
	if list[0].RetiredAt == nil {
		t.Error("first epoch should be retired")
	}
	if list[1].RetiredAt != nil {
		t.Error("second epoch should be active")
	}
	for _, k := range list {
		if k.PrivateKey() != nil {
			t.Errorf("Keys() leaked the private half of %s", k.KID)
		}
	}
}
