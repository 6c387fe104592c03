package signing_test

import (
	"testing"

	"github.com/aaron031291/grace-2-sub022/internal/signing"
)

func TestFileKeyStore_persistsHistory(t *testing.T) {
	dir := t.TempDir()

	first := signing.NewFileKeyStore(dir, "trustd", "correct horse")
	if err := first.LoadOrCreate(); err != nil {
		t.Fatal(err)
	}
	engine := signing.NewEngine(first)
	env := baseEnvelope()
	signed, err := engine.CreateEnvelope(ctx, env)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := first.Rotate(ctx); err != nil {
		t.Fatal(err)
	}

	// A second process reloads the same directory.
	second := signing.NewFileKeyStore(dir, "trustd", "correct horse")
	if err := second.LoadOrCreate(); err != nil {
		t.Fatal(err)
	}
	keys, err := second.Keys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 persisted epochs, got %d", len(keys))
	}

	ok, err := signing.NewEngine(second).VerifyEnvelopeAt(ctx, env, signed)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("signature from a retired key failed to verify after reload")
	}

	active, err := second.Active(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if active.PrivateKey() == nil {
		t.Error("reloaded active key has no private half")
	}
}

func TestFileKeyStore_wrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	if err := signing.NewFileKeyStore(dir, "trustd", "right").LoadOrCreate(); err != nil {
		t.Fatal(err)
	}
	if err := signing.NewFileKeyStore(dir, "trustd", "wrong").LoadOrCreate(); err == nil {
		t.Error("expected unseal failure with the wrong passphrase")
	}
}

func TestFileKeyStore_requiresPassphrase(t *testing.T) {
	if err := signing.NewFileKeyStore(t.TempDir(), "trustd", "").LoadOrCreate(); err == nil {
		t.Error("expected error for empty passphrase")
	}
}
