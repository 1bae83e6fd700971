package identity

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	t "github.com/cellmesh/cell/server/cell/types"
)

func mustGenerate(tb *testing.T, name string) *Keyring {
	tb.Helper()
	kr, err := Generate(name)
	if err != nil {
		tb.Fatalf("Generate(%q) failed: %v", name, err)
	}
	return kr
}

func TestSealOpenRoundTrip(tb *testing.T) {
	alice := mustGenerate(tb, "alice")
	bob := mustGenerate(tb, "bob")

	msg := []byte("Hello from Cell 1 to Cell 2!")
	blob, err := alice.SealFor(bob.PublicKey(), msg)
	if err != nil {
		tb.Fatalf("SealFor failed: %v", err)
	}

	got, err := bob.OpenFrom(alice.PublicKey(), blob)
	if err != nil {
		tb.Fatalf("OpenFrom failed: %v", err)
	}
	if !bytes.Equal(got, msg) {
		tb.Errorf("OpenFrom = %q, want %q", got, msg)
	}
}

func TestOpenWrongRecipientIsDecryptionFailure(tb *testing.T) {
	alice := mustGenerate(tb, "alice")
	bob := mustGenerate(tb, "bob")
	eve := mustGenerate(tb, "eve")

	blob, err := alice.SealFor(bob.PublicKey(), []byte("for bob only"))
	if err != nil {
		tb.Fatalf("SealFor failed: %v", err)
	}

	_, err = eve.OpenFrom(alice.PublicKey(), blob)
	if !errors.Is(err, t.ErrDecryption) {
		tb.Errorf("expected ErrDecryption for wrong recipient, got %v", err)
	}
}

func TestOpenTamperedCiphertextIsIntegrityError(tb *testing.T) {
	alice := mustGenerate(tb, "alice")
	bob := mustGenerate(tb, "bob")

	blob, err := alice.SealFor(bob.PublicKey(), []byte("payload"))
	if err != nil {
		tb.Fatalf("SealFor failed: %v", err)
	}
	blob.Ciphertext[0] ^= 0xff

	_, err = bob.OpenFrom(alice.PublicKey(), blob)
	if !errors.Is(err, t.ErrIntegrity) {
		tb.Errorf("expected ErrIntegrity for tampered ciphertext, got %v", err)
	}
}

func TestSignVerify(tb *testing.T) {
	alice := mustGenerate(tb, "alice")
	bob := mustGenerate(tb, "bob")

	msg := []byte("signed notification")
	sig, err := alice.Sign(msg)
	if err != nil {
		tb.Fatalf("Sign failed: %v", err)
	}
	if !bob.Verify(msg, sig, alice.PublicKey()) {
		tb.Error("valid signature rejected")
	}
	if bob.Verify(msg, sig, bob.PublicKey()) {
		tb.Error("signature accepted against the wrong key")
	}
	if bob.Verify([]byte("other"), sig, alice.PublicKey()) {
		tb.Error("signature accepted for the wrong message")
	}
}

func TestIDStableAcrossSaveLoad(tb *testing.T) {
	kr := mustGenerate(tb, "cell-one")
	path := filepath.Join(tb.TempDir(), "cell.keys")
	if err := kr.Save(path); err != nil {
		tb.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		tb.Fatalf("Load failed: %v", err)
	}
	if loaded.ID() != kr.ID() {
		tb.Errorf("loaded id %q differs from original %q", loaded.ID(), kr.ID())
	}
	if loaded.PublicKey() != kr.PublicKey() {
		tb.Error("loaded public key differs from original")
	}
}

func TestRotateKeepsBacklogReadable(tb *testing.T) {
	alice := mustGenerate(tb, "alice")
	bob := mustGenerate(tb, "bob")

	oldBlob, err := alice.SealFor(bob.PublicKey(), []byte("before rotation"))
	if err != nil {
		tb.Fatalf("SealFor failed: %v", err)
	}

	oldHash, newHash, err := bob.Rotate("scheduled")
	if err != nil {
		tb.Fatalf("Rotate failed: %v", err)
	}
	if oldHash == newHash {
		tb.Error("rotation must change the key hash")
	}

	// Backlog envelope still opens with the previous generation.
	got, err := bob.OpenFrom(alice.PublicKey(), oldBlob)
	if err != nil {
		tb.Fatalf("OpenFrom after rotation failed: %v", err)
	}
	if string(got) != "before rotation" {
		tb.Errorf("unexpected plaintext %q", got)
	}

	// New envelopes seal against the new key.
	newBlob, err := alice.SealFor(bob.PublicKey(), []byte("after rotation"))
	if err != nil {
		tb.Fatalf("SealFor failed: %v", err)
	}
	if got, err = bob.OpenFrom(alice.PublicKey(), newBlob); err != nil || string(got) != "after rotation" {
		tb.Fatalf("OpenFrom(new) = %q, %v", got, err)
	}

	if _, _, err = bob.Rotate(""); !errors.Is(err, t.ErrValidation) {
		tb.Errorf("empty reason should fail validation, got %v", err)
	}
}
