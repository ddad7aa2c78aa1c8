package signing

import (
	"bytes"
	"errors"
	"testing"

	"github.com/witnz/quorum/internal/types"
)

func TestSignAndVerify(t *testing.T) {
	id := types.NodeIDFromName("node0")
	signer, err := NewSigner(id, DevSeed("node0"))
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}

	ring := NewKeyRing()
	ring.Add(id, signer.Public())

	msg := []byte("prepare v=0 s=1")
	sig, err := signer.Sign(msg)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if err := ring.Verify(id, msg, sig); err != nil {
		t.Errorf("Verify failed: %v", err)
	}

	if err := ring.Verify(id, []byte("prepare v=0 s=2"), sig); !errors.Is(err, ErrBadSignature) {
		t.Errorf("expected ErrBadSignature for altered message, got %v", err)
	}
}

func TestVerifyUnknownSigner(t *testing.T) {
	ring := NewKeyRing()
	err := ring.Verify(types.NodeIDFromName("ghost"), []byte("x"), []byte("y"))
	if !errors.Is(err, ErrUnknownSigner) {
		t.Errorf("expected ErrUnknownSigner, got %v", err)
	}
}

func TestSignatureFromOtherKeyRejected(t *testing.T) {
	a, _ := NewSigner(types.NodeIDFromName("a"), DevSeed("a"))
	b, _ := NewSigner(types.NodeIDFromName("b"), DevSeed("b"))

	ring := NewKeyRing()
	ring.Add(a.ID(), a.Public())

	sig, err := b.Sign([]byte("hello"))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if err := ring.Verify(a.ID(), []byte("hello"), sig); err == nil {
		t.Error("signature from another key must not verify")
	}
}

func TestDeterministicKeys(t *testing.T) {
	s1, _ := NewSigner(types.NodeIDFromName("n"), DevSeed("n"))
	s2, _ := NewSigner(types.NodeIDFromName("n"), DevSeed("n"))
	if !s1.Public().Equal(s2.Public()) {
		t.Error("same seed must give the same key")
	}
}

func TestPublicKeyEncoding(t *testing.T) {
	seed, err := GenerateSeed()
	if err != nil {
		t.Fatalf("GenerateSeed failed: %v", err)
	}
	s, err := NewSigner(types.NodeIDFromName("x"), seed)
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}

	encoded, err := EncodePublicKey(s.Public())
	if err != nil {
		t.Fatalf("EncodePublicKey failed: %v", err)
	}

	ring := NewKeyRing()
	if err := ring.AddEncoded(s.ID(), encoded); err != nil {
		t.Fatalf("AddEncoded failed: %v", err)
	}
	if !ring.Has(s.ID()) {
		t.Error("expected key to be registered")
	}

	if _, err := DecodePublicKey("not-hex"); err == nil {
		t.Error("expected error for bad encoding")
	}
}

func TestShortSeedRejected(t *testing.T) {
	if _, err := NewSigner(types.NodeID{}, bytes.Repeat([]byte{1}, 8)); err == nil {
		t.Error("expected error for short seed")
	}
}
