package primitives

import (
	"bytes"
	"testing"
)

func TestDHAgreement(t *testing.T) {
	alice, err := GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519(alice): %v", err)
	}
	bob, err := GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519(bob): %v", err)
	}

	ab, err := DH(alice.Secret, bob.Public)
	if err != nil {
		t.Fatalf("DH(alice, bob): %v", err)
	}
	ba, err := DH(bob.Secret, alice.Public)
	if err != nil {
		t.Fatalf("DH(bob, alice): %v", err)
	}
	if !bytes.Equal(ab[:], ba[:]) {
		t.Fatalf("shared secrets differ: %x != %x", ab, ba)
	}
}

func TestDHRejectsZeroPublicKey(t *testing.T) {
	kp, err := GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	var zero PublicKey
	if _, err := DH(kp.Secret, zero); err != ErrInvalidPublicKey {
		t.Fatalf("DH(zero): got %v, want %v", err, ErrInvalidPublicKey)
	}
}

func TestDHRejectsLowOrderPoint(t *testing.T) {
	kp, err := GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	for i, p := range lowOrderPoints {
		var pub PublicKey
		copy(pub[:], p[:])
		if _, err := DH(kp.Secret, pub); err != ErrInvalidPublicKey {
			t.Fatalf("low-order point #%d: got %v, want %v", i, err, ErrInvalidPublicKey)
		}
	}
}

func TestSignVerify(t *testing.T) {
	pub, priv, err := GenerateEd25519()
	if err != nil {
		t.Fatalf("GenerateEd25519: %v", err)
	}
	msg := []byte("signed pre-key bytes")
	sig := Sign(priv, msg)
	if !Verify(pub, msg, sig) {
		t.Fatal("Verify: valid signature rejected")
	}
	tampered := append([]byte(nil), msg...)
	tampered[0] ^= 0xff
	if Verify(pub, tampered, sig) {
		t.Fatal("Verify: accepted signature over tampered message")
	}
}

func TestHKDFDeterministic(t *testing.T) {
	ikm := []byte("initial keying material")
	a, err := HKDF(ikm, []byte("info-a"), 32)
	if err != nil {
		t.Fatalf("HKDF: %v", err)
	}
	b, err := HKDF(ikm, []byte("info-a"), 32)
	if err != nil {
		t.Fatalf("HKDF: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("HKDF is not deterministic for identical inputs")
	}
	c, err := HKDF(ikm, []byte("info-b"), 32)
	if err != nil {
		t.Fatalf("HKDF: %v", err)
	}
	if bytes.Equal(a, c) {
		t.Fatal("HKDF produced identical output for different info strings")
	}
}

func TestAEADRoundTrip(t *testing.T) {
	var key [KeySize]byte
	copy(key[:], bytes.Repeat([]byte{0x42}, KeySize))
	ad := []byte("header bytes")
	plaintext := []byte("hello world")

	sealed, err := AEADSeal(key, ad, plaintext)
	if err != nil {
		t.Fatalf("AEADSeal: %v", err)
	}
	opened, err := AEADOpen(key, ad, sealed)
	if err != nil {
		t.Fatalf("AEADOpen: %v", err)
	}
	if !bytes.Equal(plaintext, opened) {
		t.Fatalf("round trip mismatch: got %q, want %q", opened, plaintext)
	}
}

func TestAEADOpenRejectsTamperedAD(t *testing.T) {
	var key [KeySize]byte
	copy(key[:], bytes.Repeat([]byte{0x7}, KeySize))
	sealed, err := AEADSeal(key, []byte("header-v1"), []byte("secret"))
	if err != nil {
		t.Fatalf("AEADSeal: %v", err)
	}
	if _, err := AEADOpen(key, []byte("header-v2"), sealed); err != ErrAuthFailure {
		t.Fatalf("AEADOpen with wrong AD: got %v, want %v", err, ErrAuthFailure)
	}
}

func TestAEADOpenRejectsTamperedCiphertext(t *testing.T) {
	var key [KeySize]byte
	copy(key[:], bytes.Repeat([]byte{0x7}, KeySize))
	ad := []byte("header")
	sealed, err := AEADSeal(key, ad, []byte("secret"))
	if err != nil {
		t.Fatalf("AEADSeal: %v", err)
	}
	sealed[len(sealed)-1] ^= 0x01
	if _, err := AEADOpen(key, ad, sealed); err != ErrAuthFailure {
		t.Fatalf("AEADOpen with flipped tag byte: got %v, want %v", err, ErrAuthFailure)
	}
}

func TestCTEqual(t *testing.T) {
	a := []byte("abc")
	b := []byte("abc")
	c := []byte("abd")
	if !CTEqual(a, b) {
		t.Fatal("CTEqual: equal slices reported unequal")
	}
	if CTEqual(a, c) {
		t.Fatal("CTEqual: unequal slices reported equal")
	}
}

func TestRandomBytesUnique(t *testing.T) {
	a, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes: %v", err)
	}
	b, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("two successive RandomBytes calls returned identical output")
	}
}
