// Package primitives wraps the vetted cryptographic building blocks the rest
// of the e2ee module is built on: Curve25519 Diffie-Hellman, Ed25519
// signatures, HKDF-SHA256 key derivation, XChaCha20-Poly1305 AEAD, a CSPRNG,
// and constant-time comparison.
//
// Nothing above this package should ever reach for crypto/rand, hkdf, or an
// AEAD cipher directly — that keeps every primitive choice (curve, AEAD,
// hash) in exactly one place.
package primitives

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the length in bytes of an X25519 public or secret key.
const KeySize = 32

// PublicKey is a Curve25519 public key.
//
// PublicKey is a fixed-size array rather than a slice so the compiler
// catches a swapped public/secret argument at the call site.
type PublicKey [KeySize]byte

// SecretKey is a Curve25519 secret (scalar) key.
type SecretKey [KeySize]byte

// Slice returns k as a []byte. The returned slice aliases k; callers must
// not retain it past k's lifetime if k is expected to be zeroized.
func (k PublicKey) Slice() []byte { return k[:] }

// Slice returns k as a []byte. See PublicKey.Slice for the aliasing caveat.
func (k SecretKey) Slice() []byte { return k[:] }

// IsZero reports whether k is the all-zero key.
func (k PublicKey) IsZero() bool {
	var zero PublicKey
	return hmac.Equal(k[:], zero[:])
}

// KeyPair is a complete Curve25519 (secret, public) key pair.
type KeyPair struct {
	Public PublicKey
	Secret SecretKey
}

// SigningPublicKey is an Ed25519 verification key.
type SigningPublicKey = ed25519.PublicKey

// SigningSecretKey is an Ed25519 signing key.
type SigningSecretKey = ed25519.PrivateKey

// ErrInvalidPublicKey is returned when a Diffie-Hellman input is the
// all-zero point or a known low-order point on the curve.
var ErrInvalidPublicKey = errors.New("primitives: invalid public key")

// ErrAuthFailure is returned when AEAD tag verification fails.
var ErrAuthFailure = errors.New("primitives: authentication failed")

// lowOrderPoints lists the well-known order-(1,2,4,8) points on Curve25519.
// An honest peer never sends one of these; a Diffie-Hellman output derived
// from one collapses to a small, guessable set of values, so they are
// rejected outright rather than silently producing a weak shared secret.
var lowOrderPoints = [][KeySize]byte{
	{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0xe0, 0xeb, 0x7a, 0x7c, 0x3b, 0x41, 0xb8, 0xae, 0x16, 0x56, 0xe3, 0xfa, 0xf1, 0x9f, 0xc4, 0x6a, 0xda, 0x09, 0x8d, 0xeb, 0x9c, 0x32, 0xb1, 0xfd, 0x86, 0x62, 0x05, 0x16, 0x5f, 0x49, 0xb8, 0x00},
	{0x5f, 0x9c, 0x95, 0xbc, 0xa3, 0x50, 0x8c, 0x24, 0xb1, 0xd0, 0xb1, 0x55, 0x9c, 0x83, 0xef, 0x5b, 0x04, 0x44, 0x5c, 0xc4, 0x58, 0x1c, 0x8e, 0x86, 0xd8, 0x22, 0x4e, 0xdd, 0xd0, 0x9f, 0x11, 0x57},
	{0xec, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f},
	{0xed, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
	{0xee, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f},
}

// isLowOrder reports whether pub is a known low-order point.
func isLowOrder(pub PublicKey) bool {
	for _, p := range lowOrderPoints {
		if hmac.Equal(pub[:], p[:]) {
			return true
		}
	}
	return false
}

// GenerateX25519 creates a new Curve25519 key pair using the OS CSPRNG.
func GenerateX25519() (KeyPair, error) {
	var secret SecretKey
	if _, err := io.ReadFull(rand.Reader, secret[:]); err != nil {
		return KeyPair{}, fmt.Errorf("primitives: generate X25519: %w", err)
	}
	clamp(&secret)

	pub, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("primitives: derive X25519 public: %w", err)
	}
	var public PublicKey
	copy(public[:], pub)
	return KeyPair{Public: public, Secret: secret}, nil
}

// clamp applies the standard X25519 scalar clamp in place.
func clamp(s *SecretKey) {
	s[0] &= 248
	s[31] &= 127
	s[31] |= 64
}

// DH computes the X25519 Diffie-Hellman shared secret between secret and
// peer. It fails with ErrInvalidPublicKey if peer is the all-zero point or a
// known low-order point, and if the (structurally impossible, but checked
// defensively) output is all-zero.
func DH(secret SecretKey, peer PublicKey) ([KeySize]byte, error) {
	var out [KeySize]byte
	if peer.IsZero() || isLowOrder(peer) {
		return out, ErrInvalidPublicKey
	}
	shared, err := curve25519.X25519(secret[:], peer[:])
	if err != nil {
		return out, fmt.Errorf("primitives: DH: %w", err)
	}
	copy(out[:], shared)
	var zero [KeySize]byte
	if hmac.Equal(out[:], zero[:]) {
		return out, ErrInvalidPublicKey
	}
	return out, nil
}

// GenerateEd25519 creates a new Ed25519 signing key pair using the OS
// CSPRNG.
func GenerateEd25519() (SigningPublicKey, SigningSecretKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("primitives: generate Ed25519: %w", err)
	}
	return pub, priv, nil
}

// Sign signs msg with priv, returning a 64-byte Ed25519 signature.
func Sign(priv SigningSecretKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify reports whether sig is a valid Ed25519 signature over msg by pub.
func Verify(pub SigningPublicKey, msg, sig []byte) bool {
	return ed25519.Verify(pub, msg, sig)
}

// HKDF derives length bytes from ikm using HMAC-SHA256 extract-then-expand,
// bound to info, with a zero salt (RFC 5869 defaults salt to a string of
// zeros the size of the hash when none is supplied).
func HKDF(ikm, info []byte, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, nil, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("primitives: HKDF: %w", err)
	}
	return out, nil
}

// RandomBytes returns n cryptographically random bytes from the OS CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("primitives: random bytes: %w", err)
	}
	return b, nil
}

// CTEqual reports whether a and b are equal, in time independent of their
// contents (but not their lengths).
func CTEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}

// AEADSeal encrypts and authenticates plaintext under key, authenticating ad
// as associated data, using a fresh random XChaCha20-Poly1305 nonce. The
// nonce is prepended to the returned ciphertext||tag.
//
// Because every message key produced by the ratchet is used for exactly one
// Seal call, (key, nonce) never repeats even though the nonce is random
// rather than a counter.
func AEADSeal(key [KeySize]byte, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("primitives: new AEAD: %w", err)
	}
	nonce, err := RandomBytes(aead.NonceSize())
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, ad)
	return out, nil
}

// AEADOpen decrypts and authenticates a nonce||ciphertext||tag blob produced
// by AEADSeal, authenticating ad as associated data. It fails with
// ErrAuthFailure if the tag does not verify.
func AEADOpen(key [KeySize]byte, ad, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("primitives: new AEAD: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, ErrAuthFailure
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, ErrAuthFailure
	}
	return plaintext, nil
}

// Wipe zeroes b in place. It is used to scrub secret key material from
// memory as soon as it is no longer needed.
//
//go:noinline
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
