package ratchet

import "github.com/veilwire/e2ee/primitives"

// Suite supplies the Diffie-Hellman, key-derivation, and AEAD operations a
// Session is built on. Sessions depend on this narrow interface — rather
// than on package primitives directly — so tests can swap in a deterministic
// fake without touching ratchet logic. DefaultSuite is the only production
// implementation: every session runs Curve25519, HKDF-SHA256, and
// XChaCha20-Poly1305, so there is no second backend to choose between at
// runtime.
type Suite interface {
	// GenerateKeyPair creates a new Curve25519 ratchet key pair.
	GenerateKeyPair() (primitives.KeyPair, error)
	// DH computes the Diffie-Hellman shared value between secret and peer.
	DH(secret primitives.SecretKey, peer primitives.PublicKey) ([32]byte, error)
	// HKDF derives length bytes from ikm using HMAC-SHA256 extract-then-expand.
	HKDF(ikm, info []byte, length int) ([]byte, error)
	// Seal encrypts and authenticates plaintext, authenticating ad.
	Seal(key [32]byte, ad, plaintext []byte) ([]byte, error)
	// Open decrypts and authenticates sealed, authenticating ad.
	Open(key [32]byte, ad, sealed []byte) ([]byte, error)
}

// DefaultSuite is the production Suite: Curve25519 Diffie-Hellman,
// HKDF-SHA256, and XChaCha20-Poly1305 AEAD, via package primitives.
type DefaultSuite struct{}

var _ Suite = DefaultSuite{}

func (DefaultSuite) GenerateKeyPair() (primitives.KeyPair, error) {
	return primitives.GenerateX25519()
}

func (DefaultSuite) DH(secret primitives.SecretKey, peer primitives.PublicKey) ([32]byte, error) {
	return primitives.DH(secret, peer)
}

func (DefaultSuite) HKDF(ikm, info []byte, length int) ([]byte, error) {
	return primitives.HKDF(ikm, info, length)
}

func (DefaultSuite) Seal(key [32]byte, ad, plaintext []byte) ([]byte, error) {
	return primitives.AEADSeal(key, ad, plaintext)
}

func (DefaultSuite) Open(key [32]byte, ad, sealed []byte) ([]byte, error) {
	return primitives.AEADOpen(key, ad, sealed)
}
