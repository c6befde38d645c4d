// Package keystore owns a node's long-lived cryptographic identity: its
// X25519 identity key pair, its Ed25519 signing key pair, a signed X25519
// pre-key, and a pool of one-time X25519 pre-keys. It is the only component
// that ever holds these long-lived secrets.
package keystore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/veilwire/e2ee/primitives"
)

// MinOneTimePreKeys is the floor the one-time pre-key pool is replenished to
// on Initialize (spec §3's N).
const MinOneTimePreKeys = 100

// ErrNotInitialized is returned by every KeyStore method except Initialize
// when called before Initialize has completed.
var ErrNotInitialized = errors.New("keystore: not initialized")

// KeyID is a 16-hex-character fingerprint of an identity public key.
type KeyID string

// Fingerprint returns the KeyID for an identity public key: the first 16 hex
// characters of SHA-256(pub).
func Fingerprint(pub primitives.PublicKey) KeyID {
	sum := sha256.Sum256(pub[:])
	return KeyID(hex.EncodeToString(sum[:])[:16])
}

// PrettyFingerprint renders id as groups of 5 hex characters, for surfacing
// in an out-of-band verification UX (which lives outside this module).
func PrettyFingerprint(id KeyID) string {
	s := string(id)
	var out []byte
	for i := 0; i < len(s); i += 5 {
		end := i + 5
		if end > len(s) {
			end = len(s)
		}
		if i > 0 {
			out = append(out, ' ')
		}
		out = append(out, s[i:end]...)
	}
	return string(out)
}

// IdentityBundle describes a node's long-lived identity material, as
// published for humans to compare (e.g. safety-number verification) rather
// than for transport (see PreKeyBundle for that).
type IdentityBundle struct {
	IdentityKey primitives.PublicKey
	KeyID       KeyID
	CreatedAt   time.Time
}

// oneTimePreKey is a single-use pre-key pair held in the pool.
type oneTimePreKey struct {
	pair primitives.KeyPair
}

// signedPreKey is the medium-lived pre-key, signed once at generation time.
type signedPreKey struct {
	pair      primitives.KeyPair
	signature []byte
}

// PreKeyBundle is the public key material a peer publishes so others can
// initiate an X3DH handshake with it.
type PreKeyBundle struct {
	IdentityKey           primitives.PublicKey
	SignedPreKey          primitives.PublicKey
	SignedPreKeySignature [64]byte
	OneTimePreKey         *primitives.PublicKey
}

// KeyStore owns one node's identity key pair, signing key pair, signed
// pre-key, and one-time pre-key pool.
//
// A KeyStore is safe for concurrent use: reads of identity/signing/signed
// pre-key material take a read lock; pool consumption and replenishment take
// an exclusive lock, since the pool is mutated far more often than the rest
// of the identity material.
type KeyStore struct {
	mu sync.RWMutex

	initialized bool
	createdAt   time.Time

	identity primitives.KeyPair
	signing  struct {
		public  primitives.SigningPublicKey
		private primitives.SigningSecretKey
	}
	signedPreKey signedPreKey
	oneTimePool  []oneTimePreKey
}

// New returns an uninitialized KeyStore. Call Initialize before using it.
func New() *KeyStore {
	return &KeyStore{}
}

// Initialize is idempotent: it generates the identity key pair, the signing
// key pair, and the signed pre-key if absent, then replenishes the one-time
// pre-key pool up to MinOneTimePreKeys.
func (ks *KeyStore) Initialize() error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if !ks.initialized {
		identity, err := primitives.GenerateX25519()
		if err != nil {
			return fmt.Errorf("keystore: generate identity key: %w", err)
		}
		signPub, signPriv, err := primitives.GenerateEd25519()
		if err != nil {
			return fmt.Errorf("keystore: generate signing key: %w", err)
		}
		spk, err := newSignedPreKey(signPriv)
		if err != nil {
			return fmt.Errorf("keystore: generate signed pre-key: %w", err)
		}

		ks.identity = identity
		ks.signing.public = signPub
		ks.signing.private = signPriv
		ks.signedPreKey = spk
		ks.createdAt = time.Now()
		ks.initialized = true
	}

	added, err := ks.replenishLocked()
	if err != nil {
		return err
	}
	if added > 0 {
		log.Printf("keystore: replenished one-time pre-key pool with %d keys (pool size %d)", added, len(ks.oneTimePool))
	}
	return nil
}

func newSignedPreKey(signPriv primitives.SigningSecretKey) (signedPreKey, error) {
	pair, err := primitives.GenerateX25519()
	if err != nil {
		return signedPreKey{}, err
	}
	sig := primitives.Sign(signPriv, pair.Public.Slice())
	return signedPreKey{pair: pair, signature: sig}, nil
}

// Replenish tops the one-time pre-key pool up to MinOneTimePreKeys and
// returns the number of keys added. Unlike Initialize, callers must invoke
// this explicitly after a batch of consumptions; pool top-up is only
// automatic at initialization time.
func (ks *KeyStore) Replenish() (int, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if !ks.initialized {
		return 0, ErrNotInitialized
	}
	return ks.replenishLocked()
}

func (ks *KeyStore) replenishLocked() (int, error) {
	added := 0
	for len(ks.oneTimePool) < MinOneTimePreKeys {
		pair, err := primitives.GenerateX25519()
		if err != nil {
			return added, fmt.Errorf("keystore: generate one-time pre-key: %w", err)
		}
		ks.oneTimePool = append(ks.oneTimePool, oneTimePreKey{pair: pair})
		added++
	}
	return added, nil
}

// IdentityPublic returns the node's X25519 identity public key.
func (ks *KeyStore) IdentityPublic() (primitives.PublicKey, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if !ks.initialized {
		return primitives.PublicKey{}, ErrNotInitialized
	}
	return ks.identity.Public, nil
}

// IdentityKeyPair returns the node's full X25519 identity key pair.
func (ks *KeyStore) IdentityKeyPair() (primitives.KeyPair, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if !ks.initialized {
		return primitives.KeyPair{}, ErrNotInitialized
	}
	return ks.identity, nil
}

// SigningPublic returns the node's Ed25519 verification key.
func (ks *KeyStore) SigningPublic() (primitives.SigningPublicKey, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if !ks.initialized {
		return nil, ErrNotInitialized
	}
	return ks.signing.public, nil
}

// SigningKeyPair returns the node's full Ed25519 signing key pair.
func (ks *KeyStore) SigningKeyPair() (primitives.SigningPublicKey, primitives.SigningSecretKey, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if !ks.initialized {
		return nil, nil, ErrNotInitialized
	}
	return ks.signing.public, ks.signing.private, nil
}

// SignedPreKey returns the node's current signed pre-key pair.
func (ks *KeyStore) SignedPreKey() (primitives.KeyPair, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if !ks.initialized {
		return primitives.KeyPair{}, ErrNotInitialized
	}
	return ks.signedPreKey.pair, nil
}

// SignedPreKeySignature returns the Ed25519 signature over the signed
// pre-key's public key.
func (ks *KeyStore) SignedPreKeySignature() ([]byte, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if !ks.initialized {
		return nil, ErrNotInitialized
	}
	return append([]byte(nil), ks.signedPreKey.signature...), nil
}

// Identity returns the node's published IdentityBundle.
func (ks *KeyStore) Identity() (IdentityBundle, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if !ks.initialized {
		return IdentityBundle{}, ErrNotInitialized
	}
	return IdentityBundle{
		IdentityKey: ks.identity.Public,
		KeyID:       Fingerprint(ks.identity.Public),
		CreatedAt:   ks.createdAt,
	}, nil
}

// PublishBundle builds a PreKeyBundle for distribution to peers. If
// includeOneTime is true it atomically consumes one entry from the one-time
// pre-key pool and includes its public key; if the pool is empty the bundle
// is returned with OneTimePreKey unset rather than failing, since a missing
// one-time pre-key degrades gracefully to 3DH.
func (ks *KeyStore) PublishBundle(includeOneTime bool) (PreKeyBundle, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if !ks.initialized {
		return PreKeyBundle{}, ErrNotInitialized
	}

	bundle := PreKeyBundle{
		IdentityKey:  ks.identity.Public,
		SignedPreKey: ks.signedPreKey.pair.Public,
	}
	copy(bundle.SignedPreKeySignature[:], ks.signedPreKey.signature)

	if includeOneTime && len(ks.oneTimePool) > 0 {
		otk := ks.oneTimePool[0]
		ks.oneTimePool = ks.oneTimePool[1:]
		pub := otk.pair.Public
		bundle.OneTimePreKey = &pub
	}
	return bundle, nil
}

// ConsumeOneTimePreKey finds and removes the one-time pre-key secret whose
// public key matches pub, for the responder side of X3DH. It reports false
// if no matching pre-key is held (already consumed, or never issued).
func (ks *KeyStore) ConsumeOneTimePreKey(pub primitives.PublicKey) (primitives.SecretKey, bool, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if !ks.initialized {
		return primitives.SecretKey{}, false, ErrNotInitialized
	}
	for i, otk := range ks.oneTimePool {
		if primitives.CTEqual(otk.pair.Public.Slice(), pub.Slice()) {
			ks.oneTimePool = append(ks.oneTimePool[:i], ks.oneTimePool[i+1:]...)
			return otk.pair.Secret, true, nil
		}
	}
	return primitives.SecretKey{}, false, nil
}

// OneTimePreKeyCount returns the number of unconsumed one-time pre-keys
// currently held.
func (ks *KeyStore) OneTimePreKeyCount() (int, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if !ks.initialized {
		return 0, ErrNotInitialized
	}
	return len(ks.oneTimePool), nil
}
