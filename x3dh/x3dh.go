// Package x3dh implements the Extended Triple Diffie-Hellman handshake: it
// builds and consumes pre-key bundles and derives the initial shared secret
// that seeds a Double Ratchet session's root key.
package x3dh

import (
	"errors"
	"fmt"

	"github.com/veilwire/e2ee/keystore"
	"github.com/veilwire/e2ee/primitives"
)

// sharedSecretInfo is the HKDF info string binding the X3DH shared secret to
// this protocol, so it can never collide with a key derived elsewhere.
var sharedSecretInfo = []byte("x3dh-shared-secret")

// ErrBundleVerificationFailed is returned by Initiate when the remote
// bundle's signed pre-key signature does not verify under its identity's
// signing key.
var ErrBundleVerificationFailed = errors.New("x3dh: bundle verification failed")

// HandshakeResult is the output of the initiator side of X3DH.
type HandshakeResult struct {
	// SharedSecret seeds the Double Ratchet's initial root key.
	SharedSecret [32]byte
	// EphemeralPublic is sent to the responder so it can recompute
	// SharedSecret.
	EphemeralPublic primitives.PublicKey
	// UsedOneTimePreKey reports whether the remote bundle's one-time
	// pre-key was consumed in deriving SharedSecret.
	UsedOneTimePreKey bool
}

// Initiate runs the initiator side of X3DH: it verifies remoteBundle's
// signed pre-key signature under remoteSigningKey, generates a fresh
// ephemeral key pair, computes up to four Diffie-Hellman outputs, and
// derives the shared secret.
//
//	DH1 = DH(localIdentity.Secret, remoteBundle.SignedPreKey)
//	DH2 = DH(EK.Secret,            remoteBundle.IdentityKey)
//	DH3 = DH(EK.Secret,            remoteBundle.SignedPreKey)
//	DH4 = DH(EK.Secret,            remoteBundle.OneTimePreKey)   (if present)
//	SharedSecret = HKDF(DH1 || DH2 || DH3 || DH4, "x3dh-shared-secret", 32)
//
// A missing one-time pre-key is not an error: the handshake degrades
// gracefully to 3DH, and HandshakeResult.UsedOneTimePreKey reports false.
func Initiate(
	localIdentity primitives.KeyPair,
	remoteSigningKey primitives.SigningPublicKey,
	remoteBundle keystore.PreKeyBundle,
) (HandshakeResult, error) {
	if !primitives.Verify(remoteSigningKey, remoteBundle.SignedPreKey.Slice(), remoteBundle.SignedPreKeySignature[:]) {
		return HandshakeResult{}, ErrBundleVerificationFailed
	}

	ephemeral, err := primitives.GenerateX25519()
	if err != nil {
		return HandshakeResult{}, fmt.Errorf("x3dh: generate ephemeral key: %w", err)
	}

	dh1, err := primitives.DH(localIdentity.Secret, remoteBundle.SignedPreKey)
	if err != nil {
		return HandshakeResult{}, fmt.Errorf("x3dh: DH1: %w", err)
	}
	dh2, err := primitives.DH(ephemeral.Secret, remoteBundle.IdentityKey)
	if err != nil {
		return HandshakeResult{}, fmt.Errorf("x3dh: DH2: %w", err)
	}
	dh3, err := primitives.DH(ephemeral.Secret, remoteBundle.SignedPreKey)
	if err != nil {
		return HandshakeResult{}, fmt.Errorf("x3dh: DH3: %w", err)
	}

	concat := make([]byte, 0, 4*32)
	concat = append(concat, dh1[:]...)
	concat = append(concat, dh2[:]...)
	concat = append(concat, dh3[:]...)

	usedOneTime := false
	if remoteBundle.OneTimePreKey != nil {
		dh4, err := primitives.DH(ephemeral.Secret, *remoteBundle.OneTimePreKey)
		if err != nil {
			return HandshakeResult{}, fmt.Errorf("x3dh: DH4: %w", err)
		}
		concat = append(concat, dh4[:]...)
		usedOneTime = true
	}
	defer primitives.Wipe(concat)

	secret, err := primitives.HKDF(concat, sharedSecretInfo, 32)
	if err != nil {
		return HandshakeResult{}, fmt.Errorf("x3dh: derive shared secret: %w", err)
	}

	var result HandshakeResult
	copy(result.SharedSecret[:], secret)
	result.EphemeralPublic = ephemeral.Public
	result.UsedOneTimePreKey = usedOneTime
	return result, nil
}

// Respond runs the responder side of X3DH, mirroring Initiate's DH ordering
// on the responder's private keys to produce the identical shared secret.
//
//	DH1 = DH(localSignedPreKey.Secret, remoteIdentityPub)
//	DH2 = DH(localIdentity.Secret,     remoteEphemeralPub)
//	DH3 = DH(localSignedPreKey.Secret, remoteEphemeralPub)
//	DH4 = DH(oneTimePreKeySecret,      remoteEphemeralPub)        (if present)
//
// oneTimePreKeySecret must be supplied by the caller out-of-band: the
// incoming handshake records which pre-keys the initiator used, and Respond
// has no way to infer that from its own inputs alone.
func Respond(
	localIdentity primitives.KeyPair,
	localSignedPreKey primitives.KeyPair,
	remoteIdentityPub primitives.PublicKey,
	remoteEphemeralPub primitives.PublicKey,
	oneTimePreKeySecret *primitives.SecretKey,
) ([32]byte, error) {
	var zero [32]byte

	dh1, err := primitives.DH(localSignedPreKey.Secret, remoteIdentityPub)
	if err != nil {
		return zero, fmt.Errorf("x3dh: DH1: %w", err)
	}
	dh2, err := primitives.DH(localIdentity.Secret, remoteEphemeralPub)
	if err != nil {
		return zero, fmt.Errorf("x3dh: DH2: %w", err)
	}
	dh3, err := primitives.DH(localSignedPreKey.Secret, remoteEphemeralPub)
	if err != nil {
		return zero, fmt.Errorf("x3dh: DH3: %w", err)
	}

	concat := make([]byte, 0, 4*32)
	concat = append(concat, dh1[:]...)
	concat = append(concat, dh2[:]...)
	concat = append(concat, dh3[:]...)

	if oneTimePreKeySecret != nil {
		dh4, err := primitives.DH(*oneTimePreKeySecret, remoteEphemeralPub)
		if err != nil {
			return zero, fmt.Errorf("x3dh: DH4: %w", err)
		}
		concat = append(concat, dh4[:]...)
	}
	defer primitives.Wipe(concat)

	secret, err := primitives.HKDF(concat, sharedSecretInfo, 32)
	if err != nil {
		return zero, fmt.Errorf("x3dh: derive shared secret: %w", err)
	}

	var out [32]byte
	copy(out[:], secret)
	return out, nil
}
