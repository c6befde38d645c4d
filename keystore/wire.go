package keystore

import (
	"errors"
	"fmt"

	"github.com/veilwire/e2ee/primitives"
)

// ErrMalformedBundle is returned by DecodeBundle when the input is not a
// valid pre-key bundle encoding.
var ErrMalformedBundle = errors.New("keystore: malformed pre-key bundle")

// bundleFixedLen is the length of a PreKeyBundle encoding with no one-time
// pre-key: identity_key(32) || signed_pre_key(32) || signature(64) || flag(1).
const bundleFixedLen = 32 + 32 + 64 + 1

// EncodeBundle serializes a PreKeyBundle to its canonical wire format:
//
//	identity_key(32) || signed_pre_key(32) || signature(64) || flag(1) || one_time_pre_key(32 if flag==1)
//
// producing 129 bytes without a one-time pre-key, or 161 bytes with one.
func EncodeBundle(b PreKeyBundle) []byte {
	out := make([]byte, 0, bundleFixedLen+KeySizeIfPresent(b))
	out = append(out, b.IdentityKey.Slice()...)
	out = append(out, b.SignedPreKey.Slice()...)
	out = append(out, b.SignedPreKeySignature[:]...)
	if b.OneTimePreKey != nil {
		out = append(out, 1)
		out = append(out, b.OneTimePreKey.Slice()...)
	} else {
		out = append(out, 0)
	}
	return out
}

// KeySizeIfPresent returns primitives.KeySize if b carries a one-time
// pre-key, else 0. It exists purely to size EncodeBundle's allocation
// without duplicating the nil check.
func KeySizeIfPresent(b PreKeyBundle) int {
	if b.OneTimePreKey != nil {
		return primitives.KeySize
	}
	return 0
}

// DecodeBundle parses the wire format produced by EncodeBundle. It does not
// verify the signed pre-key signature — that check happens inside
// x3dh.Initiate, against the signing key associated with IdentityKey.
func DecodeBundle(data []byte) (PreKeyBundle, error) {
	if len(data) != bundleFixedLen && len(data) != bundleFixedLen+primitives.KeySize {
		return PreKeyBundle{}, fmt.Errorf("%w: length %d", ErrMalformedBundle, len(data))
	}
	var b PreKeyBundle
	off := 0
	copy(b.IdentityKey[:], data[off:off+primitives.KeySize])
	off += primitives.KeySize
	copy(b.SignedPreKey[:], data[off:off+primitives.KeySize])
	off += primitives.KeySize
	copy(b.SignedPreKeySignature[:], data[off:off+64])
	off += 64
	flag := data[off]
	off++
	switch flag {
	case 0:
		if len(data) != bundleFixedLen {
			return PreKeyBundle{}, fmt.Errorf("%w: flag=0 but trailing bytes present", ErrMalformedBundle)
		}
	case 1:
		if len(data) != bundleFixedLen+primitives.KeySize {
			return PreKeyBundle{}, fmt.Errorf("%w: flag=1 but one-time pre-key missing", ErrMalformedBundle)
		}
		var otk primitives.PublicKey
		copy(otk[:], data[off:off+primitives.KeySize])
		b.OneTimePreKey = &otk
	default:
		return PreKeyBundle{}, fmt.Errorf("%w: invalid flag byte %d", ErrMalformedBundle, flag)
	}
	return b, nil
}
