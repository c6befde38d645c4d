// Package ratchet's AEAD message layer: it binds ciphertext to a Header via
// associated data and assembles/parses the on-wire message envelope.
package ratchet

import (
	"fmt"

	"github.com/veilwire/e2ee/primitives"
)

// ErrAuthFailure re-exports primitives.ErrAuthFailure for callers that only
// import this package.
var ErrAuthFailure = primitives.ErrAuthFailure

// Encrypt seals plaintext under messageKey, binding header's canonical
// encoding as associated data, and returns the message envelope:
//
//	header(40) || nonce || ciphertext || tag
func Encrypt(messageKey [32]byte, header Header, plaintext []byte) ([]byte, error) {
	encodedHeader := header.Encode()
	sealed, err := primitives.AEADSeal(messageKey, encodedHeader, plaintext)
	if err != nil {
		return nil, fmt.Errorf("ratchet: encrypt: %w", err)
	}
	out := make([]byte, 0, len(encodedHeader)+len(sealed))
	out = append(out, encodedHeader...)
	out = append(out, sealed...)
	return out, nil
}

// DecodeEnvelope splits a message envelope into its Header and the
// remaining nonce||ciphertext||tag suitable for Decrypt.
func DecodeEnvelope(envelope []byte) (Header, []byte, error) {
	if len(envelope) < HeaderSize {
		return Header{}, nil, fmt.Errorf("ratchet: envelope shorter than header (%d bytes)", len(envelope))
	}
	header, err := DecodeHeader(envelope[:HeaderSize])
	if err != nil {
		return Header{}, nil, err
	}
	return header, envelope[HeaderSize:], nil
}

// Decrypt authenticates and decrypts a nonce||ciphertext||tag blob (as
// returned by DecodeEnvelope) under messageKey, with header's canonical
// encoding as associated data. It fails with ErrAuthFailure if the tag does
// not verify.
func Decrypt(messageKey [32]byte, header Header, sealed []byte) ([]byte, error) {
	plaintext, err := primitives.AEADOpen(messageKey, header.Encode(), sealed)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}
