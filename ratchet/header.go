package ratchet

import (
	"encoding/binary"
	"fmt"

	"github.com/veilwire/e2ee/primitives"
)

// HeaderSize is the length in bytes of a Header's canonical serialization.
const HeaderSize = primitives.KeySize + 4 + 4

// Header is transmitted in clear alongside every ciphertext and bound as its
// AEAD associated data.
type Header struct {
	// RatchetPublicKey is the sender's current Diffie-Hellman ratchet
	// public key.
	RatchetPublicKey primitives.PublicKey
	// PreviousChainLength is the number of messages sent in the sender's
	// previous sending chain, before its most recent DH ratchet step.
	PreviousChainLength uint32
	// MessageNumber is this message's index within the sender's current
	// sending chain.
	MessageNumber uint32
}

// Encode serializes h to its canonical 40-byte wire form:
//
//	ratchet_public_key(32) || previous_chain_length(u32 BE) || message_number(u32 BE)
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:primitives.KeySize], h.RatchetPublicKey[:])
	binary.BigEndian.PutUint32(buf[primitives.KeySize:primitives.KeySize+4], h.PreviousChainLength)
	binary.BigEndian.PutUint32(buf[primitives.KeySize+4:], h.MessageNumber)
	return buf
}

// DecodeHeader parses the canonical wire form produced by Header.Encode.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) != HeaderSize {
		return Header{}, fmt.Errorf("ratchet: invalid header length %d, want %d", len(data), HeaderSize)
	}
	var h Header
	copy(h.RatchetPublicKey[:], data[0:primitives.KeySize])
	h.PreviousChainLength = binary.BigEndian.Uint32(data[primitives.KeySize : primitives.KeySize+4])
	h.MessageNumber = binary.BigEndian.Uint32(data[primitives.KeySize+4:])
	return h, nil
}
