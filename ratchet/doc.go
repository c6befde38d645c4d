// Package ratchet implements the Double Ratchet algorithm: the per-peer
// session state machine that continuously rekeys forward and backward,
// tolerates out-of-order and dropped messages, and gives the messenger
// forward secrecy and post-compromise security.
//
// # KDF chains
//
// A KDF chain is a construction where part of a KDF's output re-keys the
// next invocation, and the rest is used for something else — here, to key
// an individual message:
//
//	              chain key
//	                  v
//	               ┌─────┐
//	    "chain-key" > KDF │
//	               └──┬──┘
//	                  ├─> "message-key" > next message key
//	                  v
//	               chain key
//
// Each session tracks three such chains: a root chain, a sending chain, and
// a receiving chain. A party's sending chain matches its peer's receiving
// chain and vice versa; the root chain is the same on both sides.
//
// # Diffie-Hellman ratchet
//
// Both parties hold an ephemeral ratchet key pair that is replaced every
// time the Diffie-Hellman output feeding the root chain changes direction.
// When Alice sends Bob a message under a new ratchet key pair, she attaches
// the new public half to the message header. When Bob processes that
// header and sees a ratchet public key he has not seen before, he performs
// the mirrored Diffie-Hellman step, advancing the root chain and deriving a
// fresh receiving chain — and, immediately after, a fresh sending chain of
// his own. This is what restores confidentiality after a past compromise:
// each direction is re-rooted in a fresh Diffie-Hellman contribution.
//
// # Symmetric-key ratchet
//
// Every send and every receive advances the relevant chain one step; the
// step's output keys exactly one message. A message key is never produced
// twice.
//
// # Skipped messages
//
// Messages may arrive out of order or not at all. When a header's message
// number is ahead of what a party has processed, the intervening message
// keys are derived and cached rather than discarded, so a late arrival can
// still be decrypted. The cache is bounded (MaxSkip) and evicts the oldest
// entry first.
package ratchet
