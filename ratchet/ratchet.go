package ratchet

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/veilwire/e2ee/primitives"
)

// DefaultMaxSkip is the default bound on the number of message keys a
// Session will precompute and cache for out-of-order delivery. Security does
// not require this exact number, but peers must agree on it.
const DefaultMaxSkip = 1000

// HKDF info strings for the three key-derivation steps. These are fixed,
// Signal-convention strings — not per-message-index strings — per the
// spec's explicit resolution of the source's "message-key-{i}" divergence
// (see DESIGN.md).
var (
	chainKeyInfo   = []byte("chain-key")
	messageKeyInfo = []byte("message-key")
	ratchetInfo    = []byte("ratchet-step")
)

// ErrChainUninitialized is returned by RatchetSend when the session has no
// sending chain yet (a responder session that has not received its first
// message).
var ErrChainUninitialized = errors.New("ratchet: sending chain not initialized")

// ErrTooManySkipped is returned by RatchetReceive when the number of message
// keys that would need to be precomputed to catch up to an incoming header
// exceeds the session's MaxSkip. The session is left exactly as it was
// before the call.
var ErrTooManySkipped = errors.New("ratchet: too many skipped messages")

// ErrInvalidPublicKey re-exports primitives.ErrInvalidPublicKey for callers
// that only import this package.
var ErrInvalidPublicKey = primitives.ErrInvalidPublicKey

// State holds everything a Session needs to send and receive messages for
// one peer. See Session for the operations that mutate it.
type State struct {
	RootKey [32]byte

	sendingChainSet bool
	SendingChainKey [32]byte
	SendingNumber   uint32

	receivingChainSet bool
	ReceivingChainKey [32]byte
	ReceivingNumber   uint32

	PreviousSendingChainLength uint32

	DHSelf    primitives.KeyPair
	dhRemote  primitives.PublicKey
	hasRemote bool

	skipped *skippedCache

	CreatedAt    time.Time
	LastActivity time.Time
}

// clone deep-copies s, including its skipped-key cache, so a failed receive
// can be discarded without mutating the original.
func (s *State) clone() *State {
	out := *s
	out.skipped = s.skipped.clone()
	return &out
}

// wipe zeroes every secret field of s.
//
//go:noinline
func (s *State) wipe() {
	primitives.Wipe(s.RootKey[:])
	primitives.Wipe(s.SendingChainKey[:])
	primitives.Wipe(s.ReceivingChainKey[:])
	primitives.Wipe(s.DHSelf.Secret[:])
	runtime.KeepAlive(s)
}

// Option configures a Session at construction time.
type Option func(*Session)

// WithMaxSkip overrides DefaultMaxSkip for one Session.
func WithMaxSkip(n int) Option {
	return func(s *Session) { s.state.skipped.maxSkip = n }
}

// WithSuite overrides the DefaultSuite, for tests that want a deterministic
// fake.
func WithSuite(suite Suite) Option {
	return func(s *Session) { s.suite = suite }
}

// Session is a per-peer Double Ratchet state machine. A Session must only be
// used by one goroutine at a time for the logical operation it performs;
// RatchetSend and RatchetReceive take an internal mutex so concurrent calls
// are serialized rather than racing, but serialization does not make
// concurrent use meaningful — see the package's concurrency notes.
type Session struct {
	mu    sync.Mutex
	suite Suite
	state *State
}

func newSession(opts []Option) *Session {
	s := &Session{
		suite: DefaultSuite{},
		state: &State{skipped: newSkippedCache(DefaultMaxSkip)},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewInitiatorSession creates the Session for the side that ran X3DH as
// initiator. sharedSecret is X3DH's output; remoteRatchetKey is the remote
// signed pre-key used to bootstrap the first Diffie-Hellman ratchet step
// (the responder's current ratchet public key, until its first reply
// supplies a fresh one). The session starts SendingInitialized: it has a
// sending chain but has not yet seen the peer's own ratchet key.
func NewInitiatorSession(sharedSecret [32]byte, remoteRatchetKey primitives.PublicKey, opts ...Option) (*Session, error) {
	s := newSession(opts)
	now := time.Now()
	s.state.CreatedAt = now
	s.state.LastActivity = now
	s.state.dhRemote = remoteRatchetKey
	s.state.hasRemote = true

	dhSelf, err := s.suite.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("ratchet: generate initial key pair: %w", err)
	}
	s.state.DHSelf = dhSelf

	dh, err := s.suite.DH(dhSelf.Secret, remoteRatchetKey)
	if err != nil {
		return nil, fmt.Errorf("ratchet: initial DH: %w", err)
	}
	rk, ck, err := kdfRootKey(s.suite, sharedSecret, dh)
	if err != nil {
		return nil, err
	}
	s.state.RootKey = rk
	s.state.SendingChainKey = ck
	s.state.sendingChainSet = true
	return s, nil
}

// NewResponderSession creates the Session for the side that ran X3DH as
// responder. sharedSecret is X3DH's output; localRatchetKey is the key pair
// the initiator used as its bootstrap Diffie-Hellman partner (typically the
// local signed pre-key pair). The session starts Uninitialized: neither
// chain exists until the first incoming message triggers a DH ratchet step
// in RatchetReceive.
func NewResponderSession(sharedSecret [32]byte, localRatchetKey primitives.KeyPair, opts ...Option) (*Session, error) {
	s := newSession(opts)
	now := time.Now()
	s.state.CreatedAt = now
	s.state.LastActivity = now
	s.state.RootKey = sharedSecret
	s.state.DHSelf = localRatchetKey
	return s, nil
}

// kdfRootKey applies the DH ratchet step KDF:
//
//	(root', chain') = HKDF(root || dh, "ratchet-step", 64)
func kdfRootKey(suite Suite, root, dh [32]byte) (rk, ck [32]byte, err error) {
	ikm := make([]byte, 0, 64)
	ikm = append(ikm, root[:]...)
	ikm = append(ikm, dh[:]...)
	defer primitives.Wipe(ikm)

	out, err := suite.HKDF(ikm, ratchetInfo, 64)
	if err != nil {
		return rk, ck, fmt.Errorf("ratchet: KDF_RK: %w", err)
	}
	copy(rk[:], out[0:32])
	copy(ck[:], out[32:64])
	return rk, ck, nil
}

// kdfChainKey applies the symmetric chain-ratchet KDF, returning the
// advanced chain key and the message key derived from the current step.
func kdfChainKey(suite Suite, chainKey [32]byte) (nextChainKey, messageKey [32]byte, err error) {
	ck, err := suite.HKDF(chainKey[:], chainKeyInfo, 32)
	if err != nil {
		return nextChainKey, messageKey, fmt.Errorf("ratchet: KDF_CK (chain): %w", err)
	}
	mk, err := suite.HKDF(chainKey[:], messageKeyInfo, 32)
	if err != nil {
		return nextChainKey, messageKey, fmt.Errorf("ratchet: KDF_CK (message): %w", err)
	}
	copy(nextChainKey[:], ck)
	copy(messageKey[:], mk)
	return nextChainKey, messageKey, nil
}

// CurrentHeader returns the header that will be stamped on the next
// outbound message, without advancing any chain.
func (s *Session) CurrentHeader() Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Header{
		RatchetPublicKey:    s.state.DHSelf.Public,
		PreviousChainLength: s.state.PreviousSendingChainLength,
		MessageNumber:       s.state.SendingNumber,
	}
}

// RatchetSend advances the sending chain one step and returns the message
// key for the next outbound message along with its header. The returned key
// is never produced by this session again.
func (s *Session) RatchetSend() (messageKey [32]byte, header Header, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.sendingChainSet {
		return messageKey, header, ErrChainUninitialized
	}

	nextCK, mk, err := kdfChainKey(s.suite, s.state.SendingChainKey)
	if err != nil {
		return messageKey, header, err
	}

	header = Header{
		RatchetPublicKey:    s.state.DHSelf.Public,
		PreviousChainLength: s.state.PreviousSendingChainLength,
		MessageNumber:       s.state.SendingNumber,
	}

	s.state.SendingChainKey = nextCK
	s.state.SendingNumber++
	s.state.LastActivity = time.Now()
	return mk, header, nil
}

// RatchetReceive consumes an inbound header, advancing a Diffie-Hellman
// ratchet step and/or skipping message keys as required, and returns the
// message key for (header.RatchetPublicKey, header.MessageNumber).
// ciphertextLengthHint is accepted for symmetry with callers that already
// know the ciphertext length before decoding the header; it does not affect
// the key derived.
//
// On ErrTooManySkipped the session is left exactly as it was before the
// call. Authentication failures are the AEAD layer's concern, not this
// method's — a caller that gets a key back but then fails to open the
// ciphertext under it must not call RatchetReceive again for the same
// header.
func (s *Session) RatchetReceive(header Header, ciphertextLengthHint int) (messageKey [32]byte, err error) {
	_ = ciphertextLengthHint
	s.mu.Lock()
	defer s.mu.Unlock()

	if key, found := s.state.skipped.lookup(header.RatchetPublicKey, header.MessageNumber); found {
		return key, nil
	}

	tmp := s.state.clone()

	isNewRemote := !tmp.hasRemote || !primitives.CTEqual(tmp.dhRemote[:], header.RatchetPublicKey[:])
	if isNewRemote {
		if err := skipKeys(s.suite, tmp, tmp.dhRemote, header.PreviousChainLength); err != nil {
			return messageKey, err
		}
		if err := dhRatchetStep(s.suite, tmp, header.RatchetPublicKey); err != nil {
			return messageKey, err
		}
	}

	if err := skipKeys(s.suite, tmp, tmp.dhRemote, header.MessageNumber); err != nil {
		return messageKey, err
	}

	nextCK, mk, err := kdfChainKey(s.suite, tmp.ReceivingChainKey)
	if err != nil {
		return messageKey, err
	}
	tmp.ReceivingChainKey = nextCK
	tmp.ReceivingNumber++
	tmp.LastActivity = time.Now()

	s.state.wipe()
	s.state = tmp
	return mk, nil
}

// skipKeys advances state's receiving chain, storing a skipped key for each
// message number in [state.ReceivingNumber, until), under remote. It fails
// with ErrTooManySkipped — without mutating state — if doing so would need
// to precompute more than the cache's configured MaxSkip keys in this call.
func skipKeys(suite Suite, state *State, remote primitives.PublicKey, until uint32) error {
	if !state.receivingChainSet {
		// No receiving chain yet means nothing to skip: this only happens
		// on the very first DH ratchet step, where PreviousChainLength is
		// always 0.
		return nil
	}
	gap := int(until) - int(state.ReceivingNumber)
	if gap > state.skipped.maxSkip {
		return ErrTooManySkipped
	}
	for state.ReceivingNumber < until {
		nextCK, mk, err := kdfChainKey(suite, state.ReceivingChainKey)
		if err != nil {
			return err
		}
		state.ReceivingChainKey = nextCK
		state.skipped.insert(remote, state.ReceivingNumber, mk)
		state.ReceivingNumber++
	}
	return nil
}

// dhRatchetStep performs a full DH ratchet step: it derives a fresh
// receiving root+chain from the peer's new ratchet public key, then rotates
// the local ratchet key pair and derives a fresh sending root+chain from
// that — applying the ratchet-step KDF twice, once per direction, which is
// what gives post-compromise security.
func dhRatchetStep(suite Suite, state *State, remotePublic primitives.PublicKey) error {
	state.PreviousSendingChainLength = state.SendingNumber
	state.SendingNumber = 0
	state.ReceivingNumber = 0
	state.dhRemote = remotePublic
	state.hasRemote = true

	recvDH, err := suite.DH(state.DHSelf.Secret, remotePublic)
	if err != nil {
		return fmt.Errorf("ratchet: receiving DH: %w", err)
	}
	rk, recvCK, err := kdfRootKey(suite, state.RootKey, recvDH)
	if err != nil {
		return err
	}
	state.RootKey = rk
	state.ReceivingChainKey = recvCK
	state.receivingChainSet = true

	newSelf, err := suite.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("ratchet: rotate ratchet key pair: %w", err)
	}
	state.DHSelf = newSelf

	sendDH, err := suite.DH(state.DHSelf.Secret, remotePublic)
	if err != nil {
		return fmt.Errorf("ratchet: sending DH: %w", err)
	}
	rk2, sendCK, err := kdfRootKey(suite, state.RootKey, sendDH)
	if err != nil {
		return err
	}
	state.RootKey = rk2
	state.SendingChainKey = sendCK
	state.sendingChainSet = true
	return nil
}

// SkippedKeyCount returns the number of message keys currently cached for
// out-of-order delivery.
func (s *Session) SkippedKeyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.skipped.len()
}

// SendingMessageNumber returns the current sending chain's next message
// number.
func (s *Session) SendingMessageNumber() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.SendingNumber
}

// ReceivingMessageNumber returns the current receiving chain's next expected
// message number.
func (s *Session) ReceivingMessageNumber() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ReceivingNumber
}
