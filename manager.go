// Package e2ee wires the identity, handshake, and ratchet layers into one
// per-peer session manager. It owns no network or storage concern of its
// own: callers are responsible for fetching a peer's PreKeyBundle and for
// moving envelopes to and from the wire.
package e2ee

import (
	"errors"
	"fmt"
	"sync"

	"github.com/veilwire/e2ee/keystore"
	"github.com/veilwire/e2ee/primitives"
	"github.com/veilwire/e2ee/ratchet"
	"github.com/veilwire/e2ee/x3dh"
)

// PeerID names one conversation's counterpart. It is opaque to this
// package; callers typically use a peer's keystore.KeyID or a stable
// application-level username.
type PeerID string

// ErrUnknownPeer is returned by Send and Receive when no session has been
// established for a PeerID yet.
var ErrUnknownPeer = errors.New("e2ee: no session for peer")

// ErrUnknownOneTimePreKey is returned by AcceptSession when the initiator
// claims to have used a one-time pre-key this KeyStore no longer holds.
var ErrUnknownOneTimePreKey = errors.New("e2ee: unknown one-time pre-key")

// Manager holds one node's identity and the ratchet session for every peer
// it has an established conversation with. The zero value is not usable;
// construct with NewManager.
type Manager struct {
	keys     *keystore.KeyStore
	sessions sync.Map // PeerID -> *ratchet.Session
}

// NewManager returns a Manager over an uninitialized KeyStore. Call
// Initialize before doing anything else with it.
func NewManager() *Manager {
	return &Manager{keys: keystore.New()}
}

// Initialize generates (or, on repeat calls, tops up) this node's identity
// material. See keystore.KeyStore.Initialize.
func (m *Manager) Initialize() error {
	return m.keys.Initialize()
}

// Identity returns this node's published identity bundle.
func (m *Manager) Identity() (keystore.IdentityBundle, error) {
	return m.keys.Identity()
}

// PublishBundle builds a pre-key bundle for distribution to peers. See
// keystore.KeyStore.PublishBundle.
func (m *Manager) PublishBundle(includeOneTime bool) (keystore.PreKeyBundle, error) {
	return m.keys.PublishBundle(includeOneTime)
}

// Replenish tops the one-time pre-key pool back up. See
// keystore.KeyStore.Replenish.
func (m *Manager) Replenish() (int, error) {
	return m.keys.Replenish()
}

// InitiateSession runs X3DH against peer's published bundle and installs
// the resulting Double Ratchet session under peer. The returned
// HandshakeResult must reach the peer alongside the first envelope sent
// under the new session: the peer's AcceptSession call needs
// result.EphemeralPublic and, if result.UsedOneTimePreKey is true, the
// public key of the one-time pre-key that was consumed.
func (m *Manager) InitiateSession(peer PeerID, remoteSigningKey primitives.SigningPublicKey, remoteBundle keystore.PreKeyBundle) (x3dh.HandshakeResult, error) {
	identity, err := m.keys.IdentityKeyPair()
	if err != nil {
		return x3dh.HandshakeResult{}, err
	}

	result, err := x3dh.Initiate(identity, remoteSigningKey, remoteBundle)
	if err != nil {
		return x3dh.HandshakeResult{}, err
	}

	session, err := ratchet.NewInitiatorSession(result.SharedSecret, remoteBundle.SignedPreKey)
	if err != nil {
		return x3dh.HandshakeResult{}, fmt.Errorf("e2ee: create initiator session: %w", err)
	}
	m.sessions.Store(peer, session)
	return result, nil
}

// AcceptSession runs X3DH as the responder for an incoming handshake from
// peer and installs the resulting Double Ratchet session. oneTimePreKeyUsed
// is the public key the initiator reported consuming, or nil if it degraded
// to 3DH.
func (m *Manager) AcceptSession(peer PeerID, remoteIdentityPub, remoteEphemeralPub primitives.PublicKey, oneTimePreKeyUsed *primitives.PublicKey) error {
	identity, err := m.keys.IdentityKeyPair()
	if err != nil {
		return err
	}
	signedPreKey, err := m.keys.SignedPreKey()
	if err != nil {
		return err
	}

	var oneTimeSecret *primitives.SecretKey
	if oneTimePreKeyUsed != nil {
		secret, found, err := m.keys.ConsumeOneTimePreKey(*oneTimePreKeyUsed)
		if err != nil {
			return err
		}
		if !found {
			return ErrUnknownOneTimePreKey
		}
		oneTimeSecret = &secret
	}

	sharedSecret, err := x3dh.Respond(identity, signedPreKey, remoteIdentityPub, remoteEphemeralPub, oneTimeSecret)
	if err != nil {
		return err
	}

	session, err := ratchet.NewResponderSession(sharedSecret, signedPreKey)
	if err != nil {
		return fmt.Errorf("e2ee: create responder session: %w", err)
	}
	m.sessions.Store(peer, session)
	return nil
}

// Send encrypts plaintext under peer's current session and returns the
// message envelope to transmit.
func (m *Manager) Send(peer PeerID, plaintext []byte) ([]byte, error) {
	session, ok := m.sessionFor(peer)
	if !ok {
		return nil, ErrUnknownPeer
	}
	messageKey, header, err := session.RatchetSend()
	if err != nil {
		return nil, err
	}
	return ratchet.Encrypt(messageKey, header, plaintext)
}

// Receive decodes and decrypts an incoming envelope from peer under its
// current session, advancing the ratchet as needed.
func (m *Manager) Receive(peer PeerID, envelope []byte) ([]byte, error) {
	session, ok := m.sessionFor(peer)
	if !ok {
		return nil, ErrUnknownPeer
	}
	header, sealed, err := ratchet.DecodeEnvelope(envelope)
	if err != nil {
		return nil, err
	}
	messageKey, err := session.RatchetReceive(header, len(sealed))
	if err != nil {
		return nil, err
	}
	return ratchet.Decrypt(messageKey, header, sealed)
}

// HasSession reports whether a session is established for peer.
func (m *Manager) HasSession(peer PeerID) bool {
	_, ok := m.sessionFor(peer)
	return ok
}

func (m *Manager) sessionFor(peer PeerID) (*ratchet.Session, bool) {
	v, ok := m.sessions.Load(peer)
	if !ok {
		return nil, false
	}
	return v.(*ratchet.Session), true
}
