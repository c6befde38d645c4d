package e2ee

import (
	"testing"

	"github.com/veilwire/e2ee/primitives"
)

func TestManagerEndToEndHandshakeAndExchange(t *testing.T) {
	alice := NewManager()
	bob := NewManager()
	if err := alice.Initialize(); err != nil {
		t.Fatalf("alice.Initialize: %v", err)
	}
	if err := bob.Initialize(); err != nil {
		t.Fatalf("bob.Initialize: %v", err)
	}

	bobBundle, err := bob.PublishBundle(true)
	if err != nil {
		t.Fatalf("bob.PublishBundle: %v", err)
	}
	bobSigningKey, err := bob.keys.SigningPublic()
	if err != nil {
		t.Fatalf("bob signing public: %v", err)
	}

	result, err := alice.InitiateSession("bob", bobSigningKey, bobBundle)
	if err != nil {
		t.Fatalf("alice.InitiateSession: %v", err)
	}

	aliceIdentity, err := alice.Identity()
	if err != nil {
		t.Fatalf("alice.Identity: %v", err)
	}

	var oneTimeUsed *primitives.PublicKey
	if result.UsedOneTimePreKey {
		oneTimeUsed = bobBundle.OneTimePreKey
	}
	if err := bob.AcceptSession("alice", aliceIdentity.IdentityKey, result.EphemeralPublic, oneTimeUsed); err != nil {
		t.Fatalf("bob.AcceptSession: %v", err)
	}

	envelope, err := alice.Send("bob", []byte("hello bob"))
	if err != nil {
		t.Fatalf("alice.Send: %v", err)
	}
	plaintext, err := bob.Receive("alice", envelope)
	if err != nil {
		t.Fatalf("bob.Receive: %v", err)
	}
	if string(plaintext) != "hello bob" {
		t.Fatalf("got %q, want %q", plaintext, "hello bob")
	}

	reply, err := bob.Send("alice", []byte("hi alice"))
	if err != nil {
		t.Fatalf("bob.Send: %v", err)
	}
	plaintext, err = alice.Receive("bob", reply)
	if err != nil {
		t.Fatalf("alice.Receive: %v", err)
	}
	if string(plaintext) != "hi alice" {
		t.Fatalf("got %q, want %q", plaintext, "hi alice")
	}
}

func TestManagerSendRejectsUnknownPeer(t *testing.T) {
	m := NewManager()
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := m.Send("nobody", []byte("x")); err != ErrUnknownPeer {
		t.Fatalf("err = %v, want ErrUnknownPeer", err)
	}
}
