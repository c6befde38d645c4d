package ratchet

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	mrand "github.com/ericlagergren/saferand"

	"github.com/veilwire/e2ee/primitives"
)

// pairSessions bootstraps an initiator/responder Session pair sharing a root
// key, the way x3dh.Initiate/Respond's output feeds into
// NewInitiatorSession/NewResponderSession.
func pairSessions(t *testing.T, opts ...Option) (alice, bob *Session) {
	t.Helper()
	bobBootstrap, err := primitives.GenerateX25519()
	if err != nil {
		t.Fatalf("generate bootstrap key pair: %v", err)
	}
	var sharedSecret [32]byte
	copy(sharedSecret[:], bytes.Repeat([]byte{0x42}, 32))

	alice, err = NewInitiatorSession(sharedSecret, bobBootstrap.Public, opts...)
	if err != nil {
		t.Fatalf("NewInitiatorSession: %v", err)
	}
	bob, err = NewResponderSession(sharedSecret, bobBootstrap, opts...)
	if err != nil {
		t.Fatalf("NewResponderSession: %v", err)
	}
	return alice, bob
}

func sendMessage(t *testing.T, from *Session, plaintext []byte) []byte {
	t.Helper()
	mk, header, err := from.RatchetSend()
	if err != nil {
		t.Fatalf("RatchetSend: %v", err)
	}
	envelope, err := Encrypt(mk, header, plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	return envelope
}

func receiveMessage(t *testing.T, to *Session, envelope []byte) []byte {
	t.Helper()
	header, sealed, err := DecodeEnvelope(envelope)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	mk, err := to.RatchetReceive(header, len(sealed))
	if err != nil {
		t.Fatalf("RatchetReceive: %v", err)
	}
	plaintext, err := Decrypt(mk, header, sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	return plaintext
}

// TestSimpleOrderedExchange covers scenario S1: Alice sends one message, Bob
// replies, both decrypt successfully with no skipped keys.
func TestSimpleOrderedExchange(t *testing.T) {
	alice, bob := pairSessions(t)

	m1 := sendMessage(t, alice, []byte("hello bob"))
	got := receiveMessage(t, bob, m1)
	if string(got) != "hello bob" {
		t.Fatalf("got %q, want %q", got, "hello bob")
	}
	if bob.SkippedKeyCount() != 0 {
		t.Fatalf("bob skipped key count = %d, want 0", bob.SkippedKeyCount())
	}

	r1 := sendMessage(t, bob, []byte("hi alice"))
	got = receiveMessage(t, alice, r1)
	if string(got) != "hi alice" {
		t.Fatalf("got %q, want %q", got, "hi alice")
	}
	if alice.SkippedKeyCount() != 0 {
		t.Fatalf("alice skipped key count = %d, want 0", alice.SkippedKeyCount())
	}
}

// TestOutOfOrderWithinChain covers scenario S2: Alice sends three messages
// in the same sending chain; Bob receives them m2, m1, m3. Each decrypts to
// its original plaintext and the skipped-key cache tracks exactly what is
// still outstanding at each step.
func TestOutOfOrderWithinChain(t *testing.T) {
	alice, bob := pairSessions(t)

	m1 := sendMessage(t, alice, []byte("one"))
	m2 := sendMessage(t, alice, []byte("two"))
	m3 := sendMessage(t, alice, []byte("three"))

	if got := receiveMessage(t, bob, m2); string(got) != "two" {
		t.Fatalf("m2 got %q", got)
	}
	if n := bob.SkippedKeyCount(); n != 1 {
		t.Fatalf("after m2, skipped key count = %d, want 1", n)
	}

	if got := receiveMessage(t, bob, m1); string(got) != "one" {
		t.Fatalf("m1 got %q", got)
	}
	if n := bob.SkippedKeyCount(); n != 0 {
		t.Fatalf("after m1, skipped key count = %d, want 0", n)
	}

	if got := receiveMessage(t, bob, m3); string(got) != "three" {
		t.Fatalf("m3 got %q", got)
	}
	if n := bob.SkippedKeyCount(); n != 0 {
		t.Fatalf("after m3, skipped key count = %d, want 0", n)
	}
}

// TestOutOfOrderBulkDelivery sends a larger batch in one chain and delivers
// it to Bob in a shuffled order, the way ericlagergren-dr's own test suite
// exercises out-of-order delivery at scale. Every message must still decrypt
// to its original plaintext and the skipped-key cache must end up empty.
func TestOutOfOrderBulkDelivery(t *testing.T) {
	const n = 64
	alice, bob := pairSessions(t, WithMaxSkip(n))

	envelopes := make([][]byte, n)
	want := make([]string, n)
	for i := 0; i < n; i++ {
		want[i] = fmt.Sprintf("message-%d", i)
		envelopes[i] = sendMessage(t, alice, []byte(want[i]))
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	mrand.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	for _, idx := range order {
		got := receiveMessage(t, bob, envelopes[idx])
		if string(got) != want[idx] {
			t.Fatalf("message %d: got %q, want %q", idx, got, want[idx])
		}
	}
	if n := bob.SkippedKeyCount(); n != 0 {
		t.Fatalf("skipped key count after full shuffled delivery = %d, want 0", n)
	}
}

// TestDHRatchetStep covers scenario S3: once Bob replies, Alice's next
// message carries a fresh ratchet public key and a previous_chain_length
// reflecting the one message she sent before Bob's reply.
func TestDHRatchetStep(t *testing.T) {
	alice, bob := pairSessions(t)

	m1 := sendMessage(t, alice, []byte("m1"))
	m1Header, _, _ := DecodeEnvelope(m1)
	receiveMessage(t, bob, m1)

	r1 := sendMessage(t, bob, []byte("r1"))
	receiveMessage(t, alice, r1)

	m2 := sendMessage(t, alice, []byte("m2"))
	m2Header, _, _ := DecodeEnvelope(m2)

	if m2Header.RatchetPublicKey == m1Header.RatchetPublicKey {
		t.Fatalf("m2 ratchet public key equals m1's, want a new key after the DH step")
	}
	if m2Header.PreviousChainLength != 1 {
		t.Fatalf("m2 previous_chain_length = %d, want 1", m2Header.PreviousChainLength)
	}

	got := receiveMessage(t, bob, m2)
	if string(got) != "m2" {
		t.Fatalf("m2 got %q", got)
	}
	if n := bob.SkippedKeyCount(); n != 0 {
		t.Fatalf("bob skipped key count = %d, want 0", n)
	}
}

// TestDroppedMessageAcrossRatchetStep covers scenario S4: Alice sends m1,
// m2; Bob receives only m2, which forces him to skip and cache m1's key.
// Alice then receives Bob's reply and sends m3 across a DH ratchet step.
// Bob receives m3 directly, and m1 arrives last, still decryptable from the
// skipped-key cache.
func TestDroppedMessageAcrossRatchetStep(t *testing.T) {
	alice, bob := pairSessions(t)

	m1 := sendMessage(t, alice, []byte("m1"))
	m2 := sendMessage(t, alice, []byte("m2"))

	if got := receiveMessage(t, bob, m2); string(got) != "m2" {
		t.Fatalf("m2 got %q", got)
	}
	if n := bob.SkippedKeyCount(); n != 1 {
		t.Fatalf("after m2, skipped key count = %d, want 1", n)
	}

	r1 := sendMessage(t, bob, []byte("r1"))
	receiveMessage(t, alice, r1)

	m3 := sendMessage(t, alice, []byte("m3"))
	if got := receiveMessage(t, bob, m3); string(got) != "m3" {
		t.Fatalf("m3 got %q", got)
	}
	if n := bob.SkippedKeyCount(); n != 1 {
		t.Fatalf("after m3, skipped key count = %d, want 1 (m1 still outstanding)", n)
	}

	if got := receiveMessage(t, bob, m1); string(got) != "m1" {
		t.Fatalf("m1 got %q", got)
	}
	if n := bob.SkippedKeyCount(); n != 0 {
		t.Fatalf("after m1, skipped key count = %d, want 0", n)
	}
}

// TestTooManySkippedLeavesSessionUnchanged covers scenario S6: a receiver
// presented with a header whose message number requires skipping more keys
// than MaxSkip gets ErrTooManySkipped and its session state does not change.
func TestTooManySkippedLeavesSessionUnchanged(t *testing.T) {
	const maxSkip = 10
	alice, bob := pairSessions(t, WithMaxSkip(maxSkip))

	var last []byte
	for i := 0; i < maxSkip+2; i++ {
		last = sendMessage(t, alice, []byte("flood"))
	}

	before := bob.state.clone()
	header, sealed, err := DecodeEnvelope(last)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	_, err = bob.RatchetReceive(header, len(sealed))
	if !errors.Is(err, ErrTooManySkipped) {
		t.Fatalf("err = %v, want ErrTooManySkipped", err)
	}
	if bob.state.ReceivingNumber != before.ReceivingNumber {
		t.Fatalf("session mutated after ErrTooManySkipped: receiving number %d != %d", bob.state.ReceivingNumber, before.ReceivingNumber)
	}
	if bob.state.skipped.len() != before.skipped.len() {
		t.Fatalf("session mutated after ErrTooManySkipped: skipped count %d != %d", bob.state.skipped.len(), before.skipped.len())
	}
}

func TestRatchetSendRequiresInitializedChain(t *testing.T) {
	bobBootstrap, err := primitives.GenerateX25519()
	if err != nil {
		t.Fatalf("generate bootstrap key pair: %v", err)
	}
	var sharedSecret [32]byte
	bob, err := NewResponderSession(sharedSecret, bobBootstrap)
	if err != nil {
		t.Fatalf("NewResponderSession: %v", err)
	}
	if _, _, err := bob.RatchetSend(); !errors.Is(err, ErrChainUninitialized) {
		t.Fatalf("err = %v, want ErrChainUninitialized", err)
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	alice, bob := pairSessions(t)
	m1 := sendMessage(t, alice, []byte("one"))
	m2 := sendMessage(t, alice, []byte("two"))
	receiveMessage(t, bob, m2)

	data, err := SerializeSession(bob)
	if err != nil {
		t.Fatalf("SerializeSession: %v", err)
	}
	restored, err := DeserializeSession(data)
	if err != nil {
		t.Fatalf("DeserializeSession: %v", err)
	}
	if restored.SkippedKeyCount() != bob.SkippedKeyCount() {
		t.Fatalf("restored skipped count = %d, want %d", restored.SkippedKeyCount(), bob.SkippedKeyCount())
	}
	if restored.ReceivingMessageNumber() != bob.ReceivingMessageNumber() {
		t.Fatalf("restored receiving number mismatch")
	}

	got := receiveMessage(t, restored, m1)
	if string(got) != "one" {
		t.Fatalf("m1 via restored session got %q", got)
	}
}

func TestDeserializeSessionRejectsBadVersion(t *testing.T) {
	_, err := DeserializeSession([]byte{0xFF})
	if !errors.Is(err, ErrSerialization) {
		t.Fatalf("err = %v, want ErrSerialization", err)
	}
}
