package ratchet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// serializationVersion is the leading byte of every serialized session, so a
// future on-disk format change can be detected instead of silently
// misparsed.
const serializationVersion = 0x01

// ErrSerialization is returned by DeserializeSession when data is the wrong
// version or is structurally malformed.
var ErrSerialization = errors.New("ratchet: malformed serialized session")

// SerializeSession encodes a Session's full state, including its skipped-key
// cache, to a byte slice a later DeserializeSession call can restore. The
// encoding is not authenticated or encrypted; callers that persist it to
// untrusted storage must wrap it themselves.
func SerializeSession(s *Session) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state

	buf := make([]byte, 0, 512)
	buf = append(buf, serializationVersion)

	buf = append(buf, st.RootKey[:]...)

	buf = append(buf, boolByte(st.sendingChainSet))
	buf = append(buf, st.SendingChainKey[:]...)
	buf = appendUint32(buf, st.SendingNumber)

	buf = append(buf, boolByte(st.receivingChainSet))
	buf = append(buf, st.ReceivingChainKey[:]...)
	buf = appendUint32(buf, st.ReceivingNumber)

	buf = appendUint32(buf, st.PreviousSendingChainLength)

	buf = append(buf, st.DHSelf.Public[:]...)
	buf = append(buf, st.DHSelf.Secret[:]...)

	buf = append(buf, boolByte(st.hasRemote))
	buf = append(buf, st.dhRemote[:]...)

	buf = appendUint32(buf, uint32(st.skipped.maxSkip))
	buf = appendUint32(buf, uint32(len(st.skipped.order)))
	for _, id := range st.skipped.order {
		key := st.skipped.keys[id]
		buf = append(buf, id.remote[:]...)
		buf = appendUint32(buf, id.number)
		buf = append(buf, key[:]...)
	}

	buf = appendInt64(buf, st.CreatedAt.UnixNano())
	buf = appendInt64(buf, st.LastActivity.UnixNano())

	return buf, nil
}

// DeserializeSession restores a Session from data produced by
// SerializeSession. opts apply as they would to a freshly constructed
// Session (WithSuite in particular must match whatever suite produced the
// original session, since the suite itself is not serialized).
func DeserializeSession(data []byte, opts ...Option) (*Session, error) {
	r := &byteReader{data: data}

	version, err := r.byte()
	if err != nil {
		return nil, ErrSerialization
	}
	if version != serializationVersion {
		return nil, fmt.Errorf("%w: version %d", ErrSerialization, version)
	}

	st := &State{}

	if err := r.fixed(st.RootKey[:]); err != nil {
		return nil, err
	}

	sendingSet, err := r.byte()
	if err != nil {
		return nil, err
	}
	st.sendingChainSet = sendingSet != 0
	if err := r.fixed(st.SendingChainKey[:]); err != nil {
		return nil, err
	}
	st.SendingNumber, err = r.uint32()
	if err != nil {
		return nil, err
	}

	receivingSet, err := r.byte()
	if err != nil {
		return nil, err
	}
	st.receivingChainSet = receivingSet != 0
	if err := r.fixed(st.ReceivingChainKey[:]); err != nil {
		return nil, err
	}
	st.ReceivingNumber, err = r.uint32()
	if err != nil {
		return nil, err
	}

	st.PreviousSendingChainLength, err = r.uint32()
	if err != nil {
		return nil, err
	}

	if err := r.fixed(st.DHSelf.Public[:]); err != nil {
		return nil, err
	}
	if err := r.fixed(st.DHSelf.Secret[:]); err != nil {
		return nil, err
	}

	hasRemote, err := r.byte()
	if err != nil {
		return nil, err
	}
	st.hasRemote = hasRemote != 0
	if err := r.fixed(st.dhRemote[:]); err != nil {
		return nil, err
	}

	maxSkip, err := r.uint32()
	if err != nil {
		return nil, err
	}
	count, err := r.uint32()
	if err != nil {
		return nil, err
	}
	st.skipped = newSkippedCache(int(maxSkip))
	for i := uint32(0); i < count; i++ {
		var id skippedKeyID
		if err := r.fixed(id.remote[:]); err != nil {
			return nil, err
		}
		id.number, err = r.uint32()
		if err != nil {
			return nil, err
		}
		var key [32]byte
		if err := r.fixed(key[:]); err != nil {
			return nil, err
		}
		st.skipped.order = append(st.skipped.order, id)
		st.skipped.keys[id] = key
	}

	createdNanos, err := r.int64()
	if err != nil {
		return nil, err
	}
	lastActivityNanos, err := r.int64()
	if err != nil {
		return nil, err
	}
	st.CreatedAt = time.Unix(0, createdNanos)
	st.LastActivity = time.Unix(0, lastActivityNanos)

	if !r.atEnd() {
		return nil, fmt.Errorf("%w: trailing data", ErrSerialization)
	}

	s := &Session{suite: DefaultSuite{}, state: st}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendInt64(buf []byte, v int64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	return append(buf, tmp[:]...)
}

// byteReader is a minimal cursor over a serialized session, used only by
// DeserializeSession. It exists so every field read checks remaining length
// once, rather than scattering bounds checks through the unmarshaling logic.
type byteReader struct {
	data []byte
	pos  int
}

func (r *byteReader) byte() (byte, error) {
	if r.pos+1 > len(r.data) {
		return 0, ErrSerialization
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *byteReader) fixed(dst []byte) error {
	if r.pos+len(dst) > len(r.data) {
		return ErrSerialization
	}
	copy(dst, r.data[r.pos:r.pos+len(dst)])
	r.pos += len(dst)
	return nil
}

func (r *byteReader) uint32() (uint32, error) {
	if r.pos+4 > len(r.data) {
		return 0, ErrSerialization
	}
	v := binary.BigEndian.Uint32(r.data[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *byteReader) int64() (int64, error) {
	if r.pos+8 > len(r.data) {
		return 0, ErrSerialization
	}
	v := int64(binary.BigEndian.Uint64(r.data[r.pos : r.pos+8]))
	r.pos += 8
	return v, nil
}

func (r *byteReader) atEnd() bool {
	return r.pos == len(r.data)
}
