package ratchet

import "github.com/veilwire/e2ee/primitives"

// skippedKeyID identifies one skipped message key by the remote ratchet
// public key in effect when it was generated and its message number within
// that chain.
type skippedKeyID struct {
	remote primitives.PublicKey
	number uint32
}

// skippedCache is a bounded, insertion-ordered cache of precomputed message
// keys for messages that have not yet arrived. It is a ring buffer of
// (id, key) pairs plus a side index for O(1) lookup, rather than a generic
// ordered map — the FIFO eviction rule is load-bearing for the MAX_SKIP
// invariant, so it is enforced structurally instead of left to map
// iteration order.
type skippedCache struct {
	maxSkip int
	order   []skippedKeyID
	keys    map[skippedKeyID][32]byte
}

func newSkippedCache(maxSkip int) *skippedCache {
	return &skippedCache{
		maxSkip: maxSkip,
		keys:    make(map[skippedKeyID][32]byte),
	}
}

// clone returns a deep copy, so a failed receive can be rolled back without
// touching the session's real cache.
func (c *skippedCache) clone() *skippedCache {
	out := &skippedCache{
		maxSkip: c.maxSkip,
		order:   append([]skippedKeyID(nil), c.order...),
		keys:    make(map[skippedKeyID][32]byte, len(c.keys)),
	}
	for k, v := range c.keys {
		out.keys[k] = v
	}
	return out
}

// len reports how many skipped keys are currently cached.
func (c *skippedCache) len() int { return len(c.order) }

// insert adds a skipped key, evicting the oldest entry first if the cache
// is already at capacity.
func (c *skippedCache) insert(remote primitives.PublicKey, number uint32, key [32]byte) {
	id := skippedKeyID{remote: remote, number: number}
	if _, exists := c.keys[id]; exists {
		c.keys[id] = key
		return
	}
	for len(c.order) >= c.maxSkip {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.keys, oldest)
	}
	c.order = append(c.order, id)
	c.keys[id] = key
}

// lookup finds and removes the skipped key for (remote, number), using a
// constant-time comparison on the public key portion of the composite key.
func (c *skippedCache) lookup(remote primitives.PublicKey, number uint32) ([32]byte, bool) {
	for id, key := range c.keys {
		if id.number != number {
			continue
		}
		if !primitives.CTEqual(id.remote[:], remote[:]) {
			continue
		}
		delete(c.keys, id)
		for i, o := range c.order {
			if o == id {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
		return key, true
	}
	var zero [32]byte
	return zero, false
}
