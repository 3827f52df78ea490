// Package cache implements the bounded, hashed, round-robin register-state
// cache that sits between the step engine and the FDE/CIE driver: a hit
// avoids re-running the CFI interpreter entirely.
package cache

import (
	"sync"

	"github.com/corvidae/unwind/regstate"
	"github.com/corvidae/unwind/uwerr"
)

// fibonacciMultiplier is ⌊(√5/2 − 1)·2^64⌋, the constant Knuth's
// multiplicative hash method uses for 64-bit keys.
const fibonacciMultiplier = 0x9e3779b97f4a7c16

// sentinel marks "no entry" in a hash head or collision-chain link; it is
// the maximum index representable in those fields.
const sentinel = ^uint32(0)

// defaultLogSize is the log2 bucket count used by the small inline arrays
// every Cache starts with; a resize only allocates heap arrays once a
// caller asks for something bigger.
const defaultLogSize = 6 // 64 buckets, 128 hash heads

const defaultSize = 1 << defaultLogSize

// link is one cache entry's metadata: the PC it was computed for, its
// position in its hash bucket's collision chain, the 1-based hint a
// follow-up step can use to skip hashing, and whether the entry was
// computed for a signal frame.
type link struct {
	ip          uint64
	valid       bool
	signalFrame bool
	collChain   uint32 // index of the next entry in this hash bucket, or sentinel
	hint        uint32 // 1-based index of the entry likely to be queried next, or 0
}

// Cache is a per-address-space (or per-thread, per the caller's caching
// policy) bounded cache of register-state records keyed by instruction
// pointer. The zero value is not usable; construct with New.
type Cache struct {
	mu sync.Mutex

	logSize    uint
	defaultLog uint

	hash    []uint32 // 2*S heads
	buckets []*regstate.Record
	links   []link

	rrHead uint32

	generation     uint64
	wantGeneration func() uint64

	defaultHash    []uint32
	defaultBuckets []*regstate.Record
	defaultLinks   []link
}

// New returns a cache sized for 2^defaultLogSize entries, using its inline
// (non-heap) arrays. wantGeneration, if non-nil, is consulted on every
// Lookup/Insert to decide whether the owning address space has bumped its
// generation counter and the cache must be flushed first; a nil
// wantGeneration disables generation-based flushing.
func New(wantGeneration func() uint64) *Cache {
	c := &Cache{
		logSize:        defaultLogSize,
		defaultLog:     defaultLogSize,
		wantGeneration: wantGeneration,
	}
	c.allocateDefault()
	c.hash = c.defaultHash
	c.buckets = c.defaultBuckets
	c.links = c.defaultLinks
	c.resetChains()
	return c
}

func (c *Cache) allocateDefault() {
	size := uint32(1) << defaultLogSize
	c.defaultHash = make([]uint32, 2*size)
	c.defaultBuckets = make([]*regstate.Record, size)
	c.defaultLinks = make([]link, size)
}

func (c *Cache) size() uint32 {
	return uint32(1) << c.logSize
}

func (c *Cache) resetChains() {
	for i := range c.hash {
		c.hash[i] = sentinel
	}
	for i := range c.links {
		c.links[i] = link{collChain: sentinel}
	}
	c.rrHead = 0
}

// Resize changes the cache's bucket count to 2^logSize. If logSize equals
// the cache's default and it is not currently heap-backed, the inline
// arrays are reused; otherwise fresh heap arrays are allocated and the
// previous heap-backed arrays (if any) are released. All entries are
// invalidated.
func (c *Cache) Resize(logSize uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resizeLocked(logSize)
}

func (c *Cache) resizeLocked(logSize uint) {
	heapBacked := &c.hash[0] != &c.defaultHash[0]
	if logSize == c.defaultLog && !heapBacked {
		c.hash = c.defaultHash
		c.buckets = c.defaultBuckets
		c.links = c.defaultLinks
	} else {
		size := uint32(1) << logSize
		c.hash = make([]uint32, 2*size)
		c.buckets = make([]*regstate.Record, size)
		c.links = make([]link, size)
	}
	c.logSize = logSize
	c.resetChains()
}

func hashIndex(ip uint64, logSize uint) uint32 {
	const wordBits = 64
	h := (ip * fibonacciMultiplier) >> (wordBits - logSize - 1)
	return uint32(h)
}

// flushIfStale checks the caller-supplied generation against the cache's
// own and rebuilds the cache (same size, all entries invalid) if they
// differ. Must be called with mu held.
func (c *Cache) flushIfStale() {
	if c.wantGeneration == nil {
		return
	}
	want := c.wantGeneration()
	if want == c.generation {
		return
	}
	c.resetChains()
	c.generation = want
}

// Lookup returns the cached record for ip and its 1-based cache index, or
// ok=false on a miss. If hint is nonzero (1-based, as stashed by a
// previous Lookup or Insert), it is probed directly before falling back
// to the hash chain, giving the common "same stack walked again" case an
// O(1) path that never computes the hash.
func (c *Cache) Lookup(ip uint64, hint uint32) (rec *regstate.Record, signalFrame bool, index uint32, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.flushIfStale()

	if hint > 0 {
		i := hint - 1
		if int(i) < len(c.links) && c.links[i].valid && c.links[i].ip == ip {
			return c.buckets[i], c.links[i].signalFrame, hint, true
		}
	}

	h := hashIndex(ip, c.logSize)
	for i := c.hash[h]; i != sentinel; i = c.links[i].collChain {
		if c.links[i].valid && c.links[i].ip == ip {
			return c.buckets[i], c.links[i].signalFrame, i + 1, true
		}
	}
	return nil, false, 0, false
}

// Insert evicts the round-robin victim at rrHead, splices the new entry
// into the hash chain for ip, and returns its 1-based index for the
// caller to stash as the cursor's next hint. prevIndex, if nonzero, is
// the previous frame's cache index; its hint field is updated to point
// forward to the new entry so that re-walking the same call chain skips
// hashing at every step, not just the first.
func (c *Cache) Insert(ip uint64, signalFrame bool, rec *regstate.Record, prevIndex uint32) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.flushIfStale()

	if len(c.buckets) == 0 {
		return 0, uwerr.ErrOutOfMemory
	}

	victim := c.rrHead
	c.rrHead = (c.rrHead + 1) % c.size()

	if c.links[victim].valid {
		c.unlink(victim)
	}

	c.buckets[victim] = rec
	c.links[victim] = link{
		ip:          ip,
		valid:       true,
		signalFrame: signalFrame,
		hint:        0,
	}

	h := hashIndex(ip, c.logSize)
	c.links[victim].collChain = c.hash[h]
	c.hash[h] = victim

	index := victim + 1
	c.linkHintLocked(prevIndex, index)
	return index, nil
}

// unlink removes victim from whichever hash chain currently contains it,
// rewriting the predecessor's collChain (or the hash head, if victim was
// first). Must be called with mu held and victim known valid.
func (c *Cache) unlink(victim uint32) {
	h := hashIndex(c.links[victim].ip, c.logSize)

	if c.hash[h] == victim {
		c.hash[h] = c.links[victim].collChain
		return
	}
	for i := c.hash[h]; i != sentinel; i = c.links[i].collChain {
		if c.links[i].collChain == victim {
			c.links[i].collChain = c.links[victim].collChain
			return
		}
	}
}

// Hint returns the 1-based hint stashed at index (1-based), or 0 if index
// is out of range or carries no hint yet.
func (c *Cache) Hint(index uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index == 0 || int(index-1) >= len(c.links) {
		return 0
	}
	return c.links[index-1].hint
}

// LinkHint writes index into prevIndex's forward-hint field, a no-op if
// prevIndex is 0 (no previous frame yet) or stale (points past the
// current array after a resize). Called on every successful lookup, not
// just insertion, so the forward chain stays fresh even when a frame's
// entry was already cached by an earlier walk of the same stack.
func (c *Cache) LinkHint(prevIndex, index uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.linkHintLocked(prevIndex, index)
}

func (c *Cache) linkHintLocked(prevIndex, index uint32) {
	if prevIndex > 0 && int(prevIndex-1) < len(c.links) {
		c.links[prevIndex-1].hint = index
	}
}
