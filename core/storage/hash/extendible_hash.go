// Package hash implements a concurrent extendible hash table with a
// fixed bucket capacity. The buffer pool uses it as its page table.
package hash

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/sushant-115/megumidb/core/storage/page"
)

// Hasher maps a key to a 64-bit hash value. The table only looks at the
// low globalDepth bits, so the hasher must spread entropy into them.
type Hasher[K any] func(K) uint64

// PageIDHasher hashes a page id through xxhash over its little-endian
// encoding. This is the hasher the buffer pool's page table uses.
func PageIDHasher(id page.PageID) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(id))
	return xxhash.Sum64(buf[:])
}

type bucket[K comparable, V any] struct {
	mu         sync.Mutex
	localDepth int
	items      map[K]V
}

// ExtendibleHashTable is a directory of shared bucket references. The
// directory latch guards the global depth, bucket count and the slot
// sequence; each bucket latch guards its own mapping and local depth.
type ExtendibleHashTable[K comparable, V any] struct {
	mu          sync.RWMutex
	globalDepth int
	numBuckets  int
	bucketSize  int
	hasher      Hasher[K]
	dir         []*bucket[K, V]
}

// NewExtendibleHashTable creates a table with a single bucket of the given
// capacity at global depth zero.
func NewExtendibleHashTable[K comparable, V any](bucketSize int, hasher Hasher[K]) *ExtendibleHashTable[K, V] {
	if bucketSize < 1 {
		bucketSize = 1
	}
	return &ExtendibleHashTable[K, V]{
		globalDepth: 0,
		numBuckets:  1,
		bucketSize:  bucketSize,
		hasher:      hasher,
		dir: []*bucket[K, V]{{
			localDepth: 0,
			items:      make(map[K]V),
		}},
	}
}

// GetGlobalDepth returns the current global depth of the directory.
func (h *ExtendibleHashTable[K, V]) GetGlobalDepth() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.globalDepth
}

// GetLocalDepth returns the local depth of the bucket at the given
// directory slot, or -1 if the slot is out of range.
func (h *ExtendibleHashTable[K, V]) GetLocalDepth(bucketID int) int {
	h.mu.RLock()
	if bucketID < 0 || bucketID >= len(h.dir) {
		h.mu.RUnlock()
		return -1
	}
	b := h.dir[bucketID]
	h.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.localDepth
}

// GetNumBuckets returns the number of distinct buckets.
func (h *ExtendibleHashTable[K, V]) GetNumBuckets() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.numBuckets
}

// Len returns the number of entries in the table.
func (h *ExtendibleHashTable[K, V]) Len() int {
	h.mu.RLock()
	seen := make(map[*bucket[K, V]]struct{}, h.numBuckets)
	refs := make([]*bucket[K, V], 0, h.numBuckets)
	for _, b := range h.dir {
		if _, ok := seen[b]; !ok {
			seen[b] = struct{}{}
			refs = append(refs, b)
		}
	}
	h.mu.RUnlock()

	n := 0
	for _, b := range refs {
		b.mu.Lock()
		n += len(b.items)
		b.mu.Unlock()
	}
	return n
}

// Find returns the value stored for key, if any.
func (h *ExtendibleHashTable[K, V]) Find(key K) (V, bool) {
	b := h.lockBucket(key)
	defer b.mu.Unlock()
	v, ok := b.items[key]
	return v, ok
}

// Remove deletes the entry for key. The directory never shrinks.
func (h *ExtendibleHashTable[K, V]) Remove(key K) bool {
	b := h.lockBucket(key)
	defer b.mu.Unlock()
	if _, ok := b.items[key]; !ok {
		return false
	}
	delete(b.items, key)
	return true
}

// Insert upserts the entry for key. A full bucket is split, redistributing
// entries by the next hash bit; if the bucket's local depth exceeds the
// global depth the directory is doubled first. Splits recurse until the
// key fits.
func (h *ExtendibleHashTable[K, V]) Insert(key K, value V) {
	for {
		b := h.lockBucket(key)
		if _, ok := b.items[key]; ok {
			b.items[key] = value
			b.mu.Unlock()
			return
		}
		if len(b.items) < h.bucketSize {
			b.items[key] = value
			b.mu.Unlock()
			return
		}

		// Bucket overflow: split it. The distinguishing bit is the bit
		// just below the new local depth.
		mask := uint64(1) << b.localDepth
		b.localDepth++

		h.mu.Lock()
		if b.localDepth > h.globalDepth {
			// Double the directory, duplicating every slot in order so
			// existing references stay valid.
			h.dir = append(h.dir, h.dir...)
			h.globalDepth++
		}
		next := &bucket[K, V]{
			localDepth: b.localDepth,
			items:      make(map[K]V),
		}
		h.numBuckets++
		for k, v := range b.items {
			if h.hasher(k)&mask != 0 {
				next.items[k] = v
				delete(b.items, k)
			}
		}
		for i, ref := range h.dir {
			if ref == b && uint64(i)&mask != 0 {
				h.dir[i] = next
			}
		}
		h.mu.Unlock()
		b.mu.Unlock()

		// Retry; a degenerate redistribution may require further splits.
	}
}

// bucketFor resolves the bucket reference for key. The reference stays
// valid after the directory latch is dropped because buckets are shared.
func (h *ExtendibleHashTable[K, V]) bucketFor(key K) *bucket[K, V] {
	h.mu.RLock()
	defer h.mu.RUnlock()
	idx := h.hasher(key) & ((1 << h.globalDepth) - 1)
	return h.dir[idx]
}

// lockBucket latches the bucket that currently owns key. The directory
// slot is re-resolved after the bucket latch is held so that a racing
// split cannot leave the caller on the wrong half.
func (h *ExtendibleHashTable[K, V]) lockBucket(key K) *bucket[K, V] {
	for {
		b := h.bucketFor(key)
		b.mu.Lock()
		if h.bucketFor(key) == b {
			return b
		}
		b.mu.Unlock()
	}
}
