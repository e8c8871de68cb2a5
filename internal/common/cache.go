package common

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru"
)

// BlockCache is a bounded LRU cache of decompressed index blocks, keyed by
// (indexPath, blockOffset). Backed by hashicorp/golang-lru rather than a
// hand-rolled linked list; since golang-lru bounds by entry count, not
// bytes, the budget is converted to a slot count using BlockByteTarget (the
// uncompressed size at which BlockWriter flushes a block) as the expected
// per-entry size.
type BlockCache struct {
	cache    *lru.Cache
	maxBytes int64
}

// NewBlockCache creates an LRU cache sized to hold roughly maxBytes worth of
// decompressed records.
func NewBlockCache(maxBytes int64) *BlockCache {
	perEntry := int64(BlockByteTarget)
	slots := int(maxBytes / perEntry)
	if slots < 1 {
		slots = 1
	}
	c, _ := lru.New(slots)
	return &BlockCache{cache: c, maxBytes: maxBytes}
}

// CacheKey derives a cache key from an index path and block byte offset.
func CacheKey(indexPath string, blockOffset int64) uint64 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(blockOffset))
	digest := xxhash.New()
	_, _ = digest.WriteString(indexPath)
	_, _ = digest.Write(buf[:])
	return digest.Sum64()
}

// Get retrieves cached records for key, promoting the entry to most-recently
// used. Returns nil, false on a miss.
func (bc *BlockCache) Get(key uint64) ([]IndexRecord, bool) {
	v, ok := bc.cache.Get(key)
	if !ok {
		return nil, false
	}
	return v.([]IndexRecord), true
}

// Put stores decompressed records under key, evicting the least-recently
// used entry if the cache is at capacity.
func (bc *BlockCache) Put(key uint64, records []IndexRecord) {
	bc.cache.Add(key, records)
}

// Stats returns the number of cached entries and the configured byte
// budget.
func (bc *BlockCache) Stats() (entries int, bytesCap int64) {
	return bc.cache.Len(), bc.maxBytes
}
