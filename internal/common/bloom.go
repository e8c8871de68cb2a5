package common

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"os"

	"github.com/bits-and-blooms/bitset"
)

// BloomFilter is a space-efficient probabilistic set answering "definitely
// not a member" with certainty and "might be a member" otherwise.
//
// Hashing is double-hashed CRC32/IEEE (h1 over the key, h2 over the reversed
// key plus a fixed salt), matching PHP-originated files bit-for-bit; the
// natural-log approximation used to size the filter is a real math.Log, not
// the teacher's hand-rolled series, so files built here are not guaranteed
// byte-identical to files built by a naive port of the old sizing formula.
type BloomFilter struct {
	build *bitset.BitSet // non-nil only while under construction (Add path)
	bits  []byte         // raw byte form; authoritative once Serialize/Deserialize has run
	size  int            // size in bits
	hashCount int
	count     int
}

// NewBloomFilter sizes a filter for n expected elements at false-positive
// rate fpRate using m = ceil(-n*ln(p)/ln(2)^2) (rounded up to a byte, 1024
// bit minimum) and k = round((m/n)*ln(2)), clamped to [1,10].
func NewBloomFilter(n int, fpRate float64) *BloomFilter {
	if n < 1 {
		n = 1
	}
	if fpRate <= 0 {
		fpRate = 0.01
	}

	ln2 := math.Ln2
	m := int(math.Ceil(-float64(n) * math.Log(fpRate) / (ln2 * ln2)))
	if m < 1024 {
		m = 1024
	}
	m = ((m + 7) / 8) * 8

	k := int(math.Round(float64(m) / float64(n) * ln2))
	if k < 1 {
		k = 1
	}
	if k > 10 {
		k = 10
	}

	return &BloomFilter{
		build:     bitset.New(uint(m)),
		size:      m,
		hashCount: k,
	}
}

func hashPositions(key string, hashCount, size int) func(i int) int {
	keyBytes := []byte(key)
	h1 := crc32.ChecksumIEEE(keyBytes)

	var buf [256]byte
	reversed := appendReversed(buf[:0], keyBytes)
	reversed = append(reversed, "salt"...)
	h2 := crc32.ChecksumIEEE(reversed)

	return func(i int) int {
		combined := int(h1) + i*int(h2)
		if combined < 0 {
			combined = -combined
		}
		return combined % size
	}
}

// Add inserts a key into the filter. Only valid on a filter created with
// NewBloomFilter (i.e. before Serialize/DeserializeBloom round-trips it to
// raw bytes).
func (bf *BloomFilter) Add(key string) {
	pos := hashPositions(key, bf.hashCount, bf.size)
	for i := 0; i < bf.hashCount; i++ {
		bf.build.Set(uint(pos(i)))
	}
	bf.count++
}

// MightContain reports whether key may be in the set. false is a definitive
// negative; true means "possibly", bounded by the configured FP rate.
func (bf *BloomFilter) MightContain(key string) bool {
	pos := hashPositions(key, bf.hashCount, bf.size)
	for i := 0; i < bf.hashCount; i++ {
		p := pos(i)
		if bf.build != nil {
			if !bf.build.Test(uint(p)) {
				return false
			}
			continue
		}
		byteIdx, bitIdx := p/8, uint(p%8)
		if byteIdx >= len(bf.bits) || bf.bits[byteIdx]&(1<<bitIdx) == 0 {
			return false
		}
	}
	return true
}

func appendReversed(dst, s []byte) []byte {
	start := len(dst)
	dst = append(dst, s...)
	for i, j := start, len(dst)-1; i < j; i, j = i+1, j-1 {
		dst[i], dst[j] = dst[j], dst[i]
	}
	return dst
}

// Serialize packs the filter into its 24-byte header + raw bit array form.
func (bf *BloomFilter) Serialize() []byte {
	bits := bf.bits
	if bf.build != nil {
		bits = make([]byte, bf.size/8)
		for i := 0; i < bf.size; i++ {
			if bf.build.Test(uint(i)) {
				bits[i/8] |= 1 << uint(i%8)
			}
		}
	}

	header := make([]byte, 24)
	binary.BigEndian.PutUint64(header[0:8], uint64(bf.size))
	binary.BigEndian.PutUint64(header[8:16], uint64(bf.hashCount))
	binary.BigEndian.PutUint64(header[16:24], uint64(bf.count))
	return append(header, bits...)
}

// DeserializeBloom parses a filter previously produced by Serialize. The
// returned filter aliases data (safe for mmap'd zero-copy loads).
func DeserializeBloom(data []byte) *BloomFilter {
	if len(data) < 24 {
		return nil
	}
	return &BloomFilter{
		size:      int(binary.BigEndian.Uint64(data[0:8])),
		hashCount: int(binary.BigEndian.Uint64(data[8:16])),
		count:     int(binary.BigEndian.Uint64(data[16:24])),
		bits:      data[24:],
	}
}

// GetStats returns the filter's size in bits, hash count, and element count.
func (bf *BloomFilter) GetStats() (size, hashCount, count int) {
	return bf.size, bf.hashCount, bf.count
}

// GetMemoryUsage returns the serialized footprint in bytes.
func (bf *BloomFilter) GetMemoryUsage() int {
	return bf.size/8 + 24
}

// LoadBloomFilter reads a bloom filter file into process memory.
func LoadBloomFilter(path string) (*BloomFilter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	bloom := DeserializeBloom(data)
	if bloom == nil {
		return nil, fmt.Errorf("invalid bloom filter data")
	}
	return bloom, nil
}

// LoadBloomFilterMmap loads a bloom filter by mmap'ing it, aliasing the bit
// array directly into the mapped region. The returned cleanup func unmaps.
func LoadBloomFilterMmap(path string) (*BloomFilter, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}

	data, err := MmapFile(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	_ = f.Close()

	bloom := DeserializeBloom(data)
	if bloom == nil {
		_ = MunmapFile(data)
		return nil, nil, fmt.Errorf("invalid bloom filter data")
	}

	return bloom, func() { _ = MunmapFile(data) }, nil
}
