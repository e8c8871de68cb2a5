package common

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/opencoff/go-fasthash"
)

// fingerprintSalt seeds the rolling hash. It has no security role; it only
// needs to be stable across runs so two fingerprints of the same bytes
// agree.
const fingerprintSalt = 0x63737664657866ed // "csvdexf" folded into 64 bits

// fingerprintWindow is the size of each sampled region.
const fingerprintWindow = 512 * 1024

// SourceFingerprint computes a cheap staleness fingerprint for a source
// file by rolling-hashing up to three windows (start, middle, end) instead
// of hashing the whole file. It is not a cryptographic digest: two
// different files can collide, but a changed file reliably changes the
// fingerprint in practice, which is all a staleness check needs.
func SourceFingerprint(f *os.File, size int64) (string, error) {
	var h uint64 = fingerprintSalt

	readWindow := func(offset int64) error {
		if offset < 0 || offset >= size {
			return nil
		}
		n := int64(fingerprintWindow)
		if offset+n > size {
			n = size - offset
		}
		buf := make([]byte, n)
		if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
			return err
		}
		h = fasthash.Hash64(h, buf)
		return nil
	}

	if err := readWindow(0); err != nil {
		return "", err
	}
	if size > fingerprintWindow {
		if err := readWindow(size/2 - fingerprintWindow/2); err != nil {
			return "", err
		}
	}
	if size > fingerprintWindow*2 {
		if err := readWindow(size - fingerprintWindow); err != nil {
			return "", err
		}
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], h)
	return encodeHex(buf[:]), nil
}

const hexDigits = "0123456789abcdef"

func encodeHex(b []byte) string {
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0x0f]
	}
	return string(out)
}
