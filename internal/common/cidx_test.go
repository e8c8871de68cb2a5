package common

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/csvquery/csvdex/internal/cerr"
)

func writeTestIndex(t *testing.T, keys ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	bw, err := NewBlockWriter(&buf)
	require.NoError(t, err)

	for i, k := range keys {
		var key [64]byte
		copy(key[:], k)
		require.NoError(t, bw.WriteRecord(IndexRecord{Key: key, Offset: int64(i * 10), Line: int64(i)}))
	}
	require.NoError(t, bw.Close())
	return buf.Bytes()
}

func TestBlockReaderRoundTrip(t *testing.T) {
	data := writeTestIndex(t, "alpha", "bravo", "charlie")

	br, err := NewBlockReader(bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, br.Footer.Blocks, 1)

	recs, err := br.ReadBlock(br.Footer.Blocks[0])
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Equal(t, "alpha", string(bytes.TrimRight(recs[0].Key[:], "\x00")))
}

func TestBlockReaderRejectsBadMagic(t *testing.T) {
	data := writeTestIndex(t, "alpha")
	data[0] = 'X'

	_, err := NewBlockReader(bytes.NewReader(data))
	require.Error(t, err)
	require.Equal(t, cerr.CorruptIndex, cerr.KindOf(err))
}

func TestBlockReaderRejectsTruncatedFooter(t *testing.T) {
	data := writeTestIndex(t, "alpha")
	truncated := data[:len(data)-4]

	_, err := NewBlockReader(bytes.NewReader(truncated))
	require.Error(t, err)
	require.Equal(t, cerr.CorruptIndex, cerr.KindOf(err))
}

func TestReadBlockRejectsOffsetPastEOF(t *testing.T) {
	data := writeTestIndex(t, "alpha")

	br, err := NewBlockReader(bytes.NewReader(data))
	require.NoError(t, err)

	bad := br.Footer.Blocks[0]
	bad.Offset = int64(len(data)) + 1000

	_, err = br.ReadBlock(bad)
	require.Error(t, err)
	require.Equal(t, cerr.CorruptIndex, cerr.KindOf(err))
}

func TestReadBlockRejectsNegativeLength(t *testing.T) {
	data := writeTestIndex(t, "alpha")

	br, err := NewBlockReader(bytes.NewReader(data))
	require.NoError(t, err)

	bad := br.Footer.Blocks[0]
	bad.Length = -1

	_, err = br.ReadBlock(bad)
	require.Error(t, err)
	require.Equal(t, cerr.CorruptIndex, cerr.KindOf(err))
}
