// Package common holds the on-disk formats shared by the indexer and the
// query executor: the fixed-width index record, the compressed block file,
// the bloom filter, and the small helpers (mmap, block cache, fingerprint)
// built on top of them.
package common

import (
	"encoding/binary"
	"io"
	"time"
)

// RecordSize is the fixed size of each record in the index file.
const RecordSize = 64 + 8 + 8 // Key(64) + Offset(8) + Line(8) = 80 bytes

// IndexRecord is a single sorted index entry: a NUL-padded/truncated key, the
// byte offset of the source row, and its 1-based line number.
type IndexRecord struct {
	Key    [64]byte
	Offset int64
	Line   int64
}

// IndexMeta is the `<csv>_meta.json` sidecar.
type IndexMeta struct {
	CapturedAt time.Time             `json:"capturedAt"`
	TotalRows  int64                 `json:"totalRows"`
	CsvSize    int64                 `json:"csvSize"`
	CsvMtime   int64                 `json:"csvMtime"`
	CsvHash    string                `json:"csvHash"`
	Indexes    map[string]IndexStats `json:"indexes"`
}

type IndexStats struct {
	DistinctCount int64 `json:"distinctCount"`
	FileSize      int64 `json:"fileSize"`
}

// ReadRecord reads a single IndexRecord, returning io.EOF at end of stream.
func ReadRecord(r io.Reader) (IndexRecord, error) {
	var buf [RecordSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return IndexRecord{}, err
	}
	return decodeRecord(buf[:]), nil
}

// ReadBatchRecords reads count records with a single underlying read.
func ReadBatchRecords(r io.Reader, count int) ([]IndexRecord, error) {
	buf := make([]byte, count*RecordSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	recs := make([]IndexRecord, count)
	for i := range recs {
		recs[i] = decodeRecord(buf[i*RecordSize : (i+1)*RecordSize])
	}
	return recs, nil
}

func decodeRecord(buf []byte) IndexRecord {
	return IndexRecord{
		Key:    *(*[64]byte)(buf[0:64]),
		Offset: int64(binary.BigEndian.Uint64(buf[64:72])),
		Line:   int64(binary.BigEndian.Uint64(buf[72:80])),
	}
}

// WriteRecord writes a single IndexRecord.
func WriteRecord(w io.Writer, rec IndexRecord) error {
	var buf [RecordSize]byte
	encodeRecord(buf[:], rec)
	_, err := w.Write(buf[:])
	return err
}

// WriteBatchRecords writes a slice of records with a single underlying write.
func WriteBatchRecords(w io.Writer, recs []IndexRecord) error {
	if len(recs) == 0 {
		return nil
	}
	buf := make([]byte, len(recs)*RecordSize)
	for i, rec := range recs {
		encodeRecord(buf[i*RecordSize:(i+1)*RecordSize], rec)
	}
	_, err := w.Write(buf)
	return err
}

func encodeRecord(buf []byte, rec IndexRecord) {
	copy(buf[0:64], rec.Key[:])
	binary.BigEndian.PutUint64(buf[64:72], uint64(rec.Offset))
	binary.BigEndian.PutUint64(buf[72:80], uint64(rec.Line))
}

// MakeKey copies value into a 64-byte key, truncating or NUL-padding as
// needed for the on-disk record format.
func MakeKey(value []byte) [64]byte {
	var key [64]byte
	copy(key[:], value)
	return key
}

// CompositeKey joins column values with the 0x1F unit separator, then
// truncates/pads the result into a 64-byte key.
func CompositeKey(values [][]byte) [64]byte {
	var buf [64]byte
	pos := 0
	for i, v := range values {
		if i > 0 {
			if pos >= len(buf) {
				break
			}
			buf[pos] = 0x1F
			pos++
		}
		n := copy(buf[pos:], v)
		pos += n
	}
	return buf
}
