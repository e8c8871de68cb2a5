package common

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/pierrec/lz4/v4"

	"github.com/csvquery/csvdex/internal/cerr"
)

const (
	// MagicCIDX is the magic header for the compressed index file.
	MagicCIDX = "CIDX"
	// BlockRecordTarget caps the number of records per block.
	BlockRecordTarget = 1024
	// BlockByteTarget is the uncompressed-byte trigger for an early flush.
	// At RecordSize bytes a record it is reached after 205 records, before
	// BlockRecordTarget, so every block holds at most 205 records.
	BlockByteTarget = 16 * 1024
)

// BlockMeta holds metadata for a single compressed block.
type BlockMeta struct {
	StartKey    string `json:"startKey"`
	Offset      int64  `json:"offset"`
	Length      int64  `json:"length"`
	RecordCount int64  `json:"recordCount"`
	IsDistinct  bool   `json:"isDistinct"`
}

// SparseIndex is the footer of the .cidx file.
type SparseIndex struct {
	Blocks []BlockMeta `json:"blocks"`
}

// BlockWriter writes compressed blocks of IndexRecords to an io.Writer,
// flushing a block once it reaches BlockRecordTarget records or
// BlockByteTarget uncompressed bytes, whichever comes first.
type BlockWriter struct {
	w           io.Writer
	buffer      []IndexRecord
	currentSize int
	sparseIndex SparseIndex
	offset      int64
	lw          *lz4.Writer
	rawBuf      bytes.Buffer
	compBuf     bytes.Buffer
}

// NewBlockWriter creates a new BlockWriter and writes the CIDX magic header.
func NewBlockWriter(w io.Writer) (*BlockWriter, error) {
	n, err := w.Write([]byte(MagicCIDX))
	if err != nil {
		return nil, err
	}
	lw := lz4.NewWriter(io.Discard)
	_ = lw.Apply(lz4.BlockSizeOption(lz4.Block64Kb))

	return &BlockWriter{
		w:      w,
		buffer: make([]IndexRecord, 0, BlockRecordTarget),
		offset: int64(n),
		lw:     lw,
	}, nil
}

// WriteRecord buffers rec, flushing the current block once a size target is
// reached.
func (bw *BlockWriter) WriteRecord(rec IndexRecord) error {
	bw.buffer = append(bw.buffer, rec)
	bw.currentSize += RecordSize

	if len(bw.buffer) >= BlockRecordTarget || bw.currentSize >= BlockByteTarget {
		return bw.FlushBlock()
	}
	return nil
}

// FlushBlock compresses the buffered records and writes them as one block.
func (bw *BlockWriter) FlushBlock() error {
	if len(bw.buffer) == 0 {
		return nil
	}

	bw.rawBuf.Reset()
	if err := WriteBatchRecords(&bw.rawBuf, bw.buffer); err != nil {
		return err
	}

	bw.compBuf.Reset()
	bw.lw.Reset(&bw.compBuf)
	if _, err := bw.lw.Write(bw.rawBuf.Bytes()); err != nil {
		return err
	}
	if err := bw.lw.Close(); err != nil {
		return err
	}
	compressedBytes := bw.compBuf.Bytes()

	keyStr := string(bytes.TrimRight(bw.buffer[0].Key[:], "\x00"))

	isDistinct := true
	firstKey := bw.buffer[0].Key
	for i := 1; i < len(bw.buffer); i++ {
		if firstKey != bw.buffer[i].Key {
			isDistinct = false
			break
		}
	}

	meta := BlockMeta{
		StartKey:    keyStr,
		Offset:      bw.offset,
		Length:      int64(len(compressedBytes)),
		RecordCount: int64(len(bw.buffer)),
		IsDistinct:  isDistinct,
	}
	bw.sparseIndex.Blocks = append(bw.sparseIndex.Blocks, meta)

	n, err := bw.w.Write(compressedBytes)
	if err != nil {
		return err
	}
	bw.offset += int64(n)

	bw.buffer = bw.buffer[:0]
	bw.currentSize = 0
	return nil
}

// Close flushes any remaining records and writes the footer.
func (bw *BlockWriter) Close() error {
	if err := bw.FlushBlock(); err != nil {
		return err
	}

	footerBytes, err := json.Marshal(bw.sparseIndex)
	if err != nil {
		return err
	}

	n, err := bw.w.Write(footerBytes)
	if err != nil {
		return err
	}

	return binary.Write(bw.w, binary.BigEndian, int64(n))
}

// BlockReader reads compressed blocks, either via seek+read or mmap
// zero-copy.
type BlockReader struct {
	r         io.ReadSeeker
	mmapData  []byte
	Footer    SparseIndex
	compBuf   []byte
	decompBuf []byte
	recBuf    []IndexRecord
}

// NewBlockReader opens a seek-based reader and loads the footer.
func NewBlockReader(r io.ReadSeeker) (*BlockReader, error) {
	magic := make([]byte, len(MagicCIDX))
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, cerr.Wrap(cerr.CorruptIndex, "seek to magic", err)
	}
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != MagicCIDX {
		return nil, cerr.New(cerr.CorruptIndex, "bad magic header")
	}

	if _, err := r.Seek(-8, io.SeekEnd); err != nil {
		return nil, cerr.Wrap(cerr.CorruptIndex, "seek to footer length", err)
	}

	var footerLen int64
	if err := binary.Read(r, binary.BigEndian, &footerLen); err != nil {
		return nil, cerr.Wrap(cerr.CorruptIndex, "read footer length", err)
	}
	if footerLen <= 0 {
		return nil, cerr.New(cerr.CorruptIndex, "footer length out of range")
	}

	if _, err := r.Seek(-(8 + footerLen), io.SeekEnd); err != nil {
		return nil, cerr.Wrap(cerr.CorruptIndex, "footer length out of range", err)
	}

	footerBytes := make([]byte, footerLen)
	if _, err := io.ReadFull(r, footerBytes); err != nil {
		return nil, cerr.Wrap(cerr.CorruptIndex, "read footer", err)
	}

	var footer SparseIndex
	if err := json.Unmarshal(footerBytes, &footer); err != nil {
		return nil, cerr.Wrap(cerr.CorruptIndex, "decode footer", err)
	}

	return &BlockReader{r: r, Footer: footer}, nil
}

// NewBlockReaderMmap opens a zero-copy reader backed by a memory mapping of
// path. Call Cleanup when done.
func NewBlockReaderMmap(path string) (*BlockReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	data, err := MmapFile(f)
	if err != nil {
		return nil, err
	}

	if len(data) < len(MagicCIDX)+8 {
		_ = MunmapFile(data)
		return nil, cerr.New(cerr.CorruptIndex, fmt.Sprintf("index file too small: %d bytes", len(data)))
	}
	if string(data[:len(MagicCIDX)]) != MagicCIDX {
		_ = MunmapFile(data)
		return nil, cerr.New(cerr.CorruptIndex, "bad magic header")
	}

	footerLen := int64(binary.BigEndian.Uint64(data[len(data)-8:]))
	footerStart := int64(len(data)) - 8 - footerLen
	if footerLen <= 0 || footerStart < int64(len(MagicCIDX)) {
		_ = MunmapFile(data)
		return nil, cerr.New(cerr.CorruptIndex, fmt.Sprintf("footer length out of range: start=%d", footerStart))
	}

	var footer SparseIndex
	if err := json.Unmarshal(data[footerStart:int64(len(data))-8], &footer); err != nil {
		_ = MunmapFile(data)
		return nil, cerr.Wrap(cerr.CorruptIndex, "decode footer", err)
	}

	return &BlockReader{mmapData: data, Footer: footer}, nil
}

// Cleanup releases mmap resources. Safe to call on non-mmap readers.
func (br *BlockReader) Cleanup() {
	if br.mmapData != nil {
		_ = MunmapFile(br.mmapData)
		br.mmapData = nil
	}
}

// ReadBlock decompresses and batch-parses the records in meta.
func (br *BlockReader) ReadBlock(meta BlockMeta) ([]IndexRecord, error) {
	var compData []byte

	if meta.Offset < 0 || meta.Length < 0 {
		return nil, cerr.New(cerr.CorruptIndex, "negative block offset/length")
	}

	if br.mmapData != nil {
		end := meta.Offset + meta.Length
		if end > int64(len(br.mmapData)) {
			return nil, cerr.New(cerr.CorruptIndex, fmt.Sprintf("block extends past mmap boundary: %d > %d", end, len(br.mmapData)))
		}
		compData = br.mmapData[meta.Offset:end]
	} else {
		if _, err := br.r.Seek(meta.Offset, io.SeekStart); err != nil {
			return nil, cerr.Wrap(cerr.CorruptIndex, "seek to block", err)
		}

		needed := int(meta.Length)
		if cap(br.compBuf) < needed {
			br.compBuf = make([]byte, needed)
		}
		br.compBuf = br.compBuf[:needed]

		if _, err := io.ReadFull(br.r, br.compBuf); err != nil {
			return nil, cerr.Wrap(cerr.CorruptIndex, "read block past EOF", err)
		}
		compData = br.compBuf
	}

	lr := lz4.NewReader(bytes.NewReader(compData))

	if cap(br.decompBuf) < BlockByteTarget*2 {
		br.decompBuf = make([]byte, 0, BlockByteTarget*2)
	}
	br.decompBuf = br.decompBuf[:0]

	var tmpBuf [8192]byte
	for {
		n, err := lr.Read(tmpBuf[:])
		if n > 0 {
			br.decompBuf = append(br.decompBuf, tmpBuf[:n]...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, cerr.Wrap(cerr.CorruptIndex, "lz4 decompression failed", err)
		}
	}

	if len(br.decompBuf)%RecordSize != 0 {
		return nil, cerr.New(cerr.CorruptIndex, "decompressed block is not a whole number of records")
	}

	recs, err := ReadBatchRecords(bytes.NewReader(br.decompBuf), len(br.decompBuf)/RecordSize)
	if err != nil {
		return nil, cerr.Wrap(cerr.CorruptIndex, "decode records", err)
	}
	br.recBuf = recs
	return br.recBuf, nil
}
