package query

import (
	"bufio"
	"bytes"
	"context"

	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/csvquery/csvdex/internal/cerr"
	"github.com/csvquery/csvdex/internal/common"
	"github.com/csvquery/csvdex/internal/schema"
	"github.com/csvquery/csvdex/internal/updatemgr"
)

// QueryConfig holds query parameters
type QueryConfig struct {
	CsvPath      string     // Path to CSV file
	IndexDir     string     // Directory containing .cidx files
	Where        *Condition // Root of the filter tree
	Limit        int        // Max results (0 = no limit)
	Offset       int        // Skip first N results
	CountOnly    bool       // Only output count
	Explain      bool       // Output execution plan
	Strict       bool       // Fail with NoUsableIndex instead of falling back to a full scan
	Verbose      bool       // Output verbose logging
	DebugHeaders bool       // Debug raw headers detection

	// Ctx governs per-request cancellation/deadlines. A block-reading loop
	// checks it between blocks and aborts with a cerr.Canceled/Deadline
	// error. Defaults to context.Background() when nil.
	Ctx context.Context
}

// ctx returns the configured context, defaulting to Background.
func (q *QueryEngine) ctx() context.Context {
	if q.config.Ctx != nil {
		return q.config.Ctx
	}
	return context.Background()
}

// ctxErr maps a cancelled/expired context into a cerr.Error.
func ctxErr(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return cerr.Wrap(cerr.Deadline, "query exceeded deadline", ctx.Err())
	}
	return cerr.Wrap(cerr.Canceled, "query canceled", ctx.Err())
}

// QueryEngine executes queries against disk indexes
type QueryEngine struct {
	config          QueryConfig
	VirtualDefaults []string // Default values for virtual columns

	// Writer for output (defaults to stdout)
	Writer io.Writer

	// Updates
	Updates *updatemgr.UpdateManager

	// activeRange is set by findBestIndex when the chosen index plan is a
	// non-equality (range/IN/LIKE-prefix) scan rather than an exact-key
	// lookup; nil for composite-equality plans and full scans.
	activeRange *rangeScan
}

// NewQueryEngine creates a query engine
func NewQueryEngine(config QueryConfig) *QueryEngine {
	qe := &QueryEngine{
		config: config,
		Writer: os.Stdout,
	}

	// Load Updates
	if config.CsvPath != "" {
		if um, err := updatemgr.Load(config.CsvPath); err == nil {
			qe.Updates = um
		}
	}

	return qe
}

// applyUpdates applies overrides to the row
func (q *QueryEngine) applyUpdates(cols []string, overrides map[string]string, headers map[string]int) []string {
	// Create a copy to minimize side effects on internal buffers if needed,
	// but mostly we overwrite slots.
	// If cols are too short, we append? (Virtual columns)
	// runHelper fills virtual columns before this?
	// Yes, typically.

	for col, val := range overrides {
		if idx, ok := headers[col]; ok {
			if idx < len(cols) {
				cols[idx] = val
			} else {
				// If index is outside, maybe we need to extend?
				for len(cols) <= idx {
					cols = append(cols, "")
				}
				cols[idx] = val
			}
		}
	}
	return cols
}

// Run executes the query and outputs results
func (q *QueryEngine) Run() error {
	// 1. Validation & Setup
	if q.config.CsvPath == "" {
		return cerr.New(cerr.ProtocolError, "csv path required")
	}
	if _, err := os.Stat(q.config.CsvPath); err != nil {
		return cerr.Wrap(cerr.SourceMissing, q.config.CsvPath, err)
	}
	q.checkStaleness()
	totalStart := time.Now()

	// Allow count-only mode without WHERE (counts all rows)
	if q.config.Where == nil && !q.config.CountOnly {
		return cerr.New(cerr.ProtocolError, "no WHERE conditions specified")
	}

	// Fast path: COUNT(*) without filters - just count newlines in CSV
	if q.config.CountOnly && q.config.Where == nil {
		return q.runCountAll()
	}

	// If Updates exist, we need special handling.
	// For MVP/Robustness, let's use Full Scan if Updates exist for now.
	if q.Updates != nil && len(q.Updates.Overrides) > 0 {
		return q.runFullScan()
	}

	// 1. Planning Phase
	// Find the best index (single or composite)
	indexPath, searchKey, hasSearchKey, plan, err := q.findBestIndex()
	if err != nil {
		if q.config.Strict {
			return cerr.Wrap(cerr.NoUsableIndex, "no index covers this predicate", err)
		}
		// Fallback to Full Scan
		return q.runFullScan()
	}

	// OPTIMIZATION: If the index covers ALL conditions in Where, we can skip the post-filter.
	// This is critical for COUNT performance (avoids random access CSV reads).
	if q.config.Where != nil {
		if covered, ok := plan["covered_columns"].([]string); ok && len(covered) > 0 {
			// Check if all Where conditions are covered (case-insensitive)
			allCovered := true
			conds := q.config.Where.ExtractIndexConditions()

			for k := range conds {
				isCovered := false
				for _, c := range covered {
					// Use case-insensitive comparison because ExtractIndexConditions lowercases keys
					if strings.EqualFold(c, k) {
						isCovered = true
						break
					}
				}
				if !isCovered {
					if q.config.Verbose {
						fmt.Fprintf(os.Stderr, "DEBUG: Column '%s' NOT covered by index\n", k)
					}
					allCovered = false
					break
				}
			}

			// Only top-level equalities are matched above; any other condition
			// (range, IN, LIKE, OR, or a repeated column) still needs the post-filter.
			leaves := 1
			if q.config.Where.Operator == "AND" {
				leaves = len(q.config.Where.Children)
			}
			if len(conds) != leaves {
				allCovered = false
			}

			if allCovered {
				// Perfect match! Disable post-filter.
				// For Count(*) this means we never touch the CSV file (only index).
				if q.config.Verbose {
					fmt.Fprintln(os.Stderr, "DEBUG: All WHERE conditions covered by index. Disabling post-filter.")
				}
				q.config.Where = nil
			} else {
				if q.config.Verbose {
					fmt.Fprintln(os.Stderr, "DEBUG: Not all WHERE conditions covered.")
				}
			}
		} else {
			if q.config.Verbose {
				fmt.Fprintf(os.Stderr, "DEBUG: No covered_columns in plan. plan=%v\n", plan)
			}
		}
	}

	if q.config.Explain {
		enc := json.NewEncoder(q.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(plan)
	}

	// 2. Execution Phase (Index Lookup)
	execStart := time.Now()

	// Open index file
	indexFile, err := os.Open(indexPath)
	if err != nil {
		return fmt.Errorf("failed to open index: %w", err)
	}
	defer func() { _ = indexFile.Close() }()

	// Initialize BlockReader
	br, err := common.NewBlockReader(indexFile)
	if err != nil {
		return fmt.Errorf("failed to init block reader: %w", err)
	}

	// Try bloom filter first (only for an exact-equality search key; a
	// bloom filter answers set membership, not range/prefix membership).
	if hasSearchKey && q.activeRange == nil {
		bloomPath := indexPath + ".bloom"
		if _, err := os.Stat(bloomPath); err == nil {
			bloom, bloomCleanup, err := common.LoadBloomFilterMmap(bloomPath)
			if err == nil {
				if bloomCleanup != nil {
					defer bloomCleanup()
				}
				if !bloom.MightContain(searchKey) {
					// Key definitely not in index
					if q.config.CountOnly {
						_, _ = fmt.Fprintln(q.Writer, "0")
					}
					// Metrics even for 0 result
					q.printMetrics(totalStart, execStart, time.Now())
					return nil
				}
			}
		}
	}

	// Identify Candidate Blocks
	startBlockIdx := 0
	endBlockIdx := len(br.Footer.Blocks) - 1

	if hasSearchKey {
		// Binary search in Sparse Index to find the first block that COULD contain the key
		startBlockIdx = q.findStartBlock(br.Footer, searchKey)
		if startBlockIdx == -1 && q.activeRange != nil {
			// Every block starts above the range's lower bound: scan from the first.
			startBlockIdx = 0
		}
		if startBlockIdx == -1 {
			if q.config.CountOnly {
				_, _ = fmt.Fprintln(q.Writer, "0")
			}
			q.printMetrics(totalStart, execStart, time.Now())
			return nil
		}
		endBlockIdx = len(br.Footer.Blocks) - 1
	}

	// execTime := time.Since(execStart)
	// fetchStart := time.Now()

	// 3. Fetching Phase (Scanning Blocks & Output)
	if runErr := q.runStandardOutput(br, searchKey, hasSearchKey, startBlockIdx, endBlockIdx); runErr != nil {
		return runErr
	}

	// Output Metrics to Stderr
	// fmt.Fprintf(os.Stderr, "Time-Execution: %v\n", execTime)
	// fmt.Fprintf(os.Stderr, "Time-Fetching: %v\n", time.Since(fetchStart))
	// fmt.Fprintf(os.Stderr, "Time-Total: %v\n", time.Since(totalStart))

	return nil
}

func (q *QueryEngine) printMetrics(totalStart, execStart, fetchStart time.Time) {
	// No-op
}

// checkStaleness compares the index meta's captured size/mtime/fingerprint
// against the current source file and, on a mismatch, writes a SourceStale
// warning line to the output stream ahead of any results. Staleness is
// advisory in the query path: it never aborts the query. A missing meta
// file is not staleness — it means no index has been built yet.
func (q *QueryEngine) checkStaleness() {
	indexDir := q.config.IndexDir
	if indexDir == "" {
		indexDir = filepath.Dir(q.config.CsvPath)
	}
	csvName := strings.TrimSuffix(filepath.Base(q.config.CsvPath), filepath.Ext(q.config.CsvPath))
	metaPath := filepath.Join(indexDir, csvName+"_meta.json")

	data, err := os.ReadFile(metaPath)
	if err != nil {
		return
	}
	var meta common.IndexMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return
	}

	f, err := os.Open(q.config.CsvPath)
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()
	stat, err := f.Stat()
	if err != nil {
		return
	}

	stale := stat.Size() != meta.CsvSize || stat.ModTime().Unix() != meta.CsvMtime
	if !stale {
		if hash, err := common.SourceFingerprint(f, stat.Size()); err == nil {
			stale = hash != meta.CsvHash
		}
	}
	if !stale {
		return
	}

	msg := fmt.Sprintf("%s changed since index was captured at %s (size %d->%d, mtime %d->%d)",
		q.config.CsvPath, meta.CapturedAt.Format(time.RFC3339), meta.CsvSize, stat.Size(), meta.CsvMtime, stat.ModTime().Unix())
	_, _ = fmt.Fprintln(q.Writer, cerr.WarnLine(cerr.SourceStale, msg))
}

// runCountAll counts all data rows in the CSV file (excluding header)
// This is an optimized path for COUNT(*) without any filters.
// First tries to count from index metadata (instant), then falls back to CSV scan.
func (q *QueryEngine) runCountAll() error {
	// OPTIMIZATION: Try counting from index metadata first (O(blocks) instead of O(file))
	if count, ok := q.tryCountFromIndex(); ok {
		_, _ = fmt.Fprintln(q.Writer, count)
		return nil
	}

	// Fallback: Count newlines in CSV file
	return q.runCountAllViaCsv()
}

// tryCountFromIndex attempts to count records by summing RecordCount from index blocks.
// Returns (count, true) if successful, (0, false) if no usable index.
func (q *QueryEngine) tryCountFromIndex() (int64, bool) {
	if q.config.IndexDir == "" {
		return 0, false
	}

	// Find any .cidx file for this CSV
	csvBase := filepath.Base(q.config.CsvPath)
	csvBase = strings.TrimSuffix(csvBase, filepath.Ext(csvBase))
	pattern := filepath.Join(q.config.IndexDir, csvBase+"_*.cidx")
	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) == 0 {
		return 0, false
	}

	// Open first available index
	f, err := os.Open(matches[0])
	if err != nil {
		return 0, false
	}
	defer func() { _ = f.Close() }()

	br, err := common.NewBlockReader(f)
	if err != nil {
		return 0, false
	}

	// Sum RecordCount from all blocks
	var total int64
	for _, block := range br.Footer.Blocks {
		if block.RecordCount == 0 {
			// Old index format without RecordCount - fall back to CSV scan
			return 0, false
		}
		total += block.RecordCount
	}

	if q.config.Verbose {
		fmt.Fprintf(os.Stderr, "DEBUG: COUNT via index %s: %d records from %d blocks\n",
			filepath.Base(matches[0]), total, len(br.Footer.Blocks))
	}

	return total, true
}

// runCountAllViaCsv counts newlines in CSV file using parallel workers.
func (q *QueryEngine) runCountAllViaCsv() error {
	f, err := os.Open(q.config.CsvPath)
	if err != nil {
		return fmt.Errorf("failed to open CSV: %w", err)
	}
	defer func() { _ = f.Close() }()

	// Memory-map the file
	data, err := common.MmapFile(f)
	if err != nil {
		return fmt.Errorf("failed to mmap CSV: %w", err)
	}
	defer func() { _ = common.MunmapFile(data) }()

	if len(data) == 0 {
		_, _ = fmt.Fprintln(q.Writer, 0)
		return nil
	}

	// Calculate workers (default to NumCPU, max 16 for very simple task)
	workers := runtime.NumCPU()
	if workers > 16 {
		workers = 16
	}
	chunkSize := len(data) / workers
	if chunkSize < 1024*1024 { // Minimum 1MB per chunk
		workers = 1
		chunkSize = len(data)
	}

	var totalCount int64
	var wg sync.WaitGroup
	var mu sync.Mutex

	for i := 0; i < workers; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if i == workers-1 {
			end = len(data)
		}

		wg.Add(1)
		go func(chunk []byte) {
			defer wg.Done()
			// bytes.Count is highly optimized (SIMD/Assembly)
			c := int64(bytes.Count(chunk, []byte{'\n'}))
			mu.Lock()
			totalCount += c
			mu.Unlock()
		}(data[start:end])
	}

	wg.Wait()

	// Handle last line if no newline at EOF
	if len(data) > 0 && data[len(data)-1] != '\n' {
		totalCount++
	}

	// Subtract 1 for header row (assuming header exists if file not empty)
	// Logic matches previous implementation: count-- if count > 0
	if totalCount > 0 {
		totalCount--
	}

	_, _ = fmt.Fprintln(q.Writer, totalCount)
	return nil
}

// findStartBlock finds the FIRST block that might contain the key.
func (q *QueryEngine) findStartBlock(sparse common.SparseIndex, key string) int {
	left, right := 0, len(sparse.Blocks)-1
	result := -1

	// Binary search for the LAST block where StartKey <= key
	for left <= right {
		mid := (left + right) / 2
		if sparse.Blocks[mid].StartKey <= key {
			result = mid
			left = mid + 1 // Continue searching right for rightmost match
		} else {
			right = mid - 1
		}
	}

	if result == -1 {
		return -1 // Key is smaller than all blocks
	}

	// Backtrack to first block with this StartKey
	targetKey := sparse.Blocks[result].StartKey
	if targetKey == key {
		for result > 0 && sparse.Blocks[result-1].StartKey == key {
			result--
		}
		// The block before can end with copies of key that continue into
		// this one, so the scan starts there.
		if result > 0 {
			result--
		}
	}

	return result
}

// compareRecordKey compares a fixed [64]byte index key (null-padded) against a search key.
// Zero allocations: no string conversion, no TrimRight copy.
func compareRecordKey(key *[64]byte, searchKey []byte) int {
	// Find effective length by scanning backwards past null bytes
	keyLen := 64
	for keyLen > 0 && key[keyLen-1] == 0 {
		keyLen--
	}
	return bytes.Compare(key[:keyLen], searchKey)
}

// trimKey decodes a fixed [64]byte index key into its null-trimmed string form.
func trimKey(key *[64]byte) string {
	return string(bytes.TrimRight(key[:], "\x00"))
}

// rangeScan drives a single-column index scan for a non-equality hint
// (ordered bound, IN set, or LIKE literal prefix): a seek lower bound used
// to find the first candidate block, and the predicate used to decide
// whether a given record's key actually qualifies and whether the scan can
// stop early.
type rangeScan struct {
	hint     IndexHint
	lowerKey string // seek bound for findStartBlock; "" = start from block 0
	upperKey string // IN only: the largest value, used to bound the block scan
}

// buildRangeScan derives a scan plan from a non-equality IndexHint, or nil
// if the hint can't drive an index (e.g. an empty IN set, or a numeric
// ordered bound, which the filter compares numerically while index keys
// are ordered byte-wise).
func buildRangeScan(hint IndexHint) *rangeScan {
	switch hint.Op {
	case OpGt, OpGte, OpLt, OpLte:
		if _, err := strconv.ParseFloat(hint.Value, 64); err == nil {
			return nil
		}
		if hint.Op == OpGt || hint.Op == OpGte {
			return &rangeScan{hint: hint, lowerKey: hint.Value}
		}
		return &rangeScan{hint: hint}
	case OpLike:
		return &rangeScan{hint: hint, lowerKey: hint.Value}
	case OpIn:
		if len(hint.Values) == 0 {
			return nil
		}
		sorted := append([]string(nil), hint.Values...)
		sort.Strings(sorted)
		return &rangeScan{hint: hint, lowerKey: sorted[0], upperKey: sorted[len(sorted)-1]}
	default:
		return nil
	}
}

// matches reports whether key satisfies the range predicate.
func (rs *rangeScan) matches(key string) bool {
	switch rs.hint.Op {
	case OpGt:
		return key > rs.hint.Value
	case OpGte:
		return key >= rs.hint.Value
	case OpLt:
		return key < rs.hint.Value
	case OpLte:
		return key <= rs.hint.Value
	case OpLike:
		return strings.HasPrefix(key, rs.hint.Value)
	case OpIn:
		for _, v := range rs.hint.Values {
			if key == v {
				return true
			}
		}
		return false
	}
	return false
}

// exhausted reports whether, given ascending-sorted keys, no key at or past
// this point can still match, so block/record scanning can stop.
func (rs *rangeScan) exhausted(key string) bool {
	switch rs.hint.Op {
	case OpLt:
		return key >= rs.hint.Value
	case OpLte:
		return key > rs.hint.Value
	case OpLike:
		return key > rs.hint.Value && !strings.HasPrefix(key, rs.hint.Value)
	case OpIn:
		return rs.upperKey != "" && key > rs.upperKey
	}
	return false // Gt/Gte are open-ended above.
}

// runStandardOutput outputs matching records via stdout
func (q *QueryEngine) runStandardOutput(br *common.BlockReader, searchKey string, hasSearchKey bool, startBlockIdx, endBlockIdx int) error {
	// Read Headers & Setup Context for filtering
	headers, virtualDefaults, err := q.getHeaderMap()
	if err != nil {
		return fmt.Errorf("failed to read headers: %v", err)
	}
	q.VirtualDefaults = virtualDefaults

	var csvF *os.File
	var csvData []byte

	// Helper to load CSV only when needed
	ensureCsvLoaded := func() error {
		if csvData != nil {
			return nil
		}
		var err error
		csvF, err = os.Open(q.config.CsvPath)
		if err != nil {
			return err
		}
		csvData, err = common.MmapFile(csvF)
		return err
	}
	defer func() {
		if csvData != nil {
			_ = common.MunmapFile(csvData)
		}
		if csvF != nil {
			_ = csvF.Close()
		}
	}()

	// Determine MaxCol for extraction
	maxCol := -1
	if q.config.Where != nil {
		for _, idx := range headers {
			if idx > maxCol {
				maxCol = idx
			}
		}
	}

	count := int64(0)
	skipped := 0
	limitReached := false

	writer := bufio.NewWriter(q.Writer)
	defer func() { _ = writer.Flush() }()

	searchKeyBytes := []byte(searchKey)
	colsBuf := make([]string, 0, maxCol+1)
	if q.config.Where != nil {
		q.config.Where.ResolveColumns(headers)
	}

	ctx := q.ctx()
	for i := startBlockIdx; i <= endBlockIdx; i++ {
		if limitReached {
			break
		}
		if err := ctx.Err(); err != nil {
			return ctxErr(ctx)
		}

		blockMeta := br.Footer.Blocks[i]

		if q.activeRange != nil {
			if q.activeRange.exhausted(blockMeta.StartKey) {
				break
			}
		} else if hasSearchKey && blockMeta.StartKey > searchKey {
			break
		}

		// Zero-I/O count: a fully-covered equality match on a block whose
		// every record shares the one key needs no decompression or CSV
		// read at all — the footer's RecordCount already is the answer.
		if hasSearchKey && q.activeRange == nil && q.config.CountOnly && q.config.Where == nil &&
			q.config.Offset == 0 && blockMeta.IsDistinct && blockMeta.StartKey == searchKey {
			count += blockMeta.RecordCount
			if q.config.Limit > 0 && count >= int64(q.config.Limit) {
				count = int64(q.config.Limit)
				limitReached = true
			}
			continue
		}

		records, err := br.ReadBlock(blockMeta)
		if err != nil {
			return err
		}

		for index := range records {
			// use pointer to avoid copying 80 bytes
			rec := &records[index]
			if q.activeRange != nil {
				key := trimKey(&rec.Key)
				if q.activeRange.exhausted(key) {
					limitReached = true
					break
				}
				if !q.activeRange.matches(key) {
					continue
				}
			} else if hasSearchKey {
				cmp := compareRecordKey(&rec.Key, searchKeyBytes)
				if cmp < 0 {
					continue
				}
				if cmp > 0 {
					limitReached = true
					break
				}
			}

			// Read CSV Line
			if q.config.Where != nil || !q.config.CountOnly {
				if err := ensureCsvLoaded(); err != nil {
					return err
				}
				if len(csvData) == 0 {
					return fmt.Errorf("CRITICAL: csvData is empty! Path: %s", q.config.CsvPath)
				}

				rowEnd := bytes.IndexByte(csvData[rec.Offset:], '\n')
				var recLength int64
				if rowEnd == -1 {
					rowEnd = len(csvData) - int(rec.Offset)
					recLength = int64(rowEnd)
				} else {
					recLength = int64(rowEnd + 1)
				}
				row := csvData[rec.Offset : int(rec.Offset)+rowEnd]
				row = bytes.TrimSuffix(row, []byte{'\r'})

				// Post-Filter (Where)
				if q.config.Where != nil {
					// Extract cols for filtering
					cols := extractCols(row, ',', maxCol, colsBuf)

					// Inject Virtual Columns
					if len(q.VirtualDefaults) > 0 {
						cols = append(cols, q.VirtualDefaults...)
					}

					if !q.config.Where.EvaluateFast(cols) {
						continue
					}
					// Update reuse buffer
					colsBuf = cols
				}
			}

			if skipped < q.config.Offset {
				skipped++
				continue
			}

			count++
			if !q.config.CountOnly {
				_, _ = fmt.Fprintf(writer, "%d,%d\n", rec.Offset, recLength)
			}

			if q.config.Limit > 0 && count >= int64(q.config.Limit) {
				limitReached = true
				break
			}
		}
	}

	if q.config.CountOnly {
		_, _ = fmt.Fprintln(writer, count)
	}
	return nil
}

// extractCols extraction columns from a byte slice line without excessive allocation
func extractCols(line []byte, sep byte, maxCol int, buf []string) []string {
	cols := buf[:0]
	start := 0
	inQuote := false
	for i := 0; i < len(line); i++ {
		if line[i] == '"' {
			inQuote = !inQuote
		}
		if line[i] == sep && !inQuote {
			val := string(line[start:i])
			// Trim quotes if present
			if len(val) >= 2 && val[0] == '"' && val[len(val)-1] == '"' {
				val = val[1 : len(val)-1]
			}
			cols = append(cols, val)
			start = i + 1
			if len(cols) > maxCol {
				return cols
			}
		}
	}
	val := string(line[start:])
	if len(val) >= 2 && val[0] == '"' && val[len(val)-1] == '"' {
		val = val[1 : len(val)-1]
	}
	cols = append(cols, val)
	return cols
}

// getHeaderMap returns map of column name -> index (including virtual columns)
func (q *QueryEngine) getHeaderMap() (map[string]int, []string, error) {
	f, err := os.Open(q.config.CsvPath)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = f.Close() }()

	br := bufio.NewReader(f)
	// Check for BOM (Byte Order Mark)
	r, _, err := br.ReadRune()
	if err != nil {
		return nil, nil, err
	}
	if r != '\uFEFF' {
		_ = br.UnreadRune()
	}

	csvReader := csv.NewReader(br)
	header, err := csvReader.Read()
	if err != nil {
		return nil, nil, err
	}

	m := make(map[string]int)
	if q.config.DebugHeaders {
		fmt.Printf("DEBUG: Raw Headers found: %d\n", len(header))
	}
	for i, h := range header {
		// Sanitize: Trim space
		clean := strings.TrimSpace(h)

		// Debug print strict
		if q.config.DebugHeaders {
			fmt.Printf("  [%d] %q -> %q\n", i, h, clean)
		}

		// Normalize to lowercase for case-insensitive lookup
		m[strings.ToLower(clean)] = i
	}

	// Load Schema for Virtual Columns
	s, err := schema.Load(q.config.CsvPath)
	if err == nil {
		// Sort keys for deterministic order
		var keys []string
		for k := range s.VirtualColumns {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var virtualDefaults []string
		startIdx := len(header)
		for _, k := range keys {
			if _, exists := m[k]; !exists {
				m[k] = startIdx
				startIdx++
				virtualDefaults = append(virtualDefaults, s.VirtualColumns[k])
			}
		}
		return m, virtualDefaults, nil
	}

	return m, nil, nil
}

// findBestIndex finds the best index for the query conditions
func (q *QueryEngine) findBestIndex() (string, string, bool, map[string]interface{}, error) {
	q.activeRange = nil
	plan := make(map[string]interface{})
	plan["query"] = q.config.Where

	csvName := strings.TrimSuffix(filepath.Base(q.config.CsvPath), filepath.Ext(q.config.CsvPath))

	// 1. Try to find the best composite index
	if q.config.Where != nil {
		conds := make(map[string]string)
		for _, hint := range q.config.Where.ExtractIndexHints() {
			if hint.Op == OpEq {
				conds[hint.Column] = hint.Value
			}
		}
		if len(conds) > 0 {
			// Get all columns and sort them alphabetically. The indexer names and
			// keys a composite index in the column order it was given, so only
			// composites defined in alphabetical column order are found here.
			var cols []string
			for col := range conds {
				cols = append(cols, col)
			}
			sort.Strings(cols)

			// Try the longest possible composite index first, then shorter ones
			for i := len(cols); i >= 1; i-- {
				// For now, we only support exact matches on the leading columns of the query
				// Let's try the full combination
				currentCols := cols[:i]
				indexName := strings.Join(currentCols, "_")

				// Build search key matched to the indexer's 0x1F-joined composite
				// key format, NUL-trimmed the same way block startKeys are.
				values := make([][]byte, len(currentCols))
				for k, col := range currentCols {
					values[k] = []byte(conds[col])
				}
				compKey := common.CompositeKey(values)
				searchKey := string(bytes.TrimRight(compKey[:], "\x00"))

				// Try lowercase index path first (new convention after normalization fix)
				indexPath := filepath.Join(q.config.IndexDir, csvName+"_"+indexName+".cidx")
				if _, err := os.Stat(indexPath); err != nil {
					// Try uppercase (legacy index files created before normalization)
					upperIndexName := strings.ToUpper(indexName)
					altPath := filepath.Join(q.config.IndexDir, csvName+"_"+upperIndexName+".cidx")
					if _, err := os.Stat(altPath); err == nil {
						indexPath = altPath
					}
				}

				if _, err := os.Stat(indexPath); err == nil {
					plan["strategy"] = "Index Scan (Composite)"
					plan["index"] = indexName
					plan["covered_columns"] = currentCols
					return indexPath, searchKey, true, plan, nil
				}
			}
		}
	}

	// 2. Fallback: single-column range / IN / LIKE-prefix index scan.
	if q.config.Where != nil {
		for _, hint := range q.config.Where.ExtractIndexHints() {
			if hint.Op == OpEq {
				continue // exact equality is handled by the composite path above
			}
			rs := buildRangeScan(hint)
			if rs == nil {
				continue
			}

			indexPath := filepath.Join(q.config.IndexDir, csvName+"_"+hint.Column+".cidx")
			if _, err := os.Stat(indexPath); err != nil {
				altPath := filepath.Join(q.config.IndexDir, csvName+"_"+strings.ToUpper(hint.Column)+".cidx")
				if _, err := os.Stat(altPath); err != nil {
					continue
				}
				indexPath = altPath
			}

			q.activeRange = rs
			plan["strategy"] = "Index Range Scan"
			plan["index"] = hint.Column
			plan["op"] = string(hint.Op)
			return indexPath, rs.lowerKey, rs.lowerKey != "", plan, nil
		}
	}

	return "", "", false, nil, fmt.Errorf("no suitable index found")
}

// runFullScan scans the entire CSV file to find matching rows
func (q *QueryEngine) runFullScan() error {
	f, err := os.Open(q.config.CsvPath)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	// Map headers
	headers, virtualDefaults, err := q.getHeaderMap()
	if err != nil {
		return err
	}
	q.VirtualDefaults = virtualDefaults

	// Header Map for Indexing
	headerMap := make(map[string]int)
	for k, v := range headers {
		headerMap[k] = v
	}

	// Buffered Reader (Need ReadBytes for offset tracking)
	reader := bufio.NewReader(f)

	// Byte offset of the current row (overrides are keyed by it)
	currentOffset := int64(0)

	// Read Header Line to skip
	headerLine, err := reader.ReadBytes('\n')
	if err != nil {
		return err
	}
	currentOffset += int64(len(headerLine))

	// Output Writer
	writer := bufio.NewWriter(q.Writer)
	defer func() { _ = writer.Flush() }()

	// Metrics
	execStart := time.Now()
	count := int64(0)
	skipped := 0

	colsBuf := make([]string, 0, len(headers))
	if q.config.Where != nil {
		q.config.Where.ResolveColumns(headers)
	}

	// Max column index
	maxCol := 0
	for _, v := range headers {
		if v > maxCol {
			maxCol = v
		}
	}

	ctx := q.ctx()
	for {
		if err := ctx.Err(); err != nil {
			return ctxErr(ctx)
		}

		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				if len(line) == 0 {
					break
				}
			} else {
				return err
			}
		}

		rowOffset := currentOffset
		currentOffset += int64(len(line))

		// Trim whitespace/newlines
		trimmed := bytes.TrimSpace(line)

		cols := extractCols(trimmed, ',', maxCol, colsBuf)

		if len(q.VirtualDefaults) > 0 {
			cols = append(cols, q.VirtualDefaults...)
		}

		if q.Updates != nil {
			if override := q.Updates.GetRow(rowOffset); override != nil {
				cols = q.applyUpdates(cols, override, headerMap)
			}
		}

		if q.config.Where != nil {
			if !q.config.Where.EvaluateFast(cols) {
				continue
			}
		}

		if skipped < q.config.Offset {
			skipped++
			continue
		}

		count++
		if !q.config.CountOnly {
			_, _ = fmt.Fprintf(writer, "%d,%d\n", rowOffset, int64(len(line)))
		}

		if q.config.Limit > 0 && count >= int64(q.config.Limit) {
			break
		}

		colsBuf = cols
	}

	if q.config.CountOnly {
		_, _ = fmt.Fprintln(writer, count)
	}

	if q.config.Verbose {
		fmt.Fprintf(os.Stderr, "DEBUG: Full Scan Time: %v\n", time.Since(execStart))
	}

	return nil
}
