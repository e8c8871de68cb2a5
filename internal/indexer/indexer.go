package indexer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/csvquery/csvdex/internal/cerr"
	"github.com/csvquery/csvdex/internal/common"
	"github.com/dustin/go-humanize"
)

// IndexerConfig holds configuration for the indexer
type IndexerConfig struct {
	InputFile   string  // Path to CSV file
	OutputDir   string  // Output directory for indexes
	Columns     string  // JSON array of column definitions
	Separator   string  // CSV separator
	Workers     int     // Number of parallel workers
	MemoryMB    int     // Sort memory budget in MB, split evenly across the indexes being built
	BloomFPRate float64 // Bloom filter false positive rate
	Force       bool    // Rebuild even if existing meta's fingerprint no longer matches the source
	Verbose     bool    // Enable verbose output
}

// Indexer builds multiple indexes from a CSV file
type Indexer struct {
	config      IndexerConfig
	colDefs     [][]string // Parsed column definitions
	scanner     *Scanner
	tempDir     string
	meta        common.IndexMeta
	metaMutex   sync.Mutex
	sorters     []*Sorter
	sorterMutex sync.RWMutex
	stopReport  chan struct{}
}

// NewIndexer creates a new indexer
func NewIndexer(config IndexerConfig) *Indexer {
	return &Indexer{
		config: config,
		meta: common.IndexMeta{
			Indexes: make(map[string]common.IndexStats),
		},
		stopReport: make(chan struct{}),
	}
}

// Run executes the full indexing process
func (idx *Indexer) Run() error {
	// startTime := time.Now()

	// Print header
	fmt.Println("╔══════════════════════════════════════════════════════════════════════════╗")
	fmt.Println("║     CSVQUERY INDEXER (PIPELINED)                                         ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nInput:    %s\n", idx.config.InputFile)
	fmt.Printf("Output:   %s\n", idx.config.OutputDir)

	existingMeta, hadMeta := idx.loadExistingMeta()

	// Parse column definitions, falling back to the columns already listed
	// in meta when --columns is empty: "index" with no columns specified
	// means "refresh everything already indexed".
	if err := idx.parseColumns(existingMeta); err != nil {
		return err
	}

	if hadMeta && !idx.config.Force {
		if stale, reason := idx.checkStaleness(existingMeta); stale {
			return cerr.New(cerr.SourceStale, reason+"; rerun with --force to rebuild anyway")
		}
	}
	fmt.Printf("Indexes:  %d\n", len(idx.colDefs))
	fmt.Printf("Workers:  %d\n", idx.config.Workers)
	fmt.Printf("Memory:   %dMB total\n\n", idx.config.MemoryMB)

	// Create output directory
	if err := os.MkdirAll(idx.config.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	// Create temp directory for Sorter spills
	idx.tempDir = filepath.Join(idx.config.OutputDir, ".csvquery_temp")
	if err := os.MkdirAll(idx.tempDir, 0755); err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}

	// NOTE: Run calls idx.Cleanup() once the sorters finish; an early error
	// return leaves the temp directory in place.

	// Open scanner
	var err error
	idx.scanner, err = NewScanner(idx.config.InputFile, idx.config.Separator)
	if err != nil {
		return err
	}
	// Propagate worker count to scanner
	if idx.config.Workers > 0 {
		idx.scanner.SetWorkers(idx.config.Workers)
	}
	defer idx.scanner.Close()

	// Validate columns
	for _, cols := range idx.colDefs {
		if err := idx.scanner.ValidateColumns(cols); err != nil {
			return err
		}
	}

	// Initialize Channels and Sorters
	numIndexes := len(idx.colDefs)
	// Change to buffered channel of SLICES (Batching)
	channels := make([]chan []common.IndexRecord, numIndexes)
	errors := make(chan error, numIndexes)
	results := make(chan string, numIndexes)

	var wg sync.WaitGroup

	// Start reporting
	idx.startReporting()
	defer idx.stopReporting()

	fmt.Println("Phase 1: Starting Pipelined Indexing...")

	// Launch Sorter Consumers (One per index)
	for i, cols := range idx.colDefs {
		// Buffer depth for batches
		channels[i] = make(chan []common.IndexRecord, 100)
		wg.Add(1)

		go func(indexIdx int, columns []string, ch <-chan []common.IndexRecord) {
			defer wg.Done()
			// Normalize index name to lowercase to match QueryEngine expectations
			colName := strings.ToLower(strings.Join(columns, "_"))

			err := idx.runSorterNode(colName, ch)
			if err != nil {
				errors <- fmt.Errorf("%s: %v", colName, err)
			} else {
				results <- colName
			}
		}(i, cols, channels[i])
	}

	// Build column indices for scanner
	colIndices := make([][]int, len(idx.colDefs))
	for i, cols := range idx.colDefs {
		colIndices[i] = make([]int, len(cols))
		for j, col := range cols {
			colIndices[i][j], _ = idx.scanner.GetColumnIndex(col)
		}
	}

	// Prepare per-worker buffers
	// workerBuffers[workerID][indexID] -> []IndexRecord
	numWorkers := idx.config.Workers
	if numWorkers == 0 {
		numWorkers = runtime.NumCPU()
	}
	workerBuffers := make([][][]common.IndexRecord, numWorkers)
	const batchSize = 1000 // Send batches of 1000 records

	for w := 0; w < numWorkers; w++ {
		workerBuffers[w] = make([][]common.IndexRecord, numIndexes)
		for i := 0; i < numIndexes; i++ {
			workerBuffers[w][i] = make([]common.IndexRecord, 0, batchSize)
		}
	}

	// Start Scanning
	lastProgress := time.Now()

	err = idx.scanner.Scan(colIndices, func(workerID int, keys [][]byte, offset, line int64) {
		// keys corresponds to idx.colDefs index
		// Use workerID to access thread-local buffer
		if workerID >= len(workerBuffers) {
			// Should not happen if Scanner respects worker count
			return
		}

		buffers := workerBuffers[workerID]

		for i, key := range keys {
			// Optimization: Append to buffer
			var keyBytes [64]byte
			copy(keyBytes[:], key)

			rec := common.IndexRecord{
				Key:    keyBytes,
				Offset: offset,
				Line:   line,
			}

			buffers[i] = append(buffers[i], rec)

			// Flush if full
			if len(buffers[i]) >= batchSize {
				// We must copy the slice or allocate a new one because the channel sends ownership?
				// Actually, we pass the slice. We should assume ownership transfer.
				// So we need to allocate a new buffer for the next batch.
				// Or copy to a new slice and send that.

				// Send a copy to avoid race conditions if we reuse the backing array immediately?
				// If we reuse `buffers[i][:0]`, the backing array is shared.
				// If consumer reads it while producer appends, race.
				// So we must detach the buffer.

				batchToSend := buffers[i]
				channels[i] <- batchToSend

				// allocate new buffer
				buffers[i] = make([]common.IndexRecord, 0, batchSize)
			}
		}

		if idx.config.Verbose && time.Since(lastProgress) > 5*time.Second {
			// fmt.Println(idx.scanner.ScanProgress())
			lastProgress = time.Now()
		}
	})

	// Flush remaining buffers
	for w := 0; w < numWorkers; w++ {
		for i := 0; i < numIndexes; i++ {
			if len(workerBuffers[w][i]) > 0 {
				channels[i] <- workerBuffers[w][i]
			}
		}
	}

	// Close all channels to signal Sorters to finish
	for _, ch := range channels {
		close(ch)
	}

	if err != nil {
		return fmt.Errorf("scanning failed: %w", err)
	}

	// Wait for all sorters to finish
	wg.Wait()
	close(results)
	close(errors)

	// Collect results
	hasError := false
	for {
		select {
		case name, ok := <-results:
			if !ok {
				results = nil
			} else {
				fmt.Printf("  ✅ %s\n", name)
			}
		case err, ok := <-errors:
			if !ok {
				errors = nil
			} else {
				fmt.Printf("  ❌ %v\n", err)
				hasError = true
			}
		}
		if results == nil && errors == nil {
			break
		}
	}

	// Stats
	rows, scannedBytes, elapsed := idx.scanner.GetStats()
	idx.meta.TotalRows = rows
	fmt.Printf("\nStatistics:\n")
	fmt.Printf("  Rows: %s\n", humanize.Comma(rows))
	fmt.Printf("  Size: %s\n", humanize.Bytes(uint64(scannedBytes)))
	fmt.Printf("  Time: %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  Rate: %s rows/sec\n", humanize.Comma(int64(float64(rows)/elapsed.Seconds())))

	// Capture a staleness fingerprint for the source file.
	if csvMeta, err := idx.calculateFingerprint(); err == nil {
		idx.meta.CsvSize = csvMeta.size
		idx.meta.CsvMtime = csvMeta.mtime
		idx.meta.CsvHash = csvMeta.hash
	}

	// Cleanup temp files
	idx.Cleanup()

	// Save metadata
	if err := idx.saveMeta(); err != nil {
		fmt.Printf("⚠️ Failed to save metadata: %v\n", err)
	}

	if hasError {
		return fmt.Errorf("some indexes failed to build")
	}

	return nil
}

// runSorterNode consumes data from channel and feeds the Sorter
func (idx *Indexer) runSorterNode(name string, ch <-chan []common.IndexRecord) error {
	csvName := strings.TrimSuffix(filepath.Base(idx.config.InputFile), filepath.Ext(idx.config.InputFile))
	indexPath := filepath.Join(idx.config.OutputDir, csvName+"_"+name+".cidx")
	bloomPath := indexPath + ".bloom"

	// Temp dir strictly for this sorter (for external spills)
	tempSortDir := filepath.Join(idx.tempDir, fmt.Sprintf("sort_%s", name))
	if err := os.MkdirAll(tempSortDir, 0755); err != nil {
		return fmt.Errorf("failed to create temp sort dir: %w", err)
	}

	// Memory limit per indexer (shared budget)
	totalMemBytes := idx.config.MemoryMB * 1024 * 1024
	numIndexes := len(idx.colDefs)
	memoryPerIndex := totalMemBytes / numIndexes
	if memoryPerIndex < 10*1024*1024 {
		memoryPerIndex = 10 * 1024 * 1024 // Minimum 10MB per index
	}

	// Initialize Bloom Filter
	var bloom *common.BloomFilter
	if idx.config.BloomFPRate > 0 {
		// Use a safe initial estimate.
		// Since we don't know the exact count yet (it's streaming), we estimate.
		// 10M is a safe fallback default. If it's too small, FP rate increases.
		bloom = common.NewBloomFilter(10_000_000, idx.config.BloomFPRate)
	}

	sorter := NewSorter(name, indexPath, tempSortDir, memoryPerIndex, bloom)

	idx.sorterMutex.Lock()
	idx.sorters = append(idx.sorters, sorter)
	idx.sorterMutex.Unlock()

	defer func() {
		sorter.Cleanup()
		// idx.cleanup() handles the root temp dir.
	}()

	// Consume channel (Batches)
	for batch := range ch {
		for _, rec := range batch {
			if err := sorter.Add(rec); err != nil {
				return err
			}
		}
	}

	// Finalize sorting
	distinctCount, err := sorter.Finalize()
	if err != nil {
		return err
	}

	// Get file size
	stat, _ := os.Stat(indexPath)
	fileSize := stat.Size()

	// Update metadata
	idx.metaMutex.Lock()
	idx.meta.Indexes[name] = common.IndexStats{
		DistinctCount: distinctCount,
		FileSize:      fileSize,
	}
	idx.metaMutex.Unlock()

	// Serialize Bloom Filter
	if bloom != nil {
		if err := os.WriteFile(bloomPath, bloom.Serialize(), 0644); err != nil {
			fmt.Printf("  ⚠️  Bloom filter failed for %s: %v\n", name, err)
		}
	}

	return nil
}

// parseColumns parses the JSON column definitions. An empty array (the
// default) falls back to the column set already recorded in existingMeta,
// so "index --input x.csv" with no --columns refreshes everything x_meta.json
// already lists instead of erroring.
func (idx *Indexer) parseColumns(existingMeta *common.IndexMeta) error {
	// Parse JSON
	var raw interface{}
	if err := json.Unmarshal([]byte(idx.config.Columns), &raw); err != nil {
		return fmt.Errorf("failed to parse columns JSON: %w", err)
	}

	// Handle different formats
	switch v := raw.(type) {
	case []interface{}:
		for _, item := range v {
			switch col := item.(type) {
			case string:
				// Single column: "COL1"
				idx.colDefs = append(idx.colDefs, []string{col})
			case []interface{}:
				// Composite or array: ["COL1"] or ["COL1", "COL2"]
				var cols []string
				for _, c := range col {
					if s, ok := c.(string); ok {
						cols = append(cols, s)
					}
				}
				if len(cols) > 0 {
					idx.colDefs = append(idx.colDefs, cols)
				}
			}
		}
	default:
		return fmt.Errorf("columns must be a JSON array")
	}

	if len(idx.colDefs) == 0 && existingMeta != nil {
		for name := range existingMeta.Indexes {
			idx.colDefs = append(idx.colDefs, strings.Split(name, "_"))
		}
		sort.Slice(idx.colDefs, func(i, j int) bool {
			return strings.Join(idx.colDefs[i], "_") < strings.Join(idx.colDefs[j], "_")
		})
	}

	if len(idx.colDefs) == 0 {
		return fmt.Errorf("no valid column definitions found: pass --columns, or point --output at an existing meta file to refresh")
	}

	return nil
}

// loadExistingMeta reads the source's current meta file, if one exists.
// A missing file is not an error: it just means no prior index to refresh
// or compare staleness against.
func (idx *Indexer) loadExistingMeta() (*common.IndexMeta, bool) {
	csvName := strings.TrimSuffix(filepath.Base(idx.config.InputFile), filepath.Ext(idx.config.InputFile))
	metaPath := filepath.Join(idx.config.OutputDir, csvName+"_meta.json")

	data, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, false
	}
	var meta common.IndexMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, false
	}
	return &meta, true
}

// checkStaleness compares existing's captured size/mtime/fingerprint against
// the current source file. Staleness is fatal in the index path (unlike the
// advisory query path) since rebuilding from a source that has moved under
// an existing meta would otherwise silently mix old and new index data.
func (idx *Indexer) checkStaleness(existing *common.IndexMeta) (bool, string) {
	f, err := os.Open(idx.config.InputFile)
	if err != nil {
		return false, ""
	}
	defer func() { _ = f.Close() }()
	stat, err := f.Stat()
	if err != nil {
		return false, ""
	}

	stale := stat.Size() != existing.CsvSize || stat.ModTime().Unix() != existing.CsvMtime
	if !stale {
		if hash, err := common.SourceFingerprint(f, stat.Size()); err == nil {
			stale = hash != existing.CsvHash
		}
	}
	if !stale {
		return false, ""
	}

	return true, fmt.Sprintf("%s changed since index was captured at %s (size %d->%d, mtime %d->%d)",
		idx.config.InputFile, existing.CapturedAt.Format(time.RFC3339), existing.CsvSize, stat.Size(), existing.CsvMtime, stat.ModTime().Unix())
}

// saveMeta writes metadata to JSON file
func (idx *Indexer) saveMeta() error {
	idx.meta.CapturedAt = time.Now()

	data, err := json.MarshalIndent(idx.meta, "", "  ")
	if err != nil {
		return err
	}

	csvName := strings.TrimSuffix(filepath.Base(idx.config.InputFile), filepath.Ext(idx.config.InputFile))
	metaPath := filepath.Join(idx.config.OutputDir, csvName+"_meta.json")
	return os.WriteFile(metaPath, data, 0644)
}

type csvDNA struct {
	size  int64
	mtime int64
	hash  string
}

func (idx *Indexer) calculateFingerprint() (csvDNA, error) {
	file, err := os.Open(idx.config.InputFile)
	if err != nil {
		return csvDNA{}, err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return csvDNA{}, err
	}

	hash, err := common.SourceFingerprint(file, stat.Size())
	if err != nil {
		return csvDNA{}, err
	}

	return csvDNA{
		size:  stat.Size(),
		mtime: stat.ModTime().Unix(),
		hash:  hash,
	}, nil
}

// Cleanup removes temp files
func (idx *Indexer) Cleanup() {
	// Remove temp directory
	if idx.tempDir != "" {
		os.RemoveAll(idx.tempDir)
	}
}

// startReporting
func (idx *Indexer) startReporting() {
	if !idx.config.Verbose {
		return
	}
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()

		for {
			select {
			case <-ticker.C:
				idx.printStatus(startTime)
			case <-idx.stopReport:
				fmt.Println() // New line after progress
				return
			}
		}
	}()
}

func (idx *Indexer) stopReporting() {
	if !idx.config.Verbose {
		return
	}
	close(idx.stopReport)
}

func (idx *Indexer) printStatus(startTime time.Time) {
	rowsScanned, bytesScanned, _ := idx.scanner.GetStats()

	idx.sorterMutex.RLock()
	sorters := make([]*Sorter, len(idx.sorters))
	copy(sorters, idx.sorters)
	idx.sorterMutex.RUnlock()

	// Determine phase
	phase := "Scanning"
	doneCount := 0
	mergingCount := 0
	for _, s := range sorters {
		st := s.GetStats()
		switch st.State {
		case StateMerging:
			mergingCount++
		case StateDone:
			doneCount++
		}
	}
	if doneCount == len(sorters) && len(sorters) > 0 {
		phase = "Done"
	} else if mergingCount > 0 {
		phase = "Merging"
	}

	// Calculate rate and ETA
	elapsed := time.Since(startTime)
	rate := float64(rowsScanned) / elapsed.Seconds()
	if rate == 0 {
		rate = 1
	}

	// Use file size to estimate total rows (if scanning)
	etaStr := "calculating..."
	if phase == "Scanning" && bytesScanned > 0 {
		// Estimate based on file size
		fileInfo, err := os.Stat(idx.config.InputFile)
		if err == nil && fileInfo.Size() > 0 {
			progress := float64(bytesScanned) / float64(fileInfo.Size())
			if progress > 0 {
				totalTime := elapsed.Seconds() / progress
				remaining := time.Duration((totalTime - elapsed.Seconds()) * float64(time.Second))
				if remaining > 0 {
					etaStr = remaining.Round(time.Second).String()
				} else {
					etaStr = "finishing..."
				}
			}
		}
	} else if phase == "Merging" {
		etaStr = "merging..."
	} else if phase == "Done" {
		etaStr = "complete"
	}

	// Simple single-line output
	fmt.Printf("\r\033[K[%s] Rows: %s | Rate: %s/s | Elapsed: %s | ETA: %s",
		phase, humanize.Comma(rowsScanned), humanize.Comma(int64(rate)), elapsed.Round(time.Second), etaStr)
}
