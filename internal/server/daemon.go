// Package server provides the resident Unix-socket daemon for csvdex.
package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/dchest/siphash"

	"github.com/csvquery/csvdex/internal/cerr"
	"github.com/csvquery/csvdex/internal/common"
	"github.com/csvquery/csvdex/internal/query"
)

// socketHashKey is a fixed, process-constant siphash key. It only needs to
// be stable across daemon restarts so repeated clients for the same source
// agree on a socket path; it is not a security boundary.
var socketHashKey = []byte("csvdex-uds-path!") // exactly 16 bytes: siphash key size

// SocketPathFor derives the daemon socket path for a source file from
// spec's `/tmp/csvquery_<hash(absolute-source-path)>.sock`, honoring
// CSVQUERY_SOCKET_DIR.
func SocketPathFor(csvPath string) string {
	abs, err := filepath.Abs(csvPath)
	if err != nil {
		abs = csvPath
	}
	dir := os.Getenv("CSVQUERY_SOCKET_DIR")
	if dir == "" {
		dir = "/tmp"
	}
	h := siphash.New(socketHashKey)
	_, _ = h.Write([]byte(abs))
	return filepath.Join(dir, fmt.Sprintf("csvquery_%x.sock", h.Sum64()))
}

// DaemonConfig holds configuration for the Unix socket daemon.
type DaemonConfig struct {
	SocketPath     string
	CsvPath        string
	IndexDir       string
	MaxConcurrency int
	IdleTimeout    time.Duration
}

// UDSDaemon is the resident query server for one source file: it owns the
// listener and answers predicate-tree queries over a stream of
// `offset,length` lines, reusing the on-disk indexes built by `csvdex index`.
type UDSDaemon struct {
	config   DaemonConfig
	listener net.Listener
	sem      chan struct{}
	shutdown chan struct{}
	wg       sync.WaitGroup

	mu      sync.RWMutex
	meta    *common.IndexMeta
	headers []string
}

// NewUDSDaemon creates a new Unix socket daemon.
func NewUDSDaemon(cfg DaemonConfig) *UDSDaemon {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 50
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = SocketPathFor(cfg.CsvPath)
	}

	return &UDSDaemon{
		config:   cfg,
		sem:      make(chan struct{}, cfg.MaxConcurrency),
		shutdown: make(chan struct{}),
	}
}

// Start binds the socket and serves connections until Shutdown is called or
// a termination signal arrives.
func (d *UDSDaemon) Start() error {
	if _, err := os.Stat(d.config.SocketPath); err == nil {
		if err := os.Remove(d.config.SocketPath); err != nil {
			return fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}

	d.loadMeta()

	listener, err := net.Listen("unix", d.config.SocketPath)
	if err != nil {
		return fmt.Errorf("failed to bind socket %s: %w", d.config.SocketPath, err)
	}
	d.listener = listener

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigChan
		d.Shutdown()
	}()

	fmt.Fprintf(os.Stderr, "csvdex daemon listening on %s (source %s)\n", d.config.SocketPath, d.config.CsvPath)

	for {
		select {
		case <-d.shutdown:
			return nil
		default:
		}

		if ul, ok := listener.(*net.UnixListener); ok {
			_ = ul.SetDeadline(time.Now().Add(1 * time.Second))
		}

		conn, err := listener.Accept()
		if err != nil {
			if opErr, ok := err.(*net.OpError); ok && opErr.Timeout() {
				continue
			}
			select {
			case <-d.shutdown:
				return nil
			default:
				fmt.Fprintf(os.Stderr, "accept error: %v\n", err)
				continue
			}
		}

		d.wg.Add(1)
		go d.handleConnection(conn)
	}
}

// Shutdown unlinks the socket and waits for in-flight handlers to drain
// their current block before returning.
func (d *UDSDaemon) Shutdown() {
	select {
	case <-d.shutdown:
		return // already shutting down
	default:
		close(d.shutdown)
	}
	if d.listener != nil {
		_ = d.listener.Close()
	}
	d.wg.Wait()

	_ = os.Remove(d.config.SocketPath)
	fmt.Fprintln(os.Stderr, "csvdex daemon shutdown complete")
}

// loadMeta reads `<csv>_meta.json` if present, populating headers for the
// `stats` command. Absence is not fatal: the daemon still serves full-scan
// queries without a meta sidecar.
func (d *UDSDaemon) loadMeta() {
	d.mu.Lock()
	defer d.mu.Unlock()

	metaPath := metaPathFor(d.config.IndexDir, d.config.CsvPath)
	data, err := os.ReadFile(metaPath)
	if err != nil {
		d.meta = nil
	} else {
		var m common.IndexMeta
		if json.Unmarshal(data, &m) == nil {
			d.meta = &m
		}
	}

	d.headers = nil
	if f, err := os.Open(d.config.CsvPath); err == nil {
		defer func() { _ = f.Close() }()
		r := bufio.NewReader(f)
		if line, err := r.ReadBytes('\n'); err == nil || len(line) > 0 {
			header := bytes.TrimRight(bytes.TrimSuffix(line, []byte("\n")), "\r")
			if len(header) > 0 {
				d.headers = splitCSVHeader(header)
			}
		}
	}
}

func splitCSVHeader(line []byte) []string {
	parts := bytes.Split(line, []byte(","))
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = string(bytes.TrimSpace(p))
	}
	return out
}

func metaPathFor(indexDir, csvPath string) string {
	base := filepath.Base(csvPath)
	base = base[:len(base)-len(filepath.Ext(base))]
	return filepath.Join(indexDir, base+"_meta.json")
}

// handleConnection services one client connection until it closes, idles
// out, or the daemon shuts down.
func (d *UDSDaemon) handleConnection(conn net.Conn) {
	defer d.wg.Done()
	defer func() { _ = conn.Close() }()

	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-d.shutdown:
		return
	}

	reader := bufio.NewReader(conn)

	for {
		select {
		case <-d.shutdown:
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(d.config.IdleTimeout))

		line, err := reader.ReadBytes('\n')
		if err != nil {
			return // EOF, idle timeout, or peer reset: nothing leaks, connection just closes.
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		_ = conn.SetWriteDeadline(time.Now().Add(d.config.IdleTimeout))
		if shouldClose := d.dispatch(conn, line); shouldClose {
			return
		}
	}
}

// daemonRequest is the newline-delimited JSON request envelope.
type daemonRequest struct {
	Command    string          `json:"command"`
	Where      json.RawMessage `json:"where,omitempty"`
	Select     []string        `json:"select,omitempty"`
	OrderBy    json.RawMessage `json:"orderBy,omitempty"`
	Limit      int             `json:"limit,omitempty"`
	Offset     int             `json:"offset,omitempty"`
	DeadlineMs int             `json:"deadlineMs,omitempty"`
}

// dispatch parses and executes one request, writing its response to conn.
// It returns true when the connection should be closed (shutdown).
func (d *UDSDaemon) dispatch(conn net.Conn, line []byte) bool {
	var req daemonRequest
	if err := json.Unmarshal(line, &req); err != nil {
		writeLine(conn, cerr.Line(cerr.Wrap(cerr.ProtocolError, "malformed request", err)))
		return false
	}

	switch req.Command {
	case "ping":
		writeJSON(conn, map[string]any{"pong": true})
		return false

	case "shutdown":
		writeJSON(conn, map[string]any{"ok": true})
		go d.Shutdown()
		return true

	case "reload":
		d.loadMeta()
		writeJSON(conn, map[string]any{"ok": true})
		return false

	case "stats":
		d.writeStats(conn)
		return false

	case "count":
		d.runQuery(conn, req, true)
		return false

	case "query":
		d.runQuery(conn, req, false)
		return false

	default:
		writeLine(conn, cerr.Line(cerr.New(cerr.ProtocolError, "unknown command: "+req.Command)))
		return false
	}
}

// runQuery executes a query/count request, buffering its output so that a
// deadline firing mid-run never interleaves a partial stream with the error
// line, then writes the buffered result (or the deadline/error line).
func (d *UDSDaemon) runQuery(conn net.Conn, req daemonRequest, countOnly bool) {
	cond, err := query.ParseCondition(req.Where)
	if err != nil {
		writeLine(conn, cerr.Line(cerr.Wrap(cerr.ProtocolError, "invalid where", err)))
		return
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if req.DeadlineMs > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.DeadlineMs)*time.Millisecond)
		defer cancel()
	}

	cfg := query.QueryConfig{
		CsvPath:   d.config.CsvPath,
		IndexDir:  d.config.IndexDir,
		Where:     cond,
		Limit:     req.Limit,
		Offset:    req.Offset,
		CountOnly: countOnly,
		Ctx:       ctx,
	}

	var out bytes.Buffer
	engine := query.NewQueryEngine(cfg)
	engine.Writer = &out

	done := make(chan error, 1)
	go func() { done <- engine.Run() }()

	select {
	case runErr := <-done:
		if runErr != nil {
			writeLine(conn, cerr.Line(runErr))
			return
		}
		_, _ = conn.Write(out.Bytes())
		if countOnly {
			return
		}
		writeLine(conn, "OK")
	case <-ctx.Done():
		writeLine(conn, cerr.Line(cerr.Wrap(cerr.Deadline, "query exceeded deadline", ctx.Err())))
	}
}

// writeStats emits the `stats` command's single JSON line: open index
// names, per-index block/record counts from the footer, and bloom memory
// usage, read directly from the on-disk meta/cidx/bloom files.
func (d *UDSDaemon) writeStats(conn net.Conn) {
	d.mu.RLock()
	meta := d.meta
	headers := d.headers
	d.mu.RUnlock()

	indexes := make(map[string]any)
	if meta != nil {
		for name, stats := range meta.Indexes {
			entry := map[string]any{
				"distinctCount": stats.DistinctCount,
				"fileSize":      stats.FileSize,
			}

			base := filepath.Base(d.config.CsvPath)
			base = base[:len(base)-len(filepath.Ext(base))]
			cidxPath := filepath.Join(d.config.IndexDir, base+"_"+name+".cidx")
			if f, err := os.Open(cidxPath); err == nil {
				if br, err := common.NewBlockReader(f); err == nil {
					var records int64
					for _, b := range br.Footer.Blocks {
						records += b.RecordCount
					}
					entry["blocks"] = len(br.Footer.Blocks)
					entry["records"] = records
				}
				_ = f.Close()
			}

			bloomPath := cidxPath + ".bloom"
			if bloom, err := common.LoadBloomFilter(bloomPath); err == nil {
				entry["bloomBytes"] = bloom.GetMemoryUsage()
			}

			indexes[name] = entry
		}
	}

	writeJSON(conn, map[string]any{
		"csv":        d.config.CsvPath,
		"indexDir":   d.config.IndexDir,
		"socketPath": d.config.SocketPath,
		"columns":    headers,
		"indexes":    indexes,
	})
}

func writeLine(conn net.Conn, line string) {
	_, _ = conn.Write([]byte(line))
	_, _ = conn.Write([]byte("\n"))
}

func writeJSON(conn net.Conn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		writeLine(conn, cerr.Line(cerr.Wrap(cerr.InternalError, "encode response", err)))
		return
	}
	_, _ = conn.Write(b)
	_, _ = conn.Write([]byte("\n"))
}

// RunDaemon is the entry point called from the `daemon` CLI subcommand.
func RunDaemon(socketPath, csvPath, indexDir string, maxConcurrency int) error {
	if csvPath == "" {
		return cerr.New(cerr.ProtocolError, "daemon requires --input")
	}
	if _, err := os.Stat(csvPath); err != nil {
		return cerr.Wrap(cerr.SourceMissing, csvPath, err)
	}

	cfg := DaemonConfig{
		SocketPath:     socketPath,
		CsvPath:        csvPath,
		IndexDir:       indexDir,
		MaxConcurrency: maxConcurrency,
	}

	daemon := NewUDSDaemon(cfg)
	return daemon.Start()
}
