// Package main is the csvdex command-line entry point: index, query, daemon,
// write and version subcommands over github.com/urfave/cli/v2.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/csvquery/csvdex/internal/cerr"
	"github.com/csvquery/csvdex/internal/indexer"
	"github.com/csvquery/csvdex/internal/query"
	"github.com/csvquery/csvdex/internal/server"
	"github.com/csvquery/csvdex/internal/writer"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, syscall.SIGTERM, syscall.SIGINT)
		select {
		case <-interrupt:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(interrupt)
	}()

	app := &cli.App{
		Name:  "csvdex",
		Usage: "index and query large delimited files without re-scanning them",
		Commands: []*cli.Command{
			newCmd_Index(),
			newCmd_Query(),
			newCmd_Daemon(),
			newCmd_Write(),
			newCmd_Version(),
		},
	}
	sort.Sort(cli.CommandsByName(app.Commands))

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ERR %s: %v\n", cerr.KindOf(err), err)
		os.Exit(1)
	}
}

func newCmd_Index() *cli.Command {
	return &cli.Command{
		Name:  "index",
		Usage: "build sparse compressed indexes over a delimited file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "input", Required: true, Usage: "path to the source delimited file"},
			&cli.StringFlag{Name: "output", Usage: "output directory for indexes (default: alongside input)"},
			&cli.StringFlag{Name: "columns", Value: "[]", Usage: "JSON array of column names to index"},
			&cli.StringFlag{Name: "separator", Value: ",", Usage: "field separator"},
			&cli.IntFlag{Name: "workers", Value: runtime.NumCPU(), EnvVars: []string{"CSVQUERY_WORKERS"}, Usage: "parallel scan/sort workers"},
			&cli.IntFlag{Name: "memory", Value: 500, EnvVars: []string{"CSVQUERY_MEMORY_MB"}, Usage: "sort memory budget in MB, shared across the indexes being built"},
			&cli.Float64Flag{Name: "bloom-fp", Value: 0.01, Usage: "bloom filter target false-positive rate"},
			&cli.BoolFlag{Name: "force", Usage: "rebuild even when the source changed since the existing meta was captured (SourceStale otherwise)"},
			&cli.BoolFlag{Name: "verbose"},
		},
		Action: func(c *cli.Context) error {
			output := c.String("output")
			if output == "" {
				output = filepath.Dir(c.String("input"))
			}
			idx := indexer.NewIndexer(indexer.IndexerConfig{
				InputFile:   c.String("input"),
				OutputDir:   output,
				Columns:     c.String("columns"),
				Separator:   c.String("separator"),
				Workers:     c.Int("workers"),
				MemoryMB:    c.Int("memory"),
				BloomFPRate: c.Float64("bloom-fp"),
				Force:       c.Bool("force"),
				Verbose:     c.Bool("verbose"),
			})
			return idx.Run()
		},
	}
}

func newCmd_Query() *cli.Command {
	return &cli.Command{
		Name:  "query",
		Usage: "evaluate a predicate tree, preferring indexes over a full scan",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "input", Required: true, Usage: "path to the source delimited file"},
			&cli.StringFlag{Name: "index-dir", Usage: "directory containing .cidx/.bloom/.meta files (default: alongside input)"},
			&cli.StringFlag{Name: "where", Value: "{}", Usage: "JSON predicate tree, or a flat {\"col\":\"val\"} map"},
			&cli.StringFlag{Name: "select", Usage: "JSON array of columns to project (unused when emitting offset,length)"},
			&cli.StringFlag{Name: "order-by", Usage: "JSON order-by spec, reserved for full-scan post-sort"},
			&cli.IntFlag{Name: "limit", Usage: "max results, 0 = unbounded"},
			&cli.IntFlag{Name: "offset", Usage: "skip the first N matches"},
			&cli.BoolFlag{Name: "count", Usage: "emit only the match count"},
			&cli.BoolFlag{Name: "explain", Usage: "emit the chosen execution plan instead of results"},
			&cli.BoolFlag{Name: "strict", Usage: "fail with NoUsableIndex instead of falling back to a full scan"},
			&cli.BoolFlag{Name: "verbose"},
		},
		Action: func(c *cli.Context) error {
			indexDir := c.String("index-dir")
			if indexDir == "" {
				indexDir = filepath.Dir(c.String("input"))
			}

			cond, err := query.ParseCondition([]byte(c.String("where")))
			if err != nil {
				return cerr.Wrap(cerr.ProtocolError, "invalid --where", err)
			}

			engine := query.NewQueryEngine(query.QueryConfig{
				CsvPath:   c.String("input"),
				IndexDir:  indexDir,
				Where:     cond,
				Limit:     c.Int("limit"),
				Offset:    c.Int("offset"),
				CountOnly: c.Bool("count"),
				Explain:   c.Bool("explain"),
				Strict:    c.Bool("strict"),
				Verbose:   c.Bool("verbose"),
				Ctx:       c.Context,
			})
			return engine.Run()
		},
	}
}

func newCmd_Daemon() *cli.Command {
	return &cli.Command{
		Name:  "daemon",
		Usage: "serve queries over a per-source Unix domain socket",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "input", Required: true, Usage: "path to the source delimited file"},
			&cli.StringFlag{Name: "index-dir", Usage: "directory containing .cidx/.bloom/.meta files (default: alongside input)"},
			&cli.StringFlag{Name: "socket", Usage: "socket path (default: derived from the input path)"},
			&cli.IntFlag{Name: "workers", Value: 50, Usage: "max concurrent connections served"},
		},
		Action: func(c *cli.Context) error {
			indexDir := c.String("index-dir")
			if indexDir == "" {
				indexDir = filepath.Dir(c.String("input"))
			}
			return server.RunDaemon(c.String("socket"), c.String("input"), indexDir, c.Int("workers"))
		},
	}
}

func newCmd_Write() *cli.Command {
	return &cli.Command{
		Name:  "write",
		Usage: "append newline-delimited JSON rows to a source file (interface only, not a hardened writer)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "input", Required: true, Usage: "path to the source delimited file"},
			&cli.StringFlag{Name: "rows", Required: true, Usage: "path to a file of newline-delimited JSON row objects, or '-' for stdin"},
			&cli.StringFlag{Name: "separator", Value: ",", Usage: "field separator"},
		},
		Action: func(c *cli.Context) error {
			headers, rows, err := readNDJSONRows(c.String("input"), c.String("rows"), c.String("separator"))
			if err != nil {
				return err
			}
			w := writer.NewCsvWriter(writer.WriterConfig{
				CsvPath:   c.String("input"),
				Separator: c.String("separator"),
			})
			return w.Write(headers, rows)
		},
	}
}

// readNDJSONRows reads one JSON object per line from source (or stdin) and
// lowers them into a CSV header (taken from the existing file, falling back
// to the sorted union of all rows' keys) plus row values in that column order.
func readNDJSONRows(csvPath, source, separator string) ([]string, [][]string, error) {
	var r *bufio.Scanner
	if source == "-" {
		r = bufio.NewScanner(os.Stdin)
	} else {
		f, err := os.Open(source)
		if err != nil {
			return nil, nil, cerr.Wrap(cerr.SourceMissing, source, err)
		}
		defer func() { _ = f.Close() }()
		r = bufio.NewScanner(f)
	}
	r.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	headers := existingHeaders(csvPath, separator)

	var objs []map[string]string
	for r.Scan() {
		line := strings.TrimSpace(r.Text())
		if line == "" {
			continue
		}
		var obj map[string]string
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			return nil, nil, cerr.Wrap(cerr.MalformedRow, "row is not a flat JSON object", err)
		}
		objs = append(objs, obj)
	}
	if err := r.Err(); err != nil {
		return nil, nil, cerr.Wrap(cerr.SourceIO, "reading rows", err)
	}

	if headers == nil {
		headers = sortedKeys(objs)
	}

	rows := make([][]string, len(objs))
	for i, obj := range objs {
		row := make([]string, len(headers))
		for j, h := range headers {
			row[j] = obj[h]
		}
		rows[i] = row
	}
	return headers, rows, nil
}

func existingHeaders(csvPath, separator string) []string {
	f, err := os.Open(csvPath)
	if err != nil {
		return nil
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReader(f)
	line, err := r.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil
	}
	line = []byte(strings.TrimRight(strings.TrimSuffix(string(line), "\n"), "\r"))
	if len(line) == 0 {
		return nil
	}
	parts := strings.Split(string(line), separator)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func sortedKeys(objs []map[string]string) []string {
	seen := make(map[string]struct{})
	for _, obj := range objs {
		for k := range obj {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func newCmd_Version() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "print version information",
		Action: func(c *cli.Context) error {
			fmt.Println("csvdex")
			if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
				fmt.Println("module version:", info.Main.Version)
			}
			fmt.Println("go version:", runtime.Version())
			return nil
		},
	}
}
