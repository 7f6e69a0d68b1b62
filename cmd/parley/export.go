package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/klauspost/compress/zstd"

	"github.com/mtzanidakis/parley/internal/config"
	"github.com/mtzanidakis/parley/internal/store"
)

type archiveFlags struct {
	path   string
	dbPath string
	limit  int
}

func parseArchiveFlags(args []string) (archiveFlags, error) {
	var f archiveFlags
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f", "-db", "-limit":
			if i+1 >= len(args) {
				return f, fmt.Errorf("missing value for %s", args[i])
			}
			i++
			switch args[i-1] {
			case "-f":
				f.path = args[i]
			case "-db":
				f.dbPath = args[i]
			case "-limit":
				n, err := strconv.Atoi(args[i])
				if err != nil || n < 0 {
					return f, fmt.Errorf("invalid -limit %q", args[i])
				}
				f.limit = n
			}
		}
	}
	return f, nil
}

// openStore opens the database named by -db, or the configured one.
func openStore(dbPath string) (*store.Store, error) {
	if dbPath == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		dbPath = cfg.Store.Path
	}
	return store.New(config.StoreConfig{Path: dbPath})
}

func runExport(args []string) error {
	flags, err := parseArchiveFlags(args)
	if err != nil {
		return err
	}
	if flags.path == "" {
		fmt.Fprintf(os.Stderr, "Usage: parley export -f <history.jsonl.zst> [-limit N] [-db <path>]\n")
		return fmt.Errorf("missing -f flag")
	}

	db, err := openStore(flags.dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	f, err := os.Create(flags.path)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	n, err := exportHistory(db, f, flags.limit)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	info, _ := os.Stat(flags.path)
	size := int64(0)
	if info != nil {
		size = info.Size()
	}
	fmt.Printf("Export complete: %d negotiations, %s\n", n, formatSize(size))
	return nil
}

func runImport(args []string) error {
	flags, err := parseArchiveFlags(args)
	if err != nil {
		return err
	}
	if flags.path == "" {
		fmt.Fprintf(os.Stderr, "Usage: parley import -f <history.jsonl.zst> [-db <path>]\n")
		return fmt.Errorf("missing -f flag")
	}

	f, err := os.Open(flags.path)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	db, err := openStore(flags.dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := importHistory(db, f)
	if err != nil {
		return err
	}
	fmt.Printf("Import complete: %d negotiations\n", n)
	return nil
}

// exportHistory writes up to limit negotiations, newest first, as one JSON
// object per line into a zstd stream. A limit of zero exports everything.
func exportHistory(db *store.Store, w io.Writer, limit int) (int, error) {
	list, err := db.ListNegotiations(limit)
	if err != nil {
		return 0, err
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	enc := json.NewEncoder(zw)
	for i := range list {
		if err := enc.Encode(&list[i]); err != nil {
			return 0, fmt.Errorf("encode negotiation %s: %w", list[i].ID, err)
		}
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("close zstd: %w", err)
	}
	return len(list), nil
}

// importHistory reads an archive written by exportHistory. Records already
// present are replaced.
func importHistory(db *store.Store, r io.Reader) (int, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	dec := json.NewDecoder(bufio.NewReader(zr))
	count := 0
	for {
		var n store.Negotiation
		err := dec.Decode(&n)
		if errors.Is(err, io.EOF) {
			return count, nil
		}
		if err != nil {
			return count, fmt.Errorf("decode record %d: %w", count+1, err)
		}
		if n.ID == "" {
			return count, fmt.Errorf("record %d has no id", count+1)
		}
		if err := db.SaveNegotiation(&n); err != nil {
			return count, err
		}
		count++
	}
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
