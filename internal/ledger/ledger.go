// Package ledger records archive files that were already handled, so the
// recent scan does not fetch them again. It is stored as a parquet file.
package ledger

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/KI7MT/ecallisto-lab-apps/internal/common"
)

// Results recorded with an entry.
const (
	ResultIngested = "ingested"
	ResultCorrupt  = "corrupt"
)

// Entry is one handled file.
type Entry struct {
	URL        string `parquet:"url"`
	Day        string `parquet:"day"` // YYYY-MM-DD
	Instrument string `parquet:"instrument"`
	Result     string `parquet:"result"`
	Rows       int64  `parquet:"rows"`
}

// Ledger is safe for concurrent use. Changes are kept in memory until Save.
type Ledger struct {
	path string

	mu      sync.Mutex
	entries map[string]Entry
}

// New returns an empty ledger saved to path.
func New(path string) *Ledger {
	return &Ledger{path: path, entries: make(map[string]Entry)}
}

// Open loads the ledger at path. A missing file yields an empty ledger.
func Open(path string) (*Ledger, error) {
	l := New(path)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("ledger: %s: %w", path, err)
	}
	reader := parquet.NewGenericReader[Entry](pf)
	defer reader.Close()

	buf := make([]Entry, 256)
	for {
		n, err := reader.Read(buf)
		for _, e := range buf[:n] {
			l.entries[e.URL] = e
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ledger: read %s: %w", path, err)
		}
		if n == 0 {
			break
		}
	}
	return l, nil
}

// Has reports whether url was recorded.
func (l *Ledger) Has(url string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[url]
	return ok
}

// Add records e, replacing any entry for the same URL.
func (l *Ledger) Add(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[e.URL] = e
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Prune drops entries observed before from and returns how many it dropped.
// Entries with an unparsable day are dropped too.
func (l *Ledger) Prune(from time.Time) int {
	from = common.Day(from)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for url, e := range l.entries {
		day, err := time.Parse(common.DateLayout, e.Day)
		if err != nil || day.Before(from) {
			delete(l.entries, url)
			n++
		}
	}
	return n
}

// Save writes the ledger atomically.
func (l *Ledger) Save() error {
	l.mu.Lock()
	rows := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		rows = append(rows, e)
	}
	l.mu.Unlock()
	sort.Slice(rows, func(i, j int) bool { return rows[i].URL < rows[j].URL })

	tmpPath := l.path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	w := parquet.NewGenericWriter[Entry](f)
	if _, err := w.Write(rows); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ledger: write: %w", err)
	}
	if err := w.Close(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ledger: write: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ledger: %w", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ledger: rename: %w", err)
	}
	return nil
}
