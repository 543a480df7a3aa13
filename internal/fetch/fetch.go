// Package fetch materializes archive files under a local
// {root}/{YYYY}/{MM}/{DD}/{file} tree.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/KI7MT/ecallisto-lab-apps/internal/catalog"
	"github.com/KI7MT/ecallisto-lab-apps/internal/common"
	"github.com/KI7MT/ecallisto-lab-apps/internal/metrics"
)

// MinFileSize is the smallest body accepted as a real spectrogram. Smaller
// local files are treated as failed earlier downloads.
const MinFileSize = 2000

var (
	// ErrTooSmall is returned when a downloaded body is below MinFileSize.
	ErrTooSmall = errors.New("downloaded file too small")

	// ErrNotGzip is returned when a .gz body has no gzip header, usually an
	// HTML error page served with status 200.
	ErrNotGzip = errors.New("downloaded file is not gzip")
)

// Materializer downloads files once and reuses them afterwards.
type Materializer struct {
	get  catalog.Getter
	root string
	log  zerolog.Logger

	// Stats, when set, counts downloaded bytes.
	Stats *common.Stats
}

// New returns a Materializer storing files under root.
func New(get catalog.Getter, root string, log zerolog.Logger) *Materializer {
	return &Materializer{get: get, root: root, log: log.With().Str("component", "fetch").Logger()}
}

// LocalPath maps a file URL to its place in the local tree using the last
// four path segments: year, month, day and file name.
func (m *Materializer) LocalPath(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("fetch: %w", err)
	}
	segs := splitPath(u.Path)
	if len(segs) < 4 {
		return "", fmt.Errorf("fetch: %s: expected .../YYYY/MM/DD/file", rawURL)
	}
	segs = segs[len(segs)-4:]
	return filepath.Join(append([]string{m.root}, segs...)...), nil
}

// Fetch returns the local path of rawURL, downloading it unless a file of
// at least MinFileSize is already present. cached reports a reuse.
func (m *Materializer) Fetch(ctx context.Context, rawURL string) (dest string, cached bool, err error) {
	dest, err = m.LocalPath(rawURL)
	if err != nil {
		return "", false, err
	}
	if info, err := os.Stat(dest); err == nil && info.Size() >= MinFileSize {
		metrics.Downloads.WithLabelValues("cached").Inc()
		return dest, true, nil
	}

	data, err := m.FetchContent(ctx, rawURL)
	if err != nil {
		return "", false, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", false, fmt.Errorf("fetch: %w", err)
	}

	tmpPath := dest + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		os.Remove(tmpPath)
		return "", false, fmt.Errorf("fetch: write %s: %w", filepath.Base(dest), err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return "", false, fmt.Errorf("fetch: rename %s: %w", filepath.Base(dest), err)
	}
	m.log.Debug().Str("file", filepath.Base(dest)).Int("bytes", len(data)).Msg("downloaded")
	return dest, false, nil
}

// FetchContent downloads rawURL into memory and applies the size and gzip
// checks without touching the local tree.
func (m *Materializer) FetchContent(ctx context.Context, rawURL string) ([]byte, error) {
	data, err := m.get.Get(ctx, rawURL)
	if err != nil {
		metrics.Downloads.WithLabelValues("failed").Inc()
		return nil, err
	}
	if err := check(rawURL, data); err != nil {
		metrics.Downloads.WithLabelValues("failed").Inc()
		return nil, err
	}
	metrics.Downloads.WithLabelValues("ok").Inc()
	metrics.DownloadBytes.Add(float64(len(data)))
	if m.Stats != nil {
		m.Stats.AddBytes(int64(len(data)))
	}
	return data, nil
}

// Remove deletes a materialized file and any empty day directories above
// it, stopping at root.
func (m *Materializer) Remove(p string) error {
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	root := filepath.Clean(m.root)
	for dir := filepath.Dir(p); dir != root && len(dir) > len(root); dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break
		}
	}
	return nil
}

func check(rawURL string, data []byte) error {
	name := path.Base(rawURL)
	if len(data) < MinFileSize {
		return fmt.Errorf("%w: %s is %d bytes", ErrTooSmall, name, len(data))
	}
	if path.Ext(name) == ".gz" {
		if _, err := gzip.NewReader(bytes.NewReader(data)); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrNotGzip, name, err)
		}
	}
	return nil
}

func splitPath(p string) []string {
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s != "" && s != "." && s != ".." {
			out = append(out, s)
		}
	}
	return out
}
