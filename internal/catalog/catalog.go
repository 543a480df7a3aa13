// Package catalog lists spectrogram files in the archive's daily directory
// pages.
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/KI7MT/ecallisto-lab-apps/internal/httpx"
	"github.com/KI7MT/ecallisto-lab-apps/internal/metrics"
)

// Extension is the suffix of archive spectrogram files.
const Extension = ".fit.gz"

// ErrDayUnavailable is returned when a day's listing could not be fetched
// after retries.
var ErrDayUnavailable = errors.New("archive day unavailable")

// Getter fetches a URL body. *httpx.Client implements it.
type Getter interface {
	Get(ctx context.Context, rawURL string) ([]byte, error)
}

// Scanner reads day listings under a base URL laid out as
// {base}/{YYYY}/{MM}/{DD}/.
type Scanner struct {
	get  Getter
	base *url.URL
	log  zerolog.Logger
}

// New returns a Scanner rooted at baseURL.
func New(get Getter, baseURL string, log zerolog.Logger) (*Scanner, error) {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("catalog: base url: %w", err)
	}
	return &Scanner{get: get, base: u, log: log.With().Str("component", "catalog").Logger()}, nil
}

// DayURL returns the listing URL for day.
func (s *Scanner) DayURL(day time.Time) string {
	return s.base.JoinPath(day.Format("2006"), day.Format("01"), day.Format("02")).String() + "/"
}

// ScanDay returns the sorted file URLs for day selected by f. A day with no
// directory (404) or no matches yields an empty list.
func (s *Scanner) ScanDay(ctx context.Context, day time.Time, f Filter) ([]string, error) {
	dayURL := s.DayURL(day)
	body, err := s.get.Get(ctx, dayURL)
	switch {
	case httpx.IsNotFound(err):
		metrics.ScannedDays.WithLabelValues("empty").Inc()
		return nil, nil
	case err != nil:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.ScannedDays.WithLabelValues("unavailable").Inc()
		return nil, fmt.Errorf("%w: %s: %w", ErrDayUnavailable, day.Format("2006-01-02"), err)
	}

	hrefs, err := Links(bytes.NewReader(body))
	if err != nil {
		metrics.ScannedDays.WithLabelValues("unavailable").Inc()
		return nil, fmt.Errorf("%w: %s: %w", ErrDayUnavailable, day.Format("2006-01-02"), err)
	}
	base, _ := url.Parse(dayURL)
	seen := make(map[string]struct{})
	var out []string
	for _, h := range hrefs {
		if !strings.Contains(h, Extension) || !f.Match(h) {
			continue
		}
		ref, err := url.Parse(h)
		if err != nil {
			continue
		}
		abs := base.ResolveReference(ref).String()
		if _, dup := seen[abs]; dup {
			continue
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	}
	sort.Strings(out)
	result := "ok"
	if len(out) == 0 {
		result = "empty"
	}
	metrics.ScannedDays.WithLabelValues(result).Inc()
	return out, nil
}

// Scan lists every day in days. Unavailable days are logged and skipped;
// only cancellation aborts the scan.
func (s *Scanner) Scan(ctx context.Context, days []time.Time, f Filter) ([]string, error) {
	var out []string
	for _, day := range days {
		urls, err := s.ScanDay(ctx, day, f)
		if err != nil {
			if errors.Is(err, ErrDayUnavailable) {
				s.log.Error().Err(err).Str("day", day.Format("2006-01-02")).Msg("skipping day")
				continue
			}
			return out, err
		}
		s.log.Debug().Str("day", day.Format("2006-01-02")).Int("files", len(urls)).Str("filter", f.String()).Msg("day scanned")
		out = append(out, urls...)
	}
	return out, nil
}

// Links returns the href of every anchor in an HTML document.
func Links(r io.Reader) ([]string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}
	var out []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			for _, a := range n.Attr {
				if a.Key == "href" && a.Val != "" {
					out = append(out, a.Val)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out, nil
}
