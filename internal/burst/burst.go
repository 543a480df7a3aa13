// Package burst reads the monthly e-CALLISTO burst lists: tab-separated
// date, time range, burst type and instruments, encoded as ISO-8859-1.
package burst

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/encoding/charmap"

	"github.com/KI7MT/ecallisto-lab-apps/internal/catalog"
	"github.com/KI7MT/ecallisto-lab-apps/internal/instrument"
)

// Burst is one catalogued event.
type Burst struct {
	Date        time.Time
	Time        string // raw range, e.g. 00:15-00:17
	Type        string
	Instruments []string

	// Start and End are zero when the time range cannot be read.
	Start time.Time
	End   time.Time
}

// Involves reports whether the burst lists the instrument key or station
// name. A listed station without an antenna ID matches every key of that
// station.
func (b Burst) Involves(name string) bool {
	station := instrument.Normalize(instrument.Station(name))
	for _, in := range b.Instruments {
		n := instrument.Normalize(in)
		if n == instrument.Normalize(name) || n == station {
			return true
		}
	}
	return false
}

// ListURL returns the URL of the list for year and month.
func ListURL(base string, year int, month time.Month) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("burst: base url: %w", err)
	}
	name := fmt.Sprintf("e-CALLISTO_%d_%02d.txt", year, int(month))
	return u.JoinPath(fmt.Sprint(year), name).String(), nil
}

// Fetch downloads and parses one monthly list.
func Fetch(ctx context.Context, get catalog.Getter, base string, year int, month time.Month) ([]Burst, error) {
	u, err := ListURL(base, year, month)
	if err != nil {
		return nil, err
	}
	body, err := get.Get(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("burst: %w", err)
	}
	return Parse(bytes.NewReader(body))
}

// Parse reads an ISO-8859-1 list. Rows that do not start with a 20xx date,
// are shorter than 12 bytes, or carry the ##:##-##:## or ?? placeholders
// are dropped, as are rows whose date does not parse.
func Parse(r io.Reader) ([]Burst, error) {
	sc := bufio.NewScanner(charmap.ISO8859_1.NewDecoder().Reader(r))
	var out []Burst
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if !strings.HasPrefix(line, "20") || len(line) < 12 ||
			strings.Contains(line, "##:##-##:##") || strings.Contains(line, "??") {
			continue
		}
		b, ok := parseRow(line)
		if ok {
			out = append(out, b)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("burst: %w", err)
	}
	return out, nil
}

func parseRow(line string) (Burst, bool) {
	f := strings.Split(line, "\t")
	if len(f) < 3 {
		return Burst{}, false
	}
	date, err := time.Parse("20060102", strings.TrimSpace(f[0]))
	if err != nil {
		return Burst{}, false
	}
	b := Burst{
		Date: date,
		Time: strings.TrimSpace(f[1]),
		Type: strings.TrimSpace(f[2]),
	}
	if len(f) > 3 {
		b.Instruments = SplitInstruments(strings.Join(f[3:], ","))
	}
	b.Start, b.End = timeRange(date, b.Time)
	return b, true
}

// SplitInstruments splits a comma-separated instrument column, trimming
// spaces and brackets.
func SplitInstruments(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.Trim(part, " \t()[]{}")
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

var (
	rangeRe = regexp.MustCompile(`(\d+)\D(\d+)\D(\d+)\D(\d+)`)

	// Known typos in published lists.
	typos = map[string]string{
		"06:06-06:88":  "06:06-06:08",
		"24:32-14:33":  "14:32-14:33",
		"21:18-212:19": "21:18-21:19",
	}
)

// timeRange reads HH:MM-HH:MM with any single separator. 24:00 means
// midnight of the next day.
func timeRange(day time.Time, raw string) (time.Time, time.Time) {
	if fixed, ok := typos[raw]; ok {
		raw = fixed
	}
	m := rangeRe.FindStringSubmatch(raw)
	if m == nil {
		return time.Time{}, time.Time{}
	}
	start, ok1 := clock(day, m[1], m[2])
	end, ok2 := clock(day, m[3], m[4])
	if !ok1 || !ok2 {
		return time.Time{}, time.Time{}
	}
	return start, end
}

func clock(day time.Time, hh, mm string) (time.Time, bool) {
	var h, m int
	if _, err := fmt.Sscanf(hh+" "+mm, "%d %d", &h, &m); err != nil {
		return time.Time{}, false
	}
	if h == 24 && m == 0 {
		return day.AddDate(0, 0, 1), true
	}
	if h > 23 || m > 59 {
		return time.Time{}, false
	}
	return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute), true
}

var romanTypes = map[string]bool{"I": true, "II": true, "III": true, "IV": true, "V": true, "VI": true}

// ClassicType reports whether t starts with one of the type numerals I
// to VI, such as "III", "IIIG" or "V".
func ClassicType(t string) bool {
	t = strings.ToUpper(strings.TrimSpace(t))
	end := 0
	for end < len(t) && (t[end] == 'I' || t[end] == 'V') {
		end++
	}
	return romanTypes[t[:end]]
}

// ClassicOnly returns the bursts whose type passes ClassicType.
func ClassicOnly(bs []Burst) []Burst {
	var out []Burst
	for _, b := range bs {
		if ClassicType(b.Type) {
			out = append(out, b)
		}
	}
	return out
}
