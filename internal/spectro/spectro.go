// Package spectro decodes CALLISTO spectrogram files into time-indexed
// amplitude matrices ready for insertion.
package spectro

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/pgzip"

	"github.com/KI7MT/ecallisto-lab-apps/internal/fits"
)

// ErrCorrupt is returned when a file cannot be decoded as a spectrogram.
var ErrCorrupt = errors.New("corrupt spectrogram")

// Storage domain of the amplitude columns (SMALLINT / Int16).
const (
	MinAmplitude = math.MinInt16
	MaxAmplitude = math.MaxInt16
)

// Spectrogram is one file's amplitude matrix. Data is indexed [channel][sample]
// with len(Data) == len(Freqs) and every row len(Times) long.
type Spectrogram struct {
	Source     string
	Instrument string
	Header     fits.Header
	Times      []time.Time
	Freqs      []float64
	Data       [][]float64
}

// Open reads a .fit or .fit.gz file from disk.
func Open(path string) (*Spectrogram, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f, path)
}

// Decode reads a spectrogram from r, gunzipping when the stream starts with
// the gzip magic. source is used in errors and logs.
func Decode(r io.Reader, source string) (*Spectrogram, error) {
	br := bufio.NewReader(r)
	var in io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := pgzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, source, err)
		}
		defer zr.Close()
		in = zr
	}
	ff, err := fits.Read(in)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, source, err)
	}
	s, err := FromFITS(ff)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, source, err)
	}
	s.Source = source
	return s, nil
}

// FromFITS builds a spectrogram from the primary image and, when present,
// the axis table. Without an axis table the axes come from the CDELT1,
// CRVAL2, CDELT2 and CRPIX2 header keys.
func FromFITS(f *fits.File) (*Spectrogram, error) {
	prim := f.Primary()
	im, err := prim.Image()
	if err != nil {
		return nil, err
	}
	hdr := prim.Header

	start, err := startTime(hdr)
	if err != nil {
		return nil, err
	}

	var timeAxis, freqAxis []float64
	if tab := f.Table(); tab != nil {
		if timeAxis, err = tab.Column("TIME"); err != nil {
			return nil, err
		}
		if freqAxis, err = tab.Column("FREQUENCY"); err != nil {
			return nil, err
		}
	}

	step, ok := hdr.Float("CDELT1")
	if len(timeAxis) >= 2 {
		step, ok = timeAxis[1]-timeAxis[0], true
	}
	if !ok && im.Width > 1 {
		return nil, errors.New("no time axis")
	}
	times := make([]time.Time, im.Width)
	for i := range times {
		offset := time.Duration(float64(i) * step * float64(time.Second))
		times[i] = start.Add(offset).Round(time.Millisecond)
	}

	if freqAxis == nil {
		freqAxis, err = headerFreqs(hdr, im.Height)
		if err != nil {
			return nil, err
		}
	}
	if len(freqAxis) != im.Height {
		return nil, fmt.Errorf("frequency axis has %d values for %d channels", len(freqAxis), im.Height)
	}

	data := make([][]float64, im.Height)
	for y := range data {
		data[y] = im.Row(y)
	}
	return &Spectrogram{
		Instrument: hdr.String("INSTRUME"),
		Header:     hdr,
		Times:      times,
		Freqs:      freqAxis,
		Data:       data,
	}, nil
}

func headerFreqs(h fits.Header, n int) ([]float64, error) {
	crval, ok1 := h.Float("CRVAL2")
	cdelt, ok2 := h.Float("CDELT2")
	if !ok1 || !ok2 {
		return nil, errors.New("no frequency axis")
	}
	crpix, ok := h.Float("CRPIX2")
	if !ok {
		crpix = 1
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = crval + cdelt*(float64(i+1)-crpix)
	}
	return out, nil
}

// startTime combines DATE-OBS (YYYY/MM/DD or YYYY-MM-DD) and TIME-OBS
// (HH:MM:SS[.fff]). Seconds may read 60.
func startTime(h fits.Header) (time.Time, error) {
	date := strings.ReplaceAll(h.String("DATE-OBS"), "/", "-")
	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return time.Time{}, fmt.Errorf("DATE-OBS %q: %w", h.String("DATE-OBS"), err)
	}
	parts := strings.Split(h.String("TIME-OBS"), ":")
	if len(parts) != 3 {
		return time.Time{}, fmt.Errorf("TIME-OBS %q: expected HH:MM:SS", h.String("TIME-OBS"))
	}
	hh, err1 := strconv.Atoi(parts[0])
	mm, err2 := strconv.Atoi(parts[1])
	ss, err3 := strconv.ParseFloat(parts[2], 64)
	if err := errors.Join(err1, err2, err3); err != nil {
		return time.Time{}, fmt.Errorf("TIME-OBS %q: %w", h.String("TIME-OBS"), err)
	}
	return day.Add(time.Duration(hh)*time.Hour +
		time.Duration(mm)*time.Minute +
		time.Duration(ss*float64(time.Second))), nil
}

// DropMasked removes channels with any blank (NaN) sample and returns how
// many were removed.
func (s *Spectrogram) DropMasked() int {
	freqs := s.Freqs[:0]
	data := s.Data[:0]
	dropped := 0
	for i, row := range s.Data {
		if hasNaN(row) {
			dropped++
			continue
		}
		freqs = append(freqs, s.Freqs[i])
		data = append(data, row)
	}
	s.Freqs, s.Data = freqs, data
	return dropped
}

// HasDuplicateFreqs reports whether any frequency appears twice.
func (s *Spectrogram) HasDuplicateFreqs() bool {
	seen := make(map[float64]struct{}, len(s.Freqs))
	for _, f := range s.Freqs {
		if _, ok := seen[f]; ok {
			return true
		}
		seen[f] = struct{}{}
	}
	return false
}

// MergeDuplicateFreqs collapses repeated frequencies by averaging their rows.
// It is a no-op when the axis is already unique.
func (s *Spectrogram) MergeDuplicateFreqs() bool {
	if !s.HasDuplicateFreqs() {
		return false
	}
	s.Freqs, s.Data = CombineDuplicates(s.Freqs, s.Data)
	return true
}

// CombineDuplicates groups rows by index value and averages each group
// element-wise. The returned index is sorted ascending and unique.
func CombineDuplicates(index []float64, rows [][]float64) ([]float64, [][]float64) {
	groups := make(map[float64][]int, len(index))
	for i, v := range index {
		groups[v] = append(groups[v], i)
	}
	uniq := make([]float64, 0, len(groups))
	for v := range groups {
		uniq = append(uniq, v)
	}
	sort.Float64s(uniq)

	out := make([][]float64, len(uniq))
	for i, v := range uniq {
		members := groups[v]
		mean := make([]float64, len(rows[members[0]]))
		for _, m := range members {
			for j, x := range rows[m] {
				mean[j] += x
			}
		}
		for j := range mean {
			mean[j] /= float64(len(members))
		}
		out[i] = mean
	}
	return uniq, out
}

// Columns returns the column name of every channel.
func (s *Spectrogram) Columns() []string {
	cols := make([]string, len(s.Freqs))
	for i, f := range s.Freqs {
		cols[i] = ColumnName(f)
	}
	return cols
}

// ColumnName formats a frequency the way column names are stored: shortest
// decimal representation with at least one fractional digit ("45" -> "45.0").
func ColumnName(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsRune(s, '.') {
		s += ".0"
	}
	return s
}

// Rows transposes the matrix into per-timestamp rows in the storage domain.
// Values are clamped to [MinAmplitude, MaxAmplitude] and truncated toward
// zero; NaN is stored as 0. The second result counts clamped samples.
func (s *Spectrogram) Rows() ([][]int16, int) {
	clamped := 0
	out := make([][]int16, len(s.Times))
	for t := range out {
		row := make([]int16, len(s.Freqs))
		for c := range row {
			v, ok := Clamp(s.Data[c][t])
			if !ok {
				clamped++
			}
			row[c] = v
		}
		out[t] = row
	}
	return out, clamped
}

// Clamp converts v to the storage domain. ok is false when v was outside it.
func Clamp(v float64) (int16, bool) {
	switch {
	case math.IsNaN(v):
		return 0, true
	case v > MaxAmplitude:
		return MaxAmplitude, false
	case v < MinAmplitude:
		return MinAmplitude, false
	}
	return int16(v), true
}

// ConstantHeader returns the header keys whose values are identical in
// every spectrogram.
func ConstantHeader(specs []*Spectrogram) map[string]string {
	if len(specs) == 0 {
		return nil
	}
	out := make(map[string]string)
	for _, k := range specs[0].Header.Keys() {
		v, _ := specs[0].Header.Get(k)
		same := true
		for _, s := range specs[1:] {
			if w, ok := s.Header.Get(k); !ok || w != v {
				same = false
				break
			}
		}
		if same {
			out[k] = v
		}
	}
	return out
}

func hasNaN(row []float64) bool {
	for _, v := range row {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}
