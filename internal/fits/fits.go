// Package fits reads the subset of FITS used by CALLISTO spectrograms: a
// primary image HDU holding the spectrogram and an optional BINTABLE
// extension holding the time and frequency axes.
package fits

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// ErrFormat is returned for input that is not well-formed FITS.
var ErrFormat = errors.New("fits: malformed file")

const (
	blockSize = 2880
	cardSize  = 80
)

// Card is one 80-byte header record.
type Card struct {
	Key     string
	Value   string
	Comment string
}

// Header is an ordered list of cards.
type Header struct {
	Cards []Card
}

// Get returns the raw value of key with string quotes removed.
func (h Header) Get(key string) (string, bool) {
	for _, c := range h.Cards {
		if c.Key == key {
			return c.Value, true
		}
	}
	return "", false
}

// String returns the value of key, or "" when absent.
func (h Header) String(key string) string {
	v, _ := h.Get(key)
	return v
}

func (h Header) Int(key string) (int, bool) {
	v, ok := h.Get(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}

func (h Header) Float(key string) (float64, bool) {
	v, ok := h.Get(key)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.Replace(v, "D", "E", 1), 64)
	return f, err == nil
}

// Keys lists the header keys in file order, skipping commentary cards.
func (h Header) Keys() []string {
	var keys []string
	for _, c := range h.Cards {
		switch c.Key {
		case "", "COMMENT", "HISTORY", "END":
			continue
		}
		keys = append(keys, c.Key)
	}
	return keys
}

// HDU is one header/data unit.
type HDU struct {
	Header Header
	Data   []byte
}

// File is a decoded FITS stream.
type File struct {
	HDUs []HDU
}

// Read decodes every HDU in r.
func Read(r io.Reader) (*File, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Parse(buf)
}

// Parse decodes every HDU in buf.
func Parse(buf []byte) (*File, error) {
	f := &File{}
	for off := 0; off < len(buf); {
		if len(f.HDUs) > 0 && allZero(buf[off:]) {
			break
		}
		hdr, n, err := parseHeader(buf[off:])
		if err != nil {
			if len(f.HDUs) == 0 {
				return nil, err
			}
			break // trailing garbage after a complete primary HDU
		}
		off += n

		size, err := dataSize(hdr, len(buf)-off)
		if err != nil {
			return nil, err
		}
		if size > len(buf)-off {
			return nil, fmt.Errorf("%w: data unit truncated (%d of %d bytes)", ErrFormat, len(buf)-off, size)
		}
		f.HDUs = append(f.HDUs, HDU{Header: hdr, Data: buf[off : off+size]})
		off += min(padded(size), len(buf)-off)
	}
	if len(f.HDUs) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrFormat)
	}
	return f, nil
}

// Primary returns the first HDU.
func (f *File) Primary() *HDU {
	return &f.HDUs[0]
}

// Table returns the first BINTABLE extension, or nil.
func (f *File) Table() *HDU {
	for i := 1; i < len(f.HDUs); i++ {
		if f.HDUs[i].Header.String("XTENSION") == "BINTABLE" {
			return &f.HDUs[i]
		}
	}
	return nil
}

func parseHeader(buf []byte) (Header, int, error) {
	var h Header
	for off := 0; off+cardSize <= len(buf); off += cardSize {
		card := parseCard(buf[off : off+cardSize])
		if len(h.Cards) == 0 && card.Key != "SIMPLE" && card.Key != "XTENSION" {
			return h, 0, fmt.Errorf("%w: header starts with %q", ErrFormat, card.Key)
		}
		if card.Key == "END" {
			return h, padded(off + cardSize), nil
		}
		h.Cards = append(h.Cards, card)
	}
	return h, 0, fmt.Errorf("%w: header has no END card", ErrFormat)
}

func parseCard(raw []byte) Card {
	s := string(raw)
	c := Card{Key: strings.TrimSpace(s[:8])}
	if len(s) < 10 || s[8:10] != "= " {
		c.Comment = strings.TrimSpace(s[8:])
		return c
	}
	rest := strings.TrimSpace(s[10:])
	if strings.HasPrefix(rest, "'") {
		var b strings.Builder
		i := 1
		for i < len(rest) {
			if rest[i] == '\'' {
				if i+1 < len(rest) && rest[i+1] == '\'' {
					b.WriteByte('\'')
					i += 2
					continue
				}
				break
			}
			b.WriteByte(rest[i])
			i++
		}
		c.Value = strings.TrimRight(b.String(), " ")
		if j := strings.IndexByte(rest[min(i+1, len(rest)):], '/'); j >= 0 {
			c.Comment = strings.TrimSpace(rest[i+1+j+1:])
		}
		return c
	}
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		c.Comment = strings.TrimSpace(rest[j+1:])
		rest = rest[:j]
	}
	c.Value = strings.TrimSpace(rest)
	return c
}

// dataSize returns the data unit length in bytes declared by h. Sizes
// larger than avail are rejected before they can overflow.
func dataSize(h Header, avail int) (int, error) {
	bitpix, ok := h.Int("BITPIX")
	if !ok {
		return 0, fmt.Errorf("%w: missing BITPIX", ErrFormat)
	}
	switch bitpix {
	case 8, 16, 32, 64, -32, -64:
	default:
		return 0, fmt.Errorf("%w: bad BITPIX %d", ErrFormat, bitpix)
	}
	naxis, ok := h.Int("NAXIS")
	if !ok || naxis < 0 || naxis > 999 {
		return 0, fmt.Errorf("%w: bad NAXIS", ErrFormat)
	}
	if naxis == 0 {
		return 0, nil
	}
	n := 1
	for i := 1; i <= naxis; i++ {
		v, ok := h.Int("NAXIS" + strconv.Itoa(i))
		if !ok || v < 0 {
			return 0, fmt.Errorf("%w: bad NAXIS%d", ErrFormat, i)
		}
		if v > 0 && n > avail/v {
			return 0, fmt.Errorf("%w: NAXIS%d exceeds the %d bytes available", ErrFormat, i, avail)
		}
		n *= v
	}
	pcount, ok := h.Int("PCOUNT")
	if !ok {
		pcount = 0
	}
	gcount, ok := h.Int("GCOUNT")
	if !ok {
		gcount = 1
	}
	if pcount < 0 || pcount > avail {
		return 0, fmt.Errorf("%w: bad PCOUNT %d", ErrFormat, pcount)
	}
	if gcount < 1 || gcount > avail {
		return 0, fmt.Errorf("%w: bad GCOUNT %d", ErrFormat, gcount)
	}
	elems := pcount + n
	width := abs(bitpix) / 8
	if elems > avail/width || elems*width > avail/gcount {
		return 0, fmt.Errorf("%w: data unit exceeds the %d bytes available", ErrFormat, avail)
	}
	return width * gcount * elems, nil
}

// Image is a decoded two-dimensional primary array. Values are physical
// (BZERO/BSCALE applied). Samples equal to BLANK decode as NaN.
type Image struct {
	Width  int // NAXIS1
	Height int // NAXIS2
	Data   []float64
}

// At returns the sample at column x, row y.
func (im *Image) At(x, y int) float64 {
	return im.Data[y*im.Width+x]
}

// Row returns row y.
func (im *Image) Row(y int) []float64 {
	return im.Data[y*im.Width : (y+1)*im.Width]
}

// Image decodes the HDU data as a two-dimensional array.
func (u *HDU) Image() (*Image, error) {
	h := u.Header
	naxis, _ := h.Int("NAXIS")
	if naxis != 2 {
		return nil, fmt.Errorf("%w: image has NAXIS=%d, want 2", ErrFormat, naxis)
	}
	w, _ := h.Int("NAXIS1")
	ht, _ := h.Int("NAXIS2")
	bitpix, _ := h.Int("BITPIX")

	zero, ok := h.Float("BZERO")
	if !ok {
		zero = 0
	}
	scale, ok := h.Float("BSCALE")
	if !ok {
		scale = 1
	}
	blank, hasBlank := h.Int("BLANK")

	width := abs(bitpix) / 8
	if w <= 0 || ht <= 0 || width == 0 || w > len(u.Data)/width/ht {
		return nil, fmt.Errorf("%w: image %dx%d does not fit %d data bytes", ErrFormat, w, ht, len(u.Data))
	}
	n := w * ht
	out := make([]float64, n)
	d := u.Data
	for i := 0; i < n; i++ {
		var raw float64
		isBlank := false
		switch bitpix {
		case 8:
			v := d[i]
			raw, isBlank = float64(v), hasBlank && int(v) == blank
		case 16:
			v := int16(binary.BigEndian.Uint16(d[i*2:]))
			raw, isBlank = float64(v), hasBlank && int(v) == blank
		case 32:
			v := int32(binary.BigEndian.Uint32(d[i*4:]))
			raw, isBlank = float64(v), hasBlank && int(v) == blank
		case -32:
			raw = float64(math.Float32frombits(binary.BigEndian.Uint32(d[i*4:])))
		case -64:
			raw = math.Float64frombits(binary.BigEndian.Uint64(d[i*8:]))
		default:
			return nil, fmt.Errorf("%w: unsupported BITPIX %d", ErrFormat, bitpix)
		}
		if isBlank {
			out[i] = math.NaN()
			continue
		}
		out[i] = zero + scale*raw
	}
	return &Image{Width: w, Height: ht, Data: out}, nil
}

// Column returns every value of the named BINTABLE column across all rows.
// Array columns (TFORM like "3600D8.3") are flattened.
func (u *HDU) Column(name string) ([]float64, error) {
	h := u.Header
	fields, _ := h.Int("TFIELDS")
	rowLen, _ := h.Int("NAXIS1")
	rows, _ := h.Int("NAXIS2")

	offset := 0
	for i := 1; i <= fields; i++ {
		idx := strconv.Itoa(i)
		repeat, code, err := parseTForm(h.String("TFORM" + idx))
		if err != nil {
			return nil, err
		}
		if repeat < 0 || repeat > rowLen {
			return nil, fmt.Errorf("%w: TFORM%s repeat %d exceeds row length", ErrFormat, idx, repeat)
		}
		size := repeat * code.size
		if !strings.EqualFold(h.String("TTYPE"+idx), name) {
			offset += size
			continue
		}
		if rowLen <= 0 || rows < 0 || offset+size > rowLen || rows > len(u.Data)/rowLen {
			return nil, fmt.Errorf("%w: column %s exceeds table row", ErrFormat, name)
		}
		zero, _ := h.Float("TZERO" + idx)
		scale, ok := h.Float("TSCAL" + idx)
		if !ok {
			scale = 1
		}
		out := make([]float64, 0, rows*repeat)
		for r := 0; r < rows; r++ {
			cell := u.Data[r*rowLen+offset : r*rowLen+offset+size]
			for j := 0; j < repeat; j++ {
				out = append(out, zero+scale*code.decode(cell[j*code.size:]))
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: no column %q", ErrFormat, name)
}

type typeCode struct {
	size   int
	decode func([]byte) float64
}

var typeCodes = map[byte]typeCode{
	'B': {1, func(b []byte) float64 { return float64(b[0]) }},
	'I': {2, func(b []byte) float64 { return float64(int16(binary.BigEndian.Uint16(b))) }},
	'J': {4, func(b []byte) float64 { return float64(int32(binary.BigEndian.Uint32(b))) }},
	'K': {8, func(b []byte) float64 { return float64(int64(binary.BigEndian.Uint64(b))) }},
	'E': {4, func(b []byte) float64 { return float64(math.Float32frombits(binary.BigEndian.Uint32(b))) }},
	'D': {8, func(b []byte) float64 { return math.Float64frombits(binary.BigEndian.Uint64(b)) }},
}

// parseTForm reads "rT..." where r is an optional repeat count and T the
// type code. Anything after the type code (display width) is ignored.
func parseTForm(s string) (int, typeCode, error) {
	s = strings.TrimSpace(s)
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	repeat := 1
	if i > 0 {
		repeat, _ = strconv.Atoi(s[:i])
	}
	if i >= len(s) {
		return 0, typeCode{}, fmt.Errorf("%w: bad TFORM %q", ErrFormat, s)
	}
	code, ok := typeCodes[s[i]]
	if !ok {
		return 0, typeCode{}, fmt.Errorf("%w: unsupported TFORM %q", ErrFormat, s)
	}
	return repeat, code, nil
}

func padded(n int) int {
	return (n + blockSize - 1) / blockSize * blockSize
}

func allZero(b []byte) bool {
	return len(bytes.Trim(b, "\x00 ")) == 0
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
