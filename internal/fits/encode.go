package fits

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// Value helpers for building headers.
func Str(key, v string) Card  { return Card{Key: key, Value: "'" + strings.ReplaceAll(v, "'", "''") + "'"} }
func Int(key string, v int) Card { return Card{Key: key, Value: strconv.Itoa(v)} }
func Float(key string, v float64) Card {
	return Card{Key: key, Value: strconv.FormatFloat(v, 'G', -1, 64)}
}
func Bool(key string, v bool) Card {
	if v {
		return Card{Key: key, Value: "T"}
	}
	return Card{Key: key, Value: "F"}
}

// Encode writes HDUs to w. Card values must already be in FITS notation
// (use Str, Int, Float, Bool); string values keep their quotes until Parse
// strips them.
func Encode(w io.Writer, hdus ...HDU) error {
	var buf bytes.Buffer
	for _, u := range hdus {
		for _, c := range u.Header.Cards {
			buf.WriteString(formatCard(c))
		}
		buf.WriteString(pad("END", cardSize))
		padTo(&buf, ' ')
		buf.Write(u.Data)
		padTo(&buf, 0)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// ImageHDU builds a primary HDU holding an 8-bit image of height rows by
// width columns. Extra cards are appended after the structural keywords.
func ImageHDU(width, height int, data []uint8, extra ...Card) HDU {
	cards := []Card{
		Bool("SIMPLE", true),
		Int("BITPIX", 8),
		Int("NAXIS", 2),
		Int("NAXIS1", width),
		Int("NAXIS2", height),
	}
	return HDU{Header: Header{Cards: append(cards, extra...)}, Data: data}
}

// AxesHDU builds a one-row BINTABLE with float64 TIME and FREQUENCY array
// columns, the layout CALLISTO writes.
func AxesHDU(times, freqs []float64) HDU {
	var data bytes.Buffer
	for _, v := range times {
		_ = binary.Write(&data, binary.BigEndian, math.Float64bits(v))
	}
	for _, v := range freqs {
		_ = binary.Write(&data, binary.BigEndian, math.Float64bits(v))
	}
	cards := []Card{
		Str("XTENSION", "BINTABLE"),
		Int("BITPIX", 8),
		Int("NAXIS", 2),
		Int("NAXIS1", data.Len()),
		Int("NAXIS2", 1),
		Int("PCOUNT", 0),
		Int("GCOUNT", 1),
		Int("TFIELDS", 2),
		Str("TTYPE1", "TIME"),
		Str("TFORM1", fmt.Sprintf("%dD8.3", len(times))),
		Str("TTYPE2", "FREQUENCY"),
		Str("TFORM2", fmt.Sprintf("%dD8.3", len(freqs))),
	}
	return HDU{Header: Header{Cards: cards}, Data: data.Bytes()}
}

func formatCard(c Card) string {
	s := fmt.Sprintf("%-8s= %20s", c.Key, c.Value)
	if strings.HasPrefix(c.Value, "'") {
		s = fmt.Sprintf("%-8s= %-20s", c.Key, c.Value)
	}
	if c.Comment != "" {
		s += " / " + c.Comment
	}
	return pad(s, cardSize)
}

func pad(s string, n int) string {
	if len(s) >= n {
		return s[:n]
	}
	return s + strings.Repeat(" ", n-len(s))
}

func padTo(buf *bytes.Buffer, fill byte) {
	if r := buf.Len() % blockSize; r != 0 {
		buf.Write(bytes.Repeat([]byte{fill}, blockSize-r))
	}
}
