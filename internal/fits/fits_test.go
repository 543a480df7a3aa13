package fits

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"testing"
)

func encode(t *testing.T, hdus ...HDU) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := Encode(&buf, hdus...); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestParseImageAndAxes(t *testing.T) {
	data := []uint8{
		1, 2, 3, 4,
		5, 6, 7, 8,
		9, 10, 11, 255,
	}
	raw := encode(t,
		ImageHDU(4, 3, data,
			Str("DATE-OBS", "2023/01/27"),
			Str("TIME-OBS", "00:15:00.000"),
			Float("CDELT1", 0.25),
			Int("BLANK", 255),
			Str("INSTRUME", "ALASKA-COHOE"),
		),
		AxesHDU([]float64{0, 0.25, 0.5, 0.75}, []float64{80.5, 45.0, 45.0}),
	)
	if len(raw)%blockSize != 0 {
		t.Fatalf("encoded size %d is not block aligned", len(raw))
	}

	f, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(f.HDUs) != 2 {
		t.Fatalf("got %d HDUs, want 2", len(f.HDUs))
	}

	hdr := f.Primary().Header
	if got := hdr.String("DATE-OBS"); got != "2023/01/27" {
		t.Errorf("DATE-OBS = %q", got)
	}
	if got, _ := hdr.Float("CDELT1"); got != 0.25 {
		t.Errorf("CDELT1 = %v", got)
	}

	im, err := f.Primary().Image()
	if err != nil {
		t.Fatalf("Image() error = %v", err)
	}
	if im.Width != 4 || im.Height != 3 {
		t.Fatalf("image is %dx%d, want 4x3", im.Width, im.Height)
	}
	if im.At(2, 1) != 7 {
		t.Errorf("At(2,1) = %v, want 7", im.At(2, 1))
	}
	if !math.IsNaN(im.At(3, 2)) {
		t.Errorf("BLANK sample decoded as %v, want NaN", im.At(3, 2))
	}

	tab := f.Table()
	if tab == nil {
		t.Fatal("Table() = nil")
	}
	freqs, err := tab.Column("frequency")
	if err != nil {
		t.Fatalf("Column() error = %v", err)
	}
	if len(freqs) != 3 || freqs[0] != 80.5 || freqs[2] != 45.0 {
		t.Errorf("FREQUENCY = %v", freqs)
	}
	times, err := tab.Column("TIME")
	if err != nil {
		t.Fatal(err)
	}
	if len(times) != 4 || times[1] != 0.25 {
		t.Errorf("TIME = %v", times)
	}
	if _, err := tab.Column("MISSING"); !errors.Is(err, ErrFormat) {
		t.Errorf("missing column error = %v", err)
	}
}

func TestParseScaling(t *testing.T) {
	raw := encode(t, ImageHDU(2, 1, []uint8{10, 20}, Float("BZERO", -5), Float("BSCALE", 2)))
	f, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	im, err := f.Primary().Image()
	if err != nil {
		t.Fatal(err)
	}
	if im.At(0, 0) != 15 || im.At(1, 0) != 35 {
		t.Errorf("scaled row = %v", im.Row(0))
	}
}

func TestParseErrors(t *testing.T) {
	good := encode(t, ImageHDU(100, 100, make([]uint8, 10000)))
	tests := []struct {
		name string
		in   []byte
	}{
		{"empty", nil},
		{"not fits", bytes.Repeat([]byte("<html>"), 600)},
		{"truncated data", good[:blockSize+100]},
		{"no end card", good[:cardSize*5]},
		{"negative pcount", rawHeader(4, 2, "PCOUNT  =                 -100")},
		{"zero gcount", rawHeader(4, 2, "GCOUNT  =                    0")},
		{"overflowing axes", rawHeader(4294967296, 4294967296)},
		{"axes beyond input", rawHeader(100000, 100000)},
		{"bad bitpix", bytes.Replace(rawHeader(4, 2), []byte("BITPIX  =                    8"), []byte("BITPIX  =                    7"), 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.in); !errors.Is(err, ErrFormat) {
				t.Errorf("Parse() error = %v, want ErrFormat", err)
			}
		})
	}
}

// rawHeader returns a bare 8-bit primary header with the given axes and
// extra cards, followed by one block of data.
func rawHeader(w, h int, extra ...string) []byte {
	cards := []string{
		"SIMPLE  =                    T",
		"BITPIX  =                    8",
		"NAXIS   =                    2",
		fmt.Sprintf("NAXIS1  = %20d", w),
		fmt.Sprintf("NAXIS2  = %20d", h),
	}
	cards = append(cards, extra...)
	cards = append(cards, "END")
	var buf bytes.Buffer
	for _, c := range cards {
		buf.WriteString(pad(c, cardSize))
	}
	padTo(&buf, ' ')
	buf.Write(make([]byte, blockSize))
	return buf.Bytes()
}

func TestImageBounds(t *testing.T) {
	hdu := HDU{
		Header: Header{Cards: []Card{
			{Key: "BITPIX", Value: "16"},
			{Key: "NAXIS", Value: "2"},
			{Key: "NAXIS1", Value: "4294967296"},
			{Key: "NAXIS2", Value: "4294967296"},
		}},
		Data: make([]byte, 16),
	}
	if _, err := hdu.Image(); !errors.Is(err, ErrFormat) {
		t.Errorf("Image() error = %v, want ErrFormat", err)
	}
}

func TestParseCard(t *testing.T) {
	c := parseCard([]byte(pad("OBJECT  = 'Sun''s disk' / target", cardSize)))
	if c.Key != "OBJECT" || c.Value != "Sun's disk" || c.Comment != "target" {
		t.Errorf("parseCard() = %+v", c)
	}
	c = parseCard([]byte(pad("CRVAL2  =                 870. / [MHz]", cardSize)))
	if c.Value != "870." || c.Comment != "[MHz]" {
		t.Errorf("parseCard() = %+v", c)
	}
}

func TestKeys(t *testing.T) {
	h := Header{Cards: []Card{{Key: "SIMPLE"}, {Key: "COMMENT"}, {Key: "DATE-OBS"}}}
	keys := h.Keys()
	if len(keys) != 2 || keys[1] != "DATE-OBS" {
		t.Errorf("Keys() = %v", keys)
	}
}
