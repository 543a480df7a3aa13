package instrument

import (
	"strings"
	"testing"
	"time"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"antenna id", "ALASKA-COHOE_20230127_001500_612.fit.gz", "alaska_cohoe_612"},
		{"full path", "/var/lib/ecallisto/2023/01/27/ALASKA-COHOE_20230127_001500_612.fit.gz", "alaska_cohoe_612"},
		{"url", "http://soleil.i4ds.ch/solarradio/data/2002-20yy_Callisto/2023/01/27/ALASKA-COHOE_20230127_001500_612.fit.gz", "alaska_cohoe_612"},
		{"five digit id", "ALASKA-COHOE_20230127_001500_61212.fit.gz", "alaska_cohoe_61212"},
		{"no id", "ALASKA_COHOE_20230127_001500.fit.gz", "alaska_cohoe"},
		{"short station", "FHN_W_20230127_001500_11.fit.gz", "fhn_w_11"},
		{"six digit id is a timestamp", "ALASKA-COHOE_20230127_001500_123456.fit.gz", "alaska_cohoe"},
		{"double separator", "GLASGOW__20230127_001500_01.fit.gz", "glasgow_01"},
		{"no extension", "BIR_20230127_001500_01", "bir_01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Resolve(tt.in); got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestStation(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"alaska_cohoe_612", "ALASKA-COHOE"},
		{"alaska_cohoe", "ALASKA-COHOE"},
		{"fhn_w_11", "FHN-W"},
		{"glasgow_01", "GLASGOW"},
	}
	for _, tt := range tests {
		if got := Station(tt.in); got != tt.want {
			t.Errorf("Station(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStationRoundTrip(t *testing.T) {
	files := []string{
		"ALASKA-COHOE_20230127_001500_612.fit.gz",
		"AUSTRIA-UNIGRAZ_20230127_001500_01.fit.gz",
	}
	for _, f := range files {
		key := Resolve(f)
		if got := Resolve(Station(key) + "_20230127_001500.fit.gz"); !strings.HasPrefix(key, got+"_") {
			t.Errorf("round trip of %q lost the station: %q", f, got)
		}
	}
}

func TestObservedAt(t *testing.T) {
	want := time.Date(2023, 1, 27, 0, 15, 0, 0, time.UTC)
	for _, in := range []string{
		"/data/2023/01/27/ALASKA_COHOE_20230127_001500_623.fit.gz",
		"ALASKA-COHOE_20230127_001500.fit.gz",
	} {
		got, err := ObservedAt(in)
		if err != nil {
			t.Fatalf("ObservedAt(%q) error = %v", in, err)
		}
		if !got.Equal(want) {
			t.Errorf("ObservedAt(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ObservedAt("README.txt"); err == nil {
		t.Error("expected error for name without date")
	}
}
