package tle

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

const (
	issLine1 = "1 25544U 98067A   24100.50000000  .00016717  00000-0  10270-3 0  9005"
	issLine2 = "2 25544  51.6400 100.0000 0001000   0.0000   0.0000 15.50000000    09"
)

// splice replaces line[start:end] with value, which must have the same width.
func splice(t *testing.T, line string, start, end int, value string) string {
	t.Helper()
	if len(value) != end-start {
		t.Fatalf("splice width %d, want %d", len(value), end-start)
	}
	return line[:start] + value + line[end:]
}

func TestParseElementsISS(t *testing.T) {
	es, err := ParseElements("ISS (ZARYA)", issLine1, issLine2)
	if err != nil {
		t.Fatalf("ParseElements: %v", err)
	}

	if es.CatalogID != 25544 {
		t.Errorf("CatalogID = %d, want 25544", es.CatalogID)
	}
	if es.Name != "ISS (ZARYA)" {
		t.Errorf("Name = %q", es.Name)
	}
	want := time.Date(2024, 4, 9, 12, 0, 0, 0, time.UTC)
	if d := es.Epoch.Sub(want); d < -time.Millisecond || d > time.Millisecond {
		t.Errorf("Epoch = %v, want %v", es.Epoch, want)
	}

	checks := []struct {
		name      string
		got, want float64
	}{
		{"inclination", es.Inclination, 51.64},
		{"raan", es.RAAN, 100.0},
		{"eccentricity", es.Eccentricity, 0.0001},
		{"mean motion", es.MeanMotion, 15.5},
		{"mean motion dot", es.MeanMotionDot, 0.00016717},
		{"bstar", es.BStar, 0.10270e-3},
	}
	for _, c := range checks {
		if math.Abs(c.got-c.want) > 1e-12 {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}

	if es.Regime() != NearEarth {
		t.Errorf("Regime = %v, want near-earth", es.Regime())
	}
}

func TestParseElementsDeepSpace(t *testing.T) {
	line2 := splice(t, issLine2, 52, 63, " 2.00560000")
	es, err := ParseElements("GPS-LIKE", issLine1, line2)
	if err != nil {
		t.Fatalf("ParseElements: %v", err)
	}
	if es.Regime() != DeepSpace {
		t.Errorf("Regime = %v for period %.1f min, want deep-space", es.Regime(), es.PeriodMinutes())
	}
}

func TestParseElementsRejects(t *testing.T) {
	tests := []struct {
		name  string
		line1 string
		line2 string
	}{
		{"short line 1", issLine1[:60], issLine2},
		{"short line 2", issLine1, issLine2[:50]},
		{"swapped lines", issLine2, issLine1},
		{"bad inclination", issLine1, splice(t, issLine2, 8, 16, " 51.6x00")},
		{"bad mean motion", issLine1, splice(t, issLine2, 52, 63, "15.5000000x")},
		{"zero mean motion", issLine1, splice(t, issLine2, 52, 63, " 0.00000000")},
		{"bad eccentricity", issLine1, splice(t, issLine2, 26, 33, "00a1000")},
		{"catalog mismatch", issLine1, splice(t, issLine2, 2, 7, "25545")},
		{"bad epoch", splice(t, issLine1, 20, 32, "400.00000000"), issLine2},
		{"bad bstar", splice(t, issLine1, 54, 59, "1z270"), issLine2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseElements("X", tt.line1, tt.line2)
			if !errors.Is(err, ErrMalformedElements) {
				t.Errorf("err = %v, want ErrMalformedElements", err)
			}
		})
	}
}

func TestValidateEccentricity(t *testing.T) {
	es, err := ParseElements("ISS", issLine1, issLine2)
	if err != nil {
		t.Fatal(err)
	}

	es.Eccentricity = 1.2
	if err := Validate(es); !errors.Is(err, ErrMalformedElements) {
		t.Errorf("eccentricity 1.2: err = %v, want ErrMalformedElements", err)
	}

	es.Eccentricity = -0.1
	if err := Validate(es); !errors.Is(err, ErrMalformedElements) {
		t.Errorf("eccentricity -0.1: err = %v, want ErrMalformedElements", err)
	}

	es.Eccentricity = 0
	es.Epoch = time.Time{}
	if err := Validate(es); !errors.Is(err, ErrMalformedElements) {
		t.Errorf("zero epoch: err = %v, want ErrMalformedElements", err)
	}
}

func TestParseLayouts(t *testing.T) {
	input := strings.Join([]string{
		"0 ISS (ZARYA)",
		issLine1,
		issLine2,
		// Bare 2-line set.
		"1 44713U 19074A   24100.50000000  .00001000  00000-0  10000-4 0  9995",
		"2 44713  53.0000 200.0000 0001500  90.0000 270.0000 15.06000000    05",
		"garbage line",
		"BROKEN",
		issLine1[:40],
		issLine2,
	}, "\r\n")

	sets, err := Parse(strings.NewReader(input), testLogger)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(sets) != 2 {
		t.Fatalf("got %d sets, want 2", len(sets))
	}
	if sets[0].Name != "ISS (ZARYA)" {
		t.Errorf("sets[0].Name = %q", sets[0].Name)
	}
	if sets[1].CatalogID != 44713 || sets[1].Name != "44713" {
		t.Errorf("sets[1] = %d %q", sets[1].CatalogID, sets[1].Name)
	}
}

func TestChecksumValid(t *testing.T) {
	if ChecksumValid(issLine1) {
		t.Error("expected checksum mismatch for test line")
	}
	if !ChecksumValid(issLine1[:68] + "9") {
		t.Error("expected corrected line to validate")
	}
	if ChecksumValid("1 2") {
		t.Error("short line must not validate")
	}
}

func TestNewCatalogDeduplicates(t *testing.T) {
	older, _ := ParseElements("ISS", issLine1, issLine2)
	newer := older
	newer.Epoch = older.Epoch.Add(time.Hour)
	other := older
	other.CatalogID = 1

	c := NewCatalog("test", time.Unix(0, 0), []ElementSet{older, other, newer})
	if len(c.Sets) != 2 {
		t.Fatalf("got %d sets, want 2", len(c.Sets))
	}
	if !c.Sets[0].Epoch.Equal(newer.Epoch) {
		t.Errorf("kept epoch %v, want newest %v", c.Sets[0].Epoch, newer.Epoch)
	}
	if !c.EpochRange.Min.Equal(older.Epoch) || !c.EpochRange.Max.Equal(newer.Epoch) {
		t.Errorf("EpochRange = %+v", c.EpochRange)
	}
	if _, ok := c.Lookup(1); !ok {
		t.Error("Lookup(1) missing")
	}
	if ids := c.IDs(); ids[0] != 1 || ids[1] != 25544 {
		t.Errorf("IDs = %v", ids)
	}
}
