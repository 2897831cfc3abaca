package visibility

import (
	"math"
	"testing"
	"time"

	"github.com/star/skywatch/internal/transform"
)

var greenwich = transform.Observer{LatitudeDeg: 51.4779, LongitudeDeg: 0}

// TestHorizonBaseline samples elevations on both sides of zero.
func TestHorizonBaseline(t *testing.T) {
	p := DefaultPolicy()
	at := time.Date(2025, 6, 21, 12, 0, 0, 0, time.UTC)

	for _, el := range []float64{-90, -10, -1e-9, 0, 1e-9, 0.5, 10, 89.9, 90} {
		got := p.IsVisible(transform.LookAngles{ElevationDeg: el}, greenwich, at)
		if want := el > 0; got != want {
			t.Errorf("IsVisible(el=%v) = %v, want %v", el, got, want)
		}
	}
	if p.IsVisible(transform.LookAngles{ElevationDeg: math.NaN()}, greenwich, at) {
		t.Error("NaN elevation reported visible")
	}
}

func TestDarkHours(t *testing.T) {
	p := DefaultPolicy()
	p.Mode = ModeDarkHours
	up := transform.LookAngles{ElevationDeg: 30}

	tests := []struct {
		hour int
		want bool
	}{
		{0, true}, {5, true}, {6, false}, {12, false}, {20, false}, {21, true}, {23, true},
	}
	for _, tt := range tests {
		at := time.Date(2025, 3, 1, tt.hour, 30, 0, 0, time.UTC)
		if got := p.IsVisible(up, greenwich, at); got != tt.want {
			t.Errorf("hour %d: IsVisible = %v, want %v", tt.hour, got, tt.want)
		}
	}

	// Below the horizon is never visible, even at night.
	night := time.Date(2025, 3, 1, 1, 0, 0, 0, time.UTC)
	if p.IsVisible(transform.LookAngles{ElevationDeg: -5}, greenwich, night) {
		t.Error("object below horizon reported visible at night")
	}
}

func TestLocalHour(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	// 90°E is six hours ahead in mean solar time.
	if h := LocalHour(transform.Observer{LongitudeDeg: 90}, at, nil); h != 18 {
		t.Errorf("LocalHour(90E) = %d, want 18", h)
	}
	if h := LocalHour(transform.Observer{LongitudeDeg: -74}, at, nil); h != 7 {
		t.Errorf("LocalHour(74W) = %d, want 7", h)
	}

	loc := time.FixedZone("UTC-5", -5*3600)
	if h := LocalHour(transform.Observer{LongitudeDeg: 90}, at, loc); h != 7 {
		t.Errorf("LocalHour with zone = %d, want 7", h)
	}
}

// TestSunAltitude checks solstice noon and midnight at Greenwich, where the
// altitude follows from latitude and declination alone.
func TestSunAltitude(t *testing.T) {
	tests := []struct {
		name string
		at   time.Time
		want float64
	}{
		{"solstice noon", time.Date(2024, 6, 20, 12, 0, 0, 0, time.UTC), 90 - 51.4779 + 23.44},
		{"solstice midnight", time.Date(2024, 6, 21, 0, 0, 0, 0, time.UTC), -(90 - 51.4779 - 23.44)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SunAltitude(greenwich, tt.at); math.Abs(got-tt.want) > 0.75 {
				t.Errorf("SunAltitude = %.2f, want %.2f", got, tt.want)
			}
		})
	}
}

func TestTwilight(t *testing.T) {
	p := DefaultPolicy()
	p.Mode = ModeTwilight
	up := transform.LookAngles{ElevationDeg: 45}

	if p.IsVisible(up, greenwich, time.Date(2024, 6, 20, 12, 0, 0, 0, time.UTC)) {
		t.Error("visible at noon under twilight policy")
	}
	if !p.IsVisible(up, greenwich, time.Date(2024, 12, 21, 0, 0, 0, 0, time.UTC)) {
		t.Error("not visible at winter midnight under twilight policy")
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeHorizon, "Horizon": ModeHorizon, "dark-hours": ModeDarkHours, " twilight": ModeTwilight} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseMode("night"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
