package passes

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/star/skywatch/internal/propagation"
	"github.com/star/skywatch/internal/tle"
	"github.com/star/skywatch/internal/transform"
)

// Real ISS elements (epoch Feb 2025).
const (
	issLine1 = "1 25544U 98067A   25045.18032407  .00016717  00000+0  30099-3 0  9993"
	issLine2 = "2 25544  51.6412 193.5765 0003457 126.2851 233.8519 15.49874301495058"
)

var (
	nyc       = transform.Observer{LatitudeDeg: 40.7128, LongitudeDeg: -74.006, AltitudeM: 10}
	northPole = transform.Observer{LatitudeDeg: 90}
	start     = time.Date(2025, 2, 14, 12, 0, 0, 0, time.UTC)
)

func issSet(t *testing.T) tle.ElementSet {
	t.Helper()
	es, err := tle.ParseElements("ISS (ZARYA)", issLine1, issLine2)
	if err != nil {
		t.Fatalf("ParseElements: %v", err)
	}
	return es
}

func sgp4() propagation.Propagator {
	return propagation.SGP4Propagator{Gravity: propagation.GravityWGS72}
}

// fixedPropagator returns the same inertial state at every instant.
type fixedPropagator struct {
	pos [3]float64
	err error
}

func (f fixedPropagator) Propagate(_ tle.ElementSet, at time.Time) (propagation.StateVector, error) {
	if f.err != nil {
		return propagation.StateVector{}, f.err
	}
	return propagation.StateVector{Time: at.UTC().Truncate(time.Second), Position: f.pos, Velocity: [3]float64{0, 7.5, 0}}, nil
}

func elevation(t *testing.T, es tle.ElementSet, obs transform.Observer, at time.Time) float64 {
	t.Helper()
	sv, err := sgp4().Propagate(es, at)
	if err != nil {
		t.Fatalf("Propagate: %v", err)
	}
	return transform.ToLookAngles(sv, obs).ElevationDeg
}

// TestNextPassCrossings checks the pass against independent samples: the
// object is near the horizon and rising at Start, near it and setting at End.
func TestNextPassCrossings(t *testing.T) {
	es := issSet(t)
	p := New(sgp4(), DefaultConfig())

	pass, err := p.NextPass(context.Background(), es, nyc, start)
	if err != nil {
		t.Fatalf("NextPass: %v", err)
	}

	if pass.Duration <= 0 {
		t.Fatalf("duration %v must be positive", pass.Duration)
	}
	if pass.MaxElevation <= 0 || pass.MaxElevation > 90 {
		t.Errorf("max elevation %.2f out of (0, 90]", pass.MaxElevation)
	}
	if !pass.Start.After(start) {
		t.Errorf("pass starts %v, not after %v", pass.Start, start)
	}
	if pass.Start.Sub(start) > 24*time.Hour {
		t.Errorf("pass starts beyond horizon: %v", pass.Start)
	}
	if math.Abs(pass.DurationMinutes-pass.Duration.Minutes()) > 1e-9 {
		t.Errorf("DurationMinutes %.3f disagrees with Duration %v", pass.DurationMinutes, pass.Duration)
	}

	elStart := elevation(t, es, nyc, pass.Start)
	if elStart <= 0 || elStart > 0.5 {
		t.Errorf("elevation at start = %.3f, want just above 0", elStart)
	}
	if before := elevation(t, es, nyc, pass.Start.Add(-time.Second)); before > 0 {
		t.Errorf("elevation one second before start = %.3f, want <= 0", before)
	}
	if after := elevation(t, es, nyc, pass.Start.Add(10*time.Second)); after <= elStart {
		t.Errorf("not rising at start: %.3f then %.3f", elStart, after)
	}

	elEnd := elevation(t, es, nyc, pass.End)
	if elEnd <= 0 || elEnd > 0.5 {
		t.Errorf("elevation at end = %.3f, want just above 0", elEnd)
	}
	if after := elevation(t, es, nyc, pass.End.Add(time.Second)); after > 0 {
		t.Errorf("elevation one second after end = %.3f, want <= 0", after)
	}
	if before := elevation(t, es, nyc, pass.End.Add(-10*time.Second)); before <= elEnd {
		t.Errorf("not setting at end: %.3f then %.3f", before, elEnd)
	}

	if !pass.Start.Before(pass.MaxElevationTime) || !pass.MaxElevationTime.Before(pass.End) {
		t.Errorf("ordering violated: start=%v max=%v end=%v", pass.Start, pass.MaxElevationTime, pass.End)
	}

	// The refined peak must not be beaten by any sample in the pass.
	for ts := pass.Start; !ts.After(pass.End); ts = ts.Add(5 * time.Second) {
		if el := elevation(t, es, nyc, ts); el > pass.MaxElevation+0.01 {
			t.Errorf("sample at %v has elevation %.3f above max %.3f", ts, el, pass.MaxElevation)
		}
	}
}

// TestNextPassSkipsPassInProgress starts the search mid-pass.
func TestNextPassSkipsPassInProgress(t *testing.T) {
	es := issSet(t)
	p := New(sgp4(), DefaultConfig())

	first, err := p.NextPass(context.Background(), es, nyc, start)
	if err != nil {
		t.Fatalf("NextPass: %v", err)
	}
	second, err := p.NextPass(context.Background(), es, nyc, first.MaxElevationTime)
	if err != nil {
		t.Fatalf("NextPass from mid-pass: %v", err)
	}
	if !second.Start.After(first.End) {
		t.Errorf("second pass %v does not follow first pass end %v", second.Start, first.End)
	}
}

func TestNextPassDeterministic(t *testing.T) {
	es := issSet(t)
	p := New(sgp4(), DefaultConfig())

	a, err := p.NextPass(context.Background(), es, nyc, start)
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.NextPass(context.Background(), es, nyc, start.Add(400*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if a.Start != b.Start || a.End != b.End || a.MaxElevation != b.MaxElevation {
		t.Errorf("results differ: %+v vs %+v", a, b)
	}
}

func TestNextPassHorizonExceeded(t *testing.T) {
	tests := []struct {
		name string
		pos  [3]float64
	}{
		// An equatorial point is always below the pole's horizon.
		{"never rises", [3]float64{7000, 0, 0}},
		// A point above the pole is always up, so no new rise occurs.
		{"never sets", [3]float64{0, 0, 8000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(fixedPropagator{pos: tt.pos}, Config{Horizon: 2 * time.Hour})
			_, err := p.NextPass(context.Background(), tle.ElementSet{CatalogID: 1}, northPole, start)
			if !errors.Is(err, ErrHorizonExceeded) {
				t.Errorf("err = %v, want ErrHorizonExceeded", err)
			}
		})
	}
}

func TestNextPassPropagationError(t *testing.T) {
	boom := errors.New("propagation exploded")
	p := New(fixedPropagator{err: boom}, DefaultConfig())
	_, err := p.NextPass(context.Background(), tle.ElementSet{}, nyc, start)
	if err != boom {
		t.Errorf("err = %v, want the propagator's error unchanged", err)
	}

	p = New(fixedPropagator{err: propagation.ErrDecayed}, DefaultConfig())
	if _, err := p.NextPass(context.Background(), tle.ElementSet{}, nyc, start); !errors.Is(err, propagation.ErrDecayed) {
		t.Errorf("err = %v, want ErrDecayed", err)
	}
}

func TestNextPassCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := New(fixedPropagator{pos: [3]float64{7000, 0, 0}}, DefaultConfig())
	if _, err := p.NextPass(ctx, tle.ElementSet{}, northPole, start); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestPredictISS(t *testing.T) {
	p := New(sgp4(), DefaultConfig())
	bad := tle.ElementSet{CatalogID: 99999, Name: "BROKEN"}

	results := p.Predict(context.Background(), Request{
		Observer:    nyc,
		Sets:        []tle.ElementSet{issSet(t), bad},
		Start:       start,
		Horizon:     24 * time.Hour,
		MaxPasses:   10,
		GroundTrack: true,
	})

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[1].CatalogID != 99999 || results[1].Error == "" {
		t.Errorf("broken set result = %+v, want an error", results[1])
	}

	sat := results[0]
	if sat.CatalogID != 25544 || sat.Error != "" {
		t.Fatalf("ISS result = %d %q", sat.CatalogID, sat.Error)
	}
	if len(sat.Passes) == 0 {
		t.Fatal("expected at least 1 ISS pass over NYC in 24h")
	}

	for i, pass := range sat.Passes {
		if i > 0 && !pass.Start.After(sat.Passes[i-1].End) {
			t.Errorf("pass %d overlaps the previous one", i)
		}
		for _, az := range []float64{pass.StartAzimuth, pass.MaxAzimuth, pass.EndAzimuth} {
			if az < 0 || az >= 360 {
				t.Errorf("pass %d: azimuth %.2f out of range", i, az)
			}
		}
		if len(pass.GroundTrack) == 0 {
			t.Errorf("pass %d: no ground track", i)
		}
		for _, pt := range pass.GroundTrack {
			if pt.Altitude < 300 || pt.Altitude > 500 {
				t.Errorf("pass %d: ground track altitude %.1f km outside ISS range", i, pt.Altitude)
			}
			if pt.Latitude < -52 || pt.Latitude > 52 {
				t.Errorf("pass %d: ground track latitude %.2f beyond inclination", i, pt.Latitude)
			}
		}
	}
}

func TestPredictMinElevation(t *testing.T) {
	p := New(sgp4(), DefaultConfig())
	results := p.Predict(context.Background(), Request{
		Observer:     nyc,
		Sets:         []tle.ElementSet{issSet(t)},
		Start:        start,
		Horizon:      48 * time.Hour,
		MinElevation: 30,
	})
	for _, pass := range results[0].Passes {
		if pass.MaxElevation <= 30 {
			t.Errorf("pass with max elevation %.2f below filter", pass.MaxElevation)
		}
	}
}

func BenchmarkNextPass(b *testing.B) {
	es, err := tle.ParseElements("ISS (ZARYA)", issLine1, issLine2)
	if err != nil {
		b.Fatal(err)
	}
	p := New(propagation.SGP4Propagator{Gravity: propagation.GravityWGS72}, DefaultConfig())
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := p.NextPass(ctx, es, nyc, start); err != nil {
			b.Fatal(err)
		}
	}
}
