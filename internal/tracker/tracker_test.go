package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/star/skywatch/internal/passes"
	"github.com/star/skywatch/internal/propagation"
	"github.com/star/skywatch/internal/tle"
	"github.com/star/skywatch/internal/transform"
	"github.com/star/skywatch/internal/visibility"
)

const (
	issLine1 = "1 25544U 98067A   25045.18032407  .00016717  00000+0  30099-3 0  9993"
	issLine2 = "2 25544  51.6412 193.5765 0003457 126.2851 233.8519 15.49874301495058"
)

var (
	nyc       = transform.Observer{LatitudeDeg: 40.7128, LongitudeDeg: -74.006, AltitudeM: 10}
	northPole = transform.Observer{LatitudeDeg: 90}
	refTime   = time.Date(2025, 2, 14, 12, 0, 0, 0, time.UTC)
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func issSet(t *testing.T) tle.ElementSet {
	t.Helper()
	es, err := tle.ParseElements("ISS (ZARYA)", issLine1, issLine2)
	if err != nil {
		t.Fatalf("ParseElements: %v", err)
	}
	return es
}

// catalog returns n copies of the ISS elements under distinct catalog ids.
func catalog(t *testing.T, n int) []tle.ElementSet {
	t.Helper()
	base := issSet(t)
	sets := make([]tle.ElementSet, n)
	for i := range sets {
		es := base
		es.CatalogID = 1000 + i
		es.Name = fmt.Sprintf("OBJECT %d", i)
		sets[i] = es
	}
	return sets
}

// failingPropagator delegates to SGP4 except for the listed catalog ids.
type failingPropagator struct {
	fail map[int]error
}

func (f failingPropagator) Propagate(es tle.ElementSet, at time.Time) (propagation.StateVector, error) {
	if err, ok := f.fail[es.CatalogID]; ok {
		return propagation.StateVector{}, err
	}
	return propagation.SGP4Propagator{Gravity: propagation.GravityWGS72}.Propagate(es, at)
}

// fixedPropagator returns the same inertial state at every instant.
type fixedPropagator struct {
	pos [3]float64
}

func (f fixedPropagator) Propagate(_ tle.ElementSet, at time.Time) (propagation.StateVector, error) {
	return propagation.StateVector{Time: at.UTC().Truncate(time.Second), Position: f.pos, Velocity: [3]float64{0, 7.5, 0}}, nil
}

func newTracker(prop propagation.Propagator, withPasses bool) *Tracker {
	var pred *passes.Predictor
	if withPasses {
		pred = passes.New(prop, passes.Config{Horizon: 12 * time.Hour})
	}
	return New(prop, visibility.DefaultPolicy(), pred, testLogger(), 4)
}

// TestTrackAllIsolatesDecayed: a 10-object catalog with one decayed object
// yields a 9-entry batch in catalog order.
func TestTrackAllIsolatesDecayed(t *testing.T) {
	sets := catalog(t, 10)
	prop := failingPropagator{fail: map[int]error{1004: propagation.ErrDecayed}}
	tr := newTracker(prop, true)

	batch, err := tr.TrackAll(context.Background(), sets, nyc, refTime)
	if err != nil {
		t.Fatalf("TrackAll: %v", err)
	}
	if len(batch.Satellites) != 9 {
		t.Fatalf("got %d entries, want 9", len(batch.Satellites))
	}
	if batch.Failed[ReasonDecayed] != 1 || batch.FailedTotal() != 1 {
		t.Errorf("failed = %v, want one decayed", batch.Failed)
	}

	want := []int{1000, 1001, 1002, 1003, 1005, 1006, 1007, 1008, 1009}
	for i, sat := range batch.Satellites {
		if sat.CatalogID != want[i] {
			t.Errorf("entry %d: catalog id %d, want %d", i, sat.CatalogID, want[i])
		}
	}
}

func TestTrackAllFailureReasons(t *testing.T) {
	sets := catalog(t, 5)
	prop := failingPropagator{fail: map[int]error{
		1000: fmt.Errorf("model: %w", propagation.ErrDecayed),
		1001: fmt.Errorf("line 2: %w", tle.ErrMalformedElements),
		1002: errors.New("something else"),
	}}
	tr := newTracker(prop, false)

	batch, err := tr.TrackAll(context.Background(), sets, nyc, refTime)
	if err != nil {
		t.Fatalf("TrackAll: %v", err)
	}
	if len(batch.Satellites) != 2 {
		t.Errorf("got %d entries, want 2", len(batch.Satellites))
	}
	want := map[string]int{ReasonDecayed: 1, ReasonMalformed: 1, ReasonOther: 1}
	if !reflect.DeepEqual(batch.Failed, want) {
		t.Errorf("failed = %v, want %v", batch.Failed, want)
	}
}

func TestTrackAllEmpty(t *testing.T) {
	tr := newTracker(failingPropagator{}, false)
	batch, err := tr.TrackAll(context.Background(), nil, nyc, refTime)
	if err != nil {
		t.Fatalf("TrackAll: %v", err)
	}
	if len(batch.Satellites) != 0 || batch.FailedTotal() != 0 {
		t.Errorf("batch = %+v, want empty", batch)
	}
}

func TestTrackAllCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr := newTracker(failingPropagator{}, true)
	if _, err := tr.TrackAll(ctx, catalog(t, 10), nyc, refTime); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

// TestTrackIdempotent: identical inputs give bit-identical output.
func TestTrackIdempotent(t *testing.T) {
	es := issSet(t)
	tr := newTracker(failingPropagator{}, true)

	a, err := tr.Track(context.Background(), es, nyc, refTime)
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	b, err := tr.Track(context.Background(), es, nyc, refTime)
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Errorf("results differ:\n%+v\n%+v", a, b)
	}
}

func TestTrackFields(t *testing.T) {
	es := issSet(t)
	tr := newTracker(failingPropagator{}, true)

	for h := 0; h < 24; h++ {
		at := refTime.Add(time.Duration(h) * 37 * time.Minute)
		sat, err := tr.Track(context.Background(), es, nyc, at)
		if err != nil {
			t.Fatalf("Track at %v: %v", at, err)
		}
		if sat.CatalogID != 25544 || sat.Name != "ISS (ZARYA)" {
			t.Errorf("identity = %d %q", sat.CatalogID, sat.Name)
		}
		if sat.AzimuthDeg < 0 || sat.AzimuthDeg >= 360 {
			t.Errorf("azimuth %.2f out of range", sat.AzimuthDeg)
		}
		if sat.ElevationDeg < -90 || sat.ElevationDeg > 90 {
			t.Errorf("elevation %.2f out of range", sat.ElevationDeg)
		}
		if sat.RangeKm < 0 || sat.SpeedKmS < 7 || sat.SpeedKmS > 8 {
			t.Errorf("range %.1f / speed %.3f implausible", sat.RangeKm, sat.SpeedKmS)
		}
		if sat.Visible != sat.AboveHorizon() {
			t.Errorf("horizon policy: visible=%v at elevation %.2f", sat.Visible, sat.ElevationDeg)
		}
		if sat.Visible && sat.NextPass != nil {
			t.Error("visible object carries a next pass")
		}
		if sat.Direction == "" || sat.Brightness == "" {
			t.Error("missing direction or brightness label")
		}
		if sat.NextPass != nil && !sat.NextPass.Start.After(at) {
			t.Errorf("next pass %v does not follow %v", sat.NextPass.Start, at)
		}
	}
}

func TestTrackVisibleHasNoPass(t *testing.T) {
	// Straight above the pole.
	tr := newTracker(fixedPropagator{pos: [3]float64{0, 0, 7000}}, true)
	sat, err := tr.Track(context.Background(), tle.ElementSet{CatalogID: 7, Name: "ISS"}, northPole, refTime)
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if !sat.Visible || sat.NextPass != nil {
		t.Errorf("visible=%v next=%v, want visible with no pass", sat.Visible, sat.NextPass)
	}
	if sat.ElevationDeg < 89.9 {
		t.Errorf("elevation %.3f, want ~90", sat.ElevationDeg)
	}
}

func TestTrackHorizonExceededMeansNoPass(t *testing.T) {
	// Equatorial point, never above the pole's horizon.
	tr := newTracker(fixedPropagator{pos: [3]float64{7000, 0, 0}}, true)
	sat, err := tr.Track(context.Background(), tle.ElementSet{CatalogID: 7}, northPole, refTime)
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if sat.Visible || sat.NextPass != nil {
		t.Errorf("visible=%v next=%v, want neither", sat.Visible, sat.NextPass)
	}
}

func TestTrackInsideEarthIsDecayed(t *testing.T) {
	tr := newTracker(fixedPropagator{pos: [3]float64{100, 0, 0}}, false)
	_, err := tr.Track(context.Background(), tle.ElementSet{CatalogID: 7}, nyc, refTime)
	if !errors.Is(err, propagation.ErrDecayed) {
		t.Errorf("err = %v, want ErrDecayed", err)
	}
}

func TestTrackDarkHoursPolicy(t *testing.T) {
	policy := visibility.DefaultPolicy()
	policy.Mode = visibility.ModeDarkHours
	policy.Location = time.UTC
	prop := fixedPropagator{pos: [3]float64{0, 0, 7000}}
	tr := New(prop, policy, nil, testLogger(), 1)

	noon := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	night := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)

	day, err := tr.Track(context.Background(), tle.ElementSet{CatalogID: 7}, northPole, noon)
	if err != nil {
		t.Fatal(err)
	}
	if day.Visible {
		t.Error("overhead object visible at noon under dark-hours policy")
	}
	dark, err := tr.Track(context.Background(), tle.ElementSet{CatalogID: 7}, northPole, night)
	if err != nil {
		t.Fatal(err)
	}
	if !dark.Visible {
		t.Error("overhead object not visible at 23:00 under dark-hours policy")
	}
}

func BenchmarkTrackAll(b *testing.B) {
	es, err := tle.ParseElements("ISS (ZARYA)", issLine1, issLine2)
	if err != nil {
		b.Fatal(err)
	}
	sets := make([]tle.ElementSet, 100)
	for i := range sets {
		sets[i] = es
		sets[i].CatalogID = i
	}
	tr := New(propagation.SGP4Propagator{Gravity: propagation.GravityWGS72}, visibility.DefaultPolicy(), nil,
		slog.New(slog.NewJSONHandler(io.Discard, nil)), 0)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := tr.TrackAll(context.Background(), sets, nyc, refTime); err != nil {
			b.Fatal(err)
		}
	}
}
