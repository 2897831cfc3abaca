package source

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/star/skywatch/internal/brightness"
	"github.com/star/skywatch/internal/passes"
	"github.com/star/skywatch/internal/tracker"
	"github.com/star/skywatch/internal/transform"
	"github.com/star/skywatch/internal/visibility"
)

// simulatedBucket is the interval over which simulated output is constant.
const simulatedBucket = 30 * time.Second

type demoObject struct {
	catalogID int
	name      string
	magnitude float64
}

var demoObjects = []demoObject{
	{25544, "ISS (ZARYA)", -2.5},
	{40128, "STARLINK-1007", 4.2},
	{43013, "STARLINK-1130", 3.8},
	{25400, "COSMOS 2251 DEB", 5.1},
	{28654, "SPOT 5", 4.5},
	{39166, "GAOFEN 7", 4.8},
	{37849, "TIANHE", 3.2},
	{43596, "STARLINK-1662", 4.1},
}

// Simulated produces a plausible, fully deterministic sky for demos and UI
// work without element data. Output depends only on the observer, the
// 30 s bucket containing the instant, and the visibility policy. Visibility
// is the policy's verdict on the simulated look angles and nothing else.
type Simulated struct {
	policy visibility.Policy
}

// NewSimulated creates a simulated source.
func NewSimulated(policy visibility.Policy) *Simulated {
	return &Simulated{policy: policy}
}

// Name implements Source.
func (s *Simulated) Name() string { return string(KindSimulated) }

// Track implements Source.
func (s *Simulated) Track(ctx context.Context, obs transform.Observer, at time.Time) (tracker.Batch, error) {
	if err := ctx.Err(); err != nil {
		return tracker.Batch{}, err
	}
	at = at.UTC().Truncate(simulatedBucket)
	secs := float64(at.Unix())

	batch := tracker.Batch{
		Satellites: make([]tracker.TrackedSatellite, 0, len(demoObjects)),
		Failed:     map[string]int{},
	}
	for i, d := range demoObjects {
		rng := rand.New(rand.NewPCG(uint64(at.Unix()), uint64(d.catalogID)))

		phase := (secs + float64(i)*1000) / 5000
		az := math.Mod(phase*50+float64(i)*45, 360)
		el := math.Sin(phase+float64(i))*60 + 30

		la := transform.LookAngles{
			AzimuthDeg:   az,
			ElevationDeg: el,
			RangeKm:      400 + rng.Float64()*800,
			SpeedKmS:     7.5 + rng.Float64()*0.5,
		}
		mag := d.magnitude + rng.Float64() - 0.5
		visible := s.policy.IsVisible(la, obs, at)

		sat := tracker.TrackedSatellite{
			CatalogID:    d.catalogID,
			Name:         d.name,
			AzimuthDeg:   la.AzimuthDeg,
			ElevationDeg: la.ElevationDeg,
			RangeKm:      la.RangeKm,
			SpeedKmS:     la.SpeedKmS,
			Direction:    transform.CompassPoint(az),
			Magnitude:    mag,
			Brightness:   brightness.Label(mag),
			Visible:      visible,
		}
		if !visible {
			sat.NextPass = simulatedPass(rng, at)
		}
		batch.Satellites = append(batch.Satellites, sat)
	}
	return batch, nil
}

// simulatedPass starts 1 to 6 hours out and lasts 2 to 8 minutes.
func simulatedPass(rng *rand.Rand, at time.Time) *passes.Pass {
	start := at.Add(time.Duration((1 + rng.Float64()*5) * float64(time.Hour))).Truncate(time.Second)
	dur := time.Duration(2+rng.IntN(6)) * time.Minute
	startAz := rng.Float64() * 360
	return &passes.Pass{
		Start:            start,
		End:              start.Add(dur),
		Duration:         dur,
		DurationMinutes:  dur.Minutes(),
		MaxElevation:     float64(20 + rng.IntN(70)),
		MaxElevationTime: start.Add(dur / 2),
		StartAzimuth:     startAz,
		MaxAzimuth:       math.Mod(startAz+90, 360),
		EndAzimuth:       math.Mod(startAz+180, 360),
	}
}
