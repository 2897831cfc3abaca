package passes

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/star/skywatch/internal/propagation"
	"github.com/star/skywatch/internal/tle"
	"github.com/star/skywatch/internal/transform"
)

// ErrHorizonExceeded means no complete pass starts within the search horizon.
// Callers treat it as "no upcoming pass", not as a failure.
var ErrHorizonExceeded = errors.New("no pass within prediction horizon")

// GroundTrackPoint is a sub-satellite position at a specific time during a pass.
type GroundTrackPoint struct {
	Time      time.Time `json:"time"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Altitude  float64   `json:"altitude_km"`
	Elevation float64   `json:"elevation"` // degrees above observer's horizon
}

// Pass is one interval during which an object is above the observer's
// horizon. Start and End are the horizon crossings to Config.Precision.
type Pass struct {
	Start            time.Time          `json:"start"`
	End              time.Time          `json:"end"`
	Duration         time.Duration      `json:"-"`
	DurationMinutes  float64            `json:"duration_minutes"`
	MaxElevation     float64            `json:"max_elevation"`
	MaxElevationTime time.Time          `json:"max_elevation_time"`
	StartAzimuth     float64            `json:"start_azimuth"`
	MaxAzimuth       float64            `json:"max_azimuth"`
	EndAzimuth       float64            `json:"end_azimuth"`
	GroundTrack      []GroundTrackPoint `json:"ground_track,omitempty"`
}

// Config controls the search.
type Config struct {
	// CoarseStep is the scan interval. Passes shorter than this can be missed.
	CoarseStep time.Duration
	// Horizon bounds how far ahead a rise is searched for.
	Horizon time.Duration
	// Precision of the bisected rise and set instants.
	Precision time.Duration
	// MinElevation in degrees; an object is up when strictly above it.
	MinElevation float64
	// MaxPassSpan bounds the search for the set after a rise.
	MaxPassSpan time.Duration
}

// DefaultConfig returns a 60 s scan over 24 h refined to 1 s.
func DefaultConfig() Config {
	return Config{
		CoarseStep:  60 * time.Second,
		Horizon:     24 * time.Hour,
		Precision:   time.Second,
		MaxPassSpan: 24 * time.Hour,
	}
}

// Predictor finds passes over an observer.
type Predictor struct {
	prop propagation.Propagator
	cfg  Config
}

// New creates a Predictor. Zero config fields take their defaults.
func New(prop propagation.Propagator, cfg Config) *Predictor {
	def := DefaultConfig()
	if cfg.CoarseStep <= 0 {
		cfg.CoarseStep = def.CoarseStep
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = def.Horizon
	}
	if cfg.Precision < time.Second {
		cfg.Precision = def.Precision
	}
	if cfg.MaxPassSpan <= 0 {
		cfg.MaxPassSpan = def.MaxPassSpan
	}
	return &Predictor{prop: prop, cfg: cfg}
}

// Config returns the effective configuration.
func (p *Predictor) Config() Config {
	return p.cfg
}

// NextPass returns the first pass that rises after from. If the object is
// already up at from, the pass in progress is skipped. Propagation errors
// are returned unchanged.
func (p *Predictor) NextPass(ctx context.Context, es tle.ElementSet, obs transform.Observer, from time.Time) (Pass, error) {
	from = from.UTC().Truncate(time.Second)
	s := p.newSearch(es, obs)
	return s.next(ctx, from, from.Add(p.cfg.Horizon))
}

// search evaluates one object for one observer.
type search struct {
	prop   propagation.Propagator
	cfg    Config
	es     tle.ElementSet
	obsPos transform.ObserverPosition
}

func (p *Predictor) newSearch(es tle.ElementSet, obs transform.Observer) *search {
	return &search{prop: p.prop, cfg: p.cfg, es: es, obsPos: transform.NewObserverPosition(obs)}
}

type sample struct {
	t  time.Time
	la transform.LookAngles
	sv propagation.StateVector
}

func (s *search) at(t time.Time) (sample, error) {
	sv, err := s.prop.Propagate(s.es, t)
	if err != nil {
		return sample{}, err
	}
	return sample{t: t, la: transform.LookFrom(s.obsPos, sv, transform.GMST(sv.Time)), sv: sv}, nil
}

func (s *search) up(sm sample) bool {
	return sm.la.ElevationDeg > s.cfg.MinElevation
}

// next finds the first rise in (from, limit] and completes the pass.
func (s *search) next(ctx context.Context, from, limit time.Time) (Pass, error) {
	step := s.cfg.CoarseStep

	prev, err := s.at(from)
	if err != nil {
		return Pass{}, err
	}

	// Skip a pass in progress.
	for s.up(prev) {
		if err := ctx.Err(); err != nil {
			return Pass{}, err
		}
		t := prev.t.Add(step)
		if t.After(limit) {
			return Pass{}, ErrHorizonExceeded
		}
		if prev, err = s.at(t); err != nil {
			return Pass{}, err
		}
	}

	// Coarse scan for the rise.
	var cur sample
	for {
		if err := ctx.Err(); err != nil {
			return Pass{}, err
		}
		t := prev.t.Add(step)
		if t.After(limit) {
			return Pass{}, ErrHorizonExceeded
		}
		if cur, err = s.at(t); err != nil {
			return Pass{}, err
		}
		if s.up(cur) {
			break
		}
		prev = cur
	}

	_, rise, err := s.bisect(prev, cur)
	if err != nil {
		return Pass{}, err
	}

	// Coarse scan for the set, tracking the highest sample.
	best := rise
	last := rise
	setLimit := rise.t.Add(s.cfg.MaxPassSpan)
	for {
		if err := ctx.Err(); err != nil {
			return Pass{}, err
		}
		t := last.t.Add(step)
		if t.After(setLimit) {
			return Pass{}, ErrHorizonExceeded
		}
		if cur, err = s.at(t); err != nil {
			return Pass{}, err
		}
		if !s.up(cur) {
			break
		}
		if cur.la.ElevationDeg > best.la.ElevationDeg {
			best = cur
		}
		last = cur
	}

	set, _, err := s.bisect(last, cur)
	if err != nil {
		return Pass{}, err
	}

	peak, err := s.refineMax(best, rise.t, set.t)
	if err != nil {
		return Pass{}, err
	}

	d := set.t.Sub(rise.t)
	return Pass{
		Start:            rise.t,
		End:              set.t,
		Duration:         d,
		DurationMinutes:  d.Minutes(),
		MaxElevation:     peak.la.ElevationDeg,
		MaxElevationTime: peak.t,
		StartAzimuth:     rise.la.AzimuthDeg,
		MaxAzimuth:       peak.la.AzimuthDeg,
		EndAzimuth:       set.la.AzimuthDeg,
	}, nil
}

// bisect narrows a horizon crossing between a and b, which must be on
// opposite sides of it, down to Config.Precision. It returns the bracketing
// samples in the same order.
func (s *search) bisect(a, b sample) (sample, sample, error) {
	aUp := s.up(a)
	for b.t.Sub(a.t) > s.cfg.Precision {
		mid := a.t.Add((b.t.Sub(a.t) / 2).Truncate(time.Second))
		if !mid.After(a.t) {
			break
		}
		m, err := s.at(mid)
		if err != nil {
			return sample{}, sample{}, err
		}
		if s.up(m) == aUp {
			a = m
		} else {
			b = m
		}
	}
	return a, b, nil
}

// invPhi is 1/φ for the golden-section search.
var invPhi = (math.Sqrt(5) - 1) / 2

// refineMax runs a golden-section search for the elevation peak within one
// coarse step either side of the best coarse sample.
func (s *search) refineMax(best sample, start, end time.Time) (sample, error) {
	lo := best.t.Add(-s.cfg.CoarseStep)
	if lo.Before(start) {
		lo = start
	}
	hi := best.t.Add(s.cfg.CoarseStep)
	if hi.After(end) {
		hi = end
	}

	a, b := 0.0, hi.Sub(lo).Seconds()
	tol := s.cfg.Precision.Seconds()
	eval := func(x float64) (sample, error) {
		return s.at(lo.Add(time.Duration(math.Round(x)) * time.Second))
	}

	c := b - (b-a)*invPhi
	d := a + (b-a)*invPhi
	fc, err := eval(c)
	if err != nil {
		return sample{}, err
	}
	fd, err := eval(d)
	if err != nil {
		return sample{}, err
	}
	for b-a > tol {
		if fc.la.ElevationDeg > fd.la.ElevationDeg {
			b, d, fd = d, c, fc
			c = b - (b-a)*invPhi
			if fc, err = eval(c); err != nil {
				return sample{}, err
			}
		} else {
			a, c, fc = c, d, fd
			d = a + (b-a)*invPhi
			if fd, err = eval(d); err != nil {
				return sample{}, err
			}
		}
	}

	peak := best
	for _, cand := range []sample{fc, fd} {
		if cand.la.ElevationDeg > peak.la.ElevationDeg {
			peak = cand
		}
	}

	// The model resolves whole seconds, so plateaus can strand the search
	// one step from the true maximum; finish with a short exhaustive scan.
	for k := math.Floor(a) - 2; k <= math.Ceil(b)+2; k++ {
		t := lo.Add(time.Duration(k) * time.Second)
		if t.Before(start) || t.After(end) {
			continue
		}
		cand, err := s.at(t)
		if err != nil {
			return sample{}, err
		}
		if cand.la.ElevationDeg > peak.la.ElevationDeg {
			peak = cand
		}
	}
	return peak, nil
}
