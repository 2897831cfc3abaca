package passes

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/star/skywatch/internal/tle"
	"github.com/star/skywatch/internal/transform"
)

// groundTrackStep is the spacing of ground track samples.
const groundTrackStep = 10 * time.Second

// SatellitePasses holds the predicted passes for one object.
type SatellitePasses struct {
	CatalogID int    `json:"catalog_id"`
	Name      string `json:"name"`
	Passes    []Pass `json:"passes"`
	Error     string `json:"error,omitempty"`
}

// Request holds the parameters for a multi-pass prediction.
type Request struct {
	Observer     transform.Observer
	Sets         []tle.ElementSet
	Start        time.Time
	Horizon      time.Duration
	MinElevation float64 // degrees
	MaxPasses    int
	GroundTrack  bool
}

// Predict lists the passes of every requested object within the window.
// Each object is processed in its own goroutine, bounded by a semaphore.
// Failures are reported per object.
func (p *Predictor) Predict(ctx context.Context, req Request) []SatellitePasses {
	cfg := p.cfg
	cfg.MinElevation = req.MinElevation
	if req.Horizon > 0 {
		cfg.Horizon = req.Horizon
	}
	if req.MaxPasses <= 0 {
		req.MaxPasses = 10
	}
	sub := &Predictor{prop: p.prop, cfg: cfg}

	results := make([]SatellitePasses, len(req.Sets))
	sem := make(chan struct{}, runtime.NumCPU())
	var wg sync.WaitGroup

	for i, es := range req.Sets {
		wg.Add(1)
		go func(idx int, es tle.ElementSet) {
			defer wg.Done()
			results[idx] = SatellitePasses{CatalogID: es.CatalogID, Name: es.Name}

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx].Error = "cancelled"
				return
			}

			passes, err := sub.allPasses(ctx, es, req)
			results[idx].Passes = passes
			if err != nil {
				results[idx].Error = err.Error()
			}
		}(i, es)
	}

	wg.Wait()
	return results
}

func (p *Predictor) allPasses(ctx context.Context, es tle.ElementSet, req Request) ([]Pass, error) {
	s := p.newSearch(es, req.Observer)
	from := req.Start.UTC().Truncate(time.Second)
	limit := from.Add(p.cfg.Horizon)

	var passes []Pass
	for len(passes) < req.MaxPasses {
		pass, err := s.next(ctx, from, limit)
		if errors.Is(err, ErrHorizonExceeded) {
			return passes, nil
		}
		if err != nil {
			return passes, err
		}
		if req.GroundTrack {
			if pass.GroundTrack, err = s.groundTrack(pass); err != nil {
				return passes, err
			}
		}
		passes = append(passes, pass)
		from = pass.End.Add(time.Second)
	}
	return passes, nil
}

func (s *search) groundTrack(pass Pass) ([]GroundTrackPoint, error) {
	var track []GroundTrackPoint
	for t := pass.Start; !t.After(pass.End); t = t.Add(groundTrackStep) {
		sm, err := s.at(t)
		if err != nil {
			return nil, err
		}
		geo := transform.ECEFToGeodetic(transform.TEMEToECEF(sm.sv).Position)
		track = append(track, GroundTrackPoint{
			Time:      t,
			Latitude:  geo.LatDeg,
			Longitude: geo.LonDeg,
			Altitude:  geo.AltKm,
			Elevation: sm.la.ElevationDeg,
		})
	}
	return track, nil
}
