// Package tracker runs the per-object pipeline: propagate, transform to look
// angles, classify visibility, estimate brightness and, for objects that are
// not visible, predict the next pass.
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"time"

	"github.com/star/skywatch/internal/brightness"
	"github.com/star/skywatch/internal/passes"
	"github.com/star/skywatch/internal/propagation"
	"github.com/star/skywatch/internal/tle"
	"github.com/star/skywatch/internal/transform"
	"github.com/star/skywatch/internal/visibility"
)

// Failure reasons used in Batch.Failed.
const (
	ReasonDecayed   = "decayed"
	ReasonMalformed = "malformed"
	ReasonOther     = "other"
)

// TrackedSatellite is one object's entry in a snapshot. Visible and NextPass
// are mutually exclusive: a visible object never carries a prediction.
type TrackedSatellite struct {
	CatalogID    int          `json:"catalog_id"`
	Name         string       `json:"name"`
	AzimuthDeg   float64      `json:"azimuth"`
	ElevationDeg float64      `json:"elevation"`
	RangeKm      float64      `json:"range"`
	SpeedKmS     float64      `json:"speed"`
	Direction    string       `json:"direction"`
	Magnitude    float64      `json:"magnitude"`
	Brightness   string       `json:"brightness"`
	Visible      bool         `json:"visible"`
	NextPass     *passes.Pass `json:"next_pass,omitempty"`
}

// AboveHorizon reports whether the object is geometrically above the horizon.
func (s TrackedSatellite) AboveHorizon() bool {
	return s.ElevationDeg > 0
}

// Batch is the merged result of tracking a catalog. Satellites keep catalog
// order; Failed counts omitted objects by reason.
type Batch struct {
	Satellites []TrackedSatellite
	Failed     map[string]int
}

// FailedTotal returns the number of omitted objects.
func (b Batch) FailedTotal() int {
	n := 0
	for _, c := range b.Failed {
		n += c
	}
	return n
}

// Reason classifies a tracking error for failure accounting.
func Reason(err error) string {
	switch {
	case errors.Is(err, propagation.ErrDecayed):
		return ReasonDecayed
	case errors.Is(err, tle.ErrMalformedElements):
		return ReasonMalformed
	default:
		return ReasonOther
	}
}

// Tracker composes the pipeline stages.
type Tracker struct {
	prop      propagation.Propagator
	policy    visibility.Policy
	predictor *passes.Predictor
	pool      *WorkerPool
}

// New creates a Tracker. A nil predictor disables next-pass prediction.
// workers <= 0 uses one worker per CPU.
func New(prop propagation.Propagator, policy visibility.Policy, predictor *passes.Predictor, logger *slog.Logger, workers int) *Tracker {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	t := &Tracker{prop: prop, policy: policy, predictor: predictor}
	t.pool = NewWorkerPool(workers, logger)
	return t
}

// Policy returns the visibility policy in use.
func (t *Tracker) Policy() visibility.Policy {
	return t.policy
}

// Track runs the pipeline for one element set at one instant. It is a pure
// function of its inputs: equal arguments give identical results.
func (t *Tracker) Track(ctx context.Context, es tle.ElementSet, obs transform.Observer, at time.Time) (TrackedSatellite, error) {
	at = at.UTC().Truncate(time.Second)

	sv, err := t.prop.Propagate(es, at)
	if err != nil {
		return TrackedSatellite{}, err
	}
	if !transform.ValidState(sv) {
		return TrackedSatellite{}, propagation.ErrDecayed
	}

	la := transform.ToLookAngles(sv, obs)
	class := brightness.Classify(es.Name)
	mag := brightness.EstimateMagnitude(class, la.RangeKm)

	sat := TrackedSatellite{
		CatalogID:    es.CatalogID,
		Name:         es.Name,
		AzimuthDeg:   la.AzimuthDeg,
		ElevationDeg: la.ElevationDeg,
		RangeKm:      la.RangeKm,
		SpeedKmS:     la.SpeedKmS,
		Direction:    transform.CompassPoint(la.AzimuthDeg),
		Magnitude:    mag,
		Brightness:   brightness.Label(mag),
		Visible:      t.policy.IsVisible(la, obs, at),
	}
	if sat.Visible || t.predictor == nil {
		return sat, nil
	}

	pass, err := t.predictor.NextPass(ctx, es, obs, at)
	switch {
	case err == nil:
		sat.NextPass = &pass
	case errors.Is(err, passes.ErrHorizonExceeded), errors.Is(err, propagation.ErrDecayed):
		// No upcoming pass; decay inside the horizon means the same.
	default:
		return TrackedSatellite{}, err
	}
	return sat, nil
}

// TrackAll tracks every set on the worker pool and merges the results in
// catalog order once all have finished. Per-object errors are counted and
// omitted. A cancelled context yields its error and no batch.
func (t *Tracker) TrackAll(ctx context.Context, sets []tle.ElementSet, obs transform.Observer, at time.Time) (Batch, error) {
	return t.pool.Run(ctx, t, sets, obs, at)
}
