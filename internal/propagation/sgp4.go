package propagation

import (
	"fmt"
	"math"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"
	"github.com/star/skywatch/internal/tle"
)

// earthRadiusKm is the WGS-72 equatorial radius the SGP4 model uses for its
// own decay check.
const earthRadiusKm = 6378.135

// Model is an initialised SGP4/SDP4 model for one element set. The library
// picks the deep-space branch itself for periods of 225 minutes and longer,
// matching tle.ElementSet.Regime.
//
// satellite.Propagate takes the Satellite by value, so its error code is not
// visible after propagation; failures are detected from the output instead.
type Model struct {
	sat       satellite.Satellite
	catalogID int
	line1     string
	line2     string
}

// NewModel initialises SGP4 for es. The set is validated first because the
// library terminates the process on text it cannot parse.
func NewModel(es tle.ElementSet, gravity Gravity) (*Model, error) {
	if _, err := tle.ParseElements(es.Name, es.Line1, es.Line2); err != nil {
		return nil, fmt.Errorf("catalog %d: %w", es.CatalogID, err)
	}
	if err := tle.Validate(es); err != nil {
		return nil, err
	}

	grav := satellite.GravityWGS72
	if gravity == GravityWGS84 {
		grav = satellite.GravityWGS84
	}

	sat := satellite.TLEToSat(es.Line1, es.Line2, grav)
	if sat.Error != 0 {
		return nil, fmt.Errorf("%w: sgp4 init failed for catalog %d: code=%d %s",
			tle.ErrMalformedElements, es.CatalogID, sat.Error, sat.ErrorStr)
	}
	return &Model{sat: sat, catalogID: es.CatalogID, line1: es.Line1, line2: es.Line2}, nil
}

// matches reports whether the model was built from es.
func (m *Model) matches(es tle.ElementSet) bool {
	return m.line1 == es.Line1 && m.line2 == es.Line2
}

// At propagates to t. The model takes whole UTC seconds; t is truncated.
func (m *Model) At(t time.Time) (StateVector, error) {
	t = t.UTC().Truncate(time.Second)
	pos, vel := satellite.Propagate(m.sat, t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second())

	sv := StateVector{
		Time:     t,
		Position: [3]float64{pos.X, pos.Y, pos.Z},
		Velocity: [3]float64{vel.X, vel.Y, vel.Z},
	}
	if err := checkState(sv); err != nil {
		return StateVector{}, fmt.Errorf("catalog %d at %s: %w", m.catalogID, t.Format(time.RFC3339), err)
	}
	return sv, nil
}

// checkState rejects non-finite output and positions inside the Earth. The
// library returns a zero vector when it flags an error internally, which the
// radius check also catches.
func checkState(sv StateVector) error {
	for i := 0; i < 3; i++ {
		if !finite(sv.Position[i]) || !finite(sv.Velocity[i]) {
			return fmt.Errorf("%w: non-finite state", ErrDecayed)
		}
	}
	if r := sv.Radius(); r < earthRadiusKm {
		return fmt.Errorf("%w: radius %.1f km", ErrDecayed, r)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// SGP4Propagator builds a fresh model on every call. Cache is the variant
// that reuses models across calls.
type SGP4Propagator struct {
	Gravity Gravity
}

// Propagate implements Propagator.
func (p SGP4Propagator) Propagate(es tle.ElementSet, at time.Time) (StateVector, error) {
	m, err := NewModel(es, p.Gravity)
	if err != nil {
		return StateVector{}, err
	}
	return m.At(at)
}
