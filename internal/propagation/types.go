package propagation

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/star/skywatch/internal/tle"
)

// ErrDecayed is returned when the model output is not a physical orbit at the
// requested time: the object has re-entered or the model has diverged.
var ErrDecayed = errors.New("object decayed or model diverged")

// StateVector is an object's inertial state in the TEME frame.
type StateVector struct {
	Time     time.Time
	Position [3]float64 // km
	Velocity [3]float64 // km/s
}

// Radius returns the distance from the Earth's centre in km.
func (s StateVector) Radius() float64 {
	return norm(s.Position)
}

// Speed returns the inertial speed in km/s.
func (s StateVector) Speed() float64 {
	return norm(s.Velocity)
}

func norm(v [3]float64) float64 {
	return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
}

// Propagator computes an object's state at an instant.
// Implementations must be pure: identical inputs give identical outputs.
type Propagator interface {
	Propagate(es tle.ElementSet, at time.Time) (StateVector, error)
}

// Gravity selects the geopotential constants used to initialise SGP4.
type Gravity string

const (
	// GravityWGS72 matches the constants element sets are generated with.
	GravityWGS72 Gravity = "wgs72"
	GravityWGS84 Gravity = "wgs84"
)

// ParseGravity maps a configuration string onto a Gravity model.
func ParseGravity(s string) (Gravity, error) {
	switch g := Gravity(strings.ToLower(strings.TrimSpace(s))); g {
	case "":
		return GravityWGS72, nil
	case GravityWGS72, GravityWGS84:
		return g, nil
	default:
		return "", fmt.Errorf("unknown gravity model %q", s)
	}
}
