// Package visibility decides whether a tracked object counts as visible to
// the observer.
//
// Three policies are supported. Horizon is the baseline: an object is visible
// exactly when it is above the geometric horizon. DarkHours additionally
// requires the observer's local hour to fall outside the configured daytime
// window. Twilight instead requires the Sun to be below a given altitude, which
// is the condition under which sunlit objects can actually be seen.
package visibility

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/soniakeys/meeus/v3/julian"
	"github.com/soniakeys/meeus/v3/sidereal"
	"github.com/soniakeys/meeus/v3/solar"

	"github.com/star/skywatch/internal/transform"
)

// Mode selects a visibility policy.
type Mode string

const (
	ModeHorizon   Mode = "horizon"
	ModeDarkHours Mode = "dark-hours"
	ModeTwilight  Mode = "twilight"
)

// ParseMode maps a configuration string onto a Mode. Empty selects horizon.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeHorizon, nil
	case ModeHorizon, ModeDarkHours, ModeTwilight:
		return m, nil
	default:
		return "", fmt.Errorf("unknown visibility mode %q", s)
	}
}

// Policy is a visibility rule. The zero value is not useful; start from
// DefaultPolicy.
type Policy struct {
	Mode Mode

	// Daytime window for ModeDarkHours: hours in [DayStartHour, DayEndHour]
	// are day.
	DayStartHour int
	DayEndHour   int

	// Location for the local hour. Nil uses local mean solar time derived
	// from the observer's longitude.
	Location *time.Location

	// ModeTwilight threshold; -6 is civil twilight.
	SunMaxAltitudeDeg float64
}

// DefaultPolicy returns the horizon policy with the dark-hours and twilight
// parameters preset.
func DefaultPolicy() Policy {
	return Policy{
		Mode:              ModeHorizon,
		DayStartHour:      6,
		DayEndHour:        20,
		SunMaxAltitudeDeg: -6,
	}
}

// IsVisible applies the policy. It is pure in its arguments.
func (p Policy) IsVisible(la transform.LookAngles, obs transform.Observer, at time.Time) bool {
	if !(la.ElevationDeg > 0) {
		return false
	}
	switch p.Mode {
	case ModeDarkHours:
		return p.IsDark(obs, at)
	case ModeTwilight:
		return SunAltitude(obs, at) < p.SunMaxAltitudeDeg
	default:
		return true
	}
}

// IsDark reports whether the observer's local hour is outside the daytime
// window.
func (p Policy) IsDark(obs transform.Observer, at time.Time) bool {
	h := LocalHour(obs, at, p.Location)
	return h < p.DayStartHour || h > p.DayEndHour
}

// LocalHour returns the hour of day at the observer. With a nil location it
// uses local mean solar time: UTC shifted by longitude/15 hours.
func LocalHour(obs transform.Observer, at time.Time, loc *time.Location) int {
	if loc != nil {
		return at.In(loc).Hour()
	}
	offset := time.Duration(obs.LongitudeDeg / 15 * float64(time.Hour))
	return at.UTC().Add(offset).Hour()
}

// SunAltitude returns the Sun's geometric altitude in degrees at the observer.
// Refraction is ignored and UT stands in for TT; both are far below the
// resolution a twilight threshold needs.
func SunAltitude(obs transform.Observer, at time.Time) float64 {
	jd := julian.TimeToJD(at.UTC())
	ra, dec := solar.ApparentEquatorial(jd)
	gast := sidereal.Apparent(jd)

	lat := obs.LatitudeDeg * math.Pi / 180
	ha := gast.Rad() + obs.LongitudeDeg*math.Pi/180 - ra.Rad()

	sinAlt := math.Sin(lat)*math.Sin(dec.Rad()) + math.Cos(lat)*math.Cos(dec.Rad())*math.Cos(ha)
	return math.Asin(math.Max(-1, math.Min(1, sinAlt))) * 180 / math.Pi
}
