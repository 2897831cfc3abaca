// Package brightness ranks tracked objects by an estimated visual magnitude.
//
// The estimate is a display heuristic: a per-class base magnitude at 1000 km
// adjusted by the inverse-square law for range. It ignores phase angle,
// attitude and the Earth's shadow and must not be read as a photometric
// prediction. Lower magnitudes are brighter.
package brightness

import (
	"math"
	"strings"
)

// Class is a coarse object category that sets the base magnitude.
type Class int

const (
	Unknown Class = iota
	Station
	Payload
	RocketBody
	Debris
)

func (c Class) String() string {
	switch c {
	case Station:
		return "station"
	case Payload:
		return "payload"
	case RocketBody:
		return "rocket-body"
	case Debris:
		return "debris"
	default:
		return "unknown"
	}
}

// referenceRangeKm is the range at which BaseMagnitude applies.
const referenceRangeKm = 1000.0

// BaseMagnitude is the class magnitude at 1000 km.
func BaseMagnitude(c Class) float64 {
	switch c {
	case Station:
		return -1.3
	case RocketBody:
		return 3.5
	case Payload:
		return 4.5
	case Debris:
		return 5.5
	default:
		return 5.0
	}
}

var stationNames = []string{"ISS", "ZARYA", "TIANHE", "CSS", "TIANGONG", "MIR"}

// Classify guesses a class from a catalog name using the conventions of the
// public catalogs (" DEB", " R/B" suffixes, station module names).
func Classify(name string) Class {
	n := strings.ToUpper(strings.TrimSpace(name))
	switch {
	case n == "":
		return Unknown
	case strings.Contains(n, " DEB") || strings.HasSuffix(n, "DEB"):
		return Debris
	case strings.Contains(n, " R/B") || strings.Contains(n, "ROCKET"):
		return RocketBody
	}
	for _, s := range stationNames {
		if strings.HasPrefix(n, s) || strings.Contains(n, "("+s+")") {
			return Station
		}
	}
	return Payload
}

// EstimateMagnitude returns base(class) + 5·log10(range/1000 km). Range is
// clamped to 1 km so the result is always finite.
func EstimateMagnitude(c Class, rangeKm float64) float64 {
	if !(rangeKm > 1) {
		rangeKm = 1
	}
	return BaseMagnitude(c) + 5*math.Log10(rangeKm/referenceRangeKm)
}

// Label buckets a magnitude for display.
func Label(mag float64) string {
	switch {
	case mag < 0:
		return "Very Bright"
	case mag < 2:
		return "Bright"
	case mag < 4:
		return "Moderate"
	default:
		return "Dim"
	}
}
