package transform

import (
	"errors"
	"fmt"
	"math"

	"github.com/star/skywatch/internal/propagation"
)

// WGS-84 ellipsoid, in km.
const (
	wgs84A  = 6378.137
	wgs84F  = 1.0 / 298.257223563
	wgs84E2 = wgs84F * (2 - wgs84F)
	wgs84B  = wgs84A * (1 - wgs84F)
)

const (
	deg = 180.0 / math.Pi
	rad = math.Pi / 180.0
)

// ErrInvalidObserver is returned for coordinates outside the valid ranges.
var ErrInvalidObserver = errors.New("invalid observer location")

// Observer is a ground location: geodetic latitude and longitude in degrees,
// altitude in metres above the WGS-84 ellipsoid.
type Observer struct {
	LatitudeDeg  float64 `json:"latitude"`
	LongitudeDeg float64 `json:"longitude"`
	AltitudeM    float64 `json:"altitude"`
}

// Validate checks latitude ∈ [-90, 90], longitude ∈ [-180, 180] and that all
// values are finite.
func (o Observer) Validate() error {
	for _, v := range []float64{o.LatitudeDeg, o.LongitudeDeg, o.AltitudeM} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite coordinate", ErrInvalidObserver)
		}
	}
	if o.LatitudeDeg < -90 || o.LatitudeDeg > 90 {
		return fmt.Errorf("%w: latitude %v outside [-90, 90]", ErrInvalidObserver, o.LatitudeDeg)
	}
	if o.LongitudeDeg < -180 || o.LongitudeDeg > 180 {
		return fmt.Errorf("%w: longitude %v outside [-180, 180]", ErrInvalidObserver, o.LongitudeDeg)
	}
	return nil
}

// ObserverPosition holds an observer in both geodetic and ECEF form.
// ECEF is precomputed once so it can be reused across many objects.
type ObserverPosition struct {
	Observer
	LatRad, LonRad float64
	ECEF           [3]float64 // km
}

// NewObserverPosition precomputes the observer's ECEF coordinates.
func NewObserverPosition(o Observer) ObserverPosition {
	return ObserverPosition{
		Observer: o,
		LatRad:   o.LatitudeDeg * rad,
		LonRad:   o.LongitudeDeg * rad,
		ECEF:     GeodeticToECEF(o.LatitudeDeg, o.LongitudeDeg, o.AltitudeM/1000.0),
	}
}

// LookAngles is where an object appears from the observer.
type LookAngles struct {
	AzimuthDeg   float64 // [0, 360), 0 = North, clockwise
	ElevationDeg float64 // [-90, 90], 0 = horizon
	RangeKm      float64 // ≥ 0
	RangeRateKmS float64 // positive when receding
	SpeedKmS     float64 // inertial speed of the object
}

// ToLookAngles computes look angles at the state's time.
func ToLookAngles(sv propagation.StateVector, obs Observer) LookAngles {
	return LookFrom(NewObserverPosition(obs), sv, GMST(sv.Time))
}

// LookFrom is ToLookAngles with the observer and GMST precomputed.
func LookFrom(obs ObserverPosition, sv propagation.StateVector, gmst float64) LookAngles {
	la := ECEFToLookAngles(obs, TEMEToECEFWithGMST(sv, gmst))
	la.SpeedKmS = sv.Speed()
	return la
}

// GeodeticPoint is a geodetic position.
type GeodeticPoint struct {
	LatDeg, LonDeg, AltKm float64
}

// GeodeticToECEF converts geodetic degrees and km to ECEF km.
func GeodeticToECEF(latDeg, lonDeg, altKm float64) [3]float64 {
	lat := latDeg * rad
	lon := lonDeg * rad
	sinLat := math.Sin(lat)
	cosLat := math.Cos(lat)

	// Radius of curvature in the prime vertical.
	n := wgs84A / math.Sqrt(1-wgs84E2*sinLat*sinLat)

	return [3]float64{
		(n + altKm) * cosLat * math.Cos(lon),
		(n + altKm) * cosLat * math.Sin(lon),
		(n*(1-wgs84E2) + altKm) * sinLat,
	}
}

// ECEFToGeodetic converts ECEF km to geodetic coordinates using Bowring's
// iteration; it converges in 2-3 rounds for Earth orbits.
func ECEFToGeodetic(p [3]float64) GeodeticPoint {
	x, y, z := p[0], p[1], p[2]
	lon := math.Atan2(y, x)
	r := math.Hypot(x, y)

	lat := math.Atan2(z, r*(1-wgs84E2))
	for i := 0; i < 5; i++ {
		sinLat := math.Sin(lat)
		n := wgs84A / math.Sqrt(1-wgs84E2*sinLat*sinLat)
		lat = math.Atan2(z+wgs84E2*n*sinLat, r)
	}

	sinLat := math.Sin(lat)
	cosLat := math.Cos(lat)
	n := wgs84A / math.Sqrt(1-wgs84E2*sinLat*sinLat)

	var alt float64
	if math.Abs(cosLat) > 1e-10 {
		alt = r/cosLat - n
	} else {
		alt = math.Abs(z) - n*(1-wgs84E2)
	}

	return GeodeticPoint{LatDeg: lat * deg, LonDeg: lon * deg, AltKm: alt}
}

// ECEFToLookAngles projects the observer-to-object vector onto the local
// SEZ (South, East, Zenith) frame (Vallado §4.4).
func ECEFToLookAngles(obs ObserverPosition, sat ECEFState) LookAngles {
	rx := sat.Position[0] - obs.ECEF[0]
	ry := sat.Position[1] - obs.ECEF[1]
	rz := sat.Position[2] - obs.ECEF[2]

	sinLat := math.Sin(obs.LatRad)
	cosLat := math.Cos(obs.LatRad)
	sinLon := math.Sin(obs.LonRad)
	cosLon := math.Cos(obs.LonRad)

	south := sinLat*cosLon*rx + sinLat*sinLon*ry - cosLat*rz
	east := -sinLon*rx + cosLon*ry
	zenith := cosLat*cosLon*rx + cosLat*sinLon*ry + sinLat*rz

	rng := math.Sqrt(south*south + east*east + zenith*zenith)
	if rng == 0 {
		return LookAngles{ElevationDeg: 90}
	}

	el := math.Asin(clamp(zenith/rng, -1, 1)) * deg

	// North is -South in SEZ.
	az := math.Atan2(east, -south) * deg
	if az < 0 {
		az += 360
	}
	if az >= 360 {
		az -= 360
	}

	// The observer is fixed in ECEF, so the relative velocity is the object's.
	v := sat.Velocity
	rate := (rx*v[0] + ry*v[1] + rz*v[2]) / rng

	return LookAngles{
		AzimuthDeg:   az,
		ElevationDeg: el,
		RangeKm:      rng,
		RangeRateKmS: rate,
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

var compassPoints = [16]string{
	"N", "NNE", "NE", "ENE", "E", "ESE", "SE", "SSE",
	"S", "SSW", "SW", "WSW", "W", "WNW", "NW", "NNW",
}

// CompassPoint names the 16-wind direction nearest to azimuth az (degrees).
func CompassPoint(az float64) string {
	az = math.Mod(az, 360)
	if az < 0 {
		az += 360
	}
	return compassPoints[int(math.Round(az/22.5))%16]
}
