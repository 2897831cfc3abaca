// Package transform converts propagated inertial states into what a ground
// observer sees.
//
// TEME (the SGP4 output frame) is rotated to ECEF by GMST alone. Polar motion
// and the equation of the equinoxes are ignored; the resulting error is tens
// of metres, well below what a naked-eye observer can notice.
//
// Reference: Vallado, "Fundamentals of Astrodynamics and Applications", Ch. 3-4.
package transform

import (
	"math"

	"github.com/star/skywatch/internal/propagation"
)

// ECEFState is an Earth-fixed position and velocity.
type ECEFState struct {
	Position [3]float64 // km
	Velocity [3]float64 // km/s, relative to the rotating Earth
}

// TEMEToECEF rotates a TEME state into ECEF at the state's own time.
func TEMEToECEF(sv propagation.StateVector) ECEFState {
	return TEMEToECEFWithGMST(sv, GMST(sv.Time))
}

// TEMEToECEFWithGMST rotates using a precomputed GMST angle (radians).
//
//	r_ECEF = R3(θ) r_TEME
//	v_ECEF = R3(θ) v_TEME - ω × r_ECEF
func TEMEToECEFWithGMST(sv propagation.StateVector, gmst float64) ECEFState {
	cosG := math.Cos(gmst)
	sinG := math.Sin(gmst)

	p, v := sv.Position, sv.Velocity
	x := p[0]*cosG + p[1]*sinG
	y := -p[0]*sinG + p[1]*cosG

	vx := v[0]*cosG + v[1]*sinG
	vy := -v[0]*sinG + v[1]*cosG

	return ECEFState{
		Position: [3]float64{x, y, p[2]},
		Velocity: [3]float64{vx + OmegaEarth*y, vy - OmegaEarth*x, v[2]},
	}
}

// ValidState reports whether a state is finite and outside the Earth.
func ValidState(sv propagation.StateVector) bool {
	for i := 0; i < 3; i++ {
		if math.IsNaN(sv.Position[i]) || math.IsInf(sv.Position[i], 0) ||
			math.IsNaN(sv.Velocity[i]) || math.IsInf(sv.Velocity[i], 0) {
			return false
		}
	}
	return sv.Radius() >= wgs84B
}
