package tle

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// ErrMalformedElements is returned for element sets that cannot be parsed or
// that violate the orbital element invariants. Such sets never reach the
// propagator.
var ErrMalformedElements = errors.New("malformed element set")

// deepSpaceMinutes is the orbital period at which SGP4 switches to the
// deep-space (SDP4) branch.
const deepSpaceMinutes = 225.0

// Regime identifies which branch of the propagation model applies.
type Regime int

const (
	NearEarth Regime = iota
	DeepSpace
)

func (r Regime) String() string {
	if r == DeepSpace {
		return "deep-space"
	}
	return "near-earth"
}

// ElementSet is a parsed two-line element set. Values are immutable once
// constructed; angles are degrees, mean motion is revolutions per day.
type ElementSet struct {
	CatalogID     int
	Name          string
	Epoch         time.Time
	Inclination   float64
	RAAN          float64
	Eccentricity  float64
	ArgPerigee    float64
	MeanAnomaly   float64
	MeanMotion    float64
	MeanMotionDot float64
	BStar         float64

	// Raw lines, kept for model initialisation.
	Line1 string
	Line2 string
}

// PeriodMinutes returns the orbital period derived from mean motion.
func (es ElementSet) PeriodMinutes() float64 {
	if es.MeanMotion <= 0 {
		return math.Inf(1)
	}
	return 1440.0 / es.MeanMotion
}

// Regime reports whether the set propagates on the near-earth or deep-space branch.
func (es ElementSet) Regime() Regime {
	if es.PeriodMinutes() >= deepSpaceMinutes {
		return DeepSpace
	}
	return NearEarth
}

// Validate checks the element invariants: a usable epoch, positive mean
// motion and eccentricity in [0, 1).
func Validate(es ElementSet) error {
	if es.Epoch.IsZero() {
		return fmt.Errorf("%w: catalog %d has no epoch", ErrMalformedElements, es.CatalogID)
	}
	if !(es.MeanMotion > 0) || math.IsInf(es.MeanMotion, 0) {
		return fmt.Errorf("%w: catalog %d mean motion %v must be positive", ErrMalformedElements, es.CatalogID, es.MeanMotion)
	}
	if !(es.Eccentricity >= 0 && es.Eccentricity < 1) {
		return fmt.Errorf("%w: catalog %d eccentricity %v outside [0,1)", ErrMalformedElements, es.CatalogID, es.Eccentricity)
	}
	for _, v := range []float64{es.Inclination, es.RAAN, es.ArgPerigee, es.MeanAnomaly, es.BStar, es.MeanMotionDot} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: catalog %d has non-finite element", ErrMalformedElements, es.CatalogID)
		}
	}
	return nil
}

// EpochRange represents the minimum and maximum epoch times in a catalog.
type EpochRange struct {
	Min time.Time
	Max time.Time
}

// Catalog is an ordered, immutable collection of element sets from one source.
// A refresh replaces the whole catalog.
type Catalog struct {
	Source     string
	FetchedAt  time.Time
	EpochRange EpochRange
	Sets       []ElementSet
}

// NewCatalog builds a catalog, keeping the newest epoch when a catalog id
// appears more than once. Order of first appearance is preserved.
func NewCatalog(source string, fetchedAt time.Time, sets []ElementSet) *Catalog {
	index := make(map[int]int, len(sets))
	out := make([]ElementSet, 0, len(sets))
	for _, es := range sets {
		if i, ok := index[es.CatalogID]; ok {
			if es.Epoch.After(out[i].Epoch) {
				out[i] = es
			}
			continue
		}
		index[es.CatalogID] = len(out)
		out = append(out, es)
	}

	c := &Catalog{Source: source, FetchedAt: fetchedAt, Sets: out}
	for i, es := range out {
		if i == 0 || es.Epoch.Before(c.EpochRange.Min) {
			c.EpochRange.Min = es.Epoch
		}
		if i == 0 || es.Epoch.After(c.EpochRange.Max) {
			c.EpochRange.Max = es.Epoch
		}
	}
	return c
}

// Lookup returns the set with the given catalog id.
func (c *Catalog) Lookup(catalogID int) (ElementSet, bool) {
	for _, es := range c.Sets {
		if es.CatalogID == catalogID {
			return es, true
		}
	}
	return ElementSet{}, false
}

// IDs returns the sorted catalog ids.
func (c *Catalog) IDs() []int {
	ids := make([]int, len(c.Sets))
	for i, es := range c.Sets {
		ids[i] = es.CatalogID
	}
	sort.Ints(ids)
	return ids
}
