package propagation

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/star/skywatch/internal/metrics"
	"github.com/star/skywatch/internal/tle"
)

// modelSet holds initialised models for one catalog.
// Immutable after construction; safe for concurrent reads.
type modelSet struct {
	models    map[int]*Model
	fetchedAt time.Time
	skipped   int
}

// Cache is a Propagator that keeps initialised models for the current
// catalog and rebuilds them when a new catalog is prepared.
type Cache struct {
	gravity Gravity
	logger  *slog.Logger
	set     atomic.Pointer[modelSet]
	mu      sync.Mutex // serializes rebuilds
}

// NewCache creates an empty model cache.
func NewCache(gravity Gravity, logger *slog.Logger) *Cache {
	return &Cache{gravity: gravity, logger: logger}
}

// Prepare initialises models for every set in c unless the cache already
// holds that catalog (double-checked on FetchedAt).
func (p *Cache) Prepare(c *tle.Catalog) {
	if s := p.set.Load(); s != nil && s.fetchedAt.Equal(c.FetchedAt) {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if s := p.set.Load(); s != nil && s.fetchedAt.Equal(c.FetchedAt) {
		return
	}

	start := time.Now()
	s := &modelSet{
		models:    make(map[int]*Model, len(c.Sets)),
		fetchedAt: c.FetchedAt,
	}
	for _, es := range c.Sets {
		m, err := NewModel(es, p.gravity)
		if err != nil {
			p.logger.Warn("sgp4 model init failed", "catalog_id", es.CatalogID, "error", err)
			s.skipped++
			continue
		}
		s.models[es.CatalogID] = m
	}

	p.set.Store(s)
	metrics.SetModelCacheSize(len(s.models))
	p.logger.Info("sgp4 model cache rebuilt",
		"cached", len(s.models),
		"skipped", s.skipped,
		"gravity", string(p.gravity),
		"catalog_fetched_at", c.FetchedAt.UTC().Format(time.RFC3339),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Propagate implements Propagator. Sets not in the prepared catalog, or
// whose lines differ from the cached model, get a one-off model.
func (p *Cache) Propagate(es tle.ElementSet, at time.Time) (StateVector, error) {
	if err := tle.Validate(es); err != nil {
		return StateVector{}, err
	}
	if s := p.set.Load(); s != nil {
		if m, ok := s.models[es.CatalogID]; ok && m.matches(es) {
			metrics.IncModelCache(true)
			return m.At(at)
		}
	}
	metrics.IncModelCache(false)
	return SGP4Propagator{Gravity: p.gravity}.Propagate(es, at)
}

// Len returns the number of cached models.
func (p *Cache) Len() int {
	if s := p.set.Load(); s != nil {
		return len(s.models)
	}
	return 0
}
