package tle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/star/skywatch/internal/metrics"
)

// ErrFetchDisabled is returned by Fetch when remote fetching is turned off.
var ErrFetchDisabled = errors.New("element fetch disabled")

// ErrEmptyCatalog means a download parsed to zero usable element sets. The
// current catalog is kept.
var ErrEmptyCatalog = errors.New("no valid element sets in response")

// RefreshConfig controls where the catalog comes from and how often it is
// replaced.
type RefreshConfig struct {
	EnableFetch     bool
	SourceURL       string
	ExtraSourceURLs []string
	CacheDir        string
	MaxFiles        int
	// MaxAge is how old the catalog may get before the background loop
	// fetches a new one.
	MaxAge time.Duration
}

// Refresher loads the catalog into a Store: from the on-disk cache at
// startup, then from the network whenever it goes stale.
type Refresher struct {
	store   *Store
	fetcher *Fetcher
	cache   *Cache
	cfg     RefreshConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewRefresher creates a Refresher for store.
func NewRefresher(store *Store, cfg RefreshConfig, logger *slog.Logger) *Refresher {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	return &Refresher{
		store:   store,
		fetcher: NewFetcher(cfg.SourceURL, logger, cfg.ExtraSourceURLs...),
		cache:   NewCache(cfg.CacheDir, cfg.MaxFiles),
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Config returns the effective configuration.
func (r *Refresher) Config() RefreshConfig {
	return r.cfg
}

// Store returns the store the refresher writes to.
func (r *Refresher) Store() *Store {
	return r.store
}

// CacheFiles returns how many raw copies the on-disk cache holds.
func (r *Refresher) CacheFiles() int {
	return r.cache.Files()
}

// LoadCache installs the newest cached copy, stamped with the time it was
// originally fetched.
func (r *Refresher) LoadCache() (*Catalog, error) {
	data, ts, err := r.cache.LoadLatest()
	if err != nil {
		return nil, err
	}
	sets, err := Parse(bytes.NewReader(data), r.logger)
	if err != nil {
		return nil, fmt.Errorf("parsing cached elements: %w", err)
	}
	if len(sets) == 0 {
		return nil, ErrEmptyCatalog
	}

	cat := NewCatalog("cache", ts, sets)
	r.install(cat)
	r.logger.Info("loaded element sets from cache",
		"count", len(cat.Sets),
		"cached_at", ts.UTC().Format(time.RFC3339),
	)
	return cat, nil
}

// Fetch downloads, parses and installs a fresh catalog, then writes the raw
// text to the cache. Concurrent calls are serialised. On any failure the
// current catalog stays in place.
func (r *Refresher) Fetch(ctx context.Context) (*Catalog, error) {
	if !r.cfg.EnableFetch {
		return nil, ErrFetchDisabled
	}

	r.store.Lock()
	defer r.store.Unlock()

	start := r.now()
	data, err := r.fetcher.Fetch(ctx)
	if err != nil {
		metrics.IncCatalogFetch(false)
		return nil, err
	}
	sets, err := Parse(bytes.NewReader(data), r.logger)
	if err == nil && len(sets) == 0 {
		err = ErrEmptyCatalog
	}
	if err != nil {
		metrics.IncCatalogFetch(false)
		return nil, err
	}

	fetchedAt := r.now().UTC()
	cat := NewCatalog(r.fetcher.SourceURL(), fetchedAt, sets)
	r.install(cat)
	metrics.IncCatalogFetch(true)

	if err := r.cache.Write(data, fetchedAt); err != nil {
		r.logger.Warn("failed to cache element data", "error", err)
	}

	r.logger.Info("element sets fetched",
		"count", len(cat.Sets),
		"source", cat.Source,
		"epoch_min", cat.EpochRange.Min.Format(time.RFC3339),
		"epoch_max", cat.EpochRange.Max.Format(time.RFC3339),
		"duration_ms", r.now().Sub(start).Milliseconds(),
	)
	return cat, nil
}

// Stale reports whether the catalog is missing or older than MaxAge.
func (r *Refresher) Stale() bool {
	cat := r.store.Get()
	return cat == nil || r.now().Sub(cat.FetchedAt) > r.cfg.MaxAge
}

// Run fetches whenever the catalog is stale, checking every interval, until
// ctx is done. It returns immediately when fetching is disabled.
func (r *Refresher) Run(ctx context.Context, interval time.Duration) {
	if !r.cfg.EnableFetch {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if r.Stale() {
			if _, err := r.Fetch(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("element fetch failed, keeping current catalog", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Refresher) install(cat *Catalog) {
	r.store.Set(cat)
	metrics.SetCatalog(len(cat.Sets), cat.FetchedAt)
}
