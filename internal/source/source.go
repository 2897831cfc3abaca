// Package source provides the satellite data sources a tracking session can
// draw from: local propagation of a loaded catalog, a deterministic simulated
// sky for demos, and a remote tracking service.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/star/skywatch/internal/propagation"
	"github.com/star/skywatch/internal/tle"
	"github.com/star/skywatch/internal/tracker"
	"github.com/star/skywatch/internal/transform"
	"github.com/star/skywatch/internal/visibility"
)

// ErrNoCatalog means the local source has no element sets loaded yet.
var ErrNoCatalog = errors.New("no element catalog loaded")

// Source produces one batch of tracked objects for an observer and instant.
type Source interface {
	Name() string
	Track(ctx context.Context, obs transform.Observer, at time.Time) (tracker.Batch, error)
}

// Kind names a source implementation in configuration.
type Kind string

const (
	KindLocal     Kind = "local"
	KindSimulated Kind = "simulated"
	KindRemote    Kind = "remote"
)

// ParseKind maps a configuration string onto a Kind. Empty selects local.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return KindLocal, nil
	case KindLocal, KindSimulated, KindRemote:
		return k, nil
	default:
		return "", fmt.Errorf("unknown source %q", s)
	}
}

// Config carries what each source kind needs. Only the fields of the
// selected kind are read.
type Config struct {
	Kind Kind

	// Local.
	Store   *tle.Store
	Models  *propagation.Cache
	Tracker *tracker.Tracker

	// Simulated and Remote.
	Policy visibility.Policy

	Remote RemoteConfig
}

// New builds the configured source.
func New(cfg Config, logger *slog.Logger) (Source, error) {
	switch cfg.Kind {
	case KindLocal, "":
		if cfg.Store == nil || cfg.Tracker == nil {
			return nil, errors.New("local source needs a store and a tracker")
		}
		return NewLocal(cfg.Store, cfg.Models, cfg.Tracker), nil
	case KindSimulated:
		return NewSimulated(cfg.Policy), nil
	case KindRemote:
		return NewRemote(cfg.Remote, cfg.Policy, logger)
	default:
		return nil, fmt.Errorf("unknown source %q", cfg.Kind)
	}
}

// Local tracks the catalog currently held in a tle.Store.
type Local struct {
	store   *tle.Store
	models  *propagation.Cache
	tracker *tracker.Tracker
}

// NewLocal creates a local source. models may be nil when the tracker's
// propagator does not cache.
func NewLocal(store *tle.Store, models *propagation.Cache, tr *tracker.Tracker) *Local {
	return &Local{store: store, models: models, tracker: tr}
}

// Name implements Source.
func (l *Local) Name() string { return string(KindLocal) }

// Track implements Source.
func (l *Local) Track(ctx context.Context, obs transform.Observer, at time.Time) (tracker.Batch, error) {
	c := l.store.Get()
	if c == nil || len(c.Sets) == 0 {
		return tracker.Batch{}, ErrNoCatalog
	}
	if l.models != nil {
		l.models.Prepare(c)
	}
	return l.tracker.TrackAll(ctx, c.Sets, obs, at)
}
