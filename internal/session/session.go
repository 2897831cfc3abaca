// Package session runs the tracking loop: it asks a data source for a full
// batch on a fixed cadence and publishes each result as an immutable
// snapshot.
//
// State machine:
//
//	Idle → Refreshing → Ready → Refreshing → … → Stopped
//
// A snapshot is only ever replaced whole. Readers holding an older snapshot
// keep a consistent view; nothing in a published snapshot is mutated.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/star/skywatch/internal/metrics"
	"github.com/star/skywatch/internal/source"
	"github.com/star/skywatch/internal/tracker"
	"github.com/star/skywatch/internal/transform"
)

var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrNotStarted     = errors.New("session not started")
	ErrStopped        = errors.New("session stopped")
	// ErrSuperseded is returned by a cycle cancelled in favour of a newer
	// one (observer change or stop).
	ErrSuperseded = errors.New("refresh superseded")
)

// State is the session lifecycle state.
type State int32

const (
	Idle State = iota
	Refreshing
	Ready
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Refreshing:
		return "refreshing"
	case Ready:
		return "ready"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// DefaultInterval is the refresh cadence.
const DefaultInterval = 30 * time.Second

// Config holds session settings.
type Config struct {
	Interval time.Duration
	// Now is the time source; nil uses time.Now.
	Now func() time.Time
}

// Snapshot is one complete refresh result.
type Snapshot struct {
	GeneratedAt   time.Time                  `json:"generated_at"`
	Observer      transform.Observer         `json:"observer"`
	Source        string                     `json:"source"`
	Satellites    []tracker.TrackedSatellite `json:"satellites"`
	Failed        map[string]int             `json:"failed,omitempty"`
	AboveHorizon  int                        `json:"above_horizon"`
	VisibleCount  int                        `json:"visible"`
	UpcomingCount int                        `json:"upcoming"`
	Error         string                     `json:"error,omitempty"`
}

// Lookup returns the entry for a catalog id.
func (s *Snapshot) Lookup(catalogID int) (tracker.TrackedSatellite, bool) {
	for _, sat := range s.Satellites {
		if sat.CatalogID == catalogID {
			return sat, true
		}
	}
	return tracker.TrackedSatellite{}, false
}

func newSnapshot(at time.Time, obs transform.Observer, src string, batch tracker.Batch, err error) *Snapshot {
	snap := &Snapshot{
		GeneratedAt: at.UTC(),
		Observer:    obs,
		Source:      src,
		Satellites:  []tracker.TrackedSatellite{},
	}
	if err != nil {
		snap.Error = err.Error()
		return snap
	}
	if batch.Satellites != nil {
		snap.Satellites = batch.Satellites
	}
	if len(batch.Failed) > 0 {
		snap.Failed = make(map[string]int, len(batch.Failed))
		for k, v := range batch.Failed {
			snap.Failed[k] = v
		}
	}
	for _, sat := range snap.Satellites {
		if sat.AboveHorizon() {
			snap.AboveHorizon++
		}
		if sat.Visible {
			snap.VisibleCount++
		}
		if sat.NextPass != nil {
			snap.UpcomingCount++
		}
	}
	return snap
}

// Session orchestrates refresh cycles against one source.
type Session struct {
	src    source.Source
	cfg    Config
	logger *slog.Logger

	state atomic.Int32
	snap  atomic.Pointer[Snapshot]

	cycleMu sync.Mutex // serialises cycles

	mu          sync.Mutex // guards the fields below
	observer    transform.Observer
	started     bool
	stopLoop    context.CancelFunc
	cancelCycle context.CancelFunc
	done        chan struct{}

	reset chan struct{}

	subsMu sync.Mutex
	subs   map[chan *Snapshot]struct{}
	closed bool
}

// New creates an idle session.
func New(src source.Source, cfg Config, logger *slog.Logger) *Session {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Session{
		src:    src,
		cfg:    cfg,
		logger: logger,
		reset:  make(chan struct{}, 1),
		subs:   make(map[chan *Snapshot]struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Current returns the latest snapshot, or nil before the first one.
func (s *Session) Current() *Snapshot {
	return s.snap.Load()
}

// Observer returns the observer the next cycle will use.
func (s *Session) Observer() transform.Observer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observer
}

// SourceName returns the name of the data source.
func (s *Session) SourceName() string {
	return s.src.Name()
}

// Interval returns the refresh cadence.
func (s *Session) Interval() time.Duration {
	return s.cfg.Interval
}

// Start validates the observer, runs the first cycle synchronously and then
// refreshes every Interval until ctx is done or Stop is called.
func (s *Session) Start(ctx context.Context, obs transform.Observer) error {
	if err := obs.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.State() == Stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.observer = obs
	loopCtx, cancel := context.WithCancel(ctx)
	s.stopLoop = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("tracking session starting",
		"source", s.src.Name(),
		"interval", s.cfg.Interval.String(),
		"latitude", obs.LatitudeDeg,
		"longitude", obs.LongitudeDeg,
	)

	// Source failures are published as error snapshots and logged there.
	s.runCycle(loopCtx)
	go s.loop(loopCtx)
	return nil
}

// SetObserver moves the session to a new observer: any in-flight cycle is
// cancelled, a fresh cycle runs immediately and the periodic trigger restarts.
// Before Start it only records the observer.
func (s *Session) SetObserver(ctx context.Context, obs transform.Observer) (*Snapshot, error) {
	if err := obs.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.State() == Stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	s.observer = obs
	started := s.started
	if s.cancelCycle != nil {
		s.cancelCycle()
	}
	s.mu.Unlock()

	s.logger.Info("observer changed", "latitude", obs.LatitudeDeg, "longitude", obs.LongitudeDeg, "altitude_m", obs.AltitudeM)
	if !started {
		return nil, nil
	}
	s.resetTrigger()
	return s.runCycle(ctx)
}

// Refresh runs one cycle now and restarts the periodic trigger.
func (s *Session) Refresh(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	switch {
	case s.State() == Stopped:
		return nil, ErrStopped
	case !started:
		return nil, ErrNotStarted
	}
	s.resetTrigger()
	return s.runCycle(ctx)
}

// Stop cancels the trigger and any in-flight cycle, waits for the loop to
// exit and closes subscriber channels. It is idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.State() == Stopped {
		s.mu.Unlock()
		return
	}
	s.state.Store(int32(Stopped))
	if s.cancelCycle != nil {
		s.cancelCycle()
	}
	if s.stopLoop != nil {
		s.stopLoop()
	}
	done := s.done
	s.mu.Unlock()

	if done != nil {
		<-done
	}

	s.subsMu.Lock()
	s.closed = true
	for ch := range s.subs {
		close(ch)
		delete(s.subs, ch)
	}
	s.subsMu.Unlock()

	s.logger.Info("tracking session stopped")
}

// Subscribe returns a channel that receives every published snapshot. The
// channel holds only the latest undelivered snapshot; a slow reader skips
// intermediate ones. The returned func unsubscribes.
func (s *Session) Subscribe() (<-chan *Snapshot, func()) {
	ch := make(chan *Snapshot, 1)

	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	s.subs[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			defer s.subsMu.Unlock()
			if _, ok := s.subs[ch]; ok {
				delete(s.subs, ch)
				close(ch)
			}
		})
	}
}

func (s *Session) loop(ctx context.Context) {
	defer close(s.done)

	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.reset:
			timer.Reset(s.cfg.Interval)
		case <-timer.C:
			s.runCycle(ctx)
			timer.Reset(s.cfg.Interval)
		}
	}
}

func (s *Session) resetTrigger() {
	select {
	case s.reset <- struct{}{}:
	default:
	}
}

// runCycle computes and publishes one snapshot. A source failure still
// publishes: an empty snapshot carrying the error. A cancelled cycle
// publishes nothing.
func (s *Session) runCycle(parent context.Context) (*Snapshot, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	s.mu.Lock()
	if !s.state.CompareAndSwap(int32(Idle), int32(Refreshing)) &&
		!s.state.CompareAndSwap(int32(Ready), int32(Refreshing)) {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	s.cancelCycle = cancel
	obs := s.observer
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.cancelCycle = nil
		s.mu.Unlock()
	}()

	start := time.Now()
	at := s.cfg.Now()
	batch, err := s.src.Track(ctx, obs, at)

	if ctx.Err() != nil {
		restored := Idle
		if s.snap.Load() != nil {
			restored = Ready
		}
		s.state.CompareAndSwap(int32(Refreshing), int32(restored))
		if parent.Err() != nil {
			return nil, parent.Err()
		}
		return nil, ErrSuperseded
	}

	snap := newSnapshot(at, obs, s.src.Name(), batch, err)
	s.snap.Store(snap)
	s.state.CompareAndSwap(int32(Refreshing), int32(Ready))

	metrics.ObserveRefresh(s.src.Name(), err == nil, time.Since(start))
	metrics.SetSnapshotCounts(len(snap.Satellites), snap.AboveHorizon, snap.VisibleCount)

	if err != nil {
		s.logger.Warn("refresh failed, published empty snapshot",
			"source", s.src.Name(),
			"error", err,
		)
	} else {
		s.logger.Debug("snapshot published",
			"source", s.src.Name(),
			"satellites", len(snap.Satellites),
			"failed", batch.FailedTotal(),
			"above_horizon", snap.AboveHorizon,
			"visible", snap.VisibleCount,
			"upcoming", snap.UpcomingCount,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}

	s.publish(snap)
	return snap, err
}

func (s *Session) publish(snap *Snapshot) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- snap:
		default:
			// Replace the undelivered snapshot with the newer one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}
