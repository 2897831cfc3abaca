// Package stream pushes tracking snapshots to browsers over Server-Sent
// Events. Clients connect via GET /api/v1/stream/snapshots and receive one
// message per refresh cycle.
//
// SSE message format:
//
//	data: {"type":"snapshot","generated_at":"2026-02-06T04:00:00Z","satellites":[...],...}\n\n
//
// First message is always metadata:
//
//	data: {"type":"metadata","source":"local","refresh_interval_seconds":30,...}\n\n
//
// Keep-alive comments (:\n\n) are sent every KeepaliveInterval without data.
// Reconnecting clients receive a fresh metadata message and the current
// snapshot on each connection.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/star/skywatch/internal/httputil"
	"github.com/star/skywatch/internal/metrics"
	"github.com/star/skywatch/internal/session"
	"github.com/star/skywatch/internal/tle"
	"github.com/star/skywatch/internal/tracker"
)

// Config holds streaming configuration loaded from environment variables.
type Config struct {
	MaxConcurrentPerIP int           // Max concurrent streams per IP (default: 10).
	MaxTotal           int           // Max concurrent streams overall (default: 1000).
	BandwidthLimit     int           // Bytes per second per stream, 0 for unlimited.
	KeepaliveInterval  time.Duration // Keep-alive ping interval (default: 30s).
	TrustProxy         bool          // Read client IP from proxy headers.
}

// DefaultConfig returns the stream defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentPerIP: 10,
		MaxTotal:           defaultMaxTotal,
		BandwidthLimit:     1 << 20,
		KeepaliveInterval:  30 * time.Second,
	}
}

// Publisher is the part of a tracking session the stream reads from.
type Publisher interface {
	Current() *session.Snapshot
	Subscribe() (<-chan *session.Snapshot, func())
	SourceName() string
	Interval() time.Duration
}

// Handler manages SSE streaming connections.
type Handler struct {
	sess    Publisher
	store   *tle.Store
	config  Config
	limiter *connLimiter
	logger  *slog.Logger
}

// NewHandler creates a new streaming handler. store may be nil when the
// session does not track from a local catalog.
func NewHandler(sess Publisher, store *tle.Store, config Config, logger *slog.Logger) *Handler {
	if config.KeepaliveInterval <= 0 {
		config.KeepaliveInterval = 30 * time.Second
	}
	return &Handler{
		sess:    sess,
		store:   store,
		config:  config,
		limiter: newConnLimiter(config.MaxConcurrentPerIP, config.MaxTotal),
		logger:  logger,
	}
}

// filter selects which snapshot entries a client receives.
type filter struct {
	visibleOnly bool
	aboveOnly   bool
}

func parseFilter(r *http.Request) (filter, error) {
	var f filter
	q := r.URL.Query()
	if v := q.Get("visible"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, errors.New("invalid visible parameter, must be a boolean")
		}
		f.visibleOnly = b
	}
	if v := q.Get("above_horizon"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, errors.New("invalid above_horizon parameter, must be a boolean")
		}
		f.aboveOnly = b
	}
	return f, nil
}

// apply returns the snapshot to send. Published snapshots are shared, so a
// filtered view is a shallow copy with its own satellite slice.
func (f filter) apply(snap *session.Snapshot) *session.Snapshot {
	if !f.visibleOnly && !f.aboveOnly {
		return snap
	}
	out := *snap
	out.Satellites = make([]tracker.TrackedSatellite, 0, len(snap.Satellites))
	for _, sat := range snap.Satellites {
		if f.visibleOnly && !sat.Visible {
			continue
		}
		if f.aboveOnly && !sat.AboveHorizon() {
			continue
		}
		out.Satellites = append(out.Satellites, sat)
	}
	return &out
}

// HandleSnapshots serves the SSE snapshot stream.
// GET /api/v1/stream/snapshots?visible=true&above_horizon=false
func (h *Handler) HandleSnapshots(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	ip := httputil.ClientIP(r, h.config.TrustProxy)
	if !h.limiter.acquire(ip) {
		metrics.IncStreamErrors("rate_limit")
		h.logger.Warn("stream rate limit exceeded",
			"remote_ip", ip,
			"current_count", h.limiter.count(ip),
		)
		w.Header().Set("Retry-After", "30")
		httputil.WriteError(w, http.StatusTooManyRequests, "too many concurrent streams")
		return
	}

	metrics.StreamConnected(1)
	startTime := time.Now()
	h.logger.Info("stream connected",
		"remote_ip", ip,
		"user_agent", r.Header.Get("User-Agent"),
		"visible_only", f.visibleOnly,
		"above_horizon_only", f.aboveOnly,
	)

	c := &client{ip: ip, logger: h.logger}
	defer func() {
		h.limiter.release(ip)
		metrics.StreamConnected(-1)
		h.logger.Info("stream disconnected",
			"remote_ip", ip,
			"duration_seconds", int(time.Since(startTime).Seconds()),
			"messages", c.messagesSent,
			"bytes", c.bytesSent,
		)
	}()

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before the first send so no cycle is lost in between.
	updates, unsubscribe := h.sess.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering.
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Clear the server's WriteTimeout for this connection; each write sets
	// its own deadline.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("could not clear write deadline", "error", err)
	}

	c.w = w
	c.flusher = flusher
	c.rc = rc
	if h.config.BandwidthLimit > 0 {
		c.bandwidth = rate.NewLimiter(rate.Limit(h.config.BandwidthLimit), h.config.BandwidthLimit)
	}

	// Jittered retry interval (3-7s) spreads reconnects after a restart.
	fmt.Fprintf(w, "retry: %d\n\n", 3000+rand.IntN(4000))
	flusher.Flush()

	ctx := r.Context()
	if err := c.sendJSON(ctx, h.metadata()); err != nil {
		h.sendFailed(ctx, ip, "metadata", err)
		return
	}

	var last *session.Snapshot
	if snap := h.sess.Current(); snap != nil {
		if err := h.sendSnapshot(ctx, c, f, snap); err != nil {
			h.sendFailed(ctx, ip, "snapshot", err)
			return
		}
		last = snap
	}

	keepalive := time.NewTicker(h.config.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case snap, ok := <-updates:
			if !ok {
				// Session stopped.
				return
			}
			if snap == last {
				continue
			}
			if err := h.sendSnapshot(ctx, c, f, snap); err != nil {
				h.sendFailed(ctx, ip, "snapshot", err)
				return
			}
			last = snap
			keepalive.Reset(h.config.KeepaliveInterval)

		case <-keepalive.C:
			if err := c.sendKeepalive(); err != nil {
				h.sendFailed(ctx, ip, "keepalive", err)
				return
			}
		}
	}
}

func (h *Handler) sendSnapshot(ctx context.Context, c *client, f filter, snap *session.Snapshot) error {
	return c.sendJSON(ctx, snapshotMessage{Type: "snapshot", Snapshot: f.apply(snap)})
}

// sendFailed records a failed write. A client that disconnected mid-write
// is not an error.
func (h *Handler) sendFailed(ctx context.Context, ip, what string, err error) {
	if ctx.Err() != nil {
		return
	}
	metrics.IncStreamErrors("send_error")
	h.logger.Warn("stream send error", "remote_ip", ip, "message", what, "error", err)
}

func (h *Handler) metadata() metadataMessage {
	meta := metadataMessage{
		Type:            "metadata",
		Source:          h.sess.SourceName(),
		RefreshInterval: int(h.sess.Interval().Seconds()),
	}
	if h.store == nil {
		return meta
	}
	if cat := h.store.Get(); cat != nil {
		meta.CatalogFetchedAt = cat.FetchedAt.UTC().Format(time.RFC3339)
		meta.CatalogAge = int(time.Since(cat.FetchedAt).Seconds())
		meta.CatalogSize = len(cat.Sets)
	}
	return meta
}

// SSE message payload types.

type metadataMessage struct {
	Type             string `json:"type"`
	Source           string `json:"source"`
	RefreshInterval  int    `json:"refresh_interval_seconds"`
	CatalogFetchedAt string `json:"catalog_fetched_at,omitempty"`
	CatalogAge       int    `json:"catalog_age_seconds,omitempty"`
	CatalogSize      int    `json:"catalog_size,omitempty"`
}

type snapshotMessage struct {
	Type string `json:"type"`
	*session.Snapshot
}
