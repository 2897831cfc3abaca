package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/star/skywatch/internal/httputil"
	"github.com/star/skywatch/internal/passes"
	"github.com/star/skywatch/internal/session"
	"github.com/star/skywatch/internal/tle"
	"github.com/star/skywatch/internal/tracker"
	"github.com/star/skywatch/internal/transform"
)

// Pass query bounds.
const (
	defaultPassHours = 24
	maxPassHours     = 240
	defaultMaxPasses = 10
	maxPassesLimit   = 50
)

// maxObserverBody bounds the PUT /api/v1/observer request body.
const maxObserverBody = 4 << 10

func snapshotHandler(sess *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := sess.Current()
		if snap == nil {
			httputil.WriteError(w, http.StatusServiceUnavailable, "no snapshot yet")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, snap)
	}
}

func satelliteHandler(sess *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := catalogID(w, r)
		if !ok {
			return
		}
		snap := sess.Current()
		if snap == nil {
			httputil.WriteError(w, http.StatusServiceUnavailable, "no snapshot yet")
			return
		}
		sat, found := snap.Lookup(id)
		if !found {
			httputil.WriteError(w, http.StatusNotFound, fmt.Sprintf("catalog id %d not in current snapshot", id))
			return
		}
		httputil.WriteJSON(w, http.StatusOK, satelliteResponse{
			GeneratedAt: snap.GeneratedAt,
			Observer:    snap.Observer,
			Satellite:   sat,
		})
	}
}

func passesHandler(logger *slog.Logger, sess *session.Session, catalog *tle.Refresher, predictor *passes.Predictor, now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := catalogID(w, r)
		if !ok {
			return
		}

		q := r.URL.Query()
		hours, err := intParam(q.Get("hours"), defaultPassHours, 1, maxPassHours)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid hours parameter, must be 1-%d", maxPassHours))
			return
		}
		maxPasses, err := intParam(q.Get("max"), defaultMaxPasses, 1, maxPassesLimit)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid max parameter, must be 1-%d", maxPassesLimit))
			return
		}
		minEl := 0.0
		if v := q.Get("min_elevation"); v != "" {
			minEl, err = strconv.ParseFloat(v, 64)
			if err != nil || minEl < 0 || minEl >= 90 {
				httputil.WriteError(w, http.StatusBadRequest, "invalid min_elevation parameter, must be 0-90")
				return
			}
		}
		groundTrack := false
		if v := q.Get("ground_track"); v != "" {
			groundTrack, err = strconv.ParseBool(v)
			if err != nil {
				httputil.WriteError(w, http.StatusBadRequest, "invalid ground_track parameter, must be a boolean")
				return
			}
		}

		if catalog == nil || predictor == nil {
			httputil.WriteError(w, http.StatusServiceUnavailable, "pass prediction needs a local element catalog")
			return
		}
		cat := catalog.Store().Get()
		if cat == nil {
			httputil.WriteError(w, http.StatusServiceUnavailable, "no element catalog loaded")
			return
		}
		es, found := cat.Lookup(id)
		if !found {
			httputil.WriteError(w, http.StatusNotFound, fmt.Sprintf("catalog id %d not in catalog", id))
			return
		}

		start := now().UTC().Truncate(time.Second)
		obs := sess.Observer()
		res := predictor.Predict(r.Context(), passes.Request{
			Observer:     obs,
			Sets:         []tle.ElementSet{es},
			Start:        start,
			Horizon:      time.Duration(hours) * time.Hour,
			MinElevation: minEl,
			MaxPasses:    maxPasses,
			GroundTrack:  groundTrack,
		})[0]

		if res.Error != "" && len(res.Passes) == 0 {
			logger.Warn("pass prediction failed", "catalog_id", id, "error", res.Error)
			httputil.WriteError(w, http.StatusUnprocessableEntity, res.Error)
			return
		}
		if res.Passes == nil {
			res.Passes = []passes.Pass{}
		}

		httputil.WriteJSON(w, http.StatusOK, passesResponse{
			Observer:        obs,
			Start:           start,
			Hours:           hours,
			MinElevation:    minEl,
			SatellitePasses: res,
		})
	}
}

// observerRequest uses pointers so a missing coordinate is an error rather
// than a silent zero.
type observerRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Altitude  float64  `json:"altitude"`
}

func observerHandler(logger *slog.Logger, sess *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req observerRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxObserverBody))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
		if req.Latitude == nil || req.Longitude == nil {
			httputil.WriteError(w, http.StatusBadRequest, "latitude and longitude are required")
			return
		}

		obs := transform.Observer{LatitudeDeg: *req.Latitude, LongitudeDeg: *req.Longitude, AltitudeM: req.Altitude}
		snap, err := sess.SetObserver(r.Context(), obs)
		switch {
		case errors.Is(err, transform.ErrInvalidObserver):
			httputil.WriteError(w, http.StatusBadRequest, err.Error())
		case snap != nil:
			// Source failures are carried inside the snapshot.
			httputil.WriteJSON(w, http.StatusOK, snap)
		case err == nil:
			// Not started yet: the observer is recorded for Start.
			httputil.WriteJSON(w, http.StatusAccepted, obs)
		default:
			writeSessionError(w, logger, err)
		}
	}
}

func refreshHandler(logger *slog.Logger, sess *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := sess.Refresh(r.Context())
		if snap != nil {
			httputil.WriteJSON(w, http.StatusOK, snap)
			return
		}
		writeSessionError(w, logger, err)
	}
}

func writeSessionError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, session.ErrSuperseded):
		httputil.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrNotStarted), errors.Is(err, session.ErrStopped):
		httputil.WriteError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Client went away; nothing useful to send.
		logger.Debug("refresh abandoned by client", "error", err)
	default:
		logger.Error("refresh failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "refresh failed")
	}
}

func catalogMetadataHandler(catalog *tle.Refresher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if catalog == nil {
			httputil.WriteError(w, http.StatusServiceUnavailable, "no local element catalog")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, newCatalogMetadata(catalog))
	}
}

func catalogFetchHandler(logger *slog.Logger, catalog *tle.Refresher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if catalog == nil {
			httputil.WriteError(w, http.StatusServiceUnavailable, "no local element catalog")
			return
		}
		if _, err := catalog.Fetch(r.Context()); err != nil {
			if errors.Is(err, tle.ErrFetchDisabled) {
				httputil.WriteError(w, http.StatusForbidden, err.Error())
				return
			}
			logger.Warn("on-demand element fetch failed", "error", err)
			httputil.WriteError(w, http.StatusBadGateway, "element fetch failed: "+err.Error())
			return
		}
		httputil.WriteJSON(w, http.StatusOK, newCatalogMetadata(catalog))
	}
}

// catalogID reads and validates the {catalog_id} path value, writing a 400
// when it is not a positive integer.
func catalogID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("catalog_id"))
	if err != nil || id <= 0 {
		httputil.WriteError(w, http.StatusBadRequest, "catalog_id must be a positive integer")
		return 0, false
	}
	return id, true
}

// intParam parses an optional integer query value within [lo, hi].
func intParam(v string, def, lo, hi int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%d outside [%d, %d]", n, lo, hi)
	}
	return n, nil
}

type satelliteResponse struct {
	GeneratedAt time.Time                `json:"generated_at"`
	Observer    transform.Observer       `json:"observer"`
	Satellite   tracker.TrackedSatellite `json:"satellite"`
}

type passesResponse struct {
	Observer     transform.Observer `json:"observer"`
	Start        time.Time          `json:"start"`
	Hours        int                `json:"hours"`
	MinElevation float64            `json:"min_elevation"`
	passes.SatellitePasses
}

type catalogMetadata struct {
	Loaded       bool   `json:"loaded"`
	Source       string `json:"source,omitempty"`
	FetchedAt    string `json:"fetched_at,omitempty"`
	AgeSeconds   int    `json:"age_seconds"`
	Count        int    `json:"count"`
	EpochMin     string `json:"epoch_min,omitempty"`
	EpochMax     string `json:"epoch_max,omitempty"`
	Stale        bool   `json:"stale"`
	FetchEnabled bool   `json:"fetch_enabled"`
	CacheFiles   int    `json:"cache_files"`
}

func newCatalogMetadata(catalog *tle.Refresher) catalogMetadata {
	meta := catalogMetadata{
		Stale:        catalog.Stale(),
		FetchEnabled: catalog.Config().EnableFetch,
		CacheFiles:   catalog.CacheFiles(),
	}
	cat := catalog.Store().Get()
	if cat == nil {
		return meta
	}
	meta.Loaded = true
	meta.Source = cat.Source
	meta.FetchedAt = cat.FetchedAt.UTC().Format(time.RFC3339)
	meta.AgeSeconds = int(catalog.Store().AgeSeconds())
	meta.Count = len(cat.Sets)
	meta.EpochMin = cat.EpochRange.Min.UTC().Format(time.RFC3339)
	meta.EpochMax = cat.EpochRange.Max.UTC().Format(time.RFC3339)
	return meta
}
