package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/star/skywatch/internal/brightness"
	"github.com/star/skywatch/internal/metrics"
	"github.com/star/skywatch/internal/passes"
	"github.com/star/skywatch/internal/tracker"
	"github.com/star/skywatch/internal/transform"
	"github.com/star/skywatch/internal/visibility"
)

// DefaultN2YOBaseURL is the N2YO REST API satellite endpoint root.
const DefaultN2YOBaseURL = "https://api.n2yo.com/rest/v1/satellite"

// maxResponseBytes bounds a single API response.
const maxResponseBytes = 1 << 20

// errRejected marks a response the API refused in its body; retrying does
// not help.
var errRejected = errors.New("request rejected by remote service")

// RemoteConfig configures the remote tracking service client.
type RemoteConfig struct {
	APIKey  string
	BaseURL string
	// RequestsPerSecond is the client-side request budget (burst 1).
	RequestsPerSecond float64
	// CatalogIDs are the objects to query each cycle.
	CatalogIDs []int
	// PassDays is the pass search window for objects that are not visible,
	// 1 to 10 days. Zero disables pass lookups.
	PassDays int
	// PassMinElevation is the minimum peak elevation of reported passes.
	PassMinElevation float64
	Timeout          time.Duration
	Retry            RetryConfig
}

// DefaultCatalogIDs are queried when no list is configured.
func DefaultCatalogIDs() []int {
	ids := make([]int, len(demoObjects))
	for i, d := range demoObjects {
		ids[i] = d.catalogID
	}
	return ids
}

// Remote queries the N2YO tracking service. The service reports positions
// for the current instant only, so the at argument of Track is used solely
// to select upcoming passes.
type Remote struct {
	cfg     RemoteConfig
	policy  visibility.Policy
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewRemote creates a remote source. The API key is required.
func NewRemote(cfg RemoteConfig, policy visibility.Policy, logger *slog.Logger) (*Remote, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("remote source needs an API key")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultN2YOBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}
	if len(cfg.CatalogIDs) == 0 {
		cfg.CatalogIDs = DefaultCatalogIDs()
	}
	if cfg.PassDays > 10 {
		cfg.PassDays = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry = DefaultRetryConfig()
	}

	return &Remote{
		cfg:     cfg,
		policy:  policy,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:  logger,
	}, nil
}

// Name implements Source.
func (r *Remote) Name() string { return string(KindRemote) }

type n2yoInfo struct {
	SatName           string `json:"satname"`
	SatID             int    `json:"satid"`
	TransactionsCount int    `json:"transactionscount"`
}

type n2yoPosition struct {
	SatLatitude  float64 `json:"satlatitude"`
	SatLongitude float64 `json:"satlongitude"`
	SatAltitude  float64 `json:"sataltitude"` // km
	Azimuth      float64 `json:"azimuth"`
	Elevation    float64 `json:"elevation"`
	Timestamp    int64   `json:"timestamp"`
	Eclipsed     bool    `json:"eclipsed"`
}

type n2yoPositions struct {
	Info      n2yoInfo       `json:"info"`
	Positions []n2yoPosition `json:"positions"`
	Error     string         `json:"error"`
}

type n2yoPass struct {
	StartAz  float64 `json:"startAz"`
	StartUTC int64   `json:"startUTC"`
	MaxAz    float64 `json:"maxAz"`
	MaxEl    float64 `json:"maxEl"`
	MaxUTC   int64   `json:"maxUTC"`
	EndAz    float64 `json:"endAz"`
	EndUTC   int64   `json:"endUTC"`
}

type n2yoPasses struct {
	Info   n2yoInfo   `json:"info"`
	Passes []n2yoPass `json:"passes"`
	Error  string     `json:"error"`
}

// Track implements Source. Objects the service cannot report are counted as
// failures; the cycle fails only when every object does.
func (r *Remote) Track(ctx context.Context, obs transform.Observer, at time.Time) (tracker.Batch, error) {
	batch := tracker.Batch{Failed: map[string]int{}}
	obsPos := transform.NewObserverPosition(obs)

	var lastErr error
	for _, id := range r.cfg.CatalogIDs {
		pos, err := retryWithBackoff(ctx, r.cfg.Retry, r.logger, func() (n2yoPositions, error) {
			var out n2yoPositions
			err := r.get(ctx, "positions", r.positionsURL(id, obs), &out)
			if err == nil && out.Error != "" {
				err = fmt.Errorf("%w: %s", errRejected, out.Error)
			}
			return out, err
		})
		if err == nil && len(pos.Positions) == 0 {
			err = fmt.Errorf("%w: no positions for catalog %d", errRejected, id)
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return tracker.Batch{}, ctxErr
			}
			lastErr = err
			batch.Failed[tracker.ReasonOther]++
			r.logger.Warn("remote position lookup failed", "catalog_id", id, "error", err)
			continue
		}

		sat := r.toTracked(id, pos, obsPos)
		if !sat.Visible && r.cfg.PassDays > 0 {
			sat.NextPass = r.nextPass(ctx, id, obs, at)
		}
		batch.Satellites = append(batch.Satellites, sat)
	}

	if len(batch.Satellites) == 0 && lastErr != nil {
		return tracker.Batch{}, fmt.Errorf("remote source: all %d lookups failed: %w", len(r.cfg.CatalogIDs), lastErr)
	}
	return batch, nil
}

// toTracked derives range and speed from the reported sub-satellite points;
// direction angles are taken from the service as reported.
func (r *Remote) toTracked(id int, pos n2yoPositions, obsPos transform.ObserverPosition) tracker.TrackedSatellite {
	p0 := pos.Positions[0]
	state := transform.ECEFState{
		Position: transform.GeodeticToECEF(p0.SatLatitude, p0.SatLongitude, p0.SatAltitude),
	}
	if len(pos.Positions) > 1 {
		p1 := pos.Positions[1]
		dt := float64(p1.Timestamp - p0.Timestamp)
		if dt <= 0 {
			dt = 1
		}
		next := transform.GeodeticToECEF(p1.SatLatitude, p1.SatLongitude, p1.SatAltitude)
		for i := range state.Velocity {
			state.Velocity[i] = (next[i] - state.Position[i]) / dt
		}
	}
	geo := transform.ECEFToLookAngles(obsPos, state)

	// Earth-fixed velocity plus ω×r approximates the inertial speed.
	x, y := state.Position[0], state.Position[1]
	v := state.Velocity
	speed := math.Sqrt(sq(v[0]-transform.OmegaEarth*y) + sq(v[1]+transform.OmegaEarth*x) + sq(v[2]))

	name := pos.Info.SatName
	if name == "" {
		name = fmt.Sprintf("%d", id)
	}
	la := transform.LookAngles{
		AzimuthDeg:   math.Mod(p0.Azimuth+360, 360),
		ElevationDeg: p0.Elevation,
		RangeKm:      geo.RangeKm,
		RangeRateKmS: geo.RangeRateKmS,
		SpeedKmS:     speed,
	}
	mag := brightness.EstimateMagnitude(brightness.Classify(name), la.RangeKm)
	at := time.Unix(p0.Timestamp, 0).UTC()

	return tracker.TrackedSatellite{
		CatalogID:    id,
		Name:         name,
		AzimuthDeg:   la.AzimuthDeg,
		ElevationDeg: la.ElevationDeg,
		RangeKm:      la.RangeKm,
		SpeedKmS:     la.SpeedKmS,
		Direction:    transform.CompassPoint(la.AzimuthDeg),
		Magnitude:    mag,
		Brightness:   brightness.Label(mag),
		Visible:      r.policy.IsVisible(la, obsPos.Observer, at),
	}
}

// nextPass returns the first reported pass starting after at, or nil. Lookup
// failures only cost the prediction.
func (r *Remote) nextPass(ctx context.Context, id int, obs transform.Observer, at time.Time) *passes.Pass {
	res, err := retryWithBackoff(ctx, r.cfg.Retry, r.logger, func() (n2yoPasses, error) {
		var out n2yoPasses
		err := r.get(ctx, "radiopasses", r.passesURL(id, obs), &out)
		if err == nil && out.Error != "" {
			err = fmt.Errorf("%w: %s", errRejected, out.Error)
		}
		return out, err
	})
	if err != nil {
		r.logger.Warn("remote pass lookup failed", "catalog_id", id, "error", err)
		return nil
	}
	for _, p := range res.Passes {
		start := time.Unix(p.StartUTC, 0).UTC()
		if !start.After(at) {
			continue
		}
		end := time.Unix(p.EndUTC, 0).UTC()
		d := end.Sub(start)
		return &passes.Pass{
			Start:            start,
			End:              end,
			Duration:         d,
			DurationMinutes:  d.Minutes(),
			MaxElevation:     p.MaxEl,
			MaxElevationTime: time.Unix(p.MaxUTC, 0).UTC(),
			StartAzimuth:     p.StartAz,
			MaxAzimuth:       p.MaxAz,
			EndAzimuth:       p.EndAz,
		}
	}
	return nil
}

func (r *Remote) positionsURL(id int, obs transform.Observer) string {
	return fmt.Sprintf("%s/positions/%d/%.4f/%.4f/%.0f/2/&apiKey=%s",
		r.cfg.BaseURL, id, obs.LatitudeDeg, obs.LongitudeDeg, obs.AltitudeM, url.QueryEscape(r.cfg.APIKey))
}

func (r *Remote) passesURL(id int, obs transform.Observer) string {
	return fmt.Sprintf("%s/radiopasses/%d/%.4f/%.4f/%.0f/%d/%.0f/&apiKey=%s",
		r.cfg.BaseURL, id, obs.LatitudeDeg, obs.LongitudeDeg, obs.AltitudeM,
		r.cfg.PassDays, r.cfg.PassMinElevation, url.QueryEscape(r.cfg.APIKey))
}

// get performs one rate-limited GET and decodes the JSON body into out.
func (r *Remote) get(ctx context.Context, endpoint, u string, out any) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", endpoint, err)
	}
	defer resp.Body.Close()
	metrics.IncRemoteRequest(endpoint, resp.StatusCode)

	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{StatusCode: resp.StatusCode, RetryAfter: parseRetryAfter(resp.Header)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", endpoint, err)
	}
	return nil
}

func sq(v float64) float64 { return v * v }
