// Command skypass prints what is overhead now and when chosen objects will
// next pass over an observer, from a local element catalog.
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "github.com/jawher/mow.cli"

	"github.com/star/skywatch/internal/passes"
	"github.com/star/skywatch/internal/propagation"
	"github.com/star/skywatch/internal/tle"
	"github.com/star/skywatch/internal/tracker"
	"github.com/star/skywatch/internal/transform"
	"github.com/star/skywatch/internal/visibility"
)

const defaultTLEURL = "https://celestrak.org/NORAD/elements/gp.php?GROUP=visual&FORMAT=tle"

func main() {
	app := cli.App("skypass", "Satellite passes and current sky for an observer")
	app.Version("version", "skypass 0.1.0")

	var (
		lat = app.Float64(cli.Float64Opt{Name: "lat", Value: 40.7128, Desc: "Observer latitude in degrees", EnvVar: "SKYWATCH_OBSERVER_LAT"})
		lon = app.Float64(cli.Float64Opt{Name: "lon", Value: -74.0060, Desc: "Observer longitude in degrees", EnvVar: "SKYWATCH_OBSERVER_LON"})
		alt = app.Float64(cli.Float64Opt{Name: "alt", Value: 10, Desc: "Observer altitude in metres", EnvVar: "SKYWATCH_OBSERVER_ALT"})

		tleFile  = app.String(cli.StringOpt{Name: "f tle-file", Desc: "Read element sets from a file instead of fetching", EnvVar: "SKYWATCH_TLE_FILE"})
		tleURL   = app.String(cli.StringOpt{Name: "tle-url", Value: defaultTLEURL, Desc: "Element set source URL", EnvVar: "SKYWATCH_TLE_SOURCE_URL"})
		cacheDir = app.String(cli.StringOpt{Name: "cache-dir", Value: "/tmp/skywatch/tle", Desc: "Element cache directory", EnvVar: "SKYWATCH_TLE_CACHE_DIR"})
		offline  = app.Bool(cli.BoolOpt{Name: "offline", Desc: "Use the element cache without fetching"})
		mode     = app.String(cli.StringOpt{Name: "visibility", Value: "horizon", Desc: "Visibility policy: horizon, dark-hours or twilight", EnvVar: "SKYWATCH_VISIBILITY"})
		gravity  = app.String(cli.StringOpt{Name: "gravity", Value: "wgs72", Desc: "SGP4 gravity model: wgs72 or wgs84", EnvVar: "SKYWATCH_GRAVITY"})
		verbose  = app.Bool(cli.BoolOpt{Name: "v verbose", Desc: "Log progress to stderr"})
	)

	var env *runEnv
	app.Before = func() {
		level := slog.LevelWarn
		if *verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		obs := transform.Observer{LatitudeDeg: *lat, LongitudeDeg: *lon, AltitudeM: *alt}
		if err := obs.Validate(); err != nil {
			fail(err)
		}
		m, err := visibility.ParseMode(*mode)
		if err != nil {
			fail(err)
		}
		g, err := propagation.ParseGravity(*gravity)
		if err != nil {
			fail(err)
		}
		policy := visibility.DefaultPolicy()
		policy.Mode = m

		env = &runEnv{
			logger:   logger,
			observer: obs,
			policy:   policy,
			models:   propagation.NewCache(g, logger),
			source: elementSource{
				file:     *tleFile,
				url:      *tleURL,
				cacheDir: *cacheDir,
				offline:  *offline,
			},
		}
	}

	app.Command("passes", "List upcoming passes of the given objects", func(cmd *cli.Cmd) {
		cmd.Spec = "[OPTIONS] CATALOG_ID..."
		var (
			hours     = cmd.Int(cli.IntOpt{Name: "hours", Value: 24, Desc: "Search window in hours"})
			minEl     = cmd.Float64(cli.Float64Opt{Name: "min-el", Value: 10, Desc: "Minimum peak elevation in degrees"})
			maxPasses = cmd.Int(cli.IntOpt{Name: "max", Value: 5, Desc: "Passes per object"})
			utc       = cmd.Bool(cli.BoolOpt{Name: "utc", Desc: "Print times in UTC instead of local time"})
			ids       = cmd.Ints(cli.IntsArg{Name: "CATALOG_ID", Desc: "Catalog numbers to predict"})
		)
		cmd.Action = func() {
			if *hours < 1 || *hours > 240 {
				fail(errors.New("--hours must be 1-240"))
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cat := env.catalog(ctx)
			var sets []tle.ElementSet
			for _, id := range *ids {
				es, ok := cat.Lookup(id)
				if !ok {
					fmt.Fprintf(os.Stderr, "catalog id %d not found in %s\n", id, cat.Source)
					continue
				}
				sets = append(sets, es)
			}
			if len(sets) == 0 {
				fail(errors.New("none of the requested objects are in the catalog"))
			}

			env.models.Prepare(cat)
			predictor := passes.New(env.models, passes.Config{})
			results := predictor.Predict(ctx, passes.Request{
				Observer:     env.observer,
				Sets:         sets,
				Start:        time.Now(),
				Horizon:      time.Duration(*hours) * time.Hour,
				MinElevation: *minEl,
				MaxPasses:    *maxPasses,
			})

			loc := time.Local
			if *utc {
				loc = time.UTC
			}
			fmt.Println(renderPasses(results, loc))
		}
	})

	app.Command("now", "Show every catalog object above the horizon", func(cmd *cli.Cmd) {
		cmd.Spec = "[OPTIONS]"
		var (
			all     = cmd.Bool(cli.BoolOpt{Name: "a all", Desc: "Include objects below the horizon"})
			workers = cmd.Int(cli.IntOpt{Name: "workers", Value: 0, Desc: "Tracking workers, 0 for one per CPU", EnvVar: "SKYWATCH_WORKERS"})
		)
		cmd.Action = func() {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cat := env.catalog(ctx)
			env.models.Prepare(cat)
			tr := tracker.New(env.models, env.policy, nil, env.logger, *workers)

			batch, err := tr.TrackAll(ctx, cat.Sets, env.observer, time.Now())
			if err != nil {
				fail(err)
			}
			fmt.Println(renderSky(batch, *all))
		}
	})

	if err := app.Run(os.Args); err != nil {
		fail(err)
	}
}

type runEnv struct {
	logger   *slog.Logger
	observer transform.Observer
	policy   visibility.Policy
	models   *propagation.Cache
	source   elementSource
}

// catalog loads the element sets or exits.
func (e *runEnv) catalog(ctx context.Context) *tle.Catalog {
	cat, err := e.source.load(ctx, e.logger)
	if err != nil {
		fail(err)
	}
	return cat
}

// elementSource picks where element sets come from: an explicit file, or
// the network with the on-disk cache as fallback.
type elementSource struct {
	file     string
	url      string
	cacheDir string
	offline  bool
}

func (s elementSource) load(ctx context.Context, logger *slog.Logger) (*tle.Catalog, error) {
	if s.file != "" {
		data, err := os.ReadFile(s.file)
		if err != nil {
			return nil, err
		}
		sets, err := tle.Parse(bytes.NewReader(data), logger)
		if err != nil {
			return nil, err
		}
		if len(sets) == 0 {
			return nil, fmt.Errorf("%s: %w", s.file, tle.ErrEmptyCatalog)
		}
		return tle.NewCatalog(s.file, time.Now().UTC(), sets), nil
	}

	r := tle.NewRefresher(tle.NewStore(), tle.RefreshConfig{
		EnableFetch: !s.offline,
		SourceURL:   s.url,
		CacheDir:    s.cacheDir,
	}, logger)
	if _, err := r.LoadCache(); err != nil {
		logger.Debug("no usable element cache", "error", err)
	}
	if !s.offline && r.Stale() {
		if _, err := r.Fetch(ctx); err != nil {
			logger.Warn("element fetch failed, using cache", "error", err)
		}
	}
	cat := r.Store().Get()
	if cat == nil {
		return nil, fmt.Errorf("no element sets available (cache %s empty)", s.cacheDir)
	}
	return cat, nil
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "skypass:", err)
	cli.Exit(1)
}
