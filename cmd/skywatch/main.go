package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/star/skywatch/internal/api"
	"github.com/star/skywatch/internal/auth"
	"github.com/star/skywatch/internal/passes"
	"github.com/star/skywatch/internal/propagation"
	"github.com/star/skywatch/internal/session"
	"github.com/star/skywatch/internal/source"
	"github.com/star/skywatch/internal/stream"
	"github.com/star/skywatch/internal/tle"
	"github.com/star/skywatch/internal/tracker"
	"github.com/star/skywatch/internal/transform"
	"github.com/star/skywatch/internal/visibility"
)

func main() {
	level := slog.LevelDebug
	if v := os.Getenv("SKYWATCH_LOG_LEVEL"); v != "" {
		if err := level.UnmarshalText([]byte(v)); err != nil {
			level = slog.LevelDebug
		}
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))

	addr := os.Getenv("SKYWATCH_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	authCfg, err := loadAuthConfig(logger)
	if err != nil {
		logger.Error("invalid auth configuration", "error", err)
		os.Exit(1)
	}

	kind, err := source.ParseKind(os.Getenv("SKYWATCH_SOURCE"))
	if err != nil {
		logger.Error("invalid SKYWATCH_SOURCE", "error", err)
		os.Exit(1)
	}

	policy := loadVisibilityConfig(logger)
	observer := loadObserverConfig(logger)
	if err := observer.Validate(); err != nil {
		logger.Error("invalid observer configuration", "error", err)
		os.Exit(1)
	}

	gravity, err := propagation.ParseGravity(os.Getenv("SKYWATCH_GRAVITY"))
	if err != nil {
		logger.Warn("invalid SKYWATCH_GRAVITY value, using wgs72", "error", err)
		gravity = propagation.GravityWGS72
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := tle.NewStore()
	models := propagation.NewCache(gravity, logger)
	predictor := passes.New(models, loadPassConfig(logger))
	tr := tracker.New(models, policy, predictor, logger, loadWorkers(logger))

	// The catalog only feeds the local source and the pass endpoint.
	var catalog *tle.Refresher
	if kind == source.KindLocal {
		catalog = tle.NewRefresher(store, loadTLEConfig(logger), logger)
		if _, err := catalog.LoadCache(); err != nil {
			logger.Info("no element cache found, starting without element data", "error", err)
		}
		if catalog.Stale() && catalog.Config().EnableFetch {
			fetchCtx, cancel := context.WithTimeout(ctx, time.Minute)
			if _, err := catalog.Fetch(fetchCtx); err != nil {
				logger.Warn("initial element fetch failed", "error", err)
			}
			cancel()
		}
		go catalog.Run(ctx, time.Minute)
	}

	src, err := source.New(source.Config{
		Kind:    kind,
		Store:   store,
		Models:  models,
		Tracker: tr,
		Policy:  policy,
		Remote:  loadRemoteConfig(logger),
	}, logger)
	if err != nil {
		logger.Error("could not create data source", "source", kind, "error", err)
		os.Exit(1)
	}

	sess := session.New(src, session.Config{Interval: loadRefreshInterval(logger)}, logger)
	if err := sess.Start(ctx, observer); err != nil {
		logger.Error("could not start tracking session", "error", err)
		os.Exit(1)
	}

	streamCfg := loadStreamConfig(logger)
	srv := api.NewServer(addr, logger, authCfg, api.Deps{
		Session:    sess,
		Catalog:    catalog,
		Predictor:  predictor,
		Stream:     stream.NewHandler(sess, store, streamCfg, logger),
		TrustProxy: streamCfg.TrustProxy,
	})

	go func() {
		logger.Info("starting server", "addr", addr, "auth_enabled", authCfg.Enabled, "source", kind)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server listen error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	// Stopping the session closes every open stream.
	sess.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.HTTPServer().Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

func loadAuthConfig(logger *slog.Logger) (auth.Config, error) {
	cfg := auth.Config{}

	enabledStr := os.Getenv("SKYWATCH_AUTH_ENABLED")
	if enabledStr != "" {
		enabled, err := strconv.ParseBool(enabledStr)
		if err != nil {
			return cfg, errors.New("SKYWATCH_AUTH_ENABLED must be a boolean value (true/false/1/0)")
		}
		cfg.Enabled = enabled
	}

	if cfg.Enabled {
		cfg.Token = os.Getenv("SKYWATCH_AUTH_TOKEN")
		if cfg.Token == "" {
			return cfg, errors.New("SKYWATCH_AUTH_TOKEN is required when auth is enabled")
		}
		logger.Info("auth enabled")
	}

	return cfg, nil
}

func loadObserverConfig(logger *slog.Logger) transform.Observer {
	obs := transform.Observer{LatitudeDeg: 40.7128, LongitudeDeg: -74.0060, AltitudeM: 10}

	obs.LatitudeDeg = envFloat(logger, "SKYWATCH_OBSERVER_LAT", obs.LatitudeDeg)
	obs.LongitudeDeg = envFloat(logger, "SKYWATCH_OBSERVER_LON", obs.LongitudeDeg)
	obs.AltitudeM = envFloat(logger, "SKYWATCH_OBSERVER_ALT", obs.AltitudeM)

	logger.Info("observer config",
		"latitude", obs.LatitudeDeg,
		"longitude", obs.LongitudeDeg,
		"altitude_m", obs.AltitudeM,
	)
	return obs
}

func loadVisibilityConfig(logger *slog.Logger) visibility.Policy {
	cfg := visibility.DefaultPolicy()

	if v := os.Getenv("SKYWATCH_VISIBILITY"); v != "" {
		mode, err := visibility.ParseMode(v)
		if err != nil {
			logger.Warn("invalid SKYWATCH_VISIBILITY value, using default", "value", v, "default", cfg.Mode)
		} else {
			cfg.Mode = mode
		}
	}

	if v := os.Getenv("SKYWATCH_VISIBILITY_DAY_START"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 23 {
			logger.Warn("invalid SKYWATCH_VISIBILITY_DAY_START value, using default", "value", v, "default", cfg.DayStartHour)
		} else {
			cfg.DayStartHour = n
		}
	}

	if v := os.Getenv("SKYWATCH_VISIBILITY_DAY_END"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 23 || n < cfg.DayStartHour {
			logger.Warn("invalid SKYWATCH_VISIBILITY_DAY_END value, using default", "value", v, "default", cfg.DayEndHour)
		} else {
			cfg.DayEndHour = n
		}
	}

	cfg.SunMaxAltitudeDeg = envFloat(logger, "SKYWATCH_VISIBILITY_SUN_MAX_ALT", cfg.SunMaxAltitudeDeg)

	if v := os.Getenv("SKYWATCH_TIMEZONE"); v != "" {
		loc, err := time.LoadLocation(v)
		if err != nil {
			logger.Warn("invalid SKYWATCH_TIMEZONE value, using observer solar time", "value", v, "error", err)
		} else {
			cfg.Location = loc
		}
	}

	zone := "solar"
	if cfg.Location != nil {
		zone = cfg.Location.String()
	}
	logger.Info("visibility config",
		"mode", cfg.Mode,
		"day_start_hour", cfg.DayStartHour,
		"day_end_hour", cfg.DayEndHour,
		"sun_max_altitude_deg", cfg.SunMaxAltitudeDeg,
		"timezone", zone,
	)
	return cfg
}

func loadPassConfig(logger *slog.Logger) passes.Config {
	cfg := passes.DefaultConfig()

	if v := os.Getenv("SKYWATCH_PASS_HORIZON"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 240 {
			logger.Warn("invalid SKYWATCH_PASS_HORIZON value, using default", "value", v, "default_hours", cfg.Horizon.Hours())
		} else {
			cfg.Horizon = time.Duration(n) * time.Hour
		}
	}

	if v := os.Getenv("SKYWATCH_PASS_STEP"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 600 {
			logger.Warn("invalid SKYWATCH_PASS_STEP value, using default", "value", v, "default_seconds", cfg.CoarseStep.Seconds())
		} else {
			cfg.CoarseStep = time.Duration(n) * time.Second
		}
	}

	logger.Info("pass config",
		"horizon_hours", cfg.Horizon.Hours(),
		"coarse_step_seconds", cfg.CoarseStep.Seconds(),
	)
	return cfg
}

func loadWorkers(logger *slog.Logger) int {
	workers := runtime.NumCPU()
	if v := os.Getenv("SKYWATCH_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid SKYWATCH_WORKERS value, using default", "value", v, "default", workers)
		} else {
			workers = n
		}
	}
	logger.Info("tracker config", "workers", workers)
	return workers
}

func loadRefreshInterval(logger *slog.Logger) time.Duration {
	interval := session.DefaultInterval
	if v := os.Getenv("SKYWATCH_REFRESH_INTERVAL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid SKYWATCH_REFRESH_INTERVAL value, using default", "value", v, "default", 30)
		} else {
			interval = time.Duration(n) * time.Second
		}
	}
	logger.Info("session config", "refresh_interval_seconds", interval.Seconds())
	return interval
}

func loadRemoteConfig(logger *slog.Logger) source.RemoteConfig {
	cfg := source.RemoteConfig{
		APIKey:            os.Getenv("SKYWATCH_N2YO_API_KEY"),
		BaseURL:           os.Getenv("SKYWATCH_N2YO_BASE_URL"),
		RequestsPerSecond: 1,
		PassDays:          1,
		Retry:             source.DefaultRetryConfig(),
	}

	cfg.RequestsPerSecond = envFloat(logger, "SKYWATCH_N2YO_RPS", cfg.RequestsPerSecond)

	if v := os.Getenv("SKYWATCH_N2YO_CATALOG_IDS"); v != "" {
		for _, s := range strings.Split(v, ",") {
			id, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil || id <= 0 {
				logger.Warn("ignoring invalid catalog id in SKYWATCH_N2YO_CATALOG_IDS", "value", s)
				continue
			}
			cfg.CatalogIDs = append(cfg.CatalogIDs, id)
		}
	}

	if v := os.Getenv("SKYWATCH_N2YO_PASS_DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 10 {
			logger.Warn("invalid SKYWATCH_N2YO_PASS_DAYS value, using default", "value", v, "default", cfg.PassDays)
		} else {
			cfg.PassDays = n
		}
	}

	logger.Info("remote source config",
		"base_url", cfg.BaseURL,
		"api_key_set", cfg.APIKey != "",
		"requests_per_second", cfg.RequestsPerSecond,
		"catalog_ids", len(cfg.CatalogIDs),
		"pass_days", cfg.PassDays,
	)
	return cfg
}

func loadStreamConfig(logger *slog.Logger) stream.Config {
	cfg := stream.DefaultConfig()

	if v := os.Getenv("SKYWATCH_STREAM_MAX_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid SKYWATCH_STREAM_MAX_CONCURRENT value, using default", "value", v, "default", cfg.MaxConcurrentPerIP)
		} else {
			cfg.MaxConcurrentPerIP = n
		}
	}

	if v := os.Getenv("SKYWATCH_STREAM_BANDWIDTH_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			logger.Warn("invalid SKYWATCH_STREAM_BANDWIDTH_LIMIT value, using default", "value", v, "default", cfg.BandwidthLimit)
		} else {
			cfg.BandwidthLimit = n
		}
	}

	if v := os.Getenv("SKYWATCH_STREAM_KEEPALIVE_INTERVAL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid SKYWATCH_STREAM_KEEPALIVE_INTERVAL value, using default", "value", v, "default", 30)
		} else {
			cfg.KeepaliveInterval = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("SKYWATCH_TRUST_PROXY"); v != "" {
		trust, err := strconv.ParseBool(v)
		if err != nil {
			logger.Warn("invalid SKYWATCH_TRUST_PROXY value, defaulting to false", "value", v)
		} else {
			cfg.TrustProxy = trust
		}
	}

	logger.Info("stream config",
		"max_concurrent_per_ip", cfg.MaxConcurrentPerIP,
		"bandwidth_limit", cfg.BandwidthLimit,
		"keepalive_interval_seconds", cfg.KeepaliveInterval.Seconds(),
		"trust_proxy", cfg.TrustProxy,
	)
	return cfg
}

func loadTLEConfig(logger *slog.Logger) tle.RefreshConfig {
	cfg := tle.RefreshConfig{
		EnableFetch: true,
		CacheDir:    "/tmp/skywatch/tle",
		MaxFiles:    5,
		MaxAge:      24 * time.Hour,
		ExtraSourceURLs: []string{
			// ISS (25544) is always wanted even if the group feed drops it.
			"https://celestrak.org/NORAD/elements/gp.php?CATNR=25544&FORMAT=tle",
		},
	}

	if v := os.Getenv("SKYWATCH_TLE_FETCH"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			logger.Warn("invalid SKYWATCH_TLE_FETCH value, defaulting to false", "value", v)
			cfg.EnableFetch = false
		} else {
			cfg.EnableFetch = enabled
		}
	}

	if v := os.Getenv("SKYWATCH_TLE_SOURCE_URL"); v != "" {
		cfg.SourceURL = v
	}

	if v := os.Getenv("SKYWATCH_TLE_EXTRA_URLS"); v != "" {
		var urls []string
		for _, u := range strings.Split(v, ",") {
			u = strings.TrimSpace(u)
			if u != "" {
				urls = append(urls, u)
			}
		}
		cfg.ExtraSourceURLs = urls
	}

	if v := os.Getenv("SKYWATCH_TLE_CACHE_DIR"); v != "" {
		cfg.CacheDir = v
	}

	if v := os.Getenv("SKYWATCH_TLE_MAX_AGE"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil || seconds < 60 {
			logger.Warn("invalid SKYWATCH_TLE_MAX_AGE value, defaulting to 86400", "value", v)
		} else {
			cfg.MaxAge = time.Duration(seconds) * time.Second
		}
	}

	logger.Info("TLE config",
		"fetch_enabled", cfg.EnableFetch,
		"source_url", cfg.SourceURL,
		"extra_urls", cfg.ExtraSourceURLs,
		"cache_dir", cfg.CacheDir,
		"max_age_seconds", cfg.MaxAge.Seconds(),
	)
	return cfg
}

// envFloat reads a float variable, logging and keeping def when it is unset
// or invalid.
func envFloat(logger *slog.Logger, name string, def float64) float64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		logger.Warn("invalid "+name+" value, using default", "value", v, "default", def)
		return def
	}
	return f
}
