// Command edge runs the feature-flag edge proxy daemon: it polls or
// streams upstream on behalf of registered SDK tokens, serves cached
// client/frontend feature payloads, and reports aggregated usage metrics
// back upstream.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/errgroup"

	infraconfig "github.com/r3e-edge/flag-edge/infrastructure/config"
	"github.com/r3e-edge/flag-edge/infrastructure/logging"
	"github.com/r3e-edge/flag-edge/infrastructure/resilience"
	"github.com/r3e-edge/flag-edge/internal/broadcast"
	"github.com/r3e-edge/flag-edge/internal/config"
	"github.com/r3e-edge/flag-edge/internal/deltacache"
	"github.com/r3e-edge/flag-edge/internal/featurecache"
	"github.com/r3e-edge/flag-edge/internal/persistence"
	"github.com/r3e-edge/flag-edge/internal/readiness"
	"github.com/r3e-edge/flag-edge/internal/refresher"
	"github.com/r3e-edge/flag-edge/internal/telemetry"
	"github.com/r3e-edge/flag-edge/internal/tokens"
	"github.com/r3e-edge/flag-edge/internal/tokenvalidator"
	"github.com/r3e-edge/flag-edge/internal/upstreamclient"

	"github.com/r3e-edge/flag-edge/api/httpapi"
)

func main() {
	cfg, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		logging.New("edge", "info", "json").WithError(err).Error("failed to parse configuration")
		os.Exit(1)
	}

	logger := logging.New("edge", cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("edge proxy exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Edge, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	upstream, err := upstreamclient.New(cfg.UpstreamURL, cfg.StrictTLS)
	if err != nil {
		return err
	}

	features := featurecache.New()
	deltas := deltacache.NewManager(cfg.DeltaCacheLength)
	broadcaster := broadcast.New()
	broadcaster.SetLogger(logger)
	ready := readiness.New()

	validator := tokenvalidator.New(upstream, tokenvalidator.Config{
		Mode:   tokenvalidator.Mode(cfg.ValidationMode),
		Logger: logger,
	})

	scheduler := refresher.New(features, deltas, upstream, refresher.Config{
		PollInterval: cfg.PollInterval,
		Logger:       logger,
		CBConfig:     resilience.DefaultServiceCBConfig(logger),
		RetryConfig:  resilience.DefaultRetryConfig(),
		Broadcaster:  broadcaster,
	})

	store := newWarmStartStore(cfg, logger)
	restoreWarmStart(ctx, store, features, validator, scheduler, logger)
	seedTrustedTokens(cfg, validator, scheduler, logger)

	components := infraconfig.LoadServicesConfigOrDefault()

	registerStrategy := refresher.StrategyPollingFull
	if cfg.StreamingEnabled {
		registerStrategy = refresher.StrategyStreaming
	}

	aggregator := telemetry.NewAggregator(nil)
	batcher := telemetry.NewBatcher(aggregator, upstream, cfg.MetricsInterval, logger)

	server := &httpapi.Server{
		Features:   features,
		Deltas:     deltas,
		Broadcast:  broadcaster,
		Validator:  validator,
		Scheduler:  scheduler,
		Aggregator: aggregator,
		Ready:      ready,
		Logger:     logger,
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.WithFields(map[string]interface{}{"addr": cfg.ListenAddr}).Info("starting HTTP listener")
		err := httpServer.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})

	group.Go(func() error {
		return scheduler.Start(gctx)
	})

	group.Go(func() error {
		validator.RunStartupRevalidation(gctx, cfg.Tokens, func(tok tokens.Token) {
			scheduler.RegisterToken(tok, registerStrategy)
		})
		return nil
	})

	if components.IsEnabled("revalidation") {
		group.Go(func() error {
			validator.RunPeriodicRevalidation(gctx)
			return nil
		})
	}

	if components.IsEnabled("metrics-sender") {
		group.Go(func() error {
			batcher.Run(gctx)
			return nil
		})
	}

	if components.IsEnabled("keep-alive") {
		group.Go(func() error {
			server.RunKeepAlive(gctx.Done())
			return nil
		})
	}

	group.Go(func() error {
		waitForFirstHydration(gctx, features, ready)
		return nil
	})

	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		persistWarmStart(shutdownCtx, store, features, validator, logger)
		validator.Close()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func waitForFirstHydration(ctx context.Context, features *featurecache.Cache, ready *readiness.Checker) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if len(features.Keys()) > 0 {
				ready.MarkReady()
				return
			}
		}
	}
}

// newWarmStartStore picks a Redis-backed store when cfg.RedisURL is set,
// so multiple proxy replicas can share one warm-start snapshot, falling
// back to a local file otherwise.
func newWarmStartStore(cfg *config.Edge, logger *logging.Logger) persistence.Store {
	if cfg.RedisURL == "" {
		return persistence.NewFileStore(cfg.StatePath)
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.WithError(err).Warn("invalid redis-url, falling back to file-backed warm-start storage")
		return persistence.NewFileStore(cfg.StatePath)
	}
	client := redis.NewClient(opts)
	return persistence.NewRedisStore(client, "", 0)
}

// seedTrustedTokens pre-validates the configured alias/token pairs
// without an upstream round trip and registers each one with the
// refresher immediately, so a trusted token starts warming its cache
// before the first request ever arrives.
func seedTrustedTokens(cfg *config.Edge, validator *tokenvalidator.Validator, scheduler *refresher.Scheduler, logger *logging.Logger) {
	strategy := refresher.StrategyPollingFull
	if cfg.StreamingEnabled {
		strategy = refresher.StrategyStreaming
	}
	for alias, raw := range cfg.TrustedTokens {
		tok, err := tokens.ParseTrustedToken(alias, raw)
		if err != nil {
			logger.WithFields(map[string]interface{}{"alias": alias}).WithError(err).Warn("skipping malformed trusted token")
			continue
		}
		validator.Seed(tok.String(), tok)
		scheduler.RegisterToken(tok, strategy)
	}
}

func restoreWarmStart(ctx context.Context, store persistence.Store, features *featurecache.Cache, validator *tokenvalidator.Validator, scheduler *refresher.Scheduler, logger *logging.Logger) {
	doc, err := store.Load(ctx)
	if err != nil {
		logger.WithError(err).Warn("failed to load warm-start state, starting cold")
		return
	}
	for key, cf := range doc.Features {
		features.Put(key, cf)
	}
	for _, raw := range doc.Tokens {
		tok, err := tokens.Parse(raw)
		if err != nil {
			continue
		}
		validator.Seed(raw, tok)
		scheduler.RegisterToken(tok, refresher.StrategyPollingFull)
	}
}

func persistWarmStart(ctx context.Context, store persistence.Store, features *featurecache.Cache, validator *tokenvalidator.Validator, logger *logging.Logger) {
	doc := persistence.Document{Features: make(map[string]featurecache.ClientFeatures)}
	for _, key := range features.Keys() {
		if cf, ok := features.Get(key); ok {
			doc.Features[key] = cf
		}
	}
	for _, t := range validator.TrustedTokens() {
		doc.Tokens = append(doc.Tokens, t.String())
	}
	if err := store.Save(ctx, doc); err != nil {
		logger.WithError(err).Warn("failed to persist warm-start state on shutdown")
	}
}
