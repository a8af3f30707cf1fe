package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"koi-vetter/internal/api"
	"koi-vetter/internal/cfg"
	"koi-vetter/internal/dashboard"
	"koi-vetter/internal/metrics"
	"koi-vetter/internal/ml"
	"koi-vetter/internal/storage"
	"koi-vetter/internal/web"
)

func main() {
	var (
		listenAddr    = flag.String("addr", "", "Form server address (overrides config)")
		dashboardAddr = flag.String("dashboard-addr", "", "Dashboard address (overrides config, \"off\" disables)")
		modelPath     = flag.String("model", "", "Path or URL of the model artifact (overrides config)")
		modelKind     = flag.String("kind", "", "Model kind: auto, forest, logistic, joblib, remote (overrides config)")
	)
	flag.Parse()

	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to read .env")
	}

	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	applyFlags(&c, *listenAddr, *dashboardAddr, *modelPath, *modelKind)

	logFile := c.SetupLogging()
	defer logFile.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	mw := metrics.NewWrapper(m)

	adapter, err := ml.Load(ctx, c.ModelConfig(), mw)
	if err != nil {
		log.Fatal().Err(err).Msg("model unavailable, refusing to serve")
	}
	defer adapter.Close()
	info := adapter.Info()
	log.Info().
		Str("kind", info.Kind).
		Str("version", info.Version).
		Str("path", info.Path).
		Msg("model loaded")

	store := initializeStorage(c)
	if store != nil {
		defer store.Close()
	}

	// history stays a nil interface when disabled
	var recorder api.Recorder
	var history dashboard.HistoryReader
	if store != nil {
		recorder = store
		history = store
	}

	engine := api.NewEngine(adapter, recorder, c.RequestTimeout)
	apiOpts := api.Options{RateLimit: c.RateLimit, RateBurst: c.RateBurst, Observer: mw}

	form := web.NewServer(c.ListenAddr, engine, promhttp.Handler(), apiOpts)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := form.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("form server failed")
			cancel()
		}
	}()

	var dash *dashboard.Dashboard
	if c.DashboardAddr != "" {
		dash = dashboard.New(engine, dashboard.Options{
			Addr:           c.DashboardAddr,
			Metrics:        mw,
			MetricsHandler: promhttp.Handler(),
			History:        history,
			HistoryLimit:   c.HistoryLimit,
			Interval:       c.BroadcastInterval,
			API:            apiOpts,
		})
		if err := dash.Start(); err != nil {
			log.Fatal().Err(err).Msg("dashboard start failed")
		}
	}

	waitForShutdown(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if dash != nil {
		if err := dash.Stop(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("dashboard shutdown failed")
		}
	}
	if err := form.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("form server shutdown failed")
	}
	wg.Wait()
	log.Info().Msg("stopped")
}

func applyFlags(c *cfg.Settings, listenAddr, dashboardAddr, modelPath, modelKind string) {
	if listenAddr != "" {
		c.ListenAddr = listenAddr
	}
	switch dashboardAddr {
	case "":
	case "off":
		c.DashboardAddr = ""
	default:
		c.DashboardAddr = dashboardAddr
	}
	if modelPath != "" {
		c.ModelPath = modelPath
	}
	if modelKind != "" {
		c.ModelKind = modelKind
	}
}

// initializeStorage opens the history store if a data path is configured
func initializeStorage(c cfg.Settings) *storage.Store {
	if !c.HistoryEnabled() {
		return nil
	}
	if err := os.MkdirAll(c.DataPath, 0o755); err != nil {
		log.Warn().Err(err).Msg("storage initialization failed, continuing without history")
		return nil
	}
	store, err := storage.New(c.DataPath)
	if err != nil {
		log.Warn().Err(err).Msg("storage initialization failed, continuing without history")
		return nil
	}
	log.Info().Str("path", c.DataPath).Msg("classification history enabled")
	return store
}

func waitForShutdown(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-ctx.Done():
		log.Info().Msg("context canceled")
	}
	log.Info().Msg("shutting down gracefully...")
}
