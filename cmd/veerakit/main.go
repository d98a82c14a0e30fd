package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/veera-kit/internal/kit"
	"github.com/shaunagostinho/veera-kit/internal/lesson"
	"github.com/shaunagostinho/veera-kit/internal/logger"
	"github.com/shaunagostinho/veera-kit/internal/metrics"
	"github.com/shaunagostinho/veera-kit/internal/server"
	"github.com/shaunagostinho/veera-kit/internal/thresholds"
)

// restoreTimeout bounds the reset-all pushed to the kit on exit.
const restoreTimeout = 20 * time.Second

func main() {
	configPath := flag.String("config", "/etc/veerakit/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run against a simulated kit")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	initLogger("info", false)
	log.Info().Str("component", "main").Msg("veerakit starting")

	// Load config
	cfg := server.LoadConfig(*configPath)
	if *demo {
		cfg.Kit.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	root := initLogger(cfg.Log.Level, cfg.Log.NoColor)
	mainLog := root.With().Str("component", "main").Logger()

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		mainLog.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	store := thresholds.NewStore(loadDefaults(cfg.Thresholds.DefaultsPath, mainLog))

	// The kit outlives ctx so defaults can be restored after the signal.
	kitCtx, kitCancel := context.WithCancel(context.Background())
	defer kitCancel()
	mgr := kit.New(cfg.KitSettings(), cfg.KitOpener(), root, m)
	go mgr.Run(kitCtx)
	mainLog.Info().Str("type", cfg.Kit.Type).Str("port", cfg.Kit.PortPath).Msg("kit link started")

	coord := lesson.New(mgr, store, cfg.LessonSettings(), root)
	coordDone := make(chan struct{})
	go func() {
		defer close(coordDone)
		coord.Run(ctx)
	}()

	rec := logger.New(logger.Config{Enabled: cfg.Logging.Enabled, Path: cfg.Logging.Path}, root)
	recDone := make(chan struct{})
	go func() {
		defer close(recDone)
		rec.Run(ctx, mgr.Subscribe(512, logger.Kinds...))
	}()

	// Start server; it returns once ctx is cancelled
	srv := server.New(cfg, mgr, coord, store, rec, reg, root)
	if err := srv.Run(ctx); err != nil {
		mainLog.Error().Err(err).Msg("server exited")
		cancel()
	}
	<-coordDone
	<-recDone

	restoreDefaults(coord, cfg.ShutdownGap(), mainLog)
	kitCancel()
	<-mgr.Done()
	mainLog.Info().Msg("stopped")
}

// initLogger configures the global zerolog logger and returns it.
func initLogger(level string, noColor bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
		NoColor:    noColor,
	}
	l := zerolog.New(output).With().Timestamp().Str("app", "veerakit").Logger()
	log.Logger = l
	return l
}

func loadDefaults(path string, log zerolog.Logger) thresholds.Table {
	if path == "" {
		return thresholds.Builtin()
	}
	table, err := thresholds.LoadDefaults(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("threshold defaults not loaded, using built-in table")
		return thresholds.Builtin()
	}
	log.Info().Str("path", path).Int("keys", len(table)).Msg("threshold defaults loaded")
	return table
}

// restoreDefaults resets every active table and pushes the defaults so the
// kit is left in a known state.
func restoreDefaults(coord *lesson.Coordinator, gap time.Duration, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), restoreTimeout)
	defer cancel()
	if err := coord.ResetAll(ctx, gap); err != nil {
		log.Warn().Err(err).Msg("restoring threshold defaults failed")
		return
	}
	log.Info().Msg("threshold defaults restored on kit")
}
