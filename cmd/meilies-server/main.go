// Command meilies-server is the MeiliES broker process: it loads
// configuration, opens the event store, and serves the RESP wire
// protocol until told to shut down.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/meilies-io/meilies/internal/config"
	"github.com/meilies-io/meilies/internal/logging"
	"github.com/meilies-io/meilies/internal/server"
	"github.com/meilies-io/meilies/internal/store"
)

func main() {
	var (
		hostname          = flag.String("hostname", "", "address to bind (overrides MEILIES_HOSTNAME)")
		port              = flag.Int("port", 0, "port to bind (overrides MEILIES_PORT)")
		dbPath            = flag.String("db-path", "", "path to the bbolt database file (overrides MEILIES_DB_PATH)")
		compressionFactor = flag.Int("compression-factor", -1, "zstd compression level for event payloads, 0 disables (overrides MEILIES_COMPRESSION_FACTOR)")
		debug             = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
		_                 = flag.Bool("no-sentry", false, "disable the crash-reporter wrapper (accepted for interface compatibility; this build has none)")
		_                 = flag.Bool("no-vigil", false, "disable the healthcheck wrapper (accepted for interface compatibility; this build has none)")
	)
	flag.Parse()

	bootLogger := logging.New(logging.Config{Level: "info", Format: "json"})

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	if *hostname != "" {
		cfg.Hostname = *hostname
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *compressionFactor >= 0 {
		cfg.CompressionFactor = *compressionFactor
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		bootLogger.Fatal().Err(err).Msg("invalid configuration")
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	st, err := store.Open(cfg.DBPath, store.Options{
		CompressionFactor: cfg.CompressionFactor,
		Logger:            logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	addr := fmt.Sprintf("%s:%d", cfg.Hostname, cfg.Port)
	srv := server.New(server.Config{
		Addr:                    addr,
		ResponseChannelCapacity: cfg.ResponseChannelCapacity,
		Limiter: server.LimiterConfig{
			IPRate:      cfg.MaxConnIPRate,
			IPBurst:     cfg.MaxConnIPBurst,
			GlobalRate:  cfg.MaxConnGlobalRate,
			GlobalBurst: cfg.MaxConnGlobalBurst,
		},
	}, st, logger)

	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start server")
	}

	go func() {
		metricsMux := newMetricsMux()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
		if err := serveMetrics(cfg.MetricsAddr, metricsMux); err != nil {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutdown signal received")
	if err := srv.Shutdown(10 * time.Second); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
}
