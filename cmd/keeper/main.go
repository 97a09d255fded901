package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"funding_keeper/internal/bootstrap"
	"funding_keeper/internal/config"
	"funding_keeper/pkg/logging"
	"funding_keeper/pkg/telemetry"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

const (
	exitConfig    = 1
	exitVenueInit = 2
)

func main() {
	configPath := flag.String("config", "configs/keeper.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("keeper version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if envPath := os.Getenv("CONFIG_FILE"); envPath != "" {
		*configPath = envPath
	}

	var (
		cfg         *config.Config
		usedDefault bool
	)
	if _, err := os.Stat(*configPath); err == nil {
		cfg, err = config.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(exitConfig)
		}
	} else {
		cfg = config.DefaultConfig()
		usedDefault = true
	}

	logger, err := logging.NewZapLogger(cfg.App.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(exitConfig)
	}
	defer logger.Sync()

	if usedDefault {
		logger.Info("Config file not found, using default paper configuration",
			"path", *configPath)
	}

	logger.Info("Starting funding keeper",
		"version", version,
		"environment", cfg.App.Environment,
		"venues", venueList(cfg),
	)

	tel, err := telemetry.Setup(cfg.App.Name)
	if err != nil {
		logger.Warn("Failed to initialize telemetry", "error", err)
	}

	app, err := bootstrap.NewApp(cfg, logger)
	if err != nil {
		logger.Error("Failed to assemble keeper", "error", err)
		os.Exit(exitConfig)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		var venueErr *bootstrap.VenueInitError
		if errors.As(err, &venueErr) {
			logger.Error("Venue initialization failed",
				"venue", string(venueErr.Venue), "error", venueErr.Err)
			os.Exit(exitVenueInit)
		}
		logger.Error("Failed to start keeper", "error", err)
		os.Exit(exitConfig)
	}

	logger.Info("Keeper is running",
		"metricsAddr", cfg.Telemetry.MetricsAddr,
		"autoOpen", cfg.Engine.AutoOpen,
	)

	<-ctx.Done()
	logger.Info("Received shutdown signal, gracefully shutting down...")
	stop()

	app.Stop()

	if tel != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Telemetry shutdown failed", "error", err)
		}
		cancel()
	}

	logger.Info("Keeper stopped")
}

func venueList(cfg *config.Config) string {
	venues := cfg.ActiveVenues()
	names := make([]string, len(venues))
	for i, v := range venues {
		names[i] = string(v) + ":" + cfg.Venues[string(v)].Mode
	}
	return strings.Join(names, ",")
}
