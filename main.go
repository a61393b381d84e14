package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"healthsurveil/analysis"
	"healthsurveil/config"
	"healthsurveil/db"
	qhttp "healthsurveil/http"
	"healthsurveil/logging"
	"healthsurveil/monitoring"
	"healthsurveil/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	verbose := flag.Bool("verbose", false, "debug logging")
	flag.Parse()

	// 1. Load config
	config, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(logging.Options{
		Level:      config.Log.Level,
		File:       config.Log.File,
		MaxSizeMB:  config.Log.MaxSizeMB,
		MaxBackups: config.Log.MaxBackups,
		MaxAgeDays: config.Log.MaxAgeDays,
		Verbose:    *verbose,
	})
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	if err := serve(config, logger); err != nil {
		logger.Error("server exited", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("exiting")
}

func serve(config *config.Config, logger *zap.Logger) error {
	// 2. Initialize database and model store
	database, err := db.Open(config.Database.Path, logger)
	if err != nil {
		return err
	}
	defer database.Close()
	logger.Info("database initialized", zap.String("path", config.Database.Path))

	models, err := store.New(config.ML.ModelsDir, config.ML.CacheSize, database, logger)
	if err != nil {
		return err
	}

	hub := monitoring.NewAlertHub(config.Http.AllowedOrigins, logger)
	thresholds := monitoring.SweepConfig{
		Interval:        config.Monitoring.SweepInterval,
		Window:          config.Monitoring.Window,
		ReportThreshold: config.Monitoring.ReportThreshold,
		MinPH:           config.Monitoring.MinPH,
		MaxTurbidity:    config.Monitoring.MaxTurbidity,
	}
	sweeper := monitoring.NewSweeper(database, database, hub, thresholds, logger)
	metrics := monitoring.NewMetrics()
	metrics.WatchHub(hub)
	sweeper.AddCallback(metrics.ObserveAlert)

	channels := make([]monitoring.Channel, 0, len(config.Monitoring.Webhooks))
	for _, hook := range config.Monitoring.Webhooks {
		channels = append(channels, monitoring.Channel{
			Name:        hook.Name,
			URL:         hook.URL,
			MinSeverity: hook.MinSeverity,
			Cooldown:    hook.Cooldown,
			MaxPerHour:  hook.MaxPerHour,
			Template:    hook.Template,
		})
	}
	notifier, err := monitoring.NewNotifier(channels, logger)
	if err != nil {
		return err
	}
	sweeper.AddCallback(notifier.Notify)
	sweeper.AddCallback(func(alert db.Alert) {
		logger.Warn("health alert",
			zap.String("type", alert.Type),
			zap.String("location", alert.Location),
			zap.String("severity", alert.Severity),
			zap.String("message", alert.Message))
	})

	handlers := &qhttp.Handlers{
		Runner: &analysis.Runner{
			Config:    config,
			Models:    models,
			Log:       database,
			Publisher: hub,
			Logger:    logger,
		},
		Models:    models,
		DB:        database,
		Hub:       hub,
		Metrics:   metrics,
		Dashboard: monitoring.NewDashboard(database, models, hub, thresholds),
		Logger:    logger,
	}
	server := qhttp.NewServer(qhttp.ServerConfig{
		Port:           config.Http.Port,
		Timeout:        config.Http.Timeout,
		AllowedOrigins: config.Http.AllowedOrigins,
		MaxBodyBytes:   config.Http.MaxBodyBytes,
	}, handlers, logger)

	// 3. Run until SIGINT/SIGTERM or the first component failure
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	g.Go(func() error { return models.Watch(ctx) })
	g.Go(func() error { return sweeper.Run(ctx) })
	g.Go(func() error { return notifier.Run(ctx) })
	g.Go(server.Start)
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Stop(shutdownCtx)
	})
	return g.Wait()
}
