package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yegors/flightlog/internal/api"
	"github.com/yegors/flightlog/internal/config"
	"github.com/yegors/flightlog/internal/correlator"
	"github.com/yegors/flightlog/internal/identity"
	"github.com/yegors/flightlog/internal/ingest"
	"github.com/yegors/flightlog/internal/metrics"
	"github.com/yegors/flightlog/internal/stats"
	"github.com/yegors/flightlog/internal/storage/sqlite"
	"github.com/yegors/flightlog/internal/websocket"
	"github.com/yegors/flightlog/pkg/logger"
)

var (
	// Version is injected at build time
	Version = "dev"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	flag.Parse()

	// Load configuration with fallback logic
	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Create logger
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting flightlog server",
		logger.String("version", Version),
		logger.String("config_path", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := sqlite.Open(cfg.Storage.SQLitePath, log)
	if err != nil {
		log.Error("Failed to open SQLite storage", logger.Error(err))
		os.Exit(1)
	}
	defer store.Close()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		log.Info("Prometheus metrics enabled", logger.String("path", cfg.Metrics.Path))
	}

	// External device database, refreshed in the background
	devices := identity.NewDeviceDB(identity.DeviceDBConfig{
		Path:          cfg.Registry.DDBPath,
		URL:           cfg.Registry.DDBURL,
		MaxAge:        time.Duration(cfg.Registry.MaxAgeHours) * time.Hour,
		CheckInterval: time.Duration(cfg.Registry.CheckIntervalMinute) * time.Minute,
	}, m, log)
	devices.Start(ctx)

	resolver := identity.NewResolver(store, devices, identity.Options{
		PrefixMarker:   cfg.Identity.PrefixMarker,
		FallbackPrefix: cfg.Identity.FallbackPrefix,
	}, m, log)

	wsServer := websocket.NewServer(websocket.Config{
		Password:       cfg.Broadcast.AuthPassword,
		SendBufferSize: cfg.Broadcast.SendBufferSize,
		AllowedOrigins: cfg.Broadcast.AllowedOrigins,
		AuthTimeout:    time.Duration(cfg.Broadcast.AuthTimeoutSecs) * time.Second,
	}, m, log)

	svc := correlator.NewService(correlator.Dependencies{
		Flights:     store,
		Counters:    store,
		Assignments: store,
		Resolver:    resolver,
		Statistics:  stats.NewEngine(store, store, log),
		Broadcaster: wsServer,
	}, correlator.Config{
		StatisticsTimeout:      time.Duration(cfg.Tracking.StatisticsTimeoutSecs) * time.Second,
		DuplicateLandingWindow: time.Duration(cfg.Tracking.DuplicateLandingWindowSeconds) * time.Second,
		DefaultClubID:          cfg.Identity.DefaultClubID,
		Location:               cfg.Tracking.ClubLocation(),
	}, m, log)

	// Optional Kafka event stream, correlated exactly like webhook events
	var consumer *ingest.Consumer
	consumerDone := make(chan struct{})
	if cfg.Kafka.Enabled {
		consumer = ingest.NewConsumer(ingest.Config{
			Brokers:     cfg.Kafka.Brokers,
			Topic:       cfg.Kafka.Topic,
			GroupID:     cfg.Kafka.GroupID,
			MaxAttempts: cfg.Kafka.MaxAttempts,
		}, svc, m, log)
		go func() {
			defer close(consumerDone)
			if err := consumer.Run(ctx); err != nil {
				log.Error("Kafka consumer stopped", logger.Error(err))
			}
		}()
	} else {
		close(consumerDone)
	}

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	router := api.NewRouter(svc, store, store, resolver, wsServer, m, api.Options{
		WebhookToken: cfg.Server.WebhookToken,
		MetricsPath:  metricsPath,
	}, log)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router.Routes(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second,
	}

	go func() {
		log.Info("Starting HTTP server", logger.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error on startup", logger.String("addr", server.Addr), logger.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Received shutdown signal", logger.String("signal", sig.String()))

	// Stop inbound work first
	cancel()
	<-consumerDone
	if consumer != nil {
		log.Info("Closing Kafka consumer...")
		if err := consumer.Close(); err != nil {
			log.Warn("Kafka consumer close error", logger.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", logger.String("addr", server.Addr), logger.Error(err))
	} else {
		log.Info("HTTP server shutdown complete", logger.String("addr", server.Addr))
	}

	log.Info("Waiting for background statistics...")
	svc.Wait()

	wsServer.Close()
	devices.Stop()

	log.Info("Server stopped")
}
