package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/carewatch/backend/internal/alert"
	"github.com/carewatch/backend/internal/command"
	"github.com/carewatch/backend/internal/config"
	"github.com/carewatch/backend/internal/event"
	"github.com/carewatch/backend/internal/health"
	"github.com/carewatch/backend/internal/hub"
	"github.com/carewatch/backend/internal/logging"
	"github.com/carewatch/backend/internal/metrics"
	"github.com/carewatch/backend/internal/mock"
	"github.com/carewatch/backend/internal/server"
	"github.com/carewatch/backend/internal/upstream"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	mockMode := flag.Bool("mock", false, "Generate synthetic detection events")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if !os.IsNotExist(err) || *configPath != "config.yaml" {
			errLog := logging.New(logging.Config{}, os.Stderr)
			errLog.Fatal().Err(err).Msg("failed to load config")
		}
		// Default config path missing is fine: run on defaults.
		cfg = config.Default()
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	log := logging.New(cfg.Logging, os.Stdout)
	metrics.Register()

	zone, err := cfg.Location()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid timezone")
	}

	store, err := alert.Open(cfg.Store.Path)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Store.Path).Msg("failed to open alert store")
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Hub.DefaultSubjectKey > 0 {
		if err := store.EnsureSubject(ctx, cfg.Hub.DefaultSubjectKey, "default"); err != nil {
			log.Fatal().Err(err).Msg("failed to provision default subject")
		}
	}

	normalizer := event.NewNormalizer(zone, cfg.Hub.DefaultSubjectKey)
	h := hub.New(hub.Config{
		MaxAlertSubscribers: cfg.Hub.MaxAlertSubscribers,
		DedupeAlertByIP:     cfg.Hub.DedupeAlertByIP,
		SweepInterval:       cfg.Hub.SweepInterval,
		SendBuffer:          cfg.Hub.SendBuffer,
		ReadLimit:           cfg.Hub.ReadLimitBytes,
		SnapshotAlerts:      cfg.Hub.SnapshotAlerts,
	}, normalizer, store, logging.WithComponent(log, "hub"))
	go h.Run(ctx)

	var upstreamState func() string
	if cfg.Upstream.URL != "" {
		link := upstream.New(upstream.Config{
			URL:        cfg.Upstream.URL,
			QueueSize:  cfg.Upstream.QueueSize,
			RetryDelay: cfg.Upstream.RetryDelay,
		}, logging.WithComponent(log, "upstream"))
		h.SetForwarder(link)
		go link.Run(ctx)
		upstreamState = func() string { return link.State().String() }
	}

	dispatcher := command.NewDispatcher(h, zone, logging.WithComponent(log, "command"))
	checker := health.NewChecker(h.Counts, upstreamState, logging.WithComponent(log, "health"))

	if *mockMode {
		log.Info().Msg("starting in mock mode")
		mock.NewGenerator(h, logging.WithComponent(log, "mock")).Start(ctx)
	}

	srv := server.New(h, dispatcher, checker.Handler(), cfg.Server.AllowedOrigins, logging.WithComponent(log, "server"))
	mux := http.NewServeMux()
	srv.SetupRoutes(mux)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("shutting down")
		cancel()
		os.Exit(0)
	}()

	if err := server.ListenAndServe(cfg.Server.Host, cfg.Server.Port, mux, log); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}
