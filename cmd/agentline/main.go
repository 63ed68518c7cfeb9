package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/sebas/agentline/internal/api"
	"github.com/sebas/agentline/internal/backend"
	"github.com/sebas/agentline/internal/banner"
	"github.com/sebas/agentline/internal/call"
	"github.com/sebas/agentline/internal/catalog"
	"github.com/sebas/agentline/internal/config"
	"github.com/sebas/agentline/internal/events"
	"github.com/sebas/agentline/internal/logger"
	"github.com/sebas/agentline/internal/metrics"
	"github.com/sebas/agentline/internal/transport"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// Initialize logger
	log := logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(2)
	}

	if err := run(cfg, log); err != nil {
		slog.Error("agentline stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	agents, err := loadCatalog(cfg.AgentsPath)
	if err != nil {
		return err
	}

	client := backend.NewClient(backend.Config{
		BaseURL:         cfg.BackendURL,
		AllocatePath:    cfg.AllocatePath,
		FinalizePath:    cfg.FinalizePath,
		TenantID:        cfg.TenantID,
		Provider:        cfg.ProviderHint,
		AllocateTimeout: cfg.AllocateTimeout,
		FinalizeTimeout: cfg.FinalizeTimeout,
		Logger:          logger.Component(log, "backend"),
	})

	sink, closeSink, err := openSink(cfg.AudioOut, log)
	if err != nil {
		return err
	}
	defer closeSink()

	mic, closeMic, err := openMicrophone(cfg.MicIn, log)
	if err != nil {
		return err
	}
	defer closeMic()

	factory := transport.LiveKitFactory(transport.LiveKitOptions{
		Sink:          sink,
		Microphone:    mic,
		AutoSubscribe: true,
		Logger:        log,
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	publisher, err := newPublisher(cfg, log)
	if err != nil {
		return err
	}

	opts := call.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		Publisher:      publisher,
		Metrics:        metrics.NewPrometheusRecorder(registry),
		TenantID:       cfg.TenantID,
		Logger:         log,
	}
	apiOpts := api.Options{Metrics: registry, Logger: log}
	if agents != nil {
		opts.Providers = agents
		apiOpts.Agents = agents
	}
	manager := call.NewManager(client, factory, opts)

	server := api.NewServer(cfg.APIAddr, manager, apiOpts)

	printBanner(cfg, agents)
	serverErr := server.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.CallOnStart != "" {
		go func() {
			slog.Info("Calling agent on startup", "agent", cfg.CallOnStart)
			if err := manager.StartCall(ctx, cfg.CallOnStart); err != nil {
				slog.Error("Startup call failed", "agent", cfg.CallOnStart, "error", err)
			}
		}()
	}

	// Wait for signal
	select {
	case <-ctx.Done():
		slog.Info("Received signal, shutting down")
	case err = <-serverErr:
	}

	// Graceful shutdown: end the live call before the API goes away.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if cerr := manager.Close(shutdownCtx); cerr != nil {
		slog.Warn("Failed to end call on shutdown", "error", cerr)
	}
	closePublisher(shutdownCtx, publisher)
	if serr := server.Stop(shutdownCtx); serr != nil {
		slog.Warn("API server shutdown error", "error", serr)
	}
	slog.Info("agentline stopped")
	return err
}

// newPublisher logs every lifecycle event and, when configured, also sends
// it to NATS.
func newPublisher(cfg *config.Config, log *slog.Logger) (events.Publisher, error) {
	logging := events.NewLoggingPublisher(logger.Component(log, "events"))
	if cfg.NATSURL == "" {
		return logging, nil
	}
	natsCfg := events.DefaultNATSConfig()
	natsCfg.URL = cfg.NATSURL
	pub, err := events.NewNATSPublisher(natsCfg, logger.Component(log, "events"))
	if err != nil {
		return nil, err
	}
	return events.NewMultiPublisher(logging, pub), nil
}

// closePublisher flushes the final call events before closing the sinks.
func closePublisher(ctx context.Context, publisher events.Publisher) {
	if err := publisher.Flush(ctx); err != nil {
		slog.Warn("Failed to flush events on shutdown", "error", err)
	}
	if err := publisher.Close(); err != nil {
		slog.Warn("Failed to close event publisher", "error", err)
	}
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return nil, nil
	}
	agents, err := catalog.Load(path)
	if err != nil {
		return nil, err
	}
	slog.Info("Agent catalog loaded", "path", path, "agents", agents.Len())
	return agents, nil
}

// openSink returns the sink for remote audio: decoded PCM written to path,
// or discarded when path is empty.
func openSink(path string, log *slog.Logger) (transport.AudioSink, func(), error) {
	if path == "" {
		return transport.DiscardSink{}, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open audio output: %w", err)
	}
	return transport.NewPayloadSink(f, log), func() { f.Close() }, nil
}

// openMicrophone returns a capture device reading raw PCM from path, or a
// silent one when path is empty.
func openMicrophone(path string, log *slog.Logger) (transport.Microphone, func(), error) {
	if path == "" {
		return &transport.ReaderMicrophone{Logger: log}, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open microphone input: %w", err)
	}
	return &transport.ReaderMicrophone{Source: f, Logger: log}, func() { f.Close() }, nil
}

func printBanner(cfg *config.Config, agents *catalog.Catalog) {
	agentCount := "none"
	if agents != nil {
		agentCount = strconv.Itoa(agents.Len())
	}
	banner.Print(os.Stdout, "AGENTLINE", []banner.ConfigLine{
		{Label: "API", Value: cfg.APIAddr},
		{Label: "Backend", Value: cfg.BackendURL},
		{Label: "Tenant", Value: cfg.TenantID},
		{Label: "Provider", Value: cfg.ProviderHint},
		{Label: "Agents", Value: agentCount},
		{Label: "Audio out", Value: cfg.AudioOut},
		{Label: "Mic in", Value: cfg.MicIn},
		{Label: "NATS", Value: cfg.NATSURL},
		{Label: "Log level", Value: logger.GetLevel()},
	})
}
