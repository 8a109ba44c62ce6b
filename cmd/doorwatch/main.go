// Package main provides the doorwatch detection service entry point.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/doorwatch/doorwatch/internal/api"
	"github.com/doorwatch/doorwatch/internal/bus"
	"github.com/doorwatch/doorwatch/internal/config"
	"github.com/doorwatch/doorwatch/internal/counting"
	"github.com/doorwatch/doorwatch/internal/detection"
	"github.com/doorwatch/doorwatch/internal/events"
	"github.com/doorwatch/doorwatch/internal/llm"
	"github.com/doorwatch/doorwatch/internal/snapshot"
	"github.com/doorwatch/doorwatch/internal/storage"
	"github.com/doorwatch/doorwatch/internal/stream"
	"github.com/doorwatch/doorwatch/internal/threat"
	"github.com/doorwatch/doorwatch/internal/zones"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	slog.Info("Starting doorwatch",
		"bind", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"threat_enabled", cfg.Threat.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database + event journal.
	db, err := storage.Open(storage.DefaultConfig(cfg.Storage.DataDir))
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	journal, err := events.NewJournal(ctx, db)
	if err != nil {
		slog.Error("Failed to create event journal", "error", err)
		os.Exit(1)
	}

	// Embedded NATS event bus.
	eventBus, err := bus.New(bus.Config{Host: cfg.Bus.Host, Port: cfg.Bus.Port})
	if err != nil {
		slog.Error("Failed to create event bus", "error", err)
		os.Exit(1)
	}
	defer eventBus.Stop()

	// Inference runtimes. The secondary model is optional; without it the
	// service runs person detection only.
	primary := detection.NewClient(detection.ClientConfig{Address: cfg.Detector.Address})
	var secondary detection.Runtime
	if cfg.Threat.Enabled {
		secondary = detection.NewClient(detection.ClientConfig{Address: cfg.Detector.Address})
	} else {
		slog.Warn("Threat detection disabled, continuing without secondary model")
	}

	detector := detection.NewAdapter(detection.AdapterConfig{
		Primary:   primary,
		Secondary: secondary,
		ImageSize: cfg.Detector.ImageSize,
		ModelPath: cfg.Threat.ModelPath,
	})
	defer detector.Close()

	// WebSocket hub for live clients.
	hub := api.NewHub()
	go hub.Run()

	// Counting engine; entry/exit events fan out to the bus, the journal,
	// and live clients.
	registry := zones.NewRegistry()
	engine := counting.NewEngine(registry, func(ev counting.Event) {
		subject := bus.SubjectOccupancyEntry
		eventType := events.TypeEntry
		if ev.Type == counting.EventExit {
			subject = bus.SubjectOccupancyExit
			eventType = events.TypeExit
		}
		_ = eventBus.Publish(subject, ev)

		trackID := ev.TrackID
		if err := journal.Record(context.Background(), &events.Event{
			Type:    eventType,
			TrackID: &trackID,
			ZoneID:  ev.ZoneID,
		}); err != nil {
			slog.Warn("Failed to journal counting event", "error", err)
		}

		hub.Broadcast(api.Message{Type: api.MessageTypeOccupancy, Data: ev})
	})

	pipeline := threat.NewPipeline(threat.PipelineConfig{
		SuspiciousOnly: cfg.Threat.SuspiciousOnly,
		AssocIoUMin:    cfg.Threat.AssocIoUMin,
		AssocDistFrac:  cfg.Threat.AssocDistFrac,
	})

	adjudicator := llm.NewAdjudicator(llm.AdjudicatorConfig{
		Client:    llm.NewClient(llm.ClientConfig{Model: cfg.LLM.Model}),
		Cooldowns: llm.NewCooldowns(cfg.StreamCooldown(), cfg.TrackCooldown()),
		Snapshots: snapshot.NewWriter(cfg.Storage.SnapshotDir),
		Auto:      cfg.LLM.AutoOnThreat,
	})

	// Stream workers run detection and counting on frames they pull
	// themselves.
	controller := stream.NewController(stream.ControllerConfig{
		Source: stream.NewHTTPSource(),
		Process: func(ctx context.Context, streamID string, frame *detection.Frame, confidence float64) ([]detection.Detection, int, error) {
			detections, tracked, err := detector.DetectAndTrack(ctx, frame, confidence)
			if err != nil {
				return nil, 0, err
			}
			engine.ProcessFrame(tracked)
			return detections, len(detections), nil
		},
	})
	defer controller.Shutdown()

	server := api.NewServer(api.ServerConfig{
		Config:      cfg,
		Detector:    detector,
		Zones:       registry,
		Engine:      engine,
		Pipeline:    pipeline,
		Adjudicator: adjudicator,
		Streams:     controller,
		Hub:         hub,
		Bus:         eventBus,
		Journal:     journal,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	if err := cfg.Watch(); err != nil {
		slog.Warn("Config watch unavailable", "error", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}

	slog.Info("Shutdown complete")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
