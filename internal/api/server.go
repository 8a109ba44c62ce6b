// Package api provides the HTTP boundary of the detection service.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/doorwatch/doorwatch/internal/bus"
	"github.com/doorwatch/doorwatch/internal/config"
	"github.com/doorwatch/doorwatch/internal/counting"
	"github.com/doorwatch/doorwatch/internal/detection"
	"github.com/doorwatch/doorwatch/internal/events"
	"github.com/doorwatch/doorwatch/internal/llm"
	"github.com/doorwatch/doorwatch/internal/stream"
	"github.com/doorwatch/doorwatch/internal/threat"
	"github.com/doorwatch/doorwatch/internal/zones"
)

// Server holds the handlers' collaborators.
type Server struct {
	cfg         *config.Config
	detector    *detection.Adapter
	zones       *zones.Registry
	engine      *counting.Engine
	pipeline    *threat.Pipeline
	adjudicator *llm.Adjudicator
	streams     *stream.Controller
	hub         *Hub
	bus         *bus.Bus
	journal     *events.Journal
	logger      *slog.Logger
}

// ServerConfig wires the server's collaborators. Hub, Bus, and Journal may
// be nil; the corresponding fan-out is skipped.
type ServerConfig struct {
	Config      *config.Config
	Detector    *detection.Adapter
	Zones       *zones.Registry
	Engine      *counting.Engine
	Pipeline    *threat.Pipeline
	Adjudicator *llm.Adjudicator
	Streams     *stream.Controller
	Hub         *Hub
	Bus         *bus.Bus
	Journal     *events.Journal
}

// NewServer creates the HTTP server.
func NewServer(cfg ServerConfig) *Server {
	return &Server{
		cfg:         cfg.Config,
		detector:    cfg.Detector,
		zones:       cfg.Zones,
		engine:      cfg.Engine,
		pipeline:    cfg.Pipeline,
		adjudicator: cfg.Adjudicator,
		streams:     cfg.Streams,
		hub:         cfg.Hub,
		bus:         cfg.Bus,
		journal:     cfg.Journal,
		logger:      slog.Default().With("component", "api"),
	}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/health", s.handleHealth)
	r.Post("/detect", s.handleDetect)

	r.Post("/zones/update", s.handleZonesUpdate)
	r.Get("/zones", s.handleZonesList)
	r.Get("/zones/{camera_id}", s.handleZonesForCamera)

	r.Get("/occupancy", s.handleOccupancy)
	r.Post("/occupancy/reset", s.handleOccupancyReset)
	r.Post("/occupancy/mode", s.handleOccupancyMode)

	r.Post("/stream/start", s.handleStreamStart)
	r.Get("/stream/status/{stream_id}", s.handleStreamStatus)
	r.Post("/stream/stop/{stream_id}", s.handleStreamStop)
	r.Post("/stream/heartbeat", s.handleStreamHeartbeat)
	r.Post("/stream/heartbeat/{stream_id}", s.handleStreamHeartbeatPath)
	r.Get("/streams", s.handleStreamList)

	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWebSocket)
	}

	return r
}

type healthResponse struct {
	Status           string `json:"status"`
	ModelLoaded      bool   `json:"model_loaded"`
	ActiveStreams    int    `json:"active_streams"`
	SuspiciousLoaded bool   `json:"suspicious_loaded"`
	ThreatModelPath  string `json:"threat_model_path,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:           "healthy",
		ModelLoaded:      true,
		ActiveStreams:    s.streams.Count(),
		SuspiciousLoaded: s.detector.SuspiciousLoaded(),
		ThreatModelPath:  s.detector.ModelPath(),
	})
}
