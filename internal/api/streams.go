package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/doorwatch/doorwatch/internal/stream"
)

func (s *Server) handleStreamStart(w http.ResponseWriter, r *http.Request) {
	var req stream.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if req.StreamID == "" {
		badRequest(w, "stream_id is required")
		return
	}
	if req.Confidence <= 0 {
		req.Confidence = 0.25
	}

	if s.streams.Start(req) {
		writeJSON(w, http.StatusOK, map[string]any{
			"message":   fmt.Sprintf("Stream %s started", req.StreamID),
			"stream_id": req.StreamID,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":   fmt.Sprintf("Stream %s heartbeat updated", req.StreamID),
		"stream_id": req.StreamID,
	})
}

func (s *Server) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "stream_id")
	status, ok := s.streams.Status(streamID)
	if !ok {
		notFound(w, fmt.Sprintf("Stream %s not found", streamID))
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleStreamStop(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "stream_id")
	if !s.streams.Stop(streamID) {
		notFound(w, fmt.Sprintf("Stream %s not found", streamID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("Stream %s stopped", streamID),
	})
}

type heartbeatRequest struct {
	StreamID string `json:"stream_id"`
}

func (s *Server) handleStreamHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	s.heartbeat(w, req.StreamID)
}

func (s *Server) handleStreamHeartbeatPath(w http.ResponseWriter, r *http.Request) {
	s.heartbeat(w, chi.URLParam(r, "stream_id"))
}

func (s *Server) heartbeat(w http.ResponseWriter, streamID string) {
	if !s.streams.Heartbeat(streamID) {
		notFound(w, "Stream not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "success",
		"stream_id": streamID,
	})
}

func (s *Server) handleStreamList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.streams.List())
}
