package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/doorwatch/doorwatch/internal/counting"
	"github.com/doorwatch/doorwatch/internal/zones"
)

type zonesUpdateRequest struct {
	Zones    []zones.Zone `json:"zones"`
	CameraID string       `json:"camera_id"`
}

func (s *Server) handleZonesUpdate(w http.ResponseWriter, r *http.Request) {
	var req zonesUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	s.zones.Update(req.Zones, req.CameraID)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "success",
		"message":     fmt.Sprintf("Updated %d zones for camera %s", len(req.Zones), req.CameraID),
		"zones_count": len(req.Zones),
	})
}

func (s *Server) handleZonesList(w http.ResponseWriter, r *http.Request) {
	list := s.zones.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"zones":       list,
		"zones_count": len(list),
	})
}

func (s *Server) handleZonesForCamera(w http.ResponseWriter, r *http.Request) {
	cameraID := chi.URLParam(r, "camera_id")
	list := s.zones.ListForCamera(cameraID)
	writeJSON(w, http.StatusOK, map[string]any{
		"camera_id":   cameraID,
		"zones":       list,
		"zones_count": len(list),
	})
}

func (s *Server) handleOccupancy(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"current_occupancy": stats.CurrentOccupancy,
		"live_occupancy":    stats.LiveOccupancy,
		"total_entries":     stats.EntryCount,
		"total_exits":       stats.ExitCount,
		"zones_count":       stats.ZonesCount,
		"active_tracks":     s.engine.ActiveTracks(),
	})
}

func (s *Server) handleOccupancyReset(w http.ResponseWriter, r *http.Request) {
	s.engine.Reset()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": "Occupancy counters reset",
	})
}

func (s *Server) handleOccupancyMode(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("mode")
	if !s.engine.SetMode(counting.Mode(mode)) {
		badRequest(w, "Mode must be 'live' or 'persistent'")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"mode":   mode,
	})
}
