package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/doorwatch/doorwatch/internal/bus"
	"github.com/doorwatch/doorwatch/internal/detection"
	"github.com/doorwatch/doorwatch/internal/events"
	"github.com/doorwatch/doorwatch/internal/llm"
	"github.com/doorwatch/doorwatch/internal/threat"
)

const defaultSuspiciousIoU = 0.5

type detectRequest struct {
	ImageData      string   `json:"image_data"`
	Confidence     float64  `json:"confidence"`
	SuspiciousConf *float64 `json:"suspicious_conf,omitempty"`
	ThreatConf     *float64 `json:"threat_conf,omitempty"`
	SuspiciousIoU  *float64 `json:"suspicious_iou,omitempty"`
	ThreatIoU      *float64 `json:"threat_iou,omitempty"`
	LLMEnabled     *bool    `json:"llm_enabled,omitempty"`
	StreamID       string   `json:"stream_id,omitempty"`
}

type detectResponse struct {
	PeopleCount      int                   `json:"people_count"`
	Detections       []detection.Detection `json:"detections"`
	ProcessingTime   float64               `json:"processing_time"` // milliseconds
	ImageWidth       int                   `json:"image_width"`
	ImageHeight      int                   `json:"image_height"`
	EntryCount       int                   `json:"entry_count"`
	ExitCount        int                   `json:"exit_count"`
	CurrentOccupancy int                   `json:"current_occupancy"`

	Threats   []detection.Detection `json:"threats,omitempty"`
	HasThreat *bool                 `json:"has_threat,omitempty"`

	LLMIsFalsePositive *bool    `json:"llm_is_false_positive,omitempty"`
	LLMConfidence      *float64 `json:"llm_confidence,omitempty"`
	LLMReason          *string  `json:"llm_reason,omitempty"`
	LLMModel           *string  `json:"llm_model,omitempty"`
	LLMTriggered       *bool    `json:"llm_triggered,omitempty"`
	LLMError           *string  `json:"llm_error,omitempty"`
}

// suspiciousIoU resolves the NMS IoU for the secondary model: the stricter
// of the two client-provided thresholds, clamped to [0,1].
func suspiciousIoU(req *detectRequest) float64 {
	iou := defaultSuspiciousIoU
	switch {
	case req.ThreatIoU != nil && req.SuspiciousIoU != nil:
		iou = min(*req.ThreatIoU, *req.SuspiciousIoU)
	case req.ThreatIoU != nil:
		iou = *req.ThreatIoU
	case req.SuspiciousIoU != nil:
		iou = *req.SuspiciousIoU
	}
	return max(0, min(iou, 1))
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req detectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if req.Confidence <= 0 {
		req.Confidence = 0.25
	}

	ctx := r.Context()

	frame, err := detection.DecodeBase64Frame(req.ImageData)
	if err != nil {
		s.logger.Error("Detection error", "error", err)
		internalError(w, fmt.Sprintf("Detection failed: %v", err))
		return
	}

	detections, tracked, err := s.detector.DetectAndTrack(ctx, frame, req.Confidence)
	if err != nil {
		s.logger.Error("Detection error", "error", err)
		internalError(w, fmt.Sprintf("Detection failed: %v", err))
		return
	}

	stats := s.engine.ProcessFrame(tracked)

	resp := detectResponse{
		PeopleCount:      len(detections),
		Detections:       detections,
		ImageWidth:       frame.Width,
		ImageHeight:      frame.Height,
		EntryCount:       stats.EntryCount,
		ExitCount:        stats.ExitCount,
		CurrentOccupancy: stats.CurrentOccupancy,
	}

	if s.detector.SuspiciousLoaded() {
		s.runThreatPath(ctx, &req, frame, tracked, &resp)
	}

	resp.ProcessingTime = float64(time.Since(start).Milliseconds())

	if s.hub != nil && req.StreamID != "" {
		s.hub.BroadcastToStream(req.StreamID, Message{
			Type: MessageTypeDetection,
			Data: map[string]any{
				"stream_id":    req.StreamID,
				"people_count": resp.PeopleCount,
				"detections":   resp.Detections,
			},
		})
	}
	if s.bus != nil {
		_ = s.bus.Publish(bus.SubjectDetectionsFrame, map[string]any{
			"stream_id":    req.StreamID,
			"people_count": resp.PeopleCount,
			"occupancy":    stats.CurrentOccupancy,
		})
	}

	s.logger.Info("Detection complete",
		"people", resp.PeopleCount,
		"occupancy", stats.CurrentOccupancy,
		"processing_ms", resp.ProcessingTime,
	)
	writeJSON(w, http.StatusOK, resp)
}

// runThreatPath runs the secondary model, association, and adjudication,
// filling the threat fields of resp. Failures here never fail the request.
func (s *Server) runThreatPath(ctx context.Context, req *detectRequest, frame *detection.Frame, tracked []detection.TrackedBox, resp *detectResponse) {
	boxes, err := s.detector.DetectSuspicious(ctx, frame, suspiciousIoU(req))
	if err != nil {
		s.logger.Warn("Threat detection failed", "error", err)
		return
	}
	if len(boxes) == 0 {
		return
	}

	s.pipeline.Associate(boxes, tracked, frame.Width, frame.Height)
	all, ui := s.pipeline.Classify(boxes, threat.Thresholds{
		SuspiciousConf: req.SuspiciousConf,
		ThreatConf:     req.ThreatConf,
	})

	resp.Threats = ui
	hasThreat := threat.HasThreat(ui)
	resp.HasThreat = &hasThreat

	if len(ui) == 0 {
		return
	}

	if s.bus != nil {
		_ = s.bus.Publish(bus.SubjectThreatsFlagged, map[string]any{
			"stream_id": req.StreamID,
			"threats":   ui,
		})
	}
	if s.hub != nil {
		s.hub.Broadcast(Message{
			Type: MessageTypeThreat,
			Data: map[string]any{"stream_id": req.StreamID, "threats": ui},
		})
	}

	result := s.adjudicator.Review(ctx, llm.Request{
		StreamID: req.StreamID,
		Enabled:  req.LLMEnabled,
		Frame:    frame,
		All:      all,
		UI:       ui,
	})

	if result.Triggered {
		t := true
		resp.LLMTriggered = &t
	}
	if result.Model != "" {
		model := result.Model
		resp.LLMModel = &model
	}
	if result.Reason != "" {
		reason := result.Reason
		resp.LLMReason = &reason
	}
	if result.Err != "" {
		errMsg := result.Err
		resp.LLMError = &errMsg
	}
	resp.LLMConfidence = result.Confidence
	resp.LLMIsFalsePositive = result.FalsePositive

	if result.FalsePositive != nil {
		for i := range resp.Threats {
			fp := *result.FalsePositive
			resp.Threats[i].LLMFalsePositive = &fp
		}
		if *result.FalsePositive {
			hasThreat = false
			resp.HasThreat = &hasThreat
		}

		if s.journal != nil {
			meta, _ := json.Marshal(map[string]any{
				"false_positive": *result.FalsePositive,
				"reason":         result.Reason,
				"model":          result.Model,
			})
			_ = s.journal.Record(ctx, &events.Event{
				Type:     events.TypeAdjudicated,
				StreamID: req.StreamID,
				Metadata: meta,
			})
		}
		if s.bus != nil {
			_ = s.bus.Publish(bus.SubjectThreatsAdjudicated, map[string]any{
				"stream_id":      req.StreamID,
				"false_positive": *result.FalsePositive,
				"reason":         result.Reason,
			})
		}
	}
}
