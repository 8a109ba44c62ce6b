package detection

import (
	"context"
	"fmt"
	"log/slog"
)

// suspiciousFloor is the internal confidence floor for the secondary model.
// Candidates are gated by the adjudicator, not by confidence.
const suspiciousFloor = 0.01

// Adapter wraps the primary person detector (with integrated tracker) and
// the optional secondary suspicious-object detector.
type Adapter struct {
	primary   Runtime
	secondary Runtime // nil when the threat model is not loaded
	imageSize int
	modelPath string
	logger    *slog.Logger
}

// AdapterConfig holds adapter configuration
type AdapterConfig struct {
	Primary   Runtime
	Secondary Runtime
	ImageSize int    // shorter-side inference resolution
	ModelPath string // secondary model weights path, for diagnostics
}

// NewAdapter creates a detector adapter.
func NewAdapter(cfg AdapterConfig) *Adapter {
	if cfg.ImageSize <= 0 {
		cfg.ImageSize = 640
	}
	return &Adapter{
		primary:   cfg.Primary,
		secondary: cfg.Secondary,
		imageSize: cfg.ImageSize,
		modelPath: cfg.ModelPath,
		logger:    slog.Default().With("component", "detector_adapter"),
	}
}

// SuspiciousLoaded reports whether the secondary model is available.
func (a *Adapter) SuspiciousLoaded() bool {
	return a.secondary != nil
}

// ModelPath returns the secondary model weights path, if any.
func (a *Adapter) ModelPath() string {
	return a.modelPath
}

// DetectAndTrack runs the primary model with tracking, keeps person boxes at
// or above conf, and returns them alongside the tuples that carry a track
// id. Boxes without a track id are reported but never drive counting.
func (a *Adapter) DetectAndTrack(ctx context.Context, frame *Frame, conf float64) ([]Detection, []TrackedBox, error) {
	raw, err := a.primary.Track(ctx, frame, InferOptions{
		Confidence: conf,
		ImageSize:  a.imageSize,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("person detection failed: %w", err)
	}

	detections := make([]Detection, 0, len(raw))
	tracked := make([]TrackedBox, 0, len(raw))

	for _, b := range raw {
		if b.ClassID != PersonClassID || b.Confidence < conf {
			continue
		}

		det := Detection{
			Box:        b.Box,
			Confidence: b.Confidence,
			Label:      fmt.Sprintf("Person (%.2f)", b.Confidence),
			TrackID:    b.TrackID,
		}
		detections = append(detections, det)

		if b.TrackID != nil {
			tracked = append(tracked, TrackedBox{
				TrackID:    *b.TrackID,
				Box:        b.Box,
				Confidence: b.Confidence,
			})
		}
	}

	return detections, tracked, nil
}

// DetectSuspicious runs the secondary model with a very low confidence floor
// and returns every labeled box. The caller applies UI thresholds.
func (a *Adapter) DetectSuspicious(ctx context.Context, frame *Frame, iou float64) ([]Detection, error) {
	if a.secondary == nil {
		return nil, nil
	}

	raw, err := a.secondary.Detect(ctx, frame, InferOptions{
		Confidence: suspiciousFloor,
		IoU:        iou,
		ImageSize:  a.imageSize,
	})
	if err != nil {
		return nil, fmt.Errorf("suspicious detection failed: %w", err)
	}

	boxes := make([]Detection, 0, len(raw))
	for _, b := range raw {
		label := b.Label
		if label == "" {
			label = fmt.Sprintf("cls_%d", b.ClassID)
		}
		boxes = append(boxes, Detection{
			Box:        b.Box,
			Confidence: b.Confidence,
			Label:      label,
		})
	}

	return boxes, nil
}

// Close closes both runtimes.
func (a *Adapter) Close() error {
	if a.primary != nil {
		if err := a.primary.Close(); err != nil {
			a.logger.Warn("Failed to close primary runtime", "error", err)
		}
	}
	if a.secondary != nil {
		if err := a.secondary.Close(); err != nil {
			a.logger.Warn("Failed to close secondary runtime", "error", err)
		}
	}
	return nil
}
