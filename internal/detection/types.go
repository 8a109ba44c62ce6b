// Package detection wraps the inference runtimes and normalizes their output.
package detection

import (
	"context"
	"image"
	"math"
)

// PersonClassID is the COCO class index for "person".
const PersonClassID = 0

// Category classifies a secondary-model detection.
type Category string

const (
	CategoryThreat     Category = "threat"
	CategorySuspicious Category = "suspicious"
)

// Box is an axis-aligned bounding box in pixel coordinates.
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Area returns the box area, zero for degenerate boxes.
func (b Box) Area() float64 {
	w := b.X2 - b.X1
	h := b.Y2 - b.Y1
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Center returns the box center point.
func (b Box) Center() (float64, float64) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// IoU calculates intersection over union with another box.
func (b Box) IoU(other Box) float64 {
	ix1 := math.Max(b.X1, other.X1)
	iy1 := math.Max(b.Y1, other.Y1)
	ix2 := math.Min(b.X2, other.X2)
	iy2 := math.Min(b.Y2, other.Y2)

	if ix2 <= ix1 || iy2 <= iy1 {
		return 0
	}

	intersection := (ix2 - ix1) * (iy2 - iy1)
	union := b.Area() + other.Area() - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}

// Detection is a single normalized detection result on the wire.
type Detection struct {
	Box
	Confidence       float64  `json:"confidence"`
	Label            string   `json:"label"`
	TrackID          *int     `json:"track_id,omitempty"`
	Category         Category `json:"category,omitempty"`
	LLMFalsePositive *bool    `json:"llm_false_positive,omitempty"`
}

// TrackedBox is a person detection that carries a tracker identity.
// Only these drive zone counting.
type TrackedBox struct {
	TrackID    int
	Box        Box
	Confidence float64
}

// Frame is a decoded video frame.
type Frame struct {
	Image  image.Image
	Data   []byte // original encoded bytes (JPEG/PNG)
	Width  int
	Height int
}

// Diagonal returns the frame diagonal in pixels.
func (f *Frame) Diagonal() float64 {
	return math.Hypot(float64(f.Width), float64(f.Height))
}

// InferOptions tune a single inference call.
type InferOptions struct {
	Confidence float64
	IoU        float64
	ImageSize  int
}

// RawBox is a detection as returned by an inference runtime, before
// any filtering or labeling.
type RawBox struct {
	Box        Box
	Confidence float64
	ClassID    int
	Label      string
	TrackID    *int
}

// Runtime is an opaque inference runtime. Track runs the model with a
// persistent multi-object tracker so identities survive across calls;
// Detect runs plain detection.
type Runtime interface {
	Track(ctx context.Context, frame *Frame, opts InferOptions) ([]RawBox, error)
	Detect(ctx context.Context, frame *Frame, opts InferOptions) ([]RawBox, error)
	Close() error
}

// DetectionError represents a detection error
type DetectionError struct {
	Message string
}

func (e *DetectionError) Error() string {
	return e.Message
}
