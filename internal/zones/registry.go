// Package zones stores operator-configured door zones and their geometry.
package zones

import (
	"log/slog"
	"math"
	"sync"

	"github.com/doorwatch/doorwatch/internal/detection"
)

// Zone is a door rectangle on the image plane. Coordinates tolerate swapped
// corners; geometry always normalizes before use.
type Zone struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	X1       float64 `json:"x1"`
	Y1       float64 `json:"y1"`
	X2       float64 `json:"x2"`
	Y2       float64 `json:"y2"`
	CameraID string  `json:"camera_id,omitempty"`
}

func (z Zone) normalized() (x1, y1, x2, y2 float64) {
	return math.Min(z.X1, z.X2), math.Min(z.Y1, z.Y2),
		math.Max(z.X1, z.X2), math.Max(z.Y1, z.Y2)
}

// ContainsPoint checks if a point is inside the zone rectangle.
func (z Zone) ContainsPoint(x, y float64) bool {
	x1, y1, x2, y2 := z.normalized()
	return x1 <= x && x <= x2 && y1 <= y && y <= y2
}

// CenterInZone checks if the center of a bounding box is inside the zone.
func (z Zone) CenterInZone(box detection.Box) bool {
	cx, cy := box.Center()
	return z.ContainsPoint(cx, cy)
}

// OverlapRatio returns the fraction of the box area inside the zone.
// Degenerate or disjoint geometry yields zero.
func (z Zone) OverlapRatio(box detection.Box) float64 {
	zx1, zy1, zx2, zy2 := z.normalized()

	ix1 := math.Max(box.X1, zx1)
	iy1 := math.Max(box.Y1, zy1)
	ix2 := math.Min(box.X2, zx2)
	iy2 := math.Min(box.Y2, zy2)

	if ix1 >= ix2 || iy1 >= iy2 {
		return 0
	}

	boxArea := box.Area()
	if boxArea <= 0 {
		return 0
	}

	return (ix2 - ix1) * (iy2 - iy1) / boxArea
}

// PersonInZone checks whether at least (1-tolerance) of a person's bounding
// box overlaps the zone.
func (z Zone) PersonInZone(box detection.Box, tolerance float64) bool {
	return z.OverlapRatio(box) >= 1.0-tolerance
}

// Registry holds the active zone set. Updates replace the set atomically;
// one writer at a time.
type Registry struct {
	mu     sync.RWMutex
	zones  []Zone
	logger *slog.Logger
}

// NewRegistry creates an empty zone registry.
func NewRegistry() *Registry {
	return &Registry{
		logger: slog.Default().With("component", "zone_registry"),
	}
}

// Update atomically replaces the active zone set.
func (r *Registry) Update(zones []Zone, cameraID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	replaced := make([]Zone, len(zones))
	copy(replaced, zones)
	for i := range replaced {
		if replaced[i].CameraID == "" {
			replaced[i].CameraID = cameraID
		}
	}
	r.zones = replaced

	r.logger.Info("Zones updated", "camera_id", cameraID, "count", len(replaced))
	for _, z := range replaced {
		r.logger.Debug("Zone configured",
			"zone_id", z.ID,
			"name", z.Name,
			"width", math.Abs(z.X2-z.X1),
			"height", math.Abs(z.Y2-z.Y1),
		)
	}
}

// List returns a copy of the active zones in insertion order.
func (r *Registry) List() []Zone {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Zone, len(r.zones))
	copy(out, r.zones)
	return out
}

// ListForCamera returns zones tagged with the given camera id.
func (r *Registry) ListForCamera(cameraID string) []Zone {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Zone
	for _, z := range r.zones {
		if z.CameraID == cameraID {
			out = append(out, z)
		}
	}
	return out
}

// Count returns the number of active zones.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.zones)
}
