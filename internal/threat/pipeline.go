// Package threat classifies secondary-model detections and associates them
// with person tracks.
package threat

import (
	"math"
	"strings"

	"github.com/doorwatch/doorwatch/internal/detection"
)

// Default UI confidence thresholds per category.
const (
	DefaultSuspiciousConf = 0.25
	DefaultThreatConf     = 0.35
)

// Default association tuning.
const (
	DefaultAssocIoUMin   = 0.10
	DefaultAssocDistFrac = 0.08
)

var threatLabels = map[string]struct{}{
	"weapon":  {},
	"gun":     {},
	"knife":   {},
	"firearm": {},
}

// IsThreatLabel reports whether a label belongs to the threat set.
func IsThreatLabel(label string) bool {
	_, ok := threatLabels[strings.ToLower(label)]
	return ok
}

// PipelineConfig configures classification and association.
type PipelineConfig struct {
	SuspiciousOnly bool    // collapse every box to suspicious
	SuspiciousConf float64 // UI threshold for suspicious boxes
	ThreatConf     float64 // UI threshold for threat boxes
	AssocIoUMin    float64
	AssocDistFrac  float64 // fraction of the frame diagonal
}

// DefaultPipelineConfig returns default configuration
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		SuspiciousConf: DefaultSuspiciousConf,
		ThreatConf:     DefaultThreatConf,
		AssocIoUMin:    DefaultAssocIoUMin,
		AssocDistFrac:  DefaultAssocDistFrac,
	}
}

// Pipeline classifies candidate boxes and associates them to person tracks.
type Pipeline struct {
	cfg PipelineConfig
}

// NewPipeline creates a suspicious pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.SuspiciousConf == 0 {
		cfg.SuspiciousConf = DefaultSuspiciousConf
	}
	if cfg.ThreatConf == 0 {
		cfg.ThreatConf = DefaultThreatConf
	}
	if cfg.AssocIoUMin == 0 {
		cfg.AssocIoUMin = DefaultAssocIoUMin
	}
	if cfg.AssocDistFrac == 0 {
		cfg.AssocDistFrac = DefaultAssocDistFrac
	}
	return &Pipeline{cfg: cfg}
}

// Thresholds override the configured UI thresholds per request.
type Thresholds struct {
	SuspiciousConf *float64
	ThreatConf     *float64
}

// Classify stamps a category on every box and splits the set into the full
// list (for adjudication) and the UI list (confidence-gated per category).
func (p *Pipeline) Classify(boxes []detection.Detection, thr Thresholds) (all, ui []detection.Detection) {
	sConf := p.cfg.SuspiciousConf
	if thr.SuspiciousConf != nil {
		sConf = *thr.SuspiciousConf
	}
	tConf := p.cfg.ThreatConf
	if thr.ThreatConf != nil {
		tConf = *thr.ThreatConf
	}

	all = make([]detection.Detection, 0, len(boxes))
	for _, b := range boxes {
		isThreat := !p.cfg.SuspiciousOnly && IsThreatLabel(b.Label)
		if isThreat {
			b.Category = detection.CategoryThreat
		} else {
			b.Category = detection.CategorySuspicious
		}
		all = append(all, b)

		if (isThreat && b.Confidence >= tConf) || (!isThreat && b.Confidence >= sConf) {
			ui = append(ui, b)
		}
	}
	return all, ui
}

// Associate stamps a person track id on each box: highest IoU above the
// floor first, then nearest center within a fraction of the frame diagonal.
func (p *Pipeline) Associate(boxes []detection.Detection, persons []detection.TrackedBox, frameWidth, frameHeight int) {
	if len(persons) == 0 {
		return
	}

	diag := math.Hypot(float64(frameWidth), float64(frameHeight))
	maxDist := p.cfg.AssocDistFrac * diag

	for i := range boxes {
		bestIoU := 0.0
		var bestID *int
		minDist := math.Inf(1)
		var nearestID *int

		bx, by := boxes[i].Box.Center()
		for j := range persons {
			person := &persons[j]
			if iou := boxes[i].Box.IoU(person.Box); iou > bestIoU {
				bestIoU = iou
				bestID = &person.TrackID
			}
			px, py := person.Box.Center()
			if d := math.Hypot(bx-px, by-py); d < minDist {
				minDist = d
				nearestID = &person.TrackID
			}
		}

		switch {
		case bestID != nil && bestIoU >= p.cfg.AssocIoUMin:
			id := *bestID
			boxes[i].TrackID = &id
		case nearestID != nil && minDist <= maxDist:
			id := *nearestID
			boxes[i].TrackID = &id
		}
	}
}

// HasThreat reports whether any box in the set is a threat.
func HasThreat(boxes []detection.Detection) bool {
	for _, b := range boxes {
		if b.Category == detection.CategoryThreat {
			return true
		}
	}
	return false
}
