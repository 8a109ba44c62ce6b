package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/doorwatch/doorwatch/internal/detection"
	"github.com/doorwatch/doorwatch/internal/snapshot"
)

const snapshotQuality = 85

// ResolveAPIKey returns the API key from OPENAI_API_KEY, falling back to
// OPENAI_API_KEY_FALLBACK. Empty when neither is set.
func ResolveAPIKey() string {
	if key := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); key != "" {
		return key
	}
	return strings.TrimSpace(os.Getenv("OPENAI_API_KEY_FALLBACK"))
}

// Request carries one frame's flagged boxes into adjudication.
type Request struct {
	StreamID string
	Enabled  *bool // client opt-in, honored only when auto mode is off
	Frame    *detection.Frame
	All      []detection.Detection // ungated candidates
	UI       []detection.Detection // threshold-gated boxes
}

// Result reports what the adjudicator did for one frame.
type Result struct {
	Triggered     bool
	FalsePositive *bool
	Confidence    *float64
	Reason        string
	Model         string
	Err           string
}

// Adjudicator decides when to consult the chat model and interprets its
// verdict. Cooldowns are stamped when a call is attempted, so failures still
// burn the window.
type Adjudicator struct {
	client    *Client
	cooldowns *Cooldowns
	snapshots *snapshot.Writer
	auto      bool
	apiKey    func() string
	logger    *slog.Logger
}

// AdjudicatorConfig wires the adjudicator's collaborators.
type AdjudicatorConfig struct {
	Client    *Client
	Cooldowns *Cooldowns
	Snapshots *snapshot.Writer
	Auto      bool          // run on every flagged frame without client opt-in
	APIKey    func() string // nil selects ResolveAPIKey
}

// NewAdjudicator creates an adjudicator.
func NewAdjudicator(cfg AdjudicatorConfig) *Adjudicator {
	if cfg.APIKey == nil {
		cfg.APIKey = ResolveAPIKey
	}
	return &Adjudicator{
		client:    cfg.Client,
		cooldowns: cfg.Cooldowns,
		snapshots: cfg.Snapshots,
		auto:      cfg.Auto,
		apiKey:    cfg.APIKey,
		logger:    slog.Default().With("component", "llm_adjudicator"),
	}
}

// candidate picks the box to show the model: prefer boxes carrying a track
// id, then the largest area.
func candidate(all []detection.Detection) *detection.Detection {
	if len(all) == 0 {
		return nil
	}

	pool := make([]detection.Detection, 0, len(all))
	for _, b := range all {
		if b.TrackID != nil {
			pool = append(pool, b)
		}
	}
	if len(pool) == 0 {
		pool = all
	}

	best := pool[0]
	for _, b := range pool[1:] {
		if b.Box.Area() > best.Box.Area() {
			best = b
		}
	}
	return &best
}

// summarize describes the top flagged boxes for cooldown context.
func summarize(ui, all []detection.Detection) string {
	boxes := ui
	if len(boxes) == 0 {
		boxes = all
	}
	if len(boxes) == 0 {
		return ""
	}

	sorted := make([]detection.Detection, len(boxes))
	copy(sorted, boxes)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})
	if len(sorted) > 3 {
		sorted = sorted[:3]
	}

	parts := make([]string, 0, len(sorted))
	for _, b := range sorted {
		label := b.Label
		if label == "" {
			label = "object"
		}
		parts = append(parts, fmt.Sprintf("%s (%.2f)", label, b.Confidence))
	}
	return strings.Join(parts, ", ")
}

// Review runs the adjudication gate for one flagged frame. It returns a
// zero-valued Result when nothing was flagged.
func (a *Adjudicator) Review(ctx context.Context, req Request) Result {
	var res Result
	if len(req.UI) == 0 {
		return res
	}

	key := a.apiKey()
	shouldRun := key != "" && (a.auto || (req.Enabled != nil && *req.Enabled))

	streamKey := req.StreamID
	if streamKey == "" {
		streamKey = "default"
	}

	cand := candidate(req.All)

	// Per-track cooldown first: one screenshot per detection, not per frame.
	if shouldRun && cand != nil && cand.TrackID != nil {
		if left := a.cooldowns.TrackRemaining(streamKey, *cand.TrackID); left > 0 {
			shouldRun = false
			res.Err = fmt.Sprintf("per-track cooldown active: %ds remaining", int(left.Seconds()))
			if s := summarize(req.UI, req.All); s != "" {
				res.Reason = "Cooldown (track): detected " + s
			}
		}
	}

	if left := a.cooldowns.StreamRemaining(streamKey); left > 0 {
		shouldRun = false
		res.Err = fmt.Sprintf("cooldown active: %ds remaining", int(left.Seconds()))
		if s := summarize(req.UI, req.All); s != "" {
			res.Reason = "Cooldown: detected " + s
		}
	}

	if !shouldRun || cand == nil {
		return res
	}

	a.cooldowns.Stamp(streamKey, cand.TrackID)
	res.Triggered = true
	res.Model = a.client.Model()
	a.logger.Info("LLM auto-trigger: suspicious detection, preparing screenshots",
		"stream_id", streamKey, "label", cand.Label)

	fullJPEG := req.Frame.Data
	if len(fullJPEG) == 0 {
		encoded, err := detection.EncodeJPEG(req.Frame.Image, snapshotQuality)
		if err != nil {
			res.Err = fmt.Sprintf("failed to encode frame: %v", err)
			a.logger.Warn("LLM validation failed", "error", res.Err)
			return res
		}
		fullJPEG = encoded
	}

	cropJPEG, err := detection.EncodeJPEG(detection.Crop(req.Frame.Image, cand.Box), snapshotQuality)
	if err != nil {
		res.Err = fmt.Sprintf("failed to encode crop: %v", err)
		a.logger.Warn("LLM validation failed", "error", res.Err)
		return res
	}

	now := time.Now()
	a.snapshots.SaveFull(now, streamKey, fullJPEG)
	a.snapshots.SaveCrop(now, streamKey, cand.Label, cropJPEG)

	verdict, err := a.client.Validate(ctx, key, cand.Label, fullJPEG, cropJPEG)
	if err != nil {
		res.Err = err.Error()
		if res.Reason == "" {
			res.Reason = res.Err
		}
		a.logger.Warn("LLM validation failed", "error", err)
		return res
	}

	fp := verdict.FalsePositive
	res.FalsePositive = &fp
	res.Confidence = verdict.Confidence
	res.Reason = verdict.Reason
	a.logger.Info("LLM result",
		"false_positive", fp,
		"confidence", verdict.Confidence,
		"reason", verdict.Reason,
	)
	return res
}
