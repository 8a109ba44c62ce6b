// Package counting turns noisy tracked detections into monotone entry/exit
// events using a hysteresis rule on bounding-box/zone overlap.
package counting

import (
	"log/slog"
	"sync"
	"time"

	"github.com/doorwatch/doorwatch/internal/detection"
	"github.com/doorwatch/doorwatch/internal/zones"
)

const (
	// StaleTrackFrames is how many frames a track may go unseen before it
	// is removed (emitting an exit if it was counted).
	StaleTrackFrames = 30

	// MinZoneFrames is the minimum frames a track must be observed before
	// it can produce an entry.
	MinZoneFrames = 5

	// ZoneHistoryLimit caps the residency log per track.
	ZoneHistoryLimit = 30

	// armOverlap and entryOverlap form the hysteresis band: a track must
	// have once reached armOverlap and currently reach entryOverlap.
	armOverlap   = 0.5
	entryOverlap = 0.8
)

// EventType distinguishes entry and exit events.
type EventType string

const (
	EventEntry EventType = "entry"
	EventExit  EventType = "exit"
)

// Event is an entry or exit emitted by the engine.
type Event struct {
	Type      EventType `json:"type"`
	TrackID   int       `json:"track_id"`
	ZoneID    string    `json:"zone_id,omitempty"`
	ZoneName  string    `json:"zone_name,omitempty"`
	Frame     int64     `json:"frame"`
	Timestamp time.Time `json:"timestamp"`
}

// TrackedPerson is the persistent per-track state.
type TrackedPerson struct {
	TrackID         int      `json:"track_id"`
	ZoneHistory     []string `json:"zone_history"`
	FrameCount      int      `json:"frame_count"`
	LastSeenFrame   int64    `json:"last_seen_frame"`
	FirstZoneEntry  string   `json:"first_zone_entry,omitempty"`
	ZoneEntryFrame  int64    `json:"zone_entry_frame"`
	HasBeenCounted  bool     `json:"has_been_counted"`
	MaxOverlapRatio float64  `json:"max_overlap_ratio"`
}

// Stats is the per-frame counting summary.
type Stats struct {
	EntryCount       int `json:"entry_count"`
	ExitCount        int `json:"exit_count"`
	CurrentOccupancy int `json:"current_occupancy"` // persistent count
	LiveOccupancy    int `json:"live_occupancy"`
	ActiveTracks     int `json:"active_tracks"`
	ZonesCount       int `json:"zones_count"`
}

// Mode selects which counter /occupancy surfaces as primary. Advisory only;
// the persistent count is always reported as current_occupancy.
type Mode string

const (
	ModeLive       Mode = "live"
	ModePersistent Mode = "persistent"
)

// Engine applies the hysteresis counting rule. One frame is processed at a
// time; concurrent callers serialize on the engine mutex.
type Engine struct {
	mu       sync.Mutex
	emitMu   sync.Mutex
	registry *zones.Registry
	tracked  map[int]*TrackedPerson

	frameNumber         int64
	entryCount          int
	exitCount           int
	liveOccupancy       int
	persistentOccupancy int
	mode                Mode

	sink   func(Event)
	logger *slog.Logger
}

// NewEngine creates a counting engine over the given zone registry. sink
// receives entry/exit events after the frame's critical section completes;
// it may be nil.
func NewEngine(registry *zones.Registry, sink func(Event)) *Engine {
	return &Engine{
		registry: registry,
		tracked:  make(map[int]*TrackedPerson),
		mode:     ModePersistent,
		sink:     sink,
		logger:   slog.Default().With("component", "counting_engine"),
	}
}

// ProcessFrame advances the engine by one frame of tracked detections and
// returns the updated counters. Events for the frame are emitted after the
// critical section so sinks never run under the engine lock.
func (e *Engine) ProcessFrame(tracked []detection.TrackedBox) Stats {
	zoneList := e.registry.List()
	now := time.Now()

	e.mu.Lock()
	e.frameNumber++
	frame := e.frameNumber

	var events []Event

	for _, tb := range tracked {
		person, ok := e.tracked[tb.TrackID]
		if !ok {
			person = &TrackedPerson{TrackID: tb.TrackID}
			e.tracked[tb.TrackID] = person
		}
		person.LastSeenFrame = frame
		person.FrameCount++

		for _, z := range zoneList {
			r := z.OverlapRatio(tb.Box)
			if r > person.MaxOverlapRatio {
				person.MaxOverlapRatio = r
			}

			// Entry rule: armed at 0.5, fired at 0.8, after enough frames.
			if !person.HasBeenCounted &&
				person.MaxOverlapRatio >= armOverlap &&
				r >= entryOverlap &&
				person.FrameCount >= MinZoneFrames {
				person.HasBeenCounted = true
				e.entryCount++
				e.liveOccupancy++
				e.persistentOccupancy++

				events = append(events, Event{
					Type:      EventEntry,
					TrackID:   tb.TrackID,
					ZoneID:    z.ID,
					ZoneName:  z.Name,
					Frame:     frame,
					Timestamp: now,
				})
				e.logger.Info("Confirmed entry",
					"track_id", tb.TrackID,
					"zone", z.Name,
					"overlap", r,
					"entry_count", e.entryCount,
				)
			}

			// Residency log, deduplicated consecutively.
			if r >= entryOverlap {
				if n := len(person.ZoneHistory); n == 0 || person.ZoneHistory[n-1] != z.ID {
					person.ZoneHistory = append(person.ZoneHistory, z.ID)
					if person.FirstZoneEntry == "" {
						person.FirstZoneEntry = z.ID
						person.ZoneEntryFrame = frame
						e.logger.Debug("First zone residency",
							"track_id", tb.TrackID, "zone_id", z.ID, "frame", frame)
					}
				}
			}
		}

		if len(person.ZoneHistory) > ZoneHistoryLimit {
			person.ZoneHistory = person.ZoneHistory[len(person.ZoneHistory)-ZoneHistoryLimit:]
		}
	}

	// Stale sweep: tracks unseen for too long are removed, emitting exits
	// for those that were counted.
	for id, person := range e.tracked {
		if frame-person.LastSeenFrame <= StaleTrackFrames {
			continue
		}
		delete(e.tracked, id)

		if person.HasBeenCounted {
			e.exitCount++
			if e.liveOccupancy > 0 {
				e.liveOccupancy--
			}
			events = append(events, Event{
				Type:      EventExit,
				TrackID:   id,
				ZoneID:    person.FirstZoneEntry,
				Frame:     frame,
				Timestamp: now,
			})
			e.logger.Info("Track exited",
				"track_id", id,
				"exit_count", e.exitCount,
				"live_occupancy", e.liveOccupancy,
				"frames_tracked", person.FrameCount,
			)
		}
	}

	stats := e.statsLocked(len(tracked))

	// emitMu is taken before releasing the engine lock so event batches
	// reach the sink in critical-section order: a later frame's exit can
	// never overtake an earlier frame's entry.
	e.emitMu.Lock()
	e.mu.Unlock()

	if e.sink != nil {
		for _, ev := range events {
			e.sink(ev)
		}
	}
	e.emitMu.Unlock()

	return stats
}

func (e *Engine) statsLocked(activeTracks int) Stats {
	return Stats{
		EntryCount:       e.entryCount,
		ExitCount:        e.exitCount,
		CurrentOccupancy: e.persistentOccupancy,
		LiveOccupancy:    e.liveOccupancy,
		ActiveTracks:     activeTracks,
		ZonesCount:       e.registry.Count(),
	}
}

// Snapshot returns current counters without advancing the frame number.
func (e *Engine) Snapshot() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statsLocked(len(e.tracked))
}

// ActiveTracks returns the number of tracks currently held.
func (e *Engine) ActiveTracks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tracked)
}

// Reset clears all counters and the track map.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.entryCount = 0
	e.exitCount = 0
	e.liveOccupancy = 0
	e.persistentOccupancy = 0
	e.tracked = make(map[int]*TrackedPerson)
	e.logger.Info("Occupancy counters reset")
}

// SetMode sets the advisory occupancy reporting mode.
func (e *Engine) SetMode(mode Mode) bool {
	if mode != ModeLive && mode != ModePersistent {
		return false
	}
	e.mu.Lock()
	e.mode = mode
	e.mu.Unlock()
	e.logger.Info("Occupancy mode set", "mode", string(mode))
	return true
}

// GetMode returns the advisory occupancy reporting mode.
func (e *Engine) GetMode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}
