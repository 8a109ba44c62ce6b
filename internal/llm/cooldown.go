package llm

import (
	"sync"
	"time"
)

// Cooldowns tracks when the adjudicator last fired, per stream and per
// (stream, track). Stamps are written at call time, so a failed call still
// burns the cooldown.
type Cooldowns struct {
	mu        sync.Mutex
	perStream map[string]time.Time
	perTrack  map[string]map[int]time.Time
	streamTTL time.Duration
	trackTTL  time.Duration
	now       func() time.Time
}

// NewCooldowns creates a cooldown ledger with the given windows.
func NewCooldowns(streamTTL, trackTTL time.Duration) *Cooldowns {
	return &Cooldowns{
		perStream: make(map[string]time.Time),
		perTrack:  make(map[string]map[int]time.Time),
		streamTTL: streamTTL,
		trackTTL:  trackTTL,
		now:       time.Now,
	}
}

// StreamRemaining returns how long the stream cooldown has left, zero when
// the stream may fire.
func (c *Cooldowns) StreamRemaining(streamID string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return remaining(c.now(), c.perStream[streamID], c.streamTTL)
}

// TrackRemaining returns how long the per-track cooldown has left.
func (c *Cooldowns) TrackRemaining(streamID string, trackID int) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return remaining(c.now(), c.perTrack[streamID][trackID], c.trackTTL)
}

// Stamp records an adjudication attempt for the stream and, when trackID is
// non-nil, for the track.
func (c *Cooldowns) Stamp(streamID string, trackID *int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.perStream[streamID] = now
	if trackID != nil {
		tracks, ok := c.perTrack[streamID]
		if !ok {
			tracks = make(map[int]time.Time)
			c.perTrack[streamID] = tracks
		}
		tracks[*trackID] = now
	}
}

func remaining(now, last time.Time, ttl time.Duration) time.Duration {
	if last.IsZero() {
		return 0
	}
	if left := ttl - now.Sub(last); left > 0 {
		return left
	}
	return 0
}
