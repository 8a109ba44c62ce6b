package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/doorwatch/doorwatch/internal/detection"
)

const (
	// StaleTimeout is how long a stream may go without a heartbeat before
	// the reaper removes it.
	StaleTimeout = 300 * time.Second

	// ReapInterval is how often the reaper scans for stale streams.
	ReapInterval = 60 * time.Second

	frameDelay    = 100 * time.Millisecond
	readRetryWait = time.Second
)

// ProcessFunc runs detection over one frame and returns the boxes to
// publish and the person count.
type ProcessFunc func(ctx context.Context, streamID string, frame *detection.Frame, confidence float64) ([]detection.Detection, int, error)

// StartRequest asks the controller to begin a worker for a source.
type StartRequest struct {
	Source     string  `json:"source"`
	Confidence float64 `json:"confidence"`
	StreamID   string  `json:"stream_id"`
}

// Status is the externally visible state of one stream.
type Status struct {
	StreamID          string                `json:"stream_id"`
	IsActive          bool                  `json:"is_active"`
	Source            string                `json:"source"`
	PeopleCount       int                   `json:"people_count"`
	Detections        []detection.Detection `json:"detections"`
	ProcessingTime    float64               `json:"processing_time"`
	FrameWidth        int                   `json:"frame_width"`
	FrameHeight       int                   `json:"frame_height"`
	LastDetectionTime *float64              `json:"last_detection_time"`
	LastHeartbeat     *float64              `json:"last_heartbeat"`
	Error             *string               `json:"error"`
}

type record struct {
	streamID   string
	source     string
	confidence float64
	cancel     context.CancelFunc

	isActive       bool
	peopleCount    int
	detections     []detection.Detection
	processingTime float64
	frameWidth     int
	frameHeight    int
	lastDetection  time.Time
	lastHeartbeat  time.Time
	err            string
}

// Controller owns stream workers and their status records. Streams stay
// alive only while heartbeats keep arriving; a background reaper removes
// streams whose clients went away.
type Controller struct {
	mu      sync.Mutex
	records map[string]*record

	source  Source
	process ProcessFunc

	staleTimeout time.Duration
	reapInterval time.Duration
	now          func() time.Time

	stopReaper context.CancelFunc
	wg         sync.WaitGroup
	logger     *slog.Logger
}

// ControllerConfig wires the controller. Zero durations select the
// defaults; Now is for tests.
type ControllerConfig struct {
	Source       Source
	Process      ProcessFunc
	StaleTimeout time.Duration
	ReapInterval time.Duration
	Now          func() time.Time
}

// NewController creates a stream controller and starts its reaper.
func NewController(cfg ControllerConfig) *Controller {
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = StaleTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = ReapInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		records:      make(map[string]*record),
		source:       cfg.Source,
		process:      cfg.Process,
		staleTimeout: cfg.StaleTimeout,
		reapInterval: cfg.ReapInterval,
		now:          cfg.Now,
		stopReaper:   cancel,
		logger:       slog.Default().With("component", "stream_controller"),
	}

	c.wg.Add(1)
	go c.reapLoop(ctx)
	return c
}

// Start begins a worker for the stream, or refreshes the heartbeat when the
// stream already exists. It reports whether a new stream was created.
func (c *Controller) Start(req StartRequest) bool {
	c.mu.Lock()

	if rec, ok := c.records[req.StreamID]; ok {
		rec.lastHeartbeat = c.now()
		c.mu.Unlock()
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	rec := &record{
		streamID:      req.StreamID,
		source:        req.Source,
		confidence:    req.Confidence,
		cancel:        cancel,
		isActive:      true,
		frameWidth:    RequestWidth,
		frameHeight:   RequestHeight,
		lastHeartbeat: c.now(),
	}
	c.records[req.StreamID] = rec
	c.mu.Unlock()

	c.wg.Add(1)
	go c.worker(ctx, rec)

	c.logger.Info("Started stream", "stream_id", req.StreamID, "source", req.Source)
	return true
}

// Status returns the stream's state and refreshes its heartbeat.
func (c *Controller) Status(streamID string) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[streamID]
	if !ok {
		return Status{}, false
	}
	rec.lastHeartbeat = c.now()
	return rec.status(), true
}

// Heartbeat refreshes the stream's heartbeat.
func (c *Controller) Heartbeat(streamID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[streamID]
	if !ok {
		return false
	}
	rec.lastHeartbeat = c.now()
	return true
}

// Stop cancels the stream's worker and removes its record.
func (c *Controller) Stop(streamID string) bool {
	c.mu.Lock()
	rec, ok := c.records[streamID]
	if ok {
		rec.isActive = false
		rec.cancel()
		delete(c.records, streamID)
	}
	c.mu.Unlock()

	if ok {
		c.logger.Info("Stopped stream", "stream_id", streamID)
	}
	return ok
}

// List returns the status of every known stream.
func (c *Controller) List() []Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Status, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, rec.status())
	}
	return out
}

// Count returns the number of known streams.
func (c *Controller) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Shutdown stops the reaper and every worker, then waits for them.
func (c *Controller) Shutdown() {
	c.stopReaper()

	c.mu.Lock()
	for id, rec := range c.records {
		rec.cancel()
		delete(c.records, id)
	}
	c.mu.Unlock()

	c.wg.Wait()
}

// Reap removes streams whose last heartbeat is older than the stale
// timeout. The reaper calls this on a timer; tests call it directly.
func (c *Controller) Reap() int {
	now := c.now()

	c.mu.Lock()
	var stale []*record
	for id, rec := range c.records {
		if now.Sub(rec.lastHeartbeat) > c.staleTimeout {
			stale = append(stale, rec)
			delete(c.records, id)
		}
	}
	c.mu.Unlock()

	for _, rec := range stale {
		rec.cancel()
		c.logger.Info("Cleaning up stale stream", "stream_id", rec.streamID)
	}
	return len(stale)
}

func (c *Controller) reapLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Reap()
		}
	}
}

func (c *Controller) worker(ctx context.Context, rec *record) {
	defer c.wg.Done()

	capture, err := c.source.Open(ctx, rec.source, RequestWidth, RequestHeight)
	if err != nil {
		c.logger.Error("Stream failed to open source",
			"stream_id", rec.streamID, "source", rec.source, "error", err)
		c.mu.Lock()
		rec.err = err.Error()
		rec.isActive = false
		c.mu.Unlock()
		return
	}
	defer capture.Close()

	c.logger.Info("Started stream detection", "stream_id", rec.streamID, "source", rec.source)

	for ctx.Err() == nil {
		frame, err := capture.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			c.logger.Warn("Failed to read frame", "stream_id", rec.streamID, "error", err)
			if !sleepCtx(ctx, readRetryWait) {
				break
			}
			continue
		}

		start := time.Now()
		detections, peopleCount, err := c.process(ctx, rec.streamID, frame, rec.confidence)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			c.logger.Error("Stream detection failed", "stream_id", rec.streamID, "error", err)
			c.mu.Lock()
			rec.err = err.Error()
			rec.isActive = false
			c.mu.Unlock()
			break
		}
		elapsed := time.Since(start).Seconds()

		c.mu.Lock()
		rec.peopleCount = peopleCount
		rec.detections = detections
		rec.processingTime = elapsed
		rec.frameWidth = frame.Width
		rec.frameHeight = frame.Height
		rec.lastDetection = time.Now()
		c.mu.Unlock()

		if !sleepCtx(ctx, frameDelay) {
			break
		}
	}

	c.logger.Info("Stream task ended", "stream_id", rec.streamID)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (r *record) status() Status {
	s := Status{
		StreamID:       r.streamID,
		IsActive:       r.isActive,
		Source:         r.source,
		PeopleCount:    r.peopleCount,
		Detections:     r.detections,
		ProcessingTime: r.processingTime,
		FrameWidth:     r.frameWidth,
		FrameHeight:    r.frameHeight,
	}
	if !r.lastDetection.IsZero() {
		t := unixSeconds(r.lastDetection)
		s.LastDetectionTime = &t
	}
	if !r.lastHeartbeat.IsZero() {
		t := unixSeconds(r.lastHeartbeat)
		s.LastHeartbeat = &t
	}
	if r.err != "" {
		e := r.err
		s.Error = &e
	}
	return s
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
