// Package stream runs heartbeat-supervised per-camera detection workers.
package stream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/doorwatch/doorwatch/internal/detection"
)

// Requested capture resolution; the source may deliver something else and
// the worker records what actually arrived.
const (
	RequestWidth  = 1280
	RequestHeight = 720
)

// Capture yields frames from an opened video source.
type Capture interface {
	Read(ctx context.Context) (*detection.Frame, error)
	Close() error
}

// Source opens captures from a source string (device index, URL).
type Source interface {
	Open(ctx context.Context, source string, width, height int) (Capture, error)
}

// HTTPSource polls an HTTP endpoint that serves single JPEG frames, the way
// restreamers expose snapshot URLs.
type HTTPSource struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPSource creates an HTTP frame source.
func NewHTTPSource() *HTTPSource {
	return &HTTPSource{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     slog.Default().With("component", "frame_source"),
	}
}

// Open validates the source URL and returns a polling capture. The requested
// resolution is passed as query hints; the server decides what it honors.
func (s *HTTPSource) Open(ctx context.Context, source string, width, height int) (Capture, error) {
	u, err := url.Parse(source)
	if err != nil || u.Scheme == "" {
		return nil, fmt.Errorf("could not open video source: %s", source)
	}

	q := u.Query()
	q.Set("width", strconv.Itoa(width))
	q.Set("height", strconv.Itoa(height))
	u.RawQuery = q.Encode()

	cap := &httpCapture{
		url:        u.String(),
		httpClient: s.httpClient,
		logger:     s.logger,
	}

	// Probe once so a dead source fails at open time, not on first read.
	frame, err := cap.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not open video source: %s: %w", source, err)
	}
	s.logger.Info("Opened video source",
		"source", source,
		"width", frame.Width,
		"height", frame.Height,
	)

	return cap, nil
}

type httpCapture struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

func (c *httpCapture) Read(ctx context.Context) (*detection.Frame, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch frame: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame data: %w", err)
	}

	return detection.DecodeFrame(data)
}

func (c *httpCapture) Close() error {
	return nil
}
