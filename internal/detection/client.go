package detection

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Client is an HTTP client for an inference runtime. The runtime keeps the
// multi-object tracker persistent per connection, so track identities
// survive across calls.
type Client struct {
	mu         sync.RWMutex
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger

	// Stats
	requestCount int64
	errorCount   int64
	totalLatency time.Duration
}

// ClientConfig holds runtime client configuration
type ClientConfig struct {
	Address string
	Timeout time.Duration
}

// NewClient creates a new inference runtime client
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	baseURL := cfg.Address
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    baseURL,
		logger:     slog.Default().With("component", "runtime_client"),
	}
}

type inferRequest struct {
	ImageData  string  `json:"image_data"`
	Confidence float64 `json:"confidence"`
	IoU        float64 `json:"iou,omitempty"`
	ImageSize  int     `json:"imgsz,omitempty"`
	Persist    bool    `json:"persist,omitempty"`
}

type inferResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Boxes   []struct {
		X1         float64 `json:"x1"`
		Y1         float64 `json:"y1"`
		X2         float64 `json:"x2"`
		Y2         float64 `json:"y2"`
		Confidence float64 `json:"confidence"`
		ClassID    int     `json:"class_id"`
		Label      string  `json:"label"`
		TrackID    *int    `json:"track_id"`
	} `json:"boxes"`
}

// Track runs inference with the persistent byte-track tracker enabled.
func (c *Client) Track(ctx context.Context, frame *Frame, opts InferOptions) ([]RawBox, error) {
	return c.infer(ctx, "/track", frame, opts, true)
}

// Detect runs plain inference without tracking.
func (c *Client) Detect(ctx context.Context, frame *Frame, opts InferOptions) ([]RawBox, error) {
	return c.infer(ctx, "/detect", frame, opts, false)
}

func (c *Client) infer(ctx context.Context, path string, frame *Frame, opts InferOptions, persist bool) ([]RawBox, error) {
	c.mu.Lock()
	c.requestCount++
	c.mu.Unlock()

	start := time.Now()

	body := inferRequest{
		ImageData:  base64.StdEncoding.EncodeToString(frame.Data),
		Confidence: opts.Confidence,
		IoU:        opts.IoU,
		ImageSize:  opts.ImageSize,
		Persist:    persist,
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		c.recordError()
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		c.recordError()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.recordError()
		return nil, fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()

	c.mu.Lock()
	c.totalLatency += time.Since(start)
	c.mu.Unlock()

	if resp.StatusCode != http.StatusOK {
		c.recordError()
		return nil, fmt.Errorf("inference failed: unexpected status %d", resp.StatusCode)
	}

	var result inferResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		c.recordError()
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if !result.Success && result.Error != "" {
		return nil, fmt.Errorf("inference failed: %s", result.Error)
	}

	boxes := make([]RawBox, 0, len(result.Boxes))
	for _, b := range result.Boxes {
		boxes = append(boxes, RawBox{
			Box:        Box{X1: b.X1, Y1: b.Y1, X2: b.X2, Y2: b.Y2},
			Confidence: b.Confidence,
			ClassID:    b.ClassID,
			Label:      b.Label,
			TrackID:    b.TrackID,
		})
	}

	return boxes, nil
}

func (c *Client) recordError() {
	c.mu.Lock()
	c.errorCount++
	c.mu.Unlock()
}

// Stats returns client statistics
func (c *Client) Stats() (requests int64, errors int64, avgLatency time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	requests = c.requestCount
	errors = c.errorCount
	if requests > 0 {
		avgLatency = c.totalLatency / time.Duration(requests)
	}
	return
}

// Close closes the client connection
func (c *Client) Close() error {
	// HTTP client doesn't need explicit closing
	return nil
}
