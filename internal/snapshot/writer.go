// Package snapshot writes adjudication JPEGs under a structured path.
package snapshot

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Sanitize replaces filename-unsafe characters with underscores.
func Sanitize(s string) string {
	if s == "" {
		return "unknown"
	}
	return unsafeChars.ReplaceAllString(s, "_")
}

// Timestamp formats t so filenames sort lexicographically by time, with
// microsecond precision.
func Timestamp(t time.Time) string {
	return fmt.Sprintf("%s_%06d", t.Format("20060102_150405"), t.Nanosecond()/1000)
}

// Writer writes full-frame and crop JPEGs. Failures are logged, never
// propagated; losing a snapshot must not fail the outer request.
type Writer struct {
	root   string
	logger *slog.Logger
}

// NewWriter creates a snapshot writer rooted at dir.
func NewWriter(root string) *Writer {
	return &Writer{
		root:   root,
		logger: slog.Default().With("component", "snapshotter"),
	}
}

// SaveFull writes the full frame under snapshots/full and returns the path.
func (w *Writer) SaveFull(ts time.Time, streamID string, data []byte) string {
	name := fmt.Sprintf("%s_%s_full_frame.jpg", Timestamp(ts), Sanitize(streamID))
	return w.write(filepath.Join(w.root, "full"), name, data)
}

// SaveCrop writes a threat crop under snapshots/threats and returns the path.
func (w *Writer) SaveCrop(ts time.Time, streamID, label string, data []byte) string {
	name := fmt.Sprintf("%s_%s_%s_crop.jpg", Timestamp(ts), Sanitize(streamID), Sanitize(label))
	return w.write(filepath.Join(w.root, "threats"), name, data)
}

func (w *Writer) write(dir, name string, data []byte) string {
	if err := os.MkdirAll(dir, 0755); err != nil {
		w.logger.Warn("Failed to create snapshot directory", "dir", dir, "error", err)
		return ""
	}

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		w.logger.Warn("Failed to save snapshot", "path", path, "error", err)
		return ""
	}

	w.logger.Debug("Saved snapshot", "path", path)
	return path
}
