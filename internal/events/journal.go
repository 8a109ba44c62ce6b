// Package events persists an audit journal of counting and threat events.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/doorwatch/doorwatch/internal/storage"
)

// Event types recorded by the journal.
const (
	TypeEntry       = "entry"
	TypeExit        = "exit"
	TypeThreat      = "threat"
	TypeAdjudicated = "adjudicated"
)

// Event is one journal row. Metadata carries type-specific detail as JSON.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	StreamID  string          `json:"stream_id,omitempty"`
	TrackID   *int            `json:"track_id,omitempty"`
	ZoneID    string          `json:"zone_id,omitempty"`
	Label     string          `json:"label,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Journal writes events to SQLite. Counters themselves are never persisted;
// the journal is an audit trail, not state.
type Journal struct {
	db     *storage.DB
	logger *slog.Logger
}

// NewJournal creates the journal and its schema.
func NewJournal(ctx context.Context, db *storage.DB) (*Journal, error) {
	j := &Journal{
		db:     db,
		logger: slog.Default().With("component", "event_journal"),
	}
	if err := j.migrate(ctx); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) migrate(ctx context.Context) error {
	_, err := j.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS events (
			id         TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			stream_id  TEXT NOT NULL DEFAULT '',
			track_id   INTEGER,
			zone_id    TEXT NOT NULL DEFAULT '',
			label      TEXT NOT NULL DEFAULT '',
			metadata   TEXT,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
		CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
	`)
	if err != nil {
		return fmt.Errorf("failed to create events schema: %w", err)
	}
	return nil
}

// Record inserts one event, filling the id and timestamp when absent.
func (j *Journal) Record(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	var metadata any
	if len(event.Metadata) > 0 {
		metadata = string(event.Metadata)
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO events (id, event_type, stream_id, track_id, zone_id, label, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID, event.Type, event.StreamID, event.TrackID,
		event.ZoneID, event.Label, metadata, event.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}

	j.logger.Debug("Event recorded", "id", event.ID, "type", event.Type, "stream_id", event.StreamID)
	return nil
}

// ListOptions filters Recent.
type ListOptions struct {
	Type     string
	StreamID string
	Limit    int
}

// Recent returns the newest events matching the options.
func (j *Journal) Recent(ctx context.Context, opts ListOptions) ([]*Event, error) {
	query := `SELECT id, event_type, stream_id, track_id, zone_id, label, metadata, created_at FROM events`
	var args []any
	var where []string

	if opts.Type != "" {
		where = append(where, "event_type = ?")
		args = append(args, opts.Type)
	}
	if opts.StreamID != "" {
		where = append(where, "stream_id = ?")
		args = append(args, opts.StreamID)
	}
	for i, clause := range where {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY created_at DESC, id LIMIT ?"
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		event := &Event{}
		var trackID sql.NullInt64
		var metadata sql.NullString
		var createdAt int64

		if err := rows.Scan(
			&event.ID, &event.Type, &event.StreamID, &trackID,
			&event.ZoneID, &event.Label, &metadata, &createdAt,
		); err != nil {
			return nil, err
		}

		if trackID.Valid {
			id := int(trackID.Int64)
			event.TrackID = &id
		}
		if metadata.Valid {
			event.Metadata = json.RawMessage(metadata.String)
		}
		event.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, event)
	}
	return out, rows.Err()
}

// CountByType returns event counts grouped by type.
func (j *Journal) CountByType(ctx context.Context) (map[string]int, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT event_type, COUNT(*) FROM events GROUP BY event_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var eventType string
		var n int
		if err := rows.Scan(&eventType, &n); err != nil {
			return nil, err
		}
		counts[eventType] = n
	}
	return counts, rows.Err()
}
