package streams

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskforge/taskforge/internal/db"
)

func nowMs() int64 { return time.Now().UnixMilli() }

// SQLStore persists stream events in the relational store, keyed
// (stream_id, event_offset). Replay stays available across restarts; offset
// sequences continue from the stored head when a stream is re-adopted.
type SQLStore struct {
	pool *db.Pool
}

// NewSQLStore creates the store and initializes its schema.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initializing stream schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS streams (
			id TEXT PRIMARY KEY,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS stream_events (
			stream_id TEXT NOT NULL,
			event_offset BIGINT NOT NULL,
			event_type TEXT NOT NULL,
			event_timestamp BIGINT NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY (stream_id, event_offset)
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Writer().Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

type eventRow struct {
	Offset    int64  `db:"event_offset"`
	Type      string `db:"event_type"`
	Timestamp int64  `db:"event_timestamp"`
	Data      string `db:"data"`
}

// CreateStream registers the stream row. Idempotent.
func (s *SQLStore) CreateStream(ctx context.Context, streamID string) error {
	w := s.pool.Writer()
	query := w.Rebind(`INSERT INTO streams (id, created_at) VALUES (?, ?) ON CONFLICT DO NOTHING`)
	_, err := w.ExecContext(ctx, query, streamID, nowMs())
	return err
}

// Append stores one event with its caller-assigned offset.
func (s *SQLStore) Append(ctx context.Context, streamID string, ev Event) error {
	raw, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("encoding event data: %w", err)
	}
	w := s.pool.Writer()
	query := w.Rebind(`INSERT INTO stream_events (stream_id, event_offset, event_type, event_timestamp, data)
		VALUES (?, ?, ?, ?, ?)`)
	_, err = w.ExecContext(ctx, query, streamID, ev.Offset, ev.Type, ev.Timestamp, string(raw))
	return err
}

// Read returns events with offset >= fromOffset in offset order.
func (s *SQLStore) Read(ctx context.Context, streamID string, fromOffset int64, limit int) ([]Event, error) {
	r := s.pool.Reader()
	query := `SELECT event_offset, event_type, event_timestamp, data FROM stream_events
		WHERE stream_id = ? AND event_offset >= ? ORDER BY event_offset ASC`
	args := []any{streamID, fromOffset}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []eventRow
	if err := r.SelectContext(ctx, &rows, r.Rebind(query), args...); err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		var data map[string]any
		if err := json.Unmarshal([]byte(row.Data), &data); err != nil {
			return nil, fmt.Errorf("decoding event data at offset %d: %w", row.Offset, err)
		}
		events = append(events, Event{
			Offset:    row.Offset,
			Type:      row.Type,
			Timestamp: row.Timestamp,
			Data:      data,
		})
	}
	return events, nil
}

// NextOffset returns one past the highest stored offset, or 0 for an empty
// or unknown stream.
func (s *SQLStore) NextOffset(ctx context.Context, streamID string) (int64, error) {
	r := s.pool.Reader()
	query := r.Rebind(`SELECT COALESCE(MAX(event_offset) + 1, 0) FROM stream_events WHERE stream_id = ?`)
	var next int64
	if err := r.GetContext(ctx, &next, query, streamID); err != nil {
		return 0, err
	}
	return next, nil
}

// DeleteStream removes the stream row and all of its events.
func (s *SQLStore) DeleteStream(ctx context.Context, streamID string) error {
	w := s.pool.Writer()
	if _, err := w.ExecContext(ctx, w.Rebind(`DELETE FROM stream_events WHERE stream_id = ?`), streamID); err != nil {
		return err
	}
	_, err := w.ExecContext(ctx, w.Rebind(`DELETE FROM streams WHERE id = ?`), streamID)
	return err
}
