package streams

import (
	"context"
	"fmt"
	"sync"
)

// Store persists stream events. Implementations must keep events per stream
// in dense offset order; the Service serializes Append calls per stream.
type Store interface {
	// CreateStream registers a stream. Idempotent.
	CreateStream(ctx context.Context, streamID string) error

	// Append stores one event. The offset is assigned by the caller.
	Append(ctx context.Context, streamID string, ev Event) error

	// Read returns events with offset >= fromOffset in ascending offset
	// order, up to limit entries (0 means no limit).
	Read(ctx context.Context, streamID string, fromOffset int64, limit int) ([]Event, error)

	// NextOffset returns the offset the next appended event will take.
	NextOffset(ctx context.Context, streamID string) (int64, error)

	// DeleteStream drops the stream and all of its events.
	DeleteStream(ctx context.Context, streamID string) error
}

// MemoryStore keeps events in process memory. Suitable for tests and
// single-process deployments that do not need replay across restarts.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string][]Event
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{streams: make(map[string][]Event)}
}

// CreateStream registers the stream if it does not exist.
func (m *MemoryStore) CreateStream(ctx context.Context, streamID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[streamID]; !ok {
		m.streams[streamID] = []Event{}
	}
	return nil
}

// Append stores one event.
func (m *MemoryStore) Append(ctx context.Context, streamID string, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	events, ok := m.streams[streamID]
	if !ok {
		return fmt.Errorf("stream %q does not exist", streamID)
	}
	m.streams[streamID] = append(events, ev)
	return nil
}

// Read returns events at or past fromOffset. Offsets are dense, so the
// offset doubles as the slice index.
func (m *MemoryStore) Read(ctx context.Context, streamID string, fromOffset int64, limit int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events, ok := m.streams[streamID]
	if !ok {
		return nil, nil
	}
	if fromOffset >= int64(len(events)) {
		return nil, nil
	}
	if fromOffset < 0 {
		fromOffset = 0
	}
	tail := events[fromOffset:]
	if limit > 0 && limit < len(tail) {
		tail = tail[:limit]
	}
	out := make([]Event, len(tail))
	copy(out, tail)
	return out, nil
}

// NextOffset returns the next offset for the stream.
func (m *MemoryStore) NextOffset(ctx context.Context, streamID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.streams[streamID])), nil
}

// DeleteStream removes the stream and its events.
func (m *MemoryStore) DeleteStream(ctx context.Context, streamID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.streams, streamID)
	return nil
}
