// Package streams implements the durable per-session event log: an
// append-only, offset-ordered stream with replay and live subscription.
//
// Offsets within a stream are dense (0,1,2,...) and assigned under a
// per-stream lock, so concurrent publishers observe a total order. Fan-out
// to subscribers is decoupled through bounded per-subscriber queues: a slow
// subscriber is terminated with SUBSCRIBER_OVERRUN instead of stalling the
// publisher, because the upstream agent stdout pipeline must never block.
package streams

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/taskforge/taskforge/internal/common/errors"
	"github.com/taskforge/taskforge/internal/common/logger"
)

// Event is one entry in a durable stream.
type Event struct {
	Offset    int64          `json:"offset"`
	Type      string         `json:"type"`
	Timestamp int64          `json:"timestamp"` // ms since epoch
	Data      map[string]any `json:"data"`
}

// DefaultSubscriberBuffer is the live-queue capacity for a subscriber that
// does not specify one.
const DefaultSubscriberBuffer = 256

// SubscribeOptions configures a subscription.
type SubscribeOptions struct {
	// FromOffset is the first offset to deliver. Events already appended at
	// or after this offset are replayed before live delivery begins.
	FromOffset int64

	// BufferSize bounds the live queue. Zero selects DefaultSubscriberBuffer.
	BufferSize int
}

// Service owns all streams in the process.
type Service struct {
	store  Store
	logger *logger.Logger

	mu      sync.RWMutex
	streams map[string]*stream
	nextSub int64
}

// stream is the in-memory head of one durable stream.
type stream struct {
	id string

	// mu serializes publish, subscriber registration at catch-up, and
	// deletion. Offset assignment and fan-out happen under it.
	mu          sync.Mutex
	nextOffset  int64
	closed      bool
	subscribers map[int64]*subscriber
}

// New creates a streams service backed by the given store.
func New(store Store, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		store:   store,
		logger:  log.WithFields(zap.String("component", "streams")),
		streams: make(map[string]*stream),
	}
}

// CreateStream creates a stream. Creating an existing stream is a no-op
// success. A stream persisted by a previous process is adopted with its
// stored offset sequence intact.
func (s *Service) CreateStream(ctx context.Context, streamID string) error {
	if streamID == "" {
		return apperrors.ValidationError("streamId", "must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.streams[streamID]; ok {
		return nil
	}

	if err := s.store.CreateStream(ctx, streamID); err != nil {
		return apperrors.Wrap(err, "creating stream")
	}
	next, err := s.store.NextOffset(ctx, streamID)
	if err != nil {
		return apperrors.Wrap(err, "reading stream offset")
	}

	s.streams[streamID] = &stream{
		id:          streamID,
		nextOffset:  next,
		subscribers: make(map[int64]*subscriber),
	}
	s.logger.Debug("stream created", zap.String("stream_id", streamID), zap.Int64("next_offset", next))
	return nil
}

// HasStream reports whether the stream exists in this process.
func (s *Service) HasStream(streamID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.streams[streamID]
	return ok
}

func (s *Service) getStream(streamID string) (*stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.streams[streamID]
	if !ok {
		return nil, apperrors.StreamNotFound(streamID)
	}
	return st, nil
}

// Publish appends an event and fans it out to live subscribers, returning
// the assigned offset. Either the event is appended, assigned an offset,
// and fanned out, or no observable effect occurs.
func (s *Service) Publish(ctx context.Context, streamID, eventType string, data map[string]any) (int64, error) {
	st, err := s.getStream(streamID)
	if err != nil {
		return 0, err
	}
	if data == nil {
		data = map[string]any{}
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return 0, apperrors.StreamNotFound(streamID)
	}

	ev := Event{
		Offset:    st.nextOffset,
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
	if err := s.store.Append(ctx, streamID, ev); err != nil {
		return 0, apperrors.Wrap(err, "appending event")
	}
	st.nextOffset++

	for id, sub := range st.subscribers {
		if !sub.enqueue(ev) {
			delete(st.subscribers, id)
			s.logger.Warn("subscriber overran its buffer",
				zap.String("stream_id", streamID),
				zap.Int64("subscriber_id", id),
				zap.Int64("offset", ev.Offset))
		}
	}

	return ev.Offset, nil
}

// DeleteStream terminates all live subscribers (their sequences complete
// cleanly) and drops stored events. It reports whether the stream existed.
func (s *Service) DeleteStream(ctx context.Context, streamID string) (bool, error) {
	s.mu.Lock()
	st, ok := s.streams[streamID]
	if ok {
		delete(s.streams, streamID)
	}
	s.mu.Unlock()

	if !ok {
		return false, nil
	}

	st.mu.Lock()
	st.closed = true
	for id, sub := range st.subscribers {
		sub.complete()
		delete(st.subscribers, id)
	}
	st.mu.Unlock()

	if err := s.store.DeleteStream(ctx, streamID); err != nil {
		return true, apperrors.Wrap(err, "deleting stream events")
	}
	s.logger.Debug("stream deleted", zap.String("stream_id", streamID))
	return true, nil
}

// GetEvents returns a snapshot of every stored event, in offset order.
func (s *Service) GetEvents(ctx context.Context, streamID string) ([]Event, error) {
	if _, err := s.getStream(streamID); err != nil {
		return nil, err
	}
	events, err := s.store.Read(ctx, streamID, 0, 0)
	if err != nil {
		return nil, apperrors.Wrap(err, "reading events")
	}
	return events, nil
}

// ReadEvents returns stored events starting at fromOffset, up to limit
// (0 means no limit). Used by the HTTP replay endpoint.
func (s *Service) ReadEvents(ctx context.Context, streamID string, fromOffset int64, limit int) ([]Event, error) {
	if _, err := s.getStream(streamID); err != nil {
		return nil, err
	}
	events, err := s.store.Read(ctx, streamID, fromOffset, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, "reading events")
	}
	return events, nil
}

// Close completes every subscriber on every stream. Stored events are kept.
func (s *Service) Close() {
	s.mu.Lock()
	streams := make([]*stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.streams = make(map[string]*stream)
	s.mu.Unlock()

	for _, st := range streams {
		st.mu.Lock()
		st.closed = true
		for id, sub := range st.subscribers {
			sub.complete()
			delete(st.subscribers, id)
		}
		st.mu.Unlock()
	}
}
