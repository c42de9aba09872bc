package streams

import (
	"context"
	"sync"
	"sync/atomic"

	apperrors "github.com/taskforge/taskforge/internal/common/errors"
)

// replayBatchSize bounds one store read during catch-up.
const replayBatchSize = 256

// Subscription is an ordered sequence of events from one stream. Events()
// yields replayed history first, then live events, in strictly increasing
// offset order with no duplicates. The channel closes when the stream is
// deleted, the subscription is closed, or the subscriber overruns its
// buffer; Err() distinguishes the overrun case after the channel closes.
type Subscription struct {
	events chan Event
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

// Events returns the delivery channel.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Err returns the terminal error, if any. It is meaningful once Events()
// has closed: nil for clean completion, SUBSCRIBER_OVERRUN if the
// subscriber fell behind.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription. Idempotent.
func (s *Subscription) Close() {
	s.cancel()
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// subscriber is the publish-side handle: a bounded live queue the fan-out
// writes into without ever blocking.
type subscriber struct {
	id      int64
	live    chan Event
	overrun atomic.Bool
	once    sync.Once
}

// enqueue offers an event to the live queue. A full queue terminates the
// subscriber and reports false so the publisher can drop it.
func (sub *subscriber) enqueue(ev Event) bool {
	select {
	case sub.live <- ev:
		return true
	default:
		sub.overrun.Store(true)
		sub.closeLive()
		return false
	}
}

// complete ends the subscriber cleanly (stream deleted or service closing).
func (sub *subscriber) complete() {
	sub.closeLive()
}

func (sub *subscriber) closeLive() {
	sub.once.Do(func() { close(sub.live) })
}

// Subscribe returns an ordered live+replay subscription starting at
// opts.FromOffset. It fails with STREAM_NOT_FOUND for unknown streams.
// Cancelling ctx ends the subscription.
func (s *Service) Subscribe(ctx context.Context, streamID string, opts SubscribeOptions) (*Subscription, error) {
	st, err := s.getStream(streamID)
	if err != nil {
		return nil, err
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultSubscriberBuffer
	}
	if opts.FromOffset < 0 {
		opts.FromOffset = 0
	}

	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.mu.Unlock()

	pumpCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		events: make(chan Event),
		cancel: cancel,
	}
	worker := &subscriber{
		id:   id,
		live: make(chan Event, opts.BufferSize),
	}

	go s.pump(pumpCtx, st, worker, sub, opts.FromOffset)
	return sub, nil
}

// pump drives one subscription: replay from the store until caught up with
// the live head, register for fan-out under the stream lock, then drain the
// live queue. Store reads during replay never hold the stream lock, so
// publishers are unaffected by slow consumers.
func (s *Service) pump(ctx context.Context, st *stream, worker *subscriber, sub *Subscription, cursor int64) {
	defer close(sub.events)

	registered := false
	for !registered {
		batch, err := s.store.Read(ctx, st.id, cursor, replayBatchSize)
		if err != nil {
			if ctx.Err() == nil {
				sub.fail(apperrors.Wrap(err, "replaying events"))
			}
			return
		}

		if len(batch) == 0 {
			st.mu.Lock()
			if st.closed {
				st.mu.Unlock()
				return
			}
			// An empty batch means the store holds nothing at or past the
			// cursor, so the head is at or behind it and registration is
			// gap-free. Live events below the cursor are filtered later.
			if st.nextOffset <= cursor {
				st.subscribers[worker.id] = worker
				registered = true
			}
			st.mu.Unlock()
			continue
		}

		for _, ev := range batch {
			select {
			case sub.events <- ev:
				cursor = ev.Offset + 1
			case <-ctx.Done():
				return
			}
		}
	}

	for {
		select {
		case ev, ok := <-worker.live:
			if !ok {
				if worker.overrun.Load() {
					sub.fail(apperrors.SubscriberOverrun(st.id))
				}
				return
			}
			if ev.Offset < cursor {
				continue
			}
			select {
			case sub.events <- ev:
			case <-ctx.Done():
				s.unregister(st, worker)
				return
			}
		case <-ctx.Done():
			s.unregister(st, worker)
			return
		}
	}
}

func (s *Service) unregister(st *stream, worker *subscriber) {
	st.mu.Lock()
	delete(st.subscribers, worker.id)
	st.mu.Unlock()
}
