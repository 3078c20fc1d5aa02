package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultQueueSize = 1024
	publishTimeout   = 5 * time.Second
)

// AsyncSink queues events for a background worker. When the queue is full
// the event is dropped and counted; the caller is never blocked.
type AsyncSink struct {
	next    Sink
	log     *zap.Logger
	queue   chan Event
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewAsyncSink(next Sink, size int, log *zap.Logger) *AsyncSink {
	if size <= 0 {
		size = DefaultQueueSize
	}
	s := &AsyncSink{
		next:  next,
		log:   log.Named("notify"),
		queue: make(chan Event, size),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for e := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := s.next.Publish(ctx, e); err != nil {
			s.log.Warn("publish event",
				zap.String("event_id", e.ID),
				zap.String("transaction_id", e.TransactionID),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// Publish enqueues e and always returns nil.
func (s *AsyncSink) Publish(_ context.Context, e Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return nil
	}
	select {
	case s.queue <- e:
	default:
		s.dropped.Add(1)
		s.log.Warn("event queue full, dropping", zap.String("event_id", e.ID))
	}
	return nil
}

// Dropped reports how many events were discarded.
func (s *AsyncSink) Dropped() int64 { return s.dropped.Load() }

// Close stops accepting events and waits for queued ones to be delivered
// or for ctx to end.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
