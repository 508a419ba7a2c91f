package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"fxdesk.org/internal/obs"
)

// Writer delivers a single event to durable storage or a collector.
type Writer interface {
	Write(ctx context.Context, e Event) error
}

// LogWriter appends events as JSON lines through the shared structured logger.
type LogWriter struct{}

func (LogWriter) Write(_ context.Context, e Event) error {
	data, err := json.Marshal(struct {
		Type string `json:"type"`
		Event
	}{Type: "audit", Event: e})
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

// BufferedSink decouples emitters from delivery. Events queue on a bounded
// channel; a single drainer writes them out, retrying each delivery a bounded
// number of times with backoff. When the buffer is full the event is dropped
// and counted, keeping the hot path non-blocking.
type BufferedSink struct {
	writer   Writer
	ch       chan Event
	tap      *Tap
	retries  int
	backoff  time.Duration
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

// SinkOption configures a BufferedSink.
type SinkOption func(*BufferedSink)

// WithBufferSize sets the queue depth (default 1024).
func WithBufferSize(n int) SinkOption {
	return func(s *BufferedSink) {
		if n > 0 {
			s.ch = make(chan Event, n)
		}
	}
}

// WithRetry bounds delivery retries and their initial backoff.
func WithRetry(retries int, backoff time.Duration) SinkOption {
	return func(s *BufferedSink) {
		if retries >= 0 {
			s.retries = retries
		}
		if backoff > 0 {
			s.backoff = backoff
		}
	}
}

// WithTap mirrors delivered events into a live fan-out for operator streams.
func WithTap(tap *Tap) SinkOption {
	return func(s *BufferedSink) { s.tap = tap }
}

// NewBufferedSink starts the drainer goroutine.
func NewBufferedSink(writer Writer, opts ...SinkOption) *BufferedSink {
	s := &BufferedSink{
		writer:  writer,
		ch:      make(chan Event, 1024),
		retries: 3,
		backoff: 100 * time.Millisecond,
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.wg.Add(1)
	go s.drain()
	return s
}

// Emit queues the event without blocking. Full buffer drops the event.
func (s *BufferedSink) Emit(ctx context.Context, e Event) {
	e = normalize(ctx, e)
	select {
	case s.ch <- e:
	default:
		obs.CountAuditDropped()
	}
}

// Close stops accepting events and flushes the queue.
func (s *BufferedSink) Close() {
	s.stopOnce.Do(func() {
		close(s.stopped)
		close(s.ch)
	})
	s.wg.Wait()
}

func (s *BufferedSink) drain() {
	defer s.wg.Done()
	for e := range s.ch {
		s.deliver(e)
	}
}

func (s *BufferedSink) deliver(e Event) {
	backoff := s.backoff
	for attempt := 0; ; attempt++ {
		err := s.writer.Write(context.Background(), e)
		if err == nil {
			if s.tap != nil {
				s.tap.Publish(e)
			}
			return
		}
		if attempt >= s.retries {
			obs.CountAuditDropped()
			return
		}
		select {
		case <-s.stopped:
			// Final attempt during shutdown, then give up.
			if s.writer.Write(context.Background(), e) != nil {
				obs.CountAuditDropped()
			}
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}
