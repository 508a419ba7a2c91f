package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type captureWriter struct {
	mu       sync.Mutex
	events   []Event
	failures int
}

func (w *captureWriter) Write(_ context.Context, e Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		w.failures--
		return errors.New("collector unavailable")
	}
	w.events = append(w.events, e)
	return nil
}

func (w *captureWriter) snapshot() []Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Event(nil), w.events...)
}

func TestBufferedSinkDelivers(t *testing.T) {
	w := &captureWriter{}
	sink := NewBufferedSink(w)

	ctx := WithRequestID(context.Background(), "req-1")
	sink.Emit(ctx, Event{EventType: "auth.login", Outcome: OutcomeSuccess, PrincipalID: "p1"})
	sink.Close()

	events := w.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	e := events[0]
	if e.EventType != "auth.login" {
		t.Fatalf("unexpected event type %q", e.EventType)
	}
	if e.RequestID != "req-1" {
		t.Fatalf("expected request id from context, got %q", e.RequestID)
	}
	if e.ID == "" || e.Timestamp.IsZero() {
		t.Fatalf("expected id and timestamp to be filled")
	}
	if e.Severity != SeverityInfo {
		t.Fatalf("expected default severity info, got %q", e.Severity)
	}
}

func TestBufferedSinkRetriesWithBackoff(t *testing.T) {
	w := &captureWriter{failures: 2}
	sink := NewBufferedSink(w, WithRetry(3, time.Millisecond))

	sink.Emit(context.Background(), Event{EventType: "auth.token.rotate", Outcome: OutcomeFailure})
	sink.Close()

	if len(w.snapshot()) != 1 {
		t.Fatalf("expected delivery after retries")
	}
}

func TestBufferedSinkGivesUpAfterBoundedRetries(t *testing.T) {
	w := &captureWriter{failures: 10}
	sink := NewBufferedSink(w, WithRetry(1, time.Millisecond))

	sink.Emit(context.Background(), Event{EventType: "auth.logout"})
	sink.Close()

	if len(w.snapshot()) != 0 {
		t.Fatalf("expected event to be dropped after bounded retries")
	}
}

func TestTapFanOut(t *testing.T) {
	tap := NewTap()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := tap.Subscribe(ctx)

	w := &captureWriter{}
	sink := NewBufferedSink(w, WithTap(tap))
	sink.Emit(context.Background(), Event{EventType: "anomaly.ip_flagged", Severity: SeverityHigh})
	sink.Close()

	select {
	case e := <-ch:
		if e.EventType != "anomaly.ip_flagged" || e.Severity != SeverityHigh {
			t.Fatalf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected tap to receive event")
	}
}
