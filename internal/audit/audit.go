package audit

import (
	"context"
	"strings"
	"time"

	"fxdesk.org/internal/ids"
)

// Severity grades an audit event.
type Severity string

const (
	SeverityInfo Severity = "info"
	SeverityHigh Severity = "high"
)

// Outcome of the audited action.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeCancelled Outcome = "cancelled"
)

// Event is one append-only audit record. RequestID lets operators reconstruct
// the full request chain.
type Event struct {
	ID          string         `json:"id"`
	EventType   string         `json:"event_type"`
	Severity    Severity       `json:"severity"`
	Timestamp   time.Time      `json:"ts"`
	PrincipalID string         `json:"principal_id,omitempty"`
	TenantID    string         `json:"tenant_id,omitempty"`
	IP          string         `json:"ip,omitempty"`
	UserAgent   string         `json:"user_agent,omitempty"`
	Resource    string         `json:"resource,omitempty"`
	Action      string         `json:"action,omitempty"`
	Outcome     Outcome        `json:"outcome"`
	Details     map[string]any `json:"details,omitempty"`
	RequestID   string         `json:"request_id,omitempty"`
}

// Sink accepts events from the hot path. Emit must never block: buffering,
// delivery and retries are the sink's problem.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit use.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// normalize fills defaulted fields on an event before it enters the pipeline.
func normalize(ctx context.Context, e Event) Event {
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	if e.RequestID == "" {
		e.RequestID = RequestIDFromContext(ctx)
	}
	return e
}
