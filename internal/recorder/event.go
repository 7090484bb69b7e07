// Package recorder persists audit events off the request path.
//
// Record never blocks: events go to a bounded queue drained by a single
// writer goroutine. When the sink fails or the queue is full, events are
// held in a bounded local buffer and retried before the next append.
package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrObservabilityDegraded means the event was buffered locally rather
	// than appended. It is informational; callers log and continue.
	ErrObservabilityDegraded = errors.New("observability degraded")
	// ErrClosed is returned by Record after Close.
	ErrClosed = errors.New("recorder closed")
)

// Event types emitted by gatewayd.
const (
	TypeSelectionTrace = "selection_trace"
	TypeToolInvocation = "tool_invocation"
	TypeIngestSync     = "ingest_sync"
)

// Event is one append-only audit record.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Time      time.Time       `json:"time"`
	Data      json.RawMessage `json:"data"`
}

// NewEvent marshals v into an event with a fresh ID.
func NewEvent(eventType, requestID string, v any) (Event, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		RequestID: requestID,
		Time:      time.Now().UTC(),
		Data:      data,
	}, nil
}

// Sink stores events. Append is called from a single goroutine.
type Sink interface {
	Append(ctx context.Context, ev Event) error
	Close() error
}
