// Package history exports gateway lifecycle transitions and install
// outcomes to external stores (SQLite, Postgres, ClickHouse, OpenSearch).
package history

import (
	"context"
	"time"
)

// EventType defines the kind of recorded event.
type EventType string

const (
	EventGatewayState EventType = "gateway_state"
	EventInstall      EventType = "install"
)

// Event is one row of history. Gateway events fill State, PID and Port;
// install events fill Version, Skipped and DurationMs. Error is set for
// failures of either kind.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Component  string    `json:"component"`
	State      string    `json:"state,omitempty"`
	PID        int       `json:"pid,omitempty"`
	Port       int       `json:"port,omitempty"`
	Version    string    `json:"version,omitempty"`
	Skipped    bool      `json:"skipped,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Table is the default table (or index) name used by every sink.
const Table = "gatekeeper_history"
