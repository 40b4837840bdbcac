package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/gatekeeper/internal/events"
	"github.com/loykin/gatekeeper/internal/gateway"
	"github.com/loykin/gatekeeper/internal/installer"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Close() error { m.closed = true; return nil }

func (m *memSink) snapshot() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

func TestRecorder_ConvertsAndDedupes(t *testing.T) {
	bus := events.NewBus()
	good := &memSink{}
	bad := &memSink{err: errors.New("down")}
	r := NewRecorder(nil, bad, good)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { r.Run(ctx, bus); close(done) }()
	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	bus.Publish(events.GatewayStatus, gateway.Status{State: gateway.Starting, Port: 18789})
	bus.Publish(events.GatewayStatus, gateway.Status{State: gateway.Starting, Port: 18789, PID: 77})
	bus.Publish(events.GatewayLog, gateway.LogLine{Line: "ignored"})
	bus.Publish(events.GatewayStatus, gateway.Status{State: gateway.Error, Port: 18789, PID: 77, Error: "boom"})
	bus.Publish(events.InstallFinished, installer.Result{
		RunID: "run-1", Component: "node", Version: "22.16.0", Duration: 1500 * time.Millisecond,
	})

	require.Eventually(t, func() bool { return len(good.snapshot()) == 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	got := good.snapshot()
	assert.Equal(t, EventGatewayState, got[0].Type)
	assert.Equal(t, "starting", got[0].State)
	assert.NotEmpty(t, got[0].ID)

	assert.Equal(t, "error", got[1].State)
	assert.Equal(t, 77, got[1].PID)
	assert.Equal(t, "boom", got[1].Error)

	assert.Equal(t, Event{
		ID: "run-1", Type: EventInstall, OccurredAt: got[2].OccurredAt,
		Component: "node", Version: "22.16.0", DurationMs: 1500,
	}, got[2])
	assert.False(t, got[2].OccurredAt.IsZero())

	require.NoError(t, r.Close())
	assert.True(t, good.closed)
	assert.True(t, bad.closed)
}
