package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/gatekeeper/internal/events"
	"github.com/loykin/gatekeeper/internal/gateway"
	"github.com/loykin/gatekeeper/internal/installer"
)

// Subscriber is the part of events.Bus the recorder needs.
type Subscriber interface {
	Subscribe(buffer int, names ...string) (<-chan events.Event, func())
}

// Recorder turns bus events into history events and forwards them to every
// sink. Repeated gateway statuses with an unchanged state are recorded once.
type Recorder struct {
	sinks   []Sink
	log     *slog.Logger
	timeout time.Duration
	now     func() time.Time

	lastState string
}

func NewRecorder(log *slog.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{sinks: sinks, log: log.With("component", "history"), timeout: 5 * time.Second, now: time.Now}
}

// Run consumes events until ctx is done or the subscription is closed.
func (r *Recorder) Run(ctx context.Context, sub Subscriber) {
	ch, cancel := sub.Subscribe(256, events.GatewayStatus, events.InstallFinished)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if h, ok := r.convert(ev); ok {
				r.Send(ctx, h)
			}
		}
	}
}

func (r *Recorder) convert(ev events.Event) (Event, bool) {
	at := ev.At
	if at.IsZero() {
		at = r.now()
	}
	h := Event{ID: uuid.NewString(), OccurredAt: at.UTC()}
	switch p := ev.Payload.(type) {
	case gateway.Status:
		if string(p.State) == r.lastState {
			return Event{}, false
		}
		r.lastState = string(p.State)
		h.Type = EventGatewayState
		h.Component = "gateway"
		h.State = string(p.State)
		h.PID = p.PID
		h.Port = p.Port
		h.Error = p.Error
	case installer.Result:
		h.Type = EventInstall
		h.Component = p.Component
		if p.RunID != "" {
			h.ID = p.RunID
		}
		h.Version = p.Version
		h.Skipped = p.Skipped
		h.DurationMs = p.Duration.Milliseconds()
		h.Error = p.Error
	default:
		return Event{}, false
	}
	return h, true
}

// Send delivers e to every sink. Failures are logged and do not stop the
// remaining sinks.
func (r *Recorder) Send(ctx context.Context, e Event) {
	for _, s := range r.sinks {
		sctx, cancel := context.WithTimeout(ctx, r.timeout)
		if err := s.Send(sctx, e); err != nil {
			r.log.Warn("history sink failed", "type", e.Type, "component", e.Component, "error", err)
		}
		cancel()
	}
}

// Close closes every sink that supports it.
func (r *Recorder) Close() error {
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
