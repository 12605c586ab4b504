package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of unit operation being recorded.
type EventType string

const (
	EventRegister   EventType = "register"
	EventUnregister EventType = "unregister"
	EventRun        EventType = "run"
	EventUpdate     EventType = "update"
	EventStop       EventType = "stop"
	EventDownload   EventType = "download"
)

// Event represents one unit operation outcome exported to external systems.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Port       int       `json:"port"`
	AppName    string    `json:"app_name,omitempty"`
	AppVersion string    `json:"app_version,omitempty"`
	JdkName    string    `json:"jdk_name,omitempty"`
	JdkVersion string    `json:"jdk_version,omitempty"`
	PID        int32     `json:"pid,omitempty"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
}

// NewEvent stamps a fresh event with an ID and the current UTC time.
func NewEvent(t EventType, port int) Event {
	return Event{ID: uuid.NewString(), Type: t, OccurredAt: time.Now().UTC(), Port: port}
}

// WithError records err on the event, leaving it untouched when err is nil.
func (e Event) WithError(err error) Event {
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Recorder fans an event out to every configured sink. Sink failures are
// logged and never surface to the caller.
type Recorder struct {
	sinks  []Sink
	logger *slog.Logger
}

func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sinks: append([]Sink(nil), sinks...), logger: logger}
}

func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil {
		return
	}
	for _, s := range r.sinks {
		if err := s.Send(ctx, e); err != nil {
			r.logger.Warn("history sink send failed", "event", e.Type, "port", e.Port, "error", err)
		}
	}
}

// Close closes every sink that implements io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var first error
	for _, s := range r.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
