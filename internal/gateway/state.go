package gateway

import "errors"

// State is a supervisor state.
type State string

const (
	Stopped  State = "stopped"
	Starting State = "starting"
	Running  State = "running"
	Stopping State = "stopping"
	Error    State = "error"
)

var knownStates = []string{string(Stopped), string(Starting), string(Running), string(Stopping), string(Error)}

var (
	ErrAlreadyRunning = errors.New("gateway already running")
	ErrStopping       = errors.New("gateway is stopping")
	// ErrSuperseded is returned by Start when a concurrent Stop won the race
	// with the spawn.
	ErrSuperseded = errors.New("gateway start was cancelled by a concurrent stop")
)

// Status is a point-in-time view of the supervised gateway. PID is set
// while a child is tracked; UptimeSecs only while starting or running.
type Status struct {
	State      State   `json:"state"`
	PID        int     `json:"pid,omitempty"`
	Port       int     `json:"port"`
	UptimeSecs *uint64 `json:"uptime_secs,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// LogLine is published for every line the child writes and for the
// supervisor's own lifecycle messages.
type LogLine struct {
	Line      string `json:"line"`
	Level     string `json:"level"` // stdout, stderr, info, warn or error
	Timestamp string `json:"timestamp"`
}
