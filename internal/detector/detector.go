package detector

import (
	"context"
	"fmt"
)

// Detector is a strategy that determines if a unit's process is running.
// It must be safe for concurrent use.
type Detector interface {
	// Alive reports whether the process is running and, when visible, its
	// pid. A pid of zero with alive set means the owner is hidden.
	Alive(ctx context.Context) (pid int32, alive bool, err error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// Finder locates the process serving a TCP port.
type Finder interface {
	// FindByPort returns the pid listening on port. ok is false when the
	// port is free; that is the normal "not running" state, not an error.
	FindByPort(ctx context.Context, port int) (pid int32, ok bool, err error)
}

// Supervisor finds and forcefully terminates port-bound processes.
type Supervisor interface {
	Finder
	// Kill terminates pid without a graceful handshake and without waiting
	// for it to exit.
	Kill(pid int32) error
}

// PortDetector reports a unit alive while something listens on its port.
type PortDetector struct {
	Port   int
	Finder Finder
}

func (d PortDetector) Alive(ctx context.Context) (int32, bool, error) {
	return d.Finder.FindByPort(ctx, d.Port)
}

func (d PortDetector) Describe() string { return fmt.Sprintf("tcp-listen:%d", d.Port) }
