package detector

import "fmt"

// Kind classifies a supervisor failure.
type Kind int

const (
	// KindLookup means listening sockets could not be enumerated.
	KindLookup Kind = iota + 1
	// KindKill means the termination request failed.
	KindKill
)

func (k Kind) String() string {
	switch k {
	case KindLookup:
		return "lookup"
	case KindKill:
		return "kill"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind Kind
	Port int
	PID  int32
	Err  error
}

func (e *Error) Error() string {
	if e.Kind == KindKill {
		return fmt.Sprintf("kill pid %d: %v", e.PID, e.Err)
	}
	return fmt.Sprintf("find process on port %d: %v", e.Port, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
