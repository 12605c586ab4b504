package download

import (
	"errors"
	"fmt"

	"github.com/loykin/deployr/internal/artifact"
)

// Kind classifies a download failure.
type Kind int

const (
	// KindNetwork is a transport failure; the partial file and its
	// validator are kept so the next attempt resumes.
	KindNetwork Kind = iota + 1
	// KindNotFound means the platform has no such artifact.
	KindNotFound
	// KindStatus is any other unexpected HTTP status.
	KindStatus
	// KindFilesystem covers cache directory and file errors.
	KindFilesystem
	// KindState covers download state store errors.
	KindState
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindNotFound:
		return "not found"
	case KindStatus:
		return "status"
	case KindFilesystem:
		return "filesystem"
	case KindState:
		return "state"
	default:
		return "unknown"
	}
}

// ErrNotFound matches, via errors.Is, any Error of KindNotFound.
var ErrNotFound = errors.New("artifact not found")

// Error is returned by Manager.Acquire.
type Error struct {
	Op     string
	Ref    artifact.Ref
	Kind   Kind
	Status int
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("download %s: %s", e.Ref.FileName, e.Op)
	if e.Status != 0 {
		msg += fmt.Sprintf(": HTTP %d", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target == ErrNotFound && e.Kind == KindNotFound
}
