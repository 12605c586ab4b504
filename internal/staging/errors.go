package staging

import "fmt"

// Kind classifies a staging failure.
type Kind int

const (
	KindFilesystem Kind = iota + 1
	// KindArchive means the archive is unreadable, of an unknown format,
	// or contains entries escaping the expansion directory.
	KindArchive
)

func (k Kind) String() string {
	switch k {
	case KindFilesystem:
		return "filesystem"
	case KindArchive:
		return "archive"
	default:
		return "unknown"
	}
}

// Error is returned by Pipeline.EnsureStaged.
type Error struct {
	Op   string
	Path string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("stage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
