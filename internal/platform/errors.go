package platform

import (
	"fmt"
	"sort"
	"strings"
)

// Kind classifies a platform failure.
type Kind int

const (
	// KindNetwork covers connection failures and timeouts.
	KindNetwork Kind = iota + 1
	// KindValidation means the platform rejected the request input (HTTP 422).
	KindValidation
	// KindStatus is any other unexpected HTTP status.
	KindStatus
	// KindDecode means the response body was not the expected JSON.
	KindDecode
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindValidation:
		return "validation"
	case KindStatus:
		return "status"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// Error is returned by every Client call.
type Error struct {
	Op     string
	Kind   Kind
	Status int
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("platform ")
	b.WriteString(e.Op)
	if e.Status != 0 {
		fmt.Fprintf(&b, ": HTTP %d", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// ValidationError carries the platform's itemized field messages.
type ValidationError struct {
	Fields map[string][]string `json:"errors"`
}

// Messages returns "field: message" lines sorted by field.
func (v *ValidationError) Messages() []string {
	fields := make([]string, 0, len(v.Fields))
	for f := range v.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	var out []string
	for _, f := range fields {
		for _, m := range v.Fields[f] {
			out = append(out, f+": "+m)
		}
	}
	return out
}

func (v *ValidationError) Error() string {
	msgs := v.Messages()
	if len(msgs) == 0 {
		return "validation failed"
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}
