package kv

import (
	"errors"
	"fmt"
)

// ErrUnavailable matches (via errors.Is) every failure that means the store
// could not be consulted. Command-level errors do not match it.
var ErrUnavailable = errors.New("kv: store unavailable")

type Kind string

const (
	KindTransport   Kind = "transport"
	KindStatus      Kind = "status"
	KindDecode      Kind = "decode"
	KindCommand     Kind = "command"
	KindCircuitOpen Kind = "circuit_open"
)

// Error is the typed failure returned by stores and the client.
type Error struct {
	Op     string
	Kind   Kind
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("kv %s: %s (status %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("kv %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target == ErrUnavailable && e.Kind != KindCommand
}

// KindOf extracts the failure kind, or "" if err is not a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
