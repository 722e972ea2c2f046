package schemas

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies every failure the resolution engine surfaces.
type ErrorKind string

const (
	KindElementNotFound      ErrorKind = "ELEMENT_NOT_FOUND"
	KindAIBackendUnavailable ErrorKind = "AI_BACKEND_UNAVAILABLE"
	KindTimeoutExceeded      ErrorKind = "TIMEOUT_EXCEEDED"
	KindInvalidDescriptor    ErrorKind = "INVALID_DESCRIPTOR"
	KindCacheIO              ErrorKind = "CACHE_IO_ERROR"
)

// Sentinels for errors.Is. A *ResolutionError matches the sentinel of its Kind.
var (
	ErrElementNotFound      = errors.New("element not found")
	ErrAIBackendUnavailable = errors.New("ai backend unavailable")
	ErrTimeoutExceeded      = errors.New("resolution timeout exceeded")
	ErrInvalidDescriptor    = errors.New("invalid locator descriptor")
	ErrCacheIO              = errors.New("selector cache i/o error")
)

var sentinels = map[ErrorKind]error{
	KindElementNotFound:      ErrElementNotFound,
	KindAIBackendUnavailable: ErrAIBackendUnavailable,
	KindTimeoutExceeded:      ErrTimeoutExceeded,
	KindInvalidDescriptor:    ErrInvalidDescriptor,
	KindCacheIO:              ErrCacheIO,
}

// ResolutionError is the structured failure returned by the engine.
type ResolutionError struct {
	Kind        ErrorKind
	Hint        string
	Description string
	Fingerprint string
	// Strategies lists the paths attempted, e.g. original, cache, structural.
	Strategies []string
	Err        error
}

func (e *ResolutionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: hint=%q description=%q", e.Kind, e.Hint, e.Description)
	if len(e.Strategies) > 0 {
		fmt.Fprintf(&b, " attempted=[%s]", strings.Join(e.Strategies, ","))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *ResolutionError) Is(target error) bool {
	return sentinels[e.Kind] == target
}

// KindOf returns the ErrorKind carried by err, or "" when err is not classified.
func KindOf(err error) ErrorKind {
	var re *ResolutionError
	if errors.As(err, &re) {
		return re.Kind
	}
	for kind, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return ""
}
