// Package fault defines the error taxonomy of the server. Every error that
// crosses a package boundary towards the HTTP surface is a *fault.Error;
// the surface only maps Kind to a status code and encodes the body.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one failure class of the public contract.
type Kind string

const (
	SessionNotFound       Kind = "SessionNotFound"
	PageNotFound          Kind = "PageNotFound"
	PageGone              Kind = "PageGone"
	InvalidBrowserKind    Kind = "InvalidBrowserKind"
	BadArguments          Kind = "BadArguments"
	UnknownCommand        Kind = "UnknownCommand"
	UnparsableLine        Kind = "UnparsableLine"
	CapacityExceeded      Kind = "CapacityExceeded"
	Timeout               Kind = "Timeout"
	ElementNotFound       Kind = "ElementNotFound"
	NavigationInterrupted Kind = "NavigationInterrupted"
	BackendLaunchFailed   Kind = "BackendLaunchFailed"
	BackendError          Kind = "BackendError"
	VisionOverloaded      Kind = "VisionOverloaded"
	VisionAuth            Kind = "VisionAuth"
	VisionMalformed       Kind = "VisionMalformed"
)

var statusByKind = map[Kind]int{
	SessionNotFound:       http.StatusNotFound,
	PageNotFound:          http.StatusNotFound,
	PageGone:              http.StatusGone,
	InvalidBrowserKind:    http.StatusBadRequest,
	BadArguments:          http.StatusBadRequest,
	UnknownCommand:        http.StatusBadRequest,
	UnparsableLine:        http.StatusBadRequest,
	CapacityExceeded:      http.StatusTooManyRequests,
	Timeout:               http.StatusGatewayTimeout,
	ElementNotFound:       http.StatusUnprocessableEntity,
	NavigationInterrupted: http.StatusUnprocessableEntity,
	BackendLaunchFailed:   http.StatusInternalServerError,
	BackendError:          http.StatusInternalServerError,
	VisionOverloaded:      http.StatusServiceUnavailable,
	VisionAuth:            http.StatusUnauthorized,
	VisionMalformed:       http.StatusBadGateway,
}

// Error is a kinded error with an optional details map for field-level
// diagnostics (e.g. which argument failed validation).
type Error struct {
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New builds a fault of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches one detail key to the error and returns it.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, 1)
	}
	e.Details[key] = value
	return e
}

// Clone returns a copy of e with its own details map, so callers can attach
// details to shared sentinels without mutating them.
func (e *Error) Clone() *Error {
	out := &Error{Kind: e.Kind, Message: e.Message}
	if len(e.Details) > 0 {
		out.Details = make(map[string]any, len(e.Details))
		for k, v := range e.Details {
			out.Details[k] = v
		}
	}
	return out
}

// As extracts a *Error from an error chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// KindOf reports the fault kind of err, or BackendError if err carries none.
func KindOf(err error) Kind {
	if fe, ok := As(err); ok {
		return fe.Kind
	}
	return BackendError
}

// Is lets errors.Is match faults by kind: fault.Is(err, fault.Timeout).
func Is(err error, kind Kind) bool {
	fe, ok := As(err)
	return ok && fe.Kind == kind
}

// HTTPStatus returns the response code for a fault kind. Unknown kinds map
// to 500 so a taxonomy gap never produces a misleading 2xx.
func HTTPStatus(kind Kind) int {
	if code, ok := statusByKind[kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// From wraps an arbitrary error as a BackendError fault unless it already
// is a fault, in which case it is returned unchanged.
func From(err error) *Error {
	if fe, ok := As(err); ok {
		return fe
	}
	return &Error{Kind: BackendError, Message: err.Error()}
}
