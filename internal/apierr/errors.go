// internal/apierr/errors.go
package apierr

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth is returned for bad credentials or a failed second factor.
	ErrAuth = errors.New("authentication failed")

	// ErrSessionExpired means the session could not be renewed and the user
	// must log in again.
	ErrSessionExpired = errors.New("session expired")

	// ErrPolicy is returned when an authenticated call is disallowed, e.g. a
	// subscription tier or quota limit.
	ErrPolicy = errors.New("request not permitted")

	// ErrAPI is any other non-success server response.
	ErrAPI = errors.New("api error")

	// ErrTransport is a network level failure or timeout with no usable response.
	ErrTransport = errors.New("transport error")

	// ErrInvalidState is a client-side guard violation; nothing was sent.
	ErrInvalidState = errors.New("invalid state")
)

// Error carries the kind of failure together with its context.
type Error struct {
	Kind   error
	Op     string
	Status int
	Detail string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the error against its kind sentinel.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

// New creates an error of the given kind.
func New(kind error, op, detail string) error {
	return &Error{Kind: kind, Op: op, Detail: detail}
}

// Wrap creates an error of the given kind around a cause.
func Wrap(kind error, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// FromStatus builds an error for a non-success HTTP status.
func FromStatus(kind error, op string, status int, detail string) error {
	return &Error{Kind: kind, Op: op, Status: status, Detail: detail}
}

// KindOf returns the taxonomy sentinel of err, or nil if err is not classified.
func KindOf(err error) error {
	for _, kind := range []error{ErrAuth, ErrSessionExpired, ErrPolicy, ErrAPI, ErrTransport, ErrInvalidState} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// Detail returns the server-provided detail of err, if any.
func Detail(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Detail
	}
	return ""
}

// Status returns the HTTP status carried by err, or 0.
func Status(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}
