// Package sidekick holds the types shared by every sidekick component: the
// tagged error taxonomy returned to HTTP clients and the BLAKE3 digests used
// to fingerprint generated artifacts.
package sidekick

import (
	"errors"
	"net/http"
)

// Reason is a tagged error value surfaced to API clients.
type Reason string

const (
	ReasonEntryNotFound     Reason = "ENTRY_NOT_FOUND"
	ReasonProposalNotClosed Reason = "PROPOSAL_NOT_CLOSED"
	ReasonUnauthorized      Reason = "UNAUTHORIZE"
	ReasonInvalidRequest    Reason = "INVALID_REQUEST"
	ReasonStorageError      Reason = "STORAGE_ERROR"
	ReasonInternalError     Reason = "INTERNAL_ERROR"
)

// Status returns the HTTP status code clients receive for the reason.
func (r Reason) Status() int {
	switch r {
	case ReasonEntryNotFound:
		return http.StatusNotFound
	case ReasonProposalNotClosed, ReasonInvalidRequest:
		return http.StatusBadRequest
	case ReasonUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Error is an error tagged with a Reason. The optional cause is kept for
// logging and never rendered to clients.
type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return string(e.Reason) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same Reason, so the sentinels below work
// with errors.Is regardless of the wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Reason == e.Reason
}

var (
	ErrEntryNotFound     = &Error{Reason: ReasonEntryNotFound}
	ErrProposalNotClosed = &Error{Reason: ReasonProposalNotClosed}
	ErrUnauthorized      = &Error{Reason: ReasonUnauthorized}
	ErrInvalidRequest    = &Error{Reason: ReasonInvalidRequest}
	ErrStorage           = &Error{Reason: ReasonStorageError}
	ErrInternal          = &Error{Reason: ReasonInternalError}
)

// Wrap tags err with reason. A nil err yields nil.
func Wrap(reason Reason, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Reason: reason, Err: err}
}

// ReasonOf returns the Reason carried by err, or ReasonInternalError when err
// is untagged.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ReasonInternalError
}
