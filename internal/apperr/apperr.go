package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Every *Error carries exactly one of these so callers can
// branch with errors.Is regardless of how deep the error was wrapped.
var (
	ErrValidation  = errors.New("validation failed")
	ErrTransient   = errors.New("ledger unreachable")
	ErrAuthExpired = errors.New("session expired")
	ErrConflict    = errors.New("conflict")
	ErrNotFound    = errors.New("not found")
)

type Error struct {
	Op      string
	Kind    error
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func Invalid(op string, format string, args ...any) error {
	return &Error{Op: op, Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

func Conflict(op string, format string, args ...any) error {
	return &Error{Op: op, Kind: ErrConflict, Message: fmt.Sprintf(format, args...)}
}

func NotFound(op string, format string, args ...any) error {
	return &Error{Op: op, Kind: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

func Transient(op string, err error) error {
	return &Error{Op: op, Kind: ErrTransient, Err: err}
}

func AuthExpired(op string, message string) error {
	return &Error{Op: op, Kind: ErrAuthExpired, Message: message}
}

// FromStatus classifies a Ledger Service HTTP status.
func FromStatus(op string, status int, message string) error {
	kind := ErrTransient
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = ErrAuthExpired
	case status == http.StatusConflict:
		kind = ErrConflict
	case status == http.StatusNotFound:
		kind = ErrNotFound
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		kind = ErrValidation
	}
	return &Error{Op: op, Kind: kind, Status: status, Message: message}
}

// Retryable reports whether repeating the same call may succeed later.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

func IsAuthExpired(err error) bool {
	return errors.Is(err, ErrAuthExpired)
}

// HTTPStatus maps an error onto the status the local terminal API reports.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrAuthExpired):
		return http.StatusUnauthorized
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrTransient):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
