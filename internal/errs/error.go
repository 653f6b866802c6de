package errs

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gofrs/uuid/v5"
)

// Error is the structured error returned for every failed userstore call.
type Error struct {
	Kind       error     // one of the package sentinels
	Code       int       // HTTP status, 0 when no response was received
	Message    string    // server-supplied or local description
	RequestID  string    // server request-correlation id, if any
	ExistingID uuid.UUID // colliding entity id on Conflict
	Err        error     // underlying cause for decode/transport failures
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	s := e.Kind.Error()
	if e.Code != 0 {
		s = fmt.Sprintf("%s (%d)", s, e.Code)
	}
	if msg != "" {
		s += ": " + msg
	}
	if e.RequestID != "" {
		s += " [request_id=" + e.RequestID + "]"
	}
	return s
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindForStatus maps an HTTP status >= 400 to its sentinel.
func KindForStatus(code int) error {
	switch {
	case code == http.StatusBadRequest:
		return ErrBadRequest
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusConflict:
		return ErrConflict
	case code >= 500:
		return ErrServer
	default:
		return ErrBadRequest
	}
}

// Validationf builds a local argument error; no request is sent.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

// ExistingID returns the colliding entity id carried by a Conflict error.
func ExistingID(err error) (uuid.UUID, bool) {
	var e *Error
	if !errors.As(err, &e) || !errors.Is(e.Kind, ErrConflict) || e.ExistingID == uuid.Nil {
		return uuid.Nil, false
	}
	return e.ExistingID, true
}

// Code returns the HTTP status carried by err, or 0.
func Code(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}
