// Package errs contains the userstore error taxonomy shared by the transport and API layers.
package errs

import "errors"

// Sentinels identify the kind of a failed call. An *Error wraps exactly one of them.
var (
	// ErrBadRequest indicates the service rejected the request payload (400), including a
	// mutator write refused by its validation policy.
	ErrBadRequest = errors.New("bad request")

	// ErrUnauthorized indicates a missing, expired or rejected bearer credential (401).
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates the caller may not perform the operation (403), including an
	// access policy that evaluated to false.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound indicates the requested entity does not exist (404).
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a uniqueness or version mismatch (409). The *Error carries the
	// colliding entity's id when the service reports one.
	ErrConflict = errors.New("conflict")

	// ErrServer indicates a 5xx response.
	ErrServer = errors.New("server error")

	// ErrDecode indicates a response body that could not be decoded or lacks required fields.
	ErrDecode = errors.New("decode error")

	// ErrTransport indicates the request never produced a response (network failure).
	ErrTransport = errors.New("transport error")

	// ErrValidation indicates invalid arguments detected before any request was sent.
	ErrValidation = errors.New("validation")
)
