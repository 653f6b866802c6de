package userstoretest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gofrs/uuid/v5"
)

// apiError is a failure with the HTTP status it is reported under.
type apiError struct {
	status   int
	msg      string
	existing uuid.UUID // set on conflicts
}

func (e *apiError) Error() string { return fmt.Sprintf("%d: %s", e.status, e.msg) }

func badRequest(format string, args ...any) *apiError {
	return &apiError{status: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

func notFound(kind string, id any) *apiError {
	return &apiError{status: http.StatusNotFound, msg: fmt.Sprintf("%s %v not found", kind, id)}
}

func conflict(existing uuid.UUID, format string, args ...any) *apiError {
	return &apiError{status: http.StatusConflict, msg: fmt.Sprintf(format, args...), existing: existing}
}

func internal(format string, args ...any) *apiError {
	return &apiError{status: http.StatusInternalServerError, msg: fmt.Sprintf(format, args...)}
}

var (
	errUnauthorized = &apiError{status: http.StatusUnauthorized, msg: "invalid token"}
	errForbidden    = &apiError{status: http.StatusForbidden, msg: "access denied"}
)

type errorBody struct {
	Error     any    `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type conflictDetail struct {
	Error string    `json:"error"`
	ID    uuid.UUID `json:"id"`
}

// handlerFunc is an http.HandlerFunc that reports failures by returning them.
type handlerFunc func(w http.ResponseWriter, r *http.Request) error

func (s *Server) handle(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			s.writeError(w, r, err)
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *apiError
	if !errors.As(err, &ae) {
		ae = internal("internal")
	}
	body := errorBody{Error: ae.msg, RequestID: RequestIDFromCtx(r.Context())}
	if ae.status == http.StatusConflict && ae.existing != uuid.Nil {
		body.Error = conflictDetail{Error: ae.msg, ID: ae.existing}
	}
	writeJSON(w, ae.status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return badRequest("malformed body: %v", err)
	}
	return nil
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.FromString(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, badRequest("bad id %q", r.PathValue("id"))
	}
	return id, nil
}
