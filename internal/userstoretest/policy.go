package userstoretest

import (
	"encoding/json"

	"github.com/and161185/userstore/model"
)

// Sources of the built-in policies every store is provisioned with.
const (
	OpenAccessFunction            = "function policy(context, params) { return true; }"
	PassThroughTransformFunction  = "function transform(data, params) { return data; }"
	PassThroughValidationFunction = "function validate(data, params) { return true; }"
)

// AccessFunc decides whether a call made with ctx may proceed.
type AccessFunc func(ctx model.ClientContext, params string) bool

// TransformFunc projects one user's column values, in accessor column order, into the
// value returned to the caller.
type TransformFunc func(values []string, params string) (string, error)

// ValidateFunc accepts or rejects one candidate column value.
type ValidateFunc func(value, params string) bool

type registry struct {
	access    map[string]AccessFunc
	transform map[string]TransformFunc
	validate  map[string]ValidateFunc
}

func newRegistry() registry {
	return registry{
		access:    map[string]AccessFunc{OpenAccessFunction: func(model.ClientContext, string) bool { return true }},
		transform: map[string]TransformFunc{PassThroughTransformFunction: passThrough},
		validate:  map[string]ValidateFunc{PassThroughValidationFunction: func(string, string) bool { return true }},
	}
}

// passThrough returns a single value unchanged and several as a JSON array.
func passThrough(values []string, _ string) (string, error) {
	if len(values) == 1 {
		return values[0], nil
	}
	b, err := json.Marshal(values)
	return string(b), err
}

// RegisterAccessFunc backs access policies whose function is source with fn.
func (s *Server) RegisterAccessFunc(source string, fn AccessFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry.access[source] = fn
}

// RegisterTransformFunc backs transformation policies whose function is source with fn.
func (s *Server) RegisterTransformFunc(source string, fn TransformFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry.transform[source] = fn
}

// RegisterValidateFunc backs validation policies whose function is source with fn.
func (s *Server) RegisterValidateFunc(source string, fn ValidateFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry.validate[source] = fn
}
