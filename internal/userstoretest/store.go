package userstoretest

import (
	"bytes"
	"cmp"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/userstore/model"
)

// table holds one kind of config entity keyed by id, with unique names.
type table[T any] struct {
	kind    string // used in messages
	key     string // JSON envelope key
	rows    map[uuid.UUID]*T
	builtin map[uuid.UUID]bool

	id      func(*T) *uuid.UUID
	name    func(*T) string
	version func(*T) *int // nil for unversioned entities
	check   func(*T) error
	usedBy  func(uuid.UUID) (string, bool)
}

func newTable[T any](kind, key string, id func(*T) *uuid.UUID, name func(*T) string) *table[T] {
	return &table[T]{
		kind:    kind,
		key:     key,
		rows:    make(map[uuid.UUID]*T),
		builtin: make(map[uuid.UUID]bool),
		id:      id,
		name:    name,
		check:   func(*T) error { return nil },
	}
}

func (t *table[T]) byName(name string, except uuid.UUID) (uuid.UUID, bool) {
	for id, row := range t.rows {
		if id != except && t.name(row) == name {
			return id, true
		}
	}
	return uuid.Nil, false
}

func (t *table[T]) get(id uuid.UUID) (*T, error) {
	row, ok := t.rows[id]
	if !ok {
		return nil, notFound(t.kind, id)
	}
	return row, nil
}

func (t *table[T]) create(v *T) error {
	if t.name(v) == "" {
		return badRequest("%s: empty name", t.kind)
	}
	if err := t.check(v); err != nil {
		return err
	}
	id := t.id(v)
	if *id == uuid.Nil {
		*id = uuid.Must(uuid.NewV4())
	}
	if _, ok := t.rows[*id]; ok {
		return conflict(*id, "%s %s already exists", t.kind, *id)
	}
	if existing, ok := t.byName(t.name(v), uuid.Nil); ok {
		return conflict(existing, "%s named %q already exists", t.kind, t.name(v))
	}
	if t.version != nil {
		*t.version(v) = 0
	}
	t.rows[*id] = v
	return nil
}

func (t *table[T]) update(id uuid.UUID, v *T) error {
	cur, err := t.get(id)
	if err != nil {
		return err
	}
	if t.builtin[id] {
		return badRequest("%s %s is built in", t.kind, id)
	}
	*t.id(v) = id
	if t.name(v) == "" {
		return badRequest("%s: empty name", t.kind)
	}
	if err := t.check(v); err != nil {
		return err
	}
	if t.version != nil {
		if have, want := *t.version(v), *t.version(cur); have != want {
			return conflict(id, "%s %s: version %d is stale, current is %d", t.kind, id, have, want)
		}
		*t.version(v) = *t.version(cur) + 1
	}
	if existing, ok := t.byName(t.name(v), id); ok {
		return conflict(existing, "%s named %q already exists", t.kind, t.name(v))
	}
	t.rows[id] = v
	return nil
}

// remove deletes id. A non-nil version must match the current one.
func (t *table[T]) remove(id uuid.UUID, version *int) error {
	cur, err := t.get(id)
	if err != nil {
		return err
	}
	if t.builtin[id] {
		return badRequest("%s %s is built in", t.kind, id)
	}
	if version != nil && t.version != nil && *version != *t.version(cur) {
		return conflict(id, "%s %s: version %d is stale, current is %d", t.kind, id, *version, *t.version(cur))
	}
	if t.usedBy != nil {
		if by, ok := t.usedBy(id); ok {
			return badRequest("%s %s is still used by %s", t.kind, id, by)
		}
	}
	delete(t.rows, id)
	return nil
}

// list returns copies ordered by name, then id.
func (t *table[T]) list() []T {
	out := make([]T, 0, len(t.rows))
	for _, row := range t.rows {
		out = append(out, *row)
	}
	slices.SortFunc(out, func(a, b T) int {
		return cmp.Or(strings.Compare(t.name(&a), t.name(&b)), bytes.Compare(t.id(&a).Bytes(), t.id(&b).Bytes()))
	})
	return out
}

type routes uint8

const (
	routeUpdate routes = 1 << iota
	routeVersionedDelete
)

// mount registers the CRUD endpoints of t under path.
func mount[T any](s *Server, mux *http.ServeMux, path string, t *table[T], rs routes) {
	item := path + "/{id}"

	mux.HandleFunc("POST "+path, s.handle(s.authenticated(func(w http.ResponseWriter, r *http.Request) error {
		v, err := decodeEnvelope[T](r, t.key)
		if err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := t.create(v); err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, map[string]any{t.key: v})
		return nil
	})))

	mux.HandleFunc("GET "+path, s.handle(s.authenticated(func(w http.ResponseWriter, r *http.Request) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		writeJSON(w, http.StatusOK, t.list())
		return nil
	})))

	mux.HandleFunc("GET "+item, s.handle(s.authenticated(func(w http.ResponseWriter, r *http.Request) error {
		id, err := pathID(r)
		if err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		row, err := t.get(id)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, map[string]any{t.key: row})
		return nil
	})))

	if rs&routeUpdate != 0 {
		mux.HandleFunc("PUT "+item, s.handle(s.authenticated(func(w http.ResponseWriter, r *http.Request) error {
			id, err := pathID(r)
			if err != nil {
				return err
			}
			v, err := decodeEnvelope[T](r, t.key)
			if err != nil {
				return err
			}
			s.mu.Lock()
			defer s.mu.Unlock()
			if err := t.update(id, v); err != nil {
				return err
			}
			writeJSON(w, http.StatusOK, map[string]any{t.key: v})
			return nil
		})))
	}

	mux.HandleFunc("DELETE "+item, s.handle(s.authenticated(func(w http.ResponseWriter, r *http.Request) error {
		id, err := pathID(r)
		if err != nil {
			return err
		}
		var version *int
		if rs&routeVersionedDelete != 0 {
			var body struct {
				Version *int `json:"version"`
			}
			if err := decodeJSON(r, &body); err != nil {
				return err
			}
			if body.Version == nil {
				return badRequest("%s: missing version", t.kind)
			}
			version = body.Version
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := t.remove(id, version); err != nil {
			return err
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	})))
}

func decodeEnvelope[T any](r *http.Request, key string) (*T, error) {
	var env map[string]json.RawMessage
	if err := decodeJSON(r, &env); err != nil {
		return nil, err
	}
	raw, ok := env[key]
	if !ok {
		return nil, badRequest("missing %q", key)
	}
	v := new(T)
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, badRequest("malformed %s: %v", key, err)
	}
	return v, nil
}

func (s *Server) initTables() {
	s.columns = newTable("column", "column",
		func(c *model.Column) *uuid.UUID { return &c.ID },
		func(c *model.Column) string { return c.Name })
	s.columns.check = func(c *model.Column) error {
		if !c.Type.Valid() || c.Type == model.ColumnTypeInvalid {
			return badRequest("column %q: unknown type %q", c.Name, c.Type)
		}
		return nil
	}

	s.columns.usedBy = func(id uuid.UUID) (string, bool) {
		return s.referrer(
			func(a *model.Accessor) bool { return slices.Contains(a.ColumnIDs, id) },
			func(m *model.Mutator) bool { return slices.Contains(m.ColumnIDs, id) })
	}

	s.accessPolicies = newTable("access policy", "access_policy",
		func(p *model.AccessPolicy) *uuid.UUID { return &p.ID },
		func(p *model.AccessPolicy) string { return p.Name })
	s.accessPolicies.version = func(p *model.AccessPolicy) *int { return &p.Version }
	s.accessPolicies.check = func(p *model.AccessPolicy) error {
		if _, ok := s.registry.access[p.Function]; !ok {
			return badRequest("access policy %q: function does not compile", p.Name)
		}
		return nil
	}

	s.accessPolicies.usedBy = func(id uuid.UUID) (string, bool) {
		return s.referrer(
			func(a *model.Accessor) bool { return a.AccessPolicyID == id },
			func(m *model.Mutator) bool { return m.AccessPolicyID == id })
	}

	s.transformationPolicies = newTable("transformation policy", "generation_policy",
		func(p *model.TransformationPolicy) *uuid.UUID { return &p.ID },
		func(p *model.TransformationPolicy) string { return p.Name })
	s.transformationPolicies.check = func(p *model.TransformationPolicy) error {
		if _, ok := s.registry.transform[p.Function]; !ok {
			return badRequest("transformation policy %q: function does not compile", p.Name)
		}
		return nil
	}

	s.transformationPolicies.usedBy = func(id uuid.UUID) (string, bool) {
		return s.referrer(func(a *model.Accessor) bool { return a.TransformationPolicyID == id }, nil)
	}

	s.validationPolicies = newTable("validation policy", "validation_policy",
		func(p *model.ValidationPolicy) *uuid.UUID { return &p.ID },
		func(p *model.ValidationPolicy) string { return p.Name })
	s.validationPolicies.check = func(p *model.ValidationPolicy) error {
		if _, ok := s.registry.validate[p.Function]; !ok {
			return badRequest("validation policy %q: function does not compile", p.Name)
		}
		return nil
	}

	s.validationPolicies.usedBy = func(id uuid.UUID) (string, bool) {
		return s.referrer(nil, func(m *model.Mutator) bool { return m.ValidationPolicyID == id })
	}

	s.accessors = newTable("accessor", "accessor",
		func(a *model.Accessor) *uuid.UUID { return &a.ID },
		func(a *model.Accessor) string { return a.Name })
	s.accessors.version = func(a *model.Accessor) *int { return &a.Version }
	s.accessors.check = func(a *model.Accessor) error {
		if err := s.checkRefs("accessor", a.Name, a.ColumnIDs, a.AccessPolicyID, a.SelectorConfig); err != nil {
			return err
		}
		if _, ok := s.transformationPolicies.rows[a.TransformationPolicyID]; !ok {
			return badRequest("accessor %q: unknown transformation policy %s", a.Name, a.TransformationPolicyID)
		}
		return nil
	}

	s.mutators = newTable("mutator", "mutator",
		func(m *model.Mutator) *uuid.UUID { return &m.ID },
		func(m *model.Mutator) string { return m.Name })
	s.mutators.version = func(m *model.Mutator) *int { return &m.Version }
	s.mutators.check = func(m *model.Mutator) error {
		if err := s.checkRefs("mutator", m.Name, m.ColumnIDs, m.AccessPolicyID, m.SelectorConfig); err != nil {
			return err
		}
		if _, ok := s.validationPolicies.rows[m.ValidationPolicyID]; !ok {
			return badRequest("mutator %q: unknown validation policy %s", m.Name, m.ValidationPolicyID)
		}
		return nil
	}
}

// referrer names the first accessor or mutator matching the given predicates. Either
// predicate may be nil. Callers hold s.mu.
func (s *Server) referrer(accessor func(*model.Accessor) bool, mutator func(*model.Mutator) bool) (string, bool) {
	if accessor != nil {
		for _, a := range s.accessors.list() {
			if accessor(&a) {
				return fmt.Sprintf("accessor %q", a.Name), true
			}
		}
	}
	if mutator != nil {
		for _, m := range s.mutators.list() {
			if mutator(&m) {
				return fmt.Sprintf("mutator %q", m.Name), true
			}
		}
	}
	return "", false
}

// checkRefs verifies the parts accessors and mutators share. Callers hold s.mu.
func (s *Server) checkRefs(kind, name string, columnIDs []uuid.UUID, accessPolicyID uuid.UUID, sel model.UserSelectorConfig) error {
	if len(columnIDs) == 0 {
		return badRequest("%s %q: no columns", kind, name)
	}
	for _, id := range columnIDs {
		if _, ok := s.columns.rows[id]; !ok {
			return badRequest("%s %q: unknown column %s", kind, name, id)
		}
	}
	if _, ok := s.accessPolicies.rows[accessPolicyID]; !ok {
		return badRequest("%s %q: unknown access policy %s", kind, name, accessPolicyID)
	}
	if _, err := parseSelector(sel.WhereClause); err != nil {
		return badRequest("%s %q: %v", kind, name, err)
	}
	return nil
}

func (s *Server) provisionBuiltins() {
	open := &model.AccessPolicy{ID: model.AccessPolicyOpenID, Name: "AllowAll", Function: OpenAccessFunction, Parameters: "{}"}
	s.accessPolicies.rows[open.ID] = open
	s.accessPolicies.builtin[open.ID] = true

	tp := &model.TransformationPolicy{ID: model.TransformationPolicyPassThroughID, Name: "PassthroughUnchangedData", Function: PassThroughTransformFunction, Parameters: "{}"}
	s.transformationPolicies.rows[tp.ID] = tp
	s.transformationPolicies.builtin[tp.ID] = true

	vp := &model.ValidationPolicy{ID: model.ValidationPolicyPassThroughID, Name: "PassthroughUnchangedData", Function: PassThroughValidationFunction, Parameters: "{}"}
	s.validationPolicies.rows[vp.ID] = vp
	s.validationPolicies.builtin[vp.ID] = true
}
