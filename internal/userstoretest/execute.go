package userstoretest

import (
	"bytes"
	"fmt"
	"net/http"
	"regexp"
	"slices"
	"strings"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/userstore/model"
)

// Selector fields understood in where clauses.
const (
	fieldID            = "id"
	fieldExternalAlias = "external_alias"
	fieldEmail         = "email"
)

var (
	termRE = regexp.MustCompile(`^\{(` + fieldID + `|` + fieldExternalAlias + `|` + fieldEmail + `)\}\s*=\s*\?$`)
	orRE   = regexp.MustCompile(`(?i)\s+OR\s+`)
)

// selector is a parsed where clause: one "{field} = ?" term per positional value,
// joined by OR.
type selector []string

func parseSelector(where string) (selector, error) {
	where = strings.TrimSpace(where)
	if where == "" {
		return nil, nil
	}
	var sel selector
	for _, term := range orRE.Split(where, -1) {
		m := termRE.FindStringSubmatch(strings.TrimSpace(term))
		if m == nil {
			return nil, fmt.Errorf("unsupported selector term %q", term)
		}
		sel = append(sel, m[1])
	}
	return sel, nil
}

// match returns live users selected by binding values into sel, ordered by term and
// then by id. Callers hold s.mu.
func (s *Server) match(sel selector, values []any) ([]*userRecord, error) {
	if len(sel) == 0 {
		return nil, badRequest("no selector configured")
	}
	if len(values) != len(sel) {
		return nil, badRequest("selector takes %d values, got %d", len(sel), len(values))
	}
	live := s.liveUsers()
	seen := make(map[uuid.UUID]bool)
	var out []*userRecord
	for i, field := range sel {
		want := fmt.Sprint(values[i])
		for _, u := range live {
			if seen[u.ID] || !u.matches(field, want) {
				continue
			}
			seen[u.ID] = true
			out = append(out, u)
		}
	}
	return out, nil
}

func (u *userRecord) matches(field, want string) bool {
	switch field {
	case fieldID:
		return strings.EqualFold(u.ID.String(), want)
	case fieldExternalAlias:
		return u.ExternalAlias != "" && u.ExternalAlias == want
	case fieldEmail:
		return u.Profile.Email != "" && u.Profile.Email == want
	}
	return false
}

// liveUsers returns users that are not soft-deleted, ordered by id.
func (s *Server) liveUsers() []*userRecord {
	out := make([]*userRecord, 0, len(s.users))
	for _, u := range s.users {
		if !u.IsDeleted() {
			out = append(out, u)
		}
	}
	slices.SortFunc(out, func(a, b *userRecord) int { return bytes.Compare(a.ID.Bytes(), b.ID.Bytes()) })
	return out
}

// target resolves a directly named user. Callers hold s.mu.
func (s *Server) target(us model.UserSelector) (*userRecord, error) {
	if err := us.Validate(); err != nil {
		return nil, badRequest("%v", err)
	}
	for _, u := range s.liveUsers() {
		if (us.ID != uuid.Nil && u.ID == us.ID) || (us.ExternalAlias != "" && u.ExternalAlias == us.ExternalAlias) {
			return u, nil
		}
	}
	if us.ID != uuid.Nil {
		return nil, notFound("user", us.ID)
	}
	return nil, notFound("user", us.ExternalAlias)
}

// allow evaluates an access policy against cc. Callers hold s.mu.
func (s *Server) allow(policyID uuid.UUID, cc model.ClientContext) error {
	p, ok := s.accessPolicies.rows[policyID]
	if !ok {
		return internal("access policy %s is gone", policyID)
	}
	fn, ok := s.registry.access[p.Function]
	if !ok {
		return internal("access policy %q has no evaluator", p.Name)
	}
	if cc == nil {
		cc = model.ClientContext{}
	}
	if !fn(cc, p.Parameters) {
		return errForbidden
	}
	return nil
}

type executeAccessorRequest struct {
	AccessorID     uuid.UUID           `json:"accessor_id"`
	Context        model.ClientContext `json:"context"`
	SelectorValues []any               `json:"selector_values"`
	User           *model.UserSelector `json:"user"`
}

func (s *Server) executeAccessor(w http.ResponseWriter, r *http.Request) error {
	var req executeAccessorRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.accessors.get(req.AccessorID)
	if err != nil {
		return err
	}
	// a denied caller learns nothing about which users exist
	if err := s.allow(a.AccessPolicyID, req.Context); err != nil {
		return err
	}
	var users []*userRecord
	if req.User != nil {
		u, err := s.target(*req.User)
		if err != nil {
			return err
		}
		users = []*userRecord{u}
	} else {
		sel, err := parseSelector(a.SelectorConfig.WhereClause)
		if err != nil {
			return internal("accessor %q: %v", a.Name, err)
		}
		if users, err = s.match(sel, req.SelectorValues); err != nil {
			return err
		}
	}

	tp, ok := s.transformationPolicies.rows[a.TransformationPolicyID]
	if !ok {
		return internal("transformation policy %s is gone", a.TransformationPolicyID)
	}
	fn, ok := s.registry.transform[tp.Function]
	if !ok {
		return internal("transformation policy %q has no evaluator", tp.Name)
	}

	data := make([]string, 0, len(users))
	for _, u := range users {
		values := make([]string, len(a.ColumnIDs))
		for i, col := range a.ColumnIDs {
			values[i] = u.ProfileExt[col.String()]
		}
		v, err := fn(values, tp.Parameters)
		if err != nil {
			return internal("transformation policy %q: %v", tp.Name, err)
		}
		data = append(data, v)
	}

	if req.User != nil {
		writeJSON(w, http.StatusOK, map[string]any{"value": data[0]})
		return nil
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
	return nil
}

type executeMutatorRequest struct {
	MutatorID      uuid.UUID            `json:"mutator_id"`
	Context        model.ClientContext  `json:"context"`
	SelectorValues []any                `json:"selector_values"`
	RowData        map[uuid.UUID]string `json:"row_data"`
}

func (s *Server) executeMutator(w http.ResponseWriter, r *http.Request) error {
	var req executeMutatorRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if len(req.RowData) == 0 {
		return badRequest("empty row_data")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.mutators.get(req.MutatorID)
	if err != nil {
		return err
	}
	if err := s.allow(m.AccessPolicyID, req.Context); err != nil {
		return err
	}
	sel, err := parseSelector(m.SelectorConfig.WhereClause)
	if err != nil {
		return internal("mutator %q: %v", m.Name, err)
	}
	users, err := s.match(sel, req.SelectorValues)
	if err != nil {
		return err
	}

	vp, ok := s.validationPolicies.rows[m.ValidationPolicyID]
	if !ok {
		return internal("validation policy %s is gone", m.ValidationPolicyID)
	}
	valid, ok := s.registry.validate[vp.Function]
	if !ok {
		return internal("validation policy %q has no evaluator", vp.Name)
	}
	for col := range req.RowData {
		if !slices.Contains(m.ColumnIDs, col) {
			return badRequest("mutator %q does not write column %s", m.Name, col)
		}
	}
	// every value is checked before anything is written
	for _, col := range m.ColumnIDs {
		v, ok := req.RowData[col]
		if ok && !valid(v, vp.Parameters) {
			return badRequest("value for column %s rejected by validation policy %q", col, vp.Name)
		}
	}

	now := s.now().UTC()
	ids := make([]uuid.UUID, 0, len(users))
	for _, u := range users {
		if u.ProfileExt == nil {
			u.ProfileExt = make(map[string]string, len(req.RowData))
		}
		for col, v := range req.RowData {
			u.ProfileExt[col.String()] = v
		}
		u.Updated = now
		ids = append(ids, u.ID)
	}

	client, _ := ClientIDFromCtx(r.Context())
	s.log.Debug("mutator committed",
		zap.String("mutator", m.Name),
		zap.String("client", client),
		zap.Int("users", len(ids)),
	)
	writeJSON(w, http.StatusOK, map[string]any{"user_ids": ids})
	return nil
}
