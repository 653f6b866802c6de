package userstoretest

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/and161185/userstore/model"
)

const (
	purposeSource = "function policy(context, params) { return context.purpose === 'support'; }"
	maskSource    = "function transform(data, params) { return 'XXX-XXX-' + data.slice(-4); }"
	digitsSource  = "function validate(data, params) { return /^[0-9-]+$/.test(data); }"
)

type harness struct {
	t     *testing.T
	s     *Server
	token string
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	s := New(opts...)
	t.Cleanup(s.Close)
	h := &harness{t: t, s: s}
	h.token = h.fetchToken()
	return h
}

func (h *harness) tokenRequest(id, secret, grant string) (int, []byte) {
	h.t.Helper()
	form := url.Values{"grant_type": {grant}}
	req, err := http.NewRequest(http.MethodPost, h.s.URL+"/oidc/token", strings.NewReader(form.Encode()))
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(id), url.QueryEscape(secret))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	return resp.StatusCode, body
}

func (h *harness) fetchToken() string {
	h.t.Helper()
	code, body := h.tokenRequest(h.s.ClientID(), h.s.ClientSecret(), "client_credentials")
	require.Equal(h.t, http.StatusOK, code, string(body))
	var tr tokenResponse
	require.NoError(h.t, json.Unmarshal(body, &tr))
	require.Equal(h.t, "Bearer", tr.TokenType)
	return tr.AccessToken
}

func (h *harness) raw(method, path, token string, in any) (*http.Response, []byte) {
	h.t.Helper()
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		require.NoError(h.t, err)
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.s.URL+path, body)
	require.NoError(h.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	return resp, b
}

// call performs an authenticated request and decodes a successful body into out.
func (h *harness) call(method, path string, in, out any) int {
	h.t.Helper()
	resp, body := h.raw(method, path, h.token, in)
	if out != nil && resp.StatusCode < 300 {
		require.NoError(h.t, json.Unmarshal(body, out), string(body))
	}
	return resp.StatusCode
}

type wireError struct {
	Error     json.RawMessage `json:"error"`
	RequestID string          `json:"request_id"`
}

func (h *harness) fail(method, path string, in any) (int, wireError) {
	h.t.Helper()
	resp, body := h.raw(method, path, h.token, in)
	require.GreaterOrEqual(h.t, resp.StatusCode, 400, string(body))
	var we wireError
	require.NoError(h.t, json.Unmarshal(body, &we), string(body))
	require.Equal(h.t, resp.Header.Get(RequestIDHeader), we.RequestID)
	return resp.StatusCode, we
}

func (h *harness) column(name string) uuid.UUID {
	h.t.Helper()
	var out struct{ Column model.Column }
	code := h.call(http.MethodPost, "/userstore/config/columns",
		map[string]any{"column": model.Column{Name: name, Type: model.ColumnTypeString}}, &out)
	require.Equal(h.t, http.StatusOK, code)
	return out.Column.ID
}

func (h *harness) user(alias, email string, ext map[string]string) uuid.UUID {
	h.t.Helper()
	var out model.User
	code := h.call(http.MethodPost, "/authn/users", map[string]any{
		"external_alias": alias,
		"profile":        model.UserProfile{Email: email},
		"profile_ext":    ext,
	}, &out)
	require.Equal(h.t, http.StatusOK, code)
	return out.ID
}

func TestToken_ClientCredentials(t *testing.T) {
	h := newHarness(t, WithCredentials("my id", "s:cret"))
	require.Equal(t, 1, h.s.TokensIssued())

	code, _ := h.tokenRequest("my id", "wrong", "client_credentials")
	require.Equal(t, http.StatusUnauthorized, code)

	code, body := h.tokenRequest("my id", "s:cret", "password")
	require.Equal(t, http.StatusBadRequest, code)
	require.Contains(t, string(body), "unsupported_grant_type")

	require.NotEqual(t, h.token, h.fetchToken())
	require.Equal(t, 2, h.s.TokensIssued())
}

func TestAuthenticated(t *testing.T) {
	var now atomic.Int64
	now.Store(time.Now().UnixNano())
	clock := func() time.Time { return time.Unix(0, now.Load()) }

	h := newHarness(t, WithClock(clock), WithTokenTTL(time.Minute))

	resp, _ := h.raw(http.MethodGet, "/userstore/config/columns", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = h.raw(http.MethodGet, "/userstore/config/columns", "garbage", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, http.StatusOK, h.call(http.MethodGet, "/userstore/config/columns", nil, nil))

	now.Add(int64(2 * time.Minute))
	require.Equal(t, http.StatusUnauthorized, h.call(http.MethodGet, "/userstore/config/columns", nil, nil))

	h.token = h.fetchToken()
	require.Equal(t, http.StatusOK, h.call(http.MethodGet, "/userstore/config/columns", nil, nil))

	h.s.RevokeTokens()
	code, we := h.fail(http.MethodGet, "/userstore/config/columns", nil)
	require.Equal(t, http.StatusUnauthorized, code)
	require.JSONEq(t, `"invalid token"`, string(we.Error))
}

func TestConfig_NameConflictCarriesExistingID(t *testing.T) {
	h := newHarness(t)
	id := h.column("Phone Number")

	code, we := h.fail(http.MethodPost, "/userstore/config/columns",
		map[string]any{"column": model.Column{Name: "Phone Number", Type: model.ColumnTypeString}})
	require.Equal(t, http.StatusConflict, code)
	var detail conflictDetail
	require.NoError(t, json.Unmarshal(we.Error, &detail))
	require.Equal(t, id, detail.ID)
	require.NotEmpty(t, we.RequestID)

	code, _ = h.fail(http.MethodPost, "/userstore/config/columns",
		map[string]any{"column": map[string]any{"name": "X", "type": "blob"}})
	require.Equal(t, http.StatusBadRequest, code)

	var cols []model.Column
	require.Equal(t, http.StatusOK, h.call(http.MethodGet, "/userstore/config/columns", nil, &cols))
	require.Len(t, cols, 1)

	code, _ = h.fail(http.MethodGet, "/userstore/config/columns/"+uuid.Must(uuid.NewV4()).String(), nil)
	require.Equal(t, http.StatusNotFound, code)
	code, _ = h.fail(http.MethodGet, "/userstore/config/columns/nope", nil)
	require.Equal(t, http.StatusBadRequest, code)

	resp, _ := h.raw(http.MethodDelete, "/userstore/config/columns/"+id.String(), h.token, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestAccessPolicy_Versioning(t *testing.T) {
	h := newHarness(t)
	h.s.RegisterAccessFunc(purposeSource, func(cc model.ClientContext, _ string) bool { return cc["purpose"] == "support" })

	type env struct {
		AccessPolicy model.AccessPolicy `json:"access_policy"`
	}
	var created env
	require.Equal(t, http.StatusOK, h.call(http.MethodPost, "/tokenizer/policies/access",
		env{model.AccessPolicy{Name: "support", Function: purposeSource, Parameters: "{}"}}, &created))
	p := created.AccessPolicy
	require.Equal(t, 0, p.Version)
	path := "/tokenizer/policies/access/" + p.ID.String()

	var updated env
	p.Parameters = `{"v":1}`
	require.Equal(t, http.StatusOK, h.call(http.MethodPut, path, env{p}, &updated))
	require.Equal(t, 1, updated.AccessPolicy.Version)

	code, we := h.fail(http.MethodPut, path, env{p})
	require.Equal(t, http.StatusConflict, code)
	require.Contains(t, string(we.Error), p.ID.String())

	code, _ = h.fail(http.MethodDelete, path, map[string]int{"version": 0})
	require.Equal(t, http.StatusConflict, code)
	code, _ = h.fail(http.MethodDelete, path, map[string]any{})
	require.Equal(t, http.StatusBadRequest, code)
	resp, _ := h.raw(http.MethodDelete, path, h.token, map[string]int{"version": 1})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	code, _ = h.fail(http.MethodGet, path, nil)
	require.Equal(t, http.StatusNotFound, code)

	code, _ = h.fail(http.MethodPost, "/tokenizer/policies/access",
		env{model.AccessPolicy{Name: "unknown", Function: "function policy() { nope }"}})
	require.Equal(t, http.StatusBadRequest, code)
}

func TestBuiltinPolicies(t *testing.T) {
	h := newHarness(t)

	var access []model.AccessPolicy
	require.Equal(t, http.StatusOK, h.call(http.MethodGet, "/tokenizer/policies/access", nil, &access))
	require.Len(t, access, 1)
	require.Equal(t, model.AccessPolicyOpenID, access[0].ID)

	var tps []model.TransformationPolicy
	require.Equal(t, http.StatusOK, h.call(http.MethodGet, "/tokenizer/policies/generation", nil, &tps))
	require.Equal(t, model.TransformationPolicyPassThroughID, tps[0].ID)

	code, _ := h.fail(http.MethodDelete, "/tokenizer/policies/access/"+model.AccessPolicyOpenID.String(), map[string]int{"version": 0})
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = h.fail(http.MethodDelete, "/tokenizer/policies/validation/"+model.ValidationPolicyPassThroughID.String(), nil)
	require.Equal(t, http.StatusBadRequest, code)

	resp, _ := h.raw(http.MethodPut, "/tokenizer/policies/generation/"+model.TransformationPolicyPassThroughID.String(), h.token, map[string]any{})
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestAccessor_References(t *testing.T) {
	h := newHarness(t)
	col := h.column("Phone Number")

	accessor := func(cols []uuid.UUID, where string) map[string]any {
		return map[string]any{"accessor": model.Accessor{
			Name:                   "PhoneAccessor",
			ColumnIDs:              cols,
			AccessPolicyID:         model.AccessPolicyOpenID,
			TransformationPolicyID: model.TransformationPolicyPassThroughID,
			SelectorConfig:         model.UserSelectorConfig{WhereClause: where},
		}}
	}

	code, _ := h.fail(http.MethodPost, "/userstore/config/accessors", accessor([]uuid.UUID{uuid.Must(uuid.NewV4())}, "{id} = ?"))
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = h.fail(http.MethodPost, "/userstore/config/accessors", accessor([]uuid.UUID{col}, "{phone} LIKE ?"))
	require.Equal(t, http.StatusBadRequest, code)

	var out struct{ Accessor model.Accessor }
	require.Equal(t, http.StatusOK, h.call(http.MethodPost, "/userstore/config/accessors", accessor([]uuid.UUID{col}, "{id} = ?"), &out))
	require.Equal(t, 0, out.Accessor.Version)

	a := out.Accessor
	a.Description = "updated"
	require.Equal(t, http.StatusOK, h.call(http.MethodPut, "/userstore/config/accessors/"+a.ID.String(), map[string]any{"accessor": a}, &out))
	require.Equal(t, 1, out.Accessor.Version)
	require.Equal(t, "updated", out.Accessor.Description)

	// referenced entities stay until their referrers are gone
	code, we := h.fail(http.MethodDelete, "/userstore/config/columns/"+col.String(), nil)
	require.Equal(t, http.StatusBadRequest, code)
	require.Contains(t, string(we.Error), "PhoneAccessor")

	var ap struct {
		AccessPolicy model.AccessPolicy `json:"access_policy"`
	}
	require.Equal(t, http.StatusOK, h.call(http.MethodPost, "/tokenizer/policies/access",
		map[string]any{"access_policy": model.AccessPolicy{Name: "mine", Function: OpenAccessFunction}}, &ap))
	var mut struct{ Mutator model.Mutator }
	require.Equal(t, http.StatusOK, h.call(http.MethodPost, "/userstore/config/mutators", map[string]any{"mutator": model.Mutator{
		Name:               "PhoneMutator",
		ColumnIDs:          []uuid.UUID{col},
		AccessPolicyID:     ap.AccessPolicy.ID,
		ValidationPolicyID: model.ValidationPolicyPassThroughID,
		SelectorConfig:     model.UserSelectorConfig{WhereClause: "{id} = ?"},
	}}, &mut))
	apPath := "/tokenizer/policies/access/" + ap.AccessPolicy.ID.String()
	code, we = h.fail(http.MethodDelete, apPath, map[string]int{"version": 0})
	require.Equal(t, http.StatusBadRequest, code)
	require.Contains(t, string(we.Error), "PhoneMutator")

	for _, path := range []string{
		"/userstore/config/accessors/" + a.ID.String(),
		"/userstore/config/mutators/" + mut.Mutator.ID.String(),
		"/userstore/config/columns/" + col.String(),
	} {
		resp, body := h.raw(http.MethodDelete, path, h.token, nil)
		require.Equal(t, http.StatusNoContent, resp.StatusCode, string(body))
	}
	resp, _ := h.raw(http.MethodDelete, apPath, h.token, map[string]int{"version": 0})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestExecuteAccessor(t *testing.T) {
	h := newHarness(t)
	h.s.RegisterAccessFunc(purposeSource, func(cc model.ClientContext, _ string) bool { return cc["purpose"] == "support" })
	h.s.RegisterTransformFunc(maskSource, func(values []string, _ string) (string, error) {
		v := values[0]
		return "XXX-XXX-" + v[len(v)-4:], nil
	})

	phone := h.column("Phone Number")
	city := h.column("City")
	u1 := h.user("alice", "a@example.com", map[string]string{phone.String(): "123-456-7890", city.String(): "Oslo"})
	u2 := h.user("bob", "b@example.com", map[string]string{phone.String(): "555-000-1234"})

	var ap struct {
		AccessPolicy model.AccessPolicy `json:"access_policy"`
	}
	require.Equal(t, http.StatusOK, h.call(http.MethodPost, "/tokenizer/policies/access",
		map[string]any{"access_policy": model.AccessPolicy{Name: "support", Function: purposeSource}}, &ap))
	var tp struct {
		TransformationPolicy model.TransformationPolicy `json:"generation_policy"`
	}
	require.Equal(t, http.StatusOK, h.call(http.MethodPost, "/tokenizer/policies/generation",
		map[string]any{"generation_policy": model.TransformationPolicy{Name: "mask", Function: maskSource}}, &tp))

	var acc struct{ Accessor model.Accessor }
	require.Equal(t, http.StatusOK, h.call(http.MethodPost, "/userstore/config/accessors", map[string]any{"accessor": model.Accessor{
		Name:                   "SupportPhone",
		ColumnIDs:              []uuid.UUID{phone},
		AccessPolicyID:         ap.AccessPolicy.ID,
		TransformationPolicyID: tp.TransformationPolicy.ID,
		SelectorConfig:         model.UserSelectorConfig{WhereClause: "{id} = ? OR {external_alias} = ?"},
	}}, &acc))
	id := acc.Accessor.ID

	type result struct {
		Data []string `json:"data"`
	}
	var res result
	require.Equal(t, http.StatusOK, h.call(http.MethodPost, "/userstore/api/accessors", map[string]any{
		"accessor_id":     id,
		"context":         map[string]any{"purpose": "support"},
		"selector_values": []any{u2.String(), "alice"},
	}, &res))
	require.Equal(t, []string{"XXX-XXX-1234", "XXX-XXX-7890"}, res.Data)

	code, we := h.fail(http.MethodPost, "/userstore/api/accessors", map[string]any{
		"accessor_id":     id,
		"context":         map[string]any{"purpose": "unknown"},
		"selector_values": []any{u1.String(), "bob"},
	})
	require.Equal(t, http.StatusForbidden, code)
	require.JSONEq(t, `"access denied"`, string(we.Error))

	code, _ = h.fail(http.MethodPost, "/userstore/api/accessors", map[string]any{
		"accessor_id":     id,
		"context":         map[string]any{"purpose": "support"},
		"selector_values": []any{u1.String()},
	})
	require.Equal(t, http.StatusBadRequest, code)

	var one struct {
		Value string `json:"value"`
	}
	require.Equal(t, http.StatusOK, h.call(http.MethodPost, "/userstore/api/accessors", map[string]any{
		"accessor_id": id,
		"context":     map[string]any{"purpose": "support"},
		"user":        model.UserSelector{ExternalAlias: "alice"},
	}, &one))
	require.Equal(t, "XXX-XXX-7890", one.Value)

	code, _ = h.fail(http.MethodPost, "/userstore/api/accessors", map[string]any{
		"accessor_id": id,
		"context":     map[string]any{"purpose": "support"},
		"user":        model.UserSelector{ExternalAlias: "carol"},
	})
	require.Equal(t, http.StatusNotFound, code)

	// denial comes before user resolution, so unknown users and bad arity look the same
	for name, body := range map[string]map[string]any{
		"unknown user": {"user": model.UserSelector{ExternalAlias: "carol"}},
		"wrong arity":  {"selector_values": []any{}},
		"no values":    {},
	} {
		body["accessor_id"] = id
		body["context"] = map[string]any{"purpose": "marketing"}
		code, _ = h.fail(http.MethodPost, "/userstore/api/accessors", body)
		require.Equal(t, http.StatusForbidden, code, name)
	}

	require.Equal(t, http.StatusOK, h.call(http.MethodPost, "/userstore/config/accessors", map[string]any{"accessor": model.Accessor{
		Name:                   "Everything",
		ColumnIDs:              []uuid.UUID{phone, city},
		AccessPolicyID:         model.AccessPolicyOpenID,
		TransformationPolicyID: model.TransformationPolicyPassThroughID,
		SelectorConfig:         model.UserSelectorConfig{WhereClause: "{email} = ?"},
	}}, &acc))
	res = result{}
	require.Equal(t, http.StatusOK, h.call(http.MethodPost, "/userstore/api/accessors", map[string]any{
		"accessor_id":     acc.Accessor.ID,
		"context":         map[string]any{},
		"selector_values": []any{"a@example.com"},
	}, &res))
	require.Equal(t, []string{`["123-456-7890","Oslo"]`}, res.Data)

	code, _ = h.fail(http.MethodPost, "/userstore/api/accessors", map[string]any{"accessor_id": uuid.Must(uuid.NewV4())})
	require.Equal(t, http.StatusNotFound, code)
}

func TestExecuteMutator_AllOrNothing(t *testing.T) {
	h := newHarness(t)
	h.s.RegisterValidateFunc(digitsSource, func(v, _ string) bool { return strings.Trim(v, "0123456789-") == "" })

	phone := h.column("Phone Number")
	fax := h.column("Fax")
	u1 := h.user("alice", "same@example.com", nil)
	u2 := h.user("bob", "same@example.com", nil)

	var vp struct {
		ValidationPolicy model.ValidationPolicy `json:"validation_policy"`
	}
	require.Equal(t, http.StatusOK, h.call(http.MethodPost, "/tokenizer/policies/validation",
		map[string]any{"validation_policy": model.ValidationPolicy{Name: "digits", Function: digitsSource}}, &vp))
	var mut struct{ Mutator model.Mutator }
	require.Equal(t, http.StatusOK, h.call(http.MethodPost, "/userstore/config/mutators", map[string]any{"mutator": model.Mutator{
		Name:               "Contact",
		ColumnIDs:          []uuid.UUID{phone, fax},
		AccessPolicyID:     model.AccessPolicyOpenID,
		ValidationPolicyID: vp.ValidationPolicy.ID,
		SelectorConfig:     model.UserSelectorConfig{WhereClause: "{email} = ?"},
	}}, &mut))

	exec := func(row map[uuid.UUID]string) (int, []uuid.UUID) {
		var out struct {
			UserIDs []uuid.UUID `json:"user_ids"`
		}
		code := h.call(http.MethodPost, "/userstore/api/mutators", map[string]any{
			"mutator_id":      mut.Mutator.ID,
			"context":         map[string]any{},
			"selector_values": []any{"same@example.com"},
			"row_data":        row,
		}, &out)
		return code, out.UserIDs
	}

	code, _ := exec(map[uuid.UUID]string{phone: "123-456-7890", fax: "not a number"})
	require.Equal(t, http.StatusBadRequest, code)
	for _, id := range []uuid.UUID{u1, u2} {
		u, ok := h.s.User(id)
		require.True(t, ok)
		require.Empty(t, u.ProfileExt)
	}

	code, _ = exec(map[uuid.UUID]string{h.column("Other"): "1"})
	require.Equal(t, http.StatusBadRequest, code)

	code, ids := exec(map[uuid.UUID]string{phone: "123-456-7890", fax: "555"})
	require.Equal(t, http.StatusOK, code)
	require.ElementsMatch(t, []uuid.UUID{u1, u2}, ids)
	for _, id := range ids {
		u, _ := h.s.User(id)
		require.Equal(t, map[string]string{phone.String(): "123-456-7890", fax.String(): "555"}, u.ProfileExt)
	}
}

func TestExecuteMutator_DeniedBeforeSelection(t *testing.T) {
	h := newHarness(t)
	h.s.RegisterAccessFunc(purposeSource, func(cc model.ClientContext, _ string) bool { return cc["purpose"] == "support" })

	phone := h.column("Phone Number")
	u := h.user("alice", "", map[string]string{phone.String(): "1"})

	var ap struct {
		AccessPolicy model.AccessPolicy `json:"access_policy"`
	}
	require.Equal(t, http.StatusOK, h.call(http.MethodPost, "/tokenizer/policies/access",
		map[string]any{"access_policy": model.AccessPolicy{Name: "support", Function: purposeSource}}, &ap))
	var mut struct{ Mutator model.Mutator }
	require.Equal(t, http.StatusOK, h.call(http.MethodPost, "/userstore/config/mutators", map[string]any{"mutator": model.Mutator{
		Name:               "Phone",
		ColumnIDs:          []uuid.UUID{phone},
		AccessPolicyID:     ap.AccessPolicy.ID,
		ValidationPolicyID: model.ValidationPolicyPassThroughID,
		SelectorConfig:     model.UserSelectorConfig{WhereClause: "{external_alias} = ?"},
	}}, &mut))

	tests := []struct {
		name   string
		values []any
		row    map[uuid.UUID]string
	}{
		{name: "wrong arity", values: []any{}, row: map[uuid.UUID]string{phone: "2"}},
		{name: "unknown user", values: []any{"nobody"}, row: map[uuid.UUID]string{phone: "2"}},
		{name: "foreign column", values: []any{"alice"}, row: map[uuid.UUID]string{uuid.Must(uuid.NewV4()): "2"}},
		{name: "matching user", values: []any{"alice"}, row: map[uuid.UUID]string{phone: "2"}},
	}
	for _, tt := range tests {
		code, we := h.fail(http.MethodPost, "/userstore/api/mutators", map[string]any{
			"mutator_id":      mut.Mutator.ID,
			"context":         map[string]any{"purpose": "marketing"},
			"selector_values": tt.values,
			"row_data":        tt.row,
		})
		require.Equal(t, http.StatusForbidden, code, tt.name)
		require.JSONEq(t, `"access denied"`, string(we.Error), tt.name)
	}

	rec, ok := h.s.User(u)
	require.True(t, ok)
	require.Equal(t, "1", rec.ProfileExt[phone.String()])
}

func TestUsers(t *testing.T) {
	h := newHarness(t)
	col := h.column("Phone Number")

	ids := map[uuid.UUID]bool{}
	for _, alias := range []string{"u1", "u2", "u3", "u4", "u5"} {
		ids[h.user(alias, alias+"@example.com", nil)] = true
	}

	seen := map[uuid.UUID]bool{}
	q := url.Values{"version": {"2"}, "limit": {"2"}}
	for pages := 0; ; pages++ {
		require.Less(t, pages, 3)
		var page userPage
		require.Equal(t, http.StatusOK, h.call(http.MethodGet, "/authn/users?"+q.Encode(), nil, &page))
		for _, u := range page.Data {
			require.False(t, seen[u.ID], "pages overlap at %s", u.ID)
			seen[u.ID] = true
		}
		if !page.HasNext {
			require.Empty(t, page.Next)
			break
		}
		require.True(t, strings.HasPrefix(page.Next, cursorPrefix))
		q.Set("starting_after", page.Next)
	}
	require.Equal(t, ids, seen)

	code, _ := h.fail(http.MethodGet, "/authn/users?version=2&starting_after=nope", nil)
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = h.fail(http.MethodGet, "/authn/users", nil)
	require.Equal(t, http.StatusBadRequest, code)

	var byAlias model.User
	require.Equal(t, http.StatusOK, h.call(http.MethodGet, "/authn/users?external_alias=u3", nil, &byAlias))
	require.Equal(t, "u3@example.com", byAlias.Profile.Email)

	code, we := h.fail(http.MethodPost, "/authn/users", map[string]any{"external_alias": "u3"})
	require.Equal(t, http.StatusConflict, code)
	var detail conflictDetail
	require.NoError(t, json.Unmarshal(we.Error, &detail))
	require.Equal(t, byAlias.ID, detail.ID)

	code, _ = h.fail(http.MethodPost, "/authn/users", map[string]any{"profile_ext": map[string]string{"not-a-column": "x"}})
	require.Equal(t, http.StatusBadRequest, code)

	var updated model.User
	require.Equal(t, http.StatusOK, h.call(http.MethodPut, "/authn/users/"+byAlias.ID.String(), map[string]any{
		"profile":     model.UserProfile{Email: "new@example.com"},
		"profile_ext": map[string]string{col.String(): "123"},
	}, &updated))
	require.Equal(t, "new@example.com", updated.Profile.Email)
	require.Equal(t, "123", updated.ProfileExt[col.String()])

	resp, _ := h.raw(http.MethodDelete, "/authn/users/"+byAlias.ID.String(), h.token, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	code, _ = h.fail(http.MethodGet, "/authn/users/"+byAlias.ID.String(), nil)
	require.Equal(t, http.StatusNotFound, code)
	raw, ok := h.s.User(byAlias.ID)
	require.True(t, ok)
	require.True(t, raw.IsDeleted())

	var page userPage
	require.Equal(t, http.StatusOK, h.call(http.MethodGet, "/authn/users?version=2", nil, &page))
	require.Len(t, page.Data, 4)

	var byEmail []model.User
	require.Equal(t, http.StatusOK, h.call(http.MethodGet, "/authn/users?version=2&email=u2%40example.com", nil, &byEmail))
	require.Len(t, byEmail, 1)
	require.Equal(t, "u2", byEmail[0].ExternalAlias)
}

func TestUsers_Password(t *testing.T) {
	h := newHarness(t)

	var u model.User
	require.Equal(t, http.StatusOK, h.call(http.MethodPost, "/authn/users", map[string]any{
		"username":   "alice",
		"password":   "hunter2",
		"authn_type": "password",
	}, &u))
	require.Equal(t, []string{"password"}, u.Authns)
	require.True(t, h.s.CheckPassword("alice", "hunter2"))
	require.False(t, h.s.CheckPassword("alice", "hunter3"))
	require.False(t, h.s.CheckPassword("bob", "hunter2"))

	code, _ := h.fail(http.MethodPost, "/authn/users", map[string]any{"username": "alice", "password": "x"})
	require.Equal(t, http.StatusConflict, code)
	code, _ = h.fail(http.MethodPost, "/authn/users", map[string]any{"username": "carol"})
	require.Equal(t, http.StatusBadRequest, code)
}

func TestParseSelector(t *testing.T) {
	tests := []struct {
		where   string
		want    selector
		wantErr bool
	}{
		{"", nil, false},
		{"{id} = ?", selector{"id"}, false},
		{"{id}=? or {external_alias} = ? OR {email} = ?", selector{"id", "external_alias", "email"}, false},
		{"{phone} = ?", nil, true},
		{"{id} = 'x'", nil, true},
		{"{id} = ? AND {email} = ?", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.where, func(t *testing.T) {
			got, err := parseSelector(tt.where)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestRecoverer(t *testing.T) {
	h := requestID(recoverer(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotEmpty(t, rec.Header().Get(RequestIDHeader))
	require.Contains(t, rec.Body.String(), `"internal"`)
}
