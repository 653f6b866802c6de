package userstoretest

import (
	"bytes"
	"cmp"
	"maps"
	"net/http"
	"strconv"
	"strings"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/userstore/internal/crypto"
	"github.com/and161185/userstore/model"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 1500
	cursorPrefix     = "id:"
)

type userRecord struct {
	model.User
	username     string
	passwordHash string
}

// view returns a copy safe to hand out.
func (u *userRecord) view() model.User {
	v := u.User
	v.ProfileExt = maps.Clone(u.ProfileExt)
	v.Authns = append([]string(nil), u.Authns...)
	return v
}

type createUserRequest struct {
	Username      string            `json:"username"`
	Password      string            `json:"password"`
	AuthnType     string            `json:"authn_type"`
	RequireMFA    bool              `json:"require_mfa"`
	Profile       model.UserProfile `json:"profile"`
	ProfileExt    map[string]string `json:"profile_ext"`
	ExternalAlias string            `json:"external_alias"`
}

type updateUserRequest struct {
	Profile    model.UserProfile `json:"profile"`
	ProfileExt map[string]string `json:"profile_ext"`
}

// checkProfileExt requires every key to name an existing column. Callers hold s.mu.
func (s *Server) checkProfileExt(ext map[string]string) error {
	for k := range ext {
		id, err := uuid.FromString(k)
		if err != nil {
			return badRequest("profile_ext: %q is not a column id", k)
		}
		if _, ok := s.columns.rows[id]; !ok {
			return badRequest("profile_ext: unknown column %s", id)
		}
	}
	return nil
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) error {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if (req.Username == "") != (req.Password == "") {
		return badRequest("username and password go together")
	}

	var hash string
	if req.Password != "" {
		var err error
		if hash, err = crypto.HashPassword(req.Password); err != nil {
			return internal("hash password: %v", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkProfileExt(req.ProfileExt); err != nil {
		return err
	}
	for _, u := range s.liveUsers() {
		switch {
		case req.Username != "" && u.username == req.Username:
			return conflict(u.ID, "username %q already exists", req.Username)
		case req.ExternalAlias != "" && u.ExternalAlias == req.ExternalAlias:
			return conflict(u.ID, "external alias %q already exists", req.ExternalAlias)
		}
	}

	now := s.now().UTC()
	id := uuid.Must(uuid.NewV4())
	u := &userRecord{
		User: model.User{
			ID:            id,
			UserID:        id,
			Created:       now,
			Updated:       now,
			ExternalAlias: req.ExternalAlias,
			RequireMFA:    req.RequireMFA,
			Profile:       req.Profile,
			ProfileExt:    maps.Clone(req.ProfileExt),
		},
		username:     req.Username,
		passwordHash: hash,
	}
	if req.Username != "" {
		u.Authns = []string{cmp.Or(req.AuthnType, "password")}
	}
	s.users[id] = u

	writeJSON(w, http.StatusOK, u.view())
	return nil
}

// liveUser returns id unless it is missing or soft-deleted. Callers hold s.mu.
func (s *Server) liveUser(id uuid.UUID) (*userRecord, error) {
	u, ok := s.users[id]
	if !ok || u.IsDeleted() {
		return nil, notFound("user", id)
	}
	return u, nil
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.liveUser(id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, u.view())
	return nil
}

type userPage struct {
	Data    []model.User `json:"data"`
	HasNext bool         `json:"has_next"`
	Next    string       `json:"next,omitempty"`
}

// listUsers serves the paginated listing when version=2 is given and the single-user
// lookup by external alias otherwise.
func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	if q.Get("version") != "2" {
		alias := q.Get("external_alias")
		if alias == "" {
			return badRequest("external_alias or version=2 required")
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		u, err := s.target(model.UserSelector{ExternalAlias: alias})
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, u.view())
		return nil
	}

	limit := defaultPageLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxPageLimit {
			return badRequest("limit must be in [1, %d]", maxPageLimit)
		}
		limit = n
	}
	var after uuid.UUID
	if v := q.Get("starting_after"); v != "" {
		id, err := uuid.FromString(strings.TrimPrefix(v, cursorPrefix))
		if !strings.HasPrefix(v, cursorPrefix) || err != nil {
			return badRequest("bad cursor %q", v)
		}
		after = id
	}
	email, alias := q.Get("email"), q.Get("external_alias")

	s.mu.Lock()
	defer s.mu.Unlock()

	page := userPage{Data: []model.User{}}
	for _, u := range s.liveUsers() {
		if after != uuid.Nil && bytes.Compare(u.ID.Bytes(), after.Bytes()) <= 0 {
			continue
		}
		if (email != "" && u.Profile.Email != email) || (alias != "" && u.ExternalAlias != alias) {
			continue
		}
		if len(page.Data) == limit {
			page.HasNext = true
			break
		}
		page.Data = append(page.Data, u.view())
	}
	// email lookups answer with a bare array and no cursor
	if email != "" {
		writeJSON(w, http.StatusOK, page.Data)
		return nil
	}
	if page.HasNext {
		page.Next = cursorPrefix + page.Data[len(page.Data)-1].ID.String()
	}
	writeJSON(w, http.StatusOK, page)
	return nil
}

func (s *Server) updateUser(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}
	var req updateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.liveUser(id)
	if err != nil {
		return err
	}
	if err := s.checkProfileExt(req.ProfileExt); err != nil {
		return err
	}
	u.Profile = req.Profile
	if len(req.ProfileExt) > 0 {
		if u.ProfileExt == nil {
			u.ProfileExt = make(map[string]string, len(req.ProfileExt))
		}
		maps.Copy(u.ProfileExt, req.ProfileExt)
	}
	u.Updated = s.now().UTC()
	writeJSON(w, http.StatusOK, u.view())
	return nil
}

// deleteUser soft-deletes; the record stays visible through User.
func (s *Server) deleteUser(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.liveUser(id)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	u.Deleted, u.Updated = now, now
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// User returns the raw record for id, including soft-deleted ones.
func (s *Server) User(id uuid.UUID) (model.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return model.User{}, false
	}
	return u.view(), true
}

// CheckPassword reports whether a live user named username exists and password matches its stored hash.
func (s *Server) CheckPassword(username, password string) bool {
	s.mu.Lock()
	var hash string
	for _, u := range s.liveUsers() {
		if u.username == username {
			hash = u.passwordHash
			break
		}
	}
	s.mu.Unlock()
	if hash == "" {
		return false
	}
	ok, err := crypto.VerifyPassword(password, hash)
	return err == nil && ok
}
