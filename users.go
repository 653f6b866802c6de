package userstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/userstore/internal/errs"
	"github.com/and161185/userstore/model"
)

// The methods in this file operate on raw user records and bypass every accessor and
// mutator policy. Restrict them to operators.

const (
	usersPath = "/authn/users"

	// AuthnTypePassword marks users created with a username and password.
	AuthnTypePassword = "password"

	cursorPrefix = "id:"
)

type createUserRequest struct {
	Username      string            `json:"username,omitempty"`
	Password      string            `json:"password,omitempty"`
	AuthnType     string            `json:"authn_type,omitempty"`
	RequireMFA    bool              `json:"require_mfa"`
	Profile       model.UserProfile `json:"profile"`
	ProfileExt    map[string]string `json:"profile_ext,omitempty"`
	ExternalAlias string            `json:"external_alias,omitempty"`
}

type createUserResponse struct {
	ID uuid.UUID `json:"id"`
}

func (r *createUserResponse) Validate() error {
	if r.ID == uuid.Nil {
		return fmt.Errorf("create user: missing id")
	}
	return nil
}

type updateUserRequest struct {
	Profile    model.UserProfile `json:"profile"`
	ProfileExt map[string]string `json:"profile_ext"`
}

// CreateUser creates a user without credentials and returns its id. profileExt maps
// column ids to values; externalAlias may be empty.
func (c *Client) CreateUser(ctx context.Context, profile model.UserProfile, profileExt map[string]string, externalAlias string) (uuid.UUID, error) {
	return c.createUser(ctx, createUserRequest{
		Profile:       profile,
		ProfileExt:    profileExt,
		ExternalAlias: externalAlias,
	})
}

// CreateUserWithPassword creates a user who can log in with username and password.
func (c *Client) CreateUserWithPassword(ctx context.Context, username, password string, profile model.UserProfile, profileExt map[string]string) (uuid.UUID, error) {
	if username == "" || password == "" {
		return uuid.Nil, errs.Validationf("create user: empty username/password")
	}
	return c.createUser(ctx, createUserRequest{
		Username:   username,
		Password:   password,
		AuthnType:  AuthnTypePassword,
		RequireMFA: false,
		Profile:    profile,
		ProfileExt: profileExt,
	})
}

func (c *Client) createUser(ctx context.Context, req createUserRequest) (uuid.UUID, error) {
	c.adminCall("create user")
	var out createUserResponse
	if err := c.tc.Post(ctx, usersPath, req, &out); err != nil {
		return uuid.Nil, fmt.Errorf("create user: %w", err)
	}
	return out.ID, nil
}

// GetUser loads a raw user record by id.
func (c *Client) GetUser(ctx context.Context, id uuid.UUID) (*model.User, error) {
	c.adminCall("get user")
	var out model.User
	if err := c.tc.Get(ctx, usersPath+"/"+id.String(), nil, &out); err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &out, nil
}

// GetUserByExternalAlias loads a raw user record by its external alias.
func (c *Client) GetUserByExternalAlias(ctx context.Context, alias string) (*model.User, error) {
	if alias == "" {
		return nil, errs.Validationf("get user: empty external alias")
	}
	c.adminCall("get user by alias")
	var out model.User
	if err := c.tc.Get(ctx, usersPath, url.Values{"external_alias": {alias}}, &out); err != nil {
		return nil, fmt.Errorf("get user by alias: %w", err)
	}
	return &out, nil
}

// ListUsersOptions narrows ListUsers. Zero values mean "no constraint".
type ListUsersOptions struct {
	Limit         int
	StartingAfter uuid.UUID // cursor: UserPage.Next of the previous page
	Email         string
	ExternalAlias string
}

// UserPage is one page of ListUsers. Pages are ordered by id; passing Next as
// StartingAfter yields the following page with no overlap.
type UserPage struct {
	Users   []model.User
	HasNext bool
	Next    uuid.UUID
}

type userPageResponse struct {
	Data    list[model.User, *model.User] `json:"data"`
	HasNext bool                          `json:"has_next"`
	Next    string                        `json:"next"`
}

// UnmarshalJSON accepts the paged envelope and, for email lookups, a bare array of
// users which is read as a final page.
func (r *userPageResponse) UnmarshalJSON(b []byte) error {
	if b = bytes.TrimSpace(b); len(b) > 0 && b[0] == '[' {
		var users list[model.User, *model.User]
		if err := json.Unmarshal(b, &users); err != nil {
			return err
		}
		*r = userPageResponse{Data: users}
		return nil
	}
	type envelope userPageResponse
	return json.Unmarshal(b, (*envelope)(r))
}

func (r *userPageResponse) Validate() error {
	if r.Data == nil {
		return fmt.Errorf("list users: missing data")
	}
	return r.Data.Validate()
}

// ListUsers returns one page of raw user records.
func (c *Client) ListUsers(ctx context.Context, opts ListUsersOptions) (*UserPage, error) {
	if opts.Limit < 0 {
		return nil, errs.Validationf("list users: negative limit")
	}
	q := url.Values{"version": {"2"}}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.StartingAfter != uuid.Nil {
		q.Set("starting_after", cursorPrefix+opts.StartingAfter.String())
	}
	if opts.Email != "" {
		q.Set("email", opts.Email)
	}
	if opts.ExternalAlias != "" {
		q.Set("external_alias", opts.ExternalAlias)
	}

	c.adminCall("list users")
	var out userPageResponse
	if err := c.tc.Get(ctx, usersPath, q, &out); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	page := &UserPage{Users: out.Data, HasNext: out.HasNext}
	if out.Next != "" {
		next, err := uuid.FromString(strings.TrimPrefix(out.Next, cursorPrefix))
		if err != nil {
			return nil, &errs.Error{Kind: errs.ErrDecode, Message: "list users: bad cursor " + strconv.Quote(out.Next), Err: err}
		}
		page.Next = next
	}
	return page, nil
}

// UpdateUser replaces the profile of id and merges profileExt into its column values.
func (c *Client) UpdateUser(ctx context.Context, id uuid.UUID, profile model.UserProfile, profileExt map[string]string) (*model.User, error) {
	if id == uuid.Nil {
		return nil, errs.Validationf("update user: empty id")
	}
	c.adminCall("update user")
	var out model.User
	if err := c.tc.Put(ctx, usersPath+"/"+id.String(), updateUserRequest{Profile: profile, ProfileExt: profileExt}, &out); err != nil {
		return nil, fmt.Errorf("update user: %w", err)
	}
	return &out, nil
}

// DeleteUser soft-deletes a user.
func (c *Client) DeleteUser(ctx context.Context, id uuid.UUID) (bool, error) {
	c.adminCall("delete user")
	ok, err := c.tc.Delete(ctx, usersPath+"/"+id.String(), nil)
	if err != nil {
		return false, fmt.Errorf("delete user: %w", err)
	}
	return ok, nil
}

func (c *Client) adminCall(op string) {
	c.log.Debug("policy-bypassing admin call", zap.String("op", op))
}
