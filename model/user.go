package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// UserProfile is the fixed-shape identity part of a user record.
type UserProfile struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Nickname      string `json:"nickname"`
	Picture       string `json:"picture"`
}

// User is a raw user record as seen through the admin API.
type User struct {
	ID            uuid.UUID   `json:"id"`
	Created       time.Time   `json:"created"`
	Updated       time.Time   `json:"updated"`
	Deleted       time.Time   `json:"deleted"` // zero while the user is live
	UserID        uuid.UUID   `json:"user_id"`
	ExternalAlias string      `json:"external_alias,omitempty"`
	RequireMFA    bool        `json:"require_mfa"`
	Profile       UserProfile `json:"profile"`
	// ProfileExt maps column ids (string form) to values for store-defined columns.
	ProfileExt map[string]string `json:"profile_ext,omitempty"`
	Authns     []string          `json:"authns,omitempty"`
}

// IsDeleted reports whether the record was soft-deleted.
func (u *User) IsDeleted() bool { return !u.Deleted.IsZero() }

// Validate checks the stored form of a user.
func (u *User) Validate() error {
	if err := requireID("user", "id", u.ID); err != nil {
		return err
	}
	if u.Created.IsZero() {
		return invalidf("user", "missing created (%v)", u.ID)
	}
	return nil
}
