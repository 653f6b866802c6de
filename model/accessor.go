package model

import (
	"encoding/json"

	"github.com/gofrs/uuid/v5"
)

// UserSelectorConfig is a parameterized filter such as "{id} = ?" or
// "{external_alias} = ?". Positional values are bound at call time.
type UserSelectorConfig struct {
	WhereClause string `json:"where_clause"`
}

// Accessor is a named, purpose-scoped read capability: which columns, for which users,
// gated by which access policy and projected by which transformation policy.
type Accessor struct {
	ID                     uuid.UUID          `json:"id"`
	Name                   string             `json:"name"`
	Description            string             `json:"description"`
	ColumnIDs              []uuid.UUID        `json:"column_ids"`
	AccessPolicyID         uuid.UUID          `json:"access_policy_id"`
	TransformationPolicyID uuid.UUID          `json:"transformation_policy_id"`
	SelectorConfig         UserSelectorConfig `json:"selector_config"`
	Version                int                `json:"version"`
}

// Validate checks the stored form of an accessor.
func (a *Accessor) Validate() error {
	if err := requireID("accessor", "id", a.ID); err != nil {
		return err
	}
	if a.Name == "" {
		return invalidf("accessor", "empty name (%v)", a.ID)
	}
	if len(a.ColumnIDs) == 0 {
		return invalidf("accessor", "column_ids can't be empty (%v)", a.ID)
	}
	if err := requireID("accessor", "access_policy_id", a.AccessPolicyID); err != nil {
		return err
	}
	if err := requireID("accessor", "transformation_policy_id", a.TransformationPolicyID); err != nil {
		return err
	}
	return nil
}

// Mutator is the write-path dual of Accessor: the validation policy replaces the
// transformation policy.
type Mutator struct {
	ID                 uuid.UUID          `json:"id"`
	Name               string             `json:"name"`
	Description        string             `json:"description"`
	ColumnIDs          []uuid.UUID        `json:"column_ids"`
	AccessPolicyID     uuid.UUID          `json:"access_policy_id"`
	ValidationPolicyID uuid.UUID          `json:"validation_policy_id"`
	SelectorConfig     UserSelectorConfig `json:"selector_config"`
	Version            int                `json:"version"`
}

// Validate checks the stored form of a mutator.
func (m *Mutator) Validate() error {
	if err := requireID("mutator", "id", m.ID); err != nil {
		return err
	}
	if m.Name == "" {
		return invalidf("mutator", "empty name (%v)", m.ID)
	}
	if len(m.ColumnIDs) == 0 {
		return invalidf("mutator", "column_ids can't be empty (%v)", m.ID)
	}
	if err := requireID("mutator", "access_policy_id", m.AccessPolicyID); err != nil {
		return err
	}
	if err := requireID("mutator", "validation_policy_id", m.ValidationPolicyID); err != nil {
		return err
	}
	return nil
}

// UserSelector names a single target user by id or by external alias, never both.
type UserSelector struct {
	ID            uuid.UUID
	ExternalAlias string
}

// Validate checks that exactly one of ID and ExternalAlias is set.
func (s UserSelector) Validate() error {
	hasID, hasAlias := s.ID != uuid.Nil, s.ExternalAlias != ""
	if hasID == hasAlias {
		return invalidf("user selector", "exactly one of id and external_alias must be set")
	}
	return nil
}

type userSelectorJSON struct {
	ID            *uuid.UUID `json:"id,omitempty"`
	ExternalAlias string     `json:"external_alias,omitempty"`
}

// MarshalJSON omits the unset half of the selector.
func (s UserSelector) MarshalJSON() ([]byte, error) {
	var w userSelectorJSON
	if s.ID != uuid.Nil {
		id := s.ID
		w.ID = &id
	}
	w.ExternalAlias = s.ExternalAlias
	return json.Marshal(w)
}

// UnmarshalJSON accepts either half of the selector.
func (s *UserSelector) UnmarshalJSON(b []byte) error {
	var w userSelectorJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*s = UserSelector{ExternalAlias: w.ExternalAlias}
	if w.ID != nil {
		s.ID = *w.ID
	}
	return nil
}

// ClientContext is the per-call context an access policy is evaluated against,
// e.g. {"purpose": "support"}.
type ClientContext map[string]any
