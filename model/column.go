package model

import (
	"encoding/json"
	"fmt"

	"github.com/gofrs/uuid/v5"
)

// ColumnType is the storage type of a column.
type ColumnType string

const (
	ColumnTypeInvalid   ColumnType = "invalid"
	ColumnTypeString    ColumnType = "string"
	ColumnTypeTimestamp ColumnType = "timestamp"
)

// Valid reports whether t is one of the known column types.
func (t ColumnType) Valid() bool {
	switch t {
	case ColumnTypeInvalid, ColumnTypeString, ColumnTypeTimestamp:
		return true
	}
	return false
}

// UnmarshalJSON rejects unknown type names.
func (t *ColumnType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if !ColumnType(s).Valid() {
		return fmt.Errorf("unknown column type %q", s)
	}
	*t = ColumnType(s)
	return nil
}

// Column is one typed field of the user schema. Names are unique within a store.
type Column struct {
	ID   uuid.UUID  `json:"id"`
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// Validate checks the stored form of a column.
func (c *Column) Validate() error {
	if err := requireID("column", "id", c.ID); err != nil {
		return err
	}
	if c.Name == "" {
		return invalidf("column", "empty name (%v)", c.ID)
	}
	if c.Type == "" {
		return invalidf("column", "empty type (%v)", c.ID)
	}
	return nil
}
