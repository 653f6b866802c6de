// Package model defines the userstore entities exchanged with the service.
//
// Entities are plain values; the service owns the records and the client only holds
// disposable copies. Identifiers use the canonical lowercase-hyphenated UUID form and
// timestamps are encoded as RFC 3339.
package model

import (
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
)

// Well-known policies provisioned by every store.
var (
	// AccessPolicyOpenID admits every caller.
	AccessPolicyOpenID = uuid.Must(uuid.FromString("1bf2b775-e521-41d3-8b7e-78e89427e6fe"))
	// TransformationPolicyPassThroughID returns column values unchanged.
	TransformationPolicyPassThroughID = uuid.Must(uuid.FromString("c0b5b2a1-0b1f-4b9f-8b1a-1b1f4b9f8b1a"))
	// ValidationPolicyPassThroughID accepts every candidate value.
	ValidationPolicyPassThroughID = uuid.Must(uuid.FromString("c0b5b2a1-0b1f-4b9f-8b1a-1b1f4b9f8b1a"))
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid entity")

func invalidf(entity, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalid, entity, fmt.Sprintf(format, args...))
}

func requireID(entity, field string, id uuid.UUID) error {
	if id == uuid.Nil {
		return invalidf(entity, "missing %s", field)
	}
	return nil
}
