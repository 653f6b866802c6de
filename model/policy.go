package model

import "github.com/gofrs/uuid/v5"

// AccessPolicy gates an operation. Function is policy source evaluated by the service
// against (context, parameters) and returning a boolean; Parameters is an opaque JSON
// document specific to that function.
type AccessPolicy struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	Function   string    `json:"function"`
	Parameters string    `json:"parameters"`
	// Version is incremented by the service on every update and must be echoed back on
	// update and delete.
	Version int `json:"version"`
}

// Validate checks the stored form of an access policy.
func (p *AccessPolicy) Validate() error {
	if err := requireID("access policy", "id", p.ID); err != nil {
		return err
	}
	if p.Name == "" {
		return invalidf("access policy", "empty name (%v)", p.ID)
	}
	if p.Version < 0 {
		return invalidf("access policy", "negative version (%v)", p.ID)
	}
	return nil
}

// TransformationPolicy shapes raw column values into the projection returned to a caller.
// It is immutable: changing behavior means creating a new policy and repointing accessors.
type TransformationPolicy struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	Function   string    `json:"function"`
	Parameters string    `json:"parameters"`
}

// Validate checks the stored form of a transformation policy.
func (p *TransformationPolicy) Validate() error {
	if err := requireID("transformation policy", "id", p.ID); err != nil {
		return err
	}
	if p.Name == "" {
		return invalidf("transformation policy", "empty name (%v)", p.ID)
	}
	return nil
}

// ValidationPolicy accepts or rejects a candidate value before a mutator commits it.
// Immutable, like TransformationPolicy.
type ValidationPolicy struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	Function   string    `json:"function"`
	Parameters string    `json:"parameters"`
}

// Validate checks the stored form of a validation policy.
func (p *ValidationPolicy) Validate() error {
	if err := requireID("validation policy", "id", p.ID); err != nil {
		return err
	}
	if p.Name == "" {
		return invalidf("validation policy", "empty name (%v)", p.ID)
	}
	return nil
}
