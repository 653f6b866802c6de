package userstore

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/userstore/internal/errs"
	"github.com/and161185/userstore/model"
)

const accessorsPath = "/userstore/config/accessors"

type accessorEnvelope struct {
	Accessor model.Accessor `json:"accessor"`
}

func (e *accessorEnvelope) Validate() error { return e.Accessor.Validate() }

// checkComposition rejects accessors and mutators that could never be stored.
// Whether the referenced columns and policies exist is decided by the service.
func checkComposition(kind, dataKind, name string, columnIDs []uuid.UUID, accessPolicyID, dataPolicyID uuid.UUID) error {
	switch {
	case name == "":
		return errs.Validationf("%s: empty name", kind)
	case len(columnIDs) == 0:
		return errs.Validationf("%s %q: no columns", kind, name)
	case accessPolicyID == uuid.Nil:
		return errs.Validationf("%s %q: empty access policy id", kind, name)
	case dataPolicyID == uuid.Nil:
		return errs.Validationf("%s %q: empty %s policy id", kind, name, dataKind)
	}
	for i, id := range columnIDs {
		if id == uuid.Nil {
			return errs.Validationf("%s %q: column[%d] empty id", kind, name, i)
		}
	}
	return nil
}

// CreateAccessor stores a read capability composed of columns, an access policy, a
// transformation policy and a selector.
func (c *Client) CreateAccessor(ctx context.Context, a model.Accessor) (*model.Accessor, error) {
	if err := checkComposition("accessor", "transformation", a.Name, a.ColumnIDs, a.AccessPolicyID, a.TransformationPolicyID); err != nil {
		return nil, err
	}
	var out accessorEnvelope
	if err := c.tc.Post(ctx, accessorsPath, accessorEnvelope{Accessor: a}, &out); err != nil {
		return nil, fmt.Errorf("create accessor: %w", err)
	}
	return &out.Accessor, nil
}

// GetAccessor loads an accessor by id.
func (c *Client) GetAccessor(ctx context.Context, id uuid.UUID) (*model.Accessor, error) {
	var out accessorEnvelope
	if err := c.tc.Get(ctx, accessorsPath+"/"+id.String(), nil, &out); err != nil {
		return nil, fmt.Errorf("get accessor: %w", err)
	}
	return &out.Accessor, nil
}

// ListAccessors returns every accessor.
func (c *Client) ListAccessors(ctx context.Context) ([]model.Accessor, error) {
	var out list[model.Accessor, *model.Accessor]
	if err := c.tc.Get(ctx, accessorsPath, nil, &out); err != nil {
		return nil, fmt.Errorf("list accessors: %w", err)
	}
	return out, nil
}

// UpdateAccessor repoints an accessor. a.Version must be current.
func (c *Client) UpdateAccessor(ctx context.Context, a model.Accessor) (*model.Accessor, error) {
	if a.ID == uuid.Nil {
		return nil, errs.Validationf("accessor: empty id")
	}
	if err := checkComposition("accessor", "transformation", a.Name, a.ColumnIDs, a.AccessPolicyID, a.TransformationPolicyID); err != nil {
		return nil, err
	}
	var out accessorEnvelope
	if err := c.tc.Put(ctx, accessorsPath+"/"+a.ID.String(), accessorEnvelope{Accessor: a}, &out); err != nil {
		return nil, fmt.Errorf("update accessor: %w", err)
	}
	return &out.Accessor, nil
}

// DeleteAccessor removes an accessor.
func (c *Client) DeleteAccessor(ctx context.Context, id uuid.UUID) (bool, error) {
	ok, err := c.tc.Delete(ctx, accessorsPath+"/"+id.String(), nil)
	if err != nil {
		return false, fmt.Errorf("delete accessor: %w", err)
	}
	return ok, nil
}
