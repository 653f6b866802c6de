package userstore

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/userstore/internal/errs"
	"github.com/and161185/userstore/model"
)

const columnsPath = "/userstore/config/columns"

type columnEnvelope struct {
	Column model.Column `json:"column"`
}

func (e *columnEnvelope) Validate() error { return e.Column.Validate() }

// CreateColumn adds a column to the schema. A duplicate name fails with ErrConflict and
// the existing column's id is available through ExistingID.
func (c *Client) CreateColumn(ctx context.Context, col model.Column) (*model.Column, error) {
	if col.Name == "" {
		return nil, errs.Validationf("column: empty name")
	}
	if !col.Type.Valid() || col.Type == model.ColumnTypeInvalid {
		return nil, errs.Validationf("column %q: unusable type %q", col.Name, col.Type)
	}
	var out columnEnvelope
	if err := c.tc.Post(ctx, columnsPath, columnEnvelope{Column: col}, &out); err != nil {
		return nil, fmt.Errorf("create column: %w", err)
	}
	return &out.Column, nil
}

// GetColumn loads a column by id.
func (c *Client) GetColumn(ctx context.Context, id uuid.UUID) (*model.Column, error) {
	var out columnEnvelope
	if err := c.tc.Get(ctx, columnsPath+"/"+id.String(), nil, &out); err != nil {
		return nil, fmt.Errorf("get column: %w", err)
	}
	return &out.Column, nil
}

// ListColumns returns every column of the store.
func (c *Client) ListColumns(ctx context.Context) ([]model.Column, error) {
	var out list[model.Column, *model.Column]
	if err := c.tc.Get(ctx, columnsPath, nil, &out); err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	return out, nil
}

// UpdateColumn renames or retypes an existing column.
func (c *Client) UpdateColumn(ctx context.Context, col model.Column) (*model.Column, error) {
	if col.ID == uuid.Nil {
		return nil, errs.Validationf("column: empty id")
	}
	var out columnEnvelope
	if err := c.tc.Put(ctx, columnsPath+"/"+col.ID.String(), columnEnvelope{Column: col}, &out); err != nil {
		return nil, fmt.Errorf("update column: %w", err)
	}
	return &out.Column, nil
}

// DeleteColumn removes a column. It reports true when the service confirmed deletion.
func (c *Client) DeleteColumn(ctx context.Context, id uuid.UUID) (bool, error) {
	ok, err := c.tc.Delete(ctx, columnsPath+"/"+id.String(), nil)
	if err != nil {
		return false, fmt.Errorf("delete column: %w", err)
	}
	return ok, nil
}
