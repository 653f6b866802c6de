package userstore

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/userstore/internal/errs"
	"github.com/and161185/userstore/model"
)

const mutatorsPath = "/userstore/config/mutators"

type mutatorEnvelope struct {
	Mutator model.Mutator `json:"mutator"`
}

func (e *mutatorEnvelope) Validate() error { return e.Mutator.Validate() }

// CreateMutator stores a write capability composed of columns, an access policy, a
// validation policy and a selector.
func (c *Client) CreateMutator(ctx context.Context, m model.Mutator) (*model.Mutator, error) {
	if err := checkComposition("mutator", "validation", m.Name, m.ColumnIDs, m.AccessPolicyID, m.ValidationPolicyID); err != nil {
		return nil, err
	}
	var out mutatorEnvelope
	if err := c.tc.Post(ctx, mutatorsPath, mutatorEnvelope{Mutator: m}, &out); err != nil {
		return nil, fmt.Errorf("create mutator: %w", err)
	}
	return &out.Mutator, nil
}

// GetMutator loads a mutator by id.
func (c *Client) GetMutator(ctx context.Context, id uuid.UUID) (*model.Mutator, error) {
	var out mutatorEnvelope
	if err := c.tc.Get(ctx, mutatorsPath+"/"+id.String(), nil, &out); err != nil {
		return nil, fmt.Errorf("get mutator: %w", err)
	}
	return &out.Mutator, nil
}

// ListMutators returns every mutator.
func (c *Client) ListMutators(ctx context.Context) ([]model.Mutator, error) {
	var out list[model.Mutator, *model.Mutator]
	if err := c.tc.Get(ctx, mutatorsPath, nil, &out); err != nil {
		return nil, fmt.Errorf("list mutators: %w", err)
	}
	return out, nil
}

// UpdateMutator repoints a mutator. m.Version must be current.
func (c *Client) UpdateMutator(ctx context.Context, m model.Mutator) (*model.Mutator, error) {
	if m.ID == uuid.Nil {
		return nil, errs.Validationf("mutator: empty id")
	}
	if err := checkComposition("mutator", "validation", m.Name, m.ColumnIDs, m.AccessPolicyID, m.ValidationPolicyID); err != nil {
		return nil, err
	}
	var out mutatorEnvelope
	if err := c.tc.Put(ctx, mutatorsPath+"/"+m.ID.String(), mutatorEnvelope{Mutator: m}, &out); err != nil {
		return nil, fmt.Errorf("update mutator: %w", err)
	}
	return &out.Mutator, nil
}

// DeleteMutator removes a mutator.
func (c *Client) DeleteMutator(ctx context.Context, id uuid.UUID) (bool, error) {
	ok, err := c.tc.Delete(ctx, mutatorsPath+"/"+id.String(), nil)
	if err != nil {
		return false, fmt.Errorf("delete mutator: %w", err)
	}
	return ok, nil
}
