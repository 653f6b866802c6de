package userstore

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/userstore/internal/errs"
	"github.com/and161185/userstore/model"
)

const (
	executeAccessorPath = "/userstore/api/accessors"
	executeMutatorPath  = "/userstore/api/mutators"
)

type executeAccessorRequest struct {
	AccessorID     uuid.UUID           `json:"accessor_id"`
	Context        model.ClientContext `json:"context"`
	SelectorValues []any               `json:"selector_values,omitempty"`
	User           *model.UserSelector `json:"user,omitempty"`
}

type executeAccessorResponse struct {
	Data []string `json:"data"`
}

func (r *executeAccessorResponse) Validate() error {
	if r.Data == nil {
		return fmt.Errorf("execute accessor: missing data")
	}
	return nil
}

// userAccessorResponse accepts both the single-user shape {"value": v} and the
// selector shape {"data": [v]}.
type userAccessorResponse struct {
	Value *string  `json:"value"`
	Data  []string `json:"data"`
}

func (r *userAccessorResponse) Validate() error {
	if r.Value == nil && r.Data == nil {
		return fmt.Errorf("execute accessor: missing value")
	}
	return nil
}

type executeMutatorRequest struct {
	MutatorID      uuid.UUID            `json:"mutator_id"`
	Context        model.ClientContext  `json:"context"`
	SelectorValues []any                `json:"selector_values"`
	RowData        map[uuid.UUID]string `json:"row_data"`
}

type executeMutatorResponse struct {
	UserIDs []uuid.UUID `json:"user_ids"`
}

func (r *executeMutatorResponse) Validate() error {
	if r.UserIDs == nil {
		return fmt.Errorf("execute mutator: missing user_ids")
	}
	return nil
}

// ExecuteAccessor reads user data through an accessor.
//
// selectorValues are bound positionally into the accessor's selector where clause. The
// service evaluates the access policy against clientContext and fails the whole call with
// ErrForbidden when it denies; otherwise the transformation policy is applied to each
// selected user's columns. The result holds one projected value per selected user, in
// selector order.
func (c *Client) ExecuteAccessor(ctx context.Context, accessorID uuid.UUID, clientContext model.ClientContext, selectorValues ...any) ([]string, error) {
	if accessorID == uuid.Nil {
		return nil, errs.Validationf("execute accessor: empty accessor id")
	}
	return c.executeAccessor(ctx, executeAccessorRequest{
		AccessorID:     accessorID,
		Context:        orEmpty(clientContext),
		SelectorValues: selectorValues,
	})
}

// ExecuteAccessorForUser reads one user's data through an accessor, naming the user
// directly instead of binding a selector expression.
func (c *Client) ExecuteAccessorForUser(ctx context.Context, accessorID uuid.UUID, clientContext model.ClientContext, user model.UserSelector) (string, error) {
	if accessorID == uuid.Nil {
		return "", errs.Validationf("execute accessor: empty accessor id")
	}
	if err := user.Validate(); err != nil {
		return "", errs.Validationf("execute accessor: %v", err)
	}
	req := executeAccessorRequest{
		AccessorID: accessorID,
		Context:    orEmpty(clientContext),
		User:       &user,
	}
	var out userAccessorResponse
	if err := c.tc.Post(ctx, executeAccessorPath, req, &out); err != nil {
		return "", fmt.Errorf("execute accessor %s: %w", accessorID, err)
	}
	if out.Value != nil {
		return *out.Value, nil
	}
	if len(out.Data) != 1 {
		return "", &errs.Error{Kind: errs.ErrDecode, Message: fmt.Sprintf("execute accessor: want 1 value, got %d", len(out.Data))}
	}
	return out.Data[0], nil
}

func (c *Client) executeAccessor(ctx context.Context, req executeAccessorRequest) ([]string, error) {
	var out executeAccessorResponse
	if err := c.tc.Post(ctx, executeAccessorPath, req, &out); err != nil {
		return nil, fmt.Errorf("execute accessor %s: %w", req.AccessorID, err)
	}
	c.log.Debug("accessor executed", zap.Stringer("accessor_id", req.AccessorID), zap.Int("values", len(out.Data)))
	return out.Data, nil
}

// ExecuteMutator writes rowData (column id -> value) to every user selected by binding
// selectorValues into the mutator's selector.
//
// The access policy gates the call as in ExecuteAccessor. Every value is then checked
// against the mutator's validation policy; a single rejected value fails the whole call
// with ErrBadRequest and nothing is written. On success all columns are committed
// together per user and the ids of the updated users are returned.
func (c *Client) ExecuteMutator(ctx context.Context, mutatorID uuid.UUID, clientContext model.ClientContext, selectorValues []any, rowData map[uuid.UUID]string) ([]uuid.UUID, error) {
	if mutatorID == uuid.Nil {
		return nil, errs.Validationf("execute mutator: empty mutator id")
	}
	if len(rowData) == 0 {
		return nil, errs.Validationf("execute mutator: empty row data")
	}
	req := executeMutatorRequest{
		MutatorID:      mutatorID,
		Context:        orEmpty(clientContext),
		SelectorValues: selectorValues,
		RowData:        rowData,
	}
	if req.SelectorValues == nil {
		req.SelectorValues = []any{}
	}
	var out executeMutatorResponse
	if err := c.tc.Post(ctx, executeMutatorPath, req, &out); err != nil {
		return nil, fmt.Errorf("execute mutator %s: %w", mutatorID, err)
	}
	c.log.Debug("mutator executed", zap.Stringer("mutator_id", mutatorID), zap.Int("users", len(out.UserIDs)))
	return out.UserIDs, nil
}

func orEmpty(cc model.ClientContext) model.ClientContext {
	if cc == nil {
		return model.ClientContext{}
	}
	return cc
}
