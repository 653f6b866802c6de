package userstore

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/userstore/internal/errs"
	"github.com/and161185/userstore/model"
)

const (
	accessPoliciesPath         = "/tokenizer/policies/access"
	transformationPoliciesPath = "/tokenizer/policies/generation"
	validationPoliciesPath     = "/tokenizer/policies/validation"
)

type accessPolicyEnvelope struct {
	AccessPolicy model.AccessPolicy `json:"access_policy"`
}

func (e *accessPolicyEnvelope) Validate() error { return e.AccessPolicy.Validate() }

type transformationPolicyEnvelope struct {
	TransformationPolicy model.TransformationPolicy `json:"generation_policy"`
}

func (e *transformationPolicyEnvelope) Validate() error { return e.TransformationPolicy.Validate() }

type validationPolicyEnvelope struct {
	ValidationPolicy model.ValidationPolicy `json:"validation_policy"`
}

func (e *validationPolicyEnvelope) Validate() error { return e.ValidationPolicy.Validate() }

type versionBody struct {
	Version int `json:"version"`
}

// --- Access policies ---

// CreateAccessPolicy stores a new access policy. The service assigns its id and version.
func (c *Client) CreateAccessPolicy(ctx context.Context, p model.AccessPolicy) (*model.AccessPolicy, error) {
	if p.Name == "" {
		return nil, errs.Validationf("access policy: empty name")
	}
	var out accessPolicyEnvelope
	if err := c.tc.Post(ctx, accessPoliciesPath, accessPolicyEnvelope{AccessPolicy: p}, &out); err != nil {
		return nil, fmt.Errorf("create access policy: %w", err)
	}
	return &out.AccessPolicy, nil
}

// GetAccessPolicy loads an access policy by id.
func (c *Client) GetAccessPolicy(ctx context.Context, id uuid.UUID) (*model.AccessPolicy, error) {
	var out accessPolicyEnvelope
	if err := c.tc.Get(ctx, accessPoliciesPath+"/"+id.String(), nil, &out); err != nil {
		return nil, fmt.Errorf("get access policy: %w", err)
	}
	return &out.AccessPolicy, nil
}

// ListAccessPolicies returns every access policy, including the built-in ones.
func (c *Client) ListAccessPolicies(ctx context.Context) ([]model.AccessPolicy, error) {
	var out list[model.AccessPolicy, *model.AccessPolicy]
	if err := c.tc.Get(ctx, accessPoliciesPath, nil, &out); err != nil {
		return nil, fmt.Errorf("list access policies: %w", err)
	}
	return out, nil
}

// UpdateAccessPolicy replaces the function and parameters of p.ID. p.Version must be the
// version the caller last read; a stale version fails with ErrConflict. The returned
// policy carries the incremented version.
func (c *Client) UpdateAccessPolicy(ctx context.Context, p model.AccessPolicy) (*model.AccessPolicy, error) {
	if p.ID == uuid.Nil {
		return nil, errs.Validationf("access policy: empty id")
	}
	var out accessPolicyEnvelope
	if err := c.tc.Put(ctx, accessPoliciesPath+"/"+p.ID.String(), accessPolicyEnvelope{AccessPolicy: p}, &out); err != nil {
		return nil, fmt.Errorf("update access policy: %w", err)
	}
	return &out.AccessPolicy, nil
}

// DeleteAccessPolicy deletes id only if its current version is still version.
func (c *Client) DeleteAccessPolicy(ctx context.Context, id uuid.UUID, version int) (bool, error) {
	ok, err := c.tc.Delete(ctx, accessPoliciesPath+"/"+id.String(), versionBody{Version: version})
	if err != nil {
		return false, fmt.Errorf("delete access policy: %w", err)
	}
	return ok, nil
}

// --- Transformation policies ---
// Transformation policies are immutable, so no update is offered.

// CreateTransformationPolicy stores a new transformation policy.
func (c *Client) CreateTransformationPolicy(ctx context.Context, p model.TransformationPolicy) (*model.TransformationPolicy, error) {
	if p.Name == "" {
		return nil, errs.Validationf("transformation policy: empty name")
	}
	var out transformationPolicyEnvelope
	if err := c.tc.Post(ctx, transformationPoliciesPath, transformationPolicyEnvelope{TransformationPolicy: p}, &out); err != nil {
		return nil, fmt.Errorf("create transformation policy: %w", err)
	}
	return &out.TransformationPolicy, nil
}

// GetTransformationPolicy loads a transformation policy by id.
func (c *Client) GetTransformationPolicy(ctx context.Context, id uuid.UUID) (*model.TransformationPolicy, error) {
	var out transformationPolicyEnvelope
	if err := c.tc.Get(ctx, transformationPoliciesPath+"/"+id.String(), nil, &out); err != nil {
		return nil, fmt.Errorf("get transformation policy: %w", err)
	}
	return &out.TransformationPolicy, nil
}

// ListTransformationPolicies returns every transformation policy.
func (c *Client) ListTransformationPolicies(ctx context.Context) ([]model.TransformationPolicy, error) {
	var out list[model.TransformationPolicy, *model.TransformationPolicy]
	if err := c.tc.Get(ctx, transformationPoliciesPath, nil, &out); err != nil {
		return nil, fmt.Errorf("list transformation policies: %w", err)
	}
	return out, nil
}

// DeleteTransformationPolicy removes a transformation policy.
func (c *Client) DeleteTransformationPolicy(ctx context.Context, id uuid.UUID) (bool, error) {
	ok, err := c.tc.Delete(ctx, transformationPoliciesPath+"/"+id.String(), nil)
	if err != nil {
		return false, fmt.Errorf("delete transformation policy: %w", err)
	}
	return ok, nil
}

// --- Validation policies ---
// Immutable as well.

// CreateValidationPolicy stores a new validation policy.
func (c *Client) CreateValidationPolicy(ctx context.Context, p model.ValidationPolicy) (*model.ValidationPolicy, error) {
	if p.Name == "" {
		return nil, errs.Validationf("validation policy: empty name")
	}
	var out validationPolicyEnvelope
	if err := c.tc.Post(ctx, validationPoliciesPath, validationPolicyEnvelope{ValidationPolicy: p}, &out); err != nil {
		return nil, fmt.Errorf("create validation policy: %w", err)
	}
	return &out.ValidationPolicy, nil
}

// GetValidationPolicy loads a validation policy by id.
func (c *Client) GetValidationPolicy(ctx context.Context, id uuid.UUID) (*model.ValidationPolicy, error) {
	var out validationPolicyEnvelope
	if err := c.tc.Get(ctx, validationPoliciesPath+"/"+id.String(), nil, &out); err != nil {
		return nil, fmt.Errorf("get validation policy: %w", err)
	}
	return &out.ValidationPolicy, nil
}

// ListValidationPolicies returns every validation policy.
func (c *Client) ListValidationPolicies(ctx context.Context) ([]model.ValidationPolicy, error) {
	var out list[model.ValidationPolicy, *model.ValidationPolicy]
	if err := c.tc.Get(ctx, validationPoliciesPath, nil, &out); err != nil {
		return nil, fmt.Errorf("list validation policies: %w", err)
	}
	return out, nil
}

// DeleteValidationPolicy removes a validation policy.
func (c *Client) DeleteValidationPolicy(ctx context.Context, id uuid.UUID) (bool, error) {
	ok, err := c.tc.Delete(ctx, validationPoliciesPath+"/"+id.String(), nil)
	if err != nil {
		return false, fmt.Errorf("delete validation policy: %w", err)
	}
	return ok, nil
}
