package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/userstore"
	"github.com/and161185/userstore/model"
)

const (
	purposeAccessFunction = "function policy(context, params) {return context.purpose in params.purpose;}"

	purposeTransformFunction = `function policy(data, params) {
    if (params.purpose == "security") {
        return data;
    } else if (params.purpose == "support") {
        phone = /^(\d{3})-(\d{3})-(\d{4})$/.exec(data[0]);
        if (phone) {
            return ["XXX-XXX-"+phone[3], "<home address hidden>"];
        } else {
            return ["<invalid phone number>", "<home address hidden>"];
        }
    }
}`

	sampleEmail = "me@example.org"
	sampleAlias = "userstore_sample_user"
)

// ensure creates an entity and falls back to loading the existing one on a name conflict,
// so the scenario can be rerun against the same store.
func ensure[T any](create func() (*T, error), get func(uuid.UUID) (*T, error)) (*T, error) {
	v, err := create()
	if id, ok := userstore.ExistingID(err); ok {
		return get(id)
	}
	return v, err
}

type scenario struct {
	c   *userstore.Client
	log *zap.Logger
	out io.Writer
}

// setupColumns creates the sample columns concurrently and returns their ids in order.
func (s *scenario) setupColumns(ctx context.Context, names ...string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			col, err := ensure(
				func() (*model.Column, error) {
					return s.c.CreateColumn(gctx, model.Column{Name: name, Type: model.ColumnTypeString})
				},
				func(id uuid.UUID) (*model.Column, error) { return s.c.GetColumn(gctx, id) },
			)
			if err != nil {
				return err
			}
			ids[i] = col.ID
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *scenario) accessor(ctx context.Context, name string, cols []uuid.UUID, apID, tpID uuid.UUID) (*model.Accessor, error) {
	return ensure(
		func() (*model.Accessor, error) {
			return s.c.CreateAccessor(ctx, model.Accessor{
				ID:                     uuid.Must(uuid.NewV4()),
				Name:                   name,
				ColumnIDs:              cols,
				AccessPolicyID:         apID,
				TransformationPolicyID: tpID,
			})
		},
		func(id uuid.UUID) (*model.Accessor, error) { return s.c.GetAccessor(ctx, id) },
	)
}

func (s *scenario) transformation(ctx context.Context, name, params string) (*model.TransformationPolicy, error) {
	return ensure(
		func() (*model.TransformationPolicy, error) {
			return s.c.CreateTransformationPolicy(ctx, model.TransformationPolicy{Name: name, Function: purposeTransformFunction, Parameters: params})
		},
		func(id uuid.UUID) (*model.TransformationPolicy, error) { return s.c.GetTransformationPolicy(ctx, id) },
	)
}

func (s *scenario) show(ctx context.Context, label string, accessorID uuid.UUID, purpose string, user model.UserSelector) error {
	v, err := s.c.ExecuteAccessorForUser(ctx, accessorID, model.ClientContext{"purpose": purpose}, user)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(s.out, "%s context: %s details are %s\n", purpose, label, v)
	return err
}

// run walks the sample flow: schema and policies, two users read in security and support
// contexts, a mutator write, a denied read, and cleanup.
func (s *scenario) run(ctx context.Context) error {
	cols, err := s.setupColumns(ctx, "Phone Number", "Home Address")
	if err != nil {
		return fmt.Errorf("columns: %w", err)
	}
	phone, address := cols[0], cols[1]

	ap, err := ensure(
		func() (*model.AccessPolicy, error) {
			return s.c.CreateAccessPolicy(ctx, model.AccessPolicy{
				Name:       "PII Access For Security and Support",
				Function:   purposeAccessFunction,
				Parameters: `{"purpose": {"security": true, "support": true}}`,
			})
		},
		func(id uuid.UUID) (*model.AccessPolicy, error) { return s.c.GetAccessPolicy(ctx, id) },
	)
	if err != nil {
		return fmt.Errorf("access policy: %w", err)
	}

	tpSupport, err := s.transformation(ctx, "PII Transformation For Support", `{"purpose": "support"}`)
	if err != nil {
		return fmt.Errorf("support transformation: %w", err)
	}
	tpSecurity, err := s.transformation(ctx, "PII Transformation For Security", `{"purpose": "security"}`)
	if err != nil {
		return fmt.Errorf("security transformation: %w", err)
	}

	support, err := s.accessor(ctx, "PIIAccessorForSupport", cols, ap.ID, tpSupport.ID)
	if err != nil {
		return fmt.Errorf("support accessor: %w", err)
	}
	security, err := s.accessor(ctx, "PIIAccessorForSecurity", cols, ap.ID, tpSecurity.ID)
	if err != nil {
		return fmt.Errorf("security accessor: %w", err)
	}

	mut, err := ensure(
		func() (*model.Mutator, error) {
			return s.c.CreateMutator(ctx, model.Mutator{
				Name:               "PIIPhoneMutator",
				ColumnIDs:          []uuid.UUID{phone},
				AccessPolicyID:     ap.ID,
				ValidationPolicyID: model.ValidationPolicyPassThroughID,
				SelectorConfig:     model.UserSelectorConfig{WhereClause: "{external_alias} = ?"},
			})
		},
		func(id uuid.UUID) (*model.Mutator, error) { return s.c.GetMutator(ctx, id) },
	)
	if err != nil {
		return fmt.Errorf("mutator: %w", err)
	}

	// leftovers from a previous run
	page, err := s.c.ListUsers(ctx, userstore.ListUsersOptions{Email: sampleEmail})
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	for _, u := range page.Users {
		if _, err := s.c.DeleteUser(ctx, u.ID); err != nil {
			return err
		}
	}
	if u, err := s.c.GetUserByExternalAlias(ctx, sampleAlias); err == nil {
		if _, err := s.c.DeleteUser(ctx, u.ID); err != nil {
			return err
		}
	} else if !errors.Is(err, userstore.ErrNotFound) {
		return err
	}

	profile := model.UserProfile{Email: sampleEmail, EmailVerified: true, Name: "name", Nickname: "nickname"}
	uid, err := s.c.CreateUserWithPassword(ctx, "testuser", "testpassword", profile, map[string]string{
		phone.String():   "123-456-7890",
		address.String(): "123 Evergreen Terrace",
	})
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	if _, err := s.c.UpdateUser(ctx, uid, profile, map[string]string{phone.String(): "555-555-5555"}); err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	byID := model.UserSelector{ID: uid}
	if err := s.show(ctx, "user's", security.ID, "security", byID); err != nil {
		return err
	}
	if err := s.show(ctx, "user's", support.ID, "support", byID); err != nil {
		return err
	}

	profile.Email = "me2@example.org"
	if _, err := s.c.CreateUser(ctx, profile, map[string]string{
		phone.String():   "not-a-phone-number",
		address.String(): "41 Home Street",
	}, sampleAlias); err != nil {
		return fmt.Errorf("create user2: %w", err)
	}
	byAlias := model.UserSelector{ExternalAlias: sampleAlias}
	if err := s.show(ctx, "user2's", security.ID, "security", byAlias); err != nil {
		return err
	}
	if err := s.show(ctx, "user2's", support.ID, "support", byAlias); err != nil {
		return err
	}

	if _, err := s.c.ExecuteMutator(ctx, mut.ID, model.ClientContext{"purpose": "support"},
		[]any{sampleAlias}, map[uuid.UUID]string{phone: "123-456-7890"}); err != nil {
		return fmt.Errorf("execute mutator: %w", err)
	}
	if err := s.show(ctx, "user2's corrected", support.ID, "support", byAlias); err != nil {
		return err
	}

	_, err = s.c.ExecuteAccessorForUser(ctx, support.ID, model.ClientContext{"purpose": "marketing"}, byAlias)
	if !errors.Is(err, userstore.ErrForbidden) {
		return fmt.Errorf("marketing read: want forbidden, got %v", err)
	}
	fmt.Fprintln(s.out, "marketing context: access denied")

	s.cleanup(ctx, ap, []uuid.UUID{support.ID, security.ID}, mut.ID, []uuid.UUID{tpSupport.ID, tpSecurity.ID})
	return nil
}

// cleanup removes what the scenario configured. Columns are kept.
func (s *scenario) cleanup(ctx context.Context, ap *model.AccessPolicy, accessors []uuid.UUID, mutator uuid.UUID, tps []uuid.UUID) {
	for _, id := range accessors {
		if _, err := s.c.DeleteAccessor(ctx, id); err != nil {
			s.log.Warn("cleanup accessor", zap.Stringer("id", id), zap.Error(err))
		}
	}
	if _, err := s.c.DeleteMutator(ctx, mutator); err != nil {
		s.log.Warn("cleanup mutator", zap.Stringer("id", mutator), zap.Error(err))
	}
	for _, id := range tps {
		if _, err := s.c.DeleteTransformationPolicy(ctx, id); err != nil {
			s.log.Warn("cleanup transformation policy", zap.Stringer("id", id), zap.Error(err))
		}
	}
	if _, err := s.c.DeleteAccessPolicy(ctx, ap.ID, ap.Version); err != nil {
		s.log.Warn("cleanup access policy", zap.Stringer("id", ap.ID), zap.Error(err))
	}
}
