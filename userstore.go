// Package userstore is a client for the userstore data-governance service.
//
// A store is configured once with Columns and Policies, which are composed into
// Accessors (read) and Mutators (write). ExecuteAccessor and ExecuteMutator then read and
// write user data with a per-call context: the access policy decides whether the call may
// proceed at all, and the transformation or validation policy shapes or checks the data.
// Policy functions are opaque to the client and evaluated by the service.
//
// The user administration methods (CreateUser, ListUsers, ...) bypass accessor and mutator
// policies entirely and are meant for operators.
//
// A Client is safe for concurrent use. Its only mutable state is the cached access token.
package userstore

import (
	"context"
	"net/http"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/userstore/internal/auth"
	"github.com/and161185/userstore/internal/errs"
	"github.com/and161185/userstore/internal/transport"
)

// Error is the structured error returned by every failed call.
type Error = errs.Error

// Error kinds. Use errors.Is to test a returned error against them.
var (
	ErrBadRequest   = errs.ErrBadRequest
	ErrUnauthorized = errs.ErrUnauthorized
	ErrForbidden    = errs.ErrForbidden
	ErrNotFound     = errs.ErrNotFound
	ErrConflict     = errs.ErrConflict
	ErrServer       = errs.ErrServer
	ErrDecode       = errs.ErrDecode
	ErrTransport    = errs.ErrTransport
	ErrValidation   = errs.ErrValidation
)

// ExistingID returns the id of the entity a Create collided with. Callers recover from
// duplicate-name conflicts with it instead of treating them as failures:
//
//	col, err := c.CreateColumn(ctx, model.Column{Name: "Phone Number", Type: model.ColumnTypeString})
//	if id, ok := userstore.ExistingID(err); ok {
//		// column already exists; use id
//	}
func ExistingID(err error) (uuid.UUID, bool) { return errs.ExistingID(err) }

// Client talks to one userstore tenant.
type Client struct {
	tc  *transport.Client
	log *zap.Logger
}

type options struct {
	http    *http.Client
	log     *zap.Logger
	timeout time.Duration
	leeway  time.Duration
}

// Option configures New.
type Option func(*options)

// WithHTTPClient sets the HTTP client used for every request, including token requests.
func WithHTTPClient(hc *http.Client) Option { return func(o *options) { o.http = hc } }

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.log = l } }

// WithTimeout bounds every HTTP exchange.
func WithTimeout(d time.Duration) Option { return func(o *options) { o.timeout = d } }

// WithTokenLeeway refreshes the access token this long before it expires.
func WithTokenLeeway(d time.Duration) Option { return func(o *options) { o.leeway = d } }

// New authenticates with the client-credentials flow and returns a ready Client.
func New(ctx context.Context, baseURL, clientID, clientSecret string, opts ...Option) (*Client, error) {
	o := options{log: zap.NewNop(), leeway: auth.DefaultLeeway}
	for _, fn := range opts {
		fn(&o)
	}
	if baseURL == "" {
		return nil, errs.Validationf("empty base url")
	}

	hc := o.http
	if hc == nil {
		hc = &http.Client{}
	}
	if o.timeout > 0 {
		cp := *hc
		cp.Timeout = o.timeout
		hc = &cp
	}

	tokens, err := auth.NewTokenManager(ctx, baseURL, clientID, clientSecret, hc, o.log, auth.WithLeeway(o.leeway))
	if err != nil {
		return nil, err
	}
	return &Client{
		tc:  transport.New(baseURL, hc, tokens, o.log),
		log: o.log,
	}, nil
}

// list decodes a bare JSON array of entities and validates each element.
type list[T any, PT interface {
	*T
	Validate() error
}] []T

func (l list[T, PT]) Validate() error {
	for i := range l {
		if err := PT(&l[i]).Validate(); err != nil {
			return err
		}
	}
	return nil
}
