// Package userstoretest runs an in-memory userstore service over HTTP.
//
// It speaks the same wire protocol as the hosted service: client-credentials tokens,
// config CRUD with name uniqueness and optimistic versions, accessor and mutator
// execution, and the raw user admin API. Policy functions are opaque source strings to
// clients; here each one is backed by a Go evaluator registered under that exact source.
package userstoretest

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/userstore/internal/crypto"
	"github.com/and161185/userstore/model"
)

// Default client credentials accepted by the token endpoint.
const (
	DefaultClientID     = "userstoretest-client"
	DefaultClientSecret = "userstoretest-secret"
	DefaultTokenTTL     = time.Hour
)

// Server is an in-memory userstore. It is safe for concurrent use.
type Server struct {
	// URL is the base URL of the running server.
	URL string

	clientID     string
	clientSecret string
	ttl          time.Duration
	now          func() time.Time
	log          *zap.Logger
	hs           *httptest.Server

	keyMu   sync.RWMutex
	signKey []byte
	issued  atomic.Int64

	// mu guards every table below; mutator writes commit under a single hold.
	mu                     sync.Mutex
	columns                *table[model.Column]
	accessPolicies         *table[model.AccessPolicy]
	transformationPolicies *table[model.TransformationPolicy]
	validationPolicies     *table[model.ValidationPolicy]
	accessors              *table[model.Accessor]
	mutators               *table[model.Mutator]
	users                  map[uuid.UUID]*userRecord
	registry               registry
}

// Option configures a Server.
type Option func(*Server)

// WithCredentials sets the client id and secret the token endpoint accepts.
func WithCredentials(id, secret string) Option {
	return func(s *Server) { s.clientID, s.clientSecret = id, secret }
}

// WithTokenTTL sets the lifetime of issued access tokens.
func WithTokenTTL(d time.Duration) Option {
	return func(s *Server) { s.ttl = d }
}

// WithClock overrides the time source used for tokens and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithLogger logs every request.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New starts a Server on a loopback address. Call Close when done.
func New(opts ...Option) *Server {
	s := NewUnstarted(opts...)
	s.hs = httptest.NewServer(s.Handler())
	s.URL = s.hs.URL
	return s
}

// NewUnstarted builds a Server without listening; serve it through Handler.
func NewUnstarted(opts ...Option) *Server {
	s := &Server{
		clientID:     DefaultClientID,
		clientSecret: DefaultClientSecret,
		ttl:          DefaultTokenTTL,
		now:          time.Now,
		log:          zap.NewNop(),
		users:        make(map[uuid.UUID]*userRecord),
		registry:     newRegistry(),
	}
	for _, o := range opts {
		o(s)
	}
	s.signKey = mustRandKey()
	s.initTables()
	s.provisionBuiltins()
	return s
}

// Close shuts the listener down.
func (s *Server) Close() {
	if s.hs != nil {
		s.hs.Close()
	}
}

// ClientID returns the client id the token endpoint accepts.
func (s *Server) ClientID() string { return s.clientID }

// ClientSecret returns the client secret the token endpoint accepts.
func (s *Server) ClientSecret() string { return s.clientSecret }

// Handler returns the service mux wrapped in request id, recovery and logging middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oidc/token", s.handle(s.token))

	mount(s, mux, "/userstore/config/columns", s.columns, routeUpdate)
	mount(s, mux, "/tokenizer/policies/access", s.accessPolicies, routeUpdate|routeVersionedDelete)
	mount(s, mux, "/tokenizer/policies/generation", s.transformationPolicies, 0)
	mount(s, mux, "/tokenizer/policies/validation", s.validationPolicies, 0)
	mount(s, mux, "/userstore/config/accessors", s.accessors, routeUpdate)
	mount(s, mux, "/userstore/config/mutators", s.mutators, routeUpdate)

	mux.HandleFunc("POST /userstore/api/accessors", s.handle(s.authenticated(s.executeAccessor)))
	mux.HandleFunc("POST /userstore/api/mutators", s.handle(s.authenticated(s.executeMutator)))

	mux.HandleFunc("POST /authn/users", s.handle(s.authenticated(s.createUser)))
	mux.HandleFunc("GET /authn/users", s.handle(s.authenticated(s.listUsers)))
	mux.HandleFunc("GET /authn/users/{id}", s.handle(s.authenticated(s.getUser)))
	mux.HandleFunc("PUT /authn/users/{id}", s.handle(s.authenticated(s.updateUser)))
	mux.HandleFunc("DELETE /authn/users/{id}", s.handle(s.authenticated(s.deleteUser)))

	return requestID(recoverer(s.log)(logging(s.log)(mux)))
}

// RevokeTokens rotates the signing key so every token issued so far is rejected.
func (s *Server) RevokeTokens() {
	key := mustRandKey()
	s.keyMu.Lock()
	s.signKey = key
	s.keyMu.Unlock()
}

// TokensIssued reports how many access tokens the token endpoint has handed out.
func (s *Server) TokensIssued() int { return int(s.issued.Load()) }

func mustRandKey() []byte {
	key, err := crypto.RandBytes(32)
	if err != nil {
		panic("userstoretest: signing key: " + err.Error())
	}
	return key
}
