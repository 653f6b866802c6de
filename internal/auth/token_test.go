package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/userstore/internal/errs"
)

func makeJWT(t *testing.T, exp time.Time, seq int64) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   "client",
		ID:        fmt.Sprint(seq),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("server-key"))
	require.NoError(t, err)
	return s
}

type tokenServer struct {
	hits    atomic.Int64
	ttl     time.Duration
	now     func() time.Time
	lastAut atomic.Value
}

func (s *tokenServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != TokenPath || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		require.NoError(t, r.ParseForm())
		if r.Form.Get("grant_type") != "client_credentials" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"unsupported_grant_type"}`))
			return
		}
		s.lastAut.Store(r.Header.Get("Authorization"))
		id, secret, ok := r.BasicAuth()
		if !ok || id != "my+id" || secret != "s%3Acret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid_client","request_id":"rq"}`))
			return
		}
		n := s.hits.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": makeJWT(t, s.now().Add(s.ttl), n),
			"token_type":   "Bearer",
			"expires_in":   int64(s.ttl / time.Second),
		})
	}
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func setup(t *testing.T, ttl time.Duration) (*TokenManager, *tokenServer, *clock) {
	t.Helper()
	clk := &clock{t: time.Now()}
	ts := &tokenServer{ttl: ttl, now: clk.Now}
	srv := httptest.NewServer(ts.handler(t))
	t.Cleanup(srv.Close)

	m, err := NewTokenManager(context.Background(), srv.URL, "my id", "s:cret", srv.Client(), nil, WithClock(clk.Now))
	require.NoError(t, err)
	return m, ts, clk
}

func TestNewTokenManager_FetchesAtConstruction(t *testing.T) {
	t.Parallel()

	m, ts, _ := setup(t, time.Hour)
	require.Equal(t, int64(1), ts.hits.Load())

	tok, err := m.Token(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, tok)
	require.Equal(t, int64(1), ts.hits.Load(), "fresh token must be served from cache")

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ts.lastAut.Load().(string), "Basic "))
	require.NoError(t, err)
	require.Equal(t, "my+id:s%3Acret", string(raw))
}

func TestToken_RefreshesWhenExpired(t *testing.T) {
	t.Parallel()

	m, ts, clk := setup(t, 2*time.Minute)
	first, err := m.Token(context.Background())
	require.NoError(t, err)

	// inside the leeway window
	clk.Advance(2*time.Minute - DefaultLeeway + time.Second)
	second, err := m.Token(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, first, second)
	require.Equal(t, int64(2), ts.hits.Load())
}

func TestToken_InvalidateForcesRefresh(t *testing.T) {
	t.Parallel()

	m, ts, _ := setup(t, time.Hour)
	tok, err := m.Token(context.Background())
	require.NoError(t, err)

	m.Invalidate("some-other-token")
	_, err = m.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), ts.hits.Load(), "invalidating a stale value is a no-op")

	m.Invalidate(tok)
	next, err := m.Token(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, tok, next)
	require.Equal(t, int64(2), ts.hits.Load())
}

func TestToken_ConcurrentCallers(t *testing.T) {
	t.Parallel()

	m, ts, clk := setup(t, time.Minute)
	clk.Advance(time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := m.Token(context.Background())
			if err != nil || tok == "" {
				t.Errorf("Token: %q %v", tok, err)
			}
		}()
	}
	wg.Wait()

	// at least one refresh, and never one per caller
	hits := ts.hits.Load()
	require.GreaterOrEqual(t, hits, int64(2))
	require.Less(t, hits, int64(34))
}

func TestToken_CancelledCallerDoesNotFailOthers(t *testing.T) {
	t.Parallel()

	clk := &clock{t: time.Now()}
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := hits.Add(1)
		if n > 1 {
			entered <- struct{}{}
			<-release
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": makeJWT(t, clk.Now().Add(time.Minute), n),
			"expires_in":   60,
		})
	}))
	t.Cleanup(srv.Close)

	m, err := NewTokenManager(context.Background(), srv.URL, "id", "secret", srv.Client(), nil, WithClock(clk.Now))
	require.NoError(t, err)
	clk.Advance(time.Hour)

	impatient, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	impatientErr := make(chan error, 1)
	go func() {
		_, err := m.Token(impatient)
		impatientErr <- err
	}()
	<-entered

	healthy := make(chan error, 1)
	go func() {
		tok, err := m.Token(context.Background())
		if err == nil && tok == "" {
			err = fmt.Errorf("empty token")
		}
		healthy <- err
	}()

	err = <-impatientErr
	require.ErrorIs(t, err, errs.ErrTransport)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-healthy)
	require.GreaterOrEqual(t, hits.Load(), int64(2))
}

func TestNewTokenManager_Errors(t *testing.T) {
	t.Parallel()

	ts := &tokenServer{ttl: time.Hour, now: time.Now}
	srv := httptest.NewServer(ts.handler(t))
	defer srv.Close()

	_, err := NewTokenManager(context.Background(), srv.URL, "wrong", "creds", srv.Client(), nil)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, "rq", e.RequestID)

	_, err = NewTokenManager(context.Background(), srv.URL, "", "x", srv.Client(), nil)
	require.ErrorIs(t, err, errs.ErrValidation)

	srv.Close()
	_, err = NewTokenManager(context.Background(), srv.URL, "my id", "s:cret", nil, nil)
	require.ErrorIs(t, err, errs.ErrTransport)
}

func TestNewTokenManager_OpaqueTokenUsesExpiresIn(t *testing.T) {
	t.Parallel()

	clk := &clock{t: time.Now()}
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"access_token":"opaque","token_type":"Bearer","expires_in":60}`))
	}))
	defer srv.Close()

	m, err := NewTokenManager(context.Background(), srv.URL, "a", "b", srv.Client(), nil, WithClock(clk.Now), WithLeeway(0))
	require.NoError(t, err)
	_, err = m.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), hits.Load())

	clk.Advance(61 * time.Second)
	_, err = m.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), hits.Load())
}

func TestNewTokenManager_MissingAccessToken(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"token_type":"Bearer"}`))
	}))
	defer srv.Close()

	_, err := NewTokenManager(context.Background(), srv.URL, "a", "b", srv.Client(), nil)
	require.ErrorIs(t, err, errs.ErrDecode)
}

func TestExpiresAt(t *testing.T) {
	t.Parallel()

	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	got, ok := ExpiresAt(makeJWT(t, exp, 1))
	require.True(t, ok)
	require.True(t, exp.Equal(got))

	_, ok = ExpiresAt("not-a-jwt")
	require.False(t, ok)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "x"}).SignedString([]byte("k"))
	require.NoError(t, err)
	_, ok = ExpiresAt(noExp)
	require.False(t, ok)
}
