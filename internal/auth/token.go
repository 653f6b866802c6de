// Package auth acquires and caches the OAuth client-credentials bearer token used by every
// userstore call.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/userstore/internal/errs"
	"github.com/and161185/userstore/internal/transport"
)

// TokenPath is the service's token endpoint.
const TokenPath = "/oidc/token"

// DefaultLeeway refreshes a token this long before its exp claim.
const DefaultLeeway = 30 * time.Second

// refreshTimeout bounds a token fetch that no single caller owns.
const refreshTimeout = 30 * time.Second

type cachedToken struct {
	value     string
	expiresAt time.Time // zero when the token carries no readable expiry
}

func (t *cachedToken) fresh(now time.Time, leeway time.Duration) bool {
	return t.expiresAt.IsZero() || now.Add(leeway).Before(t.expiresAt)
}

// TokenManager holds one cached access token per client instance.
//
// Token reads are lock-free; a stale or missing token is refreshed and the result
// swapped into the slot. Concurrent refreshes are coalesced, and a redundant refresh
// after a race only replaces one valid token with another.
type TokenManager struct {
	tokenURL      string
	authorization string
	http          *http.Client
	log           *zap.Logger
	leeway        time.Duration
	now           func() time.Time

	slot  atomic.Pointer[cachedToken]
	group singleflight.Group
}

var _ transport.TokenSource = (*TokenManager)(nil)

// Option configures a TokenManager.
type Option func(*TokenManager)

// WithLeeway overrides DefaultLeeway.
func WithLeeway(d time.Duration) Option { return func(m *TokenManager) { m.leeway = d } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(m *TokenManager) { m.now = now } }

// NewTokenManager fetches the first token and returns a ready manager.
func NewTokenManager(ctx context.Context, baseURL, clientID, clientSecret string, hc *http.Client, log *zap.Logger, opts ...Option) (*TokenManager, error) {
	if clientID == "" || clientSecret == "" {
		return nil, errs.Validationf("empty client id/secret")
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &TokenManager{
		tokenURL:      strings.TrimRight(baseURL, "/") + TokenPath,
		authorization: BasicAuth(clientID, clientSecret),
		http:          hc,
		log:           log,
		leeway:        DefaultLeeway,
		now:           time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	if _, err := m.refresh(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Token returns the cached token, refreshing it first when it is missing or expired.
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	if t := m.slot.Load(); t != nil && t.fresh(m.now(), m.leeway) {
		return t.value, nil
	}
	t, err := m.refresh(ctx)
	if err != nil {
		return "", err
	}
	return t.value, nil
}

// Invalidate drops token if it is still cached, forcing the next call to refresh.
func (m *TokenManager) Invalidate(token string) {
	if t := m.slot.Load(); t != nil && t.value == token {
		m.slot.CompareAndSwap(t, nil)
	}
}

// refresh fetches a new token on behalf of every concurrent caller. The shared fetch is
// detached from any one caller's cancellation and bounded by refreshTimeout; each caller
// still stops waiting when its own ctx is done.
func (m *TokenManager) refresh(ctx context.Context) (*cachedToken, error) {
	ch := m.group.DoChan("token", func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		t, err := m.fetch(fctx)
		if err != nil {
			return nil, err
		}
		m.slot.Store(t)
		m.log.Info("access token refreshed", zap.Time("expires_at", t.expiresAt))
		return t, nil
	})
	select {
	case <-ctx.Done():
		return nil, &errs.Error{Kind: errs.ErrTransport, Message: "POST " + TokenPath, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*cachedToken), nil
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (m *TokenManager) fetch(ctx context.Context) (*cachedToken, error) {
	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &errs.Error{Kind: errs.ErrTransport, Message: "build token request", Err: err}
	}
	req.Header.Set("Authorization", "Basic "+m.authorization)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	// Token requests bypass the transport client so they never recurse into a refresh.
	resp, err := m.http.Do(req)
	if err != nil {
		return nil, &errs.Error{Kind: errs.ErrTransport, Message: "POST " + TokenPath, Err: err}
	}
	defer resp.Body.Close()

	var body json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil && resp.StatusCode < 400 {
		return nil, &errs.Error{Kind: errs.ErrDecode, Code: resp.StatusCode, Message: "token response", Err: err}
	}
	reqID := resp.Header.Get(transport.RequestIDHeader)
	if resp.StatusCode >= 400 {
		return nil, transport.DecodeError(resp.StatusCode, reqID, body)
	}

	var tr tokenResponse
	if err := transport.Decode(resp.StatusCode, reqID, body, &tr); err != nil {
		return nil, err
	}
	if tr.AccessToken == "" {
		return nil, &errs.Error{Kind: errs.ErrDecode, Code: resp.StatusCode, Message: "missing access_token", RequestID: reqID}
	}

	t := &cachedToken{value: tr.AccessToken}
	if exp, ok := ExpiresAt(tr.AccessToken); ok {
		t.expiresAt = exp
	} else if tr.ExpiresIn > 0 {
		t.expiresAt = m.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	} else {
		m.log.Warn("access token has no readable expiry; it will be kept until rejected")
	}
	return t, nil
}

// ExpiresAt reads the exp claim of a JWT without verifying its signature. The service
// verifies the token; this is only used to decide when to refresh.
func ExpiresAt(token string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// BasicAuth encodes URL-escaped client credentials for the Authorization header.
func BasicAuth(clientID, clientSecret string) string {
	raw := url.QueryEscape(clientID) + ":" + url.QueryEscape(clientSecret)
	return base64.StdEncoding.EncodeToString([]byte(raw))
}
