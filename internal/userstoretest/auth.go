package userstoretest

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// token implements the client-credentials grant. The id and secret arrive form-encoded
// inside HTTP basic auth.
func (s *Server) token(w http.ResponseWriter, r *http.Request) error {
	if err := r.ParseForm(); err != nil {
		return badRequest("invalid_request")
	}
	if g := r.PostForm.Get("grant_type"); g != "client_credentials" {
		return badRequest("unsupported_grant_type")
	}
	id, secret, ok := r.BasicAuth()
	if ok {
		var err1, err2 error
		id, err1 = url.QueryUnescape(id)
		secret, err2 = url.QueryUnescape(secret)
		ok = err1 == nil && err2 == nil
	}
	if !ok || id != s.clientID || secret != s.clientSecret {
		return &apiError{status: http.StatusUnauthorized, msg: "invalid_client"}
	}

	signed, err := s.issueAccessToken(id)
	if err != nil {
		return internal("sign token: %v", err)
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.ttl.Seconds()),
	})
	return nil
}

// issueAccessToken creates a signed HS256 JWT for the given client.
func (s *Server) issueAccessToken(clientID string) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		ID:        strconv.FormatInt(s.issued.Add(1), 10),
		Subject:   clientID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	s.keyMu.RLock()
	key := s.signKey
	s.keyMu.RUnlock()
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// authenticated rejects requests without a valid bearer token issued to the configured client.
func (s *Server) authenticated(next handlerFunc) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		tok, ok := bearerToken(r)
		if !ok {
			return errUnauthorized
		}
		var claims jwt.RegisteredClaims
		_, err := jwt.ParseWithClaims(tok, &claims, func(*jwt.Token) (any, error) {
			s.keyMu.RLock()
			defer s.keyMu.RUnlock()
			return s.signKey, nil
		},
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithTimeFunc(s.now),
			jwt.WithExpirationRequired(),
		)
		if err != nil || claims.Subject != s.clientID {
			return errUnauthorized
		}
		return next(w, r.WithContext(withClientID(r.Context(), claims.Subject)))
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const p = "bearer "
	if len(h) < len(p) || !strings.EqualFold(h[:len(p)], p) {
		return "", false
	}
	tok := strings.TrimSpace(h[len(p):])
	return tok, tok != ""
}
