// Package transport issues authenticated JSON requests to the userstore service and maps
// failed responses onto the errs taxonomy.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/userstore/internal/errs"
)

// RequestIDHeader is read when the error body carries no request id.
const RequestIDHeader = "X-Request-Id"

// maxErrorBody bounds how much of a failed response is read.
const maxErrorBody = 1 << 20

// TokenSource supplies the bearer credential for each call.
type TokenSource interface {
	// Token returns a currently valid access token, refreshing it if needed.
	Token(ctx context.Context) (string, error)
	// Invalidate drops token from the cache if it is still the cached one.
	Invalidate(token string)
}

// Validator is implemented by response types that can check their own required fields.
type Validator interface {
	Validate() error
}

// Client performs requests against one base URL. It is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	log     *zap.Logger
}

// New constructs a Client. A nil logger disables logging.
func New(baseURL string, hc *http.Client, tokens TokenSource, log *zap.Logger) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc, tokens: tokens, log: log}
}

// Get issues a GET and decodes the response into out.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	return c.call(ctx, http.MethodGet, path, query, nil, out)
}

// Post issues a POST with a JSON body and decodes the response into out.
func (c *Client) Post(ctx context.Context, path string, in, out any) error {
	return c.call(ctx, http.MethodPost, path, nil, in, out)
}

// Put issues a PUT with a JSON body and decodes the response into out.
func (c *Client) Put(ctx context.Context, path string, in, out any) error {
	return c.call(ctx, http.MethodPut, path, nil, in, out)
}

// Delete issues a DELETE with an optional JSON body. It reports true when the
// service answered 204 No Content.
func (c *Client) Delete(ctx context.Context, path string, in any) (bool, error) {
	resp, err := c.do(ctx, http.MethodDelete, path, nil, in)
	if err != nil {
		return false, err
	}
	return resp.status == http.StatusNoContent, nil
}

func (c *Client) call(ctx context.Context, method, path string, query url.Values, in, out any) error {
	resp, err := c.do(ctx, method, path, query, in)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return Decode(resp.status, resp.requestID, resp.body, out)
}

type response struct {
	status    int
	requestID string
	body      []byte
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in any) (*response, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, errs.Validationf("encode %s %s: %v", method, path, err)
		}
		body = bytes.NewReader(b)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, &errs.Error{Kind: errs.ErrTransport, Message: "build request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	hr, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("userstore request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Duration("dur", time.Since(start)),
			zap.Error(err),
		)
		return nil, &errs.Error{Kind: errs.ErrTransport, Message: method + " " + path, Err: err}
	}
	defer hr.Body.Close()

	resp := &response{status: hr.StatusCode, requestID: hr.Header.Get(RequestIDHeader)}
	limit := int64(-1)
	if hr.StatusCode >= 400 {
		limit = maxErrorBody
	}
	resp.body, err = readBody(hr.Body, limit)

	// no payloads, only metadata
	c.log.Debug("userstore request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", hr.StatusCode),
		zap.Duration("dur", time.Since(start)),
		zap.String("request_id", resp.requestID),
	)

	if err != nil {
		return nil, &errs.Error{Kind: errs.ErrTransport, Code: hr.StatusCode, Message: "read body", RequestID: resp.requestID, Err: err}
	}
	if hr.StatusCode >= 400 {
		if hr.StatusCode == http.StatusUnauthorized {
			c.tokens.Invalidate(token)
		}
		return nil, DecodeError(hr.StatusCode, resp.requestID, resp.body)
	}
	return resp, nil
}

func readBody(r io.Reader, limit int64) ([]byte, error) {
	if limit > 0 {
		r = io.LimitReader(r, limit)
	}
	return io.ReadAll(r)
}

// Decode unmarshals a successful response body into out and runs its Validate method
// when it has one.
func Decode(status int, requestID string, body []byte, out any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return &errs.Error{Kind: errs.ErrDecode, Code: status, Message: "empty response body", RequestID: requestID}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &errs.Error{Kind: errs.ErrDecode, Code: status, RequestID: requestID, Err: err}
	}
	if v, ok := out.(Validator); ok {
		if err := v.Validate(); err != nil {
			return &errs.Error{Kind: errs.ErrDecode, Code: status, RequestID: requestID, Err: err}
		}
	}
	return nil
}

// errorBody is the service's error envelope. "error" is either a message string or,
// for conflicts, an object naming the existing entity. Ids are kept as strings so a
// malformed id never costs the rest of the envelope.
type errorBody struct {
	Error     json.RawMessage `json:"error"`
	RequestID string          `json:"request_id"`
	ID        string          `json:"id"`
}

type conflictBody struct {
	Error string `json:"error"`
	ID    string `json:"id"`
}

// parseID returns uuid.Nil for anything that is not a UUID.
func parseID(s string) uuid.UUID {
	id, err := uuid.FromString(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// DecodeError builds the structured error for a response with status >= 400.
func DecodeError(status int, requestID string, body []byte) *errs.Error {
	e := &errs.Error{Kind: errs.KindForStatus(status), Code: status, RequestID: requestID}

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		e.Message = strings.TrimSpace(string(body))
		if e.Message == "" {
			e.Message = http.StatusText(status)
		}
		return e
	}
	if eb.RequestID != "" {
		e.RequestID = eb.RequestID
	}
	e.ExistingID = parseID(eb.ID)

	var msg string
	var cb conflictBody
	switch {
	case len(eb.Error) == 0:
		msg = http.StatusText(status)
	case json.Unmarshal(eb.Error, &msg) == nil:
	case json.Unmarshal(eb.Error, &cb) == nil:
		msg = cb.Error
		if id := parseID(cb.ID); id != uuid.Nil {
			e.ExistingID = id
		}
	default:
		msg = string(eb.Error)
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	e.Message = msg
	return e
}
