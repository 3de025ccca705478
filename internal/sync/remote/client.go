// Package remote talks to the authoritative server's REST API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/salvacell/offsync/internal/crypto"
	apperrors "github.com/salvacell/offsync/internal/errors"
	"github.com/salvacell/offsync/internal/models"
)

// TokenConfigKey is the config key holding the bearer token.
const TokenConfigKey = "auth.token"

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 64 << 10

// Request is a fully resolved remote call for one pending operation.
type Request struct {
	Method string
	URL    string
	Body   []byte
}

// TokenSource yields the current bearer token, or "" when none is stored.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// ConfigStore is the slice of the local store a ConfigTokenSource needs.
type ConfigStore interface {
	GetConfig(ctx context.Context, key string) (string, bool, error)
}

// ConfigTokenSource reads the token from the local config table. With a
// Key, sealed values are decrypted; plaintext values pass through.
type ConfigTokenSource struct {
	Store ConfigStore
	Key   []byte
}

// Token implements TokenSource.
func (s ConfigTokenSource) Token(ctx context.Context) (string, error) {
	v, _, err := s.Store.GetConfig(ctx, TokenConfigKey)
	if err != nil || s.Key == nil {
		return v, err
	}
	return crypto.Open(v, s.Key)
}

// StaticToken is a fixed TokenSource.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// CollectionPath returns the API path of an entity collection, e.g. "/api/ordens".
func CollectionPath(entity string) string {
	return "/api/" + entity + "s"
}

// BuildRequest maps a pending operation onto the REST contract:
// CREATE -> POST {base}/api/{entity}s, UPDATE -> PUT .../{id},
// DELETE -> DELETE .../{id}. DELETE carries no body.
func BuildRequest(baseURL string, op *models.PendingOperation) (*Request, error) {
	collection := strings.TrimRight(baseURL, "/") + CollectionPath(op.Entity)
	item := collection + "/" + url.PathEscape(op.EntityID)

	switch op.Action {
	case models.ActionCreate:
		return &Request{Method: http.MethodPost, URL: collection, Body: bodyOf(op.Payload)}, nil
	case models.ActionUpdate:
		return &Request{Method: http.MethodPut, URL: item, Body: bodyOf(op.Payload)}, nil
	case models.ActionDelete:
		return &Request{Method: http.MethodDelete, URL: item}, nil
	}
	return nil, apperrors.Newf(apperrors.ErrUnknownAction, "unknown action %q", op.Action)
}

func bodyOf(payload json.RawMessage) []byte {
	if len(payload) == 0 {
		return []byte("{}")
	}
	return payload
}

// Client is an HTTP client for the remote API.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
}

// NewClient creates a Client. A zero timeout leaves the http.Client default.
func NewClient(baseURL string, timeout time.Duration, tokens TokenSource) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		tokens:  tokens,
	}
}

// WithHTTPClient replaces the underlying http.Client (tests use the
// httptest server's client).
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Execute replays op against the server and returns the decoded JSON object
// from the response (empty when the body is empty or not an object).
func (c *Client) Execute(ctx context.Context, op *models.PendingOperation) (map[string]interface{}, error) {
	req, err := BuildRequest(c.baseURL, op)
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	if err := c.Do(ctx, req, &result); err != nil {
		return nil, err
	}
	if result == nil {
		result = map[string]interface{}{}
	}
	return result, nil
}

// List fetches a whole collection, GET {base}/api/{collection}. Collection
// names are the server's (e.g. "clientes", "refacciones"), not entity names.
func (c *Client) List(ctx context.Context, collection string) ([]map[string]interface{}, error) {
	req := &Request{Method: http.MethodGet, URL: c.baseURL + "/api/" + url.PathEscape(collection)}
	var items []map[string]interface{}
	if err := c.Do(ctx, req, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// Do performs req and decodes a successful JSON response into out (which
// may be nil). Non-2xx responses become REMOTE_REQUEST_FAILED errors whose
// message is the body's "message" field, else "HTTP <status>".
func (c *Client) Do(ctx context.Context, req *Request, out interface{}) error {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRemoteRequest, "build request", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return err
		}
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRemoteRequest, fmt.Sprintf("%s %s", req.Method, req.URL), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apperrors.New(apperrors.ErrRemoteRequest, errorMessage(resp))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRemoteRequest, "read response", err)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		// A non-object body on a mutation is tolerated; the caller gets an
		// empty result.
		if _, isMap := out.(*map[string]interface{}); isMap {
			return nil
		}
		return apperrors.Wrap(apperrors.ErrRemoteRequest, "decode response", err)
	}
	return nil
}

func errorMessage(resp *http.Response) string {
	var payload struct {
		Message string `json:"message"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if json.Unmarshal(data, &payload) == nil && payload.Message != "" {
		return payload.Message
	}
	return fmt.Sprintf("HTTP %d", resp.StatusCode)
}
