// Package remote talks to the vaultsync server over REST/JSON and listens
// for its change notifications over a websocket.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/vaultsync/internal/api"
	"github.com/dmitrijs2005/vaultsync/internal/common"
	"github.com/dmitrijs2005/vaultsync/internal/logging"
)

// DefaultTimeout bounds a single HTTP round trip.
const DefaultTimeout = 15 * time.Second

// Client is a REST client for one server. It is safe for concurrent use.
type Client struct {
	base   *url.URL
	http   *http.Client
	tokens TokenStore
	logger logging.Logger

	// refreshMu serializes token refreshes so that concurrent 401s rotate
	// the refresh token once.
	refreshMu sync.Mutex
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithTokenStore replaces the in-memory token holder.
func WithTokenStore(s TokenStore) Option {
	return func(cl *Client) { cl.tokens = s }
}

// New builds a client for serverURL, e.g. "http://localhost:8080".
func New(serverURL string, logger logging.Logger, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url %q: scheme must be http or https", serverURL)
	}
	c := &Client{
		base:   u,
		http:   &http.Client{Timeout: DefaultTimeout},
		tokens: &MemoryTokens{},
		logger: logger.With("module", "remote"),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Tokens exposes the token holder, e.g. to clear it on logout.
func (c *Client) Tokens() TokenStore { return c.tokens }

type request struct {
	method string
	path   string
	query  url.Values
	body   any
	auth   bool
}

// endpoint appends an already escaped path to the base URL.
func (c *Client) endpoint(path string, query url.Values) string {
	s := c.base.String() + path
	if len(query) > 0 {
		s += "?" + query.Encode()
	}
	return s
}

// do sends req and decodes a JSON response into out when out is not nil. An
// authenticated request that gets 401 refreshes the tokens and is retried
// once.
func (c *Client) do(ctx context.Context, req request, out any) error {
	var body []byte
	if req.body != nil {
		var err error
		if body, err = json.Marshal(req.body); err != nil {
			return fmt.Errorf("%w: encode request: %v", common.ErrSystem, err)
		}
	}

	access := ""
	if req.auth {
		access, _ = c.tokens.Tokens()
	}
	err := c.send(ctx, req, body, access, out)
	if !req.auth || !errors.Is(err, common.ErrUnauthorized) {
		return err
	}

	fresh, rerr := c.refresh(ctx, access)
	if rerr != nil {
		c.logger.Debug(ctx, "token refresh failed", "error", rerr)
		return err
	}
	return c.send(ctx, req, body, fresh, out)
}

func (c *Client) send(ctx context.Context, req request, body []byte, access string, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, c.endpoint(req.path, req.query), rd)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", common.ErrSystem, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if access != "" {
		httpReq.Header.Set(common.AuthorizationHeader, common.BearerPrefix+access)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", common.ErrNetwork, req.method, req.path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s %s: %v", common.ErrInvalidOrCorruptedData, req.method, req.path, err)
	}
	return nil
}

// statusError maps a non-2xx response to the error taxonomy.
func statusError(resp *http.Response) error {
	var body api.Error
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(raw, &body) != nil || body.Message == "" {
		body.Message = strings.TrimSpace(string(raw))
	}
	if body.Message == "" {
		body.Message = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		if body.Identifier == api.ErrIDTokenExpired {
			return fmt.Errorf("%w: %w", common.ErrUnauthorized, common.ErrTokenExpired)
		}
		return fmt.Errorf("%w: %s", common.ErrUnauthorized, body.Message)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", common.ErrNotFound, body.Message)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", common.ErrConflict, body.Message)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %w: %s", common.ErrSystem, common.ErrForbidden, body.Message)
	default:
		return fmt.Errorf("%w: server returned %d: %s", common.ErrSystem, resp.StatusCode, body.Message)
	}
}

// refresh rotates the token pair. stale is the access token that was
// rejected; when another goroutine already replaced it, its result is reused.
func (c *Client) refresh(ctx context.Context, stale string) (string, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	access, refresh := c.tokens.Tokens()
	if access != "" && access != stale {
		return access, nil
	}
	if refresh == "" {
		return "", common.ErrUnauthorized
	}

	var resp api.TokenResponse
	err := c.send(ctx, request{method: http.MethodPost, path: "/v1/auth/refresh"}, mustJSON(api.RefreshRequest{RefreshToken: refresh}), "", &resp)
	if errors.Is(err, common.ErrUnauthorized) {
		return "", fmt.Errorf("%w: %w", common.ErrUnauthorized, common.ErrRefreshTokenExpired)
	}
	if err != nil {
		return "", err
	}
	if err := c.tokens.SetTokens(resp.AccessToken, resp.RefreshToken); err != nil {
		return "", err
	}
	return resp.AccessToken, nil
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
