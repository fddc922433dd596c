package remote

import (
	"context"
	"net/http"
	"net/url"

	"github.com/dmitrijs2005/vaultsync/internal/api"
)

func purgeQuery(purge bool) url.Values {
	if !purge {
		return nil
	}
	return url.Values{"purge": {"true"}}
}

func (c *Client) GetSnapshot(ctx context.Context, vaultID string) (*api.Snapshot, error) {
	var s api.Snapshot
	err := c.do(ctx, request{method: http.MethodGet, path: "/v1/vaults/" + url.PathEscape(vaultID) + "/snapshot", auth: true}, &s)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) CreateVault(ctx context.Context, v api.Vault) error {
	return c.do(ctx, request{method: http.MethodPost, path: "/v1/vaults", body: v, auth: true}, nil)
}

// ListVaults returns the vaults of the logged in account.
func (c *Client) ListVaults(ctx context.Context) ([]api.Vault, error) {
	var vs []api.Vault
	if err := c.do(ctx, request{method: http.MethodGet, path: "/v1/vaults", auth: true}, &vs); err != nil {
		return nil, err
	}
	return vs, nil
}

func (c *Client) GetVault(ctx context.Context, vaultID string) (*api.Vault, error) {
	var v api.Vault
	if err := c.do(ctx, request{method: http.MethodGet, path: "/v1/vaults/" + url.PathEscape(vaultID), auth: true}, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *Client) UpdateVault(ctx context.Context, vaultID string, u api.VaultUpdate) error {
	return c.do(ctx, request{method: http.MethodPatch, path: "/v1/vaults/" + url.PathEscape(vaultID), body: u, auth: true}, nil)
}

func (c *Client) CreateVersion(ctx context.Context, v api.Version) error {
	return c.do(ctx, request{method: http.MethodPost, path: "/v1/versions", body: v, auth: true}, nil)
}

func (c *Client) GetVersion(ctx context.Context, id string) (*api.Version, error) {
	var v api.Version
	if err := c.do(ctx, request{method: http.MethodGet, path: "/v1/versions/" + url.PathEscape(id), auth: true}, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// DeleteVersion tombstones a version on the server, or removes it when
// purge is set.
func (c *Client) DeleteVersion(ctx context.Context, id string, purge bool) error {
	return c.do(ctx, request{method: http.MethodDelete, path: "/v1/versions/" + url.PathEscape(id), query: purgeQuery(purge), auth: true}, nil)
}

func (c *Client) GetItem(ctx context.Context, id string) (*api.Item, error) {
	var it api.Item
	if err := c.do(ctx, request{method: http.MethodGet, path: "/v1/items/" + url.PathEscape(id), auth: true}, &it); err != nil {
		return nil, err
	}
	return &it, nil
}

// DeleteItem tombstones an item and all its versions, or removes them when
// purge is set.
func (c *Client) DeleteItem(ctx context.Context, id string, purge bool) error {
	return c.do(ctx, request{method: http.MethodDelete, path: "/v1/items/" + url.PathEscape(id), query: purgeQuery(purge), auth: true}, nil)
}

// Register creates an account. The server only ever sees the salt and the
// verifier derived from the password.
func (c *Client) Register(ctx context.Context, username string, salt, verifier []byte) error {
	return c.do(ctx, request{method: http.MethodPost, path: "/v1/auth/register",
		body: api.RegisterRequest{Username: username, Salt: salt, Verifier: verifier}}, nil)
}

func (c *Client) GetSalt(ctx context.Context, username string) ([]byte, error) {
	var resp api.SaltResponse
	err := c.do(ctx, request{method: http.MethodGet, path: "/v1/auth/salt", query: url.Values{"username": {username}}}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Salt, nil
}

// Login exchanges a verifier for a token pair and keeps it in the token
// store.
func (c *Client) Login(ctx context.Context, username string, verifier []byte) error {
	var resp api.TokenResponse
	err := c.do(ctx, request{method: http.MethodPost, path: "/v1/auth/login",
		body: api.LoginRequest{Username: username, Verifier: verifier}}, &resp)
	if err != nil {
		return err
	}
	return c.tokens.SetTokens(resp.AccessToken, resp.RefreshToken)
}

// Ping checks that the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, request{method: http.MethodGet, path: "/v1/health"}, nil)
}
