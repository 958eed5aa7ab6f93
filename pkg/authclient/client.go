// Package authclient talks to the platform's account backend. It implements
// session.Backend and raises the unauthorized signal whenever any call comes
// back 401, so the session manager learns about revoked tokens without the
// two packages importing each other.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/docport/gateway/pkg/session"
)

type Client struct {
	baseURL        string
	httpClient     *http.Client
	onUnauthorized func()
}

type ClientOption func(*Client)

// WithHTTPClient replaces the transport, for tests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithUnauthorizedFunc registers the callback invoked on any 401 response.
func WithUnauthorizedFunc(fn func()) ClientOption {
	return func(c *Client) { c.onUnauthorized = fn }
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// tokenResponse is the wire shape of login, registration and refresh
// responses.
type tokenResponse struct {
	AccessToken           string        `json:"access_token"`
	RefreshToken          string        `json:"refresh_token"`
	AccessTokenExpiresAt  time.Time     `json:"access_token_expires_at"`
	RefreshTokenExpiresAt time.Time     `json:"refresh_token_expires_at"`
	User                  *session.User `json:"user"`
}

func (r *tokenResponse) grant() *session.TokenGrant {
	return &session.TokenGrant{
		User:                  r.User,
		AccessToken:           r.AccessToken,
		RefreshToken:          r.RefreshToken,
		AccessTokenExpiresAt:  r.AccessTokenExpiresAt,
		RefreshTokenExpiresAt: r.RefreshTokenExpiresAt,
	}
}

func (c *Client) Login(ctx context.Context, creds session.Credentials) (*session.TokenGrant, error) {
	var resp tokenResponse
	if err := c.post(ctx, "/auth/login", "", creds, &resp); err != nil {
		return nil, err
	}
	return resp.grant(), nil
}

func (c *Client) Register(ctx context.Context, reg session.Registration) (*session.TokenGrant, error) {
	var resp tokenResponse
	if err := c.post(ctx, "/auth/register", "", reg, &resp); err != nil {
		return nil, err
	}
	return resp.grant(), nil
}

func (c *Client) Logout(ctx context.Context, accessToken string) error {
	return c.post(ctx, "/auth/logout", accessToken, nil, nil)
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (*session.TokenGrant, error) {
	body := struct {
		RefreshToken string `json:"refresh_token"`
	}{RefreshToken: refreshToken}

	var resp tokenResponse
	if err := c.post(ctx, "/auth/refresh", "", body, &resp); err != nil {
		return nil, err
	}
	return resp.grant(), nil
}

func (c *Client) Validate(ctx context.Context, accessToken string) (*session.Validation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/validate", nil)
	if err != nil {
		return nil, fmt.Errorf("create validate request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	var result session.Validation
	if err := c.do(req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) post(ctx context.Context, path, bearer string, payload, result any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	return c.do(req, result)
}

func (c *Client) do(req *http.Request, result any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized && c.onUnauthorized != nil {
		c.onUnauthorized()
	}

	if resp.StatusCode >= 400 {
		return apiError(resp)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// apiError captures the backend's error body without assuming its shape.
func apiError(resp *http.Response) *session.APIError {
	apiErr := &session.APIError{
		StatusCode: resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
	}
	// Best effort: a non-JSON body just leaves the fields empty.
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err == nil && len(body) > 0 {
		json.Unmarshal(body, apiErr)
	}
	return apiErr
}
