// Package api is the HTTP client for the expertly backend. It knows the
// endpoints and their payloads and nothing about credential recovery; wrap
// calls with credentials.Authenticator.Perform for that.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/pliu/expertly/internal/models"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
	jar        http.CookieJar
}

type Option func(*Client)

// WithHTTPClient replaces the default client. Its Jar is replaced by the
// client's own jar unless it already has one.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New creates a client for baseURL (for example http://localhost:8080/api/v1).
// Cookies set by the backend are kept in an in-memory jar shared with the
// websocket dialer.
func New(baseURL string, opts ...Option) (*Client, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient.Jar == nil {
		c.httpClient.Jar = jar
	}
	c.jar = c.httpClient.Jar
	return c, nil
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// Jar returns the cookie jar holding the session cookies.
func (c *Client) Jar() http.CookieJar {
	return c.jar
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type SignupRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

type CreateSessionRequest struct {
	ExpertID       string `json:"expert_id,omitempty"`
	InitialMessage string `json:"initial_message,omitempty"`
}

func (c *Client) Signup(ctx context.Context, req SignupRequest) (*models.Principal, error) {
	var p models.Principal
	if err := c.do(ctx, http.MethodPost, "/auth/signup", req, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) Login(ctx context.Context, email, password string) (*models.Principal, error) {
	var p models.Principal
	if err := c.do(ctx, http.MethodPost, "/auth/login", LoginRequest{Email: email, Password: password}, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ValidateSession calls GET /auth/session.
func (c *Client) ValidateSession(ctx context.Context) (*models.Principal, error) {
	var p models.Principal
	if err := c.do(ctx, http.MethodGet, "/auth/session", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Refresh calls POST /auth/refresh. The backend rotates the cookies.
func (c *Client) Refresh(ctx context.Context) (*models.Principal, error) {
	var p models.Principal
	if err := c.do(ctx, http.MethodPost, "/auth/refresh", nil, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, nil
	}
	return &p, nil
}

func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/auth/logout", nil, nil)
}

func (c *Client) ListExperts(ctx context.Context) ([]models.Expert, error) {
	var experts []models.Expert
	if err := c.do(ctx, http.MethodGet, "/experts", nil, &experts); err != nil {
		return nil, err
	}
	return experts, nil
}

func (c *Client) ActiveSessions(ctx context.Context) ([]models.Session, error) {
	var sessions []models.Session
	if err := c.do(ctx, http.MethodGet, "/sessions/my/active", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (c *Client) CompletedSessions(ctx context.Context) ([]models.Session, error) {
	var sessions []models.Session
	if err := c.do(ctx, http.MethodGet, "/sessions/my/completed", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*models.Session, error) {
	var s models.Session
	if err := c.do(ctx, http.MethodPost, "/sessions", req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSession fetches the session snapshot including its message history.
func (c *Client) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var s models.Session
	if err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) CloseSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/close", nil, nil)
}

// ChannelURL returns the websocket endpoint for a session.
func (c *Client) ChannelURL(id string) (string, error) {
	u, err := url.Parse(c.baseURL + "/sessions/ws/" + url.PathEscape(id))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	return u.String(), nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return &Error{Kind: ErrNetwork, Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{
			Kind:    kindForStatus(resp.StatusCode),
			Method:  method,
			Path:    path,
			Status:  resp.StatusCode,
			Message: readErrorMessage(resp.Body),
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return &Error{Kind: ErrServer, Method: method, Path: path, Status: resp.StatusCode, Err: fmt.Errorf("invalid response: %w", err)}
	}
	return nil
}

func readErrorMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 512))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(data))
}
