package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/matheus3301/chatq/internal/errs"
	"go.uber.org/zap"
)

// Refresher exchanges a session's refresh token for a new session.
type Refresher interface {
	Refresh(ctx context.Context, s Session) (Session, error)
}

// APIError is a non-2xx answer from the auth endpoints.
type APIError struct {
	StatusCode int
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("[%d] %s: %s", e.StatusCode, e.Code, e.Message)
}

func parseError(resp *resty.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode()}
	if err := json.Unmarshal(resp.Body(), apiErr); err != nil || apiErr.Code == "" {
		apiErr.Code = "unknown_error"
		apiErr.Message = string(resp.Body())
	}
	apiErr.StatusCode = resp.StatusCode()
	return apiErr
}

// TokenPair is the body returned by login and refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Client talks to the server's /api/auth endpoints.
type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

// NewClient returns a client for the API at baseURL.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10*time.Second).
		SetHeader("User-Agent", "chatq/0.1")
	h.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
		logger.Debug("auth response",
			zap.String("method", resp.Request.Method),
			zap.String("url", resp.Request.URL),
			zap.Int("status", resp.StatusCode()))
		return nil
	})
	return &Client{http: h, logger: logger}
}

// Login asks the server for a token pair for userID. Only development
// servers expose this endpoint.
func (c *Client) Login(ctx context.Context, userID string) (Session, error) {
	var pair TokenPair
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"user_id": userID}).
		SetResult(&pair).
		Post("/api/auth/login")
	if err != nil {
		return Session{}, errs.New(errs.Network, "login", err)
	}
	if resp.IsError() {
		return Session{}, errs.New(errs.Authentication, "login", parseError(resp))
	}
	return ParseSession(pair.AccessToken, pair.RefreshToken)
}

// Refresh exchanges s's refresh token for a new session. A rejected refresh
// token is an authentication error; anything else is a network error.
func (c *Client) Refresh(ctx context.Context, s Session) (Session, error) {
	if !s.CanRefresh() {
		return Session{}, errs.New(errs.Authentication, "refresh session", fmt.Errorf("session has no refresh token"))
	}
	var pair TokenPair
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"refresh_token": s.RefreshToken}).
		SetResult(&pair).
		Post("/api/auth/refresh")
	if err != nil {
		return Session{}, errs.New(errs.Network, "refresh session", err)
	}
	if resp.IsError() {
		kind := errs.Network
		if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
			kind = errs.Authentication
		}
		return Session{}, errs.New(kind, "refresh session", parseError(resp))
	}
	if pair.RefreshToken == "" {
		pair.RefreshToken = s.RefreshToken
	}
	next, err := ParseSession(pair.AccessToken, pair.RefreshToken)
	if err != nil {
		return Session{}, err
	}
	c.logger.Info("session refreshed", zap.String("user_id", next.UserID), zap.Time("expires_at", next.ExpiresAt))
	return next, nil
}

// Logout revokes s on the server.
func (c *Client) Logout(ctx context.Context, s Session) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(s.AccessToken).
		SetBody(map[string]string{"refresh_token": s.RefreshToken}).
		Post("/api/auth/logout")
	if err != nil {
		return errs.New(errs.Network, "logout", err)
	}
	if resp.IsError() {
		return errs.New(errs.Authentication, "logout", parseError(resp))
	}
	return nil
}
