// Package csrf fetches and caches the anti-forgery token the server
// requires on state-changing operations.
package csrf

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/matheus3301/chatq/internal/auth"
	"github.com/matheus3301/chatq/internal/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type tokenResponse struct {
	Token string `json:"csrf_token"`
}

// Guard holds one token per session. Concurrent callers share a single
// fetch.
type Guard struct {
	http   *resty.Client
	logger *zap.Logger
	group  singleflight.Group

	mu      sync.Mutex
	token   string
	boundTo string // access token the cached token was issued for
}

// NewGuard returns a guard fetching tokens from the API at baseURL.
func NewGuard(baseURL string, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(10 * time.Second),
		logger: logger,
	}
}

// Token returns the token for s, fetching it when none is cached for s.
func (g *Guard) Token(ctx context.Context, s auth.Session) (string, error) {
	g.mu.Lock()
	if g.token != "" && g.boundTo == s.AccessToken {
		tok := g.token
		g.mu.Unlock()
		return tok, nil
	}
	g.mu.Unlock()

	v, err, _ := g.group.Do(s.AccessToken, func() (any, error) {
		return g.fetch(ctx, s)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (g *Guard) fetch(ctx context.Context, s auth.Session) (string, error) {
	var body tokenResponse
	resp, err := g.http.R().
		SetContext(ctx).
		SetAuthToken(s.AccessToken).
		SetResult(&body).
		Get("/api/csrf-token")
	if err != nil {
		return "", errs.New(errs.Network, "fetch csrf token", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return "", errs.New(errs.Authentication, "fetch csrf token", fmt.Errorf("status %d", resp.StatusCode()))
	}
	if resp.IsError() || body.Token == "" {
		return "", errs.New(errs.Network, "fetch csrf token", fmt.Errorf("status %d", resp.StatusCode()))
	}

	g.mu.Lock()
	g.token = body.Token
	g.boundTo = s.AccessToken
	g.mu.Unlock()
	g.logger.Debug("csrf token fetched", zap.String("user_id", s.UserID))
	return body.Token, nil
}

// Invalidate drops the cached token so the next call fetches a new one.
func (g *Guard) Invalidate() {
	g.mu.Lock()
	g.token = ""
	g.boundTo = ""
	g.mu.Unlock()
}
