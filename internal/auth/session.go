// Package auth holds the session credentials a daemon connects with and the
// HTTP client that refreshes them.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/chatq/internal/errs"
)

// Session is the identity a connection is bound to.
type Session struct {
	UserID       string    `json:"user_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ParseSession builds a Session from a token pair. The access token's
// signature is not checked here; the server does that on connect. Only the
// sub and exp claims are read.
func ParseSession(accessToken, refreshToken string) (Session, error) {
	if accessToken == "" {
		return Session{}, errs.Validationf("access token is required")
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return Session{}, errs.New(errs.Validation, "parse access token", err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Session{}, errs.Validationf("access token has no subject")
	}
	s := Session{UserID: sub, AccessToken: accessToken, RefreshToken: refreshToken}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return Session{}, errs.New(errs.Validation, "parse access token", fmt.Errorf("exp claim: %w", err))
	}
	if exp != nil {
		s.ExpiresAt = exp.Time
	}
	return s, nil
}

// IsZero reports whether no session was supplied.
func (s Session) IsZero() bool {
	return s.AccessToken == ""
}

// CanRefresh reports whether the session carries a refresh token.
func (s Session) CanRefresh() bool {
	return s.RefreshToken != ""
}

// Expired reports whether the access token has expired at now. Sessions
// without an expiry never expire.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Same reports whether two sessions carry the same credentials.
func (s Session) Same(o Session) bool {
	return s.AccessToken == o.AccessToken && s.RefreshToken == o.RefreshToken
}
