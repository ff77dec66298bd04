package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/matheus3301/chatq/internal/auth"
)

var errUnknownRefresh = errors.New("unknown or revoked refresh token")

// issue signs a new access token for userID and records a fresh refresh
// token. Callers hold s.mu.
func (s *Server) issueLocked(userID string) (auth.TokenPair, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(s.opts.AccessTTL).Unix(),
		"jti": uuid.NewString(),
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.opts.Secret)
	if err != nil {
		return auth.TokenPair{}, fmt.Errorf("sign access token: %w", err)
	}
	refresh := uuid.NewString()
	s.refresh[refresh] = userID
	return auth.TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// verify checks an access token's signature and expiry and returns its
// subject.
func (s *Server) verify(token string) (string, error) {
	if token == "" {
		return "", errors.New("no authentication token provided")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	parsed, err := parser.Parse(token, func(*jwt.Token) (any, error) {
		return s.opts.Secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("token has no subject")
	}
	s.mu.Lock()
	revoked := s.revoked[token]
	s.mu.Unlock()
	if revoked {
		return "", errors.New("token revoked")
	}
	return sub, nil
}

// rotateLocked swaps a refresh token for a new pair.
func (s *Server) rotateLocked(refresh string) (auth.TokenPair, error) {
	userID, ok := s.refresh[refresh]
	if !ok {
		return auth.TokenPair{}, errUnknownRefresh
	}
	delete(s.refresh, refresh)
	return s.issueLocked(userID)
}

func (s *Server) now() time.Time {
	return time.Now().Add(time.Duration(s.skew.Load()))
}
