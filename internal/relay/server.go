// Package relay is a development chat server speaking the chatq protocol.
// It issues sessions, hands out anti-forgery tokens and acknowledges
// operations idempotently by operation id.
package relay

import (
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options configures a relay.
type Options struct {
	// Secret signs access tokens.
	Secret []byte
	// AccessTTL is the lifetime of access tokens.
	AccessTTL time.Duration
}

// Server holds all relay state in memory.
type Server struct {
	opts   Options
	logger *zap.Logger
	engine *gin.Engine
	skew   atomic.Int64 // added to the wall clock, in nanoseconds

	mu       sync.Mutex
	refresh  map[string]string // refresh token -> user id
	revoked  map[string]bool   // access tokens revoked by logout
	csrf     map[string]string // access token -> csrf token
	acks     map[string]string // operation id -> server id
	accepted []string
	conns    map[*websocket.Conn]struct{}
	sessions int
}

// New creates a relay and its routes.
func New(opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(opts.Secret) == 0 {
		opts.Secret = []byte(uuid.NewString())
	}
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = 15 * time.Minute
	}
	s := &Server{
		opts:    opts,
		logger:  logger,
		refresh: make(map[string]string),
		revoked: make(map[string]bool),
		csrf:    make(map[string]string),
		acks:    make(map[string]string),
		conns:   make(map[*websocket.Conn]struct{}),
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests())
	api := r.Group("/api")
	api.POST("/auth/login", s.login)
	api.POST("/auth/refresh", s.refreshSession)
	api.POST("/auth/logout", s.requireAuth(), s.logout)
	api.GET("/csrf-token", s.requireAuth(), s.csrfToken)
	r.GET("/ws", s.serveWS)
	s.engine = r
	return s
}

// Handler returns the HTTP handler serving every relay route.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}

func abortError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": msg})
}

func bearer(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return after
	}
	return ""
}

// requireAuth rejects requests without a valid access token and stores the
// user id and token in the context.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearer(c)
		userID, err := s.verify(token)
		if err != nil {
			abortError(c, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		c.Set("user_id", userID)
		c.Set("access_token", token)
		c.Next()
	}
}

func (s *Server) login(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, "validation", err.Error())
		return
	}
	s.mu.Lock()
	pair, err := s.issueLocked(req.UserID)
	s.mu.Unlock()
	if err != nil {
		abortError(c, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	s.logger.Info("login", zap.String("user_id", req.UserID))
	c.JSON(http.StatusOK, pair)
}

func (s *Server) refreshSession(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, "validation", err.Error())
		return
	}
	s.mu.Lock()
	pair, err := s.rotateLocked(req.RefreshToken)
	s.mu.Unlock()
	if err == errUnknownRefresh {
		abortError(c, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}
	if err != nil {
		abortError(c, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (s *Server) logout(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	_ = c.ShouldBindJSON(&req)
	token := c.GetString("access_token")

	s.mu.Lock()
	s.revoked[token] = true
	delete(s.csrf, token)
	if req.RefreshToken != "" {
		delete(s.refresh, req.RefreshToken)
	}
	s.mu.Unlock()
	s.logger.Info("logout", zap.String("user_id", c.GetString("user_id")))
	c.Status(http.StatusNoContent)
}

func (s *Server) csrfToken(c *gin.Context) {
	token := c.GetString("access_token")
	s.mu.Lock()
	tok, ok := s.csrf[token]
	if !ok {
		tok = uuid.NewString()
		s.csrf[token] = tok
	}
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"csrf_token": tok})
}

// RotateCSRF replaces every issued anti-forgery token, so operations
// carrying an old one are rejected.
func (s *Server) RotateCSRF() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.csrf {
		s.csrf[k] = uuid.NewString()
	}
}

// Accepted returns operation ids in the order they were first accepted.
func (s *Server) Accepted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.accepted...)
}

// Connects returns how many WebSocket sessions have been authenticated.
func (s *Server) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

// Kick closes every open WebSocket, as a server restart would.
func (s *Server) Kick() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "relay restarting")
	}
}
