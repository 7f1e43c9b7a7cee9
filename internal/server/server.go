// Package server is the development backend the sync core talks to: a
// GraphQL endpoint for sending and paging messages, a graphql-transport-ws
// endpoint for live updates and a small REST surface for rooms, reactions
// and credentials.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/christopherjohns/guildsync/internal/auth"
	"github.com/christopherjohns/guildsync/internal/config"
	"github.com/christopherjohns/guildsync/internal/logging"
	"github.com/christopherjohns/guildsync/internal/message"
	"github.com/christopherjohns/guildsync/internal/ratelimit"
	"github.com/christopherjohns/guildsync/internal/room"
	"github.com/christopherjohns/guildsync/internal/ws"
)

const shutdownTimeout = 10 * time.Second

// Server is the development backend.
type Server struct {
	cfg    config.ServerConfig
	logger *zap.Logger
	mux    *http.ServeMux

	rooms     *room.Manager
	messages  message.History
	reactions *Reactions
	issuer    *auth.Issuer
	hub       *ws.Hub

	sendLimits *ratelimit.Limiter
	ipLimits   *ratelimit.Pool

	registry *prometheus.Registry
	metrics  *metrics
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRedis stores message history in Redis instead of memory.
func WithRedis(client redis.Cmdable) Option {
	return func(s *Server) {
		s.messages = message.NewRedisStore(client, s.cfg.HistorySize, s.logger)
	}
}

// WithStore sets the message history backend.
func WithStore(store message.History) Option {
	return func(s *Server) {
		s.messages = store
	}
}

// New creates a Server. Zero config fields fall back to config.Default.
func New(cfg config.ServerConfig, opts ...Option) *Server {
	cfg = withDefaults(cfg)
	s := &Server{
		cfg:       cfg,
		logger:    zap.NewNop(),
		mux:       http.NewServeMux(),
		rooms:     room.NewManager(),
		reactions: NewReactions(),
		issuer:    auth.NewIssuer(cfg.TokenTTL.Duration()),
		registry:  prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.messages == nil {
		s.messages = message.NewStore(cfg.HistorySize)
	}
	for _, r := range cfg.Rooms {
		s.rooms.Create(r.ID, r.Name, r.GuildName)
	}
	s.sendLimits = ratelimit.NewLimiter(cfg.SendLimit, cfg.SendWindow.Duration())
	s.ipLimits = ratelimit.NewPool(cfg.RequestRate, cfg.RequestBurst)

	s.metrics = newMetrics(s.registry, func() int { return s.hub.ConnMgr().Count() })
	conns := ws.NewConnManager(
		ws.WithMaxConns(cfg.MaxConns),
		ws.WithIdleTimeout(cfg.IdleTimeout.Duration()),
		ws.WithConnLogger(s.logger),
		ws.WithConnEvents(s.metrics.connEvent),
	)
	s.hub = ws.NewHub(conns, s.logger)

	s.routes()
	return s
}

func withDefaults(cfg config.ServerConfig) config.ServerConfig {
	def := config.Default().Server
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = def.MaxMessageBytes
	}
	if cfg.SendLimit <= 0 {
		cfg.SendLimit = def.SendLimit
	}
	if cfg.SendWindow <= 0 {
		cfg.SendWindow = def.SendWindow
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = def.TokenTTL
	}
	if cfg.RequestRate <= 0 {
		cfg.RequestRate = def.RequestRate
	}
	if cfg.RequestBurst <= 0 {
		cfg.RequestBurst = def.RequestBurst
	}
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	return cfg
}

// Handler returns the root handler with request logging.
func (s *Server) Handler() http.Handler {
	return logging.Middleware(s.logger, s.mux)
}

// Issuer exposes the credential issuer.
func (s *Server) Issuer() *auth.Issuer {
	return s.issuer
}

// Hub exposes the subscription hub.
func (s *Server) Hub() *ws.Hub {
	return s.hub
}

// Run serves on the configured address until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server: listening", zap.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("server: shutting down")
	s.hub.ConnMgr().Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	s.mux.HandleFunc("POST /auth/token", s.limited(s.handleIssueToken))
	s.mux.HandleFunc("POST /auth/refresh", s.limited(s.handleRefreshToken))

	s.mux.HandleFunc("POST /graphql", s.limited(s.authed(s.handleGraphQL)))
	s.mux.Handle("GET /graphql/ws", ws.NewHandler(s.hub, s.issuer, validRoomID, s.logger))

	s.mux.HandleFunc("GET /api/rooms", s.limited(s.handleListRooms))
	s.mux.HandleFunc("GET /api/rooms/{id}", s.limited(s.authed(s.handleGetRoom)))
	s.mux.HandleFunc("POST /api/rooms/{id}/join", s.limited(s.authed(s.handleJoinRoom)))
	s.mux.HandleFunc("POST /api/rooms/{id}/leave", s.limited(s.authed(s.handleLeaveRoom)))

	s.mux.HandleFunc("GET /api/messages/{id}/reactions", s.limited(s.authed(s.handleListReactions)))
	s.mux.HandleFunc("POST /api/messages/{id}/reactions", s.limited(s.authed(s.handleAddReaction)))
	s.mux.HandleFunc("DELETE /api/messages/{id}/reactions/{shortcode}", s.limited(s.authed(s.handleRemoveReaction)))
}

func validRoomID(id string) string {
	if strings.TrimSpace(id) == "" || id == room.GuildPrefix {
		return "invalid room id"
	}
	return ""
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.hub.ConnMgr().Count(),
		"sessions":    s.issuer.Count(),
	})
}

type sessionKey struct{}

// authed rejects requests without a valid bearer token and stores the
// session in the request context.
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token")
			return
		}
		sess, err := s.issuer.Validate(strings.TrimSpace(token))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error())
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, sess)))
	}
}

func sessionFrom(r *http.Request) *auth.Session {
	sess, _ := r.Context().Value(sessionKey{}).(*auth.Session)
	return sess
}

// limited applies the per-client request budget.
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.ipLimits.Allow(clientIP(r)) {
			s.metrics.rateLimited.WithLabelValues("ip").Inc()
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
			return
		}
		next(w, r)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}

// retryAfterSeconds rounds d up to whole seconds, at least one.
func retryAfterSeconds(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
