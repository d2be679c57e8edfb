package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-dm/internal/auth"
	"github.com/npezzotti/go-dm/internal/chat"
	"github.com/npezzotti/go-dm/internal/config"
	"github.com/npezzotti/go-dm/internal/server"
	"github.com/npezzotti/go-dm/internal/stats"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// HealthChecker is a dependency reported by /healthz.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type ChatApp struct {
	log            zerolog.Logger
	svc            chat.ChatService
	cs             *server.ChatServer
	authn          *auth.Authenticator
	checks         map[string]HealthChecker
	allowedOrigins []string
	limiter        *RateLimiter
	handler        http.Handler
	srv            *http.Server
}

// NewChatApp registers every route on mux. su may be nil, in which case
// request metrics are not recorded.
func NewChatApp(mux *http.ServeMux, logger zerolog.Logger, cs *server.ChatServer, svc chat.ChatService,
	authn *auth.Authenticator, su *stats.StatsUpdater, checks map[string]HealthChecker, cfg *config.Config) *ChatApp {
	s := &ChatApp{
		log:            logger,
		svc:            svc,
		cs:             cs,
		authn:          authn,
		checks:         checks,
		allowedOrigins: cfg.AllowedOrigins,
		limiter:        NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
	}

	mux.HandleFunc("GET /healthz", s.healthz)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("GET /api/auth/me", s.authMiddleware(s.me))
	mux.HandleFunc("GET /api/auth/logout", s.authMiddleware(s.logout))
	mux.HandleFunc("GET /api/users", s.authMiddleware(s.listUsers))
	mux.HandleFunc("GET /api/users/{id}", s.authMiddleware(s.getUser))
	mux.HandleFunc("GET /api/conversations", s.authMiddleware(s.listConversations))
	mux.HandleFunc("POST /api/conversations", s.authMiddleware(s.createConversation))
	mux.HandleFunc("PATCH /api/conversations/{id}", s.authMiddleware(s.updateConversation))
	mux.HandleFunc("DELETE /api/conversations/{id}", s.authMiddleware(s.deleteConversation))
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.authMiddleware(s.listMessages))
	mux.HandleFunc("POST /api/conversations/{id}/messages", s.authMiddleware(s.sendMessage))
	mux.HandleFunc("GET /ws", s.serveWs)

	var h http.Handler = mux
	if su != nil {
		h = su.Middleware(h)
	}

	h = handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(h)

	h = s.rateLimit(h)
	h = hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	})(h)
	h = hlog.RequestIDHandler("req_id", "X-Request-Id")(h)
	h = hlog.NewHandler(logger)(h)
	h = s.errorHandler(h)

	s.handler = h
	s.srv = &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *ChatApp) Handler() http.Handler {
	return s.handler
}

func (s *ChatApp) Start() error {
	go s.limiter.Run()

	s.log.Info().Str("addr", s.srv.Addr).Msg("starting server")
	return s.srv.ListenAndServe()
}

func (s *ChatApp) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	s.limiter.Stop()

	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
