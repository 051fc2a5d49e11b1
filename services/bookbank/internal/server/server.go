package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"bookbank/internal/metrics"
	"bookbank/internal/ratelimit"
	"bookbank/internal/util"
	"bookbank/pkg/domain"
	"bookbank/services/bookbank/internal/app"
)

const (
	sessionCookieName = "bookbank_session"
	loginPath         = "/login"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App     *app.App
	Metrics *metrics.Metrics
	// Redis backs the auth rate limiters. Nil disables rate limiting.
	Redis                    redis.UniversalClient
	SignupRateLimitPerMinute int
	LoginRateLimitPerMinute  int
	TrustedProxies           *util.TrustedProxies
	SessionTTL               time.Duration
	SessionCookieSecure      bool
}

// Server exposes the BookBank HTTP API.
type Server struct {
	app           *app.App
	metrics       *metrics.Metrics
	mux           *http.ServeMux
	trusted       *util.TrustedProxies
	sessionTTL    time.Duration
	cookieSecure  bool
	signupLimiter *ratelimit.FixedWindowLimiter
	loginLimiter  *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	s := &Server{
		app:          cfg.App,
		metrics:      cfg.Metrics,
		mux:          http.NewServeMux(),
		trusted:      cfg.TrustedProxies,
		sessionTTL:   cfg.SessionTTL,
		cookieSecure: cfg.SessionCookieSecure,
	}
	if cfg.Redis != nil {
		signupLimit := cfg.SignupRateLimitPerMinute
		if signupLimit <= 0 {
			signupLimit = 5
		}
		loginLimit := cfg.LoginRateLimitPerMinute
		if loginLimit <= 0 {
			loginLimit = 10
		}
		var err error
		if s.signupLimiter, err = ratelimit.NewFixedWindowLimiter(cfg.Redis, "bookbank:ratelimit:signup", signupLimit, time.Minute); err != nil {
			return nil, fmt.Errorf("init signup limiter: %w", err)
		}
		if s.loginLimiter, err = ratelimit.NewFixedWindowLimiter(cfg.Redis, "bookbank:ratelimit:login", loginLimit, time.Minute); err != nil {
			return nil, fmt.Errorf("init login limiter: %w", err)
		}
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(s.metrics.ObserveHTTP, util.WithSecurityHeaders(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/metrics", s.metrics.Handler())

	// accounts
	s.mux.HandleFunc("/api/auth/register", s.handleRegister)
	s.mux.HandleFunc("/api/auth/login", s.handleLogin)
	s.mux.HandleFunc("/api/auth/logout", s.handleLogout)
	s.mux.Handle("/api/users/me", s.authenticated(s.handleMe))

	// catalog
	s.mux.Handle("/api/books", s.authenticated(s.handleBooks))
	s.mux.Handle("/api/books/mine", s.authenticated(s.handleMyBooks))
	s.mux.Handle("/api/book/", s.authenticated(s.handleBookByID))

	// loan workflow and chat
	s.mux.Handle("/request_book/", s.authenticated(s.handleRequestBook))
	s.mux.Handle("/request/", s.authenticated(s.handleRequest))
	s.mux.Handle("/api/requests", s.authenticated(s.handleMyRequests))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.User)

// authenticated resolves the session and injects the caller. Browsers asking
// for HTML are redirected to the login page; API clients get 401.
func (s *Server) authenticated(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := sessionToken(r)
		user, ok, err := s.app.UserFromToken(r.Context(), token)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		if !ok {
			reason := "missing_token"
			if token != "" {
				reason = "invalid_session"
			}
			s.audit(r, "session.verify", "fail", "reason", reason)
			if wantsHTML(r) {
				http.Redirect(w, r, loginPath, http.StatusSeeOther)
				return
			}
			writeError(w, r, http.StatusUnauthorized, "unauthenticated", "Please log in")
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("user_id", user.ID))
		next(w, r.WithContext(ctx), user)
	})
}

func sessionToken(r *http.Request) string {
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); auth != "" {
		if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
			return strings.TrimSpace(auth[7:])
		}
	}
	if c, err := r.Cookie(sessionCookieName); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}

func wantsHTML(r *http.Request) bool {
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}

func (s *Server) setSessionCookie(w http.ResponseWriter, token string) {
	cookie := &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
	if s.sessionTTL > 0 {
		cookie.MaxAge = int(s.sessionTTL / time.Second)
	}
	http.SetCookie(w, cookie)
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trusted),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	if limiter.Allow(r.Context(), util.ClientIP(r, s.trusted)) {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(limiter.RetryAfter()))
	writeError(w, r, http.StatusTooManyRequests, "rate_limited", msg)
	return false
}
