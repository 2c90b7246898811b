package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agora/internal/auth"
	"agora/internal/config"
	"agora/internal/repository"
	"agora/internal/session"
	"agora/internal/throttle"
)

const roleSiteAdmin = "site_admin"

var authOps = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "agora_auth_operations_total",
	Help: "Auth operation outcomes by operation and result.",
}, []string{"operation", "outcome"})

type Server struct {
	cfg     config.Config
	log     *slog.Logger
	store   *repository.Store
	manager *session.Manager
	limiter *throttle.LoginLimiter
}

func NewServer(cfg config.Config, log *slog.Logger, store *repository.Store, manager *session.Manager, limiter *throttle.LoginLimiter) *Server {
	return &Server{
		cfg:     cfg,
		log:     log,
		store:   store,
		manager: manager,
		limiter: limiter,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestLogging)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/auth", func(r chi.Router) {
		r.Post("/join", s.handleJoin)
		r.Post("/join/guest", s.handleJoinGuest)
		r.Post("/login", s.handleLogin)
		r.Post("/refresh", s.handleRefresh)

		// Logout skips the liveness guard: a token whose session was just
		// revoked must still reach the handler to hear already_revoked.
		r.Post("/logout", s.handleLogout)
		r.With(s.authMiddleware).Post("/logout-all", s.handleLogoutAll)
		r.With(s.authMiddleware).Post("/password", s.handleChangePassword)
		r.With(s.authMiddleware).Get("/sessions", s.handleListSessions)
		r.With(s.authMiddleware).Delete("/sessions/{sessionId}", s.handleRevokeSession)
	})

	r.Route("/accounts", func(r chi.Router) {
		r.With(s.authMiddleware).Get("/me", s.handleGetMe)
		r.With(s.authMiddleware).Patch("/me", s.handlePatchMe)
		r.With(s.authMiddleware).Delete("/me", s.handleDeactivate)
	})

	r.Route("/admin", func(r chi.Router) {
		r.With(s.authMiddleware, s.requireSiteAdmin).Post("/roles", s.handleGrantRole)
		r.With(s.authMiddleware, s.requireSiteAdmin).Delete("/roles/{accountId}", s.handleRevokeRole)
	})

	r.Route("/communities", func(r chi.Router) {
		r.Get("/", s.handleListCommunities)
		r.With(s.authMiddleware).Post("/", s.handleCreateCommunity)
		r.Get("/{name}", s.handleGetCommunity)
		r.With(s.authMiddleware).Patch("/{name}", s.handlePatchCommunity)
		r.With(s.authMiddleware).Delete("/{name}", s.handleDeleteCommunity)
		r.With(s.authMiddleware).Put("/{name}/rules", s.handlePutCommunityRules)
		r.Get("/{name}/posts", s.handleListPosts)
		r.With(s.authMiddleware).Post("/{name}/posts", s.handleCreatePost)
	})

	r.Route("/posts", func(r chi.Router) {
		r.Get("/{postId}", s.handleGetPost)
		r.With(s.authMiddleware).Patch("/{postId}", s.handlePatchPost)
		r.With(s.authMiddleware).Delete("/{postId}", s.handleDeletePost)
		r.With(s.authMiddleware).Post("/{postId}/votes", s.handleVotePost)
		r.Get("/{postId}/comments", s.handleListComments)
		r.With(s.authMiddleware).Post("/{postId}/comments", s.handleCreateComment)
	})

	r.Route("/comments", func(r chi.Router) {
		r.With(s.authMiddleware).Patch("/{commentId}", s.handlePatchComment)
		r.With(s.authMiddleware).Delete("/{commentId}", s.handleDeleteComment)
		r.With(s.authMiddleware).Post("/{commentId}/votes", s.handleVoteComment)
	})

	return r
}

// authMiddleware is the guard on protected routes: any verification or
// session-liveness failure yields one 401 code, never the reason.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthenticated")
			return
		}

		claims, err := s.manager.ValidateAccessToken(r.Context(), token)
		if err != nil {
			if errors.Is(err, session.ErrUnauthenticated) {
				writeError(w, http.StatusUnauthorized, "unauthenticated")
				return
			}
			s.log.Error("token validation", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireSiteAdmin reads the role assignment live so a revoked grant locks the
// account out immediately, even with a still-active session.
func (s *Server) requireSiteAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFromContext(r.Context())
		if claims == nil {
			writeError(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		ok, err := s.store.HasActiveRole(r.Context(), claims.AccountID, roleSiteAdmin)
		if err != nil {
			s.log.Error("role lookup", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error")
			return
		}
		if !ok {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(lrw, r)

		s.log.Info("http.request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lrw.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote", r.RemoteAddr,
		)
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

type claimsKey struct{}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

// writeSessionError maps the session taxonomy onto HTTP codes; anything
// outside it is a store fault and surfaces as a generic server error.
func (s *Server) writeSessionError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, "invalid_request")
	case errors.Is(err, session.ErrConflict):
		writeError(w, http.StatusConflict, "conflict")
	case errors.Is(err, session.ErrAuthenticationFailed):
		writeError(w, http.StatusUnauthorized, "invalid_credentials")
	case errors.Is(err, session.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "invalid_token")
	case errors.Is(err, session.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "unauthenticated")
	case errors.Is(err, session.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	default:
		s.log.Error("session operation failed", "op", op, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
	}
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

const maxPageSize = 200

func limitParam(r *http.Request, fallback int) int {
	limit := fallback
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return limit
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
