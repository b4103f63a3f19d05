package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"clinic-registration/internal/infra/logging"
	"clinic-registration/internal/usecase"
)

// Server exposes the registration orchestrator and state store to the UI
// layer. It renders outcomes only; navigation and presentation stay with the
// clients.
type Server struct {
	regUC usecase.RegistrationUseCase
	store *usecase.StateStore
	auth  *AuthManager
	log   *zerolog.Logger
}

func NewServer(regUC usecase.RegistrationUseCase, store *usecase.StateStore, auth *AuthManager, logger *zerolog.Logger) *Server {
	return &Server{regUC: regUC, store: store, auth: auth, log: logger}
}

// Router builds the chi routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.traceMiddleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1/registration", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/order", s.handleCreateOrder)
		r.Post("/complete", s.handleComplete)
		r.Get("/status", s.handleStatus)
		r.Post("/retry-tasks", s.handleRetryTasks)
		r.Get("/state", s.handleGetState)
		r.Post("/role", s.handleUpdateRole)
		r.Post("/finalize", s.handleFinalize)
		r.Post("/reset", s.handleReset)
		r.Post("/polling/stop", s.handleStopPolling)
	})
	return r
}

// traceMiddleware tags every request with a trace id for log correlation.
func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-Id")
		if traceID == "" {
			traceID = uuid.NewString()
		}
		w.Header().Set("X-Trace-Id", traceID)
		next.ServeHTTP(w, r.WithContext(logging.WithTraceID(r.Context(), traceID)))
	})
}

// authMiddleware requires a valid session token and stashes the user id in
// the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.auth.ParseFromRequest(r)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := withUserID(r.Context(), claims.Subject)
		ctx = logging.WithUserID(ctx, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
