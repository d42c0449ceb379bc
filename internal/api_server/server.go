package apiserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/sitescan/notifier/internal/auth"
	"github.com/sitescan/notifier/internal/config"
	"github.com/sitescan/notifier/internal/service/mappers"
	"github.com/sitescan/notifier/internal/store/model"
	"github.com/sitescan/notifier/pkg/metrics"
	"github.com/sitescan/notifier/pkg/middleware"
	"go.uber.org/zap"
)

const (
	gracefulShutdownTimeout = 5 * time.Second
	healthTimeout           = 2 * time.Second
)

type JobLister interface {
	List(ctx context.Context, identity string) (model.JobList, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	cfg      *config.Config
	store    Pinger
	listener net.Listener
	jobs     JobLister
	socket   http.Handler
}

// New returns a new instance of the notifier server.
func New(
	cfg *config.Config,
	store Pinger,
	listener net.Listener,
	jobs JobLister,
	socket http.Handler,
) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		listener: listener,
		jobs:     jobs,
		socket:   socket,
	}
}

func (s *Server) Run(ctx context.Context) error {
	zap.S().Named("api_server").Info("Initializing API server")

	authenticator, err := auth.NewAuthenticator(s.cfg.Service.Auth)
	if err != nil {
		return fmt.Errorf("failed to create authenticator: %w", err)
	}

	metricMiddleware := metrics.NewMiddleware("api_server", metrics.WithLatencyBuckets(s.cfg.Service.HTTPLatencyBuckets))
	metricMiddleware.MustRegisterDefault()

	srv := http.Server{Addr: s.cfg.Service.Address, Handler: s.handler(authenticator, metricMiddleware)}

	go func() {
		<-ctx.Done()
		zap.S().Named("api_server").Infof("Shutdown signal received: %s", ctx.Err())
		ctxTimeout, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		_ = srv.Shutdown(ctxTimeout)
		zap.S().Named("api_server").Info("api server terminated")
	}()

	zap.S().Named("api_server").Infof("Listening on %s...", s.listener.Addr().String())
	if err := srv.Serve(s.listener); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (s *Server) handler(authenticator auth.Authenticator, metricMiddleware *metrics.Middleware) http.Handler {
	router := chi.NewRouter()

	router.Use(
		metricMiddleware.Handler,
		cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.Service.AllowedOrigins,
			AllowedMethods:   []string{"GET", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
			MaxAge:           300,
		}),
		middleware.RequestID,
		middleware.Logger(),
		chiMiddleware.Recoverer,
	)

	router.Get("/health", s.health)

	router.Group(func(r chi.Router) {
		r.Use(authenticator.Authenticator)
		r.Handle("/ws", s.socket)
		r.Get("/api/v1/jobs", s.listJobs)
	})

	return router
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		zap.S().Named("api_server").Warnw("database unreachable", "error", err)
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, map[string]string{"status": "unavailable"})
		return
	}
	render.JSON(w, r, map[string]string{"status": "ok"})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	user := auth.MustHaveUser(r.Context())

	jobs, err := s.jobs.List(r.Context(), user.Identity)
	if err != nil {
		zap.S().Named("api_server").Errorw("failed to list jobs", "error", err, "identity", user.Identity)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, map[string]string{"message": "failed to list jobs"})
		return
	}
	render.JSON(w, r, mappers.JobListToApi(jobs))
}
