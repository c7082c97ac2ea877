package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/kinship-social/apiserver/config"
	"github.com/kinship-social/apiserver/internal/auth"
	"github.com/kinship-social/apiserver/internal/db"
	"github.com/kinship-social/apiserver/internal/handlers"
	"github.com/kinship-social/apiserver/internal/logging"
	"github.com/kinship-social/apiserver/internal/mq"
	"github.com/kinship-social/apiserver/internal/services"
	"github.com/kinship-social/apiserver/internal/storage"
	"github.com/kinship-social/apiserver/internal/store"
)

// Options tunes how New assembles the server.
type Options struct {
	// Memory keeps users in process memory instead of Postgres.
	Memory bool
	Logger *slog.Logger
}

// Server wraps the HTTP server and router.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	logger     *slog.Logger

	db       *sql.DB
	pictures *storage.Storage
	broker   *mq.MQ
}

// New constructs a Server with its dependencies and routes.
func New(ctx context.Context, cfg config.Config, opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	jwtSecret := strings.TrimSpace(cfg.Auth.JWTSecret)
	if jwtSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	tokens, err := auth.NewTokenIssuer(jwtSecret, cfg.Auth.TokenTTL)
	if err != nil {
		return nil, err
	}

	s := &Server{logger: logger}

	var repo services.UserRepository
	if opts.Memory {
		logger.Warn("using in-memory user store; data is lost on restart")
		repo = store.NewMemoryUserRepository()
	} else {
		s.db, err = db.Open(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		repo = store.NewUserRepository(s.db)
	}

	serviceOpts := []services.Option{
		services.WithActiveWindow(cfg.Auth.ActiveWindow),
		services.WithLogger(logger),
	}

	s.pictures, err = storage.Open(ctx, cfg.Storage)
	if err != nil {
		s.close()
		return nil, err
	}
	if s.pictures != nil {
		logger.Info("profile picture storage enabled", "backend", cfg.Storage.Backend, "bucket", s.pictures.Bucket())
		serviceOpts = append(serviceOpts, services.WithPictureStorage(s.pictures))
	}

	s.broker, err = mq.Open(ctx, cfg.MQ)
	if err != nil {
		s.close()
		return nil, err
	}
	if s.broker != nil {
		logger.Info("account events enabled", "backend", cfg.MQ.Backend, "channel", cfg.MQ.EventsChannel)
		serviceOpts = append(serviceOpts, services.WithEventPublisher(s.broker, cfg.MQ.EventsChannel))
	}

	userService := services.NewUserService(repo, auth.NewPasswordHasher(auth.DefaultBcryptCost), tokens, serviceOpts...)

	s.router = NewRouter(userService, logger)

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// NewRouter mounts the account API on a chi router with the standard
// middleware stack.
func NewRouter(userService *services.UserService, logger *slog.Logger) *chi.Mux {
	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		logging.RequestLogger(logger),
		middleware.Recoverer,
		middleware.Timeout(60*time.Second),
	)
	router.Get("/healthz", handlers.Healthz)
	router.Route("/api/users", func(r chi.Router) {
		handlers.UserRouter(r, userService, logger)
	})
	return router
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and releases dependencies.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.close()
	return err
}

func (s *Server) close() {
	if s.broker != nil {
		if err := s.broker.Close(); err != nil {
			s.logger.Warn("close broker failed", "error", err)
		}
	}
	if s.pictures != nil {
		if err := s.pictures.Close(); err != nil {
			s.logger.Warn("close storage failed", "error", err)
		}
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}
