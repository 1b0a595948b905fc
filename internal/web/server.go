// Package web serves the file ingestion API over HTTP: authentication,
// streamed multipart uploads, progress snapshots, server-sent progress
// events and paginated parsed content.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/JonMunkholm/fileparse/internal/auth"
	"github.com/JonMunkholm/fileparse/internal/config"
	"github.com/JonMunkholm/fileparse/internal/core"
	"github.com/JonMunkholm/fileparse/internal/events"
	"github.com/JonMunkholm/fileparse/internal/web/middleware"
)

// Files is the file pipeline the handlers drive.
type Files interface {
	Accept(ctx context.Context, req core.AcceptRequest) (core.FileRecord, error)
	Progress(ctx context.Context, fileID, callerID string) (core.FileRecord, error)
	List(ctx context.Context, ownerID string) ([]core.FileRecord, error)
	Content(ctx context.Context, fileID, callerID string, page, limit int) (core.ContentPage, error)
	Subscribe(ctx context.Context, fileID, callerID string, afterSeq uint64) (*events.Subscription, error)
	Delete(ctx context.Context, fileID, callerID string) error
	Limiter() *core.UploadLimiter
}

// Accounts signs users up and in.
type Accounts interface {
	Signup(ctx context.Context, email, password string) (string, error)
	Login(ctx context.Context, email, password string) (auth.Token, error)
	Verify(token string) (auth.Claims, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of a Server.
type Deps struct {
	Files    Files
	Accounts Accounts
	Database Pinger
	Storage  Pinger

	// Metrics is optional; without it /metrics is not mounted.
	Metrics interface {
		middleware.RequestObserver
		Handler() http.Handler
	}
}

// Server is the HTTP server for the ingestion API.
type Server struct {
	cfg    *config.Config
	deps   Deps
	router *chi.Mux
	server *http.Server
}

// NewServer wires routes and middleware.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		router: chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()

	// Request bodies have no overall read timeout: uploads are bounded by
	// the pipeline's idle window instead.
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout, // 0 keeps SSE streams open
		IdleTimeout:       cfg.Server.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(chimw.RequestID)
	s.router.Use(middleware.TrustedRealIP(s.cfg.Security.TrustedProxies))
	s.router.Use(middleware.Logger)
	s.router.Use(chimw.Recoverer)
	if s.deps.Metrics != nil {
		s.router.Use(middleware.Metrics(s.deps.Metrics))
	}
	s.router.Use(middleware.SecurityHeaders)
	s.router.Use(cors.New(cors.Options{
		AllowedOrigins:   s.cfg.Server.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Last-Event-ID"},
		ExposedHeaders:   []string{"Retry-After", "X-Request-Id"},
		AllowCredentials: !allowsAnyOrigin(s.cfg.Server.CORSOrigins),
		MaxAge:           300,
	}).Handler)

	if s.cfg.Rate.Enabled {
		s.router.Use(middleware.NewRateLimiter(s.cfg.Rate.RequestsPerMinute).Middleware(s.respondError))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	s.router.Route("/auth", func(r chi.Router) {
		r.Post("/signup", s.handleSignup)
		r.Post("/login", s.handleLogin)
	})

	s.router.Route("/files", func(r chi.Router) {
		r.Use(middleware.Bearer(s.deps.Accounts, s.respondError))

		upload := http.HandlerFunc(s.handleUpload)
		if s.cfg.Rate.Enabled {
			r.With(middleware.NewRateLimiter(s.cfg.Rate.UploadLimit).Middleware(s.respondError)).
				Post("/", upload)
		} else {
			r.Post("/", upload)
		}
		r.Get("/", s.handleList)

		r.Route("/{fileID}", func(r chi.Router) {
			r.Get("/", s.handleContent)
			r.Delete("/", s.handleDelete)
			r.Get("/progress", s.handleProgress)
			r.Get("/events", s.handleEvents)
		})
	})

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.respondErrorStatus(w, r, errRouteNotFound, http.StatusNotFound)
	})
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.respondErrorStatus(w, r, errMethodNotAllowed, http.StatusMethodNotAllowed)
	})
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	slog.Info("starting server", "addr", ln.Addr().String())
	err := s.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for active ones.
// Open event streams are ended by closing the event bus, not here.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	check := func(p Pinger) string {
		if p == nil {
			return "disabled"
		}
		if err := p.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			slog.Warn("health check failed", "error", err)
			return "unavailable"
		}
		return "ok"
	}

	body := healthResponse{
		Database: check(s.deps.Database),
		Storage:  check(s.deps.Storage),
		Uploads:  s.deps.Files.Limiter().Status(),
	}
	body.Status = "ok"
	if status != http.StatusOK {
		body.Status = "degraded"
	}
	writeJSON(w, status, body)
}

type healthResponse struct {
	Status   string                   `json:"status"`
	Database string                   `json:"database"`
	Storage  string                   `json:"storage"`
	Uploads  core.UploadLimiterStatus `json:"uploads"`
}

func allowsAnyOrigin(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return len(origins) == 0
}
