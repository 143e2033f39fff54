package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/harrier/internal/domain"
)

// maxRequestBody bounds analysis and pattern payloads.
const maxRequestBody = 1 << 20

// Server is the HTTP front of the scoring engine.
type Server struct {
	router *chi.Mux
	server *http.Server
	config domain.ServerConfig
}

// NewServer mounts the routes of h. Operational endpoints are open; every
// other route requires X-Tenant-ID.
func NewServer(cfg domain.ServerConfig, h *Handler) *Server {
	r := chi.NewRouter()

	// Recover sits inside tracing and logging so a panic is still recorded
	// as a 500 on the span and in the access log.
	r.Use(
		CORSMiddleware,
		TracingMiddleware,
		LoggingMiddleware,
		RecoverMiddleware,
		middleware.RealIP,
		middleware.Compress(5),
		MaxBodyMiddleware(maxRequestBody),
	)

	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
	r.Get("/metrics", h.Metrics)

	r.Group(func(r chi.Router) {
		r.Use(TenantMiddleware)

		r.Post("/analyze", h.Analyze)
		r.Post("/analyze/ensemble", h.AnalyzeEnsemble)

		r.Route("/filings", func(r chi.Router) {
			r.Post("/", h.SubmitFiling)
			r.Get("/{id}", h.GetFiling)
		})
		r.Get("/analyses/{id}", h.GetAnalysis)
		r.Get("/taxpayers/{id}/analyses", h.ListTaxpayerAnalyses)
		r.Get("/model", h.GetModel)

		r.Route("/patterns", func(r chi.Router) {
			r.Get("/", h.ListPatterns)
			r.Post("/", h.CreatePattern)
			r.Post("/reload", h.ReloadPatterns)
			r.Get("/{id}", h.GetPattern)
			r.Delete("/{id}", h.DeletePattern)
			r.Post("/{id}/false-positive", h.MarkFalsePositive)
		})
	})

	return &Server{router: r, config: cfg}
}

// Start listens on the configured address and blocks until Shutdown.
// It returns http.ErrServerClosed after a graceful shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port)),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router exposes the mux for in-process tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}
