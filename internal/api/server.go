package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"sketchbook/internal/config"
	"sketchbook/internal/live"
	"sketchbook/internal/monitor"
	"sketchbook/internal/preview"
	"sketchbook/internal/storage"
)

// Deps are the components the HTTP layer serves. History, Database,
// Rasterizer, Runner and Watched are optional.
type Deps struct {
	Sketches    Sketches
	Coordinator Triggerer
	Cache       *preview.Cache
	Hub         *live.Hub
	History     storage.Reader
	Metrics     *monitor.Metrics
	MaxTimeout  time.Duration
	Watched     func() []string

	Database   interface{ Healthy(context.Context) bool }
	Rasterizer interface{ Available() bool }
	Runner     interface{ ActiveCount() int64 }
}

// Server is the studio's HTTP server.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	deps       Deps
	startTime  time.Time
	stopLimit  func()
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, deps Deps) *Server {
	handlers := NewHandlers(deps)

	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		deps:      deps,
		startTime: time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		log.Debug().Msg("no API keys configured; access is limited by client address only")
	}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /sketches", handlers.HandleListSketches)
	apiMux.HandleFunc("GET /status/{sketch}", handlers.HandleStatus)
	apiMux.HandleFunc("GET /code/{sketch}", handlers.HandleCode)
	apiMux.HandleFunc("POST /execute/{sketch}", handlers.HandleExecute)
	apiMux.HandleFunc("GET /preview/{sketch}", handlers.HandlePreview)
	apiMux.HandleFunc("GET /preview/{sketch}/{version}", handlers.HandlePreview)
	apiMux.HandleFunc("GET /preview/{sketch}/{version}/page/{page}", handlers.HandlePage)
	apiMux.HandleFunc("GET /thumbnail/{sketch}", handlers.HandleThumbnail)
	apiMux.HandleFunc("GET /live/{sketch}", handlers.HandleLive)
	apiMux.HandleFunc("GET /events/{sketch}", handlers.HandleEvents)
	apiMux.HandleFunc("GET /live-stats", handlers.HandleLiveStats)
	apiMux.HandleFunc("GET /executions", handlers.HandleListExecutions)
	apiMux.HandleFunc("GET /executions/{id}", handlers.HandleGetExecution)

	authedAPI := AuthMiddleware(cfg.Security.AllowedKeys, cfg.Security.APIKeyHeader)(apiMux)

	// health and metrics bypass auth
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Metrics.Enabled && deps.Metrics != nil {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	rateLimit, stop := RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)
	s.stopLimit = stop

	// outermost last
	var handler http.Handler = mux
	handler = MetricsMiddleware(deps.Metrics)(handler)
	handler = rateLimit(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = ClientIPMiddleware(cfg.Security.AllowedClientIPs)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:              cfg.Address(),
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	return s
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server. Live connections are hijacked and
// are not waited for; close the hub first so viewers get server_shutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	s.stopLimit()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.deps.Database == nil || s.deps.Database.Healthy(r.Context())

	resp := HealthResponse{
		Status:     "ok",
		Database:   dbOK,
		Rasterizer: s.deps.Rasterizer != nil && s.deps.Rasterizer.Available(),
		Uptime:     time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.deps.Runner != nil {
		resp.ActiveExecutions = s.deps.Runner.ActiveCount()
	}
	if s.deps.Hub != nil {
		resp.Viewers = s.deps.Hub.Stats().ActiveConnections
	}

	if !dbOK {
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}
