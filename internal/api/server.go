package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"pentest-command-gateway/internal/config"
	"pentest-command-gateway/internal/container"
	"pentest-command-gateway/internal/gateway"
	"pentest-command-gateway/internal/monitor"
	"pentest-command-gateway/internal/notify"
	"pentest-command-gateway/internal/storage"
)

// Server is the main HTTP server for the gateway API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, gw *gateway.Gateway, store storage.Store, rt container.Runtime, hub *notify.Hub, metrics *monitor.Metrics) *Server {
	handlers := NewHandlers(gw, metrics)

	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		startTime: time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		if cfg.Security.AllowUnauthenticated {
			log.Warn().Msg("no API keys configured — allow_unauthenticated is true, all requests will be accepted")
		} else {
			log.Warn().Msg("no API keys configured and allow_unauthenticated is false — all requests will be rejected")
		}
	}

	// Gateway API — wrapped with auth
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /assessments/{id}/commands", handlers.HandleSubmitCommand)
	apiMux.HandleFunc("GET /assessments/{id}/commands", handlers.HandleCommandHistory)
	apiMux.HandleFunc("GET /pending-commands", handlers.HandleListPending)
	apiMux.HandleFunc("GET /pending-commands/count", handlers.HandleCountPending)
	apiMux.HandleFunc("GET /pending-commands/{id}", handlers.HandleGetPending)
	apiMux.HandleFunc("POST /pending-commands/{id}/approve", handlers.HandleApprove)
	apiMux.HandleFunc("POST /pending-commands/{id}/reject", handlers.HandleReject)
	apiMux.HandleFunc("DELETE /pending-commands/{id}", handlers.HandleDeletePending)
	apiMux.HandleFunc("GET /command-settings", handlers.HandleGetSettings)
	apiMux.HandleFunc("PUT /command-settings", handlers.HandlePutSettings)
	apiMux.HandleFunc("POST /command-settings/keywords", handlers.HandleAddKeyword)
	apiMux.HandleFunc("DELETE /command-settings/keywords/{keyword}", handlers.HandleRemoveKeyword)
	apiMux.HandleFunc("GET /executions/recent", handlers.HandleRecentInvocations)
	apiMux.HandleFunc("GET /containers", handlers.HandleListContainers)
	apiMux.HandleFunc("POST /containers/{name}/start", handlers.HandleStartContainer)
	apiMux.HandleFunc("GET /containers/{name}/tools/{tool}", handlers.HandleCheckTool)
	apiMux.HandleFunc("GET /events", NewEventStream(hub).Handle)

	authedAPI := AuthMiddleware(cfg.Security.AllowedKeys, cfg.Security.AllowUnauthenticated)(apiMux)

	// Top-level mux: health/metrics bypass auth, everything else goes through auth
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth(store, rt))
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.Handle("/", authedAPI)

	// Apply middleware chain (outermost first)
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:        cfg.Address(),
		Handler:     handler,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout must outlive the longest execution; SSE relies on
		// it being generous too.
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

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

	log.Warn().Msg("TLS not enabled — running plain HTTP (not recommended for production)")
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(store storage.Store, rt container.Runtime) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbOK := store == nil || store.Healthy(r.Context())

		runtimeOK := true
		if rt != nil {
			_, err := rt.ListContainers(r.Context())
			runtimeOK = err == nil
		}

		resp := HealthResponse{
			Status:   "ok",
			Database: dbOK,
			Runtime:  runtimeOK,
			Uptime:   time.Since(s.startTime).Round(time.Second).String(),
		}

		if !dbOK || !runtimeOK {
			resp.Status = "degraded"
		}

		status := http.StatusOK
		if resp.Status != "ok" {
			status = http.StatusServiceUnavailable
		}

		writeJSON(w, status, resp)
	}
}
