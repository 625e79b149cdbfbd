// Package api serves the HTTP surface: REST status routes, the SSE event
// stream, and mounts for the websocket channel, the camera relay, metrics
// and the dashboard.
package api

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"

	"github.com/smazurov/blindspot/internal/events"
	"github.com/smazurov/blindspot/internal/hub"
	"github.com/smazurov/blindspot/internal/logging"
	"github.com/smazurov/blindspot/internal/state"
	"github.com/smazurov/blindspot/ui"
)

// Connectivity reports bus connection state.
type Connectivity interface {
	IsConnected() bool
}

// Commander forwards a command to the bus.
type Commander interface {
	Forward(ctx context.Context, command any, source string)
}

// Options wires the server to the rest of the process.
type Options struct {
	Store    *state.Store
	Hub      *hub.Hub
	EventBus *events.Bus
	Bus      Connectivity
	Commands Commander

	// Camera relay, mounted at GET /api/camera-stream.
	Relay http.Handler
	// Websocket channel, mounted at GET /ws.
	Realtime http.Handler
	// Optional Prometheus metrics handler.
	PrometheusHandler http.Handler

	// Optional basic auth for POST /api/command.
	AuthUsername string
	AuthPassword string

	StartTime time.Time
}

// Server is the Huma v2 API server.
type Server struct {
	api        huma.API
	mux        *http.ServeMux
	httpServer *http.Server
	options    *Options
	logger     *slog.Logger
}

// basicAuthMiddleware enforces credentials on operations that declare security.
func (s *Server) basicAuthMiddleware(username, password string) func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		op := ctx.Operation()
		if op != nil && len(op.Security) == 0 {
			next(ctx)
			return
		}

		const prefix = "Basic "
		authHeader := ctx.Header("Authorization")
		if !strings.HasPrefix(authHeader, prefix) {
			ctx.SetHeader("WWW-Authenticate", `Basic realm="Blindspot"`)
			huma.WriteErr(s.api, ctx, http.StatusUnauthorized, "Authentication required")
			return
		}

		decoded, err := base64.StdEncoding.DecodeString(authHeader[len(prefix):])
		if err != nil {
			ctx.SetHeader("WWW-Authenticate", `Basic realm="Blindspot"`)
			huma.WriteErr(s.api, ctx, http.StatusUnauthorized, "Invalid credentials format", err)
			return
		}

		user, pass, ok := strings.Cut(string(decoded), ":")
		if !ok || user != username || pass != password {
			ctx.SetHeader("WWW-Authenticate", `Basic realm="Blindspot"`)
			huma.WriteErr(s.api, ctx, http.StatusUnauthorized, "Invalid credentials")
			return
		}

		next(ctx)
	}
}

// NewServer creates the API server using Go 1.22+ native routing.
func NewServer(opts *Options) *Server {
	if opts.StartTime.IsZero() {
		opts.StartTime = time.Now()
	}

	mux := http.NewServeMux()

	corsConfig := DefaultCORSConfig()
	AddCORSHandler(mux, corsConfig)

	config := huma.DefaultConfig("Blindspot API", "1.0.0")
	config.Info.Description = "Blind spot detection bridge: device telemetry, commands and camera relay"
	// Empty servers list will make OpenAPI use relative paths, working with any host
	config.Servers = []*huma.Server{}
	config.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"basicAuth": {
			Type:   "http",
			Scheme: "basic",
		},
	}

	api := humago.New(mux, config)

	server := &Server{
		api:     api,
		mux:     mux,
		options: opts,
		logger:  logging.GetLogger("api"),
	}

	api.UseMiddleware(NewCORSMiddleware(corsConfig))
	api.UseMiddleware(HTTPLoggingMiddleware)
	if opts.AuthUsername != "" && opts.AuthPassword != "" {
		api.UseMiddleware(server.basicAuthMiddleware(opts.AuthUsername, opts.AuthPassword))
	}

	if opts.PrometheusHandler != nil {
		mux.Handle("GET /metrics", opts.PrometheusHandler)
	}
	if opts.Relay != nil {
		mux.Handle("GET /api/camera-stream", withCORS(corsConfig, opts.Relay))
	}
	if opts.Realtime != nil {
		mux.Handle("GET /ws", opts.Realtime)
	}

	server.registerRoutes()

	if frontendHandler, err := ui.Handler(); err == nil {
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			// Unknown API paths must not fall through to the dashboard.
			if strings.HasPrefix(r.URL.Path, "/api") {
				http.NotFound(w, r)
				return
			}
			frontendHandler.ServeHTTP(w, r)
		})
	} else {
		server.logger.Warn("Dashboard assets unavailable", "error", err)
	}

	return server
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// GetAPI returns the Huma API instance.
func (s *Server) GetAPI() huma.API {
	return s.api
}

// Start listens on addr and serves until Stop. It returns nil after a
// graceful stop.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Serve accepts connections on l.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("Starting Blindspot API server", "addr", l.Addr().String())
	s.logger.Info("OpenAPI documentation available", "url", "http://"+l.Addr().String()+"/docs")

	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down. Long-lived streams are closed once ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server")

	if s.httpServer == nil {
		return nil
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		// Relays and SSE streams never finish on their own.
		return s.httpServer.Close()
	}
	return nil
}

// registerRoutes sets up all API endpoints.
func (s *Server) registerRoutes() {
	s.registerStatusRoutes()
	s.registerCommandRoutes()
	s.registerSSERoutes()
}

// withAuth returns security requirement for basic auth.
func withAuth() []map[string][]string {
	return []map[string][]string{
		{"basicAuth": {}},
	}
}
