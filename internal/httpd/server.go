// Package httpd implements the HTTP half of the preview server pair: a
// static file server rooted at the workspace that injects a reload
// client script into every HTML response it produces.
package httpd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/previewtools/go-preview-server/internal/connection"
	"github.com/previewtools/go-preview-server/internal/event"
	"github.com/previewtools/go-preview-server/internal/netutil"
	"github.com/previewtools/go-preview-server/pkg/config"
	"github.com/previewtools/go-preview-server/pkg/middleware"
)

// RequestInfo describes one completed request
type RequestInfo struct {
	Status int
	URL    string
}

// Server is the HTTP file server. The operator asked for a specific
// port, so unlike the WebSocket server it never hunts for an
// alternative; a taken port is an error.
type Server struct {
	logger   *zap.Logger
	store    *config.Store
	conn     *connection.Connection
	injector *injector

	mu  sync.Mutex
	srv *http.Server

	// OnConnected fires with the confirmed port after a successful bind
	OnConnected *event.Emitter[int]
	// OnNewReqProcessed fires once per completed request
	OnNewReqProcessed *event.Emitter[RequestInfo]
}

// New creates an HTTP file server for conn
func New(store *config.Store, conn *connection.Connection, logger *zap.Logger) *Server {
	return &Server{
		logger:            logger.Named("http-server"),
		store:             store,
		conn:              conn,
		injector:          newInjector(conn),
		OnConnected:       event.New[int](),
		OnNewReqProcessed: event.New[RequestInfo](),
	}
}

// Start binds port on the connection's host and serves workspace files
// until Close. The confirmed port is fired on OnConnected and returned.
func (s *Server) Start(ctx context.Context, port int) (int, error) {
	s.mu.Lock()
	if s.srv != nil {
		s.mu.Unlock()
		return 0, fmt.Errorf("http server already running")
	}
	s.mu.Unlock()

	cfg := s.store.Get()

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ln, boundPort, err := netutil.Listen(s.conn.Host(), port, 1)
	if err != nil {
		return 0, fmt.Errorf("failed to bind http port: %w", err)
	}

	router := s.buildRouter(cfg)

	srv := &http.Server{
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
		// No WriteTimeout so large workspace files can stream
	}

	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	go func() {
		s.logger.Info("HTTP server listening",
			zap.String("address", ln.Addr().String()),
			zap.String("workspace", s.conn.Workspace()),
		)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	s.OnConnected.Fire(boundPort)
	return boundPort, nil
}

// buildRouter creates the router with common middleware
func (s *Server) buildRouter(cfg config.Config) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(s.logger))
	router.Use(middleware.Traffic(func(status int, url string) {
		s.OnNewReqProcessed.Fire(RequestInfo{Status: status, URL: url})
	}))

	if cfg.CORS.Enabled {
		router.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORS.AllowedOrigins,
			AllowMethods: []string{"GET", "HEAD", "OPTIONS"},
			AllowHeaders: []string{"Origin", "Content-Type", "Range"},
			MaxAge:       12 * time.Hour,
		}))
	}

	// Every path is a potential file path, so file resolution is the
	// no-route fallback rather than a registered route.
	router.NoRoute(s.handleFile)
	return router
}

// SetInjectorWSPort updates the WebSocket port injected into served
// HTML. The orchestrator calls it with a provisional port before the
// WebSocket server binds and again with the confirmed port when they
// differ; pages served afterwards carry the new address.
func (s *Server) SetInjectorWSPort(port int) {
	s.injector.setPort(port)
	s.logger.Debug("Injector WebSocket port updated", zap.Int("port", port))
}

// InjectorWSPort returns the WebSocket port currently injected
func (s *Server) InjectorWSPort() int {
	return s.injector.port()
}

// Close shuts the server down. Safe to call in any state, including
// repeatedly.
func (s *Server) Close() {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()

	if srv == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server forced to shutdown", zap.Error(err))
	}

	s.logger.Info("HTTP server closed")
}
