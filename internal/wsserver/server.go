// Package wsserver implements the reload notification server. It binds
// the port adjacent to the HTTP file server and pushes reload and port
// update messages to the script injected into served pages.
package wsserver

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/previewtools/go-preview-server/internal/connection"
	"github.com/previewtools/go-preview-server/internal/event"
	"github.com/previewtools/go-preview-server/internal/netutil"
	"github.com/previewtools/go-preview-server/pkg/config"
)

// portAttempts bounds the search for a free port above the preferred
// one. Beyond this window something is wrong with the machine and the
// failure should surface instead.
const portAttempts = 10

// Server is the WebSocket half of the preview server pair
type Server struct {
	logger *zap.Logger
	store  *config.Store
	conn   *connection.Connection
	hub    *hub

	upgrader websocket.Upgrader

	mu  sync.Mutex
	srv *http.Server

	// OnConnected fires with the confirmed port after a successful bind
	OnConnected *event.Emitter[int]
}

// New creates a WebSocket server for conn
func New(store *config.Store, conn *connection.Connection, logger *zap.Logger) *Server {
	l := logger.Named("ws-server")
	return &Server{
		logger: l,
		store:  store,
		conn:   conn,
		hub:    newHub(l),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Previews are opened from editor webviews and file URLs,
			// so origins are unpredictable. The random upgrade path is
			// what keeps strangers out.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		OnConnected: event.New[int](),
	}
}

// Start binds the first free port in [port, port+portAttempts) and
// serves the upgrade endpoint at the connection's WebSocket path. The
// confirmed port is recorded nowhere here; the caller decides what to
// do with it.
func (s *Server) Start(ctx context.Context, port int) (int, error) {
	s.mu.Lock()
	if s.srv != nil {
		s.mu.Unlock()
		return 0, fmt.Errorf("websocket server already running")
	}
	s.mu.Unlock()

	if s.store.Get().Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ln, boundPort, err := netutil.Listen(s.conn.Host(), port, portAttempts)
	if err != nil {
		return 0, fmt.Errorf("failed to bind websocket port: %w", err)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET(s.conn.WSPath(), s.handleUpgrade)

	srv := &http.Server{
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  120 * time.Second, // Longer for WebSocket
	}

	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	go func() {
		s.logger.Info("WebSocket server listening",
			zap.String("address", ln.Addr().String()),
			zap.String("path", s.conn.WSPath()),
		)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("WebSocket server error", zap.Error(err))
		}
	}()

	s.OnConnected.Fire(boundPort)
	return boundPort, nil
}

func (s *Server) handleUpgrade(c *gin.Context) {
	wsConn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	cl := &client{
		id:   uuid.New().String(),
		hub:  s.hub,
		conn: wsConn,
		send: make(chan []byte, 256),
	}
	s.hub.add(cl)

	s.logger.Debug("Preview client connected", zap.String("client_id", cl.id))

	go cl.writePump()
	go cl.readPump()
}

// RefreshBrowsers tells every connected page to reload
func (s *Server) RefreshBrowsers() {
	s.logger.Debug("Refreshing browsers", zap.Int("clients", s.hub.count()))
	s.hub.broadcast(Message{Type: MessageTypeReload})
}

// BroadcastPortUpdate tells connected pages to reconnect to port
func (s *Server) BroadcastPortUpdate(port int) {
	s.hub.broadcast(Message{Type: MessageTypePortUpdate, WSPort: port})
}

// ClientCount returns the number of connected pages
func (s *Server) ClientCount() int {
	return s.hub.count()
}

// Close shuts the server down and disconnects every page. Safe to call
// in any state, including repeatedly.
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
		s.logger.Error("WebSocket server forced to shutdown", zap.Error(err))
	}
	s.hub.closeAll()

	s.logger.Info("WebSocket server closed")
}
