package server

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/previewtools/go-preview-server/internal/connection"
	"github.com/previewtools/go-preview-server/internal/event"
	"github.com/previewtools/go-preview-server/internal/host"
	"github.com/previewtools/go-preview-server/internal/httpd"
	"github.com/previewtools/go-preview-server/internal/ports"
	"github.com/previewtools/go-preview-server/internal/watcher"
	"github.com/previewtools/go-preview-server/internal/wsserver"
	"github.com/previewtools/go-preview-server/pkg/config"
)

// State is the lifecycle state of the server pair
type State string

const (
	// StateOff means neither server is running
	StateOff State = "off"
	// StateStarting means the open sequence is in flight
	StateStarting State = "starting"
	// StateOn means both servers reported a successful bind
	StateOn State = "on"
)

// dontShowAgainAction is the notification action that permanently
// suppresses server status messages.
const dontShowAgainAction = "Don't Show Again"

// FullyConnected is the payload of OnFullyConnected
type FullyConnected struct {
	HTTPPort int
}

// Manager runs one preview server pair for one workspace. It sequences
// the two binds (HTTP first, WebSocket on the adjacent port), keeps the
// injected WebSocket port consistent with where the WebSocket server
// actually bound, and translates workspace file events into reload
// broadcasts.
type Manager struct {
	logger   *zap.Logger
	store    *config.Store
	conn     *connection.Connection
	notifier host.Notifier
	feed     watcher.Feed

	advertiser *ports.Advertiser
	unregister func()

	httpServer *httpd.Server
	wsServer   *wsserver.Server

	mu         sync.Mutex
	state      State
	disposed   bool
	feedCancel context.CancelFunc

	// OnFullyConnected fires exactly once per successful OpenServer,
	// after both servers report bound status.
	OnFullyConnected *event.Emitter[FullyConnected]
	// OnPortChange fires when the WebSocket server bound a different
	// port than the adjacent one initially advertised.
	OnPortChange *event.Emitter[int]
	// OnNewReqProcessed relays the HTTP server's per-request reports
	OnNewReqProcessed *event.Emitter[httpd.RequestInfo]
}

// NewManager creates a manager for conn. feed may be nil when no file
// watching is wanted; env receives the port attribute registration that
// keeps the host quiet about the pair's ports.
func NewManager(store *config.Store, conn *connection.Connection, env host.Environment, notifier host.Notifier, feed watcher.Feed, logger *zap.Logger) *Manager {
	m := &Manager{
		logger:            logger.Named("server-manager"),
		store:             store,
		conn:              conn,
		notifier:          notifier,
		feed:              feed,
		advertiser:        ports.NewAdvertiser(),
		httpServer:        httpd.New(store, conn, logger),
		wsServer:          wsserver.New(store, conn, logger),
		state:             StateOff,
		OnFullyConnected:  event.New[FullyConnected](),
		OnPortChange:      event.New[int](),
		OnNewReqProcessed: event.New[httpd.RequestInfo](),
	}

	m.unregister = env.RegisterPortAttributesProvider(m.advertiser)
	m.httpServer.OnNewReqProcessed.Subscribe(m.OnNewReqProcessed.Fire)

	return m
}

// OpenServer starts the pair with the HTTP server on port. It returns
// false when the manager is disposed, already running, or either bind
// fails; a failed open leaves the manager Off with both servers closed.
func (m *Manager) OpenServer(port int) bool {
	m.mu.Lock()
	if m.disposed || m.state != StateOff {
		m.mu.Unlock()
		return false
	}
	m.state = StateStarting
	m.mu.Unlock()

	if !connection.ValidHost(m.conn.Host()) {
		m.conn.ResetHostToDefault()
	}
	if m.conn.Workspace() == "" {
		m.notifier.ShowWarning("No workspace open; the preview server cannot serve files until one is.")
	}

	ctx := context.Background()

	// The injected port is provisional until the WebSocket server
	// confirms where it bound; pages served in between still carry a
	// consistent address.
	provisional := port + 1
	m.httpServer.SetInjectorWSPort(provisional)

	httpPort, err := m.httpServer.Start(ctx, port)
	if err != nil {
		m.logger.Error("Failed to start HTTP server", zap.Int("port", port), zap.Error(err))
		m.notifier.ShowWarning(fmt.Sprintf("Failed to start the preview server on port %d.", port))
		m.rollback()
		return false
	}
	m.conn.SetHTTPPort(httpPort)
	m.advertiser.SetHTTPPort(httpPort)

	wsPort, err := m.wsServer.Start(ctx, httpPort+1)
	if err != nil {
		m.logger.Error("Failed to start WebSocket server", zap.Int("port", httpPort+1), zap.Error(err))
		m.notifier.ShowWarning("Failed to start the preview reload server.")
		m.rollback()
		return false
	}
	m.conn.SetWSPort(wsPort)
	m.advertiser.SetWSPort(wsPort)

	if wsPort != provisional {
		m.httpServer.SetInjectorWSPort(wsPort)
		m.wsServer.BroadcastPortUpdate(wsPort)
		m.OnPortChange.Fire(wsPort)
	}

	feedCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if m.state != StateStarting {
		// Closed while the binds were in flight
		m.mu.Unlock()
		cancel()
		m.rollback()
		return false
	}
	m.state = StateOn
	m.feedCancel = cancel
	m.mu.Unlock()

	if m.feed != nil {
		go m.consumeFeed(feedCtx)
	}

	m.logger.Info("Preview server pair running",
		zap.Int("http_port", httpPort),
		zap.Int("ws_port", wsPort),
	)

	m.OnFullyConnected.Fire(FullyConnected{HTTPPort: httpPort})

	if err := m.conn.Resolved(ctx); err != nil {
		m.logger.Warn("Failed to resolve external URIs", zap.Error(err))
	}

	m.showStatus(fmt.Sprintf("Preview server started on port %d.", httpPort))
	return true
}

// CloseServer stops both servers. It is safe in any state, including
// while an open sequence is still in flight, and is idempotent.
func (m *Manager) CloseServer() {
	m.mu.Lock()
	wasOff := m.state == StateOff
	m.state = StateOff
	cancel := m.feedCancel
	m.feedCancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	m.rollback()

	if wasOff {
		return
	}

	m.logger.Info("Preview server pair stopped")
	m.showStatus("Preview server stopped.")
}

// rollback closes both servers and releases the advertised ports. Both
// Close calls are idempotent, so it doubles as failed-open cleanup.
func (m *Manager) rollback() {
	m.httpServer.Close()
	m.wsServer.Close()
	m.advertiser.Clear()

	m.mu.Lock()
	m.state = StateOff
	m.mu.Unlock()
}

// Dispose closes the pair and unregisters from the host. The manager
// cannot be reopened afterwards.
func (m *Manager) Dispose() {
	m.CloseServer()

	m.mu.Lock()
	already := m.disposed
	m.disposed = true
	m.mu.Unlock()

	if !already && m.unregister != nil {
		m.unregister()
	}
}

// IsRunning reports whether both servers are up
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateOn
}

// State returns the current lifecycle state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// HTTPPort returns the confirmed HTTP port (0 before the first bind)
func (m *Manager) HTTPPort() int {
	return m.conn.HTTPPort()
}

// WSPort returns the confirmed WebSocket port (0 before the first bind)
func (m *Manager) WSPort() int {
	return m.conn.WSPort()
}

// CanGetPath reports whether p lies within the served workspace
func (m *Manager) CanGetPath(p string) bool {
	return m.conn.CanGetPath(p)
}

// GetFileRelativeToWorkspace returns p relative to the workspace root,
// or "" when p is outside it or no workspace is open.
func (m *Manager) GetFileRelativeToWorkspace(p string) string {
	rel, ok := m.conn.GetFileRelativeToWorkspace(p)
	if !ok {
		return ""
	}
	return rel
}

// RefreshBrowsers tells every connected preview page to reload
func (m *Manager) RefreshBrowsers() {
	m.wsServer.RefreshBrowsers()
}

// ClientCount returns the number of connected preview pages
func (m *Manager) ClientCount() int {
	return m.wsServer.ClientCount()
}

func (m *Manager) consumeFeed(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.feed.Events():
			if !ok {
				return
			}
			m.handleFileEvent(ev)
		}
	}
}

// handleFileEvent applies the auto-refresh policy to one workspace
// event. The policy is read from the store at each event so runtime
// edits apply to the very next one.
func (m *Manager) handleFileEvent(ev watcher.Event) {
	policy := m.store.Get().AutoRefresh
	if policy == config.RefreshOff {
		return
	}

	switch ev.Kind {
	case watcher.KindChanged:
		// Unsaved buffer edits reload only under onAnyChange, and only
		// when the event actually carries changes.
		if policy == config.RefreshOnAnyChange && len(ev.Paths) > 0 {
			m.wsServer.RefreshBrowsers()
		}
	case watcher.KindSaved:
		// A disk write is both a save and a change, so either policy
		// triggers.
		m.wsServer.RefreshBrowsers()
	case watcher.KindCreated, watcher.KindDeleted, watcher.KindRenamed:
		if m.anyInWorkspace(ev.Paths) {
			m.wsServer.RefreshBrowsers()
		}
	}
}

// anyInWorkspace reports whether at least one path lies in the
// workspace. Without a workspace nothing matches.
func (m *Manager) anyInWorkspace(paths []string) bool {
	for _, p := range paths {
		if m.conn.CanGetPath(p) {
			return true
		}
	}
	return false
}

// showStatus surfaces msg unless status messages are suppressed. The
// "Don't Show Again" action persists the suppression through the store.
func (m *Manager) showStatus(msg string) {
	if !m.store.Get().Notifications.ShowServerStatus {
		return
	}

	action, err := m.notifier.ShowInformation(msg, dontShowAgainAction)
	if err != nil {
		m.logger.Debug("Failed to show status message", zap.Error(err))
		return
	}
	if action == dontShowAgainAction {
		m.store.Update(func(c *config.Config) {
			c.Notifications.ShowServerStatus = false
		})
	}
}
