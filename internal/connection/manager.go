package connection

import (
	"sync"

	"go.uber.org/zap"

	"github.com/previewtools/go-preview-server/internal/host"
	"github.com/previewtools/go-preview-server/pkg/config"
)

// Manager hands out one Connection per workspace root. Connections are
// created on first request, seeded from the current configuration, and
// reused for the lifetime of the manager. Each connection tracks the
// configured path prefix for as long as the manager holds it.
type Manager struct {
	base     *zap.Logger
	logger   *zap.Logger
	store    *config.Store
	env      host.Environment
	notifier host.Notifier

	mu           sync.Mutex
	connections  map[string]*Connection
	unsubscribes map[string]func()
}

// NewManager creates a connection manager
func NewManager(store *config.Store, env host.Environment, notifier host.Notifier, logger *zap.Logger) *Manager {
	return &Manager{
		base:         logger,
		logger:       logger.Named("connection-manager"),
		store:        store,
		env:          env,
		notifier:     notifier,
		connections:  make(map[string]*Connection),
		unsubscribes: make(map[string]func()),
	}
}

// Get returns the Connection for workspace, creating it if needed
func (m *Manager) Get(workspace string) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conn, ok := m.connections[workspace]; ok {
		return conn
	}

	cfg := m.store.Get()
	conn := New(workspace, cfg.Server.PathPrefix, cfg.Server.Host, m.env, m.notifier, m.base)
	m.connections[workspace] = conn
	m.unsubscribes[workspace] = m.store.OnDidChange(func(cfg config.Config) {
		conn.SetRootPrefix(cfg.Server.PathPrefix)
	})

	m.logger.Debug("Created connection",
		zap.String("workspace", workspace),
		zap.String("host", conn.Host()),
	)
	return conn
}

// Forget drops the Connection for workspace, if any, and stops tracking
// configuration changes for it.
func (m *Manager) Forget(workspace string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if unsubscribe, ok := m.unsubscribes[workspace]; ok {
		unsubscribe()
		delete(m.unsubscribes, workspace)
	}
	delete(m.connections, workspace)
}
