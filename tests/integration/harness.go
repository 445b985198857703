package integration

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/previewtools/go-preview-server/internal/connection"
	"github.com/previewtools/go-preview-server/internal/host"
	"github.com/previewtools/go-preview-server/internal/server"
	"github.com/previewtools/go-preview-server/internal/watcher"
	"github.com/previewtools/go-preview-server/pkg/config"
)

// TestHarness provides a complete preview server pair running against a
// temporary workspace, with the real filesystem watcher feeding it.
type TestHarness struct {
	T       *testing.T
	Root    string
	Store   *config.Store
	Conn    *connection.Connection
	Env     *host.LocalEnvironment
	Manager *server.Manager

	// BaseURL is the root URL of the HTTP file server
	BaseURL string
}

// TestHarnessOption configures the test harness
type TestHarnessOption func(*config.Config)

// WithPolicy sets the auto-refresh policy
func WithPolicy(p config.AutoRefreshPolicy) TestHarnessOption {
	return func(cfg *config.Config) {
		cfg.AutoRefresh = p
	}
}

// NewTestHarness starts a preview server pair on a probed free port
// with its adjacent port free as well. occupyAdjacent reserves the
// adjacent port first, forcing the WebSocket server to hunt.
func NewTestHarness(t *testing.T, occupyAdjacent bool, opts ...TestHarnessOption) *TestHarness {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Watcher.DebounceMS = 20
	cfg.Notifications.ShowServerStatus = false
	for _, opt := range opts {
		opt(cfg)
	}

	logger := zap.NewNop()
	store := config.NewStore(cfg, logger)

	root := t.TempDir()
	env := host.NewLocalEnvironment()
	notifier := host.NewLogNotifier(logger)

	connections := connection.NewManager(store, env, notifier, logger)
	conn := connections.Get(root)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	w, err := watcher.New(root, store, logger)
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	if err := w.Start(ctx); err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	manager := server.NewManager(store, conn, env, notifier, w, logger)
	t.Cleanup(manager.Dispose)

	base, adjacent := reservePortPair(t)
	if occupyAdjacent {
		t.Cleanup(func() { adjacent.Close() })
	} else {
		adjacent.Close()
	}

	if !manager.OpenServer(base) {
		t.Fatalf("failed to open preview server on port %d", base)
	}

	return &TestHarness{
		T:       t,
		Root:    root,
		Store:   store,
		Conn:    conn,
		Env:     env,
		Manager: manager,
		BaseURL: fmt.Sprintf("http://127.0.0.1:%d", manager.HTTPPort()),
	}
}

// WriteFile creates or overwrites a workspace file
func (h *TestHarness) WriteFile(name, content string) string {
	h.T.Helper()

	p := filepath.Join(h.Root, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		h.T.Fatalf("failed to create directory: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		h.T.Fatalf("failed to write file: %v", err)
	}
	return p
}

// WSURL returns the reload endpoint URL for the bound WebSocket port
func (h *TestHarness) WSURL() string {
	return fmt.Sprintf("ws://127.0.0.1:%d%s", h.Manager.WSPort(), h.Conn.WSPath())
}

// reservePortPair finds a port p with p+1 free as well, and returns p
// with a listener still occupying p+1.
func reservePortPair(t *testing.T) (int, net.Listener) {
	t.Helper()

	for i := 0; i < 50; i++ {
		probe, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("failed to probe for a free port: %v", err)
		}
		p := probe.Addr().(*net.TCPAddr).Port

		adjacent, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p+1))
		if err != nil {
			probe.Close()
			continue
		}
		probe.Close()
		return p, adjacent
	}

	t.Fatal("could not reserve an adjacent port pair")
	return 0, nil
}
