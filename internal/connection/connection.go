// Package connection tracks the identity of a running preview server
// pair: which host and ports it occupies, the workspace it serves, and
// the URIs clients outside the machine reach it through.
package connection

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/previewtools/go-preview-server/internal/event"
	"github.com/previewtools/go-preview-server/internal/host"
	"github.com/previewtools/go-preview-server/pkg/pathutil"
)

// DefaultHost is the loopback host the servers fall back to when the
// configured host cannot be used.
const DefaultHost = "127.0.0.1"

// Info carries the externally reachable URIs of a connected server
// pair. It is only ever published with both URIs resolved.
type Info struct {
	HTTPURI *url.URL
	WSURI   *url.URL
}

// Connection is created once per server grouping and lives across
// server restarts. Ports are written after each confirmed bind; the
// workspace and WebSocket upgrade path are fixed at creation, while the
// root prefix follows the live configuration.
type Connection struct {
	logger   *zap.Logger
	env      host.Environment
	notifier host.Notifier

	workspace string
	wsPath    string

	mu         sync.RWMutex
	host       string
	rootPrefix string
	httpPort   int
	wsPort     int
	external   *Info

	// OnConnected fires with both external URIs once they resolve.
	OnConnected *event.Emitter[Info]
	// OnShouldResetInitHost fires when the host was reset to the
	// default, so the embedding host can persist the correction.
	OnShouldResetInitHost *event.Emitter[string]
}

// New creates a Connection for a workspace. workspace may be empty for
// workspace-less serving; initialHost is the configured bind host. The
// WebSocket upgrade path is a random token so unrelated local pages
// cannot guess the reload endpoint.
func New(workspace, rootPrefix, initialHost string, env host.Environment, notifier host.Notifier, logger *zap.Logger) *Connection {
	if initialHost == "" {
		initialHost = DefaultHost
	}
	return &Connection{
		logger:                logger.Named("connection"),
		env:                   env,
		notifier:              notifier,
		workspace:             workspace,
		rootPrefix:            rootPrefix,
		wsPath:                "/" + uuid.NewString(),
		host:                  initialHost,
		OnConnected:           event.New[Info](),
		OnShouldResetInitHost: event.New[string](),
	}
}

// ValidHost reports whether h can be used as a bind host: an IP literal
// or the localhost name.
func ValidHost(h string) bool {
	if h == "localhost" {
		return true
	}
	return net.ParseIP(h) != nil
}

func localURI(scheme, hostname string, port int, p string) *url.URL {
	return &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(hostname, strconv.Itoa(port)),
		Path:   p,
	}
}

// ConstructLocalURI builds http://{host}:{port}{path} for the current
// host. An empty path yields the bare authority form.
func (c *Connection) ConstructLocalURI(port int, p string) *url.URL {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return localURI("http", c.host, port, p)
}

// ConstructLocalWSURI builds ws://{host}:{wsPort}{wsPath} for the
// current host and WebSocket port.
func (c *Connection) ConstructLocalWSURI() *url.URL {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return localURI("ws", c.host, c.wsPort, c.wsPath)
}

// Resolved is called once both servers are bound. It resolves the HTTP
// and WebSocket URIs through the host environment and fires OnConnected
// with both. On resolution failure no event fires and the error is
// returned, so observers never see a half-resolved connection.
func (c *Connection) Resolved(ctx context.Context) error {
	httpExternal, err := c.ResolveExternalHTTPURI(ctx)
	if err != nil {
		return err
	}

	wsExternal, err := c.ResolveExternalWSURI(ctx)
	if err != nil {
		return err
	}

	info := Info{HTTPURI: httpExternal, WSURI: wsExternal}

	c.mu.Lock()
	c.external = &info
	c.mu.Unlock()

	c.logger.Debug("Connection resolved",
		zap.String("http_uri", httpExternal.String()),
		zap.String("ws_uri", wsExternal.String()),
	)

	c.OnConnected.Fire(info)
	return nil
}

// ResolveExternalHTTPURI resolves the HTTP root URI on demand, without
// a full reconnect cycle. Failures are returned, not retried.
func (c *Connection) ResolveExternalHTTPURI(ctx context.Context) (*url.URL, error) {
	c.mu.RLock()
	local := localURI("http", c.host, c.httpPort, c.rootPrefix)
	c.mu.RUnlock()

	external, err := c.env.ResolveExternalURI(ctx, local)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve external HTTP URI: %w", err)
	}
	return external, nil
}

// ResolveExternalWSURI resolves the WebSocket URI on demand
func (c *Connection) ResolveExternalWSURI(ctx context.Context) (*url.URL, error) {
	c.mu.RLock()
	local := localURI("ws", c.host, c.wsPort, c.wsPath)
	c.mu.RUnlock()

	external, err := c.env.ResolveExternalURI(ctx, local)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve external WebSocket URI: %w", err)
	}
	return external, nil
}

// CanGetPath reports whether p lies within the served workspace
func (c *Connection) CanGetPath(p string) bool {
	return pathutil.IsParent(c.workspace, p)
}

// GetFileRelativeToWorkspace returns p relative to the workspace root
// in forward-slash form with a leading slash. It returns false when p
// is outside the workspace.
func (c *Connection) GetFileRelativeToWorkspace(p string) (string, bool) {
	return pathutil.RelativeTo(c.workspace, p)
}

// GetAppendedURI joins rel onto the external HTTP root URI with a
// single separator. Before external resolution the local URI is used.
// Without a workspace rel is an absolute filesystem path and a file
// URI is returned instead.
func (c *Connection) GetAppendedURI(rel string) *url.URL {
	if c.workspace == "" {
		p := filepath.ToSlash(rel)
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		return &url.URL{Scheme: "file", Path: p}
	}

	c.mu.RLock()
	var base url.URL
	if c.external != nil {
		base = *c.external.HTTPURI
	} else {
		base = *localURI("http", c.host, c.httpPort, c.rootPrefix)
	}
	c.mu.RUnlock()

	base.Path = pathutil.JoinURL(base.Path, rel)
	return &base
}

// ResetHostToDefault switches the connection back to DefaultHost. On an
// already-default host this is a no-op with no warning and no event.
func (c *Connection) ResetHostToDefault() {
	c.mu.Lock()
	if c.host == DefaultHost {
		c.mu.Unlock()
		return
	}
	previous := c.host
	c.host = DefaultHost
	c.mu.Unlock()

	c.logger.Warn("Resetting preview host to default",
		zap.String("from", previous),
		zap.String("to", DefaultHost),
	)
	c.notifier.ShowWarning(fmt.Sprintf(
		"The host %q cannot be used to run the preview server. Using %s instead.",
		previous, DefaultHost,
	))
	c.OnShouldResetInitHost.Fire(DefaultHost)
}

// Host returns the current bind host
func (c *Connection) Host() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.host
}

// HTTPPort returns the confirmed HTTP port (0 before the first bind)
func (c *Connection) HTTPPort() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.httpPort
}

// SetHTTPPort records the confirmed HTTP port
func (c *Connection) SetHTTPPort(port int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.httpPort = port
}

// WSPort returns the confirmed WebSocket port (0 before the first bind)
func (c *Connection) WSPort() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.wsPort
}

// SetWSPort records the confirmed WebSocket port
func (c *Connection) SetWSPort(port int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wsPort = port
}

// WSPath returns the WebSocket upgrade path
func (c *Connection) WSPath() string {
	return c.wsPath
}

// RootPrefix returns the URL prefix files are served under
func (c *Connection) RootPrefix() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rootPrefix
}

// SetRootPrefix replaces the URL prefix. Called when the configured
// serve root changes; requests and URI resolutions read the prefix at
// the moment they run, so the change takes effect immediately.
func (c *Connection) SetRootPrefix(prefix string) {
	c.mu.Lock()
	if c.rootPrefix == prefix {
		c.mu.Unlock()
		return
	}
	previous := c.rootPrefix
	c.rootPrefix = prefix
	c.mu.Unlock()

	c.logger.Debug("Root prefix changed",
		zap.String("from", previous),
		zap.String("to", prefix),
	)
}

// Workspace returns the absolute workspace root ("" when serving
// without a workspace)
func (c *Connection) Workspace() string {
	return c.workspace
}
