package server

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/previewtools/go-preview-server/internal/connection"
	"github.com/previewtools/go-preview-server/internal/host"
	"github.com/previewtools/go-preview-server/internal/watcher"
	"github.com/previewtools/go-preview-server/internal/wsserver"
	"github.com/previewtools/go-preview-server/pkg/config"
)

type fakeNotifier struct {
	mu       sync.Mutex
	action   string
	infos    []string
	warnings []string
}

func (n *fakeNotifier) ShowInformation(message string, _ ...string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.infos = append(n.infos, message)
	return n.action, nil
}

func (n *fakeNotifier) ShowWarning(message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.warnings = append(n.warnings, message)
}

func (n *fakeNotifier) infoCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.infos)
}

func (n *fakeNotifier) warningCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.warnings)
}

type fakeFeed struct {
	ch chan watcher.Event
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{ch: make(chan watcher.Event, 16)}
}

func (f *fakeFeed) Events() <-chan watcher.Event { return f.ch }

type testFixture struct {
	manager  *Manager
	store    *config.Store
	conn     *connection.Connection
	env      *host.LocalEnvironment
	notifier *fakeNotifier
	feed     *fakeFeed
	root     string
}

func newFixture(t *testing.T, mutate func(*config.Config)) *testFixture {
	t.Helper()

	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	store := config.NewStore(cfg, zap.NewNop())

	root := t.TempDir()
	env := host.NewLocalEnvironment()
	notifier := &fakeNotifier{}
	conn := connection.New(root, "", cfg.Server.Host, env, notifier, zap.NewNop())
	feed := newFakeFeed()

	m := NewManager(store, conn, env, notifier, feed, zap.NewNop())
	t.Cleanup(m.Dispose)

	return &testFixture{
		manager:  m,
		store:    store,
		conn:     conn,
		env:      env,
		notifier: notifier,
		feed:     feed,
		root:     root,
	}
}

// reservePortPair finds a port p with p+1 free as well, and returns p
// with a listener still occupying p+1.
func reservePortPair(t *testing.T) (int, net.Listener) {
	t.Helper()

	for i := 0; i < 50; i++ {
		probe, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
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

func dialClient(t *testing.T, f *testFixture) *websocket.Conn {
	t.Helper()

	u := fmt.Sprintf("ws://127.0.0.1:%d%s", f.manager.WSPort(), f.conn.WSPath())
	c, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.Eventually(t, func() bool {
		return f.manager.wsServer.ClientCount() >= 1
	}, 2*time.Second, 10*time.Millisecond, "client never registered")

	return c
}

// sentinelPort marks the sentinel broadcast countReloads uses to
// delimit the message stream.
const sentinelPort = 61234

// countReloads counts the reload messages c received so far. It pushes
// a recognizable sentinel through the hub and reads until it arrives;
// hub and write pump preserve ordering, so everything broadcast before
// the sentinel is counted.
func countReloads(t *testing.T, f *testFixture, c *websocket.Conn) int {
	t.Helper()

	f.manager.wsServer.BroadcastPortUpdate(sentinelPort)

	reloads := 0
	for {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := c.ReadMessage()
		require.NoError(t, err)

		var msg wsserver.Message
		require.NoError(t, json.Unmarshal(data, &msg))

		switch {
		case msg.Type == wsserver.MessageTypePortUpdate && msg.WSPort == sentinelPort:
			return reloads
		case msg.Type == wsserver.MessageTypeReload:
			reloads++
		}
	}
}

func TestManager_OpenServerBindsAdjacentPorts(t *testing.T) {
	f := newFixture(t, nil)
	base, adjacent := reservePortPair(t)
	adjacent.Close()

	require.True(t, f.manager.OpenServer(base))

	assert.True(t, f.manager.IsRunning())
	assert.Equal(t, base, f.manager.HTTPPort())
	assert.Equal(t, base+1, f.manager.WSPort())
	assert.Equal(t, base+1, f.manager.httpServer.InjectorWSPort())
}

func TestManager_OccupiedAdjacentPortCorrectsInjector(t *testing.T) {
	f := newFixture(t, nil)
	base, adjacent := reservePortPair(t)
	defer adjacent.Close()

	var portChanges []int
	f.manager.OnPortChange.Subscribe(func(port int) { portChanges = append(portChanges, port) })

	require.True(t, f.manager.OpenServer(base))

	wsPort := f.manager.WSPort()
	assert.Greater(t, wsPort, base+1, "adjacent port was occupied, ws must have moved on")
	assert.Equal(t, wsPort, f.manager.httpServer.InjectorWSPort(),
		"injected port must match the port the ws server actually bound")
	assert.Equal(t, []int{wsPort}, portChanges)
}

func TestManager_FullyConnectedFiresOnceAfterBothBinds(t *testing.T) {
	f := newFixture(t, nil)

	var fired []FullyConnected
	f.manager.OnFullyConnected.Subscribe(func(info FullyConnected) {
		// Both ports must already be confirmed when the event fires
		assert.NotZero(t, f.manager.HTTPPort())
		assert.NotZero(t, f.manager.WSPort())
		fired = append(fired, info)
	})

	base, adjacent := reservePortPair(t)
	adjacent.Close()
	require.True(t, f.manager.OpenServer(base))

	require.Len(t, fired, 1)
	assert.Equal(t, f.manager.HTTPPort(), fired[0].HTTPPort)
}

func TestManager_ConnectionResolvedOnOpen(t *testing.T) {
	f := newFixture(t, nil)

	var infos []connection.Info
	f.conn.OnConnected.Subscribe(func(info connection.Info) { infos = append(infos, info) })

	base, adjacent := reservePortPair(t)
	adjacent.Close()
	require.True(t, f.manager.OpenServer(base))

	require.Len(t, infos, 1)
	require.NotNil(t, infos[0].HTTPURI)
	require.NotNil(t, infos[0].WSURI)
	assert.Contains(t, infos[0].HTTPURI.Host, fmt.Sprintf(":%d", base))
	assert.Contains(t, infos[0].WSURI.Host, fmt.Sprintf(":%d", base+1))
}

func TestManager_OpenWhileRunningFails(t *testing.T) {
	f := newFixture(t, nil)
	base, adjacent := reservePortPair(t)
	adjacent.Close()

	require.True(t, f.manager.OpenServer(base))
	assert.False(t, f.manager.OpenServer(base))
}

func TestManager_OpenFailsWhenHTTPPortTaken(t *testing.T) {
	f := newFixture(t, nil)

	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	assert.False(t, f.manager.OpenServer(occupied.Addr().(*net.TCPAddr).Port))
	assert.False(t, f.manager.IsRunning())
	assert.Equal(t, StateOff, f.manager.State())
	assert.Greater(t, f.notifier.warningCount(), 0)
}

func TestManager_CloseIsAlwaysSafe(t *testing.T) {
	f := newFixture(t, nil)

	// Close before any open
	f.manager.CloseServer()
	assert.False(t, f.manager.IsRunning())

	base, adjacent := reservePortPair(t)
	adjacent.Close()
	require.True(t, f.manager.OpenServer(base))

	// Open then immediately close, twice
	f.manager.CloseServer()
	f.manager.CloseServer()
	assert.False(t, f.manager.IsRunning())
}

func TestManager_ReopenAfterClose(t *testing.T) {
	f := newFixture(t, nil)
	base, adjacent := reservePortPair(t)
	adjacent.Close()

	var fired int
	f.manager.OnFullyConnected.Subscribe(func(FullyConnected) { fired++ })

	require.True(t, f.manager.OpenServer(base))
	f.manager.CloseServer()
	require.True(t, f.manager.OpenServer(base))

	assert.True(t, f.manager.IsRunning())
	assert.Equal(t, 2, fired, "each successful open fires once")
}

func TestManager_OpenAfterDisposeFails(t *testing.T) {
	f := newFixture(t, nil)
	f.manager.Dispose()

	assert.False(t, f.manager.OpenServer(0))
}

func TestManager_AdvertiserClaimsOnlyBoundPorts(t *testing.T) {
	f := newFixture(t, nil)
	base, adjacent := reservePortPair(t)
	adjacent.Close()

	assert.Nil(t, f.env.PortAttributes(base), "nothing claimed before open")

	require.True(t, f.manager.OpenServer(base))

	httpAttrs := f.env.PortAttributes(f.manager.HTTPPort())
	require.NotNil(t, httpAttrs)
	assert.Equal(t, host.AutoForwardSilent, httpAttrs.AutoForward)

	wsAttrs := f.env.PortAttributes(f.manager.WSPort())
	require.NotNil(t, wsAttrs)
	assert.Equal(t, host.AutoForwardSilent, wsAttrs.AutoForward)

	assert.Nil(t, f.env.PortAttributes(f.manager.WSPort()+1), "unrelated port not claimed")

	f.manager.CloseServer()
	assert.Nil(t, f.env.PortAttributes(base), "claims released on close")
}

func TestManager_PolicyOnSave(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.AutoRefresh = config.RefreshOnSave })
	base, adjacent := reservePortPair(t)
	adjacent.Close()
	require.True(t, f.manager.OpenServer(base))
	c := dialClient(t, f)

	inside := f.root + string(os.PathSeparator) + "a.txt"

	// A buffer change without a save must not broadcast
	f.manager.handleFileEvent(watcher.Event{Kind: watcher.KindChanged, Paths: []string{inside}})
	assert.Equal(t, 0, countReloads(t, f, c))

	// The save must broadcast exactly once
	f.manager.handleFileEvent(watcher.Event{Kind: watcher.KindSaved, Paths: []string{inside}})
	assert.Equal(t, 1, countReloads(t, f, c))
}

func TestManager_PolicyOnAnyChange(t *testing.T) {
	f := newFixture(t, nil) // default policy is onAnyChange
	base, adjacent := reservePortPair(t)
	adjacent.Close()
	require.True(t, f.manager.OpenServer(base))
	c := dialClient(t, f)

	inside := f.root + string(os.PathSeparator) + "a.txt"

	f.manager.handleFileEvent(watcher.Event{Kind: watcher.KindChanged, Paths: []string{inside}})
	assert.Equal(t, 1, countReloads(t, f, c))

	// Empty change carries nothing to react to
	f.manager.handleFileEvent(watcher.Event{Kind: watcher.KindChanged})
	assert.Equal(t, 0, countReloads(t, f, c))

	f.manager.handleFileEvent(watcher.Event{Kind: watcher.KindSaved, Paths: []string{inside}})
	assert.Equal(t, 1, countReloads(t, f, c))
}

func TestManager_PolicyOff(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.AutoRefresh = config.RefreshOff })
	base, adjacent := reservePortPair(t)
	adjacent.Close()
	require.True(t, f.manager.OpenServer(base))
	c := dialClient(t, f)

	inside := f.root + string(os.PathSeparator) + "a.txt"

	f.manager.handleFileEvent(watcher.Event{Kind: watcher.KindSaved, Paths: []string{inside}})
	f.manager.handleFileEvent(watcher.Event{Kind: watcher.KindCreated, Paths: []string{inside}})
	assert.Equal(t, 0, countReloads(t, f, c))
}

func TestManager_PolicyReadPerEvent(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.AutoRefresh = config.RefreshOff })
	base, adjacent := reservePortPair(t)
	adjacent.Close()
	require.True(t, f.manager.OpenServer(base))
	c := dialClient(t, f)

	inside := f.root + string(os.PathSeparator) + "a.txt"

	f.manager.handleFileEvent(watcher.Event{Kind: watcher.KindSaved, Paths: []string{inside}})
	assert.Equal(t, 0, countReloads(t, f, c))

	// Flip the policy at runtime; the next event must see it
	f.store.Update(func(cfg *config.Config) { cfg.AutoRefresh = config.RefreshOnSave })

	f.manager.handleFileEvent(watcher.Event{Kind: watcher.KindSaved, Paths: []string{inside}})
	assert.Equal(t, 1, countReloads(t, f, c))
}

func TestManager_CreateOutsideWorkspaceIgnored(t *testing.T) {
	f := newFixture(t, nil)
	base, adjacent := reservePortPair(t)
	adjacent.Close()
	require.True(t, f.manager.OpenServer(base))
	c := dialClient(t, f)

	f.manager.handleFileEvent(watcher.Event{Kind: watcher.KindCreated, Paths: []string{"/somewhere/else.txt"}})
	assert.Equal(t, 0, countReloads(t, f, c))

	inside := f.root + string(os.PathSeparator) + "new.txt"
	f.manager.handleFileEvent(watcher.Event{Kind: watcher.KindCreated, Paths: []string{inside}})
	assert.Equal(t, 1, countReloads(t, f, c))
}

func TestManager_FeedDrivesReload(t *testing.T) {
	f := newFixture(t, nil)
	base, adjacent := reservePortPair(t)
	adjacent.Close()
	require.True(t, f.manager.OpenServer(base))
	c := dialClient(t, f)

	inside := f.root + string(os.PathSeparator) + "a.txt"
	f.feed.ch <- watcher.Event{Kind: watcher.KindSaved, Paths: []string{inside}}

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)

	var msg wsserver.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, wsserver.MessageTypeReload, msg.Type)
}

func TestManager_StatusMessageSuppression(t *testing.T) {
	f := newFixture(t, nil)
	f.notifier.action = dontShowAgainAction

	base, adjacent := reservePortPair(t)
	adjacent.Close()
	require.True(t, f.manager.OpenServer(base))

	assert.Equal(t, 1, f.notifier.infoCount())
	assert.False(t, f.store.Get().Notifications.ShowServerStatus,
		"the chosen action persists the suppression")

	// Every later status message is suppressed
	f.manager.CloseServer()
	require.True(t, f.manager.OpenServer(base))
	assert.Equal(t, 1, f.notifier.infoCount())
}

func TestManager_PathHelpers(t *testing.T) {
	f := newFixture(t, nil)

	inside := f.root + string(os.PathSeparator) + "sub" + string(os.PathSeparator) + "f.txt"
	assert.True(t, f.manager.CanGetPath(inside))
	assert.Equal(t, "/sub/f.txt", f.manager.GetFileRelativeToWorkspace(inside))

	assert.False(t, f.manager.CanGetPath("/elsewhere/f.txt"))
	assert.Equal(t, "", f.manager.GetFileRelativeToWorkspace("/elsewhere/f.txt"))
}

func TestManager_NoWorkspaceDegrades(t *testing.T) {
	cfg := config.DefaultConfig()
	store := config.NewStore(cfg, zap.NewNop())
	env := host.NewLocalEnvironment()
	notifier := &fakeNotifier{}
	conn := connection.New("", "", cfg.Server.Host, env, notifier, zap.NewNop())

	m := NewManager(store, conn, env, notifier, nil, zap.NewNop())
	t.Cleanup(m.Dispose)

	base, adjacent := reservePortPair(t)
	adjacent.Close()

	require.True(t, m.OpenServer(base), "server starts without a workspace")
	assert.Greater(t, notifier.warningCount(), 0, "missing workspace is surfaced once")
	assert.False(t, m.CanGetPath("/any/path"))
	assert.Equal(t, "", m.GetFileRelativeToWorkspace("/any/path"))
}
