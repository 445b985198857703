package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStore_GetReturnsSnapshot(t *testing.T) {
	store := NewStore(DefaultConfig(), zap.NewNop())

	snap := store.Get()
	snap.Server.Port = 9999
	snap.Watcher.Exclude[0] = "mutated"

	got := store.Get()
	assert.Equal(t, 3000, got.Server.Port)
	assert.Equal(t, ".git", got.Watcher.Exclude[0])
}

func TestStore_UpdateNotifiesSubscribers(t *testing.T) {
	store := NewStore(DefaultConfig(), zap.NewNop())

	var seen []AutoRefreshPolicy
	cancel := store.OnDidChange(func(cfg Config) {
		seen = append(seen, cfg.AutoRefresh)
	})
	defer cancel()

	store.Update(func(c *Config) { c.AutoRefresh = RefreshOnSave })
	store.Update(func(c *Config) { c.AutoRefresh = RefreshOff })

	require.Len(t, seen, 2)
	assert.Equal(t, RefreshOnSave, seen[0])
	assert.Equal(t, RefreshOff, seen[1])
	assert.Equal(t, RefreshOff, store.Get().AutoRefresh)
}

func TestStore_CancelledSubscriberNotNotified(t *testing.T) {
	store := NewStore(DefaultConfig(), zap.NewNop())

	calls := 0
	cancel := store.OnDidChange(func(Config) { calls++ })
	cancel()

	store.Update(func(c *Config) { c.Server.Port = 4000 })
	assert.Equal(t, 0, calls)
}

func TestStore_SubscriberMayCallGet(t *testing.T) {
	store := NewStore(DefaultConfig(), zap.NewNop())

	var inside int
	cancel := store.OnDidChange(func(Config) {
		inside = store.Get().Server.Port
	})
	defer cancel()

	store.Update(func(c *Config) { c.Server.Port = 4321 })
	assert.Equal(t, 4321, inside)
}

func TestStore_WatchFileReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 3000\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	store := NewStore(cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, store.WatchFile(ctx, path))

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 4444\n"), 0o644))

	assert.Eventually(t, func() bool {
		return store.Get().Server.Port == 4444
	}, 3*time.Second, 20*time.Millisecond)
}

func TestStore_WatchFileKeepsPreviousOnParseError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 3000\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	store := NewStore(cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, store.WatchFile(ctx, path))

	require.NoError(t, os.WriteFile(path, []byte("server: [broken"), 0o644))

	// Give the reload debounce time to run, then confirm nothing changed.
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 3000, store.Get().Server.Port)
}
