package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type appliedLevels struct {
	mu     sync.Mutex
	levels []string
	paths  []string
}

func (a *appliedLevels) onChange(cfg *Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.levels = append(a.levels, cfg.Log.Level)
	a.paths = append(a.paths, cfg.Path)
}

func (a *appliedLevels) last() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.levels) == 0 {
		return ""
	}
	return a.levels[len(a.levels)-1]
}

func startWatcher(t *testing.T, p string, applied *appliedLevels) (context.CancelFunc, <-chan error) {
	t.Helper()
	w := &Watcher{Path: p, OnChange: applied.onChange, Delay: 100 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Serve(ctx) }()

	// give the watcher a moment to register before writing
	time.Sleep(100 * time.Millisecond)
	return cancel, errCh
}

func stopWatcher(t *testing.T, cancel context.CancelFunc, errCh <-chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcherReloadsOnRename(t *testing.T) {
	p := writeConfig(t, "log:\n  level: info\n")
	applied := &appliedLevels{}
	cancel, errCh := startWatcher(t, p, applied)

	tmp := filepath.Join(filepath.Dir(p), "config.yaml.new")
	require.NoError(t, os.WriteFile(tmp, []byte("log:\n  level: debug\n"), 0644))
	require.NoError(t, os.Rename(tmp, p))

	require.Eventually(t, func() bool { return applied.last() == "debug" },
		5*time.Second, 20*time.Millisecond, "config change was not observed")

	stopWatcher(t, cancel, errCh)

	applied.mu.Lock()
	defer applied.mu.Unlock()
	for _, path := range applied.paths {
		assert.Equal(t, p, path)
	}
}

func TestWatcherAppliesLastOfBurst(t *testing.T) {
	p := writeConfig(t, "log:\n  level: info\n")
	applied := &appliedLevels{}
	cancel, errCh := startWatcher(t, p, applied)

	// in-place writes truncate first, so the watcher sees an empty file
	// before the content lands
	require.NoError(t, os.WriteFile(p, []byte("log:\n  level: warn\n"), 0644))
	require.NoError(t, os.WriteFile(p, []byte("log:\n  level: debug\n"), 0644))

	require.Eventually(t, func() bool { return applied.last() == "debug" },
		5*time.Second, 20*time.Millisecond, "config change was not observed")

	// no late reload may overwrite the final level
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, "debug", applied.last())

	stopWatcher(t, cancel, errCh)
}

func TestWatcherNoCallbackAfterStop(t *testing.T) {
	p := writeConfig(t, "log:\n  level: info\n")
	applied := &appliedLevels{}
	cancel, errCh := startWatcher(t, p, applied)

	require.NoError(t, os.WriteFile(p, []byte("log:\n  level: debug\n"), 0644))
	stopWatcher(t, cancel, errCh)

	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, applied.last())
}

func TestWatcherMissingFile(t *testing.T) {
	w := &Watcher{Path: "/nonexistent/easysave.yaml", OnChange: func(*Config) {}}
	assert.Error(t, w.Serve(context.Background()))
}
