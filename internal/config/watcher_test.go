package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nordlys-ai/skald/internal/config"
)

const watchedConfig = `
server:
  log_level: info
adapters:
  input:
    name: file
  output:
    name: file
`

const watchedConfigDebug = `
server:
  log_level: debug
adapters:
  input:
    name: file
  output:
    name: file
`

const watchedConfigBroken = `
server:
  log_level: bananas
`

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile(%s) error = %v", path, err)
	}
}

// reloadRecorder captures onChange invocations and signals the first
// one so tests can wait instead of sleeping.
type reloadRecorder struct {
	mu    sync.Mutex
	calls [][2]*config.Config
	fired chan struct{}
}

func newReloadRecorder() *reloadRecorder {
	return &reloadRecorder{fired: make(chan struct{}, 1)}
}

func (r *reloadRecorder) onChange(old, new *config.Config) {
	r.mu.Lock()
	r.calls = append(r.calls, [2]*config.Config{old, new})
	r.mu.Unlock()
	select {
	case r.fired <- struct{}{}:
	default:
	}
}

func (r *reloadRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *reloadRecorder) first() (old, new *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return nil, nil
	}
	return r.calls[0][0], r.calls[0][1]
}

func startWatcher(t *testing.T, path string, onChange func(old, new *config.Config)) *config.Watcher {
	t.Helper()
	w, err := config.NewWatcher(path, onChange, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	t.Cleanup(w.Stop)
	return w
}

func TestWatcherLoadsInitialConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "skald.yaml")
	writeConfigFile(t, path, watchedConfig)

	w := startWatcher(t, path, nil)
	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() = nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("LogLevel = %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
}

func TestWatcherReportsChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "skald.yaml")
	writeConfigFile(t, path, watchedConfig)

	rec := newReloadRecorder()
	w := startWatcher(t, path, rec.onChange)

	writeConfigFile(t, path, watchedConfigDebug)
	select {
	case <-rec.fired:
	case <-time.After(5 * time.Second):
		t.Fatal("onChange was never invoked")
	}

	old, cur := rec.first()
	if old == nil || cur == nil {
		t.Fatal("onChange received nil configs")
	}
	if old.Server.LogLevel != config.LogInfo || cur.Server.LogLevel != config.LogDebug {
		t.Errorf("onChange levels = %q -> %q, want info -> debug",
			old.Server.LogLevel, cur.Server.LogLevel)
	}
	if got := w.Current().Server.LogLevel; got != config.LogDebug {
		t.Errorf("Current() LogLevel = %q, want %q", got, config.LogDebug)
	}
}

func TestWatcherKeepsConfigOnInvalidFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "skald.yaml")
	writeConfigFile(t, path, watchedConfig)

	rec := newReloadRecorder()
	w := startWatcher(t, path, rec.onChange)

	writeConfigFile(t, path, watchedConfigBroken)
	time.Sleep(300 * time.Millisecond)

	if got := rec.count(); got != 0 {
		t.Errorf("onChange calls = %d, want none for an invalid file", got)
	}
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("Current() LogLevel = %q, want the previous config kept", got)
	}
}

func TestWatcherIgnoresTouchWithoutChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "skald.yaml")
	writeConfigFile(t, path, watchedConfig)

	rec := newReloadRecorder()
	startWatcher(t, path, rec.onChange)

	later := time.Now().Add(time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	if got := rec.count(); got != 0 {
		t.Errorf("onChange calls = %d, want none for a touch-only rewrite", got)
	}
}

func TestWatcherInitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("NewWatcher() error = nil, want failure for a missing file")
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "skald.yaml")
	writeConfigFile(t, path, watchedConfig)

	w, err := config.NewWatcher(path, nil, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	w.Stop()
	w.Stop()
}
