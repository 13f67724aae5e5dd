package config_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/pushtalk/internal/config"
)

const watcherValidYAML = `
openai:
  api_key: sk-test
log:
  level: info
`

const watcherUpdatedYAML = `
openai:
  api_key: sk-test
log:
  level: debug
hardware:
  led_pattern: blink
`

const watcherInvalidYAML = `
log:
  level: bananas
`

func startWatcher(t *testing.T, w *config.Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// touchLater rewrites path with a modification time distinct from the
// previous write, even on filesystems with coarse timestamps.
func touchLater(t *testing.T, path, content string, offset time.Duration) {
	t.Helper()
	writeFile(t, path, content)
	mt := time.Now().Add(offset)
	if err := os.Chtimes(path, mt, mt); err != nil {
		t.Fatal(err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)

	w, err := config.NewWatcher(path, nil, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if cfg := w.Current(); cfg == nil || cfg.Log.Level != config.LogInfo {
		t.Errorf("Current() = %+v", cfg)
	}
}

func TestWatcher_InvalidInitial(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherInvalidYAML)

	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Error("expected an error for an invalid initial config")
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)

	var (
		mu    sync.Mutex
		diffs []config.ConfigDiff
		got   = make(chan struct{}, 1)
	)
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		mu.Lock()
		diffs = append(diffs, config.Diff(old, new))
		mu.Unlock()
		select {
		case got <- struct{}{}:
		default:
		}
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	startWatcher(t, w)

	touchLater(t, path, watcherUpdatedYAML, time.Second)
	select {
	case <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("onChange was not called")
	}

	mu.Lock()
	defer mu.Unlock()
	d := diffs[0]
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug || !d.LEDPatternChanged {
		t.Errorf("diff = %+v", d)
	}
	if w.Current().Log.Level != config.LogDebug {
		t.Error("Current() not updated")
	}
}

func TestWatcher_IgnoresInvalidEdit(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)

	called := make(chan struct{}, 1)
	w, err := config.NewWatcher(path, func(_, _ *config.Config) { called <- struct{}{} },
		config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	startWatcher(t, w)

	touchLater(t, path, watcherInvalidYAML, time.Second)
	select {
	case <-called:
		t.Fatal("onChange called for an invalid config")
	case <-time.After(200 * time.Millisecond):
	}
	if w.Current().Log.Level != config.LogInfo {
		t.Error("invalid edit replaced the current config")
	}
}

func TestWatcher_IgnoresTouch(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)

	called := make(chan struct{}, 1)
	w, err := config.NewWatcher(path, func(_, _ *config.Config) { called <- struct{}{} },
		config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	startWatcher(t, w)

	touchLater(t, path, watcherValidYAML, time.Second)
	select {
	case <-called:
		t.Fatal("onChange called although the content is unchanged")
	case <-time.After(200 * time.Millisecond):
	}
}
