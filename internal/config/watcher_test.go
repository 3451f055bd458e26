package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/lumi/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
providers:
  llm:
    name: openai
  embeddings:
    name: openai
auth:
  jwt_secret: watcher-secret
chat:
  persona:
    name: Lumi
    traits: curious
`

const watcherUpdatedYAML = `
server:
  log_level: debug
providers:
  llm:
    name: openai
  embeddings:
    name: openai
auth:
  jwt_secret: watcher-secret
chat:
  persona:
    name: Nova
    traits: calm
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

// reloads records every callback invocation.
type reloads struct {
	mu    sync.Mutex
	pairs [][2]*config.Config
	fired chan struct{}
}

func newReloads() *reloads {
	return &reloads{fired: make(chan struct{}, 8)}
}

func (r *reloads) fn(old, new *config.Config) {
	r.mu.Lock()
	r.pairs = append(r.pairs, [2]*config.Config{old, new})
	r.mu.Unlock()
	r.fired <- struct{}{}
}

func (r *reloads) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pairs)
}

func startWatcher(t *testing.T, content string, r *reloads) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, content)
	w, err := config.NewWatcher(path, r.fn, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, path
}

// bump moves the file's mtime forward so the next poll notices it even on
// filesystems with coarse timestamps.
func bump(t *testing.T, path string, content string) {
	t.Helper()
	writeFile(t, path, content)
	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("failed to touch file: %v", err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, _ := startWatcher(t, watcherValidYAML, newReloads())

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Chat.Persona.Name != "Lumi" {
		t.Errorf("persona name: got %q, want Lumi", cfg.Chat.Persona.Name)
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	r := newReloads()
	w, path := startWatcher(t, watcherValidYAML, r)

	bump(t, path, watcherUpdatedYAML)

	select {
	case <-r.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}

	r.mu.Lock()
	old, new := r.pairs[0][0], r.pairs[0][1]
	r.mu.Unlock()
	if old.Server.LogLevel != config.LogInfo {
		t.Errorf("old log_level: got %q, want %q", old.Server.LogLevel, config.LogInfo)
	}
	if new.Chat.Persona.Name != "Nova" {
		t.Errorf("new persona: got %q, want Nova", new.Chat.Persona.Name)
	}
	if cur := w.Current(); cur.Server.LogLevel != config.LogDebug {
		t.Errorf("Current() log_level: got %q, want %q", cur.Server.LogLevel, config.LogDebug)
	}
}

func TestWatcher_SkipsWithoutCallback(t *testing.T) {
	tests := []struct {
		name   string
		change func(t *testing.T, path string)
	}{
		{"invalid file", func(t *testing.T, path string) { bump(t, path, watcherInvalidYAML) }},
		{"comment only", func(t *testing.T, path string) { bump(t, path, "# edited\n"+watcherValidYAML) }},
		{"touch only", func(t *testing.T, path string) {
			later := time.Now().Add(2 * time.Second)
			if err := os.Chtimes(path, later, later); err != nil {
				t.Fatalf("failed to touch file: %v", err)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := newReloads()
			w, path := startWatcher(t, watcherValidYAML, r)

			tt.change(t, path)
			time.Sleep(200 * time.Millisecond)

			if n := r.count(); n != 0 {
				t.Errorf("callback calls = %d, want 0", n)
			}
			if cur := w.Current(); cur.Server.LogLevel != config.LogInfo {
				t.Errorf("Current() log_level = %q, want %q", cur.Server.LogLevel, config.LogInfo)
			}
		})
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/path.yaml", nil); err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)

	w, err := config.NewWatcher(path, nil, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w.Stop()
	w.Stop()
}

func TestWatcher_NoCallbackAfterStop(t *testing.T) {
	t.Parallel()
	r := newReloads()
	w, path := startWatcher(t, watcherValidYAML, r)

	w.Stop()
	bump(t, path, watcherUpdatedYAML)
	time.Sleep(100 * time.Millisecond)

	if n := r.count(); n != 0 {
		t.Errorf("callback calls after Stop = %d, want 0", n)
	}
}
