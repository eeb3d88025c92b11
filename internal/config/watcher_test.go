package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/lectern/internal/config"
)

const (
	lectureYAML = `
server:
  log_level: info
vad:
  start_threshold: 0.03
transcript:
  entities: [Mitochondria]
`
	lectureEditedYAML = `
server:
  log_level: debug
vad:
  start_threshold: 0.05
transcript:
  entities: [Mitochondria, Nakamura]
`
	brokenLevelYAML = `
server:
  log_level: bananas
`
)

// reloads records onChange calls.
type reloads struct {
	mu    sync.Mutex
	pairs [][2]*config.Config
	fired chan struct{}
}

func newReloads() *reloads { return &reloads{fired: make(chan struct{}, 8)} }

func (r *reloads) onChange(old, new *config.Config) {
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

func (r *reloads) last() (old, new *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.pairs[len(r.pairs)-1]
	return p[0], p[1]
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// startWatcher writes content to a fresh file and watches it. The poll
// interval is an hour unless interval is set, so tests drive changes with
// Reload.
func startWatcher(t *testing.T, content string, interval time.Duration) (string, *config.Watcher, *reloads) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lectern.yaml")
	writeConfig(t, path, content)
	if interval == 0 {
		interval = time.Hour
	}
	r := newReloads()
	w, err := config.NewWatcher(path, r.onChange, config.WithInterval(interval))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return path, w, r
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	_, w, r := startWatcher(t, lectureYAML, 0)

	cfg := w.Current()
	if cfg.Server.LogLevel != config.LogInfo || cfg.VAD.StartThreshold != 0.03 {
		t.Errorf("Current = %+v / %+v", cfg.Server, cfg.VAD)
	}
	// Unset fields come from Defaults.
	if cfg.Listener.Tick != config.Defaults().Listener.Tick {
		t.Errorf("listener tick = %v, want the default", cfg.Listener.Tick)
	}
	if r.count() != 0 {
		t.Errorf("onChange fired %d times for the initial load", r.count())
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Error("NewWatcher on a missing file = nil error")
	}

	path := filepath.Join(t.TempDir(), "lectern.yaml")
	writeConfig(t, path, brokenLevelYAML)
	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Error("NewWatcher on an invalid file = nil error")
	}
}

func TestWatcher_Reload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		edit        string
		wantChanged bool
		wantErr     bool
		wantLevel   config.LogLevel
	}{
		{name: "content change", edit: lectureEditedYAML, wantChanged: true, wantLevel: config.LogDebug},
		{name: "same content", edit: lectureYAML, wantLevel: config.LogInfo},
		{name: "invalid edit", edit: brokenLevelYAML, wantErr: true, wantLevel: config.LogInfo},
		{name: "unknown field", edit: "server:\n  colour: blue\n", wantErr: true, wantLevel: config.LogInfo},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			path, w, r := startWatcher(t, lectureYAML, 0)
			writeConfig(t, path, tc.edit)

			changed, err := w.Reload()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Reload error = %v, wantErr %v", err, tc.wantErr)
			}
			if changed != tc.wantChanged {
				t.Errorf("Reload changed = %v, want %v", changed, tc.wantChanged)
			}
			if got := w.Current().Server.LogLevel; got != tc.wantLevel {
				t.Errorf("Current log level = %q, want %q", got, tc.wantLevel)
			}
			wantCalls := 0
			if tc.wantChanged {
				wantCalls = 1
			}
			if r.count() != wantCalls {
				t.Errorf("onChange calls = %d, want %d", r.count(), wantCalls)
			}
		})
	}
}

func TestWatcher_ReloadPassesOldAndNew(t *testing.T) {
	t.Parallel()
	path, w, r := startWatcher(t, lectureYAML, 0)
	first := w.Current()

	writeConfig(t, path, lectureEditedYAML)
	if _, err := w.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	old, next := r.last()
	if old != first {
		t.Error("onChange old config is not the previous Current")
	}
	if next != w.Current() {
		t.Error("onChange new config is not the new Current")
	}
	d := config.Diff(old, next)
	if !d.LogLevelChanged || !d.VADChanged || !d.TranscriptChanged {
		t.Errorf("Diff = %+v, want log level, vad and transcript changes", d)
	}
}

func TestWatcher_PollsForEdits(t *testing.T) {
	t.Parallel()
	path, w, r := startWatcher(t, lectureYAML, 10*time.Millisecond)

	writeConfig(t, path, lectureEditedYAML)
	// Force a distinct mtime on filesystems with coarse timestamps.
	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	select {
	case <-r.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not pick up the edit")
	}
	if got := w.Current().Transcript.Entities; len(got) != 2 {
		t.Errorf("entities = %v, want two", got)
	}
}

func TestWatcher_PollIgnoresTouch(t *testing.T) {
	t.Parallel()
	path, _, r := startWatcher(t, lectureYAML, 10*time.Millisecond)

	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if r.count() != 0 {
		t.Errorf("onChange fired %d times for a touch", r.count())
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	_, w, _ := startWatcher(t, lectureYAML, 10*time.Millisecond)
	w.Stop()
	w.Stop()

	// Current stays usable after Stop.
	if w.Current() == nil {
		t.Error("Current = nil after Stop")
	}
}
