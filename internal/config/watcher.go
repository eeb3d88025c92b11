package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// defaultWatchInterval is the poll period used when WithInterval is not given.
const defaultWatchInterval = 5 * time.Second

// fingerprint identifies one version of the config file on disk. A matching
// size and mtime skips the read; the digest catches touch-only edits.
type fingerprint struct {
	size   int64
	mtime  time.Time
	digest [sha256.Size]byte
}

// Watcher keeps a config file's last valid content and reports edits.
//
// The file is polled; when its content changes and the new content passes
// [Validate], onChange receives the previous and the new config. Edits that
// fail to parse or validate are logged once and the previous config stays
// current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu      sync.Mutex
	current *Config
	seen    fingerprint

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the poll period. Non-positive values keep the default of
// five seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and starts polling it. onChange may be nil, in which
// case the watcher only tracks [Watcher.Current]. The initial load must
// succeed.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: defaultWatchInterval,
		onChange: onChange,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, fp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.seen = cfg, fp

	go w.run()
	return w, nil
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload reads the file now, regardless of its mtime. It reports whether a
// new config was applied. A parse or validation error is returned and the
// current config is kept.
func (w *Watcher) Reload() (bool, error) {
	cfg, fp, err := w.read()
	if err != nil {
		return false, fmt.Errorf("config: reload %s: %w", w.path, err)
	}
	return w.swap(cfg, fp), nil
}

// Stop ends polling and waits for the poll goroutine to exit. Safe to call
// more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.stopped
}

func (w *Watcher) run() {
	defer close(w.stopped)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: stat failed", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	unchanged := info.Size() == w.seen.size && info.ModTime().Equal(w.seen.mtime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, fp, err := w.read()
	if err != nil {
		slog.Warn("config: edit rejected, keeping previous config", "path", w.path, "err", err)
		// Remember the stamp so a broken edit is reported once.
		w.mu.Lock()
		w.seen.size, w.seen.mtime = info.Size(), info.ModTime()
		w.mu.Unlock()
		return
	}
	w.swap(cfg, fp)
}

// swap installs cfg when its digest differs from the current one and calls
// onChange outside the lock.
func (w *Watcher) swap(cfg *Config, fp fingerprint) bool {
	w.mu.Lock()
	if fp.digest == w.seen.digest {
		w.seen = fp
		w.mu.Unlock()
		return false
	}
	old := w.current
	w.current, w.seen = cfg, fp
	w.mu.Unlock()

	slog.Info("config: reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return true
}

// read parses and validates the file. The fingerprint carries the stat taken
// before the read so a write racing the read is picked up on the next poll.
func (w *Watcher) read() (*Config, fingerprint, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fingerprint{}, err
	}
	return cfg, fingerprint{
		size:   info.Size(),
		mtime:  info.ModTime(),
		digest: sha256.Sum256(data),
	}, nil
}
