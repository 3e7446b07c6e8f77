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

// ReloadFunc receives a reloaded config together with its [Diff] against the
// previous one.
type ReloadFunc func(old, new *Config, diff ConfigDiff)

// Watcher keeps the config file at path current. It reloads on every poll
// tick whose file modification time moved, and on demand via
// [Watcher.Reload]. A content change that fails validation is logged and
// ignored; so is one that changes neither a hot-reloadable nor a
// restart-only setting.
type Watcher struct {
	path     string
	interval time.Duration
	onReload ReloadFunc

	// reloadMu serialises reloads so callbacks never overlap.
	reloadMu sync.Mutex

	mu      sync.Mutex
	current *Config
	modTime time.Time
	digest  [sha256.Size]byte

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: 5s. A negative interval
// disables polling; reloads then only happen through [Watcher.Reload].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d != 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and, unless polling is disabled, starts polling it.
func NewWatcher(path string, onReload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onReload: onReload,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.modTime, w.digest = snap.cfg, snap.modTime, snap.digest

	if w.interval > 0 {
		go w.poll()
	}
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload re-reads the file now, regardless of its modification time. It
// reports whether a changed config was accepted. A read or validation error
// leaves the current config in place.
func (w *Watcher) Reload() (bool, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	snap, err := w.read()
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	w.modTime = snap.modTime
	if snap.digest == w.digest {
		w.mu.Unlock()
		return false, nil
	}
	old := w.current
	w.digest = snap.digest
	diff := Diff(old, snap.cfg)
	if !diff.Changed() && len(diff.RestartRequired) == 0 {
		// Comments or formatting only.
		w.mu.Unlock()
		return false, nil
	}
	w.current = snap.cfg
	w.mu.Unlock()

	slog.Info("config reloaded",
		"path", w.path,
		"hot_reloadable", diff.Changed(),
		"restart_required", diff.RestartRequired,
	)
	if w.onReload != nil {
		w.onReload(old, snap.cfg, diff)
	}
	return true, nil
}

// Stop ends polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if !w.modified() {
				continue
			}
			if _, err := w.Reload(); err != nil {
				slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
			}
		}
	}
}

// modified reports whether the file's modification time moved since the
// last read.
func (w *Watcher) modified() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return !info.ModTime().Equal(w.modTime)
}

type snapshot struct {
	cfg     *Config
	modTime time.Time
	digest  [sha256.Size]byte
}

func (w *Watcher) read() (snapshot, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, modTime: info.ModTime(), digest: sha256.Sum256(data)}, nil
}
