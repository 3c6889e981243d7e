package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ChangeFunc receives each accepted config edit.
type ChangeFunc func(old, new *Config, diff ConfigDiff)

// Watcher polls a config file for edits. An edit is applied once two
// consecutive polls see the same content, size and modification time, so a
// file caught mid-write is never parsed. An empty file is treated as a write
// in progress. Edits that fail to load are logged and ignored.
type Watcher struct {
	path     string
	every    time.Duration
	onChange ChangeFunc
	logger   *slog.Logger

	mu      sync.Mutex
	current *Config
	applied snapshot
	pending *snapshot

	stop context.CancelFunc
	done chan struct{}
}

// snapshot identifies one version of the file.
type snapshot struct {
	modTime time.Time
	size    int64
	sum     [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the poll interval. Defaults to 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.every = d
		}
	}
}

// WithWatcherLogger sets the logger. Defaults to slog.Default.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWatcher loads path, which must be valid, and polls it until Stop.
// onChange may be nil and runs on the polling goroutine.
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		every:    5 * time.Second,
		onChange: onChange,
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}

	cfg, snap, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.applied = cfg, snap

	ctx, stop := context.WithCancel(context.Background())
	w.stop = stop
	go w.loop(ctx)
	return w, nil
}

// Current returns the last accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling and waits for an in-flight callback to return. It may
// be called more than once.
func (w *Watcher) Stop() {
	w.stop()
	<-w.done
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	tick := time.NewTicker(w.every)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Warn("config: cannot stat watched file", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	idle := w.pending == nil && info.ModTime().Equal(w.applied.modTime) && info.Size() == w.applied.size
	w.mu.Unlock()
	if idle {
		return
	}

	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn("config: cannot read watched file", "path", w.path, "err", err)
		return
	}
	snap := snapshot{modTime: info.ModTime(), size: int64(len(data)), sum: sha256.Sum256(data)}

	w.mu.Lock()
	switch {
	case len(bytes.TrimSpace(data)) == 0:
		// Truncated by a writer that has not finished yet. An empty file
		// never replaces a loaded config.
		w.pending = nil
		w.mu.Unlock()
		w.logger.Debug("config: watched file is empty, waiting for content", "path", w.path)
		return
	case snap.sum == w.applied.sum:
		// Touched or reverted.
		w.applied, w.pending = snap, nil
		w.mu.Unlock()
		return
	case w.pending == nil || *w.pending != snap:
		w.pending = &snap
		w.mu.Unlock()
		return
	}
	w.pending = nil
	w.mu.Unlock()

	cfg, err := loadBytes(data)
	if err != nil {
		w.mu.Lock()
		w.applied = snap
		w.mu.Unlock()
		w.logger.Warn("config: edit rejected, keeping previous config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	old := w.current
	w.current, w.applied = cfg, snap
	w.mu.Unlock()

	diff := Diff(old, cfg)
	w.logger.Info("config: reloaded", "path", w.path,
		"log_level", cfg.Server.LogLevel,
		"peer_changed", diff.PeerChanged,
		"restart_required", diff.RestartRequired,
	)
	if w.onChange != nil {
		w.onChange(old, cfg, diff)
	}
}

func (w *Watcher) load() (*Config, snapshot, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, snapshot{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, snapshot{}, err
	}
	cfg, err := loadBytes(data)
	if err != nil {
		return nil, snapshot{}, err
	}
	return cfg, snapshot{modTime: info.ModTime(), size: int64(len(data)), sum: sha256.Sum256(data)}, nil
}
