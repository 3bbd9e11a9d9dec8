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

// Change is one accepted edit of the watched file.
type Change struct {
	Old  *Config
	New  *Config
	Diff ConfigDiff
}

// Watcher polls a config file and reports edits that change the effective
// configuration. Invalid edits are logged and the previous config is kept.
type Watcher struct {
	path     string
	interval time.Duration
	prepare  func(*Config)
	onChange func(Change)

	mu      sync.Mutex
	current *Config
	seen    fileStamp

	cancel context.CancelFunc
	done   chan struct{}
}

// fileStamp identifies one version of the file. The size and mtime are a
// cheap pre-check; sum decides.
type fileStamp struct {
	mtime time.Time
	size  int64
	sum   [sha256.Size]byte
}

func (s fileStamp) sameFile(info os.FileInfo) bool {
	return s.mtime.Equal(info.ModTime()) && s.size == info.Size()
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 2 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithPrepare registers fn to adjust every loaded config before it is
// compared, for example to re-apply command line overrides.
func WithPrepare(fn func(*Config)) WatcherOption {
	return func(w *Watcher) { w.prepare = fn }
}

// NewWatcher loads path and starts polling it. onChange may be nil.
func NewWatcher(path string, onChange func(Change), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 2 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, stamp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.seen = cfg, stamp

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.poll(ctx)
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling and waits for a running callback to return. It is safe
// to call more than once.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) poll(ctx context.Context) {
	defer close(w.done)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: cannot stat watched file", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	unchanged := w.seen.sameFile(info)
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, stamp, err := w.read()
	if err != nil {
		// Remember the broken version so it is reported once.
		w.mu.Lock()
		w.seen.mtime, w.seen.size = info.ModTime(), info.Size()
		w.mu.Unlock()
		slog.Warn("config: keeping previous config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if stamp.sum == w.seen.sum {
		w.seen = stamp
		w.mu.Unlock()
		return
	}
	old := w.current
	d := Diff(old, cfg)
	w.current, w.seen = cfg, stamp
	w.mu.Unlock()

	if d.Empty() {
		slog.Debug("config: file edited without effect", "path", w.path)
		return
	}
	slog.Info("config: reloaded", "path", w.path,
		"log_level_changed", d.LogLevelChanged,
		"session_changed", d.SessionChanged,
		"restart_required", len(d.RestartRequired),
	)
	if w.onChange != nil {
		w.onChange(Change{Old: old, New: cfg, Diff: d})
	}
}

// read loads and validates the file and stamps the bytes it parsed.
func (w *Watcher) read() (*Config, fileStamp, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileStamp{}, err
	}
	if w.prepare != nil {
		w.prepare(cfg)
	}
	return cfg, fileStamp{mtime: info.ModTime(), size: info.Size(), sum: sha256.Sum256(data)}, nil
}
