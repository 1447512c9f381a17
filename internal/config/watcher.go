package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is the polling interval of a [Watcher].
const DefaultWatchInterval = 5 * time.Second

// ErrUnchanged is returned by [Watcher.Poll] when the file on disk still
// holds the active config.
var ErrUnchanged = errors.New("config: unchanged")

// fileState identifies one version of the config file. The size and mtime
// gate the more expensive read and hash.
type fileState struct {
	modTime time.Time
	size    int64
	sum     [sha256.Size]byte
}

func (s fileState) sameStat(info os.FileInfo) bool {
	return s.modTime.Equal(info.ModTime()) && s.size == info.Size()
}

// Watcher keeps the active [Config] in sync with a YAML file and calls
// onChange with the previous and the new config after every accepted edit.
// Edits that fail to parse or validate are rejected and the active config
// stays in place.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu     sync.Mutex
	active *Config
	seen   fileState

	stop     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the file at path as the active config. It fails if that
// first load fails.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, st, err := readConfigFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.active, w.seen = cfg, st
	return w, nil
}

// Current returns the active config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

// Poll checks the file once. It returns [ErrUnchanged] when there is nothing
// new, the load error for a rejected edit, or nil after onChange ran with the
// new config. A rejected edit is reported once; the next Poll returns
// ErrUnchanged until the file changes again.
func (w *Watcher) Poll() error {
	info, err := os.Stat(w.path)
	if err != nil {
		return fmt.Errorf("config: stat %s: %w", w.path, err)
	}

	w.mu.Lock()
	seen := w.seen
	w.mu.Unlock()
	if seen.sameStat(info) {
		return ErrUnchanged
	}

	cfg, st, err := readConfigFile(w.path)
	if err != nil {
		w.mu.Lock()
		w.seen.modTime, w.seen.size = info.ModTime(), info.Size()
		w.mu.Unlock()
		return err
	}

	w.mu.Lock()
	if st.sum == w.seen.sum {
		w.seen = st
		w.mu.Unlock()
		return ErrUnchanged
	}
	old := w.active
	w.active, w.seen = cfg, st
	w.mu.Unlock()

	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return nil
}

// Run polls every interval until ctx is done or [Watcher.Stop] is called.
// Rejected edits are logged. It returns nil so it can share an errgroup
// with the servers.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.stop:
			return nil
		case <-ticker.C:
		}

		switch err := w.Poll(); {
		case err == nil:
			slog.Info("config reloaded", "path", w.path)
		case errors.Is(err, ErrUnchanged):
		default:
			slog.Warn("config edit rejected, keeping active config", "path", w.path, "err", err)
		}
	}
}

// Stop ends [Watcher.Run]. It may be called more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func readConfigFile(path string) (*Config, fileState, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fileState{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fileState{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileState{}, err
	}
	return cfg, fileState{modTime: info.ModTime(), size: info.Size(), sum: sha256.Sum256(data)}, nil
}
