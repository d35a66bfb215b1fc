// Package watch autosaves a local JSON draft: every change to the file is
// scheduled as a debounced request, so a burst of edits sends only the
// last version.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"daycare/internal/dispatch"
)

// Scheduler is the part of the dispatcher the watcher needs
type Scheduler interface {
	Schedule(req dispatch.Request)
	Cancel(key string)
}

// Config holds watcher settings
type Config struct {
	File   string
	URL    string
	Method dispatch.Method
}

// Watcher sends the draft file to URL whenever it changes
type Watcher struct {
	cfg    Config
	path   string
	key    string
	sched  Scheduler
	logger zerolog.Logger

	ready     chan struct{}
	readyOnce sync.Once
}

// New creates a new Watcher
func New(cfg Config, sched Scheduler, logger zerolog.Logger) (*Watcher, error) {
	if cfg.File == "" {
		return nil, fmt.Errorf("watch file is required")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("watch url is required")
	}
	if cfg.Method == "" {
		cfg.Method = dispatch.MethodPatch
	}
	if !cfg.Method.Valid() {
		return nil, fmt.Errorf("unsupported watch method %q", cfg.Method)
	}

	path, err := filepath.Abs(cfg.File)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", cfg.File, err)
	}

	return &Watcher{
		cfg:    cfg,
		path:   path,
		key:    "watch:" + string(cfg.Method) + ":" + cfg.URL,
		sched:  sched,
		ready:  make(chan struct{}),
		logger: logger.With().Str("component", "watch").Str("file", path).Logger(),
	}, nil
}

// Key returns the request key used for the draft
func (w *Watcher) Key() string {
	return w.key
}

// Ready is closed once the first Run has registered the watch
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Run watches the draft until ctx is done, then drops any unsent save.
// The parent directory is watched so editors that replace the file on save
// keep working. Run may be called again after it returns.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}
	w.readyOnce.Do(func() { close(w.ready) })

	w.logger.Info().
		Str("url", w.cfg.URL).
		Str("method", string(w.cfg.Method)).
		Msg("watching draft")

	for {
		select {
		case <-ctx.Done():
			w.sched.Cancel(w.key)
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
				w.save()
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("watch error")
		}
	}
}

// save schedules the current draft content
func (w *Watcher) save() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn().Err(err).Msg("failed to read draft")
		return
	}
	if !json.Valid(data) {
		// Partial writes land here too; the next event carries the rest
		w.logger.Debug().Int("bytes", len(data)).Msg("draft is not valid JSON, skipping")
		return
	}

	w.sched.Schedule(dispatch.Request{
		Key:    w.key,
		Method: w.cfg.Method,
		URL:    w.cfg.URL,
		Data:   json.RawMessage(data),
	})
}
