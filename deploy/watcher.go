// Package deploy keeps the bundles of a framework in line with the
// descriptor files of a directory: a new file is installed, a changed file
// updates its bundle and a removed file uninstalls it.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/GoCodeAlone/modrt"
	"github.com/fsnotify/fsnotify"
)

var ErrAlreadyRunning = errors.New("watcher already running")

// Change tells what the watcher did with one file.
type Change struct {
	Path   string
	Op     string // install, update, uninstall or read
	Bundle *modrt.Bundle
	Err    error
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets how long the watcher waits for a file to settle.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithAutoStart starts every bundle the watcher installs.
func WithAutoStart() Option {
	return func(w *Watcher) { w.autoStart = true }
}

// WithChanges sends every processed change to ch. Sends never block.
func WithChanges(ch chan<- Change) Option {
	return func(w *Watcher) { w.changes = ch }
}

// Watcher mirrors a deployment directory into a framework.
type Watcher struct {
	fw        *modrt.Framework
	dir       string
	logger    modrt.Logger
	debounce  time.Duration
	autoStart bool
	changes   chan<- Change

	mu      sync.Mutex
	pending map[string]*time.Timer
	running bool
}

func NewWatcher(fw *modrt.Framework, dir string, opts ...Option) *Watcher {
	w := &Watcher{
		fw:       fw,
		dir:      dir,
		logger:   fw.Logger(),
		debounce: 200 * time.Millisecond,
		pending:  map[string]*time.Timer{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// IsDescriptor reports whether path names a bundle descriptor file.
func IsDescriptor(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".toml":
		return true
	}
	return false
}

// Scan installs or updates every descriptor currently in the directory and
// returns the bundles in file name order.
func (w *Watcher) Scan(ctx context.Context) ([]*modrt.Bundle, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", w.dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && IsDescriptor(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []*modrt.Bundle
	var errs []error
	for _, name := range names {
		c := w.apply(ctx, filepath.Join(w.dir, name))
		if c.Err != nil {
			errs = append(errs, c.Err)
			continue
		}
		out = append(out, c.Bundle)
	}
	return out, errors.Join(errs...)
}

// Run watches the directory until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return ErrAlreadyRunning
	}
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		for p, t := range w.pending {
			t.Stop()
			delete(w.pending, p)
		}
		w.mu.Unlock()
	}()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.logger.Info("Watching deployment directory", "dir", w.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if IsDescriptor(ev.Name) && ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.schedule(ctx, ev.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("Deployment watcher error", "dir", w.dir, "error", err)
		}
	}
}

// schedule applies path once no further event arrived for the debounce
// interval.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		w.apply(ctx, path)
	})
}

// apply brings the bundle at path in line with the file's current content.
func (w *Watcher) apply(ctx context.Context, path string) Change {
	location := locationFor(path)
	c := Change{Path: path, Bundle: w.fw.BundleByLocation(location)}

	content, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		c.Op = "uninstall"
		if c.Bundle != nil {
			c.Err = c.Bundle.Uninstall(ctx)
		}
	case err != nil:
		c.Op = "read"
		c.Err = err
	case c.Bundle != nil:
		c.Op = "update"
		c.Err = c.Bundle.Update(ctx, content)
	default:
		c.Op = "install"
		c.Bundle, c.Err = w.fw.Install(ctx, location, content)
		if c.Err == nil && w.autoStart {
			c.Err = c.Bundle.Start(ctx, 0)
		}
	}

	if c.Err != nil {
		w.logger.Error("Deployment change failed", "path", path, "op", c.Op, "error", c.Err)
	} else {
		w.logger.Info("Deployment change applied", "path", path, "op", c.Op)
	}
	if w.changes != nil {
		select {
		case w.changes <- c:
		default:
		}
	}
	return c
}

func locationFor(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return "file:" + filepath.ToSlash(path)
}
