// Package watch turns filesystem notifications for synced files into
// engine events.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"fsy-go/internal/fsy"
)

// Sink receives change events. *fsy.Engine is a Sink.
type Sink interface {
	Notify(ev fsy.Event)
}

// Watcher watches the parent directory of every synced file, so a file
// replaced by rename (as editors and the swap manager do) keeps being
// watched. Events for other names in those directories are dropped.
// A path that is a directory when New runs is watched recursively, and
// directories created below it later are added as they appear.
type Watcher struct {
	fsw    *fsnotify.Watcher
	paths  map[string]bool
	roots  map[string]bool
	sink   Sink
	clock  fsy.Clock
	logger fsy.Logger
}

// New starts watching paths. Close releases the watches.
func New(paths []string, sink Sink, clock fsy.Clock, logger fsy.Logger) (*Watcher, error) {
	if logger == nil {
		logger = fsy.NewNopLogger()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}

	w := &Watcher{fsw: fsw, paths: make(map[string]bool), roots: make(map[string]bool), sink: sink, clock: clock, logger: logger}
	dirs := make(map[string]bool)
	for _, p := range paths {
		p = filepath.Clean(p)
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			w.roots[p] = true
			continue
		}
		w.paths[p] = true
		dirs[filepath.Dir(p)] = true
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			w.closeAfter(err)
			return nil, fmt.Errorf("watching %q: %w", dir, err)
		}
	}
	for root := range w.roots {
		if err := w.addTree(root); err != nil {
			w.closeAfter(err)
			return nil, fmt.Errorf("watching %q: %w", root, err)
		}
	}
	return w, nil
}

// closeAfter releases the watches added so far.
func (w *Watcher) closeAfter(cause error) {
	if err := w.fsw.Close(); err != nil {
		w.logger.Warn("closing file watcher", "error", err, "cause", cause)
	}
}

// addTree watches dir and every directory below it.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return w.fsw.Add(p)
	})
}

// underRoot reports whether p lies below a recursively watched directory.
func (w *Watcher) underRoot(p string) bool {
	for dir := filepath.Dir(p); ; dir = filepath.Dir(dir) {
		if w.roots[dir] {
			return true
		}
		if parent := filepath.Dir(dir); parent == dir {
			return false
		}
	}
}

// Run forwards events until ctx is cancelled or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			// Overflow loses events; the next change or pull poll catches up.
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	p := filepath.Clean(ev.Name)
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return
	}
	switch {
	case w.paths[p]:
	case w.underRoot(p) && !fsy.IsArtifact(p):
		if ev.Has(fsnotify.Create) {
			if info, err := os.Stat(p); err == nil && info.IsDir() {
				// Files may land in the new directory before its watch is
				// added; the engine lists it when it sees this event.
				if err := w.addTree(p); err != nil {
					w.logger.Warn("watching new directory", "path", p, "error", err)
				}
			}
		}
	default:
		return
	}
	w.sink.Notify(fsy.FileChanged{Path: p, At: w.clock.Now()})
}

func (w *Watcher) Close() error {
	return w.fsw.Close()
}
