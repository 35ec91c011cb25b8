// Package watch re-runs sketches when their scripts change on disk.
package watch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"sketchbook/internal/monitor"
	"sketchbook/internal/sketch"
)

var ErrClosed = errors.New("watcher closed")

// Watcher follows the scripts of the sketches that currently have viewers.
// Changes are debounced per sketch so an editor's burst of writes produces
// one trigger after the quiet period.
type Watcher struct {
	fsw      *fsnotify.Watcher
	resolver sketch.Resolver
	onChange func(sketch string)
	debounce time.Duration
	metrics  *monitor.Metrics

	mu       sync.Mutex
	scripts  map[string]string // script path -> sketch name
	sketches map[string]*entry
	dirRefs  map[string]int
	timers   map[string]*time.Timer
	closed   bool
}

type entry struct {
	path string
	dir  string
	refs int
}

// New creates a watcher. onChange runs on its own goroutine once per
// debounced change.
func New(resolver sketch.Resolver, debounce time.Duration, onChange func(sketch string), metrics *monitor.Metrics) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	return &Watcher{
		fsw:      fsw,
		resolver: resolver,
		onChange: onChange,
		debounce: debounce,
		metrics:  metrics,
		scripts:  make(map[string]string),
		sketches: make(map[string]*entry),
		dirRefs:  make(map[string]int),
		timers:   make(map[string]*time.Timer),
	}, nil
}

// Watch starts following sketch name. Calls are reference counted.
func (w *Watcher) Watch(name string) error {
	script, err := w.resolver.Resolve(name)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if e, ok := w.sketches[script.Name]; ok {
		e.refs++
		return nil
	}

	path := filepath.Clean(script.Path)
	dir := filepath.Dir(path)
	if w.dirRefs[dir] == 0 {
		if err := w.fsw.Add(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
	}
	w.dirRefs[dir]++
	w.sketches[script.Name] = &entry{path: path, dir: dir, refs: 1}
	w.scripts[path] = script.Name

	log.Info().Str("sketch", script.Name).Str("path", path).Msg("watching sketch")
	return nil
}

// Unwatch drops one reference to sketch name and stops following it when
// none remain.
func (w *Watcher) Unwatch(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.sketches[name]
	if !ok {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}
	delete(w.sketches, name)
	delete(w.scripts, e.path)
	if t, ok := w.timers[name]; ok {
		t.Stop()
		delete(w.timers, name)
	}
	w.dirRefs[e.dir]--
	if w.dirRefs[e.dir] <= 0 {
		delete(w.dirRefs, e.dir)
		if !w.closed {
			if err := w.fsw.Remove(e.dir); err != nil {
				log.Debug().Err(err).Str("dir", e.dir).Msg("removing watch")
			}
		}
	}
	log.Info().Str("sketch", name).Msg("stopped watching sketch")
}

// Watched returns the sketches being followed, sorted.
func (w *Watcher) Watched() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.sketches))
	for name := range w.sketches {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Run processes file events until ctx is cancelled or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("file watcher error")
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return
	}
	path := filepath.Clean(ev.Name)

	w.mu.Lock()
	defer w.mu.Unlock()
	name, ok := w.scripts[path]
	if !ok || w.closed {
		return
	}
	if t, ok := w.timers[name]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[name] = time.AfterFunc(w.debounce, func() { w.fire(name) })
}

func (w *Watcher) fire(name string) {
	w.mu.Lock()
	delete(w.timers, name)
	_, active := w.sketches[name]
	closed := w.closed
	w.mu.Unlock()
	if !active || closed {
		return
	}

	w.metrics.RecordWatchTrigger()
	log.Debug().Str("sketch", name).Msg("sketch changed")
	w.onChange(name)
}

// Close stops all watches and pending triggers.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for name, t := range w.timers {
		t.Stop()
		delete(w.timers, name)
	}
	w.mu.Unlock()
	return w.fsw.Close()
}
