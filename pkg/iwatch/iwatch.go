// Package iwatch implements the configuration file watcher. It owns a set
// of watched-path entries on top of a single fsnotify watcher and surfaces
// change events on a channel the bootstrap driver forwards into the event
// loop.
//
// The watcher is disabled until Init has succeeded; all calls before that
// fail with ErrNotInitialized. Adding a path that does not exist is a
// successful no-op, the caller retries on a parent-directory event.
package iwatch

import (
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/sunlightlinux/rlinit/pkg/logging"
)

// ErrNotInitialized is returned by all operations before Init succeeds.
var ErrNotInitialized = errors.New("iwatch: not initialized")

// Mask selects which event kinds a watch reports.
type Mask uint32

const (
	MaskCreate Mask = 1 << iota
	MaskDelete
	MaskMove
	MaskModify
	MaskAttrib

	// DefaultMask covers create, delete, move, modify and attrib, the
	// set config monitoring cares about.
	DefaultMask = MaskCreate | MaskDelete | MaskMove | MaskModify | MaskAttrib
)

// Entry is one watched path. The entry owns its path string exclusively;
// it is released when the entry is removed from the set.
type Entry struct {
	Path string
	Mask Mask
}

// Event is a filtered change notification for a watched entry.
type Event struct {
	// Entry path the event matched.
	Path string
	// Name is the affected file, which for directory watches may be a
	// file inside Path.
	Name string
	// Op is the event kind, one of the Mask bits.
	Op Mask
}

// Watcher owns the kernel watch descriptor set.
type Watcher struct {
	Events chan Event

	logger *logging.Logger

	mu      sync.Mutex
	fw      *fsnotify.Watcher
	entries []*Entry
	byPath  map[string]*Entry
	done    chan struct{}
}

// New creates an uninitialized watcher.
func New(logger *logging.Logger) *Watcher {
	return &Watcher{
		Events: make(chan Event, 64),
		logger: logger,
		byPath: make(map[string]*Entry),
	}
}

// Init creates the kernel watcher and starts the event pump.
func (w *Watcher) Init() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fw != nil {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating inotify descriptor")
	}

	w.fw = fw
	w.done = make(chan struct{})
	go w.pump(fw, w.done)

	return nil
}

// Add watches path with the given mask. A missing path is a successful
// no-op: the caller may retry later on parent-directory events. Adding a
// path already present updates its mask.
func (w *Watcher) Add(path string, mask Mask) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fw == nil {
		return ErrNotInitialized
	}

	if _, err := os.Stat(path); err != nil {
		w.logger.Debug("iwatch: skipping %s: no such file or directory", path)
		return nil
	}

	if e, ok := w.byPath[path]; ok {
		e.Mask = mask
		return nil
	}

	if err := w.fw.Add(path); err != nil {
		return errors.Wrapf(err, "adding watcher for %s", path)
	}

	e := &Entry{Path: path, Mask: mask}
	w.entries = append(w.entries, e)
	w.byPath[path] = e

	return nil
}

// Del removes an entry and its kernel watch.
func (w *Watcher) Del(e *Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fw == nil {
		return ErrNotInitialized
	}

	if _, ok := w.byPath[e.Path]; !ok {
		return errors.Errorf("no watch entry for %s", e.Path)
	}

	// Removing a watch for a path that vanished is fine, the kernel
	// dropped it already.
	_ = w.fw.Remove(e.Path)

	delete(w.byPath, e.Path)
	for i, cur := range w.entries {
		if cur == e {
			w.entries = append(w.entries[:i], w.entries[i+1:]...)
			break
		}
	}

	return nil
}

// FindByPath returns the entry watching path, or nil.
func (w *Watcher) FindByPath(path string) *Entry {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fw == nil {
		return nil
	}
	return w.byPath[path]
}

// Teardown removes all kernel watches and closes the watcher. The watcher
// reverts to the uninitialized state and may be Init'ed again.
func (w *Watcher) Teardown() {
	w.mu.Lock()
	fw := w.fw
	done := w.done
	w.fw = nil
	w.done = nil
	w.entries = nil
	w.byPath = make(map[string]*Entry)
	w.mu.Unlock()

	if fw != nil {
		fw.Close()
		<-done
	}
}

// pump translates fsnotify events into filtered iwatch events.
func (w *Watcher) pump(fw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	for {
		select {
		case evt, ok := <-fw.Events:
			if !ok {
				return
			}
			w.dispatch(evt)

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("iwatch: %v", err)
		}
	}
}

func (w *Watcher) dispatch(evt fsnotify.Event) {
	op := translateOp(evt.Op)
	if op == 0 {
		return
	}

	e := w.match(evt.Name)
	if e == nil || e.Mask&op == 0 {
		return
	}

	select {
	case w.Events <- Event{Path: e.Path, Name: evt.Name, Op: op}:
	default:
		w.logger.Warn("iwatch: event queue full, dropping %s", evt.Name)
	}
}

// match finds the entry for name: an exact path match first, then the
// containing directory for events on files inside a watched directory.
func (w *Watcher) match(name string) *Entry {
	w.mu.Lock()
	defer w.mu.Unlock()

	if e, ok := w.byPath[name]; ok {
		return e
	}
	for dir := parentDir(name); dir != ""; dir = parentDir(dir) {
		if e, ok := w.byPath[dir]; ok {
			return e
		}
	}
	return nil
}

func parentDir(path string) string {
	for i := len(path) - 1; i > 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return ""
}

func translateOp(op fsnotify.Op) Mask {
	switch {
	case op&fsnotify.Create != 0:
		return MaskCreate
	case op&fsnotify.Remove != 0:
		return MaskDelete
	case op&fsnotify.Rename != 0:
		return MaskMove
	case op&fsnotify.Write != 0:
		return MaskModify
	case op&fsnotify.Chmod != 0:
		return MaskAttrib
	}
	return 0
}
