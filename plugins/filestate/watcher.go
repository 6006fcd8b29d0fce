package filestate

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"buildgraph.evalgo.org/core/invalidate"
	"buildgraph.evalgo.org/core/keyvalue"
)

// Watcher drives a core/invalidate.Invalidator from real filesystem
// change notifications, the in-process counterpart to the coordinator
// package's WebSocket-delivered FILE_STATE batches (§4.12) for when
// the watcher and the evaluator share a process.
type Watcher struct {
	fs   *fsnotify.Watcher
	inv  *invalidate.Invalidator
	kind keyvalue.Kind
	root string
	log  *logrus.Entry
	done chan struct{}
}

// NewWatcher opens an fsnotify watcher rooted at root and wires it to
// inv: every create/write/remove/rename event under a watched
// directory becomes one invalidate.Change against the FILE_STATE node
// for the affected path.
func NewWatcher(inv *invalidate.Invalidator, kind keyvalue.Kind, root string, log *logrus.Entry) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Watcher{fs: fw, inv: inv, kind: kind, root: root, log: log.WithField("component", "filestate.watcher"), done: make(chan struct{})}, nil
}

// AddDir registers dir (non-recursively; callers add subdirectories
// individually, matching fsnotify's own non-recursive watch model).
func (w *Watcher) AddDir(dir string) error {
	return w.fs.Add(dir)
}

// Run blocks, translating fsnotify events into invalidate.Inject calls
// until Close is called. It is meant to run on its own goroutine.
func (w *Watcher) Run() {
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("filesystem watch error")
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	path := ev.Name
	if !filepath.IsAbs(path) {
		path = filepath.Join(w.root, path)
	}

	state, err := statFile(path)
	if err != nil {
		w.log.WithError(err).WithField("path", path).Warn("failed to stat changed file")
		return
	}

	key := keyvalue.New(w.kind, path)
	version := w.inv.Inject([]invalidate.Change{{Key: key, Value: keyvalue.JustValue(state)}})
	w.log.WithFields(logrus.Fields{"path": path, "op": ev.Op.String(), "version": version}).Debug("file change injected")
}

// Close stops Run and releases the underlying fsnotify handle.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fs.Close()
}
