package fswatch

import (
	"os"
	"path/filepath"
	goSync "sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/mirror/pkg/errors"
)

// Mocked out for unit testing.
var fs = afero.NewOsFs()

// eventBufferSize is the number of changed paths buffered while the
// consumer is busy.
const eventBufferSize = 1024

// Tree is the directory being watched.
type Tree interface {
	Root() string

	// Rel converts an absolute path into a path relative to the root.
	Rel(absPath string) (string, error)

	// Excluded returns whether changes to the relative path should be
	// ignored.
	Excluded(path string) bool
}

// Watcher reports the paths within a Tree that change.
type Watcher struct {
	tree    Tree
	watcher *fsnotify.Watcher
	events  chan string

	done      chan struct{}
	closeOnce goSync.Once
}

// Watch starts watching every directory in `tree`. Paths are reported
// relative to the tree's root.
func Watch(tree Tree) (*Watcher, error) {
	pathsToWatch, err := getPathsToWatch(tree, tree.Root())
	if err != nil {
		return nil, errors.WithContext(err, "get paths")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.WithContext(err, "create watcher")
	}

	for _, path := range pathsToWatch {
		if err := watcher.Add(path); err != nil {
			// Close the watcher so that we release the file handlers for the
			// previously added paths.
			if err := watcher.Close(); err != nil {
				log.WithError(err).Warn("Failed to close file watcher")
			}

			return nil, errors.WithContext(err, "watch "+path)
		}
	}

	w := &Watcher{
		tree:    tree,
		watcher: watcher,
		events:  make(chan string, eventBufferSize),
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Events returns the channel of changed paths. It's closed once the watcher
// is closed.
func (w *Watcher) Events() <-chan string {
	return w.events
}

// Close stops the watcher. It's safe to call multiple times.
func (w *Watcher) Close() (err error) {
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) run() {
	defer close(w.events)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.handle(event) {
				return
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("File watcher error")
		case <-w.done:
			return
		}
	}
}

// handle returns false if the watcher was closed while handling the event.
func (w *Watcher) handle(event fsnotify.Event) bool {
	path, err := w.tree.Rel(event.Name)
	if err != nil {
		// Events on the root itself.
		return true
	}

	if w.tree.Excluded(path) {
		return true
	}

	if !w.emit(path) {
		return false
	}

	if event.Op&fsnotify.Create == 0 {
		return true
	}

	fi, err := fs.Stat(event.Name)
	if err != nil || !fi.IsDir() {
		return true
	}

	// Because fsnotify doesn't watch directories recursively, new
	// directories have to be added explicitly. Each directory is watched
	// before its contents are listed, so anything created in it before then
	// is reported here, and anything created afterwards triggers an event.
	var children []string
	err = walk(w.tree, event.Name, func(absPath, childPath string, fi os.FileInfo) {
		if fi.IsDir() {
			if err := w.watcher.Add(absPath); err != nil {
				log.WithError(err).WithField("path", childPath).Warn("Failed to watch new directory")
			}
		}

		if absPath != event.Name {
			children = append(children, childPath)
		}
	})
	if err != nil {
		log.WithError(err).WithField("path", path).Warn("Failed to list new directory")
		return true
	}

	for _, child := range children {
		if !w.emit(child) {
			return false
		}
	}
	return true
}

func (w *Watcher) emit(path string) bool {
	select {
	case w.events <- path:
		return true
	case <-w.done:
		return false
	}
}

// getPathsToWatch returns `dir` and every directory beneath it that isn't
// excluded.
func getPathsToWatch(tree Tree, dir string) (paths []string, err error) {
	fi, err := fs.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: dir}
		}
		return nil, errors.WithContext(err, "stat")
	}

	if !fi.IsDir() {
		return nil, errors.Errorf("%q is not a directory", dir)
	}

	err = walk(tree, dir, func(absPath, _ string, fi os.FileInfo) {
		if fi.IsDir() {
			paths = append(paths, absPath)
		}
	})
	return paths, err
}

func walk(tree Tree, dir string, visit func(absPath, path string, fi os.FileInfo)) error {
	return afero.Walk(fs, dir, func(absPath string, fi os.FileInfo, err error) error {
		if err != nil {
			// The path was removed during the walk.
			if os.IsNotExist(err) {
				return nil
			}
			return errors.WithContext(err, "walk error")
		}

		path, err := tree.Rel(absPath)
		if err == nil && tree.Excluded(path) {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		visit(absPath, path, fi)
		return nil
	})
}
