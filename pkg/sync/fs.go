package sync

import (
	"context"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/mirror/pkg/errors"
)

// Mocked out for unit testing.
var fs = afero.NewOsFs()

// ErrExcluded is returned when an operation targets a path that matches one
// of the exclude patterns.
var ErrExcluded = errors.New("path is excluded from syncing")

// AlwaysExcluded are excluded regardless of the user's configuration.
var AlwaysExcluded = []string{".git", ".DS_Store"}

// fingerprintCacheSize is the number of file hashes remembered between scans.
const fingerprintCacheSize = 16384

// Filesystem is the boundary between the sync algorithm and the files on
// disk.
type Filesystem interface {
	// Scan returns the current state of every non-excluded path.
	Scan(ctx context.Context) (PathState, error)

	// Stat returns the current entry for a single path. Paths that don't
	// exist are reported as tombstones.
	Stat(path string) (PathEntry, error)

	// ReadFile returns the contents of a regular file.
	ReadFile(path string) ([]byte, error)

	// Apply makes the disk match the update.
	Apply(Update) error
}

// LocalFilesystem is the Filesystem rooted at a local directory.
type LocalFilesystem struct {
	root     string
	excludes []excludePattern

	// fingerprints caches file hashes keyed by path, size, and modtime so
	// that rescans don't rehash unchanged files.
	fingerprints *lru.Cache
}

type excludePattern struct {
	glob.Glob

	// anchored patterns contain a slash and are matched against the path
	// from the root. Other patterns are matched against each path element.
	anchored bool
}

type fingerprintKey struct {
	path    string
	size    int64
	modTime int64
}

// NewLocalFilesystem returns a Filesystem for the tree at `root`. Paths
// matching any of `excludes` are ignored.
func NewLocalFilesystem(root string, excludes []string) (*LocalFilesystem, error) {
	fingerprints, err := lru.New(fingerprintCacheSize)
	if err != nil {
		return nil, errors.WithContext(err, "create fingerprint cache")
	}

	localFS := &LocalFilesystem{root: root, fingerprints: fingerprints}
	for _, pattern := range append(append([]string{}, AlwaysExcluded...), excludes...) {
		pattern = strings.TrimRight(filepath.ToSlash(pattern), "/")
		anchored := strings.Contains(pattern, "/")
		pattern = strings.TrimLeft(pattern, "/")
		if pattern == "" {
			continue
		}

		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, errors.WithContext(err, "compile exclude pattern "+pattern)
		}
		localFS.excludes = append(localFS.excludes, excludePattern{
			Glob:     g,
			anchored: anchored,
		})
	}
	return localFS, nil
}

// Root returns the directory being synced.
func (localFS *LocalFilesystem) Root() string {
	return localFS.root
}

// Excluded returns whether the normalized path matches an exclude pattern.
// A path is also excluded if any of its parent directories are.
func (localFS *LocalFilesystem) Excluded(path string) bool {
	elements := strings.Split(path, "/")
	for i, element := range elements {
		prefix := strings.Join(elements[:i+1], "/")
		for _, pattern := range localFS.excludes {
			if pattern.Match(prefix) || (!pattern.anchored && pattern.Match(element)) {
				return true
			}
		}
	}
	return false
}

// Rel converts an absolute path on disk into a normalized path. It's used to
// translate filesystem events.
func (localFS *LocalFilesystem) Rel(absPath string) (string, error) {
	relativePath, err := filepath.Rel(localFS.root, absPath)
	if err != nil || relativePath == ".." || strings.HasPrefix(relativePath, ".."+string(filepath.Separator)) {
		return "", errors.Errorf("%q is not within %q", absPath, localFS.root)
	}
	return NormalizePath(filepath.ToSlash(relativePath))
}

func (localFS *LocalFilesystem) abs(path string) string {
	return filepath.Join(localFS.root, filepath.FromSlash(path))
}

// Scan walks the root and returns the state of every path in it.
func (localFS *LocalFilesystem) Scan(ctx context.Context) (PathState, error) {
	state := PathState{}
	err := afero.Walk(fs, localFS.root, func(absPath string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if absPath == localFS.root {
			return nil
		}

		path, err := localFS.Rel(absPath)
		if err != nil {
			return errors.WithContext(err, "normalized path")
		}

		if localFS.Excluded(path) {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		entry, ok, err := localFS.entry(path, absPath, fi)
		if err != nil {
			// The file was most likely removed during the walk. The watcher
			// will pick up the removal.
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return errors.WithContext(err, "stat "+path)
		}

		if ok {
			state[path] = entry
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithContext(err, "walk")
	}
	return state, nil
}

// Stat returns the entry for `path` as it currently exists on disk.
func (localFS *LocalFilesystem) Stat(path string) (PathEntry, error) {
	if localFS.Excluded(path) {
		return PathEntry{}, ErrExcluded
	}

	absPath := localFS.abs(path)
	fi, err := lstat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return NewTombstone(path), nil
		}
		return PathEntry{}, errors.WithContext(err, "stat")
	}

	entry, ok, err := localFS.entry(path, absPath, fi)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewTombstone(path), nil
		}
		return PathEntry{}, err
	}

	// Special files such as sockets aren't synced, so they look the same as
	// a missing file to the peer.
	if !ok {
		return NewTombstone(path), nil
	}
	return entry, nil
}

func (localFS *LocalFilesystem) entry(path, absPath string, fi os.FileInfo) (PathEntry, bool, error) {
	entry := PathEntry{Path: path, Mode: fi.Mode().Perm()}
	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		linkReader, ok := fs.(afero.LinkReader)
		if !ok {
			return PathEntry{}, false, nil
		}

		target, err := linkReader.ReadlinkIfPossible(absPath)
		if err != nil {
			return PathEntry{}, false, err
		}
		entry.Kind = Symlink
		entry.SymlinkTarget = filepath.ToSlash(target)
	case fi.IsDir():
		entry.Kind = Directory
	case fi.Mode().IsRegular():
		fingerprint, err := localFS.fingerprint(path, absPath, fi)
		if err != nil {
			return PathEntry{}, false, err
		}
		entry.Kind = File
		entry.Size = fi.Size()
		entry.ModTime = fi.ModTime()
		entry.Fingerprint = fingerprint
	default:
		return PathEntry{}, false, nil
	}
	return entry, true, nil
}

func (localFS *LocalFilesystem) fingerprint(path, absPath string, fi os.FileInfo) (string, error) {
	key := fingerprintKey{path, fi.Size(), fi.ModTime().UnixNano()}
	if cached, ok := localFS.fingerprints.Get(key); ok {
		return cached.(string), nil
	}

	fingerprint, err := HashFile(absPath)
	if err != nil {
		return "", err
	}
	localFS.fingerprints.Add(key, fingerprint)
	return fingerprint, nil
}

// ReadFile returns the contents of the file at `path`.
func (localFS *LocalFilesystem) ReadFile(path string) ([]byte, error) {
	return afero.ReadFile(fs, localFS.abs(path))
}

// Apply makes the file at the update's path match the update.
func (localFS *LocalFilesystem) Apply(u Update) error {
	path := u.Path()
	if localFS.Excluded(path) {
		return ErrExcluded
	}

	absPath := localFS.abs(path)
	if u.Entry.Kind == Tombstone {
		// Nothing can exist at the path unless all of its parents are real
		// directories. Removing through a symlinked parent would delete
		// files outside the root.
		inTree, err := localFS.parentsAreDirs(path)
		if err != nil || !inTree {
			return err
		}

		// If the file is already gone, then the removal is a no-op.
		if err := fs.RemoveAll(absPath); err != nil && !os.IsNotExist(err) {
			return errors.WithContext(err, "remove")
		}
		return nil
	}

	if err := localFS.makeParents(path); err != nil {
		return err
	}

	switch u.Entry.Kind {
	case Directory:
		if err := removeIfNot(absPath, isDir); err != nil {
			return err
		}
		return fs.MkdirAll(absPath, dirMode(u.Entry.Mode))
	case Symlink:
		return writeSymlink(absPath, u.Entry.SymlinkTarget)
	case File:
		return writeFile(absPath, u.Entry, u.Data)
	default:
		return errors.Errorf("unknown kind %s", u.Entry.Kind)
	}
}

func writeFile(absPath string, entry PathEntry, data []byte) error {

	if err := removeIfNot(absPath, os.FileMode.IsRegular); err != nil {
		return err
	}

	mode := entry.Mode
	if mode == 0 {
		mode = 0644
	}

	if err := afero.WriteFile(fs, absPath, data, mode); err != nil {
		return errors.WithContext(err, "write")
	}

	// WriteFile only applies the mode when creating the file.
	if err := fs.Chmod(absPath, mode); err != nil {
		return errors.WithContext(err, "set file mode")
	}

	// Change the modification time as the last step so that it doesn't get
	// reset by other file operations. Matching the sender's modtime is what
	// keeps the watcher from echoing the update back.
	if err := fs.Chtimes(absPath, time.Now(), entry.ModTime); err != nil {
		return errors.WithContext(err, "set file modtime")
	}
	return nil
}

func writeSymlink(absPath, target string) error {
	linker, ok := fs.(afero.Linker)
	if !ok {
		return errors.New("filesystem does not support symlinks")
	}

	if err := fs.RemoveAll(absPath); err != nil && !os.IsNotExist(err) {
		return errors.WithContext(err, "remove old path")
	}

	if err := linker.SymlinkIfPossible(filepath.FromSlash(target), absPath); err != nil {
		return errors.WithContext(err, "symlink")
	}
	return nil
}

// parentDirs returns the absolute paths of the directories containing
// `path`, starting from the one closest to the root.
func (localFS *LocalFilesystem) parentDirs(path string) (dirs []string) {
	elements := strings.Split(path, "/")
	for i := 1; i < len(elements); i++ {
		dirs = append(dirs, localFS.abs(strings.Join(elements[:i], "/")))
	}
	return dirs
}

// makeParents creates the directories containing `path`. A symlink or file
// in the way is replaced by a directory, so that writes never follow a link
// out of the root.
func (localFS *LocalFilesystem) makeParents(path string) error {
	for _, dir := range localFS.parentDirs(path) {
		fi, err := lstat(dir)
		switch {
		case err == nil && fi.IsDir():
			continue
		case err == nil:
			// Remove only unlinks a symlink, and leaves its target alone.
			if err := fs.Remove(dir); err != nil {
				return errors.WithContext(err, "remove non-directory parent")
			}
		case !os.IsNotExist(err):
			return errors.WithContext(err, "stat parent")
		}

		if err := fs.Mkdir(dir, 0755); err != nil {
			return errors.WithContext(err, "make parent")
		}
	}
	return nil
}

func (localFS *LocalFilesystem) parentsAreDirs(path string) (bool, error) {
	for _, dir := range localFS.parentDirs(path) {
		fi, err := lstat(dir)
		switch {
		case os.IsNotExist(err):
			return false, nil
		case err != nil:
			return false, errors.WithContext(err, "stat parent")
		case !fi.IsDir():
			return false, nil
		}
	}
	return true, nil
}

func isDir(mode os.FileMode) bool {
	return mode.IsDir()
}

// removeIfNot removes whatever is at `absPath` unless its type matches. This
// handles a path changing kind, such as a directory being replaced by a file.
func removeIfNot(absPath string, keep func(os.FileMode) bool) error {
	fi, err := lstat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.WithContext(err, "stat")
	}

	if keep(fi.Mode()) {
		return nil
	}

	if err := fs.RemoveAll(absPath); err != nil {
		return errors.WithContext(err, "remove old path")
	}
	return nil
}

func dirMode(mode os.FileMode) os.FileMode {
	if mode == 0 {
		return 0755
	}
	return mode
}

func lstat(absPath string) (os.FileInfo, error) {
	if lstater, ok := fs.(afero.Lstater); ok {
		fi, _, err := lstater.LstatIfPossible(absPath)
		return fi, err
	}
	return fs.Stat(absPath)
}

// HashFile returns the sha512 hash of the file at the given path.
func HashFile(path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", errors.WithContext(err, "open")
	}
	defer f.Close()

	hasher := sha512.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", errors.WithContext(err, "read")
	}

	return base64.StdEncoding.EncodeToString(hasher.Sum(nil)), nil
}

// LogFields returns a summary of `updates` suitable for logging.
func LogFields(updates []Update) log.Fields {
	var paths []string
	for _, u := range updates {
		paths = append(paths, u.String())
	}
	return log.Fields{
		"count": len(updates),
		"paths": truncateSlice(paths, 5),
	}
}

// truncateSlice truncates the given slice of strings to the given length. If
// the slice is longer than `length`, a message is appended saying how many
// more items are in the slice.
func truncateSlice(slc []string, length int) (truncated []string) {
	if len(slc) <= length {
		return slc
	}
	msg := fmt.Sprintf("... %d more ...", len(slc)-length)
	return append(slc[:length], msg)
}
