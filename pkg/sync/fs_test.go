package sync

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScan(t *testing.T) {
	fs = afero.NewMemMapFs()
	modTime := time.Date(2019, 11, 10, 1, 2, 3, 0, time.UTC)

	writeMockFile(t, "/root/index.js", "index", 0644, modTime)
	writeMockFile(t, "/root/src/app.js", "app", 0600, modTime)
	writeMockFile(t, "/root/node_modules/express/index.js", "express", 0644, modTime)
	writeMockFile(t, "/root/.git/HEAD", "ref", 0644, modTime)
	writeMockFile(t, "/root/build/out.log", "log", 0644, modTime)
	writeMockFile(t, "/root/src/build/keep.js", "keep", 0644, modTime)
	require.NoError(t, fs.MkdirAll("/root/empty", 0755))

	localFS, err := NewLocalFilesystem("/root", []string{"node_modules", "/build"})
	require.NoError(t, err)

	state, err := localFS.Scan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"empty",
		"index.js",
		"src",
		"src/app.js",
		"src/build",
		"src/build/keep.js",
	}, state.Paths())

	index := state["index.js"]
	assert.Equal(t, File, index.Kind)
	assert.Equal(t, int64(len("index")), index.Size)
	assert.True(t, modTime.Equal(index.ModTime))
	assert.Equal(t, hash(t, "/root/index.js"), index.Fingerprint)
	assert.Equal(t, os.FileMode(0600), state["src/app.js"].Mode)
	assert.Equal(t, Directory, state["src"].Kind)
}

func TestScanMissingRoot(t *testing.T) {
	fs = afero.NewMemMapFs()
	localFS, err := NewLocalFilesystem("/missing", nil)
	require.NoError(t, err)

	_, err = localFS.Scan(context.Background())
	assert.Error(t, err)
}

func TestScanCancelled(t *testing.T) {
	fs = afero.NewMemMapFs()
	writeMockFile(t, "/root/file", "contents", 0644, time.Now())
	localFS, err := NewLocalFilesystem("/root", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = localFS.Scan(ctx)
	assert.Error(t, err)
}

func TestStat(t *testing.T) {
	fs = afero.NewMemMapFs()
	modTime := time.Date(2019, 11, 10, 1, 2, 3, 0, time.UTC)
	writeMockFile(t, "/root/file", "contents", 0644, modTime)

	localFS, err := NewLocalFilesystem("/root", []string{"*.swp"})
	require.NoError(t, err)

	entry, err := localFS.Stat("file")
	require.NoError(t, err)
	assert.Equal(t, File, entry.Kind)
	assert.Equal(t, int64(len("contents")), entry.Size)

	entry, err = localFS.Stat("missing")
	require.NoError(t, err)
	assert.Equal(t, NewTombstone("missing"), entry)

	_, err = localFS.Stat("dir/.file.swp")
	assert.Equal(t, ErrExcluded, err)
}

func TestApply(t *testing.T) {
	fs = afero.NewMemMapFs()
	localFS, err := NewLocalFilesystem("/root", nil)
	require.NoError(t, err)

	modTime := time.Date(2019, 11, 10, 1, 2, 3, 0, time.UTC)
	file := Update{
		Entry: PathEntry{Path: "src/index.js", Kind: File, ModTime: modTime, Size: 5, Mode: 0755},
		Data:  []byte("index"),
	}
	require.NoError(t, localFS.Apply(file))

	contents, err := afero.ReadFile(fs, "/root/src/index.js")
	require.NoError(t, err)
	assert.Equal(t, []byte("index"), contents)

	fi, err := fs.Stat("/root/src/index.js")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), fi.Mode())
	assert.True(t, modTime.Equal(fi.ModTime()))

	// The applied file must stat the same as the update so that the watcher
	// doesn't send it back.
	entry, err := localFS.Stat("src/index.js")
	require.NoError(t, err)
	assert.False(t, file.Entry.Differs(entry))

	require.NoError(t, localFS.Apply(Update{Entry: PathEntry{Path: "src/lib", Kind: Directory}}))
	isDir, err := afero.DirExists(fs, "/root/src/lib")
	require.NoError(t, err)
	assert.True(t, isDir)

	// A directory replaced by a file.
	require.NoError(t, localFS.Apply(Update{
		Entry: PathEntry{Path: "src/lib", Kind: File, ModTime: modTime},
		Data:  []byte("now a file"),
	}))
	isDir, err = afero.DirExists(fs, "/root/src/lib")
	require.NoError(t, err)
	assert.False(t, isDir)

	require.NoError(t, localFS.Apply(Update{Entry: NewTombstone("src")}))
	exists, err := afero.Exists(fs, "/root/src")
	require.NoError(t, err)
	assert.False(t, exists)

	// Removing a file that's already gone is fine.
	assert.NoError(t, localFS.Apply(Update{Entry: NewTombstone("src")}))

	assert.Equal(t, ErrExcluded, localFS.Apply(Update{Entry: NewTombstone(".git/HEAD")}))
}

func TestApplyThroughSymlinkedParent(t *testing.T) {
	fs = afero.NewOsFs()
	defer func() { fs = afero.NewMemMapFs() }()

	root, err := ioutil.TempDir("", "mirror-root")
	require.NoError(t, err)
	defer os.RemoveAll(root)

	outside, err := ioutil.TempDir("", "mirror-outside")
	require.NoError(t, err)
	defer os.RemoveAll(outside)
	require.NoError(t, ioutil.WriteFile(filepath.Join(outside, "keep"), []byte("keep"), 0644))

	localFS, err := NewLocalFilesystem(root, nil)
	require.NoError(t, err)
	require.NoError(t, localFS.Apply(Update{Entry: PathEntry{
		Path: "a", Kind: Symlink, SymlinkTarget: filepath.ToSlash(outside),
	}}))

	// Removals beneath the link are ignored rather than followed.
	require.NoError(t, localFS.Apply(Update{Entry: NewTombstone("a/keep")}))
	_, err = os.Stat(filepath.Join(outside, "keep"))
	assert.NoError(t, err)

	// Writes beneath the link replace it with a real directory.
	require.NoError(t, localFS.Apply(Update{
		Entry: PathEntry{Path: "a/x", Kind: File, ModTime: time.Unix(100, 0), Size: 1},
		Data:  []byte("x"),
	}))

	fi, err := os.Lstat(filepath.Join(root, "a"))
	require.NoError(t, err)
	assert.True(t, fi.IsDir())

	contents, err := ioutil.ReadFile(filepath.Join(root, "a", "x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), contents)

	outsideFiles, err := ioutil.ReadDir(outside)
	require.NoError(t, err)
	require.Len(t, outsideFiles, 1)
	assert.Equal(t, "keep", outsideFiles[0].Name())

	// A file in place of a parent directory is replaced too.
	require.NoError(t, localFS.Apply(Update{
		Entry: PathEntry{Path: "a/x/y", Kind: Directory},
	}))
	isDir, err := afero.DirExists(fs, filepath.Join(root, "a", "x", "y"))
	require.NoError(t, err)
	assert.True(t, isDir)
}

func TestExcluded(t *testing.T) {
	localFS, err := NewLocalFilesystem("/root", []string{"node_modules", "build/*.o", "*.swp"})
	require.NoError(t, err)

	tests := []struct {
		path string
		exp  bool
	}{
		{"index.js", false},
		{".git", true},
		{".git/objects/ab", true},
		{"src/.DS_Store", true},
		{"node_modules", true},
		{"app/node_modules/express/index.js", true},
		{"build/main.o", true},
		{"build/main.c", false},
		{"app/build/main.o", false},
		{"src/.index.js.swp", true},
	}

	for _, test := range tests {
		assert.Equal(t, test.exp, localFS.Excluded(test.path), test.path)
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path   string
		exp    string
		expErr bool
	}{
		{path: "a/b", exp: "a/b"},
		{path: "a//b/./c", exp: "a/b/c"},
		{path: `a\b`, exp: "a/b"},
		{path: "a/../b", exp: "b"},
		{path: "", expErr: true},
		{path: ".", expErr: true},
		{path: "/etc/passwd", expErr: true},
		{path: "../outside", expErr: true},
		{path: "a/../../outside", expErr: true},
	}

	for _, test := range tests {
		actual, err := NormalizePath(test.path)
		if test.expErr {
			assert.Error(t, err, test.path)
			continue
		}
		assert.NoError(t, err, test.path)
		assert.Equal(t, test.exp, actual)
	}
}

func TestTruncateSlice(t *testing.T) {
	assert.Equal(t, []string{"foo", "bar"}, truncateSlice([]string{"foo", "bar"}, 2))
	assert.Equal(t, []string{"foo", "... 1 more ..."}, truncateSlice([]string{"foo", "bar"}, 1))
}

func writeMockFile(t *testing.T, path, contents string, mode os.FileMode, modTime time.Time) {
	require.NoError(t, afero.WriteFile(fs, path, []byte(contents), mode))
	require.NoError(t, fs.Chtimes(path, time.Now(), modTime))
}

func hash(t *testing.T, path string) string {
	fingerprint, err := HashFile(path)
	require.NoError(t, err)
	return fingerprint
}
