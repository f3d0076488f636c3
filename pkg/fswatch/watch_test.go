package fswatch

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/mirror/pkg/errors"
	"github.com/sidkik/mirror/pkg/sync"
)

func TestGetPathsToWatch(t *testing.T) {
	tests := []struct {
		name     string
		dirs     []string
		files    []string
		excludes []string
		expPaths []string
	}{
		{
			name:  "Simple case -- all directories",
			dirs:  []string{"/svc/tests", "/svc/src", "/svc/src/app", "/svc/src/app/controllers"},
			files: []string{"/svc/tests/test.js", "/svc/src/package.json", "/svc/src/app/controllers/index.js"},
			expPaths: []string{"/svc", "/svc/src", "/svc/src/app",
				"/svc/src/app/controllers", "/svc/tests"},
		},
		{
			name:     "Don't watch ignored paths",
			dirs:     []string{"/svc/src", "/svc/src/app", "/svc/src/node_modules", "/svc/src/node_modules/express", "/svc/.git"},
			files:    []string{"/svc/src/app/index.js", "/svc/src/node_modules/express/index.js"},
			excludes: []string{"node_modules"},
			expPaths: []string{"/svc", "/svc/src", "/svc/src/app"},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			fs = afero.NewMemMapFs()
			for _, dir := range test.dirs {
				assert.NoError(t, fs.MkdirAll(dir, 0755))
			}
			for _, file := range test.files {
				assert.NoError(t, afero.WriteFile(fs, file, []byte("testfile"), 0644))
			}

			tree, err := sync.NewLocalFilesystem("/svc", test.excludes)
			require.NoError(t, err)

			paths, err := getPathsToWatch(tree, "/svc")
			assert.NoError(t, err)

			// Sort for consistency.
			sort.Strings(test.expPaths)
			sort.Strings(paths)
			assert.Equal(t, test.expPaths, paths)
		})
	}
}

func TestGetPathsToWatchMissing(t *testing.T) {
	fs = afero.NewMemMapFs()
	tree, err := sync.NewLocalFilesystem("/missing", nil)
	require.NoError(t, err)

	_, err = getPathsToWatch(tree, "/missing")
	assert.Equal(t, errors.FileNotFound{Path: "/missing"}, err)
}

func TestWatch(t *testing.T) {
	fs = afero.NewOsFs()
	root, err := ioutil.TempDir("", "mirror-watch")
	require.NoError(t, err)
	defer os.RemoveAll(root)

	require.NoError(t, os.Mkdir(filepath.Join(root, "node_modules"), 0755))

	tree, err := sync.NewLocalFilesystem(root, []string{"node_modules"})
	require.NoError(t, err)

	watcher, err := Watch(tree)
	require.NoError(t, err)

	require.NoError(t, ioutil.WriteFile(filepath.Join(root, "node_modules", "ignored"), []byte("x"), 0644))
	require.NoError(t, ioutil.WriteFile(filepath.Join(root, "file"), []byte("x"), 0644))
	waitForPath(t, watcher, "file")

	// Files in a new directory are reported, even if they were created
	// before the directory was watched.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "dir", "sub"), 0755))
	require.NoError(t, ioutil.WriteFile(filepath.Join(root, "dir", "sub", "child"), []byte("x"), 0644))
	seen := waitForPath(t, watcher, "dir/sub/child")
	assert.NotContains(t, seen, "node_modules/ignored")

	require.NoError(t, watcher.Close())
	for range watcher.Events() {
	}
}

// waitForPath reads events until `exp` is seen, and returns every path read.
func waitForPath(t *testing.T, watcher *Watcher, exp string) (seen []string) {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case path := <-watcher.Events():
			seen = append(seen, path)
			if path == exp {
				return seen
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q, got %v", exp, seen)
		}
	}
}
