package sync

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ghodss/yaml"

	"github.com/sidkik/mirror/pkg/config"
	"github.com/sidkik/mirror/pkg/errors"
)

type file struct {
	path     string
	contents string
	mode     os.FileMode
	modTime  time.Time
}

func (f file) WithContents(contents string) file {
	f.contents = contents
	return f
}

func (f file) WithMode(mode os.FileMode) file {
	f.mode = mode
	return f
}

func (f file) WithModTime(modTime time.Time) file {
	f.modTime = modTime
	return f
}

func randomFile(path string) file {
	randomTime := time.Date(2019, 11, 10, rand.Intn(23), rand.Intn(59), rand.Intn(59), 0, time.UTC)
	return file{
		path:     path,
		contents: strconv.Itoa(rand.Int()),
		mode:     os.FileMode(0640 | rand.Intn(8)),
		modTime:  randomTime,
	}
}

// mockFs contains helper methods for creating the temporary directories
// synced by a server and client.
type mockFs struct {
	root       string
	serverDir  string
	clientDir  string
	configPath string

	// metricsAddress is where the server exports its metrics. It's used to
	// tell when the client has connected.
	metricsAddress string
}

// side selects which of the synced directories an operation applies to.
type side int

const (
	server side = iota
	client
)

func (s side) String() string {
	if s == server {
		return "server"
	}
	return "client"
}

type fsOp func(mockFs) error

func newMockFs() (mockFs, error) {
	root, err := ioutil.TempDir("", "mirror-sync-test")
	if err != nil {
		return mockFs{}, errors.WithContext(err, "make root dir")
	}

	// Resolve symlinks such as /tmp -> /private/tmp so that watched paths
	// match the synced root.
	root, err = filepath.EvalSymlinks(root)
	if err != nil {
		return mockFs{}, errors.WithContext(err, "resolve root dir")
	}

	serverDir := filepath.Join(root, "server")
	if err := os.Mkdir(serverDir, 0755); err != nil {
		return mockFs{}, errors.WithContext(err, "make server directory")
	}

	clientDir := filepath.Join(root, "client")
	if err := os.Mkdir(clientDir, 0755); err != nil {
		return mockFs{}, errors.WithContext(err, "make client directory")
	}

	return mockFs{
		root:       root,
		serverDir:  serverDir,
		clientDir:  clientDir,
		configPath: filepath.Join(root, "mirror.yaml"),

		metricsAddress: fmt.Sprintf("127.0.0.1:%d", randomPort()),
	}, nil
}

func (fs mockFs) getMockPath(s side, path string) string {
	if s == server {
		return filepath.Join(fs.serverDir, path)
	}
	return filepath.Join(fs.clientDir, path)
}

func (fs mockFs) cleanup() error {
	return os.RemoveAll(fs.root)
}

func (fs mockFs) writeConfig(cfg config.Config) error {
	cfg.MetricsAddress = fs.metricsAddress
	yamlBytes, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}
	return ioutil.WriteFile(fs.configPath, yamlBytes, 0644)
}

func createFile(s side, toCreate file) fsOp {
	return func(fs mockFs) error {
		path := fs.getMockPath(s, toCreate.path)

		parent := filepath.Dir(path)
		if err := os.MkdirAll(parent, 0755); err != nil {
			return errors.WithContext(err, "make parent")
		}

		f, err := os.Create(path)
		if err != nil {
			return errors.WithContext(err, "create")
		}
		defer f.Close()

		_, err = io.Copy(f, bytes.NewReader([]byte(toCreate.contents)))
		if err != nil {
			return errors.WithContext(err, "write")
		}

		if err := os.Chmod(path, toCreate.mode); err != nil {
			return errors.WithContext(err, "chmod")
		}

		if err := os.Chtimes(path, time.Now(), toCreate.modTime); err != nil {
			return errors.WithContext(err, "chtimes")
		}
		return nil
	}
}

func removeFile(s side, path string) fsOp {
	return func(fs mockFs) error {
		return os.RemoveAll(fs.getMockPath(s, path))
	}
}

type assertion func(mockFs) error

func shouldExist(s side, exp file) assertion {
	return func(fs mockFs) error {
		path := fs.getMockPath(s, exp.path)
		fi, err := os.Stat(path)
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("stat on %s", s))
		}

		contents, err := ioutil.ReadFile(path)
		if err != nil {
			return errors.WithContext(err, "read")
		}

		switch {
		case string(contents) != exp.contents:
			return fmt.Errorf("%s: %q has contents %q, expected %q",
				s, exp.path, contents, exp.contents)
		case fi.Mode().Perm() != exp.mode:
			return fmt.Errorf("%s: %q has mode %s, expected %s",
				s, exp.path, fi.Mode().Perm(), exp.mode)
		case !fi.ModTime().Equal(exp.modTime):
			return fmt.Errorf("%s: %q has modtime %s, expected %s",
				s, exp.path, fi.ModTime(), exp.modTime)
		}
		return nil
	}
}

func shouldNotExist(s side, path string) assertion {
	return func(fs mockFs) error {
		_, err := os.Lstat(fs.getMockPath(s, path))
		switch {
		case os.IsNotExist(err):
			return nil
		case err != nil:
			return errors.WithContext(err, "stat")
		default:
			return fmt.Errorf("%s: %q should not exist", s, path)
		}
	}
}
