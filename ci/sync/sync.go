package sync

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/mirror/ci/util"
	"github.com/sidkik/mirror/pkg/config"
)

// syncTimeout bounds how long a change may take to reach the other side.
const syncTimeout = 30 * time.Second

func Test(t *testing.T, helper *util.TestHelper) {
	t.Run("FileChange", func(t *testing.T) {
		testFileChange(t, helper)
	})
	t.Run("Exclude", func(t *testing.T) {
		testExclude(t, helper)
	})
	t.Run("Reconnect", func(t *testing.T) {
		testReconnect(t, helper)
	})
}

func testFileChange(t *testing.T, helper *util.TestHelper) {
	refFile := randomFile("dir/test-file")
	changedContents := refFile.WithContents("changed contents")
	changedModTime := refFile.WithModTime(refFile.modTime.Add(1 * time.Minute))
	fromServer := randomFile("server-file").WithMode(0600)

	tests := []struct {
		name   string
		change fsOp
		checks []assertion
	}{
		{
			name:   "CreateOnClient",
			change: createFile(client, refFile),
			checks: []assertion{shouldExist(server, refFile)},
		},
		{
			name:   "ChangeContents",
			change: createFile(client, changedContents),
			checks: []assertion{shouldExist(server, changedContents)},
		},
		{
			name:   "ChangeModTime",
			change: createFile(client, changedModTime),
			checks: []assertion{shouldExist(server, changedModTime)},
		},
		{
			name:   "RemoveFile",
			change: removeFile(client, refFile.path),
			checks: []assertion{shouldNotExist(server, refFile.path)},
		},
		{
			name:   "CreateOnServer",
			change: createFile(server, fromServer),
			checks: []assertion{shouldExist(client, fromServer)},
		},
		{
			name:   "RemoveDirectory",
			change: removeFile(server, "dir"),
			checks: []assertion{shouldNotExist(client, "dir")},
		},
	}

	fs, err := newMockFs()
	require.NoError(t, err)
	defer fs.cleanup()
	require.NoError(t, fs.writeConfig(config.Default()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startMirror(ctx, t, helper, fs)

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			require.NoError(t, test.change(fs))
			for _, check := range test.checks {
				assert.NoError(t, waitFor(ctx, fs, check))
			}
		})
	}
}

func testExclude(t *testing.T, helper *util.TestHelper) {
	fs, err := newMockFs()
	require.NoError(t, err)
	defer fs.cleanup()

	cfg := config.Default()
	cfg.Exclude = []string{"*.log", "build"}
	require.NoError(t, fs.writeConfig(cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startMirror(ctx, t, helper, fs)

	ignored := randomFile("debug.log")
	ignoredDir := randomFile("build/out")
	synced := randomFile("main.go")
	for _, f := range []file{ignored, ignoredDir, synced} {
		require.NoError(t, createFile(client, f)(fs))
	}

	// Once the synced file arrives, the excluded files would have too.
	require.NoError(t, waitFor(ctx, fs, shouldExist(server, synced)))
	assert.NoError(t, shouldNotExist(server, ignored.path)(fs))
	assert.NoError(t, shouldNotExist(server, "build")(fs))
}

func testReconnect(t *testing.T, helper *util.TestHelper) {
	fs, err := newMockFs()
	require.NoError(t, err)
	defer fs.cleanup()

	cfg := config.Default()
	cfg.ReconnectInterval = config.Duration(time.Second)
	require.NoError(t, fs.writeConfig(cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	port := randomPort()
	serverCtx, stopServer := context.WithCancel(ctx)
	_, err = helper.Server(serverCtx, fs.configPath, fs.serverDir, port)
	require.NoError(t, err, "start server")

	clientErr, err := helper.Client(ctx, fs.configPath, fs.clientDir, port)
	require.NoError(t, err, "start client")
	require.NoError(t, waitForSession(ctx, fs), "connect")

	beforeRestart := randomFile("before-restart")
	require.NoError(t, createFile(client, beforeRestart)(fs))
	require.NoError(t, waitFor(ctx, fs, shouldExist(server, beforeRestart)))

	// Both trees match, so the client's new session starts with nothing to
	// exchange, and picks up changes made after it reconnects.
	stopServer()
	serverErr, err := helper.Server(ctx, fs.configPath, fs.serverDir, port)
	require.NoError(t, err, "restart server")

	require.NoError(t, waitForSession(ctx, fs), "reconnect")

	afterRestart := randomFile("after-restart")
	require.NoError(t, createFile(client, afterRestart)(fs))
	require.NoError(t, waitFor(ctx, fs, shouldExist(server, afterRestart)))
	assert.NoError(t, shouldExist(server, beforeRestart)(fs))

	select {
	case err := <-clientErr:
		t.Fatalf("client exited: %s", err)
	case err := <-serverErr:
		t.Fatalf("server exited: %s", err)
	default:
	}
}

func startMirror(ctx context.Context, t *testing.T, helper *util.TestHelper, fs mockFs) {
	port := randomPort()
	serverErr, err := helper.Server(ctx, fs.configPath, fs.serverDir, port)
	require.NoError(t, err, "start server")
	go func() {
		if err := <-serverErr; err != nil {
			t.Errorf("run server: %s", err)
		}
	}()

	clientErr, err := helper.Client(ctx, fs.configPath, fs.clientDir, port)
	require.NoError(t, err, "start client")
	go func() {
		if err := <-clientErr; err != nil {
			t.Errorf("run client: %s", err)
		}
	}()

	// Changes made before the session starts would be part of the initial
	// sync rather than the stream.
	require.NoError(t, waitForSession(ctx, fs), "connect")
}

func waitForSession(ctx context.Context, fs mockFs) error {
	ctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()
	return util.WaitForSession(ctx, fs.metricsAddress)
}

func waitFor(ctx context.Context, fs mockFs, check assertion) error {
	ctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()
	return util.WaitFor(ctx, func() error {
		return check(fs)
	})
}

func randomPort() int {
	return 20000 + rand.Intn(20000)
}
