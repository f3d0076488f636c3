package server

import (
	"context"
	"io"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/protobuf/ptypes"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/sidkik/mirror/pkg/config"
	"github.com/sidkik/mirror/pkg/errors"
	"github.com/sidkik/mirror/pkg/proto/mirror"
	"github.com/sidkik/mirror/pkg/sync"
	"github.com/sidkik/mirror/pkg/sync/client"
	"github.com/sidkik/mirror/pkg/sync/session"
	"github.com/sidkik/mirror/pkg/version"
)

type testServer struct {
	*server
	root string
	conn *grpc.ClientConn
	stop func()
}

func startServer(t *testing.T, cfg config.Config) testServer {
	root := tempDir(t)
	localFS, err := sync.NewLocalFilesystem(root, cfg.Exclude)
	require.NoError(t, err)

	serverImpl := newServer(localFS, cfg)
	grpcServer := newGRPCServer(cfg)
	mirror.RegisterMirrorServer(grpcServer, serverImpl)

	lis := bufconn.Listen(1024 * 1024)
	go grpcServer.Serve(lis)

	conn, err := client.Dial("bufnet", cfg,
		grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			return lis.Dial()
		}))
	require.NoError(t, err)

	return testServer{
		server: serverImpl,
		root:   root,
		conn:   conn,
		stop: func() {
			conn.Close()
			grpcServer.Stop()
			os.RemoveAll(root)
		},
	}
}

func TestHandshake(t *testing.T) {
	ts := startServer(t, config.Default())
	defer ts.stop()

	writeFile(t, filepath.Join(ts.root, "a.txt"), "0123456789", time.Unix(100, 0))

	clientState := sync.NewPathState(
		sync.PathEntry{Path: "a.txt", Kind: sync.File, Size: 10, ModTime: time.Unix(50, 0)},
		sync.PathEntry{Path: "b.txt", Kind: sync.File, Size: 5, ModTime: time.Unix(10, 0)},
	)
	pbState, err := clientState.Marshal()
	require.NoError(t, err)

	pbClient := mirror.NewMirrorClient(ts.conn)
	resp, err := pbClient.InitialSync(context.Background(), &mirror.InitialSyncRequest{
		State:   pbState,
		Version: version.ProtocolVersion,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.GetSessionId())
	assert.Equal(t, version.ProtocolVersion, resp.GetVersion())

	serverState, err := sync.UnmarshalPathState(resp.GetState())
	require.NoError(t, err)
	require.Equal(t, []string{"a.txt"}, serverState.Paths())
	assert.Equal(t, int64(10), serverState["a.txt"].Size)
	assert.True(t, time.Unix(100, 0).Equal(serverState["a.txt"].ModTime))

	ctx, cancel := context.WithCancel(metadata.AppendToOutgoingContext(
		context.Background(), mirror.SessionIDKey, resp.GetSessionId()))
	defer cancel()
	stream, err := pbClient.StreamUpdates(ctx)
	require.NoError(t, err)

	// The server pushes what the client is missing, in order.
	first, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "a.txt", first.GetPath())
	assert.Equal(t, []byte("0123456789"), first.GetData())

	second, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "b.txt", second.GetPath())
	assert.Equal(t, mirror.Kind_TOMBSTONE, second.GetKind())

	// Updates from the client are written to the server's disk.
	modTime, err := ptypes.TimestampProto(time.Unix(200, 0))
	require.NoError(t, err)
	require.NoError(t, stream.Send(&mirror.Update{
		Path:    "dir/c.txt",
		Kind:    mirror.Kind_FILE,
		ModTime: modTime,
		Size:    2,
		Mode:    0644,
		Data:    []byte("hi"),
	}))

	cPath := filepath.Join(ts.root, "dir", "c.txt")
	require.Eventually(t, func() bool {
		contents, err := ioutil.ReadFile(cPath)
		return err == nil && string(contents) == "hi"
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		fi, err := os.Stat(cPath)
		return err == nil && fi.ModTime().Equal(time.Unix(200, 0))
	}, 5*time.Second, 10*time.Millisecond)

	// Closing the stream ends the session. The server may still send the
	// directory it created for c.txt before it hangs up.
	require.NoError(t, stream.CloseSend())
	for {
		_, err = stream.Recv()
		if err != nil {
			break
		}
	}
	assert.Equal(t, io.EOF, err)
	require.Eventually(t, func() bool {
		return ts.registry.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHandshakeErrors(t *testing.T) {
	ts := startServer(t, config.Default())
	defer ts.stop()
	pbClient := mirror.NewMirrorClient(ts.conn)

	_, err := pbClient.InitialSync(context.Background(), &mirror.InitialSyncRequest{Version: "2.0.0"})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	_, err = pbClient.InitialSync(context.Background(), &mirror.InitialSyncRequest{
		Version: version.ProtocolVersion,
		State:   []*mirror.Update{{Path: "../escape"}},
	})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Equal(t, 0, ts.registry.Len())
}

func TestStreamUnknownSession(t *testing.T) {
	ts := startServer(t, config.Default())
	defer ts.stop()
	pbClient := mirror.NewMirrorClient(ts.conn)

	tests := []struct {
		name    string
		ctx     context.Context
		expCode codes.Code
	}{
		{
			name:    "Missing header",
			ctx:     context.Background(),
			expCode: codes.InvalidArgument,
		},
		{
			name: "Unknown session",
			ctx: metadata.AppendToOutgoingContext(context.Background(),
				mirror.SessionIDKey, "unknown"),
			expCode: codes.NotFound,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			stream, err := pbClient.StreamUpdates(test.ctx)
			require.NoError(t, err)

			_, err = stream.Recv()
			assert.Equal(t, test.expCode, status.Code(err))
		})
	}
}

func TestSecondClient(t *testing.T) {
	tests := []struct {
		policy         config.SessionPolicy
		expCode        codes.Code
		expFirstClosed bool
	}{
		{policy: config.ReplaceSession, expCode: codes.OK, expFirstClosed: true},
		{policy: config.RejectSession, expCode: codes.AlreadyExists, expFirstClosed: false},
	}

	for _, test := range tests {
		test := test
		t.Run(string(test.policy), func(t *testing.T) {
			cfg := config.Default()
			cfg.SessionPolicy = test.policy
			ts := startServer(t, cfg)
			defer ts.stop()
			pbClient := mirror.NewMirrorClient(ts.conn)

			req := &mirror.InitialSyncRequest{Version: version.ProtocolVersion}
			first, err := pbClient.InitialSync(context.Background(), req)
			require.NoError(t, err)
			firstSession, ok := ts.registry.Get(first.GetSessionId())
			require.True(t, ok)

			_, err = pbClient.InitialSync(context.Background(), req)
			assert.Equal(t, test.expCode, status.Code(err))
			assert.Equal(t, test.expFirstClosed, firstSession.State() == session.Closed)
			assert.Equal(t, 1, ts.registry.Len())
		})
	}
}

func TestAbandonedHandshake(t *testing.T) {
	cfg := config.Default()
	cfg.SessionPolicy = config.RejectSession
	ts := startServer(t, cfg)
	defer ts.stop()

	clock := clockwork.NewFakeClock()
	ts.server.clock = clock
	pbClient := mirror.NewMirrorClient(ts.conn)
	req := &mirror.InitialSyncRequest{Version: version.ProtocolVersion}

	// The first client completes the handshake, but never opens its stream.
	ctx, cancel := context.WithCancel(context.Background())
	first, err := pbClient.InitialSync(ctx, req)
	require.NoError(t, err)
	cancel()
	firstSession, ok := ts.registry.Get(first.GetSessionId())
	require.True(t, ok)

	_, err = pbClient.InitialSync(context.Background(), req)
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	clock.BlockUntil(1)
	clock.Advance(cfg.HandshakeTimeout.Duration())
	require.Eventually(t, func() bool {
		return ts.registry.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, session.Closed, firstSession.State())

	second, err := pbClient.InitialSync(context.Background(), req)
	require.NoError(t, err)
	assert.NotEqual(t, first.GetSessionId(), second.GetSessionId())
	assert.Equal(t, []string{second.GetSessionId()}, ts.sessionIDs())
}

func TestEndToEnd(t *testing.T) {
	cfg := config.Default()
	ts := startServer(t, cfg)
	defer ts.stop()

	clientRoot := tempDir(t)
	defer os.RemoveAll(clientRoot)

	// Start with identical trees so that the handshake has nothing to send.
	shared := time.Unix(100, 0)
	writeFile(t, filepath.Join(ts.root, "shared.txt"), "shared", shared)
	writeFile(t, filepath.Join(clientRoot, "shared.txt"), "shared", shared)

	clientFS, err := sync.NewLocalFilesystem(clientRoot, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() {
		errChan <- client.New(ts.conn, clientFS, cfg).Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return ts.registry.Len() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Wait for the stream to be bound to the session before making changes.
	require.Eventually(t, func() bool {
		for _, id := range ts.sessionIDs() {
			if s, ok := ts.registry.Get(id); ok && s.State() == session.Streaming {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	writeFile(t, filepath.Join(clientRoot, "from-client.txt"), "client", time.Unix(200, 0))
	waitForContents(t, filepath.Join(ts.root, "from-client.txt"), "client")

	writeFile(t, filepath.Join(ts.root, "from-server.txt"), "server", time.Unix(300, 0))
	waitForContents(t, filepath.Join(clientRoot, "from-server.txt"), "server")

	require.NoError(t, os.Remove(filepath.Join(clientRoot, "from-client.txt")))
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(ts.root, "from-client.txt"))
		return os.IsNotExist(err)
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-errChan)
}

func TestRegistry(t *testing.T) {
	newSession := func(id string) *session.Session {
		return session.New(session.Config{ID: id})
	}

	t.Run("Replace", func(t *testing.T) {
		registry := NewRegistry(config.ReplaceSession)
		first := newSession("first")
		var cleanedUp bool
		require.NoError(t, registry.Register(first, func() { cleanedUp = true }))
		require.NoError(t, registry.Register(newSession("second"), nil))

		assert.True(t, cleanedUp)
		assert.Equal(t, session.Closed, first.State())
		_, ok := registry.Get("first")
		assert.False(t, ok)
		_, ok = registry.Get("second")
		assert.True(t, ok)
	})

	t.Run("Reject", func(t *testing.T) {
		registry := NewRegistry(config.RejectSession)
		first := newSession("first")
		require.NoError(t, registry.Register(first, nil))
		assert.Equal(t, errors.ErrSessionConflict, registry.Register(newSession("second"), nil))

		// Once the first session ends, new clients are accepted.
		first.Close()
		require.NoError(t, registry.Register(newSession("third"), nil))
		assert.Equal(t, 1, registry.Len())
	})

	t.Run("Remove", func(t *testing.T) {
		registry := NewRegistry(config.ReplaceSession)
		s := newSession("id")
		require.NoError(t, registry.Register(s, nil))
		registry.Remove("id")
		registry.Remove("id")
		assert.Equal(t, 0, registry.Len())
		assert.Equal(t, session.Closed, s.State())
	})
}

func (ts testServer) sessionIDs() (ids []string) {
	ts.registry.lock.Lock()
	defer ts.registry.lock.Unlock()
	for id := range ts.registry.sessions {
		ids = append(ids, id)
	}
	return ids
}

func tempDir(t *testing.T) string {
	dir, err := ioutil.TempDir("", "mirror-server")
	require.NoError(t, err)

	// Resolve symlinks such as /tmp -> /private/tmp so that watcher events
	// are relative to the same root.
	dir, err = filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	return dir
}

func writeFile(t *testing.T, path, contents string, modTime time.Time) {
	require.NoError(t, ioutil.WriteFile(path, []byte(contents), 0644))
	require.NoError(t, os.Chtimes(path, time.Now(), modTime))
}

func waitForContents(t *testing.T, path, exp string) {
	require.Eventually(t, func() bool {
		contents, err := ioutil.ReadFile(path)
		return err == nil && string(contents) == exp
	}, 10*time.Second, 20*time.Millisecond)
}
