package client

import (
	"context"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_logrus "github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding/gzip"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/sidkik/mirror/pkg/config"
	"github.com/sidkik/mirror/pkg/errors"
	"github.com/sidkik/mirror/pkg/fswatch"
	"github.com/sidkik/mirror/pkg/proto/mirror"
	"github.com/sidkik/mirror/pkg/sync"
	"github.com/sidkik/mirror/pkg/sync/session"
	"github.com/sidkik/mirror/pkg/version"
)

// watcher is a session.Watcher that holds resources until it's closed.
type watcher interface {
	session.Watcher
	Close() error
}

// Client syncs a local directory with a mirror server.
type Client struct {
	pbClient mirror.MirrorClient
	localFS  *sync.LocalFilesystem
	cfg      config.Config
	clock    clockwork.Clock

	// Mocked out for unit testing.
	watch func(fswatch.Tree) (watcher, error)
}

// Dial connects to the mirror server at `address`.
func Dial(address string, cfg config.Config, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	logger := log.WithField("component", "grpc")
	opts = append([]grpc.DialOption{
		grpc.WithInsecure(),
		grpc.WithDefaultCallOptions(
			grpc.UseCompressor(gzip.Name),
			grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
			grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
		),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithUnaryInterceptor(grpc_middleware.ChainUnaryClient(
			grpc_logrus.UnaryClientInterceptor(logger),
		)),
		grpc.WithStreamInterceptor(grpc_middleware.ChainStreamClient(
			grpc_logrus.StreamClientInterceptor(logger),
		)),
	}, opts...)

	conn, err := grpc.Dial(address, opts...)
	if err != nil {
		return nil, errors.WithContext(err, "dial")
	}
	return conn, nil
}

// New returns a Client that syncs `localFS` over `conn`.
func New(conn grpc.ClientConnInterface, localFS *sync.LocalFilesystem, cfg config.Config) *Client {
	return &Client{
		pbClient: mirror.NewMirrorClient(conn),
		localFS:  localFS,
		cfg:      cfg,
		clock:    clockwork.NewRealClock(),
		watch: func(tree fswatch.Tree) (watcher, error) {
			return fswatch.Watch(tree)
		},
	}
}

// Run syncs the directory at `root` with the server at `address` until the
// process is killed.
func Run(root, address string, cfg config.Config) error {
	localFS, err := sync.NewLocalFilesystem(root, cfg.Exclude)
	if err != nil {
		return errors.WithContext(err, "create filesystem")
	}

	conn, err := Dial(address, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	return New(conn, localFS, cfg).Run(context.Background())
}

// Run runs sessions with the server until `ctx` is cancelled. When a session
// ends, a new one is started after the reconnect interval. The new session
// starts with a fresh handshake, so any updates that were lost with the old
// session are recovered.
func (c *Client) Run(ctx context.Context) error {
	interval := c.cfg.ReconnectInterval.Duration()
	for {
		err := c.Sync(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if isFatal(err) {
			return err
		}

		logger := log.WithField("retryIn", interval)
		if err != nil {
			logger = logger.WithError(err)
		}
		logger.Warn("Lost connection to mirror server. Will reconnect.")

		select {
		case <-c.clock.After(interval):
		case <-ctx.Done():
			return nil
		}
	}
}

// Sync runs a single session: it exchanges states with the server, and then
// streams updates until the connection ends.
func (c *Client) Sync(ctx context.Context) error {
	w, err := c.watch(c.localFS)
	if err != nil {
		return errors.WithContext(err, "watch")
	}
	defer func() {
		if err := w.Close(); err != nil {
			log.WithError(err).Warn("Failed to close file watcher")
		}
	}()

	local, err := c.localFS.Scan(ctx)
	if err != nil {
		return errors.WithContext(err, "scan")
	}

	pbState, err := local.Marshal()
	if err != nil {
		return errors.WithContext(err, "marshal state")
	}

	resp, err := c.pbClient.InitialSync(ctx, &mirror.InitialSyncRequest{
		State:   pbState,
		Version: version.ProtocolVersion,
	})
	if err != nil {
		// The server refuses handshakes from incompatible clients.
		if status.Code(err) == codes.FailedPrecondition {
			return fatalError{errors.NewFriendlyError(
				"The mirror server rejected the handshake: %s", status.Convert(err).Message())}
		}
		return errors.WithContext(err, "initial sync")
	}

	if err := version.CheckCompatible(resp.GetVersion()); err != nil {
		return err
	}

	remote, err := sync.UnmarshalPathState(resp.GetState())
	if err != nil {
		return errors.WithContext(err, "parse server state")
	}

	sess := session.New(session.Config{
		ID:             resp.GetSessionId(),
		Filesystem:     c.localFS,
		Watcher:        w,
		RescanInterval: c.cfg.RescanInterval.Duration(),
		PollInterval:   c.cfg.PollInterval.Duration(),
		Clock:          c.clock,
	})
	defer sess.Close()

	if err := sess.Begin(local, remote); err != nil {
		return errors.WithContext(err, "begin session")
	}

	log.WithField("session", resp.GetSessionId()).
		WithField("localPaths", local.Live()).
		WithField("serverPaths", remote.Live()).
		Info("Connected to mirror server")

	ctx, cancel := context.WithCancel(
		metadata.AppendToOutgoingContext(ctx, mirror.SessionIDKey, resp.GetSessionId()))
	defer cancel()

	stream, err := c.pbClient.StreamUpdates(ctx)
	if err != nil {
		return errors.WithContext(err, "start stream")
	}
	return sess.Stream(ctx, stream)
}

// fatalError wraps errors that retrying won't fix.
type fatalError struct {
	error
}

func (err fatalError) FriendlyMessage() string {
	return errors.GetPrintableMessage(err.error)
}

// isFatal returns whether retrying after `err` is pointless.
func isFatal(err error) bool {
	switch errors.RootCause(err).(type) {
	case fatalError, errors.IncompatibleVersionError:
		return true
	default:
		return false
	}
}
