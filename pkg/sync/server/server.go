package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_logrus "github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/sidkik/mirror/cmd/util"
	"github.com/sidkik/mirror/pkg/config"
	"github.com/sidkik/mirror/pkg/errors"
	"github.com/sidkik/mirror/pkg/fswatch"
	"github.com/sidkik/mirror/pkg/metrics"
	"github.com/sidkik/mirror/pkg/proto/mirror"
	"github.com/sidkik/mirror/pkg/sync"
	"github.com/sidkik/mirror/pkg/sync/session"
	"github.com/sidkik/mirror/pkg/version"

	_ "google.golang.org/grpc/encoding/gzip" // Install the gzip compressor
)

// watcher is a session.Watcher that holds resources until it's closed.
type watcher interface {
	session.Watcher
	Close() error
}

type server struct {
	mirror.UnimplementedMirrorServer

	localFS  *sync.LocalFilesystem
	cfg      config.Config
	registry *Registry

	// Mocked out for unit testing.
	watch func(fswatch.Tree) (watcher, error)
	clock clockwork.Clock
}

func newServer(localFS *sync.LocalFilesystem, cfg config.Config) *server {
	return &server{
		localFS:  localFS,
		cfg:      cfg,
		registry: NewRegistry(cfg.SessionPolicy),
		watch: func(tree fswatch.Tree) (watcher, error) {
			return fswatch.Watch(tree)
		},
		clock: clockwork.NewRealClock(),
	}
}

// Run syncs the directory at `root` with clients that connect to `port`. It
// blocks until the server fails.
func Run(root string, port int, cfg config.Config) error {
	localFS, err := sync.NewLocalFilesystem(root, cfg.Exclude)
	if err != nil {
		return errors.WithContext(err, "create filesystem")
	}

	// Scan before listening so that an unreadable root fails fast, rather
	// than on the first handshake.
	state, err := localFS.Scan(context.Background())
	if err != nil {
		return errors.WithContext(err, "scan")
	}
	log.WithField("root", root).WithField("paths", state.Live()).Info("Scanned sync root")

	lis, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return errors.WithContext(err, "listen")
	}

	if cfg.MetricsAddress != "" {
		go func() {
			defer util.HandlePanic()
			if err := metrics.Serve(context.Background(), cfg.MetricsAddress); err != nil {
				log.WithError(err).Error("Metrics server stopped")
			}
		}()
	}

	grpcServer := newGRPCServer(cfg)
	mirror.RegisterMirrorServer(grpcServer, newServer(localFS, cfg))

	log.WithField("port", port).Info("mirror server is ready")
	if err := grpcServer.Serve(lis); err != nil {
		return errors.WithContext(err, "serve")
	}
	return nil
}

func newGRPCServer(cfg config.Config) *grpc.Server {
	logger := log.WithField("component", "grpc")
	return grpc.NewServer(
		grpc.MaxRecvMsgSize(cfg.MaxMessageSize),
		grpc.MaxSendMsgSize(cfg.MaxMessageSize),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc_middleware.WithUnaryServerChain(
			grpc_recovery.UnaryServerInterceptor(),
			grpc_logrus.UnaryServerInterceptor(logger),
		),
		grpc_middleware.WithStreamServerChain(
			grpc_recovery.StreamServerInterceptor(),
			grpc_logrus.StreamServerInterceptor(logger),
		),
	)
}

func (s *server) InitialSync(ctx context.Context, req *mirror.InitialSyncRequest) (
	*mirror.InitialSyncResponse, error) {

	if err := version.CheckCompatible(req.GetVersion()); err != nil {
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}

	remote, err := sync.UnmarshalPathState(req.GetState())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument,
			errors.WithContext(err, "parse client state").Error())
	}

	// Start watching before the handshake scan so that changes made while
	// the client is connecting aren't missed.
	w, err := s.watch(s.localFS)
	if err != nil {
		return nil, status.Error(codes.Internal, errors.WithContext(err, "watch").Error())
	}

	id := uuid.New().String()
	sess := session.New(session.Config{
		ID:             id,
		Filesystem:     s.localFS,
		Watcher:        w,
		RescanInterval: s.cfg.RescanInterval.Duration(),
		PollInterval:   s.cfg.PollInterval.Duration(),
	})

	closeWatcher := func() {
		if err := w.Close(); err != nil {
			log.WithError(err).WithField("session", id).Warn("Failed to close file watcher")
		}
	}
	if err := s.registry.Register(sess, closeWatcher); err != nil {
		closeWatcher()
		return nil, status.Error(codes.AlreadyExists, err.Error())
	}

	local, err := sess.Handshake(ctx, remote)
	if err != nil {
		s.registry.Remove(id)
		return nil, status.Error(codes.Internal, errors.WithContext(err, "handshake").Error())
	}

	pbState, err := local.Marshal()
	if err != nil {
		s.registry.Remove(id)
		return nil, status.Error(codes.Internal, errors.WithContext(err, "marshal state").Error())
	}

	if timeout := s.cfg.HandshakeTimeout.Duration(); timeout > 0 {
		go s.expireHandshake(sess, timeout)
	}

	log.WithField("session", id).
		WithField("clientPaths", remote.Live()).
		WithField("serverPaths", local.Live()).
		Info("Client connected")
	return &mirror.InitialSyncResponse{
		State:     pbState,
		SessionId: id,
		Version:   version.ProtocolVersion,
	}, nil
}

// expireHandshake removes `sess` if the client hasn't opened its update
// stream within `timeout`. Otherwise a client that disconnects between the
// two calls would hold its slot in the registry forever.
func (s *server) expireHandshake(sess *session.Session, timeout time.Duration) {
	defer util.HandlePanic()

	<-s.clock.After(timeout)
	if sess.Expire() {
		s.registry.Remove(sess.ID())
	}
}

func (s *server) StreamUpdates(stream mirror.Mirror_StreamUpdatesServer) error {
	md, _ := metadata.FromIncomingContext(stream.Context())
	ids := md.Get(mirror.SessionIDKey)
	if len(ids) != 1 {
		return status.Errorf(codes.InvalidArgument, "exactly one %s header is required",
			mirror.SessionIDKey)
	}

	id := ids[0]
	sess, ok := s.registry.Get(id)
	if !ok {
		return status.Error(codes.NotFound, errors.ErrUnknownSession.Error())
	}
	defer s.registry.Remove(id)

	err := sess.Stream(stream.Context(), stream)
	switch {
	case err == nil:
		return nil
	case err == errors.ErrInvalidState:
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
