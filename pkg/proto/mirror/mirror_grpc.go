package mirror

import (
	context "context"

	grpc "google.golang.org/grpc"
	codes "google.golang.org/grpc/codes"
	status "google.golang.org/grpc/status"
)

// SessionIDKey is the metadata key used by StreamUpdates to name the session
// that was created by InitialSync.
const SessionIDKey = "mirror-session-id"

// MirrorClient is the client API for the Mirror service.
type MirrorClient interface {
	InitialSync(ctx context.Context, in *InitialSyncRequest, opts ...grpc.CallOption) (*InitialSyncResponse, error)
	StreamUpdates(ctx context.Context, opts ...grpc.CallOption) (Mirror_StreamUpdatesClient, error)
}

type mirrorClient struct {
	cc grpc.ClientConnInterface
}

func NewMirrorClient(cc grpc.ClientConnInterface) MirrorClient {
	return &mirrorClient{cc}
}

func (c *mirrorClient) InitialSync(ctx context.Context, in *InitialSyncRequest, opts ...grpc.CallOption) (*InitialSyncResponse, error) {
	out := new(InitialSyncResponse)
	err := c.cc.Invoke(ctx, "/mirror.Mirror/InitialSync", in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *mirrorClient) StreamUpdates(ctx context.Context, opts ...grpc.CallOption) (Mirror_StreamUpdatesClient, error) {
	stream, err := c.cc.NewStream(ctx, &Mirror_ServiceDesc.Streams[0], "/mirror.Mirror/StreamUpdates", opts...)
	if err != nil {
		return nil, err
	}
	x := &mirrorStreamUpdatesClient{stream}
	return x, nil
}

type Mirror_StreamUpdatesClient interface {
	Send(*Update) error
	Recv() (*Update, error)
	grpc.ClientStream
}

type mirrorStreamUpdatesClient struct {
	grpc.ClientStream
}

func (x *mirrorStreamUpdatesClient) Send(m *Update) error {
	return x.ClientStream.SendMsg(m)
}

func (x *mirrorStreamUpdatesClient) Recv() (*Update, error) {
	m := new(Update)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// MirrorServer is the server API for the Mirror service.
type MirrorServer interface {
	InitialSync(context.Context, *InitialSyncRequest) (*InitialSyncResponse, error)
	StreamUpdates(Mirror_StreamUpdatesServer) error
}

// UnimplementedMirrorServer can be embedded to have forward compatible
// implementations.
type UnimplementedMirrorServer struct{}

func (UnimplementedMirrorServer) InitialSync(context.Context, *InitialSyncRequest) (*InitialSyncResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method InitialSync not implemented")
}

func (UnimplementedMirrorServer) StreamUpdates(Mirror_StreamUpdatesServer) error {
	return status.Errorf(codes.Unimplemented, "method StreamUpdates not implemented")
}

func RegisterMirrorServer(s grpc.ServiceRegistrar, srv MirrorServer) {
	s.RegisterService(&Mirror_ServiceDesc, srv)
}

func _Mirror_InitialSync_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(InitialSyncRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MirrorServer).InitialSync(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/mirror.Mirror/InitialSync",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MirrorServer).InitialSync(ctx, req.(*InitialSyncRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Mirror_StreamUpdates_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(MirrorServer).StreamUpdates(&mirrorStreamUpdatesServer{stream})
}

type Mirror_StreamUpdatesServer interface {
	Send(*Update) error
	Recv() (*Update, error)
	grpc.ServerStream
}

type mirrorStreamUpdatesServer struct {
	grpc.ServerStream
}

func (x *mirrorStreamUpdatesServer) Send(m *Update) error {
	return x.ServerStream.SendMsg(m)
}

func (x *mirrorStreamUpdatesServer) Recv() (*Update, error) {
	m := new(Update)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Mirror_ServiceDesc is the grpc.ServiceDesc for the Mirror service.
var Mirror_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "mirror.Mirror",
	HandlerType: (*MirrorServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "InitialSync",
			Handler:    _Mirror_InitialSync_Handler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamUpdates",
			Handler:       _Mirror_StreamUpdates_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "mirror.proto",
}
