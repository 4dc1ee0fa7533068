package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "psgviewer.v1.Viewer"

// Method names exposed by the Viewer service.
const (
	MethodOpenSession      = "OpenSession"
	MethodCloseSession     = "CloseSession"
	MethodRunAnalysis      = "RunAnalysis"
	MethodLoadAnalysis     = "LoadAnalysis"
	MethodLoadChannelStats = "LoadChannelStats"
	MethodNavigate         = "Navigate"
	MethodSetHistogram     = "SetHistogram"
	MethodSetViewport      = "SetViewport"
	MethodClearError       = "ClearError"
	MethodGetViewState     = "GetViewState"
	MethodWatchViewState   = "WatchViewState"
)

// ViewerServer is the server API for the Viewer service. Messages are
// google.protobuf.Struct documents whose shapes are described by the request
// types in this package.
type ViewerServer interface {
	OpenSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CloseSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RunAnalysis(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LoadAnalysis(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LoadChannelStats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Navigate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetHistogram(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetViewport(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ClearError(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetViewState(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchViewState(*structpb.Struct, ViewStateStream) error
}

// ViewStateStream is the server side of WatchViewState.
type ViewStateStream interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type unaryCall func(ViewerServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call unaryCall) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ViewerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ViewerServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

type viewStateStream struct {
	grpc.ServerStream
}

func (s *viewStateStream) Send(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}

func watchViewStateHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ViewerServer).WatchViewState(in, &viewStateStream{stream})
}

// ViewerServiceDesc describes the Viewer service for grpc.ServiceRegistrar.
var ViewerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ViewerServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(MethodOpenSession, ViewerServer.OpenSession),
		unaryMethod(MethodCloseSession, ViewerServer.CloseSession),
		unaryMethod(MethodRunAnalysis, ViewerServer.RunAnalysis),
		unaryMethod(MethodLoadAnalysis, ViewerServer.LoadAnalysis),
		unaryMethod(MethodLoadChannelStats, ViewerServer.LoadChannelStats),
		unaryMethod(MethodNavigate, ViewerServer.Navigate),
		unaryMethod(MethodSetHistogram, ViewerServer.SetHistogram),
		unaryMethod(MethodSetViewport, ViewerServer.SetViewport),
		unaryMethod(MethodClearError, ViewerServer.ClearError),
		unaryMethod(MethodGetViewState, ViewerServer.GetViewState),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatchViewState,
			Handler:       watchViewStateHandler,
			ServerStreams: true,
		},
	},
	Metadata: "psgviewer/v1/viewer.proto",
}

// RegisterViewerServer registers srv on s.
func RegisterViewerServer(s grpc.ServiceRegistrar, srv ViewerServer) {
	s.RegisterService(&ViewerServiceDesc, srv)
}

// ViewerClient calls the Viewer service.
type ViewerClient struct {
	cc grpc.ClientConnInterface
}

// NewViewerClient wraps cc.
func NewViewerClient(cc grpc.ClientConnInterface) *ViewerClient {
	return &ViewerClient{cc: cc}
}

// Call invokes a unary Viewer method by name.
func (c *ViewerClient) Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ViewStateReceiver is the client side of WatchViewState.
type ViewStateReceiver interface {
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

type viewStateReceiver struct {
	grpc.ClientStream
}

func (r *viewStateReceiver) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := r.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// WatchViewState opens a view-state stream.
func (c *ViewerClient) WatchViewState(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (ViewStateReceiver, error) {
	stream, err := c.cc.NewStream(ctx, &ViewerServiceDesc.Streams[0], "/"+ServiceName+"/"+MethodWatchViewState, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &viewStateReceiver{stream}, nil
}
