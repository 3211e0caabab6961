package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ControlServiceName is the fully qualified gRPC service name.
const ControlServiceName = "botfleet.control.v1.ControlService"

// Full method names, usable in interceptors.
const (
	ControlService_StartSession_FullMethodName = "/" + ControlServiceName + "/StartSession"
	ControlService_StopSession_FullMethodName  = "/" + ControlServiceName + "/StopSession"
	ControlService_SendChat_FullMethodName     = "/" + ControlServiceName + "/SendChat"
	ControlService_ListAccounts_FullMethodName = "/" + ControlServiceName + "/ListAccounts"
	ControlService_ListSessions_FullMethodName = "/" + ControlServiceName + "/ListSessions"
	ControlService_Subscribe_FullMethodName    = "/" + ControlServiceName + "/Subscribe"
)

// ControlServiceServer is the server API for ControlService. Messages are
// protobuf well-known types so no generated code is needed:
//
//	StartSession  {identity, host, port, version} -> session
//	StopSession   {identity} -> Empty
//	SendChat      {identity, text} -> Empty
//	ListAccounts  Empty -> [identity...]
//	ListSessions  Empty -> [session...]
//	Subscribe     Empty -> stream {type, data}
type ControlServiceServer interface {
	StartSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StopSession(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	SendChat(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	ListAccounts(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	ListSessions(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	Subscribe(*emptypb.Empty, grpc.ServerStreamingServer[structpb.Struct]) error
}

// RegisterControlServiceServer registers srv on s.
func RegisterControlServiceServer(s grpc.ServiceRegistrar, srv ControlServiceServer) {
	s.RegisterService(&ControlService_ServiceDesc, srv)
}

func unaryHandler[Req any, Resp any](fullMethod string, call func(ControlServiceServer, context.Context, *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ControlServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ControlServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	m := new(emptypb.Empty)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(ControlServiceServer).Subscribe(m, &grpc.GenericServerStream[emptypb.Empty, structpb.Struct]{ServerStream: stream})
}

// ControlService_ServiceDesc is the grpc.ServiceDesc for ControlService.
var ControlService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ControlServiceName,
	HandlerType: (*ControlServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "StartSession",
			Handler: unaryHandler(ControlService_StartSession_FullMethodName,
				func(s ControlServiceServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
					return s.StartSession(ctx, in)
				}),
		},
		{
			MethodName: "StopSession",
			Handler: unaryHandler(ControlService_StopSession_FullMethodName,
				func(s ControlServiceServer, ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
					return s.StopSession(ctx, in)
				}),
		},
		{
			MethodName: "SendChat",
			Handler: unaryHandler(ControlService_SendChat_FullMethodName,
				func(s ControlServiceServer, ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
					return s.SendChat(ctx, in)
				}),
		},
		{
			MethodName: "ListAccounts",
			Handler: unaryHandler(ControlService_ListAccounts_FullMethodName,
				func(s ControlServiceServer, ctx context.Context, in *emptypb.Empty) (*structpb.ListValue, error) {
					return s.ListAccounts(ctx, in)
				}),
		},
		{
			MethodName: "ListSessions",
			Handler: unaryHandler(ControlService_ListSessions_FullMethodName,
				func(s ControlServiceServer, ctx context.Context, in *emptypb.Empty) (*structpb.ListValue, error) {
					return s.ListSessions(ctx, in)
				}),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "botfleet/control/v1/control.proto",
}

// ControlServiceClient is the client API for ControlService.
type ControlServiceClient interface {
	StartSession(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	StopSession(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error)
	SendChat(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error)
	ListAccounts(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.ListValue, error)
	ListSessions(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.ListValue, error)
	Subscribe(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error)
}

type controlServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewControlServiceClient returns a ControlServiceClient over cc.
func NewControlServiceClient(cc grpc.ClientConnInterface) ControlServiceClient {
	return &controlServiceClient{cc: cc}
}

func (c *controlServiceClient) StartSession(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ControlService_StartSession_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *controlServiceClient) StopSession(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, ControlService_StopSession_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *controlServiceClient) SendChat(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, ControlService_SendChat_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *controlServiceClient) ListAccounts(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, ControlService_ListAccounts_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *controlServiceClient) ListSessions(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, ControlService_ListSessions_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *controlServiceClient) Subscribe(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &ControlService_ServiceDesc.Streams[0], ControlService_Subscribe_FullMethodName, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[emptypb.Empty, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
