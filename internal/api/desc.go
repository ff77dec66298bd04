package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatq.v1.Control"

// ControlServer is the server side of chatq.v1.Control.
type ControlServer interface {
	Enqueue(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error)
	GetConnectionStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Reconnect(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	SetSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Login(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Logout(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	ListOperations(context.Context, *wrapperspb.StringValue) (*structpb.ListValue, error)
	CancelOperation(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	RetryOperation(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.ListValue, error)
	WatchEvents(*wrapperspb.StringValue, grpc.ServerStreamingServer[structpb.Struct]) error
}

var _ ControlServer = (*Control)(nil)

// ControlServiceDesc describes chatq.v1.Control. Messages are protobuf
// well-known types, so no generated code is needed.
var ControlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Enqueue", ControlServer.Enqueue),
		unary("GetConnectionStatus", ControlServer.GetConnectionStatus),
		unary("Reconnect", ControlServer.Reconnect),
		unary("SetSession", ControlServer.SetSession),
		unary("Login", ControlServer.Login),
		unary("Logout", ControlServer.Logout),
		unary("ListOperations", ControlServer.ListOperations),
		unary("CancelOperation", ControlServer.CancelOperation),
		unary("RetryOperation", ControlServer.RetryOperation),
		unary("ListMessages", ControlServer.ListMessages),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    "WatchEvents",
		Handler:       watchEventsHandler,
		ServerStreams: true,
	}},
	Metadata: "chatq/v1/control.proto",
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unary builds the method descriptor of a unary call.
func unary[Req any, PReq interface {
	*Req
	proto.Message
}, Resp proto.Message](name string, call func(ControlServer, context.Context, PReq) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := PReq(new(Req))
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(PReq))
			})
		},
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ControlServer).WatchEvents(in, &grpc.GenericServerStream[wrapperspb.StringValue, structpb.Struct]{ServerStream: stream})
}
