// Package admin exposes a running ring node over gRPC so operators and the
// HTTP gateway can inspect it and issue commands.
package admin

import (
	"context"

	"google.golang.org/genproto/googleapis/api/httpbody"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "gochord.admin.v1.RingAdmin"

// Method names
const (
	MethodGetRingState   = "GetRingState"
	MethodGetFingerTable = "GetFingerTable"
	MethodJoin           = "Join"
	MethodLeave          = "Leave"
	MethodStabilize      = "Stabilize"
	MethodFixFingers     = "FixFingers"
	MethodRingWalk       = "RingWalk"
	MethodPing           = "Ping"
	MethodDumpRing       = "DumpRing"
)

// RingAdminServer is the server API for the RingAdmin service. Messages are
// protobuf well-known types so no generated code is needed.
type RingAdminServer interface {
	GetRingState(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetFingerTable(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Join(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	Leave(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Stabilize(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	FixFingers(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	RingWalk(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Ping(context.Context, *structpb.Struct) (*wrapperspb.UInt32Value, error)
	DumpRing(context.Context, *emptypb.Empty) (*httpbody.HttpBody, error)
}

// RegisterRingAdminServer registers srv on s.
func RegisterRingAdminServer(s grpc.ServiceRegistrar, srv RingAdminServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes the RingAdmin service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RingAdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: MethodGetRingState,
			Handler: unaryHandler(MethodGetRingState, func(s RingAdminServer, ctx context.Context, in *emptypb.Empty) (any, error) {
				return s.GetRingState(ctx, in)
			}),
		},
		{
			MethodName: MethodGetFingerTable,
			Handler: unaryHandler(MethodGetFingerTable, func(s RingAdminServer, ctx context.Context, in *emptypb.Empty) (any, error) {
				return s.GetFingerTable(ctx, in)
			}),
		},
		{
			MethodName: MethodJoin,
			Handler: unaryHandler(MethodJoin, func(s RingAdminServer, ctx context.Context, in *wrapperspb.StringValue) (any, error) {
				return s.Join(ctx, in)
			}),
		},
		{
			MethodName: MethodLeave,
			Handler: unaryHandler(MethodLeave, func(s RingAdminServer, ctx context.Context, in *emptypb.Empty) (any, error) {
				return s.Leave(ctx, in)
			}),
		},
		{
			MethodName: MethodStabilize,
			Handler: unaryHandler(MethodStabilize, func(s RingAdminServer, ctx context.Context, in *emptypb.Empty) (any, error) {
				return s.Stabilize(ctx, in)
			}),
		},
		{
			MethodName: MethodFixFingers,
			Handler: unaryHandler(MethodFixFingers, func(s RingAdminServer, ctx context.Context, in *emptypb.Empty) (any, error) {
				return s.FixFingers(ctx, in)
			}),
		},
		{
			MethodName: MethodRingWalk,
			Handler: unaryHandler(MethodRingWalk, func(s RingAdminServer, ctx context.Context, in *emptypb.Empty) (any, error) {
				return s.RingWalk(ctx, in)
			}),
		},
		{
			MethodName: MethodPing,
			Handler: unaryHandler(MethodPing, func(s RingAdminServer, ctx context.Context, in *structpb.Struct) (any, error) {
				return s.Ping(ctx, in)
			}),
		},
		{
			MethodName: MethodDumpRing,
			Handler: unaryHandler(MethodDumpRing, func(s RingAdminServer, ctx context.Context, in *emptypb.Empty) (any, error) {
				return s.DumpRing(ctx, in)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gochord/admin/v1/admin.proto",
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// unaryHandler adapts a typed call into a grpc.MethodHandler, running the
// server's interceptor when one is installed.
func unaryHandler[Req any](method string, call func(RingAdminServer, context.Context, *Req) (any, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RingAdminServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod(method),
		}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(RingAdminServer), ctx, req.(*Req))
		})
	}
}
