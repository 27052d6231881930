package transport

import (
	"context"

	"google.golang.org/grpc"
)

const ServiceName = "actortx.Participant"

// ParticipantServer 参与者线路操作的gRPC服务端
type ParticipantServer interface {
	Prepare(context.Context, *PrepareRequest) (*Empty, error)
	PrepareAndCommit(context.Context, *PrepareAndCommitRequest) (*StatusReply, error)
	Prepared(context.Context, *PreparedRequest) (*Empty, error)
	Confirm(context.Context, *ConfirmRequest) (*Empty, error)
	CommitReadOnly(context.Context, *CommitReadOnlyRequest) (*StatusReply, error)
	Cancel(context.Context, *CancelRequest) (*Empty, error)
	Abort(context.Context, *AbortRequest) (*Empty, error)
	Ping(context.Context, *PingRequest) (*Empty, error)
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unaryHandler[Req, Resp any](method string, call func(ParticipantServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ParticipantServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ParticipantServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ParticipantServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Prepare", Handler: unaryHandler("Prepare", ParticipantServer.Prepare)},
		{MethodName: "PrepareAndCommit", Handler: unaryHandler("PrepareAndCommit", ParticipantServer.PrepareAndCommit)},
		{MethodName: "Prepared", Handler: unaryHandler("Prepared", ParticipantServer.Prepared)},
		{MethodName: "Confirm", Handler: unaryHandler("Confirm", ParticipantServer.Confirm)},
		{MethodName: "CommitReadOnly", Handler: unaryHandler("CommitReadOnly", ParticipantServer.CommitReadOnly)},
		{MethodName: "Cancel", Handler: unaryHandler("Cancel", ParticipantServer.Cancel)},
		{MethodName: "Abort", Handler: unaryHandler("Abort", ParticipantServer.Abort)},
		{MethodName: "Ping", Handler: unaryHandler("Ping", ParticipantServer.Ping)},
	},
	Streams: []grpc.StreamDesc{},
}
