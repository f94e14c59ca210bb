// Package bridge serves the capture engine over gRPC for native and side-panel hosts.
//
// Messages are google.protobuf.Struct values carrying the same JSON shapes as the HTTP API, so hosts need no
// generated stubs beyond the well-known types.
package bridge

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "proofcapture.v1.CaptureBridge"

	startVerificationMethod  = "/" + ServiceName + "/StartVerification"
	cancelVerificationMethod = "/" + ServiceName + "/CancelVerification"
	getSessionMethod         = "/" + ServiceName + "/GetSession"
	getEvidenceMethod        = "/" + ServiceName + "/GetEvidence"
	watchSessionMethod       = "/" + ServiceName + "/WatchSession"
)

// CaptureBridgeServer is the server API of the bridge service.
type CaptureBridgeServer interface {
	StartVerification(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelVerification(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetEvidence(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchSession(*structpb.Struct, grpc.ServerStream) error
}

// RegisterCaptureBridgeServer registers srv on s.
func RegisterCaptureBridgeServer(s grpc.ServiceRegistrar, srv CaptureBridgeServer) {
	s.RegisterService(&CaptureBridgeServiceDesc, srv)
}

type methodHandler = func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error)

func unaryHandler(method string, call func(CaptureBridgeServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) methodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(CaptureBridgeServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(CaptureBridgeServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchSessionHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(CaptureBridgeServer).WatchSession(in, stream)
}

// CaptureBridgeServiceDesc describes the bridge service.
var CaptureBridgeServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CaptureBridgeServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "StartVerification",
			Handler:    unaryHandler(startVerificationMethod, CaptureBridgeServer.StartVerification),
		},
		{
			MethodName: "CancelVerification",
			Handler:    unaryHandler(cancelVerificationMethod, CaptureBridgeServer.CancelVerification),
		},
		{
			MethodName: "GetSession",
			Handler:    unaryHandler(getSessionMethod, CaptureBridgeServer.GetSession),
		},
		{
			MethodName: "GetEvidence",
			Handler:    unaryHandler(getEvidenceMethod, CaptureBridgeServer.GetEvidence),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchSession",
			Handler:       watchSessionHandler,
			ServerStreams: true,
		},
	},
	Metadata: "proofcapture/v1/bridge.proto",
}
