package transport

import (
	"google.golang.org/grpc"
)

const (
	serviceName = "fsy.Sync"
	pushMethod  = "/fsy.Sync/Push"
	pullMethod  = "/fsy.Sync/Pull"
)

// syncService is the handler type checked by grpc.RegisterService.
type syncService interface {
	push(grpc.ServerStream) error
	pull(grpc.ServerStream) error
}

// serviceDesc describes the sync service without generated stubs: Push is
// client streaming (offer then chunks, one reply) and Pull is server
// streaming (one request, header then chunks).
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*syncService)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Push",
			Handler:       func(srv any, stream grpc.ServerStream) error { return srv.(syncService).push(stream) },
			ClientStreams: true,
		},
		{
			StreamName:    "Pull",
			Handler:       func(srv any, stream grpc.ServerStream) error { return srv.(syncService).pull(stream) },
			ServerStreams: true,
		},
	},
	Metadata: "fsy/sync",
}

var (
	pushDesc = &serviceDesc.Streams[0]
	pullDesc = &serviceDesc.Streams[1]
)
