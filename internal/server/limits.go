package server

import "google.golang.org/grpc"

// DefaultMaxMessageMB bounds one gRPC message in either direction. Uploads
// travel base64 encoded, so the largest PDF accepted is about 3/4 of it.
const DefaultMaxMessageMB = 128

// MessageBytes converts a megabyte limit to bytes; non-positive means the default.
func MessageBytes(mb int) int {
	if mb <= 0 {
		mb = DefaultMaxMessageMB
	}
	return mb << 20
}

// ServerLimits raises the server's receive and send limits to maxBytes.
func ServerLimits(maxBytes int) []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxBytes),
		grpc.MaxSendMsgSize(maxBytes),
	}
}

// ClientLimits raises the client's per-call receive and send limits to maxBytes.
func ClientLimits(maxBytes int) grpc.DialOption {
	return grpc.WithDefaultCallOptions(
		grpc.MaxCallRecvMsgSize(maxBytes),
		grpc.MaxCallSendMsgSize(maxBytes),
	)
}
