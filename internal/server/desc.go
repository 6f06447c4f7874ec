package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Full method names, as a generated client would use them.
const (
	MethodSubmitJobs = "/" + ServiceName + "/SubmitJobs"
	MethodListJobs   = "/" + ServiceName + "/ListJobs"
	MethodGetJob     = "/" + ServiceName + "/GetJob"
	MethodDeleteJob  = "/" + ServiceName + "/DeleteJob"
	MethodClearJobs  = "/" + ServiceName + "/ClearJobs"
	MethodExportJobs = "/" + ServiceName + "/ExportJobs"
)

// ExtractionServiceServer is the server API for the ExtractionService.
type ExtractionServiceServer interface {
	SubmitJobs(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListJobs(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ClearJobs(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ExportJobs(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var _ ExtractionServiceServer = (*Server)(nil)

type unaryMethod func(ExtractionServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ExtractionServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(ExtractionServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc is the grpc.ServiceDesc for the ExtractionService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ExtractionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SubmitJobs",
			Handler:    unaryHandler(MethodSubmitJobs, ExtractionServiceServer.SubmitJobs),
		},
		{
			MethodName: "ListJobs",
			Handler:    unaryHandler(MethodListJobs, ExtractionServiceServer.ListJobs),
		},
		{
			MethodName: "GetJob",
			Handler:    unaryHandler(MethodGetJob, ExtractionServiceServer.GetJob),
		},
		{
			MethodName: "DeleteJob",
			Handler:    unaryHandler(MethodDeleteJob, ExtractionServiceServer.DeleteJob),
		},
		{
			MethodName: "ClearJobs",
			Handler:    unaryHandler(MethodClearJobs, ExtractionServiceServer.ClearJobs),
		},
		{
			MethodName: "ExportJobs",
			Handler:    unaryHandler(MethodExportJobs, ExtractionServiceServer.ExportJobs),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bookextract/v1/extraction.proto",
}
