package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "genesis.admin.v1.LedgerAdmin"

const (
	methodGetBalance  = "/" + ServiceName + "/GetBalance"
	methodOpenAccount = "/" + ServiceName + "/OpenAccount"
	methodListEntries = "/" + ServiceName + "/ListEntries"
	methodAdjust      = "/" + ServiceName + "/Adjust"
)

type adminService interface {
	GetBalance(ctx context.Context, request *wrapperspb.StringValue) (*structpb.Struct, error)
	OpenAccount(ctx context.Context, request *structpb.Struct) (*emptypb.Empty, error)
	ListEntries(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Adjust(ctx context.Context, request *structpb.Struct) (*wrapperspb.Int64Value, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*adminService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetBalance", Handler: getBalanceHandler},
		{MethodName: "OpenAccount", Handler: openAccountHandler},
		{MethodName: "ListEntries", Handler: listEntriesHandler},
		{MethodName: "Adjust", Handler: adjustHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "genesis/admin/v1/admin.proto",
}

func getBalanceHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	request := new(wrapperspb.StringValue)
	if err := dec(request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(adminService).GetBalance(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetBalance}
	handler := func(ctx context.Context, request any) (any, error) {
		return srv.(adminService).GetBalance(ctx, request.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, request, info, handler)
}

func openAccountHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	request := new(structpb.Struct)
	if err := dec(request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(adminService).OpenAccount(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodOpenAccount}
	handler := func(ctx context.Context, request any) (any, error) {
		return srv.(adminService).OpenAccount(ctx, request.(*structpb.Struct))
	}
	return interceptor(ctx, request, info, handler)
}

func listEntriesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	request := new(structpb.Struct)
	if err := dec(request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(adminService).ListEntries(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodListEntries}
	handler := func(ctx context.Context, request any) (any, error) {
		return srv.(adminService).ListEntries(ctx, request.(*structpb.Struct))
	}
	return interceptor(ctx, request, info, handler)
}

func adjustHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	request := new(structpb.Struct)
	if err := dec(request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(adminService).Adjust(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodAdjust}
	handler := func(ctx context.Context, request any) (any, error) {
		return srv.(adminService).Adjust(ctx, request.(*structpb.Struct))
	}
	return interceptor(ctx, request, info, handler)
}
