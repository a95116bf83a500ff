package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// IntrospectionServer is the server-side contract of the introspection
// service: three read-only RPCs.
type IntrospectionServer interface {
	GetSchedule(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetPartitionStatus(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	GetHealthEvents(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// RegisterIntrospectionServer registers srv's RPCs against s.
func RegisterIntrospectionServer(s grpc.ServiceRegistrar, srv IntrospectionServer) {
	s.RegisterService(&introspectionServiceDesc, srv)
}

var introspectionServiceDesc = grpc.ServiceDesc{
	ServiceName: "a653hv.Introspection",
	HandlerType: (*IntrospectionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetSchedule", Handler: getScheduleHandler},
		{MethodName: "GetPartitionStatus", Handler: getPartitionStatusHandler},
		{MethodName: "GetHealthEvents", Handler: getHealthEventsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pkg/api/service.go",
}

func getScheduleHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IntrospectionServer).GetSchedule(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/a653hv.Introspection/GetSchedule"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(IntrospectionServer).GetSchedule(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func getPartitionStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IntrospectionServer).GetPartitionStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/a653hv.Introspection/GetPartitionStatus"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(IntrospectionServer).GetPartitionStatus(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func getHealthEventsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IntrospectionServer).GetHealthEvents(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/a653hv.Introspection/GetHealthEvents"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(IntrospectionServer).GetHealthEvents(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// IntrospectionClient is the client-side contract, for CLI tooling that
// wants typed calls instead of grpc.ClientConn.Invoke directly.
type IntrospectionClient interface {
	GetSchedule(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error)
	GetPartitionStatus(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.Struct, error)
	GetHealthEvents(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type introspectionClient struct {
	cc grpc.ClientConnInterface
}

// NewIntrospectionClient wraps cc as a typed IntrospectionClient.
func NewIntrospectionClient(cc grpc.ClientConnInterface) IntrospectionClient {
	return &introspectionClient{cc: cc}
}

func (c *introspectionClient) GetSchedule(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/a653hv.Introspection/GetSchedule", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *introspectionClient) GetPartitionStatus(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/a653hv.Introspection/GetPartitionStatus", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *introspectionClient) GetHealthEvents(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/a653hv.Introspection/GetHealthEvents", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
