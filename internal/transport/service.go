// Package transport carries replication traffic between replicas over gRPC.
//
// The service has no generated stubs: requests and responses are JSON frames
// wrapped in well-known protobuf types, so the wire format follows the
// changelog record encoding.
package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName = "replication.v1.Replication"

	shipMethod   = "/" + serviceName + "/Ship"
	getRUVMethod = "/" + serviceName + "/GetRUV"
	pingMethod   = "/" + serviceName + "/Ping"
)

// ReplicationServer is the server API for the replication service.
type ReplicationServer interface {
	Ship(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	GetRUV(context.Context, *wrapperspb.StringValue) (*wrapperspb.BytesValue, error)
	Ping(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

// ServiceDesc describes the replication service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ReplicationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ship", Handler: shipHandler},
		{MethodName: "GetRUV", Handler: getRUVHandler},
		{MethodName: "Ping", Handler: pingHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "replication/v1/replication.proto",
}

func shipHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicationServer).Ship(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: shipMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ReplicationServer).Ship(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func getRUVHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicationServer).GetRUV(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getRUVMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ReplicationServer).GetRUV(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func pingHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicationServer).Ping(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: pingMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ReplicationServer).Ping(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func encode(v any) (*wrapperspb.BytesValue, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return wrapperspb.Bytes(b), nil
}

func decode(in *wrapperspb.BytesValue, v any) error {
	if err := json.Unmarshal(in.GetValue(), v); err != nil {
		return fmt.Errorf("failed to decode frame: %w", err)
	}
	return nil
}
