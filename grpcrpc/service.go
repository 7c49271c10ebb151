// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package grpcrpc

import (
	"context"

	"github.com/creachadair/cablerpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the full name of the RPC service.
const ServiceName = "anycable.RPC"

// RPCClient is the client API for the anycable.RPC service.
type RPCClient interface {
	Connect(ctx context.Context, in *cablerpc.ConnectionRequest, opts ...grpc.CallOption) (*cablerpc.ConnectionResponse, error)
	Disconnect(ctx context.Context, in *cablerpc.DisconnectRequest, opts ...grpc.CallOption) (*cablerpc.DisconnectResponse, error)
	Command(ctx context.Context, in *cablerpc.CommandMessage, opts ...grpc.CallOption) (*cablerpc.CommandResponse, error)
}

type rpcClient struct {
	cc grpc.ClientConnInterface
}

// NewRPCClient creates a new RPCClient. Calls made by the client use Codec.
func NewRPCClient(cc grpc.ClientConnInterface) RPCClient {
	return &rpcClient{cc: cc}
}

func (c *rpcClient) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.ForceCodec(Codec{})}, opts...)
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...)
}

func (c *rpcClient) Connect(ctx context.Context, in *cablerpc.ConnectionRequest, opts ...grpc.CallOption) (*cablerpc.ConnectionResponse, error) {
	out := new(cablerpc.ConnectionResponse)
	if err := c.invoke(ctx, "Connect", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *rpcClient) Disconnect(ctx context.Context, in *cablerpc.DisconnectRequest, opts ...grpc.CallOption) (*cablerpc.DisconnectResponse, error) {
	out := new(cablerpc.DisconnectResponse)
	if err := c.invoke(ctx, "Disconnect", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *rpcClient) Command(ctx context.Context, in *cablerpc.CommandMessage, opts ...grpc.CallOption) (*cablerpc.CommandResponse, error) {
	out := new(cablerpc.CommandResponse)
	if err := c.invoke(ctx, "Command", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

// RPCServer is the server API for the anycable.RPC service.
type RPCServer interface {
	Connect(context.Context, *cablerpc.ConnectionRequest) (*cablerpc.ConnectionResponse, error)
	Disconnect(context.Context, *cablerpc.DisconnectRequest) (*cablerpc.DisconnectResponse, error)
	Command(context.Context, *cablerpc.CommandMessage) (*cablerpc.CommandResponse, error)
}

// UnimplementedRPCServer can be embedded to have forward compatible implementations.
type UnimplementedRPCServer struct{}

// Connect returns an Unimplemented error by default.
func (UnimplementedRPCServer) Connect(context.Context, *cablerpc.ConnectionRequest) (*cablerpc.ConnectionResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Connect not implemented")
}

// Disconnect returns an Unimplemented error by default.
func (UnimplementedRPCServer) Disconnect(context.Context, *cablerpc.DisconnectRequest) (*cablerpc.DisconnectResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Disconnect not implemented")
}

// Command returns an Unimplemented error by default.
func (UnimplementedRPCServer) Command(context.Context, *cablerpc.CommandMessage) (*cablerpc.CommandResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Command not implemented")
}

// RegisterRPCServer registers the anycable.RPC service with the given gRPC server.
// The server must be configured to use Codec, see ServerCodec.
func RegisterRPCServer(s grpc.ServiceRegistrar, srv RPCServer) {
	s.RegisterService(&_RPC_serviceDesc, srv)
}

// ServerCodec returns a server option that installs Codec.
func ServerCodec() grpc.ServerOption { return grpc.ForceServerCodec(Codec{}) }

func _RPC_Connect_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(cablerpc.ConnectionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RPCServer).Connect(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Connect"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RPCServer).Connect(ctx, req.(*cablerpc.ConnectionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _RPC_Disconnect_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(cablerpc.DisconnectRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RPCServer).Disconnect(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Disconnect"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RPCServer).Disconnect(ctx, req.(*cablerpc.DisconnectRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _RPC_Command_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(cablerpc.CommandMessage)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RPCServer).Command(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Command"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RPCServer).Command(ctx, req.(*cablerpc.CommandMessage))
	}
	return interceptor(ctx, in, info, handler)
}

var _RPC_serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RPCServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Connect", Handler: _RPC_Connect_Handler},
		{MethodName: "Disconnect", Handler: _RPC_Disconnect_Handler},
		{MethodName: "Command", Handler: _RPC_Command_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rpc.proto",
}
