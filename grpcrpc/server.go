// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package grpcrpc exposes a cablerpc.Dispatcher as the anycable.RPC gRPC
// service.
//
// The service has three unary methods, Connect, Disconnect and Command.
// Messages use the protocol buffer wire format, encoded by [Codec] without
// generated code. The server also provides the standard health service.
//
// Call metadata are taken from the gRPC request metadata. The "protov" key
// lists the protocol versions supported by the caller; a call that does not
// support the server version fails with codes.Internal before it reaches
// the dispatcher.
package grpcrpc

import (
	"context"
	"net"
	"strings"

	"github.com/creachadair/cablerpc"
	"github.com/juju/loggo"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// DefaultPoolSize is the default number of server workers.
const DefaultPoolSize = 30

// Options are optional settings for a Server. A nil *Options is ready for
// use and provides default values as described.
type Options struct {
	// Version is the protocol version required of callers. If empty,
	// cablerpc.ProtocolVersion is used.
	Version string

	// SkipVersionCheck disables the protocol version check.
	SkipVersionCheck bool

	// PoolSize is the number of workers serving calls. If zero,
	// DefaultPoolSize is used.
	PoolSize int

	// Logger is used for diagnostic output. If zero, nothing is logged.
	Logger loggo.Logger

	// ServerOptions are additional options for the gRPC server.
	ServerOptions []grpc.ServerOption
}

func (o *Options) version() string {
	if o == nil || o.Version == "" {
		return cablerpc.ProtocolVersion
	}
	return o.Version
}

func (o *Options) poolSize() uint32 {
	if o == nil || o.PoolSize <= 0 {
		return DefaultPoolSize
	}
	return uint32(o.PoolSize)
}

func (o *Options) logger() loggo.Logger {
	if o == nil || o.Logger == (loggo.Logger{}) {
		return cablerpc.Discard()
	}
	return o.Logger
}

// Server is a gRPC server for the anycable.RPC service and the health
// service.
type Server struct {
	*grpc.Server
	health *health.Server
	log    loggo.Logger
}

// NewServer constructs a gRPC server that executes calls with disp. The
// middleware chain of disp is frozen.
func NewServer(disp *cablerpc.Dispatcher, opts *Options) *Server {
	disp.Freeze()
	log := opts.logger()

	sopts := []grpc.ServerOption{
		ServerCodec(),
		grpc.NumStreamWorkers(opts.poolSize()),
	}
	if opts == nil || !opts.SkipVersionCheck {
		sopts = append(sopts, grpc.ChainUnaryInterceptor(CheckVersion(opts.version())))
	}
	if opts != nil {
		sopts = append(sopts, opts.ServerOptions...)
	}
	srv := grpc.NewServer(sopts...)
	RegisterRPCServer(srv, NewService(disp))

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	return &Server{Server: srv, health: hs, log: log}
}

// Serve accepts connections on lst until the server stops or ctx ends.
// When ctx ends, the server is stopped gracefully.
func (s *Server) Serve(ctx context.Context, lst net.Listener) error {
	stop := context.AfterFunc(ctx, s.Shutdown)
	defer stop()
	s.log.Infof("serving %s on %s", ServiceName, lst.Addr())
	return s.Server.Serve(lst)
}

// Shutdown marks the services as not serving and stops the server
// gracefully, waiting for pending calls to complete.
func (s *Server) Shutdown() {
	s.health.Shutdown()
	s.GracefulStop()
}

// Service implements RPCServer by delivering calls to a dispatcher.
type Service struct {
	UnimplementedRPCServer
	disp *cablerpc.Dispatcher
}

// NewService constructs a Service that delivers calls to disp.
func NewService(disp *cablerpc.Dispatcher) *Service { return &Service{disp: disp} }

// Connect implements part of the RPCServer interface.
func (s *Service) Connect(ctx context.Context, req *cablerpc.ConnectionRequest) (*cablerpc.ConnectionResponse, error) {
	return s.disp.Connect(ctx, req, Meta(ctx)), nil
}

// Disconnect implements part of the RPCServer interface.
func (s *Service) Disconnect(ctx context.Context, req *cablerpc.DisconnectRequest) (*cablerpc.DisconnectResponse, error) {
	return s.disp.Disconnect(ctx, req, Meta(ctx)), nil
}

// Command implements part of the RPCServer interface.
func (s *Service) Command(ctx context.Context, req *cablerpc.CommandMessage) (*cablerpc.CommandResponse, error) {
	return s.disp.Command(ctx, req, Meta(ctx)), nil
}

// Meta returns the call metadata carried by the incoming metadata of ctx.
// Multiple values for a key are joined with commas.
func Meta(ctx context.Context) cablerpc.Meta {
	meta := make(cablerpc.Meta)
	md, _ := metadata.FromIncomingContext(ctx)
	for key, vs := range md {
		if len(vs) != 0 && !strings.HasPrefix(key, ":") {
			meta[key] = strings.Join(vs, ",")
		}
	}
	return meta
}

// CheckVersion returns a unary interceptor that rejects calls to the
// anycable.RPC service whose metadata do not declare support for version.
// A rejected call fails with codes.Internal.
func CheckVersion(version string) grpc.UnaryServerInterceptor {
	prefix := "/" + ServiceName + "/"
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !strings.HasPrefix(info.FullMethod, prefix) {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		protov := strings.Join(md.Get(cablerpc.VersionMetaKey), ",")
		if !cablerpc.SupportsVersion(protov, version) {
			verr := &cablerpc.VersionError{Server: version, Client: protov}
			return nil, status.Error(codes.Internal, verr.Error())
		}
		return handler(ctx, req)
	}
}
