package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/bizpartner/internal/domain"
	"github.com/ashureev/bizpartner/internal/specialist"
)

// ProcessServer is the server side of the Process method.
type ProcessServer interface {
	Process(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ProcessServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Process", Handler: processHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bizpartner/v1/specialist.proto",
}

func processHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ProcessServer).Process(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ProcessMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ProcessServer).Process(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Server hosts local specialists for remote callers.
type Server struct {
	registry *specialist.Registry
	grpc     *grpc.Server
	health   *health.Server
	logger   *slog.Logger
}

// NewServer registers the specialists in registry with a new gRPC server.
func NewServer(registry *specialist.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		registry: registry,
		grpc: grpc.NewServer(grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             time.Minute,
			PermitWithoutStream: false,
		})),
		health: health.NewServer(),
		logger: logger,
	}
	s.grpc.RegisterService(&serviceDesc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("Specialist host listening", "address", lis.Addr().String(), "roles", s.registry.Roles())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve specialists: %w", err)
	}
	return nil
}

// Stop marks the host as not serving and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// Process runs the requested specialist.
func (s *Server) Process(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	role, st, err := decodeRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	sp, ok := s.registry.Get(role)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no specialist for role %q", role)
	}
	if role == domain.RolePrimary {
		return nil, status.Error(codes.PermissionDenied, "the primary specialist is not served remotely")
	}

	up, err := sp.Process(ctx, st)
	if err != nil {
		s.logger.Warn("hosted specialist failed",
			"role", role,
			"session_id", st.SessionID,
			"error", err)
		switch {
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, specialist.ErrTimeout):
			return nil, status.Error(codes.DeadlineExceeded, err.Error())
		case errors.Is(err, context.Canceled):
			return nil, status.Error(codes.Canceled, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}

	resp, err := encodeUpdate(up)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return resp, nil
}
