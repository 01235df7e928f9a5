package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/bizpartner/internal/domain"
	"github.com/ashureev/bizpartner/internal/specialist"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// DialConfig holds connection settings for a remote specialist host.
type DialConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultDialConfig returns the default settings for addr.
func DefaultDialConfig(addr string) DialConfig {
	return DialConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// Dial connects to a specialist host and waits until the connection is
// ready, so a bad endpoint fails at startup rather than on the first turn.
func Dial(cfg DialConfig, logger *slog.Logger, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to specialist host at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("specialist host at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to specialist host", "address", cfg.Address)
	return conn, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Remote is a specialist hosted in another process.
type Remote struct {
	conn   *grpc.ClientConn
	role   domain.Role
	health healthpb.HealthClient
	logger *slog.Logger
}

// NewRemote returns a specialist for role that calls the host behind conn.
// The caller owns conn.
func NewRemote(conn *grpc.ClientConn, role domain.Role, logger *slog.Logger) *Remote {
	if logger == nil {
		logger = slog.Default()
	}
	return &Remote{conn: conn, role: role, health: healthpb.NewHealthClient(conn), logger: logger}
}

// Role returns the role served remotely.
func (r *Remote) Role() domain.Role {
	return r.role
}

// Process sends s to the host and decodes the returned update. Deadline
// and availability failures are reported as specialist.ErrTimeout.
func (r *Remote) Process(ctx context.Context, s *domain.State) (domain.Update, error) {
	req, err := encodeRequest(r.role, s)
	if err != nil {
		return domain.Update{}, err
	}

	resp := new(structpb.Struct)
	if err := r.conn.Invoke(ctx, ProcessMethod, req, resp); err != nil {
		switch status.Code(err) {
		case codes.DeadlineExceeded, codes.Unavailable:
			return domain.Update{}, fmt.Errorf("%w: remote %s: %w", specialist.ErrTimeout, r.role, err)
		}
		return domain.Update{}, fmt.Errorf("remote %s: %w", r.role, err)
	}

	up, err := decodeUpdate(resp)
	if err != nil {
		r.logger.Warn("remote specialist returned an unreadable update",
			"role", r.role,
			"session_id", s.SessionID,
			"error", err)
		return domain.Update{}, err
	}
	return up, nil
}

// Health checks that the host is serving.
func (r *Remote) Health(ctx context.Context) error {
	resp, err := r.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("specialist host is %s", resp.GetStatus())
	}
	return nil
}
