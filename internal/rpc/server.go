// Package rpc serves the standard gRPC health protocol for the daemon.
//
// The overall status ("") and the WakeService status both follow the
// detector: SERVING while it runs, NOT_SERVING otherwise.
package rpc

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net"
	"runtime/debug"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	apperrors "github.com/GriffinCanCode/eva-daemon/internal/errors"
	"github.com/GriffinCanCode/eva-daemon/internal/trace"
)

// WakeService is the health service name for the wake pipeline.
const WakeService = "eva.wake"

// stopTimeout bounds graceful shutdown.
const stopTimeout = 3 * time.Second

// Server wraps a grpc.Server carrying the health service.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
}

// New creates a server with trace and error interceptors. Both statuses start
// NOT_SERVING.
func New(opts ...grpc.ServerOption) *Server {
	opts = append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(trace.UnaryServerInterceptor(), errorInterceptor),
		grpc.ChainStreamInterceptor(trace.StreamServerInterceptor()),
	}, opts...)

	s := &Server{grpc: grpc.NewServer(opts...), health: health.NewServer()}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.SetServing(false)
	return s
}

// SetServing updates both the overall and WakeService statuses.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(WakeService, st)
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	slog.Info("grpc server starting", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !stderrors.Is(err, grpc.ErrServerStopped) {
		return apperrors.Wrap(err, apperrors.Unavailable, "grpc serve")
	}
	return nil
}

// ListenAndServe listens on addr and serves until ctx is done, then stops
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.Unavailable, "listen %s", addr)
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		s.Stop()
	}()

	err = s.Serve(lis)
	<-stopped
	return err
}

// Stop marks every service NOT_SERVING and waits for in-flight calls. Calls
// still open after stopTimeout, such as Watch streams, are cut.
func (s *Server) Stop() {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		s.grpc.Stop()
	}
}

// errorInterceptor converts application errors to rich statuses and panics
// to INTERNAL.
func errorInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			trace.Logger(ctx).Error("grpc handler panic", "method", info.FullMethod, "panic", r, "stack", string(debug.Stack()))
			err = apperrors.Newf(apperrors.Internal, "panic in %s", info.FullMethod).GRPCStatus().Err()
		}
	}()

	resp, err = handler(ctx, req)
	var ae *apperrors.AppError
	if stderrors.As(err, &ae) {
		return resp, ae.GRPCStatus().Err()
	}
	return resp, err
}
