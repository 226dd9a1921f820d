// Package grpcclient dials the daemon's gRPC health service.
package grpcclient

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"

	apperrors "github.com/GriffinCanCode/eva-daemon/internal/errors"
	"github.com/GriffinCanCode/eva-daemon/internal/trace"
)

// Client wraps the health client for a daemon address.
type Client struct {
	conn   *grpc.ClientConn
	Health healthpb.HealthClient
}

// New creates a client for addr. The connection is established lazily.
func New(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    DefaultKeepaliveTime,
			Timeout: DefaultKeepaliveTimeout,
		}),
	}, opts...)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.InvalidArgument, "dial %s", addr)
	}
	return &Client{conn: conn, Health: healthpb.NewHealthClient(conn)}, nil
}

// Close closes the gRPC connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Check returns the serving status of service ("" for the whole daemon).
func (c *Client) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	ctx, cancel := context.WithTimeout(outgoing(ctx), HealthCheckTimeout)
	defer cancel()

	resp, err := c.Health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Watch streams status changes of service to fn until ctx is done or the
// server ends the stream.
func (c *Client) Watch(ctx context.Context, service string, fn func(healthpb.HealthCheckResponse_ServingStatus)) error {
	stream, err := c.Health.Watch(outgoing(ctx), &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return err
	}
	for {
		resp, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		fn(resp.GetStatus())
	}
}

// outgoing copies ctx's trace ids into gRPC metadata.
func outgoing(ctx context.Context) context.Context {
	ctx, tc := trace.EnsureContext(ctx)
	return metadata.NewOutgoingContext(ctx, metadata.New(tc.ToMap()))
}
