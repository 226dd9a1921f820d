package trace

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// UnaryServerInterceptor attaches the caller's trace, or a new one, to each
// unary call and logs failed calls.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx = extractMetadata(ctx)
		resp, err := handler(ctx, req)
		if err != nil {
			Logger(ctx).Debug("grpc call failed", "method", info.FullMethod, "error", err)
		}
		return resp, err
	}
}

// StreamServerInterceptor does the same for streaming calls such as health Watch.
func StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		return handler(srv, &tracedStream{ServerStream: ss, ctx: extractMetadata(ss.Context())})
	}
}

type tracedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *tracedStream) Context() context.Context { return s.ctx }

func extractMetadata(ctx context.Context) context.Context {
	m := map[string]string{}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		for _, k := range []string{TraceIDKey, SpanIDKey} {
			if v := md.Get(k); len(v) > 0 {
				m[k] = v[0]
			}
		}
	}
	return WithContext(ctx, FromMap(m))
}
