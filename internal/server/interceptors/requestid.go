package interceptors

import (
	"context"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/schildwacht/billingservice/internal/log"
	"github.com/schildwacht/billingservice/internal/tracing"
)

const requestIDHeader = "x-request-id"

// RequestIDInterceptor propagates the caller's request id (or mints one)
// plus the trace id into the context so log.L picks them up.
type RequestIDInterceptor struct{}

// NewRequestIDInterceptor creates a new request id interceptor
func NewRequestIDInterceptor() *RequestIDInterceptor {
	return &RequestIDInterceptor{}
}

// Unary returns a unary interceptor injecting request-scoped log fields
func (i *RequestIDInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		return handler(i.enrich(ctx), req)
	}
}

// Stream returns a stream interceptor injecting request-scoped log fields
func (i *RequestIDInterceptor) Stream() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		stream grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		wrapped := &contextServerStream{
			ServerStream: stream,
			ctx:          i.enrich(stream.Context()),
		}
		return handler(srv, wrapped)
	}
}

func (i *RequestIDInterceptor) enrich(ctx context.Context) context.Context {
	requestID := ""
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(requestIDHeader); len(values) > 0 {
			requestID = values[0]
		}
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ctx = log.WithRequestID(ctx, requestID)

	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		ctx = log.WithTraceID(ctx, traceID)
	}
	return ctx
}

// contextServerStream wraps grpc.ServerStream with a replaced context
type contextServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context
func (w *contextServerStream) Context() context.Context {
	return w.ctx
}
