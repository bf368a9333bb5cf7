package interceptors

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/schildwacht/billingservice/internal/log"
)

// TimeoutInterceptor enforces per-method deadlines on the ops endpoint
type TimeoutInterceptor struct {
	defaultTimeout time.Duration
	methodTimeouts map[string]time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(defaultTimeout time.Duration, methodTimeouts map[string]time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{
		defaultTimeout: defaultTimeout,
		methodTimeouts: methodTimeouts,
	}
}

// Unary returns a unary interceptor for timeout handling
func (i *TimeoutInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		timeout := i.getTimeoutForMethod(info.FullMethod)

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		resp, err := handler(ctx, req)

		if err != nil && ctx.Err() == context.DeadlineExceeded {
			log.Warn(ctx, "Request timeout exceeded",
				zap.String("method", info.FullMethod),
				zap.Duration("timeout", timeout))
			return nil, status.Error(codes.DeadlineExceeded, "request timeout exceeded")
		}

		return resp, err
	}
}

// Stream returns a stream interceptor for timeout handling
func (i *TimeoutInterceptor) Stream() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		stream grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		timeout := i.getTimeoutForMethod(info.FullMethod)

		ctx, cancel := context.WithTimeout(stream.Context(), timeout)
		defer cancel()

		wrapped := &contextServerStream{
			ServerStream: stream,
			ctx:          ctx,
		}

		err := handler(srv, wrapped)

		if err != nil && ctx.Err() == context.DeadlineExceeded {
			log.Warn(ctx, "Stream timeout exceeded",
				zap.String("method", info.FullMethod),
				zap.Duration("timeout", timeout))
			return status.Error(codes.DeadlineExceeded, "stream timeout exceeded")
		}

		return err
	}
}

// getTimeoutForMethod returns the timeout duration for a specific method
func (i *TimeoutInterceptor) getTimeoutForMethod(method string) time.Duration {
	if timeout, exists := i.methodTimeouts[method]; exists {
		return timeout
	}
	return i.defaultTimeout
}
