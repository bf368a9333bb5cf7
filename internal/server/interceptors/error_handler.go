package interceptors

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/schildwacht/billingservice/internal/domain"
	"github.com/schildwacht/billingservice/internal/log"
)

// ErrorHandlerInterceptor maps domain errors to gRPC status codes
type ErrorHandlerInterceptor struct{}

// NewErrorHandlerInterceptor creates a new error handler interceptor
func NewErrorHandlerInterceptor() *ErrorHandlerInterceptor {
	return &ErrorHandlerInterceptor{}
}

// Unary returns a unary interceptor for error handling
func (i *ErrorHandlerInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		resp, err := handler(ctx, req)
		if err != nil {
			return resp, i.handleError(ctx, err, info.FullMethod)
		}
		return resp, nil
	}
}

// Stream returns a stream interceptor for error handling
func (i *ErrorHandlerInterceptor) Stream() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		stream grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		if err := handler(srv, stream); err != nil {
			return i.handleError(stream.Context(), err, info.FullMethod)
		}
		return nil
	}
}

// handleError converts errors to appropriate gRPC status codes
func (i *ErrorHandlerInterceptor) handleError(ctx context.Context, err error, method string) error {
	if err == nil {
		return nil
	}

	log.Error(ctx, "Error occurred in gRPC method",
		zap.String("method", method),
		zap.Error(err))

	// Already a gRPC status error
	if st, ok := status.FromError(err); ok {
		return st.Err()
	}

	if domainErr := domain.GetDomainError(err); domainErr != nil {
		switch domainErr.Code {
		case domain.ErrCodeNotFound:
			return status.Error(codes.NotFound, domainErr.Message)
		case domain.ErrCodeInvalidInput:
			return status.Error(codes.InvalidArgument, domainErr.Message)
		case domain.ErrCodeAlreadySubscribed:
			return status.Error(codes.AlreadyExists, domainErr.Message)
		case domain.ErrCodeInvalidState, domain.ErrCodeNoPaymentMethod, domain.ErrCodeChallengeExpired:
			return status.Error(codes.FailedPrecondition, domainErr.Message)
		case domain.ErrCodeAuthRequired:
			return status.Error(codes.Unauthenticated, domainErr.Message)
		case domain.ErrCodeInternal:
			return status.Error(codes.Internal, domainErr.Message)
		default:
			return status.Error(codes.Internal, domainErr.Message)
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "request timeout")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	}

	return status.Error(codes.Internal, "internal server error")
}
