package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_zap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/schildwacht/billingservice/internal/config"
	"github.com/schildwacht/billingservice/internal/log"
	"github.com/schildwacht/billingservice/internal/server/interceptors"
)

// Pinger is implemented by dependencies the health service monitors
type Pinger interface {
	Ping(ctx context.Context) error
}

// GRPCServer is the worker's ops endpoint: the stock health service
// with background dependency monitoring, plus reflection outside
// production.
type GRPCServer struct {
	server       *grpc.Server
	config       *config.Config
	logger       *zap.Logger
	healthServer *health.Server
	dependencies map[string]Pinger
}

// NewGRPCServer creates the ops server with its interceptor chain. The
// dependencies map names each Pinger for health logging.
func NewGRPCServer(cfg *config.Config, dependencies map[string]Pinger) *GRPCServer {
	logger := log.L(context.Background())

	requestIDInterceptor := interceptors.NewRequestIDInterceptor()
	errorHandlerInterceptor := interceptors.NewErrorHandlerInterceptor()
	timeoutInterceptor := interceptors.NewTimeoutInterceptor(15*time.Second, nil)

	recoveryOpts := []grpc_recovery.Option{
		grpc_recovery.WithRecoveryHandler(func(p interface{}) (err error) {
			logger.Error("gRPC panic recovered", zap.Any("panic", p))
			return status.Errorf(codes.Internal, "internal server error")
		}),
	}

	zapOpts := []grpc_zap.Option{
		grpc_zap.WithLevels(grpc_zap.DefaultCodeToLevel),
	}

	var creds credentials.TransportCredentials
	if cfg.GRPC.TLSEnabled {
		tlsCreds, err := setupTLS(cfg.GRPC)
		if err != nil {
			logger.Fatal("Failed to setup TLS - refusing to start server without TLS", zap.Error(err))
		}
		creds = tlsCreds
		logger.Info("TLS enabled for gRPC server",
			zap.String("cert_file", cfg.GRPC.CertFile),
			zap.String("key_file", cfg.GRPC.KeyFile))
	} else {
		logger.Warn("TLS disabled for gRPC server - not recommended for production")
	}

	unaryInterceptors := []grpc.UnaryServerInterceptor{
		otelgrpc.UnaryServerInterceptor(),
		grpc_recovery.UnaryServerInterceptor(recoveryOpts...),
		grpc_zap.UnaryServerInterceptor(logger, zapOpts...),
		requestIDInterceptor.Unary(),
		timeoutInterceptor.Unary(),
		errorHandlerInterceptor.Unary(),
	}

	streamInterceptors := []grpc.StreamServerInterceptor{
		otelgrpc.StreamServerInterceptor(),
		grpc_recovery.StreamServerInterceptor(recoveryOpts...),
		grpc_zap.StreamServerInterceptor(logger, zapOpts...),
		requestIDInterceptor.Stream(),
		timeoutInterceptor.Stream(),
		errorHandlerInterceptor.Stream(),
	}

	serverOpts := []grpc.ServerOption{
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(unaryInterceptors...)),
		grpc.StreamInterceptor(grpc_middleware.ChainStreamServer(streamInterceptors...)),
	}
	if creds != nil {
		serverOpts = append(serverOpts, grpc.Creds(creds))
	}

	server := grpc.NewServer(serverOpts...)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)

	// NOT_SERVING until the first dependency check passes.
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	if cfg.Env != "prod" && cfg.Env != "production" {
		logger.Info("Registering gRPC reflection (non-production environment)")
		reflection.Register(server)
	}

	return &GRPCServer{
		server:       server,
		config:       cfg,
		logger:       logger,
		healthServer: healthServer,
		dependencies: dependencies,
	}
}

// RegisterService registers a gRPC service with the server
func (s *GRPCServer) RegisterService(desc *grpc.ServiceDesc, impl interface{}) {
	s.server.RegisterService(desc, impl)
}

// GetServer returns the underlying gRPC server
func (s *GRPCServer) GetServer() *grpc.Server {
	return s.server
}

// StartHealthMonitoring starts background health checks for dependencies
func (s *GRPCServer) StartHealthMonitoring(ctx context.Context) {
	go s.monitorHealth(ctx)
}

// monitorHealth runs periodic dependency checks
func (s *GRPCServer) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	s.logger.Info("Starting health monitoring for dependencies")

	s.checkDependencies()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Health monitoring stopped due to context cancellation")
			return
		case <-ticker.C:
			s.checkDependencies()
		}
	}
}

// checkDependencies pings every dependency and flips the health status
func (s *GRPCServer) checkDependencies() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	healthy := true
	for name, dep := range s.dependencies {
		if err := dep.Ping(ctx); err != nil {
			healthy = false
			s.logger.Warn("Dependency health check failed",
				zap.String("dependency", name),
				zap.Error(err))
		}
	}

	if healthy {
		s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		s.logger.Debug("All dependencies healthy, setting status to SERVING")
	} else {
		s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	}
}

// setupTLS configures TLS credentials for the gRPC server
func setupTLS(cfg config.GRPCConfig) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   tls.VersionTLS13,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		},
		PreferServerCipherSuites: true,
	}

	// A client CA enables mTLS for the ops endpoint.
	if cfg.ClientCAFile != "" {
		caCert, err := os.ReadFile(cfg.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read client CA file: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse client CA certificate")
		}

		tlsConfig.ClientCAs = caCertPool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return credentials.NewTLS(tlsConfig), nil
}

// Serve starts the gRPC server and handles graceful shutdown
func (s *GRPCServer) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.GRPC.Address)
	if err != nil {
		return err
	}

	s.logger.Info("gRPC server starting",
		zap.String("address", s.config.GRPC.Address))

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- s.server.Serve(listener)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return err

	case <-ctx.Done():
		s.logger.Info("gRPC server shutting down due to context cancellation")

	case sig := <-shutdown:
		s.logger.Info("gRPC server shutting down due to signal",
			zap.String("signal", sig.String()))
	}

	s.logger.Info("Starting graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	gracefulStop := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(gracefulStop)
	}()

	select {
	case <-gracefulStop:
		s.logger.Info("gRPC server stopped gracefully")
		return nil

	case <-shutdownCtx.Done():
		s.logger.Warn("Graceful shutdown timeout, forcing stop")
		s.server.Stop()
		return nil
	}
}
