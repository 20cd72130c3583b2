package server

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"policy-optimizer/internal/trainer"
	"policy-optimizer/pkg/config"
	"policy-optimizer/pkg/logger"
	"policy-optimizer/pkg/metrics"
	"policy-optimizer/pkg/storage"
)

// Server represents the gRPC server
type Server struct {
	config        *config.Config
	grpcServer    *grpc.Server
	healthServer  *health.Server
	metrics       *metrics.TrainingMetrics
	metricsServer *metrics.MetricsServer
	store         *storage.CheckpointStore
	pipeline      *trainer.Pipeline
	listener      net.Listener
}

// NewServer creates a new gRPC server instance
func NewServer(cfg *config.Config) (*Server, error) {
	metricsCollector := metrics.NewTrainingMetrics()

	store, err := storage.NewCheckpointStore(cfg.Checkpoint.Dir, metricsCollector)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize checkpoint store: %w", err)
	}

	pipeline := trainer.NewPipeline(cfg, store, metricsCollector)

	grpcServer := grpc.NewServer(
		grpc.MaxConcurrentStreams(uint32(cfg.Server.MaxConcurrentStreams)),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    cfg.Server.Keepalive.Time,
			Timeout: cfg.Server.Keepalive.Timeout,
		}),
		grpc.MaxRecvMsgSize(cfg.GRPC.MaxRecvMsgSize),
		grpc.MaxSendMsgSize(cfg.GRPC.MaxSendMsgSize),
		grpc.ChainUnaryInterceptor(
			RecoveryInterceptor,
			LoggingInterceptor,
			MetricsInterceptor(metricsCollector),
			TimeoutInterceptor(cfg.Server.RequestTimeout),
		),
	)

	RegisterPolicyOptimizerServer(grpcServer, newOptimizerService(pipeline))

	var healthServer *health.Server
	if cfg.GRPC.HealthCheckEnabled {
		healthServer = health.NewServer()
		healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
		healthServer.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
		grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	}

	if cfg.GRPC.ReflectionEnabled {
		reflection.Register(grpcServer)
	}

	return &Server{
		config:        cfg,
		grpcServer:    grpcServer,
		healthServer:  healthServer,
		metrics:       metricsCollector,
		metricsServer: metrics.NewMetricsServer(&cfg.Metrics, metricsCollector),
		store:         store,
		pipeline:      pipeline,
	}, nil
}

// Pipeline returns the training pipeline behind the service
func (s *Server) Pipeline() *trainer.Pipeline {
	return s.pipeline
}

// Metrics returns the server's metrics collector
func (s *Server) Metrics() *metrics.TrainingMetrics {
	return s.metrics
}

// ApplyConfig hot-reloads the settings that can change without a restart:
// training hyperparameters, checkpoint cadence and log level
func (s *Server) ApplyConfig(cfg *config.Config) {
	s.pipeline.UpdateConfig(cfg)
	if err := logger.SetLevel(cfg.Logging.Level); err != nil {
		logger.GetLogger().WithError(err).Warn("Ignoring invalid log level from reloaded config")
	}
	logger.GetLogger().WithFields(logrus.Fields{
		"gamma":          cfg.GAE.Gamma,
		"lambda":         cfg.GAE.Lambda,
		"clip_epsilon":   cfg.PPO.ClipEpsilon,
		"minibatch_size": cfg.PPO.MinibatchSize,
		"save_every":     cfg.Checkpoint.SaveEvery,
	}).Info("Configuration reloaded")
}

// Start listens on the configured address and serves until stopped
func (s *Server) Start() error {
	addr := s.config.Server.Address()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	logger.GetLogger().Infof("Starting gRPC server on %s", addr)
	return s.Serve(listener)
}

// Serve runs the server on an existing listener (blocking call)
func (s *Server) Serve(listener net.Listener) error {
	s.listener = listener

	if err := s.metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	if err := s.ResumeOnStartup(); err != nil {
		return fmt.Errorf("failed to resume from checkpoint on startup: %w", err)
	}

	if err := s.grpcServer.Serve(listener); err != nil {
		return fmt.Errorf("gRPC server failed: %w", err)
	}
	return nil
}

// ResumeOnStartup restores training progress from the checkpoint directory.
// An empty directory is a fresh run, not an error.
func (s *Server) ResumeOnStartup() error {
	if !s.config.Checkpoint.ResumeOnStart {
		logger.GetLogger().Info("Checkpoint resume disabled, starting fresh")
		return nil
	}

	checkpoint, diagnostics, err := s.pipeline.Resume()
	if err != nil {
		var ckptErr *storage.CheckpointError
		if errors.As(err, &ckptErr) && ckptErr.Kind == storage.CheckpointNotFound && ckptErr.Path == s.store.Dir() {
			logger.GetLogger().WithField("dir", s.store.Dir()).Info("No checkpoints found, starting fresh")
			return nil
		}
		return err
	}

	logger.GetLogger().Info(storage.RenderResumeDiagnostics(checkpoint, diagnostics))
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	logger.GetLogger().Info("Shutting down server...")

	if s.healthServer != nil {
		s.healthServer.Shutdown()
	}

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		logger.GetLogger().Info("gRPC server stopped gracefully")
	case <-ctx.Done():
		logger.GetLogger().Warn("Graceful shutdown timeout, forcing stop")
		s.grpcServer.Stop()
	}

	if err := s.metricsServer.Stop(ctx); err != nil {
		logger.GetLogger().Errorf("Failed to stop metrics server: %v", err)
	}

	iteration, envSteps, lastCheckpoint := s.pipeline.Progress()
	logger.GetLogger().WithFields(logrus.Fields{
		"iteration":          iteration,
		"env_steps":          envSteps,
		"last_checkpoint_id": lastCheckpoint,
	}).Info("Server shutdown completed")
	return nil
}
