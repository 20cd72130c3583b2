package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"policy-optimizer/pkg/config"
	"policy-optimizer/pkg/logger"
	"policy-optimizer/pkg/server"
)

func main() {
	// CONFIG_FILE_PATH or "" for auto-discovery
	manager, err := config.NewManager(os.Getenv("CONFIG_FILE_PATH"))
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}
	cfg := manager.Get()

	logger.Initialize(&cfg.Logging)

	logger.GetLogger().Info("Starting Policy Optimizer gRPC Server...")
	logger.GetLogger().Infof("Configuration loaded: %+v", cfg.Server)
	logger.GetLogger().Infof("GAE: gamma=%.4f lambda=%.4f normalize_advantages=%t",
		cfg.GAE.Gamma, cfg.GAE.Lambda, cfg.GAE.NormalizeAdvantages)
	logger.GetLogger().Infof("PPO: clip_epsilon=%.3f minibatch_size=%d accumulation=%d epochs=%d",
		cfg.PPO.ClipEpsilon, cfg.PPO.MinibatchSize, cfg.PPO.GradientAccumulationSteps, cfg.PPO.Epochs)
	if cfg.PPO.MaxKL != nil {
		logger.GetLogger().Infof("PPO early stop: max_kl=%g", *cfg.PPO.MaxKL)
	}

	srv, err := server.NewServer(cfg)
	if err != nil {
		logger.GetLogger().Fatalf("Failed to create server: %v", err)
	}

	if manager.ConfigFileUsed() != "" {
		manager.Watch(srv.ApplyConfig)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			serverErr <- err
		}
	}()

	select {
	case sig := <-sigCh:
		logger.GetLogger().Infof("Received signal: %v", sig)
	case err := <-serverErr:
		logger.GetLogger().Errorf("Server error: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.GetLogger().Errorf("Failed to stop server gracefully: %v", err)
		os.Exit(1)
	}

	logger.GetLogger().Info("Policy Optimizer gRPC Server stopped successfully")
}
