package config

import (
	"github.com/spf13/viper"
)

// setDefaults configures default values for all configuration parameters
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 50061)
	v.SetDefault("server.max_concurrent_streams", 100)
	v.SetDefault("server.keepalive.time", "30s")
	v.SetDefault("server.keepalive.timeout", "5s")
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// gRPC defaults
	v.SetDefault("grpc.health_check_enabled", true)
	v.SetDefault("grpc.reflection_enabled", false)
	v.SetDefault("grpc.max_recv_msg_size", 16777216)
	v.SetDefault("grpc.max_send_msg_size", 16777216)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")

	// Checkpoint defaults
	v.SetDefault("checkpoint.dir", "./checkpoints")
	v.SetDefault("checkpoint.save_every", 1)
	v.SetDefault("checkpoint.resume_on_start", true)

	// GAE defaults
	v.SetDefault("gae.gamma", 0.99)
	v.SetDefault("gae.lambda", 0.95)
	v.SetDefault("gae.normalize_advantages", true)
	v.SetDefault("gae.clip_advantages.enabled", false)
	v.SetDefault("gae.clip_advantages.min", -10.0)
	v.SetDefault("gae.clip_advantages.max", 10.0)
	v.SetDefault("gae.normalize_returns", false)
	v.SetDefault("gae.clip_returns.enabled", false)
	v.SetDefault("gae.clip_returns.min", -100.0)
	v.SetDefault("gae.clip_returns.max", 100.0)
	v.SetDefault("gae.bootstrap_value", 0.0)
	v.SetDefault("gae.normalization_epsilon", 1e-8)

	// PPO defaults (target_kl and max_kl are opt-in)
	v.SetDefault("ppo.clip_epsilon", 0.2)
	v.SetDefault("ppo.value_loss_coefficient", 0.5)
	v.SetDefault("ppo.entropy_coefficient", 0.01)
	v.SetDefault("ppo.kl_penalty_coefficient", 0.0)
	v.SetDefault("ppo.minibatch_size", 32)
	v.SetDefault("ppo.gradient_accumulation_steps", 1)
	v.SetDefault("ppo.epochs", 1)
}
