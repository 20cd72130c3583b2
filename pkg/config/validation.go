package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// validateConfig checks if the loaded configuration is valid
func validateConfig(c *Config) error {
	var validationErrors []string

	// Validate server configuration
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		validationErrors = append(validationErrors, "server.port must be between 0 and 65535")
	}
	if c.Server.MaxConcurrentStreams < 0 {
		validationErrors = append(validationErrors, "server.max_concurrent_streams must not be negative")
	}
	if c.Server.RequestTimeout < 0 {
		validationErrors = append(validationErrors, "server.request_timeout must not be negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		validationErrors = append(validationErrors, "server.shutdown_timeout must be positive")
	}

	// Validate logging configuration
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic":
	default:
		validationErrors = append(validationErrors, fmt.Sprintf("logging.level %q is not a known level", c.Logging.Level))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		validationErrors = append(validationErrors, "logging.format must be json or text")
	}

	// Validate metrics configuration
	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			validationErrors = append(validationErrors, "metrics.port must be between 1 and 65535")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			validationErrors = append(validationErrors, "metrics.path must start with /")
		}
	}

	// Validate checkpoint configuration
	if strings.TrimSpace(c.Checkpoint.Dir) == "" {
		validationErrors = append(validationErrors, "checkpoint.dir must not be empty")
	}
	if c.Checkpoint.SaveEvery < 1 {
		validationErrors = append(validationErrors, "checkpoint.save_every must be at least 1")
	}

	validationErrors = append(validationErrors, validateGAEConfig(&c.GAE)...)
	validationErrors = append(validationErrors, validatePPOConfig(&c.PPO)...)

	if len(validationErrors) > 0 {
		return errors.New("Configuration validation failed: " + strings.Join(validationErrors, "; "))
	}

	return nil
}

func validateGAEConfig(c *GAEConfig) []string {
	var validationErrors []string

	if !finite(c.Gamma) || c.Gamma <= 0 || c.Gamma > 1 {
		validationErrors = append(validationErrors, "gae.gamma must be within (0, 1]")
	}
	if !finite(c.Lambda) || c.Lambda < 0 || c.Lambda > 1 {
		validationErrors = append(validationErrors, "gae.lambda must be within [0, 1]")
	}
	if !finite(c.BootstrapValue) {
		validationErrors = append(validationErrors, "gae.bootstrap_value must be finite")
	}
	if !finite(c.NormalizationEpsilon) || c.NormalizationEpsilon <= 0 {
		validationErrors = append(validationErrors, "gae.normalization_epsilon must be positive")
	}
	if msg := validateClipRange("gae.clip_advantages", c.ClipAdvantages); msg != "" {
		validationErrors = append(validationErrors, msg)
	}
	if msg := validateClipRange("gae.clip_returns", c.ClipReturns); msg != "" {
		validationErrors = append(validationErrors, msg)
	}

	return validationErrors
}

func validatePPOConfig(c *PPOConfig) []string {
	var validationErrors []string

	if !finite(c.ClipEpsilon) || c.ClipEpsilon <= 0 || c.ClipEpsilon > 1 {
		validationErrors = append(validationErrors, "ppo.clip_epsilon must be within (0, 1]")
	}
	if !finite(c.ValueLossCoefficient) || c.ValueLossCoefficient < 0 {
		validationErrors = append(validationErrors, "ppo.value_loss_coefficient must be >= 0")
	}
	if !finite(c.EntropyCoefficient) || c.EntropyCoefficient < 0 {
		validationErrors = append(validationErrors, "ppo.entropy_coefficient must be >= 0")
	}
	if !finite(c.KLPenaltyCoefficient) || c.KLPenaltyCoefficient < 0 {
		validationErrors = append(validationErrors, "ppo.kl_penalty_coefficient must be >= 0")
	}
	if c.TargetKL != nil && (!finite(*c.TargetKL) || *c.TargetKL < 0) {
		validationErrors = append(validationErrors, "ppo.target_kl must be >= 0")
	}
	if c.MaxKL != nil && (!finite(*c.MaxKL) || *c.MaxKL < 0) {
		validationErrors = append(validationErrors, "ppo.max_kl must be >= 0")
	}
	if c.TargetKL != nil && c.MaxKL != nil && *c.MaxKL < *c.TargetKL {
		validationErrors = append(validationErrors, "ppo.max_kl must be >= ppo.target_kl")
	}
	if c.MinibatchSize <= 0 {
		validationErrors = append(validationErrors, "ppo.minibatch_size must be positive")
	}
	if c.GradientAccumulationSteps < 1 {
		validationErrors = append(validationErrors, "ppo.gradient_accumulation_steps must be at least 1")
	}
	if c.Epochs < 1 {
		validationErrors = append(validationErrors, "ppo.epochs must be at least 1")
	}

	return validationErrors
}

func validateClipRange(name string, r ClipRangeConfig) string {
	if !r.Enabled {
		return ""
	}
	if !finite(r.Min) || !finite(r.Max) || r.Min > r.Max {
		return fmt.Sprintf("%s requires finite min <= max, got [%v, %v]", name, r.Min, r.Max)
	}
	return ""
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
