package rl

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// DefaultNormalizationEpsilon guards normalization of near-constant vectors
const DefaultNormalizationEpsilon = 1e-8

// ClipRange is an inclusive [Min, Max] clamp applied element-wise
type ClipRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// GAEConfig controls discounting, bootstrapping and post-processing of advantages
type GAEConfig struct {
	Gamma                float64    `json:"gamma"`
	Lambda               float64    `json:"lambda"`
	NormalizeAdvantages  bool       `json:"normalize_advantages"`
	ClipAdvantages       *ClipRange `json:"clip_advantages,omitempty"`
	NormalizeReturns     bool       `json:"normalize_returns"`
	ClipReturns          *ClipRange `json:"clip_returns,omitempty"`
	BootstrapValue       float64    `json:"bootstrap_value"`
	NormalizationEpsilon float64    `json:"normalization_epsilon"`
}

// DefaultGAEConfig returns the standard discounting setup without post-processing
func DefaultGAEConfig() GAEConfig {
	return GAEConfig{
		Gamma:                0.99,
		Lambda:               0.95,
		NormalizationEpsilon: DefaultNormalizationEpsilon,
	}
}

// Validate checks ranges and finiteness of every field
func (c GAEConfig) Validate() error {
	if !isFinite(c.Gamma) || c.Gamma <= 0 || c.Gamma > 1 {
		return invalidGAEConfig("gamma", formatRange("must be finite and within (0, 1]", c.Gamma))
	}
	if !isFinite(c.Lambda) || c.Lambda < 0 || c.Lambda > 1 {
		return invalidGAEConfig("lambda", formatRange("must be finite and within [0, 1]", c.Lambda))
	}
	if !isFinite(c.BootstrapValue) {
		return invalidGAEConfig("bootstrap_value", formatRange("must be finite", c.BootstrapValue))
	}
	if !isFinite(c.NormalizationEpsilon) || c.NormalizationEpsilon <= 0 {
		return invalidGAEConfig("normalization_epsilon", formatRange("must be finite and > 0", c.NormalizationEpsilon))
	}
	if err := validateClipRange("clip_advantages", c.ClipAdvantages); err != nil {
		return err
	}
	return validateClipRange("clip_returns", c.ClipReturns)
}

func validateClipRange(field string, r *ClipRange) error {
	if r == nil {
		return nil
	}
	if !isFinite(r.Min) || !isFinite(r.Max) {
		return invalidGAEConfig(field, "bounds must be finite")
	}
	if r.Min > r.Max {
		return invalidGAEConfig(field, "min must be <= max")
	}
	return nil
}

// ComputeGAE runs backward-recursive Generalized Advantage Estimation.
//
// A done step masks both the bootstrap of the next value and the carried
// advantage, so a terminal step reduces to reward - value. The final step of a
// non-terminal (truncated) trajectory bootstraps from cfg.BootstrapValue.
func ComputeGAE(rewards, values []float64, dones []bool, cfg GAEConfig) (*AdvantageBatch, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(rewards) == 0 {
		return nil, invalidGAEInput("trajectory must contain at least one step")
	}
	if len(rewards) != len(values) || len(rewards) != len(dones) {
		return nil, invalidGAEInput("length mismatch: rewards=%d, values=%d, dones=%d", len(rewards), len(values), len(dones))
	}
	for i := range rewards {
		if !isFinite(rewards[i]) {
			return nil, invalidGAEInput("non-finite reward at index %d", i)
		}
		if !isFinite(values[i]) {
			return nil, invalidGAEInput("non-finite value estimate at index %d", i)
		}
	}

	n := len(rewards)
	last := n - 1
	advantages := make([]float64, n)
	returns := make([]float64, n)

	running := 0.0
	for t := last; t >= 0; t-- {
		nextValue := cfg.BootstrapValue
		nextAdvantage := 0.0
		if t != last {
			nextValue = values[t+1]
			nextAdvantage = running
		}
		mask := 1.0
		if dones[t] {
			mask = 0.0
		}

		delta := rewards[t] + cfg.Gamma*nextValue*mask - values[t]
		advantage := delta + cfg.Gamma*cfg.Lambda*mask*nextAdvantage
		if !isFinite(advantage) {
			return nil, &GAEError{Kind: GAENonFiniteResult, Field: "advantages", Index: t}
		}
		ret := advantage + values[t]
		if !isFinite(ret) {
			return nil, &GAEError{Kind: GAENonFiniteResult, Field: "returns", Index: t}
		}

		advantages[t] = advantage
		returns[t] = ret
		running = advantage
	}

	if cfg.NormalizeAdvantages {
		if err := normalizeInPlace("advantages", advantages, cfg.NormalizationEpsilon); err != nil {
			return nil, err
		}
	}
	if cfg.NormalizeReturns {
		if err := normalizeInPlace("returns", returns, cfg.NormalizationEpsilon); err != nil {
			return nil, err
		}
	}
	clipInPlace(advantages, cfg.ClipAdvantages)
	clipInPlace(returns, cfg.ClipReturns)

	targets := make([]float64, n)
	copy(targets, values)

	return &AdvantageBatch{
		Advantages:   advantages,
		Returns:      returns,
		ValueTargets: targets,
		Normalized:   cfg.NormalizeAdvantages || cfg.NormalizeReturns,
	}, nil
}

// ComputeGAEFromTrajectory is ComputeGAE over collected trajectory steps
func ComputeGAEFromTrajectory(steps []TrajectoryStep, cfg GAEConfig) (*AdvantageBatch, error) {
	rewards, values, dones := SplitTrajectory(steps)
	return ComputeGAE(rewards, values, dones, cfg)
}

// normalizeInPlace applies (x - mean) / (std + eps) with the population std
func normalizeInPlace(field string, xs []float64, eps float64) error {
	mean, std := stat.PopMeanStdDev(xs, nil)
	denom := std + eps
	if !isFinite(mean) || !isFinite(denom) || denom <= 0 {
		return &GAEError{Kind: GAENonFiniteResult, Field: field + "_normalization", Index: -1}
	}
	for i := range xs {
		xs[i] = (xs[i] - mean) / denom
		if !isFinite(xs[i]) {
			return &GAEError{Kind: GAENonFiniteResult, Field: field, Index: i}
		}
	}
	return nil
}

func clipInPlace(xs []float64, r *ClipRange) {
	if r == nil {
		return
	}
	for i := range xs {
		xs[i] = math.Min(math.Max(xs[i], r.Min), r.Max)
	}
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
