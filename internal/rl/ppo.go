package rl

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// PPOConfig controls the clipped objective and update aggregation
type PPOConfig struct {
	ClipEpsilon               float64  `json:"clip_epsilon"`
	ValueLossCoefficient      float64  `json:"value_loss_coefficient"`
	EntropyCoefficient        float64  `json:"entropy_coefficient"`
	KLPenaltyCoefficient      float64  `json:"kl_penalty_coefficient"`
	TargetKL                  *float64 `json:"target_kl,omitempty"`
	MaxKL                     *float64 `json:"max_kl,omitempty"`
	MinibatchSize             int      `json:"minibatch_size"`
	GradientAccumulationSteps int      `json:"gradient_accumulation_steps"`
	Epochs                    int      `json:"epochs"`
}

// DefaultPPOConfig returns the usual PPO hyperparameters with early-stop disabled
func DefaultPPOConfig() PPOConfig {
	return PPOConfig{
		ClipEpsilon:               0.2,
		ValueLossCoefficient:      0.5,
		EntropyCoefficient:        0.01,
		KLPenaltyCoefficient:      0.0,
		MinibatchSize:             32,
		GradientAccumulationSteps: 1,
		Epochs:                    1,
	}
}

// Validate checks every documented range before any computation starts
func (c PPOConfig) Validate() error {
	if !isFinite(c.ClipEpsilon) || c.ClipEpsilon <= 0 || c.ClipEpsilon > 1 {
		return invalidPPOConfig("clip_epsilon", "must be finite and within (0, 1], found %v", c.ClipEpsilon)
	}
	coefficients := []struct {
		name  string
		value float64
	}{
		{"value_loss_coefficient", c.ValueLossCoefficient},
		{"entropy_coefficient", c.EntropyCoefficient},
		{"kl_penalty_coefficient", c.KLPenaltyCoefficient},
	}
	for _, coef := range coefficients {
		if !isFinite(coef.value) || coef.value < 0 {
			return invalidPPOConfig(coef.name, "must be finite and >= 0, found %v", coef.value)
		}
	}
	if c.TargetKL != nil && (!isFinite(*c.TargetKL) || *c.TargetKL < 0) {
		return invalidPPOConfig("target_kl", "must be finite and >= 0, found %v", *c.TargetKL)
	}
	if c.MaxKL != nil && (!isFinite(*c.MaxKL) || *c.MaxKL < 0) {
		return invalidPPOConfig("max_kl", "must be finite and >= 0, found %v", *c.MaxKL)
	}
	if c.TargetKL != nil && c.MaxKL != nil && *c.MaxKL < *c.TargetKL {
		return invalidPPOConfig("max_kl", "must be >= target_kl (%v) when both are set, found %v", *c.TargetKL, *c.MaxKL)
	}
	if c.MinibatchSize <= 0 {
		return invalidPPOConfig("minibatch_size", "must be > 0, found %d", c.MinibatchSize)
	}
	if c.GradientAccumulationSteps < 1 {
		return invalidPPOConfig("gradient_accumulation_steps", "must be >= 1, found %d", c.GradientAccumulationSteps)
	}
	if c.Epochs < 1 {
		return invalidPPOConfig("epochs", "must be >= 1, found %d", c.Epochs)
	}
	return nil
}

// PPOSample is one training example aligned to a policy action step
type PPOSample struct {
	OldLogProb  float64 `json:"old_log_prob"`
	NewLogProb  float64 `json:"new_log_prob"`
	Advantage   float64 `json:"advantage"`
	ValuePred   float64 `json:"value_pred"`
	ValueTarget float64 `json:"value_target"`
}

// PPOLossBreakdown holds the mean loss terms over one sample set
type PPOLossBreakdown struct {
	PolicyLoss      float64 `json:"policy_loss"`
	ValueLoss       float64 `json:"value_loss"`
	EntropyLoss     float64 `json:"entropy_loss"`
	ApproxKL        float64 `json:"approx_kl"`
	TotalLoss       float64 `json:"total_loss"`
	MeanRatio       float64 `json:"mean_ratio"`
	ClippedFraction float64 `json:"clipped_fraction"`
	SampleCount     int     `json:"sample_count"`
}

// SampleTerms are the per-sample contributions before averaging
type SampleTerms struct {
	Ratio      float64
	Clipped    bool
	PolicyLoss float64
	ValueLoss  float64
	Entropy    float64
	ApproxKL   float64
}

// ComputeSampleTerms evaluates the clipped surrogate, value error, entropy
// estimate and approximate KL of a single sample.
//
// Entropy is estimated from the sampled action only: -new_log_prob.
func ComputeSampleTerms(sample PPOSample, clipEpsilon float64) SampleTerms {
	ratio := math.Exp(sample.NewLogProb - sample.OldLogProb)
	clippedRatio := math.Min(math.Max(ratio, 1-clipEpsilon), 1+clipEpsilon)

	unclipped := ratio * sample.Advantage
	clipped := clippedRatio * sample.Advantage

	valueError := sample.ValuePred - sample.ValueTarget

	return SampleTerms{
		Ratio:      ratio,
		Clipped:    ratio != clippedRatio,
		PolicyLoss: -math.Min(unclipped, clipped),
		ValueLoss:  valueError * valueError,
		Entropy:    -sample.NewLogProb,
		ApproxKL:   sample.OldLogProb - sample.NewLogProb,
	}
}

// ComputePPOLoss computes the mean PPO loss terms over samples.
//
// The KL guard is not applied here: max_kl decisions belong to the update
// aggregator, the loss engine always returns its values.
func ComputePPOLoss(samples []PPOSample, cfg PPOConfig) (*PPOLossBreakdown, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, &PPOError{Kind: PPOEmptyBatch, Index: -1, Reason: "ppo loss"}
	}
	for i := range samples {
		if err := validateSample(i, &samples[i]); err != nil {
			return nil, err
		}
	}
	return computeLoss(samples, cfg)
}

// computeLoss assumes validated config and samples
func computeLoss(samples []PPOSample, cfg PPOConfig) (*PPOLossBreakdown, error) {
	n := len(samples)
	policy := make([]float64, n)
	value := make([]float64, n)
	entropy := make([]float64, n)
	kl := make([]float64, n)
	ratios := make([]float64, n)
	clippedCount := 0

	for i, sample := range samples {
		terms := ComputeSampleTerms(sample, cfg.ClipEpsilon)
		policy[i] = terms.PolicyLoss
		value[i] = terms.ValueLoss
		entropy[i] = terms.Entropy
		kl[i] = terms.ApproxKL
		ratios[i] = terms.Ratio
		if terms.Clipped {
			clippedCount++
		}
	}

	count := float64(n)
	breakdown := &PPOLossBreakdown{
		PolicyLoss:      floats.Sum(policy) / count,
		ValueLoss:       floats.Sum(value) / count,
		EntropyLoss:     floats.Sum(entropy) / count,
		ApproxKL:        floats.Sum(kl) / count,
		MeanRatio:       floats.Sum(ratios) / count,
		ClippedFraction: float64(clippedCount) / count,
		SampleCount:     n,
	}
	breakdown.TotalLoss = totalLoss(breakdown, cfg)

	if err := ensureFiniteLoss(breakdown); err != nil {
		return nil, err
	}
	return breakdown, nil
}

func totalLoss(b *PPOLossBreakdown, cfg PPOConfig) float64 {
	return b.PolicyLoss +
		cfg.ValueLossCoefficient*b.ValueLoss -
		cfg.EntropyCoefficient*b.EntropyLoss +
		cfg.KLPenaltyCoefficient*b.ApproxKL
}

func validateSample(index int, s *PPOSample) error {
	fields := []struct {
		name  string
		value float64
	}{
		{"old_log_prob", s.OldLogProb},
		{"new_log_prob", s.NewLogProb},
		{"advantage", s.Advantage},
		{"value_pred", s.ValuePred},
		{"value_target", s.ValueTarget},
	}
	for _, f := range fields {
		if !isFinite(f.value) {
			return &PPOError{Kind: PPONonFiniteSample, Field: f.name, Index: index}
		}
	}
	return nil
}

func ensureFiniteLoss(b *PPOLossBreakdown) error {
	fields := []struct {
		name  string
		value float64
	}{
		{"policy_loss", b.PolicyLoss},
		{"value_loss", b.ValueLoss},
		{"entropy_loss", b.EntropyLoss},
		{"approx_kl", b.ApproxKL},
		{"total_loss", b.TotalLoss},
		{"mean_ratio", b.MeanRatio},
		{"clipped_fraction", b.ClippedFraction},
	}
	for _, f := range fields {
		if !isFinite(f.value) {
			return &PPOError{Kind: PPONonFiniteLoss, Field: f.name, Index: -1}
		}
	}
	return nil
}
