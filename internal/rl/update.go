package rl

import (
	"github.com/samber/lo"
	"gonum.org/v1/gonum/floats"
)

// EarlyStopReasonMaxKL is reported when the running mean KL crosses max_kl
const EarlyStopReasonMaxKL = "mean_kl_exceeded_max_kl"

// OptimizerStep groups gradient-accumulated minibatches into one optimizer update
type OptimizerStep struct {
	Index          int              `json:"index"`
	MinibatchCount int              `json:"minibatch_count"`
	SampleCount    int              `json:"sample_count"`
	Loss           PPOLossBreakdown `json:"loss"`
}

// PPOUpdateSummary aggregates the minibatch losses of one update call.
//
// MinibatchCount counts processed minibatches, not optimizer steps.
type PPOUpdateSummary struct {
	MinibatchCount     int                `json:"minibatch_count"`
	OptimizerStepCount int                `json:"optimizer_step_count"`
	EpochsCompleted    int                `json:"epochs_completed"`
	MeanPolicyLoss     float64            `json:"mean_policy_loss"`
	MeanValueLoss      float64            `json:"mean_value_loss"`
	MeanEntropyLoss    float64            `json:"mean_entropy_loss"`
	MeanTotalLoss      float64            `json:"mean_total_loss"`
	MeanApproxKL       float64            `json:"mean_approx_kl"`
	EarlyStopTriggered bool               `json:"early_stop_triggered"`
	EarlyStopReason    string             `json:"early_stop_reason,omitempty"`
	TargetKLExceeded   bool               `json:"target_kl_exceeded"`
	MinibatchLosses    []PPOLossBreakdown `json:"minibatch_losses"`
	OptimizerSteps     []OptimizerStep    `json:"optimizer_steps"`
}

// ComputePPOUpdate partitions samples into sequential minibatches, evaluates
// each one with the loss engine and folds the results into a summary.
//
// Minibatches are processed strictly in input order, epoch after epoch. After
// every minibatch the running mean approx KL is compared against max_kl; once
// it is exceeded the remaining minibatches are skipped.
func ComputePPOUpdate(samples []PPOSample, cfg PPOConfig) (*PPOUpdateSummary, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, &PPOError{Kind: PPOEmptyBatch, Index: -1, Reason: "ppo update"}
	}
	// A corrupted batch fails as a whole, before any minibatch is evaluated.
	for i := range samples {
		if err := validateSample(i, &samples[i]); err != nil {
			return nil, err
		}
	}

	minibatches := lo.Chunk(samples, cfg.MinibatchSize)

	summary := &PPOUpdateSummary{
		MinibatchLosses: make([]PPOLossBreakdown, 0, len(minibatches)*cfg.Epochs),
		OptimizerSteps:  make([]OptimizerStep, 0),
	}
	sampleCounts := make([]int, 0, cap(summary.MinibatchLosses))
	klValues := make([]float64, 0, cap(summary.MinibatchLosses))

epochs:
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		for _, minibatch := range minibatches {
			loss, err := computeLoss(minibatch, cfg)
			if err != nil {
				return nil, err
			}
			summary.MinibatchLosses = append(summary.MinibatchLosses, *loss)
			sampleCounts = append(sampleCounts, len(minibatch))
			klValues = append(klValues, loss.ApproxKL)

			runningKL := floats.Sum(klValues) / float64(len(klValues))
			if cfg.MaxKL != nil && runningKL > *cfg.MaxKL {
				summary.EarlyStopTriggered = true
				summary.EarlyStopReason = EarlyStopReasonMaxKL
				break epochs
			}
		}
		summary.EpochsCompleted++
	}

	summary.MinibatchCount = len(summary.MinibatchLosses)
	for index, group := range lo.Chunk(lo.Range(summary.MinibatchCount), cfg.GradientAccumulationSteps) {
		losses := make([]PPOLossBreakdown, len(group))
		count := 0
		for i, mb := range group {
			losses[i] = summary.MinibatchLosses[mb]
			count += sampleCounts[mb]
		}
		summary.OptimizerSteps = append(summary.OptimizerSteps, OptimizerStep{
			Index:          index,
			MinibatchCount: len(group),
			SampleCount:    count,
			Loss:           meanLoss(losses),
		})
	}
	summary.OptimizerStepCount = len(summary.OptimizerSteps)

	mean := meanLoss(summary.MinibatchLosses)
	summary.MeanPolicyLoss = mean.PolicyLoss
	summary.MeanValueLoss = mean.ValueLoss
	summary.MeanEntropyLoss = mean.EntropyLoss
	summary.MeanTotalLoss = mean.TotalLoss
	summary.MeanApproxKL = mean.ApproxKL
	if cfg.TargetKL != nil && summary.MeanApproxKL > *cfg.TargetKL {
		summary.TargetKLExceeded = true
	}

	if err := ensureFiniteLoss(&mean); err != nil {
		return nil, err
	}
	return summary, nil
}

// meanLoss weights every minibatch equally, regardless of its sample count
func meanLoss(losses []PPOLossBreakdown) PPOLossBreakdown {
	pick := func(f func(PPOLossBreakdown) float64) float64 {
		return floats.Sum(lo.Map(losses, func(l PPOLossBreakdown, _ int) float64 { return f(l) })) / float64(len(losses))
	}
	return PPOLossBreakdown{
		PolicyLoss:      pick(func(l PPOLossBreakdown) float64 { return l.PolicyLoss }),
		ValueLoss:       pick(func(l PPOLossBreakdown) float64 { return l.ValueLoss }),
		EntropyLoss:     pick(func(l PPOLossBreakdown) float64 { return l.EntropyLoss }),
		ApproxKL:        pick(func(l PPOLossBreakdown) float64 { return l.ApproxKL }),
		TotalLoss:       pick(func(l PPOLossBreakdown) float64 { return l.TotalLoss }),
		MeanRatio:       pick(func(l PPOLossBreakdown) float64 { return l.MeanRatio }),
		ClippedFraction: pick(func(l PPOLossBreakdown) float64 { return l.ClippedFraction }),
		SampleCount:     lo.SumBy(losses, func(l PPOLossBreakdown) int { return l.SampleCount }),
	}
}
