package rl

import (
	"errors"
	"math"
	"reflect"
	"testing"
)

// klSamples builds one sample per entry whose approx KL equals the entry.
func klSamples(kls ...float64) []PPOSample {
	samples := make([]PPOSample, len(kls))
	for i, kl := range kls {
		samples[i] = PPOSample{OldLogProb: 0, NewLogProb: -kl, Advantage: 0.5, ValuePred: 0.1, ValueTarget: 0.2}
	}
	return samples
}

func updateSamples(n int) []PPOSample {
	samples := make([]PPOSample, n)
	for i := range samples {
		f := float64(i)
		samples[i] = PPOSample{
			OldLogProb:  -0.5 - 0.1*f,
			NewLogProb:  -0.45 - 0.12*f,
			Advantage:   0.3*f - 0.4,
			ValuePred:   0.2 * f,
			ValueTarget: 0.25*f + 0.1,
		}
	}
	return samples
}

func TestComputePPOUpdatePartitionsSequentially(t *testing.T) {
	cfg := DefaultPPOConfig()
	cfg.MinibatchSize = 2
	samples := updateSamples(5)

	summary, err := ComputePPOUpdate(samples, cfg)
	if err != nil {
		t.Fatalf("ComputePPOUpdate: %v", err)
	}
	if summary.MinibatchCount != 3 {
		t.Fatalf("minibatch_count = %d, want 3", summary.MinibatchCount)
	}
	wantSizes := []int{2, 2, 1}
	for i, loss := range summary.MinibatchLosses {
		if loss.SampleCount != wantSizes[i] {
			t.Fatalf("minibatch %d has %d samples, want %d", i, loss.SampleCount, wantSizes[i])
		}
	}
	if summary.EarlyStopTriggered || summary.EarlyStopReason != "" {
		t.Fatalf("unexpected early stop: %+v", summary)
	}
	if summary.EpochsCompleted != 1 {
		t.Fatalf("epochs_completed = %d, want 1", summary.EpochsCompleted)
	}

	// Each minibatch must equal the loss engine applied to the same slice.
	for i, bounds := range [][2]int{{0, 2}, {2, 4}, {4, 5}} {
		want, err := ComputePPOLoss(samples[bounds[0]:bounds[1]], cfg)
		if err != nil {
			t.Fatalf("ComputePPOLoss: %v", err)
		}
		if !reflect.DeepEqual(*want, summary.MinibatchLosses[i]) {
			t.Fatalf("minibatch %d: got %+v, want %+v", i, summary.MinibatchLosses[i], *want)
		}
	}

	var policy, kl float64
	for _, loss := range summary.MinibatchLosses {
		policy += loss.PolicyLoss
		kl += loss.ApproxKL
	}
	assertClose(t, "mean_policy_loss", summary.MeanPolicyLoss, policy/3, 1e-12)
	assertClose(t, "mean_approx_kl", summary.MeanApproxKL, kl/3, 1e-12)
}

func TestComputePPOUpdateIsDeterministic(t *testing.T) {
	cfg := DefaultPPOConfig()
	cfg.MinibatchSize = 3
	cfg.Epochs = 2
	samples := updateSamples(7)

	first, err := ComputePPOUpdate(samples, cfg)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := ComputePPOUpdate(samples, cfg)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("repeated runs differ:\n%+v\n%+v", first, second)
	}
}

func TestComputePPOUpdateGroupsOptimizerSteps(t *testing.T) {
	cfg := DefaultPPOConfig()
	cfg.MinibatchSize = 2
	cfg.GradientAccumulationSteps = 2

	summary, err := ComputePPOUpdate(updateSamples(5), cfg)
	if err != nil {
		t.Fatalf("ComputePPOUpdate: %v", err)
	}
	if summary.MinibatchCount != 3 {
		t.Fatalf("minibatch_count = %d, want 3", summary.MinibatchCount)
	}
	if summary.OptimizerStepCount != 2 {
		t.Fatalf("optimizer_step_count = %d, want 2", summary.OptimizerStepCount)
	}
	wantMinibatches := []int{2, 1}
	wantSamples := []int{4, 1}
	for i, step := range summary.OptimizerSteps {
		if step.Index != i || step.MinibatchCount != wantMinibatches[i] || step.SampleCount != wantSamples[i] {
			t.Fatalf("optimizer step %d: %+v", i, step)
		}
	}
	assertClose(t, "step 1 loss", summary.OptimizerSteps[1].Loss.TotalLoss, summary.MinibatchLosses[2].TotalLoss, 1e-15)
}

func TestComputePPOUpdateStopsOnFirstMinibatch(t *testing.T) {
	cfg := DefaultPPOConfig()
	cfg.MinibatchSize = 2
	cfg.MaxKL = float64Ptr(0.1)

	summary, err := ComputePPOUpdate(klSamples(0.5, 0.5, 0, 0, 0, 0), cfg)
	if err != nil {
		t.Fatalf("ComputePPOUpdate: %v", err)
	}
	if !summary.EarlyStopTriggered || summary.EarlyStopReason != EarlyStopReasonMaxKL {
		t.Fatalf("expected early stop, got %+v", summary)
	}
	if summary.MinibatchCount != 1 {
		t.Fatalf("minibatch_count = %d, want 1", summary.MinibatchCount)
	}
	if summary.EpochsCompleted != 0 {
		t.Fatalf("epochs_completed = %d, want 0", summary.EpochsCompleted)
	}
}

func TestComputePPOUpdateUsesRunningMeanKL(t *testing.T) {
	cfg := DefaultPPOConfig()
	cfg.MinibatchSize = 1
	cfg.MaxKL = float64Ptr(0.2)

	// Running means: 0, 0.25 -> stop before the third minibatch.
	summary, err := ComputePPOUpdate(klSamples(0, 0.5, 0), cfg)
	if err != nil {
		t.Fatalf("ComputePPOUpdate: %v", err)
	}
	if !summary.EarlyStopTriggered || summary.MinibatchCount != 2 {
		t.Fatalf("expected stop after 2 minibatches, got %d (triggered=%v)", summary.MinibatchCount, summary.EarlyStopTriggered)
	}
	assertClose(t, "mean_approx_kl", summary.MeanApproxKL, 0.25, 1e-12)
}

func TestComputePPOUpdateKLAtThresholdContinues(t *testing.T) {
	cfg := DefaultPPOConfig()
	cfg.MinibatchSize = 2
	cfg.MaxKL = float64Ptr(0.2)

	summary, err := ComputePPOUpdate(klSamples(0.2, 0.2, 0.2, 0.2), cfg)
	if err != nil {
		t.Fatalf("ComputePPOUpdate: %v", err)
	}
	if summary.EarlyStopTriggered || summary.MinibatchCount != 2 {
		t.Fatalf("KL equal to max_kl must not stop: %+v", summary)
	}
}

func TestComputePPOUpdateWithoutMaxKLNeverStops(t *testing.T) {
	cfg := DefaultPPOConfig()
	cfg.MinibatchSize = 1

	summary, err := ComputePPOUpdate(klSamples(5, 5, 5), cfg)
	if err != nil {
		t.Fatalf("ComputePPOUpdate: %v", err)
	}
	if summary.EarlyStopTriggered || summary.MinibatchCount != 3 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestComputePPOUpdateRepeatsEpochs(t *testing.T) {
	cfg := DefaultPPOConfig()
	cfg.MinibatchSize = 2
	cfg.Epochs = 2

	summary, err := ComputePPOUpdate(updateSamples(5), cfg)
	if err != nil {
		t.Fatalf("ComputePPOUpdate: %v", err)
	}
	if summary.MinibatchCount != 6 || summary.EpochsCompleted != 2 {
		t.Fatalf("minibatch_count = %d epochs_completed = %d, want 6 and 2", summary.MinibatchCount, summary.EpochsCompleted)
	}
	if !reflect.DeepEqual(summary.MinibatchLosses[:3], summary.MinibatchLosses[3:]) {
		t.Fatalf("second epoch must replay the first over fixed samples")
	}
}

func TestComputePPOUpdateFlagsTargetKL(t *testing.T) {
	cfg := DefaultPPOConfig()
	cfg.MinibatchSize = 2
	cfg.TargetKL = float64Ptr(0.05)
	cfg.MaxKL = float64Ptr(1.0)

	summary, err := ComputePPOUpdate(klSamples(0.1, 0.1), cfg)
	if err != nil {
		t.Fatalf("ComputePPOUpdate: %v", err)
	}
	if !summary.TargetKLExceeded || summary.EarlyStopTriggered {
		t.Fatalf("expected target_kl flag without early stop: %+v", summary)
	}
}

func TestComputePPOUpdateRejectsBadInput(t *testing.T) {
	samples := updateSamples(4)
	samples[3].ValueTarget = math.Inf(1)

	_, err := ComputePPOUpdate(samples, DefaultPPOConfig())
	var ppoErr *PPOError
	if !errors.As(err, &ppoErr) || ppoErr.Kind != PPONonFiniteSample || ppoErr.Index != 3 || ppoErr.Field != "value_target" {
		t.Fatalf("expected non-finite value_target at 3, got %v", err)
	}

	cfg := DefaultPPOConfig()
	cfg.MinibatchSize = 0
	_, err = ComputePPOUpdate(updateSamples(4), cfg)
	if !errors.As(err, &ppoErr) || ppoErr.Kind != PPOInvalidConfig || ppoErr.Field != "minibatch_size" {
		t.Fatalf("expected invalid minibatch_size, got %v", err)
	}

	_, err = ComputePPOUpdate([]PPOSample{}, DefaultPPOConfig())
	if !errors.As(err, &ppoErr) || ppoErr.Kind != PPOEmptyBatch {
		t.Fatalf("expected empty batch, got %v", err)
	}
}
