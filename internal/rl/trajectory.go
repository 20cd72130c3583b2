package rl

import "fmt"

// TrajectoryStep is one collected timestep of a rollout
type TrajectoryStep struct {
	Reward        float64 `json:"reward"`
	ValueEstimate float64 `json:"value_estimate"`
	Done          bool    `json:"done"`
}

// AdvantageBatch holds per-step advantages and returns derived from one trajectory
type AdvantageBatch struct {
	Advantages   []float64 `json:"advantages"`
	Returns      []float64 `json:"returns"`
	ValueTargets []float64 `json:"value_targets"`
	Normalized   bool      `json:"normalized"`
}

// Len returns the number of steps covered by the batch
func (b *AdvantageBatch) Len() int {
	return len(b.Advantages)
}

// Validate checks the parallel-sequence invariant
func (b *AdvantageBatch) Validate() error {
	if len(b.Advantages) != len(b.Returns) {
		return fmt.Errorf("advantage batch length mismatch: advantages=%d, returns=%d", len(b.Advantages), len(b.Returns))
	}
	if b.ValueTargets != nil && len(b.ValueTargets) != len(b.Advantages) {
		return fmt.Errorf("advantage batch length mismatch: advantages=%d, value_targets=%d", len(b.Advantages), len(b.ValueTargets))
	}
	return nil
}

// SplitTrajectory unpacks steps into the parallel slices used by ComputeGAE
func SplitTrajectory(steps []TrajectoryStep) (rewards, values []float64, dones []bool) {
	rewards = make([]float64, len(steps))
	values = make([]float64, len(steps))
	dones = make([]bool, len(steps))
	for i, step := range steps {
		rewards[i] = step.Reward
		values[i] = step.ValueEstimate
		dones[i] = step.Done
	}
	return rewards, values, dones
}

// BuildSamples joins an advantage batch with the policy log-probabilities of the
// same steps. valuePredictions may be nil, in which case the batch value targets
// (the value estimates at collection time) are used as predictions.
func BuildSamples(batch *AdvantageBatch, oldLogProbs, newLogProbs, valuePredictions []float64) ([]PPOSample, error) {
	if batch == nil {
		return nil, &PPOError{Kind: PPOInvalidInput, Index: -1, Reason: "advantage batch is nil"}
	}
	if err := batch.Validate(); err != nil {
		return nil, &PPOError{Kind: PPOInvalidInput, Index: -1, Reason: err.Error()}
	}

	n := batch.Len()
	if len(oldLogProbs) != n || len(newLogProbs) != n {
		return nil, &PPOError{
			Kind:  PPOInvalidInput,
			Index: -1,
			Reason: fmt.Sprintf("sample length mismatch: steps=%d, old_log_probs=%d, new_log_probs=%d",
				n, len(oldLogProbs), len(newLogProbs)),
		}
	}

	predictions := valuePredictions
	if predictions == nil {
		predictions = batch.ValueTargets
	}
	if len(predictions) != n {
		return nil, &PPOError{
			Kind:   PPOInvalidInput,
			Index:  -1,
			Reason: fmt.Sprintf("sample length mismatch: steps=%d, value_predictions=%d", n, len(predictions)),
		}
	}

	samples := make([]PPOSample, n)
	for i := 0; i < n; i++ {
		samples[i] = PPOSample{
			OldLogProb:  oldLogProbs[i],
			NewLogProb:  newLogProbs[i],
			Advantage:   batch.Advantages[i],
			ValuePred:   predictions[i],
			ValueTarget: batch.Returns[i],
		}
	}

	for i := range samples {
		if err := validateSample(i, &samples[i]); err != nil {
			return nil, err
		}
	}
	return samples, nil
}
