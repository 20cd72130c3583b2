package trainer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"policy-optimizer/internal/rl"
	"policy-optimizer/pkg/config"
	"policy-optimizer/pkg/logger"
	"policy-optimizer/pkg/metrics"
	"policy-optimizer/pkg/storage"

	"github.com/sirupsen/logrus"
)

// Metadata keys written on every pipeline checkpoint
const (
	MetadataIteration     = "iteration"
	MetadataEnvSteps      = "env_steps"
	MetadataOptimizerStep = "optimizer_step"
	MetadataMeanTotalLoss = "mean_total_loss"
	MetadataMeanApproxKL  = "mean_approx_kl"
	MetadataEarlyStop     = "early_stop_reason"
)

// ErrCheckpointingDisabled is returned by resume calls on a pipeline without a store
var ErrCheckpointingDisabled = errors.New("checkpointing is disabled")

// IterationInput is one rollout plus the policy outputs needed to score it
type IterationInput struct {
	Trajectory       []rl.TrajectoryStep `json:"trajectory"`
	OldLogProbs      []float64           `json:"old_log_probs"`
	NewLogProbs      []float64           `json:"new_log_probs"`
	ValuePredictions []float64           `json:"value_predictions,omitempty"`
	PolicyState      []byte              `json:"policy_state,omitempty"`
	OptimizerState   []byte              `json:"optimizer_state,omitempty"`
}

// IterationResult reports what one training iteration produced
type IterationResult struct {
	Iteration uint64 `json:"iteration"`
	EnvSteps  uint64 `json:"env_steps"`
	// OptimizerSteps counts optimizer steps across all iterations of the run
	OptimizerSteps uint64                    `json:"optimizer_steps"`
	Advantages     *rl.AdvantageBatch        `json:"advantages"`
	Update         *rl.PPOUpdateSummary      `json:"update"`
	Checkpoint     *storage.CheckpointHandle `json:"checkpoint,omitempty"`
}

// Pipeline runs trajectory -> GAE -> samples -> PPO update -> checkpoint.
// Iterations are serialized; the stateless compute calls may run concurrently.
type Pipeline struct {
	cfgMu     sync.RWMutex
	gae       rl.GAEConfig
	ppo       rl.PPOConfig
	saveEvery uint64

	runMu            sync.Mutex
	iteration        uint64
	envSteps         uint64
	optimizerSteps   uint64
	lastCheckpointID string

	store   *storage.CheckpointStore
	metrics *metrics.TrainingMetrics
	log     *logrus.Entry
}

// NewPipeline builds a pipeline from configuration. store may be nil, in
// which case iterations are never checkpointed.
func NewPipeline(cfg *config.Config, store *storage.CheckpointStore, m *metrics.TrainingMetrics) *Pipeline {
	p := &Pipeline{
		store:   store,
		metrics: m,
		log:     logger.WithComponent("trainer"),
	}
	p.UpdateConfig(cfg)
	return p
}

// GAEConfigFrom maps the file configuration onto the estimator's config
func GAEConfigFrom(c config.GAEConfig) rl.GAEConfig {
	out := rl.GAEConfig{
		Gamma:                c.Gamma,
		Lambda:               c.Lambda,
		NormalizeAdvantages:  c.NormalizeAdvantages,
		NormalizeReturns:     c.NormalizeReturns,
		BootstrapValue:       c.BootstrapValue,
		NormalizationEpsilon: c.NormalizationEpsilon,
	}
	if c.ClipAdvantages.Enabled {
		out.ClipAdvantages = &rl.ClipRange{Min: c.ClipAdvantages.Min, Max: c.ClipAdvantages.Max}
	}
	if c.ClipReturns.Enabled {
		out.ClipReturns = &rl.ClipRange{Min: c.ClipReturns.Min, Max: c.ClipReturns.Max}
	}
	return out
}

// PPOConfigFrom maps the file configuration onto the loss engine's config
func PPOConfigFrom(c config.PPOConfig) rl.PPOConfig {
	out := rl.PPOConfig{
		ClipEpsilon:               c.ClipEpsilon,
		ValueLossCoefficient:      c.ValueLossCoefficient,
		EntropyCoefficient:        c.EntropyCoefficient,
		KLPenaltyCoefficient:      c.KLPenaltyCoefficient,
		MinibatchSize:             c.MinibatchSize,
		GradientAccumulationSteps: c.GradientAccumulationSteps,
		Epochs:                    c.Epochs,
	}
	if c.TargetKL != nil {
		v := *c.TargetKL
		out.TargetKL = &v
	}
	if c.MaxKL != nil {
		v := *c.MaxKL
		out.MaxKL = &v
	}
	return out
}

// UpdateConfig swaps the hyperparameters used by subsequent calls
func (p *Pipeline) UpdateConfig(cfg *config.Config) {
	p.cfgMu.Lock()
	defer p.cfgMu.Unlock()
	p.gae = GAEConfigFrom(cfg.GAE)
	p.ppo = PPOConfigFrom(cfg.PPO)
	p.saveEvery = uint64(cfg.Checkpoint.SaveEvery)
	if p.saveEvery == 0 {
		p.saveEvery = 1
	}
}

// GAEConfig returns the active estimator configuration
func (p *Pipeline) GAEConfig() rl.GAEConfig {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()
	return p.gae
}

// PPOConfig returns the active loss configuration
func (p *Pipeline) PPOConfig() rl.PPOConfig {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()
	return p.ppo
}

// Store returns the checkpoint store, nil when checkpointing is off
func (p *Pipeline) Store() *storage.CheckpointStore {
	return p.store
}

// ComputeAdvantages runs GAE over steps. A nil override uses the active config.
func (p *Pipeline) ComputeAdvantages(ctx context.Context, steps []rl.TrajectoryStep, override *rl.GAEConfig) (*rl.AdvantageBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := p.GAEConfig()
	if override != nil {
		cfg = *override
	}
	batch, err := rl.ComputeGAEFromTrajectory(steps, cfg)
	if err != nil {
		return nil, err
	}
	p.metrics.RecordAdvantageBatch(batch.Len())
	return batch, nil
}

// ComputeLoss evaluates the PPO loss over samples. A nil override uses the active config.
func (p *Pipeline) ComputeLoss(ctx context.Context, samples []rl.PPOSample, override *rl.PPOConfig) (*rl.PPOLossBreakdown, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := p.PPOConfig()
	if override != nil {
		cfg = *override
	}
	return rl.ComputePPOLoss(samples, cfg)
}

// ComputeUpdate aggregates a PPO update over samples. A nil override uses the active config.
func (p *Pipeline) ComputeUpdate(ctx context.Context, samples []rl.PPOSample, override *rl.PPOConfig) (*rl.PPOUpdateSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := p.PPOConfig()
	if override != nil {
		cfg = *override
	}
	summary, err := rl.ComputePPOUpdate(samples, cfg)
	if err != nil {
		return nil, err
	}
	p.metrics.RecordUpdate(summary.MinibatchCount, summary.OptimizerStepCount, summary.MeanTotalLoss, summary.MeanApproxKL, summary.EarlyStopReason)
	return summary, nil
}

// RunIteration executes one full training iteration. The iteration counter
// only advances when every stage succeeds; a checkpoint is written every
// checkpoint.save_every iterations and linked to the previous one.
func (p *Pipeline) RunIteration(ctx context.Context, in *IterationInput) (*IterationResult, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	batch, err := p.ComputeAdvantages(ctx, in.Trajectory, nil)
	if err != nil {
		return nil, fmt.Errorf("advantage estimation failed: %w", err)
	}

	samples, err := rl.BuildSamples(batch, in.OldLogProbs, in.NewLogProbs, in.ValuePredictions)
	if err != nil {
		return nil, fmt.Errorf("sample assembly failed: %w", err)
	}

	summary, err := p.ComputeUpdate(ctx, samples, nil)
	if err != nil {
		return nil, fmt.Errorf("ppo update failed: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	iteration := p.iteration + 1
	envSteps := p.envSteps + uint64(len(in.Trajectory))
	optimizerSteps := p.optimizerSteps + uint64(summary.OptimizerStepCount)
	result := &IterationResult{
		Iteration:      iteration,
		EnvSteps:       envSteps,
		OptimizerSteps: optimizerSteps,
		Advantages: batch,
		Update:     summary,
	}

	p.cfgMu.RLock()
	saveEvery := p.saveEvery
	p.cfgMu.RUnlock()

	if p.store != nil && iteration%saveEvery == 0 {
		metadata := map[string]string{
			MetadataIteration:     strconv.FormatUint(iteration, 10),
			MetadataEnvSteps:      strconv.FormatUint(envSteps, 10),
			MetadataOptimizerStep: strconv.FormatUint(optimizerSteps, 10),
			MetadataMeanTotalLoss: strconv.FormatFloat(summary.MeanTotalLoss, 'g', -1, 64),
			MetadataMeanApproxKL:  strconv.FormatFloat(summary.MeanApproxKL, 'g', -1, 64),
		}
		if summary.EarlyStopReason != "" {
			metadata[MetadataEarlyStop] = summary.EarlyStopReason
		}
		if p.lastCheckpointID != "" {
			metadata[storage.ParentCheckpointIDKey] = p.lastCheckpointID
		}

		handle, err := p.store.SaveCheckpoint(in.PolicyState, in.OptimizerState, iteration, metadata)
		if err != nil {
			return nil, fmt.Errorf("checkpoint save failed: %w", err)
		}
		p.lastCheckpointID = handle.ID
		result.Checkpoint = handle
	}

	p.iteration = iteration
	p.envSteps = envSteps
	p.optimizerSteps = optimizerSteps

	p.log.WithFields(logrus.Fields{
		"iteration":       iteration,
		"env_steps":       envSteps,
		"optimizer_steps": optimizerSteps,
		"minibatch_count": summary.MinibatchCount,
		"mean_total_loss": summary.MeanTotalLoss,
		"mean_approx_kl":  summary.MeanApproxKL,
		"early_stop":      summary.EarlyStopTriggered,
		"checkpointed":    result.Checkpoint != nil,
	}).Info("Training iteration completed")

	return result, nil
}

// Resume restores the iteration counters from the newest readable checkpoint,
// rolling back to the previous one when the newest is unusable
func (p *Pipeline) Resume() (*storage.PolicyCheckpoint, *storage.ResumeDiagnostics, error) {
	if p.store == nil {
		return nil, nil, ErrCheckpointingDisabled
	}

	p.runMu.Lock()
	defer p.runMu.Unlock()

	checkpoint, diagnostics, err := p.store.ResumeLatest()
	if err != nil {
		return nil, nil, err
	}
	p.restoreFrom(checkpoint)

	p.log.WithFields(logrus.Fields{
		"checkpoint_id": checkpoint.CheckpointID,
		"source":        diagnostics.Source,
		"iteration":     p.iteration,
	}).Info("Pipeline resumed from checkpoint")

	return checkpoint, diagnostics, nil
}

// ResumeFrom restores counters from an explicit primary/fallback pair
func (p *Pipeline) ResumeFrom(primaryPath, fallbackPath string) (*storage.PolicyCheckpoint, *storage.ResumeDiagnostics, error) {
	if p.store == nil {
		return nil, nil, ErrCheckpointingDisabled
	}

	p.runMu.Lock()
	defer p.runMu.Unlock()

	checkpoint, diagnostics, err := p.store.ResumeWithRollback(primaryPath, fallbackPath)
	if err != nil {
		return nil, nil, err
	}
	p.restoreFrom(checkpoint)
	return checkpoint, diagnostics, nil
}

// Progress returns the iteration counters and the id new checkpoints will link to
func (p *Pipeline) Progress() (iteration, envSteps uint64, lastCheckpointID string) {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	return p.iteration, p.envSteps, p.lastCheckpointID
}

// OptimizerSteps returns the optimizer steps taken across the run, including
// those restored from a checkpoint
func (p *Pipeline) OptimizerSteps() uint64 {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	return p.optimizerSteps
}

// restoreFrom expects runMu to be held. Counters missing from older
// checkpoints restart at zero.
func (p *Pipeline) restoreFrom(checkpoint *storage.PolicyCheckpoint) {
	p.iteration = checkpoint.Step
	p.envSteps = metadataCounter(checkpoint.Metadata, MetadataEnvSteps)
	p.optimizerSteps = metadataCounter(checkpoint.Metadata, MetadataOptimizerStep)
	p.lastCheckpointID = checkpoint.CheckpointID
}

func metadataCounter(metadata map[string]string, key string) uint64 {
	v, err := strconv.ParseUint(metadata[key], 10, 64)
	if err != nil {
		return 0
	}
	return v
}
