package rl

import "fmt"

// GAEErrorKind classifies advantage estimation failures
type GAEErrorKind string

const (
	GAEInvalidInput    GAEErrorKind = "invalid_input"
	GAEInvalidConfig   GAEErrorKind = "invalid_config"
	GAENonFiniteResult GAEErrorKind = "non_finite_result"
)

// GAEError is returned by the advantage estimator
type GAEError struct {
	Kind   GAEErrorKind
	Field  string
	Index  int
	Reason string
}

func (e *GAEError) Error() string {
	switch e.Kind {
	case GAEInvalidConfig:
		return fmt.Sprintf("gae: invalid config field '%s': %s", e.Field, e.Reason)
	case GAENonFiniteResult:
		return fmt.Sprintf("gae: non-finite result in '%s' at index %d", e.Field, e.Index)
	default:
		return fmt.Sprintf("gae: invalid input: %s", e.Reason)
	}
}

func invalidGAEInput(format string, args ...interface{}) *GAEError {
	return &GAEError{Kind: GAEInvalidInput, Index: -1, Reason: fmt.Sprintf(format, args...)}
}

func invalidGAEConfig(field, reason string) *GAEError {
	return &GAEError{Kind: GAEInvalidConfig, Field: field, Index: -1, Reason: reason}
}

// PPOErrorKind classifies PPO loss and update failures
type PPOErrorKind string

const (
	PPOInvalidConfig   PPOErrorKind = "invalid_config"
	PPOEmptyBatch      PPOErrorKind = "empty_batch"
	PPONonFiniteSample PPOErrorKind = "non_finite_sample"
	PPONonFiniteLoss   PPOErrorKind = "non_finite_loss"
	PPOInvalidInput    PPOErrorKind = "invalid_input"
)

// PPOError is returned by the loss engine and the update aggregator
type PPOError struct {
	Kind   PPOErrorKind
	Field  string
	Index  int
	Reason string
}

func (e *PPOError) Error() string {
	switch e.Kind {
	case PPOInvalidConfig:
		return fmt.Sprintf("ppo: invalid config field '%s': %s", e.Field, e.Reason)
	case PPOEmptyBatch:
		return fmt.Sprintf("ppo: %s requires at least one sample", e.Reason)
	case PPONonFiniteSample:
		return fmt.Sprintf("ppo: non-finite sample field '%s' at index %d", e.Field, e.Index)
	case PPONonFiniteLoss:
		return fmt.Sprintf("ppo: non-finite loss field '%s'", e.Field)
	default:
		return fmt.Sprintf("ppo: invalid input: %s", e.Reason)
	}
}

func invalidPPOConfig(field, format string, args ...interface{}) *PPOError {
	return &PPOError{Kind: PPOInvalidConfig, Field: field, Index: -1, Reason: fmt.Sprintf(format, args...)}
}

func formatRange(rule string, found float64) string {
	return fmt.Sprintf("%s, found %v", rule, found)
}
