package storage

import (
	"errors"
	"fmt"
)

// CheckpointErrorKind classifies checkpoint persistence failures
type CheckpointErrorKind string

const (
	CheckpointNotFound           CheckpointErrorKind = "not_found"
	CheckpointDecode             CheckpointErrorKind = "decode"
	CheckpointUnsupportedVersion CheckpointErrorKind = "unsupported_version"
	CheckpointInvalid            CheckpointErrorKind = "invalid"
	CheckpointIO                 CheckpointErrorKind = "io"
)

// CheckpointError is returned by every checkpoint store operation
type CheckpointError struct {
	Kind CheckpointErrorKind
	Path string
	// Found and Expected are set for CheckpointUnsupportedVersion
	Found    uint32
	Expected uint32
	Reason   string
	Err      error
}

func (e *CheckpointError) Error() string {
	var msg string
	switch e.Kind {
	case CheckpointUnsupportedVersion:
		msg = fmt.Sprintf("unsupported checkpoint schema_version %d; expected %d", e.Found, e.Expected)
	case CheckpointNotFound:
		msg = "checkpoint file not found"
	default:
		msg = e.Reason
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Path != "" {
		return fmt.Sprintf("checkpoint %s: %s", e.Path, msg)
	}
	return "checkpoint: " + msg
}

func (e *CheckpointError) Unwrap() error {
	return e.Err
}

// RollbackError reports that both the primary and the fallback checkpoint
// failed to load. It unwraps to the primary failure.
type RollbackError struct {
	Primary  error
	Fallback error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("primary checkpoint load failed: %v; fallback checkpoint load failed: %v", e.Primary, e.Fallback)
}

func (e *RollbackError) Unwrap() error {
	return e.Primary
}

// ErrorKind returns the checkpoint error kind carried by err, or "unknown"
func ErrorKind(err error) CheckpointErrorKind {
	var ckptErr *CheckpointError
	if errors.As(err, &ckptErr) {
		return ckptErr.Kind
	}
	return "unknown"
}

// LineageErrorKind classifies lineage resolution failures
type LineageErrorKind string

const (
	LineageDuplicateID   LineageErrorKind = "duplicate_id"
	LineageUnknownLeaf   LineageErrorKind = "unknown_leaf"
	LineageMissingParent LineageErrorKind = "missing_parent"
	LineageCycle         LineageErrorKind = "cycle"
)

// LineageError is a structural failure of a checkpoint record set
type LineageError struct {
	Kind LineageErrorKind
	ID   string
	// Child is the record that referenced a missing parent
	Child string
}

func (e *LineageError) Error() string {
	switch e.Kind {
	case LineageDuplicateID:
		return fmt.Sprintf("lineage: duplicate checkpoint id '%s'", e.ID)
	case LineageUnknownLeaf:
		return fmt.Sprintf("lineage: unknown leaf checkpoint id '%s'", e.ID)
	case LineageMissingParent:
		return fmt.Sprintf("lineage: checkpoint '%s' references missing parent '%s'", e.Child, e.ID)
	default:
		return fmt.Sprintf("lineage: cycle detected at checkpoint id '%s'", e.ID)
	}
}
