package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"policy-optimizer/pkg/logger"
	"policy-optimizer/pkg/metrics"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// CheckpointSchemaVersion is the only payload version the store reads and writes
const CheckpointSchemaVersion uint32 = 1

const checkpointExt = ".json"

// PolicyCheckpoint is the persisted policy/optimizer state at one training step.
// Policy and optimizer state are opaque to the store and roundtrip byte for byte.
type PolicyCheckpoint struct {
	SchemaVersion      uint32            `json:"schema_version"`
	CheckpointID       string            `json:"checkpoint_id"`
	Step               uint64            `json:"step"`
	SavedAtUnixSeconds int64             `json:"saved_at_unix_seconds"`
	PolicyState        []byte            `json:"policy_state"`
	OptimizerState     []byte            `json:"optimizer_state"`
	Metadata           map[string]string `json:"metadata"`
}

// Record returns the lineage view of the checkpoint
func (c *PolicyCheckpoint) Record() CheckpointRecord {
	return CheckpointRecord{ID: c.CheckpointID, Metadata: c.Metadata}
}

// CheckpointHandle identifies a checkpoint that was written to disk
type CheckpointHandle struct {
	ID                 string `json:"id"`
	Path               string `json:"path"`
	Step               uint64 `json:"step"`
	SavedAtUnixSeconds int64  `json:"saved_at_unix_seconds"`
	SizeBytes          int    `json:"size_bytes"`
}

// CheckpointEntry is a readable checkpoint found by ListCheckpoints
type CheckpointEntry struct {
	Path               string            `json:"path"`
	ID                 string            `json:"id"`
	Step               uint64            `json:"step"`
	SavedAtUnixSeconds int64             `json:"saved_at_unix_seconds"`
	Metadata           map[string]string `json:"metadata"`
}

// Record returns the lineage view of the entry
func (e CheckpointEntry) Record() CheckpointRecord {
	return CheckpointRecord{ID: e.ID, Metadata: e.Metadata}
}

// ResumeSource tells which checkpoint a resume was served from
type ResumeSource string

const (
	ResumePrimary  ResumeSource = "primary"
	ResumeFallback ResumeSource = "fallback"
)

// ResumeDiagnostics describes how a resume was resolved
type ResumeDiagnostics struct {
	Source           ResumeSource        `json:"source"`
	PrimaryPath      string              `json:"primary_path"`
	FallbackPath     string              `json:"fallback_path,omitempty"`
	PrimaryErrorKind CheckpointErrorKind `json:"primary_error_kind,omitempty"`
	PrimaryError     string              `json:"primary_error,omitempty"`
}

// checkpointFile mirrors PolicyCheckpoint with presence tracking for required fields
type checkpointFile struct {
	SchemaVersion      *uint32           `json:"schema_version"`
	CheckpointID       string            `json:"checkpoint_id"`
	Step               *uint64           `json:"step"`
	SavedAtUnixSeconds int64             `json:"saved_at_unix_seconds"`
	PolicyState        []byte            `json:"policy_state"`
	OptimizerState     []byte            `json:"optimizer_state"`
	Metadata           map[string]string `json:"metadata"`
}

// CheckpointStore persists policy checkpoints as <dir>/<step>.json.
// Writes within one store are serialized; concurrent writers from other
// processes to the same directory are not supported.
type CheckpointStore struct {
	dir     string
	mutex   sync.Mutex
	metrics *metrics.TrainingMetrics
	now     func() time.Time
	log     *logrus.Entry
}

// NewCheckpointStore creates the checkpoint directory if needed
func NewCheckpointStore(dir string, m *metrics.TrainingMetrics) (*CheckpointStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, &CheckpointError{Kind: CheckpointInvalid, Reason: "checkpoint directory must not be empty"}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &CheckpointError{Kind: CheckpointIO, Path: dir, Reason: "failed to create checkpoint directory", Err: err}
	}
	return &CheckpointStore{
		dir:     dir,
		metrics: m,
		now:     time.Now,
		log:     logger.WithComponent("checkpoint_store").WithField("dir", dir),
	}, nil
}

// Dir returns the checkpoint directory
func (s *CheckpointStore) Dir() string {
	return s.dir
}

// PathForStep returns the canonical path of the checkpoint for step
func (s *CheckpointStore) PathForStep(step uint64) string {
	return filepath.Join(s.dir, strconv.FormatUint(step, 10)+checkpointExt)
}

// SaveCheckpoint writes a new checkpoint for step. The payload goes to a
// temporary file in the same directory which is then renamed over the
// canonical path, so readers see either the previous file or the new one.
func (s *CheckpointStore) SaveCheckpoint(policyState, optimizerState []byte, step uint64, metadata map[string]string) (*CheckpointHandle, error) {
	start := time.Now()

	checkpoint := &PolicyCheckpoint{
		SchemaVersion:      CheckpointSchemaVersion,
		CheckpointID:       "ckpt-" + uuid.NewString(),
		Step:               step,
		SavedAtUnixSeconds: s.now().Unix(),
		PolicyState:        policyState,
		OptimizerState:     optimizerState,
		Metadata:           lo.Assign(map[string]string{}, metadata),
	}
	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return nil, s.fail("save", &CheckpointError{Kind: CheckpointInvalid, Reason: "failed to encode checkpoint", Err: err})
	}

	path := s.PathForStep(step)

	s.mutex.Lock()
	err = writeFileAtomic(path, data)
	s.mutex.Unlock()
	if err != nil {
		return nil, s.fail("save", &CheckpointError{Kind: CheckpointIO, Path: path, Reason: "failed to write checkpoint", Err: err})
	}

	elapsed := time.Since(start)
	s.metrics.RecordCheckpointSave(step, elapsed)
	s.log.WithFields(logrus.Fields{
		"checkpoint_id": checkpoint.CheckpointID,
		"step":          step,
		"parent":        checkpoint.Metadata[ParentCheckpointIDKey],
		"bytes":         len(data),
		"duration":      elapsed,
	}).Info("Checkpoint saved")

	return &CheckpointHandle{
		ID:                 checkpoint.CheckpointID,
		Path:               path,
		Step:               step,
		SavedAtUnixSeconds: checkpoint.SavedAtUnixSeconds,
		SizeBytes:          len(data),
	}, nil
}

// LoadCheckpoint reads and validates the checkpoint at path
func (s *CheckpointStore) LoadCheckpoint(path string) (*PolicyCheckpoint, error) {
	checkpoint, err := readCheckpoint(path)
	if err != nil {
		return nil, s.fail("load", err)
	}
	s.log.WithFields(logrus.Fields{
		"checkpoint_id": checkpoint.CheckpointID,
		"step":          checkpoint.Step,
		"path":          path,
	}).Debug("Checkpoint loaded")
	return checkpoint, nil
}

// ResumeWithRollback loads primaryPath and falls back to fallbackPath on any
// primary failure. When both fail the returned *RollbackError unwraps to the
// primary failure.
func (s *CheckpointStore) ResumeWithRollback(primaryPath, fallbackPath string) (*PolicyCheckpoint, *ResumeDiagnostics, error) {
	diagnostics := &ResumeDiagnostics{
		Source:       ResumePrimary,
		PrimaryPath:  primaryPath,
		FallbackPath: fallbackPath,
	}

	checkpoint, primaryErr := readCheckpoint(primaryPath)
	if primaryErr == nil {
		s.metrics.RecordCheckpointLoad(string(ResumePrimary))
		s.log.WithFields(logrus.Fields{
			"checkpoint_id": checkpoint.CheckpointID,
			"step":          checkpoint.Step,
		}).Info("Resumed from primary checkpoint")
		return checkpoint, diagnostics, nil
	}

	s.log.WithError(primaryErr).WithField("path", primaryPath).Warn("Primary checkpoint unusable, trying fallback")

	checkpoint, fallbackErr := readCheckpoint(fallbackPath)
	if fallbackErr != nil {
		s.metrics.RecordCheckpointFailure("resume", string(ErrorKind(primaryErr)))
		err := &RollbackError{Primary: primaryErr, Fallback: fallbackErr}
		s.log.WithError(err).Error("Checkpoint resume failed")
		return nil, nil, err
	}

	diagnostics.Source = ResumeFallback
	diagnostics.PrimaryErrorKind = ErrorKind(primaryErr)
	diagnostics.PrimaryError = primaryErr.Error()

	s.metrics.RecordCheckpointLoad(string(ResumeFallback))
	s.log.WithFields(logrus.Fields{
		"checkpoint_id":      checkpoint.CheckpointID,
		"step":               checkpoint.Step,
		"primary_error_kind": diagnostics.PrimaryErrorKind,
	}).Warn("Resumed from fallback checkpoint")

	return checkpoint, diagnostics, nil
}

// ResumeLatest resumes from the newest checkpoint file, rolling back to the
// one before it. With a single file on disk there is no fallback.
func (s *CheckpointStore) ResumeLatest() (*PolicyCheckpoint, *ResumeDiagnostics, error) {
	primary, fallback, err := s.Latest()
	if err != nil {
		return nil, nil, err
	}
	if fallback == "" {
		checkpoint, err := s.LoadCheckpoint(primary)
		if err != nil {
			return nil, nil, err
		}
		s.metrics.RecordCheckpointLoad(string(ResumePrimary))
		return checkpoint, &ResumeDiagnostics{Source: ResumePrimary, PrimaryPath: primary}, nil
	}
	return s.ResumeWithRollback(primary, fallback)
}

// Latest returns the paths of the two highest-step checkpoint files. The
// files are not read, so a corrupted newest file still becomes the primary.
func (s *CheckpointStore) Latest() (primary, fallback string, err error) {
	steps, err := s.stepFiles()
	if err != nil {
		return "", "", err
	}
	if len(steps) == 0 {
		return "", "", &CheckpointError{Kind: CheckpointNotFound, Path: s.dir, Reason: "no checkpoints"}
	}
	primary = s.PathForStep(steps[len(steps)-1])
	if len(steps) > 1 {
		fallback = s.PathForStep(steps[len(steps)-2])
	}
	return primary, fallback, nil
}

// ListCheckpoints reads every checkpoint in the directory, ordered by step.
// Unreadable files are skipped with a warning.
func (s *CheckpointStore) ListCheckpoints() ([]CheckpointEntry, error) {
	steps, err := s.stepFiles()
	if err != nil {
		return nil, err
	}

	entries := make([]CheckpointEntry, 0, len(steps))
	for _, step := range steps {
		path := s.PathForStep(step)
		checkpoint, err := readCheckpoint(path)
		if err != nil {
			s.log.WithError(err).WithField("path", path).Warn("Skipping unreadable checkpoint")
			continue
		}
		entries = append(entries, CheckpointEntry{
			Path:               path,
			ID:                 checkpoint.CheckpointID,
			Step:               checkpoint.Step,
			SavedAtUnixSeconds: checkpoint.SavedAtUnixSeconds,
			Metadata:           checkpoint.Metadata,
		})
	}
	return entries, nil
}

// Lineage resolves the root-to-leaf checkpoint id path of leafID over the
// checkpoints currently in the directory
func (s *CheckpointStore) Lineage(leafID string) ([]string, error) {
	entries, err := s.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	records := lo.Map(entries, func(e CheckpointEntry, _ int) CheckpointRecord { return e.Record() })
	return ResolveCheckpointLineagePath(records, leafID)
}

// RenderResumeDiagnostics renders stable operator-facing lines for a resume
func RenderResumeDiagnostics(checkpoint *PolicyCheckpoint, diagnostics *ResumeDiagnostics) string {
	lines := []string{fmt.Sprintf(
		"checkpoint_resume source=%s checkpoint_id=%s step=%d saved_at_unix_seconds=%d",
		diagnostics.Source,
		checkpoint.CheckpointID,
		checkpoint.Step,
		checkpoint.SavedAtUnixSeconds,
	)}
	if parent := checkpoint.Metadata[ParentCheckpointIDKey]; parent != "" {
		lines = append(lines, "checkpoint_resume parent_checkpoint_id="+parent)
	}
	if diagnostics.Source == ResumeFallback {
		lines = append(lines,
			fmt.Sprintf("checkpoint_resume diagnostic=primary checkpoint load failed kind=%s path=%s", diagnostics.PrimaryErrorKind, diagnostics.PrimaryPath),
			"checkpoint_resume diagnostic="+diagnostics.PrimaryError,
		)
	}
	return strings.Join(lines, "\n")
}

// stepFiles returns the steps of all <step>.json files in ascending order
func (s *CheckpointStore) stepFiles() ([]uint64, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &CheckpointError{Kind: CheckpointIO, Path: s.dir, Reason: "failed to list checkpoint directory", Err: err}
	}

	steps := lo.FilterMap(dirEntries, func(entry fs.DirEntry, _ int) (uint64, bool) {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, checkpointExt) {
			return 0, false
		}
		step, err := strconv.ParseUint(strings.TrimSuffix(name, checkpointExt), 10, 64)
		return step, err == nil
	})
	sort.Slice(steps, func(i, j int) bool { return steps[i] < steps[j] })
	return steps, nil
}

func (s *CheckpointStore) fail(operation string, err error) error {
	s.metrics.RecordCheckpointFailure(operation, string(ErrorKind(err)))
	s.log.WithError(err).WithField("operation", operation).Error("Checkpoint operation failed")
	return err
}

func readCheckpoint(path string) (*PolicyCheckpoint, error) {
	if path == "" {
		return nil, &CheckpointError{Kind: CheckpointNotFound, Reason: "empty checkpoint path"}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &CheckpointError{Kind: CheckpointNotFound, Path: path}
		}
		return nil, &CheckpointError{Kind: CheckpointIO, Path: path, Reason: "failed to read checkpoint", Err: err}
	}

	var file checkpointFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, &CheckpointError{Kind: CheckpointDecode, Path: path, Reason: "failed to decode checkpoint", Err: err}
	}

	if file.SchemaVersion == nil {
		return nil, &CheckpointError{Kind: CheckpointInvalid, Path: path, Reason: "missing required field schema_version"}
	}
	if *file.SchemaVersion != CheckpointSchemaVersion {
		return nil, &CheckpointError{
			Kind:     CheckpointUnsupportedVersion,
			Path:     path,
			Found:    *file.SchemaVersion,
			Expected: CheckpointSchemaVersion,
		}
	}
	if file.Step == nil {
		return nil, &CheckpointError{Kind: CheckpointInvalid, Path: path, Reason: "missing required field step"}
	}
	if strings.TrimSpace(file.CheckpointID) == "" {
		return nil, &CheckpointError{Kind: CheckpointInvalid, Path: path, Reason: "missing required field checkpoint_id"}
	}

	metadata := file.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}

	return &PolicyCheckpoint{
		SchemaVersion:      *file.SchemaVersion,
		CheckpointID:       file.CheckpointID,
		Step:               *file.Step,
		SavedAtUnixSeconds: file.SavedAtUnixSeconds,
		PolicyState:        file.PolicyState,
		OptimizerState:     file.OptimizerState,
		Metadata:           metadata,
	}, nil
}

// writeFileAtomic writes data next to path and renames it into place
func writeFileAtomic(path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpPath)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmpPath, 0644); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
