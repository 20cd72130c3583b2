package server

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"policy-optimizer/internal/rl"
	"policy-optimizer/internal/trainer"
	"policy-optimizer/pkg/storage"
)

// pathError rejects checkpoint paths outside the checkpoint directory
type pathError struct {
	path string
}

func (e *pathError) Error() string {
	return fmt.Sprintf("checkpoint path %q is outside the checkpoint directory", e.path)
}

type missingFieldError struct {
	field string
}

func (e *missingFieldError) Error() string {
	return fmt.Sprintf("missing required field '%s'", e.field)
}

func errMissingField(field string) error {
	return &missingFieldError{field: field}
}

// toStatus maps domain errors onto gRPC status codes. The message is the
// domain error's own text so clients see the same diagnostics as logs.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeFor(err), err.Error())
}

func codeFor(err error) codes.Code {
	var (
		gaeErr     *rl.GAEError
		ppoErr     *rl.PPOError
		ckptErr    *storage.CheckpointError
		lineageErr *storage.LineageError
		pathErr    *pathError
		fieldErr   *missingFieldError
	)

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, trainer.ErrCheckpointingDisabled):
		return codes.FailedPrecondition
	case errors.As(err, &pathErr):
		return codes.PermissionDenied
	case errors.As(err, &fieldErr):
		return codes.InvalidArgument
	case errors.As(err, &gaeErr):
		if gaeErr.Kind == rl.GAENonFiniteResult {
			return codes.OutOfRange
		}
		return codes.InvalidArgument
	case errors.As(err, &ppoErr):
		if ppoErr.Kind == rl.PPONonFiniteLoss {
			return codes.OutOfRange
		}
		return codes.InvalidArgument
	case errors.As(err, &lineageErr):
		if lineageErr.Kind == storage.LineageUnknownLeaf {
			return codes.NotFound
		}
		return codes.FailedPrecondition
	case errors.As(err, &ckptErr):
		switch ckptErr.Kind {
		case storage.CheckpointNotFound:
			return codes.NotFound
		case storage.CheckpointDecode, storage.CheckpointUnsupportedVersion, storage.CheckpointInvalid:
			return codes.DataLoss
		default:
			return codes.Internal
		}
	}
	return codes.Internal
}
