package domain

import "errors"

// Sentinel errors for the scheduler's error taxonomy (spec.md §7), matching
// the teacher's package-level sentinel-error style (internal/pkg/errors).
var (
	ErrIllegalStateTransition = errors.New("illegal state transition")
	ErrUnknownExecutionState  = errors.New("unknown execution state")
	ErrSchedulingFault        = errors.New("scheduling fault")
	ErrUnknownFailureCause    = errors.New("unknown failure cause")
	ErrUnrecoverableFailure   = errors.New("unrecoverable failure")
	ErrNotFound               = errors.New("not found")
)
