package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotEligible is returned by a targeted claim when the (item,
	// step) cannot be claimed right now.
	ErrNotEligible = errors.New("not eligible")

	// ErrLeaseLost is returned when a worker reports on a claim whose
	// lease expired or was taken over.
	ErrLeaseLost = errors.New("lease lost")

	// ErrPassInProgress is returned when a reconciliation pass for the
	// same mailbox is already running.
	ErrPassInProgress = errors.New("reconciliation pass already in progress")

	// ErrUnavailable is returned by an executor that cannot serve the
	// input at all (for example an unsupported language pair).
	ErrUnavailable = errors.New("unavailable")
)

// TransientExecutionError is a step failure worth retrying with backoff
// (network trouble, timeouts, overloaded model servers).
type TransientExecutionError struct {
	Step Step
	Err  error
}

func (e *TransientExecutionError) Error() string {
	return fmt.Sprintf("transient %s failure: %v", e.Step, e.Err)
}

func (e *TransientExecutionError) Unwrap() error { return e.Err }

// PermanentStepError means the input is incompatible with the step. The
// step is recorded as done with a warning and never retried.
type PermanentStepError struct {
	Step Step
	Code string
	Err  error
}

func (e *PermanentStepError) Error() string {
	return fmt.Sprintf("permanent %s failure (%s): %v", e.Step, e.Code, e.Err)
}

func (e *PermanentStepError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentStepError with the given warning code.
func Permanent(step Step, code string, err error) error {
	return &PermanentStepError{Step: step, Code: code, Err: err}
}

// FatalPersistenceError aborts a reconciliation pass; no state from the
// pass has been applied when it is returned.
type FatalPersistenceError struct {
	Op  string
	Err error
}

func (e *FatalPersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *FatalPersistenceError) Unwrap() error { return e.Err }

// IdentityConflictError reports two distinct remote items resolving to
// the same stable identifier. Both are kept; the conflict is queued for
// manual review.
type IdentityConflictError struct {
	StableID string
	Key      Key
	Other    Key
}

func (e *IdentityConflictError) Error() string {
	return fmt.Sprintf("identity conflict on %q between %s/%d/%d and %s/%d/%d",
		e.StableID,
		e.Key.Folder, e.Key.UIDValidity, e.Key.UID,
		e.Other.Folder, e.Other.UIDValidity, e.Other.UID)
}

// IsPermanent reports whether err (or any error in its chain) is a
// PermanentStepError.
func IsPermanent(err error) bool {
	var pe *PermanentStepError
	return errors.As(err, &pe)
}

// IsFatalPersistence reports whether err is a FatalPersistenceError.
func IsFatalPersistence(err error) bool {
	var fe *FatalPersistenceError
	return errors.As(err, &fe)
}

// IsIdentityConflict reports whether err is an IdentityConflictError.
func IsIdentityConflict(err error) bool {
	var ce *IdentityConflictError
	return errors.As(err, &ce)
}
