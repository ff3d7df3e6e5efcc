// Package pipeline orchestrates the fixed stage graph of one component
// generation job: sequential stages, the parallel design group with its join
// barrier, retry with deterministic fallback, and edit-mode re-entry. All
// coordination flows through the persisted job context; stage failures are
// recorded as data on the context rather than surfaced as process errors.
package pipeline

import (
	"errors"
	"fmt"
)

// FailureKind classifies a recorded stage failure.
type FailureKind string

const (
	// FailureMissingDependency marks an invocation whose upstream artifacts
	// were not completed. Not retryable.
	FailureMissingDependency FailureKind = "missing_dependency"
	// FailureBackendCall marks a failed generation call. Retryable.
	FailureBackendCall FailureKind = "backend_call"
	// FailureSchemaValidation marks a backend reply that did not decode into
	// the stage's expected shape. Counts as an attempt failure.
	FailureSchemaValidation FailureKind = "schema_validation"
	// FailureFallbackExhausted marks a stage whose retries ran out and which
	// has no fallback generator.
	FailureFallbackExhausted FailureKind = "fallback_exhausted"
	// FailureJoinBarrier marks a design-group failure observed at the join.
	FailureJoinBarrier FailureKind = "join_barrier"
	// FailurePersistence marks a context save that kept conflicting after
	// bounded reload-and-reapply retries.
	FailurePersistence FailureKind = "persistence_conflict"
)

// StageFailure is the structured failure recorded on a stage record. It
// implements error so attempt loops can pass it around, but its terminal home
// is the job context, not a returned error.
type StageFailure struct {
	Kind    FailureKind
	Stage   string
	Message string
}

func (f *StageFailure) Error() string {
	return fmt.Sprintf("%s: %s: %s", f.Stage, f.Kind, f.Message)
}

func failure(kind FailureKind, stage, format string, args ...any) *StageFailure {
	return &StageFailure{Kind: kind, Stage: stage, Message: fmt.Sprintf(format, args...)}
}

var (
	// ErrStageNotPending guards bare re-invocation: only pending stages may
	// start, except the edit-mode target.
	ErrStageNotPending = errors.New("stage is not pending")
	// ErrUnknownStage is returned for names outside the fixed stage set.
	ErrUnknownStage = errors.New("unknown stage")
	// ErrJobNotEditable is returned when edit mode is requested for a stage
	// that has not completed yet.
	ErrJobNotEditable = errors.New("edit target stage has not completed")
)

// ConflictError wraps a save that stayed stale after every reload attempt.
type ConflictError struct {
	JobID    string
	Attempts int
	Err      error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("job %s: save conflicted after %d attempts: %v", e.JobID, e.Attempts, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }
