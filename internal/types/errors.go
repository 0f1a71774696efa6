package types

import (
	"errors"
	"fmt"
)

var (
	// ErrActionNotFound means no action block was present in a model output.
	ErrActionNotFound = errors.New("no action found in model output")
	// ErrFormat marks malformed or ambiguous model output.
	ErrFormat = errors.New("format error")
	// ErrModelPoolViolation marks a candidate pool that contains the expert model.
	ErrModelPoolViolation = errors.New("model pool violation")
	// ErrWriteConflict marks a refused overwrite of an existing output file.
	ErrWriteConflict = errors.New("write conflict")
	// ErrProvenanceViolation marks a rejected action attributed to the expert model.
	ErrProvenanceViolation = errors.New("provenance violation")
	// ErrLimitsExceeded marks an exhausted step or cost budget.
	ErrLimitsExceeded = errors.New("limits exceeded")
	// ErrNoValidCandidate is returned by verifiers when nothing can be selected.
	ErrNoValidCandidate = errors.New("no valid candidate")
)

// FormatError wraps ErrFormat with the reason and the offending text.
type FormatError struct {
	Reason string
	Text   string
}

func (e *FormatError) Error() string { return fmt.Sprintf("format error: %s", e.Reason) }

func (e *FormatError) Unwrap() error { return ErrFormat }

// ModelPoolViolationError names the pool member that collides with the expert.
type ModelPoolViolationError struct {
	Expert ModelIdentity
	Member ModelIdentity
}

func (e *ModelPoolViolationError) Error() string {
	return fmt.Sprintf("model pool violation: pool member %s resolves to expert model %s", e.Member, e.Expert)
}

func (e *ModelPoolViolationError) Unwrap() error { return ErrModelPoolViolation }

// WriteConflictError names the file that would have been overwritten.
type WriteConflictError struct {
	Path string
}

func (e *WriteConflictError) Error() string {
	return fmt.Sprintf("write conflict: %s already exists (use overwrite to replace it)", e.Path)
}

func (e *WriteConflictError) Unwrap() error { return ErrWriteConflict }

// ProvenanceError names the model id that violated provenance.
type ProvenanceError struct {
	StepIndex int
	ModelID   string
}

func (e *ProvenanceError) Error() string {
	return fmt.Sprintf("provenance violation at step %d: rejected action attributed to expert model %q", e.StepIndex, e.ModelID)
}

func (e *ProvenanceError) Unwrap() error { return ErrProvenanceViolation }
