package ai

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

var (
	// ErrBackendUnavailable matches a BackendUnavailableError.
	ErrBackendUnavailable = errors.New("no compute backend available")

	// ErrLegacyBackendNotFound is the spurious "backend name not found" failure
	// some runtimes raise for a legacy backend that is never used. It is benign
	// wherever it occurs.
	ErrLegacyBackendNotFound = errors.New("legacy backend name not found")

	// ErrModelNotRegistered is returned for a model kind without sources.
	ErrModelNotRegistered = errors.New("model kind not registered")
)

// IsBenignBackendWarning classifies err as the known benign backend warning.
func IsBenignBackendWarning(err error) bool {
	return err != nil && errors.Is(err, ErrLegacyBackendNotFound)
}

// AttemptError records why one candidate of a fallback chain failed.
type AttemptError struct {
	Candidate string
	Err       error
}

func (e AttemptError) Error() string {
	return fmt.Sprintf("%s: %v", e.Candidate, e.Err)
}

func (e AttemptError) Unwrap() error { return e.Err }

// BackendUnavailableError is returned when every backend candidate failed to
// initialize. Retrying re-runs selection from scratch.
type BackendUnavailableError struct {
	Failures []AttemptError
}

func (e *BackendUnavailableError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Error())
	}
	return fmt.Sprintf("%v: [%s]", ErrBackendUnavailable, strings.Join(parts, "; "))
}

func (e *BackendUnavailableError) Is(target error) bool {
	return target == ErrBackendUnavailable
}

func (e *BackendUnavailableError) Unwrap() error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f)
	}
	return multierr.Combine(errs...)
}

// ModelInitError is returned when a model failed to load from every source.
type ModelInitError struct {
	Kind  ModelKind
	Cause error
}

func (e *ModelInitError) Error() string {
	return fmt.Sprintf("failed to load %s model: %v", e.Kind, e.Cause)
}

func (e *ModelInitError) Unwrap() error { return e.Cause }
