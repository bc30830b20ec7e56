package ai

import (
	"context"

	"github.com/pkg/errors"
)

// Candidate is one strategy of an ordered fallback chain.
type Candidate[T any] struct {
	Name string
	Try  func(ctx context.Context) (T, error)
}

// FirstSuccess tries candidates in order and returns the first result that
// succeeds, together with the failures recorded before it. If every candidate
// fails the zero value is returned and failures holds one entry per candidate.
// A cancelled context stops the chain.
func FirstSuccess[T any](ctx context.Context, candidates []Candidate[T]) (T, string, []AttemptError) {
	var zero T
	var failures []AttemptError
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			failures = append(failures, AttemptError{Candidate: c.Name, Err: errors.Wrap(err, "not attempted")})
			continue
		}
		v, err := c.Try(ctx)
		if err == nil {
			return v, c.Name, failures
		}
		failures = append(failures, AttemptError{Candidate: c.Name, Err: err})
	}
	return zero, "", failures
}
