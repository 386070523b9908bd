package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry of a [FallbackGroup] failed or
// was skipped.
var ErrAllFailed = errors.New("all strategies failed")

// ErrSkipped is recorded for an entry whose breaker rejected the call.
var ErrSkipped = errors.New("strategy skipped: breaker open")

// permanentError stops a [FallbackGroup] from trying further entries.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err so that no further fallback is attempted, e.g. when a
// strategy already produced side effects that a fallback would conflict with.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with [Permanent].
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// FallbackGroup is an ordered list of interchangeable strategies. The first
// entry is the primary; later entries are tried in registration order when
// earlier ones fail.
//
// Entries are registered before use; execution is safe for concurrent use.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
}

// NewFallbackGroup creates a group with primary as its first entry. breaker
// may be nil.
func NewFallbackGroup[T any](name string, primary T, breaker *Breaker) *FallbackGroup[T] {
	return &FallbackGroup[T]{entries: []fallbackEntry[T]{{name: name, value: primary, breaker: breaker}}}
}

// AddFallback appends a fallback entry. breaker may be nil.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T, breaker *Breaker) {
	fg.entries = append(fg.entries, fallbackEntry[T]{name: name, value: fallback, breaker: breaker})
}

// Len returns the number of entries.
func (fg *FallbackGroup[T]) Len() int { return len(fg.entries) }

// Attempt describes the outcome of one entry during [ExecuteWithResult].
type Attempt struct {
	Name string
	Err  error
}

// ExecuteWithResult tries fn against each entry until one succeeds and
// returns its result, the name of the entry that produced it and every
// failed attempt before it. When all entries fail the error wraps
// [ErrAllFailed] joined with each attempt's cause. An entry failing with a
// [Permanent] error ends the search early.
//
// This is a package-level function because Go does not support method-level
// type parameters.
func ExecuteWithResult[T, R any](ctx context.Context, fg *FallbackGroup[T], fn func(context.Context, T) (R, error)) (R, string, []Attempt, error) {
	var (
		zero     R
		attempts []Attempt
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		if err := ctx.Err(); err != nil {
			attempts = append(attempts, Attempt{Name: entry.name, Err: err})
			break
		}
		if entry.breaker != nil && !entry.breaker.Allow() {
			slog.Debug("skipping strategy (breaker open)", "strategy", entry.name)
			attempts = append(attempts, Attempt{Name: entry.name, Err: ErrSkipped})
			continue
		}

		result, err := fn(ctx, entry.value)
		if err == nil {
			if entry.breaker != nil {
				entry.breaker.Success()
			}
			return result, entry.name, attempts, nil
		}
		if entry.breaker != nil {
			entry.breaker.Failure()
		}
		attempts = append(attempts, Attempt{Name: entry.name, Err: err})
		if IsPermanent(err) {
			break
		}
		if i+1 < len(fg.entries) {
			slog.Warn("strategy failed, trying next", "strategy", entry.name, "error", err)
		}
	}
	return zero, "", attempts, allFailed(attempts)
}

func allFailed(attempts []Attempt) error {
	errs := make([]error, 0, len(attempts))
	for _, a := range attempts {
		errs = append(errs, fmt.Errorf("%s: %w", a.Name, a.Err))
	}
	return fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
