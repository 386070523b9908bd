// Package catalog stores metadata about recordings: finalized ones, and
// in-progress ones so that a file left behind by a crash or an interruption
// can be recognised as incomplete after a relaunch.
//
// [Store] is implemented by [MemStore] here and by the PostgreSQL store in
// the postgres subpackage.
package catalog

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no recording has the requested ID.
var ErrNotFound = errors.New("catalog: recording not found")

// Recording is one catalogue row.
type Recording struct {
	ID      string
	Name    string
	Path    string
	Mode    string
	Backend string

	// Duration is measured from the finalized file.
	Duration time.Duration

	// Elapsed is wall-clock recording time minus pauses.
	Elapsed time.Duration

	// Size is the file size in bytes.
	Size int64

	StartedAt  time.Time
	FinishedAt time.Time

	// Incomplete marks rows whose file was never finalized normally:
	// in-progress, failed, or left behind by a crash.
	Incomplete bool

	// Interrupted is set while the recording is suspended by an
	// interruption.
	Interrupted bool

	// Error holds the failure text for failed recordings.
	Error string
}

// ListOptions filters [Store.List].
type ListOptions struct {
	// IncompleteOnly restricts the result to incomplete rows.
	IncompleteOnly bool

	// Mode restricts the result to one capture mode. Empty means all.
	Mode string

	// Limit caps the number of rows. Zero means no limit.
	Limit int
}

// Store persists recordings. Implementations must be safe for concurrent use.
type Store interface {
	// Put inserts or replaces the row with rec.ID.
	Put(ctx context.Context, rec Recording) error

	// SetInterrupted updates the interruption marker of an existing row.
	SetInterrupted(ctx context.Context, id string, interrupted bool) error

	// Get returns the row with id or [ErrNotFound].
	Get(ctx context.Context, id string) (Recording, error)

	// List returns rows newest first.
	List(ctx context.Context, opts ListOptions) ([]Recording, error)

	// Delete removes the row with id. Deleting a missing row is not an error.
	Delete(ctx context.Context, id string) error
}
