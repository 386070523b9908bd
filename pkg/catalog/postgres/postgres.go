// Package postgres provides a PostgreSQL-backed [catalog.Store].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	_ = store.Put(ctx, rec)
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voicememo/pkg/catalog"
)

var _ catalog.Store = (*Store)(nil)

// Store is a [catalog.Store] on a [pgxpool.Pool]. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, verifies the connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("catalog postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("catalog postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("catalog postgres: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

const ddlRecordings = `
CREATE TABLE IF NOT EXISTS recordings (
    id           TEXT         PRIMARY KEY,
    name         TEXT         NOT NULL DEFAULT '',
    path         TEXT         NOT NULL,
    mode         TEXT         NOT NULL DEFAULT '',
    backend      TEXT         NOT NULL DEFAULT '',
    duration_ns  BIGINT       NOT NULL DEFAULT 0,
    elapsed_ns   BIGINT       NOT NULL DEFAULT 0,
    size_bytes   BIGINT       NOT NULL DEFAULT 0,
    started_at   TIMESTAMPTZ  NOT NULL,
    finished_at  TIMESTAMPTZ,
    incomplete   BOOLEAN      NOT NULL DEFAULT false,
    interrupted  BOOLEAN      NOT NULL DEFAULT false,
    error        TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_recordings_started_at
    ON recordings (started_at DESC);

CREATE INDEX IF NOT EXISTS idx_recordings_incomplete
    ON recordings (incomplete) WHERE incomplete;
`

// Migrate creates the recordings table and its indexes. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlRecordings); err != nil {
		return fmt.Errorf("catalog postgres: create recordings: %w", err)
	}
	return nil
}

// Put implements [catalog.Store].
func (s *Store) Put(ctx context.Context, rec catalog.Recording) error {
	if rec.ID == "" {
		return fmt.Errorf("catalog postgres: put: empty id")
	}
	const q = `
		INSERT INTO recordings
		    (id, name, path, mode, backend, duration_ns, elapsed_ns, size_bytes,
		     started_at, finished_at, incomplete, interrupted, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
		    name        = EXCLUDED.name,
		    path        = EXCLUDED.path,
		    mode        = EXCLUDED.mode,
		    backend     = EXCLUDED.backend,
		    duration_ns = EXCLUDED.duration_ns,
		    elapsed_ns  = EXCLUDED.elapsed_ns,
		    size_bytes  = EXCLUDED.size_bytes,
		    started_at  = EXCLUDED.started_at,
		    finished_at = EXCLUDED.finished_at,
		    incomplete  = EXCLUDED.incomplete,
		    interrupted = EXCLUDED.interrupted,
		    error       = EXCLUDED.error`

	_, err := s.pool.Exec(ctx, q,
		rec.ID,
		rec.Name,
		rec.Path,
		rec.Mode,
		rec.Backend,
		rec.Duration.Nanoseconds(),
		rec.Elapsed.Nanoseconds(),
		rec.Size,
		rec.StartedAt,
		nullTime(rec.FinishedAt),
		rec.Incomplete,
		rec.Interrupted,
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("catalog postgres: put %q: %w", rec.ID, err)
	}
	return nil
}

// SetInterrupted implements [catalog.Store].
func (s *Store) SetInterrupted(ctx context.Context, id string, interrupted bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE recordings SET interrupted = $2 WHERE id = $1`, id, interrupted)
	if err != nil {
		return fmt.Errorf("catalog postgres: set interrupted %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("catalog postgres: set interrupted %q: %w", id, catalog.ErrNotFound)
	}
	return nil
}

const selectColumns = `
		SELECT id, name, path, mode, backend, duration_ns, elapsed_ns, size_bytes,
		       started_at, finished_at, incomplete, interrupted, error
		FROM   recordings`

// Get implements [catalog.Store].
func (s *Store) Get(ctx context.Context, id string) (catalog.Recording, error) {
	rows, err := s.pool.Query(ctx, selectColumns+"\n\t\tWHERE  id = $1", id)
	if err != nil {
		return catalog.Recording{}, fmt.Errorf("catalog postgres: get %q: %w", id, err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanRecording)
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.Recording{}, fmt.Errorf("catalog postgres: get %q: %w", id, catalog.ErrNotFound)
	}
	if err != nil {
		return catalog.Recording{}, fmt.Errorf("catalog postgres: get %q: %w", id, err)
	}
	return rec, nil
}

// List implements [catalog.Store].
func (s *Store) List(ctx context.Context, opts catalog.ListOptions) ([]catalog.Recording, error) {
	var (
		args       []any
		conditions []string
	)
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if opts.IncompleteOnly {
		conditions = append(conditions, "incomplete")
	}
	if opts.Mode != "" {
		conditions = append(conditions, "mode = "+next(opts.Mode))
	}

	q := selectColumns
	if len(conditions) > 0 {
		q += "\nWHERE  " + strings.Join(conditions, "\n  AND  ")
	}
	q += "\nORDER  BY started_at DESC, id"
	if opts.Limit > 0 {
		q += "\nLIMIT " + next(opts.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog postgres: list: %w", err)
	}
	recs, err := pgx.CollectRows(rows, scanRecording)
	if err != nil {
		return nil, fmt.Errorf("catalog postgres: list: %w", err)
	}
	return recs, nil
}

// Delete implements [catalog.Store].
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM recordings WHERE id = $1`, id); err != nil {
		return fmt.Errorf("catalog postgres: delete %q: %w", id, err)
	}
	return nil
}

func scanRecording(row pgx.CollectableRow) (catalog.Recording, error) {
	var (
		rec                   catalog.Recording
		durationNS, elapsedNS int64
		finished              *time.Time
	)
	if err := row.Scan(
		&rec.ID,
		&rec.Name,
		&rec.Path,
		&rec.Mode,
		&rec.Backend,
		&durationNS,
		&elapsedNS,
		&rec.Size,
		&rec.StartedAt,
		&finished,
		&rec.Incomplete,
		&rec.Interrupted,
		&rec.Error,
	); err != nil {
		return catalog.Recording{}, err
	}
	rec.Duration = time.Duration(durationNS)
	rec.Elapsed = time.Duration(elapsedNS)
	if finished != nil {
		rec.FinishedAt = *finished
	}
	return rec, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
