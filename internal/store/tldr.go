package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/cenkalti/backoff/v5"

	"github.com/fleetmux/fleetmux/internal/fault"
)

// SetTLDR replaces a worker's rolling session summary.
func (s *Store) SetTLDR(ctx context.Context, t TLDR) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tldr (handle, summary, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (handle) DO UPDATE SET
			summary = excluded.summary,
			updated_at = excluded.updated_at`,
		t.Handle, t.Summary, t.UpdatedAt)
	if err != nil {
		return fault.Wrap(fault.KindStorage, err, "set tldr")
	}
	return nil
}

// GetTLDR returns a worker's summary.
func (s *Store) GetTLDR(ctx context.Context, handle string) (TLDR, error) {
	return readRetry(ctx, func() (TLDR, error) {
		var t TLDR
		err := s.db.QueryRowContext(ctx, `
			SELECT handle, summary, updated_at FROM tldr WHERE handle = ?`, handle).
			Scan(&t.Handle, &t.Summary, &t.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return TLDR{}, backoff.Permanent(fault.New(fault.KindNotFound, "no tldr for %q", handle))
		}
		if err != nil {
			return TLDR{}, fault.Wrap(fault.KindStorage, err, "get tldr")
		}
		return t, nil
	})
}
