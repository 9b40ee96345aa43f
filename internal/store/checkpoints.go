package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/cenkalti/backoff/v5"

	"github.com/fleetmux/fleetmux/internal/fault"
	"github.com/fleetmux/fleetmux/internal/msgcodec"
)

// CreateCheckpoint persists a handoff snapshot in pending status.
func (s *Store) CreateCheckpoint(ctx context.Context, c Checkpoint) error {
	raw, err := json.Marshal(c.Body)
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "encode checkpoint body")
	}
	body, comp, err := msgcodec.Compress(raw)
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "compress checkpoint body")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, from_handle, to_handle, body, body_compression, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.FromHandle, c.ToHandle, body, comp, c.Status, c.CreatedAt)
	if err != nil {
		return fault.Wrap(fault.KindStorage, err, "create checkpoint")
	}
	return nil
}

// GetCheckpoint returns a checkpoint by id.
func (s *Store) GetCheckpoint(ctx context.Context, id string) (Checkpoint, error) {
	return readRetry(ctx, func() (Checkpoint, error) {
		row := s.db.QueryRowContext(ctx, `
			SELECT id, from_handle, to_handle, body, body_compression, status, created_at
			FROM checkpoints WHERE id = ?`, id)
		c, err := scanCheckpoint(row)
		if errors.Is(err, sql.ErrNoRows) {
			return Checkpoint{}, backoff.Permanent(fault.New(fault.KindNotFound, "checkpoint %q not found", id))
		}
		return c, err
	})
}

// ListCheckpoints returns checkpoints addressed to a handle, oldest
// first, optionally filtered by status.
func (s *Store) ListCheckpoints(ctx context.Context, toHandle string, status CheckpointStatus) ([]Checkpoint, error) {
	return readRetry(ctx, func() ([]Checkpoint, error) {
		q := `SELECT id, from_handle, to_handle, body, body_compression, status, created_at
			FROM checkpoints WHERE to_handle = ?`
		args := []any{toHandle}
		if status != "" {
			q += " AND status = ?"
			args = append(args, status)
		}
		q += " ORDER BY created_at ASC, id ASC"

		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, fault.Wrap(fault.KindStorage, err, "list checkpoints")
		}
		defer rows.Close()

		var out []Checkpoint
		for rows.Next() {
			c, err := scanCheckpoint(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
		return out, rows.Err()
	})
}

// ResolveCheckpoint moves a pending checkpoint to accepted or rejected.
// Resolving a non-pending checkpoint is a conflict.
func (s *Store) ResolveCheckpoint(ctx context.Context, id string, status CheckpointStatus) error {
	if status != CheckpointAccepted && status != CheckpointRejected {
		return fault.New(fault.KindInvariantViolation, "invalid checkpoint resolution %q", status)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var cur CheckpointStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM checkpoints WHERE id = ?`, id).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return fault.New(fault.KindNotFound, "checkpoint %q not found", id)
		}
		if err != nil {
			return fault.Wrap(fault.KindStorage, err, "get checkpoint status")
		}
		if cur != CheckpointPending {
			return fault.New(fault.KindConflict, "checkpoint %q already %s", id, cur)
		}
		_, err = tx.ExecContext(ctx, `UPDATE checkpoints SET status = ? WHERE id = ?`, status, id)
		if err != nil {
			return fault.Wrap(fault.KindStorage, err, "resolve checkpoint")
		}
		return nil
	})
}

func scanCheckpoint(row interface{ Scan(...any) error }) (Checkpoint, error) {
	var (
		c    Checkpoint
		body []byte
		comp msgcodec.Compression
	)
	err := row.Scan(&c.ID, &c.FromHandle, &c.ToHandle, &body, &comp, &c.Status, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, err
		}
		return c, fault.Wrap(fault.KindStorage, err, "scan checkpoint")
	}
	raw, err := msgcodec.Decompress(body, comp)
	if err != nil {
		return c, fault.Wrap(fault.KindStorage, err, "decompress checkpoint body")
	}
	if err := json.Unmarshal(raw, &c.Body); err != nil {
		return c, fault.Wrap(fault.KindStorage, err, "decode checkpoint body")
	}
	return c, nil
}
