package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/fleetmux/fleetmux/internal/fault"
)

// SubmitBid records a pending bid. A second pending bid by the same
// bidder on the same task replaces the first.
func (s *Store) SubmitBid(ctx context.Context, b Bid) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bids
			(id, swarm_id, task_id, bidder_handle, amount, confidence,
			 estimated_duration, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?)
		ON CONFLICT (task_id, bidder_handle) WHERE status = 'pending' DO UPDATE SET
			amount = excluded.amount,
			confidence = excluded.confidence,
			estimated_duration = excluded.estimated_duration,
			created_at = excluded.created_at`,
		b.ID, b.SwarmID, b.TaskID, b.BidderHandle, b.Amount, b.Confidence,
		b.EstimatedDuration, b.CreatedAt)
	if err != nil {
		return fault.Wrap(fault.KindStorage, err, "submit bid")
	}
	return nil
}

// ListBids returns a task's bids cheapest first, ties broken by
// earliest submission. Empty status lists all.
func (s *Store) ListBids(ctx context.Context, taskID string, status BidStatus) ([]Bid, error) {
	return readRetry(ctx, func() ([]Bid, error) {
		q := `SELECT id, swarm_id, task_id, bidder_handle, amount, confidence,
			estimated_duration, status, created_at
			FROM bids WHERE task_id = ?`
		args := []any{taskID}
		if status != "" {
			q += " AND status = ?"
			args = append(args, status)
		}
		q += " ORDER BY amount ASC, created_at ASC, id ASC"

		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, fault.Wrap(fault.KindStorage, err, "list bids")
		}
		defer rows.Close()

		var out []Bid
		for rows.Next() {
			var b Bid
			if err := rows.Scan(&b.ID, &b.SwarmID, &b.TaskID, &b.BidderHandle,
				&b.Amount, &b.Confidence, &b.EstimatedDuration, &b.Status,
				&b.CreatedAt); err != nil {
				return nil, fault.Wrap(fault.KindStorage, err, "scan bid")
			}
			out = append(out, b)
		}
		return out, rows.Err()
	})
}

// AcceptBid accepts one pending bid and rejects every other pending bid
// on the same task atomically. Returns the accepted bid.
func (s *Store) AcceptBid(ctx context.Context, bidID string) (Bid, error) {
	var accepted Bid
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, swarm_id, task_id, bidder_handle, amount, confidence,
				estimated_duration, status, created_at
			FROM bids WHERE id = ?`, bidID)
		err := row.Scan(&accepted.ID, &accepted.SwarmID, &accepted.TaskID,
			&accepted.BidderHandle, &accepted.Amount, &accepted.Confidence,
			&accepted.EstimatedDuration, &accepted.Status, &accepted.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return fault.New(fault.KindNotFound, "bid %q not found", bidID)
		}
		if err != nil {
			return fault.Wrap(fault.KindStorage, err, "get bid")
		}
		if accepted.Status != BidPending {
			return fault.New(fault.KindConflict, "bid %q is already %s", bidID, accepted.Status)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE bids SET status = 'accepted' WHERE id = ?`, bidID); err != nil {
			return fault.Wrap(fault.KindStorage, err, "accept bid")
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE bids SET status = 'rejected'
			WHERE task_id = ? AND status = 'pending'`, accepted.TaskID); err != nil {
			return fault.Wrap(fault.KindStorage, err, "reject losing bids")
		}
		accepted.Status = BidAccepted
		return nil
	})
	return accepted, err
}
