package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/cenkalti/backoff/v5"

	"github.com/fleetmux/fleetmux/internal/fault"
)

// CreateProposal opens a proposal for voting.
func (s *Store) CreateProposal(ctx context.Context, p Proposal) error {
	options, err := json.Marshal(p.Options)
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "encode options")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO proposals
			(id, swarm_id, proposer_handle, topic, options, method, status,
			 deadline, winner, created_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.SwarmID, p.ProposerHandle, p.Topic, string(options), p.Method,
		p.Status, p.Deadline, p.Winner, p.CreatedAt, p.ClosedAt)
	if err != nil {
		return fault.Wrap(fault.KindStorage, err, "create proposal")
	}
	return nil
}

// GetProposal returns a proposal by id.
func (s *Store) GetProposal(ctx context.Context, id string) (Proposal, error) {
	return readRetry(ctx, func() (Proposal, error) {
		row := s.db.QueryRowContext(ctx, `
			SELECT id, swarm_id, proposer_handle, topic, options, method, status,
				deadline, winner, created_at, closed_at
			FROM proposals WHERE id = ?`, id)
		p, err := scanProposal(row)
		if errors.Is(err, sql.ErrNoRows) {
			return Proposal{}, backoff.Permanent(fault.New(fault.KindNotFound, "proposal %q not found", id))
		}
		return p, err
	})
}

// ListProposals returns a swarm's proposals oldest first, optionally
// filtered by status.
func (s *Store) ListProposals(ctx context.Context, swarmID string, status ProposalStatus) ([]Proposal, error) {
	return readRetry(ctx, func() ([]Proposal, error) {
		q := `SELECT id, swarm_id, proposer_handle, topic, options, method, status,
			deadline, winner, created_at, closed_at
			FROM proposals WHERE swarm_id = ?`
		args := []any{swarmID}
		if status != "" {
			q += " AND status = ?"
			args = append(args, status)
		}
		q += " ORDER BY created_at ASC, id ASC"

		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, fault.Wrap(fault.KindStorage, err, "list proposals")
		}
		defer rows.Close()

		var out []Proposal
		for rows.Next() {
			p, err := scanProposal(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
		return out, rows.Err()
	})
}

// CastVote records a ballot. Voting on a closed or expired proposal is
// a conflict, as is voting twice: ballots are final.
func (s *Store) CastVote(ctx context.Context, v Vote) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var (
			status   ProposalStatus
			deadline int64
		)
		err := tx.QueryRowContext(ctx, `
			SELECT status, deadline FROM proposals WHERE id = ?`, v.ProposalID).
			Scan(&status, &deadline)
		if errors.Is(err, sql.ErrNoRows) {
			return fault.New(fault.KindNotFound, "proposal %q not found", v.ProposalID)
		}
		if err != nil {
			return fault.Wrap(fault.KindStorage, err, "get proposal status")
		}
		if status != ProposalOpen {
			return fault.New(fault.KindConflict, "proposal %q is closed", v.ProposalID)
		}
		if deadline > 0 && v.CreatedAt > deadline {
			return fault.New(fault.KindConflict, "proposal %q voting deadline passed", v.ProposalID)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO votes (id, proposal_id, voter_handle, value, weight, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			v.ID, v.ProposalID, v.VoterHandle, v.Value, v.Weight, v.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fault.New(fault.KindConflict, "%s already voted on proposal %q", v.VoterHandle, v.ProposalID)
			}
			return fault.Wrap(fault.KindStorage, err, "cast vote")
		}
		return nil
	})
}

// ListVotes returns a proposal's ballots in casting order.
func (s *Store) ListVotes(ctx context.Context, proposalID string) ([]Vote, error) {
	return readRetry(ctx, func() ([]Vote, error) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, proposal_id, voter_handle, value, weight, created_at
			FROM votes WHERE proposal_id = ?
			ORDER BY created_at ASC, id ASC`, proposalID)
		if err != nil {
			return nil, fault.Wrap(fault.KindStorage, err, "list votes")
		}
		defer rows.Close()

		var out []Vote
		for rows.Next() {
			var v Vote
			if err := rows.Scan(&v.ID, &v.ProposalID, &v.VoterHandle, &v.Value,
				&v.Weight, &v.CreatedAt); err != nil {
				return nil, fault.Wrap(fault.KindStorage, err, "scan vote")
			}
			out = append(out, v)
		}
		return out, rows.Err()
	})
}

// CloseProposal transitions an open proposal to closed with the tallied
// winner. Empty winner records a failed vote.
func (s *Store) CloseProposal(ctx context.Context, id, winner string, at int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE proposals SET status = 'closed', winner = ?, closed_at = ?
		WHERE id = ? AND status = 'open'`, winner, at, id)
	if err != nil {
		return fault.Wrap(fault.KindStorage, err, "close proposal")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.New(fault.KindConflict, "proposal %q is not open", id)
	}
	return nil
}

func scanProposal(row interface{ Scan(...any) error }) (Proposal, error) {
	var (
		p       Proposal
		options string
	)
	err := row.Scan(&p.ID, &p.SwarmID, &p.ProposerHandle, &p.Topic, &options,
		&p.Method, &p.Status, &p.Deadline, &p.Winner, &p.CreatedAt, &p.ClosedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fault.Wrap(fault.KindStorage, err, "scan proposal")
	}
	if err := json.Unmarshal([]byte(options), &p.Options); err != nil {
		return p, fault.Wrap(fault.KindStorage, err, "decode options")
	}
	return p, nil
}
