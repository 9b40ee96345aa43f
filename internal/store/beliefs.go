package store

import (
	"context"
	"encoding/json"

	"github.com/fleetmux/fleetmux/internal/fault"
)

// UpsertBelief records an agent's belief about a subject, replacing any
// earlier belief by the same agent on the same subject.
func (s *Store) UpsertBelief(ctx context.Context, b Belief) error {
	evidence, err := json.Marshal(b.Evidence)
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "encode evidence")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO beliefs
			(id, swarm_id, agent_handle, subject, belief_type, value,
			 confidence, evidence, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (swarm_id, agent_handle, subject) DO UPDATE SET
			belief_type = excluded.belief_type,
			value = excluded.value,
			confidence = excluded.confidence,
			evidence = excluded.evidence,
			updated_at = excluded.updated_at`,
		b.ID, b.SwarmID, b.AgentHandle, b.Subject, b.BeliefType, b.Value,
		b.Confidence, string(evidence), b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fault.Wrap(fault.KindStorage, err, "upsert belief")
	}
	return nil
}

// ListBeliefs returns beliefs in a swarm, optionally scoped to one
// subject, most confident first.
func (s *Store) ListBeliefs(ctx context.Context, swarmID, subject string) ([]Belief, error) {
	return readRetry(ctx, func() ([]Belief, error) {
		q := `SELECT id, swarm_id, agent_handle, subject, belief_type, value,
			confidence, evidence, created_at, updated_at
			FROM beliefs WHERE swarm_id = ?`
		args := []any{swarmID}
		if subject != "" {
			q += " AND subject = ?"
			args = append(args, subject)
		}
		q += " ORDER BY confidence DESC, updated_at ASC, id ASC"

		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, fault.Wrap(fault.KindStorage, err, "list beliefs")
		}
		defer rows.Close()

		var out []Belief
		for rows.Next() {
			var (
				b        Belief
				evidence string
			)
			if err := rows.Scan(&b.ID, &b.SwarmID, &b.AgentHandle, &b.Subject,
				&b.BeliefType, &b.Value, &b.Confidence, &evidence,
				&b.CreatedAt, &b.UpdatedAt); err != nil {
				return nil, fault.Wrap(fault.KindStorage, err, "scan belief")
			}
			if err := json.Unmarshal([]byte(evidence), &b.Evidence); err != nil {
				return nil, fault.Wrap(fault.KindStorage, err, "decode evidence")
			}
			out = append(out, b)
		}
		return out, rows.Err()
	})
}

// DeleteBelief retracts one agent's belief on a subject.
func (s *Store) DeleteBelief(ctx context.Context, swarmID, agentHandle, subject string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM beliefs WHERE swarm_id = ? AND agent_handle = ? AND subject = ?`,
		swarmID, agentHandle, subject)
	if err != nil {
		return fault.Wrap(fault.KindStorage, err, "delete belief")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.New(fault.KindNotFound, "belief on %q by %q not found", subject, agentHandle)
	}
	return nil
}
