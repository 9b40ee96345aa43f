package store

import (
	"context"

	"github.com/fleetmux/fleetmux/internal/fault"
)

// UpsertPayoff defines or redefines a reward component for a task.
// (task_id, payoff_type) is the natural key.
func (s *Store) UpsertPayoff(ctx context.Context, p Payoff) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payoffs
			(id, swarm_id, task_id, payoff_type, base_value, multiplier,
			 deadline, decay_rate, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (task_id, payoff_type) DO UPDATE SET
			base_value = excluded.base_value,
			multiplier = excluded.multiplier,
			deadline = excluded.deadline,
			decay_rate = excluded.decay_rate`,
		p.ID, p.SwarmID, p.TaskID, p.Type, p.BaseValue, p.Multiplier,
		p.Deadline, p.DecayRate, p.CreatedAt)
	if err != nil {
		return fault.Wrap(fault.KindStorage, err, "upsert payoff")
	}
	return nil
}

// ListPayoffs returns a task's payoff components in creation order.
func (s *Store) ListPayoffs(ctx context.Context, taskID string) ([]Payoff, error) {
	return readRetry(ctx, func() ([]Payoff, error) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, swarm_id, task_id, payoff_type, base_value, multiplier,
				deadline, decay_rate, created_at
			FROM payoffs WHERE task_id = ?
			ORDER BY created_at ASC, id ASC`, taskID)
		if err != nil {
			return nil, fault.Wrap(fault.KindStorage, err, "list payoffs")
		}
		defer rows.Close()

		var out []Payoff
		for rows.Next() {
			var p Payoff
			if err := rows.Scan(&p.ID, &p.SwarmID, &p.TaskID, &p.Type,
				&p.BaseValue, &p.Multiplier, &p.Deadline, &p.DecayRate,
				&p.CreatedAt); err != nil {
				return nil, fault.Wrap(fault.KindStorage, err, "scan payoff")
			}
			out = append(out, p)
		}
		return out, rows.Err()
	})
}
