package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/cenkalti/backoff/v5"

	"github.com/fleetmux/fleetmux/internal/fault"
)

// CreateSwarm inserts a new swarm.
func (s *Store) CreateSwarm(ctx context.Context, sw Swarm) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO swarms (id, name, description, max_agents, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		sw.ID, sw.Name, sw.Description, sw.MaxAgents, sw.CreatedAt)
	if err != nil {
		return fault.Wrap(fault.KindStorage, err, "create swarm %s", sw.Name)
	}
	return nil
}

// GetSwarm returns a swarm by id.
func (s *Store) GetSwarm(ctx context.Context, id string) (Swarm, error) {
	return readRetry(ctx, func() (Swarm, error) {
		var sw Swarm
		err := s.db.QueryRowContext(ctx, `
			SELECT id, name, description, max_agents, created_at
			FROM swarms WHERE id = ?`, id).
			Scan(&sw.ID, &sw.Name, &sw.Description, &sw.MaxAgents, &sw.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return Swarm{}, backoff.Permanent(fault.New(fault.KindNotFound, "swarm %q not found", id))
		}
		if err != nil {
			return Swarm{}, fault.Wrap(fault.KindStorage, err, "get swarm %s", id)
		}
		return sw, nil
	})
}

// ListSwarms returns all swarms ordered by creation.
func (s *Store) ListSwarms(ctx context.Context) ([]Swarm, error) {
	return readRetry(ctx, func() ([]Swarm, error) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, name, description, max_agents, created_at
			FROM swarms ORDER BY created_at ASC, id ASC`)
		if err != nil {
			return nil, fault.Wrap(fault.KindStorage, err, "list swarms")
		}
		defer rows.Close()

		var out []Swarm
		for rows.Next() {
			var sw Swarm
			if err := rows.Scan(&sw.ID, &sw.Name, &sw.Description, &sw.MaxAgents, &sw.CreatedAt); err != nil {
				return nil, fault.Wrap(fault.KindStorage, err, "scan swarm")
			}
			out = append(out, sw)
		}
		return out, rows.Err()
	})
}

// DeleteSwarm removes a swarm row. Dismissing its workers is the
// supervisor's job; the store only enforces existence.
func (s *Store) DeleteSwarm(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM swarms WHERE id = ?`, id)
	if err != nil {
		return fault.Wrap(fault.KindStorage, err, "delete swarm %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.New(fault.KindNotFound, "swarm %q not found", id)
	}
	return nil
}
