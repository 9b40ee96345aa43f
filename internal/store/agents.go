package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/cenkalti/backoff/v5"

	"github.com/fleetmux/fleetmux/internal/fault"
)

// CreateAgent registers a team agent with its bearer token.
// (team_name, handle) is unique.
func (s *Store) CreateAgent(ctx context.Context, a Agent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, team_name, handle, token, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.TeamName, a.Handle, a.Token, a.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fault.New(fault.KindConflict, "agent %s/%s already registered", a.TeamName, a.Handle)
		}
		return fault.Wrap(fault.KindStorage, err, "create agent %s", a.Handle)
	}
	return nil
}

// GetAgentByToken resolves a bearer token to its agent.
func (s *Store) GetAgentByToken(ctx context.Context, token string) (Agent, error) {
	return readRetry(ctx, func() (Agent, error) {
		var a Agent
		err := s.db.QueryRowContext(ctx, `
			SELECT id, team_name, handle, token, created_at
			FROM agents WHERE token = ?`, token).
			Scan(&a.ID, &a.TeamName, &a.Handle, &a.Token, &a.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return Agent{}, backoff.Permanent(fault.New(fault.KindNotFound, "unknown token"))
		}
		if err != nil {
			return Agent{}, fault.Wrap(fault.KindStorage, err, "get agent by token")
		}
		return a, nil
	})
}

// ListAgents returns a team's agents ordered by creation.
func (s *Store) ListAgents(ctx context.Context, teamName string) ([]Agent, error) {
	return readRetry(ctx, func() ([]Agent, error) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, team_name, handle, token, created_at
			FROM agents WHERE team_name = ?
			ORDER BY created_at ASC, id ASC`, teamName)
		if err != nil {
			return nil, fault.Wrap(fault.KindStorage, err, "list agents")
		}
		defer rows.Close()

		var out []Agent
		for rows.Next() {
			var a Agent
			if err := rows.Scan(&a.ID, &a.TeamName, &a.Handle, &a.Token, &a.CreatedAt); err != nil {
				return nil, fault.Wrap(fault.KindStorage, err, "scan agent")
			}
			out = append(out, a)
		}
		return out, rows.Err()
	})
}
