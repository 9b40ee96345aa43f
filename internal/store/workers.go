package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/cenkalti/backoff/v5"

	"github.com/fleetmux/fleetmux/internal/fault"
)

const workerCols = `id, handle, team_name, role, state, health, spawn_mode, working_dir,
	pid, session_id, worktree_path, branch, swarm_id, depth_level, restart_count,
	last_heartbeat, spawned_at, dismissed_at`

func scanWorker(row interface{ Scan(...any) error }) (Worker, error) {
	var w Worker
	err := row.Scan(&w.ID, &w.Handle, &w.TeamName, &w.Role, &w.State, &w.Health,
		&w.SpawnMode, &w.WorkingDir, &w.PID, &w.SessionID, &w.WorktreePath, &w.Branch,
		&w.SwarmID, &w.DepthLevel, &w.RestartCount, &w.LastHeartbeat, &w.SpawnedAt, &w.DismissedAt)
	return w, err
}

// CreateWorker inserts a new worker row. A live worker with the same
// handle yields a Conflict error via the partial unique index.
func (s *Store) CreateWorker(ctx context.Context, w Worker) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (`+workerCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Handle, w.TeamName, w.Role, w.State, w.Health, w.SpawnMode, w.WorkingDir,
		w.PID, w.SessionID, w.WorktreePath, w.Branch, w.SwarmID, w.DepthLevel, w.RestartCount,
		w.LastHeartbeat, w.SpawnedAt, w.DismissedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fault.New(fault.KindConflict, "worker handle %q already in use", w.Handle)
		}
		return fault.Wrap(fault.KindStorage, err, "create worker %s", w.Handle)
	}
	return nil
}

// GetWorker returns the live (non-dismissed) worker with the given handle.
func (s *Store) GetWorker(ctx context.Context, handle string) (Worker, error) {
	return readRetry(ctx, func() (Worker, error) {
		row := s.db.QueryRowContext(ctx, `
			SELECT `+workerCols+` FROM workers
			WHERE handle = ? AND state != 'dismissed'`, handle)
		w, err := scanWorker(row)
		if errors.Is(err, sql.ErrNoRows) {
			return Worker{}, backoff.Permanent(fault.New(fault.KindNotFound, "worker %q not found", handle))
		}
		if err != nil {
			return Worker{}, fault.Wrap(fault.KindStorage, err, "get worker %s", handle)
		}
		return w, nil
	})
}

// GetWorkerByID returns a worker row by primary key, dismissed or not.
func (s *Store) GetWorkerByID(ctx context.Context, id string) (Worker, error) {
	return readRetry(ctx, func() (Worker, error) {
		row := s.db.QueryRowContext(ctx, `SELECT `+workerCols+` FROM workers WHERE id = ?`, id)
		w, err := scanWorker(row)
		if errors.Is(err, sql.ErrNoRows) {
			return Worker{}, backoff.Permanent(fault.New(fault.KindNotFound, "worker id %q not found", id))
		}
		if err != nil {
			return Worker{}, fault.Wrap(fault.KindStorage, err, "get worker by id %s", id)
		}
		return w, nil
	})
}

// UpdateWorker writes back all mutable worker columns.
func (s *Store) UpdateWorker(ctx context.Context, w Worker) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workers SET state = ?, health = ?, pid = ?, session_id = ?,
			worktree_path = ?, branch = ?, swarm_id = ?, restart_count = ?,
			last_heartbeat = ?, dismissed_at = ?
		WHERE id = ?`,
		w.State, w.Health, w.PID, w.SessionID, w.WorktreePath, w.Branch,
		w.SwarmID, w.RestartCount, w.LastHeartbeat, w.DismissedAt, w.ID)
	if err != nil {
		return fault.Wrap(fault.KindStorage, err, "update worker %s", w.Handle)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.New(fault.KindNotFound, "worker id %q not found", w.ID)
	}
	return nil
}

// TouchHeartbeat updates last_heartbeat for a live worker. Missing
// workers are ignored: heartbeats race with dismissal by design.
func (s *Store) TouchHeartbeat(ctx context.Context, handle string, at int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workers SET last_heartbeat = ?
		WHERE handle = ? AND state != 'dismissed'`, at, handle)
	if err != nil {
		return fault.Wrap(fault.KindStorage, err, "touch heartbeat %s", handle)
	}
	return nil
}

// WorkerFilter narrows ListWorkers. Zero values match everything.
type WorkerFilter struct {
	State          WorkerState
	Role           Role
	SwarmID        string
	IncludeRetired bool // include stopped/dismissed workers
}

// ListWorkers returns workers matching the filter ordered by spawned_at
// ascending (id breaks ties).
func (s *Store) ListWorkers(ctx context.Context, f WorkerFilter) ([]Worker, error) {
	return readRetry(ctx, func() ([]Worker, error) {
		var conds []string
		var args []any
		if f.State != "" {
			conds = append(conds, "state = ?")
			args = append(args, f.State)
		} else if !f.IncludeRetired {
			conds = append(conds, "state NOT IN ('stopped', 'dismissed')")
		}
		if f.Role != "" {
			conds = append(conds, "role = ?")
			args = append(args, f.Role)
		}
		if f.SwarmID != "" {
			conds = append(conds, "swarm_id = ?")
			args = append(args, f.SwarmID)
		}

		q := `SELECT ` + workerCols + ` FROM workers`
		if len(conds) > 0 {
			q += " WHERE " + strings.Join(conds, " AND ")
		}
		q += " ORDER BY spawned_at ASC, id ASC"

		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, fault.Wrap(fault.KindStorage, err, "list workers")
		}
		defer rows.Close()

		var out []Worker
		for rows.Next() {
			w, err := scanWorker(rows)
			if err != nil {
				return nil, fault.Wrap(fault.KindStorage, err, "scan worker")
			}
			out = append(out, w)
		}
		return out, rows.Err()
	})
}

// CountLiveWorkers counts workers in non-terminal, non-stopped states.
func (s *Store) CountLiveWorkers(ctx context.Context) (int, error) {
	return readRetry(ctx, func() (int, error) {
		var n int
		err := s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM workers
			WHERE state NOT IN ('stopped', 'dismissed')`).Scan(&n)
		if err != nil {
			return 0, fault.Wrap(fault.KindStorage, err, "count live workers")
		}
		return n, nil
	})
}

// CountSwarmWorkers counts live workers assigned to a swarm.
func (s *Store) CountSwarmWorkers(ctx context.Context, swarmID string) (int, error) {
	return readRetry(ctx, func() (int, error) {
		var n int
		err := s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM workers
			WHERE swarm_id = ? AND state NOT IN ('stopped', 'dismissed')`, swarmID).Scan(&n)
		if err != nil {
			return 0, fault.Wrap(fault.KindStorage, err, "count swarm workers")
		}
		return n, nil
	})
}

// CloseStaleWorkers marks every non-terminal worker stopped. Called once
// at startup: no child process can survive a server restart.
func (s *Store) CloseStaleWorkers(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workers SET state = 'stopped', health = 'unhealthy'
		WHERE state NOT IN ('stopped', 'dismissed')`)
	if err != nil {
		return fault.Wrap(fault.KindStorage, err, "close stale workers")
	}
	return nil
}

// isUniqueViolation reports whether err is a SQLite uniqueness error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
