package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"slices"

	"github.com/cenkalti/backoff/v5"

	"github.com/fleetmux/fleetmux/internal/fault"
)

const spawnCols = `id, requester_handle, target_agent_type, depth_level, priority,
	status, depends_on, blocked_by_count, task, context, checkpoint, reason,
	created_at, processed_at, spawned_worker_id`

// EnqueueSpawn inserts a spawn request. BlockedByCount must already
// reflect the number of unsatisfied dependencies.
func (s *Store) EnqueueSpawn(ctx context.Context, it SpawnQueueItem) error {
	deps, err := json.Marshal(it.DependsOn)
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "encode depends_on")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO spawn_queue (`+spawnCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.RequesterHandle, it.TargetAgentType, it.DepthLevel, it.Priority,
		it.Status, string(deps), it.BlockedByCount, it.Payload.Task, it.Payload.Context,
		it.Payload.Checkpoint, it.Reason, it.CreatedAt, it.ProcessedAt, it.SpawnedWorkerID)
	if err != nil {
		return fault.Wrap(fault.KindStorage, err, "enqueue spawn request")
	}
	return nil
}

// GetSpawnItem returns a queue item by id.
func (s *Store) GetSpawnItem(ctx context.Context, id string) (SpawnQueueItem, error) {
	return readRetry(ctx, func() (SpawnQueueItem, error) {
		row := s.db.QueryRowContext(ctx, `SELECT `+spawnCols+` FROM spawn_queue WHERE id = ?`, id)
		it, err := scanSpawnItem(row)
		if errors.Is(err, sql.ErrNoRows) {
			return SpawnQueueItem{}, backoff.Permanent(fault.New(fault.KindNotFound, "spawn request %q not found", id))
		}
		return it, err
	})
}

// ListSpawnQueue returns queue items oldest first, optionally filtered
// by status.
func (s *Store) ListSpawnQueue(ctx context.Context, status SpawnStatus) ([]SpawnQueueItem, error) {
	return readRetry(ctx, func() ([]SpawnQueueItem, error) {
		q := `SELECT ` + spawnCols + ` FROM spawn_queue`
		var args []any
		if status != "" {
			q += " WHERE status = ?"
			args = append(args, status)
		}
		q += " ORDER BY created_at ASC, id ASC"

		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, fault.Wrap(fault.KindStorage, err, "list spawn queue")
		}
		defer rows.Close()

		var out []SpawnQueueItem
		for rows.Next() {
			it, err := scanSpawnItem(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, it)
		}
		return out, rows.Err()
	})
}

// NextPendingSpawns returns up to limit unblocked pending items in
// scheduling order: higher priority first, then oldest first.
func (s *Store) NextPendingSpawns(ctx context.Context, limit int) ([]SpawnQueueItem, error) {
	return readRetry(ctx, func() ([]SpawnQueueItem, error) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+spawnCols+` FROM spawn_queue
			WHERE status = 'pending' AND blocked_by_count = 0
			ORDER BY CASE priority
				WHEN 'critical' THEN 3
				WHEN 'high' THEN 2
				WHEN 'normal' THEN 1
				ELSE 0 END DESC,
				created_at ASC, id ASC
			LIMIT ?`, limit)
		if err != nil {
			return nil, fault.Wrap(fault.KindStorage, err, "next pending spawns")
		}
		defer rows.Close()

		var out []SpawnQueueItem
		for rows.Next() {
			it, err := scanSpawnItem(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, it)
		}
		return out, rows.Err()
	})
}

// ApproveSpawn transitions a pending item to approved. The scheduler
// holds approval until it hands the item to the supervisor.
func (s *Store) ApproveSpawn(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE spawn_queue SET status = 'approved' WHERE id = ? AND status = 'pending'`, id)
	if err != nil {
		return fault.Wrap(fault.KindStorage, err, "approve spawn request")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.New(fault.KindConflict, "spawn request %q is not pending", id)
	}
	return nil
}

// MarkSpawnProcessed transitions a pending or approved item to a final
// status and releases any items waiting on it when the outcome is
// spawned.
func (s *Store) MarkSpawnProcessed(ctx context.Context, id string, status SpawnStatus, reason, workerID string, at int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE spawn_queue
			SET status = ?, reason = ?, spawned_worker_id = ?, processed_at = ?
			WHERE id = ? AND status IN ('pending', 'approved')`,
			status, reason, workerID, at, id)
		if err != nil {
			return fault.Wrap(fault.KindStorage, err, "mark spawn processed")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fault.New(fault.KindConflict, "spawn request %q already processed", id)
		}
		if status == SpawnSpawned {
			return releaseDependents(ctx, tx, id)
		}
		return nil
	})
}

// CancelSpawn cancels a pending item on behalf of its requester.
func (s *Store) CancelSpawn(ctx context.Context, id, requester string, at int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var owner string
		var status SpawnStatus
		err := tx.QueryRowContext(ctx, `
			SELECT requester_handle, status FROM spawn_queue WHERE id = ?`, id).
			Scan(&owner, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return fault.New(fault.KindNotFound, "spawn request %q not found", id)
		}
		if err != nil {
			return fault.Wrap(fault.KindStorage, err, "get spawn request")
		}
		if owner != requester {
			return fault.New(fault.KindForbidden, "only the requester may cancel a spawn request")
		}
		if status != SpawnPending {
			return fault.New(fault.KindConflict, "spawn request %q is not pending", id)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE spawn_queue SET status = 'cancelled', processed_at = ? WHERE id = ?`, at, id)
		if err != nil {
			return fault.Wrap(fault.KindStorage, err, "cancel spawn request")
		}
		return nil
	})
}

// releaseDependents decrements blocked_by_count for every blocked item
// listing completedID among its dependencies.
func releaseDependents(ctx context.Context, tx *sql.Tx, completedID string) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, depends_on FROM spawn_queue
		WHERE status = 'pending' AND blocked_by_count > 0`)
	if err != nil {
		return fault.Wrap(fault.KindStorage, err, "list blocked spawns")
	}
	var release []string
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return fault.Wrap(fault.KindStorage, err, "scan blocked spawn")
		}
		var deps []string
		if err := json.Unmarshal([]byte(raw), &deps); err != nil {
			rows.Close()
			return fault.Wrap(fault.KindStorage, err, "decode depends_on")
		}
		if slices.Contains(deps, completedID) {
			release = append(release, id)
		}
	}
	if err := rows.Close(); err != nil {
		return fault.Wrap(fault.KindStorage, err, "close blocked spawns")
	}
	for _, id := range release {
		_, err := tx.ExecContext(ctx, `
			UPDATE spawn_queue SET blocked_by_count = blocked_by_count - 1
			WHERE id = ? AND blocked_by_count > 0`, id)
		if err != nil {
			return fault.Wrap(fault.KindStorage, err, "release dependent spawn")
		}
	}
	return nil
}

// CountSpawnsSince counts items a requester created after the cutoff,
// regardless of status. Used for rate limiting.
func (s *Store) CountSpawnsSince(ctx context.Context, requester string, since int64) (int, error) {
	return readRetry(ctx, func() (int, error) {
		var n int
		err := s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM spawn_queue
			WHERE requester_handle = ? AND created_at > ?`, requester, since).Scan(&n)
		if err != nil {
			return 0, fault.Wrap(fault.KindStorage, err, "count spawns since")
		}
		return n, nil
	})
}

func scanSpawnItem(row interface{ Scan(...any) error }) (SpawnQueueItem, error) {
	var (
		it   SpawnQueueItem
		deps string
	)
	err := row.Scan(&it.ID, &it.RequesterHandle, &it.TargetAgentType, &it.DepthLevel,
		&it.Priority, &it.Status, &deps, &it.BlockedByCount, &it.Payload.Task,
		&it.Payload.Context, &it.Payload.Checkpoint, &it.Reason, &it.CreatedAt,
		&it.ProcessedAt, &it.SpawnedWorkerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return it, err
		}
		return it, fault.Wrap(fault.KindStorage, err, "scan spawn request")
	}
	if err := json.Unmarshal([]byte(deps), &it.DependsOn); err != nil {
		return it, fault.Wrap(fault.KindStorage, err, "decode depends_on")
	}
	return it, nil
}
