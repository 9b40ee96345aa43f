package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/cenkalti/backoff/v5"

	"github.com/fleetmux/fleetmux/internal/fault"
)

// CreateWorkItem inserts a new open work item.
func (s *Store) CreateWorkItem(ctx context.Context, w WorkItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO work_items (id, team_name, title, description, status,
			assignee_handle, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.TeamName, w.Title, w.Description, w.Status,
		w.AssigneeHandle, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fault.Wrap(fault.KindStorage, err, "create work item")
	}
	return nil
}

// GetWorkItem returns a work item by id.
func (s *Store) GetWorkItem(ctx context.Context, id string) (WorkItem, error) {
	return readRetry(ctx, func() (WorkItem, error) {
		var w WorkItem
		err := s.db.QueryRowContext(ctx, `
			SELECT id, team_name, title, description, status, assignee_handle,
				created_at, updated_at
			FROM work_items WHERE id = ?`, id).
			Scan(&w.ID, &w.TeamName, &w.Title, &w.Description, &w.Status,
				&w.AssigneeHandle, &w.CreatedAt, &w.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return WorkItem{}, backoff.Permanent(fault.New(fault.KindNotFound, "work item %q not found", id))
		}
		if err != nil {
			return WorkItem{}, fault.Wrap(fault.KindStorage, err, "get work item")
		}
		return w, nil
	})
}

// ListWorkItems returns a team's items oldest first, optionally
// filtered by status.
func (s *Store) ListWorkItems(ctx context.Context, teamName string, status WorkItemStatus) ([]WorkItem, error) {
	return readRetry(ctx, func() ([]WorkItem, error) {
		q := `SELECT id, team_name, title, description, status, assignee_handle,
			created_at, updated_at
			FROM work_items WHERE team_name = ?`
		args := []any{teamName}
		if status != "" {
			q += " AND status = ?"
			args = append(args, status)
		}
		q += " ORDER BY created_at ASC, id ASC"

		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, fault.Wrap(fault.KindStorage, err, "list work items")
		}
		defer rows.Close()

		var out []WorkItem
		for rows.Next() {
			var w WorkItem
			if err := rows.Scan(&w.ID, &w.TeamName, &w.Title, &w.Description,
				&w.Status, &w.AssigneeHandle, &w.CreatedAt, &w.UpdatedAt); err != nil {
				return nil, fault.Wrap(fault.KindStorage, err, "scan work item")
			}
			out = append(out, w)
		}
		return out, rows.Err()
	})
}

// UpdateWorkItem writes back status and assignment.
func (s *Store) UpdateWorkItem(ctx context.Context, w WorkItem) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_items SET title = ?, description = ?, status = ?,
			assignee_handle = ?, updated_at = ?
		WHERE id = ?`,
		w.Title, w.Description, w.Status, w.AssigneeHandle, w.UpdatedAt, w.ID)
	if err != nil {
		return fault.Wrap(fault.KindStorage, err, "update work item")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.New(fault.KindNotFound, "work item %q not found", w.ID)
	}
	return nil
}
