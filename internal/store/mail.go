package store

import (
	"context"

	"github.com/fleetmux/fleetmux/internal/fault"
)

// SendMail persists a point-to-point message.
func (s *Store) SendMail(ctx context.Context, m MailMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mail (id, team_name, from_handle, to_handle, subject, body, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TeamName, m.FromHandle, m.ToHandle, m.Subject, m.Body, m.Read, m.CreatedAt)
	if err != nil {
		return fault.Wrap(fault.KindStorage, err, "send mail")
	}
	return nil
}

// ListMail returns a recipient's mail oldest first. unreadOnly skips
// messages already marked read.
func (s *Store) ListMail(ctx context.Context, toHandle string, unreadOnly bool) ([]MailMessage, error) {
	return readRetry(ctx, func() ([]MailMessage, error) {
		q := `SELECT id, team_name, from_handle, to_handle, subject, body, read, created_at
			FROM mail WHERE to_handle = ?`
		args := []any{toHandle}
		if unreadOnly {
			q += " AND read = 0"
		}
		q += " ORDER BY created_at ASC, id ASC"

		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, fault.Wrap(fault.KindStorage, err, "list mail")
		}
		defer rows.Close()

		var out []MailMessage
		for rows.Next() {
			var m MailMessage
			if err := rows.Scan(&m.ID, &m.TeamName, &m.FromHandle, &m.ToHandle,
				&m.Subject, &m.Body, &m.Read, &m.CreatedAt); err != nil {
				return nil, fault.Wrap(fault.KindStorage, err, "scan mail")
			}
			out = append(out, m)
		}
		return out, rows.Err()
	})
}

// MarkMailRead flags a message read. Idempotent.
func (s *Store) MarkMailRead(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE mail SET read = 1 WHERE id = ?`, id)
	if err != nil {
		return fault.Wrap(fault.KindStorage, err, "mark mail read")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.New(fault.KindNotFound, "mail %q not found", id)
	}
	return nil
}
