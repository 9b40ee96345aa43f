package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"slices"

	"github.com/cenkalti/backoff/v5"

	"github.com/fleetmux/fleetmux/internal/fault"
	"github.com/fleetmux/fleetmux/internal/msgcodec"
)

// blackboardCap bounds live (unarchived) messages per swarm. Posting
// past the cap evicts the oldest live messages.
const blackboardCap = 10000

// PostBlackboard persists a message, compressing large payloads, and
// evicts the oldest live messages past the per-swarm cap.
func (s *Store) PostBlackboard(ctx context.Context, m BlackboardMessage) error {
	payload, comp, err := msgcodec.Compress(m.Payload)
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "compress blackboard payload")
	}
	readBy, err := json.Marshal(m.ReadBy)
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "encode read_by")
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO blackboard_messages
				(id, swarm_id, sender_handle, message_type, target_handle,
				 priority, payload, payload_compression, read_by, created_at, archived_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
			m.ID, m.SwarmID, m.SenderHandle, m.MessageType, m.TargetHandle,
			m.Priority, payload, comp, string(readBy), m.CreatedAt)
		if err != nil {
			return fault.Wrap(fault.KindStorage, err, "post blackboard message")
		}

		var live int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM blackboard_messages
			WHERE swarm_id = ? AND archived_at = 0`, m.SwarmID).Scan(&live); err != nil {
			return fault.Wrap(fault.KindStorage, err, "count blackboard messages")
		}
		if live > blackboardCap {
			_, err := tx.ExecContext(ctx, `
				DELETE FROM blackboard_messages WHERE id IN (
					SELECT id FROM blackboard_messages
					WHERE swarm_id = ? AND archived_at = 0
					ORDER BY created_at ASC, id ASC LIMIT ?)`,
				m.SwarmID, live-blackboardCap)
			if err != nil {
				return fault.Wrap(fault.KindStorage, err, "evict blackboard messages")
			}
		}
		return nil
	})
}

// BlackboardFilter narrows ListBlackboard. Zero values match everything.
type BlackboardFilter struct {
	MessageType     MessageType
	TargetHandle    string // matches targeted + broadcast messages
	Since           int64  // created_at strictly after
	IncludeArchived bool
	Limit           int // 0 = no limit
}

// ListBlackboard returns a swarm's messages oldest first.
func (s *Store) ListBlackboard(ctx context.Context, swarmID string, f BlackboardFilter) ([]BlackboardMessage, error) {
	return readRetry(ctx, func() ([]BlackboardMessage, error) {
		q := `SELECT id, swarm_id, sender_handle, message_type, target_handle,
			priority, payload, payload_compression, read_by, created_at, archived_at
			FROM blackboard_messages WHERE swarm_id = ?`
		args := []any{swarmID}
		if !f.IncludeArchived {
			q += " AND archived_at = 0"
		}
		if f.MessageType != "" {
			q += " AND message_type = ?"
			args = append(args, f.MessageType)
		}
		if f.TargetHandle != "" {
			q += " AND (target_handle = ? OR target_handle = '')"
			args = append(args, f.TargetHandle)
		}
		if f.Since > 0 {
			q += " AND created_at > ?"
			args = append(args, f.Since)
		}
		q += " ORDER BY created_at ASC, id ASC"
		if f.Limit > 0 {
			q += " LIMIT ?"
			args = append(args, f.Limit)
		}

		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, fault.Wrap(fault.KindStorage, err, "list blackboard")
		}
		defer rows.Close()

		var out []BlackboardMessage
		for rows.Next() {
			m, err := scanBlackboard(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, m)
		}
		return out, rows.Err()
	})
}

// GetBlackboard returns one message by id.
func (s *Store) GetBlackboard(ctx context.Context, id string) (BlackboardMessage, error) {
	return readRetry(ctx, func() (BlackboardMessage, error) {
		row := s.db.QueryRowContext(ctx, `
			SELECT id, swarm_id, sender_handle, message_type, target_handle,
				priority, payload, payload_compression, read_by, created_at, archived_at
			FROM blackboard_messages WHERE id = ?`, id)
		m, err := scanBlackboard(row)
		if errors.Is(err, sql.ErrNoRows) {
			return BlackboardMessage{}, backoff.Permanent(fault.New(fault.KindNotFound, "blackboard message %q not found", id))
		}
		return m, err
	})
}

// MarkBlackboardRead appends reader to a message's read_by set. Reading
// is monotonic: a handle is recorded once and never removed.
func (s *Store) MarkBlackboardRead(ctx context.Context, id, reader string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx, `
			SELECT read_by FROM blackboard_messages WHERE id = ?`, id).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return fault.New(fault.KindNotFound, "blackboard message %q not found", id)
		}
		if err != nil {
			return fault.Wrap(fault.KindStorage, err, "read read_by")
		}

		var readers []string
		if err := json.Unmarshal([]byte(raw), &readers); err != nil {
			return fault.Wrap(fault.KindStorage, err, "decode read_by")
		}
		if slices.Contains(readers, reader) {
			return nil
		}
		readers = append(readers, reader)
		enc, err := json.Marshal(readers)
		if err != nil {
			return fault.Wrap(fault.KindInternal, err, "encode read_by")
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE blackboard_messages SET read_by = ? WHERE id = ?`, string(enc), id)
		if err != nil {
			return fault.Wrap(fault.KindStorage, err, "mark read")
		}
		return nil
	})
}

// ArchiveBlackboard marks a message archived. Archived messages no
// longer count against the swarm cap and drop out of default listings.
func (s *Store) ArchiveBlackboard(ctx context.Context, id string, at int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE blackboard_messages SET archived_at = ?
		WHERE id = ? AND archived_at = 0`, at, id)
	if err != nil {
		return fault.Wrap(fault.KindStorage, err, "archive blackboard message")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.New(fault.KindNotFound, "blackboard message %q not found or already archived", id)
	}
	return nil
}

// CountBlackboard counts a swarm's live messages.
func (s *Store) CountBlackboard(ctx context.Context, swarmID string) (int, error) {
	return readRetry(ctx, func() (int, error) {
		var n int
		err := s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM blackboard_messages
			WHERE swarm_id = ? AND archived_at = 0`, swarmID).Scan(&n)
		if err != nil {
			return 0, fault.Wrap(fault.KindStorage, err, "count blackboard")
		}
		return n, nil
	})
}

func scanBlackboard(row interface{ Scan(...any) error }) (BlackboardMessage, error) {
	var (
		m       BlackboardMessage
		payload []byte
		comp    msgcodec.Compression
		readBy  string
	)
	err := row.Scan(&m.ID, &m.SwarmID, &m.SenderHandle, &m.MessageType, &m.TargetHandle,
		&m.Priority, &payload, &comp, &readBy, &m.CreatedAt, &m.ArchivedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return m, err
		}
		return m, fault.Wrap(fault.KindStorage, err, "scan blackboard message")
	}
	if m.Payload, err = msgcodec.Decompress(payload, comp); err != nil {
		return m, fault.Wrap(fault.KindStorage, err, "decompress blackboard payload")
	}
	if err := json.Unmarshal([]byte(readBy), &m.ReadBy); err != nil {
		return m, fault.Wrap(fault.KindStorage, err, "decode read_by")
	}
	return m, nil
}
