package store

import (
	"context"
	"database/sql"

	"github.com/fleetmux/fleetmux/internal/fault"
)

// DepositPheromone lays or reinforces a trail. A second deposit by the
// same depositor on the same resource and trail type adds to the
// existing intensity instead of creating a parallel trail.
func (s *Store) DepositPheromone(ctx context.Context, p Pheromone) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE pheromones SET intensity = intensity + ?, metadata = ?, created_at = ?
			WHERE swarm_id = ? AND depositor_handle = ? AND resource_id = ? AND trail_type = ?`,
			p.Intensity, p.Metadata, p.CreatedAt,
			p.SwarmID, p.DepositorHandle, p.ResourceID, p.TrailType)
		if err != nil {
			return fault.Wrap(fault.KindStorage, err, "reinforce pheromone")
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO pheromones
				(id, swarm_id, depositor_handle, resource_id, resource_type,
				 trail_type, intensity, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.SwarmID, p.DepositorHandle, p.ResourceID, p.ResourceType,
			p.TrailType, p.Intensity, p.Metadata, p.CreatedAt)
		if err != nil {
			return fault.Wrap(fault.KindStorage, err, "deposit pheromone")
		}
		return nil
	})
}

// PheromoneFilter narrows ListPheromones. Zero values match everything.
type PheromoneFilter struct {
	ResourceID   string
	ResourceType string
	TrailType    string
	MinIntensity float64
	Since        int64 // created_at strictly after
}

// ListPheromones returns a swarm's trails strongest first.
func (s *Store) ListPheromones(ctx context.Context, swarmID string, f PheromoneFilter) ([]Pheromone, error) {
	return readRetry(ctx, func() ([]Pheromone, error) {
		q := `SELECT id, swarm_id, depositor_handle, resource_id, resource_type,
			trail_type, intensity, metadata, created_at
			FROM pheromones WHERE swarm_id = ?`
		args := []any{swarmID}
		if f.ResourceID != "" {
			q += " AND resource_id = ?"
			args = append(args, f.ResourceID)
		}
		if f.ResourceType != "" {
			q += " AND resource_type = ?"
			args = append(args, f.ResourceType)
		}
		if f.TrailType != "" {
			q += " AND trail_type = ?"
			args = append(args, f.TrailType)
		}
		if f.MinIntensity > 0 {
			q += " AND intensity >= ?"
			args = append(args, f.MinIntensity)
		}
		if f.Since > 0 {
			q += " AND created_at > ?"
			args = append(args, f.Since)
		}
		q += " ORDER BY intensity DESC, created_at ASC, id ASC"

		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, fault.Wrap(fault.KindStorage, err, "list pheromones")
		}
		defer rows.Close()

		var out []Pheromone
		for rows.Next() {
			var p Pheromone
			if err := rows.Scan(&p.ID, &p.SwarmID, &p.DepositorHandle, &p.ResourceID,
				&p.ResourceType, &p.TrailType, &p.Intensity, &p.Metadata, &p.CreatedAt); err != nil {
				return nil, fault.Wrap(fault.KindStorage, err, "scan pheromone")
			}
			out = append(out, p)
		}
		return out, rows.Err()
	})
}

// DecayPheromones multiplies every trail's intensity by (1-rate) and
// drops trails that fall below min. Empty swarmID decays all swarms.
// Returns how many trails were decayed and how many evaporated.
func (s *Store) DecayPheromones(ctx context.Context, swarmID string, rate, min float64) (decayed, evaporated int64, err error) {
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		q := `UPDATE pheromones SET intensity = intensity * ?`
		args := []any{1 - rate}
		if swarmID != "" {
			q += " WHERE swarm_id = ?"
			args = append(args, swarmID)
		}
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return fault.Wrap(fault.KindStorage, err, "decay pheromones")
		}
		decayed, _ = res.RowsAffected()

		q = `DELETE FROM pheromones WHERE intensity < ?`
		args = []any{min}
		if swarmID != "" {
			q += " AND swarm_id = ?"
			args = append(args, swarmID)
		}
		res, err = tx.ExecContext(ctx, q, args...)
		if err != nil {
			return fault.Wrap(fault.KindStorage, err, "evaporate pheromones")
		}
		evaporated, _ = res.RowsAffected()
		return nil
	})
	return decayed, evaporated, err
}
