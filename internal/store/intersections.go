package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/signalflow/internal/model"
)

// UpsertIntersection inserts or replaces an intersection definition and
// (re)creates one signal head per approach.
//
// Existing signal status is preserved for approaches that survive the update.
// Signals for approaches no longer present are removed.
func (s *Store) UpsertIntersection(ctx context.Context, in model.Intersection) error {
	if err := in.Validate(); err != nil {
		return fmt.Errorf("upsert intersection: %w", err)
	}

	approaches, err := marshalJSON("approaches", in.Approaches)
	if err != nil {
		return fmt.Errorf("upsert intersection: %w", err)
	}
	phases, err := marshalJSON("phases", in.Phases)
	if err != nil {
		return fmt.Errorf("upsert intersection: %w", err)
	}
	adjacent := in.Adjacent
	if adjacent == nil {
		adjacent = []string{}
	}
	adjacentJSON, err := marshalJSON("adjacent", adjacent)
	if err != nil {
		return fmt.Errorf("upsert intersection: %w", err)
	}

	now := unixMillis(s.now())
	typ := in.Type
	if typ == "" {
		typ = model.FourWay
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert intersection: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	_, err = tx.ExecContext(ctx, `
		INSERT INTO intersections
		(id, name, lat, lon, type, lanes_count, approaches, phases, adjacent, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			lat = excluded.lat,
			lon = excluded.lon,
			type = excluded.type,
			lanes_count = excluded.lanes_count,
			approaches = excluded.approaches,
			phases = excluded.phases,
			adjacent = excluded.adjacent,
			active = excluded.active,
			updated_at = excluded.updated_at
	`,
		in.ID, in.Name, in.Location.Lat, in.Location.Lon, string(typ), in.LanesCount,
		approaches, phases, adjacentJSON, boolInt(in.Active), now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert intersection: %w", err)
	}

	for _, sig := range in.Signals() {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO signals
			(id, intersection_id, position, default_timing, min_timing, max_timing, status, last_changed)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				default_timing = excluded.default_timing,
				min_timing = excluded.min_timing,
				max_timing = excluded.max_timing
		`,
			sig.ID, sig.IntersectionID, sig.Position, sig.DefaultTiming, sig.MinTiming, sig.MaxTiming,
			string(sig.Status), now,
		)
		if err != nil {
			return fmt.Errorf("upsert signal %s: %w", sig.ID, err)
		}
	}

	// Drop heads for approaches removed from the definition
	rows, err := tx.QueryContext(ctx, `SELECT id, position FROM signals WHERE intersection_id = ?`, in.ID)
	if err != nil {
		return fmt.Errorf("upsert intersection: list signals: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id, pos string
		if err := rows.Scan(&id, &pos); err != nil {
			rows.Close()
			return fmt.Errorf("upsert intersection: scan signal: %w", err)
		}
		if !in.HasApproach(pos) {
			stale = append(stale, id)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("upsert intersection: iterate signals: %w", err)
	}
	rows.Close()
	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM signals WHERE id = ?`, id); err != nil {
			return fmt.Errorf("upsert intersection: delete signal %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upsert intersection: commit: %w", err)
	}
	return nil
}

// GetIntersection returns one intersection by id.
// Returns ErrNotFound if it does not exist.
func (s *Store) GetIntersection(ctx context.Context, id string) (model.Intersection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, lat, lon, type, lanes_count, approaches, phases, adjacent, active, created_at, updated_at
		FROM intersections
		WHERE id = ?
	`, id)
	in, err := scanIntersection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Intersection{}, fmt.Errorf("intersection %s: %w", id, ErrNotFound)
	}
	return in, err
}

// ListIntersections returns intersections ordered by id.
// When activeOnly is set, inactive intersections are skipped.
// Returns an empty slice (not nil) when none exist.
func (s *Store) ListIntersections(ctx context.Context, activeOnly bool) ([]model.Intersection, error) {
	query := `
		SELECT id, name, lat, lon, type, lanes_count, approaches, phases, adjacent, active, created_at, updated_at
		FROM intersections`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY id COLLATE BINARY ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query intersections: %w", err)
	}
	defer rows.Close()

	out := []model.Intersection{}
	for rows.Next() {
		in, err := scanIntersection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate intersections: %w", err)
	}
	return out, nil
}

// SetIntersectionActive toggles whether the engine controls an intersection.
func (s *Store) SetIntersectionActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE intersections SET active = ?, updated_at = ? WHERE id = ?
	`, boolInt(active), unixMillis(s.now()), id)
	if err != nil {
		return fmt.Errorf("set intersection active: %w", err)
	}
	return requireAffected(res, "intersection "+id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntersection(r rowScanner) (model.Intersection, error) {
	var (
		in                           model.Intersection
		typ, approaches, phases, adj string
		active                       int
		created, updated             int64
	)
	err := r.Scan(&in.ID, &in.Name, &in.Location.Lat, &in.Location.Lon, &typ, &in.LanesCount,
		&approaches, &phases, &adj, &active, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Intersection{}, err
		}
		return model.Intersection{}, fmt.Errorf("scan intersection: %w", err)
	}
	in.Type = model.IntersectionType(typ)
	in.Active = active != 0
	in.CreatedAt = fromMillis(created)
	in.UpdatedAt = fromMillis(updated)
	if err := unmarshalJSON("approaches", approaches, &in.Approaches); err != nil {
		return model.Intersection{}, err
	}
	if err := unmarshalJSON("phases", phases, &in.Phases); err != nil {
		return model.Intersection{}, err
	}
	if err := unmarshalJSON("adjacent", adj, &in.Adjacent); err != nil {
		return model.Intersection{}, err
	}
	return in, nil
}

func requireAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
