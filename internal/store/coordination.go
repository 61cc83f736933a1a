package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/signalflow/internal/model"
)

// WriteEmergency records a preemption request.
// Uses ON CONFLICT(id) DO NOTHING for idempotency.
func (s *Store) WriteEmergency(ctx context.Context, req model.EmergencyRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO emergencies
		(id, intersection_id, approach, vehicle_type, eta_seconds, priority_level, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		req.ID, req.IntersectionID, req.Approach, string(req.VehicleType), req.ETASeconds, req.PriorityLevel,
		unixMillis(req.CreatedAt), unixMillis(req.Expiry()),
	)
	if err != nil {
		return fmt.Errorf("write emergency: %w", err)
	}
	return nil
}

// ClearEmergency marks a request as served.
// Returns ErrNotFound if the id is unknown or already cleared.
func (s *Store) ClearEmergency(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE emergencies SET cleared_at = ? WHERE id = ? AND cleared_at IS NULL
	`, unixMillis(at), id)
	if err != nil {
		return fmt.Errorf("clear emergency: %w", err)
	}
	return requireAffected(res, "emergency "+id)
}

// OpenEmergencies returns uncleared, unexpired requests at an intersection,
// highest priority first, then oldest first.
func (s *Store) OpenEmergencies(ctx context.Context, intersectionID string, now time.Time) ([]model.EmergencyRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, intersection_id, approach, vehicle_type, eta_seconds, priority_level, created_at, expires_at
		FROM emergencies
		WHERE intersection_id = ? AND cleared_at IS NULL AND expires_at > ?
		ORDER BY priority_level DESC, created_at ASC, id COLLATE BINARY ASC
	`, intersectionID, unixMillis(now))
	if err != nil {
		return nil, fmt.Errorf("query emergencies: %w", err)
	}
	defer rows.Close()

	out := []model.EmergencyRequest{}
	for rows.Next() {
		var (
			req              model.EmergencyRequest
			vt               string
			created, expires int64
		)
		if err := rows.Scan(&req.ID, &req.IntersectionID, &req.Approach, &vt, &req.ETASeconds,
			&req.PriorityLevel, &created, &expires); err != nil {
			return nil, fmt.Errorf("scan emergency: %w", err)
		}
		req.VehicleType = model.VehicleType(vt)
		req.CreatedAt = fromMillis(created)
		req.ExpiresAt = fromMillis(expires)
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate emergencies: %w", err)
	}
	return out, nil
}

// WriteGreenWave stores or replaces a green wave.
func (s *Store) WriteGreenWave(ctx context.Context, w model.GreenWave) error {
	members, err := marshalJSON("intersections", w.Intersections)
	if err != nil {
		return fmt.Errorf("write green wave: %w", err)
	}
	offsets := w.Offsets
	if offsets == nil {
		offsets = map[string]float64{}
	}
	offsetsJSON, err := marshalJSON("offsets", offsets)
	if err != nil {
		return fmt.Errorf("write green wave: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO green_waves
		(id, corridor_id, direction, speed_kph, intersections, offsets, cycle_length, start_time, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			offsets = excluded.offsets,
			cycle_length = excluded.cycle_length,
			status = excluded.status
	`,
		w.ID, w.CorridorID, w.Direction, w.SpeedKPH, members, offsetsJSON, w.CycleLength,
		unixMillis(w.StartTime), w.Status,
	)
	if err != nil {
		return fmt.Errorf("write green wave: %w", err)
	}
	return nil
}

// GetGreenWave returns a green wave by id.
// Returns ErrNotFound if it does not exist.
func (s *Store) GetGreenWave(ctx context.Context, id string) (model.GreenWave, error) {
	var (
		w                model.GreenWave
		members, offsets string
		start            int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, corridor_id, direction, speed_kph, intersections, offsets, cycle_length, start_time, status
		FROM green_waves WHERE id = ?
	`, id).Scan(&w.ID, &w.CorridorID, &w.Direction, &w.SpeedKPH, &members, &offsets, &w.CycleLength, &start, &w.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return model.GreenWave{}, fmt.Errorf("green wave %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.GreenWave{}, fmt.Errorf("get green wave: %w", err)
	}
	if err := unmarshalJSON("intersections", members, &w.Intersections); err != nil {
		return model.GreenWave{}, err
	}
	if err := unmarshalJSON("offsets", offsets, &w.Offsets); err != nil {
		return model.GreenWave{}, err
	}
	w.StartTime = fromMillis(start)
	return w, nil
}
