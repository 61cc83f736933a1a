package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/signalflow/internal/model"
)

// ListSignals returns the signal heads of an intersection ordered by position.
// Returns an empty slice (not nil) if the intersection has none.
func (s *Store) ListSignals(ctx context.Context, intersectionID string) ([]model.Signal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, intersection_id, position, default_timing, min_timing, max_timing, status, last_changed
		FROM signals
		WHERE intersection_id = ?
		ORDER BY position COLLATE BINARY ASC, id COLLATE BINARY ASC
	`, intersectionID)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	out := []model.Signal{}
	for rows.Next() {
		var (
			sig     model.Signal
			status  string
			changed int64
		)
		if err := rows.Scan(&sig.ID, &sig.IntersectionID, &sig.Position, &sig.DefaultTiming,
			&sig.MinTiming, &sig.MaxTiming, &status, &changed); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		sig.Status = model.SignalStatus(status)
		sig.LastChanged = fromMillis(changed)
		out = append(out, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signals: %w", err)
	}
	return out, nil
}

// UpdateSignalStatus sets the lamp state of one signal head.
// Returns ErrNotFound if the signal does not exist.
func (s *Store) UpdateSignalStatus(ctx context.Context, signalID string, status model.SignalStatus, at time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("update signal status: invalid status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE signals SET status = ?, last_changed = ? WHERE id = ?
	`, string(status), unixMillis(at), signalID)
	if err != nil {
		return fmt.Errorf("update signal status: %w", err)
	}
	return requireAffected(res, "signal "+signalID)
}

// UpdateSignalTiming changes the timing bounds of the head at position.
// Returns ErrNotFound if the signal does not exist.
func (s *Store) UpdateSignalTiming(ctx context.Context, intersectionID, position string, def, min, max float64) error {
	if min > def || def > max {
		return fmt.Errorf("update signal timing: require min <= default <= max (%g, %g, %g)", min, def, max)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE signals SET default_timing = ?, min_timing = ?, max_timing = ?
		WHERE intersection_id = ? AND position = ?
	`, def, min, max, intersectionID, position)
	if err != nil {
		return fmt.Errorf("update signal timing: %w", err)
	}
	return requireAffected(res, "signal "+model.SignalID(intersectionID, position))
}
