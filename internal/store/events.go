package store

import (
	"context"
	"fmt"

	"github.com/roach88/signalflow/internal/model"
)

// WriteSignalEvent appends a signal transition to the event log.
// Uses ON CONFLICT(seq) DO NOTHING for idempotency - replaying the same seq
// is silently ignored.
func (s *Store) WriteSignalEvent(ctx context.Context, e model.SignalEvent) error {
	if e.Seq <= 0 {
		return fmt.Errorf("write signal event: seq must be positive, got %d", e.Seq)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signal_events
		(seq, intersection_id, approach, phase, from_status, to_status, reason, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(seq) DO NOTHING
	`,
		e.Seq, e.IntersectionID, e.Approach, e.Phase, string(e.From), string(e.To), e.Reason, unixMillis(e.At),
	)
	if err != nil {
		return fmt.Errorf("write signal event: %w", err)
	}
	return nil
}

// ReadSignalEvents returns events with seq > afterSeq ordered by seq.
// An empty intersectionID returns events for all intersections.
// A limit <= 0 returns everything.
func (s *Store) ReadSignalEvents(ctx context.Context, intersectionID string, afterSeq int64, limit int) ([]model.SignalEvent, error) {
	query := `
		SELECT seq, intersection_id, approach, phase, from_status, to_status, reason, at
		FROM signal_events
		WHERE seq > ?`
	args := []any{afterSeq}
	if intersectionID != "" {
		query += ` AND intersection_id = ?`
		args = append(args, intersectionID)
	}
	query += ` ORDER BY seq ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query signal events: %w", err)
	}
	defer rows.Close()

	out := []model.SignalEvent{}
	for rows.Next() {
		var (
			e        model.SignalEvent
			from, to string
			at       int64
		)
		if err := rows.Scan(&e.Seq, &e.IntersectionID, &e.Approach, &e.Phase, &from, &to, &e.Reason, &at); err != nil {
			return nil, fmt.Errorf("scan signal event: %w", err)
		}
		e.From = model.SignalStatus(from)
		e.To = model.SignalStatus(to)
		e.At = fromMillis(at)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signal events: %w", err)
	}
	return out, nil
}

// MaxSeq returns the highest seq in the event log, or 0 if it is empty.
// Used to resume the engine clock after a restart.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM signal_events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	return seq, nil
}
