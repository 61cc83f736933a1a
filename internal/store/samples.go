package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/signalflow/internal/model"
)

const sampleColumns = `intersection_id, approach_id, vehicle_count, queue_length, average_speed,
	waiting_time, vehicle_types, emergency_present, ts`

// WriteSample appends one traffic sample.
func (s *Store) WriteSample(ctx context.Context, sample model.TrafficSample) error {
	return s.WriteSamples(ctx, []model.TrafficSample{sample})
}

// WriteSamples appends samples in a single transaction.
// Invalid samples abort the whole batch.
func (s *Store) WriteSamples(ctx context.Context, samples []model.TrafficSample) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write samples: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO traffic_samples (`+sampleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("write samples: prepare: %w", err)
	}
	defer stmt.Close()

	for i, sample := range samples {
		if err := sample.Validate(); err != nil {
			return fmt.Errorf("write samples[%d]: %w", i, err)
		}
		types := sample.VehicleTypes
		if types == nil {
			types = map[model.VehicleType]int{}
		}
		typesJSON, err := marshalJSON("vehicle_types", types)
		if err != nil {
			return fmt.Errorf("write samples[%d]: %w", i, err)
		}
		ts := sample.Timestamp
		if ts.IsZero() {
			ts = s.now()
		}
		if _, err := stmt.ExecContext(ctx,
			sample.IntersectionID, sample.ApproachID, sample.VehicleCount, sample.QueueLength,
			sample.AverageSpeed, sample.WaitingTime, typesJSON, boolInt(sample.EmergencyPresent), unixMillis(ts),
		); err != nil {
			return fmt.Errorf("write samples[%d]: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write samples: commit: %w", err)
	}
	return nil
}

// ReadSamples returns samples for an intersection with start <= ts < end,
// ordered by time then insertion order.
func (s *Store) ReadSamples(ctx context.Context, intersectionID string, start, end time.Time) ([]model.TrafficSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sampleColumns+`
		FROM traffic_samples
		WHERE intersection_id = ? AND ts >= ? AND ts < ?
		ORDER BY ts ASC, id ASC
	`, intersectionID, boundMillis(start), boundMillis(end))
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()
	return scanSamples(rows)
}

// RecentSamples returns the latest limit samples per approach of an
// intersection, oldest first within each approach. Approaches are ordered by id.
func (s *Store) RecentSamples(ctx context.Context, intersectionID string, limit int) ([]model.TrafficSample, error) {
	if limit <= 0 {
		return []model.TrafficSample{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sampleColumns+` FROM (
			SELECT *, ROW_NUMBER() OVER (PARTITION BY approach_id ORDER BY ts DESC, id DESC) AS rn
			FROM traffic_samples
			WHERE intersection_id = ?
		)
		WHERE rn <= ?
		ORDER BY approach_id COLLATE BINARY ASC, ts ASC, id ASC
	`, intersectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent samples: %w", err)
	}
	defer rows.Close()
	return scanSamples(rows)
}

// CountSamples returns the number of samples with start <= ts < end across
// all intersections.
func (s *Store) CountSamples(ctx context.Context, start, end time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM traffic_samples WHERE ts >= ? AND ts < ?
	`, boundMillis(start), boundMillis(end)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count samples: %w", err)
	}
	return n, nil
}

// PruneSamples deletes samples older than before and returns how many were removed.
func (s *Store) PruneSamples(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM traffic_samples WHERE ts < ?`, boundMillis(before))
	if err != nil {
		return 0, fmt.Errorf("prune samples: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune samples: %w", err)
	}
	return n, nil
}

func scanSamples(rows *sql.Rows) ([]model.TrafficSample, error) {
	out := []model.TrafficSample{}
	for rows.Next() {
		var (
			sample    model.TrafficSample
			types     string
			emergency int
			ts        int64
		)
		if err := rows.Scan(&sample.IntersectionID, &sample.ApproachID, &sample.VehicleCount,
			&sample.QueueLength, &sample.AverageSpeed, &sample.WaitingTime, &types, &emergency, &ts); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		if err := unmarshalJSON("vehicle_types", types, &sample.VehicleTypes); err != nil {
			return nil, err
		}
		sample.EmergencyPresent = emergency != 0
		sample.Timestamp = fromMillis(ts)
		out = append(out, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate samples: %w", err)
	}
	return out, nil
}

// boundMillis rounds a range bound up to the next whole millisecond, so
// stored (truncated) timestamps compare the same way the times they came
// from would.
func boundMillis(t time.Time) int64 {
	ms := unixMillis(t)
	if t.Nanosecond()%int(time.Millisecond) != 0 {
		ms++
	}
	return ms
}
