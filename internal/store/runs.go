package store

import (
	"context"
	"fmt"

	"github.com/roach88/signalflow/internal/model"
)

// HistoryLimit is the default number of optimization runs returned by history.
const HistoryLimit = 10

// WriteOptimizationRun stores an optimizer result.
// Uses ON CONFLICT(id) DO NOTHING for idempotency.
func (s *Store) WriteOptimizationRun(ctx context.Context, run model.OptimizationRun) error {
	params := run.Parameters
	if params == nil {
		params = map[string]float64{}
	}
	paramsJSON, err := marshalJSON("parameters", params)
	if err != nil {
		return fmt.Errorf("write optimization run: %w", err)
	}
	resultJSON, err := marshalJSON("result", run.Result)
	if err != nil {
		return fmt.Errorf("write optimization run: %w", err)
	}
	created := run.CreatedAt
	if created.IsZero() {
		created = s.now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO optimization_runs (id, intersection_id, algorithm, parameters, result, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, run.ID, run.IntersectionID, run.Algorithm, paramsJSON, resultJSON, unixMillis(created))
	if err != nil {
		return fmt.Errorf("write optimization run: %w", err)
	}
	return nil
}

// ListOptimizationRuns returns the newest runs for an intersection.
// A limit <= 0 uses HistoryLimit.
func (s *Store) ListOptimizationRuns(ctx context.Context, intersectionID string, limit int) ([]model.OptimizationRun, error) {
	if limit <= 0 {
		limit = HistoryLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, intersection_id, algorithm, parameters, result, created_at
		FROM optimization_runs
		WHERE intersection_id = ?
		ORDER BY created_at DESC, id COLLATE BINARY DESC
		LIMIT ?
	`, intersectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query optimization runs: %w", err)
	}
	defer rows.Close()

	out := []model.OptimizationRun{}
	for rows.Next() {
		var (
			run            model.OptimizationRun
			params, result string
			created        int64
		)
		if err := rows.Scan(&run.ID, &run.IntersectionID, &run.Algorithm, &params, &result, &created); err != nil {
			return nil, fmt.Errorf("scan optimization run: %w", err)
		}
		if err := unmarshalJSON("parameters", params, &run.Parameters); err != nil {
			return nil, err
		}
		if err := unmarshalJSON("result", result, &run.Result); err != nil {
			return nil, err
		}
		run.CreatedAt = fromMillis(created)
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate optimization runs: %w", err)
	}
	return out, nil
}
