package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/signalflow/internal/model"
)

// SavePlan stores a timing plan and returns it with Hash, ID, and CreatedAt
// filled in. The hash is always recomputed from the plan contents.
//
// When the plan has no ID, the first 16 hex digits of its hash are used, so
// saving an identical plan twice is a no-op (ON CONFLICT DO NOTHING). The
// returned plan is the stored row.
func (s *Store) SavePlan(ctx context.Context, p model.TimingPlan) (model.TimingPlan, error) {
	hash, err := model.PlanHash(p)
	if err != nil {
		return p, fmt.Errorf("save plan: %w", err)
	}
	p.Hash = hash
	if p.ID == "" {
		p.ID = "plan-" + hash[:16]
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	}

	greens, err := marshalJSON("green_times", p.GreenTimes)
	if err != nil {
		return p, fmt.Errorf("save plan: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO timing_plans
		(id, intersection_id, name, source, green_times, cycle_length, offset_seconds, active, hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		p.ID, p.IntersectionID, p.Name, p.Source, greens, p.CycleLength, p.Offset, p.Hash, unixMillis(p.CreatedAt),
	)
	if err != nil {
		return p, fmt.Errorf("save plan: %w", err)
	}
	return s.getPlan(ctx, p.ID)
}

// getPlan returns a plan by ID.
func (s *Store) getPlan(ctx context.Context, id string) (model.TimingPlan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, intersection_id, name, source, green_times, cycle_length, offset_seconds, active, hash, created_at
		FROM timing_plans
		WHERE id = ?
	`, id)
	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TimingPlan{}, fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}
	return p, err
}

// ActivatePlan marks planID as the only active plan for its intersection.
// Returns ErrNotFound if the plan does not exist.
func (s *Store) ActivatePlan(ctx context.Context, intersectionID, planID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("activate plan: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if _, err := tx.ExecContext(ctx, `
		UPDATE timing_plans SET active = 0 WHERE intersection_id = ?
	`, intersectionID); err != nil {
		return fmt.Errorf("activate plan: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE timing_plans SET active = 1 WHERE id = ? AND intersection_id = ?
	`, planID, intersectionID)
	if err != nil {
		return fmt.Errorf("activate plan: %w", err)
	}
	if err := requireAffected(res, "plan "+planID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("activate plan: commit: %w", err)
	}
	return nil
}

// ActivePlan returns the active plan for an intersection.
// Returns ErrNotFound if none is active.
func (s *Store) ActivePlan(ctx context.Context, intersectionID string) (model.TimingPlan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, intersection_id, name, source, green_times, cycle_length, offset_seconds, active, hash, created_at
		FROM timing_plans
		WHERE intersection_id = ? AND active = 1
		ORDER BY created_at DESC, id COLLATE BINARY ASC
		LIMIT 1
	`, intersectionID)
	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TimingPlan{}, fmt.Errorf("active plan for %s: %w", intersectionID, ErrNotFound)
	}
	return p, err
}

// ListPlans returns all plans for an intersection, newest first.
func (s *Store) ListPlans(ctx context.Context, intersectionID string) ([]model.TimingPlan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, intersection_id, name, source, green_times, cycle_length, offset_seconds, active, hash, created_at
		FROM timing_plans
		WHERE intersection_id = ?
		ORDER BY created_at DESC, id COLLATE BINARY ASC
	`, intersectionID)
	if err != nil {
		return nil, fmt.Errorf("query plans: %w", err)
	}
	defer rows.Close()

	out := []model.TimingPlan{}
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plans: %w", err)
	}
	return out, nil
}

func scanPlan(r rowScanner) (model.TimingPlan, error) {
	var (
		p       model.TimingPlan
		greens  string
		active  int
		created int64
	)
	err := r.Scan(&p.ID, &p.IntersectionID, &p.Name, &p.Source, &greens, &p.CycleLength,
		&p.Offset, &active, &p.Hash, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.TimingPlan{}, err
		}
		return model.TimingPlan{}, fmt.Errorf("scan plan: %w", err)
	}
	p.Active = active != 0
	p.CreatedAt = fromMillis(created)
	if err := unmarshalJSON("green_times", greens, &p.GreenTimes); err != nil {
		return model.TimingPlan{}, err
	}
	return p, nil
}
