// Package store provides SQLite-backed durable storage for signalflow.
//
// The store holds:
//   - Intersections and their per-approach signal heads
//   - Timing plans (content-addressed by model.PlanHash, one active per intersection)
//   - Traffic samples reported by field devices
//   - The signal event log, keyed by the engine's logical seq
//   - Optimization runs, emergencies, green waves, settings, users, devices
//
// # Ordering
//
// Every list query carries an ORDER BY with a unique tiebreaker so results
// are identical across runs. The signal event log orders by seq only, never
// by wall-clock time.
//
// # Idempotency
//
// Signal events use ON CONFLICT(seq) DO NOTHING so replaying an engine run
// against the same database cannot duplicate the log.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
