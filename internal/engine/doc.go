// Package engine implements the signalflow edge coordinator.
//
// The engine owns one controller per active intersection and is the only
// writer of signal state. It receives traffic samples, emergency requests,
// timing plans, green waves, overrides, and ticks, and turns them into
// signal head transitions.
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// All events are processed in a single goroutine. This ensures:
//   - No two phases are ever green at once, without locking controllers
//   - The signal event log has one strictly increasing seq order
//   - A scenario replayed with Step produces the same log every time
//
// Event Processing Flow:
//  1. API handlers and the MQTT bridge call Submit, which enqueues an event
//  2. Run() dequeues events one at a time, between wall-clock ticks
//  3. handle() routes to the event's handler
//  4. Controllers return the head transitions they caused
//  5. emit() stamps each transition with Clock.Next(), writes it to SQLite,
//     updates the signal row, publishes it on the bus, and counts it
//
// Controller Cycle:
// Each phase runs green, yellow, all_red. Plans and topology changes are
// staged and only take effect when phase 0 green starts. Emergency
// preemption ends a conflicting green immediately but never skips yellow or
// all-red. Green wave members stretch their last phase green so phase 0
// green starts on the wave grid.
//
// Event ordering:
// Signal events are ordered by seq, never by wall-clock time. Restore
// resumes the sequence from the highest stored seq.
package engine
