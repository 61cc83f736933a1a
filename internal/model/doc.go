// Package model provides the domain types shared by every signalflow package.
//
// This package contains type definitions, validation, and the canonical
// serialization used for content-addressed identity. All other internal
// packages import model; model imports nothing internal.
//
// Key design constraints:
//   - Durations are float64 seconds on the wire, but identity hashes only
//     ever see integer milliseconds (see PlanHash)
//   - All JSON tags use snake_case
//   - Signal event ordering uses the logical seq, never wall-clock time
package model
