// Package harness runs scripted traffic scenarios against the coordinator.
//
// A scenario names a CUE topology, feeds the engine a sequence of steps in
// simulated time and checks the resulting lamp changes and stored state.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	topology: ../topology/main_street.cue
//	seed: 7
//	steps:
//	  - advance: 20
//	  - sample: { intersection: int-001, approach: north, vehicle_count: 12, queue_length: 8 }
//	  - emergency: { intersection: int-001, approach: east, vehicle_type: ambulance, eta_seconds: 30 }
//	    expect: { status: active }
//	  - advance: 10
//	  - clear: { intersection: int-001 }
//	  - override: { intersection: int-001, mode: blinking }
//	    expect: { error: INVALID_REQUEST }
//	assertions:
//	  - type: signal
//	    intersection: int-001
//	    approach: east
//	    status: green
//	  - type: transitions
//	    intersection: int-001
//	    approach: north
//	    statuses: [green, yellow, red]
//	  - type: final_state
//	    table: emergencies
//	    where: { id: id-1 }
//	    expect: { approach: east, priority_level: 1 }
//
// # Assertion Types
//
//   - signal: final lamp on one approach
//   - mode: final controller mode
//   - event_count: number of signal events matching a filter
//   - transitions: lamps an approach showed, in order
//   - final_state: queries a store table and verifies expected values
//
// Every run is also checked against the safety principles in
// CheckPrinciples; a violation fails the scenario.
//
// # Deterministic Testing
//
// The harness uses:
//   - Sequential ids ("id-1", "id-2", ...)
//   - A manual clock for both the engine and store timestamps
//   - A fixed optimizer seed
//   - In-memory SQLite database (isolated per run)
//
// This ensures identical traces across runs for golden file comparison.
package harness
