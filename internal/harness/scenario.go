package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted run of the coordinator against one topology.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Topology is a CUE file or directory, relative to the scenario file.
	Topology string `yaml:"topology"`

	// Start is the simulated wall clock at the first step.
	// Defaults to DefaultStart.
	Start time.Time `yaml:"start,omitempty"`

	// Seed fixes the swarm optimizer's random source.
	Seed uint64 `yaml:"seed,omitempty"`

	// AdaptEvery overrides how many cycles pass between adaptive
	// re-optimizations. Zero disables adaptation.
	AdaptEvery *int `yaml:"adapt_every,omitempty"`

	// Steps run in order. Each step does exactly one thing.
	Steps []Step `yaml:"steps"`

	// Assertions validate the trace and final state.
	Assertions []Assertion `yaml:"assertions"`
}

// DefaultStart is used when a scenario does not set start.
var DefaultStart = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Step is one scripted action.
type Step struct {
	// Advance runs the controllers forward this many seconds, one
	// second per tick.
	Advance float64 `yaml:"advance,omitempty"`

	Sample    *SampleStep    `yaml:"sample,omitempty"`
	Emergency *EmergencyStep `yaml:"emergency,omitempty"`
	Clear     *ClearStep     `yaml:"clear,omitempty"`
	Override  *OverrideStep  `yaml:"override,omitempty"`
	Optimize  *OptimizeStep  `yaml:"optimize,omitempty"`
	GreenWave *GreenWaveStep `yaml:"green_wave,omitempty"`
	Settings  *SettingsStep  `yaml:"settings,omitempty"`

	// Expect checks the step's outcome. Without it the step must succeed.
	Expect *Expect `yaml:"expect,omitempty"`
}

// SampleStep feeds one detector reading.
type SampleStep struct {
	Intersection string  `yaml:"intersection"`
	Approach     string  `yaml:"approach"`
	VehicleCount int     `yaml:"vehicle_count"`
	QueueLength  int     `yaml:"queue_length"`
	AverageSpeed float64 `yaml:"average_speed"`
	WaitingTime  float64 `yaml:"waiting_time"`
}

// EmergencyStep requests preemption.
type EmergencyStep struct {
	Intersection string `yaml:"intersection"`
	Approach     string `yaml:"approach"`
	VehicleType  string `yaml:"vehicle_type"`
	ETASeconds   int    `yaml:"eta_seconds"`
	Priority     int    `yaml:"priority"`
}

// ClearStep ends a preemption. An empty id clears the most recent
// emergency requested by this scenario.
type ClearStep struct {
	Intersection string `yaml:"intersection"`
	ID           string `yaml:"id,omitempty"`
}

// OverrideStep forces a controller mode (normal, flashing, off).
type OverrideStep struct {
	Intersection string `yaml:"intersection"`
	Mode         string `yaml:"mode"`
}

// OptimizeStep re-optimizes from observed demand.
type OptimizeStep struct {
	Intersection string `yaml:"intersection"`
	Algorithm    string `yaml:"algorithm,omitempty"`
}

// GreenWaveStep coordinates a corridor.
type GreenWaveStep struct {
	Corridor      string   `yaml:"corridor"`
	Direction     string   `yaml:"direction"`
	SpeedKPH      float64  `yaml:"speed_kph"`
	Intersections []string `yaml:"intersections"`
}

// SettingsStep changes operator settings. Unset fields keep their value.
type SettingsStep struct {
	EmergencyVehiclePriority *bool  `yaml:"emergency_vehicle_priority,omitempty"`
	GreenWaveCoordination    *bool  `yaml:"green_wave_coordination,omitempty"`
	OptimizationAlgorithm    string `yaml:"optimization_algorithm,omitempty"`
}

// Expect describes a step outcome. Error is an engine error code such as
// OVERRIDE_ACTIVE; Status is the success outcome (e.g. "active" or
// "queued" for emergencies).
type Expect struct {
	Error  string `yaml:"error,omitempty"`
	Status string `yaml:"status,omitempty"`
}

// action names the single thing a step does, or "" if it does nothing or
// more than one thing.
func (s Step) action() string {
	var names []string
	if s.Advance != 0 {
		names = append(names, ActionAdvance)
	}
	if s.Sample != nil {
		names = append(names, ActionSample)
	}
	if s.Emergency != nil {
		names = append(names, ActionEmergency)
	}
	if s.Clear != nil {
		names = append(names, ActionClear)
	}
	if s.Override != nil {
		names = append(names, ActionOverride)
	}
	if s.Optimize != nil {
		names = append(names, ActionOptimize)
	}
	if s.GreenWave != nil {
		names = append(names, ActionGreenWave)
	}
	if s.Settings != nil {
		names = append(names, ActionSettings)
	}
	if len(names) != 1 {
		return ""
	}
	return names[0]
}

// Step actions as they appear in traces.
const (
	ActionAdvance   = "advance"
	ActionSample    = "sample"
	ActionEmergency = "emergency"
	ActionClear     = "clear"
	ActionOverride  = "override"
	ActionOptimize  = "optimize"
	ActionGreenWave = "green_wave"
	ActionSettings  = "settings"
)

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "signal": final lamp on one approach
	// - "mode": final controller mode
	// - "event_count": number of signal events matching a filter
	// - "transitions": lamp sequence of one approach (in order, gaps allowed)
	// - "final_state": query a store table and verify expected values
	Type string `yaml:"type"`

	Intersection string `yaml:"intersection,omitempty"`
	Approach     string `yaml:"approach,omitempty"`

	// Status is the expected lamp (signal) or the event's new lamp
	// filter (event_count).
	Status string `yaml:"status,omitempty"`

	// Mode is the expected controller mode (mode).
	Mode string `yaml:"mode,omitempty"`

	// Reason filters events by reason (event_count).
	Reason string `yaml:"reason,omitempty"`

	// Count is the expected number of matching events (event_count).
	Count int `yaml:"count,omitempty"`

	// Statuses is the expected lamp sequence (transitions).
	Statuses []string `yaml:"statuses,omitempty"`

	// Table, Where and Expect drive final_state. Expect is a subset match.
	Table  string         `yaml:"table,omitempty"`
	Where  map[string]any `yaml:"where,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertSignal      = "signal"
	AssertMode        = "mode"
	AssertEventCount  = "event_count"
	AssertTransitions = "transitions"
	AssertFinalState  = "final_state"
)

// LoadScenario reads and parses a scenario YAML file. The topology path is
// resolved relative to the scenario file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict decoding catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Topology != "" && !filepath.IsAbs(scenario.Topology) {
		scenario.Topology = filepath.Join(filepath.Dir(path), scenario.Topology)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Topology == "" {
		return fmt.Errorf("topology is required")
	}
	if _, err := os.Stat(s.Topology); err != nil {
		return fmt.Errorf("topology not found: %s", s.Topology)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if step.action() == "" {
			return fmt.Errorf("steps[%d]: exactly one action is required", i)
		}
		if step.Advance < 0 {
			return fmt.Errorf("steps[%d]: advance must be positive", i)
		}
		if step.Advance > 0 && step.Expect != nil {
			return fmt.Errorf("steps[%d]: advance steps take no expect", i)
		}
		if step.Expect != nil && step.Expect.Error != "" && step.Expect.Status != "" {
			return fmt.Errorf("steps[%d].expect: error and status are exclusive", i)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertSignal:
		if a.Intersection == "" || a.Approach == "" || a.Status == "" {
			return fmt.Errorf("assertions[%d]: intersection, approach and status are required for signal", index)
		}
	case AssertMode:
		if a.Intersection == "" || a.Mode == "" {
			return fmt.Errorf("assertions[%d]: intersection and mode are required for mode", index)
		}
	case AssertEventCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for event_count", index)
		}
	case AssertTransitions:
		if a.Intersection == "" || a.Approach == "" || len(a.Statuses) == 0 {
			return fmt.Errorf("assertions[%d]: intersection, approach and statuses are required for transitions", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
