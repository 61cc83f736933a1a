package model

import (
	"fmt"
	"time"
)

// SignalStatus is the lamp state shown by one signal head.
type SignalStatus string

const (
	StatusGreen    SignalStatus = "green"
	StatusYellow   SignalStatus = "yellow"
	StatusRed      SignalStatus = "red"
	StatusFlashing SignalStatus = "flashing"
	StatusOff      SignalStatus = "off"
)

// Valid reports whether s is a known signal status.
func (s SignalStatus) Valid() bool {
	switch s {
	case StatusGreen, StatusYellow, StatusRed, StatusFlashing, StatusOff:
		return true
	}
	return false
}

// ParseSignalStatus converts a string into a SignalStatus.
func ParseSignalStatus(s string) (SignalStatus, error) {
	st := SignalStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("invalid signal status %q", s)
	}
	return st, nil
}

// IntersectionType classifies intersection geometry.
type IntersectionType string

const (
	FourWay    IntersectionType = "four_way"
	ThreeWay   IntersectionType = "three_way"
	Roundabout IntersectionType = "roundabout"
	Complex    IntersectionType = "complex"
)

// Valid reports whether t is a known intersection type.
func (t IntersectionType) Valid() bool {
	switch t {
	case FourWay, ThreeWay, Roundabout, Complex:
		return true
	}
	return false
}

// VehicleType classifies detected vehicles.
type VehicleType string

const (
	VehicleCar        VehicleType = "car"
	VehicleTruck      VehicleType = "truck"
	VehicleBus        VehicleType = "bus"
	VehicleMotorcycle VehicleType = "motorcycle"
	VehicleBicycle    VehicleType = "bicycle"
	VehicleEmergency  VehicleType = "emergency"
	VehicleOther      VehicleType = "other"
)

// VehicleTypes lists every vehicle type in a fixed order.
// Feature vectors and distributions iterate in this order.
var VehicleTypes = []VehicleType{
	VehicleCar,
	VehicleTruck,
	VehicleBus,
	VehicleMotorcycle,
	VehicleBicycle,
	VehicleEmergency,
	VehicleOther,
}

// Interval is the stage of a phase within the signal cycle.
type Interval string

const (
	IntervalGreen  Interval = "green"
	IntervalYellow Interval = "yellow"
	IntervalAllRed Interval = "all_red"
)

// Status maps an interval to the lamp colour shown on served approaches.
func (i Interval) Status() SignalStatus {
	switch i {
	case IntervalGreen:
		return StatusGreen
	case IntervalYellow:
		return StatusYellow
	default:
		return StatusRed
	}
}

// Location is a WGS84 coordinate.
type Location struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
}

// Signal is one signal head, positioned on a single approach.
type Signal struct {
	ID             string       `json:"id"`
	IntersectionID string       `json:"intersection_id"`
	Position       string       `json:"position"`
	DefaultTiming  float64      `json:"default_timing"`
	MinTiming      float64      `json:"min_timing"`
	MaxTiming      float64      `json:"max_timing"`
	Status         SignalStatus `json:"status"`
	LastChanged    time.Time    `json:"last_changed"`
}

// SignalID derives the signal identifier for an approach.
func SignalID(intersectionID, approach string) string {
	return intersectionID + ":" + approach
}

// TrafficSample is one detector report for an approach.
type TrafficSample struct {
	IntersectionID   string              `json:"intersection_id"`
	ApproachID       string              `json:"approach_id"`
	VehicleCount     int                 `json:"vehicle_count"`
	QueueLength      int                 `json:"queue_length"`
	AverageSpeed     float64             `json:"average_speed"`
	WaitingTime      float64             `json:"waiting_time"`
	VehicleTypes     map[VehicleType]int `json:"vehicle_types,omitempty"`
	EmergencyPresent bool                `json:"emergency_vehicle_present"`
	Timestamp        time.Time           `json:"timestamp"`
}

// Validate checks a sample for obviously broken detector output.
func (s TrafficSample) Validate() error {
	if s.IntersectionID == "" {
		return fmt.Errorf("sample: intersection_id is required")
	}
	if s.ApproachID == "" {
		return fmt.Errorf("sample: approach_id is required")
	}
	if s.VehicleCount < 0 || s.QueueLength < 0 {
		return fmt.Errorf("sample: counts must be non-negative")
	}
	if s.AverageSpeed < 0 || s.WaitingTime < 0 {
		return fmt.Errorf("sample: speed and waiting time must be non-negative")
	}
	for vt, n := range s.VehicleTypes {
		if n < 0 {
			return fmt.Errorf("sample: vehicle type %s has negative count", vt)
		}
	}
	return nil
}

// EmergencyRequest asks for signal preemption on one approach.
type EmergencyRequest struct {
	ID             string      `json:"id"`
	IntersectionID string      `json:"intersection_id"`
	Approach       string      `json:"approach"`
	VehicleType    VehicleType `json:"vehicle_type"`
	ETASeconds     int         `json:"eta_seconds"`
	PriorityLevel  int         `json:"priority_level"`
	CreatedAt      time.Time   `json:"created_at"`
	ExpiresAt      time.Time   `json:"expires_at"`
}

// EmergencyHold is added to the ETA to get the preemption expiry.
const EmergencyHold = 60 * time.Second

// Validate checks priority range and required fields.
func (r EmergencyRequest) Validate() error {
	if r.IntersectionID == "" {
		return fmt.Errorf("emergency: intersection_id is required")
	}
	if r.Approach == "" {
		return fmt.Errorf("emergency: approach is required")
	}
	if r.PriorityLevel < 1 || r.PriorityLevel > 3 {
		return fmt.Errorf("emergency: priority_level must be between 1 and 3, got %d", r.PriorityLevel)
	}
	if r.ETASeconds < 0 {
		return fmt.Errorf("emergency: eta_seconds must be non-negative")
	}
	return nil
}

// Expiry returns when an unanswered request stops holding the green.
func (r EmergencyRequest) Expiry() time.Time {
	if !r.ExpiresAt.IsZero() {
		return r.ExpiresAt
	}
	return r.CreatedAt.Add(time.Duration(r.ETASeconds)*time.Second + EmergencyHold)
}

// Green wave lifecycle.
const (
	WaveScheduled = "scheduled"
	WaveActive    = "active"
	WaveCancelled = "cancelled"
)

// GreenWave coordinates offsets along a corridor.
type GreenWave struct {
	ID            string             `json:"id"`
	CorridorID    string             `json:"corridor_id"`
	Direction     string             `json:"direction"`
	SpeedKPH      float64            `json:"speed_kph"`
	Intersections []string           `json:"intersections"`
	Offsets       map[string]float64 `json:"offsets"`
	CycleLength   float64            `json:"cycle_length"`
	StartTime     time.Time          `json:"start_time"`
	Status        string             `json:"status"`
}

// OptimizationResult is the output of a timing optimizer.
type OptimizationResult struct {
	GreenTimes       map[string]float64 `json:"green_times"`
	CycleTime        float64            `json:"cycle_time"`
	PhaseProportions map[string]float64 `json:"phase_proportions"`
	Fitness          float64            `json:"fitness"`
	Improvements     map[string]float64 `json:"estimated_improvements,omitempty"`
}

// OptimizationRun is a persisted optimizer invocation.
type OptimizationRun struct {
	ID             string             `json:"id"`
	IntersectionID string             `json:"intersection_id"`
	Algorithm      string             `json:"algorithm"`
	Parameters     map[string]float64 `json:"parameters"`
	Result         OptimizationResult `json:"result"`
	CreatedAt      time.Time          `json:"created_at"`
}

// Settings are the operator-tunable system settings.
type Settings struct {
	ID                       int64     `json:"id"`
	MLModelType              string    `json:"ml_model_type"`
	OptimizationAlgorithm    string    `json:"optimization_algorithm"`
	EmergencyVehiclePriority bool      `json:"emergency_vehicle_priority"`
	GreenWaveCoordination    bool      `json:"green_wave_coordination"`
	DataRetentionDays        int       `json:"data_retention_days"`
	APIEndpoint              string    `json:"api_endpoint"`
	NotificationEmail        string    `json:"notification_email"`
	CreatedAt                time.Time `json:"created_at"`
}

// DefaultSettings returns the settings used before an operator saves any.
func DefaultSettings() Settings {
	return Settings{
		MLModelType:              "edge_impulse",
		OptimizationAlgorithm:    "afsa",
		EmergencyVehiclePriority: true,
		GreenWaveCoordination:    true,
		DataRetentionDays:        30,
		APIEndpoint:              "http://localhost:8000",
	}
}

// User is an operator account.
type User struct {
	ID           int64      `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	Role         string     `json:"role"`
	PasswordHash string     `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
}

// Device is a field-level unit (sensor, camera, signal controller).
type Device struct {
	ID           string    `json:"device_id"`
	Type         string    `json:"device_type"`
	Capabilities []string  `json:"capabilities"`
	Location     Location  `json:"location"`
	Status       string    `json:"status"`
	LastSeen     time.Time `json:"last_seen"`
}

// SignalEvent records one signal transition in the event log.
type SignalEvent struct {
	Seq            int64        `json:"seq"`
	IntersectionID string       `json:"intersection_id"`
	Approach       string       `json:"approach"`
	Phase          string       `json:"phase,omitempty"`
	From           SignalStatus `json:"from"`
	To             SignalStatus `json:"to"`
	Reason         string       `json:"reason"`
	At             time.Time    `json:"at"`
}

// Reasons attached to signal events.
const (
	ReasonCycle    = "cycle"
	ReasonPreempt  = "preempt"
	ReasonRelease  = "release"
	ReasonOverride = "override"
	ReasonWave     = "wave"
	ReasonExpired  = "expired"
	ReasonRestore  = "restore"
)
