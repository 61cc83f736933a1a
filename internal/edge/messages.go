package edge

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/roach88/signalflow/internal/model"
)

// Topic layout.
const (
	topicRoot         = "traffic/devices"
	TopicRegistration = topicRoot + "/registration"
	TopicAllData      = topicRoot + "/+/data"
	TopicAllStatus    = topicRoot + "/+/status"
)

// QoS levels used per topic.
const (
	qosData    byte = 0
	qosControl byte = 1
)

// CommandTopic is where a device receives commands.
func CommandTopic(deviceID string) string { return topicRoot + "/" + deviceID + "/commands" }

// StatusTopic is where a device reports its status.
func StatusTopic(deviceID string) string { return topicRoot + "/" + deviceID + "/status" }

// DataTopic is where a device publishes sensor readings.
func DataTopic(deviceID string) string { return topicRoot + "/" + deviceID + "/data" }

// deviceFromTopic extracts <id> from traffic/devices/<id>/<kind>.
func deviceFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != "traffic" || parts[1] != "devices" || parts[2] == "" {
		return "", false
	}
	return parts[2], true
}

// Command names understood by Agent.
const (
	CommandRestart         = "restart"
	CommandUpdateConfig    = "update_config"
	CommandSetTrafficLight = "set_traffic_light"
)

// Command is a coordinator instruction to one device.
type Command struct {
	Command   string          `json:"command"`
	Params    json.RawMessage `json:"params,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// LightParams are the params of set_traffic_light.
type LightParams struct {
	IntersectionID string             `json:"intersection_id"`
	Approach       string             `json:"approach"`
	Status         model.SignalStatus `json:"status"`
	Reason         string             `json:"reason,omitempty"`
}

// ConfigParams are the params of update_config. Intervals are seconds; zero
// leaves the current value.
type ConfigParams struct {
	UpdateInterval    float64 `json:"update_interval"`
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

// StatusMessage is a device heartbeat.
type StatusMessage struct {
	DeviceID      string                        `json:"device_id"`
	Status        string                        `json:"status"`
	Timestamp     time.Time                     `json:"timestamp"`
	UptimeSeconds float64                       `json:"uptime_seconds,omitempty"`
	Restarts      int                           `json:"restarts,omitempty"`
	Lights        map[string]model.SignalStatus `json:"lights,omitempty"`
}

// DataMessage carries one round of detector readings.
type DataMessage struct {
	DeviceID       string                `json:"device_id"`
	IntersectionID string                `json:"intersection_id"`
	Timestamp      time.Time             `json:"timestamp"`
	Samples        []model.TrafficSample `json:"samples"`
}
