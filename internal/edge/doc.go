// Package edge connects field devices to the coordinator over MQTT.
//
// Two sides share one topic layout:
//
//	traffic/devices/<id>/commands   coordinator → device, qos 1
//	traffic/devices/<id>/status     device → coordinator, retained, qos 1
//	traffic/devices/<id>/data       device → coordinator, qos 0
//	traffic/devices/registration    device → coordinator, fallback registration
//
// Agent runs on the device. It registers over HTTP (falling back to MQTT),
// publishes a heartbeat and sensor data on timers, and executes commands.
//
// Bridge runs beside the engine. It turns device data into engine samples,
// records heartbeats in the store, and forwards signal changes from the bus
// to the command topics of the devices at that intersection.
//
// Both sides talk to the broker through Client so tests can swap in an
// in-memory broker. NewPahoClient is the production implementation.
package edge
