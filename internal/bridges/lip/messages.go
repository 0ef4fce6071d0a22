package lip

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// MQTT message types for communication between Gray Logic Core and the
// Lutron bridge. The shapes follow the Gray Logic bridge interface so
// Core can treat this bridge interchangeably with its siblings.

// CommandMessage is sent from Core to the bridge to execute a device command.
// Topic: graylogic/command/lutron/{device_id}
type CommandMessage struct {
	// ID uniquely identifies this command for correlation with acknowledgments.
	ID string `json:"id"`

	// Timestamp is when the command was issued (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// DeviceID is the Gray Logic device identifier.
	DeviceID string `json:"device_id"`

	// Command is the command name (e.g., "on", "off", "set_level", "press").
	Command string `json:"command"`

	// Parameters contains command-specific values.
	// Examples:
	//   {"level": 50} for set_level
	//   {"component": 4} for press/release
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated.
	// Values: "api", "automation", "voice", "scene"
	Source string `json:"source"`

	// UserID is the user who triggered the command (if applicable).
	UserID string `json:"user_id,omitempty"`
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the command was received and sent to the controller.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"

	// AckTimeout indicates the controller did not accept the command in time.
	AckTimeout AckStatus = "timeout"
)

// AckMessage is sent from the bridge to Core to acknowledge a command.
// Topic: graylogic/ack/lutron/{integration_id}
type AckMessage struct {
	// CommandID is the ID from the original command.
	CommandID string `json:"command_id"`

	// Timestamp is when the acknowledgment was sent (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// DeviceID is the Gray Logic device identifier.
	DeviceID string `json:"device_id"`

	// Status indicates the acknowledgment status.
	Status AckStatus `json:"status"`

	// Protocol is the protocol identifier ("lutron").
	Protocol string `json:"protocol"`

	// Address is the controller integration ID as a string.
	Address string `json:"address"`

	// Error contains details if status is "failed" or "timeout".
	Error *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	// Code is the error code (e.g., "DEVICE_UNREACHABLE", "INVALID_COMMAND").
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`
}

// Error codes for command failures.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeNotConnected      = "NOT_CONNECTED"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// StateMessage is sent from the bridge to Core when device state changes.
// Topic: graylogic/state/lutron/{integration_id}
// QoS: 1, Retained: Yes
type StateMessage struct {
	// DeviceID is the Gray Logic device identifier.
	DeviceID string `json:"device_id"`

	// Timestamp is when the state was observed (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// State contains the current device state.
	// Structure depends on device type:
	//   Dimmer: {"on": true, "level": 75.0}
	//   Shade:  {"level": 50.0}
	State map[string]any `json:"state"`

	// Protocol is the protocol identifier ("lutron").
	Protocol string `json:"protocol"`

	// Address is the controller integration ID as a string.
	Address string `json:"address"`
}

// EventMessage is sent for protocol events that are not device state:
// keypad button presses and reports from unmapped integration IDs.
// Topic: graylogic/event/lutron/{integration_id}
type EventMessage struct {
	// Timestamp is when the event was observed (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// DeviceID is the Gray Logic device identifier ("" if unmapped).
	DeviceID string `json:"device_id,omitempty"`

	// IntegrationID is the reporting integration ID.
	IntegrationID int `json:"integration_id"`

	// Mode is the protocol mode keyword ("DEVICE", "OUTPUT", "INPUT").
	Mode string `json:"mode"`

	// Action is the protocol action number.
	Action int `json:"action"`

	// Event names the decoded event where known ("press", "release").
	Event string `json:"event,omitempty"`

	// Values holds the raw trailing parameters.
	Values []string `json:"values,omitempty"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthHealthy indicates the bridge is operating normally.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates the bridge is operating with issues.
	HealthDegraded HealthStatus = "degraded"

	// HealthOffline indicates the bridge is not connected (from LWT).
	HealthOffline HealthStatus = "offline"

	// HealthStarting indicates the bridge is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the bridge is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is sent from the bridge to Core to report operational status.
// Topic: graylogic/health/lutron
// QoS: 1, Retained: Yes
type HealthMessage struct {
	// Bridge is the bridge identifier (e.g., "lutron-bridge-01").
	Bridge string `json:"bridge"`

	// Timestamp is when the health status was generated (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Status indicates the current operational status.
	Status HealthStatus `json:"status"`

	// Version is the bridge software version.
	Version string `json:"version"`

	// UptimeSeconds is how long the bridge has been running.
	UptimeSeconds int64 `json:"uptime_seconds"`

	// Connection contains Lutron controller connection details.
	Connection *ConnectionStatus `json:"connection,omitempty"`

	// Statistics contains operational metrics.
	Statistics *BridgeStatistics `json:"statistics,omitempty"`

	// DevicesManaged is the number of mapped devices.
	DevicesManaged int `json:"devices_managed"`

	// Reason explains the status (especially for offline/degraded).
	Reason string `json:"reason,omitempty"`
}

// ConnectionStatus describes the Lutron controller connection state.
type ConnectionStatus struct {
	// Status is the client connection state string
	// ("connected", "connecting", "authenticating", "reconnecting", ...).
	Status string `json:"status"`

	// Address is the controller host.
	Address string `json:"address"`

	// LastActivity is when traffic was last seen on the connection.
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// BridgeStatistics contains operational metrics.
type BridgeStatistics struct {
	// LinesReceived is the total number of protocol lines received.
	LinesReceived uint64 `json:"lines_received"`

	// CommandsSent is the total number of commands and queries sent.
	CommandsSent uint64 `json:"commands_sent"`

	// ParseDegradations is the number of lines degraded to error messages.
	ParseDegradations uint64 `json:"parse_degradations"`

	// Reconnects is the number of successful reconnections.
	Reconnects uint64 `json:"reconnects"`
}

// MarshalJSON marshals a CommandMessage to JSON.
func (m *CommandMessage) MarshalJSON() ([]byte, error) {
	type Alias CommandMessage
	return json.Marshal(&struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias:     (*Alias)(m),
		Timestamp: m.Timestamp.UTC().Format(time.RFC3339),
	})
}

// UnmarshalJSON unmarshals a CommandMessage from JSON.
func (m *CommandMessage) UnmarshalJSON(data []byte) error {
	type Alias CommandMessage
	aux := &struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias: (*Alias)(m),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return fmt.Errorf("unmarshal command message: %w", err)
	}
	if aux.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, aux.Timestamp)
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
		m.Timestamp = t
	}
	return nil
}

// NewAckMessage creates an acknowledgment message for a command.
func NewAckMessage(cmd CommandMessage, status AckStatus, integrationID int) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Status:    status,
		Protocol:  "lutron",
		Address:   formatAddress(integrationID),
	}
}

// NewAckError creates an acknowledgment with error details.
func NewAckError(cmd CommandMessage, integrationID int, code, message string) AckMessage {
	ack := NewAckMessage(cmd, AckFailed, integrationID)
	ack.Error = &AckError{
		Code:    code,
		Message: message,
	}
	return ack
}

// NewStateMessage creates a state message for a device.
func NewStateMessage(deviceID string, integrationID int, state map[string]any) StateMessage {
	return StateMessage{
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
		State:     state,
		Protocol:  "lutron",
		Address:   formatAddress(integrationID),
	}
}

// NewHealthMessage creates a health status message from client statistics.
func NewHealthMessage(bridgeID, version string, status HealthStatus, stats ClientStats, deviceCount int, startTime time.Time) HealthMessage {
	msg := HealthMessage{
		Bridge:         bridgeID,
		Timestamp:      time.Now().UTC(),
		Status:         status,
		Version:        version,
		UptimeSeconds:  int64(time.Since(startTime).Seconds()),
		DevicesManaged: deviceCount,
	}

	conn := &ConnectionStatus{
		Status: stats.State.String(),
	}
	if !stats.LastActivity.IsZero() {
		last := stats.LastActivity
		conn.LastActivity = &last
	}
	msg.Connection = conn

	msg.Statistics = &BridgeStatistics{
		LinesReceived:     stats.LinesRx,
		CommandsSent:      stats.CommandsTx,
		ParseDegradations: stats.ParseDegradations,
		Reconnects:        stats.ReconnectsTotal,
	}

	return msg
}

// NewLWTMessage creates a Last Will and Testament message. The broker
// publishes it if the bridge disconnects unexpectedly.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// Topic helpers

// TopicPrefix is the base topic for all Gray Logic messages.
const TopicPrefix = "graylogic"

// CommandTopic returns the MQTT topic for commands to a specific device.
// Example: graylogic/command/lutron/light-cinema-main
func CommandTopic(deviceID string) string {
	return fmt.Sprintf("%s/command/lutron/%s", TopicPrefix, deviceID)
}

// AckTopic returns the MQTT topic for command acknowledgments.
// Acks for devices with no mapping publish under "unknown".
// Example: graylogic/ack/lutron/5
func AckTopic(integrationID int) string {
	if integrationID <= 0 {
		return fmt.Sprintf("%s/ack/lutron/unknown", TopicPrefix)
	}
	return fmt.Sprintf("%s/ack/lutron/%d", TopicPrefix, integrationID)
}

// StateTopic returns the MQTT topic for state updates.
// Example: graylogic/state/lutron/5
func StateTopic(integrationID int) string {
	return fmt.Sprintf("%s/state/lutron/%d", TopicPrefix, integrationID)
}

// EventTopic returns the MQTT topic for protocol events.
// Example: graylogic/event/lutron/12
func EventTopic(integrationID int) string {
	return fmt.Sprintf("%s/event/lutron/%d", TopicPrefix, integrationID)
}

// HealthTopic returns the MQTT topic for health status.
// Example: graylogic/health/lutron
func HealthTopic() string {
	return fmt.Sprintf("%s/health/lutron", TopicPrefix)
}

// CommandSubscribeTopic returns the MQTT subscription pattern for all commands.
// Example: graylogic/command/lutron/#
func CommandSubscribeTopic() string {
	return fmt.Sprintf("%s/command/lutron/#", TopicPrefix)
}

// formatAddress renders an integration ID for topic and message use.
// Zero (unknown) renders as an empty address.
func formatAddress(integrationID int) string {
	if integrationID <= 0 {
		return ""
	}
	return strconv.Itoa(integrationID)
}
