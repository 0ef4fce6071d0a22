package mqtt

import "fmt"

// Topic layout per the Gray Logic MQTT bridge scheme.
//
// All bridge topics use the flat form: graylogic/{category}/{protocol}/{address}.
// This bridge always publishes under the "lutron" protocol segment so that
// Core and sibling bridges (knx, dali) can subscribe per protocol.
const (
	// TopicPrefix is the base for all Gray Logic topics.
	TopicPrefix = "graylogic"

	// Protocol is this bridge's protocol segment.
	Protocol = "lutron"
)

// Topics provides builders for the Lutron bridge's MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	stateTopic := topics.State("5")
//	// Returns: "graylogic/state/lutron/5"
type Topics struct{}

// State returns the topic for device state updates.
// The address is the controller integration ID.
//
// Example: graylogic/state/lutron/5
func (Topics) State(address string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, Protocol, address)
}

// Command returns the topic for commands to the bridge.
//
// Example: graylogic/command/lutron/light-cinema-main
func (Topics) Command(address string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, Protocol, address)
}

// Ack returns the topic for command acknowledgements.
//
// Example: graylogic/ack/lutron/5
func (Topics) Ack(address string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefix, Protocol, address)
}

// Health returns the topic for bridge health status.
//
// Example: graylogic/health/lutron
func (Topics) Health() string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, Protocol)
}

// Event returns the topic for raw protocol events that have no device
// mapping (keypad presses on unmapped devices, unsolicited reports).
//
// Example: graylogic/event/lutron/12
func (Topics) Event(address string) string {
	return fmt.Sprintf("%s/event/%s/%s", TopicPrefix, Protocol, address)
}

// AllCommands returns the subscription pattern for all bridge commands.
//
// Pattern: graylogic/command/lutron/#
func (Topics) AllCommands() string {
	return fmt.Sprintf("%s/command/%s/#", TopicPrefix, Protocol)
}

// AllStates returns the subscription pattern for all bridge state updates.
//
// Pattern: graylogic/state/lutron/#
func (Topics) AllStates() string {
	return fmt.Sprintf("%s/state/%s/#", TopicPrefix, Protocol)
}
