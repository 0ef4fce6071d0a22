package lip

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Device types understood by the bridge command translation.
const (
	DeviceTypeLightDimmer = "light_dimmer"
	DeviceTypeLightSwitch = "light_switch"
	DeviceTypeShade       = "shade"
	DeviceTypeKeypad      = "keypad"
	DeviceTypeContact     = "contact"
)

// validDeviceTypes is the closed set accepted by validation.
var validDeviceTypes = map[string]bool{
	DeviceTypeLightDimmer: true,
	DeviceTypeLightSwitch: true,
	DeviceTypeShade:       true,
	DeviceTypeKeypad:      true,
	DeviceTypeContact:     true,
}

// DeviceMap is the bridge's device mapping, loaded from YAML.
// It maps Gray Logic device IDs to controller integration IDs.
//
// Example file:
//
//	devices:
//	  - device_id: light-cinema-main
//	    name: Cinema Main Lights
//	    type: light_dimmer
//	    integration_id: 5
//	  - device_id: keypad-hall
//	    type: keypad
//	    integration_id: 12
type DeviceMap struct {
	Devices []DeviceConfig `yaml:"devices"`
}

// DeviceConfig maps one Gray Logic device to a controller integration ID.
type DeviceConfig struct {
	// DeviceID is the Gray Logic device identifier.
	// Must match the device_id in Core's device registry.
	DeviceID string `yaml:"device_id"`

	// Name is an optional display name.
	Name string `yaml:"name"`

	// Type is the device type: light_dimmer, light_switch, shade,
	// keypad, or contact.
	Type string `yaml:"type"`

	// IntegrationID is the controller-assigned numeric identifier.
	IntegrationID int `yaml:"integration_id"`
}

// LoadDeviceMap reads a device map from a YAML file and validates it.
//
// Parameters:
//   - path: Path to the YAML device map file
//
// Returns:
//   - *DeviceMap: Loaded and validated device map
//   - error: If the file cannot be read, parsed, or validation fails
func LoadDeviceMap(path string) (*DeviceMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading device map: %w", err)
	}

	m := &DeviceMap{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parsing device map: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("validating device map: %w", err)
	}

	return m, nil
}

// Validate checks the device map for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (m *DeviceMap) Validate() error {
	var errs []string
	deviceIDs := make(map[string]bool)
	integrationIDs := make(map[int]bool)

	for i, dev := range m.Devices {
		if dev.DeviceID == "" {
			errs = append(errs, fmt.Sprintf("devices[%d].device_id is required", i))
			continue
		}
		if deviceIDs[dev.DeviceID] {
			errs = append(errs, fmt.Sprintf("devices[%d].device_id %q is duplicate", i, dev.DeviceID))
		}
		deviceIDs[dev.DeviceID] = true

		if !validDeviceTypes[dev.Type] {
			errs = append(errs, fmt.Sprintf("devices[%d].type %q is invalid", i, dev.Type))
		}

		if dev.IntegrationID < 1 {
			errs = append(errs, fmt.Sprintf("devices[%d].integration_id must be at least 1", i))
		} else if integrationIDs[dev.IntegrationID] {
			errs = append(errs, fmt.Sprintf("devices[%d].integration_id %d is duplicate", i, dev.IntegrationID))
		}
		integrationIDs[dev.IntegrationID] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("device map errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// BuildIndex creates lookup maps for efficient device resolution.
//
// Returns:
//   - byIntegrationID: Maps integration ID → device config
//   - byDeviceID: Maps device_id → device config
func (m *DeviceMap) BuildIndex() (byIntegrationID map[int]DeviceConfig, byDeviceID map[string]DeviceConfig) {
	byIntegrationID = make(map[int]DeviceConfig, len(m.Devices))
	byDeviceID = make(map[string]DeviceConfig, len(m.Devices))

	for _, dev := range m.Devices {
		byIntegrationID[dev.IntegrationID] = dev
		byDeviceID[dev.DeviceID] = dev
	}

	return byIntegrationID, byDeviceID
}

// HasLevel reports whether the device type carries a dimmable level.
func (d DeviceConfig) HasLevel() bool {
	return d.Type == DeviceTypeLightDimmer || d.Type == DeviceTypeShade
}
