package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteOutputLevel records an output level change reported by the
// Lutron controller.
//
// The write is non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - integrationID: Controller integration ID of the output
//   - deviceID: Gray Logic device ID ("" if the output is unmapped)
//   - level: Output level as a percentage (0.0 to 100.0)
//
// Example:
//
//	client.WriteOutputLevel(5, "light-cinema-main", 75.0)
func (c *Client) WriteOutputLevel(integrationID int, deviceID string, level float64) {
	if !c.IsConnected() {
		return
	}

	tags := map[string]string{
		"integration_id": strconv.Itoa(integrationID),
	}
	if deviceID != "" {
		tags["device_id"] = deviceID
	}

	point := write.NewPoint(
		"lutron_output",
		tags,
		map[string]interface{}{
			"level": level,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteButtonEvent records a keypad button press or release.
//
// Parameters:
//   - integrationID: Controller integration ID of the keypad
//   - component: Button component number
//   - action: "press" or "release"
func (c *Client) WriteButtonEvent(integrationID int, component int, action string) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"lutron_button",
		map[string]string{
			"integration_id": strconv.Itoa(integrationID),
			"action":         action,
		},
		map[string]interface{}{
			"component": component,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteBridgeStats records connection counters from the Lutron client.
//
// Used for monitoring bridge stability: reconnect frequency, parse
// degradations and message throughput over time.
//
// Parameters:
//   - bridgeID: Bridge instance identifier
//   - fields: Counter values (messages_rx, commands_tx, reconnects, parse_degradations)
func (c *Client) WriteBridgeStats(bridgeID string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"lutron_bridge",
		map[string]string{
			"bridge_id": bridgeID,
		},
		fields,
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for custom measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
//
// Example:
//
//	client.WritePoint("system_stats",
//	    map[string]string{"host": "bridge-01"},
//	    map[string]interface{}{"cpu_percent": 45.2, "memory_mb": 512})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., delayed data).
//
// Parameters:
//   - measurement: The measurement name
//   - tags: Key-value pairs for indexing
//   - fields: Key-value pairs for the data
//   - timestamp: The exact time for this data point
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
