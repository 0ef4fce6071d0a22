// Package lip implements the Lutron Integration Protocol bridge for Gray Logic.
//
// This package provides connectivity to Lutron lighting/shading controllers
// (RadioRA 2, HomeWorks QS, Caséta Smart Bridge Pro) via the Lutron
// Integration Protocol (LIP), a textual CRLF-delimited command protocol
// spoken over a persistent Telnet-style TCP session on port 23.
//
// # Architecture
//
// The bridge operates as a translator between two buses:
//
//	┌─────────────────┐          ┌─────────────────┐
//	│   Gray Logic    │   MQTT   │  Lutron Bridge  │   LIP/TCP
//	│      Core       │◄────────►│   (this pkg)    │◄─────────► Controller
//	└─────────────────┘          └─────────────────┘
//
// # Key Responsibilities
//
//   - Maintain a long-lived authenticated TCP session to the controller
//   - Parse inbound status lines (~OUTPUT, ~DEVICE, ...) into typed messages
//   - Encode outbound commands (#id,action,...) and queries (?id,action)
//   - Detect silently dead connections with a keepalive probe and reconnect
//     with exponential backoff
//   - Fan parsed messages out to registered subscribers in order
//   - Translate LIP events to MQTT state messages and MQTT commands to LIP
//
// # Wire Format
//
// LIP messages are comma-separated fields on CRLF-terminated lines. The
// leading character selects the direction and kind:
//
//	#2,1,75.00      command: set output 2 action 1 (level) to 75.00
//	?2,1            query: read output 2 action 1
//	~OUTPUT,2,1,75.00   status report from the controller
//	~ERROR,6        protocol error report
//
// Login is prompt driven: the controller sends "login: " and "password: "
// literals and a "GNET> " prompt once authenticated.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
//
// # References
//
//   - Lutron Integration Protocol reference (Lutron document 040249)
//   - Gray Logic bridge interface: docs/architecture/bridge-interface.md
package lip
