package lip

import "errors"

// Domain errors for the Lutron bridge package.
var (
	// ErrConnectionFailed is returned when the TCP connection to the
	// controller cannot be established (refused, unreachable, DNS failure).
	ErrConnectionFailed = errors.New("lip: connection to controller failed")

	// ErrAuthenticationFailed is returned when the login handshake does not
	// complete: a prompt was missing or out of sequence, credentials were
	// rejected, or the handshake timed out.
	ErrAuthenticationFailed = errors.New("lip: login handshake failed")

	// ErrReadTimeout is returned by a single read that saw no line within
	// its deadline. It is not fatal; liveness is judged by the keepalive
	// monitor, not by individual read deadlines.
	ErrReadTimeout = errors.New("lip: read timed out")

	// ErrConnectionClosed is returned when the controller closed the
	// connection or a socket-level failure occurred.
	ErrConnectionClosed = errors.New("lip: connection closed")

	// ErrNotConnected is returned when a command is submitted while the
	// session is not in the connected state.
	ErrNotConnected = errors.New("lip: not connected to controller")

	// ErrStopped is returned when an operation is attempted on a client
	// that has been stopped.
	ErrStopped = errors.New("lip: client stopped")

	// ErrInvalidConfig is returned when bridge or client configuration
	// fails validation.
	ErrInvalidConfig = errors.New("lip: invalid configuration")

	// ErrUnknownDevice is returned by the bridge when a command addresses
	// a device that is not in the device map.
	ErrUnknownDevice = errors.New("lip: unknown device")

	// ErrUnknownCommand is returned by the bridge when a command name has
	// no LIP translation.
	ErrUnknownCommand = errors.New("lip: unknown command")
)
