package wire

import "errors"

var (
	// ErrTimeout indicates the call exceeded its send or receive deadline
	ErrTimeout = errors.New("wire: call timed out")

	// ErrNetwork indicates the transport was lost or unreachable
	ErrNetwork = errors.New("wire: network error")

	// ErrProtocol indicates a malformed frame or reply
	ErrProtocol = errors.New("wire: protocol error")

	// ErrNotConnected indicates the client was closed
	ErrNotConnected = errors.New("wire: not connected")
)
