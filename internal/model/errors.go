package model

import "errors"

// Error taxonomy. Wrap these with fmt.Errorf("...: %w", ...) so callers
// can branch with errors.Is.
var (
	// ErrConfig marks invalid or missing configuration. Fatal at startup,
	// rejected without side effect at runtime.
	ErrConfig = errors.New("configuration error")

	// ErrTransport marks RPC, WebSocket or HTTP failures. Recoverable;
	// repeated occurrences trigger reconnection.
	ErrTransport = errors.New("transport error")

	// ErrProtocol marks a decode failure of an on-chain payload. The
	// offending event is dropped and the adapter continues.
	ErrProtocol = errors.New("protocol error")

	// ErrValidation marks rejected input on the control path, such as a
	// malformed address or an empty event-kind set.
	ErrValidation = errors.New("validation error")

	// ErrPipeline marks a failure inside pipeline execution that is not
	// local to a single filter or notifier.
	ErrPipeline = errors.New("pipeline error")

	// ErrNotifier marks exhaustion of one notifier's retry budget.
	ErrNotifier = errors.New("notifier error")

	// ErrInvalidAddress is returned when an address fails chain validation.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrNotConnected is returned when an operation requires an
	// established connection.
	ErrNotConnected = errors.New("not connected")

	// ErrDuplicateID is returned when registering a component whose id is
	// already taken.
	ErrDuplicateID = errors.New("duplicate id")

	// ErrChainRegistered is returned when a second adapter is registered
	// for a chain that already has one.
	ErrChainRegistered = errors.New("chain already registered")

	// ErrUnknownChain is returned for operations addressing a chain with
	// no registered adapter.
	ErrUnknownChain = errors.New("unknown chain")

	// ErrTargetNotFound is returned when removing or updating a target
	// that does not exist.
	ErrTargetNotFound = errors.New("target not found")
)
