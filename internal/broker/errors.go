package broker

import (
	"errors"
	"fmt"

	"mediabroker/internal/engine"
)

var (
	// ErrInvalidArgument is returned for empty or malformed call arguments.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotReady is returned when an operation needs a bound engine (or a
	// source) that is absent.
	ErrNotReady = errors.New("not ready")

	// ErrEngineBindFailed is returned when no engine could be constructed or
	// the cached configuration could not be replayed onto it. The session is
	// left unbound.
	ErrEngineBindFailed = engine.ErrBindFailed

	// ErrEngineOperationFailed is returned when a bound engine rejects a call.
	// The binding is kept.
	ErrEngineOperationFailed = errors.New("engine operation failed")

	// ErrNotSupported is returned when the bound engine lacks the capability.
	ErrNotSupported = errors.New("not supported")

	// ErrNotFound is returned for unknown session identities.
	ErrNotFound = errors.New("session not found")

	// ErrClosed is returned once the registry or its loop has shut down.
	ErrClosed = errors.New("broker closed")
)

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// operationError wraps an engine failure. Unsupported operations surface as
// ErrNotSupported rather than as engine failures.
func operationError(op string, err error) error {
	if errors.Is(err, engine.ErrUnsupported) {
		return fmt.Errorf("%w: %s", ErrNotSupported, op)
	}
	return fmt.Errorf("%w: %s: %v", ErrEngineOperationFailed, op, err)
}
