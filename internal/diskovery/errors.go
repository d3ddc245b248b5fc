package diskovery

import "errors"

// Domain errors for the Diskovery package.
var (
	// ErrCommunication is returned when the transport fails: a write is
	// rejected, the port disappears, or a purge fails.
	ErrCommunication = errors.New("diskovery: communication failed")

	// ErrTimeout is returned when no acceptable answer arrives within the
	// answer timeout, or too many busy markers were skipped.
	ErrTimeout = errors.New("diskovery: no answer from controller")

	// ErrProtocol is returned when a line from the controller cannot be
	// understood: wrong token count or an unexpected key.
	ErrProtocol = errors.New("diskovery: protocol error")

	// ErrMalformedFrame is returned for a line that is neither key=value
	// nor a known heartbeat token. Always wrapped with ErrProtocol.
	ErrMalformedFrame = errors.New("diskovery: malformed frame")

	// ErrInvalidNumber is returned for numeric text that is not an unsigned
	// integer. Always wrapped with ErrProtocol.
	ErrInvalidNumber = errors.New("diskovery: invalid number")

	// ErrValidation is returned when a value lies outside its field's
	// domain. Commands fail with it before any I/O.
	ErrValidation = errors.New("diskovery: value out of range")

	// ErrUnknownField is returned for a wire key the model does not track.
	ErrUnknownField = errors.New("diskovery: unknown field")

	// ErrReadOnlyField is returned when a set is attempted on an
	// informational field such as the serial number.
	ErrReadOnlyField = errors.New("diskovery: field is read-only")

	// ErrHubMissing is returned when a peripheral is used without a hub.
	ErrHubMissing = errors.New("diskovery: hub not available")

	// ErrNotInitialized is returned when the hub is used before Initialize
	// or after Shutdown.
	ErrNotInitialized = errors.New("diskovery: hub not initialized")

	// ErrListenerRunning is returned when Start is called on a listener
	// that has not fully stopped.
	ErrListenerRunning = errors.New("diskovery: listener already running")

	// ErrControllerNotFound is returned when the presence probe does not
	// see a Diskovery on the port.
	ErrControllerNotFound = errors.New("diskovery: controller not found")
)
