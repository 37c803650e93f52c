package pump

import "errors"

// Failure classes. Every error the driver returns wraps exactly one of
// these, so callers can tell connectivity problems from framing desyncs,
// bad input, and silent device-side rejection with errors.Is.
//
// None of them are retried internally: after a framing desync the protocol
// state is unknown, and guessing could command unsafe pump motion.
var (
	// ErrConnectivity means the serial link could not be opened or is not
	// open. Surfaced immediately, never retried by the driver.
	ErrConnectivity = errors.New("pump: connection failed")

	// ErrProtocol means the byte stream disagreed with the declared framing:
	// wrong response line count, an unknown prompt byte, or unconsumed
	// trailing data outside a run. Fatal to the call.
	ErrProtocol = errors.New("pump: protocol violation")

	// ErrValidation means a caller-supplied value was out of range or the
	// wrong shape. The caller may retry with corrected input.
	ErrValidation = errors.New("pump: invalid parameter")

	// ErrPostCondition means the device read-back disagrees with what was
	// requested. The pump silently clamps or rejects some out-of-range
	// commands, so read-back is the only reliable confirmation.
	ErrPostCondition = errors.New("pump: device rejected or clamped value")

	// ErrNotRunning means a run-completion wait was requested with no run
	// in progress. This is a caller bug, not a device condition.
	ErrNotRunning = errors.New("pump: no run in progress")
)
