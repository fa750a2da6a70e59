package core

import (
	"errors"
	"fmt"
)

// Errors shared by every protocol session. More specific errors (wrong PIN,
// APDU status words) live in the packages that can interpret them.
var (
	// ErrBadResponse indicates malformed or checksum-failing response data.
	ErrBadResponse = errors.New("invalid response from device")

	// ErrTimeout indicates an operation timed out waiting for the device.
	ErrTimeout = errors.New("timed out waiting for device")

	// ErrApplicationNotAvailable indicates the selected application is
	// disabled or not present on the device.
	ErrApplicationNotAvailable = errors.New("application is disabled or not present")
)

// NotSupportedError is returned before any wire traffic when an operation
// requires a firmware version the connected device does not meet.
type NotSupportedError struct {
	Op       string  // The attempted operation
	Required Version // Minimum firmware version, zero if not version-gated
}

// Error implements the error interface.
func (e *NotSupportedError) Error() string {
	if e.Required.IsZero() {
		return fmt.Sprintf("%s is not supported by this device", e.Op)
	}
	return fmt.Sprintf("%s requires firmware %s or later", e.Op, e.Required)
}

// NotSupported builds a NotSupportedError for an operation gated on a
// minimum firmware version.
func NotSupported(op string, major, minor, patch uint8) *NotSupportedError {
	return &NotSupportedError{Op: op, Required: Version{major, minor, patch}}
}
