// Package connection defines the byte-level channels a session runs over,
// and provides TCP, QUIC and HID backed implementations.
//
// A connection is exclusively owned by at most one session. All exchanges
// are strictly synchronous request/response: the device side is half-duplex
// and issuing a second command before the previous response is drained is
// undefined.
package connection

import (
	"errors"

	"avaneesh/yubikit-go/pkg/core"
)

// Errors
var (
	ErrClosed       = errors.New("connection closed")
	ErrShortReport  = errors.New("feature report has wrong size")
	ErrResponseSize = errors.New("response too short")
)

// Connection is a channel to a device. Implementations release all held
// resources on Close and unblock any pending exchange.
type Connection interface {
	Close() error
}

// SmartCardConnection exchanges ISO 7816 command/response APDUs.
// This is THE KEY INTERFACE between sessions and transports: sessions depend
// only on it, never on a concrete backend.
type SmartCardConnection interface {
	Connection

	// Transport reports the physical transport of the connection (USB or NFC)
	Transport() core.Transport

	// SendAndReceive sends one command APDU and blocks for the full
	// response, returning the response data and the 16-bit status word
	SendAndReceive(apdu []byte) (data []byte, sw uint16, err error)
}

// OtpConnection exchanges 8-byte HID feature reports with the keyboard
// interface. Used by the slot-command protocol.
type OtpConnection interface {
	Connection

	// Receive reads one 8-byte feature report
	Receive() ([]byte, error)

	// Send writes one 8-byte feature report
	Send(report []byte) error
}

// FidoConnection issues CTAP vendor commands over the FIDO HID interface.
type FidoConnection interface {
	Connection

	// Version reports the firmware version announced during the CTAPHID
	// INIT handshake
	Version() core.Version

	// Call sends one vendor command and returns the response payload
	Call(cmd byte, data []byte) ([]byte, error)
}

// Stats provides connection-level statistics
type Stats struct {
	BytesSent     uint64 // Total bytes sent
	BytesReceived uint64 // Total bytes received
	WriteErrors   uint64 // Number of write errors
	ReadErrors    uint64 // Number of read errors
	Connects      uint64 // Number of connections established
	Disconnects   uint64 // Number of disconnections
}
