package connection

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bearsh/hid"

	"avaneesh/yubikit-go/pkg/core"
	"avaneesh/yubikit-go/pkg/internal/logger"
)

// CTAPHID constants
const (
	hidPacketSize   = 64
	ctapHidTypeInit = 0x80

	ctapHidInit      = 0x06
	ctapHidKeepalive = 0x3b
	ctapHidError     = 0x3f

	broadcastChannel = 0xffffffff
)

// Feature report size for the keyboard (OTP) interface
const featureReportSize = 8

// Errors
var (
	ErrChannelBusy      = errors.New("hid: device returned a CTAPHID error")
	ErrInitNonce        = errors.New("hid: INIT response nonce mismatch")
	ErrUnexpectedPacket = errors.New("hid: unexpected packet from device")
)

// FidoHidConnection implements FidoConnection over a FIDO HID interface.
// Commands are framed per the CTAPHID specification: a 64-byte init packet
// carrying the channel id, command and total length, followed by numbered
// continuation packets.
type FidoHidConnection struct {
	device  *hid.Device
	channel uint32
	version core.Version
	closed  bool
	log     logger.Logger
}

// OpenFidoHid opens a CTAPHID channel on an already-opened HID device.
// The INIT handshake allocates a channel id and reports the firmware
// version. Device enumeration and selection is the caller's concern.
func OpenFidoHid(device *hid.Device) (*FidoHidConnection, error) {
	fc := &FidoHidConnection{
		device:  device,
		channel: broadcastChannel,
		log:     logger.GetDefault(),
	}

	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	response, err := fc.call(ctapHidInit, nonce)
	if err != nil {
		return nil, fmt.Errorf("INIT failed: %w", err)
	}
	if len(response) < 17 {
		return nil, ErrResponseSize
	}
	if !bytes.Equal(response[:8], nonce) {
		return nil, ErrInitNonce
	}

	fc.channel = binary.BigEndian.Uint32(response[8:12])
	fc.version = core.Version{Major: response[13], Minor: response[14], Patch: response[15]}
	return fc, nil
}

// Version implements FidoConnection.Version
func (fc *FidoHidConnection) Version() core.Version {
	return fc.version
}

// Call implements FidoConnection.Call
func (fc *FidoHidConnection) Call(cmd byte, data []byte) ([]byte, error) {
	if fc.closed {
		return nil, ErrClosed
	}
	return fc.call(cmd, data)
}

func (fc *FidoHidConnection) call(cmd byte, data []byte) ([]byte, error) {
	fc.log.Debug("[CTAPHID] => cmd=%02x %x", cmd, data)

	if err := fc.sendRequest(cmd, data); err != nil {
		return nil, err
	}
	response, err := fc.readResponse(cmd)
	if err != nil {
		return nil, err
	}

	fc.log.Debug("[CTAPHID] <= %x", response)
	return response, nil
}

// sendRequest frames data into an init packet plus continuation packets
func (fc *FidoHidConnection) sendRequest(cmd byte, data []byte) error {
	if len(data) > 0xffff {
		return fmt.Errorf("payload too large: %d bytes", len(data))
	}

	packet := make([]byte, hidPacketSize)
	binary.BigEndian.PutUint32(packet[0:4], fc.channel)
	packet[4] = cmd | ctapHidTypeInit
	binary.BigEndian.PutUint16(packet[5:7], uint16(len(data)))
	n := copy(packet[7:], data)
	if err := fc.writePacket(packet); err != nil {
		return err
	}

	seq := byte(0)
	for n < len(data) {
		packet = make([]byte, hidPacketSize)
		binary.BigEndian.PutUint32(packet[0:4], fc.channel)
		packet[4] = seq
		seq++
		n += copy(packet[5:], data[n:])
		if err := fc.writePacket(packet); err != nil {
			return err
		}
	}
	return nil
}

// readResponse reassembles a response, skipping keepalive packets
func (fc *FidoHidConnection) readResponse(cmd byte) ([]byte, error) {
	packet := make([]byte, hidPacketSize)

	// Init packet, possibly preceded by keepalives while the device is busy
	for {
		if _, err := fc.device.Read(packet); err != nil {
			return nil, fmt.Errorf("read failed: %w", err)
		}
		channel := binary.BigEndian.Uint32(packet[0:4])
		if channel != fc.channel {
			continue // Traffic for another channel
		}
		switch packet[4] {
		case ctapHidKeepalive | ctapHidTypeInit:
			continue
		case ctapHidError | ctapHidTypeInit:
			return nil, fmt.Errorf("%w: code %02x", ErrChannelBusy, packet[7])
		case cmd | ctapHidTypeInit:
		default:
			return nil, ErrUnexpectedPacket
		}
		break
	}

	total := int(binary.BigEndian.Uint16(packet[5:7]))
	response := make([]byte, 0, total)
	response = append(response, packet[7:min(7+total, hidPacketSize)]...)

	// Continuation packets carry a sequence number after the channel id
	for seq := byte(0); len(response) < total; seq++ {
		if _, err := fc.device.Read(packet); err != nil {
			return nil, fmt.Errorf("read failed: %w", err)
		}
		if binary.BigEndian.Uint32(packet[0:4]) != fc.channel || packet[4] != seq {
			return nil, ErrUnexpectedPacket
		}
		remaining := total - len(response)
		response = append(response, packet[5:min(5+remaining, hidPacketSize)]...)
	}
	return response[:total], nil
}

func (fc *FidoHidConnection) writePacket(packet []byte) error {
	if _, err := fc.device.Write(packet); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

// Close implements Connection.Close
func (fc *FidoHidConnection) Close() error {
	if fc.closed {
		return nil
	}
	fc.closed = true
	return fc.device.Close()
}

// OtpHidConnection implements OtpConnection over the keyboard interface
// using 8-byte HID feature reports.
type OtpHidConnection struct {
	device *hid.Device
	closed bool
}

// OpenOtpHid wraps an already-opened HID device as an OtpConnection.
func OpenOtpHid(device *hid.Device) *OtpHidConnection {
	return &OtpHidConnection{device: device}
}

// Receive implements OtpConnection.Receive
func (oc *OtpHidConnection) Receive() ([]byte, error) {
	if oc.closed {
		return nil, ErrClosed
	}
	// Leading byte is the report id, stripped before returning
	buf := make([]byte, featureReportSize+1)
	n, err := oc.device.GetFeatureReport(buf)
	if err != nil {
		return nil, fmt.Errorf("get feature report: %w", err)
	}
	if n < featureReportSize {
		return nil, ErrShortReport
	}
	return buf[1 : featureReportSize+1], nil
}

// Send implements OtpConnection.Send
func (oc *OtpHidConnection) Send(report []byte) error {
	if oc.closed {
		return ErrClosed
	}
	if len(report) != featureReportSize {
		return ErrShortReport
	}
	buf := append([]byte{0x00}, report...) // Report id 0
	if _, err := oc.device.SendFeatureReport(buf); err != nil {
		return fmt.Errorf("send feature report: %w", err)
	}
	return nil
}

// Close implements Connection.Close
func (oc *OtpHidConnection) Close() error {
	if oc.closed {
		return nil
	}
	oc.closed = true
	return oc.device.Close()
}
