package otp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"avaneesh/yubikit-go/pkg/connection"
	"avaneesh/yubikit-go/pkg/core"
	"avaneesh/yubikit-go/pkg/internal/logger"
)

// Frame layout. A command is a 70 byte frame: a 64 byte payload, the slot
// number, the payload CRC (little-endian) and three filler bytes. Frames
// travel in 8-byte feature reports of 7 data bytes plus a sequence byte.
const (
	SlotDataSize   = 64
	frameSize      = SlotDataSize + 6
	reportDataSize = 7
)

// Sequence byte flags
const (
	slotWriteFlag       = 0x80
	respPendingFlag     = 0x40
	respTimeoutWaitFlag = 0x20
	sequenceMask        = 0x1F
)

// Polling intervals and the ready-to-write retry budget
const (
	writeReadyAttempts = 20
	writeReadyInterval = 50 * time.Millisecond
	busyPollInterval   = 50 * time.Millisecond
)

// Errors
var (
	ErrPayloadTooLarge    = errors.New("otp: payload exceeds slot data size")
	ErrCommandRejected    = errors.New("otp: command rejected by device")
	ErrIncompleteTransfer = errors.New("otp: incomplete response transfer")
	ErrNotReady           = errors.New("otp: timeout waiting for device to accept a write")
)

// Protocol drives an OtpConnection. Construction reads the device status
// to learn the firmware version.
type Protocol struct {
	conn    connection.OtpConnection
	version core.Version
	log     logger.Logger
}

// NewProtocol wraps an OtpConnection, reading the initial status report.
func NewProtocol(conn connection.OtpConnection) (*Protocol, error) {
	report, err := conn.Receive()
	if err != nil {
		return nil, err
	}
	return &Protocol{
		conn:    conn,
		version: core.Version{Major: report[1], Minor: report[2], Patch: report[3]},
		log:     logger.GetDefault(),
	}, nil
}

// Version returns the firmware version reported in the status report.
// Some keys deliberately misreport this; callers needing certainty should
// query the management application instead.
func (p *Protocol) Version() core.Version {
	return p.version
}

// Close closes the underlying connection.
func (p *Protocol) Close() error {
	return p.conn.Close()
}

// ReadStatus reads the 6 byte status record: firmware version, programming
// sequence number and touch level.
func (p *Protocol) ReadStatus() ([]byte, error) {
	report, err := p.conn.Receive()
	if err != nil {
		return nil, err
	}
	status := make([]byte, 6)
	copy(status, report[1:7])
	return status, nil
}

// SendAndReceive writes a command to a slot and returns the response. For
// commands that produce data the raw response buffer is returned, trailing
// CRC included; for configuration writes the updated status record is
// returned instead.
func (p *Protocol) SendAndReceive(slot byte, data []byte) ([]byte, error) {
	if len(data) > SlotDataSize {
		return nil, ErrPayloadTooLarge
	}
	payload := make([]byte, SlotDataSize)
	copy(payload, data)

	p.log.Debug("[OTP] => slot=%02x %x", slot, data)

	frame := make([]byte, 0, frameSize)
	frame = append(frame, payload...)
	frame = append(frame, slot)
	frame = binary.LittleEndian.AppendUint16(frame, CalculateCRC(payload))
	frame = append(frame, 0, 0, 0)

	progSeq, err := p.sendFrame(frame)
	if err != nil {
		return nil, err
	}
	response, err := p.readFrame(progSeq)
	if err != nil {
		return nil, err
	}

	p.log.Debug("[OTP] <= %x", response)
	return response, nil
}

// sendFrame writes a frame as a series of feature reports. All-zero
// reports are elided except the first and last; the device infers them
// from the sequence numbers. Returns the programming sequence number seen
// before the write, used to detect configuration updates.
func (p *Protocol) sendFrame(frame []byte) (byte, error) {
	report, err := p.conn.Receive()
	if err != nil {
		return 0, err
	}
	progSeq := report[4]

	lastSeq := byte(frameSize/reportDataSize - 1)
	for seq := byte(0); len(frame) > 0; seq++ {
		chunk := frame[:reportDataSize]
		frame = frame[reportDataSize:]

		if seq > 0 && seq < lastSeq && allZero(chunk) {
			continue
		}

		if err := p.awaitReadyToWrite(); err != nil {
			return 0, err
		}
		packet := make([]byte, 0, reportDataSize+1)
		packet = append(packet, chunk...)
		packet = append(packet, slotWriteFlag|seq)
		if err := p.conn.Send(packet); err != nil {
			return 0, err
		}
	}
	return progSeq, nil
}

// readFrame collects the device's reaction to a written frame: either a
// sequence of response reports, or a bare status report.
func (p *Protocol) readFrame(progSeq byte) ([]byte, error) {
	var response []byte
	needsTouch := false

	for {
		report, err := p.conn.Receive()
		if err != nil {
			return nil, err
		}
		statusByte := report[reportDataSize]

		switch {
		case statusByte&respPendingFlag != 0:
			// Response data. The sequence number wraps to zero when the
			// transfer is complete.
			seq := int(statusByte & sequenceMask)
			if seq == len(response)/reportDataSize {
				response = append(response, report[:reportDataSize]...)
			} else if seq == 0 {
				if err := p.resetState(); err != nil {
					return nil, err
				}
				return response, nil
			}

		case statusByte == 0:
			// Status report. A bumped programming sequence means the
			// write took effect.
			if len(response) > 0 {
				return nil, fmt.Errorf("%w: %w", core.ErrBadResponse, ErrIncompleteTransfer)
			}
			if report[4] == progSeq+1 {
				status := make([]byte, reportDataSize)
				copy(status, report[1:reportDataSize])
				return status, nil
			}
			if needsTouch {
				return nil, fmt.Errorf("%w: no touch confirmation", core.ErrTimeout)
			}
			return nil, ErrCommandRejected

		default:
			// Device busy. The timeout-wait flag means it is blocking on
			// a touch confirmation; the device resolves the wait itself.
			if statusByte&respTimeoutWaitFlag != 0 {
				if !needsTouch {
					p.log.Debug("[OTP] waiting for touch confirmation")
				}
				needsTouch = true
			}
			time.Sleep(busyPollInterval)
		}
	}
}

// awaitReadyToWrite polls until the device clears the write flag.
func (p *Protocol) awaitReadyToWrite() error {
	for i := 0; i < writeReadyAttempts; i++ {
		report, err := p.conn.Receive()
		if err != nil {
			return err
		}
		if report[reportDataSize]&slotWriteFlag == 0 {
			return nil
		}
		time.Sleep(writeReadyInterval)
	}
	return ErrNotReady
}

// resetState tells the device to abandon the current read transfer.
func (p *Protocol) resetState() error {
	packet := make([]byte, reportDataSize+1)
	packet[reportDataSize] = 0xFF
	return p.conn.Send(packet)
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
