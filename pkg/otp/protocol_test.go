package otp

import (
	"bytes"
	"errors"
	"testing"

	"avaneesh/yubikit-go/pkg/connection"
	"avaneesh/yubikit-go/pkg/core"
)

// statusReport builds an 8-byte status report: version, programming
// sequence, touch level and the flag byte.
func statusReport(major, minor, patch, progSeq, flags byte) []byte {
	return []byte{0x00, major, minor, patch, progSeq, 0x00, 0x00, flags}
}

func TestNewProtocol(t *testing.T) {
	mock := &connection.MockOtpConnection{}
	mock.QueueReport(statusReport(5, 4, 3, 1, 0))

	p, err := NewProtocol(mock)
	if err != nil {
		t.Fatalf("NewProtocol error: %v", err)
	}
	if want := core.NewVersion(5, 4, 3); p.Version() != want {
		t.Errorf("Version = %v, want %v", p.Version(), want)
	}
}

func TestReadStatus(t *testing.T) {
	mock := &connection.MockOtpConnection{}
	mock.QueueReport(statusReport(5, 4, 3, 1, 0))
	mock.QueueReport([]byte{0x00, 5, 4, 3, 2, 0x10, 0x20, 0x00})

	p, err := NewProtocol(mock)
	if err != nil {
		t.Fatalf("NewProtocol error: %v", err)
	}
	status, err := p.ReadStatus()
	if err != nil {
		t.Fatalf("ReadStatus error: %v", err)
	}
	if !bytes.Equal(status, []byte{5, 4, 3, 2, 0x10, 0x20}) {
		t.Errorf("status = %x", status)
	}
}

// TestSendAndReceiveData exercises a data-producing command: the frame is
// written as sparse reports, the response is reassembled from sequenced
// reports and the transfer ends on a wrapped sequence number.
func TestSendAndReceiveData(t *testing.T) {
	mock := &connection.MockOtpConnection{}
	var sent [][]byte
	mock.OnSend = func(report []byte) {
		sent = append(sent, append([]byte{}, report...))
	}

	mock.QueueReport(statusReport(5, 4, 3, 3, 0)) // NewProtocol
	mock.QueueReport(statusReport(5, 4, 3, 3, 0)) // sendFrame initial read
	mock.QueueReport(statusReport(5, 4, 3, 3, 0)) // ready before chunk 0
	mock.QueueReport(statusReport(5, 4, 3, 3, 0)) // ready before chunk 9

	part1 := []byte{10, 11, 12, 13, 14, 15, 16}
	part2 := []byte{17, 18, 19, 20, 21, 22, 23}
	mock.QueueReport(append(append([]byte{}, part1...), respPendingFlag|0))
	mock.QueueReport(append(append([]byte{}, part2...), respPendingFlag|1))
	mock.QueueReport([]byte{0, 0, 0, 0, 0, 0, 0, respPendingFlag}) // end marker

	p, err := NewProtocol(mock)
	if err != nil {
		t.Fatalf("NewProtocol error: %v", err)
	}

	data := []byte{0x01, 0x02, 0x03}
	response, err := p.SendAndReceive(0x13, data)
	if err != nil {
		t.Fatalf("SendAndReceive error: %v", err)
	}
	if !bytes.Equal(response, append(part1, part2...)) {
		t.Errorf("response = %x", response)
	}

	// Two frame chunks (all-zero middle chunks elided) plus the state reset
	if len(sent) != 3 {
		t.Fatalf("reports written = %d, want 3", len(sent))
	}
	if sent[0][7] != slotWriteFlag|0 {
		t.Errorf("first chunk sequence byte = %02x", sent[0][7])
	}
	if !bytes.Equal(sent[0][:3], data) {
		t.Errorf("first chunk data = %x", sent[0][:3])
	}
	if sent[1][7] != slotWriteFlag|9 {
		t.Errorf("last chunk sequence byte = %02x", sent[1][7])
	}
	// Last chunk carries the slot byte and little-endian payload CRC
	payload := make([]byte, SlotDataSize)
	copy(payload, data)
	crc := CalculateCRC(payload)
	if sent[1][1] != 0x13 || sent[1][2] != byte(crc) || sent[1][3] != byte(crc>>8) {
		t.Errorf("last chunk = %x, want slot 13 crc %04x", sent[1], crc)
	}
	if !bytes.Equal(sent[2], []byte{0, 0, 0, 0, 0, 0, 0, 0xFF}) {
		t.Errorf("reset report = %x", sent[2])
	}
}

// TestSendAndReceiveConfigWrite exercises a configuration write, detected
// by the programming sequence number advancing.
func TestSendAndReceiveConfigWrite(t *testing.T) {
	mock := &connection.MockOtpConnection{}

	mock.QueueReport(statusReport(5, 4, 3, 3, 0)) // NewProtocol
	mock.QueueReport(statusReport(5, 4, 3, 3, 0)) // sendFrame initial read
	mock.QueueReport(statusReport(5, 4, 3, 3, 0)) // ready before chunk 0
	mock.QueueReport(statusReport(5, 4, 3, 3, 0)) // ready before chunk 9
	mock.QueueReport(statusReport(5, 4, 3, 4, 0)) // sequence bumped

	p, err := NewProtocol(mock)
	if err != nil {
		t.Fatalf("NewProtocol error: %v", err)
	}
	status, err := p.SendAndReceive(0x01, []byte{0xAA})
	if err != nil {
		t.Fatalf("SendAndReceive error: %v", err)
	}
	if status[3] != 4 {
		t.Errorf("status = %x, want sequence 4", status)
	}
}

func TestSendAndReceiveRejected(t *testing.T) {
	mock := &connection.MockOtpConnection{}

	mock.QueueReport(statusReport(5, 4, 3, 3, 0))
	mock.QueueReport(statusReport(5, 4, 3, 3, 0))
	mock.QueueReport(statusReport(5, 4, 3, 3, 0))
	mock.QueueReport(statusReport(5, 4, 3, 3, 0))
	mock.QueueReport(statusReport(5, 4, 3, 3, 0)) // sequence unchanged

	p, err := NewProtocol(mock)
	if err != nil {
		t.Fatalf("NewProtocol error: %v", err)
	}
	if _, err := p.SendAndReceive(0x01, []byte{0xAA}); !errors.Is(err, ErrCommandRejected) {
		t.Errorf("error = %v, want ErrCommandRejected", err)
	}
}

// TestSendAndReceiveTouchTimeout exercises a touch wait that the device
// gives up on.
func TestSendAndReceiveTouchTimeout(t *testing.T) {
	mock := &connection.MockOtpConnection{}

	mock.QueueReport(statusReport(5, 4, 3, 3, 0))
	mock.QueueReport(statusReport(5, 4, 3, 3, 0))
	mock.QueueReport(statusReport(5, 4, 3, 3, 0))
	mock.QueueReport(statusReport(5, 4, 3, 3, 0))
	mock.QueueReport(statusReport(5, 4, 3, 3, respTimeoutWaitFlag)) // touch pending
	mock.QueueReport(statusReport(5, 4, 3, 3, 0))                   // device gave up

	p, err := NewProtocol(mock)
	if err != nil {
		t.Fatalf("NewProtocol error: %v", err)
	}
	if _, err := p.SendAndReceive(0x01, []byte{0xAA}); !errors.Is(err, core.ErrTimeout) {
		t.Errorf("error = %v, want core.ErrTimeout", err)
	}
}

func TestPayloadTooLarge(t *testing.T) {
	mock := &connection.MockOtpConnection{}
	mock.QueueReport(statusReport(5, 4, 3, 3, 0))

	p, err := NewProtocol(mock)
	if err != nil {
		t.Fatalf("NewProtocol error: %v", err)
	}
	if _, err := p.SendAndReceive(0x01, make([]byte, SlotDataSize+1)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("error = %v, want ErrPayloadTooLarge", err)
	}
}
