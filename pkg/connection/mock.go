package connection

import (
	"sync"

	"avaneesh/yubikit-go/pkg/core"
)

// MockSmartCardConnection is an in-memory SmartCardConnection driven by a
// handler function. It is used by tests and as a template for custom
// transports.
type MockSmartCardConnection struct {
	// Handler receives each command APDU and returns response data and
	// status word
	Handler func(apdu []byte) ([]byte, uint16)

	// TransportType is reported to sessions (default USB)
	TransportType core.Transport

	// Exchanged records every command APDU seen, in order
	Exchanged [][]byte

	mu     sync.Mutex
	closed bool
}

// NewMockSmartCardConnection creates a mock with the given handler.
func NewMockSmartCardConnection(handler func(apdu []byte) ([]byte, uint16)) *MockSmartCardConnection {
	return &MockSmartCardConnection{Handler: handler}
}

// Transport implements SmartCardConnection.Transport
func (m *MockSmartCardConnection) Transport() core.Transport {
	return m.TransportType
}

// SendAndReceive implements SmartCardConnection.SendAndReceive
func (m *MockSmartCardConnection) SendAndReceive(apdu []byte) ([]byte, uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, 0, ErrClosed
	}
	recorded := make([]byte, len(apdu))
	copy(recorded, apdu)
	m.Exchanged = append(m.Exchanged, recorded)
	data, sw := m.Handler(apdu)
	return data, sw, nil
}

// Close implements Connection.Close
func (m *MockSmartCardConnection) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// MockOtpConnection is an in-memory OtpConnection. Sent reports are passed
// to OnSend; Receive pops reports queued via QueueReport.
type MockOtpConnection struct {
	// OnSend receives every 8-byte report written by the protocol
	OnSend func(report []byte)

	mu     sync.Mutex
	queue  [][]byte
	closed bool
}

// QueueReport appends a report to be returned by subsequent Receive calls.
func (m *MockOtpConnection) QueueReport(report []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := make([]byte, len(report))
	copy(r, report)
	m.queue = append(m.queue, r)
}

// Receive implements OtpConnection.Receive
func (m *MockOtpConnection) Receive() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if len(m.queue) == 0 {
		return nil, core.ErrTimeout
	}
	report := m.queue[0]
	m.queue = m.queue[1:]
	return report, nil
}

// Send implements OtpConnection.Send
func (m *MockOtpConnection) Send(report []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if len(report) != featureReportSize {
		return ErrShortReport
	}
	if m.OnSend != nil {
		m.OnSend(report)
	}
	return nil
}

// Close implements Connection.Close
func (m *MockOtpConnection) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// MockFidoConnection is an in-memory FidoConnection.
type MockFidoConnection struct {
	// DeviceVersion is returned by Version
	DeviceVersion core.Version

	// Handler receives each vendor command
	Handler func(cmd byte, data []byte) ([]byte, error)

	closed bool
}

// Version implements FidoConnection.Version
func (m *MockFidoConnection) Version() core.Version {
	return m.DeviceVersion
}

// Call implements FidoConnection.Call
func (m *MockFidoConnection) Call(cmd byte, data []byte) ([]byte, error) {
	if m.closed {
		return nil, ErrClosed
	}
	return m.Handler(cmd, data)
}

// Close implements Connection.Close
func (m *MockFidoConnection) Close() error {
	m.closed = true
	return nil
}
