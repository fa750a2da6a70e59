package connection

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"avaneesh/yubikit-go/pkg/core"
	"avaneesh/yubikit-go/pkg/internal/logger"
)

// TCPConnection implements SmartCardConnection over a TCP socket, speaking
// the virtual-reader framing: every APDU and response is prefixed with a
// 2-byte big-endian length. This is how card emulators and network-attached
// readers expose a card.
type TCPConnection struct {
	// Connection
	conn     net.Conn
	connLock sync.Mutex

	// Configuration
	address      string
	transport    core.Transport
	readTimeout  time.Duration
	writeTimeout time.Duration

	// Statistics
	stats struct {
		bytesSent     atomic.Uint64
		bytesReceived atomic.Uint64
		writeErrors   atomic.Uint64
		readErrors    atomic.Uint64
	}

	// Lifecycle
	closed atomic.Bool

	log logger.Logger
}

// TCPConnectionConfig configures a TCP connection
type TCPConnectionConfig struct {
	Address      string         // "host:port" of the reader/emulator
	Transport    core.Transport // Transport to report to sessions (default USB)
	DialTimeout  time.Duration  // Timeout for the initial connect (default 10s)
	ReadTimeout  time.Duration  // Per-response read timeout (0 = no timeout)
	WriteTimeout time.Duration  // Per-command write timeout (default 10s)
	Logger       logger.Logger  // Optional logger (default package logger)
}

// NewTCPConnection dials the reader and returns a connected smart card
// channel. There is no automatic reconnect: when the link drops the
// connection is dead and a new one must be opened.
func NewTCPConnection(config TCPConnectionConfig) (*TCPConnection, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("address is required")
	}

	// Set defaults
	if config.DialTimeout == 0 {
		config.DialTimeout = 10 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = logger.GetDefault()
	}

	conn, err := net.DialTimeout("tcp", config.Address, config.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", config.Address, err)
	}

	return &TCPConnection{
		conn:         conn,
		address:      config.Address,
		transport:    config.Transport,
		readTimeout:  config.ReadTimeout,
		writeTimeout: config.WriteTimeout,
		log:          config.Logger,
	}, nil
}

// Transport implements SmartCardConnection.Transport
func (tc *TCPConnection) Transport() core.Transport {
	return tc.transport
}

// SendAndReceive implements SmartCardConnection.SendAndReceive
func (tc *TCPConnection) SendAndReceive(apdu []byte) ([]byte, uint16, error) {
	if tc.closed.Load() {
		return nil, 0, ErrClosed
	}

	// The exchange is a single request/response transaction
	tc.connLock.Lock()
	defer tc.connLock.Unlock()

	tc.log.Debug("[TCP %s] => %x", tc.address, apdu)

	if err := tc.writeFrame(apdu); err != nil {
		tc.stats.writeErrors.Add(1)
		return nil, 0, err
	}

	response, err := tc.readFrame()
	if err != nil {
		tc.stats.readErrors.Add(1)
		return nil, 0, err
	}

	tc.log.Debug("[TCP %s] <= %x", tc.address, response)

	if len(response) < 2 {
		return nil, 0, ErrResponseSize
	}
	sw := binary.BigEndian.Uint16(response[len(response)-2:])
	return response[:len(response)-2], sw, nil
}

// writeFrame writes one length-prefixed frame
func (tc *TCPConnection) writeFrame(data []byte) error {
	if tc.writeTimeout > 0 {
		tc.conn.SetWriteDeadline(time.Now().Add(tc.writeTimeout))
	}

	frame := make([]byte, 2+len(data))
	binary.BigEndian.PutUint16(frame, uint16(len(data)))
	copy(frame[2:], data)

	if _, err := tc.conn.Write(frame); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	tc.stats.bytesSent.Add(uint64(len(frame)))
	return nil
}

// readFrame reads one length-prefixed frame
func (tc *TCPConnection) readFrame() ([]byte, error) {
	if tc.readTimeout > 0 {
		tc.conn.SetReadDeadline(time.Now().Add(tc.readTimeout))
	}

	var header [2]byte
	if _, err := io.ReadFull(tc.conn, header[:]); err != nil {
		return nil, tc.readError(err)
	}

	frame := make([]byte, binary.BigEndian.Uint16(header[:]))
	if _, err := io.ReadFull(tc.conn, frame); err != nil {
		return nil, tc.readError(err)
	}

	tc.stats.bytesReceived.Add(uint64(2 + len(frame)))
	return frame, nil
}

// readError translates a socket deadline expiry into the protocol timeout
func (tc *TCPConnection) readError(err error) error {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return fmt.Errorf("%w: %v", core.ErrTimeout, err)
	}
	return fmt.Errorf("read failed: %w", err)
}

// Close implements Connection.Close
func (tc *TCPConnection) Close() error {
	if !tc.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}
	return tc.conn.Close()
}

// Statistics returns connection-level statistics
func (tc *TCPConnection) Statistics() Stats {
	return Stats{
		BytesSent:     tc.stats.bytesSent.Load(),
		BytesReceived: tc.stats.bytesReceived.Load(),
		WriteErrors:   tc.stats.writeErrors.Load(),
		ReadErrors:    tc.stats.readErrors.Load(),
		Connects:      1,
	}
}

// RemoteAddr returns the remote address of the connection
func (tc *TCPConnection) RemoteAddr() net.Addr {
	return tc.conn.RemoteAddr()
}
