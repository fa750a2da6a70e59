package connection

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"avaneesh/yubikit-go/pkg/core"
	"avaneesh/yubikit-go/pkg/internal/logger"
)

// QUICConnection implements SmartCardConnection over a QUIC stream, with the
// same 2-byte length-prefixed framing as TCPConnection. Useful for readers
// exposed across lossy networks where QUIC's loss recovery beats raw TCP.
type QUICConnection struct {
	// Connection
	connection *quic.Conn
	stream     *quic.Stream
	exchange   sync.Mutex

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

// QUICConnectionConfig configures a QUIC connection
type QUICConnectionConfig struct {
	Address      string         // "host:port" of the reader/emulator
	Transport    core.Transport // Transport to report to sessions (default USB)
	DialTimeout  time.Duration  // Timeout for the initial connect (default 10s)
	ReadTimeout  time.Duration  // Per-response read timeout (0 = no timeout)
	WriteTimeout time.Duration  // Per-command write timeout (default 10s)
	TLSConfig    *tls.Config    // Optional TLS config (if nil, a self-signed cert is generated)
	Logger       logger.Logger  // Optional logger (default package logger)
}

// NewQUICConnection dials the reader over QUIC and opens the command stream.
func NewQUICConnection(config QUICConnectionConfig) (*QUICConnection, error) {
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

	tlsConfig := config.TLSConfig
	if tlsConfig == nil {
		var err error
		tlsConfig, err = generateTLSConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to generate TLS config: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()

	udpAddr, err := net.ResolveUDPAddr("udp", "0.0.0.0:0")
	if err != nil {
		return nil, fmt.Errorf("failed to resolve local UDP address: %w", err)
	}

	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create UDP socket: %w", err)
	}

	remoteAddr, err := net.ResolveUDPAddr("udp", config.Address)
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("failed to resolve remote address %s: %w", config.Address, err)
	}

	conn, err := quic.Dial(ctx, udpConn, remoteAddr, tlsConfig, nil)
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", config.Address, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "failed to open stream")
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}

	return &QUICConnection{
		connection:   conn,
		stream:       stream,
		address:      config.Address,
		transport:    config.Transport,
		readTimeout:  config.ReadTimeout,
		writeTimeout: config.WriteTimeout,
		log:          config.Logger,
	}, nil
}

// generateTLSConfig generates a self-signed certificate for QUIC
func generateTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates:       []tls.Certificate{tlsCert},
		NextProtos:         []string{"apdu-quic"},
		InsecureSkipVerify: true, // For self-signed certs
	}, nil
}

// Transport implements SmartCardConnection.Transport
func (qc *QUICConnection) Transport() core.Transport {
	return qc.transport
}

// SendAndReceive implements SmartCardConnection.SendAndReceive
func (qc *QUICConnection) SendAndReceive(apdu []byte) ([]byte, uint16, error) {
	if qc.closed.Load() {
		return nil, 0, ErrClosed
	}

	qc.exchange.Lock()
	defer qc.exchange.Unlock()

	qc.log.Debug("[QUIC %s] => %x", qc.address, apdu)

	if qc.writeTimeout > 0 {
		qc.stream.SetWriteDeadline(time.Now().Add(qc.writeTimeout))
	}
	frame := make([]byte, 2+len(apdu))
	binary.BigEndian.PutUint16(frame, uint16(len(apdu)))
	copy(frame[2:], apdu)
	if _, err := qc.stream.Write(frame); err != nil {
		qc.stats.writeErrors.Add(1)
		return nil, 0, fmt.Errorf("write failed: %w", err)
	}
	qc.stats.bytesSent.Add(uint64(len(frame)))

	if qc.readTimeout > 0 {
		qc.stream.SetReadDeadline(time.Now().Add(qc.readTimeout))
	}
	var header [2]byte
	if _, err := io.ReadFull(qc.stream, header[:]); err != nil {
		qc.stats.readErrors.Add(1)
		return nil, 0, fmt.Errorf("read failed: %w", err)
	}
	response := make([]byte, binary.BigEndian.Uint16(header[:]))
	if _, err := io.ReadFull(qc.stream, response); err != nil {
		qc.stats.readErrors.Add(1)
		return nil, 0, fmt.Errorf("read failed: %w", err)
	}
	qc.stats.bytesReceived.Add(uint64(2 + len(response)))

	qc.log.Debug("[QUIC %s] <= %x", qc.address, response)

	if len(response) < 2 {
		return nil, 0, ErrResponseSize
	}
	sw := binary.BigEndian.Uint16(response[len(response)-2:])
	return response[:len(response)-2], sw, nil
}

// Close implements Connection.Close
func (qc *QUICConnection) Close() error {
	if !qc.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}
	qc.stream.Close()
	return qc.connection.CloseWithError(0, "connection closed")
}

// Statistics returns connection-level statistics
func (qc *QUICConnection) Statistics() Stats {
	return Stats{
		BytesSent:     qc.stats.bytesSent.Load(),
		BytesReceived: qc.stats.bytesReceived.Load(),
		WriteErrors:   qc.stats.writeErrors.Load(),
		ReadErrors:    qc.stats.readErrors.Load(),
		Connects:      1,
	}
}

// RemoteAddr returns the remote address of the connection
func (qc *QUICConnection) RemoteAddr() net.Addr {
	return qc.connection.RemoteAddr()
}
