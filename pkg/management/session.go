package management

import (
	"encoding/binary"
	"fmt"

	"avaneesh/yubikit-go/pkg/connection"
	"avaneesh/yubikit-go/pkg/core"
	"avaneesh/yubikit-go/pkg/internal/logger"
	"avaneesh/yubikit-go/pkg/otp"
	"avaneesh/yubikit-go/pkg/smartcard"
)

// Keyboard interface slots
const (
	slotDeviceConfig  = 0x11
	slotCapabilities  = 0x13
	slotSetDeviceInfo = 0x15
)

// Smart card interface instructions
const (
	insReadConfig  = 0x1D
	insWriteConfig = 0x1C
	insSetMode     = 0x16
	insWriteSlot   = 0x01 // Keyboard slot write tunneled over the smart card interface
	p1DeviceConfig = 0x11
)

// FIDO interface vendor commands
const (
	ctapVendorFirst = 0x40
	ctapSetMode     = ctapVendorFirst
	ctapReadConfig  = ctapVendorFirst + 2
	ctapWriteConfig = ctapVendorFirst + 3
)

// backend abstracts the three transports the management application is
// reachable over.
type backend interface {
	Version() core.Version
	SetMode(data []byte) error
	ReadConfig() ([]byte, error)
	WriteConfig(config []byte) error
	Close() error
}

// smartCardBackend talks to the management applet over CCID.
type smartCardBackend struct {
	protocol *smartcard.Protocol
	version  core.Version
}

func newSmartCardBackend(conn connection.SmartCardConnection) (*smartCardBackend, error) {
	protocol := smartcard.NewProtocol(conn)
	response, err := protocol.Select(core.AIDManagement)
	if err != nil {
		return nil, err
	}
	// The select response is a version banner
	version, err := core.VersionFromString(string(response))
	if err != nil {
		return nil, err
	}
	return &smartCardBackend{protocol: protocol, version: version}, nil
}

func (b *smartCardBackend) Version() core.Version {
	return b.version
}

func (b *smartCardBackend) SetMode(data []byte) error {
	if b.version.Major == 3 {
		// NEO only exposes mode switching through the OTP applet, and
		// needs a bogus SELECT to de-select the current applet first.
		if _, _, err := b.protocol.Connection().SendAndReceive([]byte{0xA4, 0x04, 0x00, 0x08}); err != nil {
			return err
		}
		if _, err := b.protocol.Select(core.AIDOTP); err != nil {
			return err
		}
		_, modeErr := b.protocol.SendAPDU(0, insWriteSlot, slotDeviceConfig, 0, data)
		if _, err := b.protocol.Select(core.AIDManagement); err != nil && modeErr == nil {
			modeErr = err
		}
		return modeErr
	}
	_, err := b.protocol.SendAPDU(0, insSetMode, p1DeviceConfig, 0, data)
	return err
}

func (b *smartCardBackend) ReadConfig() ([]byte, error) {
	return b.protocol.SendAPDU(0, insReadConfig, 0, 0, nil)
}

func (b *smartCardBackend) WriteConfig(config []byte) error {
	_, err := b.protocol.SendAPDU(0, insWriteConfig, 0, 0, config)
	return err
}

func (b *smartCardBackend) Close() error {
	return b.protocol.Close()
}

// otpBackend talks to the management functions over the keyboard
// interface.
type otpBackend struct {
	protocol *otp.Protocol
	version  core.Version
}

func newOtpBackend(conn connection.OtpConnection) (*otpBackend, error) {
	protocol, err := otp.NewProtocol(conn)
	if err != nil {
		return nil, err
	}
	version := protocol.Version()
	if version.AtLeast(1, 0, 0) && !version.AtLeast(3, 0, 0) {
		return nil, core.ErrApplicationNotAvailable
	}
	return &otpBackend{protocol: protocol, version: version}, nil
}

func (b *otpBackend) Version() core.Version {
	return b.version
}

func (b *otpBackend) SetMode(data []byte) error {
	_, err := b.protocol.SendAndReceive(slotDeviceConfig, data)
	return err
}

func (b *otpBackend) ReadConfig() ([]byte, error) {
	response, err := b.protocol.SendAndReceive(slotCapabilities, nil)
	if err != nil {
		return nil, err
	}
	// The response is length-prefixed and CRC-protected
	rLen := int(response[0])
	if len(response) < rLen+3 || !otp.CheckCRC(response[:rLen+3]) {
		return nil, fmt.Errorf("%w: invalid checksum", core.ErrBadResponse)
	}
	return response[:rLen+1], nil
}

func (b *otpBackend) WriteConfig(config []byte) error {
	_, err := b.protocol.SendAndReceive(slotSetDeviceInfo, config)
	return err
}

func (b *otpBackend) Close() error {
	return b.protocol.Close()
}

// ctapBackend talks to the management functions over vendor-specific
// CTAPHID commands.
type ctapBackend struct {
	conn    connection.FidoConnection
	version core.Version
}

func newCtapBackend(conn connection.FidoConnection) *ctapBackend {
	version := conn.Version()
	if version.Major < 4 {
		// Prior to the 4 series the FIDO interface did not report the
		// firmware version here
		version = core.NewVersion(3, 0, 0)
	}
	return &ctapBackend{conn: conn, version: version}
}

func (b *ctapBackend) Version() core.Version {
	return b.version
}

func (b *ctapBackend) SetMode(data []byte) error {
	_, err := b.conn.Call(ctapSetMode, data)
	return err
}

func (b *ctapBackend) ReadConfig() ([]byte, error) {
	return b.conn.Call(ctapReadConfig, nil)
}

func (b *ctapBackend) WriteConfig(config []byte) error {
	_, err := b.conn.Call(ctapWriteConfig, config)
	return err
}

func (b *ctapBackend) Close() error {
	return b.conn.Close()
}

// Session is a session with the device management application.
type Session struct {
	backend backend
	version core.Version
	log     logger.Logger
}

// NewSession opens a management session over any supported connection
// type.
func NewSession(conn connection.Connection) (*Session, error) {
	var (
		b   backend
		err error
	)
	switch c := conn.(type) {
	case connection.SmartCardConnection:
		b, err = newSmartCardBackend(c)
	case connection.OtpConnection:
		b, err = newOtpBackend(c)
	case connection.FidoConnection:
		b = newCtapBackend(c)
	default:
		return nil, fmt.Errorf("management: unsupported connection type %T", conn)
	}
	if err != nil {
		return nil, err
	}

	s := &Session{backend: b, version: b.Version(), log: logger.GetDefault()}
	s.log.Debug("management session established, version %s", s.version)
	return s, nil
}

// Version returns the firmware version.
func (s *Session) Version() core.Version {
	return s.version
}

// Close closes the session and its underlying connection.
func (s *Session) Close() error {
	return s.backend.Close()
}

// ReadDeviceInfo reads the device information record. Requires firmware
// 4.1.0 or later.
func (s *Session) ReadDeviceInfo() (*DeviceInfo, error) {
	if !s.version.AtLeast(4, 1, 0) {
		return nil, core.NotSupported("read device info", 4, 1, 0)
	}
	encoded, err := s.backend.ReadConfig()
	if err != nil {
		return nil, err
	}
	return ParseDeviceInfo(encoded, s.version)
}

// WriteDeviceConfig applies a device configuration. Requires firmware
// 5.0.0 or later. A nil config writes only the reboot and lock code
// fields.
func (s *Session) WriteDeviceConfig(config *DeviceConfig, reboot bool, currentLockCode, newLockCode []byte) error {
	if !s.version.AtLeast(5, 0, 0) {
		return core.NotSupported("write device config", 5, 0, 0)
	}
	if config == nil {
		config = &DeviceConfig{}
	}
	encoded, err := config.Bytes(reboot, currentLockCode, newLockCode)
	if err != nil {
		return err
	}
	s.log.Debug("writing device config: %x", encoded)
	return s.backend.WriteConfig(encoded)
}

// SetMode sets the legacy USB mode. On firmware 5.0.0 and later the mode
// is translated into an equivalent device configuration.
func (s *Session) SetMode(mode Mode, challengeResponseTimeout uint8, autoEjectTimeout uint16) error {
	s.log.Debug("setting mode %s", mode)
	if s.version.AtLeast(5, 0, 0) {
		var usbEnabled core.Application
		if mode.Interfaces&core.USBInterfaceOTP != 0 {
			usbEnabled |= core.ApplicationOTP
		}
		if mode.Interfaces&core.USBInterfaceCCID != 0 {
			usbEnabled |= core.ApplicationOATH | core.ApplicationPIV | core.ApplicationOPGP
		}
		if mode.Interfaces&core.USBInterfaceFIDO != 0 {
			usbEnabled |= core.ApplicationU2F | core.ApplicationFIDO2
		}
		return s.WriteDeviceConfig(&DeviceConfig{
			EnabledCapabilities:      map[core.Transport]core.Application{core.TransportUSB: usbEnabled},
			AutoEjectTimeout:         &autoEjectTimeout,
			ChallengeResponseTimeout: &challengeResponseTimeout,
		}, false, nil, nil)
	}

	data := make([]byte, 4)
	data[0] = mode.Code
	data[1] = challengeResponseTimeout
	binary.BigEndian.PutUint16(data[2:], autoEjectTimeout)
	return s.backend.SetMode(data)
}
