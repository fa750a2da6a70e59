// Package management implements the device management application:
// reading device information, toggling applications per transport and
// switching USB interface modes.
package management

import (
	"encoding/binary"
	"errors"
	"fmt"

	"avaneesh/yubikit-go/pkg/core"
	"avaneesh/yubikit-go/pkg/tlv"
)

// Device information TLV tags
const (
	tagUSBSupported     = 0x01
	tagSerial           = 0x02
	tagUSBEnabled       = 0x03
	tagFormFactor       = 0x04
	tagVersion          = 0x05
	tagAutoEjectTimeout = 0x06
	tagChalRespTimeout  = 0x07
	tagDeviceFlags      = 0x08
	tagAppVersions      = 0x09
	tagConfigLock       = 0x0A
	tagUnlock           = 0x0B
	tagReboot           = 0x0C
	tagNFCSupported     = 0x0D
	tagNFCEnabled       = 0x0E
)

// DeviceFlag holds miscellaneous device behavior flags.
type DeviceFlag uint8

// Device flags
const (
	DeviceFlagRemoteWakeup DeviceFlag = 0x40
	DeviceFlagEject        DeviceFlag = 0x80
)

// ErrConfigTooLarge is returned when a serialized device configuration
// exceeds the single-byte length prefix.
var ErrConfigTooLarge = errors.New("management: device configuration too large")

// DeviceConfig describes the configurable state of a device. Nil fields
// and absent map entries are left unchanged when the config is written.
type DeviceConfig struct {
	// EnabledCapabilities maps each transport to the applications to
	// enable over it. Transports not present are not touched.
	EnabledCapabilities map[core.Transport]core.Application

	// AutoEjectTimeout is the CCID auto-eject timeout in seconds,
	// effective with DeviceFlagEject
	AutoEjectTimeout *uint16

	// ChallengeResponseTimeout is the touch timeout in seconds for
	// challenge-response operations
	ChallengeResponseTimeout *uint8

	// DeviceFlags holds the flags to set
	DeviceFlags *DeviceFlag
}

// Bytes serializes the configuration for writing: a sparse TLV sequence
// prefixed by its length. reboot requests a device reboot once applied;
// currentLockCode unlocks a lock-protected configuration and newLockCode
// installs a new lock code.
func (c *DeviceConfig) Bytes(reboot bool, currentLockCode, newLockCode []byte) ([]byte, error) {
	var buf []byte
	if reboot {
		buf = append(buf, tlv.New(tagReboot, nil).Bytes()...)
	}
	if len(currentLockCode) > 0 {
		buf = append(buf, tlv.New(tagUnlock, currentLockCode).Bytes()...)
	}
	if usb, ok := c.EnabledCapabilities[core.TransportUSB]; ok {
		buf = append(buf, tlv.New(tagUSBEnabled, binary.BigEndian.AppendUint16(nil, uint16(usb))).Bytes()...)
	}
	if nfc, ok := c.EnabledCapabilities[core.TransportNFC]; ok {
		buf = append(buf, tlv.New(tagNFCEnabled, binary.BigEndian.AppendUint16(nil, uint16(nfc))).Bytes()...)
	}
	if c.AutoEjectTimeout != nil {
		buf = append(buf, tlv.New(tagAutoEjectTimeout, binary.BigEndian.AppendUint16(nil, *c.AutoEjectTimeout)).Bytes()...)
	}
	if c.ChallengeResponseTimeout != nil {
		buf = append(buf, tlv.New(tagChalRespTimeout, []byte{*c.ChallengeResponseTimeout}).Bytes()...)
	}
	if c.DeviceFlags != nil {
		buf = append(buf, tlv.New(tagDeviceFlags, []byte{byte(*c.DeviceFlags)}).Bytes()...)
	}
	if len(newLockCode) > 0 {
		buf = append(buf, tlv.New(tagConfigLock, newLockCode).Bytes()...)
	}
	if len(buf) > 0xFF {
		return nil, ErrConfigTooLarge
	}
	return append([]byte{byte(len(buf))}, buf...), nil
}

// DeviceInfo holds the state reported by the device.
type DeviceInfo struct {
	// Config reflects the currently applied configuration
	Config DeviceConfig

	// Serial is the serial number, 0 when the device has none
	Serial uint32

	// Version is the firmware version
	Version core.Version

	// FormFactor describes the physical device
	FormFactor core.FormFactor

	// SupportedCapabilities maps each transport to the applications the
	// device supports over it
	SupportedCapabilities map[core.Transport]core.Application

	// IsLocked reports whether the configuration is lock-code protected
	IsLocked bool
}

// HasTransport reports whether the device supports the given transport.
func (d *DeviceInfo) HasTransport(transport core.Transport) bool {
	_, ok := d.SupportedCapabilities[transport]
	return ok
}

// ParseDeviceInfo decodes a device information record: a length prefix
// followed by TLV entries. defaultVersion is used for devices that do not
// include their version in the record.
func ParseDeviceInfo(encoded []byte, defaultVersion core.Version) (*DeviceInfo, error) {
	if len(encoded) == 0 || len(encoded)-1 != int(encoded[0]) {
		return nil, fmt.Errorf("%w: invalid device info length", core.ErrBadResponse)
	}
	data, err := tlv.ParseDict(encoded[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrBadResponse, err)
	}

	info := &DeviceInfo{
		Version:               defaultVersion,
		SupportedCapabilities: map[core.Transport]core.Application{},
	}
	info.Config.EnabledCapabilities = map[core.Transport]core.Application{}

	info.IsLocked = len(data[tagConfigLock]) == 1 && data[tagConfigLock][0] == 1
	info.Serial = uint32(beUint(data[tagSerial]))
	info.FormFactor = core.FormFactorFromCode(byte(beUint(data[tagFormFactor])))
	if v, ok := data[tagVersion]; ok {
		version, err := core.VersionFromBytes(v)
		if err != nil {
			return nil, err
		}
		info.Version = version
	}
	if t, ok := data[tagAutoEjectTimeout]; ok {
		timeout := uint16(beUint(t))
		info.Config.AutoEjectTimeout = &timeout
	}
	if t, ok := data[tagChalRespTimeout]; ok {
		timeout := uint8(beUint(t))
		info.Config.ChallengeResponseTimeout = &timeout
	}
	if f, ok := data[tagDeviceFlags]; ok {
		flags := DeviceFlag(beUint(f))
		info.Config.DeviceFlags = &flags
	}

	if info.Version == core.NewVersion(4, 2, 4) {
		// 4.2.4 reports its supported applications incorrectly
		info.SupportedCapabilities[core.TransportUSB] = core.Application(0x3F)
	} else {
		info.SupportedCapabilities[core.TransportUSB] = core.Application(beUint(data[tagUSBSupported]))
	}
	if v, ok := data[tagUSBEnabled]; ok { // From 5.0.0
		info.Config.EnabledCapabilities[core.TransportUSB] = core.Application(beUint(v))
	}
	if v, ok := data[tagNFCSupported]; ok { // NFC-capable devices only
		info.SupportedCapabilities[core.TransportNFC] = core.Application(beUint(v))
		info.Config.EnabledCapabilities[core.TransportNFC] = core.Application(beUint(data[tagNFCEnabled]))
	}
	return info, nil
}

// beUint decodes a variable-width big-endian unsigned integer. Missing or
// empty values decode to zero.
func beUint(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// modeInterfaces maps legacy mode codes to interface combinations.
var modeInterfaces = []core.USBInterface{
	core.USBInterfaceOTP,
	core.USBInterfaceCCID,
	core.USBInterfaceOTP | core.USBInterfaceCCID,
	core.USBInterfaceFIDO,
	core.USBInterfaceOTP | core.USBInterfaceFIDO,
	core.USBInterfaceFIDO | core.USBInterfaceCCID,
	core.USBInterfaceOTP | core.USBInterfaceFIDO | core.USBInterfaceCCID,
}

// Mode is a legacy USB interface combination with its wire code.
type Mode struct {
	Interfaces core.USBInterface
	Code       byte
}

// NewMode returns the mode for an interface combination. At least one
// interface must be included.
func NewMode(interfaces core.USBInterface) (Mode, error) {
	for code, combo := range modeInterfaces {
		if combo == interfaces {
			return Mode{Interfaces: interfaces, Code: byte(code)}, nil
		}
	}
	return Mode{}, fmt.Errorf("management: invalid mode: %s", interfaces)
}

// ModeFromCode returns the mode for a wire code. Flag bits above the mode
// number are ignored.
func ModeFromCode(code byte) Mode {
	code &= 0b0000_0111
	if int(code) >= len(modeInterfaces) {
		code = byte(len(modeInterfaces) - 1)
	}
	return Mode{Interfaces: modeInterfaces[code], Code: code}
}

// ModeFromPID derives the active mode from a USB product id.
func ModeFromPID(pid core.PID) (Mode, error) {
	return NewMode(pid.Interfaces())
}

// String implements fmt.Stringer.
func (m Mode) String() string {
	return m.Interfaces.String()
}
