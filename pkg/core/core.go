// Package core holds the types shared by every protocol layer: firmware
// versions, transports, application identifiers and bitmasks, and the
// error taxonomy common to all sessions.
package core

// Transport identifies the physical transport a device connection uses.
type Transport int

const (
	TransportUSB Transport = iota
	TransportNFC
)

// String returns string representation of Transport
func (t Transport) String() string {
	switch t {
	case TransportUSB:
		return "USB"
	case TransportNFC:
		return "NFC"
	default:
		return "Unknown"
	}
}

// USBInterface is a bitmask of USB interfaces exposed by the device.
// The values are wire-format and must not be renumbered.
type USBInterface uint8

const (
	USBInterfaceOTP  USBInterface = 0x01 // Keyboard (OTP) interface
	USBInterfaceFIDO USBInterface = 0x02 // FIDO HID interface
	USBInterfaceCCID USBInterface = 0x04 // Smart card interface
)

// String returns string representation of USBInterface
func (u USBInterface) String() string {
	names := ""
	for _, part := range []struct {
		bit  USBInterface
		name string
	}{
		{USBInterfaceOTP, "OTP"},
		{USBInterfaceFIDO, "FIDO"},
		{USBInterfaceCCID, "CCID"},
	} {
		if u&part.bit != 0 {
			if names != "" {
				names += "+"
			}
			names += part.name
		}
	}
	if names == "" {
		return "None"
	}
	return names
}

// Application is a bitmask of on-device applications. The values are
// wire-format and must not be renumbered.
type Application uint16

const (
	ApplicationOTP   Application = 0x01
	ApplicationU2F   Application = 0x02
	ApplicationOPGP  Application = 0x08
	ApplicationPIV   Application = 0x10
	ApplicationOATH  Application = 0x20
	ApplicationFIDO2 Application = 0x200
)

// String returns string representation of Application
func (a Application) String() string {
	switch a {
	case ApplicationOTP:
		return "OTP"
	case ApplicationU2F:
		return "FIDO U2F"
	case ApplicationOPGP:
		return "OpenPGP"
	case ApplicationPIV:
		return "PIV"
	case ApplicationOATH:
		return "OATH"
	case ApplicationFIDO2:
		return "FIDO2"
	default:
		return "Unknown"
	}
}

// Application identifiers used with SELECT. Fixed byte strings.
var (
	AIDOTP        = []byte{0xa0, 0x00, 0x00, 0x05, 0x27, 0x20, 0x01}
	AIDManagement = []byte{0xa0, 0x00, 0x00, 0x05, 0x27, 0x47, 0x11, 0x17}
	AIDOpenPGP    = []byte{0xd2, 0x76, 0x00, 0x01, 0x24, 0x01}
	AIDOATH       = []byte{0xa0, 0x00, 0x00, 0x05, 0x27, 0x21, 0x01}
	AIDPIV        = []byte{0xa0, 0x00, 0x00, 0x03, 0x08}
	AIDFIDO       = []byte{0xa0, 0x00, 0x00, 0x06, 0x47, 0x2f, 0x00, 0x01}
)

// FormFactor describes the physical build of the device.
type FormFactor uint8

const (
	FormFactorUnknown       FormFactor = 0x00
	FormFactorUSBAKeychain  FormFactor = 0x01
	FormFactorUSBANano      FormFactor = 0x02
	FormFactorUSBCKeychain  FormFactor = 0x03
	FormFactorUSBCNano      FormFactor = 0x04
	FormFactorUSBCLightning FormFactor = 0x05
)

// FormFactorFromCode maps a wire code to a FormFactor, treating unknown
// codes as FormFactorUnknown rather than failing.
func FormFactorFromCode(code uint8) FormFactor {
	if code <= uint8(FormFactorUSBCLightning) {
		return FormFactor(code)
	}
	return FormFactorUnknown
}

// String returns string representation of FormFactor
func (f FormFactor) String() string {
	switch f {
	case FormFactorUSBAKeychain:
		return "Keychain (USB-A)"
	case FormFactorUSBANano:
		return "Nano (USB-A)"
	case FormFactorUSBCKeychain:
		return "Keychain (USB-C)"
	case FormFactorUSBCNano:
		return "Nano (USB-C)"
	case FormFactorUSBCLightning:
		return "Keychain (USB-C, Lightning)"
	default:
		return "Unknown"
	}
}

// PID is a USB product id. The enabled USB interfaces are encoded in the
// product id and can be recovered from it.
type PID uint16

const (
	PIDYKSOTP         PID = 0x0010
	PIDNEOOTP         PID = 0x0110
	PIDNEOOTPCCID     PID = 0x0111
	PIDNEOCCID        PID = 0x0112
	PIDNEOFIDO        PID = 0x0113
	PIDNEOOTPFIDO     PID = 0x0114
	PIDNEOFIDOCCID    PID = 0x0115
	PIDNEOOTPFIDOCCID PID = 0x0116
	PIDSKYFIDO        PID = 0x0120
	PIDYK4OTP         PID = 0x0401
	PIDYK4FIDO        PID = 0x0402
	PIDYK4OTPFIDO     PID = 0x0403
	PIDYK4CCID        PID = 0x0404
	PIDYK4OTPCCID     PID = 0x0405
	PIDYK4FIDOCCID    PID = 0x0406
	PIDYK4OTPFIDOCCID PID = 0x0407
	PIDYKPOTPFIDO     PID = 0x0410
)

var pidInterfaces = map[PID]USBInterface{
	PIDYKSOTP:         USBInterfaceOTP,
	PIDNEOOTP:         USBInterfaceOTP,
	PIDNEOOTPCCID:     USBInterfaceOTP | USBInterfaceCCID,
	PIDNEOCCID:        USBInterfaceCCID,
	PIDNEOFIDO:        USBInterfaceFIDO,
	PIDNEOOTPFIDO:     USBInterfaceOTP | USBInterfaceFIDO,
	PIDNEOFIDOCCID:    USBInterfaceFIDO | USBInterfaceCCID,
	PIDNEOOTPFIDOCCID: USBInterfaceOTP | USBInterfaceFIDO | USBInterfaceCCID,
	PIDSKYFIDO:        USBInterfaceFIDO,
	PIDYK4OTP:         USBInterfaceOTP,
	PIDYK4FIDO:        USBInterfaceFIDO,
	PIDYK4OTPFIDO:     USBInterfaceOTP | USBInterfaceFIDO,
	PIDYK4CCID:        USBInterfaceCCID,
	PIDYK4OTPCCID:     USBInterfaceOTP | USBInterfaceCCID,
	PIDYK4FIDOCCID:    USBInterfaceFIDO | USBInterfaceCCID,
	PIDYK4OTPFIDOCCID: USBInterfaceOTP | USBInterfaceFIDO | USBInterfaceCCID,
	PIDYKPOTPFIDO:     USBInterfaceOTP | USBInterfaceFIDO,
}

// Interfaces returns the USB interfaces encoded in the product id.
func (p PID) Interfaces() USBInterface {
	return pidInterfaces[p]
}

// DeviceType identifies the product family a USB product id belongs to.
type DeviceType uint8

const (
	TypeYKS DeviceType = iota
	TypeNEO
	TypeSKY
	TypeYK4
	TypeYKP
)

// String returns string representation of DeviceType
func (t DeviceType) String() string {
	switch t {
	case TypeYKS:
		return "YubiKey Standard"
	case TypeNEO:
		return "YubiKey NEO"
	case TypeSKY:
		return "FIDO U2F Security Key"
	case TypeYK4:
		return "YubiKey 4"
	case TypeYKP:
		return "YubiKey Preview"
	default:
		return "Unknown"
	}
}

// Type returns the product family encoded in the product id.
func (p PID) Type() DeviceType {
	switch {
	case p == PIDYKSOTP:
		return TypeYKS
	case p == PIDSKYFIDO:
		return TypeSKY
	case p == PIDYKPOTPFIDO:
		return TypeYKP
	case p >= PIDNEOOTP && p <= PIDNEOOTPFIDOCCID:
		return TypeNEO
	default:
		return TypeYK4
	}
}
