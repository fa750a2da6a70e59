// Package piv implements the PIV application: PIN management, management
// key authentication, key import and generation, signing, decryption and
// data object storage.
package piv

import (
	"fmt"
)

// Instructions
const (
	insVerify           = 0x20
	insChangeReference  = 0x24
	insResetRetry       = 0x2C
	insGenerateKey      = 0x47
	insAuthenticate     = 0x87
	insGetData          = 0xCB
	insPutData          = 0xDB
	insGetMetadata      = 0xF7
	insAttest           = 0xF9
	insSetPinRetries    = 0xFA
	insReset            = 0xFB
	insGetVersion       = 0xFD
	insImportKey        = 0xFE
	insSetManagementKey = 0xFF
)

// TLV tags
const (
	tagDynAuth            = 0x7C
	tagAuthWitness        = 0x80
	tagAuthChallenge      = 0x81
	tagAuthResponse       = 0x82
	tagAuthExponentiation = 0x85

	tagObjID       = 0x5C
	tagObjData     = 0x53
	tagCertificate = 0x70
	tagCertInfo    = 0x71
	tagLRC         = 0xFE

	tagGenAlgorithm = 0x80
	tagGenParams    = 0xAC
	tagPublicKey    = 0x7F49

	tagPinPolicy   = 0xAA
	tagTouchPolicy = 0xAB

	tagMetadataAlgorithm = 0x01
	tagMetadataPolicy    = 0x02
	tagMetadataOrigin    = 0x03
	tagMetadataPublicKey = 0x04
	tagMetadataIsDefault = 0x05
	tagMetadataRetries   = 0x06
)

// P2 values for PIN operations
const (
	pinP2 = 0x80
	pukP2 = 0x81
)

// originGenerated marks on-device generated keys in slot metadata.
const originGenerated = 1

// ManagementKeyTypeTDES identifies the triple-DES management key.
const ManagementKeyTypeTDES = 0x03

// DefaultManagementKey is the factory management key.
var DefaultManagementKey = []byte{
	0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
	0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
	0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
}

// KeyType identifies an asymmetric key algorithm.
type KeyType byte

const (
	KeyTypeRSA1024 KeyType = 0x06
	KeyTypeRSA2048 KeyType = 0x07
	KeyTypeECCP256 KeyType = 0x11
	KeyTypeECCP384 KeyType = 0x14
)

// IsRSA reports whether the key type is an RSA type.
func (k KeyType) IsRSA() bool {
	return k == KeyTypeRSA1024 || k == KeyTypeRSA2048
}

// Size returns the key size in bytes: the modulus size for RSA, the
// curve field size for EC.
func (k KeyType) Size() int {
	switch k {
	case KeyTypeRSA1024:
		return 128
	case KeyTypeRSA2048:
		return 256
	case KeyTypeECCP256:
		return 32
	case KeyTypeECCP384:
		return 48
	}
	return 0
}

// String implements fmt.Stringer.
func (k KeyType) String() string {
	switch k {
	case KeyTypeRSA1024:
		return "RSA1024"
	case KeyTypeRSA2048:
		return "RSA2048"
	case KeyTypeECCP256:
		return "ECCP256"
	case KeyTypeECCP384:
		return "ECCP384"
	}
	return fmt.Sprintf("KeyType(%02x)", byte(k))
}

// PinPolicy controls when the PIN is required for private key use.
type PinPolicy byte

const (
	PinPolicyDefault PinPolicy = 0x00
	PinPolicyNever   PinPolicy = 0x01
	PinPolicyOnce    PinPolicy = 0x02
	PinPolicyAlways  PinPolicy = 0x03
)

// TouchPolicy controls when touch is required for private key use.
type TouchPolicy byte

const (
	TouchPolicyDefault TouchPolicy = 0x00
	TouchPolicyNever   TouchPolicy = 0x01
	TouchPolicyAlways  TouchPolicy = 0x02
	TouchPolicyCached  TouchPolicy = 0x03
)

// Slot is a PIV key slot.
type Slot byte

const (
	SlotAuthentication Slot = 0x9A
	SlotCardManagement Slot = 0x9B
	SlotSignature      Slot = 0x9C
	SlotKeyManagement  Slot = 0x9D
	SlotCardAuth       Slot = 0x9E

	SlotRetired1  Slot = 0x82
	SlotRetired20 Slot = 0x95

	SlotAttestation Slot = 0xF9
)

// ObjectID identifies a PIV data object.
type ObjectID uint32

const (
	ObjectCapability     ObjectID = 0x5FC107
	ObjectCHUID          ObjectID = 0x5FC102
	ObjectAuthentication ObjectID = 0x5FC105
	ObjectFingerprints   ObjectID = 0x5FC103
	ObjectSecurity       ObjectID = 0x5FC106
	ObjectFacial         ObjectID = 0x5FC108
	ObjectPrinted        ObjectID = 0x5FC109
	ObjectSignature      ObjectID = 0x5FC10A
	ObjectKeyManagement  ObjectID = 0x5FC10B
	ObjectCardAuth       ObjectID = 0x5FC101
	ObjectDiscovery      ObjectID = 0x7E
	ObjectKeyHistory     ObjectID = 0x5FC10C
	ObjectIris           ObjectID = 0x5FC121
	ObjectRetired1       ObjectID = 0x5FC10D
	ObjectAttestation    ObjectID = 0x5FFF01
)

// ObjectForSlot returns the certificate data object paired with a key
// slot, or 0 if the slot has none.
func ObjectForSlot(slot Slot) ObjectID {
	switch {
	case slot == SlotAuthentication:
		return ObjectAuthentication
	case slot == SlotSignature:
		return ObjectSignature
	case slot == SlotKeyManagement:
		return ObjectKeyManagement
	case slot == SlotCardAuth:
		return ObjectCardAuth
	case slot >= SlotRetired1 && slot <= SlotRetired20:
		return ObjectRetired1 + ObjectID(slot-SlotRetired1)
	case slot == SlotAttestation:
		return ObjectAttestation
	}
	return 0
}

// bytes returns the wire encoding of the object id: a single byte for
// the discovery object, three bytes otherwise.
func (o ObjectID) bytes() []byte {
	if o == ObjectDiscovery {
		return []byte{byte(o)}
	}
	return []byte{byte(o >> 16), byte(o >> 8), byte(o)}
}

// InvalidPinError is returned when PIN or PUK verification fails.
type InvalidPinError struct {
	// AttemptsRemaining is the number of tries left before the PIN or
	// PUK blocks
	AttemptsRemaining int
}

// Error implements the error interface.
func (e *InvalidPinError) Error() string {
	return fmt.Sprintf("invalid PIN, %d attempts remaining", e.AttemptsRemaining)
}

// PinMetadata describes the state of the PIN or PUK.
type PinMetadata struct {
	DefaultValue      bool
	TotalAttempts     int
	AttemptsRemaining int
}

// ManagementKeyMetadata describes the state of the management key.
type ManagementKeyMetadata struct {
	KeyType      byte
	DefaultValue bool
	TouchPolicy  TouchPolicy
}

// SlotMetadata describes a private key stored in a slot.
type SlotMetadata struct {
	KeyType     KeyType
	PinPolicy   PinPolicy
	TouchPolicy TouchPolicy
	Generated   bool

	// PublicKeyEncoded is the raw encoded public key
	PublicKeyEncoded []byte
}
