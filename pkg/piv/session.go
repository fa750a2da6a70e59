package piv

import (
	"crypto/cipher"
	"crypto/des"
	"crypto/rand"
	"crypto/subtle"
	"crypto/x509"
	"errors"
	"fmt"

	"avaneesh/yubikit-go/pkg/connection"
	"avaneesh/yubikit-go/pkg/core"
	"avaneesh/yubikit-go/pkg/internal/logger"
	"avaneesh/yubikit-go/pkg/smartcard"
	"avaneesh/yubikit-go/pkg/tlv"
)

const (
	pinLength         = 8
	defaultPinRetries = 3
)

// Errors
var (
	ErrPinTooLong            = errors.New("piv: PIN or PUK longer than 8 bytes")
	ErrAuthResponseMismatch  = errors.New("piv: management key authentication response mismatch")
	ErrCompressedCertificate = errors.New("piv: compressed certificates are not supported")
	ErrNoCertificateObject   = errors.New("piv: slot has no certificate object")
)

// Session is a session with the PIV application.
type Session struct {
	protocol *smartcard.Protocol
	version  core.Version
	log      logger.Logger

	// PIN retry counts are cached because old firmware cannot report
	// them without spending an attempt
	currentPinRetries int
	maxPinRetries     int
}

// NewSession opens a PIV session over a smart card connection.
func NewSession(conn connection.SmartCardConnection) (*Session, error) {
	protocol := smartcard.NewProtocol(conn)
	if _, err := protocol.Select(core.AIDPIV); err != nil {
		return nil, err
	}
	response, err := protocol.SendAPDU(0, insGetVersion, 0, 0, nil)
	if err != nil {
		return nil, err
	}
	version, err := core.VersionFromBytes(response)
	if err != nil {
		return nil, err
	}
	protocol.EnableTouchWorkaround(version)

	s := &Session{
		protocol:          protocol,
		version:           version,
		log:               logger.GetDefault(),
		currentPinRetries: defaultPinRetries,
		maxPinRetries:     defaultPinRetries,
	}
	s.log.Debug("PIV session established, version %s", version)
	return s, nil
}

// Version returns the firmware version.
func (s *Session) Version() core.Version {
	return s.version
}

// Close closes the session and its underlying connection.
func (s *Session) Close() error {
	return s.protocol.Close()
}

// Reset restores the PIV application to factory settings, destroying all
// keys and certificates. Both the PIN and PUK are blocked first, as the
// device requires.
func (s *Session) Reset() error {
	s.log.Info("resetting PIV application")

	counter, err := s.GetPinAttempts()
	if err != nil {
		return err
	}
	for counter > 0 {
		var pinErr *InvalidPinError
		switch err := s.VerifyPin(""); {
		case errors.As(err, &pinErr):
			counter = pinErr.AttemptsRemaining
		case err != nil:
			return err
		default:
			return fmt.Errorf("%w: empty PIN accepted during reset", core.ErrBadResponse)
		}
	}

	counter = 1
	for counter > 0 {
		var pinErr *InvalidPinError
		switch err := s.changeReference(insResetRetry, pinP2, "", ""); {
		case errors.As(err, &pinErr):
			counter = pinErr.AttemptsRemaining
		case err != nil:
			return err
		default:
			return fmt.Errorf("%w: empty PUK accepted during reset", core.ErrBadResponse)
		}
	}

	if _, err := s.protocol.SendAPDU(0, insReset, 0, 0, nil); err != nil {
		return err
	}
	s.currentPinRetries = defaultPinRetries
	s.maxPinRetries = defaultPinRetries
	return nil
}

// AuthenticateManagementKey performs mutual authentication with the
// triple-DES management key. The device proves knowledge of the key via a
// witness before the challenge is sent, and its challenge response is
// verified in constant time.
func (s *Session) AuthenticateManagementKey(managementKey []byte) error {
	block, err := des.NewTripleDESCipher(managementKey)
	if err != nil {
		return fmt.Errorf("piv: invalid management key: %w", err)
	}

	witnessRequest := tlv.New(tagDynAuth, tlv.New(tagAuthWitness, nil).Bytes()).Bytes()
	response, err := s.protocol.SendAPDU(0, insAuthenticate, ManagementKeyTypeTDES, byte(SlotCardManagement), witnessRequest)
	if err != nil {
		return err
	}
	witness, err := unwrapDynAuth(tagAuthWitness, response)
	if err != nil {
		return err
	}
	if len(witness) != des.BlockSize {
		return fmt.Errorf("%w: witness length %d", core.ErrBadResponse, len(witness))
	}

	challenge := make([]byte, des.BlockSize)
	if _, err := rand.Read(challenge); err != nil {
		return err
	}

	data := append(
		tlv.New(tagAuthWitness, ecbDecrypt(block, witness)).Bytes(),
		tlv.New(tagAuthChallenge, challenge).Bytes()...,
	)
	response, err = s.protocol.SendAPDU(0, insAuthenticate, ManagementKeyTypeTDES, byte(SlotCardManagement), tlv.New(tagDynAuth, data).Bytes())
	if err != nil {
		return err
	}
	encrypted, err := unwrapDynAuth(tagAuthResponse, response)
	if err != nil {
		return err
	}

	expected := ecbEncrypt(block, challenge)
	if subtle.ConstantTimeCompare(expected, encrypted) != 1 {
		return ErrAuthResponseMismatch
	}
	return nil
}

// SetManagementKey replaces the management key. Requires management key
// authentication.
func (s *Session) SetManagementKey(managementKey []byte, requireTouch bool) error {
	if _, err := des.NewTripleDESCipher(managementKey); err != nil {
		return fmt.Errorf("piv: invalid management key: %w", err)
	}
	p2 := byte(0xFF)
	if requireTouch {
		p2 = 0xFE
	}
	data := append([]byte{ManagementKeyTypeTDES}, tlv.New(int(SlotCardManagement), managementKey).Bytes()...)
	_, err := s.protocol.SendAPDU(0, insSetManagementKey, 0xFF, p2, data)
	return err
}

// VerifyPin verifies the PIN. A wrong PIN is reported as an
// InvalidPinError carrying the remaining attempt count.
func (s *Session) VerifyPin(pin string) error {
	encoded, err := pinBytes(pin)
	if err != nil {
		return err
	}
	if _, err := s.protocol.SendAPDU(0, insVerify, 0, pinP2, encoded); err != nil {
		return s.pinError(err)
	}
	s.currentPinRetries = s.maxPinRetries
	return nil
}

// GetPinAttempts returns the number of PIN attempts remaining. On
// firmware without metadata support this costs no attempts but cannot
// distinguish a verified session from a full retry counter.
func (s *Session) GetPinAttempts() (int, error) {
	if s.supportsMetadata() {
		metadata, err := s.GetPinMetadata()
		if err != nil {
			return 0, err
		}
		return metadata.AttemptsRemaining, nil
	}

	_, err := s.protocol.SendAPDU(0, insVerify, 0, pinP2, nil)
	if err == nil {
		// PIN is already verified for this session
		return s.currentPinRetries, nil
	}
	if retries, ok := retriesFromSW(s.version, smartcard.StatusWord(err)); ok {
		s.currentPinRetries = retries
		return retries, nil
	}
	return 0, err
}

// ChangePin changes the PIN.
func (s *Session) ChangePin(oldPin, newPin string) error {
	if err := s.changeReference(insChangeReference, pinP2, oldPin, newPin); err != nil {
		return err
	}
	s.currentPinRetries = s.maxPinRetries
	return nil
}

// ChangePuk changes the PUK.
func (s *Session) ChangePuk(oldPuk, newPuk string) error {
	return s.changeReference(insChangeReference, pukP2, oldPuk, newPuk)
}

// UnblockPin resets a blocked PIN to a new value using the PUK.
func (s *Session) UnblockPin(puk, newPin string) error {
	if err := s.changeReference(insResetRetry, pinP2, puk, newPin); err != nil {
		return err
	}
	s.currentPinRetries = s.maxPinRetries
	return nil
}

// SetPinAttempts configures the retry counters for the PIN and PUK.
// Requires management key authentication and PIN verification, and resets
// both codes to their factory defaults.
func (s *Session) SetPinAttempts(pinAttempts, pukAttempts int) error {
	if _, err := s.protocol.SendAPDU(0, insSetPinRetries, byte(pinAttempts), byte(pukAttempts), nil); err != nil {
		return s.pinError(err)
	}
	s.currentPinRetries = pinAttempts
	s.maxPinRetries = pinAttempts
	return nil
}

// GetPinMetadata returns PIN state. Requires firmware 5.3.0 or later.
func (s *Session) GetPinMetadata() (*PinMetadata, error) {
	return s.pinMetadata(pinP2)
}

// GetPukMetadata returns PUK state. Requires firmware 5.3.0 or later.
func (s *Session) GetPukMetadata() (*PinMetadata, error) {
	return s.pinMetadata(pukP2)
}

func (s *Session) pinMetadata(p2 byte) (*PinMetadata, error) {
	data, err := s.metadata(p2)
	if err != nil {
		return nil, err
	}
	retries := data[tagMetadataRetries]
	if len(retries) < 2 {
		return nil, fmt.Errorf("%w: truncated retry metadata", core.ErrBadResponse)
	}
	return &PinMetadata{
		DefaultValue:      len(data[tagMetadataIsDefault]) > 0 && data[tagMetadataIsDefault][0] != 0,
		TotalAttempts:     int(retries[0]),
		AttemptsRemaining: int(retries[1]),
	}, nil
}

// GetManagementKeyMetadata returns management key state. Requires
// firmware 5.3.0 or later.
func (s *Session) GetManagementKeyMetadata() (*ManagementKeyMetadata, error) {
	data, err := s.metadata(byte(SlotCardManagement))
	if err != nil {
		return nil, err
	}
	policy := data[tagMetadataPolicy]
	if len(policy) < 2 {
		return nil, fmt.Errorf("%w: truncated policy metadata", core.ErrBadResponse)
	}
	m := &ManagementKeyMetadata{
		KeyType:      ManagementKeyTypeTDES,
		DefaultValue: len(data[tagMetadataIsDefault]) > 0 && data[tagMetadataIsDefault][0] != 0,
		TouchPolicy:  TouchPolicy(policy[1]),
	}
	if alg := data[tagMetadataAlgorithm]; len(alg) > 0 {
		m.KeyType = alg[0]
	}
	return m, nil
}

// GetSlotMetadata returns metadata for the key in a slot. Requires
// firmware 5.3.0 or later.
func (s *Session) GetSlotMetadata(slot Slot) (*SlotMetadata, error) {
	data, err := s.metadata(byte(slot))
	if err != nil {
		return nil, err
	}
	alg := data[tagMetadataAlgorithm]
	policy := data[tagMetadataPolicy]
	if len(alg) < 1 || len(policy) < 2 {
		return nil, fmt.Errorf("%w: truncated slot metadata", core.ErrBadResponse)
	}
	origin := data[tagMetadataOrigin]
	return &SlotMetadata{
		KeyType:          KeyType(alg[0]),
		PinPolicy:        PinPolicy(policy[0]),
		TouchPolicy:      TouchPolicy(policy[1]),
		Generated:        len(origin) > 0 && origin[0] == originGenerated,
		PublicKeyEncoded: data[tagMetadataPublicKey],
	}, nil
}

func (s *Session) metadata(p2 byte) (map[int][]byte, error) {
	if !s.supportsMetadata() {
		return nil, core.NotSupported("metadata", 5, 3, 0)
	}
	response, err := s.protocol.SendAPDU(0, insGetMetadata, 0, p2, nil)
	if err != nil {
		return nil, err
	}
	return tlv.ParseDict(response)
}

func (s *Session) supportsMetadata() bool {
	return s.version.AtLeast(5, 3, 0)
}

// GetObject reads a data object.
func (s *Session) GetObject(objectID ObjectID) ([]byte, error) {
	response, err := s.protocol.SendAPDU(0, insGetData, 0x3F, 0xFF, tlv.New(tagObjID, objectID.bytes()).Bytes())
	if err != nil {
		return nil, err
	}
	// The discovery object is returned under its own tag
	expected := tagObjData
	if objectID == ObjectDiscovery {
		expected = int(ObjectDiscovery)
	}
	return tlv.Unwrap(expected, response)
}

// PutObject writes a data object. Requires management key authentication.
func (s *Session) PutObject(objectID ObjectID, data []byte) error {
	payload := append(
		tlv.New(tagObjID, objectID.bytes()).Bytes(),
		tlv.New(tagObjData, data).Bytes()...,
	)
	_, err := s.protocol.SendAPDU(0, insPutData, 0x3F, 0xFF, payload)
	return err
}

// GetCertificate reads the certificate stored for a slot.
func (s *Session) GetCertificate(slot Slot) (*x509.Certificate, error) {
	objectID := ObjectForSlot(slot)
	if objectID == 0 {
		return nil, ErrNoCertificateObject
	}
	object, err := s.GetObject(objectID)
	if err != nil {
		return nil, err
	}
	data, err := tlv.ParseDict(object)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrBadResponse, err)
	}
	if info := data[tagCertInfo]; len(info) > 0 && info[0] != 0 {
		return nil, ErrCompressedCertificate
	}
	certificate, err := x509.ParseCertificate(data[tagCertificate])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrBadResponse, err)
	}
	return certificate, nil
}

// PutCertificate stores a certificate for a slot. Requires management key
// authentication.
func (s *Session) PutCertificate(slot Slot, certificate *x509.Certificate) error {
	objectID := ObjectForSlot(slot)
	if objectID == 0 {
		return ErrNoCertificateObject
	}
	data := tlv.New(tagCertificate, certificate.Raw).Bytes()
	data = append(data, tlv.New(tagCertInfo, []byte{0x00}).Bytes()...)
	data = append(data, tlv.New(tagLRC, nil).Bytes()...)
	return s.PutObject(objectID, data)
}

// DeleteCertificate removes the certificate stored for a slot. Requires
// management key authentication.
func (s *Session) DeleteCertificate(slot Slot) error {
	objectID := ObjectForSlot(slot)
	if objectID == 0 {
		return ErrNoCertificateObject
	}
	return s.PutObject(objectID, nil)
}

// changeReference drives the CHANGE REFERENCE DATA and RESET RETRY
// COUNTER commands, which both take two concatenated padded values.
func (s *Session) changeReference(ins, p2 byte, value1, value2 string) error {
	encoded1, err := pinBytes(value1)
	if err != nil {
		return err
	}
	encoded2, err := pinBytes(value2)
	if err != nil {
		return err
	}
	if _, err := s.protocol.SendAPDU(0, ins, 0, p2, append(encoded1, encoded2...)); err != nil {
		return s.pinError(err)
	}
	return nil
}

// pinError converts a status word carrying a retry count into an
// InvalidPinError, passing other errors through.
func (s *Session) pinError(err error) error {
	if retries, ok := retriesFromSW(s.version, smartcard.StatusWord(err)); ok {
		s.currentPinRetries = retries
		return &InvalidPinError{AttemptsRemaining: retries}
	}
	return err
}

// pinBytes encodes a PIN or PUK: UTF-8, padded with 0xFF to 8 bytes.
func pinBytes(pin string) ([]byte, error) {
	encoded := []byte(pin)
	if len(encoded) > pinLength {
		return nil, ErrPinTooLong
	}
	padded := make([]byte, pinLength)
	copy(padded, encoded)
	for i := len(encoded); i < pinLength; i++ {
		padded[i] = 0xFF
	}
	return padded, nil
}

// retriesFromSW extracts a remaining-attempts count from a status word.
// Firmware before 1.0.4 used the whole low byte for the counter.
func retriesFromSW(version core.Version, sw uint16) (int, bool) {
	if sw == smartcard.SWAuthMethodBlocked {
		return 0, true
	}
	if version.Less(1, 0, 4) {
		if sw >= 0x6300 && sw <= 0x63FF {
			return int(sw & 0xFF), true
		}
	} else if sw >= 0x63C0 && sw <= 0x63CF {
		return int(sw & 0x0F), true
	}
	return 0, false
}

// unwrapDynAuth extracts a nested dynamic authentication value.
func unwrapDynAuth(tag int, response []byte) ([]byte, error) {
	inner, err := tlv.Unwrap(tagDynAuth, response)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrBadResponse, err)
	}
	value, err := tlv.Unwrap(tag, inner)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrBadResponse, err)
	}
	return value, nil
}

// ecbEncrypt encrypts data block by block in ECB mode.
func ecbEncrypt(block cipher.Block, data []byte) []byte {
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += block.BlockSize() {
		block.Encrypt(out[i:], data[i:])
	}
	return out
}

// ecbDecrypt decrypts data block by block in ECB mode.
func ecbDecrypt(block cipher.Block, data []byte) []byte {
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += block.BlockSize() {
		block.Decrypt(out[i:], data[i:])
	}
	return out
}
