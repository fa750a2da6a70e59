package oath

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"avaneesh/yubikit-go/pkg/connection"
	"avaneesh/yubikit-go/pkg/core"
	"avaneesh/yubikit-go/pkg/internal/logger"
	"avaneesh/yubikit-go/pkg/smartcard"
	"avaneesh/yubikit-go/pkg/tlv"
)

// TLV tags
const (
	tagName      = 0x71
	tagNameList  = 0x72
	tagKey       = 0x73
	tagChallenge = 0x74
	tagResponse  = 0x75
	tagTruncated = 0x76
	tagHOTP      = 0x77
	tagProperty  = 0x78
	tagVersion   = 0x79
	tagIMF       = 0x7A
	tagTouch     = 0x7C
)

// Instructions
const (
	insPut           = 0x01
	insDelete        = 0x02
	insSetCode       = 0x03
	insReset         = 0x04
	insRename        = 0x05
	insList          = 0xA1
	insCalculate     = 0xA2
	insValidate      = 0xA3
	insCalculateAll  = 0xA4
	insSendRemaining = 0xA5
)

const (
	propRequireTouch = 0x02

	// hmacMinimumKeySize is the shortest key the device accepts;
	// shorter secrets are zero-padded
	hmacMinimumKeySize = 14

	// Key derivation parameters for access keys
	derivationIterations = 1000
	derivedKeySize       = 16
)

// Errors
var (
	ErrValidationFailed = errors.New("oath: access key validation failed")
	ErrWrongAccessKey   = errors.New("oath: device response does not match access key")
)

// CredentialCode pairs a credential with its calculated code. Code is nil
// for credentials that require touch or are HOTP-based.
type CredentialCode struct {
	Credential *Credential
	Code       *Code
}

// Session is a session with the OATH application.
type Session struct {
	protocol  *smartcard.Protocol
	version   core.Version
	salt      []byte
	challenge []byte
	deviceID  string
	log       logger.Logger
}

// NewSession opens an OATH session over a smart card connection.
func NewSession(conn connection.SmartCardConnection) (*Session, error) {
	protocol := smartcard.NewProtocolIns(conn, insSendRemaining)
	s := &Session{protocol: protocol, log: logger.GetDefault()}
	if err := s.selectApplication(); err != nil {
		return nil, err
	}
	s.log.Debug("OATH session established, version %s, device id %s", s.version, s.deviceID)
	return s, nil
}

func (s *Session) selectApplication() error {
	response, err := s.protocol.Select(core.AIDOATH)
	if err != nil {
		return err
	}
	data, err := tlv.ParseDict(response)
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrBadResponse, err)
	}
	version, err := core.VersionFromBytes(data[tagVersion])
	if err != nil {
		return err
	}
	s.version = version
	s.salt = data[tagName]
	s.challenge = data[tagChallenge]
	s.deviceID = deviceIDFromSalt(s.salt)
	return nil
}

// deviceIDFromSalt derives the stable device identifier from the select
// response salt.
func deviceIDFromSalt(salt []byte) string {
	digest := sha256.Sum256(salt)
	return base64.RawStdEncoding.EncodeToString(digest[:16])
}

// Version returns the application version.
func (s *Session) Version() core.Version {
	return s.version
}

// DeviceID returns the stable identifier of the OATH application
// instance. It changes when the application is reset.
func (s *Session) DeviceID() string {
	return s.deviceID
}

// Locked reports whether the application requires access key validation
// before credentials can be used.
func (s *Session) Locked() bool {
	return len(s.challenge) > 0
}

// Close closes the session and its underlying connection.
func (s *Session) Close() error {
	return s.protocol.Close()
}

// DeriveKey derives an access key from a password using the device salt.
func (s *Session) DeriveKey(password string) []byte {
	return pbkdf2.Key([]byte(password), s.salt, derivationIterations, derivedKeySize, sha1.New)
}

// Validate unlocks the application with an access key. The device proves
// knowledge of the same key in the exchange; a mismatch is reported as
// ErrWrongAccessKey.
func (s *Session) Validate(key []byte) error {
	response := hmacSHA1(key, s.challenge)
	clientChallenge := make([]byte, 8)
	if _, err := rand.Read(clientChallenge); err != nil {
		return err
	}

	data := append(
		tlv.New(tagResponse, response).Bytes(),
		tlv.New(tagChallenge, clientChallenge).Bytes()...,
	)
	reply, err := s.protocol.SendAPDU(0, insValidate, 0, 0, data)
	if err != nil {
		if smartcard.StatusWord(err) == smartcard.SWIncorrectParameters {
			return ErrValidationFailed
		}
		return err
	}
	verification, err := tlv.Unwrap(tagResponse, reply)
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrBadResponse, err)
	}
	if subtle.ConstantTimeCompare(hmacSHA1(key, clientChallenge), verification) != 1 {
		return ErrWrongAccessKey
	}
	return nil
}

// SetKey protects the application with an access key.
func (s *Session) SetKey(key []byte) error {
	challenge := make([]byte, 8)
	if _, err := rand.Read(challenge); err != nil {
		return err
	}

	keyData := append([]byte{byte(TypeTOTP) | byte(HashSHA1)}, key...)
	data := tlv.New(tagKey, keyData).Bytes()
	data = append(data, tlv.New(tagChallenge, challenge).Bytes()...)
	data = append(data, tlv.New(tagResponse, hmacSHA1(key, challenge)).Bytes()...)

	if _, err := s.protocol.SendAPDU(0, insSetCode, 0, 0, data); err != nil {
		return err
	}
	s.challenge = challenge
	return nil
}

// UnsetKey removes the access key protection.
func (s *Session) UnsetKey() error {
	if _, err := s.protocol.SendAPDU(0, insSetCode, 0, 0, tlv.New(tagKey, nil).Bytes()); err != nil {
		return err
	}
	s.challenge = nil
	return nil
}

// Reset wipes all credentials and the access key, then re-reads the new
// device identity.
func (s *Session) Reset() error {
	s.log.Info("resetting OATH application")
	if _, err := s.protocol.SendAPDU(0, insReset, 0xDE, 0xAD, nil); err != nil {
		return err
	}
	return s.selectApplication()
}

// PutCredential programs a credential. Secrets longer than the HMAC block
// size are shortened by hashing, shorter ones zero-padded to the minimum
// key size.
func (s *Session) PutCredential(data *CredentialData, touchRequired bool) (*Credential, error) {
	id := data.ID()
	secret := shortenKey(data.Secret, data.HashAlgorithm)

	keyData := []byte{byte(data.OathType) | byte(data.HashAlgorithm), byte(data.Digits)}
	keyData = append(keyData, secret...)

	buf := tlv.New(tagName, id).Bytes()
	buf = append(buf, tlv.New(tagKey, keyData).Bytes()...)
	if touchRequired {
		buf = append(buf, tagProperty, propRequireTouch)
	}
	if data.Counter > 0 {
		buf = append(buf, tlv.New(tagIMF, binary.BigEndian.AppendUint32(nil, data.Counter)).Bytes()...)
	}

	s.log.Debug("storing credential %s", id)
	if _, err := s.protocol.SendAPDU(0, insPut, 0, 0, buf); err != nil {
		return nil, err
	}
	return &Credential{
		DeviceID:      s.deviceID,
		ID:            id,
		Issuer:        data.Issuer,
		Name:          data.Name,
		OathType:      data.OathType,
		Period:        data.Period,
		TouchRequired: touchRequired,
	}, nil
}

// RenameCredential changes the id a credential is stored under. Requires
// firmware 5.3.1 or later.
func (s *Session) RenameCredential(credentialID, newID []byte) error {
	if !s.version.AtLeast(5, 3, 1) {
		return core.NotSupported("rename credential", 5, 3, 1)
	}
	data := append(
		tlv.New(tagName, credentialID).Bytes(),
		tlv.New(tagName, newID).Bytes()...,
	)
	_, err := s.protocol.SendAPDU(0, insRename, 0, 0, data)
	return err
}

// DeleteCredential removes a stored credential.
func (s *Session) DeleteCredential(credentialID []byte) error {
	s.log.Debug("deleting credential %s", credentialID)
	_, err := s.protocol.SendAPDU(0, insDelete, 0, 0, tlv.New(tagName, credentialID).Bytes())
	return err
}

// ListCredentials lists the stored credentials. Touch requirements are
// not reported by the list command.
func (s *Session) ListCredentials() ([]*Credential, error) {
	response, err := s.protocol.SendAPDU(0, insList, 0, 0, nil)
	if err != nil {
		return nil, err
	}
	records, err := tlv.ParseList(response)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrBadResponse, err)
	}

	credentials := make([]*Credential, 0, len(records))
	for _, record := range records {
		if record.Tag() != tagNameList || record.Length() < 1 {
			return nil, fmt.Errorf("%w: unexpected list entry %s", core.ErrBadResponse, record)
		}
		value := record.Value()
		oathType := OathType(value[0] & 0xF0)
		id := value[1:]
		period, issuer, name := parseID(id, oathType)
		credentials = append(credentials, &Credential{
			DeviceID: s.deviceID,
			ID:       append([]byte{}, id...),
			Issuer:   issuer,
			Name:     name,
			OathType: oathType,
			Period:   period,
		})
	}
	return credentials, nil
}

// Calculate runs the credential's HMAC over a raw challenge and returns
// the full response.
func (s *Session) Calculate(credentialID, challenge []byte) ([]byte, error) {
	data := append(
		tlv.New(tagName, credentialID).Bytes(),
		tlv.New(tagChallenge, challenge).Bytes()...,
	)
	response, err := s.protocol.SendAPDU(0, insCalculate, 0, 0, data)
	if err != nil {
		return nil, err
	}
	value, err := tlv.Unwrap(tagResponse, response)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrBadResponse, err)
	}
	// The first byte is the digit count
	return value[1:], nil
}

// CalculateCode calculates the one-time code for a credential at the
// given time.
func (s *Session) CalculateCode(credential *Credential, timestamp time.Time) (*Code, error) {
	var (
		challenge []byte
		validFrom int64
		validTo   int64
	)
	switch credential.OathType {
	case TypeHOTP:
		validFrom = timestamp.Unix()
		validTo = hotpValidTo
	case TypeTOTP:
		step := timestamp.Unix() / int64(credential.Period)
		challenge = binary.BigEndian.AppendUint64(nil, uint64(step))
		validFrom = step * int64(credential.Period)
		validTo = validFrom + int64(credential.Period)
	default:
		return nil, fmt.Errorf("oath: unknown credential type %s", credential.OathType)
	}

	data := append(
		tlv.New(tagName, credential.ID).Bytes(),
		tlv.New(tagChallenge, challenge).Bytes()...,
	)
	response, err := s.protocol.SendAPDU(0, insCalculate, 0, 0x01, data)
	if err != nil {
		return nil, err
	}
	truncated, err := tlv.Unwrap(tagTruncated, response)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrBadResponse, err)
	}
	value, err := formatCode(truncated)
	if err != nil {
		return nil, err
	}
	return &Code{Value: value, ValidFrom: validFrom, ValidTo: validTo}, nil
}

// CalculateAll calculates codes for all stored credentials in one
// round trip at the default period. Credentials with a non-default period
// are recomputed individually; credentials requiring touch or using HOTP
// are returned without a code.
func (s *Session) CalculateAll(timestamp time.Time) ([]CredentialCode, error) {
	step := timestamp.Unix() / DefaultPeriod
	challenge := binary.BigEndian.AppendUint64(nil, uint64(step))

	response, err := s.protocol.SendAPDU(0, insCalculateAll, 0, 0x01, tlv.New(tagChallenge, challenge).Bytes())
	if err != nil {
		return nil, err
	}
	records, err := tlv.ParseList(response)
	if err != nil || len(records)%2 != 0 {
		return nil, fmt.Errorf("%w: malformed calculate-all response", core.ErrBadResponse)
	}

	results := make([]CredentialCode, 0, len(records)/2)
	for i := 0; i < len(records); i += 2 {
		nameRecord, codeRecord := records[i], records[i+1]
		if nameRecord.Tag() != tagName {
			return nil, fmt.Errorf("%w: unexpected record %s", core.ErrBadResponse, nameRecord)
		}

		oathType := TypeTOTP
		if codeRecord.Tag() == tagHOTP {
			oathType = TypeHOTP
		}
		id := append([]byte{}, nameRecord.Value()...)
		period, issuer, name := parseID(id, oathType)
		credential := &Credential{
			DeviceID:      s.deviceID,
			ID:            id,
			Issuer:        issuer,
			Name:          name,
			OathType:      oathType,
			Period:        period,
			TouchRequired: codeRecord.Tag() == tagTouch,
		}

		var code *Code
		switch codeRecord.Tag() {
		case tagTouch, tagHOTP:
			// Needs a dedicated calculate call, possibly with touch
		case tagTruncated:
			if period != DefaultPeriod {
				code, err = s.CalculateCode(credential, timestamp)
				if err != nil {
					return nil, err
				}
			} else {
				value, err := formatCode(codeRecord.Value())
				if err != nil {
					return nil, err
				}
				code = &Code{
					Value:     value,
					ValidFrom: step * DefaultPeriod,
					ValidTo:   (step + 1) * DefaultPeriod,
				}
			}
		default:
			return nil, fmt.Errorf("%w: unexpected record %s", core.ErrBadResponse, codeRecord)
		}
		results = append(results, CredentialCode{Credential: credential, Code: code})
	}
	return results, nil
}

// formatCode renders a truncated response: a digit count followed by a
// big-endian value, zero-padded to the digit count.
func formatCode(truncated []byte) (string, error) {
	if len(truncated) != 5 {
		return "", fmt.Errorf("%w: truncated response length %d", core.ErrBadResponse, len(truncated))
	}
	digits := int(truncated[0])
	value := binary.BigEndian.Uint32(truncated[1:]) & 0x7FFFFFFF
	s := fmt.Sprintf("%0*d", digits, value)
	return s[len(s)-digits:], nil
}

// shortenKey reduces a secret longer than the HMAC block size by hashing
// it, and pads short secrets to the minimum key size.
func shortenKey(secret []byte, algorithm HashAlgorithm) []byte {
	if len(secret) > algorithm.blockSize() {
		var digest hash.Hash
		switch algorithm {
		case HashSHA256:
			digest = sha256.New()
		case HashSHA512:
			digest = sha512.New()
		default:
			digest = sha1.New()
		}
		digest.Write(secret)
		secret = digest.Sum(nil)
	}
	if len(secret) < hmacMinimumKeySize {
		padded := make([]byte, hmacMinimumKeySize)
		copy(padded, secret)
		return padded
	}
	return secret
}

func hmacSHA1(key, data []byte) []byte {
	mac := hmac.New(sha1.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}
