package piv

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"

	"avaneesh/yubikit-go/pkg/core"
	"avaneesh/yubikit-go/pkg/tlv"
)

// RSA CRT component tags for key import
const (
	tagKeyPrimeP      = 0x01
	tagKeyPrimeQ      = 0x02
	tagKeyExponentP   = 0x03
	tagKeyExponentQ   = 0x04
	tagKeyCoefficient = 0x05
	tagKeyECPrivate   = 0x06

	tagPublicKeyModulus  = 0x81
	tagPublicKeyExponent = 0x82
	tagPublicKeyECPoint  = 0x86
)

// Errors
var (
	ErrUnsupportedKey  = errors.New("piv: unsupported private key type")
	ErrUnsupportedHash = errors.New("piv: unsupported hash algorithm")
	ErrInvalidPadding  = errors.New("piv: invalid PKCS#1 v1.5 padding")
	ErrDigestLength    = errors.New("piv: digest length does not match hash")
	ErrMessageTooLong  = errors.New("piv: message too long for key size")
)

// hashPrefixes are the DER DigestInfo prefixes for PKCS#1 v1.5.
var hashPrefixes = map[crypto.Hash][]byte{
	crypto.MD5:    {0x30, 0x20, 0x30, 0x0c, 0x06, 0x08, 0x2a, 0x86, 0x48, 0x86, 0xf7, 0x0d, 0x02, 0x05, 0x05, 0x00, 0x04, 0x10},
	crypto.SHA1:   {0x30, 0x21, 0x30, 0x09, 0x06, 0x05, 0x2b, 0x0e, 0x03, 0x02, 0x1a, 0x05, 0x00, 0x04, 0x14},
	crypto.SHA224: {0x30, 0x2d, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x04, 0x05, 0x00, 0x04, 0x1c},
	crypto.SHA256: {0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20},
	crypto.SHA384: {0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x02, 0x05, 0x00, 0x04, 0x30},
	crypto.SHA512: {0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x03, 0x05, 0x00, 0x04, 0x40},
}

// PutKey imports a private key into a slot. Requires management key
// authentication. Returns the key type stored.
func (s *Session) PutKey(slot Slot, privateKey crypto.PrivateKey, pinPolicy PinPolicy, touchPolicy TouchPolicy) (KeyType, error) {
	var (
		keyType KeyType
		data    []byte
	)
	switch key := privateKey.(type) {
	case *rsa.PrivateKey:
		switch key.N.BitLen() {
		case 1024:
			keyType = KeyTypeRSA1024
		case 2048:
			keyType = KeyTypeRSA2048
		default:
			return 0, fmt.Errorf("%w: RSA-%d", ErrUnsupportedKey, key.N.BitLen())
		}
		if len(key.Primes) != 2 {
			return 0, fmt.Errorf("%w: RSA key must have two primes", ErrUnsupportedKey)
		}
		key.Precompute()
		half := keyType.Size() / 2
		data = tlv.New(tagKeyPrimeP, paddedBytes(key.Primes[0], half)).Bytes()
		data = append(data, tlv.New(tagKeyPrimeQ, paddedBytes(key.Primes[1], half)).Bytes()...)
		data = append(data, tlv.New(tagKeyExponentP, paddedBytes(key.Precomputed.Dp, half)).Bytes()...)
		data = append(data, tlv.New(tagKeyExponentQ, paddedBytes(key.Precomputed.Dq, half)).Bytes()...)
		data = append(data, tlv.New(tagKeyCoefficient, paddedBytes(key.Precomputed.Qinv, half)).Bytes()...)

	case *ecdsa.PrivateKey:
		switch key.Curve {
		case elliptic.P256():
			keyType = KeyTypeECCP256
		case elliptic.P384():
			keyType = KeyTypeECCP384
		default:
			return 0, fmt.Errorf("%w: curve %s", ErrUnsupportedKey, key.Curve.Params().Name)
		}
		data = tlv.New(tagKeyECPrivate, paddedBytes(key.D, keyType.Size())).Bytes()

	default:
		return 0, fmt.Errorf("%w: %T", ErrUnsupportedKey, privateKey)
	}

	if err := s.checkKeySupport(keyType, pinPolicy, touchPolicy, false); err != nil {
		return 0, err
	}
	data = append(data, policyBytes(pinPolicy, touchPolicy)...)

	s.log.Debug("importing %s key into slot %02x", keyType, byte(slot))
	if _, err := s.protocol.SendAPDU(0, insImportKey, byte(keyType), byte(slot), data); err != nil {
		return 0, err
	}
	return keyType, nil
}

// GenerateKey generates a new private key in a slot and returns its
// public key. Requires management key authentication.
func (s *Session) GenerateKey(slot Slot, keyType KeyType, pinPolicy PinPolicy, touchPolicy TouchPolicy) (crypto.PublicKey, error) {
	if err := s.checkKeySupport(keyType, pinPolicy, touchPolicy, true); err != nil {
		return nil, err
	}

	params := tlv.New(tagGenAlgorithm, []byte{byte(keyType)}).Bytes()
	params = append(params, policyBytes(pinPolicy, touchPolicy)...)

	s.log.Debug("generating %s key in slot %02x", keyType, byte(slot))
	response, err := s.protocol.SendAPDU(0, insGenerateKey, 0, byte(slot), tlv.New(tagGenParams, params).Bytes())
	if err != nil {
		return nil, err
	}
	encoded, err := tlv.Unwrap(tagPublicKey, response)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrBadResponse, err)
	}
	return parsePublicKey(keyType, encoded)
}

// AttestKey creates an attestation certificate for a generated key.
// Requires firmware 4.3.0 or later.
func (s *Session) AttestKey(slot Slot) (*x509.Certificate, error) {
	if !s.version.AtLeast(4, 3, 0) {
		return nil, core.NotSupported("attestation", 4, 3, 0)
	}
	response, err := s.protocol.SendAPDU(0, insAttest, byte(slot), 0, nil)
	if err != nil {
		return nil, err
	}
	certificate, err := x509.ParseCertificate(response)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrBadResponse, err)
	}
	return certificate, nil
}

// Sign signs a digest with the key in a slot. RSA keys produce PKCS#1
// v1.5 signatures, EC keys raw ECDSA signatures over the (truncated)
// digest. The PIN must have been verified as the slot's PIN policy
// requires.
func (s *Session) Sign(slot Slot, keyType KeyType, digest []byte, hash crypto.Hash) ([]byte, error) {
	if keyType.IsRSA() {
		message, err := pkcs1v15Pad(keyType.Size(), digest, hash)
		if err != nil {
			return nil, err
		}
		return s.usePrivateKey(slot, keyType, message, false)
	}

	// ECDSA: the digest is truncated or left-padded to the curve size
	size := keyType.Size()
	if len(digest) > size {
		digest = digest[:size]
	} else if len(digest) < size {
		padded := make([]byte, size)
		copy(padded[size-len(digest):], digest)
		digest = padded
	}
	return s.usePrivateKey(slot, keyType, digest, false)
}

// Decrypt performs a raw RSA decryption of a PKCS#1 v1.5 ciphertext with
// the key in a slot and strips the padding.
func (s *Session) Decrypt(slot Slot, keyType KeyType, ciphertext []byte) ([]byte, error) {
	if !keyType.IsRSA() {
		return nil, fmt.Errorf("%w: decryption requires an RSA key", ErrUnsupportedKey)
	}
	plaintext, err := s.usePrivateKey(slot, keyType, ciphertext, false)
	if err != nil {
		return nil, err
	}
	return pkcs1v15Unpad(plaintext)
}

// SharedSecret performs an ECDH key agreement between the EC key in a
// slot and a peer public key, returning the raw shared secret.
func (s *Session) SharedSecret(slot Slot, keyType KeyType, peer *ecdsa.PublicKey) ([]byte, error) {
	if keyType.IsRSA() {
		return nil, fmt.Errorf("%w: key agreement requires an EC key", ErrUnsupportedKey)
	}
	point := elliptic.Marshal(peer.Curve, peer.X, peer.Y)
	return s.usePrivateKey(slot, keyType, point, true)
}

// usePrivateKey performs a raw private key operation on a slot.
func (s *Session) usePrivateKey(slot Slot, keyType KeyType, message []byte, exponentiation bool) ([]byte, error) {
	messageTag := tagAuthChallenge
	if exponentiation {
		messageTag = tagAuthExponentiation
	}
	data := append(
		tlv.New(tagAuthResponse, nil).Bytes(),
		tlv.New(messageTag, message).Bytes()...,
	)
	response, err := s.protocol.SendAPDU(0, insAuthenticate, byte(keyType), byte(slot), tlv.New(tagDynAuth, data).Bytes())
	if err != nil {
		return nil, err
	}
	return unwrapDynAuth(tagAuthResponse, response)
}

// checkKeySupport validates a key type and policy combination against
// firmware limitations before any wire traffic.
func (s *Session) checkKeySupport(keyType KeyType, pinPolicy PinPolicy, touchPolicy TouchPolicy, generate bool) error {
	v := s.version
	if v.Less(4, 0, 0) {
		if keyType == KeyTypeECCP384 {
			return core.NotSupported("ECCP384 keys", 4, 0, 0)
		}
		if pinPolicy != PinPolicyDefault || touchPolicy != TouchPolicyDefault {
			return core.NotSupported("PIN and touch policies", 4, 0, 0)
		}
	}
	if touchPolicy == TouchPolicyCached && v.Less(4, 3, 0) {
		return core.NotSupported("cached touch policy", 4, 3, 0)
	}
	// 4.2.x generates weak RSA keys
	if generate && keyType.IsRSA() && v.AtLeast(4, 2, 0) && v.Less(4, 3, 5) {
		return &core.NotSupportedError{Op: "RSA key generation on this firmware"}
	}
	// FIPS devices
	if v.AtLeast(4, 4, 0) && v.Less(4, 5, 0) {
		if keyType == KeyTypeRSA1024 {
			return &core.NotSupportedError{Op: "RSA1024 keys on FIPS devices"}
		}
		if pinPolicy == PinPolicyNever {
			return &core.NotSupportedError{Op: "PIN policy NEVER on FIPS devices"}
		}
	}
	return nil
}

// policyBytes encodes non-default policies as TLVs.
func policyBytes(pinPolicy PinPolicy, touchPolicy TouchPolicy) []byte {
	var buf []byte
	if pinPolicy != PinPolicyDefault {
		buf = append(buf, tlv.New(tagPinPolicy, []byte{byte(pinPolicy)}).Bytes()...)
	}
	if touchPolicy != TouchPolicyDefault {
		buf = append(buf, tlv.New(tagTouchPolicy, []byte{byte(touchPolicy)}).Bytes()...)
	}
	return buf
}

// parsePublicKey decodes the public key structure returned by key
// generation.
func parsePublicKey(keyType KeyType, encoded []byte) (crypto.PublicKey, error) {
	data, err := tlv.ParseDict(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrBadResponse, err)
	}

	if keyType.IsRSA() {
		modulus := data[tagPublicKeyModulus]
		exponent := data[tagPublicKeyExponent]
		if len(modulus) == 0 || len(exponent) == 0 {
			return nil, fmt.Errorf("%w: missing RSA public key fields", core.ErrBadResponse)
		}
		return &rsa.PublicKey{
			N: new(big.Int).SetBytes(modulus),
			E: int(new(big.Int).SetBytes(exponent).Int64()),
		}, nil
	}

	curve := elliptic.P256()
	if keyType == KeyTypeECCP384 {
		curve = elliptic.P384()
	}
	x, y := elliptic.Unmarshal(curve, data[tagPublicKeyECPoint])
	if x == nil {
		return nil, fmt.Errorf("%w: invalid EC point", core.ErrBadResponse)
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// paddedBytes encodes an integer left-padded to the given size.
func paddedBytes(v *big.Int, size int) []byte {
	buf := make([]byte, size)
	v.FillBytes(buf)
	return buf
}

// pkcs1v15Pad builds an EMSA-PKCS1-v1_5 encoded message for signing.
func pkcs1v15Pad(keySize int, digest []byte, hash crypto.Hash) ([]byte, error) {
	prefix, ok := hashPrefixes[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedHash, hash)
	}
	if len(digest) != hash.Size() {
		return nil, ErrDigestLength
	}
	encoded := len(prefix) + len(digest)
	if keySize < encoded+11 {
		return nil, ErrMessageTooLong
	}
	message := make([]byte, keySize)
	message[1] = 0x01
	for i := 2; i < keySize-encoded-1; i++ {
		message[i] = 0xFF
	}
	copy(message[keySize-encoded:], prefix)
	copy(message[keySize-len(digest):], digest)
	return message, nil
}

// pkcs1v15Unpad strips EMSA-PKCS1-v1_5 encryption padding.
func pkcs1v15Unpad(message []byte) ([]byte, error) {
	if len(message) < 11 || message[0] != 0x00 || message[1] != 0x02 {
		return nil, ErrInvalidPadding
	}
	for i := 2; i < len(message); i++ {
		if message[i] == 0x00 {
			if i < 10 {
				return nil, ErrInvalidPadding
			}
			return message[i+1:], nil
		}
	}
	return nil, ErrInvalidPadding
}
