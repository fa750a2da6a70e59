package piv

import (
	"bytes"
	"crypto"
	"crypto/des"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"avaneesh/yubikit-go/pkg/connection"
	"avaneesh/yubikit-go/pkg/core"
	"avaneesh/yubikit-go/pkg/smartcard"
	"avaneesh/yubikit-go/pkg/tlv"
)

// pivHandler answers SELECT and GET VERSION, dispatching everything else
// to fn.
func pivHandler(version core.Version, fn func(apdu []byte) ([]byte, uint16)) func([]byte) ([]byte, uint16) {
	return func(apdu []byte) ([]byte, uint16) {
		switch apdu[1] {
		case 0xA4:
			return nil, smartcard.SWOK
		case insGetVersion:
			return version.Bytes(), smartcard.SWOK
		}
		return fn(apdu)
	}
}

func newTestSession(t *testing.T, version core.Version, fn func(apdu []byte) ([]byte, uint16)) *Session {
	t.Helper()
	mock := connection.NewMockSmartCardConnection(pivHandler(version, fn))
	s, err := NewSession(mock)
	require.NoError(t, err)
	require.Equal(t, version, s.Version())
	return s
}

func TestPinBytes(t *testing.T) {
	encoded, err := pinBytes("123456")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x31, 0x32, 0x33, 0x34, 0x35, 0x36, 0xFF, 0xFF}, encoded)

	_, err = pinBytes("123456789")
	assert.ErrorIs(t, err, ErrPinTooLong)
}

func TestRetriesFromSW(t *testing.T) {
	tests := []struct {
		name    string
		version core.Version
		sw      uint16
		retries int
		ok      bool
	}{
		{"Blocked", core.NewVersion(5, 3, 0), smartcard.SWAuthMethodBlocked, 0, true},
		{"Modern counter", core.NewVersion(5, 3, 0), 0x63C5, 5, true},
		{"Modern counter zero", core.NewVersion(1, 0, 4), 0x63C0, 0, true},
		{"Legacy counter", core.NewVersion(1, 0, 3), 0x6305, 5, true},
		{"Not a counter", core.NewVersion(5, 3, 0), 0x6305, 0, false},
		{"Success", core.NewVersion(5, 3, 0), 0x9000, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retries, ok := retriesFromSW(tt.version, tt.sw)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.retries, retries)
			}
		})
	}
}

func TestVerifyPin(t *testing.T) {
	t.Run("Correct", func(t *testing.T) {
		s := newTestSession(t, core.NewVersion(5, 2, 4), func(apdu []byte) ([]byte, uint16) {
			require.Equal(t, byte(insVerify), apdu[1])
			require.Equal(t, []byte{0x31, 0x32, 0x33, 0x34, 0x35, 0x36, 0xFF, 0xFF}, apdu[5:])
			return nil, smartcard.SWOK
		})
		assert.NoError(t, s.VerifyPin("123456"))
	})

	t.Run("Wrong", func(t *testing.T) {
		s := newTestSession(t, core.NewVersion(5, 2, 4), func(apdu []byte) ([]byte, uint16) {
			return nil, 0x63C2
		})
		err := s.VerifyPin("654321")
		var pinErr *InvalidPinError
		require.ErrorAs(t, err, &pinErr)
		assert.Equal(t, 2, pinErr.AttemptsRemaining)
	})

	t.Run("Blocked", func(t *testing.T) {
		s := newTestSession(t, core.NewVersion(5, 2, 4), func(apdu []byte) ([]byte, uint16) {
			return nil, smartcard.SWAuthMethodBlocked
		})
		err := s.VerifyPin("654321")
		var pinErr *InvalidPinError
		require.ErrorAs(t, err, &pinErr)
		assert.Equal(t, 0, pinErr.AttemptsRemaining)
	})
}

// authDevice simulates the card side of management key authentication.
type authDevice struct {
	t       *testing.T
	secret  []byte
	corrupt bool
}

func (d *authDevice) handle(apdu []byte) ([]byte, uint16) {
	block, err := des.NewTripleDESCipher(DefaultManagementKey)
	require.NoError(d.t, err)

	inner, err := tlv.Unwrap(tagDynAuth, apdu[5:])
	require.NoError(d.t, err)
	data, err := tlv.ParseDict(inner)
	require.NoError(d.t, err)

	if _, ok := data[tagAuthChallenge]; !ok {
		// Witness request: send the encrypted secret
		witness := ecbEncrypt(block, d.secret)
		return tlv.New(tagDynAuth, tlv.New(tagAuthWitness, witness).Bytes()).Bytes(), smartcard.SWOK
	}

	// The host must have decrypted the witness correctly
	require.Equal(d.t, d.secret, data[tagAuthWitness])

	response := ecbEncrypt(block, data[tagAuthChallenge])
	if d.corrupt {
		response[0] ^= 0x01
	}
	return tlv.New(tagDynAuth, tlv.New(tagAuthResponse, response).Bytes()).Bytes(), smartcard.SWOK
}

func TestAuthenticateManagementKey(t *testing.T) {
	device := &authDevice{t: t, secret: []byte{1, 2, 3, 4, 5, 6, 7, 8}}
	s := newTestSession(t, core.NewVersion(5, 2, 4), device.handle)
	assert.NoError(t, s.AuthenticateManagementKey(DefaultManagementKey))
}

func TestAuthenticateManagementKeyMismatch(t *testing.T) {
	device := &authDevice{t: t, secret: []byte{1, 2, 3, 4, 5, 6, 7, 8}, corrupt: true}
	s := newTestSession(t, core.NewVersion(5, 2, 4), device.handle)
	assert.ErrorIs(t, s.AuthenticateManagementKey(DefaultManagementKey), ErrAuthResponseMismatch)
}

// signCapture answers a private key operation, recording the message.
// Chained commands are reassembled first.
func signCapture(t *testing.T, captured *[]byte, result []byte) func(apdu []byte) ([]byte, uint16) {
	var buf []byte
	return func(apdu []byte) ([]byte, uint16) {
		require.Equal(t, byte(insAuthenticate), apdu[1])
		buf = append(buf, apdu[5:]...)
		if apdu[0]&smartcard.ClaChaining != 0 {
			return nil, smartcard.SWOK
		}
		body := buf
		buf = nil
		inner, err := tlv.Unwrap(tagDynAuth, body)
		require.NoError(t, err)
		data, err := tlv.ParseDict(inner)
		require.NoError(t, err)
		for _, tag := range []int{tagAuthChallenge, tagAuthExponentiation} {
			if v, ok := data[tag]; ok {
				*captured = v
			}
		}
		return tlv.New(tagDynAuth, tlv.New(tagAuthResponse, result).Bytes()).Bytes(), smartcard.SWOK
	}
}

func TestSignRSAPadding(t *testing.T) {
	digest := sha256.Sum256([]byte("message"))

	var captured []byte
	s := newTestSession(t, core.NewVersion(5, 2, 4), signCapture(t, &captured, []byte{0xAA, 0xBB}))

	got, err := s.Sign(SlotSignature, KeyTypeRSA2048, digest[:], crypto.SHA256)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA, 0xBB}, got)

	require.Len(t, captured, 256)
	assert.Equal(t, byte(0x00), captured[0])
	assert.Equal(t, byte(0x01), captured[1])
	prefix := hashPrefixes[crypto.SHA256]
	assert.Equal(t, byte(0x00), captured[256-len(prefix)-len(digest)-1])
	assert.True(t, bytes.Equal(captured[256-len(prefix)-len(digest):256-len(digest)], prefix))
	assert.True(t, bytes.Equal(captured[256-len(digest):], digest[:]))
	for _, b := range captured[2 : 256-len(prefix)-len(digest)-1] {
		require.Equal(t, byte(0xFF), b)
	}
}

func TestSignECDSATruncation(t *testing.T) {
	longDigest := make([]byte, 48)
	for i := range longDigest {
		longDigest[i] = byte(i + 1)
	}

	var captured []byte
	s := newTestSession(t, core.NewVersion(5, 2, 4), signCapture(t, &captured, []byte{0x30, 0x00}))

	_, err := s.Sign(SlotAuthentication, KeyTypeECCP256, longDigest, crypto.SHA384)
	require.NoError(t, err)
	assert.Equal(t, longDigest[:32], captured)
}

func TestDecryptUnpadding(t *testing.T) {
	plaintext := []byte("secret data")
	padded := make([]byte, 128)
	padded[1] = 0x02
	for i := 2; i < len(padded)-len(plaintext)-1; i++ {
		padded[i] = 0xA5
	}
	copy(padded[len(padded)-len(plaintext):], plaintext)

	var captured []byte
	s := newTestSession(t, core.NewVersion(5, 2, 4), signCapture(t, &captured, padded))

	got, err := s.Decrypt(SlotKeyManagement, KeyTypeRSA1024, make([]byte, 128))
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestGenerateKey(t *testing.T) {
	private, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	point := elliptic.Marshal(elliptic.P256(), private.X, private.Y)

	s := newTestSession(t, core.NewVersion(5, 2, 4), func(apdu []byte) ([]byte, uint16) {
		require.Equal(t, byte(insGenerateKey), apdu[1])
		require.Equal(t, byte(SlotAuthentication), apdu[3])
		params, err := tlv.Unwrap(tagGenParams, apdu[5:])
		require.NoError(t, err)
		alg, err := tlv.Unwrap(tagGenAlgorithm, params)
		require.NoError(t, err)
		require.Equal(t, []byte{byte(KeyTypeECCP256)}, alg)
		return tlv.New(tagPublicKey, tlv.New(tagPublicKeyECPoint, point).Bytes()).Bytes(), smartcard.SWOK
	})

	public, err := s.GenerateKey(SlotAuthentication, KeyTypeECCP256, PinPolicyDefault, TouchPolicyDefault)
	require.NoError(t, err)
	ecPublic, ok := public.(*ecdsa.PublicKey)
	require.True(t, ok)
	assert.Equal(t, 0, private.X.Cmp(ecPublic.X))
	assert.Equal(t, 0, private.Y.Cmp(ecPublic.Y))
}

func TestKeySupportGates(t *testing.T) {
	noTraffic := func(apdu []byte) ([]byte, uint16) {
		t.Fatal("unexpected wire traffic")
		return nil, 0
	}

	t.Run("ECCP384 before 4.0.0", func(t *testing.T) {
		s := newTestSession(t, core.NewVersion(3, 4, 0), noTraffic)
		_, err := s.GenerateKey(SlotAuthentication, KeyTypeECCP384, PinPolicyDefault, TouchPolicyDefault)
		var notSupported *core.NotSupportedError
		assert.ErrorAs(t, err, &notSupported)
	})

	t.Run("RSA generation on 4.2.x", func(t *testing.T) {
		s := newTestSession(t, core.NewVersion(4, 2, 0), noTraffic)
		_, err := s.GenerateKey(SlotAuthentication, KeyTypeRSA2048, PinPolicyDefault, TouchPolicyDefault)
		var notSupported *core.NotSupportedError
		assert.ErrorAs(t, err, &notSupported)
	})

	t.Run("RSA1024 on FIPS", func(t *testing.T) {
		s := newTestSession(t, core.NewVersion(4, 4, 2), noTraffic)
		_, err := s.GenerateKey(SlotAuthentication, KeyTypeRSA1024, PinPolicyDefault, TouchPolicyDefault)
		var notSupported *core.NotSupportedError
		assert.ErrorAs(t, err, &notSupported)
	})

	t.Run("Cached touch before 4.3.0", func(t *testing.T) {
		s := newTestSession(t, core.NewVersion(4, 2, 6), noTraffic)
		_, err := s.GenerateKey(SlotAuthentication, KeyTypeECCP256, PinPolicyDefault, TouchPolicyCached)
		var notSupported *core.NotSupportedError
		assert.ErrorAs(t, err, &notSupported)
	})
}

func TestGetObjectDiscovery(t *testing.T) {
	s := newTestSession(t, core.NewVersion(5, 2, 4), func(apdu []byte) ([]byte, uint16) {
		require.Equal(t, byte(insGetData), apdu[1])
		// The discovery object id is a single byte
		require.Equal(t, []byte{tagObjID, 0x01, 0x7E}, apdu[5:])
		return tlv.New(int(ObjectDiscovery), []byte{0x4F}).Bytes(), smartcard.SWOK
	})

	data, err := s.GetObject(ObjectDiscovery)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x4F}, data)
}

func TestObjectForSlot(t *testing.T) {
	assert.Equal(t, ObjectAuthentication, ObjectForSlot(SlotAuthentication))
	assert.Equal(t, ObjectRetired1+4, ObjectForSlot(SlotRetired1+4))
	assert.Equal(t, ObjectAttestation, ObjectForSlot(SlotAttestation))
	assert.Equal(t, ObjectID(0), ObjectForSlot(SlotCardManagement))
}

func TestGetCertificateCompressed(t *testing.T) {
	object := append(
		tlv.New(tagCertificate, []byte{0x30, 0x00}).Bytes(),
		tlv.New(tagCertInfo, []byte{0x01}).Bytes()...,
	)
	s := newTestSession(t, core.NewVersion(5, 2, 4), func(apdu []byte) ([]byte, uint16) {
		return tlv.New(tagObjData, object).Bytes(), smartcard.SWOK
	})

	_, err := s.GetCertificate(SlotAuthentication)
	assert.ErrorIs(t, err, ErrCompressedCertificate)
}

func TestMetadataGate(t *testing.T) {
	s := newTestSession(t, core.NewVersion(5, 2, 4), func(apdu []byte) ([]byte, uint16) {
		t.Fatal("unexpected wire traffic")
		return nil, 0
	})
	_, err := s.GetPinMetadata()
	var notSupported *core.NotSupportedError
	require.ErrorAs(t, err, &notSupported)
	assert.Equal(t, core.NewVersion(5, 3, 0), notSupported.Required)
}

func TestGetPinMetadata(t *testing.T) {
	record := append(
		tlv.New(tagMetadataIsDefault, []byte{0x01}).Bytes(),
		tlv.New(tagMetadataRetries, []byte{0x08, 0x05}).Bytes()...,
	)
	s := newTestSession(t, core.NewVersion(5, 3, 0), func(apdu []byte) ([]byte, uint16) {
		require.Equal(t, byte(insGetMetadata), apdu[1])
		require.Equal(t, byte(pinP2), apdu[3])
		return record, smartcard.SWOK
	})

	metadata, err := s.GetPinMetadata()
	require.NoError(t, err)
	assert.True(t, metadata.DefaultValue)
	assert.Equal(t, 8, metadata.TotalAttempts)
	assert.Equal(t, 5, metadata.AttemptsRemaining)
}
