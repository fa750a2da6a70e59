package management

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"avaneesh/yubikit-go/pkg/connection"
	"avaneesh/yubikit-go/pkg/core"
	"avaneesh/yubikit-go/pkg/smartcard"
)

func TestDeviceConfigBytes(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		config := DeviceConfig{}
		encoded, err := config.Bytes(false, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x00}, encoded)
	})

	t.Run("Sparse fields", func(t *testing.T) {
		timeout := uint8(10)
		config := DeviceConfig{
			EnabledCapabilities: map[core.Transport]core.Application{
				core.TransportUSB: 0x3F,
			},
			ChallengeResponseTimeout: &timeout,
		}
		encoded, err := config.Bytes(false, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x07, 0x03, 0x02, 0x00, 0x3F, 0x07, 0x01, 0x0A}, encoded)
	})

	t.Run("Reboot and lock codes", func(t *testing.T) {
		current := bytes.Repeat([]byte{0x11}, 16)
		next := bytes.Repeat([]byte{0x22}, 16)
		config := DeviceConfig{}
		encoded, err := config.Bytes(true, current, next)
		require.NoError(t, err)

		want := []byte{0x0C, 0x00, 0x0B, 0x10}
		want = append(want, current...)
		want = append(want, 0x0A, 0x10)
		want = append(want, next...)
		want = append([]byte{byte(len(want))}, want...)
		assert.Equal(t, want, encoded)
	})

	t.Run("Too large", func(t *testing.T) {
		config := DeviceConfig{}
		_, err := config.Bytes(false, make([]byte, 0xFF), nil)
		assert.ErrorIs(t, err, ErrConfigTooLarge)
	})
}

// deviceInfoRecord builds an encoded device info record from raw TLV
// bytes.
func deviceInfoRecord(tlvs []byte) []byte {
	return append([]byte{byte(len(tlvs))}, tlvs...)
}

func TestParseDeviceInfo(t *testing.T) {
	record := deviceInfoRecord([]byte{
		0x01, 0x02, 0x02, 0x3F, // USB supported
		0x02, 0x04, 0x00, 0xBC, 0x61, 0x4E, // serial 12345678
		0x03, 0x02, 0x02, 0x3B, // USB enabled
		0x04, 0x01, 0x01, // form factor
		0x05, 0x03, 0x05, 0x02, 0x04, // version 5.2.4
		0x0A, 0x01, 0x00, // not locked
		0x0D, 0x02, 0x02, 0x3F, // NFC supported
		0x0E, 0x02, 0x02, 0x3F, // NFC enabled
	})

	info, err := ParseDeviceInfo(record, core.NewVersion(5, 0, 0))
	require.NoError(t, err)

	assert.Equal(t, core.NewVersion(5, 2, 4), info.Version)
	assert.Equal(t, uint32(12345678), info.Serial)
	assert.Equal(t, core.FormFactorUSBAKeychain, info.FormFactor)
	assert.False(t, info.IsLocked)
	assert.Equal(t, core.Application(0x23F), info.SupportedCapabilities[core.TransportUSB])
	assert.Equal(t, core.Application(0x23F), info.SupportedCapabilities[core.TransportNFC])
	assert.Equal(t, core.Application(0x23B), info.Config.EnabledCapabilities[core.TransportUSB])
	assert.Equal(t, core.Application(0x23F), info.Config.EnabledCapabilities[core.TransportNFC])
	assert.True(t, info.HasTransport(core.TransportNFC))
}

func TestParseDeviceInfoQuirk424(t *testing.T) {
	// 4.2.4 misreports its supported applications
	record := deviceInfoRecord([]byte{
		0x01, 0x01, 0x07, // bogus USB supported
		0x05, 0x03, 0x04, 0x02, 0x04, // version 4.2.4
	})

	info, err := ParseDeviceInfo(record, core.NewVersion(4, 2, 4))
	require.NoError(t, err)
	assert.Equal(t, core.Application(0x3F), info.SupportedCapabilities[core.TransportUSB])
}

func TestParseDeviceInfoBadLength(t *testing.T) {
	_, err := ParseDeviceInfo([]byte{0x05, 0x01, 0x01, 0x07}, core.Version{})
	assert.ErrorIs(t, err, core.ErrBadResponse)
}

func TestMode(t *testing.T) {
	mode, err := NewMode(core.USBInterfaceOTP | core.USBInterfaceCCID)
	require.NoError(t, err)
	assert.Equal(t, byte(0x02), mode.Code)

	_, err = NewMode(0)
	assert.Error(t, err)

	assert.Equal(t, core.USBInterfaceFIDO, ModeFromCode(0x03).Interfaces)
	// Flag bits above the mode number are ignored
	assert.Equal(t, core.USBInterfaceFIDO, ModeFromCode(0x83).Interfaces)
}

// bannerHandler answers SELECT with a version banner and dispatches other
// instructions to fn.
func bannerHandler(banner string, fn func(apdu []byte) ([]byte, uint16)) func([]byte) ([]byte, uint16) {
	return func(apdu []byte) ([]byte, uint16) {
		if apdu[1] == 0xA4 {
			return []byte(banner), smartcard.SWOK
		}
		return fn(apdu)
	}
}

func TestSessionReadDeviceInfo(t *testing.T) {
	record := deviceInfoRecord([]byte{
		0x01, 0x02, 0x02, 0x3F,
		0x05, 0x03, 0x05, 0x02, 0x04,
	})
	mock := connection.NewMockSmartCardConnection(bannerHandler(
		"Firmware version 5.2.4",
		func(apdu []byte) ([]byte, uint16) {
			require.Equal(t, byte(insReadConfig), apdu[1])
			return record, smartcard.SWOK
		},
	))

	s, err := NewSession(mock)
	require.NoError(t, err)
	assert.Equal(t, core.NewVersion(5, 2, 4), s.Version())

	info, err := s.ReadDeviceInfo()
	require.NoError(t, err)
	assert.Equal(t, core.NewVersion(5, 2, 4), info.Version)
}

func TestSessionReadDeviceInfoUnsupported(t *testing.T) {
	mock := connection.NewMockSmartCardConnection(bannerHandler(
		"Firmware version 4.0.5",
		func(apdu []byte) ([]byte, uint16) { return nil, smartcard.SWOK },
	))

	s, err := NewSession(mock)
	require.NoError(t, err)

	_, err = s.ReadDeviceInfo()
	var notSupported *core.NotSupportedError
	assert.ErrorAs(t, err, &notSupported)
}

func TestSessionSetModeLegacy(t *testing.T) {
	var got []byte
	mock := connection.NewMockSmartCardConnection(bannerHandler(
		"Firmware version 4.3.5",
		func(apdu []byte) ([]byte, uint16) {
			require.Equal(t, byte(insSetMode), apdu[1])
			require.Equal(t, byte(p1DeviceConfig), apdu[2])
			got = apdu[5:]
			return nil, smartcard.SWOK
		},
	))

	s, err := NewSession(mock)
	require.NoError(t, err)

	mode, err := NewMode(core.USBInterfaceOTP | core.USBInterfaceCCID)
	require.NoError(t, err)
	require.NoError(t, s.SetMode(mode, 15, 0x1234))
	assert.Equal(t, []byte{0x02, 0x0F, 0x12, 0x34}, got)
}

func TestSessionSetModeTranslated(t *testing.T) {
	var got []byte
	mock := connection.NewMockSmartCardConnection(bannerHandler(
		"Firmware version 5.2.4",
		func(apdu []byte) ([]byte, uint16) {
			require.Equal(t, byte(insWriteConfig), apdu[1])
			got = apdu[5:]
			return nil, smartcard.SWOK
		},
	))

	s, err := NewSession(mock)
	require.NoError(t, err)

	mode, err := NewMode(core.USBInterfaceOTP | core.USBInterfaceFIDO | core.USBInterfaceCCID)
	require.NoError(t, err)
	require.NoError(t, s.SetMode(mode, 0, 0))

	// CCID maps to OATH, PIV and OpenPGP; FIDO to U2F and FIDO2
	assert.Equal(t, []byte{
		0x0B,
		0x03, 0x02, 0x02, 0x3B,
		0x06, 0x02, 0x00, 0x00,
		0x07, 0x01, 0x00,
	}, got)
}

func TestSessionOverFido(t *testing.T) {
	record := deviceInfoRecord([]byte{
		0x01, 0x02, 0x02, 0x3F,
		0x05, 0x03, 0x05, 0x01, 0x02,
	})
	mock := &connection.MockFidoConnection{
		DeviceVersion: core.NewVersion(5, 1, 2),
		Handler: func(cmd byte, data []byte) ([]byte, error) {
			require.Equal(t, byte(ctapReadConfig), cmd)
			return record, nil
		},
	}

	s, err := NewSession(mock)
	require.NoError(t, err)

	info, err := s.ReadDeviceInfo()
	require.NoError(t, err)
	assert.Equal(t, core.NewVersion(5, 1, 2), info.Version)
}

func TestSessionOverFidoLegacyVersion(t *testing.T) {
	// Old devices do not report a firmware version over this interface
	mock := &connection.MockFidoConnection{DeviceVersion: core.NewVersion(2, 1, 0)}

	s, err := NewSession(mock)
	require.NoError(t, err)
	assert.Equal(t, core.NewVersion(3, 0, 0), s.Version())
}
