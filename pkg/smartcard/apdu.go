// Package smartcard implements the ISO 7816 APDU layer: command framing,
// status word handling, command chaining and response continuation.
package smartcard

import "fmt"

// Status words. Wire-format values, reproduced bit-exact.
const (
	SWNoInputData                   uint16 = 0x6285
	SWVerifyFailNoRetry             uint16 = 0x63C0
	SWWrongLength                   uint16 = 0x6700
	SWSecurityConditionNotSatisfied uint16 = 0x6982
	SWAuthMethodBlocked             uint16 = 0x6983
	SWDataInvalid                   uint16 = 0x6984
	SWConditionsNotSatisfied        uint16 = 0x6985
	SWCommandNotAllowed             uint16 = 0x6986
	SWIncorrectParameters           uint16 = 0x6A80
	SWFileNotFound                  uint16 = 0x6A82
	SWNoSpace                       uint16 = 0x6A84
	SWInvalidInstruction            uint16 = 0x6D00
	SWCommandAborted                uint16 = 0x6F00
	SWOK                            uint16 = 0x9000
)

// SW1HasMoreData in the high status byte signals response continuation;
// the low byte carries the number of bytes waiting.
const SW1HasMoreData = 0x61

// SELECT command
const (
	InsSelect = 0xA4
	P1Select  = 0x04
	P2Select  = 0x00
)

// InsSendRemaining is the default GET RESPONSE instruction. Some
// applications use a different one.
const InsSendRemaining = 0xC0

// ClaChaining marks every chunk of a chained command except the last.
const ClaChaining = 0x10

// ShortAPDUMaxChunk is the largest data field of a single short APDU.
const ShortAPDUMaxChunk = 0xFF

// APDUError is returned when a response carries a status word outside the
// success and continuation ranges. The transport layer does not interpret
// the code further; sessions translate the codes they understand.
type APDUError struct {
	Data []byte // Response data accompanying the error, if any
	SW   uint16 // Raw status word
}

// Error implements the error interface.
func (e *APDUError) Error() string {
	return fmt.Sprintf("APDU error: SW=0x%04x", e.SW)
}

// StatusWord returns the status word of err if it is an APDUError, else 0.
func StatusWord(err error) uint16 {
	if e, ok := err.(*APDUError); ok {
		return e.SW
	}
	return 0
}

// EncodeAPDU builds a single command APDU. Data fields up to 255 bytes use
// the short LC form; larger fields use the extended form.
func EncodeAPDU(cla, ins, p1, p2 byte, data []byte) []byte {
	buf := []byte{cla, ins, p1, p2}
	if len(data) == 0 {
		return buf
	}
	if len(data) <= ShortAPDUMaxChunk {
		buf = append(buf, byte(len(data)))
	} else {
		buf = append(buf, 0, byte(len(data)>>8), byte(len(data)))
	}
	return append(buf, data...)
}
