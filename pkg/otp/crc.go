// Package otp implements the slot-based keyboard interface protocol:
// 8-byte feature report framing, 70-byte command frames and the CRC that
// protects them.
package otp

// CRC16 poly (reversed) and the residual value a frame with a trailing
// CRC checks out to.
const (
	crcPoly       = 0x8408
	crcInit       = 0xFFFF
	crcOkResidual = 0xF0B8
)

// CalculateCRC computes the CRC16 checksum used by the keyboard interface.
func CalculateCRC(data []byte) uint16 {
	crc := uint16(crcInit)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			lsb := crc & 1
			crc >>= 1
			if lsb != 0 {
				crc ^= crcPoly
			}
		}
	}
	return crc
}

// CheckCRC verifies data that carries its CRC in the trailing two bytes.
func CheckCRC(data []byte) bool {
	return CalculateCRC(data) == crcOkResidual
}
