// Package tlv implements the BER-style tag-length-value records used by
// every application protocol on the device.
//
// Tags are one or more bytes: a first byte whose low five bits are all set
// announces a multi-byte tag, continued while the high bit of each following
// byte is set. Lengths below 0x80 are encoded in a single byte, longer values
// as 0x80|k followed by k big-endian length bytes. The indefinite length
// form (0x80) is not supported.
package tlv

import (
	"errors"
	"fmt"
)

// Errors
var (
	ErrTruncated          = errors.New("tlv: buffer shorter than declared length")
	ErrIndefiniteLength   = errors.New("tlv: indefinite length form not supported")
	ErrTrailingData       = errors.New("tlv: unexpected trailing data")
	ErrUnexpectedTag      = errors.New("tlv: unexpected tag")
	ErrInvalidTagOrLength = errors.New("tlv: invalid encoding of tag or length")
)

// TLV is a single tag-length-value record. Immutable once constructed.
type TLV struct {
	tag   int
	value []byte
}

// New creates a TLV from a tag and value. A nil value encodes a zero-length
// record.
func New(tag int, value []byte) TLV {
	v := make([]byte, len(value))
	copy(v, value)
	return TLV{tag: tag, value: v}
}

// Tag returns the record's tag.
func (t TLV) Tag() int { return t.tag }

// Length returns the length of the record's value.
func (t TLV) Length() int { return len(t.value) }

// Value returns the record's value. The returned slice must not be modified.
func (t TLV) Value() []byte { return t.value }

// String returns string representation of TLV
func (t TLV) String() string {
	return fmt.Sprintf("TLV(tag=%02x, value=%x)", t.tag, t.value)
}

// Bytes returns the encoded record: minimal big-endian tag bytes, then the
// length, then the value.
func (t TLV) Bytes() []byte {
	buf := appendInt(nil, t.tag)
	n := len(t.value)
	if n < 0x80 {
		buf = append(buf, byte(n))
	} else {
		lnBytes := appendInt(nil, n)
		buf = append(buf, byte(0x80|len(lnBytes)))
		buf = append(buf, lnBytes...)
	}
	return append(buf, t.value...)
}

// appendInt appends the minimal big-endian representation of v. Zero is
// encoded as a single 0x00 byte.
func appendInt(buf []byte, v int) []byte {
	var tmp [8]byte
	i := len(tmp)
	for {
		i--
		tmp[i] = byte(v)
		v >>= 8
		if v == 0 {
			break
		}
	}
	return append(buf, tmp[i:]...)
}

// ParseFrom parses one TLV from the start of data and returns it together
// with the unconsumed remainder.
func ParseFrom(data []byte) (TLV, []byte, error) {
	if len(data) < 2 {
		return TLV{}, nil, ErrInvalidTagOrLength
	}

	tag := int(data[0])
	rest := data[1:]
	if tag&0x1f == 0x1f {
		// Multi-byte tag, continued while the high bit is set
		for {
			if len(rest) == 0 {
				return TLV{}, nil, ErrInvalidTagOrLength
			}
			tag = tag<<8 | int(rest[0])
			rest = rest[1:]
			if tag&0x80 != 0x80 {
				break
			}
		}
	}

	if len(rest) == 0 {
		return TLV{}, nil, ErrInvalidTagOrLength
	}
	ln := int(rest[0])
	rest = rest[1:]
	switch {
	case ln == 0x80:
		return TLV{}, nil, ErrIndefiniteLength
	case ln > 0x80:
		nBytes := ln - 0x80
		if nBytes > 8 || len(rest) < nBytes {
			return TLV{}, nil, ErrInvalidTagOrLength
		}
		ln = 0
		for _, b := range rest[:nBytes] {
			ln = ln<<8 | int(b)
		}
		rest = rest[nBytes:]
	}

	if len(rest) < ln {
		return TLV{}, nil, ErrTruncated
	}
	return New(tag, rest[:ln]), rest[ln:], nil
}

// Parse parses exactly one TLV and fails if trailing bytes remain.
func Parse(data []byte) (TLV, error) {
	t, rest, err := ParseFrom(data)
	if err != nil {
		return TLV{}, err
	}
	if len(rest) != 0 {
		return TLV{}, ErrTrailingData
	}
	return t, nil
}

// ParseList consumes the buffer exhaustively into an ordered sequence of
// records.
func ParseList(data []byte) ([]TLV, error) {
	var res []TLV
	for len(data) > 0 {
		t, rest, err := ParseFrom(data)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
		data = rest
	}
	return res, nil
}

// ParseDict folds the buffer into a tag to value mapping. A later occurrence
// of a duplicate tag overwrites an earlier one.
func ParseDict(data []byte) (map[int][]byte, error) {
	list, err := ParseList(data)
	if err != nil {
		return nil, err
	}
	dict := make(map[int][]byte, len(list))
	for _, t := range list {
		dict[t.tag] = t.value
	}
	return dict, nil
}

// Unwrap parses exactly one TLV and returns its value, failing unless the
// tag matches.
func Unwrap(tag int, data []byte) ([]byte, error) {
	t, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if t.tag != tag {
		return nil, fmt.Errorf("%w: got %02x, expected %02x", ErrUnexpectedTag, t.tag, tag)
	}
	return t.value, nil
}
